package cfg

import (
	"errors"
	"flag"
	"fmt"
	"net"
	"os"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"

	"github.com/vnykmshr/lbucket/pkg/common/log"
)

// EnvPrefix is prepended to environment variable names.
const EnvPrefix = "LBUCKET_"

// cronParser accepts what the timer service accepts.
var cronParser = cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

type App struct {
	ConfigFile string

	Store              string
	RedisAddr          string
	RedisDB            int
	RedisPassword      string
	RedisNotifications bool
	MaxKeys            int

	Namespace     string
	NodeID        uint64
	Strategy      string
	Granularity   time.Duration
	GraceOffset   time.Duration
	SweepSchedule string
	QueueSize     int

	APIAddr   string
	OpsAddr   string
	RateLimit float64
	RateBurst int

	LogJSON       bool
	LogLevel      string
	EnableTracing bool
	OTLPEndpoint  string
	OTLPInsecure  bool
	TraceSample   float64
}

// Register binds all config fields to the given FlagSet with defaults inline
func Register(fs *flag.FlagSet, c *App) {
	fs.StringVar(&c.ConfigFile, "config", "", "optional YAML file keyed by flag name")

	fs.StringVar(&c.Store, "store", "memory", "key space backend: memory|redis")
	fs.StringVar(&c.RedisAddr, "redis-addr", "localhost:6379", "redis address (host:port)")
	fs.IntVar(&c.RedisDB, "redis-db", 0, "redis database number")
	fs.StringVar(&c.RedisPassword, "redis-password", "", "redis password")
	fs.BoolVar(&c.RedisNotifications, "redis-notifications", true, "enable expired/evicted keyspace events on the server (CONFIG SET)")
	fs.IntVar(&c.MaxKeys, "max-keys", 0, "memory store capacity, 0 for unbounded")

	fs.StringVar(&c.Namespace, "namespace", "lbucket", "key namespace")
	fs.Uint64Var(&c.NodeID, "node-id", 0, "node id used in key hash tags, 0 for random")
	fs.StringVar(&c.Strategy, "strategy", "pocket", "COUNT decay strategy: pocket|bucket")
	fs.DurationVar(&c.Granularity, "granularity", time.Second, "pocket instant granularity (whole seconds)")
	fs.DurationVar(&c.GraceOffset, "grace-offset", 30*time.Second, "extra record lifetime beyond its timer")
	fs.StringVar(&c.SweepSchedule, "sweep-schedule", "@every 1s", "cron schedule for memory store expiry sweeps")
	fs.IntVar(&c.QueueSize, "queue-size", 1024, "dispatcher queue capacity")

	fs.StringVar(&c.APIAddr, "api-addr", ":8080", "API listen address")
	fs.StringVar(&c.OpsAddr, "ops-addr", ":9000", "metrics and health listen address")
	fs.Float64Var(&c.RateLimit, "rate-limit", 0, "API requests per second per client, 0 disables")
	fs.IntVar(&c.RateBurst, "rate-burst", 20, "API request burst per client")

	fs.BoolVar(&c.LogJSON, "log-json", true, "JSON logs (true) or text (false)")
	fs.StringVar(&c.LogLevel, "log-level", "info", "debug|info|warn|error")
	fs.BoolVar(&c.EnableTracing, "enable-tracing", false, "Enable OTLP tracing and push to otlp-endpoint")
	fs.StringVar(&c.OTLPEndpoint, "otlp-endpoint", "", "OTLP endpoint to push to (gRPC) (host:port)")
	fs.BoolVar(&c.OTLPInsecure, "otlp-insecure", true, "disable TLS to the OTLP endpoint")
	fs.Float64Var(&c.TraceSample, "trace-sample", 0.1, "trace sampling ratio (0..1)")
}

func envKey(prefix, name string) string {
	return prefix + strings.ReplaceAll(strings.ToUpper(name), "-", "_")
}

// FillFromEnv sets any flag not explicitly passed on the CLI from
// environment variables. Flag "foo-bar" maps to PREFIX_FOO_BAR.
// Precedence: cli flag > env var > config file > default.
func FillFromEnv(fs *flag.FlagSet, prefix string, logf func(string, ...any)) {
	explicit := make(map[string]bool)
	fs.Visit(func(f *flag.Flag) { explicit[f.Name] = true })

	fs.VisitAll(func(f *flag.Flag) {
		key := envKey(prefix, f.Name)
		envVal, envSet := os.LookupEnv(key)
		if !envSet {
			return
		}
		if explicit[f.Name] {
			if logf != nil {
				logf("flag -%s: value %q overrides env %s=%q", f.Name, f.Value.String(), key, envVal)
			}
			return
		}
		prev := f.Value.String()
		if err := fs.Set(f.Name, envVal); err != nil {
			_ = fs.Set(f.Name, prev)
			if logf != nil {
				logf("flag -%s: ignoring invalid env %s=%q: %v", f.Name, key, envVal, err)
			}
		}
	})
}

// LoadFile reads a flat YAML mapping of flag names to scalar values.
func LoadFile(path string) (map[string]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var raw map[string]any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	out := make(map[string]string, len(raw))
	for k, v := range raw {
		switch v.(type) {
		case map[string]any, []any:
			return nil, fmt.Errorf("parse %s: %q must be a scalar", path, k)
		case nil:
			out[k] = ""
		default:
			out[k] = fmt.Sprint(v)
		}
	}
	return out, nil
}

// FillFromFile applies values from a config file to flags that were set
// neither on the CLI nor through the environment. Call it before
// FillFromEnv.
func FillFromFile(fs *flag.FlagSet, values map[string]string, prefix string) error {
	explicit := make(map[string]bool)
	fs.Visit(func(f *flag.Flag) { explicit[f.Name] = true })

	var errs []error
	for name, val := range values {
		if fs.Lookup(name) == nil {
			errs = append(errs, fmt.Errorf("unknown config key %q", name))
			continue
		}
		if explicit[name] {
			continue
		}
		if _, envSet := os.LookupEnv(envKey(prefix, name)); envSet {
			continue
		}
		if err := fs.Set(name, val); err != nil {
			errs = append(errs, fmt.Errorf("config key %q: %w", name, err))
		}
	}
	return errors.Join(errs...)
}

// Validate checks that config values are within expected ranges and formats.
// Returns an error describing all invalid fields, or nil if all valid.
func Validate(c App) error {
	var errs []error

	switch c.Store {
	case "memory":
		if c.MaxKeys < 0 {
			errs = append(errs, fmt.Errorf("invalid MAX_KEYS %d (must be >= 0)", c.MaxKeys))
		}
	case "redis":
		if _, _, err := net.SplitHostPort(c.RedisAddr); err != nil {
			errs = append(errs, fmt.Errorf("REDIS_ADDR must be host:port (got %q): %v", c.RedisAddr, err))
		}
		if c.RedisDB < 0 {
			errs = append(errs, fmt.Errorf("invalid REDIS_DB %d (must be >= 0)", c.RedisDB))
		}
	default:
		errs = append(errs, fmt.Errorf("invalid STORE %q (must be memory or redis)", c.Store))
	}

	if c.Namespace == "" || strings.ContainsAny(c.Namespace, ":{} ") {
		errs = append(errs, fmt.Errorf("invalid NAMESPACE %q (non-empty, no ':', '{', '}' or spaces)", c.Namespace))
	}
	if c.Strategy != "pocket" && c.Strategy != "bucket" {
		errs = append(errs, fmt.Errorf("invalid STRATEGY %q (must be pocket or bucket)", c.Strategy))
	}
	if c.Granularity < time.Second || c.Granularity%time.Second != 0 {
		errs = append(errs, fmt.Errorf("invalid GRANULARITY %s (must be whole seconds >= 1s)", c.Granularity))
	}
	if c.GraceOffset < 0 {
		errs = append(errs, fmt.Errorf("invalid GRACE_OFFSET %s (must be >= 0)", c.GraceOffset))
	}
	if _, err := cronParser.Parse(c.SweepSchedule); err != nil {
		errs = append(errs, fmt.Errorf("invalid SWEEP_SCHEDULE %q: %w", c.SweepSchedule, err))
	}
	if c.QueueSize < 1 {
		errs = append(errs, fmt.Errorf("invalid QUEUE_SIZE %d (must be >= 1)", c.QueueSize))
	}

	// Listeners
	if _, _, err := net.SplitHostPort(c.APIAddr); err != nil {
		errs = append(errs, fmt.Errorf("API_ADDR must be host:port (got %q): %v", c.APIAddr, err))
	}
	if _, _, err := net.SplitHostPort(c.OpsAddr); err != nil {
		errs = append(errs, fmt.Errorf("OPS_ADDR must be host:port (got %q): %v", c.OpsAddr, err))
	}
	if c.APIAddr == c.OpsAddr {
		errs = append(errs, fmt.Errorf("API_ADDR and OPS_ADDR must differ (both %q)", c.APIAddr))
	}
	if c.RateLimit < 0 {
		errs = append(errs, fmt.Errorf("invalid RATE_LIMIT %.3f (must be >= 0)", c.RateLimit))
	}
	if c.RateLimit > 0 && c.RateBurst < 1 {
		errs = append(errs, fmt.Errorf("invalid RATE_BURST %d (must be >= 1 when RATE_LIMIT is set)", c.RateBurst))
	}

	if _, err := log.ParseLevel(c.LogLevel); err != nil {
		errs = append(errs, fmt.Errorf("invalid LOG_LEVEL %q: %w", c.LogLevel, err))
	}
	if c.TraceSample < 0 || c.TraceSample > 1 {
		errs = append(errs, fmt.Errorf("invalid TRACE_SAMPLE %.3f (must be 0..1)", c.TraceSample))
	}

	// OTLP tracing (grpc exporter wants host:port, no scheme)
	if c.EnableTracing {
		if c.OTLPEndpoint == "" {
			errs = append(errs, fmt.Errorf("OTLP_ENDPOINT required when ENABLE_TRACING=true"))
		} else if _, _, err := net.SplitHostPort(c.OTLPEndpoint); err != nil {
			errs = append(errs, fmt.Errorf("OTLP_ENDPOINT must be host:port (got %q): %v", c.OTLPEndpoint, err))
		}
	}

	return errors.Join(errs...)
}
