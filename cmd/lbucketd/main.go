// Command lbucketd serves decaying counters over HTTP.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"

	"github.com/vnykmshr/lbucket/internal/cfg"
	"github.com/vnykmshr/lbucket/internal/httpapi"
	"github.com/vnykmshr/lbucket/internal/otelx"
	"github.com/vnykmshr/lbucket/pkg/common/log"
	"github.com/vnykmshr/lbucket/pkg/decay"
	"github.com/vnykmshr/lbucket/pkg/keyspace"
	"github.com/vnykmshr/lbucket/pkg/keyspace/memory"
	"github.com/vnykmshr/lbucket/pkg/keyspace/rediskv"
	"github.com/vnykmshr/lbucket/pkg/metrics"
	"github.com/vnykmshr/lbucket/pkg/ratelimit"
	"github.com/vnykmshr/lbucket/pkg/scheduling/dispatch"
	"github.com/vnykmshr/lbucket/pkg/scheduling/timer"
)

const appName = "lbucketd"

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var conf cfg.App
	fs := flag.NewFlagSet(appName, flag.ExitOnError)
	cfg.Register(fs, &conf)
	_ = fs.Parse(os.Args[1:])

	if conf.ConfigFile == "" {
		conf.ConfigFile = os.Getenv(cfg.EnvPrefix + "CONFIG")
	}
	if conf.ConfigFile != "" {
		values, err := cfg.LoadFile(conf.ConfigFile)
		if err == nil {
			err = cfg.FillFromFile(fs, values, cfg.EnvPrefix)
		}
		if err != nil {
			fmt.Fprintln(os.Stderr, "config error:", err)
			return 1
		}
	}
	cfg.FillFromEnv(fs, cfg.EnvPrefix, func(format string, args ...any) {
		fmt.Fprintf(os.Stderr, format+"\n", args...)
	})
	if err := cfg.Validate(conf); err != nil {
		fmt.Fprintln(os.Stderr, "config error:", err)
		return 1
	}

	lvl, err := log.ParseLevel(conf.LogLevel)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	lg := log.New(log.Options{
		Service:    appName,
		Version:    version,
		Level:      lvl,
		JSONFormat: conf.LogJSON,
	})
	defer lg.Sync()
	L := lg.With("component", "server")
	ctx = log.WithContext(ctx, L)

	node, err := newNode(conf)
	if err != nil {
		L.Error(ctx, err, "invalid node identity")
		return 1
	}
	L.Info(ctx, "initializing application",
		"version", version,
		"node", node.String(),
		"store", conf.Store,
		"strategy", conf.Strategy,
		"api_addr", conf.APIAddr,
		"ops_addr", conf.OpsAddr,
		"rate_limit", conf.RateLimit,
		"enable_tracing", conf.EnableTracing,
		"otlp_endpoint", conf.OTLPEndpoint,
	)

	shutdownOTEL, err := otelx.Init(ctx, otelx.Options{
		Enabled:   conf.EnableTracing,
		Endpoint:  conf.OTLPEndpoint,
		Insecure:  conf.OTLPInsecure,
		Sample:    conf.TraceSample,
		Service:   appName,
		Version:   version,
		Namespace: conf.Namespace,
		NodeID:    node.String(),
	})
	if err != nil {
		L.Error(ctx, err, "otel init failed")
		return 1
	}
	defer func() { _ = shutdownOTEL(context.Background()) }()

	m := metrics.DefaultRegistry

	ks, ping, closeStore, err := openStore(ctx, conf, m, lg)
	if err != nil {
		L.Error(ctx, err, "key space init failed", "store", conf.Store)
		return 1
	}
	defer closeStore()

	d, err := dispatch.NewWithConfig(dispatch.Config{QueueSize: conf.QueueSize, Metrics: m, Logger: lg})
	if err != nil {
		L.Error(ctx, err, "dispatcher init failed")
		return 1
	}
	defer func() { <-d.Shutdown() }()

	tm, err := timer.New(timer.Config{Submitter: d, Metrics: m, Logger: lg})
	if err != nil {
		L.Error(ctx, err, "timer init failed")
		return 1
	}

	engine, err := decay.New(decay.Config{
		KeySpace:      ks,
		Node:          node,
		Namespace:     conf.Namespace,
		Strategy:      decay.Strategy(conf.Strategy),
		Granularity:   conf.Granularity,
		GraceOffset:   conf.GraceOffset,
		SweepSchedule: conf.SweepSchedule,
		Dispatcher:    d,
		Timer:         tm,
		Metrics:       m,
		Logger:        lg,
	})
	if err != nil {
		L.Error(ctx, err, "engine init failed")
		return 1
	}
	defer func() { _ = engine.Close() }()
	if err := engine.Start(); err != nil {
		L.Error(ctx, err, "engine start failed")
		return 1
	}

	limiter, err := ratelimit.New(ratelimit.Config{
		Rate:    conf.RateLimit,
		Burst:   conf.RateBurst,
		Metrics: m,
		OnFirstDenied: func(client string) {
			L.Warn(ctx, "rate limit triggered", "client.address", client)
		},
	})
	if err != nil {
		L.Error(ctx, err, "rate limiter init failed")
		return 1
	}
	if limiter.Enabled() {
		err := tm.ScheduleCron("ratelimit-evict", "@every 1m", dispatch.TaskFunc(func(ctx context.Context) error {
			if n := limiter.Evict(); n > 0 {
				L.Debug(ctx, "evicted idle rate limit clients", "count", n)
			}
			return nil
		}))
		if err != nil {
			L.Error(ctx, err, "rate limiter eviction schedule failed")
			return 1
		}
	}

	if err := tm.Start(); err != nil {
		L.Error(ctx, err, "timer start failed")
		return 1
	}
	defer func() { <-tm.Stop() }()

	ready := func(ctx context.Context) error {
		if err := d.Do(ctx, dispatch.TaskFunc(func(context.Context) error { return nil })); err != nil {
			return fmt.Errorf("dispatcher: %w", err)
		}
		return ping(ctx)
	}

	apiSrv := &http.Server{
		Addr:              conf.APIAddr,
		Handler:           httpapi.NewHandler(httpapi.Options{Engine: engine, Limiter: limiter, Metrics: m, Logger: lg}),
		ReadHeaderTimeout: 5 * time.Second,
	}
	opsSrv := &http.Server{
		Addr:              conf.OpsAddr,
		Handler:           httpapi.NewOpsHandler(httpapi.OpsOptions{Gatherer: prometheus.DefaultGatherer, Ready: ready}),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 2)
	for _, srv := range []*http.Server{apiSrv, opsSrv} {
		go func(srv *http.Server) {
			L.Info(ctx, "http listener started", "addr", srv.Addr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- fmt.Errorf("listen %s: %w", srv.Addr, err)
			}
		}(srv)
	}

	code := 0
	select {
	case <-ctx.Done():
		L.Info(context.Background(), "shutdown signal received")
	case err := <-errCh:
		L.Error(context.Background(), err, "http server failed")
		code = 1
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := apiSrv.Shutdown(shutdownCtx); err != nil {
		L.Error(context.Background(), err, "api http server shutdown")
	}
	if err := opsSrv.Shutdown(shutdownCtx); err != nil {
		L.Error(context.Background(), err, "ops http server shutdown")
	}
	if err := shutdownOTEL(shutdownCtx); err != nil {
		L.Error(context.Background(), err, "otel shutdown")
	}

	L.Info(context.Background(), "shutdown complete")
	return code
}

func newNode(conf cfg.App) (decay.Node, error) {
	if conf.NodeID == 0 {
		return decay.NewNode(conf.Namespace)
	}
	return decay.NodeFromID(conf.Namespace, conf.NodeID)
}

// openStore returns the configured key space with its readiness check and
// close func.
func openStore(ctx context.Context, conf cfg.App, m *metrics.Registry, lg log.Logger) (keyspace.KeySpace, func(context.Context) error, func(), error) {
	switch conf.Store {
	case "redis":
		client := redis.NewClient(&redis.Options{
			Addr:     conf.RedisAddr,
			DB:       conf.RedisDB,
			Password: conf.RedisPassword,
		})
		store, err := rediskv.New(rediskv.Config{
			Client:                 client,
			DB:                     conf.RedisDB,
			KeyPrefix:              conf.Namespace + ":",
			ConfigureNotifications: conf.RedisNotifications,
			Metrics:                m,
			Logger:                 lg,
		})
		if err != nil {
			_ = client.Close()
			return nil, nil, nil, err
		}
		if err := store.Start(ctx); err != nil {
			_ = client.Close()
			return nil, nil, nil, err
		}
		closeFn := func() {
			_ = store.Close()
			_ = client.Close()
		}
		return store, store.Ping, closeFn, nil
	default:
		store, err := memory.NewWithConfig(memory.Config{MaxKeys: conf.MaxKeys, Metrics: m})
		if err != nil {
			return nil, nil, nil, err
		}
		return store, func(context.Context) error { return nil }, func() {}, nil
	}
}
