// Package rediskv implements keyspace.KeySpace on Redis.
//
// Strings map to Redis strings and records to hashes. Counter arithmetic
// runs in a Lua script so concurrent nodes see atomic updates. Expiries and
// evictions are read from Redis keyevent notifications once Start is called;
// the server must have notify-keyspace-events including "Exe", which Start
// can set when ConfigureNotifications is enabled.
package rediskv

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	lberrors "github.com/vnykmshr/lbucket/pkg/common/errors"
	"github.com/vnykmshr/lbucket/pkg/common/log"
	"github.com/vnykmshr/lbucket/pkg/keyspace"
	"github.com/vnykmshr/lbucket/pkg/metrics"
)

// Config holds configuration for a Redis key space.
type Config struct {
	// Client is the Redis connection. Required.
	Client redis.UniversalClient

	// DB is the database index used in notification channel names.
	DB int

	// Timeout bounds each Redis operation. Defaults to 500ms.
	Timeout time.Duration

	// KeyPrefix limits delivered notifications to keys with this prefix.
	KeyPrefix string

	// ConfigureNotifications makes Start enable keyevent notifications on
	// the server with CONFIG SET.
	ConfigureNotifications bool

	Metrics *metrics.Registry
	Logger  log.Logger
}

// Store is a Redis-backed KeySpace.
type Store struct {
	client  redis.UniversalClient
	config  Config
	metrics *metrics.Registry
	logger  log.Logger

	addScript *redis.Script

	lmu       sync.RWMutex
	listeners []keyspace.RemoveFunc

	mu     sync.Mutex
	pubsub *redis.PubSub
	wg     sync.WaitGroup
}

var (
	_ keyspace.KeySpace = (*Store)(nil)
	_ keyspace.Notifier = (*Store)(nil)
)

// New creates a Store. It does not contact the server.
func New(config Config) (*Store, error) {
	if config.Client == nil {
		return nil, lberrors.NewValidationError("rediskv", "client", nil, "cannot be nil").
			WithHint("pass a *redis.Client or redis.UniversalClient")
	}
	if config.Timeout == 0 {
		config.Timeout = 500 * time.Millisecond
	}
	if config.Metrics == nil {
		config.Metrics = metrics.DefaultRegistry
	}
	return &Store{
		client:    config.Client,
		config:    config,
		metrics:   config.Metrics,
		logger:    log.OrNop(config.Logger).With("component", "rediskv"),
		addScript: redis.NewScript(luaAddCounter),
	}, nil
}

// luaAddCounter implements AddCounter. Returns {value, existed}.
const luaAddCounter = `
local v = redis.call('GET', KEYS[1])
local delta = tonumber(ARGV[1])
if (not v) or v == '' then
  if delta <= 0 then
    return {0, 0}
  end
  redis.call('SET', KEYS[1], string.format('%d', delta), 'KEEPTTL')
  return {delta, 0}
end
if not string.match(v, '^-?%d+$') then
  return redis.error_reply('MALFORMED counter value')
end
local n = tonumber(v) + delta
if n < 0 then
  n = 0
end
redis.call('SET', KEYS[1], string.format('%d', n), 'KEEPTTL')
return {n, 1}
`

func (s *Store) opContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, s.config.Timeout)
}

func mapError(op, key string, err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, redis.Nil):
		return fmt.Errorf("%s %s: %w", op, key, lberrors.ErrNotFound)
	case strings.Contains(err.Error(), "WRONGTYPE"):
		return fmt.Errorf("%s %s: %w", op, key, lberrors.ErrWrongType)
	case strings.Contains(err.Error(), "MALFORMED"):
		return fmt.Errorf("%s %s: %w", op, key, lberrors.ErrMalformed)
	default:
		return lberrors.NewBackendError(op, key, err)
	}
}

// Ping checks that the server answers.
func (s *Store) Ping(ctx context.Context) error {
	ctx, cancel := s.opContext(ctx)
	defer cancel()
	return mapError("ping", "", s.client.Ping(ctx).Err())
}

// Type reports the kind of value under key.
func (s *Store) Type(ctx context.Context, key string) (keyspace.Type, error) {
	ctx, cancel := s.opContext(ctx)
	defer cancel()

	t, err := s.client.Type(ctx, key).Result()
	if err != nil {
		return keyspace.TypeNone, mapError("TYPE", key, err)
	}
	switch t {
	case "none":
		return keyspace.TypeNone, nil
	case "string":
		return keyspace.TypeString, nil
	case "hash":
		return keyspace.TypeRecord, nil
	default:
		return keyspace.TypeOther, nil
	}
}

// Get returns the string under key.
func (s *Store) Get(ctx context.Context, key string) (string, error) {
	ctx, cancel := s.opContext(ctx)
	defer cancel()

	v, err := s.client.Get(ctx, key).Result()
	return v, mapError("GET", key, err)
}

// Set stores value under key, keeping an existing expiry.
func (s *Store) Set(ctx context.Context, key, value string) error {
	ctx, cancel := s.opContext(ctx)
	defer cancel()

	return mapError("SET", key, s.client.Set(ctx, key, value, redis.KeepTTL).Err())
}

// AddCounter adds delta to the integer string under key.
func (s *Store) AddCounter(ctx context.Context, key string, delta int64) (int64, bool, error) {
	ctx, cancel := s.opContext(ctx)
	defer cancel()

	res, err := s.addScript.Run(ctx, s.client, []string{key}, delta).Int64Slice()
	if err != nil {
		return 0, false, mapError("ADD", key, err)
	}
	if len(res) != 2 {
		return 0, false, lberrors.NewBackendError("ADD", key, fmt.Errorf("unexpected script reply %v", res))
	}
	return res[0], res[1] == 1, nil
}

// Delete removes key.
func (s *Store) Delete(ctx context.Context, key string) (bool, error) {
	ctx, cancel := s.opContext(ctx)
	defer cancel()

	n, err := s.client.Del(ctx, key).Result()
	if err != nil {
		return false, mapError("DEL", key, err)
	}
	return n > 0, nil
}

// Expire sets a time to live on key.
func (s *Store) Expire(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	ctx, cancel := s.opContext(ctx)
	defer cancel()

	ok, err := s.client.PExpire(ctx, key, ttl).Result()
	return ok, mapError("PEXPIRE", key, err)
}

// TTL returns the remaining time to live of key, or -1 for a persistent key.
func (s *Store) TTL(ctx context.Context, key string) (time.Duration, error) {
	ctx, cancel := s.opContext(ctx)
	defer cancel()

	d, err := s.client.PTTL(ctx, key).Result()
	if err != nil {
		return 0, mapError("PTTL", key, err)
	}
	if d == -2 || d == -2*time.Millisecond {
		return 0, mapError("PTTL", key, redis.Nil)
	}
	if d < 0 {
		return -1, nil
	}
	return d, nil
}

// CreateRecord replaces key with a hash holding fields.
func (s *Store) CreateRecord(ctx context.Context, key string, fields map[string]int64, ttl time.Duration) error {
	ctx, cancel := s.opContext(ctx)
	defer cancel()

	values := make(map[string]interface{}, len(fields))
	for k, v := range fields {
		values[k] = v
	}
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, key)
		if len(values) > 0 {
			pipe.HSet(ctx, key, values)
			if ttl > 0 {
				pipe.PExpire(ctx, key, ttl)
			}
		}
		return nil
	})
	return mapError("CREATE", key, err)
}

// ReadRecord returns every field of the hash under key.
func (s *Store) ReadRecord(ctx context.Context, key string) (map[string]int64, error) {
	ctx, cancel := s.opContext(ctx)
	defer cancel()

	raw, err := s.client.HGetAll(ctx, key).Result()
	if err != nil {
		return nil, mapError("HGETALL", key, err)
	}
	if len(raw) == 0 {
		return nil, mapError("HGETALL", key, redis.Nil)
	}
	out := make(map[string]int64, len(raw))
	for k, v := range raw {
		n, perr := strconv.ParseInt(v, 10, 64)
		if perr != nil {
			return nil, fmt.Errorf("read %s field %s: %w", key, k, lberrors.ErrMalformed)
		}
		out[k] = n
	}
	return out, nil
}

// IncrRecord adds n to field of the hash under key.
func (s *Store) IncrRecord(ctx context.Context, key, field string, n int64) (int64, error) {
	ctx, cancel := s.opContext(ctx)
	defer cancel()

	v, err := s.client.HIncrBy(ctx, key, field, n).Result()
	return v, mapError("HINCRBY", key, err)
}

// OnRemove registers fn for expiry and eviction notifications.
func (s *Store) OnRemove(fn keyspace.RemoveFunc) {
	s.lmu.Lock()
	defer s.lmu.Unlock()
	s.listeners = append(s.listeners, fn)
}

func (s *Store) channels() []string {
	return []string{
		fmt.Sprintf("__keyevent@%d__:%s", s.config.DB, keyspace.ReasonExpired),
		fmt.Sprintf("__keyevent@%d__:%s", s.config.DB, keyspace.ReasonEvicted),
	}
}

// Start subscribes to expiry and eviction notifications. It returns once
// the subscription is confirmed.
func (s *Store) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pubsub != nil {
		return nil
	}

	if s.config.ConfigureNotifications {
		if err := s.client.ConfigSet(ctx, "notify-keyspace-events", "Exe").Err(); err != nil {
			return mapError("CONFIG SET", "", err)
		}
	}

	ps := s.client.Subscribe(ctx, s.channels()...)
	for range s.channels() {
		if _, err := ps.Receive(ctx); err != nil {
			_ = ps.Close()
			return mapError("SUBSCRIBE", "", err)
		}
	}
	s.pubsub = ps

	s.wg.Add(1)
	go s.listen(ps.Channel())
	return nil
}

func (s *Store) listen(ch <-chan *redis.Message) {
	defer s.wg.Done()
	ctx := context.Background()

	for msg := range ch {
		key := msg.Payload
		if s.config.KeyPrefix != "" && !strings.HasPrefix(key, s.config.KeyPrefix) {
			continue
		}
		reason := msg.Channel[strings.LastIndexByte(msg.Channel, ':')+1:]
		s.metrics.KeysRemoved.WithLabelValues(reason).Inc()
		s.logger.Debug(ctx, "key removed", "key", key, "reason", reason)

		s.lmu.RLock()
		listeners := s.listeners
		s.lmu.RUnlock()
		for _, fn := range listeners {
			fn(ctx, key, reason)
		}
	}
}

// Close stops the notification subscription. The client is left open.
func (s *Store) Close() error {
	s.mu.Lock()
	ps := s.pubsub
	s.pubsub = nil
	s.mu.Unlock()

	if ps == nil {
		return nil
	}
	err := ps.Close()
	s.wg.Wait()
	return err
}
