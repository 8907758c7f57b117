// Package memory implements keyspace.KeySpace in process memory.
//
// Expired keys are removed lazily when touched and actively by Sweep. When
// MaxKeys is set, inserting a new key into a full store evicts one key from
// a small random sample, the way Redis approximates its policies. Within
// the sample an expired key goes first, then a counter holding zero, then
// the oldest other string, and records only when the sample has nothing
// else: a record holds pending decrements, and losing one would leave its
// counters raised for good. Expiries and evictions are reported to
// OnRemove listeners after the store lock is released, so listeners may
// call back into the store.
package memory

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/vnykmshr/lbucket/pkg/common/clock"
	lberrors "github.com/vnykmshr/lbucket/pkg/common/errors"
	"github.com/vnykmshr/lbucket/pkg/common/validation"
	"github.com/vnykmshr/lbucket/pkg/keyspace"
	"github.com/vnykmshr/lbucket/pkg/metrics"
)

// Config holds configuration options for a Store.
type Config struct {
	// Clock drives expiry. Defaults to the system clock.
	Clock clock.Clock

	// MaxKeys bounds the number of keys. Zero means unbounded.
	MaxKeys int

	// Metrics receives removal counts. Defaults to metrics.DefaultRegistry.
	Metrics *metrics.Registry
}

type entry struct {
	kind     keyspace.Type
	str      string
	rec      map[string]int64
	expireAt time.Time
	seq      uint64
}

func (e *entry) expired(now time.Time) bool {
	return !e.expireAt.IsZero() && !now.Before(e.expireAt)
}

type removal struct {
	key    string
	reason string
}

// Store is an in-memory KeySpace.
type Store struct {
	mu      sync.Mutex
	items   map[string]*entry
	seq     uint64
	clock   clock.Clock
	maxKeys int
	metrics *metrics.Registry

	lmu       sync.RWMutex
	listeners []keyspace.RemoveFunc
}

var (
	_ keyspace.KeySpace = (*Store)(nil)
	_ keyspace.Notifier = (*Store)(nil)
	_ keyspace.Sweeper  = (*Store)(nil)
)

// New creates an unbounded store on the system clock.
func New() *Store {
	s, _ := NewWithConfig(Config{})
	return s
}

// NewWithConfig creates a store from config.
func NewWithConfig(config Config) (*Store, error) {
	if config.MaxKeys != 0 {
		if err := validation.ValidatePositive("memory", "max_keys", int64(config.MaxKeys)); err != nil {
			return nil, err
		}
	}
	if config.Metrics == nil {
		config.Metrics = metrics.DefaultRegistry
	}
	return &Store{
		items:   make(map[string]*entry),
		clock:   clock.OrSystem(config.Clock),
		maxKeys: config.MaxKeys,
		metrics: config.Metrics,
	}, nil
}

// OnRemove registers fn for expiries and evictions.
func (s *Store) OnRemove(fn keyspace.RemoveFunc) {
	s.lmu.Lock()
	defer s.lmu.Unlock()
	s.listeners = append(s.listeners, fn)
}

// Len returns the number of keys, including expired keys not yet removed.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.items)
}

// txn is the view of the store inside one locked operation.
type txn struct {
	s       *Store
	now     time.Time
	removed []removal
}

func (tx *txn) lookup(key string) *entry {
	e, ok := tx.s.items[key]
	if !ok {
		return nil
	}
	if e.expired(tx.now) {
		delete(tx.s.items, key)
		tx.removed = append(tx.removed, removal{key, keyspace.ReasonExpired})
		return nil
	}
	return e
}

func (tx *txn) put(key string, e *entry) {
	if _, ok := tx.s.items[key]; !ok && tx.s.maxKeys > 0 {
		for len(tx.s.items) >= tx.s.maxKeys {
			tx.evictOne()
		}
	}
	tx.s.seq++
	e.seq = tx.s.seq
	tx.s.items[key] = e
}

// evictionSamples is how many keys evictOne considers.
const evictionSamples = 16

// evictOne removes the best candidate among up to evictionSamples keys.
// Map iteration order is randomized, so the sample differs per call.
func (tx *txn) evictOne() {
	var (
		victim string
		best   *entry
		seen   int
	)
	for k, e := range tx.s.items {
		if best == nil || tx.evictBefore(e, best) {
			victim, best = k, e
		}
		if seen++; seen >= evictionSamples {
			break
		}
	}
	if best == nil {
		return
	}
	reason := keyspace.ReasonEvicted
	if best.expired(tx.now) {
		reason = keyspace.ReasonExpired
	}
	delete(tx.s.items, victim)
	tx.removed = append(tx.removed, removal{victim, reason})
}

// evictRank orders eviction candidates, lowest first.
func (tx *txn) evictRank(e *entry) int {
	switch {
	case e.expired(tx.now):
		return 0
	case e.kind == keyspace.TypeString && (e.str == "" || e.str == "0"):
		return 1
	case e.kind == keyspace.TypeString:
		return 2
	default:
		return 3
	}
}

func (tx *txn) evictBefore(a, b *entry) bool {
	if ra, rb := tx.evictRank(a), tx.evictRank(b); ra != rb {
		return ra < rb
	}
	// records closest to expiry first, persistent ones last
	if a.kind == keyspace.TypeRecord && !a.expireAt.Equal(b.expireAt) {
		switch {
		case a.expireAt.IsZero():
			return false
		case b.expireAt.IsZero():
			return true
		default:
			return a.expireAt.Before(b.expireAt)
		}
	}
	return a.seq < b.seq
}

func (s *Store) update(ctx context.Context, fn func(tx *txn)) {
	s.mu.Lock()
	tx := &txn{s: s, now: s.clock.Now()}
	fn(tx)
	s.mu.Unlock()
	s.notify(ctx, tx.removed)
}

func (s *Store) notify(ctx context.Context, removed []removal) {
	if len(removed) == 0 {
		return
	}
	s.lmu.RLock()
	listeners := s.listeners
	s.lmu.RUnlock()

	for _, r := range removed {
		s.metrics.KeysRemoved.WithLabelValues(r.reason).Inc()
		for _, fn := range listeners {
			fn(ctx, r.key, r.reason)
		}
	}
}

func notFound(op, key string) error {
	return fmt.Errorf("%s %s: %w", op, key, lberrors.ErrNotFound)
}

func wrongType(op, key string) error {
	return fmt.Errorf("%s %s: %w", op, key, lberrors.ErrWrongType)
}

// Type reports the kind of value under key.
func (s *Store) Type(ctx context.Context, key string) (keyspace.Type, error) {
	typ := keyspace.TypeNone
	s.update(ctx, func(tx *txn) {
		if e := tx.lookup(key); e != nil {
			typ = e.kind
		}
	})
	return typ, nil
}

// Get returns the string under key.
func (s *Store) Get(ctx context.Context, key string) (string, error) {
	var (
		val string
		err error
	)
	s.update(ctx, func(tx *txn) {
		e := tx.lookup(key)
		switch {
		case e == nil:
			err = notFound("get", key)
		case e.kind != keyspace.TypeString:
			err = wrongType("get", key)
		default:
			val = e.str
		}
	})
	return val, err
}

// Set stores value under key, keeping an existing expiry.
func (s *Store) Set(ctx context.Context, key, value string) error {
	var err error
	s.update(ctx, func(tx *txn) {
		e := tx.lookup(key)
		if e == nil {
			tx.put(key, &entry{kind: keyspace.TypeString, str: value})
			return
		}
		if e.kind != keyspace.TypeString {
			err = wrongType("set", key)
			return
		}
		e.str = value
	})
	return err
}

// AddCounter adds delta to the integer string under key.
func (s *Store) AddCounter(ctx context.Context, key string, delta int64) (int64, bool, error) {
	var (
		val     int64
		existed bool
		err     error
	)
	s.update(ctx, func(tx *txn) {
		e := tx.lookup(key)
		if e != nil && e.kind != keyspace.TypeString {
			err = wrongType("add", key)
			return
		}
		if e == nil || e.str == "" {
			if delta <= 0 {
				return
			}
			val = delta
			if e != nil {
				e.str = strconv.FormatInt(val, 10)
				return
			}
			tx.put(key, &entry{kind: keyspace.TypeString, str: strconv.FormatInt(val, 10)})
			return
		}
		cur, perr := strconv.ParseInt(e.str, 10, 64)
		if perr != nil || e.str[0] == '+' {
			err = fmt.Errorf("add %s: %w", key, lberrors.ErrMalformed)
			return
		}
		existed = true
		val = cur + delta
		if val < 0 {
			val = 0
		}
		e.str = strconv.FormatInt(val, 10)
	})
	return val, existed, err
}

// Delete removes key.
func (s *Store) Delete(ctx context.Context, key string) (bool, error) {
	var existed bool
	s.update(ctx, func(tx *txn) {
		if tx.lookup(key) != nil {
			delete(s.items, key)
			existed = true
		}
	})
	return existed, nil
}

// Expire sets a time to live on key. A non-positive ttl removes the key.
func (s *Store) Expire(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	var ok bool
	s.update(ctx, func(tx *txn) {
		e := tx.lookup(key)
		if e == nil {
			return
		}
		ok = true
		if ttl <= 0 {
			delete(s.items, key)
			tx.removed = append(tx.removed, removal{key, keyspace.ReasonExpired})
			return
		}
		e.expireAt = tx.now.Add(ttl)
	})
	return ok, nil
}

// TTL returns the remaining time to live of key, or -1 for a persistent key.
func (s *Store) TTL(ctx context.Context, key string) (time.Duration, error) {
	var (
		ttl time.Duration
		err error
	)
	s.update(ctx, func(tx *txn) {
		e := tx.lookup(key)
		switch {
		case e == nil:
			err = notFound("ttl", key)
		case e.expireAt.IsZero():
			ttl = -1
		default:
			ttl = e.expireAt.Sub(tx.now)
		}
	})
	return ttl, err
}

// CreateRecord replaces key with a record.
func (s *Store) CreateRecord(ctx context.Context, key string, fields map[string]int64, ttl time.Duration) error {
	rec := make(map[string]int64, len(fields))
	for k, v := range fields {
		rec[k] = v
	}
	s.update(ctx, func(tx *txn) {
		e := &entry{kind: keyspace.TypeRecord, rec: rec}
		if ttl > 0 {
			e.expireAt = tx.now.Add(ttl)
		}
		tx.lookup(key)
		tx.put(key, e)
	})
	return nil
}

// ReadRecord returns a copy of the record under key.
func (s *Store) ReadRecord(ctx context.Context, key string) (map[string]int64, error) {
	var (
		out map[string]int64
		err error
	)
	s.update(ctx, func(tx *txn) {
		e := tx.lookup(key)
		switch {
		case e == nil:
			err = notFound("read", key)
		case e.kind != keyspace.TypeRecord:
			err = wrongType("read", key)
		default:
			out = make(map[string]int64, len(e.rec))
			for k, v := range e.rec {
				out[k] = v
			}
		}
	})
	return out, err
}

// IncrRecord adds n to field of the record under key.
func (s *Store) IncrRecord(ctx context.Context, key, field string, n int64) (int64, error) {
	var (
		val int64
		err error
	)
	s.update(ctx, func(tx *txn) {
		e := tx.lookup(key)
		if e == nil {
			e = &entry{kind: keyspace.TypeRecord, rec: make(map[string]int64)}
			tx.put(key, e)
		} else if e.kind != keyspace.TypeRecord {
			err = wrongType("incr", key)
			return
		}
		e.rec[field] += n
		val = e.rec[field]
	})
	return val, err
}

// Sweep removes every expired key and returns how many it removed.
func (s *Store) Sweep(ctx context.Context) int {
	var n int
	s.update(ctx, func(tx *txn) {
		for k, e := range s.items {
			if e.expired(tx.now) {
				delete(s.items, k)
				tx.removed = append(tx.removed, removal{k, keyspace.ReasonExpired})
				n++
			}
		}
	})
	return n
}
