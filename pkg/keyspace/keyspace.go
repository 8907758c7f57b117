// Package keyspace defines the key-value store the decay engine keeps its
// counters and pending-decrement records in.
//
// A key holds either a string value or a record (a flat map of integer
// fields). Keys may carry an expiry. Implementations are safe for
// concurrent use.
package keyspace

import (
	"context"
	"time"
)

// Type is the kind of value stored under a key.
type Type int

const (
	TypeNone Type = iota
	TypeString
	TypeRecord
	// TypeOther is a value the engine does not manage, such as a Redis list.
	TypeOther
)

func (t Type) String() string {
	switch t {
	case TypeNone:
		return "none"
	case TypeString:
		return "string"
	case TypeRecord:
		return "record"
	default:
		return "other"
	}
}

// KeySpace is the storage contract. Missing keys are reported with
// errors.ErrNotFound and kind mismatches with errors.ErrWrongType.
type KeySpace interface {
	// Type reports the kind of value under key, TypeNone when absent.
	Type(ctx context.Context, key string) (Type, error)

	// Get returns the string value under key.
	Get(ctx context.Context, key string) (string, error)

	// Set stores a string value, keeping any expiry already on the key.
	Set(ctx context.Context, key, value string) error

	// AddCounter atomically adds delta to the integer string under key and
	// returns the new value. An absent or empty value counts as missing:
	// positive deltas create it, other deltas leave it absent and report
	// existed=false. Results are clamped at zero. A value that is not an
	// integer yields errors.ErrMalformed.
	AddCounter(ctx context.Context, key string, delta int64) (value int64, existed bool, err error)

	// Delete removes key and reports whether it existed.
	Delete(ctx context.Context, key string) (bool, error)

	// Expire sets a time to live on an existing key.
	Expire(ctx context.Context, key string, ttl time.Duration) (bool, error)

	// CreateRecord replaces key with a record holding fields. A positive
	// ttl is applied in the same step.
	CreateRecord(ctx context.Context, key string, fields map[string]int64, ttl time.Duration) error

	// ReadRecord returns a copy of every field of the record under key.
	ReadRecord(ctx context.Context, key string) (map[string]int64, error)

	// IncrRecord adds n to one field of the record under key and returns
	// the new field value. Missing records or fields start at zero.
	IncrRecord(ctx context.Context, key, field string, n int64) (int64, error)
}

// Removal reasons passed to RemoveFunc.
const (
	ReasonExpired = "expired"
	ReasonEvicted = "evicted"
)

// RemoveFunc is called after a key left the key space without an explicit
// Delete, because it expired or was evicted.
type RemoveFunc func(ctx context.Context, key, reason string)

// Notifier is implemented by key spaces that report expiries and evictions.
type Notifier interface {
	OnRemove(fn RemoveFunc)
}

// Sweeper is implemented by key spaces that need a periodic active-expiry
// pass. Sweep returns the number of keys it removed.
type Sweeper interface {
	Sweep(ctx context.Context) int
}
