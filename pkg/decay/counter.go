package decay

import (
	"context"
	"fmt"
	"strconv"

	lberrors "github.com/vnykmshr/lbucket/pkg/common/errors"
	"github.com/vnykmshr/lbucket/pkg/keyspace"
)

// CounterStore reads and updates named counters. Values are decimal
// strings so other clients of the key space can read them directly.
type CounterStore struct {
	ks   keyspace.KeySpace
	node Node
}

// NewCounterStore creates a CounterStore writing under node's prefix.
func NewCounterStore(ks keyspace.KeySpace, node Node) *CounterStore {
	return &CounterStore{ks: ks, node: node}
}

// Increment adds one to name, creating it at 1 when absent.
func (c *CounterStore) Increment(ctx context.Context, name string) error {
	_, err := c.increment(ctx, name)
	return err
}

// increment is Increment reporting whether the counter was created.
func (c *CounterStore) increment(ctx context.Context, name string) (created bool, err error) {
	_, existed, err := c.ks.AddCounter(ctx, c.node.CounterKey(name), 1)
	return !existed, err
}

// undoIncrement reverses one increment whose decay could not be
// registered, removing the counter again when that increment created it.
func (c *CounterStore) undoIncrement(ctx context.Context, name string, created bool) error {
	key := c.node.CounterKey(name)
	if created {
		_, err := c.ks.Delete(ctx, key)
		return err
	}
	_, _, err := c.ks.AddCounter(ctx, key, -1)
	return err
}

// Decrement subtracts n from name, stopping at zero. It reports whether the
// counter existed; a missing counter is left missing.
func (c *CounterStore) Decrement(ctx context.Context, name string, n int64) (bool, error) {
	if n <= 0 {
		return false, fmt.Errorf("decrement %s by %d: %w", name, n,
			lberrors.NewValidationError("decay", "decrement", n, "must be positive"))
	}
	_, existed, err := c.ks.AddCounter(ctx, c.node.CounterKey(name), -n)
	return existed, err
}

// Get returns the value of name. An absent or empty counter is NotFound.
func (c *CounterStore) Get(ctx context.Context, name string) (int64, error) {
	key := c.node.CounterKey(name)
	raw, err := c.ks.Get(ctx, key)
	if err != nil {
		return 0, err
	}
	if raw == "" {
		return 0, fmt.Errorf("get %s: %w", key, lberrors.ErrNotFound)
	}
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("get %s: %w", key, lberrors.ErrMalformed)
	}
	return v, nil
}

// Delete removes name and reports whether it existed.
func (c *CounterStore) Delete(ctx context.Context, name string) (bool, error) {
	return c.ks.Delete(ctx, c.node.CounterKey(name))
}
