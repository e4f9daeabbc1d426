package sessions

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrSessionNotFound is returned when no live record exists for an id.
	ErrSessionNotFound = errors.New("session not found")
	// ErrSessionExists is returned when creating a session whose id is taken.
	ErrSessionExists = errors.New("session already exists")
	// ErrCapacityExceeded is returned when the global session ceiling is reached.
	ErrCapacityExceeded = errors.New("session capacity exceeded")
	// ErrSessionInvalid is returned for sessions that exist but are expired
	// or have exhausted their error budget.
	ErrSessionInvalid = errors.New("session invalid")
)

// Host is the shared, TTL-capable record store behind a Store. Every write
// (Insert and Replace) sets the record's expiry to ttl from now.
//
// Implementations must keep the live count consistent with the records: the
// count changes in the same atomic step as Insert and Remove, and records
// that expire are no longer counted.
type Host interface {
	// Insert stores a new record. It returns ErrSessionExists if id is live
	// and ErrCapacityExceeded if limit > 0 and the live count is at limit.
	// It never overwrites.
	Insert(ctx context.Context, id string, data []byte, ttl time.Duration, limit int) error
	// Load returns the record or ErrSessionNotFound.
	Load(ctx context.Context, id string) ([]byte, error)
	// Replace overwrites a live record and refreshes its expiry. It returns
	// ErrSessionNotFound if the record is gone.
	Replace(ctx context.Context, id string, data []byte, ttl time.Duration) error
	// Remove deletes the record, reporting whether it existed.
	Remove(ctx context.Context, id string) (bool, error)
	// Count returns the number of live records.
	Count(ctx context.Context) (int, error)
	// Close releases resources held by the host.
	Close() error
}
