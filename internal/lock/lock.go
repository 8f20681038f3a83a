package lock

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

var (
	// ErrBusy means an unexpired lease already exists for the slot key.
	ErrBusy = errors.New("slot lock held by another booking attempt")
	// ErrExpired means the lease outlived its TTL or was superseded.
	ErrExpired = errors.New("slot lock lease expired")
)

// Lease is proof of exclusive access to a slot key for a bounded window.
// The fencing token is strictly increasing per key; downstream writes must
// present it so a holder that lost its lease mid-operation cannot commit a
// stale write after another holder has proceeded.
type Lease struct {
	SlotID       uuid.UUID
	Token        string
	FencingToken int64
	ExpiresAt    time.Time
}

// Coordinator grants short-lived fenced mutual-exclusion leases per slot.
type Coordinator interface {
	// Acquire grants a lease for the slot or returns ErrBusy.
	Acquire(ctx context.Context, slotID uuid.UUID, ttl time.Duration) (*Lease, error)

	// Renew extends a held lease without changing its fencing token.
	// Returns ErrExpired if the lease is no longer current.
	Renew(ctx context.Context, lease *Lease, ttl time.Duration) (*Lease, error)

	// Release frees the lease early. Returns ErrExpired if the lease had
	// already lapsed or was taken over.
	Release(ctx context.Context, lease *Lease) error
}
