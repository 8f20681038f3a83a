package lock

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

type heldLease struct {
	token     string
	expiresAt time.Time
}

// MemoryCoordinator is a process-local Coordinator for tests and single-node
// deployments. Fencing counters survive lease churn but not process restarts.
type MemoryCoordinator struct {
	mu     sync.Mutex
	held   map[uuid.UUID]heldLease
	fences map[uuid.UUID]int64
	now    func() time.Time
}

func NewMemoryCoordinator() *MemoryCoordinator {
	return &MemoryCoordinator{
		held:   make(map[uuid.UUID]heldLease),
		fences: make(map[uuid.UUID]int64),
		now:    time.Now,
	}
}

func (c *MemoryCoordinator) Acquire(_ context.Context, slotID uuid.UUID, ttl time.Duration) (*Lease, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	if h, ok := c.held[slotID]; ok && h.expiresAt.After(now) {
		return nil, ErrBusy
	}

	c.fences[slotID]++
	token := uuid.NewString()
	expires := now.Add(ttl)
	c.held[slotID] = heldLease{token: token, expiresAt: expires}

	return &Lease{
		SlotID:       slotID,
		Token:        token,
		FencingToken: c.fences[slotID],
		ExpiresAt:    expires,
	}, nil
}

func (c *MemoryCoordinator) Renew(_ context.Context, lease *Lease, ttl time.Duration) (*Lease, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	h, ok := c.held[lease.SlotID]
	if !ok || h.token != lease.Token || !h.expiresAt.After(c.now()) {
		return nil, ErrExpired
	}

	h.expiresAt = c.now().Add(ttl)
	c.held[lease.SlotID] = h

	renewed := *lease
	renewed.ExpiresAt = h.expiresAt
	return &renewed, nil
}

func (c *MemoryCoordinator) Release(_ context.Context, lease *Lease) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	h, ok := c.held[lease.SlotID]
	if !ok || h.token != lease.Token {
		return ErrExpired
	}

	delete(c.held, lease.SlotID)
	return nil
}

// ExpireNow force-expires the current lease for a slot. Test hook for the
// lost-lease-then-late-write race.
func (c *MemoryCoordinator) ExpireNow(slotID uuid.UUID) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if h, ok := c.held[slotID]; ok {
		h.expiresAt = c.now().Add(-time.Second)
		c.held[slotID] = h
	}
}
