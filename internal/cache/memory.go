package cache

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/carebook/booking-core/internal/booking"
)

type memoryEntry struct {
	summaries []booking.SlotSummary
	provider  uuid.UUID
	expiresAt time.Time
}

// Memory is an in-process availability store for tests and single-node runs.
type Memory struct {
	mu      sync.RWMutex
	entries map[string]memoryEntry
	now     func() time.Time
}

func NewMemory() *Memory {
	return &Memory{
		entries: make(map[string]memoryEntry),
		now:     time.Now,
	}
}

func (c *Memory) Get(_ context.Context, key booking.AvailabilityKey) ([]booking.SlotSummary, bool, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	e, ok := c.entries[key.String()]
	if !ok || !e.expiresAt.After(c.now()) {
		return nil, false, nil
	}
	out := make([]booking.SlotSummary, len(e.summaries))
	copy(out, e.summaries)
	return out, true, nil
}

func (c *Memory) Set(_ context.Context, key booking.AvailabilityKey, summaries []booking.SlotSummary, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	cp := make([]booking.SlotSummary, len(summaries))
	copy(cp, summaries)
	c.entries[key.String()] = memoryEntry{
		summaries: cp,
		provider:  key.ProviderID,
		expiresAt: c.now().Add(ttl),
	}
	return nil
}

func (c *Memory) Invalidate(_ context.Context, providerID uuid.UUID) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	for k, e := range c.entries {
		if e.provider == providerID {
			delete(c.entries, k)
		}
	}
	return nil
}
