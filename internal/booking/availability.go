package booking

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// AvailabilityKey identifies one cached availability projection. Date bounds
// are truncated to the day so equivalent searches share an entry.
type AvailabilityKey struct {
	ProviderID uuid.UUID
	From       time.Time
	To         time.Time
}

func (k AvailabilityKey) String() string {
	return fmt.Sprintf("avail:%s:%s:%s",
		k.ProviderID.String(),
		k.From.UTC().Format("2006-01-02"),
		k.To.UTC().Format("2006-01-02"),
	)
}

// Availability is the read-optimized slot projection consumed by the
// orchestrator's candidate search. Entries are candidate summaries only; the
// orchestrator never treats them as authoritative and always re-verifies
// against the slot store before committing.
type Availability interface {
	// Get returns the cached summaries and whether the key was present.
	Get(ctx context.Context, key AvailabilityKey) ([]SlotSummary, bool, error)

	// Set stores summaries under the key with a freshness TTL. The TTL is a
	// safety net against missed invalidations, not the consistency
	// mechanism.
	Set(ctx context.Context, key AvailabilityKey, summaries []SlotSummary, ttl time.Duration) error

	// Invalidate drops every entry for the provider. Called only on
	// committed slot transitions, never on speculative orchestrator state.
	Invalidate(ctx context.Context, providerID uuid.UUID) error
}
