package cache

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/carebook/booking-core/internal/booking"
)

func testKey(providerID uuid.UUID) booking.AvailabilityKey {
	from := time.Date(2026, 9, 1, 0, 0, 0, 0, time.UTC)
	return booking.AvailabilityKey{ProviderID: providerID, From: from, To: from.AddDate(0, 0, 7)}
}

func testSummaries(providerID uuid.UUID) []booking.SlotSummary {
	start := time.Date(2026, 9, 2, 9, 0, 0, 0, time.UTC)
	return []booking.SlotSummary{{
		SlotID:     uuid.New(),
		ProviderID: providerID,
		StartTime:  start,
		EndTime:    start.Add(30 * time.Minute),
		Version:    1,
	}}
}

func TestMemoryGetSetRoundTrip(t *testing.T) {
	ctx := context.Background()
	c := NewMemory()
	providerID := uuid.New()
	key := testKey(providerID)

	_, hit, err := c.Get(ctx, key)
	require.NoError(t, err)
	require.False(t, hit)

	want := testSummaries(providerID)
	require.NoError(t, c.Set(ctx, key, want, time.Minute))

	got, hit, err := c.Get(ctx, key)
	require.NoError(t, err)
	require.True(t, hit)
	require.Equal(t, want, got)
}

func TestMemoryEntryExpires(t *testing.T) {
	ctx := context.Background()
	c := NewMemory()
	providerID := uuid.New()
	key := testKey(providerID)

	current := time.Date(2026, 9, 1, 12, 0, 0, 0, time.UTC)
	c.now = func() time.Time { return current }

	require.NoError(t, c.Set(ctx, key, testSummaries(providerID), time.Minute))

	_, hit, err := c.Get(ctx, key)
	require.NoError(t, err)
	require.True(t, hit)

	current = current.Add(61 * time.Second)
	_, hit, err = c.Get(ctx, key)
	require.NoError(t, err)
	require.False(t, hit, "entry past its TTL must read as a miss")
}

func TestMemoryInvalidateScopedToProvider(t *testing.T) {
	ctx := context.Background()
	c := NewMemory()
	target, other := uuid.New(), uuid.New()

	require.NoError(t, c.Set(ctx, testKey(target), testSummaries(target), time.Minute))
	require.NoError(t, c.Set(ctx, testKey(other), testSummaries(other), time.Minute))

	require.NoError(t, c.Invalidate(ctx, target))

	_, hit, err := c.Get(ctx, testKey(target))
	require.NoError(t, err)
	require.False(t, hit)

	_, hit, err = c.Get(ctx, testKey(other))
	require.NoError(t, err)
	require.True(t, hit, "invalidation must not touch other providers")
}
