package waitlist

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

func TestFindUnfulfilledPromotionOrder(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	providerID := uuid.New()

	base := time.Date(2026, 9, 1, 7, 0, 0, 0, time.UTC)
	windowStart := time.Date(2026, 9, 1, 8, 0, 0, 0, time.UTC)
	windowEnd := time.Date(2026, 9, 1, 18, 0, 0, 0, time.UTC)

	mk := func(requestedAt time.Time) *Entry {
		e := &Entry{
			ID:          uuid.New(),
			ProviderID:  providerID,
			PatientID:   uuid.New(),
			WindowStart: windowStart,
			WindowEnd:   windowEnd,
			RequestedAt: requestedAt,
		}
		require.NoError(t, store.Create(ctx, e))
		return e
	}

	late := mk(base.Add(time.Hour))
	early := mk(base)
	tied := mk(base.Add(time.Hour))

	got, err := store.FindUnfulfilled(ctx, providerID, windowStart.Add(time.Hour), windowStart.Add(90*time.Minute))
	require.NoError(t, err)
	require.Len(t, got, 3)
	require.Equal(t, early.ID, got[0].ID)

	// Equal timestamps order by entry ID so every reader agrees.
	wantSecond, wantThird := late.ID, tied.ID
	if tied.ID.String() < late.ID.String() {
		wantSecond, wantThird = tied.ID, late.ID
	}
	require.Equal(t, wantSecond, got[1].ID)
	require.Equal(t, wantThird, got[2].ID)
}

func TestFindUnfulfilledExcludesFulfilledAndForeign(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	providerID := uuid.New()

	windowStart := time.Date(2026, 9, 1, 8, 0, 0, 0, time.UTC)
	windowEnd := windowStart.Add(8 * time.Hour)

	mine := &Entry{
		ID: uuid.New(), ProviderID: providerID, PatientID: uuid.New(),
		WindowStart: windowStart, WindowEnd: windowEnd, RequestedAt: time.Now(),
	}
	done := &Entry{
		ID: uuid.New(), ProviderID: providerID, PatientID: uuid.New(),
		WindowStart: windowStart, WindowEnd: windowEnd, RequestedAt: time.Now(),
	}
	other := &Entry{
		ID: uuid.New(), ProviderID: uuid.New(), PatientID: uuid.New(),
		WindowStart: windowStart, WindowEnd: windowEnd, RequestedAt: time.Now(),
	}
	for _, e := range []*Entry{mine, done, other} {
		require.NoError(t, store.Create(ctx, e))
	}
	require.NoError(t, store.MarkFulfilled(ctx, done.ID, uuid.New()))

	got, err := store.FindUnfulfilled(ctx, providerID, windowStart.Add(time.Hour), windowStart.Add(90*time.Minute))
	require.NoError(t, err)
	require.Len(t, got, 1)
	require.Equal(t, mine.ID, got[0].ID)
}

func TestMarkFulfilledExactlyOnce(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	entry := &Entry{
		ID: uuid.New(), ProviderID: uuid.New(), PatientID: uuid.New(),
		WindowStart: time.Now(), WindowEnd: time.Now().Add(time.Hour), RequestedAt: time.Now(),
	}
	require.NoError(t, store.Create(ctx, entry))

	apptID := uuid.New()
	require.NoError(t, store.MarkFulfilled(ctx, entry.ID, apptID))
	require.ErrorIs(t, store.MarkFulfilled(ctx, entry.ID, uuid.New()), ErrAlreadyFulfilled)
	require.ErrorIs(t, store.MarkFulfilled(ctx, uuid.New(), apptID), ErrEntryNotFound)

	got, err := store.Get(ctx, entry.ID)
	require.NoError(t, err)
	require.True(t, got.Fulfilled)
	require.Equal(t, apptID, *got.AppointmentID)
	require.NotNil(t, got.FulfilledAt)
}
