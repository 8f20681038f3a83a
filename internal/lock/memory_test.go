package lock

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

func TestAcquireGrantsExclusiveLease(t *testing.T) {
	ctx := context.Background()
	coord := NewMemoryCoordinator()
	slotID := uuid.New()

	lease, err := coord.Acquire(ctx, slotID, time.Second)
	require.NoError(t, err)
	require.Equal(t, slotID, lease.SlotID)
	require.Positive(t, lease.FencingToken)

	_, err = coord.Acquire(ctx, slotID, time.Second)
	require.ErrorIs(t, err, ErrBusy)

	// A different slot key is independent.
	_, err = coord.Acquire(ctx, uuid.New(), time.Second)
	require.NoError(t, err)
}

func TestFencingTokensStrictlyIncreasePerKey(t *testing.T) {
	ctx := context.Background()
	coord := NewMemoryCoordinator()
	slotID := uuid.New()

	var last int64
	for i := 0; i < 5; i++ {
		lease, err := coord.Acquire(ctx, slotID, time.Second)
		require.NoError(t, err)
		require.Greater(t, lease.FencingToken, last)
		last = lease.FencingToken
		require.NoError(t, coord.Release(ctx, lease))
	}
}

func TestAcquireAfterExpiry(t *testing.T) {
	ctx := context.Background()
	coord := NewMemoryCoordinator()
	slotID := uuid.New()

	stale, err := coord.Acquire(ctx, slotID, time.Second)
	require.NoError(t, err)

	coord.ExpireNow(slotID)

	fresh, err := coord.Acquire(ctx, slotID, time.Second)
	require.NoError(t, err)
	require.Greater(t, fresh.FencingToken, stale.FencingToken)

	// The stale holder can no longer renew or release.
	_, err = coord.Renew(ctx, stale, time.Second)
	require.ErrorIs(t, err, ErrExpired)
	require.ErrorIs(t, coord.Release(ctx, stale), ErrExpired)
}

func TestRenewPreservesFencingToken(t *testing.T) {
	ctx := context.Background()
	coord := NewMemoryCoordinator()
	slotID := uuid.New()

	lease, err := coord.Acquire(ctx, slotID, time.Second)
	require.NoError(t, err)

	renewed, err := coord.Renew(ctx, lease, 2*time.Second)
	require.NoError(t, err)
	require.Equal(t, lease.FencingToken, renewed.FencingToken)
	require.True(t, renewed.ExpiresAt.After(lease.ExpiresAt) || renewed.ExpiresAt.Equal(lease.ExpiresAt))
}

func TestReleaseFreesTheKey(t *testing.T) {
	ctx := context.Background()
	coord := NewMemoryCoordinator()
	slotID := uuid.New()

	lease, err := coord.Acquire(ctx, slotID, time.Second)
	require.NoError(t, err)
	require.NoError(t, coord.Release(ctx, lease))

	_, err = coord.Acquire(ctx, slotID, time.Second)
	require.NoError(t, err)
}
