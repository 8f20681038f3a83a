package booking_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/carebook/booking-core/internal/booking"
	"github.com/carebook/booking-core/internal/cache"
	"github.com/carebook/booking-core/internal/event"
	"github.com/carebook/booking-core/internal/lock"
	"github.com/carebook/booking-core/internal/metrics"
)

// capturePublisher records published events for assertions.
type capturePublisher struct {
	mu     sync.Mutex
	events []event.Event
}

func (p *capturePublisher) Publish(_ context.Context, ev event.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, ev)
	return nil
}

func (p *capturePublisher) byType(t event.Type) []event.Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []event.Event
	for _, ev := range p.events {
		if ev.Type == t {
			out = append(out, ev)
		}
	}
	return out
}

type orchFixture struct {
	store  *booking.MemoryStore
	locks  *lock.MemoryCoordinator
	avail  *cache.Memory
	events *capturePublisher
	orch   *booking.Orchestrator
}

func newOrchFixture(t *testing.T) *orchFixture {
	t.Helper()
	f := &orchFixture{
		store:  booking.NewMemoryStore(),
		locks:  lock.NewMemoryCoordinator(),
		avail:  cache.NewMemory(),
		events: &capturePublisher{},
	}
	f.orch = booking.NewOrchestrator(f.store, f.locks, f.avail, f.events, metrics.NewForTest(), zap.NewNop(), booking.OrchestratorConfig{
		LockTTL:              time.Second,
		AcquireTimeout:       200 * time.Millisecond,
		AcquireRetryInterval: 5 * time.Millisecond,
		CacheTTL:             time.Minute,
	})
	return f
}

func (f *orchFixture) openSlot(t *testing.T) *booking.Slot {
	t.Helper()
	start := time.Now().Add(24 * time.Hour).Truncate(time.Hour)
	slot, err := f.store.CreateSlot(context.Background(), uuid.New(), start, start.Add(30*time.Minute))
	require.NoError(t, err)
	return slot
}

func TestBookOpenSlot(t *testing.T) {
	ctx := context.Background()
	f := newOrchFixture(t)
	slot := f.openSlot(t)
	patientID := uuid.New()

	appt, err := f.orch.Book(ctx, slot.ID, patientID, "key-1")
	require.NoError(t, err)
	require.Equal(t, slot.ID, appt.SlotID)
	require.Equal(t, patientID, appt.PatientID)
	require.Equal(t, booking.StatusConfirmed, appt.Status)

	booked, err := f.store.GetSlot(ctx, slot.ID)
	require.NoError(t, err)
	require.Equal(t, booking.SlotBooked, booked.Status)

	published := f.events.byType(event.TypeBooked)
	require.Len(t, published, 1)
	require.Equal(t, appt.ID, published[0].AppointmentID)

	// The lock is free again for the next operation on this slot.
	lease, err := f.locks.Acquire(ctx, slot.ID, time.Second)
	require.NoError(t, err)
	require.NoError(t, f.locks.Release(ctx, lease))
}

func TestConcurrentBookingsNeverDoubleBook(t *testing.T) {
	ctx := context.Background()
	f := newOrchFixture(t)
	slot := f.openSlot(t)

	const attempts = 16
	var (
		mu        sync.Mutex
		successes []*booking.Appointment
		rejects   []error
	)

	g := new(errgroup.Group)
	for i := 0; i < attempts; i++ {
		g.Go(func() error {
			appt, err := f.orch.Book(ctx, slot.ID, uuid.New(), uuid.NewString())
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				rejects = append(rejects, err)
				return nil
			}
			successes = append(successes, appt)
			return nil
		})
	}
	require.NoError(t, g.Wait())

	require.Len(t, successes, 1, "exactly one booking may win")
	require.Len(t, rejects, attempts-1)
	for _, err := range rejects {
		ok := errors.Is(err, booking.ErrSlotContended) ||
			errors.Is(err, booking.ErrSlotNoLongerAvailable) ||
			errors.Is(err, booking.ErrConcurrentModification)
		require.True(t, ok, "unexpected rejection: %v", err)
	}

	booked, err := f.store.GetSlot(ctx, slot.ID)
	require.NoError(t, err)
	require.Equal(t, booking.SlotBooked, booked.Status)
	require.Equal(t, int64(3), booked.Version)
}

// Scenario: slot at version N, two racing attempts; one wins at N+2 (hold
// then commit), the other gets a conflict rejection.
func TestTwoPatientsRaceForOneSlot(t *testing.T) {
	ctx := context.Background()
	f := newOrchFixture(t)
	slot := f.openSlot(t)

	patientA, patientB := uuid.New(), uuid.New()

	type result struct {
		appt *booking.Appointment
		err  error
	}
	results := make(chan result, 2)

	var wg sync.WaitGroup
	for _, p := range []uuid.UUID{patientA, patientB} {
		wg.Add(1)
		go func(patient uuid.UUID) {
			defer wg.Done()
			appt, err := f.orch.Book(ctx, slot.ID, patient, uuid.NewString())
			results <- result{appt, err}
		}(p)
	}
	wg.Wait()
	close(results)

	var won, lost int
	for r := range results {
		if r.err == nil {
			won++
			require.Equal(t, booking.StatusConfirmed, r.appt.Status)
		} else {
			lost++
			require.True(t, errors.Is(r.err, booking.ErrSlotContended) || errors.Is(r.err, booking.ErrSlotNoLongerAvailable),
				"loser must see contention or unavailability, got: %v", r.err)
		}
	}
	require.Equal(t, 1, won)
	require.Equal(t, 1, lost)
}

func TestBookingAgainstStaleCacheEntry(t *testing.T) {
	ctx := context.Background()
	f := newOrchFixture(t)
	slot := f.openSlot(t)

	// Warm the cache, then book the slot behind the cache's back.
	summaries, err := f.orch.FindCandidateSlots(ctx, slot.ProviderID, slot.StartTime.Add(-time.Hour), slot.StartTime.Add(time.Hour), "")
	require.NoError(t, err)
	require.Len(t, summaries, 1)

	_, err = f.orch.Book(ctx, slot.ID, uuid.New(), "direct")
	require.NoError(t, err)

	// Booking the identity from the stale summary must fail cleanly, never
	// produce a second appointment.
	_, err = f.orch.Book(ctx, summaries[0].SlotID, uuid.New(), "stale")
	require.ErrorIs(t, err, booking.ErrSlotNoLongerAvailable)
}

func TestIdempotentReplayReturnsOriginalAppointment(t *testing.T) {
	ctx := context.Background()
	f := newOrchFixture(t)
	slot := f.openSlot(t)
	patientID := uuid.New()

	first, err := f.orch.Book(ctx, slot.ID, patientID, "same-key")
	require.NoError(t, err)

	second, err := f.orch.Book(ctx, slot.ID, patientID, "same-key")
	require.NoError(t, err)
	require.Equal(t, first.ID, second.ID)

	// Exactly one booked event: the replay did not commit again.
	require.Len(t, f.events.byType(event.TypeBooked), 1)
}

func TestBookContendedSlotFailsFast(t *testing.T) {
	ctx := context.Background()
	f := newOrchFixture(t)
	slot := f.openSlot(t)

	// Another booking holds the lock for longer than the acquire timeout.
	_, err := f.locks.Acquire(ctx, slot.ID, time.Minute)
	require.NoError(t, err)

	start := time.Now()
	_, err = f.orch.Book(ctx, slot.ID, uuid.New(), "k")
	require.ErrorIs(t, err, booking.ErrSlotContended)
	require.Less(t, time.Since(start), time.Second, "contention must fail fast, not queue")
}

func TestExpiredLeaseCannotCommitLateWrite(t *testing.T) {
	ctx := context.Background()
	f := newOrchFixture(t)
	slot := f.openSlot(t)

	// Holder A stalls past its TTL.
	leaseA, err := f.locks.Acquire(ctx, slot.ID, time.Second)
	require.NoError(t, err)
	f.locks.ExpireNow(slot.ID)

	// Holder B proceeds through a full booking.
	_, err = f.orch.Book(ctx, slot.ID, uuid.New(), "winner")
	require.NoError(t, err)

	// A wakes up and tries its write with the superseded token.
	_, err = f.store.ConditionalWrite(ctx, slot.ID, 1, leaseA.FencingToken, booking.SlotHeld)
	require.Error(t, err)
	require.True(t, errors.Is(err, booking.ErrFencingTokenSuperseded) || errors.Is(err, booking.ErrVersionConflict))

	booked, err := f.store.GetSlot(ctx, slot.ID)
	require.NoError(t, err)
	require.Equal(t, booking.SlotBooked, booked.Status)
}

func TestCancelFreesSlotAndPublishesWindow(t *testing.T) {
	ctx := context.Background()
	f := newOrchFixture(t)
	slot := f.openSlot(t)
	actorID := uuid.New()

	appt, err := f.orch.Book(ctx, slot.ID, uuid.New(), "k")
	require.NoError(t, err)

	require.NoError(t, f.orch.Cancel(ctx, appt.ID, actorID))

	freed, err := f.store.GetSlot(ctx, slot.ID)
	require.NoError(t, err)
	require.Equal(t, booking.SlotOpen, freed.Status)
	require.Equal(t, int64(4), freed.Version)

	cancelled := f.events.byType(event.TypeCancelled)
	require.Len(t, cancelled, 1)
	require.Equal(t, slot.ProviderID, cancelled[0].ProviderID)
	require.Equal(t, slot.StartTime.Unix(), cancelled[0].WindowStart.Unix())
	require.Equal(t, slot.EndTime.Unix(), cancelled[0].WindowEnd.Unix())

	// Cancelling again rejects: the appointment is no longer active.
	require.ErrorIs(t, f.orch.Cancel(ctx, appt.ID, actorID), booking.ErrAppointmentNotActive)
}

func TestCancelledSlotCanBeRebooked(t *testing.T) {
	ctx := context.Background()
	f := newOrchFixture(t)
	slot := f.openSlot(t)

	appt, err := f.orch.Book(ctx, slot.ID, uuid.New(), "first")
	require.NoError(t, err)
	require.NoError(t, f.orch.Cancel(ctx, appt.ID, uuid.New()))

	rebooked, err := f.orch.Book(ctx, slot.ID, uuid.New(), "second")
	require.NoError(t, err)
	require.NotEqual(t, appt.ID, rebooked.ID)
}

func TestFindCandidateSlotsReadsThroughCache(t *testing.T) {
	ctx := context.Background()
	f := newOrchFixture(t)
	slot := f.openSlot(t)
	from := slot.StartTime.Add(-time.Hour)
	to := slot.StartTime.Add(time.Hour)

	first, err := f.orch.FindCandidateSlots(ctx, slot.ProviderID, from, to, "")
	require.NoError(t, err)
	require.Len(t, first, 1)
	require.Equal(t, slot.Version, first[0].Version)

	// Second read hits the cache: identical even if the store changed.
	_, err = f.store.ConditionalWrite(ctx, slot.ID, 1, 1, booking.SlotHeld)
	require.NoError(t, err)

	second, err := f.orch.FindCandidateSlots(ctx, slot.ProviderID, from, to, "")
	require.NoError(t, err)
	require.Equal(t, first, second)
}

func TestFindCandidateSlotsSpecialtyFilter(t *testing.T) {
	ctx := context.Background()
	f := newOrchFixture(t)
	slot := f.openSlot(t)

	f.store.AddProvider(booking.Provider{ID: slot.ProviderID, Name: "Dr Example", Specialty: "Cardiology"})

	from := slot.StartTime.Add(-time.Hour)
	to := slot.StartTime.Add(time.Hour)

	match, err := f.orch.FindCandidateSlots(ctx, slot.ProviderID, from, to, "Cardiology")
	require.NoError(t, err)
	require.Len(t, match, 1)

	miss, err := f.orch.FindCandidateSlots(ctx, slot.ProviderID, from, to, "Dermatology")
	require.NoError(t, err)
	require.Empty(t, miss)
}

func TestReleaseStaleHoldsReopensAbandonedSlots(t *testing.T) {
	ctx := context.Background()
	f := newOrchFixture(t)
	slot := f.openSlot(t)

	_, err := f.store.ConditionalWrite(ctx, slot.ID, 1, 1, booking.SlotHeld)
	require.NoError(t, err)

	require.NoError(t, f.orch.ReleaseStaleHolds(ctx, 0))

	reopened, err := f.store.GetSlot(ctx, slot.ID)
	require.NoError(t, err)
	require.Equal(t, booking.SlotOpen, reopened.Status)
}
