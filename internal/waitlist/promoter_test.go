package waitlist

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/carebook/booking-core/internal/booking"
	"github.com/carebook/booking-core/internal/event"
	"github.com/carebook/booking-core/internal/metrics"
)

// stubBooker lets tests script per-patient booking outcomes and inspect the
// calls the promoter made. Bookings replay by idempotency key the way the
// real orchestrator does; bookBarrier, when set, holds every Book call until
// all expected callers arrive so races line up deterministically.
type stubBooker struct {
	mu          sync.Mutex
	calls       []bookCall
	failFor     map[uuid.UUID]error
	byKey       map[string]*booking.Appointment
	cancelled   []uuid.UUID
	bookBarrier *sync.WaitGroup
}

type bookCall struct {
	slotID    uuid.UUID
	patientID uuid.UUID
	idemKey   string
}

func newStubBooker() *stubBooker {
	return &stubBooker{
		failFor: make(map[uuid.UUID]error),
		byKey:   make(map[string]*booking.Appointment),
	}
}

func (b *stubBooker) Book(_ context.Context, slotID, patientID uuid.UUID, idemKey string) (*booking.Appointment, error) {
	if b.bookBarrier != nil {
		b.bookBarrier.Done()
		b.bookBarrier.Wait()
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	b.calls = append(b.calls, bookCall{slotID, patientID, idemKey})
	if err, ok := b.failFor[patientID]; ok {
		return nil, err
	}
	if appt, ok := b.byKey[idemKey]; ok {
		cp := *appt
		return &cp, nil
	}
	appt := &booking.Appointment{
		ID:             uuid.New(),
		SlotID:         slotID,
		PatientID:      patientID,
		Status:         booking.StatusConfirmed,
		IdempotencyKey: idemKey,
	}
	b.byKey[idemKey] = appt
	cp := *appt
	return &cp, nil
}

func (b *stubBooker) Cancel(_ context.Context, appointmentID, _ uuid.UUID) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.cancelled = append(b.cancelled, appointmentID)
	return nil
}

func (b *stubBooker) callCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.calls)
}

func (b *stubBooker) cancelledIDs() []uuid.UUID {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]uuid.UUID, len(b.cancelled))
	copy(out, b.cancelled)
	return out
}

type promoterFixture struct {
	store    *MemoryStore
	booker   *stubBooker
	events   *recordingPublisher
	promoter *Promoter
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []event.Event
}

func (p *recordingPublisher) Publish(_ context.Context, ev event.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, ev)
	return nil
}

func (p *recordingPublisher) count(t event.Type) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, ev := range p.events {
		if ev.Type == t {
			n++
		}
	}
	return n
}

func newPromoterFixture() *promoterFixture {
	f := &promoterFixture{
		store:  NewMemoryStore(),
		booker: newStubBooker(),
		events: &recordingPublisher{},
	}
	f.promoter = NewPromoter(f.store, f.booker, f.events, metrics.NewForTest(), zap.NewNop())
	return f
}

func (f *promoterFixture) addEntry(t *testing.T, providerID uuid.UUID, requestedAt time.Time) *Entry {
	t.Helper()
	entry := &Entry{
		ID:          uuid.New(),
		ProviderID:  providerID,
		PatientID:   uuid.New(),
		WindowStart: time.Date(2026, 9, 1, 8, 0, 0, 0, time.UTC),
		WindowEnd:   time.Date(2026, 9, 1, 18, 0, 0, 0, time.UTC),
		RequestedAt: requestedAt,
	}
	require.NoError(t, f.store.Create(context.Background(), entry))
	return entry
}

func cancelledEvent(providerID uuid.UUID) event.Event {
	ev := event.New(event.TypeCancelled)
	ev.SlotID = uuid.New()
	ev.ProviderID = providerID
	ev.WindowStart = time.Date(2026, 9, 1, 10, 0, 0, 0, time.UTC)
	ev.WindowEnd = time.Date(2026, 9, 1, 10, 30, 0, 0, time.UTC)
	return ev
}

func TestPromoterPromotesOldestEntryFirst(t *testing.T) {
	ctx := context.Background()
	f := newPromoterFixture()
	providerID := uuid.New()

	base := time.Date(2026, 9, 1, 7, 0, 0, 0, time.UTC)
	first := f.addEntry(t, providerID, base)
	second := f.addEntry(t, providerID, base.Add(time.Minute))

	require.NoError(t, f.promoter.Handle(ctx, cancelledEvent(providerID)))

	require.Equal(t, 1, f.booker.callCount())
	require.Equal(t, first.PatientID, f.booker.calls[0].patientID)

	promoted, err := f.store.Get(ctx, first.ID)
	require.NoError(t, err)
	require.True(t, promoted.Fulfilled)
	require.NotNil(t, promoted.AppointmentID)

	waiting, err := f.store.Get(ctx, second.ID)
	require.NoError(t, err)
	require.False(t, waiting.Fulfilled, "only one entry per freed slot")
}

func TestPromoterAdvancesWhenFirstCandidateLosesSlot(t *testing.T) {
	ctx := context.Background()
	f := newPromoterFixture()
	providerID := uuid.New()

	base := time.Date(2026, 9, 1, 7, 0, 0, 0, time.UTC)
	first := f.addEntry(t, providerID, base)
	second := f.addEntry(t, providerID, base.Add(time.Minute))

	f.booker.failFor[first.PatientID] = booking.ErrSlotContended

	require.NoError(t, f.promoter.Handle(ctx, cancelledEvent(providerID)))

	require.Equal(t, 2, f.booker.callCount())
	require.Equal(t, second.PatientID, f.booker.calls[1].patientID)

	stillWaiting, err := f.store.Get(ctx, first.ID)
	require.NoError(t, err)
	require.False(t, stillWaiting.Fulfilled, "a lost race must not consume the entry")

	promoted, err := f.store.Get(ctx, second.ID)
	require.NoError(t, err)
	require.True(t, promoted.Fulfilled)
}

func TestPromoterDuplicateDeliveryFulfillsOnce(t *testing.T) {
	ctx := context.Background()
	f := newPromoterFixture()
	providerID := uuid.New()
	entry := f.addEntry(t, providerID, time.Date(2026, 9, 1, 7, 0, 0, 0, time.UTC))

	ev := cancelledEvent(providerID)
	require.NoError(t, f.promoter.Handle(ctx, ev))
	require.NoError(t, f.promoter.Handle(ctx, ev))

	require.Equal(t, 1, f.booker.callCount(), "re-check must skip the fulfilled entry")

	promoted, err := f.store.Get(ctx, entry.ID)
	require.NoError(t, err)
	require.True(t, promoted.Fulfilled)

	require.Equal(t, 1, f.events.count(event.TypePromoted))
}

// Two freed slots for the same provider window, handled concurrently: both
// handlers pass the fulfillment re-check before either books, so both book.
// The entry may still end up promoted only once; the losing appointment must
// be backed out.
func TestConcurrentFreedSlotsPromoteEntryOnce(t *testing.T) {
	ctx := context.Background()
	f := newPromoterFixture()
	providerID := uuid.New()
	entry := f.addEntry(t, providerID, time.Date(2026, 9, 1, 7, 0, 0, 0, time.UTC))

	evA := cancelledEvent(providerID)
	evB := cancelledEvent(providerID)

	var barrier sync.WaitGroup
	barrier.Add(2)
	f.booker.bookBarrier = &barrier

	var wg sync.WaitGroup
	errs := make(chan error, 2)
	for _, ev := range []event.Event{evA, evB} {
		wg.Add(1)
		go func(ev event.Event) {
			defer wg.Done()
			errs <- f.promoter.Handle(ctx, ev)
		}(ev)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	require.Equal(t, 2, f.booker.callCount(), "both handlers must have booked before the race resolved")

	promoted, err := f.store.Get(ctx, entry.ID)
	require.NoError(t, err)
	require.True(t, promoted.Fulfilled)
	require.NotNil(t, promoted.AppointmentID)

	cancelled := f.booker.cancelledIDs()
	require.Len(t, cancelled, 1, "the losing appointment must be backed out")
	require.NotEqual(t, *promoted.AppointmentID, cancelled[0],
		"the recorded fulfillment must keep its appointment")
}

// Duplicate delivery of the same freed slot, handled concurrently: the
// bookings replay the same idempotency key, so the recorded appointment is
// shared and nothing may be backed out.
func TestConcurrentDuplicateDeliveryDoesNotBackOut(t *testing.T) {
	ctx := context.Background()
	f := newPromoterFixture()
	providerID := uuid.New()
	entry := f.addEntry(t, providerID, time.Date(2026, 9, 1, 7, 0, 0, 0, time.UTC))

	ev := cancelledEvent(providerID)

	var barrier sync.WaitGroup
	barrier.Add(2)
	f.booker.bookBarrier = &barrier

	var wg sync.WaitGroup
	errs := make(chan error, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- f.promoter.Handle(ctx, ev)
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	promoted, err := f.store.Get(ctx, entry.ID)
	require.NoError(t, err)
	require.True(t, promoted.Fulfilled)
	require.Empty(t, f.booker.cancelledIDs(), "a replayed booking must not be cancelled")
}

func TestPromoterUsesDeterministicIdempotencyKey(t *testing.T) {
	ctx := context.Background()
	f := newPromoterFixture()
	providerID := uuid.New()
	entry := f.addEntry(t, providerID, time.Now().UTC())

	ev := cancelledEvent(providerID)
	require.NoError(t, f.promoter.Handle(ctx, ev))

	require.Equal(t, 1, f.booker.callCount())
	require.Equal(t, promotionKey(entry.ID, ev.SlotID), f.booker.calls[0].idemKey)
}

func TestPromoterIgnoresOtherEventTypes(t *testing.T) {
	ctx := context.Background()
	f := newPromoterFixture()
	f.addEntry(t, uuid.New(), time.Now().UTC())

	booked := event.New(event.TypeBooked)
	booked.SlotID = uuid.New()
	require.NoError(t, f.promoter.Handle(ctx, booked))

	require.Zero(t, f.booker.callCount())
}

func TestPromoterSkipsEntriesOutsideWindow(t *testing.T) {
	ctx := context.Background()
	f := newPromoterFixture()
	providerID := uuid.New()

	narrow := &Entry{
		ID:          uuid.New(),
		ProviderID:  providerID,
		PatientID:   uuid.New(),
		WindowStart: time.Date(2026, 9, 1, 14, 0, 0, 0, time.UTC),
		WindowEnd:   time.Date(2026, 9, 1, 16, 0, 0, 0, time.UTC),
		RequestedAt: time.Now().UTC(),
	}
	require.NoError(t, f.store.Create(ctx, narrow))

	// Freed slot is 10:00, outside the 14:00-16:00 window.
	require.NoError(t, f.promoter.Handle(ctx, cancelledEvent(providerID)))
	require.Zero(t, f.booker.callCount())
}

func TestPromoterPriorityComparatorOverridesFIFO(t *testing.T) {
	ctx := context.Background()
	f := newPromoterFixture()
	providerID := uuid.New()

	base := time.Date(2026, 9, 1, 7, 0, 0, 0, time.UTC)
	older := f.addEntry(t, providerID, base)
	newer := f.addEntry(t, providerID, base.Add(time.Hour))

	// Promote newest-first to exercise the comparator hook.
	f.promoter.WithPriority(func(a, b Entry) bool {
		return a.RequestedAt.After(b.RequestedAt)
	})

	require.NoError(t, f.promoter.Handle(ctx, cancelledEvent(providerID)))

	require.Equal(t, 1, f.booker.callCount())
	require.Equal(t, newer.PatientID, f.booker.calls[0].patientID)

	untouched, err := f.store.Get(ctx, older.ID)
	require.NoError(t, err)
	require.False(t, untouched.Fulfilled)
}

func TestServiceJoinRejectsInvertedWindow(t *testing.T) {
	ctx := context.Background()
	svc := NewService(NewMemoryStore(), zap.NewNop())

	start := time.Date(2026, 9, 1, 12, 0, 0, 0, time.UTC)
	_, err := svc.Join(ctx, uuid.New(), start, start, uuid.New())
	require.ErrorIs(t, err, ErrInvalidWindow)

	_, err = svc.Join(ctx, uuid.New(), start, start.Add(-time.Hour), uuid.New())
	require.ErrorIs(t, err, ErrInvalidWindow)
}

func TestServiceJoinGetRemove(t *testing.T) {
	ctx := context.Background()
	svc := NewService(NewMemoryStore(), zap.NewNop())

	providerID, patientID := uuid.New(), uuid.New()
	start := time.Date(2026, 9, 1, 8, 0, 0, 0, time.UTC)

	entry, err := svc.Join(ctx, providerID, start, start.Add(8*time.Hour), patientID)
	require.NoError(t, err)
	require.False(t, entry.RequestedAt.IsZero())

	got, err := svc.Get(ctx, entry.ID)
	require.NoError(t, err)
	require.Equal(t, patientID, got.PatientID)
	require.False(t, got.Fulfilled)

	require.NoError(t, svc.Remove(ctx, entry.ID))
	_, err = svc.Get(ctx, entry.ID)
	require.ErrorIs(t, err, ErrEntryNotFound)
	require.ErrorIs(t, svc.Remove(ctx, entry.ID), ErrEntryNotFound)
}

func TestServiceStatsCountsWaitingAndFulfilled(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	svc := NewService(store, zap.NewNop())

	providerID := uuid.New()
	start := time.Date(2026, 9, 1, 8, 0, 0, 0, time.UTC)

	a, err := svc.Join(ctx, providerID, start, start.Add(time.Hour), uuid.New())
	require.NoError(t, err)
	_, err = svc.Join(ctx, providerID, start, start.Add(time.Hour), uuid.New())
	require.NoError(t, err)
	_, err = svc.Join(ctx, uuid.New(), start, start.Add(time.Hour), uuid.New())
	require.NoError(t, err)

	require.NoError(t, store.MarkFulfilled(ctx, a.ID, uuid.New()))

	stats, err := svc.Stats(ctx, providerID)
	require.NoError(t, err)
	require.Equal(t, Stats{Total: 2, Waiting: 1, Fulfilled: 1}, stats)
}

func TestServiceListForPatientOrdersByRequestTime(t *testing.T) {
	ctx := context.Background()
	svc := NewService(NewMemoryStore(), zap.NewNop())

	patientID := uuid.New()
	start := time.Date(2026, 9, 1, 8, 0, 0, 0, time.UTC)

	first, err := svc.Join(ctx, uuid.New(), start, start.Add(time.Hour), patientID)
	require.NoError(t, err)
	second, err := svc.Join(ctx, uuid.New(), start, start.Add(2*time.Hour), patientID)
	require.NoError(t, err)
	_, err = svc.Join(ctx, uuid.New(), start, start.Add(time.Hour), uuid.New())
	require.NoError(t, err)

	entries, err := svc.ListForPatient(ctx, patientID)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	require.Equal(t, first.ID, entries[0].ID)
	require.Equal(t, second.ID, entries[1].ID)
}

func TestServiceListForProviderIncludesFulfilled(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	svc := NewService(store, zap.NewNop())

	providerID := uuid.New()
	start := time.Date(2026, 9, 1, 8, 0, 0, 0, time.UTC)

	a, err := svc.Join(ctx, providerID, start, start.Add(time.Hour), uuid.New())
	require.NoError(t, err)
	b, err := svc.Join(ctx, providerID, start, start.Add(time.Hour), uuid.New())
	require.NoError(t, err)
	_, err = svc.Join(ctx, uuid.New(), start, start.Add(time.Hour), uuid.New())
	require.NoError(t, err)

	require.NoError(t, store.MarkFulfilled(ctx, a.ID, uuid.New()))

	entries, err := svc.ListForProvider(ctx, providerID)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	require.Equal(t, a.ID, entries[0].ID)
	require.Equal(t, b.ID, entries[1].ID)
}
