package booking

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/carebook/booking-core/internal/event"
	"github.com/carebook/booking-core/internal/lock"
	"github.com/carebook/booking-core/internal/metrics"
)

type OrchestratorConfig struct {
	LockTTL              time.Duration // lease window per slot lock
	AcquireTimeout       time.Duration // how long a booking attempt waits for the lock
	AcquireRetryInterval time.Duration // poll interval while waiting
	RenewThreshold       time.Duration // renew the lease when an operation holds it this long
	CacheTTL             time.Duration // availability projection freshness window
}

func (c *OrchestratorConfig) applyDefaults() {
	if c.LockTTL <= 0 {
		c.LockTTL = 5 * time.Second
	}
	if c.AcquireTimeout <= 0 {
		c.AcquireTimeout = 500 * time.Millisecond
	}
	if c.AcquireRetryInterval <= 0 {
		c.AcquireRetryInterval = 50 * time.Millisecond
	}
	if c.RenewThreshold <= 0 {
		c.RenewThreshold = c.LockTTL / 2
	}
	if c.CacheTTL <= 0 {
		c.CacheTTL = 30 * time.Second
	}
}

// Orchestrator drives the reservation state machine: acquire the slot lock,
// verify against the authoritative store, commit conditionally, then notify.
// It serializes writers per slot key through the lock coordinator while the
// version and fencing checks in the store catch anything the lock missed.
type Orchestrator struct {
	store  SlotStore
	locks  lock.Coordinator
	avail  Availability
	events event.Publisher
	met    *metrics.Metrics
	log    *zap.Logger
	cfg    OrchestratorConfig
}

func NewOrchestrator(store SlotStore, locks lock.Coordinator, avail Availability, events event.Publisher, met *metrics.Metrics, log *zap.Logger, cfg OrchestratorConfig) *Orchestrator {
	cfg.applyDefaults()
	return &Orchestrator{
		store:  store,
		locks:  locks,
		avail:  avail,
		events: events,
		met:    met,
		log:    log,
		cfg:    cfg,
	}
}

// Book attempts to reserve the slot for the patient. Retried requests that
// reuse the idempotency key get the original appointment back.
func (o *Orchestrator) Book(ctx context.Context, slotID, patientID uuid.UUID, idemKey string) (*Appointment, error) {
	start := time.Now()
	defer func() {
		o.met.BookingDuration.Observe(time.Since(start).Seconds())
	}()

	appt, err := o.book(ctx, slotID, patientID, idemKey)
	if err != nil {
		o.met.BookingsRejected.WithLabelValues(rejectReason(err)).Inc()
		return nil, err
	}
	o.met.BookingsCommitted.Inc()
	return appt, nil
}

func (o *Orchestrator) book(ctx context.Context, slotID, patientID uuid.UUID, idemKey string) (*Appointment, error) {
	// Idempotency-key replay short-circuits before any locking.
	if idemKey != "" {
		existing, err := o.store.GetAppointmentByIdempotencyKey(ctx, idemKey)
		if err == nil {
			o.log.Debug("idempotency key replay",
				zap.String("idempotency_key", idemKey),
				zap.String("appointment_id", existing.ID.String()))
			return existing, nil
		}
		if !errors.Is(err, ErrAppointmentNotFound) {
			return nil, err
		}
	}

	lease, err := o.acquire(ctx, slotID)
	if err != nil {
		return nil, err
	}
	acquiredAt := time.Now()

	released := false
	defer func() {
		if !released {
			o.releaseLease(ctx, lease)
		}
	}()

	// Verify against the store, never the cache: the slot identity came
	// from a possibly stale availability read.
	slot, err := o.store.GetSlot(ctx, slotID)
	if err != nil {
		return nil, err
	}
	if slot.Status != SlotOpen {
		return nil, ErrSlotNoLongerAvailable
	}

	held, err := o.store.ConditionalWrite(ctx, slotID, slot.Version, lease.FencingToken, SlotHeld)
	if err != nil {
		return nil, o.wrapCommitError(err)
	}

	// A slow hold renews rather than re-acquires, preserving the fencing
	// token. If the lease is already gone the commit below decides.
	if time.Since(acquiredAt) > o.cfg.RenewThreshold {
		if renewed, renewErr := o.locks.Renew(ctx, lease, o.cfg.LockTTL); renewErr == nil {
			lease = renewed
		}
	}

	appt, err := o.store.CommitBooking(ctx, slotID, held.Version, lease.FencingToken, patientID, idemKey)
	if err != nil {
		return nil, o.wrapCommitError(err)
	}

	o.releaseLease(ctx, lease)
	released = true

	ev := event.New(event.TypeBooked)
	ev.SlotID = slot.ID
	ev.AppointmentID = appt.ID
	ev.PatientID = patientID
	ev.ProviderID = slot.ProviderID
	ev.WindowStart = slot.StartTime
	ev.WindowEnd = slot.EndTime
	ev.SlotVersion = held.Version + 1
	o.notify(ctx, ev, slot.ProviderID)

	o.log.Info("slot booked",
		zap.String("slot_id", slot.ID.String()),
		zap.String("appointment_id", appt.ID.String()),
		zap.String("patient_id", patientID.String()),
		zap.Int64("version", held.Version+1))

	return appt, nil
}

// Cancel releases a booked slot and marks the appointment cancelled. The
// freed window travels on the cancelled event so the waitlist promoter can
// react without re-reading the slot.
func (o *Orchestrator) Cancel(ctx context.Context, appointmentID, actorID uuid.UUID) error {
	appt, err := o.store.GetAppointment(ctx, appointmentID)
	if err != nil {
		return err
	}
	if appt.Status == StatusCancelled {
		return ErrAppointmentNotActive
	}

	lease, err := o.acquire(ctx, appt.SlotID)
	if err != nil {
		return err
	}
	released := false
	defer func() {
		if !released {
			o.releaseLease(ctx, lease)
		}
	}()

	// Re-check under the lock; a concurrent cancel may have won.
	appt, err = o.store.GetAppointment(ctx, appointmentID)
	if err != nil {
		return err
	}
	if appt.Status == StatusCancelled {
		return ErrAppointmentNotActive
	}

	slot, err := o.store.GetSlot(ctx, appt.SlotID)
	if err != nil {
		return err
	}

	freed, err := o.store.ReleaseSlot(ctx, slot.ID, slot.Version, lease.FencingToken, appt.ID)
	if err != nil {
		return o.wrapCommitError(err)
	}

	o.releaseLease(ctx, lease)
	released = true
	o.met.Cancellations.Inc()

	ev := event.New(event.TypeCancelled)
	ev.SlotID = freed.ID
	ev.AppointmentID = appt.ID
	ev.PatientID = appt.PatientID
	ev.ProviderID = freed.ProviderID
	ev.WindowStart = freed.StartTime
	ev.WindowEnd = freed.EndTime
	ev.SlotVersion = freed.Version
	o.notify(ctx, ev, freed.ProviderID)

	o.log.Info("appointment cancelled",
		zap.String("appointment_id", appt.ID.String()),
		zap.String("slot_id", freed.ID.String()),
		zap.String("actor_id", actorID.String()))

	return nil
}

// FindCandidateSlots serves search reads through the availability cache,
// falling back to the authoritative store on miss. Results are candidates
// only; Book re-verifies each before committing.
func (o *Orchestrator) FindCandidateSlots(ctx context.Context, providerID uuid.UUID, from, to time.Time, specialty string) ([]SlotSummary, error) {
	if specialty != "" {
		provider, err := o.store.GetProvider(ctx, providerID)
		if err != nil {
			return nil, err
		}
		if provider.Specialty != specialty {
			return []SlotSummary{}, nil
		}
	}

	key := AvailabilityKey{ProviderID: providerID, From: from, To: to}

	summaries, hit, err := o.avail.Get(ctx, key)
	if err != nil {
		o.log.Warn("availability cache read failed", zap.Error(err))
	} else if hit {
		o.met.CacheHits.Inc()
		return summaries, nil
	}
	o.met.CacheMisses.Inc()

	slots, err := o.store.FindOpenSlots(ctx, providerID, from, to)
	if err != nil {
		return nil, err
	}

	summaries = make([]SlotSummary, 0, len(slots))
	for i := range slots {
		summaries = append(summaries, slots[i].Summary())
	}

	if err := o.avail.Set(ctx, key, summaries, o.cfg.CacheTTL); err != nil {
		o.log.Warn("availability cache write failed", zap.Error(err))
	}
	return summaries, nil
}

// ReleaseStaleHolds reverts slots stuck in held state, which happens when a
// holder crashed between hold and commit. Run periodically by the worker.
func (o *Orchestrator) ReleaseStaleHolds(ctx context.Context, olderThan time.Duration) error {
	stale, err := o.store.FindStaleHeld(ctx, time.Now().Add(-olderThan))
	if err != nil {
		return fmt.Errorf("find stale held slots: %w", err)
	}

	for _, slot := range stale {
		if _, err := o.store.ReopenHeld(ctx, slot.ID, slot.Version); err != nil {
			if errors.Is(err, ErrVersionConflict) {
				// The holder finished after all.
				continue
			}
			o.log.Error("reopen stale held slot failed",
				zap.String("slot_id", slot.ID.String()),
				zap.Error(err))
			continue
		}
		o.avail.Invalidate(ctx, slot.ProviderID)
		o.log.Warn("reopened stale held slot",
			zap.String("slot_id", slot.ID.String()),
			zap.Int64("version", slot.Version))
	}
	return nil
}

// acquire polls the lock coordinator until it wins or the acquisition
// timeout lapses. Contention is pushed back to the caller rather than queued.
func (o *Orchestrator) acquire(ctx context.Context, slotID uuid.UUID) (*lock.Lease, error) {
	deadline := time.Now().Add(o.cfg.AcquireTimeout)
	for {
		lease, err := o.locks.Acquire(ctx, slotID, o.cfg.LockTTL)
		if err == nil {
			return lease, nil
		}
		if !errors.Is(err, lock.ErrBusy) {
			return nil, fmt.Errorf("%w: %w", ErrUnavailable, err)
		}
		if time.Now().After(deadline) {
			return nil, ErrSlotContended
		}
		select {
		case <-ctx.Done():
			return nil, ErrSlotContended
		case <-time.After(o.cfg.AcquireRetryInterval):
		}
	}
}

func (o *Orchestrator) releaseLease(ctx context.Context, lease *lock.Lease) {
	if err := o.locks.Release(ctx, lease); err != nil && !errors.Is(err, lock.ErrExpired) {
		o.log.Warn("lease release failed",
			zap.String("slot_id", lease.SlotID.String()),
			zap.Error(err))
	}
}

// wrapCommitError maps store rejections into the caller-facing taxonomy.
// Infrastructure failure passes through unmodified.
func (o *Orchestrator) wrapCommitError(err error) error {
	switch {
	case errors.Is(err, ErrVersionConflict), errors.Is(err, ErrFencingTokenSuperseded):
		return fmt.Errorf("%w: %w", ErrConcurrentModification, err)
	default:
		return err
	}
}

func (o *Orchestrator) notify(ctx context.Context, ev event.Event, providerID uuid.UUID) {
	if err := o.events.Publish(ctx, ev); err != nil {
		// Never roll back; the retrying publisher owns redelivery.
		o.log.Error("event publish failed",
			zap.String("event_id", ev.ID),
			zap.String("type", string(ev.Type)),
			zap.Error(err))
	}
	if err := o.avail.Invalidate(ctx, providerID); err != nil {
		o.log.Warn("availability invalidation failed",
			zap.String("provider_id", providerID.String()),
			zap.Error(err))
	}
}

func rejectReason(err error) string {
	switch {
	case errors.Is(err, ErrSlotContended):
		return "slot_contended"
	case errors.Is(err, ErrSlotNoLongerAvailable):
		return "slot_no_longer_available"
	case errors.Is(err, ErrConcurrentModification):
		return "concurrent_modification"
	case errors.Is(err, ErrSlotNotFound):
		return "slot_not_found"
	case errors.Is(err, ErrUnavailable):
		return "unavailable"
	default:
		return "other"
	}
}
