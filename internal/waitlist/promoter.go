package waitlist

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/carebook/booking-core/internal/booking"
	"github.com/carebook/booking-core/internal/event"
	"github.com/carebook/booking-core/internal/metrics"
)

// Booker is the slice of the booking orchestrator the promoter needs. The
// promoter is just another client: it takes the same lock and runs the same
// state machine as a fresh booking request. Cancel backs out a promotion
// that lost the fulfillment race.
type Booker interface {
	Book(ctx context.Context, slotID, patientID uuid.UUID, idemKey string) (*booking.Appointment, error)
	Cancel(ctx context.Context, appointmentID, actorID uuid.UUID) error
}

// Less orders candidate entries for promotion. The default is FIFO by
// RequestedAt with entry-ID tiebreak (what the store already returns);
// installing a comparator layers a priority policy on top.
type Less func(a, b Entry) bool

// Promoter consumes cancelled events and reassigns freed slots to the oldest
// matching waitlist entry. Safe under at-least-once, duplicated delivery:
// fulfillment is marked exactly once and promotion idempotency keys are
// derived from entry and slot.
type Promoter struct {
	store  Store
	booker Booker
	events event.Publisher
	met    *metrics.Metrics
	log    *zap.Logger
	less   Less
}

func NewPromoter(store Store, booker Booker, events event.Publisher, met *metrics.Metrics, log *zap.Logger) *Promoter {
	return &Promoter{
		store:  store,
		booker: booker,
		events: events,
		met:    met,
		log:    log,
	}
}

// WithPriority installs a comparator applied on top of store order.
func (p *Promoter) WithPriority(less Less) *Promoter {
	p.less = less
	return p
}

// Handle processes one event. Non-cancellation events are ignored. Returning
// nil acknowledges the event; only infrastructure errors propagate so the
// transport redelivers.
func (p *Promoter) Handle(ctx context.Context, ev event.Event) error {
	if ev.Type != event.TypeCancelled {
		return nil
	}

	candidates, err := p.store.FindUnfulfilled(ctx, ev.ProviderID, ev.WindowStart, ev.WindowEnd)
	if err != nil {
		return fmt.Errorf("find waitlist candidates: %w", err)
	}
	if p.less != nil {
		sortEntries(candidates, p.less)
	}

	for i := range candidates {
		entry := candidates[i]

		// Re-check fulfillment: a duplicate delivery may already have
		// promoted this entry.
		current, err := p.store.Get(ctx, entry.ID)
		if err != nil {
			if errors.Is(err, ErrEntryNotFound) {
				continue
			}
			return err
		}
		if current.Fulfilled {
			continue
		}

		idemKey := promotionKey(entry.ID, ev.SlotID)
		appt, err := p.booker.Book(ctx, ev.SlotID, entry.PatientID, idemKey)
		if err != nil {
			if isRetryableRejection(err) {
				// Someone else claimed the slot or is mid-booking; move on
				// to the next entry instead of spinning on this one.
				p.log.Debug("promotion attempt rejected, advancing",
					zap.String("entry_id", entry.ID.String()),
					zap.String("slot_id", ev.SlotID.String()),
					zap.Error(err))
				continue
			}
			return fmt.Errorf("promote waitlist entry %s: %w", entry.ID, err)
		}

		if err := p.store.MarkFulfilled(ctx, entry.ID, appt.ID); err != nil {
			if errors.Is(err, ErrAlreadyFulfilled) {
				return p.resolveFulfillmentRace(ctx, entry, appt)
			}
			return err
		}
		p.met.Promotions.Inc()

		promoted := event.New(event.TypePromoted)
		promoted.SlotID = ev.SlotID
		promoted.AppointmentID = appt.ID
		promoted.PatientID = entry.PatientID
		promoted.ProviderID = ev.ProviderID
		promoted.WindowStart = ev.WindowStart
		promoted.WindowEnd = ev.WindowEnd
		if err := p.events.Publish(ctx, promoted); err != nil {
			p.log.Error("promoted event publish failed",
				zap.String("entry_id", entry.ID.String()),
				zap.Error(err))
		}

		p.log.Info("waitlist entry promoted",
			zap.String("entry_id", entry.ID.String()),
			zap.String("patient_id", entry.PatientID.String()),
			zap.String("slot_id", ev.SlotID.String()),
			zap.String("appointment_id", appt.ID.String()))
		return nil
	}

	return nil
}

// resolveFulfillmentRace handles an entry that was marked fulfilled by a
// competing promotion between our re-check and our mark. Freed slots are
// distinct, so the promotion idempotency key does not dedupe across them:
// if the recorded appointment is not ours, our booking is a second
// appointment for the same entry and must be backed out. Cancelling reopens
// the slot and emits a fresh cancelled event for the remaining entries.
func (p *Promoter) resolveFulfillmentRace(ctx context.Context, entry Entry, appt *booking.Appointment) error {
	current, err := p.store.Get(ctx, entry.ID)
	if err != nil && !errors.Is(err, ErrEntryNotFound) {
		return err
	}
	if err == nil && current.AppointmentID != nil && *current.AppointmentID == appt.ID {
		// Duplicate delivery of the same freed slot; the booking replayed
		// idempotently and the fulfillment already records it.
		return nil
	}

	cancelErr := p.booker.Cancel(ctx, appt.ID, entry.PatientID)
	if cancelErr != nil && !errors.Is(cancelErr, booking.ErrAppointmentNotActive) {
		// Leave the event unacked; redelivery retries the back-out.
		return fmt.Errorf("back out duplicate promotion of entry %s: %w", entry.ID, cancelErr)
	}

	p.log.Info("backed out duplicate promotion",
		zap.String("entry_id", entry.ID.String()),
		zap.String("appointment_id", appt.ID.String()))
	return nil
}

// Run subscribes the promoter until the context is cancelled.
func (p *Promoter) Run(ctx context.Context, sub event.Subscriber) error {
	return sub.Consume(ctx, p.Handle)
}

func promotionKey(entryID, slotID uuid.UUID) string {
	return fmt.Sprintf("promo:%s:%s", entryID, slotID)
}

func isRetryableRejection(err error) bool {
	return errors.Is(err, booking.ErrSlotContended) ||
		errors.Is(err, booking.ErrSlotNoLongerAvailable) ||
		errors.Is(err, booking.ErrConcurrentModification)
}

func sortEntries(entries []Entry, less Less) {
	// Stable insertion keeps store order for equal entries.
	for i := 1; i < len(entries); i++ {
		for j := i; j > 0 && less(entries[j], entries[j-1]); j-- {
			entries[j], entries[j-1] = entries[j-1], entries[j]
		}
	}
}
