package event

import (
	"context"
	"time"

	"github.com/google/uuid"
)

type Type string

const (
	TypeBooked    Type = "booking.booked"
	TypeCancelled Type = "booking.cancelled"
	TypePromoted  Type = "booking.promoted"
)

// Event is the domain event emitted on committed slot transitions. Cancelled
// events carry the freed provider window so the waitlist promoter can match
// entries without a store round-trip.
type Event struct {
	ID            string    `json:"id"`
	Type          Type      `json:"type"`
	SlotID        uuid.UUID `json:"slot_id"`
	AppointmentID uuid.UUID `json:"appointment_id"`
	PatientID     uuid.UUID `json:"patient_id"`
	ProviderID    uuid.UUID `json:"provider_id"`
	WindowStart   time.Time `json:"window_start"`
	WindowEnd     time.Time `json:"window_end"`
	SlotVersion   int64     `json:"slot_version"`
	OccurredAt    time.Time `json:"occurred_at"`
}

func New(t Type) Event {
	return Event{
		ID:         uuid.NewString(),
		Type:       t,
		OccurredAt: time.Now(),
	}
}

// Publisher emits events with at-least-once delivery. Publication is
// fire-and-forget from the orchestrator's perspective; a failed publish never
// rolls back a committed booking.
type Publisher interface {
	Publish(ctx context.Context, ev Event) error
}

// Handler processes one delivered event. Returning an error leaves the event
// unacknowledged for redelivery, so handlers must be idempotent.
type Handler func(ctx context.Context, ev Event) error

// Subscriber delivers events at-least-once, possibly duplicated.
type Subscriber interface {
	// Consume blocks, invoking the handler for each delivered event until
	// the context is cancelled.
	Consume(ctx context.Context, handler Handler) error
}
