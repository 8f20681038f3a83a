package booking

import (
	"time"

	"github.com/google/uuid"
)

type SlotStatus string

const (
	SlotOpen      SlotStatus = "open"
	SlotHeld      SlotStatus = "held"
	SlotBooked    SlotStatus = "booked"
	SlotCancelled SlotStatus = "cancelled"
)

type AppointmentStatus string

const (
	StatusPending   AppointmentStatus = "pending"
	StatusConfirmed AppointmentStatus = "confirmed"
	StatusCancelled AppointmentStatus = "cancelled"
)

// Provider is an immutable read model owned by the provider-management
// service. The core only reads it for candidate search.
type Provider struct {
	ID        uuid.UUID
	Name      string
	Specialty string
	Location  string
	CreatedAt time.Time
}

// Slot is a bookable time window for one provider. Version increases on every
// committed status change and is the optimistic-concurrency guard; no write
// succeeds against a stale version.
type Slot struct {
	ID         uuid.UUID
	ProviderID uuid.UUID
	StartTime  time.Time
	EndTime    time.Time
	Status     SlotStatus
	Version    int64
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// Appointment references exactly one slot and one patient. At most one
// appointment in pending or confirmed state may exist per slot.
type Appointment struct {
	ID             uuid.UUID
	SlotID         uuid.UUID
	PatientID      uuid.UUID
	Status         AppointmentStatus
	IdempotencyKey string
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// SlotSummary is the availability-cache projection of a slot: identity plus
// version, never authoritative status.
type SlotSummary struct {
	SlotID     uuid.UUID `json:"slot_id"`
	ProviderID uuid.UUID `json:"provider_id"`
	StartTime  time.Time `json:"start_time"`
	EndTime    time.Time `json:"end_time"`
	Version    int64     `json:"version"`
}

func (s *Slot) Summary() SlotSummary {
	return SlotSummary{
		SlotID:     s.ID,
		ProviderID: s.ProviderID,
		StartTime:  s.StartTime,
		EndTime:    s.EndTime,
		Version:    s.Version,
	}
}
