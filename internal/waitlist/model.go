package waitlist

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

var (
	ErrEntryNotFound = errors.New("waitlist entry not found")
	// ErrAlreadyFulfilled guards exactly-once promotion under at-least-once
	// event delivery.
	ErrAlreadyFulfilled = errors.New("waitlist entry already fulfilled")
)

// Entry is a patient's standing request for a provider time window, not a
// specific slot: the slot may not exist or be free yet when they join.
type Entry struct {
	ID            uuid.UUID
	ProviderID    uuid.UUID
	PatientID     uuid.UUID
	WindowStart   time.Time
	WindowEnd     time.Time
	RequestedAt   time.Time
	Fulfilled     bool
	AppointmentID *uuid.UUID
	FulfilledAt   *time.Time
}

// Matches reports whether a freed slot window falls inside the entry's
// requested window.
func (e *Entry) Matches(providerID uuid.UUID, slotStart, slotEnd time.Time) bool {
	if e.ProviderID != providerID {
		return false
	}
	return !slotStart.Before(e.WindowStart) && !slotEnd.After(e.WindowEnd)
}

// Stats summarizes a provider's waitlist.
type Stats struct {
	Total     int `json:"total"`
	Waiting   int `json:"waiting"`
	Fulfilled int `json:"fulfilled"`
}

// Store persists waitlist entries. FindUnfulfilled must return entries in
// promotion order: RequestedAt ascending, ties broken by entry ID so
// concurrent promoters agree on the order.
type Store interface {
	Create(ctx context.Context, entry *Entry) error
	Get(ctx context.Context, id uuid.UUID) (*Entry, error)
	Delete(ctx context.Context, id uuid.UUID) error

	// FindUnfulfilled returns unfulfilled entries matching the freed window,
	// in promotion order.
	FindUnfulfilled(ctx context.Context, providerID uuid.UUID, slotStart, slotEnd time.Time) ([]Entry, error)

	// MarkFulfilled flips the entry to fulfilled exactly once; a second call
	// returns ErrAlreadyFulfilled.
	MarkFulfilled(ctx context.Context, id, appointmentID uuid.UUID) error

	// ListForPatient returns all of a patient's entries, fulfilled included,
	// oldest request first.
	ListForPatient(ctx context.Context, patientID uuid.UUID) ([]Entry, error)

	// ListForProvider returns a provider's full waitlist, oldest request first.
	ListForProvider(ctx context.Context, providerID uuid.UUID) ([]Entry, error)

	StatsForProvider(ctx context.Context, providerID uuid.UUID) (Stats, error)
}
