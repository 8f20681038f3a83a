package booking

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// SlotStore is the single mutable source of truth for slots and appointments.
// Every status transition goes through a conditional write guarded by the
// expected version and the fencing token of the caller's lease; the store
// rejects tokens lower than the highest it has recorded for the slot.
type SlotStore interface {
	GetSlot(ctx context.Context, slotID uuid.UUID) (*Slot, error)

	// FindOpenSlots is the authoritative availability read, used on cache
	// miss. Returns open slots for the provider inside [from, to).
	FindOpenSlots(ctx context.Context, providerID uuid.UUID, from, to time.Time) ([]Slot, error)

	// ConditionalWrite transitions the slot to newStatus iff the stored
	// version equals expectedVersion and fencingToken is not below the
	// highest token seen. The committed slot carries version+1.
	ConditionalWrite(ctx context.Context, slotID uuid.UUID, expectedVersion, fencingToken int64, newStatus SlotStatus) (*Slot, error)

	// CommitBooking atomically moves a held slot to booked and creates the
	// appointment, recording the idempotency key. Replaying a known key
	// returns the original appointment without a second commit.
	CommitBooking(ctx context.Context, slotID uuid.UUID, expectedVersion, fencingToken int64, patientID uuid.UUID, idemKey string) (*Appointment, error)

	// ReleaseSlot atomically moves a booked slot back to open and marks the
	// appointment cancelled. The freed slot carries version+1.
	ReleaseSlot(ctx context.Context, slotID uuid.UUID, expectedVersion, fencingToken int64, appointmentID uuid.UUID) (*Slot, error)

	GetAppointment(ctx context.Context, id uuid.UUID) (*Appointment, error)
	GetAppointmentByIdempotencyKey(ctx context.Context, key string) (*Appointment, error)

	GetProvider(ctx context.Context, id uuid.UUID) (*Provider, error)

	// CreateSlot is called by provider-schedule generation; slots start open
	// at version 1.
	CreateSlot(ctx context.Context, providerID uuid.UUID, start, end time.Time) (*Slot, error)

	// RevokeSlot moves an open slot directly to cancelled when the provider
	// revokes capacity.
	RevokeSlot(ctx context.Context, slotID uuid.UUID, expectedVersion int64) (*Slot, error)

	// FindStaleHeld returns slots stuck in held state since before the
	// cutoff, left behind by a holder that crashed between hold and commit.
	FindStaleHeld(ctx context.Context, before time.Time) ([]Slot, error)

	// ReopenHeld reverts a held slot to open, guarded by version only: a
	// holder that finishes late bumps the version and wins the race.
	ReopenHeld(ctx context.Context, slotID uuid.UUID, expectedVersion int64) (*Slot, error)
}
