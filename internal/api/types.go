package api

import (
	"time"

	"github.com/google/uuid"
)

type BookSlotRequest struct {
	SlotID         string `json:"slot_id"`
	PatientID      string `json:"patient_id"`
	IdempotencyKey string `json:"idempotency_key"`
}

type AppointmentResponse struct {
	ID        uuid.UUID `json:"id"`
	SlotID    uuid.UUID `json:"slot_id"`
	PatientID uuid.UUID `json:"patient_id"`
	Status    string    `json:"status"`
	CreatedAt time.Time `json:"created_at"`
}

type CancelAppointmentRequest struct {
	ActorID string `json:"actor_id"`
}

type JoinWaitlistRequest struct {
	ProviderID  string    `json:"provider_id"`
	PatientID   string    `json:"patient_id"`
	WindowStart time.Time `json:"window_start"`
	WindowEnd   time.Time `json:"window_end"`
}

type WaitlistEntryResponse struct {
	ID            uuid.UUID  `json:"id"`
	ProviderID    uuid.UUID  `json:"provider_id"`
	PatientID     uuid.UUID  `json:"patient_id"`
	WindowStart   time.Time  `json:"window_start"`
	WindowEnd     time.Time  `json:"window_end"`
	RequestedAt   time.Time  `json:"requested_at"`
	Fulfilled     bool       `json:"fulfilled"`
	AppointmentID *uuid.UUID `json:"appointment_id,omitempty"`
}

type ErrorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}
