package booking

import "errors"

var (
	// ErrSlotContended means the slot lock could not be acquired in time.
	// Transient; the caller should retry with backoff or pick another slot.
	ErrSlotContended = errors.New("slot is currently being booked, try another slot")

	// ErrSlotNoLongerAvailable means verification found the slot no longer
	// open. The caller must re-search, not retry the same slot.
	ErrSlotNoLongerAvailable = errors.New("slot is no longer available")

	// ErrConcurrentModification means the commit lost a race after passing
	// verification. The whole attempt may be retried.
	ErrConcurrentModification = errors.New("slot was modified concurrently")

	// ErrVersionConflict is raised by the slot store when the expected
	// version is stale. The orchestrator wraps it into the taxonomy above.
	ErrVersionConflict = errors.New("slot version conflict")

	// ErrFencingTokenSuperseded is raised by the slot store when a write
	// presents a fencing token lower than the highest it has seen.
	ErrFencingTokenSuperseded = errors.New("fencing token superseded")

	// ErrUnavailable wraps infrastructure failure (storage or lock
	// coordinator unreachable). Never masked as a booking-semantic rejection.
	ErrUnavailable = errors.New("booking core dependency unavailable")

	ErrSlotNotFound        = errors.New("slot not found")
	ErrProviderNotFound    = errors.New("provider not found")
	ErrAppointmentNotFound = errors.New("appointment not found")

	// ErrAppointmentNotActive means a cancellation targeted an appointment
	// that is already cancelled.
	ErrAppointmentNotActive = errors.New("appointment is not active")
)
