package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/carebook/booking-core/internal/booking"
	"github.com/carebook/booking-core/internal/waitlist"
)

func toAppointmentResponse(appt *booking.Appointment) AppointmentResponse {
	return AppointmentResponse{
		ID:        appt.ID,
		SlotID:    appt.SlotID,
		PatientID: appt.PatientID,
		Status:    string(appt.Status),
		CreatedAt: appt.CreatedAt,
	}
}

func bookSlotHandler(orch *booking.Orchestrator) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req BookSlotRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid_request_body", "could not parse JSON")
			return
		}

		slotID, err := uuid.Parse(req.SlotID)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_slot_id", "slot_id must be a valid UUID")
			return
		}
		patientID, err := uuid.Parse(req.PatientID)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_patient_id", "patient_id must be a valid UUID")
			return
		}
		if req.IdempotencyKey == "" {
			writeError(w, http.StatusBadRequest, "missing_idempotency_key", "idempotency_key is required")
			return
		}

		appt, err := orch.Book(r.Context(), slotID, patientID, req.IdempotencyKey)
		if err != nil {
			handleBookingError(w, err)
			return
		}

		writeJSON(w, http.StatusCreated, toAppointmentResponse(appt))
	}
}

func getAppointmentHandler(store booking.SlotStore) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := uuid.Parse(chi.URLParam(r, "id"))
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_appointment_id", "id must be a valid UUID")
			return
		}

		appt, err := store.GetAppointment(r.Context(), id)
		if err != nil {
			handleBookingError(w, err)
			return
		}

		writeJSON(w, http.StatusOK, toAppointmentResponse(appt))
	}
}

func cancelAppointmentHandler(orch *booking.Orchestrator) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := uuid.Parse(chi.URLParam(r, "id"))
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_appointment_id", "id must be a valid UUID")
			return
		}

		var req CancelAppointmentRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid_request_body", "could not parse JSON")
			return
		}
		actorID, err := uuid.Parse(req.ActorID)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_actor_id", "actor_id must be a valid UUID")
			return
		}

		if err := orch.Cancel(r.Context(), id, actorID); err != nil {
			handleBookingError(w, err)
			return
		}

		writeJSON(w, http.StatusOK, map[string]string{"status": "cancelled"})
	}
}

func findSlotsHandler(orch *booking.Orchestrator) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()

		providerID, err := uuid.Parse(q.Get("provider_id"))
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_provider_id", "provider_id must be a valid UUID")
			return
		}

		from, err := time.Parse(time.RFC3339, q.Get("from"))
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_from", "from must be RFC3339")
			return
		}
		to, err := time.Parse(time.RFC3339, q.Get("to"))
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_to", "to must be RFC3339")
			return
		}

		summaries, err := orch.FindCandidateSlots(r.Context(), providerID, from, to, q.Get("specialty"))
		if err != nil {
			handleBookingError(w, err)
			return
		}

		if tod := q.Get("time_of_day"); tod != "" {
			summaries = filterTimeOfDay(summaries, tod)
		}

		writeJSON(w, http.StatusOK, map[string]any{"slots": summaries})
	}
}

// filterTimeOfDay narrows candidates to morning (before 12), afternoon
// (12-17) or evening (17+), matching the slot's local start hour.
func filterTimeOfDay(summaries []booking.SlotSummary, tod string) []booking.SlotSummary {
	out := summaries[:0]
	for _, s := range summaries {
		hour := s.StartTime.Hour()
		switch tod {
		case "morning":
			if hour >= 12 {
				continue
			}
		case "afternoon":
			if hour < 12 || hour >= 17 {
				continue
			}
		case "evening":
			if hour < 17 {
				continue
			}
		}
		out = append(out, s)
	}
	return out
}

func toWaitlistEntryResponse(e *waitlist.Entry) WaitlistEntryResponse {
	return WaitlistEntryResponse{
		ID:            e.ID,
		ProviderID:    e.ProviderID,
		PatientID:     e.PatientID,
		WindowStart:   e.WindowStart,
		WindowEnd:     e.WindowEnd,
		RequestedAt:   e.RequestedAt,
		Fulfilled:     e.Fulfilled,
		AppointmentID: e.AppointmentID,
	}
}

func joinWaitlistHandler(svc *waitlist.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req JoinWaitlistRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid_request_body", "could not parse JSON")
			return
		}

		providerID, err := uuid.Parse(req.ProviderID)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_provider_id", "provider_id must be a valid UUID")
			return
		}
		patientID, err := uuid.Parse(req.PatientID)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_patient_id", "patient_id must be a valid UUID")
			return
		}

		entry, err := svc.Join(r.Context(), providerID, req.WindowStart, req.WindowEnd, patientID)
		if err != nil {
			if errors.Is(err, waitlist.ErrInvalidWindow) {
				writeError(w, http.StatusBadRequest, "invalid_window", err.Error())
				return
			}
			writeError(w, http.StatusInternalServerError, "internal_error", err.Error())
			return
		}

		writeJSON(w, http.StatusCreated, toWaitlistEntryResponse(entry))
	}
}

func listWaitlistHandler(svc *waitlist.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()

		var (
			entries []waitlist.Entry
			err     error
		)
		switch {
		case q.Get("patient_id") != "":
			patientID, perr := uuid.Parse(q.Get("patient_id"))
			if perr != nil {
				writeError(w, http.StatusBadRequest, "invalid_patient_id", "patient_id must be a valid UUID")
				return
			}
			entries, err = svc.ListForPatient(r.Context(), patientID)
		case q.Get("provider_id") != "":
			providerID, perr := uuid.Parse(q.Get("provider_id"))
			if perr != nil {
				writeError(w, http.StatusBadRequest, "invalid_provider_id", "provider_id must be a valid UUID")
				return
			}
			entries, err = svc.ListForProvider(r.Context(), providerID)
		default:
			writeError(w, http.StatusBadRequest, "missing_filter", "patient_id or provider_id is required")
			return
		}
		if err != nil {
			writeError(w, http.StatusInternalServerError, "internal_error", err.Error())
			return
		}

		out := make([]WaitlistEntryResponse, 0, len(entries))
		for i := range entries {
			out = append(out, toWaitlistEntryResponse(&entries[i]))
		}
		writeJSON(w, http.StatusOK, map[string]any{"entries": out})
	}
}

func getWaitlistEntryHandler(svc *waitlist.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := uuid.Parse(chi.URLParam(r, "id"))
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_entry_id", "id must be a valid UUID")
			return
		}

		entry, err := svc.Get(r.Context(), id)
		if err != nil {
			handleWaitlistError(w, err)
			return
		}

		writeJSON(w, http.StatusOK, toWaitlistEntryResponse(entry))
	}
}

func removeWaitlistEntryHandler(svc *waitlist.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := uuid.Parse(chi.URLParam(r, "id"))
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_entry_id", "id must be a valid UUID")
			return
		}

		if err := svc.Remove(r.Context(), id); err != nil {
			handleWaitlistError(w, err)
			return
		}

		writeJSON(w, http.StatusOK, map[string]string{"status": "removed"})
	}
}

func waitlistStatsHandler(svc *waitlist.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		providerID, err := uuid.Parse(r.URL.Query().Get("provider_id"))
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_provider_id", "provider_id must be a valid UUID")
			return
		}

		stats, err := svc.Stats(r.Context(), providerID)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "internal_error", err.Error())
			return
		}

		writeJSON(w, http.StatusOK, stats)
	}
}

func handleBookingError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, booking.ErrSlotNotFound):
		writeError(w, http.StatusNotFound, "slot_not_found", err.Error())
	case errors.Is(err, booking.ErrAppointmentNotFound):
		writeError(w, http.StatusNotFound, "appointment_not_found", err.Error())
	case errors.Is(err, booking.ErrProviderNotFound):
		writeError(w, http.StatusNotFound, "provider_not_found", err.Error())
	case errors.Is(err, booking.ErrSlotContended):
		writeError(w, http.StatusConflict, "slot_contended", "slot is currently being booked, please try another slot")
	case errors.Is(err, booking.ErrSlotNoLongerAvailable):
		writeError(w, http.StatusConflict, "slot_no_longer_available", "slot is no longer available, please search again")
	case errors.Is(err, booking.ErrConcurrentModification):
		writeError(w, http.StatusConflict, "concurrent_modification", "slot was modified concurrently, please retry")
	case errors.Is(err, booking.ErrAppointmentNotActive):
		writeError(w, http.StatusConflict, "appointment_not_active", err.Error())
	case errors.Is(err, booking.ErrUnavailable):
		writeError(w, http.StatusServiceUnavailable, "unavailable", "a backing service is unavailable")
	default:
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error())
	}
}

func handleWaitlistError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, waitlist.ErrEntryNotFound):
		writeError(w, http.StatusNotFound, "waitlist_entry_not_found", err.Error())
	default:
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error())
	}
}
