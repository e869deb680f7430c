package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/soulplan/booking-engine/internal/booking"
	"github.com/soulplan/booking-engine/internal/breaker"
)

func createAppointmentHandler(svc *booking.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req CreateAppointmentRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid_request_body", "could not parse JSON")
			return
		}

		result, err := svc.CreateAppointment(r.Context(), booking.CreateRequest{
			ClientEmail:    req.ClientEmail,
			TherapistEmail: req.TherapistEmail,
			IdempotencyKey: req.IdempotencyKey,
			InitialMessage: req.InitialMessage,
		})
		if err != nil {
			handleServiceError(w, err)
			return
		}

		status := http.StatusCreated
		if result.Deduplicated {
			// A retry of an already-accepted request; return the existing
			// record rather than a conflict.
			status = http.StatusOK
		}
		writeJSON(w, status, toAppointmentResponse(result.Appointment))
	}
}

func getAppointmentHandler(svc *booking.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := uuid.Parse(chi.URLParam(r, "id"))
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_appointment_id", "id must be a valid UUID")
			return
		}

		appt, err := svc.GetAppointment(r.Context(), id)
		if err != nil {
			handleServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, toAppointmentResponse(appt))
	}
}

func getByTrackingCodeHandler(svc *booking.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		code := chi.URLParam(r, "code")
		appt, err := svc.GetByTrackingCode(r.Context(), code)
		if err != nil {
			handleServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, toAppointmentResponse(appt))
	}
}

func listAppointmentsHandler(svc *booking.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		filter := booking.ListFilter{Limit: 50}

		if s := r.URL.Query().Get("status"); s != "" {
			if !booking.ValidStatus(booking.Status(s)) {
				writeError(w, http.StatusBadRequest, "invalid_status", "unknown status filter")
				return
			}
			filter.Status = booking.Status(s)
		}
		if v := r.URL.Query().Get("limit"); v != "" {
			if n, err := strconv.Atoi(v); err == nil && n > 0 && n <= 500 {
				filter.Limit = n
			}
		}
		if v := r.URL.Query().Get("offset"); v != "" {
			if n, err := strconv.Atoi(v); err == nil && n >= 0 {
				filter.Offset = n
			}
		}

		appts, err := svc.ListAppointments(r.Context(), filter)
		if err != nil {
			handleServiceError(w, err)
			return
		}

		resp := make([]AppointmentResponse, 0, len(appts))
		for i := range appts {
			resp = append(resp, toAppointmentResponse(&appts[i]))
		}
		writeJSON(w, http.StatusOK, resp)
	}
}

func updateStatusHandler(svc *booking.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := uuid.Parse(chi.URLParam(r, "id"))
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_appointment_id", "id must be a valid UUID")
			return
		}

		var req UpdateStatusRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid_request_body", "could not parse JSON")
			return
		}

		target := booking.Status(req.Status)
		if !booking.ValidStatus(target) {
			writeError(w, http.StatusBadRequest, "invalid_status", "unknown target status")
			return
		}

		source := req.Source
		if source == "" {
			source = "api"
		}

		result, err := svc.UpdateStatus(r.Context(), id, target, booking.UpdateStatusParams{
			Source:            source,
			ActorID:           req.ActorID,
			Reason:            req.Reason,
			ConfirmedDateTime: req.ConfirmedDateTime,
			SendNotifications: req.SendNotifications,
		})
		if err != nil {
			handleServiceError(w, err)
			return
		}

		writeJSON(w, http.StatusOK, TransitionResponse{
			Skipped:     result.Skipped,
			Warning:     result.Warning,
			Appointment: toAppointmentResponse(result.Appointment),
		})
	}
}

func appendMessageHandler(svc *booking.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := uuid.Parse(chi.URLParam(r, "id"))
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_appointment_id", "id must be a valid UUID")
			return
		}

		var req AppendMessageRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid_request_body", "could not parse JSON")
			return
		}

		msg := booking.Message{From: booking.Sender(req.From), Body: req.Body}
		switch msg.From {
		case booking.SenderClient, booking.SenderTherapist, booking.SenderAgent, booking.SenderAdmin:
		default:
			writeError(w, http.StatusBadRequest, "invalid_sender", "from must be client, therapist, agent or admin")
			return
		}
		if req.SentAt != nil {
			msg.SentAt = *req.SentAt
		}

		appt, err := svc.AppendMessage(r.Context(), id, msg)
		if err != nil {
			handleServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, toAppointmentResponse(appt))
	}
}

func humanControlHandler(svc *booking.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := uuid.Parse(chi.URLParam(r, "id"))
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_appointment_id", "id must be a valid UUID")
			return
		}

		var req HumanControlRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid_request_body", "could not parse JSON")
			return
		}

		appt, err := svc.SetHumanControl(r.Context(), id, req.Enabled)
		if err != nil {
			handleServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, toAppointmentResponse(appt))
	}
}

func purgeAppointmentHandler(svc *booking.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := uuid.Parse(chi.URLParam(r, "id"))
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_appointment_id", "id must be a valid UUID")
			return
		}

		if err := svc.PurgeAppointment(r.Context(), id); err != nil {
			handleServiceError(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

func repairTrackingCodesHandler(svc *booking.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		migrated, repaired, err := svc.RepairTrackingCodes(r.Context())
		if err != nil {
			handleServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, RepairResponse{
			LegacyMigrated:     migrated,
			CollisionsRepaired: repaired,
		})
	}
}

func handleServiceError(w http.ResponseWriter, err error) {
	var invalidTransition *booking.InvalidTransitionError
	var validation *booking.ValidationError

	switch {
	case errors.Is(err, booking.ErrNotFound):
		writeError(w, http.StatusNotFound, "appointment_not_found", err.Error())
	case errors.As(err, &invalidTransition):
		writeError(w, http.StatusConflict, "invalid_status_transition", err.Error())
	case errors.Is(err, booking.ErrConcurrentModification):
		writeError(w, http.StatusConflict, "concurrent_modification", "the appointment changed underneath this request, reload and retry")
	case errors.Is(err, booking.ErrDuplicateRequest):
		writeError(w, http.StatusConflict, "duplicate_request", err.Error())
	case errors.Is(err, booking.ErrHumanControlDisabled):
		writeError(w, http.StatusForbidden, "human_control_disabled", err.Error())
	case errors.Is(err, booking.ErrRateLimited):
		writeError(w, http.StatusTooManyRequests, "rate_limited", "too many creation requests, slow down")
	case errors.As(err, &validation):
		writeError(w, http.StatusBadRequest, "validation_failed", err.Error())
	case errors.Is(err, breaker.ErrCircuitOpen):
		writeError(w, http.StatusServiceUnavailable, "dependency_unavailable", "a downstream dependency is unavailable, try again later")
	default:
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error())
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, details string) {
	writeJSON(w, status, ErrorResponse{Error: code, Details: details})
}
