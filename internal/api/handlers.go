package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/clinio/telemed-scheduling/internal/schedule"
)

func listSlotsHandler(svc *schedule.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		providerID, err := uuid.Parse(chi.URLParam(r, "id"))
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_provider_id", "id must be a valid UUID")
			return
		}

		date := r.URL.Query().Get("date")
		if date == "" {
			writeError(w, http.StatusBadRequest, "missing_date", "date query parameter is required")
			return
		}

		durationMin := queryInt(r, "duration", 0)
		bufferMin := queryInt(r, "buffer", -1)
		var echoBuffer *int
		if bufferMin >= 0 {
			echoBuffer = &bufferMin
		}

		slots, err := svc.ListAvailableSlots(r.Context(), providerID, date, durationMin, bufferMin)
		if err != nil {
			handleSlotsError(w, err)
			return
		}
		if slots == nil {
			slots = []time.Time{}
		}

		writeJSON(w, http.StatusOK, SlotsResponse{
			ProviderID:  providerID,
			Date:        date,
			DurationMin: durationMin,
			BufferMin:   echoBuffer,
			Slots:       slots,
		})
	}
}

func createBookingHandler(svc *schedule.Service, payments schedule.PaymentInitiator, log *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req CreateBookingRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid_request_body", "could not parse JSON")
			return
		}

		input, err := bookingInput(req)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
			return
		}

		result, err := svc.BookOrRetry(r.Context(), input)
		if err != nil {
			handleBookingError(w, err)
			return
		}

		resp := bookingResponse(result.Booking)
		resp.NextAction = string(result.NextAction)
		resp.Reused = result.Reused

		if result.NextAction == schedule.NextActionInitiatePayment {
			ref, payErr := payments.Initiate(r.Context(), result.Booking.ID, result.Booking.AmountMinor, result.Booking.Currency)
			if payErr != nil {
				// The booking is committed; the client retries with the
				// returned booking_id instead of booking again.
				log.Warn("payment initiation failed",
					zap.String("booking_id", result.Booking.ID.String()),
					zap.Error(payErr))
				writeJSON(w, http.StatusAccepted, resp)
				return
			}
			resp.Payment = &PaymentRefResponse{Reference: ref.Reference, RedirectURL: ref.RedirectURL}
		}

		status := http.StatusCreated
		if result.Reused {
			status = http.StatusOK
		}
		writeJSON(w, status, resp)
	}
}

func getBookingHandler(svc *schedule.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := uuid.Parse(chi.URLParam(r, "id"))
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_booking_id", "id must be a valid UUID")
			return
		}

		booking, err := svc.GetBooking(r.Context(), id)
		if err != nil {
			handleBookingError(w, err)
			return
		}

		writeJSON(w, http.StatusOK, bookingResponse(booking))
	}
}

func listPatientBookingsHandler(svc *schedule.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		patientID, err := uuid.Parse(chi.URLParam(r, "id"))
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_patient_id", "id must be a valid UUID")
			return
		}

		limit := queryInt(r, "limit", 20)
		offset := queryInt(r, "offset", 0)

		bookings, err := svc.ListBookingsByPatient(r.Context(), patientID, limit, offset)
		if err != nil {
			handleBookingError(w, err)
			return
		}

		out := make([]BookingResponse, 0, len(bookings))
		for i := range bookings {
			out = append(out, bookingResponse(&bookings[i]))
		}
		writeJSON(w, http.StatusOK, out)
	}
}

func transitionBookingHandler(svc *schedule.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := uuid.Parse(chi.URLParam(r, "id"))
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_booking_id", "id must be a valid UUID")
			return
		}

		var req TransitionRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid_request_body", "could not parse JSON")
			return
		}

		ev, err := schedule.ParseEvent(req.Event)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_event", err.Error())
			return
		}

		booking, err := svc.TransitionBooking(r.Context(), id, ev)
		if err != nil {
			handleBookingError(w, err)
			return
		}

		writeJSON(w, http.StatusOK, bookingResponse(booking))
	}
}

func cancelBookingHandler(svc *schedule.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := uuid.Parse(chi.URLParam(r, "id"))
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_booking_id", "id must be a valid UUID")
			return
		}

		var req CancelRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid_request_body", "could not parse JSON")
			return
		}
		if req.Actor == "" {
			writeError(w, http.StatusBadRequest, "missing_actor", "actor is required")
			return
		}

		booking, err := svc.CancelBooking(r.Context(), id, req.Actor)
		if err != nil {
			handleBookingError(w, err)
			return
		}

		writeJSON(w, http.StatusOK, bookingResponse(booking))
	}
}

func getAvailabilityHandler(svc *schedule.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		providerID, err := uuid.Parse(chi.URLParam(r, "id"))
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_provider_id", "id must be a valid UUID")
			return
		}

		windows, err := svc.GetWeeklyWindows(r.Context(), providerID)
		if err != nil {
			handleBookingError(w, err)
			return
		}

		writeJSON(w, http.StatusOK, availabilityResponse(providerID, windows))
	}
}

func putAvailabilityHandler(svc *schedule.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		providerID, err := uuid.Parse(chi.URLParam(r, "id"))
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_provider_id", "id must be a valid UUID")
			return
		}

		var payload []WindowPayload
		if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
			writeError(w, http.StatusBadRequest, "invalid_request_body", "could not parse JSON")
			return
		}

		windows := make([]schedule.WeeklyWindow, 0, len(payload))
		for _, p := range payload {
			startMin, err := schedule.ParseMinute(p.Start)
			if err != nil {
				writeError(w, http.StatusBadRequest, "invalid_window", err.Error())
				return
			}
			endMin, err := schedule.ParseMinute(p.End)
			if err != nil {
				writeError(w, http.StatusBadRequest, "invalid_window", err.Error())
				return
			}
			windows = append(windows, schedule.WeeklyWindow{
				ProviderID: providerID,
				Weekday:    time.Weekday(p.Weekday),
				StartMin:   startMin,
				EndMin:     endMin,
				Active:     p.Active,
			})
		}

		saved, err := svc.ReplaceWeeklyWindows(r.Context(), providerID, windows)
		if err != nil {
			handleBookingError(w, err)
			return
		}

		writeJSON(w, http.StatusOK, availabilityResponse(providerID, saved))
	}
}

// Helpers

func bookingInput(req CreateBookingRequest) (schedule.BookingRequest, error) {
	patientID, err := uuid.Parse(req.PatientID)
	if err != nil {
		return schedule.BookingRequest{}, errors.New("patient_id must be a valid UUID")
	}

	providerID, err := uuid.Parse(req.ProviderID)
	if err != nil {
		return schedule.BookingRequest{}, errors.New("provider_id must be a valid UUID")
	}

	start, err := time.Parse(time.RFC3339, req.Start)
	if err != nil {
		return schedule.BookingRequest{}, errors.New("start must be RFC 3339")
	}

	var bookingID uuid.UUID
	if req.BookingID != "" {
		bookingID, err = uuid.Parse(req.BookingID)
		if err != nil {
			return schedule.BookingRequest{}, errors.New("booking_id must be a valid UUID")
		}
	}

	bufferMin := -1 // the service applies the configured default
	if req.BufferMin != nil {
		bufferMin = *req.BufferMin
	}

	return schedule.BookingRequest{
		PatientID:      patientID,
		ProviderID:     providerID,
		Start:          start,
		DurationMin:    req.DurationMin,
		BufferMin:      bufferMin,
		AmountMinor:    req.AmountMinor,
		Currency:       req.Currency,
		Reason:         req.Reason,
		Notes:          req.Notes,
		IdempotencyKey: req.IdempotencyKey,
		BookingID:      bookingID,
	}, nil
}

func bookingResponse(b *schedule.Booking) BookingResponse {
	return BookingResponse{
		ID:             b.ID,
		PatientID:      b.PatientID,
		ProviderID:     b.ProviderID,
		ScheduledStart: b.ScheduledStart,
		ScheduledEnd:   b.ScheduledEnd(),
		DurationMin:    b.DurationMin,
		Status:         string(b.Status),
		PaymentStatus:  string(b.PaymentStatus),
		AmountMinor:    b.AmountMinor,
		Currency:       b.Currency,
		Reason:         b.Reason,
		Notes:          b.Notes,
	}
}

func availabilityResponse(providerID uuid.UUID, windows []schedule.WeeklyWindow) AvailabilityResponse {
	out := AvailabilityResponse{ProviderID: providerID, Windows: make([]WindowPayload, 0, len(windows))}
	for _, w := range windows {
		out.Windows = append(out.Windows, WindowPayload{
			Weekday: int(w.Weekday),
			Start:   schedule.FormatMinute(w.StartMin),
			End:     schedule.FormatMinute(w.EndMin),
			Active:  w.Active,
		})
	}
	return out
}

func queryInt(r *http.Request, key string, def int) int {
	if v := r.URL.Query().Get(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func handleSlotsError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, schedule.ErrProviderNotFound):
		writeError(w, http.StatusNotFound, "provider_not_found", err.Error())
	case errors.Is(err, schedule.ErrInvalidDate):
		writeError(w, http.StatusBadRequest, "invalid_date", err.Error())
	default:
		writeError(w, http.StatusBadGateway, "upstream_unavailable", err.Error())
	}
}

func handleBookingError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, schedule.ErrPatientNotFound):
		writeError(w, http.StatusNotFound, "patient_not_found", err.Error())
	case errors.Is(err, schedule.ErrProviderNotFound):
		writeError(w, http.StatusNotFound, "provider_not_found", err.Error())
	case errors.Is(err, schedule.ErrBookingNotFound):
		writeError(w, http.StatusNotFound, "booking_not_found", err.Error())
	case errors.Is(err, schedule.ErrSlotTaken):
		writeError(w, http.StatusConflict, "slot_taken", "slot already taken, refresh the slot list")
	case errors.Is(err, schedule.ErrSlotExpired):
		writeError(w, http.StatusConflict, "slot_expired", err.Error())
	case errors.Is(err, schedule.ErrSlotOutsideWindow):
		writeError(w, http.StatusConflict, "slot_outside_window", err.Error())
	case errors.Is(err, schedule.ErrProviderBusy):
		writeError(w, http.StatusConflict, "provider_busy", err.Error())
	case errors.Is(err, schedule.ErrIdempotencyConflict):
		writeError(w, http.StatusConflict, "idempotency_conflict", err.Error())
	case errors.Is(err, schedule.ErrStaleBooking):
		writeError(w, http.StatusConflict, "booking_changed", err.Error())
	case errors.Is(err, schedule.ErrInvalidTransition):
		writeError(w, http.StatusConflict, "invalid_transition", err.Error())
	case errors.Is(err, schedule.ErrInvalidWindow):
		writeError(w, http.StatusBadRequest, "invalid_window", err.Error())
	default:
		writeError(w, http.StatusBadGateway, "upstream_unavailable", err.Error())
	}
}
