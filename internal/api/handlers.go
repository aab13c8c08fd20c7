package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/oroshine/clinic-booking/internal/booking"
	redisclient "github.com/oroshine/clinic-booking/internal/redis"
)

// userIDHeader identifies the caller. Authentication proper is terminated
// upstream; the API trusts this header the way it would trust a session.
const userIDHeader = "X-User-ID"

func callerID(r *http.Request) (uuid.UUID, bool) {
	raw := r.Header.Get(userIDHeader)
	if raw == "" {
		return uuid.Nil, false
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		return uuid.Nil, false
	}
	return id, true
}

func bookAppointmentHandler(svc *booking.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID, ok := callerID(r)
		if !ok {
			writeError(w, http.StatusUnauthorized, "missing_user", "X-User-ID header required")
			return
		}

		var req BookAppointmentRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid_request_body", "could not parse JSON")
			return
		}

		doctorID, err := uuid.Parse(req.DoctorID)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_doctor_id", "doctor_id must be a valid UUID")
			return
		}
		serviceID, err := uuid.Parse(req.ServiceID)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_service_id", "service_id must be a valid UUID")
			return
		}

		appt, err := svc.Book(r.Context(), booking.BookRequest{
			UserID:    userID,
			DoctorID:  doctorID,
			ServiceID: serviceID,
			Date:      req.Date,
			TimeSlot:  req.TimeSlot,
			Name:      req.Name,
			Email:     req.Email,
			Phone:     req.Phone,
			Message:   req.Message,
		})
		if err != nil {
			handleBookingError(w, err)
			return
		}

		writeJSON(w, http.StatusCreated, toAppointmentResponse(appt))
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
			handleBookingError(w, err)
			return
		}

		writeJSON(w, http.StatusOK, toAppointmentResponse(appt))
	}
}

func cancelAppointmentHandler(svc *booking.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID, ok := callerID(r)
		if !ok {
			writeError(w, http.StatusUnauthorized, "missing_user", "X-User-ID header required")
			return
		}

		id, err := uuid.Parse(chi.URLParam(r, "id"))
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_appointment_id", "id must be a valid UUID")
			return
		}

		appt, err := svc.Cancel(r.Context(), id, userID)
		if err != nil {
			handleBookingError(w, err)
			return
		}

		writeJSON(w, http.StatusOK, toAppointmentResponse(appt))
	}
}

func listAppointmentsHandler(svc *booking.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		f, err := parseListFilter(r)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_filter", err.Error())
			return
		}

		appts, err := svc.ListAppointments(r.Context(), f)
		if err != nil {
			handleBookingError(w, err)
			return
		}

		resp := AppointmentListResponse{
			Appointments: make([]AppointmentResponse, 0, len(appts)),
			Count:        len(appts),
		}
		for i := range appts {
			resp.Appointments = append(resp.Appointments, toAppointmentResponse(&appts[i]))
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

		appt, err := svc.UpdateStatus(r.Context(), id, booking.Status(req.Status))
		if err != nil {
			handleBookingError(w, err)
			return
		}

		writeJSON(w, http.StatusOK, toAppointmentResponse(appt))
	}
}

func availabilityHandler(svc *booking.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		doctorID, err := uuid.Parse(r.URL.Query().Get("doctor_id"))
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_doctor_id", "doctor_id must be a valid UUID")
			return
		}
		date := r.URL.Query().Get("date")

		slots, err := svc.Availability(r.Context(), doctorID, date)
		if err != nil {
			handleBookingError(w, err)
			return
		}

		resp := AvailabilityResponse{
			DoctorID: doctorID,
			Date:     date,
			Slots:    make([]SlotResponse, 0, len(slots)),
		}
		for _, s := range slots {
			resp.Slots = append(resp.Slots, SlotResponse(s))
		}

		writeJSON(w, http.StatusOK, resp)
	}
}

func submitContactHandler(svc *booking.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req ContactRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid_request_body", "could not parse JSON")
			return
		}

		contact, err := svc.SubmitContact(r.Context(), booking.ContactRequest(req))
		if err != nil {
			handleBookingError(w, err)
			return
		}

		writeJSON(w, http.StatusCreated, toContactResponse(contact))
	}
}

func resolveContactHandler(svc *booking.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := uuid.Parse(chi.URLParam(r, "id"))
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_contact_id", "id must be a valid UUID")
			return
		}

		contact, err := svc.ResolveContact(r.Context(), id)
		if err != nil {
			handleBookingError(w, err)
			return
		}

		writeJSON(w, http.StatusOK, toContactResponse(contact))
	}
}

func registerUserHandler(svc *booking.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req RegisterUserRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid_request_body", "could not parse JSON")
			return
		}

		user, err := svc.RegisterUser(r.Context(), booking.RegisterRequest(req))
		if err != nil {
			handleBookingError(w, err)
			return
		}

		writeJSON(w, http.StatusCreated, UserResponse{
			ID:       user.ID,
			Username: user.Username,
			FullName: user.FullName,
			Email:    user.Email,
		})
	}
}

func getUserHandler(svc *booking.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := uuid.Parse(chi.URLParam(r, "id"))
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_user_id", "id must be a valid UUID")
			return
		}

		u, err := svc.UserProfile(r.Context(), id)
		if err != nil {
			handleBookingError(w, err)
			return
		}

		writeJSON(w, http.StatusOK, UserResponse{
			ID:       u.ID,
			Username: u.Username,
			FullName: u.FullName,
			Email:    u.Email,
		})
	}
}

func userStatsHandler(svc *booking.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := uuid.Parse(chi.URLParam(r, "id"))
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_user_id", "id must be a valid UUID")
			return
		}

		stats, err := svc.UserStatsFor(r.Context(), id)
		if err != nil {
			handleBookingError(w, err)
			return
		}

		writeJSON(w, http.StatusOK, stats)
	}
}

func homeStatsHandler(svc *booking.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		stats, err := svc.HomeStats(r.Context())
		if err != nil {
			handleBookingError(w, err)
			return
		}

		writeJSON(w, http.StatusOK, stats)
	}
}

func parseListFilter(r *http.Request) (booking.ListFilter, error) {
	q := r.URL.Query()
	var f booking.ListFilter

	if raw := q.Get("doctor_id"); raw != "" {
		id, err := uuid.Parse(raw)
		if err != nil {
			return f, errors.New("doctor_id must be a valid UUID")
		}
		f.DoctorID = &id
	}
	if raw := q.Get("user_id"); raw != "" {
		id, err := uuid.Parse(raw)
		if err != nil {
			return f, errors.New("user_id must be a valid UUID")
		}
		f.UserID = &id
	}
	if raw := q.Get("status"); raw != "" {
		st := booking.Status(raw)
		if !booking.ValidStatus(st) {
			return f, errors.New("unknown status")
		}
		f.Status = &st
	}
	if raw := q.Get("from"); raw != "" {
		t, err := time.Parse(booking.DateLayout, raw)
		if err != nil {
			return f, errors.New("from must be YYYY-MM-DD")
		}
		f.DateFrom = &t
	}
	if raw := q.Get("to"); raw != "" {
		t, err := time.Parse(booking.DateLayout, raw)
		if err != nil {
			return f, errors.New("to must be YYYY-MM-DD")
		}
		f.DateTo = &t
	}
	if raw := q.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			return f, errors.New("limit must be a non-negative integer")
		}
		f.Limit = n
	}
	if raw := q.Get("offset"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			return f, errors.New("offset must be a non-negative integer")
		}
		f.Offset = n
	}

	return f, nil
}

func handleBookingError(w http.ResponseWriter, err error) {
	var ve *booking.ValidationError
	if errors.As(err, &ve) {
		writeFieldErrors(w, ve.Fields)
		return
	}

	switch {
	case errors.Is(err, booking.ErrDoctorNotFound):
		writeError(w, http.StatusNotFound, "doctor_not_found", err.Error())
	case errors.Is(err, booking.ErrServiceNotFound):
		writeError(w, http.StatusNotFound, "service_not_found", err.Error())
	case errors.Is(err, booking.ErrUserNotFound):
		writeError(w, http.StatusNotFound, "user_not_found", err.Error())
	case errors.Is(err, booking.ErrAppointmentNotFound):
		writeError(w, http.StatusNotFound, "appointment_not_found", err.Error())
	case errors.Is(err, booking.ErrContactNotFound):
		writeError(w, http.StatusNotFound, "contact_not_found", err.Error())
	case errors.Is(err, booking.ErrDoctorInactive):
		writeError(w, http.StatusConflict, "doctor_inactive", err.Error())
	case errors.Is(err, booking.ErrServiceInactive):
		writeError(w, http.StatusConflict, "service_inactive", err.Error())
	case errors.Is(err, booking.ErrSlotAlreadyBooked):
		writeError(w, http.StatusConflict, "slot_conflict", err.Error())
	case errors.Is(err, booking.ErrSlotBeingBooked),
		errors.Is(err, redisclient.ErrLockNotAcquired):
		writeError(w, http.StatusConflict, "slot_conflict", "slot is currently being booked, please retry shortly")
	case errors.Is(err, booking.ErrDuplicateUser):
		writeError(w, http.StatusConflict, "user_exists", err.Error())
	case errors.Is(err, booking.ErrNotOwner):
		writeError(w, http.StatusForbidden, "not_owner", err.Error())
	case errors.Is(err, booking.ErrNotCancellable):
		writeError(w, http.StatusConflict, "not_cancellable", err.Error())
	default:
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error())
	}
}
