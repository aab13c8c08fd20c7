package api

import (
	"time"

	"github.com/google/uuid"

	"github.com/oroshine/clinic-booking/internal/booking"
)

type BookAppointmentRequest struct {
	DoctorID  string `json:"doctor_id"`
	ServiceID string `json:"service_id"`
	Date      string `json:"date"`
	TimeSlot  string `json:"time_slot"`
	Name      string `json:"name"`
	Email     string `json:"email"`
	Phone     string `json:"phone,omitempty"`
	Message   string `json:"message,omitempty"`
}

type UpdateStatusRequest struct {
	Status string `json:"status"`
}

type ContactRequest struct {
	Name    string `json:"name"`
	Email   string `json:"email"`
	Subject string `json:"subject"`
	Message string `json:"message"`
}

type RegisterUserRequest struct {
	Username string `json:"username"`
	FullName string `json:"full_name"`
	Email    string `json:"email"`
}

type AppointmentResponse struct {
	ID              uuid.UUID `json:"id"`
	UserID          uuid.UUID `json:"user_id"`
	DoctorID        uuid.UUID `json:"doctor_id"`
	ServiceID       uuid.UUID `json:"service_id"`
	Date            string    `json:"date"`
	TimeSlot        string    `json:"time_slot"`
	Name            string    `json:"name"`
	Email           string    `json:"email"`
	Status          string    `json:"status"`
	CalendarEventID *string   `json:"calendar_event_id,omitempty"`
	CreatedAt       time.Time `json:"created_at"`
}

type AppointmentListResponse struct {
	Appointments []AppointmentResponse `json:"appointments"`
	Count        int                   `json:"count"`
}

type SlotResponse struct {
	Time      string `json:"time"`
	Label     string `json:"label"`
	Available bool   `json:"available"`
}

type AvailabilityResponse struct {
	DoctorID uuid.UUID      `json:"doctor_id"`
	Date     string         `json:"date"`
	Slots    []SlotResponse `json:"slots"`
}

type ContactResponse struct {
	ID        uuid.UUID  `json:"id"`
	Name      string     `json:"name"`
	Email     string     `json:"email"`
	Subject   string     `json:"subject"`
	Resolved  bool       `json:"resolved"`
	ResolvedAt *time.Time `json:"resolved_at,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
}

type UserResponse struct {
	ID       uuid.UUID `json:"id"`
	Username string    `json:"username"`
	FullName string    `json:"full_name"`
	Email    string    `json:"email"`
}

type ErrorResponse struct {
	Error   string            `json:"error"`
	Details string            `json:"details,omitempty"`
	Fields  map[string]string `json:"fields,omitempty"`
}

func toAppointmentResponse(a *booking.Appointment) AppointmentResponse {
	return AppointmentResponse{
		ID:              a.ID,
		UserID:          a.UserID,
		DoctorID:        a.DoctorID,
		ServiceID:       a.ServiceID,
		Date:            a.DateString(),
		TimeSlot:        a.TimeSlot,
		Name:            a.Name,
		Email:           a.Email,
		Status:          string(a.Status),
		CalendarEventID: a.CalendarEventID,
		CreatedAt:       a.CreatedAt,
	}
}

func toContactResponse(c *booking.Contact) ContactResponse {
	return ContactResponse{
		ID:         c.ID,
		Name:       c.Name,
		Email:      c.Email,
		Subject:    c.Subject,
		Resolved:   c.Resolved,
		ResolvedAt: c.ResolvedAt,
		CreatedAt:  c.CreatedAt,
	}
}
