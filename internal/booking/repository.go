package booking

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

var (
	ErrDoctorNotFound      = errors.New("doctor not found")
	ErrServiceNotFound     = errors.New("service not found")
	ErrUserNotFound        = errors.New("user not found")
	ErrAppointmentNotFound = errors.New("appointment not found")
	ErrContactNotFound     = errors.New("contact not found")
	ErrDuplicateUser       = errors.New("username or email already taken")
)

// Tx is the slice of repository operations that must run inside a single
// database transaction. OnCommit registers a hook that fires only after the
// transaction durably commits; a rollback discards all registered hooks.
type Tx interface {
	OnCommit(fn func())

	// HasBlockingAppointment takes row-level locks on any appointment in a
	// blocking status for the slot and reports whether one exists. This is
	// the authoritative double-booking guard.
	HasBlockingAppointment(ctx context.Context, doctorID uuid.UUID, date time.Time, timeSlot string) (bool, error)
	InsertAppointment(ctx context.Context, a *Appointment) error
	AppointmentForUpdate(ctx context.Context, id uuid.UUID) (*Appointment, error)
	UpdateAppointmentStatus(ctx context.Context, id uuid.UUID, to Status) error

	InsertContact(ctx context.Context, c *Contact) error
	ContactForUpdate(ctx context.Context, id uuid.UUID) (*Contact, error)
	MarkContactResolved(ctx context.Context, id uuid.UUID) error

	InsertUser(ctx context.Context, u *User) error
}

// Repository contains all DB interactions needed by the service.
type Repository interface {
	InTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error

	GetDoctorByID(ctx context.Context, id uuid.UUID) (*Doctor, error)
	GetClinicServiceByID(ctx context.Context, id uuid.UUID) (*ClinicService, error)
	GetUserByID(ctx context.Context, id uuid.UUID) (*User, error)
	GetAppointmentByID(ctx context.Context, id uuid.UUID) (*Appointment, error)
	GetContactByID(ctx context.Context, id uuid.UUID) (*Contact, error)

	// BookedSlots rebuilds the availability set from the source of truth.
	BookedSlots(ctx context.Context, doctorID uuid.UUID, date time.Time) ([]string, error)

	ListAppointments(ctx context.Context, f ListFilter) ([]Appointment, error)
	AppointmentsForDate(ctx context.Context, date time.Time) ([]Appointment, error)

	UserStats(ctx context.Context, userID uuid.UUID, now time.Time) (*UserStats, error)
	HomepageStats(ctx context.Context) (*HomepageStats, error)

	// Job-side writes, outside any booking transaction.
	SetCalendarEventID(ctx context.Context, id uuid.UUID, eventID string) error
	MarkEmailSent(ctx context.Context, id uuid.UUID, at time.Time) error
}
