package booking

import (
	"time"

	"github.com/google/uuid"
)

type Status string

const (
	StatusPending     Status = "pending"
	StatusConfirmed   Status = "confirmed"
	StatusCompleted   Status = "completed"
	StatusCancelled   Status = "cancelled"
	StatusRescheduled Status = "rescheduled"
)

// BlockingStatuses are the statuses that make a slot unavailable. At most
// one appointment in a blocking status may exist per (doctor, date, time).
var BlockingStatuses = []Status{StatusPending, StatusConfirmed}

// Blocks reports whether an appointment in this status holds its slot.
func (s Status) Blocks() bool {
	return s == StatusPending || s == StatusConfirmed
}

func ValidStatus(s Status) bool {
	switch s {
	case StatusPending, StatusConfirmed, StatusCompleted, StatusCancelled, StatusRescheduled:
		return true
	}
	return false
}

// DateLayout is the wire and cache-key format for appointment dates.
const DateLayout = "2006-01-02"

type TimeSlot struct {
	Value string
	Label string
}

// TimeSlots is the fixed enumeration of bookable times. Bookings outside
// this set are rejected at validation.
var TimeSlots = []TimeSlot{
	{"10:00", "10:00 AM"},
	{"10:30", "10:30 AM"},
	{"11:00", "11:00 AM"},
	{"11:30", "11:30 AM"},
	{"12:00", "12:00 PM"},
	{"12:30", "12:30 PM"},
	{"17:00", "5:00 PM"},
	{"17:30", "5:30 PM"},
	{"18:00", "6:00 PM"},
	{"18:30", "6:30 PM"},
	{"19:00", "7:00 PM"},
	{"19:30", "7:30 PM"},
}

func ValidTimeSlot(v string) bool {
	for _, s := range TimeSlots {
		if s.Value == v {
			return true
		}
	}
	return false
}

type Doctor struct {
	ID        uuid.UUID
	Name      string
	Specialty *string
	Email     *string
	Active    bool
	CreatedAt time.Time
	UpdatedAt time.Time
}

type ClinicService struct {
	ID        uuid.UUID
	Name      string
	Price     *float64
	Active    bool
	CreatedAt time.Time
	UpdatedAt time.Time
}

type User struct {
	ID        uuid.UUID
	Username  string
	FullName  string
	Email     string
	Active    bool
	CreatedAt time.Time
	UpdatedAt time.Time
}

type Appointment struct {
	ID        uuid.UUID // UUIDv7, time-ordered, generated before persistence
	UserID    uuid.UUID
	DoctorID  uuid.UUID
	ServiceID uuid.UUID
	Date      time.Time // date only
	TimeSlot  string

	Name    string
	Email   string
	Phone   string
	Message string

	Status            Status
	CalendarEventID   *string
	EmailSentAt       *time.Time
	CalendarCreatedAt *time.Time
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

func (a *Appointment) DateString() string {
	return a.Date.Format(DateLayout)
}

type Contact struct {
	ID         uuid.UUID
	Name       string
	Email      string
	Subject    string
	Message    string
	Resolved   bool
	ResolvedAt *time.Time
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

type SlotAvailability struct {
	Time      string
	Label     string
	Available bool
}

type UserStats struct {
	Total     int `json:"total"`
	Upcoming  int `json:"upcoming"`
	Completed int `json:"completed"`
	Cancelled int `json:"cancelled"`
}

type HomepageStats struct {
	Appointments int `json:"appointments"`
	Doctors      int `json:"doctors"`
	Patients     int `json:"patients"`
}

// ListFilter narrows the staff console appointment listing.
type ListFilter struct {
	DoctorID *uuid.UUID
	UserID   *uuid.UUID
	Status   *Status
	DateFrom *time.Time
	DateTo   *time.Time
	Limit    int
	Offset   int
}

// NewID returns a fresh UUIDv7. The canonical encoding sorts by creation
// time, which keeps externally exposed ids both unguessable and ordered.
func NewID() uuid.UUID {
	return uuid.Must(uuid.NewV7())
}
