package booking

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/oroshine/clinic-booking/internal/cache"
	"github.com/oroshine/clinic-booking/internal/metrics"
	redisclient "github.com/oroshine/clinic-booking/internal/redis"
)

var (
	ErrSlotAlreadyBooked = errors.New("this time slot is no longer available")
	ErrSlotBeingBooked   = errors.New("slot just booked by someone else, please select another")
	ErrDoctorInactive    = errors.New("doctor is not accepting appointments")
	ErrServiceInactive   = errors.New("service is not offered")
	ErrNotOwner          = errors.New("appointment does not belong to this user")
	ErrNotCancellable    = errors.New("only pending appointments can be cancelled")
)

// ValidationError carries per-field reasons for a rejected request. It is
// never retried and is surfaced synchronously to the caller.
type ValidationError struct {
	Fields map[string]string
}

func (e *ValidationError) Error() string {
	parts := make([]string, 0, len(e.Fields))
	for f, reason := range e.Fields {
		parts = append(parts, f+": "+reason)
	}
	return "validation failed: " + strings.Join(parts, "; ")
}

func fieldErrors(err error) *ValidationError {
	ve := &ValidationError{Fields: map[string]string{}}
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) {
		for _, fe := range verrs {
			ve.Fields[strings.ToLower(fe.Field())] = "failed " + fe.Tag() + " check"
		}
	} else {
		ve.Fields["request"] = err.Error()
	}
	return ve
}

type BookRequest struct {
	UserID    uuid.UUID `validate:"required"`
	DoctorID  uuid.UUID `validate:"required"`
	ServiceID uuid.UUID `validate:"required"`
	Date      string    `validate:"required,datetime=2006-01-02"`
	TimeSlot  string    `validate:"required"`
	Name      string    `validate:"required,max=100"`
	Email     string    `validate:"required,email"`
	Phone     string    `validate:"omitempty,min=7,max=20"`
	Message   string    `validate:"max=2000"`
}

type ContactRequest struct {
	Name    string `validate:"required,max=100"`
	Email   string `validate:"required,email"`
	Subject string `validate:"required,max=200"`
	Message string `validate:"required,max=4000"`
}

type RegisterRequest struct {
	Username string `validate:"required,min=3,max=40"`
	FullName string `validate:"required,max=100"`
	Email    string `validate:"required,email"`
}

type Service struct {
	repo     Repository
	locker   redisclient.Locker
	cache    *cache.Cache
	bus      *EventBus
	validate *validator.Validate
	log      zerolog.Logger
	now      func() time.Time
}

func NewService(repo Repository, locker redisclient.Locker, c *cache.Cache, bus *EventBus, log zerolog.Logger) *Service {
	return &Service{
		repo:     repo,
		locker:   locker,
		cache:    c,
		bus:      bus,
		validate: validator.New(),
		log:      log,
		now:      time.Now,
	}
}

// Book reserves a slot for a user. Double-booking prevention is defense in
// depth: a fast-fail distributed lock, then a row-level lock inside the
// transaction as the authoritative guard, with a partial unique index as
// the final backstop. Notification jobs are enqueued only after the
// transaction durably commits.
func (s *Service) Book(ctx context.Context, req BookRequest) (*Appointment, error) {
	date, err := s.validateBooking(ctx, req)
	if err != nil {
		metrics.BookingAttempts.WithLabelValues("invalid").Inc()
		return nil, err
	}

	token, err := s.locker.Acquire(ctx, req.DoctorID, req.Date, req.TimeSlot)
	if err != nil {
		if errors.Is(err, redisclient.ErrLockNotAcquired) {
			metrics.BookingAttempts.WithLabelValues("conflict").Inc()
			return nil, ErrSlotBeingBooked
		}
		metrics.BookingAttempts.WithLabelValues("error").Inc()
		return nil, err
	}
	defer func() {
		// Token-checked release on every exit path; TTL covers a crash.
		_ = s.locker.Release(ctx, req.DoctorID, req.Date, req.TimeSlot, token)
	}()

	var created *Appointment

	err = s.repo.InTx(ctx, func(txCtx context.Context, tx Tx) error {
		exists, err := tx.HasBlockingAppointment(txCtx, req.DoctorID, date, req.TimeSlot)
		if err != nil {
			return fmt.Errorf("check slot conflict: %w", err)
		}
		if exists {
			return ErrSlotAlreadyBooked
		}

		appt := &Appointment{
			ID:        NewID(),
			UserID:    req.UserID,
			DoctorID:  req.DoctorID,
			ServiceID: req.ServiceID,
			Date:      date,
			TimeSlot:  req.TimeSlot,
			Name:      req.Name,
			Email:     req.Email,
			Phone:     req.Phone,
			Message:   req.Message,
			Status:    StatusPending,
		}

		if err := tx.InsertAppointment(txCtx, appt); err != nil {
			return err
		}

		s.invalidate(txCtx, req.DoctorID, req.Date, req.UserID)

		apptID := appt.ID
		tx.OnCommit(func() {
			s.bus.Publish(ctx, AppointmentBooked{AppointmentID: apptID})
		})

		created = appt
		return nil
	})

	if err != nil {
		if errors.Is(err, ErrSlotAlreadyBooked) {
			metrics.BookingAttempts.WithLabelValues("conflict").Inc()
		} else {
			metrics.BookingAttempts.WithLabelValues("error").Inc()
		}
		return nil, err
	}

	metrics.BookingAttempts.WithLabelValues("success").Inc()
	metrics.ActiveAppointments.Inc()
	s.log.Info().
		Str("appointment_id", created.ID.String()).
		Str("doctor_id", req.DoctorID.String()).
		Str("date", req.Date).
		Str("time", req.TimeSlot).
		Msg("appointment booked")

	return created, nil
}

func (s *Service) validateBooking(ctx context.Context, req BookRequest) (time.Time, error) {
	if err := s.validate.Struct(req); err != nil {
		return time.Time{}, fieldErrors(err)
	}

	ve := &ValidationError{Fields: map[string]string{}}

	if !ValidTimeSlot(req.TimeSlot) {
		ve.Fields["time"] = "not an offered time slot"
	}

	date, err := time.Parse(DateLayout, req.Date)
	if err != nil {
		ve.Fields["date"] = "must be YYYY-MM-DD"
	} else {
		today := s.now().Truncate(24 * time.Hour)
		if !date.After(today) {
			ve.Fields["date"] = "must be in the future"
		}
	}

	if len(ve.Fields) > 0 {
		return time.Time{}, ve
	}

	doctor, err := s.repo.GetDoctorByID(ctx, req.DoctorID)
	if err != nil {
		return time.Time{}, err
	}
	if !doctor.Active {
		return time.Time{}, ErrDoctorInactive
	}

	svc, err := s.repo.GetClinicServiceByID(ctx, req.ServiceID)
	if err != nil {
		return time.Time{}, err
	}
	if !svc.Active {
		return time.Time{}, ErrServiceInactive
	}

	if _, err := s.repo.GetUserByID(ctx, req.UserID); err != nil {
		return time.Time{}, err
	}

	return date, nil
}

// Cancel lets the owner cancel a pending appointment. Confirmed and
// completed appointments can only be changed by staff.
func (s *Service) Cancel(ctx context.Context, id, userID uuid.UUID) (*Appointment, error) {
	var cancelled *Appointment

	err := s.repo.InTx(ctx, func(txCtx context.Context, tx Tx) error {
		appt, err := tx.AppointmentForUpdate(txCtx, id)
		if err != nil {
			return err
		}
		if appt.UserID != userID {
			return ErrNotOwner
		}
		if appt.Status != StatusPending {
			return ErrNotCancellable
		}

		if err := tx.UpdateAppointmentStatus(txCtx, id, StatusCancelled); err != nil {
			return err
		}
		appt.Status = StatusCancelled

		s.invalidate(txCtx, appt.DoctorID, appt.DateString(), appt.UserID)

		tx.OnCommit(func() {
			s.bus.Publish(ctx, AppointmentCancelled{AppointmentID: id})
		})

		cancelled = appt
		return nil
	})
	if err != nil {
		return nil, err
	}

	metrics.ActiveAppointments.Dec()
	s.log.Info().Str("appointment_id", id.String()).Msg("appointment cancelled")
	return cancelled, nil
}

// UpdateStatus is the staff transition. A transition to the current status
// is a no-op and publishes nothing, so no status-change email can be sent
// for it.
func (s *Service) UpdateStatus(ctx context.Context, id uuid.UUID, to Status) (*Appointment, error) {
	if !ValidStatus(to) {
		return nil, &ValidationError{Fields: map[string]string{"status": "unknown status"}}
	}

	var (
		updated *Appointment
		from    Status
	)

	err := s.repo.InTx(ctx, func(txCtx context.Context, tx Tx) error {
		appt, err := tx.AppointmentForUpdate(txCtx, id)
		if err != nil {
			return err
		}

		old := appt.Status
		from = old
		if old == to {
			updated = appt
			return nil
		}

		if err := tx.UpdateAppointmentStatus(txCtx, id, to); err != nil {
			return err
		}
		appt.Status = to

		s.invalidate(txCtx, appt.DoctorID, appt.DateString(), appt.UserID)

		tx.OnCommit(func() {
			s.bus.Publish(ctx, AppointmentStatusChanged{
				AppointmentID: id,
				OldStatus:     old,
				NewStatus:     to,
			})
		})

		updated = appt
		return nil
	})
	if err != nil {
		return nil, err
	}

	if from.Blocks() && !updated.Status.Blocks() {
		metrics.ActiveAppointments.Dec()
	} else if !from.Blocks() && updated.Status.Blocks() {
		metrics.ActiveAppointments.Inc()
	}

	return updated, nil
}

// Availability returns the full slot enumeration for a doctor and date,
// each annotated with whether it is still free. Booked slots are served
// read-through from the cache.
func (s *Service) Availability(ctx context.Context, doctorID uuid.UUID, dateStr string) ([]SlotAvailability, error) {
	date, err := time.Parse(DateLayout, dateStr)
	if err != nil {
		return nil, &ValidationError{Fields: map[string]string{"date": "must be YYYY-MM-DD"}}
	}

	booked, hit, err := s.cache.GetBookedSlots(ctx, doctorID, dateStr)
	if err != nil {
		s.log.Warn().Err(err).Msg("slot cache read failed, falling back to database")
		hit = false
	}

	if hit {
		metrics.CacheOps.WithLabelValues("slots", "hit").Inc()
	} else {
		metrics.CacheOps.WithLabelValues("slots", "miss").Inc()
		booked, err = s.repo.BookedSlots(ctx, doctorID, date)
		if err != nil {
			return nil, err
		}
		if booked == nil {
			booked = []string{}
		}
		if err := s.cache.SetBookedSlots(ctx, doctorID, dateStr, booked); err != nil {
			s.log.Warn().Err(err).Msg("slot cache write failed")
		}
	}

	bookedSet := make(map[string]struct{}, len(booked))
	for _, b := range booked {
		bookedSet[b] = struct{}{}
	}

	result := make([]SlotAvailability, 0, len(TimeSlots))
	for _, slot := range TimeSlots {
		_, taken := bookedSet[slot.Value]
		result = append(result, SlotAvailability{
			Time:      slot.Value,
			Label:     slot.Label,
			Available: !taken,
		})
	}

	return result, nil
}

func (s *Service) GetAppointment(ctx context.Context, id uuid.UUID) (*Appointment, error) {
	return s.repo.GetAppointmentByID(ctx, id)
}

func (s *Service) ListAppointments(ctx context.Context, f ListFilter) ([]Appointment, error) {
	if f.Limit <= 0 {
		f.Limit = 20
	}
	if f.Limit > 100 {
		f.Limit = 100
	}
	if f.Offset < 0 {
		f.Offset = 0
	}
	return s.repo.ListAppointments(ctx, f)
}

// SubmitContact stores a contact inquiry and queues the acknowledgement
// email after commit.
func (s *Service) SubmitContact(ctx context.Context, req ContactRequest) (*Contact, error) {
	if err := s.validate.Struct(req); err != nil {
		return nil, fieldErrors(err)
	}

	c := &Contact{
		ID:      NewID(),
		Name:    req.Name,
		Email:   req.Email,
		Subject: req.Subject,
		Message: req.Message,
	}

	err := s.repo.InTx(ctx, func(txCtx context.Context, tx Tx) error {
		if err := tx.InsertContact(txCtx, c); err != nil {
			return err
		}
		tx.OnCommit(func() {
			s.bus.Publish(ctx, ContactReceived{ContactID: c.ID})
		})
		return nil
	})
	if err != nil {
		return nil, err
	}

	return c, nil
}

// ResolveContact marks an inquiry handled. Resolving an already resolved
// contact is a no-op and publishes nothing.
func (s *Service) ResolveContact(ctx context.Context, id uuid.UUID) (*Contact, error) {
	var resolved *Contact

	err := s.repo.InTx(ctx, func(txCtx context.Context, tx Tx) error {
		c, err := tx.ContactForUpdate(txCtx, id)
		if err != nil {
			return err
		}
		if c.Resolved {
			resolved = c
			return nil
		}

		if err := tx.MarkContactResolved(txCtx, id); err != nil {
			return err
		}
		c.Resolved = true

		tx.OnCommit(func() {
			s.bus.Publish(ctx, ContactResolved{ContactID: id})
		})

		resolved = c
		return nil
	})
	if err != nil {
		return nil, err
	}

	return resolved, nil
}

// RegisterUser creates a patient account and queues the welcome email
// after commit.
func (s *Service) RegisterUser(ctx context.Context, req RegisterRequest) (*User, error) {
	if err := s.validate.Struct(req); err != nil {
		return nil, fieldErrors(err)
	}

	u := &User{
		ID:       NewID(),
		Username: req.Username,
		FullName: req.FullName,
		Email:    req.Email,
		Active:   true,
	}

	err := s.repo.InTx(ctx, func(txCtx context.Context, tx Tx) error {
		if err := tx.InsertUser(txCtx, u); err != nil {
			return err
		}
		tx.OnCommit(func() {
			s.bus.Publish(ctx, UserRegistered{UserID: u.ID})
		})
		return nil
	})
	if err != nil {
		return nil, err
	}

	return u, nil
}

// UserProfile serves a user's profile read-through. The entry is dropped
// with the rest of the derived keys whenever one of their appointments
// mutates.
func (s *Service) UserProfile(ctx context.Context, userID uuid.UUID) (*User, error) {
	key := s.cache.UserProfileKey(userID)

	var u User
	hit, err := s.cache.GetJSON(ctx, key, &u)
	if err != nil {
		s.log.Warn().Err(err).Msg("profile cache read failed")
	}
	if hit {
		metrics.CacheOps.WithLabelValues("user_profile", "hit").Inc()
		return &u, nil
	}
	metrics.CacheOps.WithLabelValues("user_profile", "miss").Inc()

	fresh, err := s.repo.GetUserByID(ctx, userID)
	if err != nil {
		return nil, err
	}
	if err := s.cache.SetJSON(ctx, key, fresh, s.cache.ProfileTTL()); err != nil {
		s.log.Warn().Err(err).Msg("profile cache write failed")
	}
	return fresh, nil
}

// UserStatsFor serves a user's appointment stats read-through.
func (s *Service) UserStatsFor(ctx context.Context, userID uuid.UUID) (*UserStats, error) {
	key := s.cache.UserStatsKey(userID)

	var stats UserStats
	hit, err := s.cache.GetJSON(ctx, key, &stats)
	if err != nil {
		s.log.Warn().Err(err).Msg("stats cache read failed")
	}
	if hit {
		metrics.CacheOps.WithLabelValues("user_stats", "hit").Inc()
		return &stats, nil
	}
	metrics.CacheOps.WithLabelValues("user_stats", "miss").Inc()

	fresh, err := s.repo.UserStats(ctx, userID, s.now())
	if err != nil {
		return nil, err
	}
	if err := s.cache.SetJSON(ctx, key, fresh, s.cache.StatsTTL()); err != nil {
		s.log.Warn().Err(err).Msg("stats cache write failed")
	}
	return fresh, nil
}

// HomeStats serves the homepage aggregate read-through.
func (s *Service) HomeStats(ctx context.Context) (*HomepageStats, error) {
	key := s.cache.HomepageStatsKey()

	var stats HomepageStats
	hit, err := s.cache.GetJSON(ctx, key, &stats)
	if err != nil {
		s.log.Warn().Err(err).Msg("homepage cache read failed")
	}
	if hit {
		metrics.CacheOps.WithLabelValues("homepage_stats", "hit").Inc()
		return &stats, nil
	}
	metrics.CacheOps.WithLabelValues("homepage_stats", "miss").Inc()

	fresh, err := s.repo.HomepageStats(ctx)
	if err != nil {
		return nil, err
	}
	if err := s.cache.SetJSON(ctx, key, fresh, s.cache.HomeTTL()); err != nil {
		s.log.Warn().Err(err).Msg("homepage cache write failed")
	}
	return fresh, nil
}

// invalidate drops every cache entry derived from an appointment. Failures
// are logged, not fatal: entries are rebuildable and TTL-bounded.
func (s *Service) invalidate(ctx context.Context, doctorID uuid.UUID, date string, userID uuid.UUID) {
	if err := s.cache.InvalidateAppointment(ctx, doctorID, date, userID); err != nil {
		s.log.Warn().Err(err).Msg("cache invalidation failed")
	}
}
