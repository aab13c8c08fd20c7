package notify

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oroshine/clinic-booking/internal/booking"
	"github.com/oroshine/clinic-booking/internal/cache"
	"github.com/oroshine/clinic-booking/internal/taskqueue"
)

// fakeRepo backs the dispatcher tests with plain maps. Only the read and
// job-side write paths are real; the transactional surface is unused here.
type fakeRepo struct {
	doctors      map[uuid.UUID]*booking.Doctor
	services     map[uuid.UUID]*booking.ClinicService
	users        map[uuid.UUID]*booking.User
	appointments map[uuid.UUID]*booking.Appointment
	contacts     map[uuid.UUID]*booking.Contact
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{
		doctors:      make(map[uuid.UUID]*booking.Doctor),
		services:     make(map[uuid.UUID]*booking.ClinicService),
		users:        make(map[uuid.UUID]*booking.User),
		appointments: make(map[uuid.UUID]*booking.Appointment),
		contacts:     make(map[uuid.UUID]*booking.Contact),
	}
}

func (r *fakeRepo) InTx(ctx context.Context, fn func(ctx context.Context, tx booking.Tx) error) error {
	return errors.New("not used by dispatcher")
}

func (r *fakeRepo) GetDoctorByID(ctx context.Context, id uuid.UUID) (*booking.Doctor, error) {
	d, ok := r.doctors[id]
	if !ok {
		return nil, booking.ErrDoctorNotFound
	}
	return d, nil
}

func (r *fakeRepo) GetClinicServiceByID(ctx context.Context, id uuid.UUID) (*booking.ClinicService, error) {
	s, ok := r.services[id]
	if !ok {
		return nil, booking.ErrServiceNotFound
	}
	return s, nil
}

func (r *fakeRepo) GetUserByID(ctx context.Context, id uuid.UUID) (*booking.User, error) {
	u, ok := r.users[id]
	if !ok {
		return nil, booking.ErrUserNotFound
	}
	return u, nil
}

func (r *fakeRepo) GetAppointmentByID(ctx context.Context, id uuid.UUID) (*booking.Appointment, error) {
	a, ok := r.appointments[id]
	if !ok {
		return nil, booking.ErrAppointmentNotFound
	}
	cp := *a
	return &cp, nil
}

func (r *fakeRepo) GetContactByID(ctx context.Context, id uuid.UUID) (*booking.Contact, error) {
	c, ok := r.contacts[id]
	if !ok {
		return nil, booking.ErrContactNotFound
	}
	return c, nil
}

func (r *fakeRepo) BookedSlots(ctx context.Context, doctorID uuid.UUID, date time.Time) ([]string, error) {
	return nil, nil
}

func (r *fakeRepo) ListAppointments(ctx context.Context, f booking.ListFilter) ([]booking.Appointment, error) {
	return nil, nil
}

func (r *fakeRepo) AppointmentsForDate(ctx context.Context, date time.Time) ([]booking.Appointment, error) {
	var out []booking.Appointment
	for _, a := range r.appointments {
		if a.Date.Equal(date) && (a.Status == booking.StatusPending || a.Status == booking.StatusConfirmed) {
			out = append(out, *a)
		}
	}
	return out, nil
}

func (r *fakeRepo) UserStats(ctx context.Context, userID uuid.UUID, now time.Time) (*booking.UserStats, error) {
	return &booking.UserStats{}, nil
}

func (r *fakeRepo) HomepageStats(ctx context.Context) (*booking.HomepageStats, error) {
	return &booking.HomepageStats{}, nil
}

func (r *fakeRepo) SetCalendarEventID(ctx context.Context, id uuid.UUID, eventID string) error {
	a, ok := r.appointments[id]
	if !ok {
		return booking.ErrAppointmentNotFound
	}
	a.CalendarEventID = &eventID
	return nil
}

func (r *fakeRepo) MarkEmailSent(ctx context.Context, id uuid.UUID, at time.Time) error {
	a, ok := r.appointments[id]
	if !ok {
		return booking.ErrAppointmentNotFound
	}
	a.EmailSentAt = &at
	return nil
}

type fakeSender struct {
	sent []Message
	err  error
}

func (s *fakeSender) Send(m Message) error {
	if s.err != nil {
		return s.err
	}
	s.sent = append(s.sent, m)
	return nil
}

type fakeCalendar struct {
	events []CalendarEvent
	err    error
}

func (c *fakeCalendar) InsertEvent(ctx context.Context, ev CalendarEvent) (string, error) {
	if c.err != nil {
		return "", c.err
	}
	c.events = append(c.events, ev)
	return "evt-" + uuid.NewString(), nil
}

type jobsEnv struct {
	d        *Dispatcher
	repo     *fakeRepo
	sender   *fakeSender
	calendar *fakeCalendar
	queue    *taskqueue.Queue
}

func newJobsEnv(t *testing.T) *jobsEnv {
	t.Helper()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	repo := newFakeRepo()
	sender := &fakeSender{}
	cal := &fakeCalendar{}
	queue := taskqueue.New(client, zerolog.Nop())
	store := cache.New(client, cache.TTLs{Marker: 24 * time.Hour})

	d := NewDispatcher(repo, store, sender, cal, queue, Options{
		AdminEmail:    "admin@clinic.example",
		ClinicName:    "OroShine Dental Care",
		ClinicAddress: "12 Clinic Road",
		Location:      time.UTC,
	}, zerolog.Nop())

	return &jobsEnv{d: d, repo: repo, sender: sender, calendar: cal, queue: queue}
}

func (e *jobsEnv) seedAppointment(status booking.Status) *booking.Appointment {
	doctorEmail := "doctor@clinic.example"
	doctor := &booking.Doctor{ID: booking.NewID(), Name: "Dr. Rao", Email: &doctorEmail, Active: true}
	svc := &booking.ClinicService{ID: booking.NewID(), Name: "Dental Checkup", Active: true}

	appt := &booking.Appointment{
		ID:        booking.NewID(),
		UserID:    booking.NewID(),
		DoctorID:  doctor.ID,
		ServiceID: svc.ID,
		Date:      time.Date(2026, 9, 10, 0, 0, 0, 0, time.UTC),
		TimeSlot:  "10:00",
		Name:      "Asha Patil",
		Email:     "asha@example.com",
		Status:    status,
	}

	e.repo.doctors[doctor.ID] = doctor
	e.repo.services[svc.ID] = svc
	e.repo.appointments[appt.ID] = appt
	return appt
}

func task(name string, args ...string) taskqueue.Task {
	return taskqueue.Task{ID: uuid.NewString(), Name: name, Args: args, Lane: taskqueue.LaneEmail}
}

func TestAppointmentEmailIsIdempotent(t *testing.T) {
	env := newJobsEnv(t)
	ctx := context.Background()
	appt := env.seedAppointment(booking.StatusPending)

	res, err := env.d.HandleAppointmentEmail(ctx, task(TaskAppointmentEmail, appt.ID.String()))
	require.NoError(t, err)
	assert.Equal(t, taskqueue.ResultSent, res)

	require.Len(t, env.sender.sent, 1)
	msg := env.sender.sent[0]
	assert.Contains(t, msg.To, "asha@example.com")
	assert.Contains(t, msg.To, "admin@clinic.example")
	assert.Contains(t, msg.To, "doctor@clinic.example")
	require.NotNil(t, msg.Attachment)
	assert.Equal(t, "appointment.ics", msg.Attachment.Filename)
	assert.Contains(t, string(msg.Attachment.Content), "BEGIN:VCALENDAR")

	stored, err := env.repo.GetAppointmentByID(ctx, appt.ID)
	require.NoError(t, err)
	assert.NotNil(t, stored.EmailSentAt)

	// Redelivery of the same task sends nothing.
	res, err = env.d.HandleAppointmentEmail(ctx, task(TaskAppointmentEmail, appt.ID.String()))
	require.NoError(t, err)
	assert.Equal(t, taskqueue.ResultSkipped, res)
	assert.Len(t, env.sender.sent, 1)
}

func TestAppointmentEmailMissingAppointment(t *testing.T) {
	env := newJobsEnv(t)

	res, err := env.d.HandleAppointmentEmail(context.Background(), task(TaskAppointmentEmail, uuid.NewString()))
	require.NoError(t, err)
	assert.Equal(t, taskqueue.ResultNotFound, res)
	assert.Empty(t, env.sender.sent)
}

func TestAppointmentEmailDeliveryFailurePropagates(t *testing.T) {
	env := newJobsEnv(t)
	appt := env.seedAppointment(booking.StatusPending)
	env.sender.err = errors.New("smtp unavailable")

	_, err := env.d.HandleAppointmentEmail(context.Background(), task(TaskAppointmentEmail, appt.ID.String()))
	require.Error(t, err)

	// No marker on failure, so the retry can send.
	env.sender.err = nil
	res, err := env.d.HandleAppointmentEmail(context.Background(), task(TaskAppointmentEmail, appt.ID.String()))
	require.NoError(t, err)
	assert.Equal(t, taskqueue.ResultSent, res)
}

func TestMalformedTaskIsDropped(t *testing.T) {
	env := newJobsEnv(t)

	res, err := env.d.HandleAppointmentEmail(context.Background(), task(TaskAppointmentEmail, "not-a-uuid"))
	require.NoError(t, err)
	assert.Equal(t, taskqueue.ResultSkipped, res)

	res, err = env.d.HandleAppointmentEmail(context.Background(), task(TaskAppointmentEmail))
	require.NoError(t, err)
	assert.Equal(t, taskqueue.ResultSkipped, res)
}

func TestCalendarEventCreatedOnce(t *testing.T) {
	env := newJobsEnv(t)
	ctx := context.Background()
	appt := env.seedAppointment(booking.StatusPending)

	res, err := env.d.HandleCalendarEvent(ctx, task(TaskCalendarEvent, appt.ID.String()))
	require.NoError(t, err)
	assert.Equal(t, ResultCreated, res)
	require.Len(t, env.calendar.events, 1)
	assert.Contains(t, env.calendar.events[0].Summary, "Dental Checkup")

	stored, err := env.repo.GetAppointmentByID(ctx, appt.ID)
	require.NoError(t, err)
	require.NotNil(t, stored.CalendarEventID)

	// The stored event id short-circuits redelivery.
	res, err = env.d.HandleCalendarEvent(ctx, task(TaskCalendarEvent, appt.ID.String()))
	require.NoError(t, err)
	assert.Equal(t, ResultAlreadyExists, res)
	assert.Len(t, env.calendar.events, 1)
}

func TestCalendarEventSkipsNonBlockingStatus(t *testing.T) {
	env := newJobsEnv(t)
	appt := env.seedAppointment(booking.StatusCancelled)

	res, err := env.d.HandleCalendarEvent(context.Background(), task(TaskCalendarEvent, appt.ID.String()))
	require.NoError(t, err)
	assert.Equal(t, taskqueue.ResultSkipped, res)
	assert.Empty(t, env.calendar.events)
}

func TestCalendarEventSkipsDoctorWithoutEmail(t *testing.T) {
	env := newJobsEnv(t)
	appt := env.seedAppointment(booking.StatusPending)
	env.repo.doctors[appt.DoctorID].Email = nil

	res, err := env.d.HandleCalendarEvent(context.Background(), task(TaskCalendarEvent, appt.ID.String()))
	require.NoError(t, err)
	assert.Equal(t, ResultInvalidDoctor, res)
	assert.Empty(t, env.calendar.events)
}

func TestCalendarEventAPIFailurePropagates(t *testing.T) {
	env := newJobsEnv(t)
	appt := env.seedAppointment(booking.StatusPending)
	env.calendar.err = errors.New("calendar api down")

	_, err := env.d.HandleCalendarEvent(context.Background(), task(TaskCalendarEvent, appt.ID.String()))
	require.Error(t, err)

	stored, err := env.repo.GetAppointmentByID(context.Background(), appt.ID)
	require.NoError(t, err)
	assert.Nil(t, stored.CalendarEventID)
}

func TestStatusEmail(t *testing.T) {
	env := newJobsEnv(t)
	ctx := context.Background()
	appt := env.seedAppointment(booking.StatusConfirmed)

	// Same old and new status never sends.
	res, err := env.d.HandleStatusEmail(ctx, task(TaskStatusEmail, appt.ID.String(), "confirmed", "confirmed"))
	require.NoError(t, err)
	assert.Equal(t, taskqueue.ResultSkipped, res)
	assert.Empty(t, env.sender.sent)

	res, err = env.d.HandleStatusEmail(ctx, task(TaskStatusEmail, appt.ID.String(), "pending", "confirmed"))
	require.NoError(t, err)
	assert.Equal(t, taskqueue.ResultSent, res)
	require.Len(t, env.sender.sent, 1)
	assert.Equal(t, []string{"asha@example.com"}, env.sender.sent[0].To)
}

func TestCancelEmailIsIdempotent(t *testing.T) {
	env := newJobsEnv(t)
	ctx := context.Background()
	appt := env.seedAppointment(booking.StatusCancelled)

	res, err := env.d.HandleCancelEmail(ctx, task(TaskCancelEmail, appt.ID.String()))
	require.NoError(t, err)
	assert.Equal(t, taskqueue.ResultSent, res)

	res, err = env.d.HandleCancelEmail(ctx, task(TaskCancelEmail, appt.ID.String()))
	require.NoError(t, err)
	assert.Equal(t, taskqueue.ResultSkipped, res)
	assert.Len(t, env.sender.sent, 1)
}

func TestReminderEmailSkipsInactiveStatuses(t *testing.T) {
	env := newJobsEnv(t)
	ctx := context.Background()

	appt := env.seedAppointment(booking.StatusConfirmed)
	res, err := env.d.HandleReminderEmail(ctx, task(TaskReminderEmail, appt.ID.String()))
	require.NoError(t, err)
	assert.Equal(t, taskqueue.ResultSent, res)

	// Per-day marker blocks a second reminder for the same visit.
	res, err = env.d.HandleReminderEmail(ctx, task(TaskReminderEmail, appt.ID.String()))
	require.NoError(t, err)
	assert.Equal(t, taskqueue.ResultSkipped, res)

	cancelled := env.seedAppointment(booking.StatusCancelled)
	res, err = env.d.HandleReminderEmail(ctx, task(TaskReminderEmail, cancelled.ID.String()))
	require.NoError(t, err)
	assert.Equal(t, taskqueue.ResultSkipped, res)

	assert.Len(t, env.sender.sent, 1)
}

func TestContactEmails(t *testing.T) {
	env := newJobsEnv(t)
	ctx := context.Background()

	contact := &booking.Contact{
		ID:      booking.NewID(),
		Name:    "Ravi",
		Email:   "ravi@example.com",
		Subject: "Billing question",
		Message: "I was charged twice.",
	}
	env.repo.contacts[contact.ID] = contact

	res, err := env.d.HandleContactEmail(ctx, task(TaskContactEmail, contact.ID.String()))
	require.NoError(t, err)
	assert.Equal(t, taskqueue.ResultSent, res)
	require.Len(t, env.sender.sent, 1)
	assert.Contains(t, env.sender.sent[0].To, "ravi@example.com")
	assert.Contains(t, env.sender.sent[0].To, "admin@clinic.example")

	res, err = env.d.HandleResolutionEmail(ctx, task(TaskResolutionEmail, contact.ID.String()))
	require.NoError(t, err)
	assert.Equal(t, taskqueue.ResultSent, res)
	require.Len(t, env.sender.sent, 2)
	assert.Equal(t, []string{"ravi@example.com"}, env.sender.sent[1].To)

	// Both are marker-guarded.
	res, err = env.d.HandleContactEmail(ctx, task(TaskContactEmail, contact.ID.String()))
	require.NoError(t, err)
	assert.Equal(t, taskqueue.ResultSkipped, res)
	res, err = env.d.HandleResolutionEmail(ctx, task(TaskResolutionEmail, contact.ID.String()))
	require.NoError(t, err)
	assert.Equal(t, taskqueue.ResultSkipped, res)
	assert.Len(t, env.sender.sent, 2)
}

func TestWelcomeEmail(t *testing.T) {
	env := newJobsEnv(t)
	ctx := context.Background()

	user := &booking.User{ID: booking.NewID(), Username: "asha", FullName: "Asha Patil", Email: "asha@example.com"}
	env.repo.users[user.ID] = user

	res, err := env.d.HandleWelcomeEmail(ctx, task(TaskWelcomeEmail, user.ID.String()))
	require.NoError(t, err)
	assert.Equal(t, taskqueue.ResultSent, res)
	require.Len(t, env.sender.sent, 1)
	assert.Equal(t, []string{"asha@example.com"}, env.sender.sent[0].To)

	res, err = env.d.HandleWelcomeEmail(ctx, task(TaskWelcomeEmail, user.ID.String()))
	require.NoError(t, err)
	assert.Equal(t, taskqueue.ResultSkipped, res)
}

func TestSubscribeToEnqueuesPerEvent(t *testing.T) {
	env := newJobsEnv(t)
	ctx := context.Background()

	bus := booking.NewEventBus()
	env.d.SubscribeTo(bus)

	apptID := booking.NewID()
	bus.Publish(ctx, booking.AppointmentBooked{AppointmentID: apptID})

	emailTask, err := env.queue.Dequeue(ctx, taskqueue.LaneEmail, 100*time.Millisecond)
	require.NoError(t, err)
	require.NotNil(t, emailTask)
	assert.Equal(t, TaskAppointmentEmail, emailTask.Name)
	assert.Equal(t, []string{apptID.String()}, emailTask.Args)

	calTask, err := env.queue.Dequeue(ctx, taskqueue.LaneCalendar, 100*time.Millisecond)
	require.NoError(t, err)
	require.NotNil(t, calTask)
	assert.Equal(t, TaskCalendarEvent, calTask.Name)

	// A no-op status change enqueues nothing.
	bus.Publish(ctx, booking.AppointmentStatusChanged{
		AppointmentID: apptID,
		OldStatus:     booking.StatusPending,
		NewStatus:     booking.StatusPending,
	})
	none, err := env.queue.Dequeue(ctx, taskqueue.LaneEmail, 50*time.Millisecond)
	require.NoError(t, err)
	assert.Nil(t, none)

	bus.Publish(ctx, booking.AppointmentCancelled{AppointmentID: apptID})
	cancelTask, err := env.queue.Dequeue(ctx, taskqueue.LaneEmail, 100*time.Millisecond)
	require.NoError(t, err)
	require.NotNil(t, cancelTask)
	assert.Equal(t, TaskCancelEmail, cancelTask.Name)
}

func TestEnqueueRemindersSweepsTomorrow(t *testing.T) {
	env := newJobsEnv(t)
	ctx := context.Background()

	tomorrow := time.Now().UTC().AddDate(0, 0, 1)
	tomorrow = time.Date(tomorrow.Year(), tomorrow.Month(), tomorrow.Day(), 0, 0, 0, 0, time.UTC)

	first := env.seedAppointment(booking.StatusPending)
	env.repo.appointments[first.ID].Date = tomorrow
	second := env.seedAppointment(booking.StatusConfirmed)
	env.repo.appointments[second.ID].Date = tomorrow
	cancelled := env.seedAppointment(booking.StatusCancelled)
	env.repo.appointments[cancelled.ID].Date = tomorrow

	require.NoError(t, env.d.EnqueueReminders(ctx))

	ids := map[string]bool{}
	for i := 0; i < 2; i++ {
		reminder, err := env.queue.Dequeue(ctx, taskqueue.LaneEmail, 100*time.Millisecond)
		require.NoError(t, err)
		require.NotNil(t, reminder)
		assert.Equal(t, TaskReminderEmail, reminder.Name)
		ids[reminder.Args[0]] = true
	}
	assert.True(t, ids[first.ID.String()])
	assert.True(t, ids[second.ID.String()])

	// The cancelled appointment was never queued.
	none, err := env.queue.Dequeue(ctx, taskqueue.LaneEmail, 50*time.Millisecond)
	require.NoError(t, err)
	assert.Nil(t, none)
}
