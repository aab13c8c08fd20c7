package notify

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/oroshine/clinic-booking/internal/booking"
	"github.com/oroshine/clinic-booking/internal/cache"
	"github.com/oroshine/clinic-booking/internal/taskqueue"
)

// Task names, routed to lanes at enqueue time.
const (
	TaskAppointmentEmail = "appointment.email"
	TaskCalendarEvent    = "appointment.calendar"
	TaskStatusEmail      = "appointment.status_email"
	TaskCancelEmail      = "appointment.cancel_email"
	TaskReminderEmail    = "appointment.reminder_email"
	TaskContactEmail     = "contact.email"
	TaskResolutionEmail  = "contact.resolution_email"
	TaskWelcomeEmail     = "user.welcome_email"
)

// Calendar-specific result codes beyond the generic taskqueue ones.
const (
	ResultCreated       taskqueue.Result = "created"
	ResultAlreadyExists taskqueue.Result = "already_exists"
	ResultInvalidDoctor taskqueue.Result = "invalid_doctor"
)

var errMalformedArgs = errors.New("malformed task arguments")

type Options struct {
	AdminEmail    string
	ClinicName    string
	ClinicAddress string
	Location      *time.Location
}

// Dispatcher owns the notification job handlers. Every handler follows the
// same shape: check the idempotency marker, reload authoritative state by
// id, perform the side effect, set the marker, return a result code. The
// markers are idempotent-effort, not guaranteed-once: an early-evicted
// marker admits a duplicate send and that is an accepted semantic.
type Dispatcher struct {
	repo     booking.Repository
	cache    *cache.Cache
	sender   Sender
	calendar CalendarAPI
	queue    *taskqueue.Queue
	opts     Options
	log      zerolog.Logger
}

func NewDispatcher(repo booking.Repository, c *cache.Cache, sender Sender, cal CalendarAPI, queue *taskqueue.Queue, opts Options, log zerolog.Logger) *Dispatcher {
	if opts.Location == nil {
		opts.Location = time.UTC
	}
	return &Dispatcher{
		repo:     repo,
		cache:    c,
		sender:   sender,
		calendar: cal,
		queue:    queue,
		opts:     opts,
		log:      log,
	}
}

// SubscribeTo wires business events to job enqueues. Events are published
// post-commit, so a worker can never observe a phantom row.
func (d *Dispatcher) SubscribeTo(bus *booking.EventBus) {
	bus.Subscribe(func(ctx context.Context, ev booking.Event) {
		switch e := ev.(type) {
		case booking.AppointmentBooked:
			d.enqueue(ctx, TaskAppointmentEmail, taskqueue.LaneEmail, e.AppointmentID.String())
			d.enqueue(ctx, TaskCalendarEvent, taskqueue.LaneCalendar, e.AppointmentID.String())
		case booking.AppointmentCancelled:
			d.enqueue(ctx, TaskCancelEmail, taskqueue.LaneEmail, e.AppointmentID.String())
		case booking.AppointmentStatusChanged:
			if e.OldStatus == e.NewStatus {
				return
			}
			d.enqueue(ctx, TaskStatusEmail, taskqueue.LaneEmail,
				e.AppointmentID.String(), string(e.OldStatus), string(e.NewStatus))
		case booking.ContactReceived:
			d.enqueue(ctx, TaskContactEmail, taskqueue.LaneEmail, e.ContactID.String())
		case booking.ContactResolved:
			d.enqueue(ctx, TaskResolutionEmail, taskqueue.LaneEmail, e.ContactID.String())
		case booking.UserRegistered:
			d.enqueue(ctx, TaskWelcomeEmail, taskqueue.LaneEmail, e.UserID.String())
		}
	})
}

func (d *Dispatcher) enqueue(ctx context.Context, name, lane string, args ...string) {
	if _, err := d.queue.Enqueue(ctx, name, lane, args...); err != nil {
		// Fire and forget: the booking result does not depend on the job.
		d.log.Error().Err(err).Str("task", name).Msg("failed to enqueue task")
	}
}

// RegisterHandlers attaches the job handlers to their lane workers.
func (d *Dispatcher) RegisterHandlers(email, cal *taskqueue.Worker) {
	email.Register(TaskAppointmentEmail, d.HandleAppointmentEmail)
	email.Register(TaskStatusEmail, d.HandleStatusEmail)
	email.Register(TaskCancelEmail, d.HandleCancelEmail)
	email.Register(TaskReminderEmail, d.HandleReminderEmail)
	email.Register(TaskContactEmail, d.HandleContactEmail)
	email.Register(TaskResolutionEmail, d.HandleResolutionEmail)
	email.Register(TaskWelcomeEmail, d.HandleWelcomeEmail)
	cal.Register(TaskCalendarEvent, d.HandleCalendarEvent)
}

func taskUUID(t taskqueue.Task, idx int) (uuid.UUID, error) {
	if len(t.Args) <= idx {
		return uuid.Nil, errMalformedArgs
	}
	id, err := uuid.Parse(t.Args[idx])
	if err != nil {
		return uuid.Nil, fmt.Errorf("%w: %v", errMalformedArgs, err)
	}
	return id, nil
}

// HandleAppointmentEmail sends the booking confirmation to the patient,
// the clinic inbox, and the doctor, with an ICS invite attached.
func (d *Dispatcher) HandleAppointmentEmail(ctx context.Context, t taskqueue.Task) (taskqueue.Result, error) {
	id, err := taskUUID(t, 0)
	if err != nil {
		d.log.Error().Err(err).Str("task", t.Name).Msg("dropping malformed task")
		return taskqueue.ResultSkipped, nil
	}

	marker := fmt.Sprintf("appointment_email_sent:%s", id)
	if seen, err := d.cache.Seen(ctx, marker); err == nil && seen {
		return taskqueue.ResultSkipped, nil
	}

	appt, err := d.repo.GetAppointmentByID(ctx, id)
	if errors.Is(err, booking.ErrAppointmentNotFound) {
		return taskqueue.ResultNotFound, nil
	}
	if err != nil {
		return "", err
	}

	doctor, err := d.repo.GetDoctorByID(ctx, appt.DoctorID)
	if err != nil {
		return "", err
	}
	svc, err := d.repo.GetClinicServiceByID(ctx, appt.ServiceID)
	if err != nil {
		return "", err
	}

	start, end, err := slotTimes(appt.Date, appt.TimeSlot, d.opts.Location)
	if err != nil {
		return "", err
	}

	recipients := []string{appt.Email, d.opts.AdminEmail}
	if doctor.Email != nil {
		recipients = append(recipients, *doctor.Email)
	}

	ics := buildICS(
		appt.ID.String()+"@oroshine",
		fmt.Sprintf("Dental Appointment - %s | %s", svc.Name, appt.Name),
		fmt.Sprintf("Patient: %s\nPatient Email: %s\n\n%s", appt.Name, appt.Email, appt.Message),
		d.opts.ClinicAddress,
		start, end,
	)

	err = d.sender.Send(Message{
		To:       recipients,
		Subject:  fmt.Sprintf("Appointment booked - %s at %s", appt.DateString(), appt.TimeSlot),
		Template: "appointment_confirmation.html",
		Context: map[string]any{
			"Name":          appt.Name,
			"Doctor":        doctor.Name,
			"Service":       svc.Name,
			"Date":          appt.DateString(),
			"Time":          appt.TimeSlot,
			"ClinicName":    d.opts.ClinicName,
			"ClinicAddress": d.opts.ClinicAddress,
		},
		Attachment: &Attachment{
			Filename: "appointment.ics",
			MIMEType: "text/calendar",
			Content:  ics,
		},
	})
	if err != nil {
		return "", err
	}

	if err := d.repo.MarkEmailSent(ctx, id, time.Now()); err != nil && !errors.Is(err, booking.ErrAppointmentNotFound) {
		d.log.Warn().Err(err).Str("appointment_id", id.String()).Msg("failed to record email timestamp")
	}
	d.mark(ctx, marker)

	return taskqueue.ResultSent, nil
}

// HandleCalendarEvent creates the external calendar event for a booking.
// Skips are domain-level idempotency: a stored event id, a non-bookable
// status, or a doctor without contact info each short-circuit with a
// distinct reason code instead of erroring.
func (d *Dispatcher) HandleCalendarEvent(ctx context.Context, t taskqueue.Task) (taskqueue.Result, error) {
	id, err := taskUUID(t, 0)
	if err != nil {
		d.log.Error().Err(err).Str("task", t.Name).Msg("dropping malformed task")
		return taskqueue.ResultSkipped, nil
	}

	appt, err := d.repo.GetAppointmentByID(ctx, id)
	if errors.Is(err, booking.ErrAppointmentNotFound) {
		return taskqueue.ResultNotFound, nil
	}
	if err != nil {
		return "", err
	}

	if appt.CalendarEventID != nil {
		return ResultAlreadyExists, nil
	}
	if appt.Status != booking.StatusPending && appt.Status != booking.StatusConfirmed {
		return taskqueue.ResultSkipped, nil
	}

	doctor, err := d.repo.GetDoctorByID(ctx, appt.DoctorID)
	if err != nil {
		return "", err
	}
	if doctor.Email == nil || *doctor.Email == "" {
		return ResultInvalidDoctor, nil
	}

	svc, err := d.repo.GetClinicServiceByID(ctx, appt.ServiceID)
	if err != nil {
		return "", err
	}

	start, end, err := slotTimes(appt.Date, appt.TimeSlot, d.opts.Location)
	if err != nil {
		return "", err
	}

	eventID, err := d.calendar.InsertEvent(ctx, CalendarEvent{
		Summary: fmt.Sprintf("Dental Appointment - %s | %s", svc.Name, appt.Name),
		Description: fmt.Sprintf(
			"Patient: %s\nPatient Email: %s\nDoctor Email: %s\n\nMessage:\n%s",
			appt.Name, appt.Email, *doctor.Email, appt.Message,
		),
		Location: d.opts.ClinicAddress,
		Start:    start,
		End:      end,
		Timezone: d.opts.Location.String(),
	})
	if err != nil {
		return "", err
	}

	if err := d.repo.SetCalendarEventID(ctx, id, eventID); err != nil && !errors.Is(err, booking.ErrAppointmentNotFound) {
		return "", err
	}

	d.log.Info().Str("appointment_id", id.String()).Str("event_id", eventID).Msg("calendar event created")
	return ResultCreated, nil
}

// HandleStatusEmail notifies the patient of a staff status change. A no-op
// transition never sends.
func (d *Dispatcher) HandleStatusEmail(ctx context.Context, t taskqueue.Task) (taskqueue.Result, error) {
	id, err := taskUUID(t, 0)
	if err != nil || len(t.Args) < 3 {
		d.log.Error().Str("task", t.Name).Msg("dropping malformed task")
		return taskqueue.ResultSkipped, nil
	}
	oldStatus, newStatus := t.Args[1], t.Args[2]
	if oldStatus == newStatus {
		return taskqueue.ResultSkipped, nil
	}

	appt, err := d.repo.GetAppointmentByID(ctx, id)
	if errors.Is(err, booking.ErrAppointmentNotFound) {
		return taskqueue.ResultNotFound, nil
	}
	if err != nil {
		return "", err
	}

	err = d.sender.Send(Message{
		To:       []string{appt.Email},
		Subject:  fmt.Sprintf("Appointment %s - %s at %s", newStatus, appt.DateString(), appt.TimeSlot),
		Template: "appointment_status_update.html",
		Context: map[string]any{
			"Name":       appt.Name,
			"Date":       appt.DateString(),
			"Time":       appt.TimeSlot,
			"OldStatus":  oldStatus,
			"NewStatus":  newStatus,
			"ClinicName": d.opts.ClinicName,
		},
	})
	if err != nil {
		return "", err
	}

	return taskqueue.ResultSent, nil
}

func (d *Dispatcher) HandleCancelEmail(ctx context.Context, t taskqueue.Task) (taskqueue.Result, error) {
	id, err := taskUUID(t, 0)
	if err != nil {
		d.log.Error().Err(err).Str("task", t.Name).Msg("dropping malformed task")
		return taskqueue.ResultSkipped, nil
	}

	marker := fmt.Sprintf("appointment_cancel_email_sent:%s", id)
	if seen, err := d.cache.Seen(ctx, marker); err == nil && seen {
		return taskqueue.ResultSkipped, nil
	}

	appt, err := d.repo.GetAppointmentByID(ctx, id)
	if errors.Is(err, booking.ErrAppointmentNotFound) {
		return taskqueue.ResultNotFound, nil
	}
	if err != nil {
		return "", err
	}

	err = d.sender.Send(Message{
		To:       []string{appt.Email},
		Subject:  fmt.Sprintf("Appointment cancelled - %s at %s", appt.DateString(), appt.TimeSlot),
		Template: "appointment_cancelled.html",
		Context: map[string]any{
			"Name":       appt.Name,
			"Date":       appt.DateString(),
			"Time":       appt.TimeSlot,
			"ClinicName": d.opts.ClinicName,
		},
	})
	if err != nil {
		return "", err
	}

	d.mark(ctx, marker)
	return taskqueue.ResultSent, nil
}

// HandleReminderEmail sends a day-before reminder. The marker includes the
// appointment date so a rescheduled visit gets a fresh reminder.
func (d *Dispatcher) HandleReminderEmail(ctx context.Context, t taskqueue.Task) (taskqueue.Result, error) {
	id, err := taskUUID(t, 0)
	if err != nil {
		d.log.Error().Err(err).Str("task", t.Name).Msg("dropping malformed task")
		return taskqueue.ResultSkipped, nil
	}

	appt, err := d.repo.GetAppointmentByID(ctx, id)
	if errors.Is(err, booking.ErrAppointmentNotFound) {
		return taskqueue.ResultNotFound, nil
	}
	if err != nil {
		return "", err
	}
	if appt.Status != booking.StatusPending && appt.Status != booking.StatusConfirmed {
		return taskqueue.ResultSkipped, nil
	}

	marker := fmt.Sprintf("appointment_reminder_sent:%s:%s", id, appt.DateString())
	if seen, err := d.cache.Seen(ctx, marker); err == nil && seen {
		return taskqueue.ResultSkipped, nil
	}

	doctor, err := d.repo.GetDoctorByID(ctx, appt.DoctorID)
	if err != nil {
		return "", err
	}
	svc, err := d.repo.GetClinicServiceByID(ctx, appt.ServiceID)
	if err != nil {
		return "", err
	}

	err = d.sender.Send(Message{
		To:       []string{appt.Email},
		Subject:  fmt.Sprintf("Reminder: appointment tomorrow at %s", appt.TimeSlot),
		Template: "appointment_reminder.html",
		Context: map[string]any{
			"Name":          appt.Name,
			"Doctor":        doctor.Name,
			"Service":       svc.Name,
			"Date":          appt.DateString(),
			"Time":          appt.TimeSlot,
			"ClinicName":    d.opts.ClinicName,
			"ClinicAddress": d.opts.ClinicAddress,
		},
	})
	if err != nil {
		return "", err
	}

	d.mark(ctx, marker)
	return taskqueue.ResultSent, nil
}

func (d *Dispatcher) HandleContactEmail(ctx context.Context, t taskqueue.Task) (taskqueue.Result, error) {
	id, err := taskUUID(t, 0)
	if err != nil {
		d.log.Error().Err(err).Str("task", t.Name).Msg("dropping malformed task")
		return taskqueue.ResultSkipped, nil
	}

	marker := fmt.Sprintf("contact_email_sent:%s", id)
	if seen, err := d.cache.Seen(ctx, marker); err == nil && seen {
		return taskqueue.ResultSkipped, nil
	}

	contact, err := d.repo.GetContactByID(ctx, id)
	if errors.Is(err, booking.ErrContactNotFound) {
		return taskqueue.ResultNotFound, nil
	}
	if err != nil {
		return "", err
	}

	err = d.sender.Send(Message{
		To:       []string{contact.Email, d.opts.AdminEmail},
		Subject:  "We received your message - " + contact.Subject,
		Template: "contact_received.html",
		Context: map[string]any{
			"Name":       contact.Name,
			"Subject":    contact.Subject,
			"ClinicName": d.opts.ClinicName,
		},
	})
	if err != nil {
		return "", err
	}

	d.mark(ctx, marker)
	return taskqueue.ResultSent, nil
}

func (d *Dispatcher) HandleResolutionEmail(ctx context.Context, t taskqueue.Task) (taskqueue.Result, error) {
	id, err := taskUUID(t, 0)
	if err != nil {
		d.log.Error().Err(err).Str("task", t.Name).Msg("dropping malformed task")
		return taskqueue.ResultSkipped, nil
	}

	marker := fmt.Sprintf("contact_resolution_email_sent:%s", id)
	if seen, err := d.cache.Seen(ctx, marker); err == nil && seen {
		return taskqueue.ResultSkipped, nil
	}

	contact, err := d.repo.GetContactByID(ctx, id)
	if errors.Is(err, booking.ErrContactNotFound) {
		return taskqueue.ResultNotFound, nil
	}
	if err != nil {
		return "", err
	}

	err = d.sender.Send(Message{
		To:       []string{contact.Email},
		Subject:  "Your inquiry is resolved - " + contact.Subject,
		Template: "contact_resolved.html",
		Context: map[string]any{
			"Name":       contact.Name,
			"Subject":    contact.Subject,
			"ClinicName": d.opts.ClinicName,
		},
	})
	if err != nil {
		return "", err
	}

	d.mark(ctx, marker)
	return taskqueue.ResultSent, nil
}

func (d *Dispatcher) HandleWelcomeEmail(ctx context.Context, t taskqueue.Task) (taskqueue.Result, error) {
	id, err := taskUUID(t, 0)
	if err != nil {
		d.log.Error().Err(err).Str("task", t.Name).Msg("dropping malformed task")
		return taskqueue.ResultSkipped, nil
	}

	marker := fmt.Sprintf("welcome_email_sent:%s", id)
	if seen, err := d.cache.Seen(ctx, marker); err == nil && seen {
		return taskqueue.ResultSkipped, nil
	}

	user, err := d.repo.GetUserByID(ctx, id)
	if errors.Is(err, booking.ErrUserNotFound) {
		return taskqueue.ResultNotFound, nil
	}
	if err != nil {
		return "", err
	}

	err = d.sender.Send(Message{
		To:       []string{user.Email},
		Subject:  "Welcome to " + d.opts.ClinicName + "!",
		Template: "welcome.html",
		Context: map[string]any{
			"Name":          user.FullName,
			"ClinicName":    d.opts.ClinicName,
			"ClinicAddress": d.opts.ClinicAddress,
		},
	})
	if err != nil {
		return "", err
	}

	d.mark(ctx, marker)
	return taskqueue.ResultSent, nil
}

// EnqueueReminders queues a reminder email for every blocking appointment
// scheduled for tomorrow. Run hourly by the beat scheduler; the per-day
// marker in the handler keeps repeated sweeps from re-sending.
func (d *Dispatcher) EnqueueReminders(ctx context.Context) error {
	tomorrow := time.Now().In(d.opts.Location).AddDate(0, 0, 1)
	tomorrow = time.Date(tomorrow.Year(), tomorrow.Month(), tomorrow.Day(), 0, 0, 0, 0, time.UTC)

	appts, err := d.repo.AppointmentsForDate(ctx, tomorrow)
	if err != nil {
		return fmt.Errorf("load appointments for reminders: %w", err)
	}

	for _, appt := range appts {
		d.enqueue(ctx, TaskReminderEmail, taskqueue.LaneEmail, appt.ID.String())
	}

	if len(appts) > 0 {
		d.log.Info().Int("count", len(appts)).Msg("queued reminder emails")
	}
	return nil
}

// PruneDeadTasks bounds the dead lists; run daily by the beat scheduler.
func (d *Dispatcher) PruneDeadTasks(ctx context.Context) {
	for _, lane := range []string{taskqueue.LaneEmail, taskqueue.LaneCalendar} {
		if err := d.queue.PruneDead(ctx, lane, 1000); err != nil {
			d.log.Error().Err(err).Str("lane", lane).Msg("prune dead tasks failed")
		}
	}
}

func (d *Dispatcher) mark(ctx context.Context, key string) {
	if err := d.cache.Mark(ctx, key); err != nil {
		d.log.Warn().Err(err).Str("marker", key).Msg("failed to set idempotency marker")
	}
}
