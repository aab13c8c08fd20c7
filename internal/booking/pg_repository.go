package booking

import (
	"context"
	"errors"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

const pgUniqueViolation = "23505"

var psql = sq.StatementBuilder.PlaceholderFormat(sq.Dollar)

type PgRepository struct {
	pool *pgxpool.Pool
}

func NewPgRepository(pool *pgxpool.Pool) *PgRepository {
	return &PgRepository{pool: pool}
}

// Helpers

func scanDoctor(row pgx.Row) (*Doctor, error) {
	var d Doctor

	err := row.Scan(
		&d.ID,
		&d.Name,
		&d.Specialty,
		&d.Email,
		&d.Active,
		&d.CreatedAt,
		&d.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrDoctorNotFound
		}
		return nil, err
	}

	return &d, nil
}

func scanClinicService(row pgx.Row) (*ClinicService, error) {
	var s ClinicService

	err := row.Scan(
		&s.ID,
		&s.Name,
		&s.Price,
		&s.Active,
		&s.CreatedAt,
		&s.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrServiceNotFound
		}
		return nil, err
	}

	return &s, nil
}

func scanUser(row pgx.Row) (*User, error) {
	var u User

	err := row.Scan(
		&u.ID,
		&u.Username,
		&u.FullName,
		&u.Email,
		&u.Active,
		&u.CreatedAt,
		&u.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrUserNotFound
		}
		return nil, err
	}

	return &u, nil
}

const appointmentColumns = `
	id, user_id, doctor_id, service_id, date, time_slot,
	name, email, phone, message, status,
	calendar_event_id, email_sent_at, calendar_created_at,
	created_at, updated_at`

func scanAppointment(row pgx.Row) (*Appointment, error) {
	var a Appointment

	err := row.Scan(
		&a.ID,
		&a.UserID,
		&a.DoctorID,
		&a.ServiceID,
		&a.Date,
		&a.TimeSlot,
		&a.Name,
		&a.Email,
		&a.Phone,
		&a.Message,
		&a.Status,
		&a.CalendarEventID,
		&a.EmailSentAt,
		&a.CalendarCreatedAt,
		&a.CreatedAt,
		&a.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrAppointmentNotFound
		}
		return nil, err
	}

	return &a, nil
}

func scanContact(row pgx.Row) (*Contact, error) {
	var c Contact

	err := row.Scan(
		&c.ID,
		&c.Name,
		&c.Email,
		&c.Subject,
		&c.Message,
		&c.Resolved,
		&c.ResolvedAt,
		&c.CreatedAt,
		&c.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrContactNotFound
		}
		return nil, err
	}

	return &c, nil
}

// Transaction wrapper

type pgTx struct {
	tx    pgx.Tx
	hooks []func()
}

func (t *pgTx) OnCommit(fn func()) {
	t.hooks = append(t.hooks, fn)
}

// InTx runs fn inside a single transaction. Hooks registered via OnCommit
// run only after Commit returns successfully, so a worker can never observe
// a row that a rollback later removes.
func (r *PgRepository) InTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}

	ptx := &pgTx{tx: tx}

	if err := fn(ctx, ptx); err != nil {
		_ = tx.Rollback(ctx)
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}

	for _, hook := range ptx.hooks {
		hook()
	}

	return nil
}

func (t *pgTx) HasBlockingAppointment(ctx context.Context, doctorID uuid.UUID, date time.Time, timeSlot string) (bool, error) {
	rows, err := t.tx.Query(ctx, `
		SELECT id
		FROM appointments
		WHERE doctor_id = $1
		  AND date = $2
		  AND time_slot = $3
		  AND status IN ('pending', 'confirmed')
		FOR UPDATE
	`, doctorID, date, timeSlot)
	if err != nil {
		return false, fmt.Errorf("lock conflicting appointments: %w", err)
	}
	defer rows.Close()

	exists := rows.Next()
	if err := rows.Err(); err != nil {
		return false, err
	}

	return exists, nil
}

func (t *pgTx) InsertAppointment(ctx context.Context, a *Appointment) error {
	row := t.tx.QueryRow(ctx, `
		INSERT INTO appointments (
			id, user_id, doctor_id, service_id, date, time_slot,
			name, email, phone, message, status, created_at, updated_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, now(), now())
		RETURNING created_at, updated_at
	`, a.ID, a.UserID, a.DoctorID, a.ServiceID, a.Date, a.TimeSlot,
		a.Name, a.Email, a.Phone, a.Message, a.Status)

	if err := row.Scan(&a.CreatedAt, &a.UpdatedAt); err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation {
			// Backstop unique index on the slot; normally the FOR UPDATE
			// check catches the conflict first.
			return ErrSlotAlreadyBooked
		}
		return fmt.Errorf("insert appointment: %w", err)
	}

	return nil
}

func (t *pgTx) AppointmentForUpdate(ctx context.Context, id uuid.UUID) (*Appointment, error) {
	row := t.tx.QueryRow(ctx, `
		SELECT`+appointmentColumns+`
		FROM appointments
		WHERE id = $1
		FOR UPDATE
	`, id)
	return scanAppointment(row)
}

func (t *pgTx) UpdateAppointmentStatus(ctx context.Context, id uuid.UUID, to Status) error {
	tag, err := t.tx.Exec(ctx, `
		UPDATE appointments
		SET status = $2,
		    updated_at = now()
		WHERE id = $1
	`, id, to)
	if err != nil {
		return fmt.Errorf("update appointment status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrAppointmentNotFound
	}
	return nil
}

func (t *pgTx) InsertContact(ctx context.Context, c *Contact) error {
	row := t.tx.QueryRow(ctx, `
		INSERT INTO contacts (id, name, email, subject, message, resolved, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, false, now(), now())
		RETURNING created_at, updated_at
	`, c.ID, c.Name, c.Email, c.Subject, c.Message)

	if err := row.Scan(&c.CreatedAt, &c.UpdatedAt); err != nil {
		return fmt.Errorf("insert contact: %w", err)
	}
	return nil
}

func (t *pgTx) ContactForUpdate(ctx context.Context, id uuid.UUID) (*Contact, error) {
	row := t.tx.QueryRow(ctx, `
		SELECT id, name, email, subject, message, resolved, resolved_at, created_at, updated_at
		FROM contacts
		WHERE id = $1
		FOR UPDATE
	`, id)
	return scanContact(row)
}

func (t *pgTx) MarkContactResolved(ctx context.Context, id uuid.UUID) error {
	tag, err := t.tx.Exec(ctx, `
		UPDATE contacts
		SET resolved = true,
		    resolved_at = now(),
		    updated_at = now()
		WHERE id = $1
	`, id)
	if err != nil {
		return fmt.Errorf("mark contact resolved: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrContactNotFound
	}
	return nil
}

func (t *pgTx) InsertUser(ctx context.Context, u *User) error {
	row := t.tx.QueryRow(ctx, `
		INSERT INTO users (id, username, full_name, email, active, created_at, updated_at)
		VALUES ($1, $2, $3, $4, true, now(), now())
		RETURNING created_at, updated_at
	`, u.ID, u.Username, u.FullName, u.Email)

	if err := row.Scan(&u.CreatedAt, &u.UpdatedAt); err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation {
			return ErrDuplicateUser
		}
		return fmt.Errorf("insert user: %w", err)
	}
	return nil
}

// Interface methods

func (r *PgRepository) GetDoctorByID(ctx context.Context, id uuid.UUID) (*Doctor, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT id, name, specialty, email, active, created_at, updated_at
		FROM doctors
		WHERE id = $1
	`, id)
	return scanDoctor(row)
}

func (r *PgRepository) GetClinicServiceByID(ctx context.Context, id uuid.UUID) (*ClinicService, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT id, name, price, active, created_at, updated_at
		FROM services
		WHERE id = $1
	`, id)
	return scanClinicService(row)
}

func (r *PgRepository) GetUserByID(ctx context.Context, id uuid.UUID) (*User, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT id, username, full_name, email, active, created_at, updated_at
		FROM users
		WHERE id = $1
	`, id)
	return scanUser(row)
}

func (r *PgRepository) GetAppointmentByID(ctx context.Context, id uuid.UUID) (*Appointment, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT`+appointmentColumns+`
		FROM appointments
		WHERE id = $1
	`, id)
	return scanAppointment(row)
}

func (r *PgRepository) GetContactByID(ctx context.Context, id uuid.UUID) (*Contact, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT id, name, email, subject, message, resolved, resolved_at, created_at, updated_at
		FROM contacts
		WHERE id = $1
	`, id)
	return scanContact(row)
}

func (r *PgRepository) BookedSlots(ctx context.Context, doctorID uuid.UUID, date time.Time) ([]string, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT time_slot
		FROM appointments
		WHERE doctor_id = $1
		  AND date = $2
		  AND status IN ('pending', 'confirmed')
		ORDER BY time_slot
	`, doctorID, date)
	if err != nil {
		return nil, fmt.Errorf("query booked slots: %w", err)
	}
	defer rows.Close()

	var slots []string
	for rows.Next() {
		var s string
		if err := rows.Scan(&s); err != nil {
			return nil, err
		}
		slots = append(slots, s)
	}

	if err := rows.Err(); err != nil {
		return nil, err
	}

	return slots, nil
}

// ListAppointments serves the staff console; filters are composed
// dynamically so the query only constrains what the caller asked for.
func (r *PgRepository) ListAppointments(ctx context.Context, f ListFilter) ([]Appointment, error) {
	q := psql.Select(
		"id", "user_id", "doctor_id", "service_id", "date", "time_slot",
		"name", "email", "phone", "message", "status",
		"calendar_event_id", "email_sent_at", "calendar_created_at",
		"created_at", "updated_at",
	).From("appointments").OrderBy("date DESC", "time_slot DESC")

	if f.DoctorID != nil {
		q = q.Where(sq.Eq{"doctor_id": *f.DoctorID})
	}
	if f.UserID != nil {
		q = q.Where(sq.Eq{"user_id": *f.UserID})
	}
	if f.Status != nil {
		q = q.Where(sq.Eq{"status": *f.Status})
	}
	if f.DateFrom != nil {
		q = q.Where(sq.GtOrEq{"date": *f.DateFrom})
	}
	if f.DateTo != nil {
		q = q.Where(sq.LtOrEq{"date": *f.DateTo})
	}
	if f.Limit > 0 {
		q = q.Limit(uint64(f.Limit))
	}
	if f.Offset > 0 {
		q = q.Offset(uint64(f.Offset))
	}

	sqlStr, args, err := q.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build list query: %w", err)
	}

	rows, err := r.pool.Query(ctx, sqlStr, args...)
	if err != nil {
		return nil, fmt.Errorf("list appointments: %w", err)
	}
	defer rows.Close()

	var result []Appointment
	for rows.Next() {
		a, err := scanAppointment(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *a)
	}

	if err := rows.Err(); err != nil {
		return nil, err
	}

	return result, nil
}

func (r *PgRepository) AppointmentsForDate(ctx context.Context, date time.Time) ([]Appointment, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT`+appointmentColumns+`
		FROM appointments
		WHERE date = $1
		  AND status IN ('pending', 'confirmed')
		ORDER BY time_slot
	`, date)
	if err != nil {
		return nil, fmt.Errorf("query appointments for date: %w", err)
	}
	defer rows.Close()

	var result []Appointment
	for rows.Next() {
		a, err := scanAppointment(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *a)
	}

	if err := rows.Err(); err != nil {
		return nil, err
	}

	return result, nil
}

func (r *PgRepository) UserStats(ctx context.Context, userID uuid.UUID, now time.Time) (*UserStats, error) {
	var s UserStats

	err := r.pool.QueryRow(ctx, `
		SELECT
			count(*),
			count(*) FILTER (WHERE status IN ('pending', 'confirmed') AND date >= $2),
			count(*) FILTER (WHERE status = 'completed'),
			count(*) FILTER (WHERE status = 'cancelled')
		FROM appointments
		WHERE user_id = $1
	`, userID, now).Scan(&s.Total, &s.Upcoming, &s.Completed, &s.Cancelled)
	if err != nil {
		return nil, fmt.Errorf("query user stats: %w", err)
	}

	return &s, nil
}

func (r *PgRepository) HomepageStats(ctx context.Context) (*HomepageStats, error) {
	var s HomepageStats

	err := r.pool.QueryRow(ctx, `
		SELECT
			(SELECT count(*) FROM appointments),
			(SELECT count(*) FROM doctors WHERE active),
			(SELECT count(*) FROM users WHERE active)
	`).Scan(&s.Appointments, &s.Doctors, &s.Patients)
	if err != nil {
		return nil, fmt.Errorf("query homepage stats: %w", err)
	}

	return &s, nil
}

func (r *PgRepository) SetCalendarEventID(ctx context.Context, id uuid.UUID, eventID string) error {
	tag, err := r.pool.Exec(ctx, `
		UPDATE appointments
		SET calendar_event_id = $2,
		    calendar_created_at = now(),
		    updated_at = now()
		WHERE id = $1
	`, id, eventID)
	if err != nil {
		return fmt.Errorf("set calendar event id: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrAppointmentNotFound
	}
	return nil
}

func (r *PgRepository) MarkEmailSent(ctx context.Context, id uuid.UUID, at time.Time) error {
	tag, err := r.pool.Exec(ctx, `
		UPDATE appointments
		SET email_sent_at = $2,
		    updated_at = now()
		WHERE id = $1
	`, id, at)
	if err != nil {
		return fmt.Errorf("mark email sent: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrAppointmentNotFound
	}
	return nil
}
