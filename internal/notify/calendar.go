package notify

import (
	"context"
	"errors"
	"fmt"
	"time"

	"google.golang.org/api/calendar/v3"
	"google.golang.org/api/option"
)

// CalendarEvent is the payload sent to the external calendar. Times carry
// an explicit timezone; idempotency is enforced at the domain layer (the
// appointment's stored event id), not by the API.
type CalendarEvent struct {
	Summary     string
	Description string
	Location    string
	Start       time.Time
	End         time.Time
	Timezone    string
}

type CalendarAPI interface {
	InsertEvent(ctx context.Context, ev CalendarEvent) (eventID string, err error)
}

// NoopCalendar stands in when no calendar is configured. It reports an
// error so the task lands in the dead list instead of silently vanishing.
type NoopCalendar struct{}

func (NoopCalendar) InsertEvent(context.Context, CalendarEvent) (string, error) {
	return "", errors.New("calendar integration not configured")
}

// GoogleCalendar talks to the Google Calendar v3 API with service-account
// credentials. Events are created without attendees; invitations go out
// through the email system instead.
type GoogleCalendar struct {
	svc        *calendar.Service
	calendarID string
}

func NewGoogleCalendar(ctx context.Context, credentialsFile, calendarID string) (*GoogleCalendar, error) {
	svc, err := calendar.NewService(ctx,
		option.WithCredentialsFile(credentialsFile),
		option.WithScopes(calendar.CalendarScope),
	)
	if err != nil {
		return nil, fmt.Errorf("create calendar service: %w", err)
	}

	return &GoogleCalendar{svc: svc, calendarID: calendarID}, nil
}

func (g *GoogleCalendar) InsertEvent(ctx context.Context, ev CalendarEvent) (string, error) {
	event := &calendar.Event{
		Summary:     ev.Summary,
		Description: ev.Description,
		Location:    ev.Location,
		Start: &calendar.EventDateTime{
			DateTime: ev.Start.Format(time.RFC3339),
			TimeZone: ev.Timezone,
		},
		End: &calendar.EventDateTime{
			DateTime: ev.End.Format(time.RFC3339),
			TimeZone: ev.Timezone,
		},
	}

	created, err := g.svc.Events.Insert(g.calendarID, event).
		SendUpdates("none").
		Context(ctx).
		Do()
	if err != nil {
		return "", fmt.Errorf("insert calendar event: %w", err)
	}

	return created.Id, nil
}
