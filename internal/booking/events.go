package booking

import (
	"context"
	"sync"

	"github.com/google/uuid"
)

// Business-state mutations publish typed events through a subscriber
// registry instead of save hooks. Subscribers run after the mutating
// transaction has durably committed.

type Event interface {
	EventName() string
}

type AppointmentBooked struct {
	AppointmentID uuid.UUID
}

func (AppointmentBooked) EventName() string { return "appointment.booked" }

type AppointmentCancelled struct {
	AppointmentID uuid.UUID
}

func (AppointmentCancelled) EventName() string { return "appointment.cancelled" }

type AppointmentStatusChanged struct {
	AppointmentID uuid.UUID
	OldStatus     Status
	NewStatus     Status
}

func (AppointmentStatusChanged) EventName() string { return "appointment.status_changed" }

type ContactReceived struct {
	ContactID uuid.UUID
}

func (ContactReceived) EventName() string { return "contact.received" }

type ContactResolved struct {
	ContactID uuid.UUID
}

func (ContactResolved) EventName() string { return "contact.resolved" }

type UserRegistered struct {
	UserID uuid.UUID
}

func (UserRegistered) EventName() string { return "user.registered" }

type Subscriber func(ctx context.Context, ev Event)

// EventBus is a minimal in-process subscriber registry. Dispatch is
// synchronous in registration order; subscribers that need asynchrony
// enqueue background tasks themselves.
type EventBus struct {
	mu   sync.RWMutex
	subs []Subscriber
}

func NewEventBus() *EventBus {
	return &EventBus{}
}

func (b *EventBus) Subscribe(fn Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs = append(b.subs, fn)
}

func (b *EventBus) Publish(ctx context.Context, ev Event) {
	b.mu.RLock()
	subs := make([]Subscriber, len(b.subs))
	copy(subs, b.subs)
	b.mu.RUnlock()

	for _, fn := range subs {
		fn(ctx, ev)
	}
}
