// Package events provides the in-process event bus used for best-effort
// observer notifications (live dashboards). Delivery never blocks or fails the
// state change that produced the event.
package events

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Event is the base interface all bus events implement.
type Event interface {
	EventName() string
	OccurredAt() time.Time
}

// BaseEvent provides the common timestamp field.
type BaseEvent struct {
	Timestamp time.Time `json:"timestamp"`
}

func (e BaseEvent) OccurredAt() time.Time { return e.Timestamp }

func NewBaseEvent() BaseEvent {
	return BaseEvent{Timestamp: time.Now()}
}

// Handler processes events of a specific type.
type Handler interface {
	Handle(ctx context.Context, event Event) error
}

// HandlerFunc adapts a function to the Handler interface.
type HandlerFunc func(ctx context.Context, event Event) error

func (f HandlerFunc) Handle(ctx context.Context, event Event) error {
	return f(ctx, event)
}

// Bus publishes events to subscribed handlers.
type Bus interface {
	// Publish delivers the event asynchronously, best effort.
	Publish(ctx context.Context, event Event)
	// Subscribe registers a handler for the event name.
	Subscribe(eventName string, handler Handler)
}

// StatusChanged is published after a lifecycle transition commits.
type StatusChanged struct {
	BaseEvent
	AppointmentID  uuid.UUID `json:"appointmentId"`
	TrackingCode   string    `json:"trackingCode,omitempty"`
	PreviousStatus string    `json:"previousStatus"`
	NewStatus      string    `json:"newStatus"`
	Source         string    `json:"source"`
	ActorID        string    `json:"actorId,omitempty"`
}

func (e StatusChanged) EventName() string { return "booking.status.changed" }

// ConversationStalled is published when the stale scan flags an appointment.
type ConversationStalled struct {
	BaseEvent
	AppointmentID uuid.UUID `json:"appointmentId"`
	TrackingCode  string    `json:"trackingCode,omitempty"`
	LastMessageAt time.Time `json:"lastMessageAt"`
}

func (e ConversationStalled) EventName() string { return "booking.conversation.stalled" }
