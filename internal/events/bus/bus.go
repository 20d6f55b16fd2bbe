// Package bus provides event bus abstractions for the orchestrator.
package bus

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Event represents a message on the event bus. Task-scoped events carry the
// task id; Data is JSON-serializable and is only marshalled at the transport
// boundary.
type Event struct {
	ID        string      `json:"id"`
	Type      string      `json:"type"`
	TaskID    string      `json:"task_id,omitempty"`
	Source    string      `json:"source"`
	Timestamp time.Time   `json:"timestamp"`
	Data      interface{} `json:"data"`
}

// NewEvent creates a new event with a UUID and the given timestamp.
func NewEvent(eventType, taskID string, data interface{}, now time.Time) *Event {
	return &Event{
		ID:        uuid.New().String(),
		Type:      eventType,
		TaskID:    taskID,
		Source:    "orchestrator",
		Timestamp: now.UTC(),
		Data:      data,
	}
}

// EventHandler is a function that handles an event
type EventHandler func(ctx context.Context, event *Event) error

// Subscription represents an active subscription
type Subscription interface {
	Unsubscribe() error
	IsValid() bool
}

// EventBus interface for event bus operations
type EventBus interface {
	// Publish sends an event to a subject
	Publish(ctx context.Context, subject string, event *Event) error

	// Subscribe creates a subscription to a subject pattern
	Subscribe(subject string, handler EventHandler) (Subscription, error)

	// Close closes the connection
	Close()

	// IsConnected returns connection status
	IsConnected() bool
}
