package interfaces

import (
	"context"
	"time"
)

// EventType names an operator-visible transition in the system.
type EventType string

const (
	EventJobQueued    EventType = "job.queued"
	EventJobActive    EventType = "job.active"
	EventJobCompleted EventType = "job.completed"
	EventJobFailed    EventType = "job.failed"
	EventJobCancelled EventType = "job.cancelled"
	EventJobStalled   EventType = "job.stalled"
	EventJobError     EventType = "job.error"
	EventWorkerState  EventType = "worker.state"
)

// Event is one system event. Payload keys are event-specific; job events
// carry executionId, jobId, and pipeline.
type Event struct {
	Type      EventType      `json:"type"`
	Timestamp time.Time      `json:"timestamp"`
	Payload   map[string]any `json:"payload,omitempty"`
}

// EventHandler is a function that handles events.
type EventHandler func(ctx context.Context, event Event) error

// EventService manages the pub/sub event bus feeding the websocket stream
// and the log subscriber.
type EventService interface {
	// Subscribe registers a handler for an event type.
	Subscribe(eventType EventType, handler EventHandler) error

	// SubscribeAll registers a handler for every event type.
	SubscribeAll(handler EventHandler) error

	// Publish sends an event to all subscribers asynchronously.
	Publish(ctx context.Context, event Event) error

	// PublishSync publishes an event and waits for all handlers.
	PublishSync(ctx context.Context, event Event) error

	// Close shuts down the event service.
	Close() error
}
