package agent

import (
	"sync"
	"time"
)

// EventName identifies a lifecycle event emitted by the agent
type EventName string

const (
	EventEnrolled             EventName = "enrolled"
	EventEnrollmentFailed     EventName = "enrollmentFailed"
	EventTokenRefreshed       EventName = "tokenRefreshed"
	EventTokenRefreshFailed   EventName = "tokenRefreshFailed"
	EventStarted              EventName = "started"
	EventStopped              EventName = "stopped"
	EventTaskCompleted        EventName = "taskCompleted"
	EventTaskFailed           EventName = "taskFailed"
	EventTelemetrySent        EventName = "telemetrySent"
	EventTelemetryFailed      EventName = "telemetryFailed"
	EventAuthenticationFailed EventName = "authenticationFailed"
)

// Event is a lifecycle notification. Fields carry identifiers and error
// strings, never tokens or task output.
type Event struct {
	Name      EventName
	Timestamp time.Time
	Fields    map[string]string
}

// Handler receives lifecycle events. Handlers run synchronously on the
// emitting goroutine and should return quickly.
type Handler func(Event)

// eventBus fans events out to subscribers
type eventBus struct {
	mu       sync.Mutex
	handlers []Handler
}

func (b *eventBus) subscribe(h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers = append(b.handlers, h)
}

// emit delivers the event to every subscriber. The handler list is
// snapshotted under the lock but handlers run outside it, so a handler
// may call back into the agent without deadlocking.
func (b *eventBus) emit(name EventName, fields map[string]string) {
	b.mu.Lock()
	handlers := make([]Handler, len(b.handlers))
	copy(handlers, b.handlers)
	b.mu.Unlock()

	event := Event{
		Name:      name,
		Timestamp: time.Now().UTC(),
		Fields:    fields,
	}
	for _, h := range handlers {
		h(event)
	}
}
