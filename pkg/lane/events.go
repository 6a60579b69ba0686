package lane

import "sync"

// Event types emitted by the dispatcher.
const (
	EventEnqueued          = "enqueued"
	EventAdmitted          = "admitted"
	EventCompleted         = "completed"
	EventRetry             = "retry"
	EventDeadLettered      = "dead_lettered"
	EventCancelled         = "cancelled"
	EventBoosted           = "boosted"
	EventAlert             = "alert"
	EventExternalPending   = "external_pending"
	EventExternalCompleted = "external_completed"
)

// Event describes one queue state change.
type Event struct {
	Type   string
	Lane   string
	TaskID string
	Data   map[string]interface{}
}

// EventHandler handles queue events. Handlers run synchronously on the
// emitting goroutine and must be fast.
type EventHandler func(event Event)

// emitter dispatches events to handlers registered per type or for all
// types via the empty string.
type emitter struct {
	mu       sync.RWMutex
	handlers map[string][]EventHandler
}

func newEmitter() *emitter {
	return &emitter{handlers: make(map[string][]EventHandler)}
}

func (e *emitter) on(eventType string, handler EventHandler) {
	e.mu.Lock()
	e.handlers[eventType] = append(e.handlers[eventType], handler)
	e.mu.Unlock()
}

func (e *emitter) emit(event Event) {
	e.mu.RLock()
	typed := e.handlers[event.Type]
	all := e.handlers[""]
	e.mu.RUnlock()

	for _, h := range typed {
		h(event)
	}
	for _, h := range all {
		h(event)
	}
}
