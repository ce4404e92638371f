package events

import (
	"encoding/json"
	"sync"
	"time"
)

const (
	EventJobFailed          = "job_failed"
	EventConstructionDone   = "construction_done"
	EventPageUploadFailed   = "page_upload_failed"
	EventDispatchFinished   = "dispatch_finished"
	EventDiscrepancyFound   = "discrepancy_found"
	EventCoordinatorFailure = "coordinator_failure"
)

// AlertPayload is the common snapshot published for operator-facing events.
type AlertPayload struct {
	Bucket    string    `json:"bucket,omitempty"`
	Day       string    `json:"day,omitempty"`
	Status    string    `json:"status,omitempty"`
	Mandatory bool      `json:"mandatory"`
	Message   string    `json:"message"`
	Counts    Counts    `json:"counts"`
	At        time.Time `json:"at"`
}

// Counts carries the numbers an alert refers to, whichever apply.
type Counts struct {
	Rows     int `json:"rows,omitempty"`
	Excluded int `json:"excluded,omitempty"`
	Pages    int `json:"pages,omitempty"`
	Failed   int `json:"failed,omitempty"`
	Vendor   int `json:"vendor,omitempty"`
	Local    int `json:"local,omitempty"`
}

// JobFailedPayload describes a job that will not run again.
type JobFailedPayload struct {
	JobID   string `json:"job_id"`
	Handler string `json:"handler"`
	Attempt int    `json:"attempt"`
	Kind    string `json:"kind"`
	Error   string `json:"error"`
}

// Event represents a lightweight domain event.
type Event struct {
	ID        int64
	Type      string
	Payload   []byte
	CreatedAt time.Time
	Processed bool
}

// EventHandler reacts to an event.
type EventHandler func(event *Event) error

// EventBus provides in-process pub/sub for events.
type EventBus struct {
	subscribers map[string][]EventHandler
	mu          sync.RWMutex
}

// NewEventBus constructs an empty bus.
func NewEventBus() *EventBus {
	return &EventBus{subscribers: make(map[string][]EventHandler)}
}

// Subscribe registers a handler for a given event type.
func (b *EventBus) Subscribe(eventType string, handler EventHandler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subscribers[eventType] = append(b.subscribers[eventType], handler)
}

// Publish notifies subscribers of the event type.
func (b *EventBus) Publish(event *Event) {
	b.mu.RLock()
	handlers := append([]EventHandler(nil), b.subscribers[event.Type]...)
	b.mu.RUnlock()

	if event.CreatedAt.IsZero() {
		event.CreatedAt = time.Now()
	}

	for _, handler := range handlers {
		// Handlers run synchronously; caller decides concurrency model.
		_ = handler(event)
	}
}

// PublishJSON serializes the payload and publishes an event.
func (b *EventBus) PublishJSON(eventType string, payload interface{}) error {
	if b == nil {
		return nil
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	b.Publish(&Event{Type: eventType, Payload: raw, CreatedAt: time.Now()})
	return nil
}

// Decode unmarshals the event payload into v.
func (e *Event) Decode(v interface{}) error {
	return json.Unmarshal(e.Payload, v)
}
