// Package bus provides the in-process event bus carrying voice pipeline
// lifecycle events from the orchestrator to observers such as metrics.
package bus

import (
	"fmt"
	"sync/atomic"
	"time"
)

// EventType identifies a pipeline event.
type EventType string

const (
	// Request lifecycle
	EventRequestReceived   EventType = "request_received"
	EventCacheHit          EventType = "cache_hit"
	EventIntentClassified  EventType = "intent_classified"
	EventCapabilityFailed  EventType = "capability_failed"
	EventResponseGenerated EventType = "response_generated"

	// Pipeline stage
	EventStateChanged EventType = "state_changed"

	// Configuration
	EventCapabilityToggled EventType = "capability_toggled"
)

// Event is a single pipeline event. Only the fields relevant to Type are set.
type Event struct {
	ID        string    `json:"id"`
	Timestamp time.Time `json:"timestamp"`
	Type      EventType `json:"type"`

	// Request tracking
	RequestID string `json:"request_id,omitempty"`
	SessionID string `json:"session_id,omitempty"`

	// Classification
	Intent     string  `json:"intent,omitempty"`
	Method     string  `json:"method,omitempty"`
	Confidence float64 `json:"confidence,omitempty"`

	// Dispatch
	Capability string `json:"capability,omitempty"`
	Category   string `json:"category,omitempty"`
	Success    bool   `json:"success,omitempty"`
	Enabled    bool   `json:"enabled,omitempty"`

	// State transitions
	FromState string `json:"from_state,omitempty"`
	ToState   string `json:"to_state,omitempty"`

	DurationMs int64  `json:"duration_ms,omitempty"`
	Content    string `json:"content,omitempty"`
	Error      string `json:"error,omitempty"`
}

// Duration returns DurationMs as a time.Duration.
func (e Event) Duration() time.Duration {
	return time.Duration(e.DurationMs) * time.Millisecond
}

var eventIDCounter atomic.Uint64

func generateEventID() string {
	return fmt.Sprintf("evt_%d_%d", time.Now().UnixNano(), eventIDCounter.Add(1))
}

// NewEvent creates an event with the current timestamp and a generated ID.
func NewEvent(eventType EventType) Event {
	return Event{
		ID:        generateEventID(),
		Timestamp: time.Now().UTC(),
		Type:      eventType,
	}
}

// NewRequestReceivedEvent creates a request received event.
func NewRequestReceivedEvent(requestID, sessionID, utterance string) Event {
	e := NewEvent(EventRequestReceived)
	e.RequestID = requestID
	e.SessionID = sessionID
	e.Content = utterance
	return e
}

// NewIntentClassifiedEvent creates an intent classified event.
func NewIntentClassifiedEvent(requestID, intent, method string, confidence float64, took time.Duration) Event {
	e := NewEvent(EventIntentClassified)
	e.RequestID = requestID
	e.Intent = intent
	e.Method = method
	e.Confidence = confidence
	e.DurationMs = took.Milliseconds()
	return e
}

// NewCapabilityFailedEvent creates a capability failure event.
func NewCapabilityFailedEvent(requestID, capability, intent, category, errMsg string) Event {
	e := NewEvent(EventCapabilityFailed)
	e.RequestID = requestID
	e.Capability = capability
	e.Intent = intent
	e.Category = category
	e.Error = errMsg
	return e
}

// NewResponseGeneratedEvent creates a response generated event.
func NewResponseGeneratedEvent(requestID, capability string, success, cached bool, took time.Duration) Event {
	e := NewEvent(EventResponseGenerated)
	if cached {
		e.Type = EventCacheHit
	}
	e.RequestID = requestID
	e.Capability = capability
	e.Success = success
	e.DurationMs = took.Milliseconds()
	return e
}

// NewStateChangedEvent creates a pipeline stage transition event.
func NewStateChangedEvent(from, to string) Event {
	e := NewEvent(EventStateChanged)
	e.FromState = from
	e.ToState = to
	return e
}

// NewCapabilityToggledEvent creates a capability toggle event.
func NewCapabilityToggledEvent(capability string, enabled bool) Event {
	e := NewEvent(EventCapabilityToggled)
	e.Capability = capability
	e.Enabled = enabled
	return e
}
