package notify

import (
	"encoding/json"
	"time"
)

// EventType classifies a notification.
type EventType string

const (
	EventMatch      EventType = "match"          // A pattern matched; nothing was typed
	EventResponse   EventType = "response"       // A pattern matched and its response was typed
	EventIdle       EventType = "idle"           // The wrapped program went quiet
	EventQuarantine EventType = "quarantine"     // A pattern was disabled after repeated errors
	EventFailed     EventType = "dispatch_fault" // The matching unit exhausted its restarts
	EventExit       EventType = "process_exit"   // The wrapped program exited
)

// Event is the JSON body posted to webhooks.
type Event struct {
	Event     EventType         `json:"event"`
	Timestamp time.Time         `json:"timestamp"`
	PatternID string            `json:"patternId,omitempty"`
	Kind      string            `json:"kind,omitempty"`
	Title     string            `json:"title,omitempty"`
	Message   string            `json:"message,omitempty"`
	Snippet   string            `json:"snippet,omitempty"`
	Data      map[string]string `json:"extractedData,omitempty"`
	Response  []string          `json:"response,omitempty"`
}

// NewEventFromNotification converts a Notification to an Event.
func NewEventFromNotification(n *Notification) *Event {
	return &Event{
		Event:     n.Event,
		Timestamp: n.Time,
		PatternID: n.PatternID,
		Kind:      n.Kind,
		Title:     n.Title,
		Message:   n.Message,
		Snippet:   n.Snippet,
		Data:      n.Data,
		Response:  n.Response,
	}
}

// JSON returns the event serialized as JSON bytes.
func (e *Event) JSON() ([]byte, error) {
	return json.Marshal(e)
}
