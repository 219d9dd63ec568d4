package domain

import "time"

// EventType classifies notifications emitted by the session workflow.
type EventType string

const (
	EventPurchased     EventType = "purchased"
	EventStatusChanged EventType = "status_changed"
	EventCodeReceived  EventType = "code_received"
	EventPollFailing   EventType = "poll_failing"
	EventActionFailed  EventType = "action_failed"
)

// Event is a user-facing notification about one session.
type Event struct {
	ID        string      `json:"id"`
	Type      EventType   `json:"type"`
	SessionID string      `json:"session_id"`
	Status    Status      `json:"status,omitempty"`
	Message   string      `json:"message"`
	Detail    string      `json:"detail,omitempty"`
	Number    PhoneNumber `json:"number"`
	CreatedAt time.Time   `json:"created_at"`
}
