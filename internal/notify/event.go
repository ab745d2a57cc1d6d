package notify

import "time"

type EventType string

const (
	EventSignatureCompleted EventType = "signature.completed"
	EventSignatureDeclined  EventType = "signature.declined"
	EventRequestCompleted   EventType = "request.completed"
	EventRequestExpired     EventType = "request.expired"
	EventRequestCancelled   EventType = "request.cancelled"
)

// Event is the webhook payload.
type Event struct {
	Event      EventType `json:"event"`
	RequestID  string    `json:"requestId"`
	DocumentID string    `json:"documentId"`
	SignerID   string    `json:"signerId,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}
