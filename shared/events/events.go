package events

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Envelope wraps every payload crossing the bus. Source names the module
// that produced the event; for request/reply traffic CorrelationID links a
// reply back to its request.
type Envelope struct {
	EventID       uuid.UUID       `json:"event_id"`
	OccurredAt    time.Time       `json:"occurred_at"`
	Source        string          `json:"source"`
	EventType     string          `json:"event_type"`
	CorrelationID string          `json:"correlation_id,omitempty"`
	Payload       json.RawMessage `json:"payload"`
}

// Header keys used on the wire in addition to the envelope fields. The
// sender triple is stamped on inbound reports by the exchange module.
const (
	HeaderCorrelationID = "correlation_id"
	HeaderReplyTo       = "reply_to"
	HeaderEventType     = "event_type"

	HeaderSenderOrganisation = "sender_organisation"
	HeaderSenderEndpoint     = "sender_endpoint"
	HeaderSenderChannel      = "sender_channel"
)
