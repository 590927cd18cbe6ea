package message

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Envelope — одно доставляемое сообщение. Immutable после создания.
type Envelope struct {
	ID        string          `json:"id"`
	From      string          `json:"from"`
	To        string          `json:"to,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
	Payload   json.RawMessage `json:"payload"`

	// Seq breaks ordering ties between envelopes created in the same
	// millisecond. Internal to the relay, never sent on the wire.
	Seq uint64 `json:"-"`
}

// NewEnvelope builds an envelope for a routed message. An empty `to`
// means broadcast.
func NewEnvelope(from, to string, payload json.RawMessage, seq uint64) Envelope {
	return Envelope{
		ID:        uuid.NewString(),
		From:      from,
		To:        to,
		Timestamp: time.Now().UTC(),
		Payload:   append(json.RawMessage(nil), payload...),
		Seq:       seq,
	}
}
