package transport

import (
	"time"

	"github.com/google/uuid"
)

// MessageType names an application message
type MessageType string

const (
	MessageHeartbeat            MessageType = "heartbeat"
	MessageGradientSubmission   MessageType = "gradient_submission"
	MessageTrainingMetrics      MessageType = "training_metrics"
	MessageRewardNotification   MessageType = "reward_notification"
	MessageLivenessProbe        MessageType = "liveness_probe"
	MessageModelSync            MessageType = "model_sync"
	MessageTuningSuggestion     MessageType = "tuning_suggestion"
	MessageFailoverAssignment   MessageType = "failover_assignment"
	MessageRedistributeWorkload MessageType = "redistribute_workload"
)

// Message is a signed application message exchanged between nodes
type Message struct {
	ID        string      `json:"id"`
	Type      MessageType `json:"type"`
	From      string      `json:"from"`
	To        string      `json:"to,omitempty"`
	SessionID string      `json:"session_id,omitempty"`
	Payload   []byte      `json:"payload,omitempty"`
	Timestamp time.Time   `json:"timestamp"`
	PublicKey []byte      `json:"public_key,omitempty"`
	Signature []byte      `json:"signature,omitempty"`
}

// NewMessage returns an unsigned message with a fresh id. The payload is
// encoded with EncodePayload when it is not already a byte slice.
func NewMessage(typ MessageType, from, sessionID string, payload interface{}) (*Message, error) {
	var raw []byte
	switch v := payload.(type) {
	case nil:
	case []byte:
		raw = append([]byte(nil), v...)
	default:
		b, err := EncodePayload(v)
		if err != nil {
			return nil, err
		}
		raw = b
	}
	return &Message{
		ID:        uuid.NewString(),
		Type:      typ,
		From:      from,
		SessionID: sessionID,
		Payload:   raw,
		Timestamp: time.Now().UTC(),
	}, nil
}

// Clone returns a deep copy of the message
func (m *Message) Clone() *Message {
	if m == nil {
		return nil
	}
	c := *m
	c.Payload = append([]byte(nil), m.Payload...)
	c.PublicKey = append([]byte(nil), m.PublicKey...)
	c.Signature = append([]byte(nil), m.Signature...)
	return &c
}

// Decode unmarshals the payload into v
func (m *Message) Decode(v interface{}) error {
	return DecodePayload(m.Payload, v)
}
