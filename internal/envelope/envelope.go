// Package envelope defines the canonical message shape carried on the internal
// bus. An envelope is created by the ingress publisher, never mutated after
// publish, and enriched additively by the egress processor just before the
// session write.
package envelope

import (
	"crypto/sha256"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
)

// MessageType selects the delivery topic for an envelope.
type MessageType string

const (
	// TypeFIFO routes through the ordered topic: per-group ordering and
	// content-based deduplication within the dedup window.
	TypeFIFO MessageType = "fifo"

	// TypeStandard routes through the best-effort topic: no ordering promise,
	// rare duplicates possible.
	TypeStandard MessageType = "standard"
)

// ChannelSession is the real-time session delivery channel. The routing surface
// accepts other channel names, but only this one has a wired egress queue.
const ChannelSession = "session"

// Validation sentinels surfaced by Validate.
var (
	ErrMalformedBody      = errors.New("body is not structured")
	ErrMissingField       = errors.New("required field is absent")
	ErrInvalidMessageType = errors.New("message type must be fifo or standard")
)

// Payload is the opaque publisher content. Only chatId is interpreted by the
// bus; every other attribute passes through untouched.
type Payload struct {
	ChatID string `json:"chatId"`

	// Extra holds all payload attributes except chatId, preserved verbatim.
	Extra map[string]json.RawMessage `json:"-"`
}

// MarshalJSON renders the payload with chatId merged back into the opaque
// attribute set.
func (p Payload) MarshalJSON() ([]byte, error) {
	out := make(map[string]json.RawMessage, len(p.Extra)+1)
	for k, v := range p.Extra {
		out[k] = v
	}
	chatID, err := json.Marshal(p.ChatID)
	if err != nil {
		return nil, err
	}
	out["chatId"] = chatID
	return json.Marshal(out)
}

// UnmarshalJSON splits chatId out of the attribute set and keeps the rest raw.
func (p *Payload) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	if chatID, ok := raw["chatId"]; ok {
		if err := json.Unmarshal(chatID, &p.ChatID); err != nil {
			return err
		}
		delete(raw, "chatId")
	}
	p.Extra = raw
	return nil
}

// Envelope is the canonical on-bus message. ChatID and PublishTime are never
// absent after publish; SequenceNumber is set only when the publisher requested
// server-side sequencing; GroupID defaults to the chat for FIFO messages.
type Envelope struct {
	MessageID      string      `json:"messageId"`
	ChatID         string      `json:"chatId"`
	PrincipalID    string      `json:"principalId"`
	TargetChannel  string      `json:"targetChannel"`
	MessageType    MessageType `json:"messageType"`
	SequenceNumber *uint64     `json:"sequenceNumber,omitempty"`
	PublishTime    time.Time   `json:"publishTime"`
	GroupID        string      `json:"groupId,omitempty"`
	Payload        Payload     `json:"payload"`
}

// Attributes is the filterable attribute set the bus matches subscriptions
// against.
type Attributes struct {
	TargetChannel string
	ChatID        string
	MessageType   MessageType
	PublishTime   time.Time
}

// Attributes returns the envelope's routing attributes.
func (e *Envelope) Attributes() Attributes {
	return Attributes{
		TargetChannel: e.TargetChannel,
		ChatID:        e.ChatID,
		MessageType:   e.MessageType,
		PublishTime:   e.PublishTime,
	}
}

// Age returns how long ago the envelope was published, relative to now.
func (e *Envelope) Age(now time.Time) time.Duration {
	return now.Sub(e.PublishTime)
}

// PublishRequest is the decoded publisher input, shared by the A2P body and the
// P2P sendMessage frame.
type PublishRequest struct {
	TargetChannel    string          `json:"targetChannel"`
	MessageType      MessageType     `json:"messageType"`
	MessageGroupID   string          `json:"messageGroupId,omitempty"`
	GenerateSequence bool            `json:"generateSequence,omitempty"`
	Payload          json.RawMessage `json:"payload,omitempty"`
}

// Validate checks the request against the ingress contract and decodes the
// payload. The returned payload is only valid when err is nil.
func (r *PublishRequest) Validate() (Payload, error) {
	if r.TargetChannel == "" || len(r.Payload) == 0 {
		return Payload{}, ErrMissingField
	}
	if r.MessageType != TypeFIFO && r.MessageType != TypeStandard {
		return Payload{}, ErrInvalidMessageType
	}

	var p Payload
	if err := json.Unmarshal(r.Payload, &p); err != nil {
		return Payload{}, ErrMalformedBody
	}
	if p.ChatID == "" {
		return Payload{}, ErrMissingField
	}
	return p, nil
}

// DeriveFIFOMessageID computes a deterministic message ID from the envelope
// content so that the same payload published twice within the dedup window
// collapses to one message. Publish time is deliberately excluded from the
// hash; dedup is purely content-based.
func DeriveFIFOMessageID(targetChannel string, groupID string, p Payload) string {
	h := sha256.New()
	h.Write([]byte(targetChannel))
	h.Write([]byte{0})
	h.Write([]byte(groupID))
	h.Write([]byte{0})
	h.Write([]byte(p.ChatID))
	h.Write([]byte{0})
	if body, err := json.Marshal(p); err == nil {
		h.Write(body)
	}

	var id uuid.UUID
	copy(id[:], h.Sum(nil))
	// Stamp version 5 (name-based SHA) and RFC 4122 variant bits so the ID is a
	// well-formed UUID.
	id[6] = (id[6] & 0x0f) | 0x50
	id[8] = (id[8] & 0x3f) | 0x80
	return id.String()
}

// NewStandardMessageID returns a random message ID for standard-topic
// envelopes, which are never deduplicated.
func NewStandardMessageID() string {
	return uuid.NewString()
}
