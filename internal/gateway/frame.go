package gateway

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/chatbus/chatbus-server/internal/apierrors"
	"github.com/chatbus/chatbus-server/internal/envelope"
)

// Outbound frame types.
const (
	FrameReady   = "ready"
	FrameMessage = "message"
	FrameAck     = "ack"
	FramePong    = "pong"
)

// Inbound operation codes.
const (
	OpSendMessage = "sendMessage"
	OpPing        = "ping"
)

// InboundFrame is the wire shape of client-to-server messages on an open
// session. Only the named operations are accepted; anything else closes the
// connection.
type InboundFrame struct {
	Op    string          `json:"op"`
	AckID string          `json:"ackId,omitempty"`
	Data  json.RawMessage `json:"d,omitempty"`
}

// ReadyData confirms an accepted handshake. ChatIDs is the deduplicated
// authorized set the session is bound to for its lifetime.
type ReadyData struct {
	SessionID string   `json:"sessionId"`
	ChatIDs   []string `json:"chatIds"`
}

// DeliveryData is the enriched message frame written to a session endpoint.
// ReceivedTimestamp and LatencyMS are stamped by the egress processor just
// before the write.
type DeliveryData struct {
	MessageID         string           `json:"messageId"`
	ChatID            string           `json:"chatId"`
	PrincipalID       string           `json:"principalId"`
	SequenceNumber    *uint64          `json:"sequenceNumber,omitempty"`
	PublishTime       time.Time        `json:"publishTime"`
	ReceivedTimestamp time.Time        `json:"receivedTimestamp"`
	LatencyMS         int64            `json:"latencyMs"`
	Payload           envelope.Payload `json:"payload"`
}

type outboundFrame struct {
	Type      string          `json:"type"`
	AckID     string          `json:"ackId,omitempty"`
	Status    string          `json:"status,omitempty"`
	MessageID string          `json:"messageId,omitempty"`
	Error     *frameError     `json:"error,omitempty"`
	Data      json.RawMessage `json:"d,omitempty"`
}

type frameError struct {
	Code    apierrors.Code `json:"code"`
	Message string         `json:"message"`
}

// NewReadyFrame returns a serialised ready frame.
func NewReadyFrame(sessionID string, chatIDs []string) ([]byte, error) {
	data, err := json.Marshal(ReadyData{SessionID: sessionID, ChatIDs: chatIDs})
	if err != nil {
		return nil, fmt.Errorf("marshal ready data: %w", err)
	}
	return json.Marshal(outboundFrame{Type: FrameReady, Data: data})
}

// NewMessageFrame returns a serialised delivery frame.
func NewMessageFrame(d DeliveryData) ([]byte, error) {
	data, err := json.Marshal(d)
	if err != nil {
		return nil, fmt.Errorf("marshal delivery data: %w", err)
	}
	return json.Marshal(outboundFrame{Type: FrameMessage, Data: data})
}

// NewAckFrame returns a serialised success acknowledgement correlated to the
// client-supplied ackId (which may be empty).
func NewAckFrame(ackID, messageID string) ([]byte, error) {
	return json.Marshal(outboundFrame{
		Type:      FrameAck,
		AckID:     ackID,
		Status:    "ok",
		MessageID: messageID,
	})
}

// NewErrorAckFrame returns a serialised failure acknowledgement.
func NewErrorAckFrame(ackID string, code apierrors.Code, message string) ([]byte, error) {
	return json.Marshal(outboundFrame{
		Type:   FrameAck,
		AckID:  ackID,
		Status: "error",
		Error:  &frameError{Code: code, Message: message},
	})
}

// NewPongFrame returns a serialised keepalive response.
func NewPongFrame() ([]byte, error) {
	return json.Marshal(outboundFrame{Type: FramePong})
}
