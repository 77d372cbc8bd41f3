package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/fasthttp/websocket"
	"github.com/rs/zerolog"

	"github.com/chatbus/chatbus-server/internal/apierrors"
	"github.com/chatbus/chatbus-server/internal/envelope"
	"github.com/chatbus/chatbus-server/internal/permission"
	"github.com/chatbus/chatbus-server/internal/publish"
	"github.com/chatbus/chatbus-server/internal/registry"
	"github.com/chatbus/chatbus-server/internal/sequence"
)

const (
	// maxMessageSize is the maximum size in bytes of a single inbound WebSocket message.
	maxMessageSize = 65536

	// writeWait is the time allowed to write a message to the peer.
	writeWait = 10 * time.Second
)

// Client represents one accepted session connection. Each client runs two
// goroutines (readPump and writePump). The egress processor reaches it only
// through the registry's EndpointWriter handle.
type Client struct {
	hub  *Hub
	conn *websocket.Conn
	send chan []byte
	log  zerolog.Logger

	sessionID   string
	principalID string
	chatIDs     map[string]struct{}

	// done is closed to signal that the client is shutting down. The send channel is never closed directly; writePump
	// and WriteFrame both select on done to detect termination, avoiding send-on-closed-channel panics when a
	// disconnect races with an egress write.
	done      chan struct{}
	closeOnce sync.Once

	// Rate limiting state (only accessed from readPump, no mutex needed).
	eventCount  int
	windowStart time.Time
}

func newClient(hub *Hub, conn *websocket.Conn, sessionID, principalID string, chatIDs map[string]struct{}, logger zerolog.Logger) *Client {
	return &Client{
		hub:         hub,
		conn:        conn,
		send:        make(chan []byte, 256),
		done:        make(chan struct{}),
		sessionID:   sessionID,
		principalID: principalID,
		chatIDs:     chatIDs,
		log:         logger.With().Str("session_id", sessionID).Logger(),
	}
}

// closeSend signals the client's write loop to stop. It is safe to call from multiple goroutines; only the first call
// has any effect.
func (c *Client) closeSend() {
	c.closeOnce.Do(func() { close(c.done) })
}

// closeConn closes the underlying connection if one is attached.
func (c *Client) closeConn() {
	if c.conn != nil {
		_ = c.conn.Close()
	}
}

// WriteFrame delivers a serialised frame to the session endpoint. It reports
// ErrEndpointGone once the client has shut down, and also when the send buffer
// is full: a client that cannot drain its buffer is disconnected rather than
// allowed to stall the egress queue.
func (c *Client) WriteFrame(frame []byte) error {
	select {
	case <-c.done:
		return registry.ErrEndpointGone
	default:
	}

	select {
	case c.send <- frame:
		return nil
	case <-c.done:
		return registry.ErrEndpointGone
	default:
		c.log.Warn().Msg("Client send buffer full, closing connection")
		c.closeSend()
		c.closeConn()
		return registry.ErrEndpointGone
	}
}

// readPump reads frames from the WebSocket connection and routes them by operation. It runs in its own goroutine and
// is responsible for the session teardown when the read loop exits.
func (c *Client) readPump() {
	defer func() {
		c.hub.unregister(c)
		_ = c.conn.Close()
	}()

	heartbeatInterval := time.Duration(c.hub.cfg.GatewayHeartbeatIntervalMS) * time.Millisecond
	c.conn.SetReadLimit(maxMessageSize)
	// Allow slightly more than one heartbeat interval before timing out, so a single missed ping does not immediately
	// sever the connection.
	_ = c.conn.SetReadDeadline(time.Now().Add(heartbeatInterval + heartbeatInterval/2))

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.log.Debug().Err(err).Msg("WebSocket read error")
			}
			return
		}

		if c.rateLimited() {
			c.closeWithCode(CloseRateLimited, "rate limit exceeded")
			return
		}

		var frame InboundFrame
		if err := json.Unmarshal(message, &frame); err != nil {
			c.closeWithCode(CloseDecodeError, "invalid JSON")
			return
		}

		switch frame.Op {
		case OpPing:
			c.handlePing(heartbeatInterval)
		case OpSendMessage:
			c.handleSendMessage(frame)
		default:
			c.closeWithCode(CloseUnknownOpcode, "unknown operation")
			return
		}
	}
}

// writePump writes messages from the send channel to the WebSocket connection. It runs in its own goroutine and exits
// when done is closed. Any messages remaining in the send buffer are drained before returning.
func (c *Client) writePump() {
	defer func() { _ = c.conn.Close() }()

	for {
		select {
		case msg := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				c.log.Debug().Err(err).Msg("WebSocket write error")
				return
			}
		case <-c.done:
			// Drain any messages already buffered so the client receives them before the connection closes.
			for {
				select {
				case msg := <-c.send:
					_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
					if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
						return
					}
				default:
					return
				}
			}
		}
	}
}

// handlePing responds with a pong and resets the read deadline.
func (c *Client) handlePing(heartbeatInterval time.Duration) {
	_ = c.conn.SetReadDeadline(time.Now().Add(heartbeatInterval + heartbeatInterval/2))

	pong, err := NewPongFrame()
	if err != nil {
		c.log.Error().Err(err).Msg("Failed to build pong frame")
		return
	}
	_ = c.WriteFrame(pong)
}

// handleSendMessage forwards a publish request to the ingress publisher under
// the session's immutable context and acknowledges the outcome. The ack is
// correlated to the client-supplied ackId when present.
func (c *Client) handleSendMessage(frame InboundFrame) {
	var req envelope.PublishRequest
	if len(frame.Data) > 0 {
		if err := json.Unmarshal(frame.Data, &req); err != nil {
			c.sendErrorAck(frame.AckID, apierrors.MalformedBody, "Invalid sendMessage payload")
			return
		}
	}

	receipt, err := c.hub.publisher.PublishSession(context.Background(), c.principalID, c.chatIDs, req)
	if err != nil {
		code, message := publishErrorCode(err)
		c.sendErrorAck(frame.AckID, code, message)
		return
	}

	ack, err := NewAckFrame(frame.AckID, receipt.MessageID)
	if err != nil {
		c.log.Error().Err(err).Msg("Failed to build ack frame")
		return
	}
	_ = c.WriteFrame(ack)
}

func (c *Client) sendErrorAck(ackID string, code apierrors.Code, message string) {
	ack, err := NewErrorAckFrame(ackID, code, message)
	if err != nil {
		c.log.Error().Err(err).Msg("Failed to build error ack frame")
		return
	}
	_ = c.WriteFrame(ack)
}

// publishErrorCode maps publisher errors to wire codes for the ack frame.
func publishErrorCode(err error) (apierrors.Code, string) {
	switch {
	case errors.Is(err, envelope.ErrMalformedBody):
		return apierrors.MalformedBody, "Payload is not structured"
	case errors.Is(err, envelope.ErrMissingField):
		return apierrors.MissingField, "targetChannel, payload and payload.chatId are required"
	case errors.Is(err, envelope.ErrInvalidMessageType):
		return apierrors.InvalidMessageType, "messageType must be fifo or standard"
	case errors.Is(err, publish.ErrNoPermission):
		return apierrors.NoPermission, "No permission on chat"
	case errors.Is(err, sequence.ErrSequencerUnavailable):
		return apierrors.SequencerUnavailable, "Sequencer unavailable, retry"
	case errors.Is(err, permission.ErrStoreUnavailable):
		return apierrors.StoreUnavailable, "Permission store unavailable, retry"
	default:
		return apierrors.BusUnavailable, "Publish failed, retry"
	}
}

// closeWithCode sends a WebSocket close frame with the given code and reason, then closes the underlying connection.
func (c *Client) closeWithCode(code int, reason string) {
	msg := websocket.FormatCloseMessage(code, reason)
	_ = c.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
	_ = c.conn.Close()
}

// rateLimited returns true if the client has exceeded the configured message rate limit.
func (c *Client) rateLimited() bool {
	now := time.Now()
	window := time.Duration(c.hub.cfg.RateLimitWSWindowSeconds) * time.Second
	if now.Sub(c.windowStart) > window {
		c.eventCount = 0
		c.windowStart = now
	}
	c.eventCount++
	return c.eventCount > c.hub.cfg.RateLimitWSCount
}
