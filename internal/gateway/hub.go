package gateway

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fasthttp/websocket"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/chatbus/chatbus-server/internal/auth"
	"github.com/chatbus/chatbus-server/internal/config"
	"github.com/chatbus/chatbus-server/internal/permission"
	"github.com/chatbus/chatbus-server/internal/publish"
	"github.com/chatbus/chatbus-server/internal/registry"
)

// PermissionGetter is the point-read slice of the permission store the
// handshake authorizer needs.
type PermissionGetter interface {
	Get(ctx context.Context, principalID, chatID string) (*permission.Record, error)
}

// Hub accepts session handshakes, authorizes the requested chat set, and
// manages the connection lifecycle. Frame delivery is owned by the egress
// processor, which reaches sessions through the registry; the hub only writes
// handshake, ack, and keepalive frames.
type Hub struct {
	cfg       *config.Config
	verifier  auth.Verifier
	perms     PermissionGetter
	registry  *registry.Registry
	publisher *publish.Publisher
	log       zerolog.Logger

	mu      sync.Mutex
	clients map[string]*Client
}

// NewHub creates a gateway hub.
func NewHub(
	cfg *config.Config,
	verifier auth.Verifier,
	perms PermissionGetter,
	reg *registry.Registry,
	publisher *publish.Publisher,
	logger zerolog.Logger,
) *Hub {
	return &Hub{
		cfg:       cfg,
		verifier:  verifier,
		perms:     perms,
		registry:  reg,
		publisher: publisher,
		clients:   make(map[string]*Client),
		log:       logger.With().Str("component", "gateway").Logger(),
	}
}

// ServeWebSocket runs the handshake for an upgraded connection and, on accept,
// starts the client's pumps. It blocks until the session ends. The token and
// chat list come from the upgrade request's query parameters.
func (h *Hub) ServeWebSocket(conn *websocket.Conn, rawToken, chatIDsCSV string) {
	claims, chatIDs, ok := h.handshake(conn, rawToken, chatIDsCSV)
	if !ok {
		return
	}

	sessionID := uuid.NewString()
	client := newClient(h, conn, sessionID, claims.Subject, chatIDs, h.log)

	if err := h.registry.Open(&registry.Session{
		SessionID:   sessionID,
		PrincipalID: claims.Subject,
		ChatIDs:     chatIDs,
		OpenedAt:    time.Now().UTC(),
		Endpoint:    client,
	}); err != nil {
		if errors.Is(err, registry.ErrMaxSessions) {
			closeWithCode(conn, CloseMaxConnections, "maximum connections reached")
		} else {
			closeWithCode(conn, CloseUnknownError, "registration failed")
		}
		return
	}

	h.mu.Lock()
	h.clients[sessionID] = client
	h.mu.Unlock()

	sorted := make([]string, 0, len(chatIDs))
	for chatID := range chatIDs {
		sorted = append(sorted, chatID)
	}
	sort.Strings(sorted)
	ready, err := NewReadyFrame(sessionID, sorted)
	if err != nil {
		h.log.Error().Err(err).Msg("Failed to build ready frame")
		h.unregister(client)
		_ = conn.Close()
		return
	}
	_ = client.WriteFrame(ready)

	h.log.Info().
		Str("session_id", sessionID).
		Str("principal_id", claims.Subject).
		Int("chats", len(chatIDs)).
		Msg("Session opened")

	go client.writePump()
	client.readPump()
}

// denial is a handshake rejection: the close code and reason sent to the
// client before the socket is dropped.
type denial struct {
	code   int
	reason string
}

// handshake runs the authorization decision for an upgraded connection and
// closes the socket on denial.
func (h *Hub) handshake(conn *websocket.Conn, rawToken, chatIDsCSV string) (*auth.Claims, map[string]struct{}, bool) {
	claims, chatIDs, deny := h.authorizeHandshake(rawToken, chatIDsCSV)
	if deny != nil {
		closeWithCode(conn, deny.code, deny.reason)
		return nil, nil, false
	}
	return claims, chatIDs, true
}

// authorizeHandshake verifies the bearer token and authorizes every requested
// chat. One missing permission denies the whole session; a transient store
// fault denies with a retryable close code (fail closed). The returned chat
// set is deduplicated and becomes the session's immutable binding.
func (h *Hub) authorizeHandshake(rawToken, chatIDsCSV string) (*auth.Claims, map[string]struct{}, *denial) {
	if rawToken == "" || chatIDsCSV == "" {
		return nil, nil, &denial{CloseDecodeError, "token and chatIds are required"}
	}

	ctx, cancel := context.WithTimeout(context.Background(), h.cfg.TokenVerifyTimeout)
	defer cancel()

	claims, err := h.verifier.Verify(ctx, rawToken)
	if err != nil {
		h.log.Debug().Err(err).Msg("Handshake token validation failed")
		return nil, nil, &denial{CloseAuthFailed, "invalid token"}
	}

	chatIDs := make(map[string]struct{})
	for _, raw := range strings.Split(chatIDsCSV, ",") {
		chatID := strings.TrimSpace(raw)
		if chatID != "" {
			chatIDs[chatID] = struct{}{}
		}
	}
	if len(chatIDs) == 0 {
		return nil, nil, &denial{CloseDecodeError, "chatIds must name at least one chat"}
	}
	if len(chatIDs) > h.cfg.GatewayMaxChatsPerSession {
		return nil, nil, &denial{CloseDecodeError, "too many chats requested"}
	}

	authCtx, authCancel := context.WithTimeout(context.Background(), h.cfg.TokenVerifyTimeout)
	defer authCancel()

	for chatID := range chatIDs {
		_, err := h.perms.Get(authCtx, claims.Subject, chatID)
		if err != nil {
			if errors.Is(err, permission.ErrNotFound) {
				h.log.Debug().
					Str("principal_id", claims.Subject).
					Str("chat_id", chatID).
					Msg("Handshake denied, missing chat permission")
				return nil, nil, &denial{CloseNoPermission, "no permission on requested chat"}
			}
			h.log.Warn().Err(err).Msg("Permission store fault during handshake, denying")
			return nil, nil, &denial{CloseRetryLater, "authorization unavailable, retry"}
		}
	}

	return claims, chatIDs, nil
}

// unregister tears the client's session down. Reached from the read pump on
// disconnect; a session already removed by an egress drop is a no-op here.
func (h *Hub) unregister(client *Client) {
	h.mu.Lock()
	current, ok := h.clients[client.sessionID]
	if !ok || current != client {
		h.mu.Unlock()
		return
	}
	delete(h.clients, client.sessionID)
	h.mu.Unlock()

	client.closeSend()
	if h.registry.Close(client.sessionID) {
		h.log.Info().Str("session_id", client.sessionID).Msg("Session closed")
	}
}

// DropClient force-closes a session's connection after an egress drop so the
// socket does not linger once the registry entry is gone.
func (h *Hub) DropClient(sessionID string) {
	h.mu.Lock()
	client, ok := h.clients[sessionID]
	if ok {
		delete(h.clients, sessionID)
	}
	h.mu.Unlock()

	if !ok {
		return
	}
	client.closeSend()
	client.closeConn()
}

// ClientCount returns the number of currently connected clients.
func (h *Hub) ClientCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// Shutdown gracefully closes all active connections with a Going Away status.
func (h *Hub) Shutdown() {
	h.mu.Lock()
	defer h.mu.Unlock()

	for sessionID, client := range h.clients {
		client.closeSend()
		if client.conn != nil {
			_ = client.conn.WriteControl(
				websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"),
				time.Now().Add(writeWait),
			)
		}
		client.closeConn()
		h.registry.Close(sessionID)
		delete(h.clients, sessionID)
	}
	h.log.Info().Msg("Gateway hub shut down")
}

func closeWithCode(conn *websocket.Conn, code int, reason string) {
	msg := websocket.FormatCloseMessage(code, reason)
	_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
	_ = conn.Close()
}
