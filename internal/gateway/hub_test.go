package gateway

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/chatbus/chatbus-server/internal/auth"
	"github.com/chatbus/chatbus-server/internal/bus"
	"github.com/chatbus/chatbus-server/internal/config"
	"github.com/chatbus/chatbus-server/internal/envelope"
	"github.com/chatbus/chatbus-server/internal/permission"
	"github.com/chatbus/chatbus-server/internal/publish"
	"github.com/chatbus/chatbus-server/internal/registry"
	"github.com/chatbus/chatbus-server/internal/telemetry"
)

// fakeVerifier accepts the listed tokens, mapping each to a subject.
type fakeVerifier struct {
	tokens map[string]string
}

func (f *fakeVerifier) Verify(_ context.Context, rawToken string) (*auth.Claims, error) {
	subject, ok := f.tokens[rawToken]
	if !ok {
		return nil, auth.ErrTokenInvalid
	}
	return &auth.Claims{Subject: subject}, nil
}

// fakePermStore authorizes the listed (principal, chat) pairs; err, when set,
// is returned for every lookup.
type fakePermStore struct {
	allowed map[string]bool
	err     error
}

func (f *fakePermStore) Get(_ context.Context, principalID, chatID string) (*permission.Record, error) {
	if f.err != nil {
		return nil, f.err
	}
	if !f.allowed[principalID+"/"+chatID] {
		return nil, permission.ErrNotFound
	}
	return &permission.Record{PrincipalID: principalID, ChatID: chatID, Role: permission.RoleMember}, nil
}

// fakeBus captures published envelopes.
type fakeBus struct {
	published []*envelope.Envelope
	err       error
}

func (f *fakeBus) Publish(_ context.Context, env *envelope.Envelope) (*bus.Receipt, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.published = append(f.published, env)
	return &bus.Receipt{MessageID: env.MessageID, Matched: 2}, nil
}

// fakeSequencer counts up per chat.
type fakeSequencer struct {
	next map[string]uint64
	err  error
}

func (f *fakeSequencer) Next(_ context.Context, chatID string) (uint64, error) {
	if f.err != nil {
		return 0, f.err
	}
	if f.next == nil {
		f.next = make(map[string]uint64)
	}
	f.next[chatID]++
	return f.next[chatID], nil
}

func testConfig() *config.Config {
	return &config.Config{
		TokenVerifyTimeout:         2 * time.Second,
		GatewayMaxConnections:      10,
		GatewayMaxChatsPerSession:  5,
		GatewayHeartbeatIntervalMS: 45000,
		RateLimitWSCount:           3,
		RateLimitWSWindowSeconds:   60,
	}
}

func newTestHub(perms *fakePermStore) (*Hub, *registry.Registry) {
	reg := registry.New(10)
	verifier := &fakeVerifier{tokens: map[string]string{"token-alice": "alice", "token-bob": "bob"}}
	publisher := publish.New(&fakeBus{}, &fakeSequencer{}, perms, telemetry.NewMetrics(), 5*time.Second, zerolog.Nop())
	hub := NewHub(testConfig(), verifier, perms, reg, publisher, zerolog.Nop())
	return hub, reg
}

func TestAuthorizeHandshakeAccepted(t *testing.T) {
	t.Parallel()
	hub, _ := newTestHub(&fakePermStore{allowed: map[string]bool{
		"alice/chat-a": true,
		"alice/chat-b": true,
	}})

	// Duplicates and whitespace in the CSV collapse into the deduplicated set.
	claims, chatIDs, deny := hub.authorizeHandshake("token-alice", "chat-a, chat-b,chat-a, ")
	if deny != nil {
		t.Fatalf("authorizeHandshake() denied: %+v", deny)
	}
	if claims.Subject != "alice" {
		t.Errorf("Subject = %q, want alice", claims.Subject)
	}
	if len(chatIDs) != 2 {
		t.Errorf("chatIDs = %v, want deduplicated {chat-a, chat-b}", chatIDs)
	}
	for _, chatID := range []string{"chat-a", "chat-b"} {
		if _, ok := chatIDs[chatID]; !ok {
			t.Errorf("chatIDs missing %q", chatID)
		}
	}
}

func TestAuthorizeHandshakeOneMissingPermissionDeniesWholeSession(t *testing.T) {
	t.Parallel()
	// alice holds chat-a but not chat-b: the whole session is denied, not
	// narrowed to the permitted subset.
	hub, _ := newTestHub(&fakePermStore{allowed: map[string]bool{"alice/chat-a": true}})

	claims, chatIDs, deny := hub.authorizeHandshake("token-alice", "chat-a,chat-b")
	if deny == nil {
		t.Fatalf("authorizeHandshake() accepted with a missing permission, chatIDs = %v", chatIDs)
	}
	if deny.code != CloseNoPermission {
		t.Errorf("code = %d, want %d", deny.code, CloseNoPermission)
	}
	if claims != nil || chatIDs != nil {
		t.Errorf("denied handshake leaked claims or chat set")
	}
}

func TestAuthorizeHandshakeInvalidToken(t *testing.T) {
	t.Parallel()
	hub, _ := newTestHub(&fakePermStore{allowed: map[string]bool{"alice/chat-a": true}})

	_, _, deny := hub.authorizeHandshake("bad-token", "chat-a")
	if deny == nil || deny.code != CloseAuthFailed {
		t.Errorf("deny = %+v, want code %d", deny, CloseAuthFailed)
	}
}

func TestAuthorizeHandshakeStoreFaultFailsClosed(t *testing.T) {
	t.Parallel()
	hub, _ := newTestHub(&fakePermStore{err: permission.ErrStoreUnavailable})

	_, _, deny := hub.authorizeHandshake("token-alice", "chat-a")
	if deny == nil {
		t.Fatalf("authorizeHandshake() accepted during a store fault")
	}
	if deny.code != CloseRetryLater {
		t.Errorf("code = %d, want retryable %d (fail closed)", deny.code, CloseRetryLater)
	}
}

func TestAuthorizeHandshakeMalformedRequests(t *testing.T) {
	t.Parallel()
	hub, _ := newTestHub(&fakePermStore{allowed: map[string]bool{"alice/chat-a": true}})

	tests := []struct {
		name    string
		token   string
		chatIDs string
	}{
		{"missing token", "", "chat-a"},
		{"missing chats", "token-alice", ""},
		{"blank chats", "token-alice", " , ,"},
		{"too many chats", "token-alice", "c1,c2,c3,c4,c5,c6"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, _, deny := hub.authorizeHandshake(tt.token, tt.chatIDs)
			if deny == nil || deny.code != CloseDecodeError {
				t.Errorf("deny = %+v, want code %d", deny, CloseDecodeError)
			}
		})
	}
}

// attach registers a white-box client with the hub and the registry, the way
// ServeWebSocket does after an accepted handshake.
func attach(t *testing.T, hub *Hub, reg *registry.Registry, sessionID, principalID string, chats ...string) *Client {
	t.Helper()

	set := make(map[string]struct{}, len(chats))
	for _, chatID := range chats {
		set[chatID] = struct{}{}
	}
	client := newClient(hub, nil, sessionID, principalID, set, zerolog.Nop())

	if err := reg.Open(&registry.Session{
		SessionID:   sessionID,
		PrincipalID: principalID,
		ChatIDs:     set,
		OpenedAt:    time.Now().UTC(),
		Endpoint:    client,
	}); err != nil {
		t.Fatalf("Open(%s) error = %v", sessionID, err)
	}

	hub.mu.Lock()
	hub.clients[sessionID] = client
	hub.mu.Unlock()
	return client
}

func TestUnregisterClosesSession(t *testing.T) {
	t.Parallel()
	hub, reg := newTestHub(&fakePermStore{})
	client := attach(t, hub, reg, "s1", "alice", "chat-a")

	hub.unregister(client)

	if hub.ClientCount() != 0 {
		t.Errorf("ClientCount() = %d, want 0", hub.ClientCount())
	}
	if _, ok := reg.Get("s1"); ok {
		t.Errorf("registry still holds s1 after unregister")
	}
	if got := reg.LookupByChat("chat-a"); len(got) != 0 {
		t.Errorf("LookupByChat = %v, want empty", got)
	}

	// A second unregister of the same client is a no-op.
	hub.unregister(client)
}

func TestUnregisterIgnoresStaleClient(t *testing.T) {
	t.Parallel()
	hub, reg := newTestHub(&fakePermStore{})
	current := attach(t, hub, reg, "s1", "alice", "chat-a")

	stale := newClient(hub, nil, "s1", "alice", map[string]struct{}{"chat-a": {}}, zerolog.Nop())
	hub.unregister(stale)

	if hub.ClientCount() != 1 {
		t.Errorf("ClientCount() = %d, want 1 (stale unregister removed the live client)", hub.ClientCount())
	}
	if _, ok := reg.Get("s1"); !ok {
		t.Errorf("registry lost s1 after a stale unregister")
	}
	hub.unregister(current)
}

func TestDropClientRemovesConnection(t *testing.T) {
	t.Parallel()
	hub, reg := newTestHub(&fakePermStore{})
	client := attach(t, hub, reg, "s1", "alice", "chat-a")

	// The egress processor drops the registry entry first, then tells the hub.
	reg.Drop("s1")
	hub.DropClient("s1")

	if hub.ClientCount() != 0 {
		t.Errorf("ClientCount() = %d, want 0", hub.ClientCount())
	}
	if err := client.WriteFrame([]byte("x")); err != registry.ErrEndpointGone {
		t.Errorf("WriteFrame() after drop error = %v, want ErrEndpointGone", err)
	}

	// Dropping an unknown session is a no-op.
	hub.DropClient("s-unknown")
}

func TestShutdownClosesEverything(t *testing.T) {
	t.Parallel()
	hub, reg := newTestHub(&fakePermStore{})
	attach(t, hub, reg, "s1", "alice", "chat-a")
	attach(t, hub, reg, "s2", "bob", "chat-b")

	hub.Shutdown()

	if hub.ClientCount() != 0 {
		t.Errorf("ClientCount() = %d, want 0", hub.ClientCount())
	}
	if reg.Len() != 0 {
		t.Errorf("registry Len() = %d, want 0", reg.Len())
	}
}
