// Package registry tracks live sessions and their chat subscriptions. It is
// the single source of truth for "which sessions can receive frames for this
// chat" and is consulted by the egress processor on every delivery.
package registry

import (
	"errors"
	"sync"
	"time"
)

// Sentinel errors for registry mutations.
var (
	ErrDuplicateSession = errors.New("session id already registered")
	ErrSessionClosed    = errors.New("session id was already closed or dropped")
	ErrMaxSessions      = errors.New("maximum session count reached")
)

// Endpoint write outcomes, classified by the egress processor.
var (
	// ErrEndpointGone means the endpoint is permanently unreachable. The
	// session is dropped and the write is treated as delivered.
	ErrEndpointGone = errors.New("endpoint gone")

	// ErrEndpointTransient means the write failed but may succeed on a later
	// delivery of the same envelope.
	ErrEndpointTransient = errors.New("endpoint transient failure")
)

// EndpointWriter delivers a serialised frame to a session endpoint. Only the
// egress processor calls it; the registry merely stores the handle.
type EndpointWriter interface {
	WriteFrame(frame []byte) error
}

// Session is a live bidirectional channel bound to a fixed chat set for its
// lifetime. ChatIDs is immutable after Open; a permission change requires the
// session to be torn down and reopened under a new ID.
type Session struct {
	SessionID   string
	PrincipalID string
	ChatIDs     map[string]struct{}
	OpenedAt    time.Time
	Endpoint    EndpointWriter
}

// Subscribed reports whether the session's immutable chat set contains chatID.
func (s *Session) Subscribed(chatID string) bool {
	_, ok := s.ChatIDs[chatID]
	return ok
}

// Kill strength for terminal transitions: drop outranks close. Once recorded
// for a session ID, a weaker transition for the same ID cannot override it and
// an open cannot resurrect it.
const (
	killClose = 1
	killDrop  = 2
)

// tombstoneLimit bounds the terminal-transition memory. Session IDs are fresh
// UUIDs, so tombstones only ever matter for resolving open/close/drop races on
// the same generation; forgetting old ones is harmless.
const tombstoneLimit = 4096

// Registry is the live session map with a secondary index by chat. The
// secondary index is updated under the same lock as the primary map, so
// readers never observe one without the other.
type Registry struct {
	mu         sync.RWMutex
	sessions   map[string]*Session
	byChat     map[string]map[string]struct{}
	tombstones map[string]int
	maxCount   int
}

// New creates an empty registry. maxCount <= 0 means unlimited.
func New(maxCount int) *Registry {
	return &Registry{
		sessions:   make(map[string]*Session),
		byChat:     make(map[string]map[string]struct{}),
		tombstones: make(map[string]int),
		maxCount:   maxCount,
	}
}

// Open registers a session. Opening an ID that is still live fails with
// ErrDuplicateSession; opening an ID that was closed or dropped fails with
// ErrSessionClosed — there are no reopen transitions.
func (r *Registry) Open(s *Session) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.tombstones[s.SessionID]; ok {
		return ErrSessionClosed
	}
	if _, ok := r.sessions[s.SessionID]; ok {
		return ErrDuplicateSession
	}
	if r.maxCount > 0 && len(r.sessions) >= r.maxCount {
		return ErrMaxSessions
	}

	r.sessions[s.SessionID] = s
	for chatID := range s.ChatIDs {
		set, ok := r.byChat[chatID]
		if !ok {
			set = make(map[string]struct{})
			r.byChat[chatID] = set
		}
		set[s.SessionID] = struct{}{}
	}
	return nil
}

// Close removes a session on clean disconnect. Returns true if the session was
// live. A later Drop for the same ID upgrades the recorded transition.
func (r *Registry) Close(sessionID string) bool {
	return r.remove(sessionID, killClose)
}

// Drop removes a session whose endpoint reported gone, or that an
// administrator killed. Drop takes precedence over Close: calling Drop after
// Close upgrades the tombstone, never the other way around.
func (r *Registry) Drop(sessionID string) bool {
	return r.remove(sessionID, killDrop)
}

func (r *Registry) remove(sessionID string, kind int) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if prev, ok := r.tombstones[sessionID]; !ok || kind > prev {
		if len(r.tombstones) >= tombstoneLimit {
			clear(r.tombstones)
		}
		r.tombstones[sessionID] = kind
	}

	s, ok := r.sessions[sessionID]
	if !ok {
		return false
	}
	delete(r.sessions, sessionID)
	for chatID := range s.ChatIDs {
		set := r.byChat[chatID]
		delete(set, sessionID)
		if len(set) == 0 {
			delete(r.byChat, chatID)
		}
	}
	return true
}

// LookupByChat returns the IDs of all live sessions subscribed to chatID.
func (r *Registry) LookupByChat(chatID string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	set := r.byChat[chatID]
	if len(set) == 0 {
		return nil
	}
	ids := make([]string, 0, len(set))
	for id := range set {
		ids = append(ids, id)
	}
	return ids
}

// Get returns the live session with the given ID.
func (r *Registry) Get(sessionID string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[sessionID]
	return s, ok
}

// Len returns the number of live sessions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}
