package api

import (
	"context"
	"encoding/json"
	"io"
	"net/http/httptest"
	"sort"
	"strings"
	"testing"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/rs/zerolog"

	"github.com/chatbus/chatbus-server/internal/auth"
	"github.com/chatbus/chatbus-server/internal/permission"
)

// memoryPermStore is an in-memory permission.Store for handler tests.
type memoryPermStore struct {
	records map[string]*permission.Record
}

func newMemoryPermStore() *memoryPermStore {
	return &memoryPermStore{records: make(map[string]*permission.Record)}
}

func permKey(principalID, chatID string) string { return principalID + "/" + chatID }

func (m *memoryPermStore) Get(_ context.Context, principalID, chatID string) (*permission.Record, error) {
	rec, ok := m.records[permKey(principalID, chatID)]
	if !ok {
		return nil, permission.ErrNotFound
	}
	return rec, nil
}

func (m *memoryPermStore) List(_ context.Context, principalID string, limit int, _ string) ([]permission.Record, string, error) {
	var out []permission.Record
	for _, rec := range m.records {
		if rec.PrincipalID == principalID {
			out = append(out, *rec)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ChatID < out[j].ChatID })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, "", nil
}

func (m *memoryPermStore) ListByChat(_ context.Context, chatID string, limit int, _ string) ([]permission.Record, string, error) {
	var out []permission.Record
	for _, rec := range m.records {
		if rec.ChatID == chatID {
			out = append(out, *rec)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PrincipalID < out[j].PrincipalID })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, "", nil
}

func (m *memoryPermStore) Grant(_ context.Context, principalID, chatID string, role permission.Role, grantedBy string) (*permission.Record, error) {
	if !permission.ValidRole(role) {
		return nil, permission.ErrInvalidRole
	}
	rec := &permission.Record{
		PrincipalID: principalID,
		ChatID:      chatID,
		Role:        role,
		GrantedBy:   grantedBy,
		GrantedAt:   time.Now().UTC(),
	}
	m.records[permKey(principalID, chatID)] = rec
	return rec, nil
}

func (m *memoryPermStore) Revoke(_ context.Context, principalID, chatID string) error {
	if _, ok := m.records[permKey(principalID, chatID)]; !ok {
		return permission.ErrNotFound
	}
	delete(m.records, permKey(principalID, chatID))
	return nil
}

func newPermissionApp(t *testing.T, store permission.Store) *fiber.App {
	t.Helper()
	handler := NewPermissionHandler(store, zerolog.Nop())
	verifier := auth.NewHMACVerifier(testSecret, "", "")
	requireAuth := auth.RequireAuth(verifier, 2*time.Second)

	app := fiber.New()
	group := app.Group("/v1/permissions", requireAuth)
	group.Post("/", handler.Grant)
	group.Delete("/", handler.Revoke)
	group.Get("/", handler.List)
	return app
}

func doRequest(t *testing.T, app *fiber.App, method, target, authHeader, body string) (int, []byte) {
	t.Helper()

	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, target, reader)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	if authHeader != "" {
		req.Header.Set("Authorization", authHeader)
	}

	resp, err := app.Test(req)
	if err != nil {
		t.Fatalf("Test() error = %v", err)
	}
	defer func() { _ = resp.Body.Close() }()
	raw, _ := io.ReadAll(resp.Body)
	return resp.StatusCode, raw
}

func TestGrantBootstrapsEmptyChat(t *testing.T) {
	t.Parallel()
	store := newMemoryPermStore()
	app := newPermissionApp(t, store)

	status, _ := doRequest(t, app, "POST", "/v1/permissions/", bearer(t, "root"),
		`{"targetUserId":"alice","chatId":"chat-new","role":"admin"}`)
	if status != fiber.StatusCreated {
		t.Fatalf("status = %d, want 201 (first grant bootstraps)", status)
	}
	if _, err := store.Get(context.Background(), "alice", "chat-new"); err != nil {
		t.Errorf("record not stored: %v", err)
	}
}

func TestGrantRequiresChatAdmin(t *testing.T) {
	t.Parallel()
	store := newMemoryPermStore()
	_, _ = store.Grant(context.Background(), "alice", "chat-1", permission.RoleAdmin, "root")
	_, _ = store.Grant(context.Background(), "bob", "chat-1", permission.RoleMember, "alice")
	app := newPermissionApp(t, store)

	// A member cannot grant.
	status, _ := doRequest(t, app, "POST", "/v1/permissions/", bearer(t, "bob"),
		`{"targetUserId":"carol","chatId":"chat-1","role":"viewer"}`)
	if status != fiber.StatusForbidden {
		t.Errorf("member grant status = %d, want 403", status)
	}

	// The admin can.
	status, _ = doRequest(t, app, "POST", "/v1/permissions/", bearer(t, "alice"),
		`{"targetUserId":"carol","chatId":"chat-1","role":"viewer"}`)
	if status != fiber.StatusCreated {
		t.Errorf("admin grant status = %d, want 201", status)
	}
}

func TestGrantInvalidRole(t *testing.T) {
	t.Parallel()
	app := newPermissionApp(t, newMemoryPermStore())

	status, raw := doRequest(t, app, "POST", "/v1/permissions/", bearer(t, "root"),
		`{"targetUserId":"alice","chatId":"chat-1","role":"owner"}`)
	if status != fiber.StatusBadRequest {
		t.Errorf("status = %d, want 400", status)
	}
	if !strings.Contains(string(raw), "INVALID_ROLE") {
		t.Errorf("body = %s, want INVALID_ROLE", raw)
	}
}

func TestRevoke(t *testing.T) {
	t.Parallel()
	store := newMemoryPermStore()
	_, _ = store.Grant(context.Background(), "alice", "chat-1", permission.RoleAdmin, "root")
	_, _ = store.Grant(context.Background(), "bob", "chat-1", permission.RoleMember, "alice")
	app := newPermissionApp(t, store)

	status, _ := doRequest(t, app, "DELETE", "/v1/permissions/?userId=bob&chatId=chat-1", bearer(t, "alice"), "")
	if status != fiber.StatusOK {
		t.Fatalf("status = %d, want 200", status)
	}
	if _, err := store.Get(context.Background(), "bob", "chat-1"); err == nil {
		t.Errorf("record still present after revoke")
	}

	status, _ = doRequest(t, app, "DELETE", "/v1/permissions/?userId=bob&chatId=chat-1", bearer(t, "alice"), "")
	if status != fiber.StatusNotFound {
		t.Errorf("double revoke status = %d, want 404", status)
	}
}

func TestListOwnPermissions(t *testing.T) {
	t.Parallel()
	store := newMemoryPermStore()
	_, _ = store.Grant(context.Background(), "alice", "chat-1", permission.RoleMember, "root")
	_, _ = store.Grant(context.Background(), "alice", "chat-2", permission.RoleViewer, "root")
	_, _ = store.Grant(context.Background(), "bob", "chat-1", permission.RoleMember, "root")
	app := newPermissionApp(t, store)

	status, raw := doRequest(t, app, "GET", "/v1/permissions/", bearer(t, "alice"), "")
	if status != fiber.StatusOK {
		t.Fatalf("status = %d, want 200", status)
	}

	var body struct {
		Data struct {
			Permissions []permission.Record `json:"permissions"`
		} `json:"data"`
	}
	if err := json.Unmarshal(raw, &body); err != nil {
		t.Fatalf("body does not decode: %v", err)
	}
	if len(body.Data.Permissions) != 2 {
		t.Errorf("permissions = %d, want 2", len(body.Data.Permissions))
	}

	// Listing someone else is denied.
	status, _ = doRequest(t, app, "GET", "/v1/permissions/?userId=bob", bearer(t, "alice"), "")
	if status != fiber.StatusForbidden {
		t.Errorf("cross-user list status = %d, want 403", status)
	}
}
