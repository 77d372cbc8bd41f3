package permission

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
)

// Store provides access to permission records. Get must stay latency-bounded:
// it sits on the authorization critical path of every stateless publish.
type Store interface {
	// Get returns the record for (principalID, chatID), or ErrNotFound.
	Get(ctx context.Context, principalID, chatID string) (*Record, error)

	// List returns the principal's records ordered by chat ID. A non-empty
	// continuation token from a previous page must be passed back unchanged.
	List(ctx context.Context, principalID string, limit int, continuation string) ([]Record, string, error)

	// ListByChat returns the chat's members ordered by principal ID, with the
	// same continuation contract as List.
	ListByChat(ctx context.Context, chatID string, limit int, continuation string) ([]Record, string, error)

	// Grant upserts a record. Granting an identical (principal, chat, role) is
	// a no-op in effect; a different role overwrites. Roles outside the
	// enumerated set fail with ErrInvalidRole.
	Grant(ctx context.Context, principalID, chatID string, role Role, grantedBy string) (*Record, error)

	// Revoke deletes the record. Revoking an absent record returns ErrNotFound.
	Revoke(ctx context.Context, principalID, chatID string) error
}

// cursor is the decoded continuation token for paginated listings.
type cursor struct {
	Last string `json:"last"`
}

// encodeCursor renders an opaque continuation token.
func encodeCursor(last string) string {
	raw, _ := json.Marshal(cursor{Last: last})
	return base64.RawURLEncoding.EncodeToString(raw)
}

// decodeCursor parses a continuation token produced by encodeCursor. An empty
// token yields the zero cursor (first page).
func decodeCursor(token string) (cursor, error) {
	if token == "" {
		return cursor{}, nil
	}
	raw, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil {
		return cursor{}, fmt.Errorf("decode continuation token: %w", err)
	}
	var c cursor
	if err := json.Unmarshal(raw, &c); err != nil {
		return cursor{}, fmt.Errorf("parse continuation token: %w", err)
	}
	return c, nil
}
