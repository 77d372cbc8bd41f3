// Package history persists messages for the configured retention (30 days by
// default) and serves the
// range and gap-fill queries clients use to repair missed sequences.
package history

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Pagination bounds for range queries.
const (
	DefaultLimit = 50
	MaxLimit     = 200
)

// Sentinel errors surfaced by the store.
var (
	// ErrStoreUnavailable wraps underlying store faults.
	ErrStoreUnavailable = errors.New("history store unavailable")

	// ErrBadContinuation is returned for continuation tokens this store did
	// not produce.
	ErrBadContinuation = errors.New("invalid continuation token")
)

// Record is one persisted message. SequenceNumber is present only when the
// envelope carried one; absent is not the same as null — unsequenced rows are
// invisible to the gap-fill index.
type Record struct {
	ChatID         string          `json:"chatId"`
	PublishTime    time.Time       `json:"publishTime"`
	MessageID      string          `json:"messageId"`
	SequenceNumber *uint64         `json:"sequenceNumber,omitempty"`
	Body           json.RawMessage `json:"body"`
	ExpiresAt      time.Time       `json:"-"`
}

// Store is the history persistence interface.
type Store interface {
	// WriteBatch persists the records, retrying a failed subset once inline.
	// IDs that still fail are returned so the bus redelivers just them.
	WriteBatch(ctx context.Context, records []Record) (failedIDs []string, err error)

	// Range returns records for the chat descending by publish time. A zero
	// fromTime means "from the newest". The continuation token from a
	// previous page must be passed back unchanged.
	Range(ctx context.Context, chatID string, fromTime time.Time, limit int, continuation string) ([]Record, string, error)

	// BySequences returns exactly the unexpired records carrying one of the
	// given sequence numbers.
	BySequences(ctx context.Context, chatID string, seqs []uint64) ([]Record, error)

	// PurgeExpired reclaims rows whose expiry has passed, returning the count.
	PurgeExpired(ctx context.Context) (int64, error)
}

// ClampLimit normalises a caller-supplied page size.
func ClampLimit(limit int) int {
	if limit <= 0 {
		return DefaultLimit
	}
	if limit > MaxLimit {
		return MaxLimit
	}
	return limit
}

// cursor is the decoded range continuation token: the keyset position of the
// last record of the previous page.
type cursor struct {
	PublishTime time.Time `json:"t"`
	MessageID   string    `json:"m"`
}

func encodeCursor(c cursor) string {
	raw, _ := json.Marshal(c)
	return base64.RawURLEncoding.EncodeToString(raw)
}

func decodeCursor(token string) (*cursor, error) {
	if token == "" {
		return nil, nil
	}
	raw, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadContinuation, err)
	}
	var c cursor
	if err := json.Unmarshal(raw, &c); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadContinuation, err)
	}
	return &c, nil
}
