// Package deadletter holds envelopes that exhausted their delivery retry
// budget so operators can inspect them after the fact.
package deadletter

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/chatbus/chatbus-server/internal/envelope"
)

// Stream is the Valkey stream key backing the holder.
const Stream = "chatbus.dlq"

// maxLen caps the stream so a poisoned queue cannot grow it without bound.
const maxLen = 10000

// Entry is one dead-lettered envelope with its failure context.
type Entry struct {
	ID         string          `json:"id"`
	Envelope   json.RawMessage `json:"envelope"`
	Source     string          `json:"source"`
	Deliveries int64           `json:"deliveries"`
	FailedAt   time.Time       `json:"failedAt"`
}

// Holder stores and lists dead-lettered envelopes.
type Holder struct {
	rdb *redis.Client
}

// NewHolder creates a holder backed by the given Valkey client.
func NewHolder(rdb *redis.Client) *Holder {
	return &Holder{rdb: rdb}
}

// Add appends an envelope to the holder. source names the queue the envelope
// was draining from.
func (h *Holder) Add(ctx context.Context, env *envelope.Envelope, source string, deliveries int64) error {
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal dead letter: %w", err)
	}
	err = h.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: Stream,
		MaxLen: maxLen,
		Approx: true,
		Values: map[string]any{
			"envelope":   data,
			"source":     source,
			"deliveries": deliveries,
			"failed_at":  time.Now().UTC().Format(time.RFC3339Nano),
		},
	}).Err()
	if err != nil {
		return fmt.Errorf("append dead letter: %w", err)
	}
	return nil
}

// List returns up to limit entries, newest first.
func (h *Holder) List(ctx context.Context, limit int) ([]Entry, error) {
	msgs, err := h.rdb.XRevRangeN(ctx, Stream, "+", "-", int64(limit)).Result()
	if err != nil {
		return nil, fmt.Errorf("list dead letters: %w", err)
	}

	entries := make([]Entry, 0, len(msgs))
	for _, msg := range msgs {
		e := Entry{ID: msg.ID}
		if raw, ok := msg.Values["envelope"].(string); ok {
			e.Envelope = json.RawMessage(raw)
		}
		if s, ok := msg.Values["source"].(string); ok {
			e.Source = s
		}
		if d, ok := msg.Values["deliveries"].(string); ok {
			e.Deliveries, _ = strconv.ParseInt(d, 10, 64)
		}
		if ts, ok := msg.Values["failed_at"].(string); ok {
			e.FailedAt, _ = time.Parse(time.RFC3339Nano, ts)
		}
		entries = append(entries, e)
	}
	return entries, nil
}

// Len returns the number of held entries.
func (h *Holder) Len(ctx context.Context) (int64, error) {
	n, err := h.rdb.XLen(ctx, Stream).Result()
	if err != nil {
		return 0, fmt.Errorf("count dead letters: %w", err)
	}
	return n, nil
}
