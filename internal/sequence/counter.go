// Package sequence hands out per-chat monotonic sequence numbers for FIFO
// publishes. Clients use the numbers to detect gaps and repair them through
// the history query API.
package sequence

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// ErrSequencerUnavailable wraps counter store faults. The publisher rejects
// the publish with a retryable error rather than emitting an unsequenced FIFO
// message.
var ErrSequencerUnavailable = errors.New("sequencer unavailable")

const keyPrefix = "chatseq:"

// Counter allocates strictly increasing sequence numbers per chat.
type Counter struct {
	rdb *redis.Client
}

// NewCounter creates a counter backed by the given Valkey client.
func NewCounter(rdb *redis.Client) *Counter {
	return &Counter{rdb: rdb}
}

// Next returns the next sequence number for chatID. INCR is the store's atomic
// read-modify-write, so concurrent callers never observe a duplicate and the
// counter itself never introduces a gap.
func (c *Counter) Next(ctx context.Context, chatID string) (uint64, error) {
	n, err := c.rdb.Incr(ctx, keyPrefix+chatID).Result()
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrSequencerUnavailable, err)
	}
	return uint64(n), nil
}

// Current returns the last sequence number handed out for chatID, or zero when
// the chat has never been sequenced.
func (c *Counter) Current(ctx context.Context, chatID string) (uint64, error) {
	val, err := c.rdb.Get(ctx, keyPrefix+chatID).Uint64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrSequencerUnavailable, err)
	}
	return val, nil
}
