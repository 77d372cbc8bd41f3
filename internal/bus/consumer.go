package bus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/chatbus/chatbus-server/internal/envelope"
)

// DeadLetterer receives envelopes that exhausted the retry budget.
type DeadLetterer interface {
	Add(ctx context.Context, env *envelope.Envelope, source string, deliveries int64) error
}

// Item is one claimed queue entry. Delivery counts the bus deliveries of this
// entry so far, including the current one.
type Item struct {
	ID       string
	Envelope *envelope.Envelope
	Delivery int64
}

// Consumer drains one subscription queue with consumer-group semantics. An
// item that is fetched but never acked goes back to pending and is reclaimed
// after the idle threshold; an item whose delivery count exceeds the retry
// budget is moved to the dead-letter holder and acked.
type Consumer struct {
	rdb      *redis.Client
	stream   string
	group    string
	consumer string
	budget   int
	idle     time.Duration
	block    time.Duration
	dead     DeadLetterer
	log      zerolog.Logger

	groupReady bool
}

// NewConsumer creates a consumer for the subscription's stream and group.
func NewConsumer(rdb *redis.Client, sub Subscription, consumerName string, budget int, idle time.Duration, dead DeadLetterer, logger zerolog.Logger) *Consumer {
	return &Consumer{
		rdb:      rdb,
		stream:   sub.Stream,
		group:    sub.Group,
		consumer: consumerName,
		budget:   budget,
		idle:     idle,
		block:    time.Second,
		dead:     dead,
		log:      logger.With().Str("component", "bus-consumer").Str("stream", sub.Stream).Logger(),
	}
}

// ensureGroup creates the consumer group, tolerating a concurrent creation.
func (c *Consumer) ensureGroup(ctx context.Context) error {
	if c.groupReady {
		return nil
	}
	err := c.rdb.XGroupCreateMkStream(ctx, c.stream, c.group, "0").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("%w: create group %s: %v", ErrBusUnavailable, c.group, err)
	}
	c.groupReady = true
	return nil
}

// Fetch claims up to n items: entries stuck in pending past the idle threshold
// first, then fresh entries. Entries over the retry budget are dead-lettered
// and acked instead of being returned; malformed entries are logged and acked.
// A short server-side block makes the call suitable for a tight poll loop.
func (c *Consumer) Fetch(ctx context.Context, n int) ([]Item, error) {
	if err := c.ensureGroup(ctx); err != nil {
		return nil, err
	}

	items := make([]Item, 0, n)

	claimed, _, err := c.rdb.XAutoClaim(ctx, &redis.XAutoClaimArgs{
		Stream:   c.stream,
		Group:    c.group,
		Consumer: c.consumer,
		MinIdle:  c.idle,
		Start:    "0-0",
		Count:    int64(n),
	}).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("%w: autoclaim: %v", ErrBusUnavailable, err)
	}
	if len(claimed) > 0 {
		counts, cErr := c.deliveryCounts(ctx, claimed)
		if cErr != nil {
			return nil, cErr
		}
		for _, msg := range claimed {
			items = append(items, Item{ID: msg.ID, Delivery: counts[msg.ID]})
			items[len(items)-1].Envelope = c.decode(msg)
		}
	}

	if len(items) < n {
		streams, rErr := c.rdb.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    c.group,
			Consumer: c.consumer,
			Streams:  []string{c.stream, ">"},
			Count:    int64(n - len(items)),
			Block:    c.block,
		}).Result()
		if rErr != nil && !errors.Is(rErr, redis.Nil) {
			return nil, fmt.Errorf("%w: read group: %v", ErrBusUnavailable, rErr)
		}
		for _, s := range streams {
			for _, msg := range s.Messages {
				items = append(items, Item{ID: msg.ID, Delivery: 1})
				items[len(items)-1].Envelope = c.decode(msg)
			}
		}
	}

	kept := items[:0]
	for _, item := range items {
		if item.Envelope == nil {
			// Not retryable: a payload that cannot be decoded now never will be.
			if aErr := c.Ack(ctx, item.ID); aErr != nil {
				c.log.Warn().Err(aErr).Str("entry", item.ID).Msg("Failed to ack malformed entry")
			}
			continue
		}
		if int(item.Delivery) > c.budget {
			c.deadLetter(ctx, item)
			continue
		}
		kept = append(kept, item)
	}
	return kept, nil
}

// Ack acknowledges an item so it is never redelivered.
func (c *Consumer) Ack(ctx context.Context, id string) error {
	if err := c.rdb.XAck(ctx, c.stream, c.group, id).Err(); err != nil {
		return fmt.Errorf("%w: ack %s: %v", ErrBusUnavailable, id, err)
	}
	return nil
}

// deliveryCounts reads the pending-entry delivery counters for the claimed
// messages in one pipelined round trip.
func (c *Consumer) deliveryCounts(ctx context.Context, msgs []redis.XMessage) (map[string]int64, error) {
	pipe := c.rdb.Pipeline()
	cmds := make([]*redis.XPendingExtCmd, len(msgs))
	for i, msg := range msgs {
		cmds[i] = pipe.XPendingExt(ctx, &redis.XPendingExtArgs{
			Stream: c.stream,
			Group:  c.group,
			Start:  msg.ID,
			End:    msg.ID,
			Count:  1,
		})
	}
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("%w: pending counts: %v", ErrBusUnavailable, err)
	}

	counts := make(map[string]int64, len(msgs))
	for i, cmd := range cmds {
		counts[msgs[i].ID] = 1
		if pending, err := cmd.Result(); err == nil && len(pending) > 0 {
			counts[msgs[i].ID] = pending[0].RetryCount
		}
	}
	return counts, nil
}

// decode extracts the envelope from a stream entry, or nil when malformed.
func (c *Consumer) decode(msg redis.XMessage) *envelope.Envelope {
	raw, ok := msg.Values[envelopeField].(string)
	if !ok {
		c.log.Warn().Str("entry", msg.ID).Msg("Stream entry missing envelope field")
		return nil
	}
	var env envelope.Envelope
	if err := json.Unmarshal([]byte(raw), &env); err != nil {
		c.log.Warn().Err(err).Str("entry", msg.ID).Msg("Stream entry envelope malformed")
		return nil
	}
	return &env
}

// deadLetter moves an exhausted item to the holder, then acks it. The holder
// write happens first so the envelope is never lost: a crash between the two
// steps redelivers the item and produces a duplicate dead letter at worst.
func (c *Consumer) deadLetter(ctx context.Context, item Item) {
	if c.dead != nil {
		if err := c.dead.Add(ctx, item.Envelope, c.stream, item.Delivery); err != nil {
			c.log.Error().Err(err).Str("entry", item.ID).Msg("Failed to dead-letter entry, leaving pending")
			return
		}
	}
	if err := c.Ack(ctx, item.ID); err != nil {
		c.log.Warn().Err(err).Str("entry", item.ID).Msg("Failed to ack dead-lettered entry")
	}
	c.log.Warn().
		Str("message_id", item.Envelope.MessageID).
		Str("chat_id", item.Envelope.ChatID).
		Int64("deliveries", item.Delivery).
		Msg("Envelope exceeded retry budget, dead-lettered")
}
