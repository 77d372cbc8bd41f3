// Package bus is the internal message bus: a FIFO/Standard topic pair with
// attribute-filtered subscriptions backed by Valkey Streams. Each subscription
// is a durable queue with consumer-group semantics: per-item acknowledgement,
// idle-based redelivery, delivery counts for the retry budget, and dead-letter
// routing when the budget is exhausted.
package bus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/chatbus/chatbus-server/internal/envelope"
)

// ErrBusUnavailable wraps substrate faults on the publish path. Surfaced to
// publishers as a retryable error.
var ErrBusUnavailable = errors.New("bus unavailable")

// envelopeField is the stream entry field carrying the serialised envelope.
const envelopeField = "envelope"

// Filter is a predicate over envelope attributes. Empty fields match
// everything, so the zero Filter subscribes to the whole topic.
type Filter struct {
	TargetChannel string
}

// Matches reports whether the attributes satisfy the filter.
func (f Filter) Matches(attrs envelope.Attributes) bool {
	return f.TargetChannel == "" || f.TargetChannel == attrs.TargetChannel
}

// Subscription binds a queue stream and consumer group to a topic under a
// filter. The delivered set is exactly the envelopes whose attributes match.
type Subscription struct {
	Stream string
	Group  string
	Filter Filter
}

// Topic is a named logical destination. The FIFO topic preserves bus-accept
// order within a group across every downstream queue and deduplicates by
// message ID within the dedup window; the Standard topic promises neither.
type Topic struct {
	Name string
	FIFO bool
	subs []Subscription
}

// Subscribe registers a queue on the topic. Called during wiring, before any
// publish; not safe concurrently with Publish.
func (t *Topic) Subscribe(sub Subscription) {
	t.subs = append(t.subs, sub)
}

// Receipt reports the outcome of a publish.
type Receipt struct {
	MessageID string
	Duplicate bool
	// Matched is the number of queues the envelope was fanned out to.
	Matched int
}

// Bus routes envelopes to the subscriptions of the topic selected by the
// envelope's message type.
type Bus struct {
	rdb         *redis.Client
	fifo        *Topic
	standard    *Topic
	dedupWindow time.Duration
	log         zerolog.Logger
}

// New creates a bus over the given Valkey client and topic pair.
func New(rdb *redis.Client, fifo, standard *Topic, dedupWindow time.Duration, logger zerolog.Logger) *Bus {
	return &Bus{
		rdb:         rdb,
		fifo:        fifo,
		standard:    standard,
		dedupWindow: dedupWindow,
		log:         logger.With().Str("component", "bus").Logger(),
	}
}

func dedupKey(topic, messageID string) string {
	return "dedup:" + topic + ":" + messageID
}

// Publish fans the envelope out to every matching subscription of its topic.
// FIFO envelopes are deduplicated by message ID within the dedup window; a
// collapsed duplicate returns the original receipt with Duplicate set. The
// XADD order across subscriptions equals bus-accept order, which downstream
// queues preserve.
func (b *Bus) Publish(ctx context.Context, env *envelope.Envelope) (*Receipt, error) {
	topic := b.standard
	if env.MessageType == envelope.TypeFIFO {
		topic = b.fifo
	}

	if topic.FIFO {
		fresh, err := b.rdb.SetNX(ctx, dedupKey(topic.Name, env.MessageID), 1, b.dedupWindow).Result()
		if err != nil {
			return nil, fmt.Errorf("%w: dedup check: %v", ErrBusUnavailable, err)
		}
		if !fresh {
			b.log.Debug().Str("message_id", env.MessageID).Msg("Duplicate FIFO publish collapsed")
			return &Receipt{MessageID: env.MessageID, Duplicate: true}, nil
		}
	}

	data, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("marshal envelope: %w", err)
	}

	attrs := env.Attributes()
	matched := 0
	for _, sub := range topic.subs {
		if !sub.Filter.Matches(attrs) {
			continue
		}
		if err := b.rdb.XAdd(ctx, &redis.XAddArgs{
			Stream: sub.Stream,
			Values: map[string]any{envelopeField: data},
		}).Err(); err != nil {
			// A partial fan-out is not unwound: delivery is at-least-once and
			// consumers are idempotent. Surface the fault so the publisher can
			// retry the whole envelope.
			return nil, fmt.Errorf("%w: enqueue %s: %v", ErrBusUnavailable, sub.Stream, err)
		}
		matched++
	}

	if matched == 0 {
		b.log.Warn().
			Str("target_channel", env.TargetChannel).
			Str("topic", topic.Name).
			Msg("Envelope matched no subscription, dropped at publish")
	}

	return &Receipt{MessageID: env.MessageID, Matched: matched}, nil
}
