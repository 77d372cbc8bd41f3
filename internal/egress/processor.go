// Package egress drains the session-channel queues and writes enriched frames
// to live session endpoints, reaping sessions whose endpoint reports gone.
package egress

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/chatbus/chatbus-server/internal/bus"
	"github.com/chatbus/chatbus-server/internal/envelope"
	"github.com/chatbus/chatbus-server/internal/gateway"
	"github.com/chatbus/chatbus-server/internal/registry"
	"github.com/chatbus/chatbus-server/internal/telemetry"
)

// Consumer is the queue-drain slice of a bus consumer.
type Consumer interface {
	Fetch(ctx context.Context, n int) ([]bus.Item, error)
	Ack(ctx context.Context, id string) error
}

// ConnectionDropper closes the network side of a dropped session. Optional:
// without it the registry entry still goes away, only the socket lingers until
// its own read loop notices.
type ConnectionDropper interface {
	DropClient(sessionID string)
}

// Processor delivers envelopes from one egress queue to recipient sessions.
// The FIFO loop serializes per group so two consecutive envelopes of the same
// chat are never processed in parallel; the Standard loop fans every item out
// on its own goroutine.
type Processor struct {
	consumer Consumer
	registry *registry.Registry
	dropper  ConnectionDropper
	metrics  *telemetry.Metrics
	validity time.Duration
	batch    int
	log      zerolog.Logger
}

// New creates a processor draining the given consumer.
func New(consumer Consumer, reg *registry.Registry, dropper ConnectionDropper, metrics *telemetry.Metrics, validity time.Duration, batch int, logger zerolog.Logger) *Processor {
	return &Processor{
		consumer: consumer,
		registry: reg,
		dropper:  dropper,
		metrics:  metrics,
		validity: validity,
		batch:    batch,
		log:      logger.With().Str("component", "egress").Logger(),
	}
}

// RunFIFO drains the queue preserving per-group order: each batch is
// partitioned by group ID and every partition is worked sequentially on its
// own goroutine, with a barrier between batches. It blocks until the context
// is cancelled or the queue becomes unreachable.
func (p *Processor) RunFIFO(ctx context.Context) error {
	for {
		items, err := p.consumer.Fetch(ctx, p.batch)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return err
		}
		if len(items) == 0 {
			continue
		}

		groups := make(map[string][]bus.Item)
		for _, item := range items {
			key := item.Envelope.GroupID
			if key == "" {
				key = item.Envelope.MessageID
			}
			groups[key] = append(groups[key], item)
		}

		var wg sync.WaitGroup
		for _, groupItems := range groups {
			wg.Add(1)
			go func(groupItems []bus.Item) {
				defer wg.Done()
				for _, item := range groupItems {
					p.handle(ctx, item)
				}
			}(groupItems)
		}
		wg.Wait()
	}
}

// RunStandard drains the queue with unbounded per-item parallelism. It blocks
// until the context is cancelled or the queue becomes unreachable.
func (p *Processor) RunStandard(ctx context.Context) error {
	var wg sync.WaitGroup
	defer wg.Wait()

	for {
		items, err := p.consumer.Fetch(ctx, p.batch)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return err
		}
		for _, item := range items {
			wg.Add(1)
			go func(item bus.Item) {
				defer wg.Done()
				p.handle(ctx, item)
			}(item)
		}
	}
}

// handle processes one envelope and acks it unless a session write failed
// transiently, in which case the item is left pending for redelivery.
func (p *Processor) handle(ctx context.Context, item bus.Item) {
	if p.deliver(ctx, item.Envelope) {
		if err := p.consumer.Ack(ctx, item.ID); err != nil {
			p.log.Warn().Err(err).Str("entry", item.ID).Msg("Failed to ack delivered envelope")
		}
	}
}

// deliver writes the envelope to every recipient session. The return value is
// the batch-item outcome: false requests redelivery.
func (p *Processor) deliver(_ context.Context, env *envelope.Envelope) bool {
	if env.ChatID == "" || env.PublishTime.IsZero() {
		// Not retryable: the envelope can never become well-formed.
		p.log.Warn().Str("message_id", env.MessageID).Msg("Malformed envelope on egress queue, dropped")
		return true
	}

	now := time.Now().UTC()
	if age := env.Age(now); age > p.validity {
		p.metrics.ExpiredDrops.Inc()
		p.log.Info().
			Str("message_id", env.MessageID).
			Str("chat_id", env.ChatID).
			Dur("age", age).
			Msg("Envelope expired before delivery, dropped")
		return true
	}

	sessionIDs := p.registry.LookupByChat(env.ChatID)
	if len(sessionIDs) == 0 {
		p.metrics.NoRecipients.Inc()
		p.log.Debug().
			Str("message_id", env.MessageID).
			Str("chat_id", env.ChatID).
			Msg("No recipient sessions")
		return true
	}

	frame, err := gateway.NewMessageFrame(gateway.DeliveryData{
		MessageID:         env.MessageID,
		ChatID:            env.ChatID,
		PrincipalID:       env.PrincipalID,
		SequenceNumber:    env.SequenceNumber,
		PublishTime:       env.PublishTime,
		ReceivedTimestamp: now,
		LatencyMS:         now.Sub(env.PublishTime).Milliseconds(),
		Payload:           env.Payload,
	})
	if err != nil {
		p.log.Error().Err(err).Str("message_id", env.MessageID).Msg("Failed to build delivery frame, dropped")
		return true
	}

	delivered := true
	for _, sessionID := range sessionIDs {
		sess, ok := p.registry.Get(sessionID)
		if !ok || !sess.Subscribed(env.ChatID) {
			// Raced with a disconnect between lookup and write.
			continue
		}

		switch wErr := sess.Endpoint.WriteFrame(frame); {
		case wErr == nil:
			p.metrics.DeliveredFrames.Inc()
		case errors.Is(wErr, registry.ErrEndpointGone):
			p.reap(sessionID)
		default:
			p.log.Warn().Err(wErr).
				Str("session_id", sessionID).
				Str("message_id", env.MessageID).
				Msg("Transient endpoint write failure, requesting redelivery")
			delivered = false
		}
	}
	return delivered
}

// reap removes a session whose endpoint reported gone. The write that
// surfaced the error counts as delivered: the endpoint will never accept it.
func (p *Processor) reap(sessionID string) {
	if p.registry.Drop(sessionID) {
		p.metrics.ReapedSessions.Inc()
		p.log.Info().Str("session_id", sessionID).Msg("Stale endpoint reaped")
	}
	if p.dropper != nil {
		p.dropper.DropClient(sessionID)
	}
}
