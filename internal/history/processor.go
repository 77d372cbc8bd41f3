package history

import (
	"context"
	"encoding/json"
	"time"

	"github.com/rs/zerolog"

	"github.com/chatbus/chatbus-server/internal/bus"
	"github.com/chatbus/chatbus-server/internal/telemetry"
)

// Consumer is the queue-drain slice of a bus consumer.
type Consumer interface {
	Fetch(ctx context.Context, n int) ([]bus.Item, error)
	Ack(ctx context.Context, id string) error
}

// Processor drains one storage queue into the history store. Items whose
// record could not be written stay pending so the bus redelivers exactly them;
// the store's message_id conflict handling makes redelivery idempotent.
type Processor struct {
	consumer Consumer
	store    Store
	metrics  *telemetry.Metrics
	ttl      time.Duration
	batch    int
	log      zerolog.Logger
}

// NewProcessor creates a storage processor.
func NewProcessor(consumer Consumer, store Store, metrics *telemetry.Metrics, ttl time.Duration, batch int, logger zerolog.Logger) *Processor {
	return &Processor{
		consumer: consumer,
		store:    store,
		metrics:  metrics,
		ttl:      ttl,
		batch:    batch,
		log:      logger.With().Str("component", "storage").Logger(),
	}
}

// Run drains the queue in batches until the context is cancelled or the queue
// becomes unreachable.
func (p *Processor) Run(ctx context.Context) error {
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
		p.process(ctx, items)
	}
}

func (p *Processor) process(ctx context.Context, items []bus.Item) {
	records := make([]Record, 0, len(items))
	entryByMessage := make(map[string]string, len(items))

	for _, item := range items {
		env := item.Envelope
		if env.ChatID == "" || env.PublishTime.IsZero() {
			// Not retryable; drop.
			p.log.Warn().Str("message_id", env.MessageID).Msg("Malformed envelope on storage queue, dropped")
			if err := p.consumer.Ack(ctx, item.ID); err != nil {
				p.log.Warn().Err(err).Str("entry", item.ID).Msg("Failed to ack malformed entry")
			}
			continue
		}

		body, err := json.Marshal(env.Payload)
		if err != nil {
			p.log.Warn().Err(err).Str("message_id", env.MessageID).Msg("Unserialisable payload, dropped")
			if aErr := p.consumer.Ack(ctx, item.ID); aErr != nil {
				p.log.Warn().Err(aErr).Str("entry", item.ID).Msg("Failed to ack unserialisable entry")
			}
			continue
		}

		records = append(records, Record{
			ChatID:         env.ChatID,
			PublishTime:    env.PublishTime,
			MessageID:      env.MessageID,
			SequenceNumber: env.SequenceNumber,
			Body:           body,
			ExpiresAt:      env.PublishTime.Add(p.ttl),
		})
		entryByMessage[env.MessageID] = item.ID
	}

	if len(records) == 0 {
		return
	}

	failedIDs, err := p.store.WriteBatch(ctx, records)
	if err != nil {
		// Whole-batch fault: ack nothing, the bus redelivers everything.
		p.log.Warn().Err(err).Int("count", len(records)).Msg("History batch write failed, awaiting redelivery")
		return
	}

	failed := make(map[string]struct{}, len(failedIDs))
	for _, id := range failedIDs {
		failed[id] = struct{}{}
	}

	for messageID, entryID := range entryByMessage {
		if _, ok := failed[messageID]; ok {
			continue
		}
		p.metrics.StorageWrites.Inc()
		if err := p.consumer.Ack(ctx, entryID); err != nil {
			p.log.Warn().Err(err).Str("entry", entryID).Msg("Failed to ack stored envelope")
		}
	}
}

// RunReaper periodically reclaims expired rows until the context is cancelled.
func (p *Processor) RunReaper(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			deleted, err := p.store.PurgeExpired(ctx)
			if err != nil {
				p.log.Warn().Err(err).Msg("Failed to purge expired history")
				continue
			}
			if deleted > 0 {
				p.log.Info().Int64("deleted", deleted).Msg("Purged expired history records")
			}
		}
	}
}
