package history

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
)

const selectColumns = "chat_id, publish_time, message_id, sequence_number, body, expires_at"

const insertStmt = `INSERT INTO chat_messages (chat_id, publish_time, message_id, sequence_number, body, expires_at)
VALUES ($1, $2, $3, $4, $5, $6)
ON CONFLICT (message_id) DO NOTHING`

// PGStore implements Store using PostgreSQL.
type PGStore struct {
	db  *pgxpool.Pool
	log zerolog.Logger
}

// NewPGStore creates a new PostgreSQL-backed history store.
func NewPGStore(db *pgxpool.Pool, logger zerolog.Logger) *PGStore {
	return &PGStore{db: db, log: logger.With().Str("component", "history").Logger()}
}

// WriteBatch persists the records in one batched round trip. Redelivered
// duplicates conflict on message_id and count as written. A failed subset is
// retried once inline; IDs still failing after that are returned so the bus
// redelivers exactly them.
func (s *PGStore) WriteBatch(ctx context.Context, records []Record) ([]string, error) {
	failed, err := s.writeOnce(ctx, records)
	if err != nil {
		return nil, err
	}
	if len(failed) == 0 {
		return nil, nil
	}

	retry := make([]Record, 0, len(failed))
	for _, rec := range records {
		if _, ok := failed[rec.MessageID]; ok {
			retry = append(retry, rec)
		}
	}
	s.log.Warn().Int("count", len(retry)).Msg("Retrying failed history subset")

	stillFailed, err := s.writeOnce(ctx, retry)
	if err != nil {
		// The whole retried subset failed again: report exactly those IDs.
		stillFailed = failed
	}

	ids := make([]string, 0, len(stillFailed))
	for id := range stillFailed {
		ids = append(ids, id)
	}
	return ids, nil
}

// writeOnce executes one batch pass and returns the set of message IDs whose
// individual statement failed. A connection-level fault fails the whole pass.
func (s *PGStore) writeOnce(ctx context.Context, records []Record) (map[string]struct{}, error) {
	if len(records) == 0 {
		return nil, nil
	}

	batch := &pgx.Batch{}
	for _, rec := range records {
		var seq *int64
		if rec.SequenceNumber != nil {
			v := int64(*rec.SequenceNumber)
			seq = &v
		}
		batch.Queue(insertStmt, rec.ChatID, rec.PublishTime, rec.MessageID, seq, rec.Body, rec.ExpiresAt)
	}

	results := s.db.SendBatch(ctx, batch)
	defer func() { _ = results.Close() }()

	failed := make(map[string]struct{})
	for _, rec := range records {
		if _, err := results.Exec(); err != nil {
			s.log.Warn().Err(err).Str("message_id", rec.MessageID).Msg("History item write failed")
			failed[rec.MessageID] = struct{}{}
		}
	}
	if len(failed) == len(records) {
		// Every item failing is indistinguishable from a store outage; let the
		// bus redeliver the whole batch after a fault.
		return nil, fmt.Errorf("%w: batch write failed", ErrStoreUnavailable)
	}
	return failed, nil
}

// Range returns unexpired records descending by (publish_time, message_id)
// with keyset pagination.
func (s *PGStore) Range(ctx context.Context, chatID string, fromTime time.Time, limit int, continuation string) ([]Record, string, error) {
	cur, err := decodeCursor(continuation)
	if err != nil {
		return nil, "", err
	}

	var rows pgx.Rows
	switch {
	case cur != nil:
		rows, err = s.db.Query(ctx, fmt.Sprintf(
			`SELECT %s FROM chat_messages
			 WHERE chat_id = $1 AND expires_at > NOW()
			   AND (publish_time, message_id) < ($2, $3)
			 ORDER BY publish_time DESC, message_id DESC
			 LIMIT $4`, selectColumns),
			chatID, cur.PublishTime, cur.MessageID, limit,
		)
	case !fromTime.IsZero():
		rows, err = s.db.Query(ctx, fmt.Sprintf(
			`SELECT %s FROM chat_messages
			 WHERE chat_id = $1 AND expires_at > NOW() AND publish_time <= $2
			 ORDER BY publish_time DESC, message_id DESC
			 LIMIT $3`, selectColumns),
			chatID, fromTime, limit,
		)
	default:
		rows, err = s.db.Query(ctx, fmt.Sprintf(
			`SELECT %s FROM chat_messages
			 WHERE chat_id = $1 AND expires_at > NOW()
			 ORDER BY publish_time DESC, message_id DESC
			 LIMIT $2`, selectColumns),
			chatID, limit,
		)
	}
	if err != nil {
		return nil, "", fmt.Errorf("%w: query history range: %v", ErrStoreUnavailable, err)
	}
	defer rows.Close()

	records, err := collectRecords(rows)
	if err != nil {
		return nil, "", err
	}

	var next string
	if len(records) == limit {
		last := records[len(records)-1]
		next = encodeCursor(cursor{PublishTime: last.PublishTime, MessageID: last.MessageID})
	}
	return records, next, nil
}

// BySequences returns the unexpired records carrying the given sequence
// numbers, via the partial index on (chat_id, sequence_number).
func (s *PGStore) BySequences(ctx context.Context, chatID string, seqs []uint64) ([]Record, error) {
	if len(seqs) == 0 {
		return nil, nil
	}

	signed := make([]int64, len(seqs))
	for i, seq := range seqs {
		signed[i] = int64(seq)
	}

	rows, err := s.db.Query(ctx, fmt.Sprintf(
		`SELECT %s FROM chat_messages
		 WHERE chat_id = $1 AND sequence_number = ANY($2) AND expires_at > NOW()
		 ORDER BY sequence_number`, selectColumns),
		chatID, signed,
	)
	if err != nil {
		return nil, fmt.Errorf("%w: query history by sequences: %v", ErrStoreUnavailable, err)
	}
	defer rows.Close()

	return collectRecords(rows)
}

// PurgeExpired deletes rows whose expiry has passed. Readers already filter on
// expires_at, so reclamation timing is invisible to them.
func (s *PGStore) PurgeExpired(ctx context.Context) (int64, error) {
	tag, err := s.db.Exec(ctx, "DELETE FROM chat_messages WHERE expires_at <= NOW()")
	if err != nil {
		return 0, fmt.Errorf("%w: purge expired history: %v", ErrStoreUnavailable, err)
	}
	return tag.RowsAffected(), nil
}

func collectRecords(rows pgx.Rows) ([]Record, error) {
	var records []Record
	for rows.Next() {
		var rec Record
		var seq *int64
		if err := rows.Scan(&rec.ChatID, &rec.PublishTime, &rec.MessageID, &seq, &rec.Body, &rec.ExpiresAt); err != nil {
			return nil, fmt.Errorf("%w: scan history record: %v", ErrStoreUnavailable, err)
		}
		if seq != nil {
			v := uint64(*seq)
			rec.SequenceNumber = &v
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: iterate history records: %v", ErrStoreUnavailable, err)
	}
	return records, nil
}
