package permission

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const selectColumns = "user_id, chat_id, role, granted_by, granted_at, updated_at"

// PGStore implements Store using PostgreSQL.
type PGStore struct {
	db *pgxpool.Pool
}

// NewPGStore creates a new PostgreSQL-backed permission store.
func NewPGStore(db *pgxpool.Pool) *PGStore {
	return &PGStore{db: db}
}

// Get returns the record for (principalID, chatID), or ErrNotFound.
func (s *PGStore) Get(ctx context.Context, principalID, chatID string) (*Record, error) {
	row := s.db.QueryRow(ctx,
		fmt.Sprintf("SELECT %s FROM permissions WHERE user_id = $1 AND chat_id = $2", selectColumns),
		principalID, chatID,
	)
	rec, err := scanRecord(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("%w: query permission: %v", ErrStoreUnavailable, err)
	}
	return rec, nil
}

// List returns the principal's records ordered by chat ID with keyset pagination.
func (s *PGStore) List(ctx context.Context, principalID string, limit int, continuation string) ([]Record, string, error) {
	cur, err := decodeCursor(continuation)
	if err != nil {
		return nil, "", err
	}

	rows, err := s.db.Query(ctx, fmt.Sprintf(
		`SELECT %s FROM permissions
		 WHERE user_id = $1 AND chat_id > $2
		 ORDER BY chat_id
		 LIMIT $3`, selectColumns),
		principalID, cur.Last, limit,
	)
	if err != nil {
		return nil, "", fmt.Errorf("%w: query permissions by principal: %v", ErrStoreUnavailable, err)
	}
	defer rows.Close()

	records, err := collectRecords(rows)
	if err != nil {
		return nil, "", err
	}

	var next string
	if len(records) == limit {
		next = encodeCursor(records[len(records)-1].ChatID)
	}
	return records, next, nil
}

// ListByChat returns the chat's members ordered by principal ID with keyset pagination.
func (s *PGStore) ListByChat(ctx context.Context, chatID string, limit int, continuation string) ([]Record, string, error) {
	cur, err := decodeCursor(continuation)
	if err != nil {
		return nil, "", err
	}

	rows, err := s.db.Query(ctx, fmt.Sprintf(
		`SELECT %s FROM permissions
		 WHERE chat_id = $1 AND user_id > $2
		 ORDER BY user_id
		 LIMIT $3`, selectColumns),
		chatID, cur.Last, limit,
	)
	if err != nil {
		return nil, "", fmt.Errorf("%w: query permissions by chat: %v", ErrStoreUnavailable, err)
	}
	defer rows.Close()

	records, err := collectRecords(rows)
	if err != nil {
		return nil, "", err
	}

	var next string
	if len(records) == limit {
		next = encodeCursor(records[len(records)-1].PrincipalID)
	}
	return records, next, nil
}

// Grant upserts a record. The role is validated before the store is touched.
func (s *PGStore) Grant(ctx context.Context, principalID, chatID string, role Role, grantedBy string) (*Record, error) {
	if !ValidRole(role) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidRole, role)
	}

	row := s.db.QueryRow(ctx, fmt.Sprintf(
		`INSERT INTO permissions (user_id, chat_id, role, granted_by)
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT (user_id, chat_id)
		 DO UPDATE SET role = EXCLUDED.role, granted_by = EXCLUDED.granted_by, updated_at = NOW()
		 RETURNING %s`, selectColumns),
		principalID, chatID, string(role), grantedBy,
	)
	rec, err := scanRecord(row)
	if err != nil {
		return nil, fmt.Errorf("%w: upsert permission: %v", ErrStoreUnavailable, err)
	}
	return rec, nil
}

// Revoke deletes the record. Returns ErrNotFound if no matching row exists.
func (s *PGStore) Revoke(ctx context.Context, principalID, chatID string) error {
	tag, err := s.db.Exec(ctx,
		"DELETE FROM permissions WHERE user_id = $1 AND chat_id = $2",
		principalID, chatID,
	)
	if err != nil {
		return fmt.Errorf("%w: delete permission: %v", ErrStoreUnavailable, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func scanRecord(row pgx.Row) (*Record, error) {
	var rec Record
	var role string
	if err := row.Scan(&rec.PrincipalID, &rec.ChatID, &role, &rec.GrantedBy, &rec.GrantedAt, &rec.UpdatedAt); err != nil {
		return nil, err
	}
	rec.Role = Role(role)
	return &rec, nil
}

func collectRecords(rows pgx.Rows) ([]Record, error) {
	var records []Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("%w: scan permission: %v", ErrStoreUnavailable, err)
		}
		records = append(records, *rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: iterate permissions: %v", ErrStoreUnavailable, err)
	}
	return records, nil
}
