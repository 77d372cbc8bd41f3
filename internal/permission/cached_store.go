package permission

import (
	"context"
	"errors"

	"github.com/rs/zerolog"
)

// CachedStore layers a Valkey read-through cache over a Store. Point reads hit
// the cache first; grants and revokes invalidate the exact key so the next
// read repopulates from the store. Listings always go to the store. Cache
// faults degrade to store reads and are logged, never surfaced — the store is
// the source of truth, the cache only buys the <20ms point-read budget.
type CachedStore struct {
	store Store
	cache Cache
	log   zerolog.Logger
}

// NewCachedStore wraps store with cache.
func NewCachedStore(store Store, cache Cache, logger zerolog.Logger) *CachedStore {
	return &CachedStore{
		store: store,
		cache: cache,
		log:   logger.With().Str("component", "permission-cache").Logger(),
	}
}

// Get returns the record for (principalID, chatID), or ErrNotFound. Cached
// hits synthesize a record carrying only the key and role; callers on the hot
// path need nothing more.
func (s *CachedStore) Get(ctx context.Context, principalID, chatID string) (*Record, error) {
	role, found, err := s.cache.Get(ctx, principalID, chatID)
	if err != nil {
		s.log.Warn().Err(err).Msg("Permission cache read failed, falling through to store")
	} else if found {
		if role == "" {
			return nil, ErrNotFound
		}
		return &Record{PrincipalID: principalID, ChatID: chatID, Role: role}, nil
	}

	rec, err := s.store.Get(ctx, principalID, chatID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			if cErr := s.cache.SetNegative(ctx, principalID, chatID); cErr != nil {
				s.log.Warn().Err(cErr).Msg("Failed to cache permission miss")
			}
		}
		return nil, err
	}

	if cErr := s.cache.Set(ctx, principalID, chatID, rec.Role); cErr != nil {
		s.log.Warn().Err(cErr).Msg("Failed to cache permission")
	}
	return rec, nil
}

// List delegates to the underlying store.
func (s *CachedStore) List(ctx context.Context, principalID string, limit int, continuation string) ([]Record, string, error) {
	return s.store.List(ctx, principalID, limit, continuation)
}

// ListByChat delegates to the underlying store.
func (s *CachedStore) ListByChat(ctx context.Context, chatID string, limit int, continuation string) ([]Record, string, error) {
	return s.store.ListByChat(ctx, chatID, limit, continuation)
}

// Grant writes through to the store and invalidates the cached key.
func (s *CachedStore) Grant(ctx context.Context, principalID, chatID string, role Role, grantedBy string) (*Record, error) {
	rec, err := s.store.Grant(ctx, principalID, chatID, role, grantedBy)
	if err != nil {
		return nil, err
	}
	if cErr := s.cache.DeleteExact(ctx, principalID, chatID); cErr != nil {
		s.log.Warn().Err(cErr).Msg("Failed to invalidate permission cache after grant")
	}
	return rec, nil
}

// Revoke deletes from the store and invalidates the cached key. The cache is
// invalidated even when the record was already absent, clearing any stale
// positive entry.
func (s *CachedStore) Revoke(ctx context.Context, principalID, chatID string) error {
	err := s.store.Revoke(ctx, principalID, chatID)
	if cErr := s.cache.DeleteExact(ctx, principalID, chatID); cErr != nil {
		s.log.Warn().Err(cErr).Msg("Failed to invalidate permission cache after revoke")
	}
	return err
}
