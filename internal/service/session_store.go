package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"github.com/noah-isme/gema-chat-client/internal/models"
	"github.com/noah-isme/gema-chat-client/internal/observability"
	"github.com/noah-isme/gema-chat-client/internal/repository"
)

// SessionStore is the durable cache of rosters, profiles and room histories.
// Storage failures never reach the caller of a read: they are logged and the
// read reports a miss.
type SessionStore struct {
	repo    repository.CacheRepository
	schemas cacheSchemas
	logger  zerolog.Logger

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewSessionStore constructs a store over the given cache repository.
func NewSessionStore(repo repository.CacheRepository, logger zerolog.Logger) (*SessionStore, error) {
	if repo == nil {
		return nil, errors.New("cache repository is required")
	}
	schemas, err := compileCacheSchemas()
	if err != nil {
		return nil, err
	}
	return &SessionStore{
		repo:    repo,
		schemas: schemas,
		logger:  logger.With().Str("component", "session_store").Logger(),
		locks:   make(map[string]*sync.Mutex),
	}, nil
}

// Get returns the raw value stored under key.
func (s *SessionStore) Get(ctx context.Context, key string) ([]byte, bool) {
	raw, err := s.repo.Get(ctx, key)
	switch {
	case errors.Is(err, repository.ErrCacheMiss):
		observability.CacheOperations().WithLabelValues("get", "miss").Inc()
		return nil, false
	case err != nil:
		observability.CacheOperations().WithLabelValues("get", "error").Inc()
		s.logger.Warn().Err(err).Str("key", key).Msg("cache read failed, treating as miss")
		return nil, false
	}
	observability.CacheOperations().WithLabelValues("get", "hit").Inc()
	return raw, true
}

// Set replaces the value stored under key.
func (s *SessionStore) Set(ctx context.Context, key string, value []byte) error {
	if err := s.repo.Set(ctx, key, value); err != nil {
		observability.CacheOperations().WithLabelValues("set", "error").Inc()
		s.logger.Warn().Err(err).Str("key", key).Msg("cache write failed")
		return fmt.Errorf("%w: set %s: %v", ErrCacheIO, key, err)
	}
	observability.CacheOperations().WithLabelValues("set", "ok").Inc()
	return nil
}

// Remove deletes key. Removing a missing key succeeds.
func (s *SessionStore) Remove(ctx context.Context, key string) error {
	if err := s.repo.Delete(ctx, key); err != nil {
		observability.CacheOperations().WithLabelValues("remove", "error").Inc()
		s.logger.Warn().Err(err).Str("key", key).Msg("cache remove failed")
		return fmt.Errorf("%w: remove %s: %v", ErrCacheIO, key, err)
	}
	observability.CacheOperations().WithLabelValues("remove", "ok").Inc()
	return nil
}

// ListKeys returns every stored key, or nothing when the medium is unreadable.
func (s *SessionStore) ListKeys(ctx context.Context) []string {
	keys, err := s.repo.Keys(ctx)
	if err != nil {
		observability.CacheOperations().WithLabelValues("list", "error").Inc()
		s.logger.Warn().Err(err).Msg("cache key listing failed")
		return nil
	}
	return keys
}

// Roster returns the cached user list.
func (s *SessionStore) Roster(ctx context.Context) ([]models.User, bool) {
	var users []models.User
	if !s.load(ctx, RosterKey, RosterCache, &users) {
		return nil, false
	}
	return users, true
}

// SetRoster replaces the cached user list.
func (s *SessionStore) SetRoster(ctx context.Context, users []models.User) error {
	if users == nil {
		users = []models.User{}
	}
	return s.store(ctx, RosterKey, users)
}

// Profile returns the cached profile of the signed-in user.
func (s *SessionStore) Profile(ctx context.Context) (models.User, bool) {
	var user models.User
	if !s.load(ctx, ProfileKey, ProfileCache, &user) {
		return models.User{}, false
	}
	return user, true
}

// SetProfile replaces the cached profile.
func (s *SessionStore) SetProfile(ctx context.Context, user models.User) error {
	return s.store(ctx, ProfileKey, user)
}

// MessageList returns a room's cached history in chronological order.
func (s *SessionStore) MessageList(ctx context.Context, roomID string) ([]models.Message, bool) {
	var messages []models.Message
	if !s.load(ctx, MessageListKey(roomID), MessageListCache, &messages) {
		return nil, false
	}
	return messages, true
}

// SetMessageList replaces a room's cached history.
func (s *SessionStore) SetMessageList(ctx context.Context, roomID string, messages []models.Message) error {
	unlock := s.lockKey(MessageListKey(roomID))
	defer unlock()

	if messages == nil {
		messages = []models.Message{}
	}
	return s.store(ctx, MessageListKey(roomID), messages)
}

// MergeMessages appends the messages whose id is not yet cached for roomID and
// returns the resulting history. The read, merge and write happen under the
// key's lock so concurrent merges into one room never lose each other's
// entries. A missing or unreadable cache starts a new list.
func (s *SessionStore) MergeMessages(ctx context.Context, roomID string, incoming ...models.Message) ([]models.Message, int, error) {
	key := MessageListKey(roomID)
	unlock := s.lockKey(key)
	defer unlock()

	var existing []models.Message
	s.load(ctx, key, MessageListCache, &existing)

	merged, added := models.MergeMessages(existing, incoming...)
	if added == 0 && existing != nil {
		return merged, 0, nil
	}
	if err := s.store(ctx, key, merged); err != nil {
		return merged, added, err
	}
	return merged, added, nil
}

// MergeHistory folds a chronological history fetched from the backend into the
// room cache. The fetched list is the base order and cached entries it lacks
// follow it, so the cache stays chronological when older messages arrive. The
// count is the number of fetched messages that were not cached before.
func (s *SessionStore) MergeHistory(ctx context.Context, roomID string, history ...models.Message) ([]models.Message, int, error) {
	key := MessageListKey(roomID)
	unlock := s.lockKey(key)
	defer unlock()

	var existing []models.Message
	s.load(ctx, key, MessageListCache, &existing)

	fetched, _ := models.MergeMessages(nil, history...)
	_, added := models.MergeMessages(existing, fetched...)
	timeline, _ := models.MergeMessages(fetched, existing...)
	if added == 0 && existing != nil && len(timeline) == len(existing) && sameOrder(timeline, existing) {
		return timeline, 0, nil
	}
	if err := s.store(ctx, key, timeline); err != nil {
		return timeline, added, err
	}
	return timeline, added, nil
}

func sameOrder(a, b []models.Message) bool {
	for i := range a {
		if a[i].ID != b[i].ID {
			return false
		}
	}
	return true
}

// Clear removes every key owned by this client: roster, profile and all room
// histories. It keeps going after a failure and reports the first one.
func (s *SessionStore) Clear(ctx context.Context) error {
	var firstErr error
	for _, key := range s.ListKeys(ctx) {
		if _, owned := KindOf(key); !owned {
			continue
		}
		if err := s.Remove(ctx, key); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (s *SessionStore) load(ctx context.Context, key string, kind CacheKind, out interface{}) bool {
	raw, ok := s.Get(ctx, key)
	if !ok {
		return false
	}
	if err := s.schemas.validate(kind, raw); err != nil {
		observability.CacheOperations().WithLabelValues("get", "invalid").Inc()
		s.logger.Warn().Err(err).Str("key", key).Msg("cached value has unexpected shape, treating as miss")
		return false
	}
	if err := json.Unmarshal(raw, out); err != nil {
		observability.CacheOperations().WithLabelValues("get", "invalid").Inc()
		s.logger.Warn().Err(err).Str("key", key).Msg("cached value cannot be decoded, treating as miss")
		return false
	}
	return true
}

func (s *SessionStore) store(ctx context.Context, key string, value interface{}) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("%w: encode %s: %v", ErrCacheIO, key, err)
	}
	return s.Set(ctx, key, raw)
}

func (s *SessionStore) lockKey(key string) func() {
	s.mu.Lock()
	lock, ok := s.locks[key]
	if !ok {
		lock = &sync.Mutex{}
		s.locks[key] = lock
	}
	s.mu.Unlock()

	lock.Lock()
	return lock.Unlock
}
