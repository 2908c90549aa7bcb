package service

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/noah-isme/gema-chat-client/internal/models"
)

// RosterAPI is the part of the backend the roster synchronizer reads from.
type RosterAPI interface {
	CurrentUser(ctx context.Context, token string) (models.User, error)
	Users(ctx context.Context, token string) ([]models.User, error)
	PrivateChats(ctx context.Context, token string, peerID int64) ([]models.Message, error)
	UnreadMessages(ctx context.Context, token string) ([]models.Message, error)
}

// Connectivity reports whether optional network work should be attempted.
type Connectivity interface {
	Online(ctx context.Context) bool
}

// RosterSynchronizer fills the session store with the roster, the current
// profile and room histories, and folds the unread backlog into the right
// rooms before a chat session is opened.
type RosterSynchronizer struct {
	api    RosterAPI
	store  *SessionStore
	tokens *TokenGatekeeper
	net    Connectivity
	logger zerolog.Logger
	tracer trace.Tracer
}

// NewRosterSynchronizer wires the synchronizer to its collaborators.
func NewRosterSynchronizer(api RosterAPI, store *SessionStore, tokens *TokenGatekeeper, net Connectivity, logger zerolog.Logger) *RosterSynchronizer {
	return &RosterSynchronizer{
		api:    api,
		store:  store,
		tokens: tokens,
		net:    net,
		logger: logger.With().Str("component", "roster_sync").Logger(),
		tracer: otel.Tracer("github.com/noah-isme/gema-chat-client/internal/service/roster_sync"),
	}
}

// LoadUsers returns the cached roster verbatim, or fetches and caches it when
// the cache is empty. The fetch is mandatory and its failure is returned.
func (s *RosterSynchronizer) LoadUsers(ctx context.Context) ([]models.User, error) {
	if users, ok := s.store.Roster(ctx); ok {
		return users, nil
	}
	return s.fetchUsers(ctx)
}

// RefreshUsers re-fetches the roster regardless of the cache. Offline it
// returns whatever is cached.
func (s *RosterSynchronizer) RefreshUsers(ctx context.Context) ([]models.User, error) {
	if !s.net.Online(ctx) {
		s.logger.Debug().Msg("offline, keeping cached roster")
		users, _ := s.store.Roster(ctx)
		return users, nil
	}
	return s.fetchUsers(ctx)
}

func (s *RosterSynchronizer) fetchUsers(ctx context.Context) ([]models.User, error) {
	var users []models.User
	err := s.tokens.Do(ctx, func(ctx context.Context, token string) error {
		fetched, err := s.api.Users(ctx, token)
		users = fetched
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("load users: %w", err)
	}

	if err := s.store.SetRoster(ctx, users); err != nil {
		s.logger.Warn().Err(err).Msg("roster fetched but not cached")
	}
	return users, nil
}

// Peers returns the roster without the signed-in user.
func (s *RosterSynchronizer) Peers(users []models.User, currentUserID int64) []models.User {
	peers := make([]models.User, 0, len(users))
	for _, user := range users {
		if user.ID == currentUserID {
			continue
		}
		peers = append(peers, user)
	}
	return peers
}

// LoadCurrentUser returns the cached profile or fetches it.
func (s *RosterSynchronizer) LoadCurrentUser(ctx context.Context) (models.User, error) {
	if user, ok := s.store.Profile(ctx); ok {
		return user, nil
	}

	var user models.User
	err := s.tokens.Do(ctx, func(ctx context.Context, token string) error {
		fetched, err := s.api.CurrentUser(ctx, token)
		user = fetched
		return err
	})
	if err != nil {
		return models.User{}, fmt.Errorf("load current user: %w", err)
	}

	if err := s.store.SetProfile(ctx, user); err != nil {
		s.logger.Warn().Err(err).Int64("user_id", user.ID).Msg("profile fetched but not cached")
	}
	return user, nil
}

// LoadRoomHistory returns the cached history of roomID, fetching the private
// chat with peerID when nothing is cached. Fetched messages are merged into
// the room cache by id, so a backlog merged meanwhile is kept.
func (s *RosterSynchronizer) LoadRoomHistory(ctx context.Context, roomID string, peerID int64) ([]models.Message, error) {
	if messages, ok := s.store.MessageList(ctx, roomID); ok {
		return messages, nil
	}

	messages, err := s.FetchRoomHistory(ctx, roomID, peerID)
	if err != nil {
		return nil, err
	}

	merged, _, err := s.store.MergeMessages(ctx, roomID, messages...)
	if err != nil {
		s.logger.Warn().Err(err).Str("room_id", roomID).Msg("history fetched but not cached")
	}
	return merged, nil
}

// FetchRoomHistory fetches the private chat with peerID without touching the
// cache. Messages are tagged with roomID when the backend omits it.
func (s *RosterSynchronizer) FetchRoomHistory(ctx context.Context, roomID string, peerID int64) ([]models.Message, error) {
	var messages []models.Message
	err := s.tokens.Do(ctx, func(ctx context.Context, token string) error {
		fetched, err := s.api.PrivateChats(ctx, token, peerID)
		messages = fetched
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("load history of %s: %w", roomID, err)
	}

	for i := range messages {
		if messages[i].RoomID == "" {
			messages[i].RoomID = roomID
		}
	}
	return messages, nil
}

// LoadUnreadBacklog fetches every unseen message and merges each into the
// cache of the room it carries. Rooms without a cache get a new list. It is a
// no-op when offline. The result is the number of messages newly cached.
func (s *RosterSynchronizer) LoadUnreadBacklog(ctx context.Context) (int, error) {
	if !s.net.Online(ctx) {
		s.logger.Debug().Msg("offline, skipping unread backlog")
		return 0, nil
	}

	ctx, span := s.tracer.Start(ctx, "roster_sync.unread_backlog")
	defer span.End()

	var backlog []models.Message
	err := s.tokens.Do(ctx, func(ctx context.Context, token string) error {
		fetched, err := s.api.UnreadMessages(ctx, token)
		backlog = fetched
		return err
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return 0, fmt.Errorf("load unread backlog: %w", err)
	}

	rooms := make([]string, 0)
	byRoom := make(map[string][]models.Message)
	for _, message := range backlog {
		if message.RoomID == "" {
			s.logger.Warn().Str("message_id", string(message.ID)).Msg("unread message carries no room, skipping")
			continue
		}
		if _, seen := byRoom[message.RoomID]; !seen {
			rooms = append(rooms, message.RoomID)
		}
		byRoom[message.RoomID] = append(byRoom[message.RoomID], message)
	}

	total := 0
	for _, roomID := range rooms {
		_, added, err := s.store.MergeMessages(ctx, roomID, byRoom[roomID]...)
		if err != nil {
			s.logger.Warn().Err(err).Str("room_id", roomID).Msg("unread messages not cached")
			continue
		}
		total += added
	}

	span.SetAttributes(attribute.Int("backlog.size", len(backlog)), attribute.Int("backlog.added", total))
	s.logger.Debug().Int("rooms", len(rooms)).Int("added", total).Msg("unread backlog merged")
	return total, nil
}
