package service

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"

	"github.com/noah-isme/gema-chat-client/internal/models"
)

// MessengerConfig wires the messenger to its collaborators.
type MessengerConfig struct {
	SocketURL func(roomID string) string
	Dialer    Dialer
	Store     *SessionStore
	Roster    *RosterSynchronizer
	Tokens    *TokenGatekeeper
	Net       Connectivity
	Publisher EventPublisher
	Validator *validator.Validate
	Debounce  time.Duration
	Logger    zerolog.Logger
}

// OpenOptions selects the conversation to open.
type OpenOptions struct {
	CurrentUser models.User
	Peer        models.User

	// RefreshHistory backfills the room from the backend after a cache hit.
	RefreshHistory bool
}

// Messenger opens chat sessions for a pair of users.
type Messenger struct {
	cfg    MessengerConfig
	logger zerolog.Logger
}

// NewMessenger constructs a messenger.
func NewMessenger(cfg MessengerConfig) *Messenger {
	if cfg.Validator == nil {
		cfg.Validator = validator.New()
	}
	return &Messenger{
		cfg:    cfg,
		logger: cfg.Logger.With().Str("component", "messenger").Logger(),
	}
}

// Open derives the room of the two users, seeds a session from the cached
// history or the backend, and dials the room socket with the current bearer
// token. A rejected handshake is retried once after a token refresh.
func (m *Messenger) Open(ctx context.Context, opts OpenOptions) (*ChatSession, error) {
	if opts.CurrentUser.ID == opts.Peer.ID {
		return nil, fmt.Errorf("%w: cannot open a conversation with yourself", ErrValidation)
	}
	roomID := models.RoomID(opts.CurrentUser.ID, opts.Peer.ID)

	seed, cached := m.cfg.Store.MessageList(ctx, roomID)
	if !cached {
		history, err := m.cfg.Roster.LoadRoomHistory(ctx, roomID, opts.Peer.ID)
		if err != nil {
			return nil, err
		}
		seed = history
	}

	var session *ChatSession
	err := m.cfg.Tokens.Do(ctx, func(ctx context.Context, token string) error {
		header := http.Header{}
		header.Set("Authorization", "Bearer "+token)

		opened, err := NewChatSession(ctx, m.cfg.Dialer, ChatSessionConfig{
			RoomID:    roomID,
			Self:      opts.CurrentUser.Email,
			URL:       m.cfg.SocketURL(roomID),
			Header:    header,
			Seed:      seed,
			Store:     m.cfg.Store,
			Net:       m.cfg.Net,
			Publisher: m.cfg.Publisher,
			Validator: m.cfg.Validator,
			Debounce:  m.cfg.Debounce,
			Logger:    m.cfg.Logger,
		})
		session = opened
		return err
	})
	if err != nil {
		return nil, err
	}

	m.logger.Debug().Str("room_id", roomID).Bool("cached", cached).Int("seeded", len(seed)).Msg("conversation opened")

	if cached && opts.RefreshHistory && m.cfg.Net.Online(ctx) {
		go func() {
			fetch := func(ctx context.Context) ([]models.Message, error) {
				return m.cfg.Roster.FetchRoomHistory(ctx, roomID, opts.Peer.ID)
			}
			if _, err := session.Backfill(context.Background(), fetch); err != nil {
				m.logger.Debug().Err(err).Str("room_id", roomID).Msg("history backfill skipped")
			}
		}()
	}

	return session, nil
}
