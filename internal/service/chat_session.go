package service

import (
	"context"
	"encoding/json"
	"fmt"
	"html"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/microcosm-cc/bluemonday"
	"github.com/rs/zerolog"

	"github.com/noah-isme/gema-chat-client/internal/dto"
	"github.com/noah-isme/gema-chat-client/internal/models"
	"github.com/noah-isme/gema-chat-client/internal/observability"
)

const (
	defaultTypingDebounce = time.Second
	sessionEventBuffer    = 64
	socketWriteTimeout    = 10 * time.Second
	publishTimeout        = 2 * time.Second
)

// SessionState is the lifecycle state of a chat session.
type SessionState int

const (
	StateConnecting SessionState = iota
	StateOpen
	StateClosing
	StateClosed
)

func (s SessionState) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// SessionEventKind classifies session events.
type SessionEventKind string

const (
	EventMessage SessionEventKind = "message"
	EventTyping  SessionEventKind = "typing"
	EventHistory SessionEventKind = "history"
	EventState   SessionEventKind = "state"
)

// TypingState tells whether the other party is typing.
type TypingState struct {
	Typing bool   `json:"typing"`
	Peer   string `json:"peer,omitempty"`
}

// SessionEvent is delivered to the host for every visible change of a session.
type SessionEvent struct {
	Kind      SessionEventKind `json:"kind"`
	SessionID string           `json:"session_id"`
	RoomID    string           `json:"room_id"`
	Message   *models.Message  `json:"message,omitempty"`
	Typing    *TypingState     `json:"typing,omitempty"`
	State     string           `json:"state,omitempty"`
	At        time.Time        `json:"at"`
}

// EventPublisher fans session events out to other parts of the host.
type EventPublisher interface {
	Publish(ctx context.Context, event SessionEvent) error
}

// ChatSessionConfig holds the inputs of a chat session.
type ChatSessionConfig struct {
	RoomID    string
	Self      string
	URL       string
	Header    http.Header
	Seed      []models.Message
	Store     *SessionStore
	Net       Connectivity
	Publisher EventPublisher
	Validator *validator.Validate
	Debounce  time.Duration
	Logger    zerolog.Logger

	newTimer timerFactory
}

// ChatSession owns the socket of one room. Inbound messages are prepended to
// an in-memory list (index 0 is the newest) and merged into the room cache.
type ChatSession struct {
	id        string
	roomID    string
	self      string
	conn      Conn
	store     *SessionStore
	net       Connectivity
	publisher EventPublisher
	validate  *validator.Validate
	sanitizer *bluemonday.Policy
	debounce  time.Duration
	newTimer  timerFactory
	logger    zerolog.Logger
	now       func() time.Time

	mu           sync.Mutex
	state        SessionState
	messages     []models.Message
	ids          map[models.MessageID]struct{}
	clientIDs    map[string]struct{}
	typing       TypingState
	typingTimer  stopTimer
	typingActive bool
	typingGen    uint64
	lastLocalID  int64

	// typingMu orders typing frames; it is never held by shutdown.
	typingMu sync.Mutex
	writeMu  sync.Mutex
	events   chan SessionEvent
	done     chan struct{}
}

// NewChatSession dials the room socket and starts reading from it. On a dial
// failure the session is never returned and the error wraps ErrSocket.
func NewChatSession(ctx context.Context, dialer Dialer, cfg ChatSessionConfig) (*ChatSession, error) {
	if strings.TrimSpace(cfg.RoomID) == "" {
		return nil, fmt.Errorf("%w: room id is required", ErrValidation)
	}
	if cfg.Validator == nil {
		cfg.Validator = validator.New()
	}
	if cfg.Debounce <= 0 {
		cfg.Debounce = defaultTypingDebounce
	}
	if cfg.newTimer == nil {
		cfg.newTimer = afterFunc
	}

	s := &ChatSession{
		id:        uuid.NewString(),
		roomID:    cfg.RoomID,
		self:      cfg.Self,
		store:     cfg.Store,
		net:       cfg.Net,
		publisher: cfg.Publisher,
		validate:  cfg.Validator,
		sanitizer: bluemonday.StrictPolicy(),
		debounce:  cfg.Debounce,
		newTimer:  cfg.newTimer,
		now:       time.Now,
		state:     StateConnecting,
		ids:       make(map[models.MessageID]struct{}),
		clientIDs: make(map[string]struct{}),
		events:    make(chan SessionEvent, sessionEventBuffer),
		done:      make(chan struct{}),
	}
	s.logger = cfg.Logger.With().Str("component", "chat_session").Str("room_id", cfg.RoomID).Str("session_id", s.id).Logger()

	// The seed is chronological; the visible list is newest first.
	for i := len(cfg.Seed) - 1; i >= 0; i-- {
		if s.remember(cfg.Seed[i]) {
			s.messages = append(s.messages, cfg.Seed[i])
		}
	}

	conn, err := dialer.Dial(ctx, cfg.URL, cfg.Header)
	if err != nil {
		s.mu.Lock()
		s.state = StateClosed
		s.mu.Unlock()
		close(s.done)
		s.logger.Warn().Err(err).Msg("chat socket dial failed")
		return nil, fmt.Errorf("%w: dial %s: %w", ErrSocket, cfg.RoomID, err)
	}

	s.mu.Lock()
	s.conn = conn
	s.state = StateOpen
	s.mu.Unlock()
	observability.SessionsActive().Inc()
	s.logger.Info().Int("seeded", len(s.messages)).Msg("chat session open")
	s.emit(SessionEvent{Kind: EventState, State: StateOpen.String()})

	go s.readLoop()
	return s, nil
}

// ID identifies this session instance.
func (s *ChatSession) ID() string {
	return s.id
}

// RoomID returns the room the session is bound to.
func (s *ChatSession) RoomID() string {
	return s.roomID
}

// State returns the current lifecycle state.
func (s *ChatSession) State() SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Messages returns a copy of the visible list, newest first.
func (s *ChatSession) Messages() []models.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]models.Message(nil), s.messages...)
}

// Typing returns whether the other party is typing.
func (s *ChatSession) Typing() TypingState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.typing
}

// Events delivers session changes. Events are dropped when the host does not
// keep up. The channel is never closed; use Done to detect the end.
func (s *ChatSession) Events() <-chan SessionEvent {
	return s.events
}

// Done is closed once the socket reader has exited.
func (s *ChatSession) Done() <-chan struct{} {
	return s.done
}

// Send validates body, transmits it and prepends a local echo. Blank bodies
// are rejected with ErrEmptyMessage before anything is written.
func (s *ChatSession) Send(ctx context.Context, body string) (models.Message, error) {
	trimmed := strings.TrimSpace(body)
	if trimmed == "" {
		return models.Message{}, ErrEmptyMessage
	}
	if err := s.validate.Struct(dto.ChatSendRequest{RoomID: s.roomID, Sender: s.self, Body: trimmed}); err != nil {
		return models.Message{}, fmt.Errorf("%w: %v", ErrValidation, err)
	}

	s.mu.Lock()
	if s.state != StateOpen {
		s.mu.Unlock()
		return models.Message{}, ErrSessionNotOpen
	}
	message := models.Message{
		ID:        s.nextLocalID(),
		RoomID:    s.roomID,
		Sender:    s.self,
		Body:      trimmed,
		Timestamp: models.Timestamp(s.now().UTC().Format(time.RFC3339)),
		ClientID:  uuid.NewString(),
	}
	s.mu.Unlock()

	frame := dto.ChatFrame{
		EventType: dto.EventTypeMessage,
		Sender:    message.Sender,
		Message:   message.Body,
		ID:        message.ID,
		Timestamp: message.Timestamp,
		ClientID:  message.ClientID,
	}
	if err := s.write(frame); err != nil {
		s.logger.Warn().Err(err).Msg("send failed")
		return models.Message{}, fmt.Errorf("%w: send: %v", ErrSocket, err)
	}
	observability.MessagesSent().WithLabelValues(dto.EventTypeMessage).Inc()

	s.mu.Lock()
	if s.remember(message) {
		s.messages = append([]models.Message{message}, s.messages...)
	}
	s.mu.Unlock()

	s.persist(ctx, message)
	s.emit(SessionEvent{Kind: EventMessage, Message: &message})
	return message, nil
}

// NotifyTyping reports local typing input. The first input of a burst sends a
// start frame; every input re-arms the single stop timer. It does nothing when
// offline or when the session is not open.
func (s *ChatSession) NotifyTyping(ctx context.Context) {
	if s.net != nil && !s.net.Online(ctx) {
		return
	}

	s.typingMu.Lock()
	defer s.typingMu.Unlock()

	s.mu.Lock()
	if s.state != StateOpen {
		s.mu.Unlock()
		return
	}
	if s.typingTimer != nil {
		s.typingTimer.Stop()
	}
	s.typingGen++
	gen := s.typingGen
	s.typingTimer = s.newTimer(s.debounce, func() { s.stopTyping(gen) })
	start := !s.typingActive
	s.typingActive = true
	s.mu.Unlock()

	if !start {
		return
	}
	if err := s.write(dto.NewTypingFrame(s.self, true)); err != nil {
		s.logger.Debug().Err(err).Msg("typing start not sent")
		return
	}
	observability.MessagesSent().WithLabelValues(dto.EventTypeTyping).Inc()
}

func (s *ChatSession) stopTyping(gen uint64) {
	defer s.recoverCallback("typing timer")

	s.typingMu.Lock()
	defer s.typingMu.Unlock()

	s.mu.Lock()
	if s.state != StateOpen || gen != s.typingGen || !s.typingActive {
		s.mu.Unlock()
		return
	}
	s.typingActive = false
	s.typingTimer = nil
	s.mu.Unlock()

	if err := s.write(dto.NewTypingFrame(s.self, false)); err != nil {
		s.logger.Debug().Err(err).Msg("typing stop not sent")
		return
	}

	// Only shutdown can move gen while typingMu is held.
	s.mu.Lock()
	live := s.state == StateOpen && gen == s.typingGen
	s.mu.Unlock()
	if !live {
		s.logger.Debug().Msg("session closed while typing stop was written")
		return
	}
	observability.MessagesSent().WithLabelValues(dto.EventTypeTyping).Inc()
}

// Backfill runs fetch and folds the returned history, chronological, into
// the room cache and the session. The fetched history sets the order; cached
// and live entries it lacks are newer and stay after it. A result that arrives
// after the session has closed is discarded and ErrSessionNotOpen is returned.
func (s *ChatSession) Backfill(ctx context.Context, fetch func(ctx context.Context) ([]models.Message, error)) (int, error) {
	history, err := fetch(ctx)
	if err != nil {
		return 0, err
	}
	if s.State() != StateOpen {
		s.logger.Debug().Int("messages", len(history)).Msg("discarding history fetched for a closed session")
		return 0, ErrSessionNotOpen
	}

	timeline, _ := models.MergeMessages(nil, history...)
	if s.store != nil {
		merged, _, err := s.store.MergeHistory(ctx, s.roomID, history...)
		if err != nil {
			s.logger.Warn().Err(err).Msg("backfilled history not cached")
		} else {
			timeline = merged
		}
	}

	s.mu.Lock()
	if s.state != StateOpen {
		s.mu.Unlock()
		s.logger.Debug().Int("messages", len(history)).Msg("discarding history fetched for a closed session")
		return 0, ErrSessionNotOpen
	}
	before := len(s.messages)
	live := make([]models.Message, 0, len(s.messages))
	for i := len(s.messages) - 1; i >= 0; i-- {
		live = append(live, s.messages[i])
	}
	chronological, _ := models.MergeMessages(timeline, live...)

	s.messages = make([]models.Message, 0, len(chronological))
	s.ids = make(map[models.MessageID]struct{}, len(chronological))
	s.clientIDs = make(map[string]struct{})
	for i := len(chronological) - 1; i >= 0; i-- {
		if s.remember(chronological[i]) {
			s.messages = append(s.messages, chronological[i])
		}
	}
	added := len(s.messages) - before
	s.mu.Unlock()

	if added > 0 {
		s.emit(SessionEvent{Kind: EventHistory})
	}
	return added, nil
}

// Close cancels the typing timer, closes the socket and waits for the reader
// to exit. It is safe to call more than once.
func (s *ChatSession) Close() error {
	s.shutdown(nil)
	<-s.done
	return nil
}

func (s *ChatSession) readLoop() {
	defer close(s.done)
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error().Interface("panic", r).Msg("chat socket reader panicked")
			s.shutdown(fmt.Errorf("%w: reader panic", ErrSocket))
		}
	}()

	for {
		_, payload, err := s.conn.ReadMessage()
		if err != nil {
			s.shutdown(err)
			return
		}

		var frame dto.ChatFrame
		if err := json.Unmarshal(payload, &frame); err != nil {
			s.logger.Warn().Err(err).Msg("dropping malformed frame")
			continue
		}
		s.handleFrame(frame)
	}
}

func (s *ChatSession) handleFrame(frame dto.ChatFrame) {
	defer s.recoverCallback("frame handler")

	switch frame.EventType {
	case dto.EventTypeMessage:
		s.receiveMessage(frame)
	case dto.EventTypeTyping:
		s.receiveTyping(frame)
	default:
		s.logger.Debug().Str("event_type", frame.EventType).Msg("ignoring unknown frame")
	}
}

func (s *ChatSession) receiveMessage(frame dto.ChatFrame) {
	body := strings.TrimSpace(html.UnescapeString(s.sanitizer.Sanitize(frame.Message)))
	if body == "" {
		return
	}

	s.mu.Lock()
	if s.state != StateOpen {
		s.mu.Unlock()
		return
	}
	message := models.Message{
		ID:        frame.ID,
		RoomID:    s.roomID,
		Sender:    frame.Sender,
		Body:      body,
		Timestamp: frame.Timestamp,
		ClientID:  frame.ClientID,
	}
	if message.ID.IsZero() {
		message.ID = s.nextLocalID()
	}
	if message.Timestamp == "" {
		message.Timestamp = models.Timestamp(s.now().UTC().Format(time.RFC3339))
	}
	if !s.remember(message) {
		s.mu.Unlock()
		s.logger.Debug().Str("message_id", string(message.ID)).Msg("duplicate message ignored")
		return
	}
	s.messages = append([]models.Message{message}, s.messages...)
	s.mu.Unlock()

	observability.MessagesReceived().Inc()
	s.persist(context.Background(), message)
	s.emit(SessionEvent{Kind: EventMessage, Message: &message})
}

func (s *ChatSession) receiveTyping(frame dto.ChatFrame) {
	if frame.Sender != "" && strings.EqualFold(frame.Sender, s.self) {
		return
	}

	s.mu.Lock()
	if s.state != StateOpen {
		s.mu.Unlock()
		return
	}
	s.typing = TypingState{Typing: frame.TypingValue(), Peer: frame.Sender}
	typing := s.typing
	s.mu.Unlock()

	s.emit(SessionEvent{Kind: EventTyping, Typing: &typing})
}

// shutdown moves the session to Closed once. The typing timer is cancelled
// before the socket is released.
func (s *ChatSession) shutdown(cause error) {
	s.mu.Lock()
	if s.state == StateClosing || s.state == StateClosed {
		s.mu.Unlock()
		return
	}
	wasOpen := s.state == StateOpen
	s.state = StateClosing
	if s.typingTimer != nil {
		s.typingTimer.Stop()
		s.typingTimer = nil
	}
	s.typingGen++
	s.typingActive = false
	conn := s.conn
	s.mu.Unlock()

	if conn != nil {
		if err := conn.Close(); err != nil {
			s.logger.Debug().Err(err).Msg("socket close returned an error")
		}
	}

	s.mu.Lock()
	s.state = StateClosed
	s.mu.Unlock()

	if wasOpen {
		observability.SessionsActive().Dec()
	}
	if cause != nil {
		s.logger.Warn().Err(cause).Msg("chat session closed by socket")
	} else {
		s.logger.Info().Msg("chat session closed")
	}
	s.emit(SessionEvent{Kind: EventState, State: StateClosed.String()})
}

// write sends one frame. Callers must not hold s.mu: a stalled peer keeps the
// write blocked until the deadline passes or shutdown closes the socket.
func (s *ChatSession) write(frame dto.ChatFrame) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if err := s.conn.SetWriteDeadline(time.Now().Add(socketWriteTimeout)); err != nil {
		return err
	}
	return s.conn.WriteJSON(frame)
}

func (s *ChatSession) persist(ctx context.Context, message models.Message) {
	if s.store == nil {
		return
	}
	if _, _, err := s.store.MergeMessages(ctx, s.roomID, message); err != nil {
		s.logger.Warn().Err(err).Str("message_id", string(message.ID)).Msg("message not cached")
	}
}

func (s *ChatSession) emit(event SessionEvent) {
	event.SessionID = s.id
	event.RoomID = s.roomID
	event.At = s.now().UTC()

	select {
	case s.events <- event:
	default:
		s.logger.Debug().Str("kind", string(event.Kind)).Msg("event buffer full, dropping event")
	}

	if s.publisher != nil {
		ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
		defer cancel()
		if err := s.publisher.Publish(ctx, event); err != nil {
			s.logger.Debug().Err(err).Msg("event not published")
		}
	}
}

// remember records the identity of message and reports whether it was new.
// Callers hold s.mu.
func (s *ChatSession) remember(message models.Message) bool {
	if _, dup := s.ids[message.ID]; dup {
		return false
	}
	if message.ClientID != "" {
		if _, dup := s.clientIDs[message.ClientID]; dup {
			return false
		}
		s.clientIDs[message.ClientID] = struct{}{}
	}
	s.ids[message.ID] = struct{}{}
	return true
}

// nextLocalID returns a millisecond timestamp id, bumped to stay strictly
// increasing within the session. Callers hold s.mu.
func (s *ChatSession) nextLocalID() models.MessageID {
	id := s.now().UnixMilli()
	if id <= s.lastLocalID {
		id = s.lastLocalID + 1
	}
	s.lastLocalID = id
	return models.MessageID(strconv.FormatInt(id, 10))
}

func (s *ChatSession) recoverCallback(name string) {
	if r := recover(); r != nil {
		s.logger.Error().Interface("panic", r).Str("callback", name).Msg("chat session callback panicked")
	}
}
