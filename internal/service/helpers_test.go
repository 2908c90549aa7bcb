package service

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/noah-isme/gema-chat-client/internal/database"
	"github.com/noah-isme/gema-chat-client/internal/dto"
	"github.com/noah-isme/gema-chat-client/internal/models"
	"github.com/noah-isme/gema-chat-client/internal/repository"
)

var testCredentialKey = []byte("0123456789abcdef0123456789abcdef")

func setupTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := database.ConnectSQLite("file:" + uuid.NewString() + "?mode=memory&cache=shared")
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	t.Cleanup(func() { _ = sqlDB.Close() })
	return db
}

func newTestStore(t *testing.T, db *gorm.DB) *SessionStore {
	t.Helper()
	store, err := NewSessionStore(repository.NewGormCacheRepository(db), zerolog.Nop())
	require.NoError(t, err)
	return store
}

func newTestGatekeeper(t *testing.T, db *gorm.DB, refresher TokenRefresher) *TokenGatekeeper {
	t.Helper()
	secrets, err := repository.NewSecretRepository(db, testCredentialKey)
	require.NoError(t, err)
	return NewTokenGatekeeper(secrets, refresher, zerolog.Nop())
}

type stubConnectivity bool

func (s stubConnectivity) Online(context.Context) bool {
	return bool(s)
}

type fakeRefresher struct {
	mu      sync.Mutex
	calls   int
	pair    models.TokenPair
	err     error
	started chan struct{}
	release chan struct{}
}

func (f *fakeRefresher) RefreshTokens(ctx context.Context, refresh string) (models.TokenPair, error) {
	f.mu.Lock()
	f.calls++
	started, release := f.started, f.release
	f.mu.Unlock()

	if started != nil {
		started <- struct{}{}
	}
	if release != nil {
		<-release
	}
	return f.pair, f.err
}

func (f *fakeRefresher) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

// fakeConn is an in-memory socket. Frames pushed by the test are read by the
// session; frames the session writes are recorded.
type fakeConn struct {
	inbound   chan []byte
	closed    chan struct{}
	closeOnce sync.Once

	// stalled, when set, makes writes block until the conn is closed, like a
	// peer that stopped reading. Each stalled write is announced on it.
	stalled chan struct{}

	mu        sync.Mutex
	written   []dto.ChatFrame
	deadlines []time.Time
}

func newFakeConn() *fakeConn {
	return &fakeConn{inbound: make(chan []byte, 16), closed: make(chan struct{})}
}

func (c *fakeConn) ReadMessage() (int, []byte, error) {
	select {
	case payload := <-c.inbound:
		return websocket.TextMessage, payload, nil
	case <-c.closed:
		return 0, nil, errors.New("use of closed connection")
	}
}

func (c *fakeConn) WriteJSON(v interface{}) error {
	if c.stalled != nil {
		c.stalled <- struct{}{}
		<-c.closed
	}
	select {
	case <-c.closed:
		return errors.New("use of closed connection")
	default:
	}
	frame, ok := v.(dto.ChatFrame)
	if !ok {
		return errors.New("unexpected frame type")
	}
	c.mu.Lock()
	c.written = append(c.written, frame)
	c.mu.Unlock()
	return nil
}

func (c *fakeConn) SetWriteDeadline(deadline time.Time) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.deadlines = append(c.deadlines, deadline)
	return nil
}

func (c *fakeConn) writeDeadlines() []time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]time.Time(nil), c.deadlines...)
}

func (c *fakeConn) Close() error {
	c.closeOnce.Do(func() { close(c.closed) })
	return nil
}

func (c *fakeConn) isClosed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}

func (c *fakeConn) push(t *testing.T, frame dto.ChatFrame) {
	t.Helper()
	raw, err := json.Marshal(frame)
	require.NoError(t, err)
	c.inbound <- raw
}

func (c *fakeConn) frames() []dto.ChatFrame {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]dto.ChatFrame(nil), c.written...)
}

func (c *fakeConn) typingFrames(value bool) int {
	count := 0
	for _, frame := range c.frames() {
		if frame.EventType == dto.EventTypeTyping && frame.TypingValue() == value {
			count++
		}
	}
	return count
}

type fakeDialer struct {
	conn *fakeConn
	err  error

	mu      sync.Mutex
	urls    []string
	headers []http.Header
}

func (d *fakeDialer) Dial(ctx context.Context, url string, header http.Header) (Conn, error) {
	d.mu.Lock()
	d.urls = append(d.urls, url)
	d.headers = append(d.headers, header)
	d.mu.Unlock()
	if d.err != nil {
		return nil, d.err
	}
	return d.conn, nil
}

// fakeTimers records armed callbacks so tests decide when they fire.
type fakeTimers struct {
	mu     sync.Mutex
	timers []*fakeTimer
}

type fakeTimer struct {
	owner   *fakeTimers
	fn      func()
	stopped bool
	fired   bool
}

func (f *fakeTimers) factory(_ time.Duration, fn func()) stopTimer {
	f.mu.Lock()
	defer f.mu.Unlock()
	timer := &fakeTimer{owner: f, fn: fn}
	f.timers = append(f.timers, timer)
	return timer
}

func (t *fakeTimer) Stop() bool {
	t.owner.mu.Lock()
	defer t.owner.mu.Unlock()
	active := !t.stopped && !t.fired
	t.stopped = true
	return active
}

func (f *fakeTimers) pending() []*fakeTimer {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*fakeTimer
	for _, timer := range f.timers {
		if !timer.stopped && !timer.fired {
			out = append(out, timer)
		}
	}
	return out
}

func (f *fakeTimers) all() []*fakeTimer {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*fakeTimer(nil), f.timers...)
}

func (t *fakeTimer) fire() {
	t.owner.mu.Lock()
	t.fired = true
	fn := t.fn
	t.owner.mu.Unlock()
	fn()
}

func message(id, body string) models.Message {
	return models.Message{ID: models.MessageID(id), RoomID: "chat_3_7", Sender: "budi@example.com", Body: body}
}

func messageIDs(messages []models.Message) []string {
	ids := make([]string, 0, len(messages))
	for _, m := range messages {
		ids = append(ids, string(m.ID))
	}
	return ids
}
