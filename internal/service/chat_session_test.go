package service

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/gema-chat-client/internal/dto"
	"github.com/noah-isme/gema-chat-client/internal/models"
)

const (
	selfEmail = "ana@example.com"
	peerEmail = "budi@example.com"
)

type sessionFixture struct {
	session *ChatSession
	conn    *fakeConn
	dialer  *fakeDialer
	timers  *fakeTimers
	store   *SessionStore
}

func openTestSession(t *testing.T, seed []models.Message, net Connectivity) sessionFixture {
	t.Helper()

	conn := newFakeConn()
	dialer := &fakeDialer{conn: conn}
	timers := &fakeTimers{}
	store := newTestStore(t, setupTestDB(t))

	session, err := NewChatSession(context.Background(), dialer, ChatSessionConfig{
		RoomID:   "chat_3_7",
		Self:     selfEmail,
		URL:      "ws://chat.test/ws/chat/chat_3_7/",
		Seed:     seed,
		Store:    store,
		Net:      net,
		Debounce: time.Second,
		Logger:   zerolog.Nop(),
		newTimer: timers.factory,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = session.Close() })

	return sessionFixture{session: session, conn: conn, dialer: dialer, timers: timers, store: store}
}

func waitForMessages(t *testing.T, session *ChatSession, n int) []models.Message {
	t.Helper()
	require.Eventually(t, func() bool {
		return len(session.Messages()) == n
	}, time.Second, 10*time.Millisecond)
	return session.Messages()
}

func TestChatSessionSeedIsNewestFirst(t *testing.T) {
	fx := openTestSession(t, []models.Message{message("4", "older"), message("5", "newer")}, nil)

	require.Equal(t, StateOpen, fx.session.State())
	require.Equal(t, []string{"5", "4"}, messageIDs(fx.session.Messages()))
	require.Len(t, fx.dialer.urls, 1)
}

func TestChatSessionIgnoresRedeliveredSeedMessage(t *testing.T) {
	fx := openTestSession(t, []models.Message{message("5", "msgA")}, nil)

	fx.conn.push(t, dto.ChatFrame{EventType: dto.EventTypeMessage, Sender: peerEmail, Message: "msgA", ID: "5"})
	fx.conn.push(t, dto.ChatFrame{EventType: dto.EventTypeMessage, Sender: peerEmail, Message: "next", ID: "6"})

	messages := waitForMessages(t, fx.session, 2)
	require.Equal(t, []string{"6", "5"}, messageIDs(messages))

	require.Eventually(t, func() bool {
		cached, ok := fx.store.MessageList(context.Background(), "chat_3_7")
		return ok && len(cached) == 1 && cached[0].ID == "6"
	}, time.Second, 10*time.Millisecond)
}

func TestChatSessionRejectsBlankBody(t *testing.T) {
	fx := openTestSession(t, []models.Message{message("1", "hi")}, nil)

	for _, body := range []string{"", "   ", "\n\t "} {
		_, err := fx.session.Send(context.Background(), body)
		require.ErrorIs(t, err, ErrEmptyMessage)
		require.ErrorIs(t, err, ErrValidation)
	}

	require.Empty(t, fx.conn.frames())
	require.Len(t, fx.session.Messages(), 1)
}

func TestChatSessionSendEchoesLocallyAndCaches(t *testing.T) {
	fx := openTestSession(t, nil, nil)
	ctx := context.Background()

	sent, err := fx.session.Send(ctx, "  hello there ")
	require.NoError(t, err)
	require.Equal(t, "hello there", sent.Body)
	require.NotEmpty(t, sent.ClientID)

	frames := fx.conn.frames()
	require.Len(t, frames, 1)
	require.Equal(t, dto.EventTypeMessage, frames[0].EventType)
	require.Equal(t, selfEmail, frames[0].Sender)
	require.Equal(t, "hello there", frames[0].Message)
	require.Equal(t, sent.ClientID, frames[0].ClientID)

	messages := fx.session.Messages()
	require.Len(t, messages, 1)
	require.Equal(t, sent.ID, messages[0].ID)

	cached, ok := fx.store.MessageList(ctx, "chat_3_7")
	require.True(t, ok)
	require.Equal(t, []string{string(sent.ID)}, messageIDs(cached))

	// The server reflects the correlation id with its own id.
	fx.conn.push(t, dto.ChatFrame{EventType: dto.EventTypeMessage, Sender: selfEmail, Message: "hello there", ID: "99", ClientID: sent.ClientID})
	fx.conn.push(t, dto.ChatFrame{EventType: dto.EventTypeMessage, Sender: peerEmail, Message: "hi!", ID: "100"})

	messages = waitForMessages(t, fx.session, 2)
	require.Equal(t, []string{"100", string(sent.ID)}, messageIDs(messages))
}

func TestChatSessionSendOnClosedSession(t *testing.T) {
	fx := openTestSession(t, nil, nil)
	require.NoError(t, fx.session.Close())

	_, err := fx.session.Send(context.Background(), "hello")
	require.ErrorIs(t, err, ErrSessionNotOpen)
	require.Empty(t, fx.conn.frames())
}

func TestChatSessionTypingDebounce(t *testing.T) {
	fx := openTestSession(t, nil, stubConnectivity(true))
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		fx.session.NotifyTyping(ctx)
	}

	require.Equal(t, 1, fx.conn.typingFrames(true))
	require.Zero(t, fx.conn.typingFrames(false))
	require.Len(t, fx.timers.all(), 5)

	pending := fx.timers.pending()
	require.Len(t, pending, 1)

	// A superseded callback that races its Stop must not send anything.
	fx.timers.all()[0].fire()
	require.Zero(t, fx.conn.typingFrames(false))

	pending[0].fire()
	require.Equal(t, 1, fx.conn.typingFrames(false))

	pending[0].fire()
	require.Equal(t, 1, fx.conn.typingFrames(false))

	frames := fx.conn.frames()
	require.Equal(t, dto.EventTypeTyping, frames[len(frames)-1].EventType)
	require.False(t, frames[len(frames)-1].TypingValue())

	fx.session.NotifyTyping(ctx)
	require.Equal(t, 2, fx.conn.typingFrames(true))
}

func TestChatSessionTypingSkippedOffline(t *testing.T) {
	fx := openTestSession(t, nil, stubConnectivity(false))

	fx.session.NotifyTyping(context.Background())
	require.Empty(t, fx.conn.frames())
	require.Empty(t, fx.timers.all())
}

func TestChatSessionCloseCancelsTypingTimer(t *testing.T) {
	fx := openTestSession(t, nil, nil)

	fx.session.NotifyTyping(context.Background())
	timer := fx.timers.pending()[0]

	require.NoError(t, fx.session.Close())
	require.NoError(t, fx.session.Close())
	require.Equal(t, StateClosed, fx.session.State())
	require.True(t, fx.conn.isClosed())
	require.Empty(t, fx.timers.pending())

	timer.fire()
	require.Zero(t, fx.conn.typingFrames(false))

	fx.session.NotifyTyping(context.Background())
	require.Equal(t, 1, fx.conn.typingFrames(true))
}

func TestChatSessionTracksPeerTyping(t *testing.T) {
	fx := openTestSession(t, nil, nil)
	typing := true
	stopped := false

	fx.conn.push(t, dto.ChatFrame{EventType: dto.EventTypeTyping, Sender: selfEmail, IsTyping: &typing})
	fx.conn.push(t, dto.ChatFrame{EventType: dto.EventTypeTyping, Sender: peerEmail, IsTyping: &typing})
	require.Eventually(t, func() bool {
		return fx.session.Typing().Typing
	}, time.Second, 10*time.Millisecond)
	require.Equal(t, peerEmail, fx.session.Typing().Peer)

	fx.conn.push(t, dto.ChatFrame{EventType: dto.EventTypeTyping, Sender: peerEmail, Typing: &stopped})
	require.Eventually(t, func() bool {
		return !fx.session.Typing().Typing
	}, time.Second, 10*time.Millisecond)
	require.Empty(t, fx.session.Messages())
}

func TestChatSessionAssignsIncreasingIDsAndSanitizes(t *testing.T) {
	fx := openTestSession(t, nil, nil)

	fx.conn.inbound <- []byte(`{not json`)
	fx.conn.push(t, dto.ChatFrame{EventType: dto.EventTypeMessage, Sender: peerEmail, Message: "<b>hi</b> & bye"})
	fx.conn.push(t, dto.ChatFrame{EventType: dto.EventTypeMessage, Sender: peerEmail, Message: "again"})
	fx.conn.push(t, dto.ChatFrame{EventType: dto.EventTypeMessage, Sender: peerEmail, Message: "<i></i>"})
	fx.conn.push(t, dto.ChatFrame{EventType: "presence", Sender: peerEmail})

	messages := waitForMessages(t, fx.session, 2)
	require.Equal(t, StateOpen, fx.session.State())
	require.Equal(t, "again", messages[0].Body)
	require.Equal(t, "hi & bye", messages[1].Body)

	newer, err := strconv.ParseInt(string(messages[0].ID), 10, 64)
	require.NoError(t, err)
	older, err := strconv.ParseInt(string(messages[1].ID), 10, 64)
	require.NoError(t, err)
	require.Greater(t, newer, older)
}

func TestChatSessionRemoteCloseEndsSession(t *testing.T) {
	fx := openTestSession(t, nil, nil)

	require.NoError(t, fx.conn.Close())

	select {
	case <-fx.session.Done():
	case <-time.After(time.Second):
		t.Fatal("reader did not exit after the socket closed")
	}
	require.Equal(t, StateClosed, fx.session.State())

	var states []string
	for len(fx.session.Events()) > 0 {
		event := <-fx.session.Events()
		if event.Kind == EventState {
			states = append(states, event.State)
		}
	}
	require.Equal(t, []string{"open", "closed"}, states)
}

func TestChatSessionDialFailure(t *testing.T) {
	dialer := &fakeDialer{err: errors.New("connection refused")}

	session, err := NewChatSession(context.Background(), dialer, ChatSessionConfig{RoomID: "chat_3_7", Self: selfEmail, Logger: zerolog.Nop()})
	require.ErrorIs(t, err, ErrSocket)
	require.Nil(t, session)
}

func TestChatSessionBackfill(t *testing.T) {
	fx := openTestSession(t, []models.Message{message("5", "seed")}, nil)
	ctx := context.Background()

	added, err := fx.session.Backfill(ctx, func(context.Context) ([]models.Message, error) {
		return []models.Message{message("3", "old"), message("4", "older news"), message("5", "seed")}, nil
	})
	require.NoError(t, err)
	require.Equal(t, 2, added)
	require.Equal(t, []string{"5", "4", "3"}, messageIDs(fx.session.Messages()))

	cached, ok := fx.store.MessageList(ctx, "chat_3_7")
	require.True(t, ok)
	require.Equal(t, []string{"3", "4", "5"}, messageIDs(cached))
}

func TestChatSessionBackfillDiscardedAfterClose(t *testing.T) {
	fx := openTestSession(t, nil, nil)
	ctx := context.Background()

	release := make(chan struct{})
	result := make(chan error, 1)
	go func() {
		_, err := fx.session.Backfill(ctx, func(context.Context) ([]models.Message, error) {
			<-release
			return []models.Message{message("1", "late")}, nil
		})
		result <- err
	}()

	require.NoError(t, fx.session.Close())
	close(release)

	require.ErrorIs(t, <-result, ErrSessionNotOpen)
	require.Empty(t, fx.session.Messages())
	_, ok := fx.store.MessageList(ctx, "chat_3_7")
	require.False(t, ok)
}

func TestChatSessionBackfillKeepsCacheAndLiveListInStep(t *testing.T) {
	fx := openTestSession(t, []models.Message{message("5", "seed")}, nil)
	ctx := context.Background()
	require.NoError(t, fx.store.SetMessageList(ctx, "chat_3_7", []models.Message{message("5", "seed"), message("6", "cached only")}))

	added, err := fx.session.Backfill(ctx, func(context.Context) ([]models.Message, error) {
		return []models.Message{message("3", "old"), message("4", "older news"), message("5", "seed")}, nil
	})
	require.NoError(t, err)
	require.Equal(t, 3, added)
	require.Equal(t, []string{"6", "5", "4", "3"}, messageIDs(fx.session.Messages()))

	cached, ok := fx.store.MessageList(ctx, "chat_3_7")
	require.True(t, ok)
	require.Equal(t, []string{"3", "4", "5", "6"}, messageIDs(cached))
}

func TestChatSessionCloseIsNotBlockedByStalledWrite(t *testing.T) {
	fx := openTestSession(t, nil, nil)
	fx.conn.stalled = make(chan struct{}, 1)

	go fx.session.NotifyTyping(context.Background())
	select {
	case <-fx.conn.stalled:
	case <-time.After(time.Second):
		t.Fatal("typing frame was never written")
	}
	require.Len(t, fx.conn.writeDeadlines(), 1)
	require.True(t, fx.conn.writeDeadlines()[0].After(time.Now()))

	fx.conn.push(t, dto.ChatFrame{EventType: dto.EventTypeMessage, Sender: peerEmail, Message: "still reading", ID: "9"})
	waitForMessages(t, fx.session, 1)

	closed := make(chan error, 1)
	go func() { closed <- fx.session.Close() }()
	select {
	case err := <-closed:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Close blocked behind a stalled socket write")
	}

	require.True(t, fx.conn.isClosed())
	require.Equal(t, StateClosed, fx.session.State())
	require.Empty(t, fx.timers.pending())
}

type recordingPublisher struct {
	mu      sync.Mutex
	kinds   []SessionEventKind
	bounded []bool
}

func (p *recordingPublisher) Publish(ctx context.Context, event SessionEvent) error {
	_, hasDeadline := ctx.Deadline()
	p.mu.Lock()
	defer p.mu.Unlock()
	p.kinds = append(p.kinds, event.Kind)
	p.bounded = append(p.bounded, hasDeadline)
	return nil
}

func (p *recordingPublisher) snapshot() ([]SessionEventKind, []bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]SessionEventKind(nil), p.kinds...), append([]bool(nil), p.bounded...)
}

func TestChatSessionPublishesWithBoundedContext(t *testing.T) {
	publisher := &recordingPublisher{}
	session, err := NewChatSession(context.Background(), &fakeDialer{conn: newFakeConn()}, ChatSessionConfig{
		RoomID:    "chat_3_7",
		Self:      selfEmail,
		URL:       "ws://chat.test/ws/chat/chat_3_7/",
		Publisher: publisher,
		Logger:    zerolog.Nop(),
	})
	require.NoError(t, err)
	require.NoError(t, session.Close())

	kinds, bounded := publisher.snapshot()
	require.Equal(t, []SessionEventKind{EventState, EventState}, kinds)
	require.Equal(t, []bool{true, true}, bounded)
}
