package service

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/noah-isme/gema-chat-client/pkg/chatapi"
)

// Conn is the part of a websocket connection a chat session uses.
// *websocket.Conn satisfies it.
type Conn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteJSON(v interface{}) error
	SetWriteDeadline(t time.Time) error
	Close() error
}

// Dialer opens room sockets.
type Dialer interface {
	Dial(ctx context.Context, url string, header http.Header) (Conn, error)
}

type websocketDialer struct {
	dialer *websocket.Dialer
}

// NewWebsocketDialer returns a gorilla based dialer.
func NewWebsocketDialer(handshakeTimeout time.Duration) Dialer {
	if handshakeTimeout <= 0 {
		handshakeTimeout = 10 * time.Second
	}
	return &websocketDialer{dialer: &websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: handshakeTimeout,
	}}
}

func (d *websocketDialer) Dial(ctx context.Context, url string, header http.Header) (Conn, error) {
	conn, resp, err := d.dialer.DialContext(ctx, url, header)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusUnauthorized {
			return nil, fmt.Errorf("%w: %v", chatapi.ErrUnauthorized, err)
		}
		return nil, err
	}
	return conn, nil
}

// stopTimer is the handle of a pending callback.
type stopTimer interface {
	Stop() bool
}

type timerFactory func(d time.Duration, f func()) stopTimer

func afterFunc(d time.Duration, f func()) stopTimer {
	return time.AfterFunc(d, f)
}
