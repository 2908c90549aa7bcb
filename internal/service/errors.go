package service

import (
	"errors"
	"fmt"
)

var (
	// ErrNetworkUnavailable is returned when the backend cannot be reached.
	ErrNetworkUnavailable = errors.New("network unavailable")
	// ErrAuthExpired reports a 401 that has not been retried yet.
	ErrAuthExpired = errors.New("authorization expired")
	// ErrSessionExpired means the credentials cannot be renewed and the user must sign in again.
	ErrSessionExpired = errors.New("session expired")
	// ErrSocket wraps websocket dial and write failures.
	ErrSocket = errors.New("chat socket error")
	// ErrCacheIO wraps storage failures of the session cache.
	ErrCacheIO = errors.New("cache io error")
	// ErrValidation is returned when input is rejected before any network round trip.
	ErrValidation = errors.New("validation failed")
	// ErrEmptyMessage rejects blank message bodies.
	ErrEmptyMessage = fmt.Errorf("%w: message body is empty", ErrValidation)
	// ErrSessionNotOpen is returned when sending on a session that is not open.
	ErrSessionNotOpen = errors.New("chat session is not open")
)
