package service

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/gema-chat-client/internal/models"
	"github.com/noah-isme/gema-chat-client/pkg/chatapi"
)

func newTestAuthService(st stack) *AuthService {
	return NewAuthService(st.client, st.tokens, st.store, nil, time.Minute, zerolog.Nop())
}

func TestResendCountdownLifecycle(t *testing.T) {
	var ready atomic.Int32
	timers := &fakeTimers{}
	countdown := NewResendCountdown(30*time.Second, func() { ready.Add(1) })
	countdown.newTimer = timers.factory

	require.True(t, countdown.CanResend())

	countdown.Start()
	require.False(t, countdown.CanResend())
	require.InDelta(t, 30*time.Second, countdown.Remaining(), float64(time.Second))

	countdown.Start()
	require.Len(t, timers.pending(), 1)

	timers.all()[0].fire()
	require.Zero(t, ready.Load())

	timers.pending()[0].fire()
	require.Equal(t, int32(1), ready.Load())
	require.True(t, countdown.CanResend())

	countdown.Start()
	countdown.Cancel()
	require.True(t, countdown.CanResend())
	require.Empty(t, timers.pending())
}

func TestResendCountdownsAreIndependent(t *testing.T) {
	first := NewResendCountdown(time.Minute, nil)
	second := NewResendCountdown(time.Minute, nil)

	first.Start()
	require.False(t, first.CanResend())
	require.True(t, second.CanResend())
	first.Cancel()
}

func TestAuthOTPFlowStoresCredentials(t *testing.T) {
	st := newStack(t)
	require.NoError(t, st.tokens.Clear(context.Background()))
	auth := newTestAuthService(st)
	ctx := context.Background()

	require.ErrorIs(t, auth.SendOTP(ctx, "not-an-email"), ErrValidation)
	require.Zero(t, st.backend.Calls("send_otp"))

	require.NoError(t, auth.SendOTP(ctx, "new.ana@example.com"))
	require.False(t, auth.Countdown().CanResend())
	require.ErrorIs(t, auth.ResendOTP(ctx, "new.ana@example.com"), ErrResendTooSoon)
	require.Equal(t, 1, st.backend.Calls("send_otp"))

	_, err := auth.VerifyOTP(ctx, "new.ana@example.com", "999999")
	var apiErr *chatapi.APIError
	require.ErrorAs(t, err, &apiErr)

	isNew, err := auth.VerifyOTP(ctx, "new.ana@example.com", "123456")
	require.NoError(t, err)
	require.True(t, isNew)
	require.True(t, auth.Countdown().CanResend())

	access, ok := st.tokens.AccessToken(ctx)
	require.True(t, ok)
	require.Equal(t, st.backend.Tokens().Access, access)
	email, ok := st.tokens.Email(ctx)
	require.True(t, ok)
	require.Equal(t, "new.ana@example.com", email)

	require.NoError(t, auth.SetPassword(ctx, "correct-horse"))
	require.Equal(t, 1, st.backend.Calls("set_password"))
	require.ErrorIs(t, auth.SetPassword(ctx, "short"), ErrValidation)
}

func TestAuthLogin(t *testing.T) {
	st := newStack(t)
	require.NoError(t, st.tokens.Clear(context.Background()))
	auth := newTestAuthService(st)
	ctx := context.Background()

	var apiErr *chatapi.APIError
	require.ErrorAs(t, auth.Login(ctx, "ana@example.com", "wrong-password"), &apiErr)
	_, ok := st.tokens.AccessToken(ctx)
	require.False(t, ok)

	require.NoError(t, auth.Login(ctx, "ana@example.com", "correct-horse"))
	refresh, ok := st.tokens.RefreshToken(ctx)
	require.True(t, ok)
	require.Equal(t, st.backend.Tokens().Refresh, refresh)
}

func TestAuthBootstrap(t *testing.T) {
	ctx := context.Background()

	t.Run("no credentials", func(t *testing.T) {
		st := newStack(t)
		require.NoError(t, st.tokens.Clear(ctx))

		ok, err := newTestAuthService(st).Bootstrap(ctx)
		require.NoError(t, err)
		require.False(t, ok)
		require.Zero(t, st.backend.Calls("refresh_tokens"))
	})

	t.Run("valid access token", func(t *testing.T) {
		st := newStack(t)

		ok, err := newTestAuthService(st).Bootstrap(ctx)
		require.NoError(t, err)
		require.True(t, ok)
		require.Zero(t, st.backend.Calls("refresh_tokens"))
	})

	t.Run("expired access token is refreshed", func(t *testing.T) {
		st := newStack(t)
		expired, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{"exp": time.Now().Add(-time.Hour).Unix()}).SignedString([]byte("k"))
		require.NoError(t, err)
		require.NoError(t, st.tokens.StoreTokens(ctx, models.TokenPair{Access: expired, Refresh: st.backend.Tokens().Refresh}))
		st.backend.ExpireAccessToken("access-rotated")

		ok, err := newTestAuthService(st).Bootstrap(ctx)
		require.NoError(t, err)
		require.True(t, ok)
		access, _ := st.tokens.AccessToken(ctx)
		require.Equal(t, "access-rotated", access)
	})

	t.Run("rejected refresh signs out", func(t *testing.T) {
		st := newStack(t)
		expired, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{"exp": time.Now().Add(-time.Hour).Unix()}).SignedString([]byte("k"))
		require.NoError(t, err)
		require.NoError(t, st.tokens.StoreTokens(ctx, models.TokenPair{Access: expired, Refresh: "stale-refresh"}))
		st.backend.RejectRefresh(true)

		ok, err := newTestAuthService(st).Bootstrap(ctx)
		require.NoError(t, err)
		require.False(t, ok)
		require.Equal(t, 1, st.backend.Calls("refresh_tokens"))
		_, has := st.tokens.RefreshToken(ctx)
		require.False(t, has)
	})
}

func TestAuthLogoutClearsEverything(t *testing.T) {
	st := newStack(t)
	auth := newTestAuthService(st)
	ctx := context.Background()

	_, err := st.roster.LoadUsers(ctx)
	require.NoError(t, err)
	_, err = st.roster.LoadCurrentUser(ctx)
	require.NoError(t, err)
	require.NoError(t, st.store.SetMessageList(ctx, "chat_3_7", []models.Message{{ID: "1", Body: "x"}}))
	auth.Countdown().Start()

	require.NoError(t, auth.Logout(ctx))

	require.Empty(t, st.store.ListKeys(ctx))
	_, ok := st.tokens.AccessToken(ctx)
	require.False(t, ok)
	require.True(t, auth.Countdown().CanResend())
}
