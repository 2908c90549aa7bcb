package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"

	"github.com/noah-isme/gema-chat-client/internal/dto"
	"github.com/noah-isme/gema-chat-client/pkg/chatapi"
)

// DefaultResendPeriod is how long a fresh OTP blocks another send.
const DefaultResendPeriod = 30 * time.Second

// ErrResendTooSoon rejects an OTP resend while the countdown is running.
var ErrResendTooSoon = fmt.Errorf("%w: otp resend is not available yet", ErrValidation)

// AuthAPI is the part of the backend used to sign in.
type AuthAPI interface {
	SendOTP(ctx context.Context, email string) error
	VerifyOTP(ctx context.Context, email, otp string) (dto.AuthResponse, error)
	SetPassword(ctx context.Context, token, email, password string) error
	Login(ctx context.Context, email, password string) (dto.AuthResponse, error)
}

// ResendCountdown blocks OTP resends for a period after each send. It belongs
// to one sign-in flow; cancelling it stops its timer.
type ResendCountdown struct {
	period   time.Duration
	onReady  func()
	newTimer timerFactory
	now      func() time.Time

	mu       sync.Mutex
	deadline time.Time
	timer    stopTimer
	gen      uint64
}

// NewResendCountdown returns an idle countdown. onReady, if set, runs when a
// started countdown elapses without being cancelled.
func NewResendCountdown(period time.Duration, onReady func()) *ResendCountdown {
	if period <= 0 {
		period = DefaultResendPeriod
	}
	return &ResendCountdown{period: period, onReady: onReady, newTimer: afterFunc, now: time.Now}
}

// Start (re)starts the countdown.
func (c *ResendCountdown) Start() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.timer != nil {
		c.timer.Stop()
	}
	c.gen++
	gen := c.gen
	c.deadline = c.now().Add(c.period)
	c.timer = c.newTimer(c.period, func() { c.elapsed(gen) })
}

// Cancel stops the countdown and allows an immediate resend.
func (c *ResendCountdown) Cancel() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
	c.gen++
	c.deadline = time.Time{}
}

// Remaining returns the time left before a resend is allowed.
func (c *ResendCountdown) Remaining() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.deadline.IsZero() {
		return 0
	}
	left := c.deadline.Sub(c.now())
	if left < 0 {
		return 0
	}
	return left
}

// CanResend reports whether the countdown has run out.
func (c *ResendCountdown) CanResend() bool {
	return c.Remaining() == 0
}

func (c *ResendCountdown) elapsed(gen uint64) {
	c.mu.Lock()
	if gen != c.gen {
		c.mu.Unlock()
		return
	}
	c.timer = nil
	c.deadline = time.Time{}
	onReady := c.onReady
	c.mu.Unlock()

	if onReady != nil {
		onReady()
	}
}

// AuthService runs the sign-in flows and the startup and logout lifecycle.
type AuthService struct {
	api       AuthAPI
	tokens    *TokenGatekeeper
	store     *SessionStore
	validate  *validator.Validate
	countdown *ResendCountdown
	logger    zerolog.Logger
}

// NewAuthService constructs the auth service with its own resend countdown.
func NewAuthService(api AuthAPI, tokens *TokenGatekeeper, store *SessionStore, validate *validator.Validate, resendPeriod time.Duration, logger zerolog.Logger) *AuthService {
	if validate == nil {
		validate = validator.New()
	}
	return &AuthService{
		api:       api,
		tokens:    tokens,
		store:     store,
		validate:  validate,
		countdown: NewResendCountdown(resendPeriod, nil),
		logger:    logger.With().Str("component", "auth_service").Logger(),
	}
}

// Countdown exposes the OTP resend countdown of this flow.
func (s *AuthService) Countdown() *ResendCountdown {
	return s.countdown
}

// SendOTP asks the backend to email a code and starts the resend countdown.
func (s *AuthService) SendOTP(ctx context.Context, email string) error {
	if err := s.validate.Struct(dto.EmailRequest{Email: email}); err != nil {
		return fmt.Errorf("%w: %v", ErrValidation, err)
	}
	if err := s.api.SendOTP(ctx, email); err != nil {
		return translateAPIError(err, false)
	}
	s.countdown.Start()
	s.logger.Info().Str("email", email).Msg("otp sent")
	return nil
}

// ResendOTP sends another code once the countdown has run out.
func (s *AuthService) ResendOTP(ctx context.Context, email string) error {
	if !s.countdown.CanResend() {
		return ErrResendTooSoon
	}
	return s.SendOTP(ctx, email)
}

// VerifyOTP confirms the code, stores the issued tokens and the email, and
// reports whether the account still needs a password.
func (s *AuthService) VerifyOTP(ctx context.Context, email, otp string) (bool, error) {
	if err := s.validate.Struct(dto.VerifyOTPRequest{Email: email, OTP: otp}); err != nil {
		return false, fmt.Errorf("%w: %v", ErrValidation, err)
	}
	response, err := s.api.VerifyOTP(ctx, email, otp)
	if err != nil {
		return false, translateAPIError(err, false)
	}
	if err := s.signIn(ctx, email, response); err != nil {
		return false, err
	}
	s.countdown.Cancel()
	return response.IsNewUser != nil && *response.IsNewUser, nil
}

// SetPassword sets the password of the signed-in account.
func (s *AuthService) SetPassword(ctx context.Context, password string) error {
	email, ok := s.tokens.Email(ctx)
	if !ok {
		return fmt.Errorf("%w: no signed-in email", ErrSessionExpired)
	}
	if err := s.validate.Struct(dto.PasswordRequest{Email: email, Password: password}); err != nil {
		return fmt.Errorf("%w: %v", ErrValidation, err)
	}
	return s.tokens.Do(ctx, func(ctx context.Context, token string) error {
		return s.api.SetPassword(ctx, token, email, password)
	})
}

// Login signs in with email and password.
func (s *AuthService) Login(ctx context.Context, email, password string) error {
	if err := s.validate.Struct(dto.PasswordRequest{Email: email, Password: password}); err != nil {
		return fmt.Errorf("%w: %v", ErrValidation, err)
	}
	response, err := s.api.Login(ctx, email, password)
	if err != nil {
		return translateAPIError(err, false)
	}
	return s.signIn(ctx, email, response)
}

func (s *AuthService) signIn(ctx context.Context, email string, response dto.AuthResponse) error {
	if response.Tokens == nil {
		return &chatapi.APIError{Operation: "sign_in", Status: 200, Message: "response carried no tokens"}
	}
	if err := s.tokens.StoreTokens(ctx, *response.Tokens); err != nil {
		return err
	}
	if err := s.tokens.StoreEmail(ctx, email); err != nil {
		s.logger.Warn().Err(err).Msg("signed in but email not stored")
	}
	s.logger.Info().Str("email", email).Msg("signed in")
	return nil
}

// Bootstrap decides at startup whether a session exists. A valid access token
// is enough. An expired or missing one is refreshed; a rejected refresh
// clears the credentials and reports signed out. When the backend cannot be
// reached a stored access token is trusted so cached data stays usable.
func (s *AuthService) Bootstrap(ctx context.Context) (bool, error) {
	_, hasAccess := s.tokens.AccessToken(ctx)
	if hasAccess && !s.tokens.AccessTokenExpired(ctx) {
		return true, nil
	}

	err := s.tokens.RefreshAccessToken(ctx)
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, ErrSessionExpired):
		if clearErr := s.tokens.Clear(ctx); clearErr != nil {
			s.logger.Warn().Err(clearErr).Msg("credentials not cleared after expiry")
		}
		return false, nil
	case errors.Is(err, ErrNetworkUnavailable) && hasAccess:
		s.logger.Info().Msg("offline at startup, keeping stored session")
		return true, nil
	default:
		return false, err
	}
}

// Logout clears credentials and every cached namespace.
func (s *AuthService) Logout(ctx context.Context) error {
	s.countdown.Cancel()
	err := errors.Join(s.tokens.Clear(ctx), s.store.Clear(ctx))
	if err != nil {
		s.logger.Warn().Err(err).Msg("logout incomplete")
		return err
	}
	s.logger.Info().Msg("signed out")
	return nil
}
