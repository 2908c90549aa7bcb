package service

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/singleflight"

	"github.com/noah-isme/gema-chat-client/internal/models"
	"github.com/noah-isme/gema-chat-client/internal/observability"
	"github.com/noah-isme/gema-chat-client/internal/repository"
	"github.com/noah-isme/gema-chat-client/pkg/chatapi"
)

// Names of the sealed entries in the secret repository.
const (
	secretAccessToken  = "auth_access_token"
	secretRefreshToken = "auth_refresh_token"
	secretUserEmail    = "user_email"
)

const expirySkew = 30 * time.Second

// TokenRefresher exchanges a refresh token for a new token pair.
type TokenRefresher interface {
	RefreshTokens(ctx context.Context, refresh string) (models.TokenPair, error)
}

// TokenGatekeeper owns the bearer credentials of the signed-in user.
type TokenGatekeeper struct {
	secrets   repository.SecretRepository
	refresher TokenRefresher
	group     singleflight.Group
	logger    zerolog.Logger
	tracer    trace.Tracer
	now       func() time.Time
}

type retryHopKey struct{}

// retryHop is shared by every Do call made on behalf of one logical request.
type retryHop struct {
	used atomic.Bool
}

// NewTokenGatekeeper constructs a gatekeeper over the secret repository.
func NewTokenGatekeeper(secrets repository.SecretRepository, refresher TokenRefresher, logger zerolog.Logger) *TokenGatekeeper {
	return &TokenGatekeeper{
		secrets:   secrets,
		refresher: refresher,
		logger:    logger.With().Str("component", "token_gatekeeper").Logger(),
		tracer:    otel.Tracer("github.com/noah-isme/gema-chat-client/internal/service/token_gatekeeper"),
		now:       time.Now,
	}
}

// AccessToken returns the stored access token. Read failures count as absent.
func (g *TokenGatekeeper) AccessToken(ctx context.Context) (string, bool) {
	return g.read(ctx, secretAccessToken)
}

// RefreshToken returns the stored refresh token. Read failures count as absent.
func (g *TokenGatekeeper) RefreshToken(ctx context.Context) (string, bool) {
	return g.read(ctx, secretRefreshToken)
}

// Email returns the email of the signed-in user, if stored.
func (g *TokenGatekeeper) Email(ctx context.Context) (string, bool) {
	return g.read(ctx, secretUserEmail)
}

// StoreTokens writes both tokens in one transaction, refresh first. Either
// both are stored or the error is returned and neither changed.
func (g *TokenGatekeeper) StoreTokens(ctx context.Context, tokens models.TokenPair) error {
	if tokens.Access == "" || tokens.Refresh == "" {
		return fmt.Errorf("%w: both access and refresh tokens are required", ErrValidation)
	}
	err := g.secrets.SetMany(ctx,
		repository.SecretValue{Name: secretRefreshToken, Value: tokens.Refresh},
		repository.SecretValue{Name: secretAccessToken, Value: tokens.Access},
	)
	if err != nil {
		return fmt.Errorf("store tokens: %w", err)
	}
	return nil
}

// StoreEmail remembers the email of the signed-in user.
func (g *TokenGatekeeper) StoreEmail(ctx context.Context, email string) error {
	if err := g.secrets.SetMany(ctx, repository.SecretValue{Name: secretUserEmail, Value: email}); err != nil {
		return fmt.Errorf("store email: %w", err)
	}
	return nil
}

// Clear deletes the tokens and the stored email.
func (g *TokenGatekeeper) Clear(ctx context.Context) error {
	if err := g.secrets.Delete(ctx, secretAccessToken, secretRefreshToken, secretUserEmail); err != nil {
		return fmt.Errorf("clear credentials: %w", err)
	}
	return nil
}

// RefreshAccessToken exchanges the stored refresh token for a new access token.
// Concurrent callers share a single backend call. Without a refresh token it
// fails with ErrSessionExpired and does not touch the network.
func (g *TokenGatekeeper) RefreshAccessToken(ctx context.Context) error {
	ctx, span := g.tracer.Start(ctx, "token_gatekeeper.refresh")
	defer span.End()

	refresh, ok := g.RefreshToken(ctx)
	if !ok {
		observability.TokenRefreshes().WithLabelValues("missing").Inc()
		return fmt.Errorf("%w: no refresh token stored", ErrSessionExpired)
	}

	_, err, shared := g.group.Do(refresh, func() (interface{}, error) {
		return nil, g.exchange(ctx, refresh)
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	if shared {
		g.logger.Debug().Msg("joined in-flight token refresh")
	}
	return nil
}

func (g *TokenGatekeeper) exchange(ctx context.Context, refresh string) error {
	pair, err := g.refresher.RefreshTokens(ctx, refresh)
	if err != nil {
		var apiErr *chatapi.APIError
		switch {
		case errors.Is(err, chatapi.ErrNetwork):
			observability.TokenRefreshes().WithLabelValues("network").Inc()
			return fmt.Errorf("%w: %w", ErrNetworkUnavailable, err)
		case errors.Is(err, chatapi.ErrUnauthorized),
			errors.As(err, &apiErr) && apiErr.Status < http.StatusInternalServerError:
			observability.TokenRefreshes().WithLabelValues("rejected").Inc()
			g.logger.Info().Err(err).Msg("refresh token rejected")
			return fmt.Errorf("%w: %w", ErrSessionExpired, err)
		default:
			observability.TokenRefreshes().WithLabelValues("error").Inc()
			return fmt.Errorf("refresh access token: %w", err)
		}
	}

	if pair.Refresh == "" {
		pair.Refresh = refresh
	}
	if err := g.StoreTokens(ctx, pair); err != nil {
		observability.TokenRefreshes().WithLabelValues("error").Inc()
		return err
	}

	observability.TokenRefreshes().WithLabelValues("success").Inc()
	g.logger.Debug().Msg("access token refreshed")
	return nil
}

// Do runs fn with the current access token. When fn reports a 401 the token
// is refreshed and fn is retried exactly once. A logical request gets one
// refresh at most, including nested Do calls made with the context fn
// receives; a further 401 ends in ErrSessionExpired.
func (g *TokenGatekeeper) Do(ctx context.Context, fn func(ctx context.Context, token string) error) error {
	hop, ok := ctx.Value(retryHopKey{}).(*retryHop)
	if !ok {
		hop = &retryHop{}
		ctx = context.WithValue(ctx, retryHopKey{}, hop)
	}

	token, ok := g.AccessToken(ctx)
	if !ok {
		if !hop.used.CompareAndSwap(false, true) {
			return fmt.Errorf("%w: no access token", ErrSessionExpired)
		}
		if err := g.RefreshAccessToken(ctx); err != nil {
			return err
		}
		if token, ok = g.AccessToken(ctx); !ok {
			return fmt.Errorf("%w: no access token after refresh", ErrSessionExpired)
		}
		return translateAPIError(fn(ctx, token), true)
	}

	err := fn(ctx, token)
	if !errors.Is(err, chatapi.ErrUnauthorized) {
		return translateAPIError(err, false)
	}
	if !hop.used.CompareAndSwap(false, true) {
		return translateAPIError(err, true)
	}

	g.logger.Debug().Msg("request unauthorized, refreshing access token once")
	if err := g.RefreshAccessToken(ctx); err != nil {
		return err
	}
	if token, ok = g.AccessToken(ctx); !ok {
		return fmt.Errorf("%w: no access token after refresh", ErrSessionExpired)
	}
	return translateAPIError(fn(ctx, token), true)
}

// AccessTokenExpired reports whether the stored access token is missing or its
// exp claim has passed. Tokens that are not JWTs, or carry no exp, are assumed
// valid until the backend says otherwise.
func (g *TokenGatekeeper) AccessTokenExpired(ctx context.Context) bool {
	token, ok := g.AccessToken(ctx)
	if !ok {
		return true
	}

	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return false
	}
	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return false
	}
	return !g.now().Add(expirySkew).Before(exp.Time)
}

func (g *TokenGatekeeper) read(ctx context.Context, name string) (string, bool) {
	value, err := g.secrets.Get(ctx, name)
	if err != nil {
		if !errors.Is(err, repository.ErrSecretNotFound) {
			g.logger.Warn().Err(err).Str("secret", name).Msg("credential read failed, treating as absent")
		}
		return "", false
	}
	if value == "" {
		return "", false
	}
	return value, true
}

// translateAPIError maps API client errors onto the service taxonomy. A 401
// after the refresh hop has been spent is terminal.
func translateAPIError(err error, retried bool) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, chatapi.ErrUnauthorized) && retried:
		return fmt.Errorf("%w: %w", ErrSessionExpired, err)
	case errors.Is(err, chatapi.ErrUnauthorized):
		return fmt.Errorf("%w: %w", ErrAuthExpired, err)
	case errors.Is(err, chatapi.ErrNetwork):
		return fmt.Errorf("%w: %w", ErrNetworkUnavailable, err)
	default:
		return err
	}
}
