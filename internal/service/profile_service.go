package service

import (
	"context"
	"fmt"

	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"

	"github.com/noah-isme/gema-chat-client/internal/dto"
	"github.com/noah-isme/gema-chat-client/internal/models"
)

// ProfileAPI updates the signed-in user's profile.
type ProfileAPI interface {
	UpdateProfile(ctx context.Context, token string, update dto.ProfileUpdateRequest) (models.User, error)
}

// ProfileService reads and edits the profile of the signed-in user.
type ProfileService struct {
	api      ProfileAPI
	roster   *RosterSynchronizer
	store    *SessionStore
	tokens   *TokenGatekeeper
	validate *validator.Validate
	logger   zerolog.Logger
}

// NewProfileService constructs the profile service.
func NewProfileService(api ProfileAPI, roster *RosterSynchronizer, store *SessionStore, tokens *TokenGatekeeper, validate *validator.Validate, logger zerolog.Logger) *ProfileService {
	if validate == nil {
		validate = validator.New()
	}
	return &ProfileService{
		api:      api,
		roster:   roster,
		store:    store,
		tokens:   tokens,
		validate: validate,
		logger:   logger.With().Str("component", "profile_service").Logger(),
	}
}

// Current returns the profile, from cache when possible.
func (s *ProfileService) Current(ctx context.Context) (models.User, error) {
	return s.roster.LoadCurrentUser(ctx)
}

// Update sends the changed fields and refreshes the cached profile and the
// matching roster entry.
func (s *ProfileService) Update(ctx context.Context, update dto.ProfileUpdateRequest) (models.User, error) {
	if err := s.validate.Struct(update); err != nil {
		return models.User{}, fmt.Errorf("%w: %v", ErrValidation, err)
	}

	var updated models.User
	err := s.tokens.Do(ctx, func(ctx context.Context, token string) error {
		user, err := s.api.UpdateProfile(ctx, token, update)
		updated = user
		return err
	})
	if err != nil {
		return models.User{}, fmt.Errorf("update profile: %w", err)
	}

	if cached, ok := s.store.Profile(ctx); ok && cached.ID == updated.ID {
		updated = cached.Merge(updated)
	}
	if err := s.store.SetProfile(ctx, updated); err != nil {
		s.logger.Warn().Err(err).Msg("profile updated but not cached")
	}

	if users, ok := s.store.Roster(ctx); ok {
		for i := range users {
			if users[i].ID == updated.ID {
				users[i] = updated
				if err := s.store.SetRoster(ctx, users); err != nil {
					s.logger.Warn().Err(err).Msg("roster entry not refreshed")
				}
				break
			}
		}
	}

	s.logger.Info().Int64("user_id", updated.ID).Msg("profile updated")
	return updated, nil
}
