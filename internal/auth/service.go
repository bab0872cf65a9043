// Package auth issues and validates the bearer tokens of the relay and owns
// its user accounts.
package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/rs/zerolog"

	"github.com/vovakirdan/carelink/internal/config"
	"github.com/vovakirdan/carelink/internal/log"
	"github.com/vovakirdan/carelink/internal/store"
)

var (
	// ErrInvalidCredentials is returned when username/password don't match.
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrUserExists         = errors.New("user already exists")
	ErrInvalidUsername    = errors.New("invalid username")
	ErrInvalidPassword    = errors.New("invalid password")
	ErrInvalidRole        = errors.New("invalid role")
)

// Service provides authentication operations.
type Service struct {
	store     store.UserStore
	jwtConfig *JWTConfig
	log       *zerolog.Logger
}

// NewService creates a new authentication service.
func NewService(userStore store.UserStore, jwtConfig *JWTConfig, logger *zerolog.Logger) *Service {
	if logger == nil {
		logger = log.Nop()
	}
	return &Service{
		store:     userStore,
		jwtConfig: jwtConfig,
		log:       logger,
	}
}

// Register creates an account.
func (s *Service) Register(ctx context.Context, u config.SeedUser) (*store.User, error) {
	username := strings.TrimSpace(u.Username)
	if len(username) < 3 || len(username) > 32 {
		return nil, ErrInvalidUsername
	}
	if len(u.Password) < 6 {
		return nil, ErrInvalidPassword
	}
	if !config.ValidRole(u.Role) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidRole, u.Role)
	}

	if _, err := s.store.GetUserByUsername(ctx, username); err == nil {
		return nil, ErrUserExists
	} else if !errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("lookup user: %w", err)
	}

	hash, err := HashPassword(u.Password)
	if err != nil {
		return nil, err
	}
	display := strings.TrimSpace(u.DisplayName)
	if display == "" {
		display = username
	}
	user, err := s.store.CreateUser(ctx, &store.User{
		Username:     username,
		PasswordHash: hash,
		Role:         u.Role,
		DisplayName:  display,
	})
	if err != nil {
		return nil, fmt.Errorf("create user: %w", err)
	}
	return user, nil
}

// Seed registers every user that does not exist yet.
func (s *Service) Seed(ctx context.Context, users []config.SeedUser) error {
	for _, u := range users {
		user, err := s.Register(ctx, u)
		switch {
		case errors.Is(err, ErrUserExists):
			continue
		case err != nil:
			return fmt.Errorf("seed %q: %w", u.Username, err)
		}
		s.log.Info().Int64("user_id", user.ID).Str("username", user.Username).Str("role", user.Role).Msg("seeded user")
	}
	return nil
}

// Login validates credentials and returns a token with the user.
func (s *Service) Login(ctx context.Context, username, password string) (string, *store.User, error) {
	user, err := s.store.GetUserByUsername(ctx, strings.TrimSpace(username))
	if err != nil {
		return "", nil, ErrInvalidCredentials
	}
	if !CheckPassword(user.PasswordHash, password) {
		return "", nil, ErrInvalidCredentials
	}

	token, err := GenerateToken(s.jwtConfig, user.ID, user.Username, user.Role)
	if err != nil {
		return "", nil, fmt.Errorf("generate token: %w", err)
	}
	return token, user, nil
}

// ValidateToken validates a token and returns the claims.
func (s *Service) ValidateToken(tokenString string) (*Claims, error) {
	return ValidateToken(s.jwtConfig, tokenString)
}
