package auth

import (
	"context"
	"errors"
	"fmt"

	"golang.org/x/crypto/bcrypt"

	"github.com/shepherd-ops/shepherd/internal/shared"
)

// Service wraps authentication business rules.
type Service struct {
	repo    Repository
	tokens  *TokenManager
	revoked RevocationStore
}

// NewService constructs a new Service. revoked may be nil to disable logout.
func NewService(repo Repository, tokens *TokenManager, revoked RevocationStore) *Service {
	return &Service{repo: repo, tokens: tokens, revoked: revoked}
}

// Authenticate validates email/password credentials.
func (s *Service) Authenticate(ctx context.Context, email, password string) (*User, error) {
	user, err := s.repo.FindByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, shared.ErrNotFound) {
			return nil, shared.ErrInvalidCredentials
		}
		return nil, err
	}
	if !user.IsActive {
		return nil, shared.ErrInvalidCredentials
	}
	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)); err != nil {
		return nil, shared.ErrInvalidCredentials
	}
	return user, nil
}

// Login authenticates and issues an access token.
func (s *Service) Login(ctx context.Context, email, password string) (Token, *User, error) {
	user, err := s.Authenticate(ctx, email, password)
	if err != nil {
		return Token{}, nil, err
	}
	token, err := s.tokens.Issue(user.ID)
	if err != nil {
		return Token{}, nil, err
	}
	return token, user, nil
}

// Verify parses a bearer token and checks it was not revoked.
func (s *Service) Verify(ctx context.Context, raw string) (*Claims, error) {
	claims, err := s.tokens.Parse(raw)
	if err != nil {
		return nil, err
	}
	if s.revoked != nil {
		revoked, err := s.revoked.IsRevoked(ctx, claims.ID)
		if err != nil {
			return nil, fmt.Errorf("auth: check revocation: %w", err)
		}
		if revoked {
			return nil, fmt.Errorf("auth: token revoked: %w", shared.ErrUnauthorized)
		}
	}
	return claims, nil
}

// Logout revokes the token until it expires.
func (s *Service) Logout(ctx context.Context, claims *Claims) error {
	if s.revoked == nil || claims == nil || claims.ExpiresAt == nil {
		return nil
	}
	return s.revoked.Revoke(ctx, claims.ID, claims.ExpiresAt.Time)
}
