package users

import (
	"context"
	"fmt"
)

const (
	defaultLimit = 50
	maxLimit     = 200
)

// RepositoryPort defines data access methods for users.
type RepositoryPort interface {
	ListUsers(ctx context.Context, filter ListFilter) ([]User, error)
	GetUser(ctx context.Context, id int64) (User, error)
}

// RoleResolver returns a user's effective roles.
type RoleResolver interface {
	ResolveRoles(ctx context.Context, userID int64) ([]string, error)
}

// Service handles user business logic.
type Service struct {
	repo  RepositoryPort
	roles RoleResolver
}

// NewService builds Service instance.
func NewService(repo RepositoryPort, roles RoleResolver) *Service {
	return &Service{repo: repo, roles: roles}
}

// ListUsers returns a page of users.
func (s *Service) ListUsers(ctx context.Context, filter ListFilter) ([]User, error) {
	if filter.Limit <= 0 {
		filter.Limit = defaultLimit
	}
	if filter.Limit > maxLimit {
		filter.Limit = maxLimit
	}
	if filter.Offset < 0 {
		filter.Offset = 0
	}
	return s.repo.ListUsers(ctx, filter)
}

// GetUser returns a user and the roles authorization sees for it.
func (s *Service) GetUser(ctx context.Context, id int64) (Detail, error) {
	user, err := s.repo.GetUser(ctx, id)
	if err != nil {
		return Detail{}, err
	}
	roles, err := s.roles.ResolveRoles(ctx, id)
	if err != nil {
		return Detail{}, fmt.Errorf("users: resolve roles: %w", err)
	}
	if roles == nil {
		roles = []string{}
	}
	return Detail{User: user, Roles: roles}, nil
}
