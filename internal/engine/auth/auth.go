// Package auth checks callers against role allow-lists.
package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"taskpulse/internal/domain"
	"taskpulse/internal/repo"
)

// ForbiddenError indicates the caller holds none of the allowed roles.
type ForbiddenError struct {
	Action  string
	Allowed []string
}

func (e ForbiddenError) Error() string {
	return fmt.Sprintf("%s requires one of roles [%s]", e.Action, strings.Join(e.Allowed, ", "))
}

// PersonLookup is the one read auth needs.
type PersonLookup interface {
	GetPerson(ctx context.Context, id string) (domain.Person, error)
}

// Service resolves a caller's roles: the roles carried by their credential
// plus the role stored on their person record, if they have one.
type Service struct {
	People PersonLookup
}

func (s Service) Roles(ctx context.Context, personID string, credentialRoles []string) ([]string, error) {
	roles := append([]string(nil), credentialRoles...)
	if s.People == nil || personID == "" {
		return roles, nil
	}
	p, err := s.People.GetPerson(ctx, personID)
	if errors.Is(err, repo.ErrNotFound) {
		return roles, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load roles for %s: %w", personID, err)
	}
	if p.Active && p.Role != "" && !domain.ContainsFold(roles, p.Role) {
		roles = append(roles, p.Role)
	}
	return roles, nil
}

// Authorize fails with ForbiddenError unless the caller holds a role in
// allowed. An empty allow-list denies everyone.
func (s Service) Authorize(ctx context.Context, personID string, credentialRoles, allowed []string, action string) error {
	roles, err := s.Roles(ctx, personID, credentialRoles)
	if err != nil {
		return err
	}
	return Require(roles, allowed, action)
}

// Require is Authorize over already-resolved roles.
func Require(roles, allowed []string, action string) error {
	for _, r := range roles {
		if domain.ContainsFold(allowed, r) {
			return nil
		}
	}
	return ForbiddenError{Action: action, Allowed: allowed}
}
