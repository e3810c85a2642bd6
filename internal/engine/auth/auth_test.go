package auth_test

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"taskpulse/internal/domain"
	"taskpulse/internal/engine/auth"
	"taskpulse/internal/repo"
)

type people map[string]domain.Person

func (p people) GetPerson(_ context.Context, id string) (domain.Person, error) {
	if id == "broken" {
		return domain.Person{}, errors.New("db down")
	}
	person, ok := p[id]
	if !ok {
		return domain.Person{}, repo.ErrNotFound
	}
	return person, nil
}

func TestAuthorize(t *testing.T) {
	svc := auth.Service{People: people{
		"pm":      {ID: "pm", Role: domain.RoleProjectManager, Active: true},
		"dev":     {ID: "dev", Role: domain.RoleDeveloper, Active: true},
		"retired": {ID: "retired", Role: domain.RoleAdmin, Active: false},
	}}
	allowed := []string{domain.RoleAdmin, domain.RoleProjectManager}
	ctx := context.Background()

	cases := []struct {
		name     string
		personID string
		roles    []string
		ok       bool
	}{
		{"stored role", "pm", nil, true},
		{"credential role", "dev", []string{"Admin"}, true},
		{"no matching role", "dev", nil, false},
		{"inactive person role ignored", "retired", nil, false},
		{"unknown person uses credential", "ghost", []string{domain.RoleProjectManager}, true},
		{"unknown person without roles", "ghost", nil, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := svc.Authorize(ctx, tc.personID, tc.roles, allowed, "rebalance")
			if tc.ok {
				require.NoError(t, err)
				return
			}
			var fe auth.ForbiddenError
			require.ErrorAs(t, err, &fe)
			require.Equal(t, "rebalance", fe.Action)
		})
	}

	require.Error(t, svc.Authorize(ctx, "broken", nil, allowed, "execute"))
	require.Error(t, auth.Require([]string{domain.RoleAdmin}, nil, "execute"))
}
