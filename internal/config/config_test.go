package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := Default("proj")
	require.NoError(t, cfg.Validate())
	require.Equal(t, "proj", cfg.Project.ID)
	require.Equal(t, 60, cfg.Workload.OverloadThreshold)
	require.Equal(t, 60, cfg.Recommender.UnderloadThreshold)
	require.Equal(t, 35, cfg.Rebalancer.UnderloadThreshold)
	require.Equal(t, 0.5, cfg.Rebalancer.MinSkillRatio)
	require.Equal(t, 50, cfg.Scoring.Weights.Skill)
	require.True(t, cfg.RequiresConfirmation("high"))
	require.True(t, cfg.RequiresConfirmation("highest"))
	require.False(t, cfg.RequiresConfirmation("medium"))

	s := cfg.WorkloadSettings()
	require.Equal(t, 40.0, s.DefaultCapacityHours)
	require.Equal(t, 2.0, s.HoursPerStoryPoint)
}

func TestValidateRejects(t *testing.T) {
	cases := map[string]func(c *Config){
		"weights sum":       func(c *Config) { c.Scoring.Weights.Role = 10 },
		"threshold range":   func(c *Config) { c.Workload.OverloadThreshold = 120 },
		"underload > over":  func(c *Config) { c.Rebalancer.UnderloadThreshold = 70 },
		"skill ratio":       func(c *Config) { c.Rebalancer.MinSkillRatio = 1.5 },
		"unknown priority":  func(c *Config) { c.Policies.ConfirmPriorities = []string{"urgent"} },
		"unknown role":      func(c *Config) { c.RBAC.ExecuteRoles = []string{"intern"} },
		"capacity":          func(c *Config) { c.Workload.DefaultCapacityHours = 0 },
		"missing project":   func(c *Config) { c.Project.ID = "" },
		"webhook url empty": func(c *Config) { c.Notifications.Webhooks = []Webhook{{Events: []string{"*"}}} },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			cfg := Default("proj")
			mutate(cfg)
			require.Error(t, cfg.Validate())
		})
	}
}

func TestFromYAMLRoundTrip(t *testing.T) {
	cfg := Default("p1")
	cfg.Scoring.Weights.Skill = 60
	cfg.Scoring.Weights.Workload = 20
	data, err := cfg.ToYAML()
	require.NoError(t, err)

	parsed, err := FromYAML(data)
	require.NoError(t, err)
	require.Equal(t, 60, parsed.Scoring.Weights.Skill)
	require.Equal(t, "taskpulse.events", parsed.Notifications.SubjectPrefix)

	_, err = FromYAML([]byte("project: ["))
	require.Error(t, err)
}

func TestLoadOptional(t *testing.T) {
	dir := t.TempDir()
	cfg, err := LoadOptional(dir)
	require.NoError(t, err)
	require.Nil(t, cfg)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "taskpulse.yml"), []byte(GenerateDefault("ws")), 0o644))
	cfg, err = Load(dir)
	require.NoError(t, err)
	require.Equal(t, "ws", cfg.Project.ID)
}
