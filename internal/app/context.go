package app

import (
	"context"
	"errors"
	"fmt"

	"taskpulse/internal/config"
	"taskpulse/internal/engine"
	"taskpulse/internal/repo"
)

// ResolveProjectAndConfig picks the active project and makes sure it and its
// config exist in the DB. It prefers the override, then the only project in
// the DB. A missing project is created on the fly, seeded from the
// workspace's taskpulse.yml when there is one.
func ResolveProjectAndConfig(ctx context.Context, workspace, projectOverride, actorID string, e engine.Engine) (string, *config.Config, error) {
	projectID := projectOverride
	if projectID == "" {
		p, err := e.Repo.SingleProject(ctx)
		if err != nil {
			return "", nil, fmt.Errorf("project not specified; use --project")
		}
		projectID = p.ID
	}
	seedCfg, err := config.LoadOptional(workspace)
	if err != nil {
		return "", nil, fmt.Errorf("load %s: %w", config.Path(workspace), err)
	}
	if seedCfg == nil {
		seedCfg = config.Default(projectID)
	}
	seedCfg.Project.ID = projectID

	if _, err := e.Repo.GetProject(ctx, projectID); err != nil {
		if !errors.Is(err, repo.ErrNotFound) {
			return "", nil, err
		}
		if actorID == "" {
			actorID = "local-user"
		}
		if _, err := e.InitProject(ctx, projectID, projectID, "", actorID); err != nil {
			return "", nil, err
		}
		if err := e.Repo.UpsertProjectConfig(ctx, projectID, seedCfg); err != nil {
			return "", nil, fmt.Errorf("seed project config: %w", err)
		}
	}
	cfg, err := e.Repo.GetProjectConfig(ctx, projectID)
	if err != nil {
		if !errors.Is(err, repo.ErrNotFound) {
			return "", nil, err
		}
		if err := e.Repo.UpsertProjectConfig(ctx, projectID, seedCfg); err != nil {
			return "", nil, fmt.Errorf("seed project config: %w", err)
		}
		cfg = seedCfg
	}
	cfg.Project.ID = projectID
	return projectID, cfg, nil
}
