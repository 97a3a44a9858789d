package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"traceline/internal/config"
	"traceline/internal/repo"
	"traceline/internal/workflow"
)

// ResolveProgramAndConfig picks the active program and ensures a program +
// config exist in DB, seeding defaults if missing. It prefers overrides,
// then single-program DB. If the program does not exist, it is created on
// the fly.
func ResolveProgramAndConfig(ctx context.Context, workspace, programOverride, actorID string, r repo.Repo) (string, *config.Config, error) {
	programID := programOverride
	if programID == "" {
		if p, err := r.SingleProgram(ctx); err == nil {
			programID = p.ID
		} else {
			return "", nil, fmt.Errorf("program not specified; use --program")
		}
	}
	// A workspace traceline.yml overrides the seeded defaults on first use.
	seedCfg, err := config.LoadOptional(workspace)
	if err != nil {
		return "", nil, err
	}
	if seedCfg == nil {
		seedCfg = config.Default(programID)
	}
	seedCfg.Program.ID = programID

	if _, err := r.GetProgram(ctx, programID); err != nil {
		if !errors.Is(err, repo.ErrNotFound) {
			return "", nil, err
		}
		if err := createProgram(ctx, r, programID, seedCfg, actorID); err != nil {
			return "", nil, err
		}
	}
	cfg, err := r.GetProgramConfig(ctx, programID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			if err := r.UpsertProgramConfig(ctx, programID, seedCfg); err != nil {
				return "", nil, fmt.Errorf("seed program config: %w", err)
			}
			cfg = seedCfg
		} else {
			return "", nil, err
		}
	}
	cfg.Program.ID = programID
	return programID, cfg, nil
}

// createProgram inserts a minimal program footprint using the seed config,
// granting the bootstrapping actor the admin role.
func createProgram(ctx context.Context, r repo.Repo, programID string, seedCfg *config.Config, actorID string) error {
	if seedCfg == nil {
		seedCfg = config.Default(programID)
	}
	now := time.Now().UTC().Format(time.RFC3339)
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	name := seedCfg.Program.Name
	if name == "" {
		name = programID
	}
	prefix := seedCfg.Program.Prefix
	if prefix == "" {
		prefix = "HRS"
	}
	if _, err := tx.ExecContext(ctx, `INSERT INTO programs(id,name,prefix,status,created_at) VALUES (?,?,?,?,?)`,
		programID, name, prefix, "active", now); err != nil {
		return fmt.Errorf("insert program: %w", err)
	}
	if err := r.UpsertProgramConfigTx(ctx, tx, programID, seedCfg); err != nil {
		return fmt.Errorf("insert program config: %w", err)
	}
	if actorID == "" {
		actorID = "local-user"
	}
	if err := r.EnsureActor(ctx, tx, actorID, now); err != nil {
		return fmt.Errorf("ensure actor: %w", err)
	}
	if err := r.AssignRole(ctx, tx, programID, actorID, workflow.RoleAdmin); err != nil {
		return fmt.Errorf("assign admin role: %w", err)
	}
	return tx.Commit()
}
