package engine

import (
	"context"
	"database/sql"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"traceline/internal/config"
	"traceline/internal/domain"
	"traceline/internal/events"
	"traceline/internal/notify"
	"traceline/internal/repo"
)

// Engine executes workflow operations: each public method is one unit of
// work, transactional where it mutates, with activity rows committed
// alongside the mutation they describe.
type Engine struct {
	DB        *sql.DB
	Repo      repo.Repo
	Events    events.Writer
	Config    *config.Config
	Notifier  notify.Notifier
	Generator notify.TestCaseGenerator
	Now       func() time.Time
	// Suffix produces the 4-hex tail of generated story IDs; tests pin
	// it for stable fixtures.
	Suffix func() string
}

func New(db *sql.DB, cfg *config.Config) Engine {
	r := repo.Repo{DB: db}
	return Engine{
		DB:        db,
		Repo:      r,
		Events:    events.Writer{DB: db},
		Config:    cfg,
		Notifier:  notify.LogNotifier{},
		Generator: notify.SeedGenerator{Repo: r},
		Now:       time.Now,
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e Engine) suffix() string {
	if e.Suffix != nil {
		return e.Suffix()
	}
	u := uuid.New()
	return hex.EncodeToString(u[:2])
}

func (e Engine) prefix() string {
	if e.Config != nil && e.Config.Program.Prefix != "" {
		return e.Config.Program.Prefix
	}
	return "HRS"
}

// newStoryID builds <prefix>-<YYYYMMDD>-<4 hex>.
func (e Engine) newStoryID() string {
	return fmt.Sprintf("%s-%s-%s", strings.ToUpper(e.prefix()), e.now().UTC().Format("20060102"), e.suffix())
}

func (e Engine) lockTTL() time.Duration {
	minutes := 15
	if e.Config != nil && e.Config.Locks.TTLMinutes > 0 {
		minutes = e.Config.Locks.TTLMinutes
	}
	return time.Duration(minutes) * time.Minute
}

// InitProgram creates a program with its default config seeded.
func (e Engine) InitProgram(ctx context.Context, programID, name, actorID string) (domain.Program, error) {
	cfg := config.Default(programID)
	if name != "" {
		cfg.Program.Name = name
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Program{}, err
	}
	defer tx.Rollback()

	p := domain.Program{
		ID:        programID,
		Name:      cfg.Program.Name,
		Prefix:    cfg.Program.Prefix,
		Status:    "active",
		CreatedAt: e.now().UTC().Format(time.RFC3339),
	}
	if _, err := tx.ExecContext(ctx, `INSERT INTO programs(id,name,prefix,status,created_at) VALUES (?,?,?,?,?)`,
		p.ID, p.Name, p.Prefix, p.Status, p.CreatedAt); err != nil {
		return domain.Program{}, fmt.Errorf("insert program: %w", err)
	}
	if err := e.Repo.UpsertProgramConfigTx(ctx, tx, p.ID, cfg); err != nil {
		return domain.Program{}, fmt.Errorf("insert program config: %w", err)
	}
	if err := e.Events.Append(ctx, tx, "program.init", p.ID, "program", p.ID, actorID, events.Payload{"name": p.Name, "prefix": p.Prefix}); err != nil {
		return domain.Program{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Program{}, err
	}
	return p, nil
}

// GrantRole assigns a catalog role to an actor within a program.
func (e Engine) GrantRole(ctx context.Context, programID, actorID, roleID, grantedBy string) error {
	if _, err := e.Repo.GetProgram(ctx, programID); err != nil {
		return err
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	now := e.now().UTC().Format(time.RFC3339)
	if err := e.Repo.EnsureActor(ctx, tx, actorID, now); err != nil {
		return err
	}
	if err := e.Repo.AssignRole(ctx, tx, programID, actorID, roleID); err != nil {
		return err
	}
	if err := e.Events.Append(ctx, tx, "role.granted", programID, "actor", actorID, grantedBy, events.Payload{"role": roleID}); err != nil {
		return err
	}
	return tx.Commit()
}

// RevokeRole removes a role grant.
func (e Engine) RevokeRole(ctx context.Context, programID, actorID, roleID, revokedBy string) error {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := e.Repo.RevokeRole(ctx, tx, programID, actorID, roleID); err != nil {
		return err
	}
	if err := e.Events.Append(ctx, tx, "role.revoked", programID, "actor", actorID, revokedBy, events.Payload{"role": roleID}); err != nil {
		return err
	}
	return tx.Commit()
}

func optionalString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
