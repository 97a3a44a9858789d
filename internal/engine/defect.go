package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"traceline/internal/domain"
	"traceline/internal/events"
	"traceline/internal/workflow"
)

// DefectCreateOptions are parameters for filing a defect, optionally
// anchored to the execution and test case where it surfaced.
type DefectCreateOptions struct {
	ProgramID   string
	ExecutionID string
	TestCaseID  string
	Title       string
	Description string
	Severity    string
	ActorID     string
}

func (e Engine) CreateDefect(ctx context.Context, opts DefectCreateOptions) (domain.Defect, error) {
	if opts.Title == "" {
		return domain.Defect{}, errors.New("title is required")
	}
	if opts.ProgramID == "" {
		return domain.Defect{}, errors.New("program is required")
	}
	if _, err := e.Repo.GetProgram(ctx, opts.ProgramID); err != nil {
		return domain.Defect{}, err
	}
	switch opts.Severity {
	case "":
		opts.Severity = "medium"
	case "critical", "high", "medium", "low":
	default:
		return domain.Defect{}, fmt.Errorf("unknown severity %q", opts.Severity)
	}
	if opts.ExecutionID != "" {
		ex, err := e.Repo.GetExecution(ctx, opts.ExecutionID)
		if err != nil {
			return domain.Defect{}, fmt.Errorf("execution: %w", err)
		}
		if opts.TestCaseID == "" {
			opts.TestCaseID = ex.TestCaseID
		}
	}
	if opts.TestCaseID != "" {
		if _, err := e.Repo.GetTestCase(ctx, opts.TestCaseID); err != nil {
			return domain.Defect{}, fmt.Errorf("test case: %w", err)
		}
	}

	now := e.now().UTC().Format(time.RFC3339)
	d := domain.Defect{
		ID:          uuid.New().String(),
		ProgramID:   opts.ProgramID,
		ExecutionID: optionalString(opts.ExecutionID),
		TestCaseID:  optionalString(opts.TestCaseID),
		Title:       opts.Title,
		Description: opts.Description,
		Severity:    opts.Severity,
		Status:      workflow.DefectOpen,
		CreatedBy:   opts.ActorID,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return d, err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertDefect(ctx, tx, d); err != nil {
		return d, err
	}
	if err := e.Events.Append(ctx, tx, "defect.created", d.ProgramID, "defect", d.ID, opts.ActorID, events.Payload{
		"title":    d.Title,
		"severity": d.Severity,
	}); err != nil {
		return d, err
	}
	if err := tx.Commit(); err != nil {
		return d, err
	}
	return d, nil
}

// TransitionDefect moves a defect through its status machine, mirroring
// the story transition path.
func (e Engine) TransitionDefect(ctx context.Context, id, to, notes, actorID, role string) (domain.Defect, error) {
	d, err := e.Repo.GetDefect(ctx, id)
	if err != nil {
		return d, err
	}
	entry, ok := workflow.FindDefectTransition(d.Status, to)
	if !ok {
		return d, RejectionError{Code: CodeInvalidTransition, Message: fmt.Sprintf("cannot transition defect from %s to %s", d.Status, to)}
	}
	if !workflow.CanTransitionDefect(d.Status, to, role) {
		return d, RejectionError{Code: CodeRoleDenied, Message: fmt.Sprintf("role %s may not perform %q", role, entry.Label)}
	}
	if entry.RequiresNotes && notes == "" {
		return d, RejectionError{Code: CodeNotesRequired, Message: fmt.Sprintf("%q requires notes", entry.Label)}
	}

	from := d.Status
	d.Status = to
	d.UpdatedAt = e.now().UTC().Format(time.RFC3339)

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return d, err
	}
	defer tx.Rollback()
	if err := e.Repo.UpdateDefect(ctx, tx, d); err != nil {
		return d, err
	}
	if err := e.Events.Append(ctx, tx, "defect.transitioned", d.ProgramID, "defect", d.ID, actorID, events.Payload{
		"from":  from,
		"to":    to,
		"label": entry.Label,
		"notes": notes,
	}); err != nil {
		return d, err
	}
	if err := tx.Commit(); err != nil {
		return d, err
	}
	return d, nil
}
