package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"traceline/internal/domain"
	"traceline/internal/events"
	"traceline/internal/workflow"
)

// ExecutionUpdateOptions carries a tester's status change on an assigned
// execution.
type ExecutionUpdateOptions struct {
	ID              string
	To              string
	Notes           string
	StepResultsJSON *string
	ActorID         string
	Role            string
}

// TransitionExecution moves a test execution through its status machine.
// Verification is reserved to uat_verifier by the rule table and records
// who verified.
func (e Engine) TransitionExecution(ctx context.Context, opts ExecutionUpdateOptions) (domain.TestExecution, error) {
	ex, err := e.Repo.GetExecution(ctx, opts.ID)
	if err != nil {
		return ex, err
	}
	entry, ok := workflow.FindExecutionTransition(ex.Status, opts.To)
	if !ok {
		return ex, RejectionError{Code: CodeInvalidTransition, Message: fmt.Sprintf("cannot transition execution from %s to %s", ex.Status, opts.To)}
	}
	if !workflow.CanTransitionExecution(ex.Status, opts.To, opts.Role) {
		return ex, RejectionError{Code: CodeRoleDenied, Message: fmt.Sprintf("role %s may not perform %q", opts.Role, entry.Label)}
	}
	if entry.RequiresNotes && opts.Notes == "" {
		return ex, RejectionError{Code: CodeNotesRequired, Message: fmt.Sprintf("%q requires notes", entry.Label)}
	}
	if opts.StepResultsJSON != nil {
		var tmp any
		if err := json.Unmarshal([]byte(*opts.StepResultsJSON), &tmp); err != nil {
			return ex, fmt.Errorf("step results JSON: %w", err)
		}
	}

	from := ex.Status
	now := e.now().UTC().Format(time.RFC3339)
	ex.Status = opts.To
	ex.UpdatedAt = now
	if opts.Notes != "" {
		ex.Notes = opts.Notes
	}
	if opts.StepResultsJSON != nil {
		ex.StepResultsJSON = opts.StepResultsJSON
	}
	if opts.To == workflow.ExecVerified {
		ex.VerifiedBy = &opts.ActorID
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return ex, err
	}
	defer tx.Rollback()
	if err := e.Repo.UpdateExecution(ctx, tx, ex); err != nil {
		return ex, err
	}
	cycle, err := e.Repo.GetCycleTx(ctx, tx, ex.CycleID)
	if err != nil {
		return ex, err
	}
	if err := e.Events.Append(ctx, tx, "execution.transitioned", cycle.ProgramID, "execution", ex.ID, opts.ActorID, events.Payload{
		"from":  from,
		"to":    opts.To,
		"label": entry.Label,
		"notes": opts.Notes,
	}); err != nil {
		return ex, err
	}
	if err := tx.Commit(); err != nil {
		return ex, err
	}
	return ex, nil
}
