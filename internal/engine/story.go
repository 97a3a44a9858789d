package engine

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"traceline/internal/domain"
	"traceline/internal/events"
	"traceline/internal/repo"
	"traceline/internal/workflow"
)

// StoryCreateOptions are parameters for creating a requirement story.
type StoryCreateOptions struct {
	ProgramID   string
	ParentID    string
	Title       string
	Description string
	Priority    *int
	RelatedIDs  []string
	ActorID     string
}

func (e Engine) CreateStory(ctx context.Context, opts StoryCreateOptions) (domain.Story, error) {
	if opts.Title == "" {
		return domain.Story{}, errors.New("title is required")
	}
	if opts.ProgramID == "" {
		return domain.Story{}, errors.New("program is required")
	}
	if _, err := e.Repo.GetProgram(ctx, opts.ProgramID); err != nil {
		return domain.Story{}, err
	}
	if opts.ParentID != "" {
		parent, err := e.Repo.GetActiveStory(ctx, opts.ParentID)
		if err != nil {
			return domain.Story{}, fmt.Errorf("parent story: %w", err)
		}
		if parent.ProgramID != opts.ProgramID {
			return domain.Story{}, errors.New("parent story in different program")
		}
		// Single-level nesting only: a child cannot itself be a parent.
		if parent.ParentID != nil {
			return domain.Story{}, errors.New("parent story is already a sub-story; nesting is one level")
		}
	}

	now := e.now().UTC().Format(time.RFC3339)
	s := domain.Story{
		ID:          e.newStoryID(),
		ProgramID:   opts.ProgramID,
		ParentID:    optionalString(opts.ParentID),
		Title:       opts.Title,
		Description: opts.Description,
		Status:      workflow.StoryDraft,
		Version:     1,
		Priority:    opts.Priority,
		DraftedAt:   &now,
		CreatedBy:   opts.ActorID,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Story{}, err
	}
	defer tx.Rollback()

	if err := e.Repo.InsertStory(ctx, tx, s); err != nil {
		return domain.Story{}, err
	}
	if len(opts.RelatedIDs) > 0 {
		if err := e.Repo.AddRelatedStories(ctx, tx, s.ID, opts.RelatedIDs); err != nil {
			return domain.Story{}, err
		}
	}
	if err := e.Events.Append(ctx, tx, "story.created", s.ProgramID, "story", s.ID, opts.ActorID, events.Payload{
		"title":  s.Title,
		"status": s.Status,
	}); err != nil {
		return domain.Story{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Story{}, err
	}
	s.RelatedIDs = opts.RelatedIDs

	// The version-1 snapshot is best-effort: a failure here leaves the
	// story intact and is only logged.
	if err := e.Repo.InsertStoryVersion(ctx, domain.StoryVersion{
		StoryID:       s.ID,
		VersionNumber: 1,
		Title:         s.Title,
		Description:   s.Description,
		Status:        s.Status,
		CreatedBy:     opts.ActorID,
		CreatedAt:     now,
	}); err != nil {
		log.Printf("story %s: initial snapshot: %v", s.ID, err)
	}
	return s, nil
}

// StoryUpdateOptions encapsulates allowed field updates. Status is not
// among them: status changes only flow through TransitionStory, where the
// rule table gates them.
type StoryUpdateOptions struct {
	ID            string
	Title         *string
	Description   *string
	Priority      *int
	ClearPriority bool
	SetParent     *string
	AddRelated    []string
	RemoveRelated []string
	ActorID       string
}

func (e Engine) UpdateStory(ctx context.Context, opts StoryUpdateOptions) (domain.Story, error) {
	s, err := e.Repo.GetActiveStory(ctx, opts.ID)
	if err != nil {
		return s, err
	}
	loaded := s.Version
	now := e.now().UTC().Format(time.RFC3339)

	if opts.Title != nil {
		if *opts.Title == "" {
			return s, errors.New("title cannot be empty")
		}
		s.Title = *opts.Title
	}
	if opts.Description != nil {
		s.Description = *opts.Description
	}
	if opts.Priority != nil {
		s.Priority = opts.Priority
	}
	if opts.ClearPriority {
		s.Priority = nil
	}
	if opts.SetParent != nil {
		if *opts.SetParent == "" {
			s.ParentID = nil
		} else {
			parent, err := e.Repo.GetActiveStory(ctx, *opts.SetParent)
			if err != nil {
				return s, fmt.Errorf("parent story: %w", err)
			}
			if parent.ProgramID != s.ProgramID {
				return s, errors.New("parent story in different program")
			}
			if parent.ParentID != nil {
				return s, errors.New("parent story is already a sub-story; nesting is one level")
			}
			children, err := e.Repo.ListChildStories(ctx, s.ID)
			if err != nil {
				return s, err
			}
			if len(children) > 0 {
				return s, errors.New("story has sub-stories; nesting is one level")
			}
			s.ParentID = opts.SetParent
		}
	}
	s.Version = loaded + 1
	s.UpdatedAt = now

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return s, err
	}
	defer tx.Rollback()

	conflict, err := e.Repo.UpdateStoryVersioned(ctx, tx, s, loaded)
	if err != nil {
		return s, err
	}
	if conflict {
		return s, ErrVersionConflict
	}
	if len(opts.AddRelated) > 0 {
		if err := e.Repo.AddRelatedStories(ctx, tx, s.ID, opts.AddRelated); err != nil {
			return s, err
		}
	}
	if len(opts.RemoveRelated) > 0 {
		if err := e.Repo.RemoveRelatedStories(ctx, tx, s.ID, opts.RemoveRelated); err != nil {
			return s, err
		}
	}
	if err := e.Events.Append(ctx, tx, "story.updated", s.ProgramID, "story", s.ID, opts.ActorID, events.Payload{
		"status":  s.Status,
		"version": s.Version,
	}); err != nil {
		return s, err
	}
	if err := tx.Commit(); err != nil {
		return s, err
	}
	s.RelatedIDs, _ = e.Repo.ListRelatedStories(ctx, s.ID)
	return s, nil
}

// TransitionStory moves a story through the status workflow, enforcing
// the rule table: role gating, required notes, approval capture and
// per-status date stamping all derive from the matched entry.
func (e Engine) TransitionStory(ctx context.Context, id, to, notes, actorID, role string) (domain.Story, error) {
	s, err := e.Repo.GetActiveStory(ctx, id)
	if err != nil {
		return s, err
	}
	entry, ok := workflow.FindStoryTransition(s.Status, to)
	if !ok {
		return s, RejectionError{Code: CodeInvalidTransition, Message: fmt.Sprintf("cannot transition story from %s to %s", s.Status, to)}
	}
	if !workflow.CanTransitionStory(s.Status, to, role) {
		return s, RejectionError{Code: CodeRoleDenied, Message: fmt.Sprintf("role %s may not perform %q", role, entry.Label)}
	}
	if entry.RequiresNotes && notes == "" {
		return s, RejectionError{Code: CodeNotesRequired, Message: fmt.Sprintf("%q requires notes", entry.Label)}
	}

	loaded := s.Version
	from := s.Status
	now := e.now().UTC().Format(time.RFC3339)
	s.Status = to
	s.Version = loaded + 1
	s.UpdatedAt = now
	stampStatusDate(&s, to, now)
	if to == workflow.StoryApproved {
		s.ApprovedAt = &now
		s.ApprovedBy = &actorID
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return s, err
	}
	defer tx.Rollback()

	conflict, err := e.Repo.UpdateStoryVersioned(ctx, tx, s, loaded)
	if err != nil {
		return s, err
	}
	if conflict {
		return s, ErrVersionConflict
	}
	if entry.RequiresApproval {
		if err := e.Repo.InsertStoryApproval(ctx, tx, domain.StoryApproval{
			ID:           uuid.New().String(),
			StoryID:      s.ID,
			ApprovedBy:   actorID,
			FromStatus:   from,
			ApprovalType: entry.ApprovalType,
			Notes:        notes,
			CreatedAt:    now,
		}); err != nil {
			return s, err
		}
	}
	if notes != "" {
		if err := e.Repo.InsertStoryVersionTx(ctx, tx, domain.StoryVersion{
			StoryID:       s.ID,
			VersionNumber: s.Version,
			Title:         s.Title,
			Description:   s.Description,
			Status:        s.Status,
			Notes:         notes,
			CreatedBy:     actorID,
			CreatedAt:     now,
		}); err != nil {
			return s, err
		}
	}
	if err := e.Events.Append(ctx, tx, "story.transitioned", s.ProgramID, "story", s.ID, actorID, events.Payload{
		"from":  from,
		"to":    to,
		"label": entry.Label,
		"notes": notes,
	}); err != nil {
		return s, err
	}
	if err := tx.Commit(); err != nil {
		return s, err
	}

	e.fireAfterTransition(s, from, to, actorID)
	return s, nil
}

// fireAfterTransition runs post-commit side effects on goroutines. They
// are fire-and-forget: a panic or failure cannot touch the committed
// transition.
func (e Engine) fireAfterTransition(s domain.Story, from, to, actorID string) {
	if e.Notifier != nil {
		go func() {
			defer recoverLogged("notifier")
			e.Notifier.StoryTransitioned(context.Background(), s.ProgramID, s.ID, from, to, actorID)
		}()
	}
	if to == workflow.StoryApproved && e.Generator != nil {
		go func() {
			defer recoverLogged("test case generator")
			e.Generator.GenerateForStory(context.Background(), s.ProgramID, s.ID, s.Title)
		}()
	}
}

func recoverLogged(name string) {
	if r := recover(); r != nil {
		log.Printf("%s panicked: %v", name, r)
	}
}

// SoftDeleteStory marks a story deleted. Admin only; protected statuses
// are refused. The audit row is written before the mutation so a record
// of the attempt survives even if the delete itself fails.
func (e Engine) SoftDeleteStory(ctx context.Context, id, actorID, role, reason string) (domain.Story, error) {
	if role != workflow.RoleAdmin {
		return domain.Story{}, RejectionError{Code: CodeRoleDenied, Message: "only admin may delete stories"}
	}
	s, err := e.Repo.GetStory(ctx, id)
	if err != nil {
		return s, err
	}
	if s.DeletedAt != nil {
		return s, RejectionError{Code: CodeAlreadyDeleted, Message: fmt.Sprintf("story %s is already deleted", id)}
	}
	if !workflow.CanDeleteStatus(s.Status) {
		return s, RejectionError{Code: CodeProtectedStatus, Message: fmt.Sprintf("stories in %s cannot be deleted", workflow.StoryStatusLabel(s.Status))}
	}

	now := e.now().UTC().Format(time.RFC3339)
	if err := e.Events.AppendDirect(ctx, "story.delete.requested", s.ProgramID, "story", s.ID, actorID, events.Payload{
		"status": s.Status,
		"reason": reason,
	}); err != nil {
		return s, err
	}

	loaded := s.Version
	s.DeletedAt = &now
	s.DeletedBy = &actorID
	s.Version = loaded + 1
	s.UpdatedAt = now

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return s, err
	}
	defer tx.Rollback()
	conflict, err := e.Repo.UpdateStoryVersioned(ctx, tx, s, loaded)
	if err != nil {
		return s, err
	}
	if conflict {
		return s, ErrVersionConflict
	}
	if err := e.Events.Append(ctx, tx, "story.deleted", s.ProgramID, "story", s.ID, actorID, events.Payload{"reason": reason}); err != nil {
		return s, err
	}
	if err := tx.Commit(); err != nil {
		return s, err
	}
	return s, nil
}

// GetStory returns an active story with relations loaded.
func (e Engine) GetStory(ctx context.Context, id string) (domain.Story, error) {
	return e.Repo.GetActiveStory(ctx, id)
}

// ListStories lists active stories with optional filters.
func (e Engine) ListStories(ctx context.Context, f repo.StoryFilters) ([]domain.Story, error) {
	return e.Repo.ListStories(ctx, f)
}

// AllowedTransitions returns the rule entries the given role may apply
// from the story's current status.
func (e Engine) AllowedTransitions(ctx context.Context, id, role string) ([]workflow.Transition, error) {
	s, err := e.Repo.GetActiveStory(ctx, id)
	if err != nil {
		return nil, err
	}
	return workflow.AllowedStoryTransitions(s.Status, role), nil
}

// stampStatusDate records the first entry into each dated status. Dates
// are never cleared, so a round trip back to a status keeps the original
// timestamp.
func stampStatusDate(s *domain.Story, status, ts string) {
	switch status {
	case workflow.StoryDraft:
		if s.DraftedAt == nil {
			s.DraftedAt = &ts
		}
	case workflow.StoryInternalReview:
		if s.InternalReviewAt == nil {
			s.InternalReviewAt = &ts
		}
	case workflow.StoryClientReview:
		if s.ClientReviewAt == nil {
			s.ClientReviewAt = &ts
		}
	case workflow.StoryNeedsDiscussion:
		if s.NeedsDiscussionAt == nil {
			s.NeedsDiscussionAt = &ts
		}
	}
}
