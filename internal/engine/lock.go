package engine

import (
	"context"
	"log"
	"time"

	"traceline/internal/domain"
	"traceline/internal/events"
)

// AcquireLock claims the edit lock on a story. A live lock held by
// another actor returns LockHeldError; an expired hold is silently
// reclaimed.
func (e Engine) AcquireLock(ctx context.Context, storyID, actorID string) (domain.LockInfo, error) {
	acquired, holder, since, err := e.Repo.AcquireStoryLock(ctx, storyID, actorID, e.lockTTL(), e.now())
	if err != nil {
		return domain.LockInfo{}, err
	}
	if !acquired {
		return domain.LockInfo{IsLocked: true, Holder: &holder, Since: &since},
			LockHeldError{Holder: holder, Since: since}
	}
	// Lock churn is audit noise, not workflow state; the activity row is
	// best-effort and outside any transaction.
	if err := e.Events.AppendDirect(ctx, "story.lock.acquired", "", "story", storyID, actorID, events.Payload{}); err != nil {
		log.Printf("story %s: lock activity: %v", storyID, err)
	}
	return domain.LockInfo{IsLocked: true, Holder: &holder, Since: &since}, nil
}

// ReleaseLock drops the caller's lock. Releasing a lock that is free or
// held by someone else is a no-op.
func (e Engine) ReleaseLock(ctx context.Context, storyID, actorID string) error {
	return e.Repo.ReleaseStoryLock(ctx, storyID, actorID)
}

// InspectLock reports the lock state, treating an expired hold as
// unlocked.
func (e Engine) InspectLock(ctx context.Context, storyID string) (domain.LockInfo, error) {
	holder, since, err := e.Repo.GetStoryLock(ctx, storyID)
	if err != nil {
		return domain.LockInfo{}, err
	}
	if holder == "" {
		return domain.LockInfo{}, nil
	}
	if since != "" {
		at, perr := time.Parse(time.RFC3339, since)
		if perr == nil && e.now().UTC().Sub(at) > e.lockTTL() {
			return domain.LockInfo{}, nil
		}
	}
	return domain.LockInfo{IsLocked: true, Holder: &holder, Since: &since}, nil
}
