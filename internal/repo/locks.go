package repo

import (
	"context"
	"database/sql"
	"time"
)

// AcquireStoryLock claims the edit lock on a story for actorID. A single
// conditional UPDATE makes the claim atomic: it succeeds when the story is
// unlocked, already held by the same actor (refresh), or the current hold
// is older than ttl (silent reclaim of an abandoned lock).
//
// Returns the resulting lock state and acquired=false when another actor
// holds a live lock.
func (r Repo) AcquireStoryLock(ctx context.Context, storyID, actorID string, ttl time.Duration, now time.Time) (acquired bool, holder string, since string, err error) {
	ts := now.UTC().Format(time.RFC3339)
	cutoff := now.UTC().Add(-ttl).Format(time.RFC3339)
	res, err := r.DB.ExecContext(ctx, `UPDATE stories SET locked_by=?, locked_at=?
WHERE id=? AND deleted_at IS NULL AND (locked_by IS NULL OR locked_by=? OR locked_at < ?)`,
		actorID, ts, storyID, actorID, cutoff)
	if err != nil {
		return false, "", "", err
	}
	affected, _ := res.RowsAffected()
	if affected > 0 {
		return true, actorID, ts, nil
	}
	var lockedBy, lockedAt sql.NullString
	err = r.DB.QueryRowContext(ctx, `SELECT locked_by, locked_at FROM stories WHERE id=? AND deleted_at IS NULL`, storyID).
		Scan(&lockedBy, &lockedAt)
	if err == sql.ErrNoRows {
		return false, "", "", ErrNotFound
	}
	if err != nil {
		return false, "", "", err
	}
	return false, lockedBy.String, lockedAt.String, nil
}

// ReleaseStoryLock clears the lock when actorID holds it. Releasing a lock
// that is free or held by someone else is a no-op.
func (r Repo) ReleaseStoryLock(ctx context.Context, storyID, actorID string) error {
	_, err := r.DB.ExecContext(ctx, `UPDATE stories SET locked_by=NULL, locked_at=NULL WHERE id=? AND locked_by=?`, storyID, actorID)
	return err
}

// GetStoryLock reports the stored lock columns without applying TTL; the
// engine decides whether a stale hold still counts as locked.
func (r Repo) GetStoryLock(ctx context.Context, storyID string) (holder string, since string, err error) {
	var lockedBy, lockedAt sql.NullString
	err = r.DB.QueryRowContext(ctx, `SELECT locked_by, locked_at FROM stories WHERE id=? AND deleted_at IS NULL`, storyID).
		Scan(&lockedBy, &lockedAt)
	if err == sql.ErrNoRows {
		return "", "", ErrNotFound
	}
	if err != nil {
		return "", "", err
	}
	return lockedBy.String, lockedAt.String, nil
}
