package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"traceline/internal/config"
	"traceline/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

func (r Repo) InsertProgram(ctx context.Context, p domain.Program) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO programs(id,name,prefix,status,created_at) VALUES (?,?,?,?,?)`,
		p.ID, p.Name, p.Prefix, p.Status, p.CreatedAt)
	return err
}

func (r Repo) GetProgram(ctx context.Context, id string) (domain.Program, error) {
	var p domain.Program
	err := r.DB.QueryRowContext(ctx, `SELECT id,name,prefix,status,created_at FROM programs WHERE id=?`, id).
		Scan(&p.ID, &p.Name, &p.Prefix, &p.Status, &p.CreatedAt)
	if err == sql.ErrNoRows {
		return p, ErrNotFound
	}
	return p, err
}

func (r Repo) SingleProgram(ctx context.Context) (domain.Program, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,name,prefix,status,created_at FROM programs`)
	if err != nil {
		return domain.Program{}, err
	}
	defer rows.Close()
	var programs []domain.Program
	for rows.Next() {
		var p domain.Program
		if err := rows.Scan(&p.ID, &p.Name, &p.Prefix, &p.Status, &p.CreatedAt); err != nil {
			return domain.Program{}, err
		}
		programs = append(programs, p)
	}
	if len(programs) == 0 {
		return domain.Program{}, ErrNotFound
	}
	if len(programs) > 1 {
		return domain.Program{}, fmt.Errorf("multiple programs exist; specify --program")
	}
	return programs[0], nil
}

func (r Repo) ListPrograms(ctx context.Context) ([]domain.Program, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,name,prefix,status,created_at FROM programs ORDER BY created_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Program
	for rows.Next() {
		var p domain.Program
		if err := rows.Scan(&p.ID, &p.Name, &p.Prefix, &p.Status, &p.CreatedAt); err != nil {
			return nil, err
		}
		res = append(res, p)
	}
	return res, rows.Err()
}

func (r Repo) UpsertProgramConfig(ctx context.Context, programID string, cfg *config.Config) error {
	return upsertProgramConfig(ctx, r.DB, nil, programID, cfg)
}

func (r Repo) UpsertProgramConfigTx(ctx context.Context, tx *sql.Tx, programID string, cfg *config.Config) error {
	return upsertProgramConfig(ctx, nil, tx, programID, cfg)
}

func upsertProgramConfig(ctx context.Context, db *sql.DB, tx *sql.Tx, programID string, cfg *config.Config) error {
	if cfg == nil {
		return fmt.Errorf("config nil")
	}
	cfg.Program.ID = programID
	if err := cfg.Validate(); err != nil {
		return err
	}
	payload, err := json.Marshal(cfg)
	if err != nil {
		return err
	}
	now := time.Now().UTC().Format(time.RFC3339)
	exec := func(query string, args ...any) (sql.Result, error) {
		if tx != nil {
			return tx.ExecContext(ctx, query, args...)
		}
		return db.ExecContext(ctx, query, args...)
	}
	_, err = exec(`INSERT INTO program_configs(program_id,config_json,created_at,updated_at) VALUES (?,?,?,?)
ON CONFLICT(program_id) DO UPDATE SET config_json=excluded.config_json, updated_at=excluded.updated_at`, programID, string(payload), now, now)
	return err
}

func (r Repo) GetProgramConfig(ctx context.Context, programID string) (*config.Config, error) {
	var payload string
	err := r.DB.QueryRowContext(ctx, `SELECT config_json FROM program_configs WHERE program_id=?`, programID).Scan(&payload)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	var cfg config.Config
	if err := json.Unmarshal([]byte(payload), &cfg); err != nil {
		return nil, err
	}
	if cfg.Program.ID == "" {
		cfg.Program.ID = programID
	}
	return &cfg, cfg.Validate()
}

const storyColumns = `id,program_id,parent_id,title,description,status,version,priority,
drafted_at,internal_review_at,client_review_at,needs_discussion_at,approved_at,approved_by,
locked_by,locked_at,deleted_at,deleted_by,created_by,created_at,updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanStory(row rowScanner) (domain.Story, error) {
	var s domain.Story
	var parentID, description, draftedAt, internalReviewAt, clientReviewAt, needsDiscussionAt,
		approvedAt, approvedBy, lockedBy, lockedAt, deletedAt, deletedBy sql.NullString
	var priority sql.NullInt64
	err := row.Scan(&s.ID, &s.ProgramID, &parentID, &s.Title, &description, &s.Status, &s.Version, &priority,
		&draftedAt, &internalReviewAt, &clientReviewAt, &needsDiscussionAt, &approvedAt, &approvedBy,
		&lockedBy, &lockedAt, &deletedAt, &deletedBy, &s.CreatedBy, &s.CreatedAt, &s.UpdatedAt)
	if err == sql.ErrNoRows {
		return s, ErrNotFound
	}
	if err != nil {
		return s, err
	}
	s.ParentID = fromNull(parentID)
	if description.Valid {
		s.Description = description.String
	}
	if priority.Valid {
		p := int(priority.Int64)
		s.Priority = &p
	}
	s.DraftedAt = fromNull(draftedAt)
	s.InternalReviewAt = fromNull(internalReviewAt)
	s.ClientReviewAt = fromNull(clientReviewAt)
	s.NeedsDiscussionAt = fromNull(needsDiscussionAt)
	s.ApprovedAt = fromNull(approvedAt)
	s.ApprovedBy = fromNull(approvedBy)
	s.LockedBy = fromNull(lockedBy)
	s.LockedAt = fromNull(lockedAt)
	s.DeletedAt = fromNull(deletedAt)
	s.DeletedBy = fromNull(deletedBy)
	return s, nil
}

func (r Repo) InsertStory(ctx context.Context, tx *sql.Tx, s domain.Story) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO stories(`+storyColumns+`)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		s.ID, s.ProgramID, nullableStringPtr(s.ParentID), s.Title, nullable(s.Description), s.Status, s.Version, nullableIntPtr(s.Priority),
		nullableStringPtr(s.DraftedAt), nullableStringPtr(s.InternalReviewAt), nullableStringPtr(s.ClientReviewAt), nullableStringPtr(s.NeedsDiscussionAt),
		nullableStringPtr(s.ApprovedAt), nullableStringPtr(s.ApprovedBy),
		nullableStringPtr(s.LockedBy), nullableStringPtr(s.LockedAt), nullableStringPtr(s.DeletedAt), nullableStringPtr(s.DeletedBy),
		s.CreatedBy, s.CreatedAt, s.UpdatedAt)
	return err
}

// GetStory returns a story regardless of deletion state; callers that only
// want active rows use GetActiveStory.
func (r Repo) GetStory(ctx context.Context, id string) (domain.Story, error) {
	s, err := scanStory(r.DB.QueryRowContext(ctx, `SELECT `+storyColumns+` FROM stories WHERE id=?`, id))
	if err != nil {
		return s, err
	}
	related, err := r.ListRelatedStories(ctx, id)
	if err != nil {
		return s, err
	}
	s.RelatedIDs = related
	return s, nil
}

func (r Repo) GetActiveStory(ctx context.Context, id string) (domain.Story, error) {
	s, err := r.GetStory(ctx, id)
	if err != nil {
		return s, err
	}
	if s.DeletedAt != nil {
		return s, ErrNotFound
	}
	return s, nil
}

type StoryFilters struct {
	ProgramID       string
	Status          string
	Parent          string
	Limit           int
	CursorCreatedAt string
	CursorID        string
}

// ListStories returns active (non-deleted) stories only.
func (r Repo) ListStories(ctx context.Context, f StoryFilters) ([]domain.Story, error) {
	clauses := []string{"deleted_at IS NULL"}
	var args []any
	if f.ProgramID != "" {
		clauses = append(clauses, "program_id=?")
		args = append(args, f.ProgramID)
	}
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, f.Status)
	}
	if f.Parent != "" {
		clauses = append(clauses, "parent_id=?")
		args = append(args, f.Parent)
	}
	if f.CursorCreatedAt != "" && f.CursorID != "" {
		clauses = append(clauses, "(created_at < ? OR (created_at = ? AND id < ?))")
		args = append(args, f.CursorCreatedAt, f.CursorCreatedAt, f.CursorID)
	}
	query := `SELECT ` + storyColumns + ` FROM stories WHERE ` + strings.Join(clauses, " AND ") + ` ORDER BY created_at DESC, id DESC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Story
	for rows.Next() {
		s, err := scanStory(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, s)
	}
	return res, rows.Err()
}

// UpdateStoryVersioned writes the story conditionally on the version the
// caller read, closing the read-then-write race. Returns ErrNotFound when
// the row does not exist and errConflict=true when it exists but the
// version moved underneath the caller.
func (r Repo) UpdateStoryVersioned(ctx context.Context, tx *sql.Tx, s domain.Story, expectedVersion int) (conflict bool, err error) {
	res, err := tx.ExecContext(ctx, `UPDATE stories SET parent_id=?, title=?, description=?, status=?, version=?, priority=?,
drafted_at=?, internal_review_at=?, client_review_at=?, needs_discussion_at=?, approved_at=?, approved_by=?,
deleted_at=?, deleted_by=?, updated_at=?
WHERE id=? AND version=?`,
		nullableStringPtr(s.ParentID), s.Title, nullable(s.Description), s.Status, s.Version, nullableIntPtr(s.Priority),
		nullableStringPtr(s.DraftedAt), nullableStringPtr(s.InternalReviewAt), nullableStringPtr(s.ClientReviewAt), nullableStringPtr(s.NeedsDiscussionAt),
		nullableStringPtr(s.ApprovedAt), nullableStringPtr(s.ApprovedBy),
		nullableStringPtr(s.DeletedAt), nullableStringPtr(s.DeletedBy), s.UpdatedAt,
		s.ID, expectedVersion)
	if err != nil {
		return false, err
	}
	affected, _ := res.RowsAffected()
	if affected > 0 {
		return false, nil
	}
	var exists int
	err = tx.QueryRowContext(ctx, `SELECT 1 FROM stories WHERE id=?`, s.ID).Scan(&exists)
	if err == sql.ErrNoRows {
		return false, ErrNotFound
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (r Repo) AddRelatedStories(ctx context.Context, tx *sql.Tx, storyID string, related []string) error {
	for _, rel := range related {
		if rel == storyID {
			continue
		}
		// Symmetric pairs: both directions inserted so either side lists the other.
		if _, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO story_relations(story_id, related_id) VALUES (?,?)`, storyID, rel); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO story_relations(story_id, related_id) VALUES (?,?)`, rel, storyID); err != nil {
			return err
		}
	}
	return nil
}

func (r Repo) RemoveRelatedStories(ctx context.Context, tx *sql.Tx, storyID string, related []string) error {
	for _, rel := range related {
		if _, err := tx.ExecContext(ctx, `DELETE FROM story_relations WHERE (story_id=? AND related_id=?) OR (story_id=? AND related_id=?)`,
			storyID, rel, rel, storyID); err != nil {
			return err
		}
	}
	return nil
}

func (r Repo) ListRelatedStories(ctx context.Context, storyID string) ([]string, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT related_id FROM story_relations WHERE story_id=? ORDER BY related_id`, storyID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (r Repo) ListChildStories(ctx context.Context, storyID string) ([]string, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id FROM stories WHERE parent_id=? AND deleted_at IS NULL`, storyID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (r Repo) InsertStoryVersion(ctx context.Context, v domain.StoryVersion) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO story_versions(story_id,version_number,title,description,status,notes,created_by,created_at)
VALUES (?,?,?,?,?,?,?,?)`,
		v.StoryID, v.VersionNumber, v.Title, nullable(v.Description), v.Status, nullable(v.Notes), v.CreatedBy, v.CreatedAt)
	return err
}

func (r Repo) InsertStoryVersionTx(ctx context.Context, tx *sql.Tx, v domain.StoryVersion) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO story_versions(story_id,version_number,title,description,status,notes,created_by,created_at)
VALUES (?,?,?,?,?,?,?,?)`,
		v.StoryID, v.VersionNumber, v.Title, nullable(v.Description), v.Status, nullable(v.Notes), v.CreatedBy, v.CreatedAt)
	return err
}

func (r Repo) ListStoryVersions(ctx context.Context, storyID string) ([]domain.StoryVersion, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT story_id,version_number,title,COALESCE(description,''),status,COALESCE(notes,''),created_by,created_at
FROM story_versions WHERE story_id=? ORDER BY version_number DESC`, storyID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.StoryVersion
	for rows.Next() {
		var v domain.StoryVersion
		if err := rows.Scan(&v.StoryID, &v.VersionNumber, &v.Title, &v.Description, &v.Status, &v.Notes, &v.CreatedBy, &v.CreatedAt); err != nil {
			return nil, err
		}
		res = append(res, v)
	}
	return res, rows.Err()
}

func (r Repo) InsertStoryApproval(ctx context.Context, tx *sql.Tx, a domain.StoryApproval) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO story_approvals(id,story_id,approved_by,from_status,approval_type,notes,created_at)
VALUES (?,?,?,?,?,?,?)`,
		a.ID, a.StoryID, a.ApprovedBy, a.FromStatus, a.ApprovalType, nullable(a.Notes), a.CreatedAt)
	return err
}

func (r Repo) ListStoryApprovals(ctx context.Context, storyID string) ([]domain.StoryApproval, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,story_id,approved_by,from_status,approval_type,COALESCE(notes,''),created_at
FROM story_approvals WHERE story_id=? ORDER BY created_at DESC, id DESC`, storyID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.StoryApproval
	for rows.Next() {
		var a domain.StoryApproval
		if err := rows.Scan(&a.ID, &a.StoryID, &a.ApprovedBy, &a.FromStatus, &a.ApprovalType, &a.Notes, &a.CreatedAt); err != nil {
			return nil, err
		}
		res = append(res, a)
	}
	return res, rows.Err()
}

func (r Repo) CountStoriesByStatus(ctx context.Context, programID string) (map[string]int, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT status, count(*) FROM stories WHERE program_id=? AND deleted_at IS NULL GROUP BY status`, programID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := map[string]int{}
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, err
		}
		res[status] = count
	}
	return res, rows.Err()
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullableStringPtr(v *string) any {
	if v == nil {
		return nil
	}
	if *v == "" {
		return nil
	}
	return *v
}

func nullableIntPtr(v *int) any {
	if v == nil {
		return nil
	}
	return *v
}

func fromNull(v sql.NullString) *string {
	if !v.Valid {
		return nil
	}
	s := v.String
	return &s
}
