package repo

import (
	"context"
	"database/sql"
	"strings"

	"traceline/internal/domain"
)

func (r Repo) InsertTestCase(ctx context.Context, tc domain.TestCase) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO test_cases(id,program_id,story_id,title,steps_json,created_by,created_at)
VALUES (?,?,?,?,?,?,?)`,
		tc.ID, tc.ProgramID, nullableStringPtr(tc.StoryID), tc.Title, nullableStringPtr(tc.StepsJSON), tc.CreatedBy, tc.CreatedAt)
	return err
}

func (r Repo) InsertTestCaseTx(ctx context.Context, tx *sql.Tx, tc domain.TestCase) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO test_cases(id,program_id,story_id,title,steps_json,created_by,created_at)
VALUES (?,?,?,?,?,?,?)`,
		tc.ID, tc.ProgramID, nullableStringPtr(tc.StoryID), tc.Title, nullableStringPtr(tc.StepsJSON), tc.CreatedBy, tc.CreatedAt)
	return err
}

func (r Repo) GetTestCase(ctx context.Context, id string) (domain.TestCase, error) {
	var tc domain.TestCase
	var storyID, steps sql.NullString
	err := r.DB.QueryRowContext(ctx, `SELECT id,program_id,story_id,title,steps_json,created_by,created_at FROM test_cases WHERE id=?`, id).
		Scan(&tc.ID, &tc.ProgramID, &storyID, &tc.Title, &steps, &tc.CreatedBy, &tc.CreatedAt)
	if err == sql.ErrNoRows {
		return tc, ErrNotFound
	}
	if err != nil {
		return tc, err
	}
	tc.StoryID = fromNull(storyID)
	tc.StepsJSON = fromNull(steps)
	return tc, nil
}

func (r Repo) ListTestCases(ctx context.Context, programID, storyID string) ([]domain.TestCase, error) {
	clauses := []string{"program_id=?"}
	args := []any{programID}
	if storyID != "" {
		clauses = append(clauses, "story_id=?")
		args = append(args, storyID)
	}
	rows, err := r.DB.QueryContext(ctx, `SELECT id,program_id,story_id,title,steps_json,created_by,created_at
FROM test_cases WHERE `+strings.Join(clauses, " AND ")+` ORDER BY created_at DESC, id DESC`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.TestCase
	for rows.Next() {
		var tc domain.TestCase
		var sid, steps sql.NullString
		if err := rows.Scan(&tc.ID, &tc.ProgramID, &sid, &tc.Title, &steps, &tc.CreatedBy, &tc.CreatedAt); err != nil {
			return nil, err
		}
		tc.StoryID = fromNull(sid)
		tc.StepsJSON = fromNull(steps)
		res = append(res, tc)
	}
	return res, rows.Err()
}

func (r Repo) InsertCycle(ctx context.Context, c domain.UATCycle) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO uat_cycles(id,program_id,name,distribution_method,cross_validation_enabled,cross_validation_percentage,validators_per_test,locked_at,created_at)
VALUES (?,?,?,?,?,?,?,?,?)`,
		c.ID, c.ProgramID, c.Name, c.DistributionMethod, boolInt(c.CrossValidationEnabled), c.CrossValidationPercentage, c.ValidatorsPerTest,
		nullableStringPtr(c.LockedAt), c.CreatedAt)
	return err
}

func (r Repo) GetCycle(ctx context.Context, id string) (domain.UATCycle, error) {
	return scanCycle(r.DB.QueryRowContext(ctx, `SELECT id,program_id,name,distribution_method,cross_validation_enabled,cross_validation_percentage,validators_per_test,locked_at,created_at
FROM uat_cycles WHERE id=?`, id))
}

func (r Repo) GetCycleTx(ctx context.Context, tx *sql.Tx, id string) (domain.UATCycle, error) {
	return scanCycle(tx.QueryRowContext(ctx, `SELECT id,program_id,name,distribution_method,cross_validation_enabled,cross_validation_percentage,validators_per_test,locked_at,created_at
FROM uat_cycles WHERE id=?`, id))
}

func scanCycle(row rowScanner) (domain.UATCycle, error) {
	var c domain.UATCycle
	var cvEnabled int
	var lockedAt sql.NullString
	err := row.Scan(&c.ID, &c.ProgramID, &c.Name, &c.DistributionMethod, &cvEnabled, &c.CrossValidationPercentage, &c.ValidatorsPerTest, &lockedAt, &c.CreatedAt)
	if err == sql.ErrNoRows {
		return c, ErrNotFound
	}
	if err != nil {
		return c, err
	}
	c.CrossValidationEnabled = cvEnabled != 0
	c.LockedAt = fromNull(lockedAt)
	return c, nil
}

func (r Repo) ListCycles(ctx context.Context, programID string) ([]domain.UATCycle, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,program_id,name,distribution_method,cross_validation_enabled,cross_validation_percentage,validators_per_test,locked_at,created_at
FROM uat_cycles WHERE program_id=? ORDER BY created_at DESC, id DESC`, programID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.UATCycle
	for rows.Next() {
		c, err := scanCycle(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, c)
	}
	return res, rows.Err()
}

// LockCycle marks a cycle as having executed its assignment plan. Returns
// false when the cycle was already locked, so the engine can reject a
// second execute without a read-then-write race.
func (r Repo) LockCycle(ctx context.Context, tx *sql.Tx, cycleID, ts string) (bool, error) {
	res, err := tx.ExecContext(ctx, `UPDATE uat_cycles SET locked_at=? WHERE id=? AND locked_at IS NULL`, ts, cycleID)
	if err != nil {
		return false, err
	}
	affected, _ := res.RowsAffected()
	return affected > 0, nil
}

func (r Repo) UpsertCycleTester(ctx context.Context, t domain.CycleTester) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO cycle_testers(cycle_id,user_id,capacity_weight,is_active,added_at)
VALUES (?,?,?,?,?)
ON CONFLICT(cycle_id,user_id) DO UPDATE SET capacity_weight=excluded.capacity_weight, is_active=excluded.is_active`,
		t.CycleID, t.UserID, t.CapacityWeight, boolInt(t.IsActive), t.AddedAt)
	return err
}

func (r Repo) ListCycleTesters(ctx context.Context, cycleID string, activeOnly bool) ([]domain.CycleTester, error) {
	query := `SELECT cycle_id,user_id,capacity_weight,is_active,added_at FROM cycle_testers WHERE cycle_id=?`
	if activeOnly {
		query += ` AND is_active=1`
	}
	query += ` ORDER BY user_id`
	rows, err := r.DB.QueryContext(ctx, query, cycleID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.CycleTester
	for rows.Next() {
		var t domain.CycleTester
		var active int
		if err := rows.Scan(&t.CycleID, &t.UserID, &t.CapacityWeight, &active, &t.AddedAt); err != nil {
			return nil, err
		}
		t.IsActive = active != 0
		res = append(res, t)
	}
	return res, rows.Err()
}

func (r Repo) InsertGroup(ctx context.Context, tx *sql.Tx, g domain.CrossValidationGroup) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO cross_validation_groups(id,cycle_id,test_case_id,created_at) VALUES (?,?,?,?)`,
		g.ID, g.CycleID, g.TestCaseID, g.CreatedAt)
	return err
}

func (r Repo) GetGroup(ctx context.Context, id string) (domain.CrossValidationGroup, error) {
	var g domain.CrossValidationGroup
	err := r.DB.QueryRowContext(ctx, `SELECT id,cycle_id,test_case_id,created_at FROM cross_validation_groups WHERE id=?`, id).
		Scan(&g.ID, &g.CycleID, &g.TestCaseID, &g.CreatedAt)
	if err == sql.ErrNoRows {
		return g, ErrNotFound
	}
	return g, err
}

func (r Repo) InsertExecution(ctx context.Context, tx *sql.Tx, e domain.TestExecution) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO test_executions(id,cycle_id,test_case_id,tester_id,status,step_results_json,notes,group_id,verified_by,assigned_at,updated_at)
VALUES (?,?,?,?,?,?,?,?,?,?,?)`,
		e.ID, e.CycleID, e.TestCaseID, e.TesterID, e.Status, nullableStringPtr(e.StepResultsJSON), nullable(e.Notes),
		nullableStringPtr(e.GroupID), nullableStringPtr(e.VerifiedBy), e.AssignedAt, e.UpdatedAt)
	return err
}

func scanExecution(row rowScanner) (domain.TestExecution, error) {
	var e domain.TestExecution
	var stepResults, notes, groupID, verifiedBy sql.NullString
	err := row.Scan(&e.ID, &e.CycleID, &e.TestCaseID, &e.TesterID, &e.Status, &stepResults, &notes, &groupID, &verifiedBy, &e.AssignedAt, &e.UpdatedAt)
	if err == sql.ErrNoRows {
		return e, ErrNotFound
	}
	if err != nil {
		return e, err
	}
	e.StepResultsJSON = fromNull(stepResults)
	if notes.Valid {
		e.Notes = notes.String
	}
	e.GroupID = fromNull(groupID)
	e.VerifiedBy = fromNull(verifiedBy)
	return e, nil
}

const executionColumns = `id,cycle_id,test_case_id,tester_id,status,step_results_json,notes,group_id,verified_by,assigned_at,updated_at`

func (r Repo) GetExecution(ctx context.Context, id string) (domain.TestExecution, error) {
	return scanExecution(r.DB.QueryRowContext(ctx, `SELECT `+executionColumns+` FROM test_executions WHERE id=?`, id))
}

func (r Repo) GetExecutionTx(ctx context.Context, tx *sql.Tx, id string) (domain.TestExecution, error) {
	return scanExecution(tx.QueryRowContext(ctx, `SELECT `+executionColumns+` FROM test_executions WHERE id=?`, id))
}

type ExecutionFilters struct {
	CycleID  string
	TesterID string
	Status   string
	GroupID  string
}

func (r Repo) ListExecutions(ctx context.Context, f ExecutionFilters) ([]domain.TestExecution, error) {
	var clauses []string
	var args []any
	if f.CycleID != "" {
		clauses = append(clauses, "cycle_id=?")
		args = append(args, f.CycleID)
	}
	if f.TesterID != "" {
		clauses = append(clauses, "tester_id=?")
		args = append(args, f.TesterID)
	}
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, f.Status)
	}
	if f.GroupID != "" {
		clauses = append(clauses, "group_id=?")
		args = append(args, f.GroupID)
	}
	query := `SELECT ` + executionColumns + ` FROM test_executions`
	if len(clauses) > 0 {
		query += ` WHERE ` + strings.Join(clauses, " AND ")
	}
	query += ` ORDER BY assigned_at, id`
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.TestExecution
	for rows.Next() {
		e, err := scanExecution(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

func (r Repo) UpdateExecution(ctx context.Context, tx *sql.Tx, e domain.TestExecution) error {
	_, err := tx.ExecContext(ctx, `UPDATE test_executions SET status=?, step_results_json=?, notes=?, verified_by=?, updated_at=? WHERE id=?`,
		e.Status, nullableStringPtr(e.StepResultsJSON), nullable(e.Notes), nullableStringPtr(e.VerifiedBy), e.UpdatedAt, e.ID)
	return err
}

// GroupExecutionStatuses returns the status of every execution in a
// cross-validation group, ordered by tester for determinism.
func (r Repo) GroupExecutionStatuses(ctx context.Context, groupID string) ([]string, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT status FROM test_executions WHERE group_id=? ORDER BY tester_id`, groupID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []string
	for rows.Next() {
		var s string
		if err := rows.Scan(&s); err != nil {
			return nil, err
		}
		res = append(res, s)
	}
	return res, rows.Err()
}

func (r Repo) InsertAssignment(ctx context.Context, tx *sql.Tx, a domain.CycleAssignment) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO cycle_assignments(id,cycle_id,execution_id,test_case_id,tester_id,kind,created_at)
VALUES (?,?,?,?,?,?,?)`,
		a.ID, a.CycleID, a.ExecutionID, a.TestCaseID, a.TesterID, a.Kind, a.CreatedAt)
	return err
}

func (r Repo) ListAssignments(ctx context.Context, cycleID string) ([]domain.CycleAssignment, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,cycle_id,execution_id,test_case_id,tester_id,kind,created_at
FROM cycle_assignments WHERE cycle_id=? ORDER BY test_case_id, kind, tester_id`, cycleID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.CycleAssignment
	for rows.Next() {
		var a domain.CycleAssignment
		if err := rows.Scan(&a.ID, &a.CycleID, &a.ExecutionID, &a.TestCaseID, &a.TesterID, &a.Kind, &a.CreatedAt); err != nil {
			return nil, err
		}
		res = append(res, a)
	}
	return res, rows.Err()
}

func (r Repo) InsertDefect(ctx context.Context, tx *sql.Tx, d domain.Defect) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO defects(id,program_id,execution_id,test_case_id,title,description,severity,status,created_by,created_at,updated_at)
VALUES (?,?,?,?,?,?,?,?,?,?,?)`,
		d.ID, d.ProgramID, nullableStringPtr(d.ExecutionID), nullableStringPtr(d.TestCaseID), d.Title, nullable(d.Description),
		d.Severity, d.Status, d.CreatedBy, d.CreatedAt, d.UpdatedAt)
	return err
}

func scanDefect(row rowScanner) (domain.Defect, error) {
	var d domain.Defect
	var executionID, testCaseID, description sql.NullString
	err := row.Scan(&d.ID, &d.ProgramID, &executionID, &testCaseID, &d.Title, &description, &d.Severity, &d.Status, &d.CreatedBy, &d.CreatedAt, &d.UpdatedAt)
	if err == sql.ErrNoRows {
		return d, ErrNotFound
	}
	if err != nil {
		return d, err
	}
	d.ExecutionID = fromNull(executionID)
	d.TestCaseID = fromNull(testCaseID)
	if description.Valid {
		d.Description = description.String
	}
	return d, nil
}

const defectColumns = `id,program_id,execution_id,test_case_id,title,description,severity,status,created_by,created_at,updated_at`

func (r Repo) GetDefect(ctx context.Context, id string) (domain.Defect, error) {
	return scanDefect(r.DB.QueryRowContext(ctx, `SELECT `+defectColumns+` FROM defects WHERE id=?`, id))
}

func (r Repo) GetDefectTx(ctx context.Context, tx *sql.Tx, id string) (domain.Defect, error) {
	return scanDefect(tx.QueryRowContext(ctx, `SELECT `+defectColumns+` FROM defects WHERE id=?`, id))
}

func (r Repo) ListDefects(ctx context.Context, programID, status string) ([]domain.Defect, error) {
	clauses := []string{"program_id=?"}
	args := []any{programID}
	if status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, status)
	}
	rows, err := r.DB.QueryContext(ctx, `SELECT `+defectColumns+` FROM defects WHERE `+strings.Join(clauses, " AND ")+` ORDER BY created_at DESC, id DESC`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Defect
	for rows.Next() {
		d, err := scanDefect(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, d)
	}
	return res, rows.Err()
}

func (r Repo) UpdateDefect(ctx context.Context, tx *sql.Tx, d domain.Defect) error {
	_, err := tx.ExecContext(ctx, `UPDATE defects SET title=?, description=?, severity=?, status=?, updated_at=? WHERE id=?`,
		d.Title, nullable(d.Description), d.Severity, d.Status, d.UpdatedAt, d.ID)
	return err
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
