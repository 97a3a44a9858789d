package engine_test

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"traceline/internal/config"
	"traceline/internal/db"
	"traceline/internal/engine"
	"traceline/internal/migrate"
	"traceline/internal/repo"
	"traceline/internal/workflow"
)

type testEnv struct {
	Engine engine.Engine
	Ctx    context.Context
}

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	dir := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: dir})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	cfg := config.Default("prog-1")
	eng := engine.New(conn, cfg)
	eng.Now = func() time.Time { return time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC) }
	n := 0
	eng.Suffix = func() string { n++; return fmt.Sprintf("%04x", n) }
	// Post-commit side effects run on goroutines; keep them out of tests.
	eng.Notifier = nil
	eng.Generator = nil
	ctx := context.Background()
	if _, err := eng.InitProgram(ctx, "prog-1", "test program", "ana"); err != nil {
		t.Fatalf("init program: %v", err)
	}
	return testEnv{Engine: eng, Ctx: ctx}
}

func createDraft(t *testing.T, env testEnv, title string) string {
	t.Helper()
	s, err := env.Engine.CreateStory(env.Ctx, engine.StoryCreateOptions{
		ProgramID: "prog-1",
		Title:     title,
		ActorID:   "ana",
	})
	if err != nil {
		t.Fatalf("create story: %v", err)
	}
	return s.ID
}

func TestStoryIDFormat(t *testing.T) {
	env := newTestEnv(t)
	id := createDraft(t, env, "ID format")
	if !strings.HasPrefix(id, "HRS-20240101-") {
		t.Fatalf("unexpected id %s", id)
	}
	parts := strings.Split(id, "-")
	if len(parts) != 3 || len(parts[2]) != 4 {
		t.Fatalf("unexpected id shape %s", id)
	}
}

func TestStoryLifecycleHappyPath(t *testing.T) {
	env := newTestEnv(t)
	id := createDraft(t, env, "Full approval path")

	steps := []struct {
		to   string
		role string
	}{
		{workflow.StoryInternalReview, workflow.RoleBusinessAnalyst},
		{workflow.StoryClientReview, workflow.RoleClinicalSME},
		{workflow.StoryApproved, workflow.RoleStakeholder},
		{workflow.StoryInDevelopment, workflow.RoleBusinessAnalyst},
		{workflow.StoryInUAT, workflow.RoleDeveloper},
		{workflow.StoryComplete, workflow.RoleBusinessAnalyst},
	}
	for _, step := range steps {
		s, err := env.Engine.TransitionStory(env.Ctx, id, step.to, "", "actor-1", step.role)
		if err != nil {
			t.Fatalf("to %s: %v", step.to, err)
		}
		if s.Status != step.to {
			t.Fatalf("expected %s got %s", step.to, s.Status)
		}
	}

	s, err := env.Engine.GetStory(env.Ctx, id)
	if err != nil {
		t.Fatal(err)
	}
	if s.ApprovedAt == nil || s.ApprovedBy == nil {
		t.Fatalf("approved stamp missing")
	}
	if s.InternalReviewAt == nil || s.ClientReviewAt == nil {
		t.Fatalf("status dates missing")
	}
	if s.Version != 7 {
		t.Fatalf("expected version 7 got %d", s.Version)
	}
	// internal_review, stakeholder and portfolio approvals recorded
	approvals, err := env.Engine.Repo.ListStoryApprovals(env.Ctx, id)
	if err != nil {
		t.Fatal(err)
	}
	if len(approvals) != 3 {
		t.Fatalf("expected 3 approvals got %d", len(approvals))
	}
}

func TestTransitionRejections(t *testing.T) {
	env := newTestEnv(t)
	id := createDraft(t, env, "Rejections")

	// skipping straight to approved is not a declared transition
	_, err := env.Engine.TransitionStory(env.Ctx, id, workflow.StoryApproved, "", "a", workflow.RoleAdmin)
	var rej engine.RejectionError
	if !errors.As(err, &rej) || rej.Code != engine.CodeInvalidTransition {
		t.Fatalf("expected invalid_transition, got %v", err)
	}

	// developer cannot submit for internal review
	_, err = env.Engine.TransitionStory(env.Ctx, id, workflow.StoryInternalReview, "", "a", workflow.RoleDeveloper)
	if !errors.As(err, &rej) || rej.Code != engine.CodeRoleDenied {
		t.Fatalf("expected role_denied, got %v", err)
	}

	if _, err := env.Engine.TransitionStory(env.Ctx, id, workflow.StoryInternalReview, "", "a", workflow.RoleBusinessAnalyst); err != nil {
		t.Fatal(err)
	}
	// flagging for discussion without notes
	_, err = env.Engine.TransitionStory(env.Ctx, id, workflow.StoryNeedsDiscussion, "", "a", workflow.RoleBusinessAnalyst)
	if !errors.As(err, &rej) || rej.Code != engine.CodeNotesRequired {
		t.Fatalf("expected notes_required, got %v", err)
	}
	// with notes it lands and snapshots a version
	s, err := env.Engine.TransitionStory(env.Ctx, id, workflow.StoryNeedsDiscussion, "needs clinical input", "a", workflow.RoleBusinessAnalyst)
	if err != nil {
		t.Fatal(err)
	}
	versions, err := env.Engine.Repo.ListStoryVersions(env.Ctx, id)
	if err != nil {
		t.Fatal(err)
	}
	if len(versions) < 2 || versions[0].VersionNumber != s.Version || versions[0].Notes == "" {
		t.Fatalf("expected notes snapshot at version %d, got %+v", s.Version, versions)
	}
}

func TestVersionConflictOnStaleWrite(t *testing.T) {
	env := newTestEnv(t)
	id := createDraft(t, env, "CAS")
	s, err := env.Engine.GetStory(env.Ctx, id)
	if err != nil {
		t.Fatal(err)
	}
	// move the row underneath the stale copy
	if _, err := env.Engine.UpdateStory(env.Ctx, engine.StoryUpdateOptions{ID: id, Description: strPtr("changed"), ActorID: "a"}); err != nil {
		t.Fatal(err)
	}
	tx, err := env.Engine.DB.BeginTx(env.Ctx, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer tx.Rollback()
	stale := s
	stale.Title = "stale write"
	stale.Version = s.Version + 1
	conflict, err := env.Engine.Repo.UpdateStoryVersioned(env.Ctx, tx, stale, s.Version)
	if err != nil {
		t.Fatal(err)
	}
	if !conflict {
		t.Fatalf("expected conflict on stale version")
	}
}

func TestSoftDeleteRules(t *testing.T) {
	env := newTestEnv(t)
	id := createDraft(t, env, "Deletable")

	if _, err := env.Engine.SoftDeleteStory(env.Ctx, id, "a", workflow.RoleBusinessAnalyst, "nope"); err == nil {
		t.Fatalf("expected non-admin rejection")
	}

	protected := createDraft(t, env, "Protected")
	_, _ = env.Engine.TransitionStory(env.Ctx, protected, workflow.StoryInternalReview, "", "a", workflow.RoleAdmin)
	_, _ = env.Engine.TransitionStory(env.Ctx, protected, workflow.StoryClientReview, "", "a", workflow.RoleAdmin)
	if _, err := env.Engine.TransitionStory(env.Ctx, protected, workflow.StoryApproved, "", "a", workflow.RoleAdmin); err != nil {
		t.Fatal(err)
	}
	var rej engine.RejectionError
	_, err := env.Engine.SoftDeleteStory(env.Ctx, protected, "a", workflow.RoleAdmin, "cleanup")
	if !errors.As(err, &rej) || rej.Code != engine.CodeProtectedStatus {
		t.Fatalf("expected protected_status, got %v", err)
	}

	if _, err := env.Engine.SoftDeleteStory(env.Ctx, id, "a", workflow.RoleAdmin, "duplicate"); err != nil {
		t.Fatalf("delete draft: %v", err)
	}
	_, err = env.Engine.SoftDeleteStory(env.Ctx, id, "a", workflow.RoleAdmin, "again")
	if !errors.As(err, &rej) || rej.Code != engine.CodeAlreadyDeleted {
		t.Fatalf("expected already_deleted, got %v", err)
	}
	// deleted stories leave the active views
	if _, err := env.Engine.GetStory(env.Ctx, id); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	list, err := env.Engine.ListStories(env.Ctx, repo.StoryFilters{ProgramID: "prog-1"})
	if err != nil {
		t.Fatal(err)
	}
	for _, s := range list {
		if s.ID == id {
			t.Fatalf("deleted story still listed")
		}
	}
	// the audit row written before the mutation survives
	var count int
	row := env.Engine.DB.QueryRowContext(env.Ctx, `SELECT count(*) FROM events WHERE type='story.delete.requested' AND entity_id=?`, id)
	if err := row.Scan(&count); err != nil || count == 0 {
		t.Fatalf("expected pre-delete audit row, count=%d err=%v", count, err)
	}
}

func TestEditLocks(t *testing.T) {
	env := newTestEnv(t)
	id := createDraft(t, env, "Locked")

	info, err := env.Engine.AcquireLock(env.Ctx, id, "ana")
	if err != nil || !info.IsLocked || *info.Holder != "ana" {
		t.Fatalf("acquire: %+v %v", info, err)
	}
	// same holder refreshes
	if _, err := env.Engine.AcquireLock(env.Ctx, id, "ana"); err != nil {
		t.Fatalf("refresh: %v", err)
	}
	// another actor is refused with holder detail
	_, err = env.Engine.AcquireLock(env.Ctx, id, "ben")
	var held engine.LockHeldError
	if !errors.As(err, &held) || held.Holder != "ana" {
		t.Fatalf("expected LockHeldError for ana, got %v", err)
	}
	// release is idempotent and holder-scoped
	if err := env.Engine.ReleaseLock(env.Ctx, id, "ben"); err != nil {
		t.Fatalf("foreign release should no-op: %v", err)
	}
	if got, _ := env.Engine.InspectLock(env.Ctx, id); !got.IsLocked {
		t.Fatalf("foreign release must not clear the lock")
	}
	if err := env.Engine.ReleaseLock(env.Ctx, id, "ana"); err != nil {
		t.Fatal(err)
	}
	if err := env.Engine.ReleaseLock(env.Ctx, id, "ana"); err != nil {
		t.Fatalf("second release: %v", err)
	}
	if got, _ := env.Engine.InspectLock(env.Ctx, id); got.IsLocked {
		t.Fatalf("expected unlocked")
	}
}

func TestExpiredLockReclaimed(t *testing.T) {
	env := newTestEnv(t)
	id := createDraft(t, env, "Stale lock")
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	if _, err := env.Engine.AcquireLock(env.Ctx, id, "ana"); err != nil {
		t.Fatal(err)
	}
	// default TTL is 15 minutes; jump past it
	env.Engine.Now = func() time.Time { return base.Add(16 * time.Minute) }
	if got, _ := env.Engine.InspectLock(env.Ctx, id); got.IsLocked {
		t.Fatalf("expired lock should report unlocked")
	}
	info, err := env.Engine.AcquireLock(env.Ctx, id, "ben")
	if err != nil || *info.Holder != "ben" {
		t.Fatalf("expected silent reclaim by ben: %+v %v", info, err)
	}
}

func TestWeightedDistributionExecute(t *testing.T) {
	env := newTestEnv(t)
	for i := 0; i < 10; i++ {
		if _, err := env.Engine.CreateTestCase(env.Ctx, engine.TestCaseCreateOptions{
			ProgramID: "prog-1",
			Title:     fmt.Sprintf("tc %02d", i),
			ActorID:   "ana",
		}); err != nil {
			t.Fatal(err)
		}
	}
	c, err := env.Engine.CreateCycle(env.Ctx, engine.CycleCreateOptions{
		ProgramID:          "prog-1",
		Name:               "Cycle 1",
		DistributionMethod: "weighted",
		ActorID:            "ana",
	})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.AddCycleTester(env.Ctx, c.ID, "alice", 100, true, "ana"); err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.AddCycleTester(env.Ctx, c.ID, "bob", 50, true, "ana"); err != nil {
		t.Fatal(err)
	}

	preview, err := env.Engine.PreviewAssignments(env.Ctx, c.ID)
	if err != nil {
		t.Fatal(err)
	}
	plan, err := env.Engine.ExecuteAssignments(env.Ctx, c.ID, "ana")
	if err != nil {
		t.Fatal(err)
	}
	if len(preview.Assignments) != len(plan.Assignments) {
		t.Fatalf("preview/execute drift: %d vs %d", len(preview.Assignments), len(plan.Assignments))
	}
	counts := map[string]int{}
	for _, a := range plan.Assignments {
		counts[a.TesterID]++
	}
	if counts["alice"] != 7 || counts["bob"] != 3 {
		t.Fatalf("expected 7/3 split, got %v", counts)
	}
	execs, err := env.Engine.Repo.ListExecutions(env.Ctx, repo.ExecutionFilters{CycleID: c.ID})
	if err != nil {
		t.Fatal(err)
	}
	if len(execs) != 10 {
		t.Fatalf("expected 10 executions got %d", len(execs))
	}

	// locked cycle rejects re-execution and tester mutation
	if _, err := env.Engine.ExecuteAssignments(env.Ctx, c.ID, "ana"); !errors.Is(err, engine.ErrCycleLocked) {
		t.Fatalf("expected ErrCycleLocked, got %v", err)
	}
	if _, err := env.Engine.AddCycleTester(env.Ctx, c.ID, "carol", 100, true, "ana"); !errors.Is(err, engine.ErrCycleLocked) {
		t.Fatalf("expected ErrCycleLocked, got %v", err)
	}
}

func TestCrossValidationGroupsAndAgreement(t *testing.T) {
	env := newTestEnv(t)
	for i := 0; i < 10; i++ {
		if _, err := env.Engine.CreateTestCase(env.Ctx, engine.TestCaseCreateOptions{
			ProgramID: "prog-1",
			Title:     fmt.Sprintf("tc %02d", i),
			ActorID:   "ana",
		}); err != nil {
			t.Fatal(err)
		}
	}
	c, err := env.Engine.CreateCycle(env.Ctx, engine.CycleCreateOptions{
		ProgramID:                 "prog-1",
		Name:                      "CV cycle",
		DistributionMethod:        "equal",
		CrossValidationEnabled:    true,
		CrossValidationPercentage: intPtr(20),
		ValidatorsPerTest:         2,
		ActorID:                   "ana",
	})
	if err != nil {
		t.Fatal(err)
	}
	for _, tester := range []string{"alice", "bob", "carol"} {
		if _, err := env.Engine.AddCycleTester(env.Ctx, c.ID, tester, 100, true, "ana"); err != nil {
			t.Fatal(err)
		}
	}
	plan, err := env.Engine.ExecuteAssignments(env.Ctx, c.ID, "ana")
	if err != nil {
		t.Fatal(err)
	}
	// 20% of 10 = 2 cross-validated tests, 2 validators each
	if plan.Summary.CrossValidationTests != 2 || len(plan.Groups) != 2 {
		t.Fatalf("expected 2 CV groups, got %+v", plan.Summary)
	}
	if len(plan.Assignments) != 8+2*2 {
		t.Fatalf("expected 12 assignments got %d", len(plan.Assignments))
	}

	execs, err := env.Engine.Repo.ListExecutions(env.Ctx, repo.ExecutionFilters{CycleID: c.ID})
	if err != nil {
		t.Fatal(err)
	}
	var groupID string
	var members []string
	for _, ex := range execs {
		if ex.GroupID != nil {
			groupID = *ex.GroupID
			break
		}
	}
	if groupID == "" {
		t.Fatalf("no grouped executions")
	}
	for _, ex := range execs {
		if ex.GroupID != nil && *ex.GroupID == groupID {
			members = append(members, ex.ID)
		}
	}
	if len(members) != 2 {
		t.Fatalf("expected 2 group members got %d", len(members))
	}

	res, err := env.Engine.GroupAgreement(env.Ctx, groupID)
	if err != nil {
		t.Fatal(err)
	}
	if res.Agreement != "pending" {
		t.Fatalf("expected pending before results, got %s", res.Agreement)
	}

	// first member passes, second fails: disagreement
	mustTransition(t, env, members[0], workflow.ExecInProgress, "", workflow.RoleTester)
	mustTransition(t, env, members[0], workflow.ExecPassed, "", workflow.RoleTester)
	mustTransition(t, env, members[1], workflow.ExecInProgress, "", workflow.RoleTester)

	res, _ = env.Engine.GroupAgreement(env.Ctx, groupID)
	if res.Agreement != "pending" {
		t.Fatalf("expected pending with one result, got %s", res.Agreement)
	}

	mustTransition(t, env, members[1], workflow.ExecFailed, "step 3 mismatch", workflow.RoleTester)
	res, _ = env.Engine.GroupAgreement(env.Ctx, groupID)
	if res.Agreement != "disagree" {
		t.Fatalf("expected disagree, got %s", res.Agreement)
	}

	// verification normalizes to passed: still a disagreement
	mustTransition(t, env, members[0], workflow.ExecVerified, "", workflow.RoleVerifier)
	res, _ = env.Engine.GroupAgreement(env.Ctx, groupID)
	if res.Agreement != "disagree" {
		t.Fatalf("expected disagree after verification, got %s", res.Agreement)
	}
}

func TestCycleExplicitZeroPercentage(t *testing.T) {
	env := newTestEnv(t)

	// An explicit 0% must stick; only an absent percentage inherits the
	// config default (20 in the default config).
	c, err := env.Engine.CreateCycle(env.Ctx, engine.CycleCreateOptions{
		ProgramID:                 "prog-1",
		Name:                      "no replication",
		CrossValidationEnabled:    true,
		CrossValidationPercentage: intPtr(0),
		ValidatorsPerTest:         2,
		ActorID:                   "ana",
	})
	if err != nil {
		t.Fatal(err)
	}
	if c.CrossValidationPercentage != 0 {
		t.Fatalf("explicit 0%% became %d", c.CrossValidationPercentage)
	}

	inherited, err := env.Engine.CreateCycle(env.Ctx, engine.CycleCreateOptions{
		ProgramID:              "prog-1",
		Name:                   "defaulted",
		CrossValidationEnabled: true,
		ValidatorsPerTest:      2,
		ActorID:                "ana",
	})
	if err != nil {
		t.Fatal(err)
	}
	if inherited.CrossValidationPercentage != 20 {
		t.Fatalf("expected config default 20, got %d", inherited.CrossValidationPercentage)
	}
}

func TestExecutionVerifierGate(t *testing.T) {
	env := newTestEnv(t)
	if _, err := env.Engine.CreateTestCase(env.Ctx, engine.TestCaseCreateOptions{ProgramID: "prog-1", Title: "only", ActorID: "ana"}); err != nil {
		t.Fatal(err)
	}
	c, err := env.Engine.CreateCycle(env.Ctx, engine.CycleCreateOptions{ProgramID: "prog-1", Name: "single", ActorID: "ana"})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.AddCycleTester(env.Ctx, c.ID, "alice", 100, true, "ana"); err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.ExecuteAssignments(env.Ctx, c.ID, "ana"); err != nil {
		t.Fatal(err)
	}
	execs, err := env.Engine.Repo.ListExecutions(env.Ctx, repo.ExecutionFilters{CycleID: c.ID})
	if err != nil || len(execs) != 1 {
		t.Fatalf("expected 1 execution: %v", err)
	}
	id := execs[0].ID

	mustTransition(t, env, id, workflow.ExecInProgress, "", workflow.RoleTester)
	mustTransition(t, env, id, workflow.ExecPassed, "", workflow.RoleTester)

	// the tester who ran it cannot verify their own pass
	_, err = env.Engine.TransitionExecution(env.Ctx, engine.ExecutionUpdateOptions{
		ID: id, To: workflow.ExecVerified, ActorID: "alice", Role: workflow.RoleTester,
	})
	var rej engine.RejectionError
	if !errors.As(err, &rej) || rej.Code != engine.CodeRoleDenied {
		t.Fatalf("expected role_denied, got %v", err)
	}
	// even admin is excluded from verification
	_, err = env.Engine.TransitionExecution(env.Ctx, engine.ExecutionUpdateOptions{
		ID: id, To: workflow.ExecVerified, ActorID: "root", Role: workflow.RoleAdmin,
	})
	if !errors.As(err, &rej) || rej.Code != engine.CodeRoleDenied {
		t.Fatalf("expected role_denied for admin, got %v", err)
	}

	ex, err := env.Engine.TransitionExecution(env.Ctx, engine.ExecutionUpdateOptions{
		ID: id, To: workflow.ExecVerified, ActorID: "vera", Role: workflow.RoleVerifier,
	})
	if err != nil {
		t.Fatal(err)
	}
	if ex.VerifiedBy == nil || *ex.VerifiedBy != "vera" {
		t.Fatalf("verified_by not recorded: %+v", ex)
	}
	// terminal: nothing leaves verified
	_, err = env.Engine.TransitionExecution(env.Ctx, engine.ExecutionUpdateOptions{
		ID: id, To: workflow.ExecInProgress, ActorID: "root", Role: workflow.RoleAdmin,
	})
	if !errors.As(err, &rej) || rej.Code != engine.CodeInvalidTransition {
		t.Fatalf("expected invalid_transition, got %v", err)
	}
}

func TestDefectLifecycle(t *testing.T) {
	env := newTestEnv(t)
	d, err := env.Engine.CreateDefect(env.Ctx, engine.DefectCreateOptions{
		ProgramID: "prog-1",
		Title:     "Med list truncated",
		Severity:  "high",
		ActorID:   "vera",
	})
	if err != nil {
		t.Fatal(err)
	}
	if d.Status != workflow.DefectOpen {
		t.Fatalf("expected open got %s", d.Status)
	}

	steps := []struct {
		to, notes, role string
	}{
		{workflow.DefectConfirmed, "", workflow.RoleVerifier},
		{workflow.DefectInProgress, "", workflow.RoleDeveloper},
		{workflow.DefectFixed, "", workflow.RoleDeveloper},
		{workflow.DefectVerified, "", workflow.RoleVerifier},
		{workflow.DefectClosed, "", workflow.RoleBusinessAnalyst},
	}
	for _, step := range steps {
		if d, err = env.Engine.TransitionDefect(env.Ctx, d.ID, step.to, step.notes, "actor", step.role); err != nil {
			t.Fatalf("to %s: %v", step.to, err)
		}
	}
	// reopen is the only backward skip and demands notes
	var rej engine.RejectionError
	_, err = env.Engine.TransitionDefect(env.Ctx, d.ID, workflow.DefectOpen, "", "actor", workflow.RoleTester)
	if !errors.As(err, &rej) || rej.Code != engine.CodeNotesRequired {
		t.Fatalf("expected notes_required, got %v", err)
	}
	d, err = env.Engine.TransitionDefect(env.Ctx, d.ID, workflow.DefectOpen, "regressed in build 42", "actor", workflow.RoleTester)
	if err != nil || d.Status != workflow.DefectOpen {
		t.Fatalf("reopen: %v", err)
	}
}

func TestEventsAppendedOnMutations(t *testing.T) {
	env := newTestEnv(t)
	id := createDraft(t, env, "Evented")
	_, _ = env.Engine.TransitionStory(env.Ctx, id, workflow.StoryInternalReview, "", "a", workflow.RoleAdmin)
	rows, err := env.Engine.DB.QueryContext(env.Ctx, `SELECT type FROM events WHERE entity_id=?`, id)
	if err != nil {
		t.Fatal(err)
	}
	defer rows.Close()
	count := 0
	for rows.Next() {
		count++
	}
	if count < 2 {
		t.Fatalf("expected created+transitioned events, got %d", count)
	}
}

func mustTransition(t *testing.T, env testEnv, execID, to, notes, role string) {
	t.Helper()
	if _, err := env.Engine.TransitionExecution(env.Ctx, engine.ExecutionUpdateOptions{
		ID:      execID,
		To:      to,
		Notes:   notes,
		ActorID: "actor",
		Role:    role,
	}); err != nil {
		t.Fatalf("execution %s -> %s: %v", execID, to, err)
	}
}

func strPtr(s string) *string { return &s }

func intPtr(n int) *int { return &n }
