package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"traceline/internal/assign"
	"traceline/internal/domain"
	"traceline/internal/events"
	"traceline/internal/repo"
	"traceline/internal/workflow"
)

// TestCaseCreateOptions are parameters for authoring a UAT test case.
type TestCaseCreateOptions struct {
	ProgramID string
	StoryID   string
	Title     string
	StepsJSON string
	ActorID   string
}

func (e Engine) CreateTestCase(ctx context.Context, opts TestCaseCreateOptions) (domain.TestCase, error) {
	if opts.Title == "" {
		return domain.TestCase{}, errors.New("title is required")
	}
	if opts.ProgramID == "" {
		return domain.TestCase{}, errors.New("program is required")
	}
	if _, err := e.Repo.GetProgram(ctx, opts.ProgramID); err != nil {
		return domain.TestCase{}, err
	}
	if opts.StoryID != "" {
		s, err := e.Repo.GetActiveStory(ctx, opts.StoryID)
		if err != nil {
			return domain.TestCase{}, fmt.Errorf("story: %w", err)
		}
		if s.ProgramID != opts.ProgramID {
			return domain.TestCase{}, errors.New("story in different program")
		}
	}
	if opts.StepsJSON != "" {
		var tmp any
		if err := json.Unmarshal([]byte(opts.StepsJSON), &tmp); err != nil {
			return domain.TestCase{}, fmt.Errorf("steps JSON: %w", err)
		}
	}

	tc := domain.TestCase{
		ID:        uuid.New().String(),
		ProgramID: opts.ProgramID,
		StoryID:   optionalString(opts.StoryID),
		Title:     opts.Title,
		StepsJSON: optionalString(opts.StepsJSON),
		CreatedBy: opts.ActorID,
		CreatedAt: e.now().UTC().Format(time.RFC3339),
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return tc, err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertTestCaseTx(ctx, tx, tc); err != nil {
		return tc, err
	}
	if err := e.Events.Append(ctx, tx, "testcase.created", tc.ProgramID, "test_case", tc.ID, opts.ActorID, events.Payload{"title": tc.Title}); err != nil {
		return tc, err
	}
	if err := tx.Commit(); err != nil {
		return tc, err
	}
	return tc, nil
}

// CycleCreateOptions are parameters for opening a UAT cycle. Unset
// distribution settings inherit the program config defaults; the
// percentage is a pointer because an explicit 0 is valid and must not
// collapse into "unset".
type CycleCreateOptions struct {
	ProgramID                 string
	Name                      string
	DistributionMethod        string
	CrossValidationEnabled    bool
	CrossValidationPercentage *int
	ValidatorsPerTest         int
	ActorID                   string
}

func (e Engine) CreateCycle(ctx context.Context, opts CycleCreateOptions) (domain.UATCycle, error) {
	if opts.Name == "" {
		return domain.UATCycle{}, errors.New("name is required")
	}
	if opts.ProgramID == "" {
		return domain.UATCycle{}, errors.New("program is required")
	}
	if _, err := e.Repo.GetProgram(ctx, opts.ProgramID); err != nil {
		return domain.UATCycle{}, err
	}
	if opts.DistributionMethod == "" && e.Config != nil {
		opts.DistributionMethod = e.Config.Assignment.DistributionMethod
	}
	if opts.DistributionMethod == "" {
		opts.DistributionMethod = assign.MethodWeighted
	}
	switch opts.DistributionMethod {
	case assign.MethodEqual, assign.MethodWeighted:
	default:
		return domain.UATCycle{}, fmt.Errorf("unknown distribution method %q", opts.DistributionMethod)
	}
	pct := 0
	if opts.CrossValidationPercentage != nil {
		pct = *opts.CrossValidationPercentage
	}
	if opts.CrossValidationEnabled {
		if opts.ValidatorsPerTest == 0 && e.Config != nil {
			opts.ValidatorsPerTest = e.Config.Assignment.ValidatorsPerTest
		}
		if opts.CrossValidationPercentage == nil && e.Config != nil {
			pct = e.Config.Assignment.CrossValidationPercentage
		}
		if opts.ValidatorsPerTest < 2 {
			return domain.UATCycle{}, errors.New("validators_per_test must be at least 2")
		}
		if pct < 0 || pct > 100 {
			return domain.UATCycle{}, errors.New("cross_validation_percentage must be 0-100")
		}
	}

	c := domain.UATCycle{
		ID:                        uuid.New().String(),
		ProgramID:                 opts.ProgramID,
		Name:                      opts.Name,
		DistributionMethod:        opts.DistributionMethod,
		CrossValidationEnabled:    opts.CrossValidationEnabled,
		CrossValidationPercentage: pct,
		ValidatorsPerTest:         opts.ValidatorsPerTest,
		CreatedAt:                 e.now().UTC().Format(time.RFC3339),
	}
	if err := e.Repo.InsertCycle(ctx, c); err != nil {
		return c, err
	}
	if err := e.Events.AppendDirect(ctx, "cycle.created", c.ProgramID, "cycle", c.ID, opts.ActorID, events.Payload{"name": c.Name}); err != nil {
		return c, err
	}
	return c, nil
}

// AddCycleTester enrolls or updates a tester on a cycle. Rejected once
// the cycle's distribution has been executed.
func (e Engine) AddCycleTester(ctx context.Context, cycleID, userID string, capacityWeight int, active bool, actorID string) (domain.CycleTester, error) {
	c, err := e.Repo.GetCycle(ctx, cycleID)
	if err != nil {
		return domain.CycleTester{}, err
	}
	if c.LockedAt != nil {
		return domain.CycleTester{}, ErrCycleLocked
	}
	if capacityWeight == 0 {
		capacityWeight = 100
	}
	if capacityWeight < 0 {
		return domain.CycleTester{}, errors.New("capacity_weight must be positive")
	}
	t := domain.CycleTester{
		CycleID:        cycleID,
		UserID:         userID,
		CapacityWeight: capacityWeight,
		IsActive:       active,
		AddedAt:        e.now().UTC().Format(time.RFC3339),
	}
	if err := e.Repo.UpsertCycleTester(ctx, t); err != nil {
		return t, err
	}
	if err := e.Events.AppendDirect(ctx, "cycle.tester.updated", c.ProgramID, "cycle", cycleID, actorID, events.Payload{
		"user_id": userID,
		"weight":  capacityWeight,
		"active":  active,
	}); err != nil {
		return t, err
	}
	return t, nil
}

// planForCycle assembles the planner inputs: the cycle's settings, its
// active testers, and every test case in the cycle's program.
func (e Engine) planForCycle(ctx context.Context, cycleID string) (domain.UATCycle, assign.Plan, error) {
	c, err := e.Repo.GetCycle(ctx, cycleID)
	if err != nil {
		return c, assign.Plan{}, err
	}
	testers, err := e.Repo.ListCycleTesters(ctx, cycleID, true)
	if err != nil {
		return c, assign.Plan{}, err
	}
	cases, err := e.Repo.ListTestCases(ctx, c.ProgramID, "")
	if err != nil {
		return c, assign.Plan{}, err
	}
	cfg := assign.Config{
		CycleID:                   c.ID,
		DistributionMethod:        c.DistributionMethod,
		CrossValidationEnabled:    c.CrossValidationEnabled,
		CrossValidationPercentage: c.CrossValidationPercentage,
		ValidatorsPerTest:         c.ValidatorsPerTest,
	}
	for _, tc := range cases {
		cfg.TestCaseIDs = append(cfg.TestCaseIDs, tc.ID)
	}
	var in []assign.Tester
	for _, t := range testers {
		in = append(in, assign.Tester{UserID: t.UserID, CapacityWeight: t.CapacityWeight})
	}
	plan, err := assign.BuildPlan(cfg, in)
	return c, plan, err
}

// PreviewAssignments computes the distribution without writing anything.
// Because planning is deterministic, the preview always matches a
// subsequent execute on unchanged inputs.
func (e Engine) PreviewAssignments(ctx context.Context, cycleID string) (assign.Plan, error) {
	c, plan, err := e.planForCycle(ctx, cycleID)
	if err != nil {
		return plan, err
	}
	if c.LockedAt != nil {
		return plan, ErrCycleLocked
	}
	return plan, nil
}

// ExecuteAssignments commits the distribution: one transaction creating
// every execution, cross-validation group and assignment row, locking the
// cycle against further mutation. A locked cycle is rejected up front and
// again inside the transaction, so two racing executes cannot both land.
func (e Engine) ExecuteAssignments(ctx context.Context, cycleID, actorID string) (assign.Plan, error) {
	c, plan, err := e.planForCycle(ctx, cycleID)
	if err != nil {
		return plan, err
	}
	if c.LockedAt != nil {
		return plan, ErrCycleLocked
	}

	now := e.now().UTC().Format(time.RFC3339)
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return plan, err
	}
	defer tx.Rollback()

	locked, err := e.Repo.LockCycle(ctx, tx, cycleID, now)
	if err != nil {
		return plan, err
	}
	if !locked {
		return plan, ErrCycleLocked
	}

	groupIDs := make(map[string]string, len(plan.Groups))
	for _, g := range plan.Groups {
		id := uuid.New().String()
		groupIDs[g.TestCaseID] = id
		if err := e.Repo.InsertGroup(ctx, tx, domain.CrossValidationGroup{
			ID:         id,
			CycleID:    cycleID,
			TestCaseID: g.TestCaseID,
			CreatedAt:  now,
		}); err != nil {
			return plan, err
		}
	}
	for _, a := range plan.Assignments {
		ex := domain.TestExecution{
			ID:         uuid.New().String(),
			CycleID:    cycleID,
			TestCaseID: a.TestCaseID,
			TesterID:   a.TesterID,
			Status:     workflow.ExecAssigned,
			AssignedAt: now,
			UpdatedAt:  now,
		}
		if a.Kind == assign.KindCrossValidation {
			gid := groupIDs[a.TestCaseID]
			ex.GroupID = &gid
		}
		if err := e.Repo.InsertExecution(ctx, tx, ex); err != nil {
			return plan, err
		}
		if err := e.Repo.InsertAssignment(ctx, tx, domain.CycleAssignment{
			ID:          uuid.New().String(),
			CycleID:     cycleID,
			ExecutionID: ex.ID,
			TestCaseID:  a.TestCaseID,
			TesterID:    a.TesterID,
			Kind:        a.Kind,
			CreatedAt:   now,
		}); err != nil {
			return plan, err
		}
	}
	if err := e.Events.Append(ctx, tx, "cycle.assignments.executed", c.ProgramID, "cycle", cycleID, actorID, events.Payload{
		"total_tests":            plan.Summary.TotalTests,
		"primary_tests":          plan.Summary.PrimaryTests,
		"cross_validation_tests": plan.Summary.CrossValidationTests,
	}); err != nil {
		return plan, err
	}
	if err := tx.Commit(); err != nil {
		return plan, err
	}
	return plan, nil
}

// GroupAgreementResult is the read-only agreement view over one
// cross-validation group.
type GroupAgreementResult struct {
	GroupID    string                 `json:"group_id"`
	TestCaseID string                 `json:"test_case_id"`
	Agreement  string                 `json:"agreement" enum:"pending,agree,disagree"`
	Executions []domain.TestExecution `json:"executions"`
}

// GroupAgreement classifies a cross-validation group: pending until every
// member reaches a terminal status, then agree or disagree with verified
// counted as passed.
func (e Engine) GroupAgreement(ctx context.Context, groupID string) (GroupAgreementResult, error) {
	g, err := e.Repo.GetGroup(ctx, groupID)
	if err != nil {
		return GroupAgreementResult{}, err
	}
	members, err := e.Repo.ListExecutions(ctx, repo.ExecutionFilters{GroupID: groupID})
	if err != nil {
		return GroupAgreementResult{}, err
	}
	statuses := make([]string, 0, len(members))
	for _, m := range members {
		statuses = append(statuses, m.Status)
	}
	return GroupAgreementResult{
		GroupID:    g.ID,
		TestCaseID: g.TestCaseID,
		Agreement:  assign.EvaluateAgreement(statuses),
		Executions: members,
	}, nil
}
