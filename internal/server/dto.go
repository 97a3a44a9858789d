package server

import (
	"encoding/json"

	"traceline/internal/assign"
	"traceline/internal/config"
	"traceline/internal/domain"
	"traceline/internal/engine"
	"traceline/internal/workflow"
)

// Request payloads

type CreateProgramRequest struct {
	ID   string `json:"id"`
	Name string `json:"name,omitempty"`
}

type CreateStoryRequest struct {
	Title       string   `json:"title"`
	Description *string  `json:"description,omitempty"`
	ParentID    *string  `json:"parent_id,omitempty"`
	Priority    *int     `json:"priority,omitempty"`
	RelatedIDs  []string `json:"related_ids,omitempty"`
}

type UpdateStoryRequest struct {
	Title         *string  `json:"title,omitempty"`
	Description   *string  `json:"description,omitempty"`
	Priority      *int     `json:"priority,omitempty"`
	ParentID      *string  `json:"parent_id,omitempty"`
	AddRelated    []string `json:"add_related,omitempty"`
	RemoveRelated []string `json:"remove_related,omitempty"`
}

type TransitionRequest struct {
	To     string `json:"to"`
	Notes  string `json:"notes,omitempty"`
	AsRole string `json:"as_role,omitempty"`
}

type DeleteStoryRequest struct {
	Reason string `json:"reason,omitempty"`
}

type CreateTestCaseRequest struct {
	Title   string `json:"title"`
	StoryID string `json:"story_id,omitempty"`
	Steps   []any  `json:"steps,omitempty"`
}

type CreateCycleRequest struct {
	Name                      string `json:"name"`
	DistributionMethod        string `json:"distribution_method,omitempty" enum:"equal,weighted"`
	CrossValidationEnabled    bool   `json:"cross_validation_enabled,omitempty"`
	CrossValidationPercentage *int   `json:"cross_validation_percentage,omitempty"`
	ValidatorsPerTest         int    `json:"validators_per_test,omitempty"`
}

type AddTesterRequest struct {
	UserID         string `json:"user_id"`
	CapacityWeight int    `json:"capacity_weight,omitempty"`
	IsActive       *bool  `json:"is_active,omitempty"`
}

type ExecutionTransitionRequest struct {
	To          string `json:"to" enum:"in_progress,passed,failed,blocked,verified"`
	Notes       string `json:"notes,omitempty"`
	StepResults []any  `json:"step_results,omitempty"`
	AsRole      string `json:"as_role,omitempty"`
}

type CreateDefectRequest struct {
	Title       string  `json:"title"`
	Description *string `json:"description,omitempty"`
	Severity    string  `json:"severity,omitempty" enum:"critical,high,medium,low"`
	ExecutionID string  `json:"execution_id,omitempty"`
	TestCaseID  string  `json:"test_case_id,omitempty"`
}

type RoleChangeRequest struct {
	ActorID string `json:"actor_id"`
	RoleID  string `json:"role_id"`
}

type CreateAPIKeyRequest struct {
	ActorID string `json:"actor_id"`
	Name    string `json:"name,omitempty"`
}

type DevLoginRequest struct {
	ActorID string   `json:"actor_id"`
	Roles   []string `json:"roles,omitempty"`
}

type DevLoginResponse struct {
	Token string `json:"token"`
}

// Response payloads

type ProgramResponse struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Prefix    string `json:"prefix"`
	Status    string `json:"status"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

type StoryResponse struct {
	ID                string   `json:"id"`
	ProgramID         string   `json:"program_id"`
	ParentID          *string  `json:"parent_id,omitempty"`
	Title             string   `json:"title"`
	Description       string   `json:"description,omitempty"`
	Status            string   `json:"status" enum:"draft,internal_review,client_review,needs_discussion,approved,in_development,in_uat,complete"`
	StatusLabel       string   `json:"status_label"`
	Version           int      `json:"version"`
	Priority          *int     `json:"priority,omitempty"`
	DraftedAt         *string  `json:"drafted_at,omitempty" format:"date-time"`
	InternalReviewAt  *string  `json:"internal_review_at,omitempty" format:"date-time"`
	ClientReviewAt    *string  `json:"client_review_at,omitempty" format:"date-time"`
	NeedsDiscussionAt *string  `json:"needs_discussion_at,omitempty" format:"date-time"`
	ApprovedAt        *string  `json:"approved_at,omitempty" format:"date-time"`
	ApprovedBy        *string  `json:"approved_by,omitempty"`
	RelatedIDs        []string `json:"related_ids"`
	CreatedBy         string   `json:"created_by"`
	CreatedAt         string   `json:"created_at" format:"date-time"`
	UpdatedAt         string   `json:"updated_at" format:"date-time"`
}

type TransitionResponse struct {
	To               string `json:"to"`
	Label            string `json:"label"`
	RequiresNotes    bool   `json:"requires_notes"`
	RequiresApproval bool   `json:"requires_approval"`
	ApprovalType     string `json:"approval_type,omitempty" enum:"internal_review,stakeholder,portfolio"`
}

type StoryVersionResponse struct {
	StoryID       string `json:"story_id"`
	VersionNumber int    `json:"version_number"`
	Title         string `json:"title"`
	Description   string `json:"description,omitempty"`
	Status        string `json:"status"`
	Notes         string `json:"notes,omitempty"`
	CreatedBy     string `json:"created_by"`
	CreatedAt     string `json:"created_at" format:"date-time"`
}

type ApprovalResponse struct {
	ID           string `json:"id"`
	StoryID      string `json:"story_id"`
	ApprovedBy   string `json:"approved_by"`
	FromStatus   string `json:"from_status"`
	ApprovalType string `json:"approval_type" enum:"internal_review,stakeholder,portfolio"`
	Notes        string `json:"notes,omitempty"`
	CreatedAt    string `json:"created_at" format:"date-time"`
}

type LockResponse struct {
	IsLocked bool    `json:"is_locked"`
	Holder   *string `json:"holder,omitempty"`
	Since    *string `json:"since,omitempty" format:"date-time"`
}

type TestCaseResponse struct {
	ID        string  `json:"id"`
	ProgramID string  `json:"program_id"`
	StoryID   *string `json:"story_id,omitempty"`
	Title     string  `json:"title"`
	Steps     []any   `json:"steps,omitempty"`
	CreatedBy string  `json:"created_by"`
	CreatedAt string  `json:"created_at" format:"date-time"`
}

type CycleResponse struct {
	ID                        string  `json:"id"`
	ProgramID                 string  `json:"program_id"`
	Name                      string  `json:"name"`
	DistributionMethod        string  `json:"distribution_method" enum:"equal,weighted"`
	CrossValidationEnabled    bool    `json:"cross_validation_enabled"`
	CrossValidationPercentage int     `json:"cross_validation_percentage"`
	ValidatorsPerTest         int     `json:"validators_per_test"`
	LockedAt                  *string `json:"locked_at,omitempty" format:"date-time"`
	CreatedAt                 string  `json:"created_at" format:"date-time"`
}

type CycleTesterResponse struct {
	UserID         string `json:"user_id"`
	CapacityWeight int    `json:"capacity_weight"`
	IsActive       bool   `json:"is_active"`
	AddedAt        string `json:"added_at" format:"date-time"`
}

type PlanResponse struct {
	Assignments []PlanAssignmentResponse `json:"assignments"`
	Summary     assign.Summary           `json:"summary"`
}

type PlanAssignmentResponse struct {
	TestCaseID string `json:"test_case_id"`
	TesterID   string `json:"tester_id"`
	Kind       string `json:"kind" enum:"primary,cross_validation"`
}

type AssignmentResponse struct {
	ID          string `json:"id"`
	CycleID     string `json:"cycle_id"`
	ExecutionID string `json:"execution_id"`
	TestCaseID  string `json:"test_case_id"`
	TesterID    string `json:"tester_id"`
	Kind        string `json:"kind" enum:"primary,cross_validation"`
	CreatedAt   string `json:"created_at" format:"date-time"`
}

type ExecutionResponse struct {
	ID          string  `json:"id"`
	CycleID     string  `json:"cycle_id"`
	TestCaseID  string  `json:"test_case_id"`
	TesterID    string  `json:"tester_id"`
	Status      string  `json:"status" enum:"assigned,in_progress,passed,failed,blocked,verified"`
	StepResults []any   `json:"step_results,omitempty"`
	Notes       string  `json:"notes,omitempty"`
	GroupID     *string `json:"group_id,omitempty"`
	VerifiedBy  *string `json:"verified_by,omitempty"`
	AssignedAt  string  `json:"assigned_at" format:"date-time"`
	UpdatedAt   string  `json:"updated_at" format:"date-time"`
}

type AgreementResponse struct {
	GroupID    string              `json:"group_id"`
	TestCaseID string              `json:"test_case_id"`
	Agreement  string              `json:"agreement" enum:"pending,agree,disagree"`
	Executions []ExecutionResponse `json:"executions"`
}

type DefectResponse struct {
	ID          string  `json:"id"`
	ProgramID   string  `json:"program_id"`
	ExecutionID *string `json:"execution_id,omitempty"`
	TestCaseID  *string `json:"test_case_id,omitempty"`
	Title       string  `json:"title"`
	Description string  `json:"description,omitempty"`
	Severity    string  `json:"severity" enum:"critical,high,medium,low"`
	Status      string  `json:"status" enum:"open,confirmed,in_progress,fixed,verified,closed"`
	CreatedBy   string  `json:"created_by"`
	CreatedAt   string  `json:"created_at" format:"date-time"`
	UpdatedAt   string  `json:"updated_at" format:"date-time"`
}

type EventResponse struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts" format:"date-time"`
	Type       string         `json:"type"`
	ProgramID  string         `json:"program_id,omitempty"`
	EntityKind string         `json:"entity_kind"`
	EntityID   string         `json:"entity_id,omitempty"`
	ActorID    string         `json:"actor_id"`
	Payload    map[string]any `json:"payload"`
}

type APIKeyResponse struct {
	ID        string `json:"id"`
	ActorID   string `json:"actor_id"`
	Name      string `json:"name,omitempty"`
	Key       string `json:"key,omitempty"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

type WhoAmIResponse struct {
	ActorID string   `json:"actor_id"`
	Roles   []string `json:"roles"`
}

type ProgramConfigResponse struct {
	Program struct {
		ID     string `json:"id"`
		Name   string `json:"name"`
		Prefix string `json:"prefix"`
	} `json:"program"`
	Roles struct {
		Catalog map[string]struct {
			Description string `json:"description"`
		} `json:"catalog"`
	} `json:"roles"`
	Locks struct {
		TTLMinutes int `json:"ttl_minutes"`
	} `json:"locks"`
	Assignment struct {
		DistributionMethod        string `json:"distribution_method" enum:"equal,weighted"`
		ValidatorsPerTest         int    `json:"validators_per_test"`
		CrossValidationPercentage int    `json:"cross_validation_percentage"`
	} `json:"assignment"`
}

type paginatedStories struct {
	Items      []StoryResponse `json:"items"`
	NextCursor string          `json:"next_cursor,omitempty"`
}

type paginatedEvents struct {
	Items      []EventResponse `json:"items"`
	NextCursor string          `json:"next_cursor,omitempty"`
}

// Conversion helpers

func programResponse(p domain.Program) ProgramResponse {
	return ProgramResponse(p)
}

func storyResponse(s domain.Story) StoryResponse {
	return StoryResponse{
		ID:                s.ID,
		ProgramID:         s.ProgramID,
		ParentID:          s.ParentID,
		Title:             s.Title,
		Description:       s.Description,
		Status:            s.Status,
		StatusLabel:       workflow.StoryStatusLabel(s.Status),
		Version:           s.Version,
		Priority:          s.Priority,
		DraftedAt:         s.DraftedAt,
		InternalReviewAt:  s.InternalReviewAt,
		ClientReviewAt:    s.ClientReviewAt,
		NeedsDiscussionAt: s.NeedsDiscussionAt,
		ApprovedAt:        s.ApprovedAt,
		ApprovedBy:        s.ApprovedBy,
		RelatedIDs:        nonNilSlice(s.RelatedIDs),
		CreatedBy:         s.CreatedBy,
		CreatedAt:         s.CreatedAt,
		UpdatedAt:         s.UpdatedAt,
	}
}

func transitionResponse(t workflow.Transition) TransitionResponse {
	return TransitionResponse{
		To:               t.To,
		Label:            t.Label,
		RequiresNotes:    t.RequiresNotes,
		RequiresApproval: t.RequiresApproval,
		ApprovalType:     t.ApprovalType,
	}
}

func versionResponse(v domain.StoryVersion) StoryVersionResponse {
	return StoryVersionResponse(v)
}

func approvalResponse(a domain.StoryApproval) ApprovalResponse {
	return ApprovalResponse(a)
}

func lockResponse(l domain.LockInfo) LockResponse {
	return LockResponse(l)
}

func testCaseResponse(tc domain.TestCase) TestCaseResponse {
	return TestCaseResponse{
		ID:        tc.ID,
		ProgramID: tc.ProgramID,
		StoryID:   tc.StoryID,
		Title:     tc.Title,
		Steps:     decodeJSONArray(tc.StepsJSON),
		CreatedBy: tc.CreatedBy,
		CreatedAt: tc.CreatedAt,
	}
}

func cycleResponse(c domain.UATCycle) CycleResponse {
	return CycleResponse(c)
}

func testerResponse(t domain.CycleTester) CycleTesterResponse {
	return CycleTesterResponse{
		UserID:         t.UserID,
		CapacityWeight: t.CapacityWeight,
		IsActive:       t.IsActive,
		AddedAt:        t.AddedAt,
	}
}

func planResponse(p assign.Plan) PlanResponse {
	res := PlanResponse{Assignments: []PlanAssignmentResponse{}, Summary: p.Summary}
	for _, a := range p.Assignments {
		res.Assignments = append(res.Assignments, PlanAssignmentResponse(a))
	}
	return res
}

func assignmentResponse(a domain.CycleAssignment) AssignmentResponse {
	return AssignmentResponse(a)
}

func executionResponse(e domain.TestExecution) ExecutionResponse {
	return ExecutionResponse{
		ID:          e.ID,
		CycleID:     e.CycleID,
		TestCaseID:  e.TestCaseID,
		TesterID:    e.TesterID,
		Status:      e.Status,
		StepResults: decodeJSONArray(e.StepResultsJSON),
		Notes:       e.Notes,
		GroupID:     e.GroupID,
		VerifiedBy:  e.VerifiedBy,
		AssignedAt:  e.AssignedAt,
		UpdatedAt:   e.UpdatedAt,
	}
}

func agreementResponse(r engine.GroupAgreementResult) AgreementResponse {
	res := AgreementResponse{
		GroupID:    r.GroupID,
		TestCaseID: r.TestCaseID,
		Agreement:  r.Agreement,
		Executions: []ExecutionResponse{},
	}
	for _, ex := range r.Executions {
		res.Executions = append(res.Executions, executionResponse(ex))
	}
	return res
}

func defectResponse(d domain.Defect) DefectResponse {
	return DefectResponse(d)
}

func eventResponse(e domain.Event) EventResponse {
	return EventResponse{
		ID:         e.ID,
		TS:         e.TS,
		Type:       e.Type,
		ProgramID:  e.ProgramID,
		EntityKind: e.EntityKind,
		EntityID:   e.EntityID,
		ActorID:    e.ActorID,
		Payload:    decodeJSONMap(strPtr(e.Payload)),
	}
}

func configResponse(cfg *config.Config) ProgramConfigResponse {
	var res ProgramConfigResponse
	res.Program.ID = cfg.Program.ID
	res.Program.Name = cfg.Program.Name
	res.Program.Prefix = cfg.Program.Prefix
	res.Roles.Catalog = map[string]struct {
		Description string `json:"description"`
	}{}
	for k, v := range cfg.Roles.Catalog {
		res.Roles.Catalog[k] = struct {
			Description string `json:"description"`
		}{Description: v.Description}
	}
	res.Locks.TTLMinutes = cfg.Locks.TTLMinutes
	res.Assignment.DistributionMethod = cfg.Assignment.DistributionMethod
	res.Assignment.ValidatorsPerTest = cfg.Assignment.ValidatorsPerTest
	res.Assignment.CrossValidationPercentage = cfg.Assignment.CrossValidationPercentage
	return res
}

// JSON helpers

func decodeJSONMap(raw *string) map[string]any {
	if raw == nil || *raw == "" {
		return nil
	}
	var tmp any
	if err := json.Unmarshal([]byte(*raw), &tmp); err != nil {
		return nil
	}
	if obj, ok := tmp.(map[string]any); ok {
		return obj
	}
	return nil
}

func decodeJSONArray(raw *string) []any {
	if raw == nil || *raw == "" {
		return nil
	}
	var arr []any
	if err := json.Unmarshal([]byte(*raw), &arr); err != nil {
		return nil
	}
	return arr
}

func nonNilSlice[T any](in []T) []T {
	if in == nil {
		return []T{}
	}
	return in
}

func strPtr(in string) *string {
	return &in
}
