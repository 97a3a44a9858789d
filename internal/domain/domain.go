package domain

type Program struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Prefix    string `json:"prefix"`
	Status    string `json:"status"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

type Story struct {
	ID                string   `json:"id"`
	ProgramID         string   `json:"program_id"`
	ParentID          *string  `json:"parent_id,omitempty"`
	Title             string   `json:"title"`
	Description       string   `json:"description,omitempty"`
	Status            string   `json:"status" enum:"draft,internal_review,client_review,needs_discussion,approved,in_development,in_uat,complete"`
	Version           int      `json:"version"`
	Priority          *int     `json:"priority,omitempty"`
	DraftedAt         *string  `json:"drafted_at,omitempty" format:"date-time"`
	InternalReviewAt  *string  `json:"internal_review_at,omitempty" format:"date-time"`
	ClientReviewAt    *string  `json:"client_review_at,omitempty" format:"date-time"`
	NeedsDiscussionAt *string  `json:"needs_discussion_at,omitempty" format:"date-time"`
	ApprovedAt        *string  `json:"approved_at,omitempty" format:"date-time"`
	ApprovedBy        *string  `json:"approved_by,omitempty"`
	RelatedIDs        []string `json:"related_ids,omitempty"`
	LockedBy          *string  `json:"locked_by,omitempty"`
	LockedAt          *string  `json:"locked_at,omitempty" format:"date-time"`
	DeletedAt         *string  `json:"deleted_at,omitempty" format:"date-time"`
	DeletedBy         *string  `json:"deleted_by,omitempty"`
	CreatedBy         string   `json:"created_by"`
	CreatedAt         string   `json:"created_at" format:"date-time"`
	UpdatedAt         string   `json:"updated_at" format:"date-time"`
}

// StoryVersion is an immutable snapshot taken at create time and on
// transitions that carry notes. Rows are never updated or deleted.
type StoryVersion struct {
	StoryID       string `json:"story_id"`
	VersionNumber int    `json:"version_number"`
	Title         string `json:"title"`
	Description   string `json:"description,omitempty"`
	Status        string `json:"status"`
	Notes         string `json:"notes,omitempty"`
	CreatedBy     string `json:"created_by"`
	CreatedAt     string `json:"created_at" format:"date-time"`
}

type StoryApproval struct {
	ID           string `json:"id"`
	StoryID      string `json:"story_id"`
	ApprovedBy   string `json:"approved_by"`
	FromStatus   string `json:"from_status"`
	ApprovalType string `json:"approval_type" enum:"internal_review,stakeholder,portfolio"`
	Notes        string `json:"notes,omitempty"`
	CreatedAt    string `json:"created_at" format:"date-time"`
}

type TestCase struct {
	ID        string  `json:"id"`
	ProgramID string  `json:"program_id"`
	StoryID   *string `json:"story_id,omitempty"`
	Title     string  `json:"title"`
	StepsJSON *string `json:"steps_json,omitempty"`
	CreatedBy string  `json:"created_by"`
	CreatedAt string  `json:"created_at" format:"date-time"`
}

type TestExecution struct {
	ID              string  `json:"id"`
	CycleID         string  `json:"cycle_id"`
	TestCaseID      string  `json:"test_case_id"`
	TesterID        string  `json:"tester_id"`
	Status          string  `json:"status" enum:"assigned,in_progress,passed,failed,blocked,verified"`
	StepResultsJSON *string `json:"step_results_json,omitempty"`
	Notes           string  `json:"notes,omitempty"`
	GroupID         *string `json:"group_id,omitempty"`
	VerifiedBy      *string `json:"verified_by,omitempty"`
	AssignedAt      string  `json:"assigned_at" format:"date-time"`
	UpdatedAt       string  `json:"updated_at" format:"date-time"`
}

type Defect struct {
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

type UATCycle struct {
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

type CycleTester struct {
	CycleID        string `json:"cycle_id"`
	UserID         string `json:"user_id"`
	CapacityWeight int    `json:"capacity_weight"`
	IsActive       bool   `json:"is_active"`
	AddedAt        string `json:"added_at" format:"date-time"`
}

// CrossValidationGroup ties together the parallel executions of one test
// case; membership count always equals the cycle's validators_per_test.
type CrossValidationGroup struct {
	ID         string `json:"id"`
	CycleID    string `json:"cycle_id"`
	TestCaseID string `json:"test_case_id"`
	CreatedAt  string `json:"created_at" format:"date-time"`
}

type CycleAssignment struct {
	ID          string `json:"id"`
	CycleID     string `json:"cycle_id"`
	ExecutionID string `json:"execution_id"`
	TestCaseID  string `json:"test_case_id"`
	TesterID    string `json:"tester_id"`
	Kind        string `json:"kind" enum:"primary,cross_validation"`
	CreatedAt   string `json:"created_at" format:"date-time"`
}

type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	ProgramID  string `json:"program_id,omitempty"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json"`
}

type APIKey struct {
	ID        string `json:"id"`
	ActorID   string `json:"actor_id"`
	Name      string `json:"name,omitempty"`
	KeyHash   string `json:"key_hash"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

type LockInfo struct {
	IsLocked bool    `json:"is_locked"`
	Holder   *string `json:"holder,omitempty"`
	Since    *string `json:"since,omitempty" format:"date-time"`
}
