// Package workflow holds the static transition rule tables for stories,
// test executions and defects, plus the pure validator functions consulted
// before every status mutation. The tables are package data and are never
// mutated at runtime; accessors hand out copies.
package workflow

// Roles recognized by the rule tables.
const (
	RoleAdmin           = "admin"
	RoleBusinessAnalyst = "business_analyst"
	RoleClinicalSME     = "clinical_sme"
	RoleStakeholder     = "stakeholder"
	RoleDeveloper       = "developer"
	RoleTester          = "uat_tester"
	RoleVerifier        = "uat_verifier"
)

// Story lifecycle statuses.
const (
	StoryDraft           = "draft"
	StoryInternalReview  = "internal_review"
	StoryClientReview    = "client_review"
	StoryNeedsDiscussion = "needs_discussion"
	StoryApproved        = "approved"
	StoryInDevelopment   = "in_development"
	StoryInUAT           = "in_uat"
	StoryComplete        = "complete"
)

// Test execution statuses.
const (
	ExecAssigned   = "assigned"
	ExecInProgress = "in_progress"
	ExecPassed     = "passed"
	ExecFailed     = "failed"
	ExecBlocked    = "blocked"
	ExecVerified   = "verified"
)

// Defect statuses.
const (
	DefectOpen       = "open"
	DefectConfirmed  = "confirmed"
	DefectInProgress = "in_progress"
	DefectFixed      = "fixed"
	DefectVerified   = "verified"
	DefectClosed     = "closed"
)

// Approval types recorded when a transition requires an approval row.
const (
	ApprovalInternalReview = "internal_review"
	ApprovalStakeholder    = "stakeholder"
	ApprovalPortfolio      = "portfolio"
)

// Transition is one legal destination from a source status.
type Transition struct {
	To               string
	Label            string
	AllowedRoles     []string
	RequiresNotes    bool
	RequiresApproval bool
	ApprovalType     string
}

var storyRules = map[string][]Transition{
	StoryDraft: {
		{To: StoryInternalReview, Label: "Submit for internal review",
			AllowedRoles: []string{RoleAdmin, RoleBusinessAnalyst}},
	},
	StoryInternalReview: {
		{To: StoryClientReview, Label: "Send to client review",
			AllowedRoles:     []string{RoleAdmin, RoleBusinessAnalyst, RoleClinicalSME},
			RequiresApproval: true, ApprovalType: ApprovalInternalReview},
		{To: StoryNeedsDiscussion, Label: "Flag for discussion", RequiresNotes: true,
			AllowedRoles: []string{RoleAdmin, RoleBusinessAnalyst, RoleClinicalSME}},
		{To: StoryDraft, Label: "Return to draft", RequiresNotes: true,
			AllowedRoles: []string{RoleAdmin, RoleBusinessAnalyst}},
	},
	StoryClientReview: {
		{To: StoryApproved, Label: "Approve",
			AllowedRoles:     []string{RoleAdmin, RoleStakeholder},
			RequiresApproval: true, ApprovalType: ApprovalStakeholder},
		{To: StoryNeedsDiscussion, Label: "Flag for discussion", RequiresNotes: true,
			AllowedRoles: []string{RoleAdmin, RoleStakeholder, RoleBusinessAnalyst}},
	},
	StoryNeedsDiscussion: {
		{To: StoryInternalReview, Label: "Resume internal review",
			AllowedRoles: []string{RoleAdmin, RoleBusinessAnalyst}},
		{To: StoryDraft, Label: "Return to draft", RequiresNotes: true,
			AllowedRoles: []string{RoleAdmin, RoleBusinessAnalyst}},
	},
	StoryApproved: {
		{To: StoryInDevelopment, Label: "Start development",
			AllowedRoles:     []string{RoleAdmin, RoleBusinessAnalyst},
			RequiresApproval: true, ApprovalType: ApprovalPortfolio},
	},
	StoryInDevelopment: {
		{To: StoryInUAT, Label: "Enter UAT",
			AllowedRoles: []string{RoleAdmin, RoleBusinessAnalyst, RoleDeveloper}},
	},
	StoryInUAT: {
		{To: StoryComplete, Label: "Complete",
			AllowedRoles: []string{RoleAdmin, RoleBusinessAnalyst}},
		{To: StoryInDevelopment, Label: "Return to development", RequiresNotes: true,
			AllowedRoles: []string{RoleAdmin, RoleBusinessAnalyst, RoleVerifier}},
	},
	StoryComplete: {},
}

var executionRules = map[string][]Transition{
	ExecAssigned: {
		{To: ExecInProgress, Label: "Start testing",
			AllowedRoles: []string{RoleAdmin, RoleTester}},
	},
	ExecInProgress: {
		{To: ExecPassed, Label: "Pass",
			AllowedRoles: []string{RoleAdmin, RoleTester}},
		{To: ExecFailed, Label: "Fail", RequiresNotes: true,
			AllowedRoles: []string{RoleAdmin, RoleTester}},
		{To: ExecBlocked, Label: "Block", RequiresNotes: true,
			AllowedRoles: []string{RoleAdmin, RoleTester}},
	},
	ExecFailed: {
		{To: ExecInProgress, Label: "Retest", RequiresNotes: true,
			AllowedRoles: []string{RoleAdmin, RoleTester}},
	},
	ExecBlocked: {
		{To: ExecInProgress, Label: "Unblock", RequiresNotes: true,
			AllowedRoles: []string{RoleAdmin, RoleTester}},
	},
	ExecPassed: {
		{To: ExecVerified, Label: "Verify",
			AllowedRoles: []string{RoleVerifier}},
	},
	ExecVerified: {},
}

var defectRules = map[string][]Transition{
	DefectOpen: {
		{To: DefectConfirmed, Label: "Confirm",
			AllowedRoles: []string{RoleAdmin, RoleBusinessAnalyst, RoleVerifier}},
		{To: DefectClosed, Label: "Close as invalid", RequiresNotes: true,
			AllowedRoles: []string{RoleAdmin, RoleBusinessAnalyst}},
	},
	DefectConfirmed: {
		{To: DefectInProgress, Label: "Start fix",
			AllowedRoles: []string{RoleAdmin, RoleDeveloper}},
	},
	DefectInProgress: {
		{To: DefectFixed, Label: "Mark fixed",
			AllowedRoles: []string{RoleAdmin, RoleDeveloper}},
	},
	DefectFixed: {
		{To: DefectVerified, Label: "Verify fix",
			AllowedRoles: []string{RoleAdmin, RoleTester, RoleVerifier}},
		{To: DefectInProgress, Label: "Reject fix", RequiresNotes: true,
			AllowedRoles: []string{RoleAdmin, RoleTester, RoleVerifier}},
	},
	DefectVerified: {
		{To: DefectClosed, Label: "Close",
			AllowedRoles: []string{RoleAdmin, RoleBusinessAnalyst}},
	},
	DefectClosed: {
		// The only backward skip in any of the three machines.
		{To: DefectOpen, Label: "Reopen", RequiresNotes: true,
			AllowedRoles: []string{RoleAdmin, RoleBusinessAnalyst, RoleTester}},
	},
}

var storyStatusLabels = map[string]string{
	StoryDraft:           "Draft",
	StoryInternalReview:  "Internal Review",
	StoryClientReview:    "Client Review",
	StoryNeedsDiscussion: "Needs Discussion",
	StoryApproved:        "Approved",
	StoryInDevelopment:   "In Development",
	StoryInUAT:           "In UAT",
	StoryComplete:        "Complete",
}

// Roles returns the full role catalog.
func Roles() []string {
	return []string{
		RoleAdmin, RoleBusinessAnalyst, RoleClinicalSME, RoleStakeholder,
		RoleDeveloper, RoleTester, RoleVerifier,
	}
}

// KnownRole reports whether role appears in the catalog.
func KnownRole(role string) bool {
	for _, r := range Roles() {
		if r == role {
			return true
		}
	}
	return false
}

// StoryStatusLabel returns the display label for a story status. Unknown
// statuses echo the raw input so callers never crash on bad data.
func StoryStatusLabel(status string) string {
	if l, ok := storyStatusLabels[status]; ok {
		return l
	}
	return status
}
