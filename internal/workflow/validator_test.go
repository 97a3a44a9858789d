package workflow

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func allStoryStatuses() []string {
	return []string{
		StoryDraft, StoryInternalReview, StoryClientReview, StoryNeedsDiscussion,
		StoryApproved, StoryInDevelopment, StoryInUAT, StoryComplete,
	}
}

func allExecutionStatuses() []string {
	return []string{ExecAssigned, ExecInProgress, ExecPassed, ExecFailed, ExecBlocked, ExecVerified}
}

func allDefectStatuses() []string {
	return []string{DefectOpen, DefectConfirmed, DefectInProgress, DefectFixed, DefectVerified, DefectClosed}
}

func TestEmptyRoleNeverTransitions(t *testing.T) {
	for _, from := range allStoryStatuses() {
		assert.Empty(t, AllowedStoryTransitions(from, ""), "story %s", from)
		for _, to := range allStoryStatuses() {
			assert.False(t, CanTransitionStory(from, to, ""), "story %s -> %s", from, to)
		}
	}
	for _, from := range allExecutionStatuses() {
		assert.Empty(t, AllowedExecutionTransitions(from, ""), "execution %s", from)
	}
	for _, from := range allDefectStatuses() {
		assert.Empty(t, AllowedDefectTransitions(from, ""), "defect %s", from)
	}
}

func TestUnrecognizedRoleNeverTransitions(t *testing.T) {
	for _, from := range allStoryStatuses() {
		assert.Empty(t, AllowedStoryTransitions(from, "janitor"), "story %s", from)
	}
	for _, from := range allExecutionStatuses() {
		assert.Empty(t, AllowedExecutionTransitions(from, "janitor"), "execution %s", from)
	}
}

// CanTransition must agree with AllowedTransitions for every (from, to,
// role) triple across all three tables.
func TestCanMatchesAllowed(t *testing.T) {
	type table struct {
		statuses []string
		allowed  func(from, role string) []Transition
		can      func(from, to, role string) bool
	}
	tables := []table{
		{allStoryStatuses(), AllowedStoryTransitions, CanTransitionStory},
		{allExecutionStatuses(), AllowedExecutionTransitions, CanTransitionExecution},
		{allDefectStatuses(), AllowedDefectTransitions, CanTransitionDefect},
	}
	for _, tb := range tables {
		for _, role := range Roles() {
			for _, from := range tb.statuses {
				reachable := map[string]bool{}
				for _, tr := range tb.allowed(from, role) {
					reachable[tr.To] = true
				}
				for _, to := range tb.statuses {
					assert.Equal(t, reachable[to], tb.can(from, to, role),
						"%s -> %s as %s", from, to, role)
				}
			}
		}
	}
}

func TestTerminalStatesHaveNoExits(t *testing.T) {
	assert.Empty(t, StoryTransitions(StoryComplete))
	assert.Empty(t, ExecutionTransitions(ExecVerified))
	for _, role := range Roles() {
		assert.Empty(t, AllowedStoryTransitions(StoryComplete, role))
		assert.Empty(t, AllowedExecutionTransitions(ExecVerified, role))
	}
}

func TestUnknownStatusIsSafe(t *testing.T) {
	assert.Empty(t, StoryTransitions("archived"))
	assert.Empty(t, AllowedStoryTransitions("archived", RoleAdmin))
	assert.False(t, CanTransitionStory("archived", StoryDraft, RoleAdmin))
	assert.Equal(t, "archived", StoryStatusLabel("archived"))
	assert.Equal(t, "In UAT", StoryStatusLabel(StoryInUAT))
}

func TestBackwardTransitionsRequireNotes(t *testing.T) {
	cases := []struct {
		find     func(from, to string) (Transition, bool)
		from, to string
	}{
		{FindExecutionTransition, ExecFailed, ExecInProgress},
		{FindExecutionTransition, ExecBlocked, ExecInProgress},
		{FindDefectTransition, DefectClosed, DefectOpen},
		{FindStoryTransition, StoryInternalReview, StoryDraft},
		{FindStoryTransition, StoryInUAT, StoryInDevelopment},
	}
	for _, c := range cases {
		tr, ok := c.find(c.from, c.to)
		require.True(t, ok, "%s -> %s", c.from, c.to)
		assert.True(t, tr.RequiresNotes, "%s -> %s must require notes", c.from, c.to)
	}
}

func TestVerifierGateOnExecutionVerify(t *testing.T) {
	// Only a verifier reaches verified, and only from passed.
	assert.True(t, CanTransitionExecution(ExecPassed, ExecVerified, RoleVerifier))
	assert.False(t, CanTransitionExecution(ExecPassed, ExecVerified, RoleTester))
	assert.False(t, CanTransitionExecution(ExecPassed, ExecVerified, RoleAdmin))
	for _, from := range allExecutionStatuses() {
		if from == ExecPassed {
			continue
		}
		assert.False(t, CanTransitionExecution(from, ExecVerified, RoleVerifier), "from %s", from)
	}
}

func TestTesterFailPathRequiresNotes(t *testing.T) {
	assert.True(t, CanTransitionExecution(ExecInProgress, ExecFailed, RoleTester))
	tr, ok := FindExecutionTransition(ExecInProgress, ExecFailed)
	require.True(t, ok)
	assert.True(t, tr.RequiresNotes)
	assert.False(t, CanTransitionExecution(ExecInProgress, ExecFailed, ""))
}

func TestApprovalMetadata(t *testing.T) {
	tr, ok := FindStoryTransition(StoryInternalReview, StoryClientReview)
	require.True(t, ok)
	assert.True(t, tr.RequiresApproval)
	assert.Equal(t, ApprovalInternalReview, tr.ApprovalType)

	tr, ok = FindStoryTransition(StoryClientReview, StoryApproved)
	require.True(t, ok)
	assert.True(t, tr.RequiresApproval)
	assert.Equal(t, ApprovalStakeholder, tr.ApprovalType)

	tr, ok = FindStoryTransition(StoryApproved, StoryInDevelopment)
	require.True(t, ok)
	assert.Equal(t, ApprovalPortfolio, tr.ApprovalType)
}

func TestDeletePredicate(t *testing.T) {
	for _, s := range []string{StoryApproved, StoryInDevelopment, StoryInUAT} {
		assert.False(t, CanDeleteStatus(s), s)
	}
	for _, s := range []string{StoryDraft, StoryInternalReview, StoryClientReview, StoryNeedsDiscussion, StoryComplete} {
		assert.True(t, CanDeleteStatus(s), s)
	}
}

func TestAccessorsReturnCopies(t *testing.T) {
	a := StoryTransitions(StoryDraft)
	require.NotEmpty(t, a)
	a[0].To = "tampered"
	b := StoryTransitions(StoryDraft)
	assert.NotEqual(t, "tampered", b[0].To)
}
