package assign

import "traceline/internal/workflow"

// Agreement classifications for a cross-validation group.
const (
	AgreementPending  = "pending"
	AgreementAgree    = "agree"
	AgreementDisagree = "disagree"
)

// EvaluateAgreement classifies the parallel executions of one group from
// their current statuses. A group is pending until every member reaches a
// terminal status; verified counts as passed for comparison. All-blocked
// groups agree (the testers agree the test could not run); any mix of
// distinct normalized outcomes disagrees.
func EvaluateAgreement(statuses []string) string {
	if len(statuses) == 0 {
		return AgreementPending
	}
	first := ""
	for _, s := range statuses {
		if !workflow.TerminalExecutionStatus(s) {
			return AgreementPending
		}
		n := normalize(s)
		if first == "" {
			first = n
		} else if n != first {
			return AgreementDisagree
		}
	}
	return AgreementAgree
}

func normalize(status string) string {
	if status == workflow.ExecVerified {
		return workflow.ExecPassed
	}
	return status
}
