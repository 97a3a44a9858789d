package assign

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestEvaluateAgreement(t *testing.T) {
	cases := []struct {
		name     string
		statuses []string
		want     string
	}{
		{"all passed", []string{"passed", "passed"}, AgreementAgree},
		{"verified counts as passed", []string{"verified", "passed"}, AgreementAgree},
		{"pass vs fail", []string{"passed", "failed"}, AgreementDisagree},
		{"all blocked", []string{"blocked", "blocked", "blocked"}, AgreementAgree},
		{"blocked vs pass", []string{"blocked", "passed"}, AgreementDisagree},
		{"blocked vs fail", []string{"failed", "blocked"}, AgreementDisagree},
		{"one still running", []string{"passed", "in_progress"}, AgreementPending},
		{"one still assigned", []string{"assigned", "failed", "failed"}, AgreementPending},
		{"empty group", nil, AgreementPending},
		{"unknown status is not terminal", []string{"passed", "skipped"}, AgreementPending},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			assert.Equal(t, c.want, EvaluateAgreement(c.statuses))
		})
	}
}
