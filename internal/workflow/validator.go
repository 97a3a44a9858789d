package workflow

// allowed filters a rule table's destinations down to those the role may
// take. Unknown statuses and empty or unrecognized roles yield nil; the
// validator is total and never panics on bad input.
func allowed(rules map[string][]Transition, from, role string) []Transition {
	if role == "" {
		return nil
	}
	var out []Transition
	for _, t := range rules[from] {
		for _, r := range t.AllowedRoles {
			if r == role {
				out = append(out, t)
				break
			}
		}
	}
	return out
}

func can(rules map[string][]Transition, from, to, role string) bool {
	for _, t := range allowed(rules, from, role) {
		if t.To == to {
			return true
		}
	}
	return false
}

func find(rules map[string][]Transition, from, to string) (Transition, bool) {
	for _, t := range rules[from] {
		if t.To == to {
			return t, true
		}
	}
	return Transition{}, false
}

// StoryTransitions returns every destination declared for a story status,
// regardless of role. Unknown statuses return nil.
func StoryTransitions(from string) []Transition {
	return append([]Transition(nil), storyRules[from]...)
}

func AllowedStoryTransitions(from, role string) []Transition {
	return allowed(storyRules, from, role)
}

func CanTransitionStory(from, to, role string) bool {
	return can(storyRules, from, to, role)
}

// FindStoryTransition looks up the rule entry for (from, to) independent of
// role, so callers can read notes/approval metadata after gating.
func FindStoryTransition(from, to string) (Transition, bool) {
	return find(storyRules, from, to)
}

func ExecutionTransitions(from string) []Transition {
	return append([]Transition(nil), executionRules[from]...)
}

func AllowedExecutionTransitions(from, role string) []Transition {
	return allowed(executionRules, from, role)
}

func CanTransitionExecution(from, to, role string) bool {
	return can(executionRules, from, to, role)
}

func FindExecutionTransition(from, to string) (Transition, bool) {
	return find(executionRules, from, to)
}

func DefectTransitions(from string) []Transition {
	return append([]Transition(nil), defectRules[from]...)
}

func AllowedDefectTransitions(from, role string) []Transition {
	return allowed(defectRules, from, role)
}

func CanTransitionDefect(from, to, role string) bool {
	return can(defectRules, from, to, role)
}

func FindDefectTransition(from, to string) (Transition, bool) {
	return find(defectRules, from, to)
}

// TerminalExecutionStatus reports whether an execution status is final for
// agreement purposes.
func TerminalExecutionStatus(status string) bool {
	switch status {
	case ExecPassed, ExecFailed, ExecBlocked, ExecVerified:
		return true
	}
	return false
}

// CanDeleteStatus is the soft-delete eligibility predicate: stories that
// have been approved or are being built or tested must never be deleted,
// whatever the caller's role.
func CanDeleteStatus(status string) bool {
	switch status {
	case StoryApproved, StoryInDevelopment, StoryInUAT:
		return false
	}
	return true
}
