// Package assign computes UAT cycle test distributions: capacity-weighted
// round-robin primary assignment plus cross-validation replication of a
// configurable slice of the suite. Planning is pure and deterministic so a
// committed distribution always matches its preview.
package assign

import (
	"errors"
	"fmt"
	"math"
	"sort"
)

const (
	MethodEqual    = "equal"
	MethodWeighted = "weighted"

	KindPrimary         = "primary"
	KindCrossValidation = "cross_validation"
)

var ErrNoActiveTesters = errors.New("no active testers with assignable capacity")

// Config mirrors the shape shared by preview and execute.
type Config struct {
	CycleID                   string
	TestCaseIDs               []string
	DistributionMethod        string
	CrossValidationEnabled    bool
	CrossValidationPercentage int
	ValidatorsPerTest         int
}

type Tester struct {
	UserID         string
	CapacityWeight int
}

type Assignment struct {
	TestCaseID string
	TesterID   string
	Kind       string
}

type Group struct {
	TestCaseID string
	TesterIDs  []string
}

type TesterBreakdown struct {
	UserID          string `json:"user_id"`
	CapacityWeight  int    `json:"capacity_weight"`
	Primary         int    `json:"primary"`
	CrossValidation int    `json:"cross_validation"`
	Total           int    `json:"total"`
}

type Summary struct {
	TotalTests           int               `json:"total_tests"`
	PrimaryTests         int               `json:"primary_tests"`
	CrossValidationTests int               `json:"cross_validation_tests"`
	Testers              []TesterBreakdown `json:"testers"`
	Groups               []Group           `json:"groups,omitempty"`
}

type Plan struct {
	Assignments []Assignment
	Groups      []Group
	Summary     Summary
}

type slot struct {
	id     string
	weight int
	load   int
}

// BuildPlan computes the full distribution for a cycle. The same inputs
// always produce the same plan: testers and tests are processed in sorted
// order and the pick rule uses integer cross-products, no floats, no
// map-iteration order.
func BuildPlan(cfg Config, testers []Tester) (Plan, error) {
	if err := validate(cfg, testers); err != nil {
		return Plan{}, err
	}

	slots := make([]*slot, 0, len(testers))
	for _, t := range testers {
		w := t.CapacityWeight
		if cfg.DistributionMethod == MethodEqual {
			w = 1
		}
		if w <= 0 {
			continue
		}
		slots = append(slots, &slot{id: t.UserID, weight: w})
	}
	if len(slots) == 0 {
		return Plan{}, ErrNoActiveTesters
	}
	sort.Slice(slots, func(i, j int) bool { return slots[i].id < slots[j].id })
	if cfg.CrossValidationEnabled && cfg.ValidatorsPerTest > len(slots) {
		return Plan{}, fmt.Errorf("validators_per_test %d exceeds active tester count %d", cfg.ValidatorsPerTest, len(slots))
	}

	tests := append([]string(nil), cfg.TestCaseIDs...)
	sort.Strings(tests)

	cvCount := 0
	if cfg.CrossValidationEnabled {
		cvCount = int(math.Round(float64(len(tests)) * float64(cfg.CrossValidationPercentage) / 100))
	}
	cvTests, primaryTests := splitCandidates(tests, cvCount)

	var plan Plan
	for _, tc := range primaryTests {
		s := pick(slots, nil)
		s.load++
		plan.Assignments = append(plan.Assignments, Assignment{TestCaseID: tc, TesterID: s.id, Kind: KindPrimary})
	}
	for _, tc := range cvTests {
		taken := map[string]bool{}
		group := Group{TestCaseID: tc}
		for i := 0; i < cfg.ValidatorsPerTest; i++ {
			s := pick(slots, taken)
			s.load++
			taken[s.id] = true
			group.TesterIDs = append(group.TesterIDs, s.id)
			plan.Assignments = append(plan.Assignments, Assignment{TestCaseID: tc, TesterID: s.id, Kind: KindCrossValidation})
		}
		plan.Groups = append(plan.Groups, group)
	}

	plan.Summary = summarize(plan, slots, len(tests), len(primaryTests), len(cvTests))
	return plan, nil
}

func validate(cfg Config, testers []Tester) error {
	if len(testers) == 0 {
		return ErrNoActiveTesters
	}
	switch cfg.DistributionMethod {
	case MethodEqual, MethodWeighted:
	default:
		return fmt.Errorf("unknown distribution method %q", cfg.DistributionMethod)
	}
	if cfg.CrossValidationEnabled {
		if cfg.CrossValidationPercentage < 0 || cfg.CrossValidationPercentage > 100 {
			return fmt.Errorf("cross_validation_percentage %d out of range 0-100", cfg.CrossValidationPercentage)
		}
		if cfg.ValidatorsPerTest < 2 {
			return fmt.Errorf("validators_per_test must be at least 2, got %d", cfg.ValidatorsPerTest)
		}
	}
	return nil
}

// splitCandidates carves the cross-validation subset out of the sorted
// candidate list using evenly spaced picks, so agreement checks spread
// across the whole suite instead of clustering at one end.
func splitCandidates(tests []string, cvCount int) (cv, primary []string) {
	if cvCount <= 0 {
		return nil, tests
	}
	if cvCount >= len(tests) {
		return tests, nil
	}
	picked := make(map[int]bool, cvCount)
	for i := 0; i < cvCount; i++ {
		picked[i*len(tests)/cvCount] = true
	}
	for i, tc := range tests {
		if picked[i] {
			cv = append(cv, tc)
		} else {
			primary = append(primary, tc)
		}
	}
	return cv, primary
}

// pick returns the eligible slot with the lowest load/weight ratio.
// Compared via cross-products to stay in integers; ties go to the higher
// weight, then to the lower tester ID (slots are pre-sorted by ID).
func pick(slots []*slot, exclude map[string]bool) *slot {
	var best *slot
	for _, s := range slots {
		if exclude[s.id] {
			continue
		}
		if best == nil {
			best = s
			continue
		}
		lhs := s.load * best.weight
		rhs := best.load * s.weight
		if lhs < rhs || (lhs == rhs && s.weight > best.weight) {
			best = s
		}
	}
	return best
}

func summarize(plan Plan, slots []*slot, total, primary, cv int) Summary {
	byID := make(map[string]*TesterBreakdown, len(slots))
	sum := Summary{
		TotalTests:           total,
		PrimaryTests:         primary,
		CrossValidationTests: cv,
		Groups:               plan.Groups,
	}
	sum.Testers = make([]TesterBreakdown, 0, len(slots))
	for _, s := range slots {
		sum.Testers = append(sum.Testers, TesterBreakdown{UserID: s.id, CapacityWeight: s.weight})
	}
	// Pointers are taken only once the slice has its final length; taking
	// them while appending leaves them aimed at stale backing arrays.
	for i := range sum.Testers {
		byID[sum.Testers[i].UserID] = &sum.Testers[i]
	}
	for _, a := range plan.Assignments {
		b := byID[a.TesterID]
		if a.Kind == KindPrimary {
			b.Primary++
		} else {
			b.CrossValidation++
		}
		b.Total++
	}
	return sum
}
