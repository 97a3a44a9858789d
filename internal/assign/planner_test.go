package assign

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testIDs(n int) []string {
	ids := make([]string, n)
	for i := range ids {
		ids[i] = "tc-" + string(rune('a'+i))
	}
	return ids
}

func TestWeightedSplitMatchesCapacityRatio(t *testing.T) {
	// 10 tests, weights 100:50 -> two thirds of the suite to the heavier
	// tester, no cross-validation groups.
	plan, err := BuildPlan(Config{
		CycleID:            "cycle-1",
		TestCaseIDs:        testIDs(10),
		DistributionMethod: MethodWeighted,
	}, []Tester{
		{UserID: "alice", CapacityWeight: 100},
		{UserID: "bob", CapacityWeight: 50},
	})
	require.NoError(t, err)
	assert.Empty(t, plan.Groups)
	assert.Len(t, plan.Assignments, 10)

	counts := map[string]int{}
	for _, a := range plan.Assignments {
		assert.Equal(t, KindPrimary, a.Kind)
		counts[a.TesterID]++
	}
	assert.Equal(t, 7, counts["alice"])
	assert.Equal(t, 3, counts["bob"])
	assert.Equal(t, 10, plan.Summary.TotalTests)
	assert.Equal(t, 10, plan.Summary.PrimaryTests)
	assert.Equal(t, 0, plan.Summary.CrossValidationTests)
}

func TestEqualMethodIgnoresWeights(t *testing.T) {
	plan, err := BuildPlan(Config{
		CycleID:            "cycle-1",
		TestCaseIDs:        testIDs(9),
		DistributionMethod: MethodEqual,
	}, []Tester{
		{UserID: "alice", CapacityWeight: 100},
		{UserID: "bob", CapacityWeight: 1},
		{UserID: "cara", CapacityWeight: 50},
	})
	require.NoError(t, err)
	counts := map[string]int{}
	for _, a := range plan.Assignments {
		counts[a.TesterID]++
	}
	assert.Equal(t, 3, counts["alice"])
	assert.Equal(t, 3, counts["bob"])
	assert.Equal(t, 3, counts["cara"])
}

func TestCrossValidationGroupsAndTotals(t *testing.T) {
	cfg := Config{
		CycleID:                   "cycle-1",
		TestCaseIDs:               testIDs(10),
		DistributionMethod:        MethodWeighted,
		CrossValidationEnabled:    true,
		CrossValidationPercentage: 30,
		ValidatorsPerTest:         2,
	}
	testers := []Tester{
		{UserID: "alice", CapacityWeight: 60},
		{UserID: "bob", CapacityWeight: 60},
		{UserID: "cara", CapacityWeight: 30},
	}
	plan, err := BuildPlan(cfg, testers)
	require.NoError(t, err)

	assert.Equal(t, 3, plan.Summary.CrossValidationTests)
	assert.Equal(t, 7, plan.Summary.PrimaryTests)
	require.Len(t, plan.Groups, 3)
	for _, g := range plan.Groups {
		require.Len(t, g.TesterIDs, cfg.ValidatorsPerTest, "group for %s", g.TestCaseID)
		seen := map[string]bool{}
		for _, id := range g.TesterIDs {
			assert.False(t, seen[id], "tester %s assigned twice to %s", id, g.TestCaseID)
			seen[id] = true
		}
	}

	// Sum of per-tester totals equals primary + cv * validators_per_test.
	total := 0
	for _, b := range plan.Summary.Testers {
		assert.Equal(t, b.Primary+b.CrossValidation, b.Total)
		total += b.Total
	}
	assert.Equal(t, 7+3*2, total)
	assert.Len(t, plan.Assignments, total)
}

func TestSummaryBreakdownMatchesAssignments(t *testing.T) {
	// Five testers so the breakdown slice grows across several appends;
	// every tester's counts must survive, not just the last-added one's.
	plan, err := BuildPlan(Config{
		CycleID:                   "cycle-1",
		TestCaseIDs:               testIDs(20),
		DistributionMethod:        MethodWeighted,
		CrossValidationEnabled:    true,
		CrossValidationPercentage: 25,
		ValidatorsPerTest:         3,
	}, []Tester{
		{UserID: "alice", CapacityWeight: 50},
		{UserID: "bob", CapacityWeight: 40},
		{UserID: "cara", CapacityWeight: 30},
		{UserID: "dave", CapacityWeight: 20},
		{UserID: "erin", CapacityWeight: 10},
	})
	require.NoError(t, err)

	primary := map[string]int{}
	cv := map[string]int{}
	for _, a := range plan.Assignments {
		if a.Kind == KindPrimary {
			primary[a.TesterID]++
		} else {
			cv[a.TesterID]++
		}
	}
	require.Len(t, plan.Summary.Testers, 5)
	for _, b := range plan.Summary.Testers {
		assert.Equal(t, primary[b.UserID], b.Primary, "primary count for %s", b.UserID)
		assert.Equal(t, cv[b.UserID], b.CrossValidation, "cv count for %s", b.UserID)
		assert.Equal(t, b.Primary+b.CrossValidation, b.Total, "total for %s", b.UserID)
	}
}

func TestPlanIsDeterministic(t *testing.T) {
	cfg := Config{
		CycleID:                   "cycle-1",
		TestCaseIDs:               []string{"tc-9", "tc-3", "tc-7", "tc-1", "tc-5", "tc-2", "tc-8", "tc-4"},
		DistributionMethod:        MethodWeighted,
		CrossValidationEnabled:    true,
		CrossValidationPercentage: 25,
		ValidatorsPerTest:         2,
	}
	testers := []Tester{
		{UserID: "cara", CapacityWeight: 40},
		{UserID: "alice", CapacityWeight: 80},
		{UserID: "bob", CapacityWeight: 20},
	}
	first, err := BuildPlan(cfg, testers)
	require.NoError(t, err)
	second, err := BuildPlan(cfg, testers)
	require.NoError(t, err)
	assert.Equal(t, first, second)

	// Tester ordering in the input must not matter either.
	shuffled := []Tester{testers[2], testers[0], testers[1]}
	third, err := BuildPlan(cfg, shuffled)
	require.NoError(t, err)
	assert.Equal(t, first, third)
}

func TestCrossValidationSpreadsAcrossSuite(t *testing.T) {
	plan, err := BuildPlan(Config{
		CycleID:                   "cycle-1",
		TestCaseIDs:               testIDs(10),
		DistributionMethod:        MethodEqual,
		CrossValidationEnabled:    true,
		CrossValidationPercentage: 20,
		ValidatorsPerTest:         2,
	}, []Tester{{UserID: "alice", CapacityWeight: 1}, {UserID: "bob", CapacityWeight: 1}})
	require.NoError(t, err)
	require.Len(t, plan.Groups, 2)
	assert.Equal(t, "tc-a", plan.Groups[0].TestCaseID)
	assert.Equal(t, "tc-f", plan.Groups[1].TestCaseID)
}

func TestPlanRejections(t *testing.T) {
	base := Config{CycleID: "c", TestCaseIDs: testIDs(4), DistributionMethod: MethodWeighted}

	_, err := BuildPlan(base, nil)
	assert.ErrorIs(t, err, ErrNoActiveTesters)

	_, err = BuildPlan(base, []Tester{{UserID: "a", CapacityWeight: 0}})
	assert.ErrorIs(t, err, ErrNoActiveTesters)

	bad := base
	bad.DistributionMethod = "random"
	_, err = BuildPlan(bad, []Tester{{UserID: "a", CapacityWeight: 1}})
	assert.Error(t, err)

	cv := base
	cv.CrossValidationEnabled = true
	cv.CrossValidationPercentage = 50
	cv.ValidatorsPerTest = 1
	_, err = BuildPlan(cv, []Tester{{UserID: "a", CapacityWeight: 1}, {UserID: "b", CapacityWeight: 1}})
	assert.Error(t, err, "validators_per_test below 2")

	cv.ValidatorsPerTest = 3
	_, err = BuildPlan(cv, []Tester{{UserID: "a", CapacityWeight: 1}, {UserID: "b", CapacityWeight: 1}})
	assert.Error(t, err, "more validators than testers")

	cv.CrossValidationPercentage = 120
	cv.ValidatorsPerTest = 2
	_, err = BuildPlan(cv, []Tester{{UserID: "a", CapacityWeight: 1}, {UserID: "b", CapacityWeight: 1}})
	assert.Error(t, err)
}

func TestEmptySuiteYieldsEmptyPlan(t *testing.T) {
	plan, err := BuildPlan(Config{
		CycleID:            "c",
		DistributionMethod: MethodEqual,
	}, []Tester{{UserID: "a", CapacityWeight: 1}})
	require.NoError(t, err)
	assert.Empty(t, plan.Assignments)
	assert.Equal(t, 0, plan.Summary.TotalTests)
}
