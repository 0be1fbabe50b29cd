package engine_test

import (
	"strings"
	"testing"

	"warroom/internal/engine"
)

func validPlan() engine.PlanSpec {
	return engine.PlanSpec{
		Name: "containment",
		Phases: []engine.PhaseSpec{
			{
				Name: "contain",
				Tasks: []engine.TaskSpec{
					{Key: "a", Title: "A"},
					{Key: "b", Title: "B", DependsOn: []string{"a"}},
				},
			},
			{
				Name: "recover",
				Tasks: []engine.TaskSpec{
					{Key: "c", Title: "C", DependsOn: []string{"b"}},
				},
			},
		},
	}
}

func TestPlanSpecValid(t *testing.T) {
	p := validPlan()
	if err := p.Validate(); err != nil {
		t.Fatalf("valid plan rejected: %v", err)
	}
}

func TestPlanSpecRejectsDuplicateKeys(t *testing.T) {
	p := validPlan()
	p.Phases[1].Tasks = append(p.Phases[1].Tasks, engine.TaskSpec{Key: "a", Title: "again"})
	assertValidateFails(t, p, "duplicate")
}

func TestPlanSpecRejectsUnknownDependency(t *testing.T) {
	p := validPlan()
	p.Phases[0].Tasks[1].DependsOn = []string{"nope"}
	assertValidateFails(t, p, "unknown")
}

func TestPlanSpecRejectsSelfDependency(t *testing.T) {
	p := validPlan()
	p.Phases[0].Tasks[0].DependsOn = []string{"a"}
	assertValidateFails(t, p, "itself")
}

func TestPlanSpecRejectsForwardPhaseDependency(t *testing.T) {
	p := validPlan()
	p.Phases[0].Tasks[0].DependsOn = []string{"c"}
	assertValidateFails(t, p, "phase")
}

func TestPlanSpecRejectsCycle(t *testing.T) {
	p := engine.PlanSpec{
		Name: "loop",
		Phases: []engine.PhaseSpec{
			{
				Name: "only",
				Tasks: []engine.TaskSpec{
					{Key: "a", Title: "A", DependsOn: []string{"c"}},
					{Key: "b", Title: "B", DependsOn: []string{"a"}},
					{Key: "c", Title: "C", DependsOn: []string{"b"}},
				},
			},
		},
	}
	assertValidateFails(t, p, "cycle")
}

func TestPlanSpecRejectsEmptyShapes(t *testing.T) {
	assertValidateFails(t, engine.PlanSpec{}, "name")
	assertValidateFails(t, engine.PlanSpec{Name: "x"}, "phase")
	assertValidateFails(t, engine.PlanSpec{Name: "x", Phases: []engine.PhaseSpec{{Name: "p"}}}, "task")
}

func assertValidateFails(t *testing.T, p engine.PlanSpec, fragment string) {
	t.Helper()
	err := p.Validate()
	if err == nil {
		t.Fatalf("expected validation error containing %q", fragment)
	}
	if !strings.Contains(err.Error(), fragment) {
		t.Fatalf("error %q does not mention %q", err, fragment)
	}
}
