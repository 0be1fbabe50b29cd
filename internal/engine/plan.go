package engine

import (
	"fmt"
)

// PlanSpec is the operator-supplied execution plan attached to an
// activation. Tasks reference each other by key; keys are plan-scoped.
type PlanSpec struct {
	Name    string      `json:"name" yaml:"name"`
	OwnerID string      `json:"owner_id,omitempty" yaml:"owner_id"`
	Phases  []PhaseSpec `json:"phases" yaml:"phases"`
}

type PhaseSpec struct {
	Name          string     `json:"name" yaml:"name"`
	WindowMinutes int        `json:"window_minutes,omitempty" yaml:"window_minutes"`
	Tasks         []TaskSpec `json:"tasks" yaml:"tasks"`
}

type TaskSpec struct {
	Key              string   `json:"key" yaml:"key"`
	Title            string   `json:"title" yaml:"title"`
	AssignedRole     string   `json:"assigned_role,omitempty" yaml:"assigned_role"`
	EstimateMinutes  int      `json:"estimate_minutes,omitempty" yaml:"estimate_minutes"`
	Priority         int      `json:"priority,omitempty" yaml:"priority"`
	RequiresApproval bool     `json:"requires_approval,omitempty" yaml:"requires_approval"`
	DependsOn        []string `json:"depends_on,omitempty" yaml:"depends_on"`
}

// Validate rejects a plan that could never finish: duplicate or missing
// keys, dependencies reaching into later phases, or a dependency cycle.
func (p PlanSpec) Validate() error {
	if p.Name == "" {
		return fmt.Errorf("plan name is required")
	}
	if len(p.Phases) == 0 {
		return fmt.Errorf("plan %q has no phases", p.Name)
	}
	phaseOf := map[string]int{}
	for pi, ph := range p.Phases {
		if ph.Name == "" {
			return fmt.Errorf("phase %d has no name", pi+1)
		}
		if len(ph.Tasks) == 0 {
			return fmt.Errorf("phase %q has no tasks", ph.Name)
		}
		for _, t := range ph.Tasks {
			if t.Key == "" {
				return fmt.Errorf("phase %q: task without key", ph.Name)
			}
			if t.Title == "" {
				return fmt.Errorf("task %q has no title", t.Key)
			}
			if _, dup := phaseOf[t.Key]; dup {
				return fmt.Errorf("duplicate task key %q", t.Key)
			}
			phaseOf[t.Key] = pi
		}
	}
	deps := map[string][]string{}
	for pi, ph := range p.Phases {
		for _, t := range ph.Tasks {
			for _, d := range t.DependsOn {
				dp, ok := phaseOf[d]
				if !ok {
					return fmt.Errorf("task %q depends on unknown task %q", t.Key, d)
				}
				if d == t.Key {
					return fmt.Errorf("task %q depends on itself", t.Key)
				}
				if dp > pi {
					return fmt.Errorf("task %q depends on %q in a later phase", t.Key, d)
				}
				deps[t.Key] = append(deps[t.Key], d)
			}
		}
	}
	return checkAcyclic(phaseOf, deps)
}

// checkAcyclic runs Kahn's algorithm over the dependency graph; leftover
// nodes mean a cycle.
func checkAcyclic(nodes map[string]int, deps map[string][]string) error {
	indegree := map[string]int{}
	dependents := map[string][]string{}
	for key := range nodes {
		indegree[key] = len(deps[key])
		for _, d := range deps[key] {
			dependents[d] = append(dependents[d], key)
		}
	}
	var queue []string
	for key, n := range indegree {
		if n == 0 {
			queue = append(queue, key)
		}
	}
	seen := 0
	for len(queue) > 0 {
		key := queue[0]
		queue = queue[1:]
		seen++
		for _, dep := range dependents[key] {
			indegree[dep]--
			if indegree[dep] == 0 {
				queue = append(queue, dep)
			}
		}
	}
	if seen != len(nodes) {
		var stuck []string
		for key, n := range indegree {
			if n > 0 {
				stuck = append(stuck, key)
			}
		}
		return fmt.Errorf("dependency cycle among tasks %v", stuck)
	}
	return nil
}
