// internal/mission/graph.go
package mission

import (
	"sort"
	"strings"
)

// ValidatePlan rejects plans that are empty, have missing or duplicate keys,
// reference unknown dependencies, or contain a dependency cycle.
// All failures are PLAN_INVALID errors.
func ValidatePlan(spec PlanSpec) error {
	const op = "mission.ValidatePlan"
	if len(spec.Tasks) == 0 {
		return Errorf(CodePlanInvalid, op, "plan has no tasks")
	}

	deps := make(map[string][]string, len(spec.Tasks))
	for i, t := range spec.Tasks {
		key := strings.TrimSpace(t.Key)
		if key == "" {
			return Errorf(CodePlanInvalid, op, "task %d has an empty key", i)
		}
		if _, dup := deps[key]; dup {
			return Errorf(CodePlanInvalid, op, "duplicate task key %q", key)
		}
		if strings.TrimSpace(t.Tool) == "" {
			return Errorf(CodePlanInvalid, op, "task %q names no tool", key)
		}
		deps[key] = t.DependsOn
	}
	for key, ds := range deps {
		for _, d := range ds {
			if d == key {
				return Errorf(CodePlanInvalid, op, "task %q depends on itself", key)
			}
			if _, ok := deps[d]; !ok {
				return Errorf(CodePlanInvalid, op, "task %q depends on unknown task %q", key, d)
			}
		}
	}
	if cycle := findCycle(spec.Tasks, deps); cycle != nil {
		return Errorf(CodePlanInvalid, op, "dependency cycle detected: %s", strings.Join(cycle, " -> "))
	}
	return nil
}

const (
	white = iota // unvisited
	gray         // on the current DFS path
	black        // fully explored
)

// findCycle runs a coloured DFS in declaration order and returns the first
// cycle it meets as a closed path, or nil.
func findCycle(tasks []TaskSpec, deps map[string][]string) []string {
	color := make(map[string]int, len(deps))
	var path []string

	var visit func(key string) []string
	visit = func(key string) []string {
		color[key] = gray
		path = append(path, key)
		for _, d := range deps[key] {
			switch color[d] {
			case gray:
				start := 0
				for i, k := range path {
					if k == d {
						start = i
						break
					}
				}
				return append(append([]string{}, path[start:]...), d)
			case white:
				if c := visit(d); c != nil {
					return c
				}
			}
		}
		path = path[:len(path)-1]
		color[key] = black
		return nil
	}

	for _, t := range tasks {
		if color[t.Key] == white {
			if c := visit(t.Key); c != nil {
				return c
			}
		}
	}
	return nil
}

// NormalizeDeps returns a sorted copy of deps without duplicates.
func NormalizeDeps(deps []string) []string {
	if len(deps) == 0 {
		return []string{}
	}
	seen := make(map[string]struct{}, len(deps))
	out := make([]string, 0, len(deps))
	for _, d := range deps {
		if _, ok := seen[d]; ok {
			continue
		}
		seen[d] = struct{}{}
		out = append(out, d)
	}
	sort.Strings(out)
	return out
}

// Runnable returns the PENDING tasks of p whose dependencies all SUCCEEDED,
// in plan order.
func (p *Plan) Runnable() []Task {
	status := p.StatusByKey()
	var out []Task
	for _, t := range p.Tasks {
		if t.Status != TaskPending {
			continue
		}
		ready := true
		for _, d := range t.DependsOn {
			if status[d] != TaskSucceeded {
				ready = false
				break
			}
		}
		if ready {
			out = append(out, t)
		}
	}
	return out
}

// Blocked returns the PENDING tasks of p with at least one FAILED or SKIPPED
// dependency, in plan order.
func (p *Plan) Blocked() []Task {
	status := p.StatusByKey()
	var out []Task
	for _, t := range p.Tasks {
		if t.Status != TaskPending {
			continue
		}
		if len(FailedDependencies(t, status)) > 0 {
			out = append(out, t)
		}
	}
	return out
}

// FailedDependencies lists the dependencies of t that FAILED or were SKIPPED.
func FailedDependencies(t Task, status map[string]TaskStatus) []string {
	var failed []string
	for _, d := range t.DependsOn {
		if s := status[d]; s == TaskFailed || s == TaskSkipped {
			failed = append(failed, d)
		}
	}
	return failed
}

// StatusByKey maps task keys to their current status.
func (p *Plan) StatusByKey() map[string]TaskStatus {
	m := make(map[string]TaskStatus, len(p.Tasks))
	for _, t := range p.Tasks {
		m[t.Key] = t.Status
	}
	return m
}

// Counts returns the number of tasks in each status.
func (p *Plan) Counts() map[TaskStatus]int {
	c := make(map[TaskStatus]int, 5)
	for _, t := range p.Tasks {
		c[t.Status]++
	}
	return c
}
