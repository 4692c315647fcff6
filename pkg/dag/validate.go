// Package dag validates task plans and executes them with
// dependency-respecting parallelism: ready tasks dispatch in priority order
// up to a concurrency cap, completed outputs flow to dependents, and a
// failed task transitively skips its descendants.
package dag

import (
	"errors"
	"fmt"
	"strings"

	"github.com/codeready-toolchain/delegate/pkg/models"
)

// Sentinel validation errors. Plans that fail validation never reach
// execution.
var (
	ErrEmptyPlan         = errors.New("plan has no tasks")
	ErrDuplicateTaskID   = errors.New("duplicate task id")
	ErrUnknownDependency = errors.New("dependency references unknown task")
	ErrSelfDependency    = errors.New("task depends on itself")
	ErrNoRoot            = errors.New("plan has no dependency-free task")
)

// CycleError reports the nodes participating in a dependency cycle.
type CycleError struct {
	Nodes []string
}

func (e *CycleError) Error() string {
	return fmt.Sprintf("plan contains a dependency cycle: %s", strings.Join(e.Nodes, " -> "))
}

// Validate checks the structural invariants of a plan: unique ids, known
// dependencies, no self-references, acyclic, and at least one root.
func Validate(plan *models.TaskPlan) error {
	if plan == nil || len(plan.Tasks) == 0 {
		return ErrEmptyPlan
	}

	ids := make(map[string]bool, len(plan.Tasks))
	for _, t := range plan.Tasks {
		if ids[t.ID] {
			return fmt.Errorf("%w: %s", ErrDuplicateTaskID, t.ID)
		}
		ids[t.ID] = true
	}

	hasRoot := false
	for _, t := range plan.Tasks {
		if len(t.DependsOn) == 0 {
			hasRoot = true
		}
		for _, dep := range t.DependsOn {
			if dep == t.ID {
				return fmt.Errorf("%w: %s", ErrSelfDependency, t.ID)
			}
			if !ids[dep] {
				return fmt.Errorf("%w: %s -> %s", ErrUnknownDependency, t.ID, dep)
			}
		}
	}
	if !hasRoot {
		return ErrNoRoot
	}

	if cycle := findCycle(plan.Tasks); cycle != nil {
		return &CycleError{Nodes: cycle}
	}
	return nil
}

// findCycle runs a three-color DFS and returns the node ids on the first
// cycle found, or nil.
func findCycle(tasks []models.TaskNode) []string {
	const (
		white = 0
		gray  = 1
		black = 2
	)
	deps := make(map[string][]string, len(tasks))
	order := make([]string, 0, len(tasks))
	for _, t := range tasks {
		deps[t.ID] = t.DependsOn
		order = append(order, t.ID)
	}

	color := make(map[string]int, len(tasks))
	var stack []string
	var cycle []string

	var visit func(id string) bool
	visit = func(id string) bool {
		color[id] = gray
		stack = append(stack, id)
		for _, dep := range deps[id] {
			switch color[dep] {
			case gray:
				// Found the back edge; extract the cycle from the stack.
				for i, n := range stack {
					if n == dep {
						cycle = append([]string{}, stack[i:]...)
						return true
					}
				}
				cycle = []string{dep, id}
				return true
			case white:
				if visit(dep) {
					return true
				}
			}
		}
		stack = stack[:len(stack)-1]
		color[id] = black
		return false
	}

	for _, id := range order {
		if color[id] == white && visit(id) {
			return cycle
		}
	}
	return nil
}
