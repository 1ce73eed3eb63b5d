package task

import (
	"fmt"
	"sort"

	conclaveErrors "github.com/conclave-oss/conclave/internal/errors"
)

// DependencyResolver validates and queries a goal's subtask DAG. It holds
// no state of its own: every operation takes the task snapshots it needs
// to reason about, so the same resolver value is safe to share across
// goals and to call concurrently.
type DependencyResolver struct{}

// NewDependencyResolver constructs a DependencyResolver. It carries no
// state; the constructor exists so callers compose it like the rest of
// the system's dependency-injected components.
func NewDependencyResolver() *DependencyResolver {
	return &DependencyResolver{}
}

func depMap(snaps []Snapshot) map[string][]string {
	deps := make(map[string][]string, len(snaps))
	for _, s := range snaps {
		deps[s.ID] = s.Dependencies
	}
	return deps
}

func childMap(snaps []Snapshot) map[string][]string {
	children := make(map[string][]string, len(snaps))
	for _, s := range snaps {
		for _, dep := range s.Dependencies {
			children[dep] = append(children[dep], s.ID)
		}
	}
	return children
}

// Validate rejects any cycle in the given tasks' dependency edges,
// reporting the edge that closes the cycle ("x -> y"), not the whole
// cycle path. It also rejects a dependency that names a task ID not
// present in snaps.
func (r *DependencyResolver) Validate(snaps []Snapshot) error {
	deps := depMap(snaps)
	ids := make(map[string]bool, len(snaps))
	for _, s := range snaps {
		ids[s.ID] = true
	}
	for id, ds := range deps {
		for _, dep := range ds {
			if !ids[dep] {
				return conclaveErrors.New(conclaveErrors.CodeInvalidDependency,
					fmt.Sprintf("task %s depends on unknown task %s", id, dep))
			}
		}
	}

	visited := make(map[string]bool)
	recStack := make(map[string]bool)

	var hasCycle func(id string) (bool, string)
	hasCycle = func(id string) (bool, string) {
		visited[id] = true
		recStack[id] = true
		for _, dep := range deps[id] {
			if !visited[dep] {
				if found, cycle := hasCycle(dep); found {
					return true, cycle
				}
			} else if recStack[dep] {
				return true, fmt.Sprintf("%s -> %s", id, dep)
			}
		}
		recStack[id] = false
		return false, ""
	}

	// Deterministic iteration order so the reported cycle edge is stable.
	orderedIDs := make([]string, 0, len(snaps))
	for _, s := range snaps {
		orderedIDs = append(orderedIDs, s.ID)
	}
	sort.Strings(orderedIDs)

	for _, id := range orderedIDs {
		if !visited[id] {
			if found, cycle := hasCycle(id); found {
				return conclaveErrors.New(conclaveErrors.CodeCyclicDependency,
					fmt.Sprintf("cycle detected involving task %s (%s)", id, cycle)).
					WithSuggestion("remove or restructure the circular dependency in the task graph")
			}
		}
	}
	return nil
}

// TopologicalOrder returns the tasks in a valid topological order using
// Kahn's algorithm. Ties (multiple tasks with the same in-degree at the
// same step) are broken by ID so the result is deterministic.
func (r *DependencyResolver) TopologicalOrder(snaps []Snapshot) ([]Snapshot, error) {
	if err := r.Validate(snaps); err != nil {
		return nil, err
	}

	byID := make(map[string]Snapshot, len(snaps))
	for _, s := range snaps {
		byID[s.ID] = s
	}
	deps := depMap(snaps)
	children := childMap(snaps)

	inDegree := make(map[string]int, len(snaps))
	for id := range byID {
		inDegree[id] = len(deps[id])
	}

	var queue []string
	for id, degree := range inDegree {
		if degree == 0 {
			queue = append(queue, id)
		}
	}
	sort.Strings(queue)

	var order []Snapshot
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		order = append(order, byID[id])

		next := append([]string(nil), children[id]...)
		sort.Strings(next)
		for _, child := range next {
			inDegree[child]--
			if inDegree[child] == 0 {
				queue = append(queue, child)
				sort.Strings(queue)
			}
		}
	}

	if len(order) != len(snaps) {
		return nil, conclaveErrors.New(conclaveErrors.CodeInternal, "topological sort did not cover all tasks; cycle should have been caught by Validate")
	}
	return order, nil
}

// Ready returns the subset of snaps whose status is Queued and whose
// dependencies are all Completed, ordered by descending priority then
// ascending CreatedAt (the ReadyTasks tie-break rule).
func (r *DependencyResolver) Ready(snaps []Snapshot) []Snapshot {
	byID := make(map[string]Snapshot, len(snaps))
	for _, s := range snaps {
		byID[s.ID] = s
	}

	var ready []Snapshot
	for _, s := range snaps {
		if s.Status != Queued {
			continue
		}
		allDone := true
		for _, dep := range s.Dependencies {
			depSnap, ok := byID[dep]
			if !ok || depSnap.Status != Completed {
				allDone = false
				break
			}
		}
		if allDone {
			ready = append(ready, s)
		}
	}

	SortByPriority(ready)
	return ready
}

// Dependents returns the set of task IDs transitively blocked by id,
// i.e. every task reachable by following "depends on" edges backwards
// from id.
func (r *DependencyResolver) Dependents(snaps []Snapshot, id string) []string {
	children := childMap(snaps)

	seen := make(map[string]bool)
	var walk func(string)
	walk = func(cur string) {
		for _, child := range children[cur] {
			if !seen[child] {
				seen[child] = true
				walk(child)
			}
		}
	}
	walk(id)

	out := make([]string, 0, len(seen))
	for id := range seen {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}
