package task

import "time"

// Decomposer breaks a Goal into an ordered set of Task specs. Real
// decomposition (asking an LLM to plan subtasks from a goal description)
// is out of scope here; this package only defines the seam so the
// orchestrator can be driven by a stand-in during development and tests
// and swapped for a real planner later without touching scheduling code.
type Decomposer interface {
	Decompose(goal *Goal) []Spec
}

// StaticDecomposer always returns the same fixed three-subtask plan
// regardless of the goal's description: an independent first subtask,
// a second subtask depending on the first, and a third depending on
// both. This mirrors the placeholder decomposition the task planner
// used before a real planning step existed, and is useful here for the
// same reason: it exercises the full dependency-graph machinery
// (fan-out, fan-in, ready-set computation) without requiring a real
// decomposition engine.
type StaticDecomposer struct {
	MaxRetries int
}

// NewStaticDecomposer constructs a StaticDecomposer with the given
// per-task retry budget.
func NewStaticDecomposer(maxRetries int) *StaticDecomposer {
	return &StaticDecomposer{MaxRetries: maxRetries}
}

func (d *StaticDecomposer) Decompose(goal *Goal) []Spec {
	first := NewTaskID()
	second := NewTaskID()
	third := NewTaskID()

	return []Spec{
		{
			ID:          first,
			GoalID:      goal.ID,
			Description: "Subtask 1: " + goal.Description,
			Priority:    1,
			MaxRetries:  d.MaxRetries,
		},
		{
			ID:           second,
			GoalID:       goal.ID,
			Description:  "Subtask 2: " + goal.Description,
			Priority:     1,
			Dependencies: []string{first},
			MaxRetries:   d.MaxRetries,
		},
		{
			ID:           third,
			GoalID:       goal.ID,
			Description:  "Subtask 3: " + goal.Description,
			Priority:     1,
			Dependencies: []string{first, second},
			MaxRetries:   d.MaxRetries,
		},
	}
}

// NewTasks builds Task values from specs sharing a single creation
// timestamp, as the orchestrator does when it materializes a
// decomposition result.
func NewTasks(specs []Spec, now time.Time) []*Task {
	tasks := make([]*Task, len(specs))
	for i, spec := range specs {
		tasks[i] = New(spec, now)
	}
	return tasks
}
