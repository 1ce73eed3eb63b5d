package task

import (
	"testing"
	"time"

	conclaveErrors "github.com/conclave-oss/conclave/internal/errors"
	"github.com/stretchr/testify/assert"
)

func snap(id string, status Status, priority int, createdAt time.Time, deps ...string) Snapshot {
	return Snapshot{
		ID:           id,
		Status:       status,
		Priority:     priority,
		CreatedAt:    createdAt,
		Dependencies: deps,
	}
}

func TestDependencyResolver_Validate_Valid(t *testing.T) {
	r := NewDependencyResolver()
	now := time.Now()
	snaps := []Snapshot{
		snap("a", Queued, 0, now),
		snap("b", Queued, 0, now, "a"),
		snap("c", Queued, 0, now, "b"),
	}
	assert.NoError(t, r.Validate(snaps))
}

func TestDependencyResolver_Validate_MissingDep(t *testing.T) {
	r := NewDependencyResolver()
	now := time.Now()
	snaps := []Snapshot{snap("a", Queued, 0, now, "nonexistent")}

	err := r.Validate(snaps)
	assert.Error(t, err)
	assert.Equal(t, conclaveErrors.CodeInvalidDependency, conclaveErrors.AsCode(err))
}

func TestDependencyResolver_Validate_Cycle(t *testing.T) {
	r := NewDependencyResolver()
	now := time.Now()
	snaps := []Snapshot{
		snap("a", Queued, 0, now, "c"),
		snap("b", Queued, 0, now, "a"),
		snap("c", Queued, 0, now, "b"),
	}

	err := r.Validate(snaps)
	assert.Error(t, err)
	assert.Equal(t, conclaveErrors.CodeCyclicDependency, conclaveErrors.AsCode(err))
}

func TestDependencyResolver_Validate_SelfCycle(t *testing.T) {
	r := NewDependencyResolver()
	now := time.Now()
	snaps := []Snapshot{snap("a", Queued, 0, now, "a")}

	err := r.Validate(snaps)
	assert.Error(t, err)
	assert.Equal(t, conclaveErrors.CodeCyclicDependency, conclaveErrors.AsCode(err))
}

func TestDependencyResolver_TopologicalOrder_Diamond(t *testing.T) {
	r := NewDependencyResolver()
	now := time.Now()
	snaps := []Snapshot{
		snap("a", Queued, 0, now),
		snap("b", Queued, 0, now, "a"),
		snap("c", Queued, 0, now, "a"),
		snap("d", Queued, 0, now, "b", "c"),
	}

	order, err := r.TopologicalOrder(snaps)
	assert.NoError(t, err)
	assert.Len(t, order, 4)

	pos := make(map[string]int, len(order))
	for i, s := range order {
		pos[s.ID] = i
	}
	assert.Less(t, pos["a"], pos["b"])
	assert.Less(t, pos["a"], pos["c"])
	assert.Less(t, pos["b"], pos["d"])
	assert.Less(t, pos["c"], pos["d"])
}

func TestDependencyResolver_TopologicalOrder_RejectsCycle(t *testing.T) {
	r := NewDependencyResolver()
	now := time.Now()
	snaps := []Snapshot{
		snap("a", Queued, 0, now, "b"),
		snap("b", Queued, 0, now, "a"),
	}

	_, err := r.TopologicalOrder(snaps)
	assert.Error(t, err)
}

func TestDependencyResolver_Ready_InitiallyReady(t *testing.T) {
	r := NewDependencyResolver()
	now := time.Now()
	snaps := []Snapshot{
		snap("a", Queued, 0, now),
		snap("b", Queued, 0, now),
		snap("c", Queued, 0, now, "a"),
	}

	ready := r.Ready(snaps)
	assert.Len(t, ready, 2)
}

func TestDependencyResolver_Ready_AfterCompletion(t *testing.T) {
	r := NewDependencyResolver()
	now := time.Now()
	snaps := []Snapshot{
		snap("a", Completed, 0, now),
		snap("b", Queued, 0, now, "a"),
	}

	ready := r.Ready(snaps)
	assert.Len(t, ready, 1)
	assert.Equal(t, "b", ready[0].ID)
}

func TestDependencyResolver_Ready_PartialDepsNotReady(t *testing.T) {
	r := NewDependencyResolver()
	now := time.Now()
	snaps := []Snapshot{
		snap("a", Completed, 0, now),
		snap("b", Queued, 0, now),
		snap("c", Queued, 0, now, "a", "b"),
	}

	ready := r.Ready(snaps)
	assert.Len(t, ready, 1)
	assert.Equal(t, "b", ready[0].ID)
}

func TestDependencyResolver_Ready_OrderedByPriorityThenAge(t *testing.T) {
	r := NewDependencyResolver()
	now := time.Now()
	snaps := []Snapshot{
		snap("low", Queued, 1, now),
		snap("high-later", Queued, 5, now.Add(time.Minute)),
		snap("high-earlier", Queued, 5, now),
	}

	ready := r.Ready(snaps)
	assert.Equal(t, []string{"high-earlier", "high-later", "low"}, []string{ready[0].ID, ready[1].ID, ready[2].ID})
}

func TestDependencyResolver_Dependents(t *testing.T) {
	r := NewDependencyResolver()
	now := time.Now()
	snaps := []Snapshot{
		snap("a", Queued, 0, now),
		snap("b", Queued, 0, now, "a"),
		snap("c", Queued, 0, now, "b"),
		snap("d", Queued, 0, now),
	}

	deps := r.Dependents(snaps, "a")
	assert.Equal(t, []string{"b", "c"}, deps)
}
