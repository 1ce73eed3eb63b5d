// Package worker provides the WorkerAgent implementations core ships
// with. Real worker agents that call out to an LLM provider are out of
// core scope; EchoWorker and Registry exist so the coordinator and
// orchestrator are fully exercisable in tests without a real agent, and
// internal/app wires NewEchoRegistry as its worker registry.
package worker

import (
	"context"
	"fmt"

	"github.com/conclave-oss/conclave/internal/coordinator"
	"github.com/conclave-oss/conclave/internal/task"
)

// EchoWorker is a trivial coordinator.WorkerAgent that reports a canned
// result describing the task it was handed, honoring context
// cancellation. Embedders replace it with a worker that actually
// invokes an LLM.
type EchoWorker struct {
	agentType string
}

// NewEchoWorker constructs an EchoWorker that answers to agentType.
func NewEchoWorker(agentType string) *EchoWorker {
	return &EchoWorker{agentType: agentType}
}

// AgentType reports the agent type this worker answers to.
func (w *EchoWorker) AgentType() string {
	return w.agentType
}

// Run returns a canned acknowledgement of t, or ctx.Err() if ctx is
// already canceled when the call is made.
func (w *EchoWorker) Run(ctx context.Context, t task.Snapshot) (interface{}, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}
	return fmt.Sprintf("%s handled %q", w.agentType, t.Description), nil
}

// Registry maps agent types to the coordinator.WorkerAgent instance
// that should handle them. ForAgentType satisfies
// coordinator.WorkerResolver.
type Registry struct {
	workers map[string]coordinator.WorkerAgent
}

// NewRegistry builds an empty Registry.
func NewRegistry() *Registry {
	return &Registry{workers: make(map[string]coordinator.WorkerAgent)}
}

// Register adds w under its own AgentType, overwriting any prior worker
// registered for that type.
func (r *Registry) Register(w coordinator.WorkerAgent) {
	r.workers[w.AgentType()] = w
}

// ForAgentType looks up the worker registered for agentType.
func (r *Registry) ForAgentType(agentType string) (coordinator.WorkerAgent, bool) {
	w, ok := r.workers[agentType]
	return w, ok
}

// NewEchoRegistry builds a Registry with one EchoWorker per built-in
// router profile (builder, researcher, planner, ops, memory), the
// default wiring for internal/app and package tests.
func NewEchoRegistry() *Registry {
	r := NewRegistry()
	for _, agentType := range []string{"builder", "researcher", "planner", "ops", "memory"} {
		r.Register(NewEchoWorker(agentType))
	}
	return r
}
