// Package router scores agent types against a task's declared type,
// required capabilities, and description, and picks the best match,
// tracking per-agent workload so the score reflects current load rather
// than raw capability alone.
package router

import (
	"strings"
	"sync"

	"github.com/conclave-oss/conclave/internal/telemetry"
)

// AgentCapability is one skill an agent profile advertises, with a
// confidence in [0, 1] the router uses as the capability's score
// contribution.
type AgentCapability struct {
	Name       string
	Confidence float64
}

// AgentProfile describes one agent type's capabilities and specialties.
type AgentProfile struct {
	AgentType    string
	Capabilities []AgentCapability
	Specialties  []string
	Metadata     map[string]interface{}
}

func (p AgentProfile) capabilityConfidence(name string) (float64, bool) {
	lower := strings.ToLower(name)
	for _, c := range p.Capabilities {
		if strings.ToLower(c.Name) == lower {
			return c.Confidence, true
		}
	}
	return 0, false
}

func (p AgentProfile) hasSpecialty(name string) bool {
	lower := strings.ToLower(name)
	for _, s := range p.Specialties {
		if strings.ToLower(s) == lower {
			return true
		}
	}
	return false
}

// DefaultProfiles returns the five built-in agent profiles:
// builder, researcher, planner, ops, and memory.
func DefaultProfiles() []AgentProfile {
	return []AgentProfile{
		{
			AgentType: "builder",
			Capabilities: []AgentCapability{
				{Name: "code_generation", Confidence: 0.9},
				{Name: "debugging", Confidence: 0.85},
				{Name: "refactoring", Confidence: 0.8},
				{Name: "architecture_design", Confidence: 0.75},
			},
			Specialties: []string{"development", "implementation", "coding"},
			Metadata:    map[string]interface{}{"personality": "Blunt, precise, senior backend engineer"},
		},
		{
			AgentType: "researcher",
			Capabilities: []AgentCapability{
				{Name: "information_gathering", Confidence: 0.95},
				{Name: "data_analysis", Confidence: 0.85},
				{Name: "competitive_analysis", Confidence: 0.8},
				{Name: "trend_identification", Confidence: 0.75},
			},
			Specialties: []string{"research", "analysis", "investigation"},
			Metadata:    map[string]interface{}{"personality": "Thorough, analytical, detail-oriented"},
		},
		{
			AgentType: "planner",
			Capabilities: []AgentCapability{
				{Name: "task_decomposition", Confidence: 0.9},
				{Name: "dependency_management", Confidence: 0.85},
				{Name: "resource_allocation", Confidence: 0.8},
				{Name: "risk_assessment", Confidence: 0.75},
			},
			Specialties: []string{"planning", "coordination", "strategy"},
			Metadata:    map[string]interface{}{"personality": "Strategic, senior PM style"},
		},
		{
			AgentType: "ops",
			Capabilities: []AgentCapability{
				{Name: "deployment", Confidence: 0.9},
				{Name: "monitoring", Confidence: 0.85},
				{Name: "infrastructure_management", Confidence: 0.8},
				{Name: "performance_optimization", Confidence: 0.75},
			},
			Specialties: []string{"operations", "deployment", "infrastructure"},
			Metadata:    map[string]interface{}{"personality": "Reliable, systematic, efficiency-focused"},
		},
		{
			AgentType: "memory",
			Capabilities: []AgentCapability{
				{Name: "information_retrieval", Confidence: 0.95},
				{Name: "context_management", Confidence: 0.9},
				{Name: "knowledge_organization", Confidence: 0.85},
				{Name: "pattern_recognition", Confidence: 0.8},
			},
			Specialties: []string{"retrieval", "storage", "context"},
			Metadata:    map[string]interface{}{"personality": "Associative, contextual, detail-oriented"},
		},
	}
}

// Request describes the task a Router is asked to route.
type Request struct {
	Description          string
	TaskType             string
	RequiredCapabilities []string
	PreferredAgent       string
}

// Decision is the outcome of routing one Request.
type Decision struct {
	AgentType  string
	Confidence float64
	Reason     string
	Workload   int
}

// maxPossibleScore approximates the highest score findBestAgent could
// realistically produce, used to normalize a raw score into [0, 1].
const maxPossibleScore = 5.0

// workloadPenaltyCap bounds how much accumulated workload can subtract
// from a candidate's score, so a very busy agent loses at most this much
// to load; a candidate whose score is already below the cap can still
// end up negative.
const workloadPenaltyCap = 0.5

// Router scores agent profiles against task requests and tracks the
// workload each routing decision adds, so repeated calls spread load
// across agents of comparable capability instead of piling onto one.
type Router struct {
	mu       sync.Mutex
	profiles map[string]AgentProfile
	workload map[string]int
	order    []string
	logger   *telemetry.Logger
}

// New constructs a Router over the given profiles (use DefaultProfiles
// for the built-in roster).
func New(profiles []AgentProfile, logger *telemetry.Logger) *Router {
	r := &Router{
		profiles: make(map[string]AgentProfile, len(profiles)),
		workload: make(map[string]int, len(profiles)),
		logger:   logger,
	}
	// order preserves registration order; a scoring tie resolves to the
	// earliest registered profile.
	for _, p := range profiles {
		r.profiles[p.AgentType] = p
		r.workload[p.AgentType] = 0
		r.order = append(r.order, p.AgentType)
	}
	return r
}

// Route picks the best agent for req: an explicit PreferredAgent that
// names a known profile short-circuits with full confidence, otherwise
// the highest-scoring profile wins.
func (r *Router) Route(req Request) Decision {
	r.mu.Lock()
	defer r.mu.Unlock()

	var decision Decision
	if req.PreferredAgent != "" {
		if _, ok := r.profiles[req.PreferredAgent]; ok {
			decision = Decision{AgentType: req.PreferredAgent, Confidence: 1.0, Reason: "explicitly requested agent"}
		}
	}
	if decision.AgentType == "" {
		decision = r.findBestAgent(req)
	}

	r.workload[decision.AgentType]++
	decision.Workload = r.workload[decision.AgentType]

	if r.logger != nil {
		r.logger.Info("routed task", "agent", decision.AgentType, "confidence", decision.Confidence, "reason", decision.Reason)
	}
	return decision
}

func (r *Router) findBestAgent(req Request) Decision {
	scores := make(map[string]float64, len(r.order))
	reasons := make(map[string][]string, len(r.order))

	taskLower := strings.ToLower(req.Description)

	for _, agentType := range r.order {
		profile := r.profiles[agentType]

		if req.TaskType != "" && profile.hasSpecialty(req.TaskType) {
			scores[agentType] += 2.0
			reasons[agentType] = append(reasons[agentType], "specializes in "+req.TaskType)
		}

		for _, capability := range req.RequiredCapabilities {
			if confidence, ok := profile.capabilityConfidence(capability); ok {
				scores[agentType] += confidence
				reasons[agentType] = append(reasons[agentType], "has capability: "+capability)
			}
		}

		for _, specialty := range profile.Specialties {
			if strings.Contains(taskLower, strings.ToLower(specialty)) {
				scores[agentType] += 1.0
				reasons[agentType] = append(reasons[agentType], "task mentions specialty: "+specialty)
			}
		}
		for _, capability := range profile.Capabilities {
			if strings.Contains(taskLower, strings.ToLower(capability.Name)) {
				scores[agentType] += 0.5
				reasons[agentType] = append(reasons[agentType], "task mentions capability: "+capability.Name)
			}
		}

		penalty := float64(r.workload[agentType]) * 0.1
		if penalty > workloadPenaltyCap {
			penalty = workloadPenaltyCap
		}
		scores[agentType] -= penalty
	}

	best := r.order[0]
	for _, agentType := range r.order {
		if scores[agentType] > scores[best] {
			best = agentType
		}
	}

	confidence := scores[best] / maxPossibleScore
	if confidence > 1.0 {
		confidence = 1.0
	}
	if confidence < 0 {
		confidence = 0
	}

	return Decision{
		AgentType:  best,
		Confidence: confidence,
		Reason:     strings.Join(reasons[best], "; "),
	}
}

// ReleaseWorkload decrements the tracked workload for agentType, called
// when a task assigned to it completes or fails terminally.
func (r *Router) ReleaseWorkload(agentType string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.workload[agentType] > 0 {
		r.workload[agentType]--
	}
}

// Profile returns the named agent's profile, if registered.
func (r *Router) Profile(agentType string) (AgentProfile, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.profiles[agentType]
	return p, ok
}

// Workload returns the current tracked workload for agentType.
func (r *Router) Workload(agentType string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.workload[agentType]
}
