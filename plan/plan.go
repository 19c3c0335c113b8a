// Package plan defines the step DAG the planner produces and the engine
// consumes, plus acyclicity checking adapted from the teacher's workflow DAG.
package plan

import (
	"fmt"
	"sync"

	"github.com/google/uuid"
)

// Strategy identifies which planning algorithm produced a Plan.
type Strategy string

const (
	StrategyDeterministic Strategy = "deterministic"
	StrategyHeuristic     Strategy = "heuristic"
)

// Step is one action invocation within a Plan.
type Step struct {
	ID                 uuid.UUID   `json:"id"`
	Name               string      `json:"name"`
	Action             string      `json:"action"`
	EstimatedCost      float64     `json:"estimated_cost"`
	EstimatedDurationMs uint64     `json:"estimated_duration_ms"`
	DependsOn          []uuid.UUID `json:"depends_on"`
}

// Plan is the DAG of steps a planner proposes to satisfy an intent.
type Plan struct {
	ID                uuid.UUID `json:"id"`
	IntentID          uuid.UUID `json:"intent_id"`
	Strategy          Strategy  `json:"strategy"`
	Steps             []Step    `json:"steps"`
	EstimatedCost     float64   `json:"estimated_cost"`
	EstimatedLatencyMs uint64   `json:"estimated_latency_ms"`
	ConfidenceScore   float32   `json:"confidence_score"`
}

// New returns an empty Plan for intentID under the given strategy.
func New(intentID uuid.UUID, strategy Strategy) *Plan {
	return &Plan{
		ID:       uuid.New(),
		IntentID: intentID,
		Strategy: strategy,
	}
}

// Validate checks the DAG invariant from §3: depends_on references only
// earlier step ids within the same plan and the graph is acyclic. Because
// steps are appended in planning order and depends_on may only name ids
// already seen, a single forward pass over the step list both detects
// unknown references and forward/self references in one sweep.
func (p *Plan) Validate() error {
	seen := make(map[uuid.UUID]bool, len(p.Steps))
	for _, step := range p.Steps {
		for _, dep := range step.DependsOn {
			if !seen[dep] {
				return fmt.Errorf("plan: step %s depends on %s which is not an earlier step", step.ID, dep)
			}
		}
		seen[step.ID] = true
	}
	return nil
}

// RecomputeEstimates sets EstimatedCost and EstimatedLatencyMs to the sum
// over all steps, as required by invariant I3.
func (p *Plan) RecomputeEstimates() {
	var cost float64
	var latency uint64
	for _, s := range p.Steps {
		cost += s.EstimatedCost
		latency += s.EstimatedDurationMs
	}
	p.EstimatedCost = cost
	p.EstimatedLatencyMs = latency
}

// Clone returns a deep copy of p, used when the engine re-quotes a plan for a
// counter-offer so the stored original is not mutated.
func (p *Plan) Clone() *Plan {
	cp := *p
	cp.Steps = make([]Step, len(p.Steps))
	for i, s := range p.Steps {
		cs := s
		cs.DependsOn = append([]uuid.UUID(nil), s.DependsOn...)
		cp.Steps[i] = cs
	}
	return &cp
}

// StepStatus tracks a step's progress within a DAG-aware executor. Linear
// plans (the planner's own output) never need more than sequential
// execution, but the executor also accepts hand-assembled DAGs with
// parallel branches, so status tracking mirrors the teacher's DAGNode.
type StepStatus int

const (
	StepPending StepStatus = iota
	StepRunning
	StepCompleted
	StepFailed
	StepSkipped
)

// DAG wraps a Plan with the mutable per-step status bookkeeping the engine's
// worker pool needs to compute ready sets and level groupings, adapted from
// the teacher's WorkflowDAG (orchestration/workflow_dag.go).
type DAG struct {
	mu       sync.RWMutex
	stepsByID map[uuid.UUID]*Step
	status    map[uuid.UUID]StepStatus
	order     []uuid.UUID
}

// NewDAG builds a DAG view over p's steps. p must already satisfy Validate.
func NewDAG(p *Plan) *DAG {
	d := &DAG{
		stepsByID: make(map[uuid.UUID]*Step, len(p.Steps)),
		status:    make(map[uuid.UUID]StepStatus, len(p.Steps)),
		order:     make([]uuid.UUID, 0, len(p.Steps)),
	}
	for i := range p.Steps {
		s := &p.Steps[i]
		d.stepsByID[s.ID] = s
		d.status[s.ID] = StepPending
		d.order = append(d.order, s.ID)
	}
	return d
}

// Ready returns step ids whose dependencies have all completed (or been
// skipped) and which are themselves still pending.
func (d *DAG) Ready() []uuid.UUID {
	d.mu.RLock()
	defer d.mu.RUnlock()

	var ready []uuid.UUID
	for _, id := range d.order {
		if d.status[id] != StepPending {
			continue
		}
		if d.dependenciesDone(id) {
			ready = append(ready, id)
		}
	}
	return ready
}

func (d *DAG) dependenciesDone(id uuid.UUID) bool {
	step := d.stepsByID[id]
	for _, dep := range step.DependsOn {
		st, ok := d.status[dep]
		if !ok || (st != StepCompleted && st != StepSkipped) {
			return false
		}
	}
	return true
}

func (d *DAG) MarkRunning(id uuid.UUID) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.status[id] = StepRunning
}

func (d *DAG) MarkCompleted(id uuid.UUID) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.status[id] = StepCompleted
}

// MarkFailed marks id failed and recursively skips every step that depends
// on it, transitively, matching the teacher's markDependentsSkipped.
func (d *DAG) MarkFailed(id uuid.UUID) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.status[id] = StepFailed
	d.skipDependents(id)
}

func (d *DAG) skipDependents(id uuid.UUID) {
	for _, otherID := range d.order {
		step := d.stepsByID[otherID]
		for _, dep := range step.DependsOn {
			if dep == id && d.status[otherID] == StepPending {
				d.status[otherID] = StepSkipped
				d.skipDependents(otherID)
			}
		}
	}
}

// Step looks up a step by id.
func (d *DAG) Step(id uuid.UUID) (*Step, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	s, ok := d.stepsByID[id]
	return s, ok
}

// IsComplete reports whether every step has reached a terminal status.
func (d *DAG) IsComplete() bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	for _, st := range d.status {
		if st == StepPending || st == StepRunning {
			return false
		}
	}
	return true
}

// HasFailures reports whether any step ended Failed.
func (d *DAG) HasFailures() bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	for _, st := range d.status {
		if st == StepFailed {
			return true
		}
	}
	return false
}

// CompletedStepIDs returns the ids of every step that reached StepCompleted,
// in reverse of the DAG's build order. Since order already respects
// DependsOn (a step never precedes one of its dependencies), walking it
// backwards visits completed steps in reverse dependency order - the order a
// compensating rollback must run in.
func (d *DAG) CompletedStepIDs() []uuid.UUID {
	d.mu.RLock()
	defer d.mu.RUnlock()

	var completed []uuid.UUID
	for i := len(d.order) - 1; i >= 0; i-- {
		id := d.order[i]
		if d.status[id] == StepCompleted {
			completed = append(completed, id)
		}
	}
	return completed
}
