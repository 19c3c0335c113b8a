package engine

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/orpheon-systems/node/artifact"
	"github.com/orpheon-systems/node/intent"
	"github.com/orpheon-systems/node/logging"
	"github.com/orpheon-systems/node/plan"
	"github.com/orpheon-systems/node/planner"
	"github.com/orpheon-systems/node/telemetry"
)

// Engine drives every known intent through Received -> Planning ->
// (Negotiating ->)? Executing -> (Compensating ->)? {Complete, Failed,
// Cancelled}, matching the status graph of §3.
type Engine struct {
	cfg       Config
	planner   planner.Planner
	runner    StepRunner
	logger    logging.ComponentAwareLogger
	telemetry telemetry.Provider

	store *store

	cancelsMu sync.Mutex
	cancels   map[uuid.UUID]context.CancelFunc
}

// Option configures an Engine at construction time.
type Option func(*Engine)

func WithConfig(cfg Config) Option       { return func(e *Engine) { e.cfg = cfg } }
func WithStepRunner(r StepRunner) Option { return func(e *Engine) { e.runner = r } }
func WithLogger(l logging.ComponentAwareLogger) Option {
	return func(e *Engine) { e.logger = l }
}
func WithTelemetry(t telemetry.Provider) Option {
	return func(e *Engine) { e.telemetry = t }
}

// New constructs an Engine over the given planning strategy.
func New(p planner.Planner, opts ...Option) *Engine {
	e := &Engine{
		cfg:       DefaultConfig(),
		planner:   p,
		runner:    DefaultStepRunner{},
		logger:    logging.NewProductionLogger(),
		telemetry: telemetry.NewNoOpProvider(),
		store:     newStore(),
		cancels:   make(map[uuid.UUID]context.CancelFunc),
	}
	for _, opt := range opts {
		opt(e)
	}
	if scoped, ok := e.logger.WithComponent("node/engine").(logging.ComponentAwareLogger); ok {
		e.logger = scoped
	}
	return e
}

// Run blocks, repeatedly scanning for Received intents and driving one
// through planning/execution per iteration, sleeping PollInterval after every
// iteration.
// It returns when ctx is cancelled.
func (e *Engine) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		e.processPendingIntents(ctx)

		select {
		case <-ctx.Done():
			return
		case <-time.After(e.cfg.PollInterval):
		}
	}
}

// processPendingIntents advances at most one Received intent per call,
// matching the reference engine's one-per-tick discipline.
func (e *Engine) processPendingIntents(ctx context.Context) {
	ids := e.store.listReceived()
	if len(ids) == 0 {
		return
	}

	id := ids[0]
	e.startPlanning(ctx, id)
}

// SubmitIntent validates and registers a new intent in Received status.
func (e *Engine) SubmitIntent(i intent.Intent) error {
	if err := i.Validate(); err != nil {
		return err
	}
	e.store.storeIntent(i)
	return nil
}

// GetRecord returns the current lifecycle record for id.
func (e *Engine) GetRecord(id uuid.UUID) (*Record, bool) {
	return e.store.getIntent(id)
}

// ListRecords returns every known intent's record.
func (e *Engine) ListRecords() []Record {
	return e.store.list()
}

// GetPlan returns the plan with the given id.
func (e *Engine) GetPlan(id uuid.UUID) (*plan.Plan, bool) {
	return e.store.getPlan(id)
}

// GetArtifact returns the artifact with the given id.
func (e *Engine) GetArtifact(id uuid.UUID) (*artifact.Artifact, bool) {
	return e.store.getArtifact(id)
}

// CancelIntent moves a non-terminal intent to Cancelled and cancels its
// execution context if it is already running.
func (e *Engine) CancelIntent(id uuid.UUID) error {
	if err := e.store.cancel(id); err != nil {
		return err
	}

	e.cancelsMu.Lock()
	cancel, ok := e.cancels[id]
	e.cancelsMu.Unlock()
	if ok {
		cancel()
	}
	return nil
}

func (e *Engine) trackCancel(id uuid.UUID, cancel context.CancelFunc) {
	e.cancelsMu.Lock()
	e.cancels[id] = cancel
	e.cancelsMu.Unlock()
}

func (e *Engine) untrackCancel(id uuid.UUID) {
	e.cancelsMu.Lock()
	delete(e.cancels, id)
	e.cancelsMu.Unlock()
}

// startPlanning moves id from Received to Planning, runs the configured
// planner, and on success either hands off to negotiation (if required) or
// straight to execution.
func (e *Engine) startPlanning(ctx context.Context, id uuid.UUID) {
	record, ok := e.store.getIntent(id)
	if !ok {
		return
	}

	e.store.updateStatus(id, intent.StatusPlanning)

	stepCtx, cancel := context.WithCancel(ctx)
	e.trackCancel(id, cancel)
	defer e.untrackCancel(id)
	defer cancel()

	spanCtx, span := e.telemetry.StartSpan(stepCtx, "planning")
	start := time.Now()
	p, err := e.planner.Plan(spanCtx, &record.Intent, planner.NewState())
	e.telemetry.RecordMetric(telemetry.MetricPlanningDurationMs, float64(time.Since(start).Milliseconds()), map[string]string{"kind": record.Intent.Kind})
	if current, ok := e.store.getIntent(id); ok && current.Status == intent.StatusCancelled {
		span.End()
		return
	}
	if err != nil {
		span.RecordError(err)
		span.End()
		e.logger.Error("planning failed", map[string]interface{}{"intent_id": id.String(), "error": err.Error()})
		e.store.setError(id, err.Error())
		e.telemetry.RecordMetric(telemetry.MetricIntentsFailedTotal, 1, map[string]string{"kind": record.Intent.Kind})
		return
	}
	span.SetAttribute("plan.step_count", len(p.Steps))
	span.End()
	e.telemetry.RecordMetric(telemetry.MetricPlanStepsTotal, float64(len(p.Steps)), map[string]string{"kind": record.Intent.Kind})

	e.store.storePlan(id, p)

	if e.cfg.NegotiationRequired {
		e.store.updateStatus(id, intent.StatusNegotiating)
		return
	}

	e.store.updateStatus(id, intent.StatusExecuting)
	e.executePlan(ctx, id, record.Intent, *p)
}

// executePlan drives every ready step of the plan's DAG through the
// configured StepRunner using a bounded worker pool, emitting a
// step_started/step_completed (or step_failed) event for each, then records
// the resulting artifact and final status.
func (e *Engine) executePlan(ctx context.Context, id uuid.UUID, i intent.Intent, p plan.Plan) {
	art := artifact.New(i, p, artifact.SuccessOutcome())

	dag := plan.NewDAG(&p)
	semaphore := make(chan struct{}, e.cfg.WorkerPoolSize)

	stepCtx, cancel := context.WithCancel(ctx)
	e.trackCancel(id, cancel)
	defer e.untrackCancel(id)
	defer cancel()

	for !dag.IsComplete() {
		select {
		case <-stepCtx.Done():
			e.finish(id, art, artifact.CancelledOutcome("client", "execution cancelled"), intent.StatusCancelled)
			return
		default:
		}

		ready := dag.Ready()
		if len(ready) == 0 {
			break
		}

		var wg sync.WaitGroup
		for _, stepID := range ready {
			step, ok := dag.Step(stepID)
			if !ok {
				continue
			}
			dag.MarkRunning(stepID)

			wg.Add(1)
			go e.runStep(stepCtx, &wg, semaphore, dag, art, *step)
		}
		wg.Wait()
	}

	if stepCtx.Err() != nil {
		e.finish(id, art, artifact.CancelledOutcome("client", "execution cancelled"), intent.StatusCancelled)
		return
	}

	if dag.HasFailures() {
		e.handleFailure(stepCtx, id, art, dag.CompletedStepIDs())
		return
	}

	e.finish(id, art, artifact.SuccessOutcome(), intent.StatusComplete)
}

// runStep executes one step under the semaphore, recovering any panic into
// a step_failed event rather than crashing the worker pool (the same
// discipline the teacher's parallel step executor uses).
func (e *Engine) runStep(ctx context.Context, wg *sync.WaitGroup, semaphore chan struct{}, dag *plan.DAG, art *artifact.Artifact, step plan.Step) {
	defer wg.Done()

	semaphore <- struct{}{}
	defer func() { <-semaphore }()

	start := time.Now()
	art.AddEvent(artifact.NewStepStartedEvent(step.ID))

	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("step panicked", map[string]interface{}{
				"step_id": step.ID.String(),
				"panic":   fmt.Sprintf("%v", r),
				"stack":   string(debug.Stack()),
			})
			art.AddEvent(artifact.NewStepFailedEvent(step.ID, fmt.Sprintf("panic: %v", r)))
			dag.MarkFailed(step.ID)
		}
	}()

	err := e.runner.Run(ctx, step)
	elapsedMs := uint64(time.Since(start).Milliseconds())
	e.telemetry.RecordMetric(telemetry.MetricStepDurationMs, float64(elapsedMs), map[string]string{"action": step.Action})

	if err != nil {
		art.AddEvent(artifact.NewStepFailedEvent(step.ID, err.Error()))
		dag.MarkFailed(step.ID)
		e.telemetry.RecordMetric(telemetry.MetricStepFailedTotal, 1, map[string]string{"action": step.Action})
		return
	}

	art.AddActualCost(step.EstimatedCost)
	art.AddActualDurationMs(elapsedMs)
	art.AddEvent(artifact.NewStepCompletedEvent(step.ID, elapsedMs))
	dag.MarkCompleted(step.ID)
}

// handleFailure downgrades the artifact's outcome to Failure, running a
// compensating rollback first when CompensationEnabled. completedStepIDs is
// the set of steps that actually ran to completion before the failure, in
// the reverse order they must be compensated in.
func (e *Engine) handleFailure(ctx context.Context, id uuid.UUID, art *artifact.Artifact, completedStepIDs []uuid.UUID) {
	compensated := false

	if e.cfg.CompensationEnabled {
		e.store.updateStatus(id, intent.StatusCompensating)
		compensated = e.compensate(ctx, art, completedStepIDs)
	}

	e.finish(id, art, artifact.FailureOutcome("one or more steps failed", compensated), intent.StatusFailed)
}

// compensate walks completedStepIDs (already in reverse dependency order)
// emitting a compensation_started/compensation_completed event per step;
// there is no registered undo action catalog yet, so this records the
// rollback attempt in the trace without invoking an inverse action. Steps
// that never ran (skipped or still pending when the failure was detected)
// are not part of completedStepIDs and so are left out of the trace.
func (e *Engine) compensate(ctx context.Context, art *artifact.Artifact, completedStepIDs []uuid.UUID) bool {
	for _, stepID := range completedStepIDs {
		art.AddEvent(artifact.NewCompensationStartedEvent(stepID))
		art.AddEvent(artifact.NewCompensationCompletedEvent(stepID))
	}
	return true
}

// finish records the terminal outcome and moves the intent into its final
// status. A Merkle-verification failure is logged and counted but not fatal
// (the artifact is still stored).
func (e *Engine) finish(id uuid.UUID, art *artifact.Artifact, outcome artifact.Outcome, status intent.Status) {
	art.SetOutcome(outcome)

	if ok, err := art.VerifyMerkleRoot(); err != nil || !ok {
		e.logger.Error("artifact merkle root failed self-verification", map[string]interface{}{
			"intent_id":   id.String(),
			"artifact_id": art.ID.String(),
		})
		e.telemetry.RecordMetric(telemetry.MetricMerkleVerifyFailedTotal, 1, nil)
	}

	switch status {
	case intent.StatusComplete:
		e.telemetry.RecordMetric(telemetry.MetricIntentsCompletedTotal, 1, nil)
	case intent.StatusFailed:
		e.telemetry.RecordMetric(telemetry.MetricIntentsFailedTotal, 1, nil)
	case intent.StatusCancelled:
		e.telemetry.RecordMetric(telemetry.MetricIntentsCancelledTotal, 1, nil)
	}

	e.store.storeArtifact(id, art, status)
}
