package engine

import (
	"context"

	"github.com/google/uuid"

	"github.com/orpheon-systems/node/intent"
	"github.com/orpheon-systems/node/negotiation"
	"github.com/orpheon-systems/node/nodeerr"
	"github.com/orpheon-systems/node/plan"
	"github.com/orpheon-systems/node/telemetry"
)

// NegotiationSession returns the live session for id, if one has been
// started.
func (e *Engine) NegotiationSession(id uuid.UUID) (*negotiation.Session, bool) {
	return e.store.getSessionByIntent(id)
}

// StartNegotiation opens (or returns the existing) negotiation session for
// an intent currently in StatusNegotiating, quoting its already-planned
// plan as the first proposal.
func (e *Engine) StartNegotiation(id uuid.UUID) (*negotiation.Session, error) {
	if sess, ok := e.store.getSessionByIntent(id); ok {
		return sess, nil
	}

	record, ok := e.store.getIntent(id)
	if !ok {
		return nil, nodeerr.NewNotFoundError("intent", id.String())
	}
	if record.Status != intent.StatusNegotiating {
		return nil, nodeerr.NewStateError("intent " + id.String() + " is not awaiting negotiation")
	}
	if record.PlanID == nil {
		return nil, nodeerr.NewStateError("intent " + id.String() + " has no plan to negotiate")
	}
	p, ok := e.store.getPlan(*record.PlanID)
	if !ok {
		return nil, nodeerr.NewNotFoundError("plan", record.PlanID.String())
	}

	sess := negotiation.NewSession(record.Intent, e.cfg.NegotiationTimeoutSeconds, e.cfg.NegotiationMaxRounds)
	if _, err := sess.SendProposal(*p); err != nil {
		return nil, err
	}
	e.store.storeSession(sess)
	e.telemetry.RecordMetric(telemetry.MetricNegotiationRoundsTotal, 1, map[string]string{"kind": record.Intent.Kind})

	return sess, nil
}

// AcceptProposal confirms proposalID on the intent's session and hands the
// intent's already-accepted plan off to execution.
func (e *Engine) AcceptProposal(ctx context.Context, id, proposalID uuid.UUID) error {
	sess, ok := e.store.getSessionByIntent(id)
	if !ok {
		return nodeerr.NewNotFoundError("negotiation session", id.String())
	}

	if _, err := sess.Accept(proposalID); err != nil {
		e.telemetry.RecordMetric(telemetry.MetricNegotiationRejectedTotal, 1, nil)
		return err
	}
	sess.MarkExecuting()

	record, ok := e.store.getIntent(id)
	if !ok || record.PlanID == nil {
		return nodeerr.NewStateError("intent " + id.String() + " has no plan to execute")
	}
	p, ok := e.store.getPlan(*record.PlanID)
	if !ok {
		return nodeerr.NewNotFoundError("plan", record.PlanID.String())
	}

	e.store.updateStatus(id, intent.StatusExecuting)
	go e.executePlan(ctx, id, record.Intent, *p)
	return nil
}

// CounterProposal records a client counter-offer and, while rounds remain,
// re-quotes a plan adjusted to respect the counter's requested ceilings.
func (e *Engine) CounterProposal(id uuid.UUID, c negotiation.CounterOffer) (*negotiation.Proposal, error) {
	sess, ok := e.store.getSessionByIntent(id)
	if !ok {
		return nil, nodeerr.NewNotFoundError("negotiation session", id.String())
	}

	if err := sess.Counter(c); err != nil {
		return nil, err
	}

	record, ok := e.store.getIntent(id)
	if !ok || record.PlanID == nil {
		return nil, nodeerr.NewStateError("intent " + id.String() + " has no plan to re-quote")
	}
	current, ok := e.store.getPlan(*record.PlanID)
	if !ok {
		return nil, nodeerr.NewNotFoundError("plan", record.PlanID.String())
	}

	revised := adjustPlanToCounter(*current, c)
	e.store.storePlan(id, &revised)

	proposal, err := sess.SendProposal(revised)
	if err != nil {
		e.telemetry.RecordMetric(telemetry.MetricNegotiationRejectedTotal, 1, nil)
		return nil, err
	}
	e.telemetry.RecordMetric(telemetry.MetricNegotiationRoundsTotal, 1, map[string]string{"kind": record.Intent.Kind})
	return proposal, nil
}

// adjustPlanToCounter clones p and, where the counter names a tighter
// ceiling than the plan currently quotes, scales every step's estimate down
// proportionally so the recomputed totals satisfy the requested ceiling.
func adjustPlanToCounter(p plan.Plan, c negotiation.CounterOffer) plan.Plan {
	revised := p.Clone()

	if c.MaxCost != nil && revised.EstimatedCost > *c.MaxCost && revised.EstimatedCost > 0 {
		scale := *c.MaxCost / revised.EstimatedCost
		for i := range revised.Steps {
			revised.Steps[i].EstimatedCost *= scale
		}
	}
	if c.MaxLatencyMs != nil && revised.EstimatedLatencyMs > *c.MaxLatencyMs && revised.EstimatedLatencyMs > 0 {
		scale := float64(*c.MaxLatencyMs) / float64(revised.EstimatedLatencyMs)
		for i := range revised.Steps {
			revised.Steps[i].EstimatedDurationMs = uint64(float64(revised.Steps[i].EstimatedDurationMs) * scale)
		}
	}
	revised.RecomputeEstimates()
	return *revised
}

// RejectProposal ends the negotiation and fails the intent, recording
// reason as the failure cause.
func (e *Engine) RejectProposal(id uuid.UUID, reason string) error {
	sess, ok := e.store.getSessionByIntent(id)
	if !ok {
		return nodeerr.NewNotFoundError("negotiation session", id.String())
	}
	if err := sess.Reject(reason); err != nil {
		return err
	}
	e.telemetry.RecordMetric(telemetry.MetricNegotiationRejectedTotal, 1, nil)
	e.store.setError(id, reason)
	return nil
}
