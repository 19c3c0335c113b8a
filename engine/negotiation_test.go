package engine

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/orpheon-systems/node/intent"
	"github.com/orpheon-systems/node/negotiation"
	"github.com/orpheon-systems/node/planner"
)

func newNegotiatingEngine(t *testing.T) (*Engine, intent.Intent) {
	t.Helper()
	e := New(planner.NewAStarPlanner(),
		WithConfig(Config{
			WorkerPoolSize:            2,
			PollInterval:              5 * time.Millisecond,
			NegotiationRequired:       true,
			NegotiationTimeoutSeconds: 300,
			NegotiationMaxRounds:      3,
		}),
	)

	i := testIntent(t, "deploy.workload")
	require.NoError(t, e.SubmitIntent(i))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go e.Run(ctx)

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		rec, ok := e.GetRecord(i.ID)
		if ok && rec.Status == intent.StatusNegotiating {
			return e, i
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("intent never reached negotiating status")
	return nil, intent.Intent{}
}

func TestStartNegotiationQuotesTheStoredPlan(t *testing.T) {
	e, i := newNegotiatingEngine(t)

	sess, err := e.StartNegotiation(i.ID)
	require.NoError(t, err)
	require.NotNil(t, sess.CurrentProposal())
	assert.Equal(t, negotiation.StateProposalSent, sess.State())

	// A second call returns the same session rather than re-quoting.
	again, err := e.StartNegotiation(i.ID)
	require.NoError(t, err)
	assert.Equal(t, sess.ID, again.ID)
}

func TestAcceptProposalMovesIntentToExecuting(t *testing.T) {
	e, i := newNegotiatingEngine(t)

	sess, err := e.StartNegotiation(i.ID)
	require.NoError(t, err)
	proposal := sess.CurrentProposal()
	require.NotNil(t, proposal)

	require.NoError(t, e.AcceptProposal(context.Background(), i.ID, proposal.ID))

	rec := waitForTerminal(t, e, i.ID, 5*time.Second)
	assert.Equal(t, intent.StatusComplete, rec.Status)
}

func TestCounterProposalScalesCostDown(t *testing.T) {
	e, i := newNegotiatingEngine(t)

	sess, err := e.StartNegotiation(i.ID)
	require.NoError(t, err)
	proposal := sess.CurrentProposal()
	require.NotNil(t, proposal)

	maxCost := proposal.QuotedCost / 2
	counter := negotiation.NewCounterOffer(proposal.ID).WithMaxCost(maxCost)

	revised, err := e.CounterProposal(i.ID, counter)
	require.NoError(t, err)
	assert.LessOrEqual(t, revised.QuotedCost, maxCost+0.01)
}

func TestRejectProposalFailsTheIntent(t *testing.T) {
	e, i := newNegotiatingEngine(t)

	sess, err := e.StartNegotiation(i.ID)
	require.NoError(t, err)
	require.NotNil(t, sess.CurrentProposal())

	require.NoError(t, e.RejectProposal(i.ID, "too expensive"))

	rec, ok := e.GetRecord(i.ID)
	require.True(t, ok)
	assert.Equal(t, intent.StatusFailed, rec.Status)
	require.NotNil(t, rec.Error)
	assert.Equal(t, "too expensive", *rec.Error)
}
