package negotiation

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/orpheon-systems/node/intent"
	"github.com/orpheon-systems/node/plan"
)

func testIntent(t *testing.T) intent.Intent {
	t.Helper()
	i, err := intent.NewBuilder().Kind("deploy.workload").Build()
	require.NoError(t, err)
	return *i
}

func testPlan(t *testing.T, intentID uuid.UUID) plan.Plan {
	t.Helper()
	p := plan.New(intentID, plan.StrategyHeuristic)
	p.Steps = []plan.Step{{ID: uuid.New(), Name: "allocate", Action: "allocate_resource", EstimatedCost: 1.0, EstimatedDurationMs: 100}}
	p.RecomputeEstimates()
	return *p
}

func TestSendProposalTransitionsToProposalSent(t *testing.T) {
	i := testIntent(t)
	s := NewSession(i, 300, 3)

	p, err := s.SendProposal(testPlan(t, i.ID))
	require.NoError(t, err)
	assert.Equal(t, StateProposalSent, s.State())
	assert.Equal(t, uint32(1), s.CurrentRound())

	select {
	case msg := <-s.Outgoing:
		assert.Equal(t, MessageOffer, msg.Type)
		require.NotNil(t, msg.Proposal)
		assert.Equal(t, p.ID, msg.Proposal.ID)
	default:
		t.Fatal("expected an offer message")
	}
}

func TestSendProposalFailsAfterMaxRounds(t *testing.T) {
	i := testIntent(t)
	s := NewSession(i, 300, 1)

	_, err := s.SendProposal(testPlan(t, i.ID))
	require.NoError(t, err)

	_, err = s.SendProposal(testPlan(t, i.ID))
	assert.Error(t, err)
}

func TestAcceptRequiresMatchingProposal(t *testing.T) {
	i := testIntent(t)
	s := NewSession(i, 300, 3)

	_, err := s.SendProposal(testPlan(t, i.ID))
	require.NoError(t, err)
	<-s.Outgoing

	_, err = s.Accept(uuid.New())
	assert.Error(t, err)
}

func TestAcceptSucceedsAndIssuesExecutionID(t *testing.T) {
	i := testIntent(t)
	s := NewSession(i, 300, 3)

	p, err := s.SendProposal(testPlan(t, i.ID))
	require.NoError(t, err)
	<-s.Outgoing

	execID, err := s.Accept(p.ID)
	require.NoError(t, err)
	assert.NotEqual(t, uuid.Nil, execID)
	assert.Equal(t, StateAccepted, s.State())
}

func TestCounterRecordsHistory(t *testing.T) {
	i := testIntent(t)
	s := NewSession(i, 300, 3)

	p, err := s.SendProposal(testPlan(t, i.ID))
	require.NoError(t, err)
	<-s.Outgoing

	maxCost := 5.0
	err = s.Counter(NewCounterOffer(p.ID).WithMaxCost(maxCost))
	require.NoError(t, err)

	assert.Equal(t, StateCountered, s.State())
	last := s.LastCounter()
	require.NotNil(t, last)
	assert.Equal(t, maxCost, *last.MaxCost)
}

func TestRejectSendsFailedMessage(t *testing.T) {
	i := testIntent(t)
	s := NewSession(i, 300, 3)

	require.NoError(t, s.Reject("budget cannot be met"))
	assert.Equal(t, StateRejected, s.State())

	msg := <-s.Outgoing
	assert.Equal(t, MessageFailed, msg.Type)
}

func TestProposalExpiry(t *testing.T) {
	p := NewProposal(uuid.New(), plan.Plan{})
	assert.False(t, p.IsExpired())

	p.ExpiresAt = p.ExpiresAt.Add(-10 * time.Minute)
	assert.True(t, p.IsExpired())
}
