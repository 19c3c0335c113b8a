package negotiation

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/orpheon-systems/node/intent"
	"github.com/orpheon-systems/node/nodeerr"
	"github.com/orpheon-systems/node/plan"
)

// State is the current phase of a negotiation session.
type State string

const (
	StatePending      State = "pending"
	StateProposalSent State = "proposal_sent"
	StateCountered    State = "countered"
	StateAccepted     State = "accepted"
	StateRejected     State = "rejected"
	StateTimedOut     State = "timed_out"
	StateExecuting    State = "executing"
)

// Session is a single negotiation dialogue over one intent, round-limited
// and subject to an overall timeout, matching §4.5.
type Session struct {
	ID     uuid.UUID
	Intent intent.Intent

	StartedAt time.Time
	TimeoutAt time.Time
	MaxRounds uint32

	mu               sync.RWMutex
	state            State
	currentProposal  *Proposal
	proposalHistory  []Proposal
	counterHistory   []CounterOffer
	round            uint32

	Outgoing chan Message
}

const outgoingBufferSize = 100

// NewSession starts a Pending session over intent, timing out after
// timeoutSeconds and allowing at most maxRounds proposal/counter rounds.
func NewSession(i intent.Intent, timeoutSeconds int64, maxRounds uint32) *Session {
	return &Session{
		ID:        uuid.New(),
		Intent:    i,
		StartedAt: time.Now().UTC(),
		TimeoutAt: time.Now().UTC().Add(time.Duration(timeoutSeconds) * time.Second),
		MaxRounds: maxRounds,
		state:     StatePending,
		Outgoing:  make(chan Message, outgoingBufferSize),
	}
}

func (s *Session) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

func (s *Session) CurrentProposal() *Proposal {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.currentProposal
}

func (s *Session) CurrentRound() uint32 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.round
}

func (s *Session) ProposalHistory() []Proposal {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Proposal, len(s.proposalHistory))
	copy(out, s.proposalHistory)
	return out
}

func (s *Session) LastCounter() *CounterOffer {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if len(s.counterHistory) == 0 {
		return nil
	}
	last := s.counterHistory[len(s.counterHistory)-1]
	return &last
}

// IsTimedOut reports whether this session's overall timeout has elapsed.
func (s *Session) IsTimedOut() bool {
	return time.Now().UTC().After(s.TimeoutAt)
}

func (s *Session) send(msg Message) error {
	select {
	case s.Outgoing <- msg:
		return nil
	default:
		return nodeerr.NewInternalError(fmt.Sprintf("failed to send %s message", msg.Type))
	}
}

// SendProposal quotes p and offers it to the client, bumping the round
// counter; the proposal's Version is the new round number. Fails once
// MaxRounds has already been reached.
func (s *Session) SendProposal(p plan.Plan) (*Proposal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.round >= s.MaxRounds {
		return nil, nodeerr.NewNegotiationRejectedError(s.Intent.ID, "maximum negotiation rounds exceeded")
	}
	s.round++

	proposal := NewProposal(s.Intent.ID, p)
	proposal.Version = uint32(s.round)
	s.currentProposal = &proposal
	s.proposalHistory = append(s.proposalHistory, proposal)

	if err := s.send(OfferMessage(proposal)); err != nil {
		return nil, err
	}

	s.state = StateProposalSent
	return &proposal, nil
}

// Accept confirms proposalID, issuing a fresh execution id, so long as it
// matches the current proposal and has not expired.
func (s *Session) Accept(proposalID uuid.UUID) (uuid.UUID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.currentProposal == nil {
		return uuid.Nil, nodeerr.NewNegotiationRejectedError(s.Intent.ID, "no active proposal to accept")
	}
	if s.currentProposal.ID != proposalID {
		return uuid.Nil, nodeerr.NewNegotiationRejectedError(s.Intent.ID, "proposal id mismatch")
	}
	if s.currentProposal.IsExpired() {
		return uuid.Nil, nodeerr.NewNegotiationRejectedError(s.Intent.ID, "proposal has expired")
	}

	executionID := uuid.New()
	if err := s.send(ConfirmedMessage(proposalID, executionID)); err != nil {
		return uuid.Nil, err
	}

	s.state = StateAccepted
	return executionID, nil
}

// Counter records a client pushback against the current proposal.
func (s *Session) Counter(c CounterOffer) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.currentProposal == nil {
		return nodeerr.NewNegotiationRejectedError(s.Intent.ID, "no active proposal to counter")
	}
	if s.currentProposal.ID != c.ProposalID {
		return nodeerr.NewNegotiationRejectedError(s.Intent.ID, "counter-offer references wrong proposal")
	}

	s.counterHistory = append(s.counterHistory, c)
	s.state = StateCountered
	return nil
}

// Reject ends the negotiation, notifying the client of reason.
func (s *Session) Reject(reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.state = StateRejected
	return s.send(FailedMessage(reason))
}

// MarkExecuting transitions the session once the accepted proposal has
// handed off to the execution engine.
func (s *Session) MarkExecuting() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = StateExecuting
}

// MarkTimedOut transitions the session when its overall timeout elapses
// without reaching Accepted or Rejected.
func (s *Session) MarkTimedOut() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateAccepted && s.state != StateRejected {
		s.state = StateTimedOut
	}
}
