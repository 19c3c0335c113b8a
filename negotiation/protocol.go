// Package negotiation implements the proposal/counter/accept dialogue a
// client and node exchange before an intent moves into execution.
package negotiation

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/orpheon-systems/node/plan"
)

const proposalValidity = 5 * time.Minute

// SlaGuarantee commits the node to a measurable service-level term.
type SlaGuarantee struct {
	Metric    string  `json:"metric"`
	Threshold float64 `json:"threshold"`
	Unit      string  `json:"unit"`
	Penalty   *string `json:"penalty,omitempty"`
}

// Proposal is the node's offer to execute a plan at a quoted cost/latency.
type Proposal struct {
	ID                 uuid.UUID       `json:"id"`
	IntentID           uuid.UUID       `json:"intent_id"`
	Plan               plan.Plan       `json:"plan"`
	QuotedCost         float64         `json:"quoted_cost"`
	Currency           string          `json:"currency"`
	EstimatedLatencyMs uint64          `json:"estimated_latency_ms"`
	SlaGuarantees      []SlaGuarantee  `json:"sla_guarantees,omitempty"`
	ExpiresAt          time.Time       `json:"expires_at"`
	Version            uint32          `json:"version"`
	Metadata           json.RawMessage `json:"metadata,omitempty"`
}

// NewProposal quotes p at its own estimated cost/latency, valid for five
// minutes from now.
func NewProposal(intentID uuid.UUID, p plan.Plan) Proposal {
	return Proposal{
		ID:                 uuid.New(),
		IntentID:           intentID,
		Plan:               p,
		QuotedCost:         p.EstimatedCost,
		Currency:           "USD",
		EstimatedLatencyMs: p.EstimatedLatencyMs,
		ExpiresAt:          time.Now().UTC().Add(proposalValidity),
		Version:            1,
	}
}

// WithSLA appends a guarantee and returns the proposal for chaining.
func (p Proposal) WithSLA(g SlaGuarantee) Proposal {
	p.SlaGuarantees = append(p.SlaGuarantees, g)
	return p
}

// IsExpired reports whether the proposal's validity window has elapsed.
func (p Proposal) IsExpired() bool {
	return time.Now().UTC().After(p.ExpiresAt)
}

// PreferenceAdjustment is a client-requested reweighting of one objective.
type PreferenceAdjustment struct {
	Objective string  `json:"objective"`
	Weight    float32 `json:"weight"`
}

// CounterOffer is the client's pushback against a Proposal: a tightened
// budget, a latency ceiling, extra constraints, or adjusted preferences.
type CounterOffer struct {
	ProposalID            uuid.UUID              `json:"proposal_id"`
	MaxCost               *float64               `json:"max_cost,omitempty"`
	MaxLatencyMs          *uint64                `json:"max_latency_ms,omitempty"`
	AdditionalConstraints []string               `json:"additional_constraints,omitempty"`
	PreferenceAdjustments []PreferenceAdjustment `json:"preference_adjustments,omitempty"`
	Message               *string                `json:"message,omitempty"`
}

// NewCounterOffer starts a bare counter-offer against proposalID.
func NewCounterOffer(proposalID uuid.UUID) CounterOffer {
	return CounterOffer{ProposalID: proposalID}
}

func (c CounterOffer) WithMaxCost(cost float64) CounterOffer {
	c.MaxCost = &cost
	return c
}

func (c CounterOffer) WithMaxLatency(ms uint64) CounterOffer {
	c.MaxLatencyMs = &ms
	return c
}

func (c CounterOffer) WithMessage(msg string) CounterOffer {
	c.Message = &msg
	return c
}

// MessageType discriminates the NegotiationMessage union over the wire.
type MessageType string

const (
	MessageOffer     MessageType = "offer"
	MessageAccept    MessageType = "accept"
	MessageReject    MessageType = "reject"
	MessageCounter   MessageType = "counter"
	MessageConfirmed MessageType = "confirmed"
	MessageFailed    MessageType = "failed"
	MessagePing      MessageType = "ping"
	MessagePong      MessageType = "pong"
)

// Message is one frame of the bidirectional negotiation protocol, tagged by
// Type; only the field(s) relevant to Type are populated.
type Message struct {
	Type         MessageType   `json:"type"`
	Proposal     *Proposal     `json:"proposal,omitempty"`
	ProposalID   *uuid.UUID    `json:"proposal_id,omitempty"`
	Reason       *string       `json:"reason,omitempty"`
	Counter      *CounterOffer `json:"counter,omitempty"`
	ExecutionID  *uuid.UUID    `json:"execution_id,omitempty"`
	TimestampSec *int64        `json:"timestamp,omitempty"`
}

func OfferMessage(p Proposal) Message {
	return Message{Type: MessageOffer, Proposal: &p}
}

func AcceptMessage(proposalID uuid.UUID) Message {
	return Message{Type: MessageAccept, ProposalID: &proposalID}
}

func RejectMessage(proposalID uuid.UUID, reason string) Message {
	return Message{Type: MessageReject, ProposalID: &proposalID, Reason: &reason}
}

func CounterMessage(c CounterOffer) Message {
	return Message{Type: MessageCounter, Counter: &c}
}

func ConfirmedMessage(proposalID, executionID uuid.UUID) Message {
	return Message{Type: MessageConfirmed, ProposalID: &proposalID, ExecutionID: &executionID}
}

func FailedMessage(reason string) Message {
	return Message{Type: MessageFailed, Reason: &reason}
}

func PingMessage() Message {
	ts := time.Now().UTC().Unix()
	return Message{Type: MessagePing, TimestampSec: &ts}
}

func PongMessage(timestampSec int64) Message {
	return Message{Type: MessagePong, TimestampSec: &timestampSec}
}
