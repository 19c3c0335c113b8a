// Package artifact produces the tamper-evident execution record the engine
// returns as proof of what actually happened: the intent, the final plan,
// the ordered event trace, and a Merkle root committing to that order.
package artifact

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/orpheon-systems/node/intent"
	"github.com/orpheon-systems/node/nodeerr"
	"github.com/orpheon-systems/node/plan"
)

// EventType discriminates ExecutionEvent variants.
type EventType string

const (
	EventStepStarted           EventType = "step_started"
	EventStepCompleted         EventType = "step_completed"
	EventStepFailed            EventType = "step_failed"
	EventStepRetrying          EventType = "step_retrying"
	EventCompensationStarted   EventType = "compensation_started"
	EventCompensationCompleted EventType = "compensation_completed"
	EventStateUpdated          EventType = "state_updated"
	EventResourceAllocated     EventType = "resource_allocated"
	EventResourceReleased      EventType = "resource_released"
	EventExternalCall          EventType = "external_call"
	EventTimeout               EventType = "timeout"
	EventCustom                EventType = "custom"
)

// Event is one entry in an artifact's trace.
type Event struct {
	ID         uuid.UUID       `json:"id"`
	StepID     uuid.UUID       `json:"step_id"`
	Type       EventType       `json:"type"`
	Timestamp  time.Time       `json:"timestamp"`
	DurationMs *uint64         `json:"duration_ms,omitempty"`
	Data       json.RawMessage `json:"data,omitempty"`
}

func NewStepStartedEvent(stepID uuid.UUID) Event {
	return Event{ID: uuid.New(), StepID: stepID, Type: EventStepStarted, Timestamp: time.Now().UTC()}
}

func NewStepCompletedEvent(stepID uuid.UUID, durationMs uint64) Event {
	return Event{ID: uuid.New(), StepID: stepID, Type: EventStepCompleted, Timestamp: time.Now().UTC(), DurationMs: &durationMs}
}

func NewStepFailedEvent(stepID uuid.UUID, reason string) Event {
	data, _ := json.Marshal(map[string]string{"reason": reason})
	return Event{ID: uuid.New(), StepID: stepID, Type: EventStepFailed, Timestamp: time.Now().UTC(), Data: data}
}

func NewCompensationStartedEvent(stepID uuid.UUID) Event {
	return Event{ID: uuid.New(), StepID: stepID, Type: EventCompensationStarted, Timestamp: time.Now().UTC()}
}

func NewCompensationCompletedEvent(stepID uuid.UUID) Event {
	return Event{ID: uuid.New(), StepID: stepID, Type: EventCompensationCompleted, Timestamp: time.Now().UTC()}
}

// OutcomeKind discriminates Outcome variants.
type OutcomeKind string

const (
	OutcomeSuccess        OutcomeKind = "success"
	OutcomeFailure        OutcomeKind = "failure"
	OutcomePartialSuccess OutcomeKind = "partial_success"
	OutcomeCancelled      OutcomeKind = "cancelled"
)

// Outcome is the terminal result recorded on an artifact. Only the fields
// relevant to Kind are populated.
type Outcome struct {
	Kind OutcomeKind `json:"kind"`

	// Failure
	Reason      string `json:"reason,omitempty"`
	Compensated bool   `json:"compensated,omitempty"`

	// PartialSuccess
	SuccessRate float64 `json:"success_rate,omitempty"`
	Details     string  `json:"details,omitempty"`

	// Cancelled
	CancelledBy     string `json:"cancelled_by,omitempty"`
	CancelledReason string `json:"cancelled_reason,omitempty"`
}

func SuccessOutcome() Outcome { return Outcome{Kind: OutcomeSuccess} }

func FailureOutcome(reason string, compensated bool) Outcome {
	return Outcome{Kind: OutcomeFailure, Reason: reason, Compensated: compensated}
}

func CancelledOutcome(by, reason string) Outcome {
	return Outcome{Kind: OutcomeCancelled, CancelledBy: by, CancelledReason: reason}
}

// emptyRoot64 is the Merkle root of an empty trace: 64 zero characters.
var emptyRoot64 = func() string {
	b := make([]byte, 64)
	for i := range b {
		b[i] = '0'
	}
	return string(b)
}()

// Artifact is the immutable record produced once an intent finishes
// executing (successfully or not).
type Artifact struct {
	mu sync.Mutex

	ID               uuid.UUID     `json:"id"`
	Intent           intent.Intent `json:"intent"`
	FinalPlan        plan.Plan     `json:"final_plan"`
	Trace            []Event       `json:"trace"`
	Outcome          Outcome       `json:"outcome"`
	Timestamp        time.Time     `json:"timestamp"`
	MerkleRoot       string        `json:"merkle_root"`
	ActualCost       float64       `json:"actual_cost"`
	ActualDurationMs uint64        `json:"actual_duration_ms"`
	Metadata         json.RawMessage `json:"metadata,omitempty"`
}

// New creates an artifact with an empty trace (merkle root = the zero root)
// and the given tentative outcome.
func New(i intent.Intent, p plan.Plan, outcome Outcome) *Artifact {
	return &Artifact{
		ID:         uuid.New(),
		Intent:     i,
		FinalPlan:  p,
		Outcome:    outcome,
		Timestamp:  time.Now().UTC(),
		MerkleRoot: emptyRoot64,
	}
}

// AddEvent appends ev to the trace and recomputes the Merkle root, so the
// root is always consistent with the current trace contents.
func (a *Artifact) AddEvent(ev Event) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.Trace = append(a.Trace, ev)
	root, err := computeMerkleRoot(a.Trace)
	if err != nil {
		return err
	}
	a.MerkleRoot = root
	return nil
}

// VerifyMerkleRoot recomputes the root from the current trace and compares
// it against the stored MerkleRoot.
func (a *Artifact) VerifyMerkleRoot() (bool, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	root, err := computeMerkleRoot(a.Trace)
	if err != nil {
		return false, err
	}
	return root == a.MerkleRoot, nil
}

// AddActualCost adds to ActualCost under the artifact's lock so concurrent
// event recording and cost accumulation never race.
func (a *Artifact) AddActualCost(cost float64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.ActualCost += cost
}

// AddActualDurationMs adds to ActualDurationMs under the artifact's lock.
func (a *Artifact) AddActualDurationMs(ms uint64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.ActualDurationMs += ms
}

// SetOutcome overwrites the outcome, used to downgrade Success to Failure or
// Cancelled once the engine learns the real terminal state.
func (a *Artifact) SetOutcome(o Outcome) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.Outcome = o
}

// computeMerkleRoot implements §4.3/§6's exact algorithm: each event is
// canonically JSON-encoded and SHA-256 hashed to a leaf; leaves are combined
// pairwise with SHA-256(left||right), self-pairing an odd leaf at each
// level, until one 32-byte root remains. An empty trace yields the all-zero
// 64-hex-character root.
func computeMerkleRoot(trace []Event) (string, error) {
	if len(trace) == 0 {
		return emptyRoot64, nil
	}

	leaves := make([][]byte, len(trace))
	for i, ev := range trace {
		encoded, err := json.Marshal(ev)
		if err != nil {
			return "", nodeerr.NewSerializationError(fmt.Sprintf("merkle leaf encode: %v", err))
		}
		sum := sha256.Sum256(encoded)
		leaves[i] = sum[:]
	}

	level := leaves
	for len(level) > 1 {
		var next [][]byte
		for i := 0; i < len(level); i += 2 {
			left := level[i]
			right := left
			if i+1 < len(level) {
				right = level[i+1]
			}
			combined := append(append([]byte(nil), left...), right...)
			sum := sha256.Sum256(combined)
			next = append(next, sum[:])
		}
		level = next
	}

	return hex.EncodeToString(level[0]), nil
}
