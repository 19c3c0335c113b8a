// Package intent models the immutable declaration a client submits: a
// desired future state together with its constraints, preferences, and
// budget.
package intent

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/orpheon-systems/node/nodeerr"
)

// Priority ranks an intent relative to others the engine may be processing.
type Priority string

const (
	PriorityLow      Priority = "low"
	PriorityNormal   Priority = "normal"
	PriorityHigh     Priority = "high"
	PriorityCritical Priority = "critical"
)

// Direction is the optimization direction of a Preference.
type Direction string

const (
	DirectionMinimize Direction = "minimize"
	DirectionMaximize Direction = "maximize"
)

// ConstraintKind discriminates the Constraint variants.
type ConstraintKind string

const (
	ConstraintStateMatch    ConstraintKind = "state_match"
	ConstraintResourceLimit ConstraintKind = "resource_limit"
	ConstraintSLA           ConstraintKind = "sla"
	ConstraintDeadline      ConstraintKind = "deadline"
	ConstraintProviderPin   ConstraintKind = "provider_pin"
	ConstraintGeoFence      ConstraintKind = "geo_fence"
	ConstraintCustom        ConstraintKind = "custom"
)

// Constraint is a hard predicate the plan must satisfy. Only the fields
// relevant to Kind are populated; the rest are left at their zero value.
type Constraint struct {
	Kind ConstraintKind `json:"kind"`

	// StateMatch
	Expression string `json:"expression,omitempty"`

	// ResourceLimit
	Resource string  `json:"resource,omitempty"`
	Limit    float64 `json:"limit,omitempty"`

	// SLA
	Metric    string `json:"metric,omitempty"`
	Threshold uint64 `json:"threshold,omitempty"`
	Unit      string `json:"unit,omitempty"`

	// Deadline
	DeadlineAt *time.Time `json:"deadline_at,omitempty"`

	// ProviderPin
	Provider string `json:"provider,omitempty"`

	// GeoFence
	AllowRegions []string `json:"allow_regions,omitempty"`
	DenyRegions  []string `json:"deny_regions,omitempty"`

	// Custom
	Name    string          `json:"name,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Preference is a soft objective with a relative weight.
type Preference struct {
	Objective string    `json:"objective"`
	Direction Direction `json:"direction"`
	Weight    float32   `json:"weight"`
}

// Budget bounds what a plan is allowed to cost and how long it may run.
type Budget struct {
	MaxCost       *float64 `json:"max_cost,omitempty"`
	Currency      string   `json:"currency"`
	MaxDurationMs *uint64  `json:"max_duration_ms,omitempty"`
	MaxRetries    uint32   `json:"max_retries"`
}

// TimeWindow bounds when an intent is considered valid.
type TimeWindow struct {
	NotBefore *time.Time `json:"not_before,omitempty"`
	NotAfter  *time.Time `json:"not_after,omitempty"`
}

// Signature is an optional, out-of-band attestation over the intent's
// content hash.
type Signature struct {
	Algorithm    string    `json:"algorithm"`
	PubKeyHex    string    `json:"pubkey_hex"`
	SignatureHex string    `json:"signature_hex"`
	SignedAt     time.Time `json:"signed_at"`
}

// Intent is immutable once built; its identity is the UUID assigned at
// construction time, not its content hash (two intents with identical
// content but different ids are distinct records).
type Intent struct {
	ID             uuid.UUID       `json:"id"`
	Kind           string          `json:"kind"`
	Constraints    []Constraint    `json:"constraints"`
	Preferences    []Preference    `json:"preferences"`
	Budget         Budget          `json:"budget"`
	ValidityWindow TimeWindow      `json:"validity_window"`
	Priority       Priority        `json:"priority"`
	Signature      *Signature      `json:"signature,omitempty"`
	ParentID       *uuid.UUID      `json:"parent_id,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
	Metadata       json.RawMessage `json:"metadata,omitempty"`
}

// Validate reports an IntentInvalid NodeError for every rule in §4.1:
// kind must be non-blank, the current instant must fall inside the validity
// window, and non-empty preference weights must sum to 1.0 within ±0.01.
func (i *Intent) Validate() error {
	if strings.TrimSpace(i.Kind) == "" {
		return nodeerr.NewIntentInvalidError(&i.ID, "kind must not be empty or whitespace")
	}

	now := time.Now().UTC()
	if i.ValidityWindow.NotBefore != nil && now.Before(*i.ValidityWindow.NotBefore) {
		return nodeerr.NewIntentInvalidError(&i.ID, "intent is not yet valid")
	}
	if i.ValidityWindow.NotAfter != nil && now.After(*i.ValidityWindow.NotAfter) {
		return nodeerr.NewIntentInvalidError(&i.ID, "intent validity window has expired")
	}

	if len(i.Preferences) > 0 {
		var sum float32
		for _, p := range i.Preferences {
			sum += p.Weight
		}
		if diff := sum - 1.0; diff > 0.01 || diff < -0.01 {
			return nodeerr.NewIntentInvalidError(&i.ID,
				fmt.Sprintf("preference weights sum to %.4f, must be within 0.01 of 1.0", sum))
		}
	}

	return nil
}

// canonicalIntent is the exact field order the content hash is computed
// over: id, kind, constraints, preferences, budget, validity_window,
// priority, metadata, created_at, parent_id. Signature is intentionally
// excluded so a signature can be attached after hashing without disturbing
// the hash it signs.
type canonicalIntent struct {
	ID             uuid.UUID       `json:"id"`
	Kind           string          `json:"kind"`
	Constraints    []Constraint    `json:"constraints"`
	Preferences    []Preference    `json:"preferences"`
	Budget         Budget          `json:"budget"`
	ValidityWindow TimeWindow      `json:"validity_window"`
	Priority       Priority        `json:"priority"`
	Metadata       json.RawMessage `json:"metadata,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
	ParentID       *uuid.UUID      `json:"parent_id,omitempty"`
}

// ContentHash returns the lowercase hex SHA-256 digest of the intent's
// canonical field set. Two intents with identical logical content hash
// identically regardless of map-iteration order, since all fields are
// either scalars, slices (order-preserving), or an already-canonical
// json.RawMessage supplied by the caller.
func (i *Intent) ContentHash() (string, error) {
	c := canonicalIntent{
		ID:             i.ID,
		Kind:           i.Kind,
		Constraints:    i.Constraints,
		Preferences:    i.Preferences,
		Budget:         i.Budget,
		ValidityWindow: i.ValidityWindow,
		Priority:       i.Priority,
		Metadata:       i.Metadata,
		CreatedAt:      i.CreatedAt,
		ParentID:       i.ParentID,
	}
	encoded, err := json.Marshal(c)
	if err != nil {
		return "", nodeerr.NewSerializationError(fmt.Sprintf("content hash encode: %v", err))
	}
	sum := sha256.Sum256(encoded)
	return hex.EncodeToString(sum[:]), nil
}
