package intent

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/orpheon-systems/node/nodeerr"
)

// defaultValidityWindow is how long a freshly built intent remains valid
// when the caller does not specify a window explicitly.
const defaultValidityWindow = 24 * time.Hour

// Builder assembles an Intent field by field, following the same
// functional-option-flavored construction style the rest of this module
// uses for its config types.
type Builder struct {
	kind        string
	kindSet     bool
	constraints []Constraint
	preferences []Preference
	budget      *Budget
	window      *TimeWindow
	priority    Priority
	parentID    *uuid.UUID
	metadata    json.RawMessage
}

// NewBuilder returns an empty Builder.
func NewBuilder() *Builder {
	return &Builder{priority: PriorityNormal}
}

func (b *Builder) Kind(kind string) *Builder {
	b.kind = kind
	b.kindSet = true
	return b
}

func (b *Builder) Constraint(c Constraint) *Builder {
	b.constraints = append(b.constraints, c)
	return b
}

func (b *Builder) Preference(p Preference) *Builder {
	b.preferences = append(b.preferences, p)
	return b
}

func (b *Builder) Budget(budget Budget) *Builder {
	b.budget = &budget
	return b
}

func (b *Builder) ValidityWindow(w TimeWindow) *Builder {
	b.window = &w
	return b
}

func (b *Builder) Priority(p Priority) *Builder {
	b.priority = p
	return b
}

func (b *Builder) ParentID(id uuid.UUID) *Builder {
	b.parentID = &id
	return b
}

func (b *Builder) Metadata(m json.RawMessage) *Builder {
	b.metadata = m
	return b
}

// Build produces the Intent, failing with an IntentInvalid NodeError if Kind
// was never set. It does not call Validate: callers decide when to validate
// (e.g. after a caller-supplied ValidityWindow is layered in).
func (b *Builder) Build() (*Intent, error) {
	if !b.kindSet {
		return nil, nodeerr.NewIntentInvalidError(nil, "kind must be set before building an intent")
	}

	now := time.Now().UTC()

	window := TimeWindow{}
	if b.window != nil {
		window = *b.window
	} else {
		notAfter := now.Add(defaultValidityWindow)
		window = TimeWindow{NotAfter: &notAfter}
	}

	budget := Budget{Currency: "USD", MaxRetries: 3}
	if b.budget != nil {
		budget = *b.budget
		if budget.Currency == "" {
			budget.Currency = "USD"
		}
	}

	return &Intent{
		ID:             uuid.New(),
		Kind:           b.kind,
		Constraints:    b.constraints,
		Preferences:    b.preferences,
		Budget:         budget,
		ValidityWindow: window,
		Priority:       b.priority,
		ParentID:       b.parentID,
		CreatedAt:      now,
		Metadata:       b.metadata,
	}, nil
}
