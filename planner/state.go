package planner

// State is the working state the A* search threads through: a set of
// boolean-ish variables satisfied by action effects, plus the cost/time
// accumulated to reach it.
type State struct {
	Variables        map[string]bool
	AccumulatedCost  float64
	AccumulatedTimeMs uint64
}

// NewState returns an empty initial state with no variables set.
func NewState() *State {
	return &State{Variables: make(map[string]bool)}
}

// Clone returns a deep copy so expanding a search node never mutates a
// state shared with a sibling node in the open set.
func (s *State) Clone() *State {
	vars := make(map[string]bool, len(s.Variables))
	for k, v := range s.Variables {
		vars[k] = v
	}
	return &State{
		Variables:         vars,
		AccumulatedCost:   s.AccumulatedCost,
		AccumulatedTimeMs: s.AccumulatedTimeMs,
	}
}

// Has reports whether variable key is set.
func (s *State) Has(key string) bool {
	return s.Variables[key]
}

// PreconditionsMet reports whether every one of action's preconditions is
// present in s.
func PreconditionsMet(a Action, s *State) bool {
	for _, pre := range a.Preconditions {
		if !s.Has(pre) {
			return false
		}
	}
	return true
}

// Apply returns the state that results from applying a to s: every effect
// key set true, and the action's cost/duration added to the accumulators.
func Apply(a Action, s *State) *State {
	next := s.Clone()
	for _, effect := range a.Effects {
		next.Variables[effect] = true
	}
	next.AccumulatedCost += a.Cost
	next.AccumulatedTimeMs += a.DurationMs
	return next
}
