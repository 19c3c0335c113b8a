package planner

import (
	"container/heap"
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/orpheon-systems/node/intent"
	"github.com/orpheon-systems/node/nodeerr"
	"github.com/orpheon-systems/node/plan"
)

// searchNode is one expansion point in the A* open set.
type searchNode struct {
	state *State
	steps []plan.Step
	gCost float64
	hCost float64
	fCost float64
	id    uuid.UUID
	seq   int // insertion order, for deterministic tie-breaking
}

// openSet is a container/heap min-heap ordered by fCost, ties broken by
// insertion order (lower seq first), matching §4.2's open-set discipline.
type openSet []*searchNode

func (o openSet) Len() int { return len(o) }
func (o openSet) Less(i, j int) bool {
	if o[i].fCost != o[j].fCost {
		return o[i].fCost < o[j].fCost
	}
	return o[i].seq < o[j].seq
}
func (o openSet) Swap(i, j int) { o[i], o[j] = o[j], o[i] }
func (o *openSet) Push(x interface{}) {
	*o = append(*o, x.(*searchNode))
}
func (o *openSet) Pop() interface{} {
	old := *o
	n := len(old)
	item := old[n-1]
	*o = old[:n-1]
	return item
}

// AStarPlanner is the reference A* planning strategy: it searches the
// registered action catalog for a sequence of actions driving the planning
// state to contain "complete", subject to budget pruning.
type AStarPlanner struct {
	config  Config
	actions []Action
}

// NewAStarPlanner returns a planner seeded with the default action catalog
// and default config.
func NewAStarPlanner() *AStarPlanner {
	return &AStarPlanner{
		config:  DefaultConfig(),
		actions: DefaultActions(),
	}
}

// NewAStarPlannerWithConfig returns a planner with a caller-supplied config
// and the default action catalog; callers add actions via RegisterAction or
// by loading a YAML catalog and calling RegisterAction per entry.
func NewAStarPlannerWithConfig(cfg Config) *AStarPlanner {
	return &AStarPlanner{config: cfg, actions: DefaultActions()}
}

func (p *AStarPlanner) Config() Config          { return p.config }
func (p *AStarPlanner) SetConfig(cfg Config)    { p.config = cfg }
func (p *AStarPlanner) RegisterAction(a Action) { p.actions = append(p.actions, a) }

// heuristic is h(s, intent) from §4.2: 5.0 if "complete" is missing, else
// 0.0, plus 1000.0 if accumulated cost already exceeds the intent's budget.
func (p *AStarPlanner) heuristic(s *State, i *intent.Intent) float64 {
	var missing float64
	if !s.Has("complete") {
		missing += 5.0
	}
	if i.Budget.MaxCost != nil {
		remaining := *i.Budget.MaxCost - s.AccumulatedCost
		if remaining < 0 {
			missing += 1000.0
		}
	}
	return missing
}

func (p *AStarPlanner) constraintsViolated(s *State, i *intent.Intent) bool {
	if i.Budget.MaxCost != nil && s.AccumulatedCost > *i.Budget.MaxCost {
		return true
	}
	if i.Budget.MaxDurationMs != nil && s.AccumulatedTimeMs > *i.Budget.MaxDurationMs {
		return true
	}
	return false
}

func (p *AStarPlanner) isGoalReached(s *State) bool {
	return s.Has("complete")
}

func (p *AStarPlanner) stepsToPlan(steps []plan.Step, i *intent.Intent) *plan.Plan {
	result := plan.New(i.ID, plan.StrategyHeuristic)
	result.Steps = steps
	result.RecomputeEstimates()
	result.ConfidenceScore = 0.85
	return result
}

// Plan runs the A* search described in §4.2: pop the lowest-f node, check
// termination limits, return immediately on the first goal-reaching pop,
// otherwise expand every applicable action (pruning budget violations) and
// push successors. Steps are chained linearly: each new step depends only
// on the immediately preceding one, by construction.
func (p *AStarPlanner) Plan(ctx context.Context, i *intent.Intent, initial *State) (*plan.Plan, error) {
	start := time.Now()

	open := &openSet{}
	heap.Init(open)
	closed := make(map[uuid.UUID]bool)
	statesExplored := 0
	seq := 0

	hCost := p.heuristic(initial, i)
	heap.Push(open, &searchNode{
		state: initial,
		steps: nil,
		gCost: 0,
		hCost: hCost,
		fCost: hCost,
		id:    uuid.New(),
		seq:   seq,
	})

	for open.Len() > 0 {
		select {
		case <-ctx.Done():
			return nil, nodeerr.NewPlanningFailedError(i.ID, "planning cancelled")
		default:
		}

		current := heap.Pop(open).(*searchNode)
		statesExplored++

		if statesExplored > p.config.MaxStatesExplored {
			return nil, nodeerr.NewPlanningFailedError(i.ID,
				fmt.Sprintf("exceeded maximum states explored: %d", p.config.MaxStatesExplored))
		}

		elapsedMs := time.Since(start).Milliseconds()
		if elapsedMs > p.config.MaxPlanningTimeMs {
			return nil, nodeerr.NewPlanningFailedError(i.ID,
				fmt.Sprintf("exceeded maximum planning time: %dms", p.config.MaxPlanningTimeMs))
		}

		if p.isGoalReached(current.state) {
			return p.stepsToPlan(current.steps, i), nil
		}

		if closed[current.id] {
			continue
		}
		closed[current.id] = true

		for _, action := range p.actions {
			if !PreconditionsMet(action, current.state) {
				continue
			}

			newState := Apply(action, current.state)
			if p.constraintsViolated(newState, i) {
				continue
			}

			newSteps := make([]plan.Step, len(current.steps), len(current.steps)+1)
			copy(newSteps, current.steps)

			step := plan.Step{
				ID:                  uuid.New(),
				Name:                action.Name,
				Action:              action.Name,
				EstimatedCost:       action.Cost,
				EstimatedDurationMs: action.DurationMs,
			}
			if len(newSteps) > 0 {
				step.DependsOn = []uuid.UUID{newSteps[len(newSteps)-1].ID}
			}
			newSteps = append(newSteps, step)

			gCost := current.gCost + action.Cost
			h := p.heuristic(newState, i)

			seq++
			heap.Push(open, &searchNode{
				state: newState,
				steps: newSteps,
				gCost: gCost,
				hCost: h,
				fCost: gCost + h,
				id:    uuid.New(),
				seq:   seq,
			})
		}
	}

	return nil, nodeerr.NewPlanningFailedError(i.ID, "no valid plan found after exhaustive search")
}

// ValidatePlan replays each step's action against a working copy of state,
// per §4.2: an unmet precondition invalidates the plan; an action name not
// present in the catalog is treated as opaquely valid.
func (p *AStarPlanner) ValidatePlan(ctx context.Context, pl *plan.Plan, current *State) (bool, error) {
	state := current.Clone()
	byName := make(map[string]Action, len(p.actions))
	for _, a := range p.actions {
		byName[a.Name] = a
	}

	for _, step := range pl.Steps {
		action, ok := byName[step.Action]
		if !ok {
			continue
		}
		if !PreconditionsMet(action, state) {
			return false, nil
		}
		state = Apply(action, state)
	}

	return true, nil
}
