package planner

import (
	"context"

	"github.com/orpheon-systems/node/intent"
	"github.com/orpheon-systems/node/plan"
)

// Config bounds how hard the planner is allowed to search.
type Config struct {
	MaxSteps          int
	MaxPlanningTimeMs int64
	MaxStatesExplored int
	EnableMemoization bool
	MinConfidence     float32
}

// DefaultConfig mirrors §4.2's PlannerConfig defaults.
func DefaultConfig() Config {
	return Config{
		MaxSteps:          100,
		MaxPlanningTimeMs: 30_000,
		MaxStatesExplored: 10_000,
		EnableMemoization: true,
		MinConfidence:     0.5,
	}
}

// Planner is the capability set every planning strategy implements, kept
// abstract (per §9's "polymorphic planners" note) so A* can be swapped for
// PDDL/ILP/ML-guided search without touching the execution engine.
type Planner interface {
	Plan(ctx context.Context, i *intent.Intent, initial *State) (*plan.Plan, error)
	ValidatePlan(ctx context.Context, p *plan.Plan, current *State) (bool, error)
	Config() Config
	SetConfig(Config)
	RegisterAction(a Action)
}
