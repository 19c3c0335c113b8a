package planner

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Action is a registered STRIPS-like primitive the planner can chain:
// applicable when every precondition key is present in the planning state,
// and whose effects are inserted as `true` into that state when applied.
type Action struct {
	Name          string   `yaml:"name"`
	Preconditions []string `yaml:"preconditions"`
	Effects       []string `yaml:"effects"`
	Cost          float64  `yaml:"cost"`
	DurationMs    uint64   `yaml:"duration_ms"`
}

// DefaultActions returns the bootstrap six-action pipeline from §4.2:
// allocate -> provision -> configure network -> deploy -> verify -> finalize.
// Their costs/durations sum to 11.6 / 1950ms, matching the happy-path
// scenario of §8.
func DefaultActions() []Action {
	return []Action{
		{Name: "allocate_resource", Preconditions: nil, Effects: []string{"resource_allocated"}, Cost: 1.0, DurationMs: 100},
		{Name: "provision_compute", Preconditions: []string{"resource_allocated"}, Effects: []string{"compute_ready"}, Cost: 5.0, DurationMs: 500},
		{Name: "configure_network", Preconditions: []string{"compute_ready"}, Effects: []string{"network_configured"}, Cost: 2.0, DurationMs: 200},
		{Name: "deploy_workload", Preconditions: []string{"compute_ready", "network_configured"}, Effects: []string{"workload_deployed"}, Cost: 3.0, DurationMs: 1000},
		{Name: "verify_health", Preconditions: []string{"workload_deployed"}, Effects: []string{"health_verified"}, Cost: 0.5, DurationMs: 100},
		{Name: "finalize", Preconditions: []string{"health_verified"}, Effects: []string{"complete"}, Cost: 0.1, DurationMs: 50},
	}
}

// actionCatalogFile is the shape an action-catalog YAML document takes, e.g.:
//
//	actions:
//	  - name: provision_gpu
//	    preconditions: [resource_allocated]
//	    effects: [gpu_ready]
//	    cost: 8.0
//	    duration_ms: 750
type actionCatalogFile struct {
	Actions []Action `yaml:"actions"`
}

// LoadActionsFromYAML reads a declarative action catalog, mirroring the
// teacher's YAML-driven workflow definitions (orchestration package) but for
// planning actions instead of orchestration steps.
func LoadActionsFromYAML(path string) ([]Action, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("planner: reading action catalog %s: %w", path, err)
	}

	var file actionCatalogFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("planner: parsing action catalog %s: %w", path, err)
	}

	for i, a := range file.Actions {
		if a.Name == "" {
			return nil, fmt.Errorf("planner: action at index %d has no name", i)
		}
	}

	return file.Actions, nil
}
