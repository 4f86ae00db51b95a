package harness

import (
	"context"
	"fmt"
	"path/filepath"
	"sort"

	"github.com/roach88/underthetree/internal/runstate"
)

// Rest states are where a run may legitimately end once background work
// has drained.
var restStates = map[runstate.State]bool{
	runstate.Idle:             true,
	runstate.GiftOverlayShown: true,
	runstate.Reveal:           true,
}

// CheckPrinciples validates the operating principles of the flow against
// a trace:
//   - every transition is legal, except a forced return to idle
//   - the run ends in a rest state, never part-way through a transition
//
// It returns one message per violation.
func CheckPrinciples(result *Result) []string {
	var out []string
	for _, ev := range result.Trace {
		if ev.Type != EventTransition {
			continue
		}
		from, err := runstate.ParseState(ev.From)
		if err != nil {
			out = append(out, fmt.Sprintf("seq %d: %v", ev.Seq, err))
			continue
		}
		to, err := runstate.ParseState(ev.To)
		if err != nil {
			out = append(out, fmt.Sprintf("seq %d: %v", ev.Seq, err))
			continue
		}
		if to == runstate.Idle || runstate.CanTransition(from, to) {
			continue
		}
		out = append(out, fmt.Sprintf("seq %d: illegal transition %s -> %s", ev.Seq, ev.From, ev.To))
	}

	final, err := runstate.ParseState(result.FinalState)
	if err != nil || !restStates[final] {
		out = append(out, fmt.Sprintf("run ended in %q, not a rest state", result.FinalState))
	}
	return out
}

// ValidationResult summarises a directory of scenarios.
type ValidationResult struct {
	TotalScenarios int               `json:"total_scenarios"`
	Passed         int               `json:"passed"`
	Failed         int               `json:"failed"`
	Failures       []ScenarioFailure `json:"failures,omitempty"`
}

// ScenarioFailure represents a failed scenario.
type ScenarioFailure struct {
	Scenario string `json:"scenario"`
	Path     string `json:"path,omitempty"`
	Error    string `json:"error"`
}

// ValidateDir runs every scenario in dir and checks both its assertions
// and the operating principles.
//
// For each *.yaml file:
//  1. Load the scenario
//  2. Run it via harness.Run
//  3. Check assertions and principles
//  4. Collect and report results
func ValidateDir(ctx context.Context, dir string, opts ...Options) (*ValidationResult, error) {
	paths, err := filepath.Glob(filepath.Join(dir, "*.yaml"))
	if err != nil {
		return nil, err
	}
	sort.Strings(paths)

	result := &ValidationResult{}
	fail := func(name, path, msg string) {
		result.Failed++
		result.Failures = append(result.Failures, ScenarioFailure{Scenario: name, Path: path, Error: msg})
	}

	for _, path := range paths {
		result.TotalScenarios++

		scenario, err := LoadScenario(path)
		if err != nil {
			fail(filepath.Base(path), path, fmt.Sprintf("failed to load scenario: %v", err))
			continue
		}

		runResult, err := Run(ctx, scenario, opts...)
		if err != nil {
			fail(scenario.Name, path, fmt.Sprintf("scenario execution failed: %v", err))
			continue
		}

		if !runResult.Pass {
			fail(scenario.Name, path, fmt.Sprintf("scenario assertions failed: %v", runResult.Errors))
			continue
		}

		if violations := CheckPrinciples(runResult); len(violations) > 0 {
			fail(scenario.Name, path, fmt.Sprintf("principles violated: %v", violations))
			continue
		}

		result.Passed++
	}
	return result, nil
}
