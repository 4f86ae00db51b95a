package harness

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/sebdah/goldie/v2"
)

// TraceSnapshot captures the deterministic parts of a run.
type TraceSnapshot struct {
	ScenarioName string         `json:"scenario_name"`
	Trace        []TraceEvent   `json:"trace"`
	FinalState   string         `json:"final_state"`
	UI           UISnapshot     `json:"ui"`
	Events       map[string]int `json:"events"`
}

// UISnapshot is the part of the headless UI that is stable once
// background work has drained. Loader progress is left out because a
// forced teardown may still report progress after the run.
type UISnapshot struct {
	Blackout      float64  `json:"blackout"`
	GiftUI        float64  `json:"gift_ui"`
	HeroVisible   bool     `json:"hero_visible"`
	HeroDisabled  bool     `json:"hero_disabled"`
	GiftDisabled  bool     `json:"gift_disabled"`
	LoaderVisible bool     `json:"loader_visible"`
	RevealShown   bool     `json:"reveal_shown"`
	RewardTitle   string   `json:"reward_title,omitempty"`
	RewardSource  string   `json:"reward_source,omitempty"`
	Toasts        []string `json:"toasts,omitempty"`
	LoadErrors    []string `json:"load_errors,omitempty"`
}

// Snapshot builds the golden view of a result.
func Snapshot(name string, result *Result) TraceSnapshot {
	ui := result.UI
	snap := TraceSnapshot{
		ScenarioName: name,
		Trace:        result.Trace,
		FinalState:   result.FinalState,
		Events:       result.Events,
		UI: UISnapshot{
			Blackout:      ui.Blackout,
			GiftUI:        ui.GiftUI,
			HeroVisible:   ui.HeroVisible,
			HeroDisabled:  ui.HeroDisabled,
			GiftDisabled:  ui.GiftDisabled,
			LoaderVisible: ui.LoaderVisible,
			RevealShown:   ui.RevealShown,
			Toasts:        ui.Toasts,
			LoadErrors:    ui.LoadErrors,
		},
	}
	if ui.Reward != nil {
		snap.UI.RewardTitle = ui.Reward.Title
		snap.UI.RewardSource = ui.Reward.Source
	}
	return snap
}

// MarshalSnapshot renders a snapshot as indented JSON with a trailing
// newline. Map keys are sorted by encoding/json.
func MarshalSnapshot(s TraceSnapshot) ([]byte, error) {
	b, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return nil, err
	}
	return append(b, '\n'), nil
}

// RunWithGolden executes a scenario and compares its snapshot against a
// golden file. The golden file is stored in
// testdata/golden/{scenario.Name}.golden
//
// To regenerate golden files, run:
//
//	go test ./internal/harness -update
//
// Returns error if scenario execution fails.
// Test failure (via goldie) occurs if the snapshot doesn't match.
func RunWithGolden(t *testing.T, scenario *Scenario) (*Result, error) {
	t.Helper()

	result, err := Run(context.Background(), scenario)
	if err != nil {
		return nil, err
	}
	if err := AssertGolden(t, scenario.Name, result); err != nil {
		return nil, err
	}
	return result, nil
}

// AssertGolden compares an existing result against a golden file
// without re-running.
func AssertGolden(t *testing.T, scenarioName string, result *Result) error {
	t.Helper()

	data, err := MarshalSnapshot(Snapshot(scenarioName, result))
	if err != nil {
		return err
	}

	g := goldie.New(t,
		goldie.WithFixtureDir("testdata/golden"),
		goldie.WithNameSuffix(".golden"),
	)
	g.Assert(t, scenarioName, data)
	return nil
}
