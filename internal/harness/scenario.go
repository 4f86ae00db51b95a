package harness

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/roach88/underthetree/internal/config"
	"github.com/roach88/underthetree/internal/flow"
	"github.com/roach88/underthetree/internal/runstate"
)

// Scenario is one scripted run of the experience.
type Scenario struct {
	// Name uniquely identifies this scenario and names its golden file.
	Name string `yaml:"name"`

	// Description explains what this scenario validates.
	Description string `yaml:"description"`

	// Kit shapes the simulated environment.
	Kit KitSpec `yaml:"kit,omitempty"`

	// Timings override FastTimings field by field.
	Timings config.Timings `yaml:"timings,omitempty"`

	// Media overrides FastMedia field by field.
	Media config.Media `yaml:"media,omitempty"`

	// Reward configures what a gift open yields. Empty means no rewards
	// collaborator at all.
	Reward RewardSpec `yaml:"reward,omitempty"`

	// Steps run in order.
	Steps []Step `yaml:"steps"`

	// Assertions validate the trace, the final UI, telemetry and stored
	// rows.
	Assertions []Assertion `yaml:"assertions"`
}

// KitSpec mirrors headless.KitOptions.
type KitSpec struct {
	CinematicStalls  bool          `yaml:"cinematic_stalls"`
	GiftNeverEnds    bool          `yaml:"gift_never_ends"`
	GiftPlayRejected bool          `yaml:"gift_play_rejected"`
	ConfettiNoEnded  bool          `yaml:"confetti_no_ended"`
	LoadDelay        time.Duration `yaml:"load_delay"`
	LoadError        bool          `yaml:"load_error"`
	SceneStopWait    time.Duration `yaml:"scene_stop_wait"`
	StallFades       bool          `yaml:"stall_fades"`
	StallCrossfade   bool          `yaml:"stall_crossfade"`
	ReducedMotion    bool          `yaml:"reduced_motion"`
	LowPower         bool          `yaml:"low_power"`
	Muted            bool          `yaml:"muted"`
}

// RewardSpec configures the rewards collaborator.
type RewardSpec struct {
	// Title and Source describe the reward a stub delivers after Delay.
	Title  string        `yaml:"title"`
	Source string        `yaml:"source"`
	Delay  time.Duration `yaml:"delay"`

	// Hang wires the real reward fetcher to a store that never answers,
	// so every open resolves to the placeholder after the hard timeout.
	Hang bool `yaml:"hang"`
}

func (r RewardSpec) enabled() bool { return r.Hang || r.Title != "" }

// Step is exactly one of: an action, a wait, a settle, a suppression or
// a wish submission.
type Step struct {
	// Action is a flow action name such as "enter" or "open_gift".
	Action string `yaml:"action,omitempty"`
	// Repeat dispatches the action this many times concurrently.
	Repeat int `yaml:"repeat,omitempty"`

	// Wait sleeps.
	Wait time.Duration `yaml:"wait,omitempty"`

	// Settle waits for background reward and confetti work.
	Settle bool `yaml:"settle,omitempty"`

	// Suppress skips the network request and/or reward card of the next
	// gift open.
	Suppress *Suppress `yaml:"suppress,omitempty"`

	// Wish submits wish text. Offline submits without connectivity.
	Wish    string `yaml:"wish,omitempty"`
	Offline bool   `yaml:"offline,omitempty"`
}

// Suppress mirrors flow.Controller.SuppressNextOpen.
type Suppress struct {
	Network bool `yaml:"network"`
	Card    bool `yaml:"card"`
}

func (s Step) kinds() int {
	n := 0
	if s.Action != "" {
		n++
	}
	if s.Wait > 0 {
		n++
	}
	if s.Settle {
		n++
	}
	if s.Suppress != nil {
		n++
	}
	if s.Wish != "" {
		n++
	}
	return n
}

// Assertion validates one aspect of a run.
type Assertion struct {
	// Type is one of the Assert* constants.
	Type string `yaml:"type"`

	// States are the expected transition targets, in order but not
	// necessarily adjacent (state_order), or the states that must never
	// be entered (state_absent).
	States []string `yaml:"states,omitempty"`

	// State is the expected final flow state (final_flow_state).
	State string `yaml:"state,omitempty"`

	// Event and Count are used by event_count.
	Event string `yaml:"event,omitempty"`
	Count int    `yaml:"count,omitempty"`

	// Action and Acted are used by action_acted.
	Action string `yaml:"action,omitempty"`
	Acted  int    `yaml:"acted,omitempty"`

	// Table and Where select one stored row (final_state).
	Table string         `yaml:"table,omitempty"`
	Where map[string]any `yaml:"where,omitempty"`

	// Expect holds expected fields: UI fields for ui, columns for
	// final_state. Subset match.
	Expect map[string]any `yaml:"expect,omitempty"`
}

// Assertion type constants.
const (
	AssertStateOrder     = "state_order"
	AssertStateAbsent    = "state_absent"
	AssertFinalFlowState = "final_flow_state"
	AssertUI             = "ui"
	AssertEventCount     = "event_count"
	AssertActionActed    = "action_acted"
	AssertFinalState     = "final_state"
)

// FastTimings are the defaults scenarios start from: every timeout
// shortened so a scenario runs in well under a second.
func FastTimings() config.Timings {
	return config.Timings{
		CinematicLoad:     400 * time.Millisecond,
		CinematicSafety:   50 * time.Millisecond,
		Crossfade:         30 * time.Millisecond,
		BlurRamp:          40 * time.Millisecond,
		CrossfadeSlack:    100 * time.Millisecond,
		GiftUIDelay:       5 * time.Millisecond,
		GiftUIFadeIn:      10 * time.Millisecond,
		ConfettiOffset:    20 * time.Millisecond,
		ConfettiFadeOut:   10 * time.Millisecond,
		GiftEndedCeiling:  500 * time.Millisecond,
		RewardHardTimeout: 200 * time.Millisecond,
		RewardOpenBudget:  2 * time.Second,
		EnrichPoll:        20 * time.Millisecond,
		EnrichJoin:        10 * time.Millisecond,
		ReturnHome:        time.Second,
		FadeToBlack:       10 * time.Millisecond,
		FadeFromBlack:     10 * time.Millisecond,
		LoaderMinimum:     10 * time.Millisecond,
		HeroUIDelay:       5 * time.Millisecond,
	}
}

// FastMedia are the clip lengths scenarios start from.
func FastMedia() config.Media {
	return config.Media{
		Cinematic: 50 * time.Millisecond,
		GiftOpen:  80 * time.Millisecond,
		Confetti:  40 * time.Millisecond,
	}
}

// LoadScenario reads and parses a scenario YAML file.
// Returns an error if the file doesn't exist, is malformed,
// contains unknown fields (typos), or is missing required fields.
func LoadScenario(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read scenario file: %w", err)
	}
	return ParseScenario(data)
}

// ParseScenario parses scenario YAML.
func ParseScenario(data []byte) (*Scenario, error) {
	// Pre-filled so the YAML only overrides the fields it names.
	scenario := Scenario{Timings: FastTimings(), Media: FastMedia()}
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true) // Reject unknown fields
	if err := decoder.Decode(&scenario); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}
	if err := validateScenario(&scenario); err != nil {
		return nil, fmt.Errorf("invalid scenario: %w", err)
	}
	return &scenario, nil
}

// LoadDir loads every *.yaml scenario in dir, sorted by file name.
func LoadDir(dir string) ([]*Scenario, error) {
	paths, err := filepath.Glob(filepath.Join(dir, "*.yaml"))
	if err != nil {
		return nil, err
	}
	sort.Strings(paths)
	out := make([]*Scenario, 0, len(paths))
	for _, p := range paths {
		s, err := LoadScenario(p)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", filepath.Base(p), err)
		}
		out = append(out, s)
	}
	return out, nil
}

// validateScenario checks that required fields are present and valid.
func validateScenario(s *Scenario) error {
	if s.Name == "" {
		return fmt.Errorf("name is required")
	}
	if s.Description == "" {
		return fmt.Errorf("description is required")
	}
	if len(s.Steps) == 0 {
		return fmt.Errorf("steps list is required and must be non-empty")
	}
	if len(s.Assertions) == 0 {
		return fmt.Errorf("assertions list is required and must be non-empty")
	}

	for i, step := range s.Steps {
		if step.kinds() != 1 {
			return fmt.Errorf("steps[%d]: exactly one of action, wait, settle, suppress or wish is required", i)
		}
		if step.Action != "" {
			if _, err := flow.ParseAction(step.Action); err != nil {
				return fmt.Errorf("steps[%d]: %w", i, err)
			}
		}
		if step.Repeat < 0 {
			return fmt.Errorf("steps[%d]: repeat must be non-negative", i)
		}
		if step.Repeat > 0 && step.Action == "" {
			return fmt.Errorf("steps[%d]: repeat needs an action", i)
		}
		if step.Offline && step.Wish == "" {
			return fmt.Errorf("steps[%d]: offline needs a wish", i)
		}
	}

	for i, assertion := range s.Assertions {
		if err := validateAssertion(i, &assertion); err != nil {
			return err
		}
	}
	return nil
}

// validateAssertion validates a single assertion based on its type.
func validateAssertion(index int, a *Assertion) error {
	if a.Type == "" {
		return fmt.Errorf("assertions[%d]: type is required", index)
	}

	checkStates := func(names ...string) error {
		for _, n := range names {
			if _, err := runstate.ParseState(n); err != nil {
				return fmt.Errorf("assertions[%d]: %w", index, err)
			}
		}
		return nil
	}

	switch a.Type {
	case AssertStateOrder, AssertStateAbsent:
		if len(a.States) == 0 {
			return fmt.Errorf("assertions[%d]: states list is required for %s", index, a.Type)
		}
		return checkStates(a.States...)
	case AssertFinalFlowState:
		if a.State == "" {
			return fmt.Errorf("assertions[%d]: state is required for final_flow_state", index)
		}
		return checkStates(a.State)
	case AssertUI:
		if len(a.Expect) == 0 {
			return fmt.Errorf("assertions[%d]: expect is required for ui", index)
		}
	case AssertEventCount:
		if a.Event == "" {
			return fmt.Errorf("assertions[%d]: event is required for event_count", index)
		}
		if a.Count < 0 {
			return fmt.Errorf("assertions[%d]: count must be non-negative for event_count", index)
		}
	case AssertActionActed:
		if a.Action == "" {
			return fmt.Errorf("assertions[%d]: action is required for action_acted", index)
		}
	case AssertFinalState:
		if a.Table == "" {
			return fmt.Errorf("assertions[%d]: table is required for final_state", index)
		}
		if len(a.Expect) == 0 {
			return fmt.Errorf("assertions[%d]: expect is required for final_state", index)
		}
	default:
		return fmt.Errorf("assertions[%d]: unknown assertion type %q (want one of %s)",
			index, a.Type, strings.Join(assertionTypes, ", "))
	}
	return nil
}

var assertionTypes = []string{
	AssertStateOrder, AssertStateAbsent, AssertFinalFlowState, AssertUI,
	AssertEventCount, AssertActionActed, AssertFinalState,
}
