package cli

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/underthetree/internal/debugfeed"
	"github.com/roach88/underthetree/internal/flow"
	"github.com/roach88/underthetree/internal/harness"
	"github.com/roach88/underthetree/internal/headless"
	"github.com/roach88/underthetree/internal/prefs"
	"github.com/roach88/underthetree/internal/reward"
	"github.com/roach88/underthetree/internal/runstate"
	"github.com/roach88/underthetree/internal/telemetry"
)

// defaultPlay is the full journey from landing to reveal and back.
var defaultPlay = []string{"start", "enter", "open_gift", "back_home"}

// PlayOptions holds flags for the play command.
type PlayOptions struct {
	*RootOptions
	Scenario      string
	ReducedMotion bool
	LowPower      bool
	Muted         bool
	DebugAddr     string
	Linger        time.Duration
}

// PlayStep is one action and whether the flow acted on it.
type PlayStep struct {
	Action string `json:"action"`
	Acted  bool   `json:"acted"`
	State  string `json:"state"`
}

// PlayResult is the outcome of a play.
type PlayResult struct {
	Steps      []PlayStep        `json:"steps"`
	FinalState string            `json:"final_state"`
	UI         headless.UIState  `json:"ui"`
	Reward     *reward.Reward    `json:"reward,omitempty"`
	Runtime    runstate.Snapshot `json:"runtime"`
}

// NewPlayCommand creates the play command.
func NewPlayCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &PlayOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "play [action...]",
		Short: "Drive the gift flow headlessly",
		Long: `Drive the gift flow against simulated scenes and media.

Each action runs to completion before the next one. Without actions the
full journey plays: start, enter, open_gift, back_home. Actions are
start, enter, open_gift, more_gifts, back_home, skip_cinematic, hide,
show, mute and unmute.

With --scenario, a scenario file runs through the harness instead.
With --debug-addr, a websocket feed of runtime snapshots and telemetry
is served while the flow plays.

Examples:
  underthetree play
  underthetree play start enter open_gift more_gifts back_home
  underthetree play --reduced-motion --format json
  underthetree play --scenario ./scenarios/enter_open_home.yaml
  underthetree play --debug-addr 127.0.0.1:7788 --linger 30s`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 0 {
				args = defaultPlay
			}
			if opts.Scenario != "" {
				return runPlayScenario(cmd.Context(), opts, cmd)
			}
			return runPlay(cmd.Context(), opts, args, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Scenario, "scenario", "", "run a scenario file through the harness")
	cmd.Flags().BoolVar(&opts.ReducedMotion, "reduced-motion", false, "prefer reduced motion")
	cmd.Flags().BoolVar(&opts.LowPower, "low-power", false, "treat the device as low power")
	cmd.Flags().BoolVar(&opts.Muted, "muted", false, "start muted")
	cmd.Flags().StringVar(&opts.DebugAddr, "debug-addr", "", "serve the debug feed on this address")
	cmd.Flags().DurationVar(&opts.Linger, "linger", 0, "keep the debug feed up this long after the flow ends")

	return cmd
}

func runPlay(ctx context.Context, opts *PlayOptions, args []string, cmd *cobra.Command) error {
	if ctx == nil {
		ctx = context.Background()
	}
	actions := make([]flow.Action, 0, len(args))
	for _, arg := range args {
		a, err := flow.ParseAction(arg)
		if err != nil {
			return WrapExitError(ExitCommandError, "invalid action", err)
		}
		actions = append(actions, a)
	}

	app, err := OpenApp(opts.RootOptions)
	if err != nil {
		return err
	}
	defer app.Close(context.Background())

	cfg := app.Config
	stored, _ := prefs.Load(cfg.PrefsPath)
	kit := headless.NewKit(headless.KitOptions{
		Media: headless.MediaDurations{
			Cinematic: cfg.Media.Cinematic,
			GiftOpen:  cfg.Media.GiftOpen,
			Confetti:  cfg.Media.Confetti,
		},
		Timings:       cfg.Timings,
		ReducedMotion: opts.ReducedMotion || stored.ReducedMotion,
		LowPower:      opts.LowPower || cfg.LowPower,
		Muted:         stored.MutedOr(opts.Muted),
		Logger:        app.Logger,
	})

	var (
		mu   sync.Mutex
		last *reward.Reward
	)
	kit.UI.OnChange = func(s headless.UIState) {
		if s.Reward == nil {
			return
		}
		r := *s.Reward
		mu.Lock()
		last = &r
		mu.Unlock()
	}

	fo := kit.Options(flow.FetcherRewards{Fetcher: app.Rewards}, app.Hub)
	fo.UserID = func() string { return app.UserID }
	fo.MuteOnReducedMotion = cfg.MuteOnReducedMotion
	fo.OnMutedChange = func(muted bool) {
		if _, err := prefs.Update(cfg.PrefsPath, func(p *prefs.Prefs) { p.Muted = &muted }); err != nil {
			app.Logger.Warn("failed to save mute preference", "err", err)
		}
	}
	ctl := flow.New(fo)
	defer ctl.Close()

	stop, err := serveDebugFeed(opts, debugfeed.Options{
		Runtime:   ctl.Runtime(),
		Queue:     app.Queue,
		Telemetry: app.Hub,
		Logger:    app.Logger,
	}, cmd)
	if err != nil {
		return err
	}
	defer stop()

	result := PlayResult{Steps: make([]PlayStep, 0, len(actions))}
	for _, a := range actions {
		acted := ctl.Do(ctx, a)
		ctl.Wait()
		result.Steps = append(result.Steps, PlayStep{Action: string(a), Acted: acted, State: ctl.State().String()})
		if err := ctx.Err(); err != nil {
			return WrapExitError(ExitFailure, "play interrupted", err)
		}
	}
	ctl.Wait()

	result.FinalState = ctl.State().String()
	result.UI = kit.UI.State()
	result.Runtime = ctl.Runtime().Snapshot()
	mu.Lock()
	result.Reward = last
	mu.Unlock()

	linger(ctx, opts)
	return outputPlay(NewOutputFormatter(cmd, opts.RootOptions), result)
}

func runPlayScenario(ctx context.Context, opts *PlayOptions, cmd *cobra.Command) error {
	if ctx == nil {
		ctx = context.Background()
	}
	scenario, err := harness.LoadScenario(opts.Scenario)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to load scenario", err)
	}

	hub := telemetry.NewHub(nil, telemetry.WithLogger(opts.logger()))
	defer hub.Close(context.Background())
	stop, err := serveDebugFeed(opts, debugfeed.Options{Telemetry: hub, Logger: opts.logger()}, cmd)
	if err != nil {
		return err
	}
	defer stop()

	result, err := harness.Run(ctx, scenario, harness.Options{Logger: opts.logger(), Emitter: hub})
	if err != nil {
		return WrapExitError(ExitFailure, "scenario failed to run", err)
	}
	linger(ctx, opts)

	formatter := NewOutputFormatter(cmd, opts.RootOptions)
	if opts.Format == "json" {
		if err := formatter.Success(result); err != nil {
			return err
		}
	} else {
		w := cmd.OutOrStdout()
		for _, ev := range result.Trace {
			switch ev.Type {
			case harness.EventTransition:
				fmt.Fprintf(w, "%3d  %s -> %s\n", ev.Seq, ev.From, ev.To)
			case harness.EventAction:
				fmt.Fprintf(w, "%3d  %s (%d/%d acted)\n", ev.Seq, ev.Name, ev.Acted, ev.Of)
			default:
				fmt.Fprintf(w, "%3d  %s %s %s\n", ev.Seq, ev.Type, ev.Name, ev.Status)
			}
		}
		fmt.Fprintf(w, "final state: %s\n", result.FinalState)
		for _, e := range result.Errors {
			fmt.Fprintf(w, "  %s\n", e)
		}
	}
	if !result.Pass {
		return NewExitError(ExitFailure, fmt.Sprintf("scenario %s failed", scenario.Name))
	}
	return nil
}

// serveDebugFeed starts the debug feed when --debug-addr is set. The
// returned stop shuts it down.
func serveDebugFeed(opts *PlayOptions, fo debugfeed.Options, cmd *cobra.Command) (func(), error) {
	if opts.DebugAddr == "" {
		return func() {}, nil
	}
	ln, err := net.Listen("tcp", opts.DebugAddr)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to listen for debug feed", err)
	}
	srv := &http.Server{
		Handler:           debugfeed.NewServer(fo).Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			opts.logger().Warn("debug feed stopped", "err", err)
		}
	}()
	fmt.Fprintf(cmd.ErrOrStderr(), "debug feed on ws://%s/debug/feed\n", ln.Addr())
	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
	}, nil
}

func linger(ctx context.Context, opts *PlayOptions) {
	if opts.DebugAddr == "" || opts.Linger <= 0 {
		return
	}
	select {
	case <-time.After(opts.Linger):
	case <-ctx.Done():
	}
}

func outputPlay(f *OutputFormatter, result PlayResult) error {
	if f.Format == "json" {
		return f.Success(result)
	}
	rows := make([][]string, 0, len(result.Steps))
	for _, s := range result.Steps {
		acted := "ignored"
		if s.Acted {
			acted = "acted"
		}
		rows = append(rows, []string{s.Action, acted, s.State})
	}
	f.Table([]string{"ACTION", "RESULT", "STATE"}, rows)
	fmt.Fprintf(f.Writer, "\nfinal state: %s\n", result.FinalState)
	if result.Reward != nil {
		fmt.Fprintf(f.Writer, "reward: %s (%s)\n", result.Reward.Title, result.Reward.Source)
	}
	return nil
}
