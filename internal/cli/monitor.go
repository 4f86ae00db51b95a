package cli

import (
	"context"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/underthetree/internal/monitor"
	"github.com/roach88/underthetree/internal/store"
	"github.com/roach88/underthetree/internal/telemetry"
)

// MonitorOptions holds flags for the monitor command.
type MonitorOptions struct {
	*RootOptions
	Poll time.Duration
	Tail int
}

// NewMonitorCommand creates the monitor command.
func NewMonitorCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &MonitorOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "monitor",
		Short: "Watch the offline queue and telemetry",
		Long: `Open a terminal dashboard over the local database.

Shows queued operations with their retry status and the newest telemetry
events, refreshed every poll interval. Keys: up/down select, p process
now, r retry failed, d discard selected, q quit.`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runMonitor(opts, cmd)
		},
	}

	cmd.Flags().DurationVar(&opts.Poll, "poll", time.Second, "refresh interval")
	cmd.Flags().IntVar(&opts.Tail, "tail", 8, "telemetry events to show")

	return cmd
}

func runMonitor(opts *MonitorOptions, cmd *cobra.Command) error {
	if !isTerminal(cmd.OutOrStdout()) {
		return NewExitError(ExitCommandError, "monitor needs a terminal; use queue list or trace instead")
	}

	app, err := OpenApp(opts.RootOptions)
	if err != nil {
		return err
	}
	defer app.Close(context.Background())

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	err = monitor.Run(monitor.Options{
		Context:  ctx,
		Queue:    app.Queue,
		Events:   storeEvents{ctx: ctx, st: app.Store},
		PollTick: opts.Poll,
		Tail:     opts.Tail,
	})
	if err != nil && ctx.Err() == nil {
		return WrapExitError(ExitFailure, "monitor error", err)
	}
	return nil
}

// storeEvents reads the telemetry tail from the database, so events
// written by other processes show up too.
type storeEvents struct {
	ctx context.Context
	st  *store.Store
}

func (s storeEvents) Recent(n int) []telemetry.Event {
	events, err := s.st.RecentEvents(s.ctx, n)
	if err != nil {
		return nil
	}
	return events
}
