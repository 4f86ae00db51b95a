package cli

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/underthetree/internal/monitor"
	"github.com/roach88/underthetree/internal/queue"
)

// QueueListResult is the list output.
type QueueListResult struct {
	Operations []queue.Operation `json:"operations"`
	Counts     queue.Counts      `json:"counts"`
}

// NewQueueCommand creates the queue command and its subcommands.
func NewQueueCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "queue",
		Short: "Inspect and drive the offline queue",
		Long: `Inspect and drive the offline queue of wish submissions.

Operations wait with exponential backoff between attempts and become
failed after the maximum attempts or a non-retryable error. Failed
operations stay until retried or discarded.`,
	}

	cmd.AddCommand(newQueueListCommand(rootOpts))
	cmd.AddCommand(newQueueProcessCommand(rootOpts))
	cmd.AddCommand(newQueueRetryCommand(rootOpts))
	cmd.AddCommand(newQueueDiscardCommand(rootOpts))
	return cmd
}

func newQueueListCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:           "list",
		Short:         "List queued operations",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withQueue(opts, cmd, func(ctx context.Context, app *App, f *OutputFormatter) error {
				return listQueue(ctx, app.Queue, f, time.Now())
			})
		},
	}
}

func newQueueProcessCommand(opts *RootOptions) *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "process",
		Short: "Run due operations now",
		Long: `Run every due operation through its handler.

With --force, operations still waiting out their backoff run too.
Failed operations are skipped; use retry to give them another chance.`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withQueue(opts, cmd, func(ctx context.Context, app *App, f *OutputFormatter) error {
				if err := app.Queue.Process(ctx, queue.ProcessOptions{Force: force}); err != nil {
					return WrapExitError(ExitFailure, "queue processing failed", err)
				}
				app.Queue.Wait()
				return listQueue(ctx, app.Queue, f, time.Now())
			})
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "ignore backoff")
	return cmd
}

func newQueueRetryCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "retry [id...]",
		Short: "Reset failed operations and run them",
		Long: `Reset failed operations to zero attempts and process the queue.

Without ids every failed operation is retried.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withQueue(opts, cmd, func(ctx context.Context, app *App, f *OutputFormatter) error {
				ids := args
				if len(ids) == 0 {
					ops, err := app.Queue.Peek(ctx)
					if err != nil {
						return WrapExitError(ExitCommandError, "failed to read queue", err)
					}
					for _, op := range ops {
						if op.Failed {
							ids = append(ids, op.ID)
						}
					}
				}
				retried := 0
				for _, id := range ids {
					ok, err := app.Queue.Requeue(ctx, id)
					if err != nil {
						return WrapExitError(ExitCommandError, "failed to requeue "+id, err)
					}
					if !ok {
						f.VerboseLog("no operation %s", id)
						continue
					}
					retried++
				}
				f.VerboseLog("retried %d operation(s)", retried)
				if err := app.Queue.Process(ctx, queue.ProcessOptions{}); err != nil {
					return WrapExitError(ExitFailure, "queue processing failed", err)
				}
				app.Queue.Wait()
				return listQueue(ctx, app.Queue, f, time.Now())
			})
		},
	}
}

func newQueueDiscardCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:           "discard <id...>",
		Short:         "Remove operations without running them",
		Args:          cobra.MinimumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withQueue(opts, cmd, func(ctx context.Context, app *App, f *OutputFormatter) error {
				for _, id := range args {
					if err := app.Queue.Discard(ctx, id); err != nil {
						return WrapExitError(ExitCommandError, "failed to discard "+id, err)
					}
				}
				return listQueue(ctx, app.Queue, f, time.Now())
			})
		},
	}
}

func withQueue(opts *RootOptions, cmd *cobra.Command, fn func(context.Context, *App, *OutputFormatter) error) error {
	app, err := OpenApp(opts)
	if err != nil {
		return err
	}
	defer app.Close(context.Background())

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	return fn(ctx, app, NewOutputFormatter(cmd, opts))
}

func listQueue(ctx context.Context, q *queue.Queue, f *OutputFormatter, now time.Time) error {
	ops, err := q.Peek(ctx)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to read queue", err)
	}
	counts := queue.CountsOf(ops)

	if f.Format == "json" {
		if err := f.Success(QueueListResult{Operations: ops, Counts: counts}); err != nil {
			return err
		}
	} else {
		if len(ops) == 0 {
			fmt.Fprintln(f.Writer, "Queue is empty.")
			return nil
		}
		rows := make([][]string, 0, len(ops))
		for _, op := range ops {
			rows = append(rows, []string{
				truncateID(op.ID),
				op.OpType,
				strconv.Itoa(op.Attempts),
				monitor.OpStatus(op, now),
			})
		}
		f.Table([]string{"ID", "TYPE", "ATTEMPTS", "STATUS"}, rows)
		fmt.Fprintf(f.Writer, "\n%d pending, %d failed\n", counts.Pending, counts.Failed)
	}

	if counts.Failed > 0 {
		return NewExitError(ExitFailure, fmt.Sprintf("%d operation(s) failed", counts.Failed))
	}
	return nil
}
