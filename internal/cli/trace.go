package cli

import (
	"context"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/underthetree/internal/store"
	"github.com/roach88/underthetree/internal/telemetry"
)

// TraceOptions holds flags for the trace command.
type TraceOptions struct {
	*RootOptions
	Limit      int
	Event      string // optional - filter to one event name
	ClientOpID string // optional - filter to one operation
}

// TraceEvent is one telemetry event in the timeline.
type TraceEvent struct {
	Seq   int            `json:"seq"`
	TS    time.Time      `json:"ts"`
	Event string         `json:"event"`
	Props map[string]any `json:"props,omitempty"`
}

// TraceResult holds the complete trace output.
type TraceResult struct {
	Timeline []TraceEvent `json:"timeline"`
	Stats    TraceStats   `json:"stats"`
}

// TraceStats holds summary statistics for the trace.
type TraceStats struct {
	TotalEvents int            `json:"total_events"`
	ByEvent     map[string]int `json:"by_event"`
	Operations  int            `json:"operations"`
}

// NewTraceCommand creates the trace command.
func NewTraceCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &TraceOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "trace",
		Short: "Show recorded telemetry",
		Long: `Show the telemetry events recorded in the local database.

Events are listed oldest first. Every model request, queue change, gift
open and flow transition that ran against this database leaves an event.
Filter by event name or by client_op_id to follow one wish or open.

Examples:
  underthetree trace
  underthetree trace --limit 50 --event gift_opened
  underthetree trace --op 0192f1d2-... --verbose
  underthetree trace --format json`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTrace(opts, cmd)
		},
	}

	cmd.Flags().IntVarP(&opts.Limit, "limit", "n", 100, "newest events to read (0 for all)")
	cmd.Flags().StringVar(&opts.Event, "event", "", "filter to one event name")
	cmd.Flags().StringVar(&opts.ClientOpID, "op", "", "filter to one client_op_id")

	return cmd
}

func runTrace(opts *TraceOptions, cmd *cobra.Command) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	cfg, err := LoadConfig(opts.RootOptions)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to load config", err)
	}
	st, err := store.Open(cfg.DBPath)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to open database", err)
	}
	defer st.Close()

	events, err := st.RecentEvents(ctx, opts.Limit)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to read events", err)
	}

	result := TraceResult{
		Timeline: buildTimeline(events, opts.Event, opts.ClientOpID),
		Stats:    TraceStats{ByEvent: map[string]int{}},
	}
	ops := make(map[string]bool)
	for _, ev := range result.Timeline {
		result.Stats.ByEvent[ev.Event]++
		if id, ok := ev.Props["client_op_id"].(string); ok && id != "" {
			ops[id] = true
		}
	}
	result.Stats.TotalEvents = len(result.Timeline)
	result.Stats.Operations = len(ops)

	if opts.Format == "json" {
		return outputTraceJSON(cmd, result)
	}
	return outputTraceText(cmd, result, opts.Verbose)
}

// buildTimeline numbers events and applies the filters.
func buildTimeline(events []telemetry.Event, eventFilter, opFilter string) []TraceEvent {
	timeline := []TraceEvent{}
	for i, ev := range events {
		if eventFilter != "" && ev.Name != eventFilter {
			continue
		}
		if opFilter != "" {
			if id, _ := ev.Props["client_op_id"].(string); id != opFilter {
				continue
			}
		}
		timeline = append(timeline, TraceEvent{
			Seq:   i + 1,
			TS:    ev.TS,
			Event: ev.Name,
			Props: ev.Props,
		})
	}
	return timeline
}

// outputTraceJSON outputs the trace result as JSON.
func outputTraceJSON(cmd *cobra.Command, result TraceResult) error {
	response := CLIResponse{
		Status: "ok",
		Data:   result,
	}

	return writeJSON(cmd.OutOrStdout(), response)
}

// outputTraceText outputs the trace result as text.
func outputTraceText(cmd *cobra.Command, result TraceResult, verbose bool) error {
	w := cmd.OutOrStdout()

	fmt.Fprintln(w, "=== Timeline ===")
	if len(result.Timeline) == 0 {
		fmt.Fprintln(w, "  (no events)")
	} else {
		for _, event := range result.Timeline {
			formatTimelineEvent(w, event, verbose)
		}
	}
	fmt.Fprintln(w)

	fmt.Fprintln(w, "=== Stats ===")
	fmt.Fprintf(w, "  Total Events: %d\n", result.Stats.TotalEvents)
	fmt.Fprintf(w, "  Operations:   %d\n", result.Stats.Operations)
	names := make([]string, 0, len(result.Stats.ByEvent))
	for name := range result.Stats.ByEvent {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		fmt.Fprintf(w, "  %-22s %d\n", name+":", result.Stats.ByEvent[name])
	}

	return nil
}

// formatTimelineEvent formats a single timeline event for text output.
func formatTimelineEvent(w io.Writer, event TraceEvent, verbose bool) {
	fmt.Fprintf(w, "  [%d] %s %s\n", event.Seq, event.TS.UTC().Format("15:04:05.000"), event.Event)
	if len(event.Props) == 0 {
		return
	}
	if verbose {
		fmt.Fprintf(w, "       Props: %s\n", formatArgs(event.Props))
		return
	}
	if id, ok := event.Props["client_op_id"].(string); ok {
		fmt.Fprintf(w, "       op: %s\n", truncateID(id))
	}
}

// formatArgs formats a map of props for display.
// Uses sorted keys to ensure deterministic output.
func formatArgs(args map[string]any) string {
	if len(args) == 0 {
		return "{}"
	}

	keys := make([]string, 0, len(args))
	for k := range args {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var parts []string
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%s", k, formatValue(args[k])))
	}
	return "{" + strings.Join(parts, ", ") + "}"
}

// formatValue formats a single value for display, handling nested structures deterministically.
func formatValue(v any) string {
	switch val := v.(type) {
	case map[string]any:
		return formatArgs(val)
	case []any:
		parts := make([]string, len(val))
		for i, elem := range val {
			parts[i] = formatValue(elem)
		}
		return "[" + strings.Join(parts, ", ") + "]"
	case string:
		return val
	default:
		return fmt.Sprintf("%v", v)
	}
}

// truncateID truncates a long ID for display.
func truncateID(id string) string {
	if len(id) <= 16 {
		return id
	}
	return id[:8] + "..." + id[len(id)-8:]
}
