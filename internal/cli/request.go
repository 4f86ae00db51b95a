package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/underthetree/internal/model"
)

// RequestOptions holds flags for the request command.
type RequestOptions struct {
	*RootOptions
	Input   string
	Stream  bool
	Timeout time.Duration
}

// NewRequestCommand creates the request command.
func NewRequestCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &RequestOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "request <operation>",
		Short: "Send one operation to the model providers",
		Long: `Send one operation to the configured model providers.

The primary provider is tried first and the other one once on failure.
The reply must be a single JSON object that passes the operation schema.

Operations: VALIDATE_WISH, CREATE_WISH_PAYLOAD, RECORD_GIFT_OPEN,
GENERATE_GIFT_SUMMARY, FETCH_USER_GIFTS.

Example:
  underthetree request VALIDATE_WISH --input '{"text":"a red bicycle"}'
  underthetree request CREATE_WISH_PAYLOAD --input '{"text":"a kite","is_public":true}' --stream`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRequest(opts, args[0], cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Input, "input", "{}", "operation input as JSON")
	cmd.Flags().BoolVar(&opts.Stream, "stream", false, "stream the provider reply")
	cmd.Flags().DurationVar(&opts.Timeout, "timeout", 0, "overall timeout (default from config)")

	return cmd
}

// parseOperation matches name against the catalog, ignoring case.
func parseOperation(name string) (model.Operation, error) {
	want := strings.ToUpper(strings.TrimSpace(name))
	for _, op := range model.Operations() {
		if string(op) == want {
			return op, nil
		}
	}
	return "", fmt.Errorf("unknown operation %q: must be one of %v", name, model.Operations())
}

func runRequest(opts *RequestOptions, name string, cmd *cobra.Command) error {
	op, err := parseOperation(name)
	if err != nil {
		return WrapExitError(ExitCommandError, "invalid operation", err)
	}

	var input map[string]any
	if err := json.Unmarshal([]byte(opts.Input), &input); err != nil {
		return WrapExitError(ExitCommandError, "invalid --input JSON", err)
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
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = app.Config.Providers.Timeout
	}

	formatter := NewOutputFormatter(cmd, opts.RootOptions)
	res, err := app.Model.Request(ctx, op, input, model.RequestOptions{
		Timeout: timeout,
		Stream:  opts.Stream || app.Config.Providers.Stream,
		OnProgress: func(p model.Progress) {
			formatter.VerboseLog("%s: %d chunk(s), %d byte(s)", p.Provider, p.Chunks, p.Bytes)
		},
	})
	if err != nil {
		code := string(model.CodeUnknown)
		var re *model.RequestError
		if errors.As(err, &re) {
			code = string(re.Code)
		}
		_ = formatter.Error(ErrCodeModel, err.Error(), map[string]string{"code": code})
		return WrapExitError(ExitFailure, "model request failed", err)
	}

	if opts.Format == "json" {
		return formatter.Success(res)
	}
	payload, err := json.MarshalIndent(res.Payload, "", "  ")
	if err != nil {
		return err
	}
	w := cmd.OutOrStdout()
	fmt.Fprintf(w, "%s via %s in %s", res.Operation, res.Meta.ProviderUsed, res.Meta.Duration.Round(time.Millisecond))
	if res.Meta.Fallback {
		fmt.Fprintf(w, " (fallback after %s)", res.Meta.FallbackFrom)
	}
	fmt.Fprintln(w)
	fmt.Fprintln(w, string(payload))
	return nil
}
