package cli

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/roach88/underthetree/internal/model"
	"github.com/roach88/underthetree/internal/wish"
)

// WishOptions holds flags for the wish command.
type WishOptions struct {
	*RootOptions
	Public bool
	Gift   string
}

// NewWishCommand creates the wish command.
func NewWishCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &WishOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "wish <text>",
		Short: "Submit a wish",
		Long: `Submit a wish the way the wish form does.

The text is validated and shaped by the model, then written through the
agent or the remote store. When any step fails, or with --offline, the
wish is kept on the local queue and retried later with "queue process".

Exit codes:
  0 - Saved, remotely or on the local queue
  1 - Rejected or empty
  2 - Command error

Example:
  underthetree wish "a red bicycle"
  underthetree wish --public --gift "a wooden train" "something for my nephew"
  underthetree wish --offline "a warm scarf"`,
		Args:          cobra.MinimumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWish(opts, strings.Join(args, " "), cmd)
		},
	}

	cmd.Flags().BoolVar(&opts.Public, "public", false, "share the wish publicly")
	cmd.Flags().StringVar(&opts.Gift, "gift", "", "gift description to remember for a later open")

	return cmd
}

func runWish(opts *WishOptions, text string, cmd *cobra.Command) error {
	app, err := OpenApp(opts.RootOptions)
	if err != nil {
		return err
	}
	defer app.Close(context.Background())

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	formatter := NewOutputFormatter(cmd, opts.RootOptions)

	res, err := app.Wishes.Submit(ctx, wish.Request{
		Text:            text,
		UserID:          app.UserID,
		IsPublic:        opts.Public,
		GiftDescription: opts.Gift,
	}, func(p model.Progress) {
		formatter.VerboseLog("%s: %d chunk(s)", p.Provider, p.Chunks)
	})
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to submit wish", err)
	}

	switch res.Status {
	case wish.StatusRejected:
		_ = formatter.Error(ErrCodeWishStore, "wish rejected", res)
		return NewExitError(ExitFailure, "wish rejected: "+strings.Join(res.Reasons, "; "))
	case wish.StatusEmpty:
		_ = formatter.Error(ErrCodeBadInput, "wish is empty", res)
		return NewExitError(ExitFailure, "wish is empty")
	case wish.StatusNotConfigured:
		_ = formatter.Error(ErrCodeConfig, "wishes are not configured", res)
		return NewExitError(ExitFailure, "wishes are not configured: "+strings.Join(res.Reasons, "; "))
	}

	if opts.Format == "json" {
		return formatter.Success(res)
	}
	w := cmd.OutOrStdout()
	switch res.Status {
	case wish.StatusSaved:
		fmt.Fprintf(w, "✓ Wish saved via %s\n", res.Writer)
		if !res.Confirmed {
			fmt.Fprintln(w, "  not yet visible in the store")
		}
	case wish.StatusSavedLocally:
		fmt.Fprintln(w, "✓ Wish saved locally, it will be sent when the store is reachable")
	}
	fmt.Fprintf(w, "  op: %s\n", res.ClientOpID)
	return nil
}
