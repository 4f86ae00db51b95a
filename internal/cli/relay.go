package cli

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/underthetree/internal/proxy"
)

// RelayOptions holds flags for the relay command.
type RelayOptions struct {
	*RootOptions
	Addr     string
	Upstream string

	// Ready receives the bound address once the server listens (for testing).
	Ready chan<- string
}

// NewRelayCommand creates the relay command.
func NewRelayCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &RelayOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "relay",
		Short: "Serve the agent relay",
		Long: `Serve the agent relay that forwards wish-writing runs upstream.

POST starts a run and PUT continues one by run_id. The upstream URL and
API key come from the agent section of the config (or UTT_AGENT_UPSTREAM
and UTT_AGENT_API_KEY). The key never leaves the relay.

Example:
  underthetree relay --addr 127.0.0.1:8787
  underthetree relay --upstream https://agent.example/v1/runs --verbose`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRelay(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Addr, "addr", "127.0.0.1:8787", "listen address")
	cmd.Flags().StringVar(&opts.Upstream, "upstream", "", "upstream agent URL (overrides config)")

	return cmd
}

func runRelay(opts *RelayOptions, cmd *cobra.Command) error {
	logger := opts.logger()

	cfg, err := LoadConfig(opts.RootOptions)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to load config", err)
	}
	upstream := cfg.Agent.Upstream
	if strings.TrimSpace(opts.Upstream) != "" {
		upstream = opts.Upstream
	}
	if strings.TrimSpace(upstream) == "" {
		logger.Warn("no upstream configured, every request will answer NOT_CONFIGURED")
	}

	timeout := cfg.Agent.Timeout
	if timeout < 15*time.Second {
		timeout = 15 * time.Second
	}
	relay := &proxy.Relay{
		Upstream: upstream,
		APIKey:   cfg.Agent.APIKey,
		Client:   &http.Client{Timeout: 2 * timeout},
		Logger:   logger,
	}

	ln, err := net.Listen("tcp", opts.Addr)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to listen", err)
	}
	srv := &http.Server{
		Handler:           relay,
		ReadHeaderTimeout: 5 * time.Second,
	}

	// Use command's context if available (for testing), otherwise create one
	parentCtx := cmd.Context()
	if parentCtx == nil {
		parentCtx = context.Background()
	}
	ctx, cancel := context.WithCancel(parentCtx)
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	go func() {
		select {
		case sig := <-sigChan:
			logger.Info("received signal, shutting down", "signal", sig)
			cancel()
		case <-ctx.Done():
		}
	}()

	served := make(chan error, 1)
	go func() { served <- srv.Serve(ln) }()

	logger.Info("relay listening", "addr", ln.Addr().String(), "upstream", upstream)
	fmt.Fprintf(cmd.OutOrStdout(), "Relay listening on http://%s\n", ln.Addr())
	if opts.Ready != nil {
		opts.Ready <- ln.Addr().String()
	}

	select {
	case err := <-served:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return WrapExitError(ExitFailure, "relay error", err)
		}
		return nil
	case <-ctx.Done():
	}

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelShutdown()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return WrapExitError(ExitFailure, "relay shutdown", err)
	}
	logger.Info("relay stopped gracefully")
	return nil
}
