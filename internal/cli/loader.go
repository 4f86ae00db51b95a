package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/roach88/underthetree/internal/agent"
	"github.com/roach88/underthetree/internal/config"
	"github.com/roach88/underthetree/internal/ids"
	"github.com/roach88/underthetree/internal/model"
	"github.com/roach88/underthetree/internal/prefs"
	"github.com/roach88/underthetree/internal/queue"
	"github.com/roach88/underthetree/internal/remote"
	"github.com/roach88/underthetree/internal/reward"
	"github.com/roach88/underthetree/internal/store"
	"github.com/roach88/underthetree/internal/telemetry"
	"github.com/roach88/underthetree/internal/wish"
)

// Error codes shared by commands.
const (
	ErrCodeGeneric   = "E_GENERIC"
	ErrCodeConfig    = "E_CONFIG"
	ErrCodeStore     = "E_STORE"
	ErrCodeNotFound  = "E_NOT_FOUND"
	ErrCodeScenario  = "E_SCENARIO"
	ErrCodeQueue     = "E_QUEUE"
	ErrCodeModel     = "E_MODEL"
	ErrCodeBadInput  = "E_BAD_INPUT"
	ErrCodeWishStore = "E_WISH"
)

// App holds every collaborator a command may need, built from config.
type App struct {
	Config config.Config
	Logger *slog.Logger

	Store      *store.Store
	Hub        *telemetry.Hub
	Ring       *telemetry.Ring
	Queue      *queue.Queue
	Model      *model.Client
	Remote     *remote.Client
	Agent      *agent.Client
	Wishes     *wish.Service
	Candidates *reward.Candidates
	Rewards    *reward.Fetcher
	IDs        ids.Generator

	// UserID is the anonymous user id kept in prefs.
	UserID string
	Online func() bool
}

// LoadConfig reads the config file named by --config and applies --db.
func LoadConfig(opts *RootOptions) (config.Config, error) {
	cfg, err := config.Load(opts.Config)
	if err != nil {
		return config.Config{}, err
	}
	if strings.TrimSpace(opts.Database) != "" {
		cfg.DBPath = opts.Database
	}
	return cfg, nil
}

// OpenApp loads config and wires the store, telemetry hub, offline queue,
// model client, remote store, agent, wish service and reward fetcher.
// Close releases them.
func OpenApp(opts *RootOptions) (*App, error) {
	cfg, err := LoadConfig(opts)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to load config", err)
	}
	logger := opts.logger()

	if dir := filepath.Dir(cfg.DBPath); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, WrapExitError(ExitCommandError, "failed to create database directory", err)
		}
	}
	st, err := store.Open(cfg.DBPath, store.WithTelemetryCap(cfg.Telemetry.RingSize))
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to open database", err)
	}

	app := &App{
		Config: cfg,
		Logger: logger,
		Store:  st,
		IDs:    ids.UUIDv7Generator{},
	}
	offline := opts.Offline
	app.Online = func() bool { return !offline }

	ringSize := cfg.Telemetry.RingSize
	if ringSize <= 0 {
		ringSize = 200
	}
	app.Ring = telemetry.NewRing(ringSize)
	sinks := []telemetry.NamedSink{
		{Name: "ring", Sink: app.Ring},
		{Name: "sqlite", Sink: st.Telemetry()},
	}
	if endpoint := strings.TrimSpace(cfg.Telemetry.Endpoint); endpoint != "" {
		sinks = append(sinks, telemetry.NamedSink{Name: "beacon", Sink: telemetry.NewBeacon(endpoint, nil, logger)})
	}
	if cfg.Debug {
		sinks = append(sinks, telemetry.NamedSink{Name: "log", Sink: telemetry.LogSink{Logger: logger}})
	}
	app.Hub = telemetry.NewHub(sinks, telemetry.WithLogger(logger))

	app.Model, err = newModelClient(cfg.Providers, app.Hub, logger)
	if err != nil {
		app.Close(context.Background())
		return nil, WrapExitError(ExitCommandError, "failed to build model client", err)
	}

	httpClient := &http.Client{Timeout: 15 * time.Second}
	app.Remote = remote.New(cfg.Store.URL, cfg.Store.Key, remote.WithHTTPClient(httpClient), remote.WithLogger(logger))
	app.Agent = &agent.Client{URL: cfg.Agent.URL}
	app.Candidates = reward.NewCandidates(st, app.Remote, logger)

	app.Queue = queue.New(st.Queue(), queue.Options{
		BaseDelay:   cfg.Queue.BaseDelay,
		Multiplier:  cfg.Queue.Multiplier,
		MaxAttempts: cfg.Queue.MaxAttempts,
		Online:      app.Online,
		IDs:         app.IDs,
		Telemetry:   app.Hub,
		Logger:      logger,
	})
	app.Wishes = wish.New(wish.Options{
		Model:              app.Model,
		Agent:              app.Agent,
		Store:              app.Remote,
		Queue:              app.Queue,
		Candidates:         app.Candidates,
		IDs:                app.IDs,
		Online:             app.Online,
		Telemetry:          app.Hub,
		Logger:             logger,
		ModelTimeout:       cfg.Providers.Timeout,
		QueuedAgentTimeout: cfg.Agent.Timeout,
	})
	app.Queue.SetHandlers(app.Wishes.Handlers())

	var rewardStore reward.Store = app.Remote
	if offline {
		rewardStore = offlineStore{app.Remote}
	}
	app.Rewards = reward.New(reward.Options{
		Store:      rewardStore,
		Candidates: app.Candidates,
		IDs:        app.IDs,
		Logger:     logger,
	})

	app.UserID, err = prefs.EnsureAnonUserID(cfg.PrefsPath, app.IDs)
	if err != nil {
		// A read-only prefs file only costs a stable user id.
		logger.Warn("prefs not writable, using a session user id", "err", err)
		app.UserID = "anon_" + app.IDs.Generate()
	}
	return app, nil
}

// Close waits for queue work, flushes telemetry and closes the database.
func (a *App) Close(ctx context.Context) error {
	if a == nil {
		return nil
	}
	if a.Queue != nil {
		a.Queue.Wait()
	}
	var errs []error
	if a.Hub != nil {
		errs = append(errs, a.Hub.Close(ctx))
	}
	if a.Store != nil {
		errs = append(errs, a.Store.Close())
	}
	return errors.Join(errs...)
}

// newModelClient orders the configured providers with the primary first.
// The chat provider joins only with both endpoint and key.
func newModelClient(p config.Providers, tel telemetry.Emitter, logger *slog.Logger) (*model.Client, error) {
	providers := []model.Provider{&model.OllamaProvider{BaseURL: p.Ollama.URL, Model: p.Ollama.Model}}
	if p.ChatConfigured() {
		providers = append(providers, &model.ChatProvider{Endpoint: p.Chat.URL, APIKey: p.Chat.APIKey, Model: p.Chat.Model})
	}
	client, err := model.NewClient(model.Ordered(p.PrimaryName(), providers...),
		model.WithTelemetry(tel),
		model.WithLogger(logger),
	)
	if err != nil {
		return nil, fmt.Errorf("providers %v: %w", p.PrimaryName(), err)
	}
	return client, nil
}

// offlineStore reports the remote store as unconfigured, so gift opens
// take the local catalog without touching the network.
type offlineStore struct{ *remote.Client }

func (offlineStore) Configured() bool { return false }
