// Package config loads runtime configuration from a YAML file and the
// environment. Environment variables win over the file; the file wins
// over built-in defaults.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const defaultConfigPath = "~/.config/underthetree/config.yaml"

// Provider names accepted by primary_provider.
const (
	ProviderOllama = "ollama"
	ProviderChat   = "chat"
)

// Config is the full runtime configuration.
type Config struct {
	Providers Providers `yaml:"providers"`
	Store     Store     `yaml:"store"`
	Agent     Agent     `yaml:"agent"`
	Telemetry Telemetry `yaml:"telemetry"`
	Queue     Queue     `yaml:"queue"`
	Timings   Timings   `yaml:"timings"`
	Media     Media     `yaml:"media"`

	DBPath    string `yaml:"db"`
	PrefsPath string `yaml:"prefs"`
	Debug     bool   `yaml:"debug"`
	DebugAddr string `yaml:"debug_addr"`
	// MuteOnReducedMotion starts muted when reduced motion is on and the
	// viewer never chose a sound setting.
	MuteOnReducedMotion bool `yaml:"mute_on_reduced_motion"`
	LowPower            bool `yaml:"low_power"`
}

// Providers configures the model backends.
type Providers struct {
	Primary string        `yaml:"primary"`
	Timeout time.Duration `yaml:"timeout"`
	Stream  bool          `yaml:"stream"`
	Ollama  struct {
		URL   string `yaml:"url"`
		Model string `yaml:"model"`
	} `yaml:"ollama"`
	Chat struct {
		URL    string `yaml:"url"`
		APIKey string `yaml:"api_key"`
		Model  string `yaml:"model"`
	} `yaml:"chat"`
}

// ChatConfigured reports whether the chat provider has endpoint and key.
func (p Providers) ChatConfigured() bool {
	return strings.TrimSpace(p.Chat.URL) != "" && strings.TrimSpace(p.Chat.APIKey) != ""
}

// PrimaryName resolves the primary provider. An explicit choice wins;
// otherwise chat is primary only when fully configured.
func (p Providers) PrimaryName() string {
	switch strings.ToLower(strings.TrimSpace(p.Primary)) {
	case ProviderOllama:
		return ProviderOllama
	case ProviderChat:
		return ProviderChat
	}
	if p.ChatConfigured() {
		return ProviderChat
	}
	return ProviderOllama
}

// Store configures the remote gift and wish store.
type Store struct {
	URL string `yaml:"url"`
	Key string `yaml:"key"`
}

// Agent configures the agent relay. URL is where clients send requests;
// Upstream and APIKey are used by the relay itself.
type Agent struct {
	URL      string        `yaml:"url"`
	Upstream string        `yaml:"upstream"`
	APIKey   string        `yaml:"api_key"`
	Timeout  time.Duration `yaml:"timeout"`
}

// Telemetry configures event sinks.
type Telemetry struct {
	Endpoint string `yaml:"endpoint"`
	RingSize int    `yaml:"ring_size"`
}

// Queue configures the retry queue.
type Queue struct {
	BaseDelay   time.Duration `yaml:"base_delay"`
	Multiplier  float64       `yaml:"multiplier"`
	MaxAttempts int           `yaml:"max_attempts"`
}

// Media sets clip lengths for simulated playback.
type Media struct {
	Cinematic time.Duration `yaml:"cinematic"`
	GiftOpen  time.Duration `yaml:"gift_open"`
	Confetti  time.Duration `yaml:"confetti"`
}

// Timings carries every flow constant.
type Timings struct {
	CinematicLoad     time.Duration `yaml:"cinematic_load"`
	CinematicSafety   time.Duration `yaml:"cinematic_safety"`
	Crossfade         time.Duration `yaml:"crossfade"`
	BlurRamp          time.Duration `yaml:"blur_ramp"`
	CrossfadeSlack    time.Duration `yaml:"crossfade_slack"`
	GiftUIDelay       time.Duration `yaml:"gift_ui_delay"`
	GiftUIFadeIn      time.Duration `yaml:"gift_ui_fade_in"`
	ConfettiOffset    time.Duration `yaml:"confetti_offset"`
	ConfettiFadeOut   time.Duration `yaml:"confetti_fade_out"`
	GiftEndedCeiling  time.Duration `yaml:"gift_ended_ceiling"`
	RewardHardTimeout time.Duration `yaml:"reward_hard_timeout"`
	RewardOpenBudget  time.Duration `yaml:"reward_open_budget"`
	EnrichPoll        time.Duration `yaml:"enrich_poll"`
	EnrichJoin        time.Duration `yaml:"enrich_join"`
	ReturnHome        time.Duration `yaml:"return_home"`
	FadeToBlack       time.Duration `yaml:"fade_to_black"`
	FadeFromBlack     time.Duration `yaml:"fade_from_black"`
	LoaderMinimum     time.Duration `yaml:"loader_minimum"`
	HeroUIDelay       time.Duration `yaml:"hero_ui_delay"`
}

// DefaultTimings returns the production timings.
func DefaultTimings() Timings {
	return Timings{
		CinematicLoad:     12 * time.Second,
		CinematicSafety:   3 * time.Second,
		Crossfade:         600 * time.Millisecond,
		BlurRamp:          650 * time.Millisecond,
		CrossfadeSlack:    1200 * time.Millisecond,
		GiftUIDelay:       200 * time.Millisecond,
		GiftUIFadeIn:      450 * time.Millisecond,
		ConfettiOffset:    1750 * time.Millisecond,
		ConfettiFadeOut:   600 * time.Millisecond,
		GiftEndedCeiling:  20 * time.Second,
		RewardHardTimeout: 9500 * time.Millisecond,
		RewardOpenBudget:  9 * time.Second,
		EnrichPoll:        4 * time.Second,
		EnrichJoin:        2500 * time.Millisecond,
		ReturnHome:        3800 * time.Millisecond,
		FadeToBlack:       420 * time.Millisecond,
		FadeFromBlack:     520 * time.Millisecond,
		LoaderMinimum:     2 * time.Second,
		HeroUIDelay:       250 * time.Millisecond,
	}
}

// Default returns the built-in configuration.
func Default() Config {
	cfg := Config{
		Telemetry: Telemetry{RingSize: 200},
		Queue:     Queue{BaseDelay: 2 * time.Second, Multiplier: 2, MaxAttempts: 6},
		Timings:   DefaultTimings(),
		Media: Media{
			Cinematic: 5 * time.Second,
			GiftOpen:  3500 * time.Millisecond,
			Confetti:  4 * time.Second,
		},
		DBPath:    "~/.local/share/underthetree/underthetree.db",
		PrefsPath: "~/.config/underthetree/prefs.toml",
		DebugAddr: "127.0.0.1:7788",
	}
	cfg.Providers.Timeout = 10 * time.Second
	cfg.Agent.Timeout = 4 * time.Second
	return cfg
}

// DefaultPath returns the default config file path.
func DefaultPath() string { return defaultConfigPath }

// Load reads path (missing file means defaults) and applies the process
// environment.
func Load(path string) (Config, error) {
	return LoadWithEnv(path, os.Getenv)
}

// LoadWithEnv is Load with an explicit environment lookup.
func LoadWithEnv(path string, getenv func(string) string) (Config, error) {
	cfg := Default()

	resolved, err := resolvePath(path)
	if err != nil {
		return Config{}, err
	}
	b, err := os.ReadFile(resolved)
	switch {
	case errors.Is(err, os.ErrNotExist):
	case err != nil:
		return Config{}, fmt.Errorf("read config: %w", err)
	default:
		if err := yaml.Unmarshal(b, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config: %w", err)
		}
	}

	if err := applyEnv(&cfg, getenv); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	cfg.DBPath = mustExpand(cfg.DBPath)
	cfg.PrefsPath = mustExpand(cfg.PrefsPath)
	return cfg, nil
}

func applyEnv(cfg *Config, getenv func(string) string) error {
	str := func(key string, dst *string) {
		if v := strings.TrimSpace(getenv(key)); v != "" {
			*dst = v
		}
	}
	str("UTT_PRIMARY_PROVIDER", &cfg.Providers.Primary)
	str("UTT_OLLAMA_URL", &cfg.Providers.Ollama.URL)
	str("UTT_OLLAMA_MODEL", &cfg.Providers.Ollama.Model)
	str("UTT_CHAT_URL", &cfg.Providers.Chat.URL)
	str("UTT_CHAT_API_KEY", &cfg.Providers.Chat.APIKey)
	str("UTT_CHAT_MODEL", &cfg.Providers.Chat.Model)
	str("UTT_STORE_URL", &cfg.Store.URL)
	str("UTT_STORE_KEY", &cfg.Store.Key)
	str("UTT_AGENT_URL", &cfg.Agent.URL)
	str("UTT_AGENT_UPSTREAM", &cfg.Agent.Upstream)
	str("UTT_AGENT_API_KEY", &cfg.Agent.APIKey)
	str("UTT_TELEMETRY_ENDPOINT", &cfg.Telemetry.Endpoint)
	str("UTT_DB", &cfg.DBPath)
	if v := strings.TrimSpace(getenv("UTT_DEBUG")); v != "" {
		debug, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("UTT_DEBUG: %w", err)
		}
		cfg.Debug = debug
	}
	return nil
}

// Validate rejects settings no component can run with.
func (c Config) Validate() error {
	switch strings.ToLower(strings.TrimSpace(c.Providers.Primary)) {
	case "", ProviderOllama, ProviderChat:
	default:
		return fmt.Errorf("providers.primary: unknown provider %q", c.Providers.Primary)
	}
	if c.Queue.BaseDelay <= 0 {
		return fmt.Errorf("queue.base_delay must be positive")
	}
	if c.Queue.Multiplier < 1 {
		return fmt.Errorf("queue.multiplier must be at least 1")
	}
	if c.Queue.MaxAttempts < 1 {
		return fmt.Errorf("queue.max_attempts must be at least 1")
	}
	if c.Telemetry.RingSize < 0 {
		return fmt.Errorf("telemetry.ring_size must not be negative")
	}
	return nil
}

func resolvePath(path string) (string, error) {
	if strings.TrimSpace(path) == "" {
		return expandPath(defaultConfigPath)
	}
	return expandPath(path)
}

func mustExpand(path string) string {
	expanded, err := expandPath(path)
	if err != nil {
		return path
	}
	return expanded
}

func expandPath(path string) (string, error) {
	trimmed := strings.TrimSpace(path)
	if trimmed == "" {
		return "", fmt.Errorf("path is empty")
	}
	if strings.HasPrefix(trimmed, "~") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("resolve home dir: %w", err)
		}
		trimmed = filepath.Join(home, strings.TrimPrefix(trimmed, "~"))
	}
	return filepath.Abs(trimmed)
}
