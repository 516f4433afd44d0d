package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// ErrInvalid wraps every validation failure. The serve command maps it
// to exit code 2.
var ErrInvalid = errors.New("invalid configuration")

// Duration is a time.Duration that unmarshals from YAML strings like
// "30s" or "5m".
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	parsed, err := time.ParseDuration(value.Value)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", value.Value, err)
	}
	*d = Duration(parsed)
	return nil
}

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Config is the full hub configuration.
type Config struct {
	Server    Server    `yaml:"server"`
	Storage   Storage   `yaml:"storage"`
	Workspace Workspace `yaml:"workspace"`
	Repos     Repos     `yaml:"repos"`
	Scheduler Scheduler `yaml:"scheduler"`
	Router    Router    `yaml:"router"`
	LLM       LLM       `yaml:"llm"`
	Hub       Hub       `yaml:"hub"`
	Log       Log       `yaml:"log"`
}

type Server struct {
	Listen string `yaml:"listen"`
	// RateLimit is requests per minute per agent on the REST surface.
	RateLimit int `yaml:"rate_limit"`
}

type Storage struct {
	DataDir string `yaml:"data_dir"`
}

type Workspace struct {
	Root string `yaml:"root"`
}

type Repos struct {
	// DefaultRepo seeds task routing before the registry has any
	// active entry. The registry wins once it does.
	DefaultRepo string `yaml:"default_repo"`
}

type Scheduler struct {
	SweepInterval Duration `yaml:"sweep_interval"`
	StuckAfter    Duration `yaml:"stuck_after"`
	TaskTTL       Duration `yaml:"task_ttl"`
	FallbackWait  Duration `yaml:"fallback_wait"`
}

type Router struct {
	StandardModels []string `yaml:"standard_models"`
	CloudModel     string   `yaml:"cloud_model"`
	CloudEnabled   *bool    `yaml:"cloud_enabled"`
}

type LLM struct {
	BaseURL string `yaml:"base_url"`
	APIKey  string `yaml:"api_key"`
	Model   string `yaml:"model"`
	// DailyTokenBudget caps orchestration spend per day; 0 disables
	// the cap.
	DailyTokenBudget int `yaml:"daily_token_budget"`
}

type Hub struct {
	TickInterval    Duration `yaml:"tick_interval"`
	Watchdog        Duration `yaml:"watchdog"`
	IdleAfter       Duration `yaml:"idle_after"`
	HealingCooldown Duration `yaml:"healing_cooldown"`
}

type Log struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // "console" or "json"
}

// Default returns the configuration used when no file is given.
func Default() Config {
	return Config{
		Server:    Server{Listen: ":8420", RateLimit: 300},
		Storage:   Storage{DataDir: "./data"},
		Workspace: Workspace{Root: "./workspaces"},
		Log:       Log{Level: "info", Format: "console"},
	}
}

// Load reads the optional YAML file, overlays environment variables,
// and validates the result. A missing path loads pure defaults; a named
// file that does not exist is an error.
func Load(path string) (Config, error) {
	_ = godotenv.Load()

	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("%w: %v", ErrInvalid, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("%w: %v", ErrInvalid, err)
		}
	}

	overlayEnv(&cfg)

	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// overlayEnv applies AGENTCOM_* environment variables on top of the
// file values. Env wins.
func overlayEnv(cfg *Config) {
	if v := os.Getenv("AGENTCOM_LISTEN"); v != "" {
		cfg.Server.Listen = v
	}
	if v := os.Getenv("AGENTCOM_DATA_DIR"); v != "" {
		cfg.Storage.DataDir = v
	}
	if v := os.Getenv("AGENTCOM_WORKSPACE_ROOT"); v != "" {
		cfg.Workspace.Root = v
	}
	if v := os.Getenv("AGENTCOM_DEFAULT_REPO"); v != "" {
		cfg.Repos.DefaultRepo = v
	}
	if v := os.Getenv("AGENTCOM_LLM_BASE_URL"); v != "" {
		cfg.LLM.BaseURL = v
	}
	if v := os.Getenv("AGENTCOM_LLM_API_KEY"); v != "" {
		cfg.LLM.APIKey = v
	}
	if v := os.Getenv("AGENTCOM_LLM_MODEL"); v != "" {
		cfg.LLM.Model = v
	}
	if v := os.Getenv("AGENTCOM_TOKEN_BUDGET"); v != "" {
		if budget, err := strconv.Atoi(v); err == nil {
			cfg.LLM.DailyTokenBudget = budget
		}
	}
	if v := os.Getenv("AGENTCOM_CLOUD_ENABLED"); v != "" {
		enabled := strings.EqualFold(v, "true") || v == "1"
		cfg.Router.CloudEnabled = &enabled
	}
	if v := os.Getenv("AGENTCOM_LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
}

// Validate checks the assembled configuration. Every failure wraps
// ErrInvalid.
func (c Config) Validate() error {
	if c.Server.Listen == "" {
		return fmt.Errorf("%w: server.listen must not be empty", ErrInvalid)
	}
	if c.Storage.DataDir == "" {
		return fmt.Errorf("%w: storage.data_dir must not be empty", ErrInvalid)
	}
	if c.Server.RateLimit < 0 {
		return fmt.Errorf("%w: server.rate_limit must not be negative", ErrInvalid)
	}
	if c.LLM.DailyTokenBudget < 0 {
		return fmt.Errorf("%w: llm.daily_token_budget must not be negative", ErrInvalid)
	}
	if c.CloudEnabled() && c.LLM.BaseURL == "" {
		return fmt.Errorf("%w: llm.base_url required when the cloud tier is enabled", ErrInvalid)
	}
	switch c.Log.Format {
	case "", "console", "json":
	default:
		return fmt.Errorf("%w: log.format must be console or json", ErrInvalid)
	}
	return nil
}

// CloudEnabled reports whether the cloud routing tier is on. Defaults
// to off until an LLM endpoint is configured.
func (c Config) CloudEnabled() bool {
	if c.Router.CloudEnabled != nil {
		return *c.Router.CloudEnabled
	}
	return c.LLM.BaseURL != ""
}
