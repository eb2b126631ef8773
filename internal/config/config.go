package config

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/sethvargo/go-envconfig"
	"gopkg.in/yaml.v3"
)

// Config holds all configuration for the fixbot service
type Config struct {
	// Server settings
	Port     int    `env:"PORT, default=8080"`
	LogLevel string `env:"LOG_LEVEL, default=info"`

	// Platform selection: "github" or "gitcode"
	Platform string `env:"PLATFORM, default=github"`

	// Webhook settings
	WebhookSecret string `env:"WEBHOOK_SECRET"`
	TestMode      bool   `env:"TEST_MODE, default=false"`

	// Trigger settings
	BotName       string   `env:"BOT_NAME, default=bug-fix-agent"`
	BotUsername   string   `env:"BOT_USERNAME, default=bug-fix-agent"`
	TriggerConfig string   `env:"TRIGGER_CONFIG"`
	AllowedUsers  []string `env:"ALLOWED_USERS"`
	AllowedRepos  []string `env:"ALLOWED_REPOS"`

	GitHub  GitHubConfig  `env:", prefix=GITHUB_"`
	GitCode GitCodeConfig `env:", prefix=GITCODE_"`
	LLM     LLMConfig     `env:", prefix=LLM_"`

	// Locate override (demo mode): files used verbatim as candidates
	LocateOverrideFiles []string `env:"LOCATE_OVERRIDE_FILES"`

	// Dispatcher settings
	DispatcherWorkers   int `env:"DISPATCHER_WORKERS, default=4"`
	DispatcherQueueSize int `env:"DISPATCHER_QUEUE_SIZE, default=16"`

	// Per-operation timeouts
	CloneTimeout    time.Duration `env:"CLONE_TIMEOUT, default=2m"`
	PushTimeout     time.Duration `env:"PUSH_TIMEOUT, default=1m"`
	PlatformTimeout time.Duration `env:"PLATFORM_TIMEOUT, default=30s"`
	OracleTimeout   time.Duration `env:"ORACLE_TIMEOUT, default=60s"`

	// Commit identity
	GitAuthorName  string `env:"GIT_AUTHOR_NAME, default=Bug Fix Agent"`
	GitAuthorEmail string `env:"GIT_AUTHOR_EMAIL, default=agent@fixbot.local"`

	// Loaded from TriggerConfig when set
	Triggers TriggerFile
}

// GitHubConfig holds GitHub App or token credentials
type GitHubConfig struct {
	AppID      string `env:"APP_ID"`
	PrivateKey string `env:"PRIVATE_KEY"`
	Token      string `env:"TOKEN"`
	APIURL     string `env:"API_URL, default=https://api.github.com/"`
	GitHost    string `env:"GIT_HOST, default=github.com"`
}

// GitCodeConfig holds GitCode token or OAuth app credentials
type GitCodeConfig struct {
	Token     string `env:"TOKEN"`
	PAT       string `env:"PAT"`
	AppID     string `env:"APP_ID"`
	AppSecret string `env:"APP_SECRET"`
	APIURL    string `env:"API_URL, default=https://api.gitcode.com/api/v5"`
	GitHost   string `env:"GIT_HOST, default=gitcode.com"`
}

// LLMConfig selects the analysis oracle backend
type LLMConfig struct {
	Provider string `env:"PROVIDER, default=openai"`
	APIKey   string `env:"API_KEY"`
	BaseURL  string `env:"BASE_URL"`
	Model    string `env:"MODEL, default=gpt-4o-mini"`
}

// TriggerFile is the optional YAML override for trigger matching.
type TriggerFile struct {
	Patterns      []string `yaml:"patterns"`
	StatusMarkers []string `yaml:"status_markers"`
}

// PersonalToken returns the first configured GitCode personal token.
func (g GitCodeConfig) PersonalToken() string {
	if g.Token != "" {
		return g.Token
	}
	return g.PAT
}

// lookuper is swapped in tests.
var lookuper envconfig.Lookuper = envconfig.OsLookuper()

// Load loads configuration from environment variables
func Load(ctx context.Context) (*Config, error) {
	var cfg Config
	if err := envconfig.ProcessWith(ctx, &envconfig.Config{
		Target:   &cfg,
		Lookuper: lookuper,
	}); err != nil {
		return nil, fmt.Errorf("failed to process environment: %w", err)
	}

	cfg.GitHub.PrivateKey = normalizePrivateKey(cfg.GitHub.PrivateKey)
	cfg.Platform = strings.ToLower(strings.TrimSpace(cfg.Platform))
	cfg.LLM.Provider = strings.ToLower(strings.TrimSpace(cfg.LLM.Provider))
	cfg.AllowedUsers = trimList(cfg.AllowedUsers)
	cfg.AllowedRepos = trimList(cfg.AllowedRepos)
	cfg.LocateOverrideFiles = trimList(cfg.LocateOverrideFiles)

	if cfg.TriggerConfig != "" {
		triggers, err := loadTriggerFile(cfg.TriggerConfig)
		if err != nil {
			return nil, err
		}
		cfg.Triggers = triggers
	}

	// Validate required fields
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func loadTriggerFile(path string) (TriggerFile, error) {
	var tf TriggerFile
	data, err := os.ReadFile(path)
	if err != nil {
		return tf, fmt.Errorf("failed to read trigger config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &tf); err != nil {
		return tf, fmt.Errorf("failed to parse trigger config %s: %w", path, err)
	}
	tf.Patterns = trimList(tf.Patterns)
	tf.StatusMarkers = trimList(tf.StatusMarkers)
	return tf, nil
}

func trimList(in []string) []string {
	var out []string
	for _, v := range in {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}

func normalizePrivateKey(value string) string {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return ""
	}

	if strings.HasPrefix(trimmed, "\"") && strings.HasSuffix(trimmed, "\"") {
		trimmed = strings.Trim(trimmed, "\"")
	}
	if strings.HasPrefix(trimmed, "'") && strings.HasSuffix(trimmed, "'") {
		trimmed = strings.Trim(trimmed, "'")
	}

	trimmed = strings.ReplaceAll(trimmed, "\r\n", "\n")
	trimmed = strings.ReplaceAll(trimmed, "\r", "\n")
	if strings.Contains(trimmed, "\\n") {
		trimmed = strings.ReplaceAll(trimmed, "\\r", "")
		trimmed = strings.ReplaceAll(trimmed, "\\n", "\n")
	}

	return trimmed
}

// validate checks that all required configuration is present
func (c *Config) validate() error {
	if !c.TestMode && c.WebhookSecret == "" {
		return fmt.Errorf("WEBHOOK_SECRET is required unless TEST_MODE is enabled")
	}

	if err := c.validatePlatform(); err != nil {
		return err
	}

	if err := c.validateLLM(); err != nil {
		return err
	}

	return c.validateRuntime()
}

func (c *Config) validatePlatform() error {
	switch c.Platform {
	case "github":
		if c.GitHub.Token != "" {
			return nil
		}
		if c.GitHub.AppID == "" {
			return fmt.Errorf("GITHUB_APP_ID or GITHUB_TOKEN is required")
		}
		if c.GitHub.PrivateKey == "" {
			return fmt.Errorf("GITHUB_PRIVATE_KEY is required with GITHUB_APP_ID")
		}
	case "gitcode":
		if c.GitCode.PersonalToken() != "" {
			return nil
		}
		if c.GitCode.AppID == "" || c.GitCode.AppSecret == "" {
			return fmt.Errorf("GITCODE_TOKEN or GITCODE_APP_ID/GITCODE_APP_SECRET is required")
		}
	default:
		return fmt.Errorf("invalid platform: %s (must be 'github' or 'gitcode')", c.Platform)
	}
	return nil
}

func (c *Config) validateLLM() error {
	switch c.LLM.Provider {
	case "none":
	case "openai", "anthropic":
		if c.LLM.APIKey == "" {
			return fmt.Errorf("LLM_API_KEY is required for %s provider (use LLM_PROVIDER=none to disable)", c.LLM.Provider)
		}
	default:
		return fmt.Errorf("invalid LLM provider: %s (must be 'openai', 'anthropic' or 'none')", c.LLM.Provider)
	}
	return nil
}

func (c *Config) validateRuntime() error {
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("PORT must be between 1 and 65535")
	}
	if c.DispatcherWorkers <= 0 {
		return fmt.Errorf("DISPATCHER_WORKERS must be greater than 0")
	}
	if c.DispatcherQueueSize <= 0 {
		return fmt.Errorf("DISPATCHER_QUEUE_SIZE must be greater than 0")
	}
	for name, d := range map[string]time.Duration{
		"CLONE_TIMEOUT":    c.CloneTimeout,
		"PUSH_TIMEOUT":     c.PushTimeout,
		"PLATFORM_TIMEOUT": c.PlatformTimeout,
		"ORACLE_TIMEOUT":   c.OracleTimeout,
	} {
		if d <= 0 {
			return fmt.Errorf("%s must be greater than 0", name)
		}
	}
	if strings.TrimSpace(c.BotName) == "" {
		return fmt.Errorf("BOT_NAME must not be empty")
	}
	return nil
}
