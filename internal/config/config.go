// Package config loads and validates the sprintloop configuration from
// config.yaml under the home directory, with env overrides for secrets and
// operational toggles.
package config

import (
	"fmt"
	"hash/fnv"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/basket/sprintloop/internal/task"
)

// ProviderConfig holds per-provider settings.
type ProviderConfig struct {
	// APIKeyEnv names the environment variable holding the key. The
	// well-known variables (ANTHROPIC_API_KEY, OPENROUTER_API_KEY) are
	// checked first regardless.
	APIKeyEnv string `yaml:"api_key_env"`
	APIKey    string `yaml:"api_key"`
	Model     string `yaml:"model"`
	MaxTokens int64  `yaml:"max_tokens"`
}

// RouteConfig is the per-task-kind provider preference.
type RouteConfig struct {
	Preferred   string   `yaml:"preferred"`
	Fallbacks   []string `yaml:"fallbacks"`
	Temperature float64  `yaml:"temperature"`
}

// RetryConfig tunes the retry policy.
type RetryConfig struct {
	MaxAttempts         int `yaml:"max_attempts"`
	ActuatorMaxAttempts int `yaml:"actuator_max_attempts"`
	BaseDelaySeconds    int `yaml:"base_delay_seconds"`
	MaxDelaySeconds     int `yaml:"max_delay_seconds"`
}

// SchedulerConfig controls the periodic status refresh.
type SchedulerConfig struct {
	Enabled  bool   `yaml:"enabled"`
	CronExpr string `yaml:"cron_expr"`
}

// EvidenceConfig names the collaborator commands run for review evidence.
// An empty command skips that signal.
type EvidenceConfig struct {
	DiffCmd []string `yaml:"diff_cmd"`
	TestCmd []string `yaml:"test_cmd"`
	LintCmd []string `yaml:"lint_cmd"`
}

// OtelConfig controls trace and metric export.
type OtelConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Exporter string `yaml:"exporter"` // "stdout" or "otlp"
	Endpoint string `yaml:"endpoint"` // otlp http endpoint
}

type Config struct {
	HomeDir string `yaml:"-"`

	// WorkspaceDir is the root the actuator is confined to.
	WorkspaceDir string `yaml:"workspace_dir"`
	LogLevel     string `yaml:"log_level"`

	// MaxConcurrent bounds tasks in EXECUTING at once.
	MaxConcurrent int `yaml:"max_concurrent"`

	// CallTimeoutSeconds bounds a single provider call.
	CallTimeoutSeconds int `yaml:"call_timeout_seconds"`

	// Offline disables all provider calls; planning falls back locally.
	Offline bool `yaml:"offline"`

	// FailoverThreshold is the number of consecutive failures before a
	// provider's circuit breaker trips. Default 3.
	FailoverThreshold int `yaml:"failover_threshold"`

	// FailoverCooldownSeconds is the duration before a tripped breaker
	// permits a probe. Default 60.
	FailoverCooldownSeconds int `yaml:"failover_cooldown_seconds"`

	Providers    map[string]ProviderConfig `yaml:"providers"`
	Routing      map[string]RouteConfig    `yaml:"routing"` // keyed by task kind
	DefaultRoute RouteConfig               `yaml:"default_route"`
	Retry        RetryConfig               `yaml:"retry"`
	Scheduler    SchedulerConfig           `yaml:"scheduler"`
	Evidence     EvidenceConfig            `yaml:"evidence"`
	Otel         OtelConfig                `yaml:"otel"`
}

// ConfigPath returns the path to config.yaml within the given home directory.
func ConfigPath(homeDir string) string {
	return filepath.Join(homeDir, "config.yaml")
}

// Derived paths under the home directory.
func (c Config) LogsDir() string      { return filepath.Join(c.HomeDir, "logs") }
func (c Config) PlansDir() string     { return filepath.Join(c.HomeDir, "plans") }
func (c Config) ReviewsDir() string   { return filepath.Join(c.HomeDir, "reviews") }
func (c Config) BackupsDir() string   { return filepath.Join(c.HomeDir, "backups") }
func (c Config) EventLogPath() string { return filepath.Join(c.HomeDir, "events.db") }
func (c Config) ProgressPath() string { return filepath.Join(c.HomeDir, "progress.json") }
func (c Config) RoutingLogPath() string {
	return filepath.Join(c.LogsDir(), "routing.jsonl")
}

// ProviderAPIKey returns the API key for the named provider. Well-known env
// vars win, then the configured api_key_env indirection, then the literal.
func (c Config) ProviderAPIKey(name string) string {
	envMap := map[string]string{
		"anthropic":  "ANTHROPIC_API_KEY",
		"openrouter": "OPENROUTER_API_KEY",
	}
	if envVar, ok := envMap[name]; ok {
		if v := os.Getenv(envVar); v != "" {
			return v
		}
	}
	p, ok := c.Providers[name]
	if !ok {
		return ""
	}
	if p.APIKeyEnv != "" {
		if v := os.Getenv(p.APIKeyEnv); v != "" {
			return v
		}
	}
	return p.APIKey
}

// RetryPolicy converts the retry knobs into the policy consumed by the
// orchestrator.
func (c Config) RetryPolicy() task.RetryPolicy {
	return task.RetryPolicy{
		MaxAttempts:         c.Retry.MaxAttempts,
		ActuatorMaxAttempts: c.Retry.ActuatorMaxAttempts,
		BaseDelay:           time.Duration(c.Retry.BaseDelaySeconds) * time.Second,
		MaxDelay:            time.Duration(c.Retry.MaxDelaySeconds) * time.Second,
	}
}

// CallTimeout returns the per-provider-call budget.
func (c Config) CallTimeout() time.Duration {
	return time.Duration(c.CallTimeoutSeconds) * time.Second
}

// FailoverCooldown returns the breaker cooldown.
func (c Config) FailoverCooldown() time.Duration {
	return time.Duration(c.FailoverCooldownSeconds) * time.Second
}

// Fingerprint returns a stable hash of the active config.
func (c Config) Fingerprint() string {
	h := fnv.New64a()
	fmt.Fprintf(h, "workspace=%s|log=%s|concurrent=%d|timeout=%d|offline=%t|providers=%d",
		c.WorkspaceDir, c.LogLevel, c.MaxConcurrent, c.CallTimeoutSeconds, c.Offline, len(c.Providers))
	return fmt.Sprintf("cfg-%x", h.Sum64())
}

func defaultConfig() Config {
	return Config{
		WorkspaceDir:            ".",
		LogLevel:                "info",
		MaxConcurrent:           4,
		CallTimeoutSeconds:      int((2 * time.Minute).Seconds()),
		FailoverThreshold:       3,
		FailoverCooldownSeconds: 60,
		Providers: map[string]ProviderConfig{
			"anthropic":  {},
			"openrouter": {},
		},
		Routing: map[string]RouteConfig{
			string(task.KindPlan):     {Preferred: "anthropic", Fallbacks: []string{"openrouter"}, Temperature: 0.7},
			string(task.KindReview):   {Preferred: "anthropic", Fallbacks: []string{"openrouter"}, Temperature: 0.2},
			string(task.KindFollowup): {Preferred: "openrouter", Fallbacks: []string{"anthropic"}, Temperature: 0.5},
			string(task.KindApply):    {Preferred: "openrouter", Fallbacks: []string{"anthropic"}, Temperature: 0.0},
		},
		DefaultRoute: RouteConfig{Preferred: "anthropic", Fallbacks: []string{"openrouter"}},
		Retry: RetryConfig{
			MaxAttempts:         3,
			ActuatorMaxAttempts: 2,
			BaseDelaySeconds:    1,
			MaxDelaySeconds:     30,
		},
		Scheduler: SchedulerConfig{Enabled: false, CronExpr: "*/15 * * * *"},
		Evidence: EvidenceConfig{
			DiffCmd: []string{"git", "diff", "--stat"},
			TestCmd: []string{"go", "test", "./..."},
			LintCmd: []string{"go", "vet", "./..."},
		},
		Otel: OtelConfig{Exporter: "stdout"},
	}
}

// HomeDir resolves the sprintloop home directory.
func HomeDir() string {
	if override := os.Getenv("SPRINTLOOP_HOME"); override != "" {
		return override
	}
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".sprintloop")
}

// Load reads config.yaml from the sprintloop home, applies env overrides,
// and validates. A missing file yields the defaults.
func Load() (Config, error) {
	return LoadFrom(HomeDir())
}

// LoadFrom loads the config rooted at an explicit home directory.
func LoadFrom(homeDir string) (Config, error) {
	cfg := defaultConfig()
	cfg.HomeDir = homeDir

	if err := os.MkdirAll(cfg.HomeDir, 0o755); err != nil {
		return cfg, fmt.Errorf("create sprintloop home: %w", err)
	}

	data, err := os.ReadFile(ConfigPath(cfg.HomeDir))
	if err != nil {
		if !os.IsNotExist(err) {
			return cfg, fmt.Errorf("read config.yaml: %w", err)
		}
	} else if len(data) > 0 {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config.yaml: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	normalize(&cfg)
	if err := validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("SPRINTLOOP_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("SPRINTLOOP_WORKSPACE"); v != "" {
		cfg.WorkspaceDir = v
	}
	if v := os.Getenv("SPRINTLOOP_OFFLINE"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.Offline = b
		}
	}
}

func normalize(cfg *Config) {
	if cfg.WorkspaceDir == "" {
		cfg.WorkspaceDir = "."
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 4
	}
	if cfg.CallTimeoutSeconds <= 0 {
		cfg.CallTimeoutSeconds = int((2 * time.Minute).Seconds())
	}
	if cfg.FailoverThreshold <= 0 {
		cfg.FailoverThreshold = 3
	}
	if cfg.FailoverCooldownSeconds <= 0 {
		cfg.FailoverCooldownSeconds = 60
	}
	if cfg.Scheduler.CronExpr == "" {
		cfg.Scheduler.CronExpr = "*/15 * * * *"
	}
	d := &cfg.Retry
	if d.MaxAttempts <= 0 {
		d.MaxAttempts = 3
	}
	if d.ActuatorMaxAttempts <= 0 {
		d.ActuatorMaxAttempts = 2
	}
	if d.BaseDelaySeconds <= 0 {
		d.BaseDelaySeconds = 1
	}
	if d.MaxDelaySeconds <= 0 {
		d.MaxDelaySeconds = 30
	}
}

func validate(cfg Config) error {
	for kind, route := range cfg.Routing {
		if !task.Kind(kind).Valid() {
			return fmt.Errorf("routing: unknown task kind %q", kind)
		}
		for _, name := range append([]string{route.Preferred}, route.Fallbacks...) {
			if name == "" {
				continue
			}
			if _, ok := cfg.Providers[name]; !ok {
				return fmt.Errorf("routing for %s references unknown provider %q", kind, name)
			}
		}
	}
	if cfg.DefaultRoute.Preferred != "" {
		if _, ok := cfg.Providers[cfg.DefaultRoute.Preferred]; !ok {
			return fmt.Errorf("default route references unknown provider %q", cfg.DefaultRoute.Preferred)
		}
	}
	switch cfg.Otel.Exporter {
	case "", "stdout", "otlp":
	default:
		return fmt.Errorf("otel: unknown exporter %q", cfg.Otel.Exporter)
	}
	return nil
}
