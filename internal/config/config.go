// Package config handles Steward configuration loading.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/nugget/steward/internal/schedule"
)

// Backend kinds accepted in backend.kind.
const (
	BackendSubprocess = "subprocess"
	BackendHTTP       = "http"
)

// DefaultSearchPaths returns the config file search order.
// An explicit path (from -config flag) is checked first.
// Then: ./steward.yaml, ~/.config/steward/steward.yaml, /etc/steward/steward.yaml.
func DefaultSearchPaths() []string {
	paths := []string{"steward.yaml"}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "steward", "steward.yaml"))
	}

	paths = append(paths, "/etc/steward/steward.yaml")
	return paths
}

// FindConfig locates a config file. If explicit is non-empty, it must exist.
// Otherwise, searches DefaultSearchPaths and returns the first that exists.
// Returns the path found, or an error if nothing was found.
func FindConfig(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config file not found: %s", explicit)
		}
		return explicit, nil
	}

	for _, p := range DefaultSearchPaths() {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}

	return "", fmt.Errorf("no config file found (searched: %v)", DefaultSearchPaths())
}

// Config holds all Steward configuration.
type Config struct {
	Backend    BackendConfig    `yaml:"backend"`
	Timeouts   TimeoutsConfig   `yaml:"timeouts"`
	Scheduler  SchedulerConfig  `yaml:"scheduler"`
	Monitoring MonitoringConfig `yaml:"monitoring"`
	Plans      PlansConfig      `yaml:"plans"`
	MQTT       MQTTConfig       `yaml:"mqtt"`
	Sessions   []SessionConfig  `yaml:"sessions"`
	DataDir    string           `yaml:"data_dir"`
	Debug      bool             `yaml:"debug"`
	LogLevel   string           `yaml:"log_level"`
	LogFormat  string           `yaml:"log_format"` // text (default) or json
	LogFile    LogFileConfig    `yaml:"log_file"`
}

// BackendConfig selects and configures the conversational backend that
// every session connects to.
type BackendConfig struct {
	// Kind is "subprocess" (default) or "http".
	Kind       string           `yaml:"kind"`
	Subprocess SubprocessConfig `yaml:"subprocess"`
	HTTP       HTTPConfig       `yaml:"http"`
}

// SubprocessConfig describes the interactive program spawned per session.
type SubprocessConfig struct {
	Command string            `yaml:"command"`
	Args    []string          `yaml:"args"`
	Dir     string            `yaml:"dir"`
	Env     map[string]string `yaml:"env"`
	// PTY attaches the program to a pseudo-terminal instead of pipes,
	// for backends that only print their prompt on a TTY.
	PTY bool `yaml:"pty"`
}

// HTTPConfig describes a chat-completions style endpoint.
type HTTPConfig struct {
	Endpoint string `yaml:"endpoint"`
	APIKey   string `yaml:"api_key"`
	Model    string `yaml:"model"`
	Stream   bool   `yaml:"stream"`
	// UserAgent overrides the default Steward/<version> User-Agent.
	UserAgent string `yaml:"user_agent"`
	// MaxAttempts bounds retries on 429 and 5xx responses (default 3).
	MaxAttempts    int           `yaml:"max_attempts"`
	InitialBackoff time.Duration `yaml:"initial_backoff"`
	MaxBackoff     time.Duration `yaml:"max_backoff"`
	// RequestsPerSecond paces outbound requests per session. Zero disables pacing.
	RequestsPerSecond float64 `yaml:"requests_per_second"`
}

// TimeoutsConfig holds the only cancellation knobs the chat layer has.
type TimeoutsConfig struct {
	// Startup bounds the wait for the first idle prompt.
	Startup time.Duration `yaml:"startup"`
	// Read bounds every read while awaiting a response. For a
	// non-streaming http backend the wait for the reply to begin is the
	// whole generation time; set Request above Read to allow for it.
	Read time.Duration `yaml:"read"`
	// Lookahead is how long a candidate prompt must stay quiet to count as idle.
	Lookahead time.Duration `yaml:"lookahead"`
	// Terminate is the grace period between SIGTERM and SIGKILL on close.
	Terminate time.Duration `yaml:"terminate"`
	// Request bounds a whole HTTP exchange (0 = no limit, rely on Read).
	Request time.Duration `yaml:"request"`
}

// SchedulerConfig tunes the polling loop.
type SchedulerConfig struct {
	Tick      time.Duration `yaml:"tick"`
	QueueSize int           `yaml:"queue_size"`
	// HistoryDB is the SQLite path for execution history. Relative paths
	// resolve under data_dir. Empty disables history.
	HistoryDB string `yaml:"history_db"`
	// HistoryRetention drops history rows older than this at startup
	// and once a day afterwards. Zero keeps everything.
	HistoryRetention time.Duration `yaml:"history_retention"`
}

// MonitoringConfig configures automatic continuation nudges.
type MonitoringConfig struct {
	Enabled           bool     `yaml:"enabled"`
	MinResponseLength int      `yaml:"min_response_length"`
	MaxAutoPrompts    int      `yaml:"max_auto_prompts"`
	Prompt            string   `yaml:"prompt"`
	ActionMarker      string   `yaml:"action_marker"`
	FailureKeywords   []string `yaml:"failure_keywords"`
}

// PlansConfig locates the persisted task-plan file.
type PlansConfig struct {
	Path  string `yaml:"path"`
	Watch bool   `yaml:"watch"`
}

// MQTTConfig enables publishing scheduled transcripts to an MQTT broker.
type MQTTConfig struct {
	Broker      string `yaml:"broker"` // e.g. mqtt://localhost:1883
	Username    string `yaml:"username"`
	Password    string `yaml:"password"`
	TopicPrefix string `yaml:"topic_prefix"`
	ClientID    string `yaml:"client_id"`
}

// Configured reports whether an MQTT broker is set.
func (c MQTTConfig) Configured() bool {
	return c.Broker != ""
}

// LogFileConfig enables a rotated log file alongside stdout.
type LogFileConfig struct {
	Path       string `yaml:"path"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
	Compress   bool   `yaml:"compress"`
}

// SessionConfig bootstraps a session at serve time.
type SessionConfig struct {
	ID string `yaml:"id"`
	// Plan names a saved task plan to load onto the session.
	Plan  string       `yaml:"plan"`
	Tasks []TaskConfig `yaml:"tasks"`
}

// TaskConfig is a message plus its schedule spec.
type TaskConfig struct {
	Message  string `yaml:"message"`
	Schedule string `yaml:"schedule"`
}

// Load reads configuration from a YAML file. Defaults are applied first
// so that any key missing from the file keeps its default value.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	// Expand environment variables
	expanded := os.ExpandEnv(string(data))

	cfg := Default()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, err
	}
	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Default returns a default configuration.
func Default() *Config {
	return &Config{
		Backend: BackendConfig{
			Kind: BackendSubprocess,
			HTTP: HTTPConfig{
				MaxAttempts:    3,
				InitialBackoff: time.Second,
				MaxBackoff:     30 * time.Second,
			},
		},
		Timeouts: TimeoutsConfig{
			Startup:   15 * time.Second,
			Read:      30 * time.Second,
			Lookahead: 100 * time.Millisecond,
			Terminate: 5 * time.Second,
		},
		Scheduler: SchedulerConfig{
			Tick:             time.Second,
			QueueSize:        64,
			HistoryRetention: 30 * 24 * time.Hour,
		},
		Monitoring: MonitoringConfig{
			Enabled:           true,
			MinResponseLength: 10,
			MaxAutoPrompts:    3,
			Prompt:            "please proceed",
			ActionMarker:      "/tool",
			FailureKeywords:   []string{"unknown", "error", "failed", "skipping"},
		},
		Plans: PlansConfig{
			Path: "task_plans.json",
		},
		MQTT: MQTTConfig{
			TopicPrefix: "steward",
		},
		DataDir:   "./db",
		LogFormat: "text",
		LogFile: LogFileConfig{
			MaxSizeMB:  10,
			MaxBackups: 3,
			MaxAgeDays: 28,
		},
	}
}

// applyDefaults fills zero values that YAML may have overwritten with
// explicit empties.
func (c *Config) applyDefaults() {
	d := Default()
	if c.Backend.Kind == "" {
		c.Backend.Kind = d.Backend.Kind
	}
	if c.Backend.HTTP.MaxAttempts <= 0 {
		c.Backend.HTTP.MaxAttempts = d.Backend.HTTP.MaxAttempts
	}
	if c.Backend.HTTP.InitialBackoff <= 0 {
		c.Backend.HTTP.InitialBackoff = d.Backend.HTTP.InitialBackoff
	}
	if c.Backend.HTTP.MaxBackoff <= 0 {
		c.Backend.HTTP.MaxBackoff = d.Backend.HTTP.MaxBackoff
	}
	if c.Scheduler.QueueSize <= 0 {
		c.Scheduler.QueueSize = d.Scheduler.QueueSize
	}
	if c.Monitoring.Prompt == "" {
		c.Monitoring.Prompt = d.Monitoring.Prompt
	}
	if c.Monitoring.ActionMarker == "" {
		c.Monitoring.ActionMarker = d.Monitoring.ActionMarker
	}
	if c.LogFormat == "" {
		c.LogFormat = d.LogFormat
	}
	if c.Plans.Path != "" && !filepath.IsAbs(c.Plans.Path) && c.DataDir != "" {
		c.Plans.Path = filepath.Join(c.DataDir, c.Plans.Path)
	}
	if c.Scheduler.HistoryDB != "" && !filepath.IsAbs(c.Scheduler.HistoryDB) && c.DataDir != "" {
		c.Scheduler.HistoryDB = filepath.Join(c.DataDir, c.Scheduler.HistoryDB)
	}
}

// Validate checks the configuration for values that would only fail
// later at runtime.
func (c *Config) Validate() error {
	switch c.Backend.Kind {
	case BackendSubprocess:
		if c.Backend.Subprocess.Command == "" {
			return fmt.Errorf("backend.subprocess.command is required for kind %q", BackendSubprocess)
		}
	case BackendHTTP:
		if c.Backend.HTTP.Endpoint == "" {
			return fmt.Errorf("backend.http.endpoint is required for kind %q", BackendHTTP)
		}
	default:
		return fmt.Errorf("unknown backend.kind %q (valid: %s, %s)", c.Backend.Kind, BackendSubprocess, BackendHTTP)
	}

	if _, err := ParseLogLevel(c.LogLevel); err != nil {
		return err
	}
	if f := strings.ToLower(c.LogFormat); f != "text" && f != "json" {
		return fmt.Errorf("unknown log_format %q (valid: text, json)", c.LogFormat)
	}

	if c.Timeouts.Startup <= 0 || c.Timeouts.Read <= 0 || c.Timeouts.Terminate <= 0 {
		return fmt.Errorf("timeouts.startup, timeouts.read and timeouts.terminate must be positive")
	}
	if c.Timeouts.Lookahead < 0 {
		return fmt.Errorf("timeouts.lookahead must not be negative")
	}
	if c.Scheduler.Tick <= 0 {
		return fmt.Errorf("scheduler.tick must be positive")
	}
	if c.Scheduler.HistoryRetention < 0 {
		return fmt.Errorf("scheduler.history_retention must not be negative")
	}
	if c.Monitoring.MaxAutoPrompts < 0 {
		return fmt.Errorf("monitoring.max_auto_prompts must not be negative")
	}

	seen := make(map[string]bool)
	for i, s := range c.Sessions {
		if s.ID != "" {
			if seen[s.ID] {
				return fmt.Errorf("sessions[%d]: duplicate id %q", i, s.ID)
			}
			seen[s.ID] = true
		}
		for j, t := range s.Tasks {
			if _, err := schedule.Parse(t.Schedule); err != nil {
				return fmt.Errorf("sessions[%d].tasks[%d]: %w", i, j, err)
			}
		}
	}

	return nil
}
