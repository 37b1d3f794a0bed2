package config

import (
	_ "embed"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
)

//go:embed sample_config.toml
var sampleConfig string

// Paths contains directory and bind address configuration.
type Paths struct {
	StateDir string `toml:"state_dir"`
	LogDir   string `toml:"log_dir"`
	APIBind  string `toml:"api_bind"`
	APIToken string `toml:"api_token"`
}

// Workflow contains configuration for polling, retry, and recovery timing.
type Workflow struct {
	PollInterval           int  `toml:"poll_interval"`
	ErrorRetryInterval     int  `toml:"error_retry_interval"`
	RetryAttempts          int  `toml:"retry_attempts"`
	RetryDelayMillis       int  `toml:"retry_delay_ms"`
	ScanConcurrency        int  `toml:"scan_concurrency"`
	SerializeSources       bool `toml:"serialize_sources"`
	StaleProcessingMinutes int  `toml:"stale_processing_minutes"`
	ReclaimInterval        int  `toml:"reclaim_interval"`
}

// Ledger contains retention settings for the content ledgers.
type Ledger struct {
	RetentionDays int `toml:"retention_days"`
}

// Processor describes the external command invoked for each unit.
type Processor struct {
	Command        []string `toml:"command"`
	TimeoutSeconds int      `toml:"timeout_seconds"`
}

// Logging contains configuration for log output.
type Logging struct {
	Format        string `toml:"format"`
	Level         string `toml:"level"`
	RetentionDays int    `toml:"retention_days"`
}

// Mirror configures the optional S3-compatible copy of archived units.
type Mirror struct {
	Enabled         bool     `toml:"enabled"`
	Bucket          string   `toml:"bucket"`
	Prefix          string   `toml:"prefix"`
	Region          string   `toml:"region"`
	Endpoint        string   `toml:"endpoint"`
	UsePathStyle    bool     `toml:"use_path_style"`
	AccessKeyID     string   `toml:"access_key_id"`
	SecretAccessKey string   `toml:"secret_access_key"`
	AgeRecipients   []string `toml:"age_recipients"`
}

// Notifications configures ntfy alerts for unit outcomes.
type Notifications struct {
	NtfyTopic      string `toml:"ntfy_topic"`
	RequestTimeout int    `toml:"request_timeout"`
	UnitProcessed  bool   `toml:"unit_processed"`
	UnitFailed     bool   `toml:"unit_failed"`
}

// Source describes one watched root. Each source runs as an independent
// pipeline with its own scanner, worker, and ledger.
type Source struct {
	Name         string   `toml:"name"`
	Path         string   `toml:"path"`
	Extensions   []string `toml:"extensions"`
	Admin        bool     `toml:"admin"`
	StageDir     string   `toml:"stage_dir"`
	LedgerPath   string   `toml:"ledger_path"`
	PollInterval int      `toml:"poll_interval"`
}

// Config encapsulates all configuration values for hopper.
//
// Configuration sections by subsystem:
//   - Paths: state/log directories and the status API bind address
//   - Workflow: poll, retry, supervision, and reclaim timing
//   - Ledger: content ledger retention
//   - Processor: the command run for every ingested unit
//   - Logging: log format, level, and retention
//   - Mirror: optional S3 copy of archived units
//   - Notifications: ntfy alerts for processed and failed units
//   - Sources: watched directories and files
type Config struct {
	Paths         Paths         `toml:"paths"`
	Workflow      Workflow      `toml:"workflow"`
	Ledger        Ledger        `toml:"ledger"`
	Processor     Processor     `toml:"processor"`
	Logging       Logging       `toml:"logging"`
	Mirror        Mirror        `toml:"mirror"`
	Notifications Notifications `toml:"notifications"`
	Sources       []Source      `toml:"sources"`
}

// DefaultConfigPath returns the absolute path to the default configuration file location.
func DefaultConfigPath() (string, error) {
	return expandPath("~/.config/hopper/config.toml")
}

// Load locates, parses, and validates a configuration file. The returned config has all
// path fields expanded and normalized.
func Load(path string) (*Config, string, bool, error) {
	cfg := Default()

	resolvedPath, exists, err := resolveConfigPath(path)
	if err != nil {
		return nil, "", false, err
	}

	if exists {
		file, err := os.Open(resolvedPath)
		if err != nil {
			return nil, "", false, fmt.Errorf("open config: %w", err)
		}
		defer file.Close()

		decoder := toml.NewDecoder(file)
		decoder.DisallowUnknownFields()
		if err := decoder.Decode(&cfg); err != nil {
			var strict *toml.StrictMissingError
			if errors.As(err, &strict) {
				return nil, "", false, fmt.Errorf("parse config: %s", strict.String())
			}
			return nil, "", false, fmt.Errorf("parse config: %w", err)
		}
	}

	if err := cfg.normalize(); err != nil {
		return nil, "", false, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, "", false, err
	}

	return &cfg, resolvedPath, exists, nil
}

func resolveConfigPath(path string) (string, bool, error) {
	if path != "" {
		expanded, err := expandPath(path)
		if err != nil {
			return "", false, err
		}
		_, err = os.Stat(expanded)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return expanded, false, nil
			}
			return "", false, fmt.Errorf("stat config: %w", err)
		}
		return expanded, true, nil
	}

	defaultPath, err := DefaultConfigPath()
	if err != nil {
		return "", false, err
	}

	projectPath, err := filepath.Abs("hopper.toml")
	if err != nil {
		return "", false, err
	}

	if info, err := os.Stat(defaultPath); err == nil && !info.IsDir() {
		return defaultPath, true, nil
	}
	if info, err := os.Stat(projectPath); err == nil && !info.IsDir() {
		return projectPath, true, nil
	}

	return defaultPath, false, nil
}

// EnsureDirectories creates required directories for daemon operation.
// Source roots are not created: a missing root is an environment failure the
// scanner rides out until the directory reappears.
func (c *Config) EnsureDirectories() error {
	for _, dir := range []string{c.Paths.StateDir, c.Paths.LogDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create directory %q: %w", dir, err)
		}
	}
	return nil
}

// PollInterval returns the effective poll interval for a source.
func (c *Config) PollInterval(src Source) time.Duration {
	if src.PollInterval > 0 {
		return time.Duration(src.PollInterval) * time.Second
	}
	return time.Duration(c.Workflow.PollInterval) * time.Second
}

// ErrorRetryInterval returns the outer supervision cooldown.
func (c *Config) ErrorRetryInterval() time.Duration {
	return time.Duration(c.Workflow.ErrorRetryInterval) * time.Second
}

// RetryDelay returns the fixed delay between inner retry attempts.
func (c *Config) RetryDelay() time.Duration {
	return time.Duration(c.Workflow.RetryDelayMillis) * time.Millisecond
}

// StaleProcessingAge returns the reclaim threshold; zero disables the sweep.
func (c *Config) StaleProcessingAge() time.Duration {
	return time.Duration(c.Workflow.StaleProcessingMinutes) * time.Minute
}

// ReclaimInterval returns how often the stale sweep runs.
func (c *Config) ReclaimInterval() time.Duration {
	return time.Duration(c.Workflow.ReclaimInterval) * time.Second
}

// LedgerRetention returns the ledger retention window; zero keeps every record.
func (c *Config) LedgerRetention() time.Duration {
	return time.Duration(c.Ledger.RetentionDays) * 24 * time.Hour
}

// ProcessorTimeout returns the per-unit command timeout; zero means unbounded.
func (c *Config) ProcessorTimeout() time.Duration {
	return time.Duration(c.Processor.TimeoutSeconds) * time.Second
}

// NotifyTimeout returns the ntfy request timeout.
func (c *Config) NotifyTimeout() time.Duration {
	return time.Duration(c.Notifications.RequestTimeout) * time.Second
}

// FindSource returns the source with the given name.
func (c *Config) FindSource(name string) (Source, bool) {
	name = strings.TrimSpace(name)
	for _, src := range c.Sources {
		if src.Name == name {
			return src, true
		}
	}
	return Source{}, false
}

// SourceNames lists configured source names in declaration order.
func (c *Config) SourceNames() []string {
	names := make([]string, 0, len(c.Sources))
	for _, src := range c.Sources {
		names = append(names, src.Name)
	}
	return names
}

// ScratchDir returns the scratch directory used by an admin source.
func (c *Config) ScratchDir(src Source) string {
	return filepath.Join(c.Paths.StateDir, "scratch", src.Name)
}

func expandPath(pathValue string) (string, error) {
	if pathValue == "" {
		return pathValue, nil
	}
	if strings.HasPrefix(pathValue, "~") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("resolve home directory: %w", err)
		}
		if pathValue == "~" {
			pathValue = home
		} else if len(pathValue) > 1 && (pathValue[1] == '/' || pathValue[1] == '\\') {
			pathValue = filepath.Join(home, pathValue[2:])
		}
	}
	cleaned := filepath.Clean(pathValue)
	absolute, err := filepath.Abs(cleaned)
	if err != nil {
		return "", fmt.Errorf("resolve absolute path for %q: %w", cleaned, err)
	}
	return absolute, nil
}

// ExpandPath exposes the repository path expansion rules for other packages.
func ExpandPath(pathValue string) (string, error) {
	return expandPath(pathValue)
}

// CreateSample writes a sample configuration file to the specified location.
func CreateSample(path string) error {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create config directory: %w", err)
		}
	}

	if err := os.WriteFile(path, []byte(sampleConfig), 0o644); err != nil {
		return fmt.Errorf("write sample config: %w", err)
	}
	return nil
}
