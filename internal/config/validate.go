package config

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	"filippo.io/age"
)

// Validate ensures the configuration is usable.
func (c *Config) Validate() error {
	if err := c.validateWorkflow(); err != nil {
		return err
	}
	if err := c.validateLedger(); err != nil {
		return err
	}
	if err := c.validateMirror(); err != nil {
		return err
	}
	if err := c.validateNotifications(); err != nil {
		return err
	}
	return c.validateSources()
}

func (c *Config) validateWorkflow() error {
	if err := ensurePositiveMap(map[string]int{
		"workflow.poll_interval":        c.Workflow.PollInterval,
		"workflow.error_retry_interval": c.Workflow.ErrorRetryInterval,
		"workflow.retry_attempts":       c.Workflow.RetryAttempts,
		"workflow.scan_concurrency":     c.Workflow.ScanConcurrency,
		"workflow.reclaim_interval":     c.Workflow.ReclaimInterval,
	}); err != nil {
		return err
	}
	if c.Workflow.RetryDelayMillis < 0 {
		return errors.New("workflow.retry_delay_ms must be >= 0")
	}
	if c.Workflow.StaleProcessingMinutes < 0 {
		return errors.New("workflow.stale_processing_minutes must be >= 0 (0 disables the sweep)")
	}
	return nil
}

func (c *Config) validateLedger() error {
	if c.Ledger.RetentionDays < 0 {
		return errors.New("ledger.retention_days must be >= 0 (0 keeps every record)")
	}
	return nil
}

func (c *Config) validateMirror() error {
	if !c.Mirror.Enabled {
		return nil
	}
	if c.Mirror.Bucket == "" {
		return errors.New("mirror.bucket must be set when mirror.enabled is true")
	}
	if (c.Mirror.AccessKeyID == "") != (c.Mirror.SecretAccessKey == "") {
		return errors.New("mirror.access_key_id and mirror.secret_access_key must be set together")
	}
	for _, recipient := range c.Mirror.AgeRecipients {
		if _, err := age.ParseX25519Recipient(recipient); err != nil {
			return fmt.Errorf("mirror.age_recipients: %q: %w", recipient, err)
		}
	}
	return nil
}

func (c *Config) validateNotifications() error {
	topic := c.Notifications.NtfyTopic
	if topic == "" {
		return nil
	}
	if !strings.HasPrefix(topic, "http://") && !strings.HasPrefix(topic, "https://") {
		return fmt.Errorf("notifications.ntfy_topic must be a full URL (got %q)", topic)
	}
	return nil
}

func (c *Config) validateSources() error {
	if len(c.Sources) == 0 {
		defaultPath, err := DefaultConfigPath()
		if err != nil {
			defaultPath = "~/.config/hopper/config.toml"
		}
		return fmt.Errorf("at least one [[sources]] entry is required. Edit %s (create with 'hopper config init')", defaultPath)
	}

	names := make(map[string]struct{}, len(c.Sources))
	stageBases := make(map[string]string, len(c.Sources))
	ledgers := make(map[string]string, len(c.Sources))
	for _, src := range c.Sources {
		if src.Name == "" {
			return errors.New("sources: every source needs a name")
		}
		if strings.ContainsAny(src.Name, `/\`) {
			return fmt.Errorf("sources[%s].name must not contain path separators", src.Name)
		}
		if _, dup := names[src.Name]; dup {
			return fmt.Errorf("sources[%s]: duplicate source name", src.Name)
		}
		names[src.Name] = struct{}{}

		if src.Path == "" {
			return fmt.Errorf("sources[%s].path must be set", src.Name)
		}
		if src.LedgerPath == "" {
			return fmt.Errorf("sources[%s].ledger_path could not be resolved", src.Name)
		}
		if other, dup := ledgers[src.LedgerPath]; dup {
			return fmt.Errorf("sources[%s].ledger_path is shared with sources[%s]", src.Name, other)
		}
		ledgers[src.LedgerPath] = src.Name

		if src.Admin {
			continue
		}
		if src.StageDir == "" {
			return fmt.Errorf("sources[%s].stage_dir could not be resolved", src.Name)
		}
		if isWithin(src.StageDir, src.Path) {
			return fmt.Errorf("sources[%s].stage_dir must not be the watched root or inside it", src.Name)
		}
		if other, dup := stageBases[src.StageDir]; dup {
			return fmt.Errorf("sources[%s].stage_dir %q is shared with sources[%s]; set a distinct stage_dir", src.Name, src.StageDir, other)
		}
		stageBases[src.StageDir] = src.Name
	}
	return nil
}

// isWithin reports whether path sits inside (or equals) root.
func isWithin(path, root string) bool {
	rel, err := filepath.Rel(root, path)
	if err != nil {
		return false
	}
	return rel == "." || (rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)))
}

func ensurePositiveMap(values map[string]int) error {
	for key, value := range values {
		if value <= 0 {
			return fmt.Errorf("%s must be positive", key)
		}
	}
	return nil
}
