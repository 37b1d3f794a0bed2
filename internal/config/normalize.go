package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

func (c *Config) normalize() error {
	if err := c.normalizePaths(); err != nil {
		return err
	}
	c.normalizeProcessor()
	c.normalizeMirror()
	c.normalizeNotifications()
	c.normalizeLogging()
	return c.normalizeSources()
}

func (c *Config) normalizePaths() error {
	var err error
	if strings.TrimSpace(c.Paths.StateDir) == "" {
		c.Paths.StateDir = defaultStateDir
	}
	if c.Paths.StateDir, err = expandPath(c.Paths.StateDir); err != nil {
		return fmt.Errorf("paths.state_dir: %w", err)
	}
	if strings.TrimSpace(c.Paths.LogDir) == "" {
		c.Paths.LogDir = filepath.Join(c.Paths.StateDir, "logs")
	}
	if c.Paths.LogDir, err = expandPath(c.Paths.LogDir); err != nil {
		return fmt.Errorf("paths.log_dir: %w", err)
	}
	c.Paths.APIBind = strings.TrimSpace(c.Paths.APIBind)
	c.Paths.APIToken = strings.TrimSpace(c.Paths.APIToken)
	if c.Paths.APIToken == "" {
		if value, ok := os.LookupEnv("HOPPER_API_TOKEN"); ok {
			c.Paths.APIToken = strings.TrimSpace(value)
		}
	}
	return nil
}

func (c *Config) normalizeProcessor() {
	command := make([]string, 0, len(c.Processor.Command))
	for _, arg := range c.Processor.Command {
		if strings.TrimSpace(arg) == "" {
			continue
		}
		command = append(command, arg)
	}
	c.Processor.Command = command
	if c.Processor.TimeoutSeconds < 0 {
		c.Processor.TimeoutSeconds = 0
	}
}

func (c *Config) normalizeNotifications() {
	c.Notifications.NtfyTopic = strings.TrimSpace(c.Notifications.NtfyTopic)
	if c.Notifications.RequestTimeout <= 0 {
		c.Notifications.RequestTimeout = defaultNotifyTimeoutSeconds
	}
}

func (c *Config) normalizeMirror() {
	c.Mirror.Bucket = strings.TrimSpace(c.Mirror.Bucket)
	c.Mirror.Prefix = strings.Trim(strings.TrimSpace(c.Mirror.Prefix), "/")
	c.Mirror.Region = strings.TrimSpace(c.Mirror.Region)
	if c.Mirror.Region == "" {
		if value, ok := os.LookupEnv("AWS_REGION"); ok {
			c.Mirror.Region = strings.TrimSpace(value)
		}
	}
	c.Mirror.Endpoint = strings.TrimSpace(c.Mirror.Endpoint)
	c.Mirror.AccessKeyID = strings.TrimSpace(c.Mirror.AccessKeyID)
	c.Mirror.SecretAccessKey = strings.TrimSpace(c.Mirror.SecretAccessKey)
	recipients := make([]string, 0, len(c.Mirror.AgeRecipients))
	for _, r := range c.Mirror.AgeRecipients {
		if trimmed := strings.TrimSpace(r); trimmed != "" {
			recipients = append(recipients, trimmed)
		}
	}
	c.Mirror.AgeRecipients = recipients
}

func (c *Config) normalizeLogging() {
	c.Logging.Format = strings.ToLower(strings.TrimSpace(c.Logging.Format))
	switch c.Logging.Format {
	case "", "console":
		c.Logging.Format = "console"
	case "json":
	default:
		c.Logging.Format = "console"
	}
	c.Logging.Level = strings.ToLower(strings.TrimSpace(c.Logging.Level))
	if c.Logging.Level == "" {
		c.Logging.Level = defaultLogLevel
	}
	if c.Logging.RetentionDays < 0 {
		c.Logging.RetentionDays = 0
	}
}

func (c *Config) normalizeSources() error {
	for i := range c.Sources {
		src := &c.Sources[i]
		key := fmt.Sprintf("sources[%d]", i)
		src.Name = strings.TrimSpace(src.Name)
		if src.Name != "" {
			key = fmt.Sprintf("sources[%s]", src.Name)
		}

		var err error
		if src.Path, err = expandPath(strings.TrimSpace(src.Path)); err != nil {
			return fmt.Errorf("%s.path: %w", key, err)
		}
		if src.Name == "" && src.Path != "" {
			src.Name = filepath.Base(src.Path)
		}
		src.Extensions = normalizeExtensions(src.Extensions)

		if strings.TrimSpace(src.StageDir) == "" && src.Path != "" {
			src.StageDir = filepath.Dir(src.Path)
		}
		if src.StageDir, err = expandPath(strings.TrimSpace(src.StageDir)); err != nil {
			return fmt.Errorf("%s.stage_dir: %w", key, err)
		}

		if strings.TrimSpace(src.LedgerPath) == "" {
			if src.Admin {
				src.LedgerPath = filepath.Join(c.Paths.StateDir, "ledger", src.Name+".db")
			} else if src.StageDir != "" {
				src.LedgerPath = filepath.Join(src.StageDir, defaultLedgerFileName)
			}
		}
		if src.LedgerPath, err = expandPath(strings.TrimSpace(src.LedgerPath)); err != nil {
			return fmt.Errorf("%s.ledger_path: %w", key, err)
		}
		if src.PollInterval < 0 {
			src.PollInterval = 0
		}
	}
	return nil
}

// normalizeExtensions lowercases entries and ensures a leading dot. A lone
// wildcard collapses to the empty filter, which admits every file.
func normalizeExtensions(values []string) []string {
	if len(values) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(values))
	out := make([]string, 0, len(values))
	for _, value := range values {
		ext := strings.ToLower(strings.TrimSpace(value))
		ext = strings.TrimPrefix(ext, "*")
		if ext == "" || ext == "." {
			return nil
		}
		if !strings.HasPrefix(ext, ".") {
			ext = "." + ext
		}
		if _, ok := seen[ext]; ok {
			continue
		}
		seen[ext] = struct{}{}
		out = append(out, ext)
	}
	return out
}
