package main

import (
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/spf13/cobra"

	"hopper/internal/config"
	"hopper/internal/daemon"
	"hopper/internal/daemonctl"
	"hopper/internal/logging"
)

type commandContext struct {
	configFlag   *string
	logLevelFlag *string

	configOnce sync.Once
	config     *config.Config
	configErr  error
}

func newCommandContext(configFlag, logLevelFlag *string) *commandContext {
	return &commandContext{
		configFlag:   configFlag,
		logLevelFlag: logLevelFlag,
	}
}

func (c *commandContext) configPath() string {
	if c.configFlag == nil {
		return ""
	}
	return strings.TrimSpace(*c.configFlag)
}

func (c *commandContext) ensureConfig() (*config.Config, error) {
	c.configOnce.Do(func() {
		cfg, _, _, err := config.Load(c.configPath())
		if err != nil {
			c.configErr = err
			return
		}
		if err := cfg.EnsureDirectories(); err != nil {
			c.configErr = err
			return
		}
		c.config = cfg
	})
	return c.config, c.configErr
}

func (c *commandContext) resolvedLogLevel(cfg *config.Config) string {
	if c.logLevelFlag != nil && strings.TrimSpace(*c.logLevelFlag) != "" {
		return strings.TrimSpace(*c.logLevelFlag)
	}
	if cfg != nil {
		return cfg.Logging.Level
	}
	return "info"
}

func (c *commandContext) logger(cfg *config.Config) *slog.Logger {
	logger, err := logging.New(logging.Options{
		Level:            c.resolvedLogLevel(cfg),
		Format:           cfg.Logging.Format,
		OutputPaths:      []string{"stderr"},
		ErrorOutputPaths: []string{"stderr"},
	})
	if err != nil {
		return logging.NewNop()
	}
	return logger
}

// daemonClient returns an API client when a daemon holds the lock. The bool
// reports whether a daemon is running at all.
func (c *commandContext) daemonClient(cfg *config.Config) (*daemonctl.Client, bool, error) {
	running, err := daemon.IsRunning(cfg)
	if err != nil || !running {
		return nil, running, err
	}
	client, err := daemonctl.NewClient(cfg.Paths.APIBind, cfg.Paths.APIToken)
	if err != nil {
		return nil, true, err
	}
	return client, true, nil
}

// withLocalDaemon opens every source without starting any watcher.
func (c *commandContext) withLocalDaemon(cfg *config.Config, fn func(*daemon.Daemon) error) error {
	d, err := daemon.New(cfg, c.logger(cfg))
	if err != nil {
		return err
	}
	defer d.Close()
	return fn(d)
}

func requireRunningAPI(client *daemonctl.Client) error {
	if client == nil {
		return fmt.Errorf("daemon is running but paths.api_bind is empty; enable the API or stop the daemon first")
	}
	return nil
}

// explainAPIError adds the configured bind to errors that mean the daemon
// holds the lock but its API did not answer.
func explainAPIError(cfg *config.Config, err error) error {
	if daemonctl.IsAPIUnavailable(err) {
		return fmt.Errorf("daemon is running but its API at %s did not answer: %w", cfg.Paths.APIBind, err)
	}
	return err
}

func shouldSkipConfig(cmd *cobra.Command) bool {
	for c := cmd; c != nil; c = c.Parent() {
		if c.Annotations != nil && c.Annotations["skipConfigLoad"] == "true" {
			return true
		}
	}
	return false
}

func yesNo(value bool) string {
	if value {
		return "yes"
	}
	return "no"
}
