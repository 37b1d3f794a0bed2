package config

const (
	defaultStateDir                = "~/.local/share/hopper"
	defaultAPIBind                 = "127.0.0.1:7488"
	defaultLogFormat               = "console"
	defaultLogLevel                = "info"
	defaultLogRetentionDays        = 30
	defaultPollIntervalSeconds     = 5
	defaultErrorRetryInterval      = 5
	defaultRetryAttempts           = 3
	defaultRetryDelayMillis        = 200
	defaultScanConcurrency         = 4
	defaultReclaimIntervalSeconds  = 60
	defaultMirrorPrefix            = "hopper"
	defaultLedgerFileName          = ".hopper-ledger.db"
	defaultProcessorTimeoutSeconds = 0
	defaultNotifyTimeoutSeconds    = 10
)

// Default returns a Config populated with repository defaults.
func Default() Config {
	return Config{
		Paths: Paths{
			StateDir: defaultStateDir,
			APIBind:  defaultAPIBind,
		},
		Workflow: Workflow{
			PollInterval:       defaultPollIntervalSeconds,
			ErrorRetryInterval: defaultErrorRetryInterval,
			RetryAttempts:      defaultRetryAttempts,
			RetryDelayMillis:   defaultRetryDelayMillis,
			ScanConcurrency:    defaultScanConcurrency,
			SerializeSources:   true,
			ReclaimInterval:    defaultReclaimIntervalSeconds,
		},
		Processor: Processor{
			TimeoutSeconds: defaultProcessorTimeoutSeconds,
		},
		Logging: Logging{
			Format:        defaultLogFormat,
			Level:         defaultLogLevel,
			RetentionDays: defaultLogRetentionDays,
		},
		Mirror: Mirror{
			Prefix: defaultMirrorPrefix,
		},
		Notifications: Notifications{
			RequestTimeout: defaultNotifyTimeoutSeconds,
			UnitFailed:     true,
		},
	}
}
