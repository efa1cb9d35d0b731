package models

// StorageDriver selects the persistence backend.
type StorageDriver string

const (
	StorageYAML   StorageDriver = "yaml"
	StorageSQLite StorageDriver = "sqlite"
)

// StorageConfig configures where requests, tasks and archives are persisted.
type StorageConfig struct {
	Driver StorageDriver `yaml:"driver" mapstructure:"driver"`
	// Path overrides the default file location under the base directory.
	Path string `yaml:"path,omitempty" mapstructure:"path"`
}

// IDConfig holds the prefixes used when formatting generated ids.
type IDConfig struct {
	RequestPrefix string `yaml:"request_prefix" mapstructure:"request_prefix"`
	TaskPrefix    string `yaml:"task_prefix" mapstructure:"task_prefix"`
}

// DependencyConfig tunes dependency validation on add.
type DependencyConfig struct {
	EagerCycleCheck bool `yaml:"eager_cycle_check" mapstructure:"eager_cycle_check"`
}

// AlertConfig holds alert thresholds from the notifications section.
type AlertConfig struct {
	ClarificationHours int `yaml:"clarification_hours" mapstructure:"clarification_hours"`
	StaleDays          int `yaml:"stale_days" mapstructure:"stale_days"`
	MaxPending         int `yaml:"max_pending" mapstructure:"max_pending"`
}

// SlackConfig holds the Slack webhook used for alert notifications.
type SlackConfig struct {
	WebhookURL string `yaml:"webhook_url" mapstructure:"webhook_url"`
}

// NotificationConfig groups alerting settings.
type NotificationConfig struct {
	Enabled bool        `yaml:"enabled" mapstructure:"enabled"`
	Slack   SlackConfig `yaml:"slack" mapstructure:"slack"`
	Alerts  AlertConfig `yaml:"alerts" mapstructure:"alerts"`
}

// LogConfig configures process diagnostics written to stderr.
type LogConfig struct {
	Level string `yaml:"level" mapstructure:"level"`
}

// EventsConfig toggles the JSONL domain event log.
type EventsConfig struct {
	Enabled bool `yaml:"enabled" mapstructure:"enabled"`
}

// GlobalConfig holds system-wide settings read from .taskconfig via Viper.
type GlobalConfig struct {
	Storage       StorageConfig      `yaml:"storage" mapstructure:"storage"`
	IDs           IDConfig           `yaml:"ids" mapstructure:"ids"`
	Dependencies  DependencyConfig   `yaml:"dependencies" mapstructure:"dependencies"`
	Log           LogConfig          `yaml:"log" mapstructure:"log"`
	Events        EventsConfig       `yaml:"events" mapstructure:"events"`
	Notifications NotificationConfig `yaml:"notifications" mapstructure:"notifications"`
}
