// Package core contains the task hierarchy engine: the request/task graph,
// the status state machine, dependency validation, next-task selection, the
// completion cascade and split/merge restructuring, plus configuration.
package core

import (
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/spf13/viper"
	"github.com/valter-silva-au/tasktree/pkg/models"
)

// ConfigFileName is the name of the YAML configuration file in the base
// directory.
const ConfigFileName = ".taskconfig"

// validPrefixPattern matches id prefixes between 1 and 10 characters.
var validPrefixPattern = regexp.MustCompile(`^[A-Za-z0-9]{1,10}$`)

var validLogLevels = map[string]bool{"debug": true, "info": true, "warn": true, "error": true}

// ConfigurationManager loads and validates the global configuration.
type ConfigurationManager interface {
	LoadGlobalConfig() (*models.GlobalConfig, error)
	ValidateConfig(cfg *models.GlobalConfig) error
}

// viperConfigManager implements ConfigurationManager using Viper for
// reading YAML configuration files.
type viperConfigManager struct {
	// basePath is the root directory where .taskconfig resides.
	basePath string
}

// NewConfigurationManager creates a new ConfigurationManager that reads
// configuration files relative to basePath.
func NewConfigurationManager(basePath string) ConfigurationManager {
	return &viperConfigManager{basePath: basePath}
}

// DefaultGlobalConfig returns a GlobalConfig populated with defaults.
func DefaultGlobalConfig() *models.GlobalConfig {
	return &models.GlobalConfig{
		Storage:      models.StorageConfig{Driver: models.StorageYAML},
		IDs:          models.IDConfig{RequestPrefix: "req", TaskPrefix: "task"},
		Dependencies: models.DependencyConfig{EagerCycleCheck: true},
		Log:          models.LogConfig{Level: "info"},
		Events:       models.EventsConfig{Enabled: true},
		Notifications: models.NotificationConfig{
			Alerts: models.AlertConfig{ClarificationHours: 24, StaleDays: 3, MaxPending: 25},
		},
	}
}

// LoadGlobalConfig reads .taskconfig from the base path using Viper.
// If the file does not exist, defaults are returned.
func (cm *viperConfigManager) LoadGlobalConfig() (*models.GlobalConfig, error) {
	cfg := DefaultGlobalConfig()

	v := viper.New()
	v.SetConfigName(ConfigFileName)
	v.SetConfigType("yaml")
	v.AddConfigPath(cm.basePath)

	v.SetDefault("storage.driver", string(cfg.Storage.Driver))
	v.SetDefault("storage.path", cfg.Storage.Path)
	v.SetDefault("ids.request_prefix", cfg.IDs.RequestPrefix)
	v.SetDefault("ids.task_prefix", cfg.IDs.TaskPrefix)
	v.SetDefault("dependencies.eager_cycle_check", cfg.Dependencies.EagerCycleCheck)
	v.SetDefault("log.level", cfg.Log.Level)
	v.SetDefault("events.enabled", cfg.Events.Enabled)
	v.SetDefault("notifications.enabled", cfg.Notifications.Enabled)
	v.SetDefault("notifications.slack.webhook_url", "")
	v.SetDefault("notifications.alerts.clarification_hours", cfg.Notifications.Alerts.ClarificationHours)
	v.SetDefault("notifications.alerts.stale_days", cfg.Notifications.Alerts.StaleDays)
	v.SetDefault("notifications.alerts.max_pending", cfg.Notifications.Alerts.MaxPending)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if errors.As(err, &notFound) {
			return cfg, nil
		}
		return nil, fmt.Errorf("reading %s: %w", ConfigFileName, err)
	}

	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("decoding %s: %w", ConfigFileName, err)
	}
	cfg.Log.Level = strings.ToLower(cfg.Log.Level)
	return cfg, nil
}

// ValidateConfig checks cfg for invalid values and returns one error listing
// every problem found.
func (cm *viperConfigManager) ValidateConfig(cfg *models.GlobalConfig) error {
	if cfg == nil {
		return fmt.Errorf("configuration is nil")
	}

	var errs []string

	switch cfg.Storage.Driver {
	case models.StorageYAML, models.StorageSQLite:
	default:
		errs = append(errs, fmt.Sprintf("storage.driver %q is invalid, must be one of: yaml, sqlite", cfg.Storage.Driver))
	}

	if !validPrefixPattern.MatchString(cfg.IDs.RequestPrefix) {
		errs = append(errs, fmt.Sprintf("ids.request_prefix %q is invalid, must match [A-Za-z0-9]{1,10}", cfg.IDs.RequestPrefix))
	}
	if !validPrefixPattern.MatchString(cfg.IDs.TaskPrefix) {
		errs = append(errs, fmt.Sprintf("ids.task_prefix %q is invalid, must match [A-Za-z0-9]{1,10}", cfg.IDs.TaskPrefix))
	}
	if cfg.IDs.RequestPrefix != "" && cfg.IDs.RequestPrefix == cfg.IDs.TaskPrefix {
		errs = append(errs, "ids.request_prefix and ids.task_prefix must differ")
	}

	if !validLogLevels[cfg.Log.Level] {
		errs = append(errs, fmt.Sprintf("log.level %q is invalid, must be one of: debug, info, warn, error", cfg.Log.Level))
	}

	a := cfg.Notifications.Alerts
	if a.ClarificationHours < 0 {
		errs = append(errs, fmt.Sprintf("notifications.alerts.clarification_hours must be non-negative, got %d", a.ClarificationHours))
	}
	if a.StaleDays < 0 {
		errs = append(errs, fmt.Sprintf("notifications.alerts.stale_days must be non-negative, got %d", a.StaleDays))
	}
	if a.MaxPending < 0 {
		errs = append(errs, fmt.Sprintf("notifications.alerts.max_pending must be non-negative, got %d", a.MaxPending))
	}
	if cfg.Notifications.Enabled && cfg.Notifications.Slack.WebhookURL == "" {
		errs = append(errs, "notifications.slack.webhook_url is required when notifications are enabled")
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}
