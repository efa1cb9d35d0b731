// Package internal provides the App struct that wires storage, the task
// engine and observability together and initializes the CLI layer.
package internal

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/valter-silva-au/tasktree/internal/cli"
	"github.com/valter-silva-au/tasktree/internal/core"
	"github.com/valter-silva-au/tasktree/internal/observability"
	"github.com/valter-silva-au/tasktree/internal/storage"
	"github.com/valter-silva-au/tasktree/pkg/models"
)

// EventLogFileName is the JSONL event log written under the base path.
const EventLogFileName = ".task_events.jsonl"

// App holds all service dependencies of tasktree.
type App struct {
	BasePath string
	Config   *models.GlobalConfig
	Logger   *slog.Logger

	// Configuration
	ConfigMgr core.ConfigurationManager

	// Storage layer
	Store     storage.Store
	Summaries *storage.SummaryStore

	// Core services
	IDGen   *core.IDGenerator
	TaskMgr core.TaskManager

	// Observability
	EventLog    observability.EventLog
	AlertEngine observability.AlertEngine
	MetricsCalc observability.MetricsCalculator
	Notifier    observability.Notifier
}

// NewApp creates and wires all components. basePath is the directory that
// holds .taskconfig, the task store, summaries and the event log.
func NewApp(basePath string) (*App, error) {
	app := &App{BasePath: basePath}

	// --- Configuration ---
	app.ConfigMgr = core.NewConfigurationManager(basePath)
	cfg, err := app.ConfigMgr.LoadGlobalConfig()
	if err != nil {
		return nil, fmt.Errorf("loading configuration: %w", err)
	}
	if err := app.ConfigMgr.ValidateConfig(cfg); err != nil {
		return nil, err
	}
	app.Config = cfg
	app.Logger = newLogger(cfg.Log.Level)

	// --- Storage layer ---
	app.Store, err = storage.Open(basePath, cfg.Storage)
	if err != nil {
		return nil, err
	}
	app.Summaries = storage.NewSummaryStore(basePath)

	// --- Observability ---
	var events core.EventLogger
	if cfg.Events.Enabled {
		app.EventLog, err = observability.NewJSONLEventLog(filepath.Join(basePath, EventLogFileName))
		if err != nil {
			// Non-fatal: run without events, metrics and alerts.
			app.Logger.Warn("event log disabled", "error", err)
			app.EventLog = nil
		}
	}
	if app.EventLog != nil {
		events = observability.NewEventLogger(app.EventLog, time.Now)
		app.MetricsCalc = observability.NewMetricsCalculator(app.EventLog)
		app.AlertEngine = observability.NewAlertEngine(app.EventLog, alertThresholds(cfg.Notifications.Alerts))
	}
	if cfg.Notifications.Enabled && cfg.Notifications.Slack.WebhookURL != "" {
		app.Notifier = observability.NewSlackNotifier(cfg.Notifications.Slack.WebhookURL)
	}

	// --- Core services ---
	app.IDGen = core.NewIDGenerator(cfg.IDs.RequestPrefix, cfg.IDs.TaskPrefix)
	opts := []core.Option{
		core.WithEagerCycleCheck(cfg.Dependencies.EagerCycleCheck),
		core.WithSummaryWriter(app.Summaries),
		core.WithLogger(app.Logger),
	}
	if events != nil {
		opts = append(opts, core.WithEventLogger(events))
	}
	app.TaskMgr = core.NewTaskManager(&storeAdapter{store: app.Store}, app.IDGen, opts...)

	// --- Wire CLI package-level variables ---
	cli.BasePath = basePath
	cli.TaskMgr = app.TaskMgr
	cli.EventLog = app.EventLog
	cli.AlertEngine = app.AlertEngine
	cli.MetricsCalc = app.MetricsCalc
	cli.Notifier = app.Notifier

	return app, nil
}

// Close releases the store and the event log file handle. It is safe to call
// on an App whose EventLog is nil.
func (a *App) Close() error {
	var errs []error
	if a.Store != nil {
		errs = append(errs, a.Store.Close())
	}
	if a.EventLog != nil {
		errs = append(errs, a.EventLog.Close())
	}
	return errors.Join(errs...)
}

// ResolveBasePath determines the tasktree data directory. TASKTREE_HOME wins,
// then the nearest ancestor of the working directory holding .taskconfig,
// then the working directory itself.
func ResolveBasePath() string {
	if home := os.Getenv("TASKTREE_HOME"); home != "" {
		return home
	}
	cwd, err := os.Getwd()
	if err != nil {
		return "."
	}
	for dir := cwd; ; {
		if _, err := os.Stat(filepath.Join(dir, core.ConfigFileName)); err == nil {
			return dir
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}
		dir = parent
	}
	return cwd
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}

func alertThresholds(cfg models.AlertConfig) observability.AlertThresholds {
	t := observability.DefaultAlertThresholds()
	if cfg.ClarificationHours > 0 {
		t.ClarificationHours = cfg.ClarificationHours
	}
	if cfg.StaleDays > 0 {
		t.StaleDays = cfg.StaleDays
	}
	if cfg.MaxPending > 0 {
		t.MaxPending = cfg.MaxPending
	}
	return t
}

// --- Adapters ---

// storeAdapter adapts storage.Store to core.TaskStore.
type storeAdapter struct {
	store storage.Store
}

func (a *storeAdapter) Update(ctx context.Context, fn func(tx core.Tx) error) error {
	return a.store.Update(ctx, func(tx storage.Tx) error { return fn(tx) })
}

func (a *storeAdapter) View(ctx context.Context, fn func(tx core.Tx) error) error {
	return a.store.View(ctx, func(tx storage.Tx) error { return fn(tx) })
}
