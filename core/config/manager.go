// Package config loads weft's layered configuration and hot-reloads it.
package config

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"

	"github.com/adalundhe/weft/core/ot"
	"github.com/adalundhe/weft/core/snapshot"
	"github.com/adalundhe/weft/core/storage"
)

var ErrInvalidConfig = errors.New("invalid configuration")

type Manager struct {
	config      atomic.Pointer[Config]
	dirs        *storage.Dirs
	projectRoot string
	logger      *slog.Logger
	watchers    []func(*Config)
	watcherMu   sync.RWMutex
	stopWatch   chan struct{}
	watchOnce   sync.Once
}

type Config struct {
	Engine   EngineConfig   `yaml:"engine"`
	Snapshot SnapshotConfig `yaml:"snapshot"`
	Metrics  MetricsConfig  `yaml:"metrics"`
	Log      LogConfig      `yaml:"log"`
}

type EngineConfig struct {
	MaxTransformIterations  int    `yaml:"max_transform_iterations"`
	OptimisticTransform     bool   `yaml:"optimistic_transform"`
	ResolutionStrategy      string `yaml:"resolution_strategy"`
	MaxOperationHistorySize int    `yaml:"max_operation_history_size"`
	JournalSize             int    `yaml:"journal_size"`
	QueueSize               int    `yaml:"queue_size"`
}

type SnapshotConfig struct {
	// Interval is the number of applied operations between automatic
	// snapshots. Zero disables them.
	Interval     uint64 `yaml:"interval"`
	MaxSnapshots int    `yaml:"max_snapshots"`
	Compression  string `yaml:"compression"`
	// Database is the SQLite file snapshots are kept in. Empty keeps them
	// in memory.
	Database string `yaml:"database"`
}

type MetricsConfig struct {
	SlowTransformThreshold time.Duration `yaml:"slow_transform_threshold"`
	HighIterationThreshold int           `yaml:"high_iteration_threshold"`
	Window                 int           `yaml:"window"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // text, json or auto
}

type Option func(*Manager)

// WithProjectRoot sets where the project's .weft directory is looked up.
// Defaults to the working directory.
func WithProjectRoot(root string) Option {
	return func(m *Manager) {
		m.projectRoot = root
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(m *Manager) {
		if logger != nil {
			m.logger = logger
		}
	}
}

func NewManager(dirs *storage.Dirs, opts ...Option) *Manager {
	m := &Manager{
		dirs:        dirs,
		projectRoot: ".",
		logger:      slog.Default(),
		stopWatch:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.config.Store(DefaultConfig())
	return m
}

func DefaultConfig() *Config {
	return &Config{
		Engine: EngineConfig{
			MaxTransformIterations:  1000,
			OptimisticTransform:     true,
			ResolutionStrategy:      string(ot.ResolutionAutomatic),
			MaxOperationHistorySize: 1000,
			JournalSize:             10000,
			QueueSize:               64,
		},
		Snapshot: SnapshotConfig{
			Interval:     100,
			MaxSnapshots: 10,
			Compression:  string(snapshot.CompressionZstd),
		},
		Metrics: MetricsConfig{
			SlowTransformThreshold: time.Second,
			HighIterationThreshold: 100,
			Window:                 256,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "auto",
		},
	}
}

// Validate reports the first setting that cannot be used.
func (c *Config) Validate() error {
	if c.Engine.MaxTransformIterations <= 0 {
		return fmt.Errorf("%w: engine.max_transform_iterations must be positive", ErrInvalidConfig)
	}
	if c.Engine.MaxOperationHistorySize <= 0 {
		return fmt.Errorf("%w: engine.max_operation_history_size must be positive", ErrInvalidConfig)
	}
	if !ot.ResolutionStrategy(c.Engine.ResolutionStrategy).Valid() {
		return fmt.Errorf("%w: unknown resolution strategy %q", ErrInvalidConfig, c.Engine.ResolutionStrategy)
	}
	if c.Snapshot.MaxSnapshots <= 0 {
		return fmt.Errorf("%w: snapshot.max_snapshots must be positive", ErrInvalidConfig)
	}
	if _, err := snapshot.ParseCompression(c.Snapshot.Compression); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	if _, err := c.Log.SlogLevel(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	switch c.Log.Format {
	case "text", "json", "auto":
	default:
		return fmt.Errorf("%w: unknown log format %q", ErrInvalidConfig, c.Log.Format)
	}
	return nil
}

func (l LogConfig) SlogLevel() (slog.Level, error) {
	var level slog.Level
	err := level.UnmarshalText([]byte(l.Level))
	return level, err
}

func (m *Manager) Get() *Config {
	return m.config.Load()
}

// Load rebuilds the configuration from defaults, the project, user and local
// files, then WEFT_* environment variables. A failed load keeps the current
// configuration.
func (m *Manager) Load() error {
	cfg := DefaultConfig()

	if err := m.loadYAMLFile(m.projectConfigPath(), cfg); err != nil {
		return fmt.Errorf("project config: %w", err)
	}

	if err := m.loadYAMLFile(m.userConfigPath(), cfg); err != nil {
		return fmt.Errorf("user config: %w", err)
	}

	if err := m.loadYAMLFile(m.localConfigPath(), cfg); err != nil {
		return fmt.Errorf("local config: %w", err)
	}

	m.applyEnvironment(cfg)

	if err := cfg.Validate(); err != nil {
		return err
	}

	m.config.Store(cfg)
	m.notifyWatchers(cfg)

	return nil
}

func (m *Manager) projectConfigPath() string {
	return storage.ResolveProjectDirs(m.projectRoot).Config
}

func (m *Manager) userConfigPath() string {
	return m.dirs.ConfigDir("config.yaml")
}

func (m *Manager) localConfigPath() string {
	return filepath.Join(storage.ResolveProjectDirs(m.projectRoot).Local, "config.yaml")
}

// Paths lists the configuration files in the order they are applied.
func (m *Manager) Paths() []string {
	return []string{m.projectConfigPath(), m.userConfigPath(), m.localConfigPath()}
}

func (m *Manager) loadYAMLFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}

	return yaml.Unmarshal(data, cfg)
}

func (m *Manager) applyEnvironment(cfg *Config) {
	if v := os.Getenv("WEFT_ENGINE_MAX_TRANSFORM_ITERATIONS"); v != "" {
		if n, err := parseInt(v); err == nil {
			cfg.Engine.MaxTransformIterations = n
		}
	}
	if v := os.Getenv("WEFT_ENGINE_OPTIMISTIC_TRANSFORM"); v != "" {
		cfg.Engine.OptimisticTransform = strings.ToLower(v) == "true"
	}
	if v := os.Getenv("WEFT_ENGINE_RESOLUTION_STRATEGY"); v != "" {
		cfg.Engine.ResolutionStrategy = v
	}
	if v := os.Getenv("WEFT_ENGINE_MAX_OPERATION_HISTORY"); v != "" {
		if n, err := parseInt(v); err == nil {
			cfg.Engine.MaxOperationHistorySize = n
		}
	}
	if v := os.Getenv("WEFT_SNAPSHOT_INTERVAL"); v != "" {
		if n, err := parseInt(v); err == nil && n >= 0 {
			cfg.Snapshot.Interval = uint64(n)
		}
	}
	if v := os.Getenv("WEFT_SNAPSHOT_MAX"); v != "" {
		if n, err := parseInt(v); err == nil {
			cfg.Snapshot.MaxSnapshots = n
		}
	}
	if v := os.Getenv("WEFT_SNAPSHOT_COMPRESSION"); v != "" {
		cfg.Snapshot.Compression = v
	}
	if v := os.Getenv("WEFT_SNAPSHOT_DATABASE"); v != "" {
		cfg.Snapshot.Database = v
	}
	if v := os.Getenv("WEFT_METRICS_SLOW_THRESHOLD"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Metrics.SlowTransformThreshold = d
		}
	}
	if v := os.Getenv("WEFT_METRICS_HIGH_ITERATIONS"); v != "" {
		if n, err := parseInt(v); err == nil {
			cfg.Metrics.HighIterationThreshold = n
		}
	}
	if v := os.Getenv("WEFT_LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
	if v := os.Getenv("WEFT_LOG_FORMAT"); v != "" {
		cfg.Log.Format = strings.ToLower(v)
	}
}

func (m *Manager) OnChange(fn func(*Config)) {
	m.watcherMu.Lock()
	m.watchers = append(m.watchers, fn)
	m.watcherMu.Unlock()
}

func (m *Manager) notifyWatchers(cfg *Config) {
	m.watcherMu.RLock()
	watchers := m.watchers
	m.watcherMu.RUnlock()

	for _, fn := range watchers {
		fn(cfg)
	}
}

func (m *Manager) Reload() error {
	return m.Load()
}

// Watch reloads the configuration whenever one of its files changes, until
// ctx is done or the manager is closed. Directories that do not exist yet
// are skipped. Reload errors are logged and the previous configuration stays
// in effect.
func (m *Manager) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()

	targets := make(map[string]bool)
	watched := make(map[string]bool)
	for _, path := range m.Paths() {
		abs, err := filepath.Abs(path)
		if err != nil {
			continue
		}
		targets[abs] = true

		dir := filepath.Dir(abs)
		if watched[dir] {
			continue
		}
		if info, err := os.Stat(dir); err != nil || !info.IsDir() {
			continue
		}
		if err := watcher.Add(dir); err != nil {
			return fmt.Errorf("watch %s: %w", dir, err)
		}
		watched[dir] = true
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-m.stopWatch:
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if !targets[filepath.Clean(event.Name)] || !isContentChange(event) {
				continue
			}
			if err := m.Reload(); err != nil {
				m.logger.Warn("config reload failed", "path", event.Name, "error", err)
				continue
			}
			m.logger.Info("config reloaded", "path", event.Name)
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			m.logger.Warn("config watcher error", "error", err)
		}
	}
}

func isContentChange(event fsnotify.Event) bool {
	return event.Has(fsnotify.Write) || event.Has(fsnotify.Create) ||
		event.Has(fsnotify.Remove) || event.Has(fsnotify.Rename)
}

func (m *Manager) Close() error {
	m.watchOnce.Do(func() {
		close(m.stopWatch)
	})
	return nil
}

func parseInt(s string) (int, error) {
	var n int
	_, err := fmt.Sscanf(s, "%d", &n)
	return n, err
}
