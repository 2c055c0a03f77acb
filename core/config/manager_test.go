package config

import (
	"context"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/adalundhe/weft/core/storage"
)

func testDirs(t *testing.T) *storage.Dirs {
	t.Helper()
	return &storage.Dirs{
		Config: t.TempDir(),
		Data:   t.TempDir(),
		State:  t.TempDir(),
	}
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	assert.Equal(t, 1000, cfg.Engine.MaxTransformIterations)
	assert.True(t, cfg.Engine.OptimisticTransform)
	assert.Equal(t, "automatic", cfg.Engine.ResolutionStrategy)
	assert.Equal(t, 10, cfg.Snapshot.MaxSnapshots)
	assert.Equal(t, time.Second, cfg.Metrics.SlowTransformThreshold)
	assert.Equal(t, 100, cfg.Metrics.HighIterationThreshold)
	assert.NoError(t, cfg.Validate())
}

func TestManagerGet(t *testing.T) {
	m := NewManager(testDirs(t), WithProjectRoot(t.TempDir()))

	cfg := m.Get()
	require.NotNil(t, cfg)
	assert.Equal(t, DefaultConfig(), cfg)
}

func TestManagerLayering(t *testing.T) {
	dirs := testDirs(t)
	project := t.TempDir()

	writeFile(t, filepath.Join(project, ".weft", "config.yaml"), `
engine:
  max_transform_iterations: 50
  resolution_strategy: manual
snapshot:
  interval: 5
`)
	writeFile(t, filepath.Join(dirs.Config, "config.yaml"), `
engine:
  max_transform_iterations: 60
metrics:
  slow_transform_threshold: 250ms
`)
	writeFile(t, filepath.Join(project, ".weft", "local", "config.yaml"), `
log:
  level: debug
  format: json
`)

	m := NewManager(dirs, WithProjectRoot(project))
	require.NoError(t, m.Load())

	cfg := m.Get()
	assert.Equal(t, 60, cfg.Engine.MaxTransformIterations)
	assert.Equal(t, "manual", cfg.Engine.ResolutionStrategy)
	assert.Equal(t, uint64(5), cfg.Snapshot.Interval)
	assert.Equal(t, 250*time.Millisecond, cfg.Metrics.SlowTransformThreshold)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "json", cfg.Log.Format)
	assert.Equal(t, 10, cfg.Snapshot.MaxSnapshots)
}

func TestManagerEnvironmentOverride(t *testing.T) {
	dirs := testDirs(t)
	writeFile(t, filepath.Join(dirs.Config, "config.yaml"), "engine:\n  max_transform_iterations: 60\n")

	t.Setenv("WEFT_ENGINE_MAX_TRANSFORM_ITERATIONS", "7")
	t.Setenv("WEFT_ENGINE_OPTIMISTIC_TRANSFORM", "false")
	t.Setenv("WEFT_SNAPSHOT_COMPRESSION", "none")
	t.Setenv("WEFT_SNAPSHOT_DATABASE", "/tmp/snaps.db")
	t.Setenv("WEFT_METRICS_SLOW_THRESHOLD", "2s")
	t.Setenv("WEFT_LOG_FORMAT", "TEXT")

	m := NewManager(dirs, WithProjectRoot(t.TempDir()))
	require.NoError(t, m.Load())

	cfg := m.Get()
	assert.Equal(t, 7, cfg.Engine.MaxTransformIterations)
	assert.False(t, cfg.Engine.OptimisticTransform)
	assert.Equal(t, "none", cfg.Snapshot.Compression)
	assert.Equal(t, "/tmp/snaps.db", cfg.Snapshot.Database)
	assert.Equal(t, 2*time.Second, cfg.Metrics.SlowTransformThreshold)
	assert.Equal(t, "text", cfg.Log.Format)
}

func TestManagerRejectsInvalidConfig(t *testing.T) {
	cases := map[string]string{
		"strategy":    "engine:\n  resolution_strategy: coin-flip\n",
		"iterations":  "engine:\n  max_transform_iterations: 0\n",
		"compression": "snapshot:\n  compression: lz4\n",
		"log level":   "log:\n  level: loud\n",
		"log format":  "log:\n  format: xml\n",
	}
	for name, content := range cases {
		t.Run(name, func(t *testing.T) {
			dirs := testDirs(t)
			writeFile(t, filepath.Join(dirs.Config, "config.yaml"), content)

			m := NewManager(dirs, WithProjectRoot(t.TempDir()))
			err := m.Load()
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrInvalidConfig)
			assert.Equal(t, DefaultConfig(), m.Get())
		})
	}
}

func TestManagerMalformedYAML(t *testing.T) {
	dirs := testDirs(t)
	writeFile(t, filepath.Join(dirs.Config, "config.yaml"), "engine: [")

	m := NewManager(dirs, WithProjectRoot(t.TempDir()))
	err := m.Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "user config")
}

func TestManagerOnChange(t *testing.T) {
	m := NewManager(testDirs(t), WithProjectRoot(t.TempDir()))

	var called atomic.Bool
	m.OnChange(func(cfg *Config) {
		called.Store(true)
	})

	require.NoError(t, m.Load())
	assert.True(t, called.Load())
}

func TestManagerReload(t *testing.T) {
	dirs := testDirs(t)
	path := filepath.Join(dirs.Config, "config.yaml")
	writeFile(t, path, "snapshot:\n  interval: 5\n")

	m := NewManager(dirs, WithProjectRoot(t.TempDir()))
	require.NoError(t, m.Load())
	assert.Equal(t, uint64(5), m.Get().Snapshot.Interval)

	writeFile(t, path, "snapshot:\n  interval: 9\n")
	require.NoError(t, m.Reload())
	assert.Equal(t, uint64(9), m.Get().Snapshot.Interval)
}

func TestManagerWatch(t *testing.T) {
	dirs := testDirs(t)
	path := filepath.Join(dirs.Config, "config.yaml")
	writeFile(t, path, "snapshot:\n  interval: 5\n")

	m := NewManager(dirs, WithProjectRoot(t.TempDir()))
	require.NoError(t, m.Load())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- m.Watch(ctx) }()

	require.Eventually(t, func() bool {
		_ = os.WriteFile(path, []byte("snapshot:\n  interval: 42\n"), 0644)
		return m.Get().Snapshot.Interval == 42
	}, 5*time.Second, 50*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(5 * time.Second):
		t.Fatal("Watch did not stop")
	}
}

func TestManagerClose(t *testing.T) {
	m := NewManager(testDirs(t), WithProjectRoot(t.TempDir()))

	done := make(chan error, 1)
	go func() { done <- m.Watch(context.Background()) }()

	require.NoError(t, m.Close())
	require.NoError(t, m.Close())

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Watch did not stop after Close")
	}
}
