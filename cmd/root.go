// Package cmd provides the weft command line.
package cmd

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/adalundhe/weft/core/config"
	"github.com/adalundhe/weft/core/storage"
)

var (
	rootProject   string
	rootLogLevel  string
	rootLogFormat string

	configManager *config.Manager
)

var rootCmd = &cobra.Command{
	Use:   "weft",
	Short: "Weft - operational transform engine for collaborative documents",
	Long: `Weft transforms concurrent edits against each other so every replica of a
document converges, and keeps snapshots and metrics for each document.`,
	SilenceUsage:      true,
	PersistentPreRunE: setup,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&rootProject, "project", ".", "Project root holding .weft/config.yaml")
	rootCmd.PersistentFlags().StringVar(&rootLogLevel, "log-level", "", "Override log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&rootLogFormat, "log-format", "", "Override log format (text, json, auto)")
}

// Execute runs the root command. SIGINT and SIGTERM cancel the command's
// context so a replay stops between operations.
func Execute() error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	return rootCmd.ExecuteContext(ctx)
}

// logLevel backs the default logger so a config reload can change it.
var logLevel = new(slog.LevelVar)

// setup creates the application directories, loads configuration and
// installs the default logger.
func setup(cmd *cobra.Command, _ []string) error {
	dirs, err := storage.ResolveDirs()
	if err != nil {
		return fmt.Errorf("resolve directories: %w", err)
	}
	if err := dirs.EnsureAll(); err != nil {
		return fmt.Errorf("create directories: %w", err)
	}

	configManager = config.NewManager(dirs, config.WithProjectRoot(rootProject))
	if err := configManager.Load(); err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logCfg := configManager.Get().Log
	if rootLogLevel != "" {
		logCfg.Level = rootLogLevel
	}
	if rootLogFormat != "" {
		logCfg.Format = rootLogFormat
	}

	logger, err := newLogger(cmd.ErrOrStderr(), logCfg, logLevel)
	if err != nil {
		return err
	}
	slog.SetDefault(logger)

	if rootLogLevel == "" {
		followLogLevel(configManager, logLevel)
	}
	return nil
}

// followLogLevel keeps level in step with log.level across config reloads.
func followLogLevel(m *config.Manager, level *slog.LevelVar) {
	m.OnChange(func(cfg *config.Config) {
		next, err := cfg.Log.SlogLevel()
		if err != nil || next == level.Level() {
			return
		}
		level.Set(next)
		slog.Info("log level changed", "level", next.String())
	})
}

// newLogger builds a slog logger writing to w. The auto format picks text
// when w is a terminal and JSON otherwise. The logger's level is read from
// level, which is set from cfg; a nil level gets a private one.
func newLogger(w io.Writer, cfg config.LogConfig, level *slog.LevelVar) (*slog.Logger, error) {
	parsed, err := cfg.SlogLevel()
	if err != nil {
		return nil, fmt.Errorf("log level: %w", err)
	}
	if level == nil {
		level = new(slog.LevelVar)
	}
	opts := &slog.HandlerOptions{Level: level}

	var handler slog.Handler
	switch cfg.Format {
	case "json":
		handler = slog.NewJSONHandler(w, opts)
	case "text":
		handler = slog.NewTextHandler(w, opts)
	case "auto", "":
		if isTerminal(w) {
			handler = slog.NewTextHandler(w, opts)
		} else {
			handler = slog.NewJSONHandler(w, opts)
		}
	default:
		return nil, fmt.Errorf("unknown log format %q", cfg.Format)
	}
	level.Set(parsed)
	return slog.New(handler), nil
}

func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	return ok && term.IsTerminal(int(f.Fd()))
}
