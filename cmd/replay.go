package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/gobwas/glob"
	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/adalundhe/weft/core/config"
	"github.com/adalundhe/weft/core/document"
	"github.com/adalundhe/weft/core/metrics"
	"github.com/adalundhe/weft/core/ot"
	"github.com/adalundhe/weft/core/snapshot"
	"github.com/adalundhe/weft/core/storage"
)

// =============================================================================
// Replay Command Flags
// =============================================================================

var (
	replayOnly       string
	replaySnapshotDB string
	replayInterval   int
	replayAt         uint64
	replayJSON       bool
)

var replayCmd = &cobra.Command{
	Use:   "replay <script>",
	Short: "Replay an operation script",
	Long: `Replay a YAML or JSON script of document operations through the engine and
print each document's final content, checksum, conflicts and metrics.

A script lists the initial documents and the operations in arrival order:

  documents:
    - id: notes
      content: "abc"
  operations:
    - documentId: notes
      userId: alice
      type: insert
      position: 1
      content: "X"
      vectorClock: {alice: 1}

Examples:
  weft replay session.yaml
  weft replay --only 'notes-*' session.yaml
  weft replay --snapshot-db ./snapshots.db --snapshot-interval 10 session.yaml
  weft replay --at 3 --json session.yaml`,
	Args: cobra.ExactArgs(1),
	RunE: runReplay,
}

func init() {
	rootCmd.AddCommand(replayCmd)

	replayCmd.Flags().StringVar(&replayOnly, "only", "", "Only replay documents whose id matches this glob")
	replayCmd.Flags().StringVar(&replaySnapshotDB, "snapshot-db", "", "Keep snapshots in this SQLite database ('project' for the per-project default)")
	replayCmd.Flags().IntVar(&replayInterval, "snapshot-interval", -1, "Snapshot every N operations (default from config)")
	replayCmd.Flags().Uint64Var(&replayAt, "at", 0, "Also reconstruct each document after this many operations")
	replayCmd.Flags().BoolVar(&replayJSON, "json", false, "Output the report as JSON")
}

// =============================================================================
// Script
// =============================================================================

type replayScript struct {
	Documents  []scriptDocument `yaml:"documents"`
	Operations []ot.Operation   `yaml:"operations"`
}

type scriptDocument struct {
	ID      string `yaml:"id"`
	Content string `yaml:"content"`
}

// parseScript reads a replay script. JSON scripts parse as YAML.
func parseScript(data []byte) (*replayScript, error) {
	var script replayScript
	if err := yaml.Unmarshal(data, &script); err != nil {
		return nil, fmt.Errorf("parse script: %w", err)
	}
	for i := range script.Operations {
		op := &script.Operations[i]
		if op.ID == "" {
			op.ID = uuid.NewString()
		}
		if op.Metadata.Priority == "" {
			op.Metadata.Priority = ot.PriorityNormal
		}
	}
	return &script, nil
}

// filter keeps the documents and operations whose document id matches g.
func (s *replayScript) filter(g glob.Glob) *replayScript {
	if g == nil {
		return s
	}
	out := &replayScript{}
	for _, doc := range s.Documents {
		if g.Match(doc.ID) {
			out.Documents = append(out.Documents, doc)
		}
	}
	for _, op := range s.Operations {
		if g.Match(op.DocumentID) {
			out.Operations = append(out.Operations, op)
		}
	}
	return out
}

// =============================================================================
// Report
// =============================================================================

type replayReport struct {
	Documents []documentReport `json:"documents"`
}

type documentReport struct {
	ID             string                   `json:"id"`
	Content        string                   `json:"content"`
	Checksum       string                   `json:"checksum"`
	OperationCount uint64                   `json:"operationCount"`
	Snapshots      int                      `json:"snapshots"`
	Conflicts      []ot.DocumentConflict    `json:"conflicts"`
	Metrics        *metrics.DocumentMetrics `json:"metrics,omitempty"`
	Reconstructed  *string                  `json:"reconstructed,omitempty"`
}

// =============================================================================
// Replay Execution
// =============================================================================

func runReplay(cmd *cobra.Command, args []string) error {
	data, err := os.ReadFile(args[0])
	if err != nil {
		return fmt.Errorf("read script: %w", err)
	}
	script, err := parseScript(data)
	if err != nil {
		return err
	}

	if replayOnly != "" {
		g, err := glob.Compile(replayOnly)
		if err != nil {
			return fmt.Errorf("invalid --only pattern: %w", err)
		}
		script = script.filter(g)
	}

	cfg := *configManager.Get()
	if replaySnapshotDB != "" {
		path, err := resolveSnapshotDB(replaySnapshotDB, rootProject)
		if err != nil {
			return err
		}
		cfg.Snapshot.Database = path
	}
	if replayInterval >= 0 {
		cfg.Snapshot.Interval = uint64(replayInterval)
	}

	env, err := newReplayEnv(&cfg, slog.Default())
	if err != nil {
		return err
	}
	defer env.Close()

	watchCtx, stopWatch := context.WithCancel(cmd.Context())
	defer stopWatch()
	go func() {
		if err := configManager.Watch(watchCtx); err != nil && !errors.Is(err, context.Canceled) {
			slog.Warn("config watch stopped", "error", err)
		}
	}()

	var at *uint64
	if cmd.Flags().Changed("at") {
		at = &replayAt
	}

	report, err := env.replay(cmd.Context(), script, at)
	if err != nil {
		return err
	}
	if replayJSON {
		encoder := json.NewEncoder(cmd.OutOrStdout())
		encoder.SetIndent("", "  ")
		return encoder.Encode(report)
	}
	writeReport(cmd.OutOrStdout(), report)
	return nil
}

// replayEnv wires a document host to the configured snapshot store and
// metrics collector.
type replayEnv struct {
	host      *document.Host
	snapshots *snapshot.Manager
	collector *metrics.Collector
	closers   []func()
}

func newReplayEnv(cfg *config.Config, logger *slog.Logger) (*replayEnv, error) {
	if logger == nil {
		logger = slog.Default()
	}
	compression, err := snapshot.ParseCompression(cfg.Snapshot.Compression)
	if err != nil {
		return nil, err
	}
	codec, err := snapshot.NewCodec(compression)
	if err != nil {
		return nil, err
	}
	env := &replayEnv{closers: []func(){codec.Close}}

	var store snapshot.Store = snapshot.NewMemoryStore()
	if cfg.Snapshot.Database != "" {
		sqlite, err := snapshot.NewSQLiteStore(cfg.Snapshot.Database, codec)
		if err != nil {
			env.Close()
			return nil, err
		}
		env.closers = append(env.closers, func() { sqlite.Close() })
		store = sqlite
	}

	env.snapshots = snapshot.NewManager(store,
		snapshot.WithMaxSnapshots(cfg.Snapshot.MaxSnapshots),
		snapshot.WithCodec(codec),
		snapshot.WithLogger(logger))

	env.collector, err = metrics.NewCollector(
		metrics.WithSlowThreshold(cfg.Metrics.SlowTransformThreshold),
		metrics.WithIterationThreshold(cfg.Metrics.HighIterationThreshold),
		metrics.WithWindow(cfg.Metrics.Window),
		metrics.WithLogger(logger))
	if err != nil {
		env.Close()
		return nil, err
	}

	env.host = document.NewHost(hostConfig(cfg),
		document.WithSnapshots(env.snapshots),
		document.WithMetrics(env.collector),
		document.WithLogger(logger))
	return env, nil
}

func hostConfig(cfg *config.Config) document.Config {
	return document.Config{
		MaxTransformIterations:  cfg.Engine.MaxTransformIterations,
		OptimisticTransform:     cfg.Engine.OptimisticTransform,
		ResolutionStrategy:      ot.ResolutionStrategy(cfg.Engine.ResolutionStrategy),
		MaxOperationHistorySize: cfg.Engine.MaxOperationHistorySize,
		SnapshotInterval:        cfg.Snapshot.Interval,
		JournalSize:             cfg.Engine.JournalSize,
		QueueSize:               cfg.Engine.QueueSize,
	}
}

func (e *replayEnv) Close() {
	if e.host != nil {
		e.host.Close()
	}
	for i := len(e.closers) - 1; i >= 0; i-- {
		e.closers[i]()
	}
}

func (e *replayEnv) replay(ctx context.Context, script *replayScript, at *uint64) (*replayReport, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	for _, doc := range script.Documents {
		if err := e.host.Open(doc.ID, doc.Content); err != nil {
			return nil, err
		}
	}

	results, err := e.host.SubmitBatch(ctx, script.Operations)
	if err != nil {
		return nil, err
	}

	conflicts := make(map[string][]ot.DocumentConflict)
	for _, applied := range results {
		doc := applied.Operation.DocumentID
		conflicts[doc] = append(conflicts[doc], applied.Conflicts...)
	}

	report := &replayReport{Documents: []documentReport{}}
	for _, id := range e.host.Documents() {
		s, count, err := e.host.State(ctx, id)
		if err != nil {
			return nil, err
		}
		dr := documentReport{
			ID:             id,
			Content:        s.Content,
			Checksum:       s.Checksum,
			OperationCount: count,
			Conflicts:      conflicts[id],
		}
		if dr.Conflicts == nil {
			dr.Conflicts = []ot.DocumentConflict{}
		}
		if m, ok := e.collector.Get(id); ok {
			dr.Metrics = m
		}
		if dr.Snapshots, err = e.snapshots.Count(ctx, id); err != nil {
			return nil, err
		}
		if at != nil && *at <= count {
			past, err := e.host.Reconstruct(ctx, id, *at)
			if err != nil {
				return nil, fmt.Errorf("reconstruct %s at %d: %w", id, *at, err)
			}
			dr.Reconstructed = &past.Content
		}
		report.Documents = append(report.Documents, dr)
	}
	return report, nil
}

// =============================================================================
// Output Formatting
// =============================================================================

func writeReport(w io.Writer, report *replayReport) {
	if len(report.Documents) == 0 {
		fmt.Fprintln(w, "No documents replayed.")
		return
	}
	for i, doc := range report.Documents {
		if i > 0 {
			fmt.Fprintln(w)
		}
		fmt.Fprintf(w, "%s\n", doc.ID)
		fmt.Fprintf(w, "  content:    %q\n", doc.Content)
		fmt.Fprintf(w, "  checksum:   %s\n", doc.Checksum)
		fmt.Fprintf(w, "  operations: %d\n", doc.OperationCount)
		fmt.Fprintf(w, "  snapshots:  %d\n", doc.Snapshots)
		fmt.Fprintf(w, "  conflicts:  %d\n", len(doc.Conflicts))
		for _, c := range doc.Conflicts {
			fmt.Fprintf(w, "    - line %d col %d: %q vs %q (confidence %.2f, impact %d)\n",
				c.Position.Line, c.Position.Column,
				c.SourceContent, c.TargetContent,
				c.Metadata.Confidence, c.Metadata.ImpactScore)
		}
		if m := doc.Metrics; m != nil {
			fmt.Fprintf(w, "  transforms: %d (avg %v, max %v, conflict rate %.2f)\n",
				m.TotalTransformations, m.AverageTransformationTime,
				m.MaxTransformationTime, m.ConflictRate)
		}
		if doc.Reconstructed != nil {
			fmt.Fprintf(w, "  reconstructed: %q\n", *doc.Reconstructed)
		}
	}
}

// resolveSnapshotDB maps --snapshot-db=project to the per-project database
// under the user's data directory.
func resolveSnapshotDB(flag, project string) (string, error) {
	if !strings.EqualFold(flag, "project") {
		return flag, nil
	}
	dirs, err := storage.ResolveDirs()
	if err != nil {
		return "", err
	}
	return dirs.SnapshotDB(project), nil
}
