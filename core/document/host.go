// Package document hosts documents for a collaboration session. Every
// document is owned by one actor goroutine that serializes its operations;
// different documents proceed in parallel without sharing locks.
package document

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/adalundhe/weft/core/metrics"
	"github.com/adalundhe/weft/core/ot"
	"github.com/adalundhe/weft/core/snapshot"
	"github.com/adalundhe/weft/core/state"
)

// =============================================================================
// Errors
// =============================================================================

var (
	ErrHostClosed       = errors.New("document host is closed")
	ErrDocumentExists   = errors.New("document already open")
	ErrDocumentNotFound = errors.New("document not found")
	ErrMissingDocument  = errors.New("operation has no document id")
	ErrFutureOperation  = errors.New("operation count is ahead of the document")
)

// =============================================================================
// Configuration
// =============================================================================

const (
	DefaultSnapshotInterval = 100
	DefaultQueueSize        = 64
)

// Config tunes how each document is processed.
type Config struct {
	MaxTransformIterations  int
	OptimisticTransform     bool
	ResolutionStrategy      ot.ResolutionStrategy
	MaxOperationHistorySize int

	// SnapshotInterval takes a snapshot every N applied operations. Zero
	// disables automatic snapshots.
	SnapshotInterval uint64
	JournalSize      int
	QueueSize        int
}

func DefaultConfig() Config {
	return Config{
		MaxTransformIterations:  ot.DefaultMaxTransformIterations,
		OptimisticTransform:     true,
		ResolutionStrategy:      ot.ResolutionAutomatic,
		MaxOperationHistorySize: state.DefaultMaxOperationHistorySize,
		SnapshotInterval:        DefaultSnapshotInterval,
		JournalSize:             DefaultJournalSize,
		QueueSize:               DefaultQueueSize,
	}
}

func normalizeConfig(cfg Config) Config {
	defaults := DefaultConfig()
	if cfg.MaxTransformIterations <= 0 {
		cfg.MaxTransformIterations = defaults.MaxTransformIterations
	}
	if !cfg.ResolutionStrategy.Valid() {
		cfg.ResolutionStrategy = defaults.ResolutionStrategy
	}
	if cfg.MaxOperationHistorySize <= 0 {
		cfg.MaxOperationHistorySize = defaults.MaxOperationHistorySize
	}
	if cfg.JournalSize <= 0 {
		cfg.JournalSize = defaults.JournalSize
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = defaults.QueueSize
	}
	return cfg
}

// =============================================================================
// Results
// =============================================================================

// Applied describes an operation after it was transformed and applied.
type Applied struct {
	Operation      ot.Operation
	Conflicts      []ot.DocumentConflict
	Metrics        ot.PerformanceMetrics
	State          state.DocumentState
	OperationCount uint64
	Snapshot       *snapshot.StateSnapshot
}

// =============================================================================
// Host
// =============================================================================

type Host struct {
	cfg         Config
	transformer *ot.Transformer
	snapshots   *snapshot.Manager
	metrics     *metrics.Collector
	logger      *slog.Logger

	docs    sync.Map
	openMu  sync.Mutex
	stop    chan struct{}
	stopped sync.Once
	wg      sync.WaitGroup
}

type HostOption func(*Host)

func WithLogger(logger *slog.Logger) HostOption {
	return func(h *Host) {
		if logger != nil {
			h.logger = logger
		}
	}
}

// WithSnapshots enables snapshotting and reconstruction from snapshots.
func WithSnapshots(m *snapshot.Manager) HostOption {
	return func(h *Host) {
		h.snapshots = m
	}
}

// WithMetrics records every transformation into c.
func WithMetrics(c *metrics.Collector) HostOption {
	return func(h *Host) {
		h.metrics = c
	}
}

func NewHost(cfg Config, opts ...HostOption) *Host {
	h := &Host{
		cfg:    normalizeConfig(cfg),
		logger: slog.Default(),
		stop:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(h)
	}

	topts := []ot.TransformerOption{
		ot.WithMaxIterations(h.cfg.MaxTransformIterations),
		ot.WithOptimisticTransform(h.cfg.OptimisticTransform),
		ot.WithResolutionStrategy(h.cfg.ResolutionStrategy),
		ot.WithLogger(h.logger),
	}
	if h.metrics != nil {
		topts = append(topts, ot.WithRecorder(h.metrics))
	}
	h.transformer = ot.NewTransformer(topts...)
	return h
}

func (h *Host) closed() bool {
	select {
	case <-h.stop:
		return true
	default:
		return false
	}
}

// Open starts hosting documentID with the given initial content.
func (h *Host) Open(documentID, content string) error {
	if documentID == "" {
		return ErrMissingDocument
	}

	h.openMu.Lock()
	defer h.openMu.Unlock()

	if h.closed() {
		return ErrHostClosed
	}
	if _, exists := h.docs.Load(documentID); exists {
		return fmt.Errorf("%w: %s", ErrDocumentExists, documentID)
	}
	_, err := h.start(context.Background(), documentID, content)
	return err
}

// start launches the document's actor. Snapshots left in the store by an
// earlier session describe a different history, so they are dropped first.
func (h *Host) start(ctx context.Context, documentID, content string) (*actor, error) {
	if h.snapshots != nil {
		if err := h.snapshots.Forget(ctx, documentID); err != nil {
			return nil, fmt.Errorf("forget snapshots of %s: %w", documentID, err)
		}
	}

	a, err := newActor(documentID, content, h.cfg)
	if err != nil {
		return nil, err
	}
	h.docs.Store(documentID, a)

	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		defer close(a.exited)
		a.run(h.stop)
	}()

	h.logger.Debug("document opened", "document", documentID)
	return a, nil
}

// lookup returns the document's actor, starting an empty document when
// create is set.
func (h *Host) lookup(ctx context.Context, documentID string, create bool) (*actor, error) {
	if existing, ok := h.docs.Load(documentID); ok {
		return existing.(*actor), nil
	}
	if !create {
		return nil, fmt.Errorf("%w: %s", ErrDocumentNotFound, documentID)
	}

	h.openMu.Lock()
	defer h.openMu.Unlock()

	if h.closed() {
		return nil, ErrHostClosed
	}
	if existing, ok := h.docs.Load(documentID); ok {
		return existing.(*actor), nil
	}
	return h.start(ctx, documentID, "")
}

// do runs fn on the document's actor and waits for it. Once queued, a task
// always reports its real outcome: a task whose ctx is already done when the
// actor reaches it is skipped and returns ctx.Err().
func (h *Host) do(ctx context.Context, documentID string, create bool, fn func(a *actor) error) error {
	if h.closed() {
		return ErrHostClosed
	}
	a, err := h.lookup(ctx, documentID, create)
	if err != nil {
		return err
	}

	done := make(chan error, 1)
	task := func() {
		if err := ctx.Err(); err != nil {
			done <- err
			return
		}
		done <- fn(a)
	}

	select {
	case a.tasks <- task:
	case <-ctx.Done():
		return ctx.Err()
	case <-h.stop:
		return ErrHostClosed
	}

	select {
	case err := <-done:
		return err
	case <-a.exited:
		select {
		case err := <-done:
			return err
		default:
			return ErrHostClosed
		}
	}
}

// Submit transforms op against the operations it is concurrent with, applies
// it, and checkpoints when the snapshot interval is reached. A rejected
// operation leaves the document unchanged.
func (h *Host) Submit(ctx context.Context, op ot.Operation) (*Applied, error) {
	if op.DocumentID == "" {
		return nil, ErrMissingDocument
	}

	var applied *Applied
	err := h.do(ctx, op.DocumentID, true, func(a *actor) error {
		result, err := h.apply(ctx, a, op)
		applied = result
		return err
	})
	if err != nil {
		return nil, err
	}
	return applied, nil
}

func (h *Host) apply(ctx context.Context, a *actor, op ot.Operation) (*Applied, error) {
	result, err := h.transformer.TransformOperation(op, ot.Context{
		PendingOperations: a.frontier,
		Content:           a.state.Content,
	})
	if err != nil {
		return nil, fmt.Errorf("transform %s: %w", op.ID, err)
	}

	transformed := result.TransformedOperation
	next, err := a.engine.Apply(a.state, transformed)
	if err != nil {
		return nil, fmt.Errorf("apply %s: %w", op.ID, err)
	}
	count, err := a.journal.Append(transformed)
	if err != nil {
		return nil, fmt.Errorf("journal %s: %w", op.ID, err)
	}

	a.commit(next, transformed, count)

	applied := &Applied{
		Operation:      transformed,
		Conflicts:      result.Conflicts,
		Metrics:        result.PerformanceMetrics,
		State:          next.Clone(),
		OperationCount: count,
	}
	applied.Snapshot = h.maybeSnapshot(ctx, a)

	if len(result.Conflicts) > 0 {
		h.logger.Info("operation transformed with conflicts",
			"document", a.id,
			"operation", op.ID,
			"conflicts", len(result.Conflicts))
	}
	return applied, nil
}

func (h *Host) maybeSnapshot(ctx context.Context, a *actor) *snapshot.StateSnapshot {
	if h.snapshots == nil || h.cfg.SnapshotInterval == 0 || a.count%h.cfg.SnapshotInterval != 0 {
		return nil
	}

	snap, err := h.snapshots.Create(ctx, a.id, a.state, a.count)
	if err != nil {
		h.logger.Warn("snapshot failed",
			"document", a.id,
			"operation_count", a.count,
			"error", err)
		return nil
	}
	return snap
}

// SubmitBatch submits ops in order per document while different documents
// are processed concurrently. Results line up with ops. The first failure
// cancels the remaining work.
func (h *Host) SubmitBatch(ctx context.Context, ops []ot.Operation) ([]*Applied, error) {
	results := make([]*Applied, len(ops))
	groups := make(map[string][]int)
	var order []string
	for i, op := range ops {
		if op.DocumentID == "" {
			return nil, fmt.Errorf("operation %d: %w", i, ErrMissingDocument)
		}
		if _, seen := groups[op.DocumentID]; !seen {
			order = append(order, op.DocumentID)
		}
		groups[op.DocumentID] = append(groups[op.DocumentID], i)
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, documentID := range order {
		indices := groups[documentID]
		g.Go(func() error {
			for _, i := range indices {
				applied, err := h.Submit(gctx, ops[i])
				if err != nil {
					return fmt.Errorf("operation %d: %w", i, err)
				}
				results[i] = applied
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return results, err
	}
	return results, nil
}

// State returns a copy of the document's current state and operation count.
func (h *Host) State(ctx context.Context, documentID string) (state.DocumentState, uint64, error) {
	var (
		s     state.DocumentState
		count uint64
	)
	err := h.do(ctx, documentID, false, func(a *actor) error {
		s, count = a.state.Clone(), a.count
		return nil
	})
	return s, count, err
}

// Snapshot forces a snapshot of the document's current state.
func (h *Host) Snapshot(ctx context.Context, documentID string) (*snapshot.StateSnapshot, error) {
	if h.snapshots == nil {
		return nil, errors.New("snapshots are not configured")
	}
	var snap *snapshot.StateSnapshot
	err := h.do(ctx, documentID, false, func(a *actor) error {
		var err error
		snap, err = h.snapshots.Create(ctx, a.id, a.state, a.count)
		return err
	})
	return snap, err
}

// Reconstruct rebuilds the document as it was after operationCount
// operations, starting from the best snapshot and replaying the journal.
func (h *Host) Reconstruct(ctx context.Context, documentID string, operationCount uint64) (state.DocumentState, error) {
	var result state.DocumentState
	err := h.do(ctx, documentID, false, func(a *actor) error {
		if operationCount > a.count {
			return fmt.Errorf("%w: %d > %d", ErrFutureOperation, operationCount, a.count)
		}

		base, from := a.initial.Clone(), uint64(0)
		if h.snapshots != nil {
			snap, err := h.snapshots.AtOrBefore(ctx, a.id, operationCount)
			if err != nil {
				return err
			}
			if snap != nil {
				base, from = snap.State, snap.OperationCount
			}
		}

		ops, err := a.journal.Range(from, operationCount)
		if err != nil {
			return err
		}

		replayer, err := state.NewEngine(state.WithMaxHistory(h.cfg.MaxOperationHistorySize), state.WithLogger(h.logger))
		if err != nil {
			return err
		}
		result, err = replayer.Replay(base, ops)
		if err != nil {
			return err
		}
		h.logger.Debug("document reconstructed",
			"document", a.id,
			"operation_count", operationCount,
			"from_snapshot", from,
			"replayed", len(ops))
		return nil
	})
	return result, err
}

// CachedOperation returns an applied operation the document still caches.
func (h *Host) CachedOperation(ctx context.Context, documentID, operationID string) (ot.Operation, bool, error) {
	var (
		op    ot.Operation
		found bool
	)
	err := h.do(ctx, documentID, false, func(a *actor) error {
		op, found = a.engine.CachedOperation(operationID)
		return nil
	})
	return op, found, err
}

// Documents lists hosted document ids, sorted.
func (h *Host) Documents() []string {
	var ids []string
	h.docs.Range(func(key, _ any) bool {
		ids = append(ids, key.(string))
		return true
	})
	sort.Strings(ids)
	return ids
}

// Close stops every document actor and waits for them to exit.
func (h *Host) Close() error {
	h.openMu.Lock()
	h.stopped.Do(func() { close(h.stop) })
	h.openMu.Unlock()

	h.wg.Wait()
	h.docs.Range(func(_, value any) bool {
		value.(*actor).journal.Close()
		return true
	})
	return nil
}
