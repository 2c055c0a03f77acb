package ot

import (
	"log/slog"
	"time"
)

const DefaultMaxTransformIterations = 1000

// Context is the causally-concurrent frontier an incoming operation is
// transformed against. Content is optional and only used to place conflicts.
type Context struct {
	PendingOperations []Operation
	Content           string
}

type PerformanceMetrics struct {
	TransformationTime  time.Duration `json:"transformationTime"`
	IterationCount      int           `json:"iterationCount"`
	ConflictCount       int           `json:"conflictCount"`
	OptimizationApplied bool          `json:"optimizationApplied"`
}

type TransformationResult struct {
	TransformedOperation Operation          `json:"transformedOperation"`
	Conflicts            []DocumentConflict `json:"conflicts"`
	PerformanceMetrics   PerformanceMetrics `json:"performanceMetrics"`
}

// Recorder receives the cost of every successful transformation.
type Recorder interface {
	RecordTransformation(documentID string, m PerformanceMetrics)
}

type Transformer struct {
	maxIterations int
	optimistic    bool
	strategy      ResolutionStrategy
	recorder      Recorder
	logger        *slog.Logger
	now           func() time.Time
	detector      *ConflictDetector
}

type TransformerOption func(*Transformer)

func WithMaxIterations(n int) TransformerOption {
	return func(t *Transformer) {
		if n > 0 {
			t.maxIterations = n
		}
	}
}

func WithOptimisticTransform(enabled bool) TransformerOption {
	return func(t *Transformer) {
		t.optimistic = enabled
	}
}

func WithResolutionStrategy(s ResolutionStrategy) TransformerOption {
	return func(t *Transformer) {
		t.strategy = s
	}
}

func WithRecorder(r Recorder) TransformerOption {
	return func(t *Transformer) {
		t.recorder = r
	}
}

func WithLogger(logger *slog.Logger) TransformerOption {
	return func(t *Transformer) {
		if logger != nil {
			t.logger = logger
		}
	}
}

func WithClock(now func() time.Time) TransformerOption {
	return func(t *Transformer) {
		if now != nil {
			t.now = now
		}
	}
}

func NewTransformer(opts ...TransformerOption) *Transformer {
	t := &Transformer{
		maxIterations: DefaultMaxTransformIterations,
		optimistic:    true,
		strategy:      ResolutionAutomatic,
		logger:        slog.Default(),
		now:           time.Now,
	}
	for _, opt := range opts {
		opt(t)
	}
	t.detector = NewConflictDetector(t.strategy, t.now)
	return t
}

// TransformOperation rewrites op against every pending operation it is
// concurrent with, in context order. op is not modified.
func (t *Transformer) TransformOperation(op Operation, ctx Context) (*TransformationResult, error) {
	start := t.now()
	concurrent := ConcurrentOperations(op, ctx)

	if t.optimistic && len(concurrent) == 0 {
		return t.finish(op, op, nil, PerformanceMetrics{OptimizationApplied: true}, start)
	}

	current := op.Clone()
	var conflicts []DocumentConflict
	iterations := 0

	for _, against := range concurrent {
		iterations++
		if iterations > t.maxIterations {
			t.logger.Error("transform iteration bound exceeded",
				"document", op.DocumentID,
				"operation", op.ID,
				"limit", t.maxIterations,
				"concurrent", len(concurrent))
			return nil, &IterationBoundError{Limit: t.maxIterations, Iterations: iterations}
		}

		next, _, err := Transform(current, against)
		if err != nil {
			return nil, err
		}
		if conflict := t.detector.Detect(current, next, against, ctx.Content); conflict != nil {
			conflicts = append(conflicts, *conflict)
		}
		current = next
	}

	perf := PerformanceMetrics{IterationCount: iterations, ConflictCount: len(conflicts)}
	return t.finish(op, current, conflicts, perf, start)
}

func (t *Transformer) finish(original, transformed Operation, conflicts []DocumentConflict, perf PerformanceMetrics, start time.Time) (*TransformationResult, error) {
	if err := ValidateTransformed(original, transformed); err != nil {
		t.logger.Warn("transformed operation rejected",
			"document", original.DocumentID,
			"operation", original.ID,
			"error", err)
		return nil, err
	}

	perf.TransformationTime = t.now().Sub(start)
	if conflicts == nil {
		conflicts = []DocumentConflict{}
	}
	if t.recorder != nil {
		t.recorder.RecordTransformation(original.DocumentID, perf)
	}

	return &TransformationResult{
		TransformedOperation: transformed,
		Conflicts:            conflicts,
		PerformanceMetrics:   perf,
	}, nil
}

func (t *Transformer) MaxIterations() int {
	return t.maxIterations
}
