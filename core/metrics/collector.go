// Package metrics keeps per-document statistics about transformation cost.
package metrics

import (
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"gonum.org/v1/gonum/stat"

	"github.com/adalundhe/weft/core/ot"
)

// =============================================================================
// Defaults
// =============================================================================

const (
	DefaultSlowTransformThreshold = time.Second
	DefaultHighIterationThreshold = 100
	DefaultWindowSize             = 256
)

// =============================================================================
// DocumentMetrics
// =============================================================================

// DocumentMetrics is a point-in-time copy of one document's statistics.
type DocumentMetrics struct {
	DocumentID string `json:"documentId"`

	TotalTransformations     int64         `json:"totalTransformations"`
	TotalTransformationTime  time.Duration `json:"totalTransformationTime"`
	TotalIterations          int64         `json:"totalIterations"`
	TotalConflicts           int64         `json:"totalConflicts"`
	OptimizedTransformations int64         `json:"optimizedTransformations"`
	SlowTransformations      int64         `json:"slowTransformations"`

	AverageTransformationTime time.Duration `json:"averageTransformationTime"`
	AverageIterationCount     float64       `json:"averageIterationCount"`
	AverageConflictCount      float64       `json:"averageConflictCount"`
	ConflictRate              float64       `json:"conflictRate"`
	MaxTransformationTime     time.Duration `json:"maxTransformationTime"`

	// Computed over the most recent window of transformations.
	RecentStdDev time.Duration `json:"recentStdDev"`
	RecentP95    time.Duration `json:"recentP95"`

	LastUpdated time.Time `json:"lastUpdated"`
}

type documentMetrics struct {
	mu     sync.Mutex
	totals DocumentMetrics
	recent []float64
	next   int
}

// =============================================================================
// Collector
// =============================================================================

// Collector aggregates transformation metrics per document. Each document has
// its own lock, so recording for different documents never contends.
type Collector struct {
	docs sync.Map

	slowThreshold      time.Duration
	iterationThreshold int
	window             int
	logger             *slog.Logger
	now                func() time.Time
	registerer         prometheus.Registerer
	prom               *promMetrics
}

type Option func(*Collector)

func WithSlowThreshold(d time.Duration) Option {
	return func(c *Collector) {
		if d > 0 {
			c.slowThreshold = d
		}
	}
}

func WithIterationThreshold(n int) Option {
	return func(c *Collector) {
		if n > 0 {
			c.iterationThreshold = n
		}
	}
}

func WithWindow(n int) Option {
	return func(c *Collector) {
		if n > 0 {
			c.window = n
		}
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(c *Collector) {
		if logger != nil {
			c.logger = logger
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(c *Collector) {
		if now != nil {
			c.now = now
		}
	}
}

// WithRegisterer exports the collector's series to a Prometheus registry.
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(c *Collector) {
		c.registerer = reg
	}
}

func NewCollector(opts ...Option) (*Collector, error) {
	c := &Collector{
		slowThreshold:      DefaultSlowTransformThreshold,
		iterationThreshold: DefaultHighIterationThreshold,
		window:             DefaultWindowSize,
		logger:             slog.Default(),
		now:                time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}

	if c.registerer != nil {
		prom, err := registerPromMetrics(c.registerer)
		if err != nil {
			return nil, err
		}
		c.prom = prom
	}
	return c, nil
}

var _ ot.Recorder = (*Collector)(nil)

// RecordTransformation folds one transformation into the document's totals.
// Records for one document are expected from a single goroutine; a record
// that races Reset for the same document may land in the dropped totals and
// be lost.
func (c *Collector) RecordTransformation(documentID string, m ot.PerformanceMetrics) {
	dm := c.document(documentID)

	dm.mu.Lock()
	c.accumulate(dm, m)
	dm.mu.Unlock()

	c.warnIfExpensive(documentID, m)
	if c.prom != nil {
		c.prom.observe(documentID, m)
	}
}

func (c *Collector) document(documentID string) *documentMetrics {
	if existing, ok := c.docs.Load(documentID); ok {
		return existing.(*documentMetrics)
	}
	created := &documentMetrics{
		totals: DocumentMetrics{DocumentID: documentID},
		recent: make([]float64, 0, c.window),
	}
	actual, _ := c.docs.LoadOrStore(documentID, created)
	return actual.(*documentMetrics)
}

func (c *Collector) accumulate(dm *documentMetrics, m ot.PerformanceMetrics) {
	t := &dm.totals
	t.TotalTransformations++
	t.TotalTransformationTime += m.TransformationTime
	t.TotalIterations += int64(m.IterationCount)
	t.TotalConflicts += int64(m.ConflictCount)
	if m.OptimizationApplied {
		t.OptimizedTransformations++
	}
	if m.TransformationTime > c.slowThreshold {
		t.SlowTransformations++
	}
	if m.TransformationTime > t.MaxTransformationTime {
		t.MaxTransformationTime = m.TransformationTime
	}
	t.LastUpdated = c.now()

	sample := float64(m.TransformationTime)
	if len(dm.recent) < c.window {
		dm.recent = append(dm.recent, sample)
	} else {
		dm.recent[dm.next] = sample
	}
	dm.next = (dm.next + 1) % c.window
}

func (c *Collector) warnIfExpensive(documentID string, m ot.PerformanceMetrics) {
	if m.TransformationTime > c.slowThreshold {
		c.logger.Warn("slow transformation",
			"document", documentID,
			"duration", m.TransformationTime,
			"threshold", c.slowThreshold,
			"iterations", m.IterationCount)
	}
	if m.IterationCount > c.iterationThreshold {
		c.logger.Warn("high transformation iteration count",
			"document", documentID,
			"iterations", m.IterationCount,
			"threshold", c.iterationThreshold)
	}
}

// Get returns a copy of the document's metrics with derived values filled in.
func (c *Collector) Get(documentID string) (*DocumentMetrics, bool) {
	existing, ok := c.docs.Load(documentID)
	if !ok {
		return nil, false
	}
	dm := existing.(*documentMetrics)

	dm.mu.Lock()
	defer dm.mu.Unlock()

	snapshot := dm.totals
	derive(&snapshot, dm.recent)
	return &snapshot, true
}

func derive(m *DocumentMetrics, recent []float64) {
	n := m.TotalTransformations
	if n == 0 {
		return
	}
	m.AverageTransformationTime = time.Duration(float64(m.TotalTransformationTime) / float64(n))
	m.AverageIterationCount = float64(m.TotalIterations) / float64(n)
	m.AverageConflictCount = float64(m.TotalConflicts) / float64(n)
	m.ConflictRate = float64(m.TotalConflicts) / float64(n)

	if len(recent) > 1 {
		m.RecentStdDev = time.Duration(stat.StdDev(recent, nil))
	}
	sorted := append([]float64(nil), recent...)
	sort.Float64s(sorted)
	m.RecentP95 = time.Duration(stat.Quantile(0.95, stat.Empirical, sorted, nil))
}

// Reset drops everything recorded for the document. It is not ordered with
// a concurrent RecordTransformation for that document.
func (c *Collector) Reset(documentID string) {
	c.docs.Delete(documentID)
	if c.prom != nil {
		c.prom.forget(documentID)
	}
}

// Documents lists the documents with recorded metrics, sorted.
func (c *Collector) Documents() []string {
	var ids []string
	c.docs.Range(func(key, _ any) bool {
		ids = append(ids, key.(string))
		return true
	})
	sort.Strings(ids)
	return ids
}
