package state

import (
	"fmt"
	"log/slog"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/adalundhe/weft/core/ot"
)

const DefaultMaxOperationHistorySize = 1000

// Engine applies operations to DocumentState values. It caches applied
// operations by id for replay and debugging. An Engine belongs to a single
// document owner and must not be shared across goroutines without external
// serialization.
type Engine struct {
	maxHistory int
	cache      *lru.Cache[string, ot.Operation]
	logger     *slog.Logger
}

type Option func(*Engine)

func WithMaxHistory(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.maxHistory = n
		}
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) {
		if logger != nil {
			e.logger = logger
		}
	}
}

func NewEngine(opts ...Option) (*Engine, error) {
	e := &Engine{
		maxHistory: DefaultMaxOperationHistorySize,
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}

	// one slot above the eviction threshold so the overflow is observable
	cache, err := lru.New[string, ot.Operation](e.cacheThreshold() + 1)
	if err != nil {
		return nil, fmt.Errorf("operation cache: %w", err)
	}
	e.cache = cache
	return e, nil
}

func (e *Engine) cacheThreshold() int {
	return e.maxHistory * 2
}

// Apply returns the state that results from applying op to s. s is never
// modified; an invalid op leaves the caller's state as it was.
func (e *Engine) Apply(s DocumentState, op ot.Operation) (DocumentState, error) {
	if err := ot.Validate(op); err != nil {
		return DocumentState{}, err
	}

	next := DocumentState{
		Content:             applyContent(s.Content, op),
		VectorClock:         ot.UpdateVectorClock(s.VectorClock, op),
		OperationHistory:    e.appendHistory(s.OperationHistory, op.ID),
		LastSyncedOperation: op.ID,
	}
	next.Checksum = Checksum(next.Content)

	e.remember(op)
	return next, nil
}

// Replay applies ops in order starting from s.
func (e *Engine) Replay(s DocumentState, ops []ot.Operation) (DocumentState, error) {
	current := s
	for i, op := range ops {
		next, err := e.Apply(current, op)
		if err != nil {
			return DocumentState{}, fmt.Errorf("replay operation %d (%s): %w", i, op.ID, err)
		}
		current = next
	}
	return current, nil
}

func applyContent(content string, op ot.Operation) string {
	switch op.Type {
	case ot.OpInsert:
		runes := []rune(content)
		pos := clamp(op.Position, 0, len(runes))
		return string(runes[:pos]) + op.Content + string(runes[pos:])
	case ot.OpDelete:
		runes := []rune(content)
		start := clamp(op.Position, 0, len(runes))
		end := clamp(op.End(), start, len(runes))
		return string(runes[:start]) + string(runes[end:])
	default:
		return content
	}
}

func clamp(v, lo, hi int) int {
	return min(max(v, lo), hi)
}

func (e *Engine) appendHistory(history []string, id string) []string {
	start := 0
	if overflow := len(history) + 1 - e.maxHistory; overflow > 0 {
		start = overflow
	}
	result := make([]string, 0, len(history)-start+1)
	result = append(result, history[start:]...)
	return append(result, id)
}

func (e *Engine) remember(op ot.Operation) {
	e.cache.Add(op.ID, op.Clone())
	if e.cache.Len() <= e.cacheThreshold() {
		return
	}

	evict := e.cache.Len() / 2
	for i := 0; i < evict; i++ {
		e.cache.RemoveOldest()
	}
	e.logger.Debug("operation cache trimmed", "evicted", evict, "remaining", e.cache.Len())
}

// CachedOperation looks up a previously applied operation without touching
// its recency.
func (e *Engine) CachedOperation(id string) (ot.Operation, bool) {
	return e.cache.Peek(id)
}

func (e *Engine) CacheLen() int {
	return e.cache.Len()
}

func (e *Engine) MaxHistory() int {
	return e.maxHistory
}
