package snapshot

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/adalundhe/weft/core/state"
)

const DefaultMaxSnapshots = 10

// Manager creates snapshots and picks the best one for reconstruction. It
// keeps at most maxSnapshots per document, dropping the oldest first.
type Manager struct {
	store        Store
	codec        *Codec
	maxSnapshots int
	logger       *slog.Logger
	now          func() time.Time
}

type ManagerOption func(*Manager)

func WithMaxSnapshots(n int) ManagerOption {
	return func(m *Manager) {
		if n > 0 {
			m.maxSnapshots = n
		}
	}
}

// WithCodec enables encoding snapshots with the given codec, which also
// yields a compression ratio.
func WithCodec(codec *Codec) ManagerOption {
	return func(m *Manager) {
		m.codec = codec
	}
}

func WithLogger(logger *slog.Logger) ManagerOption {
	return func(m *Manager) {
		if logger != nil {
			m.logger = logger
		}
	}
}

func WithClock(now func() time.Time) ManagerOption {
	return func(m *Manager) {
		if now != nil {
			m.now = now
		}
	}
}

func NewManager(store Store, opts ...ManagerOption) *Manager {
	m := &Manager{
		store:        store,
		maxSnapshots: DefaultMaxSnapshots,
		logger:       slog.Default(),
		now:          time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Create stores a deep copy of s as the snapshot at operationCount.
func (m *Manager) Create(ctx context.Context, documentID string, s state.DocumentState, operationCount uint64) (*StateSnapshot, error) {
	if documentID == "" {
		return nil, ErrEmptyDocument
	}

	snap := StateSnapshot{
		DocumentID:     documentID,
		State:          s.Clone(),
		Timestamp:      m.now(),
		OperationCount: operationCount,
		Checksum:       state.Checksum(s.Content),
	}

	if m.codec != nil {
		payload, ratio, err := m.codec.Encode(snap.State)
		if err != nil {
			return nil, fmt.Errorf("encode snapshot: %w", err)
		}
		snap.Payload = payload
		snap.Compression = m.codec.Compression()
		if snap.Compression != CompressionNone {
			snap.CompressionRatio = ratio
		}
	}

	if err := m.store.Append(ctx, snap); err != nil {
		return nil, fmt.Errorf("store snapshot: %w", err)
	}
	if err := m.store.Prune(ctx, documentID, m.maxSnapshots); err != nil {
		return nil, fmt.Errorf("prune snapshots: %w", err)
	}

	m.logger.Debug("snapshot created",
		"document", documentID,
		"operation_count", operationCount,
		"compression_ratio", snap.CompressionRatio)

	result := snap.Clone()
	return &result, nil
}

// Latest returns the most recent snapshot, or nil when there is none.
func (m *Manager) Latest(ctx context.Context, documentID string) (*StateSnapshot, error) {
	snaps, err := m.store.List(ctx, documentID)
	if err != nil {
		return nil, err
	}
	if len(snaps) == 0 {
		return nil, nil
	}
	return m.verified(snaps[len(snaps)-1])
}

// AtOrBefore returns the snapshot with the highest operation count that does
// not exceed operationCount, or nil when none qualifies. Among equal counts
// the most recent wins.
func (m *Manager) AtOrBefore(ctx context.Context, documentID string, operationCount uint64) (*StateSnapshot, error) {
	snaps, err := m.store.List(ctx, documentID)
	if err != nil {
		return nil, err
	}

	best := -1
	for i, snap := range snaps {
		if snap.OperationCount > operationCount {
			continue
		}
		if best < 0 || snap.OperationCount >= snaps[best].OperationCount {
			best = i
		}
	}
	if best < 0 {
		return nil, nil
	}
	return m.verified(snaps[best])
}

func (m *Manager) verified(snap StateSnapshot) (*StateSnapshot, error) {
	if snap.Checksum != state.Checksum(snap.State.Content) {
		return nil, fmt.Errorf("%w: document %s at %d", ErrChecksumMismatch, snap.DocumentID, snap.OperationCount)
	}
	return &snap, nil
}

// Count reports how many snapshots are retained for the document.
func (m *Manager) Count(ctx context.Context, documentID string) (int, error) {
	snaps, err := m.store.List(ctx, documentID)
	if err != nil {
		return 0, err
	}
	return len(snaps), nil
}

// Forget removes every snapshot of the document.
func (m *Manager) Forget(ctx context.Context, documentID string) error {
	return m.store.Delete(ctx, documentID)
}
