package snapshot

import (
	"context"
	"sync"
)

// MemoryStore keeps snapshots in process, sharded by document.
type MemoryStore struct {
	docs sync.Map
}

type documentSnapshots struct {
	mu    sync.RWMutex
	snaps []StateSnapshot
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (s *MemoryStore) shard(documentID string) *documentSnapshots {
	if existing, ok := s.docs.Load(documentID); ok {
		return existing.(*documentSnapshots)
	}
	actual, _ := s.docs.LoadOrStore(documentID, &documentSnapshots{})
	return actual.(*documentSnapshots)
}

func (s *MemoryStore) Append(_ context.Context, snap StateSnapshot) error {
	d := s.shard(snap.DocumentID)
	d.mu.Lock()
	defer d.mu.Unlock()
	d.snaps = append(d.snaps, snap.Clone())
	return nil
}

func (s *MemoryStore) List(_ context.Context, documentID string) ([]StateSnapshot, error) {
	existing, ok := s.docs.Load(documentID)
	if !ok {
		return nil, nil
	}
	d := existing.(*documentSnapshots)

	d.mu.RLock()
	defer d.mu.RUnlock()
	result := make([]StateSnapshot, len(d.snaps))
	for i, snap := range d.snaps {
		result[i] = snap.Clone()
	}
	return result, nil
}

func (s *MemoryStore) Prune(_ context.Context, documentID string, keep int) error {
	existing, ok := s.docs.Load(documentID)
	if !ok {
		return nil
	}
	d := existing.(*documentSnapshots)

	d.mu.Lock()
	defer d.mu.Unlock()
	if overflow := len(d.snaps) - keep; overflow > 0 {
		d.snaps = append([]StateSnapshot(nil), d.snaps[overflow:]...)
	}
	return nil
}

func (s *MemoryStore) Delete(_ context.Context, documentID string) error {
	s.docs.Delete(documentID)
	return nil
}

func (s *MemoryStore) Count(documentID string) int {
	existing, ok := s.docs.Load(documentID)
	if !ok {
		return 0
	}
	d := existing.(*documentSnapshots)
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.snaps)
}
