package document

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/adalundhe/weft/core/metrics"
	"github.com/adalundhe/weft/core/ot"
	"github.com/adalundhe/weft/core/snapshot"
)

func newTestHost(t *testing.T, cfg Config, opts ...HostOption) *Host {
	t.Helper()
	h := NewHost(cfg, opts...)
	t.Cleanup(func() { h.Close() })
	return h
}

func insertWithID(doc, id string, user ot.UserID, pos int, text string, clock ot.VectorClock) ot.Operation {
	op := ot.NewInsert(doc, user, pos, text, clock)
	op.ID = id
	return op
}

// typing returns one insert per rune of text, each causally after the last.
func typing(doc string, user ot.UserID, text string) []ot.Operation {
	ops := make([]ot.Operation, 0, len(text))
	for i, r := range []rune(text) {
		ops = append(ops, ot.NewInsert(doc, user, i, string(r), ot.VectorClock{user: uint64(i + 1)}))
	}
	return ops
}

func TestHost_OpenTwice(t *testing.T) {
	h := newTestHost(t, DefaultConfig())

	require.NoError(t, h.Open("doc", "abc"))
	assert.ErrorIs(t, h.Open("doc", "xyz"), ErrDocumentExists)
	assert.ErrorIs(t, h.Open("", "xyz"), ErrMissingDocument)

	s, count, err := h.State(context.Background(), "doc")
	require.NoError(t, err)
	assert.Equal(t, "abc", s.Content)
	assert.Zero(t, count)
}

func TestHost_StateOfUnknownDocument(t *testing.T) {
	h := newTestHost(t, DefaultConfig())

	_, _, err := h.State(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrDocumentNotFound)
}

func TestHost_ConcurrentInsertsConvergeInEitherOrder(t *testing.T) {
	ctx := context.Background()
	alice := insertWithID("doc", "a-1", "alice", 1, "X", ot.VectorClock{"alice": 1})
	bob := insertWithID("doc", "b-1", "bob", 1, "Y", ot.VectorClock{"bob": 1})

	for _, order := range [][]ot.Operation{{alice, bob}, {bob, alice}} {
		h := newTestHost(t, DefaultConfig())
		require.NoError(t, h.Open("doc", "abc"))

		for _, op := range order {
			_, err := h.Submit(ctx, op)
			require.NoError(t, err)
		}

		s, count, err := h.State(ctx, "doc")
		require.NoError(t, err)
		assert.Equal(t, "aXYbc", s.Content)
		assert.Equal(t, uint64(2), count)
		assert.True(t, s.Verify())
	}
}

func TestHost_SubmitReportsConflicts(t *testing.T) {
	ctx := context.Background()
	h := newTestHost(t, DefaultConfig())
	require.NoError(t, h.Open("doc", "abc"))

	_, err := h.Submit(ctx, insertWithID("doc", "a-1", "alice", 1, "X", ot.VectorClock{"alice": 1}))
	require.NoError(t, err)

	applied, err := h.Submit(ctx, insertWithID("doc", "b-1", "bob", 1, "Y", ot.VectorClock{"bob": 1}))
	require.NoError(t, err)

	assert.Equal(t, 2, applied.Operation.Position)
	require.Len(t, applied.Conflicts, 1)
	assert.Equal(t, "Y", applied.Conflicts[0].SourceContent)
	assert.Equal(t, "X", applied.Conflicts[0].TargetContent)
	assert.Equal(t, 1, applied.Metrics.IterationCount)
	assert.False(t, applied.Metrics.OptimizationApplied)
}

func TestHost_CausallyLaterOperationIsNotTransformed(t *testing.T) {
	ctx := context.Background()
	h := newTestHost(t, DefaultConfig())
	require.NoError(t, h.Open("doc", "abc"))

	_, err := h.Submit(ctx, insertWithID("doc", "a-1", "alice", 0, "X", ot.VectorClock{"alice": 1}))
	require.NoError(t, err)

	// bob has seen alice's insert, so his position is already in terms of "Xabc".
	applied, err := h.Submit(ctx, insertWithID("doc", "b-1", "bob", 0, "Y", ot.VectorClock{"alice": 1, "bob": 1}))
	require.NoError(t, err)

	assert.Equal(t, 0, applied.Operation.Position)
	assert.Empty(t, applied.Conflicts)
	assert.True(t, applied.Metrics.OptimizationApplied)
	assert.Equal(t, "YXabc", applied.State.Content)
}

func TestHost_RejectedOperationLeavesStateUnchanged(t *testing.T) {
	ctx := context.Background()
	h := newTestHost(t, DefaultConfig())
	require.NoError(t, h.Open("doc", "abcdef"))

	before, _, err := h.State(ctx, "doc")
	require.NoError(t, err)

	bad := ot.NewDelete("doc", "alice", 1, -2, ot.VectorClock{"alice": 1})
	_, err = h.Submit(ctx, bad)
	require.Error(t, err)
	assert.ErrorIs(t, err, ot.ErrValidation)

	after, count, err := h.State(ctx, "doc")
	require.NoError(t, err)
	assert.Equal(t, before, after)
	assert.Zero(t, count)
}

func TestHost_SubmitOpensUnknownDocument(t *testing.T) {
	ctx := context.Background()
	h := newTestHost(t, DefaultConfig())

	applied, err := h.Submit(ctx, ot.NewInsert("fresh", "alice", 0, "hi", ot.VectorClock{"alice": 1}))
	require.NoError(t, err)
	assert.Equal(t, "hi", applied.State.Content)
	assert.Equal(t, []string{"fresh"}, h.Documents())

	_, err = h.Submit(ctx, ot.NewInsert("", "alice", 0, "hi", nil))
	assert.ErrorIs(t, err, ErrMissingDocument)
}

func TestHost_SnapshotsAndReconstruct(t *testing.T) {
	ctx := context.Background()
	store := snapshot.NewMemoryStore()
	cfg := DefaultConfig()
	cfg.SnapshotInterval = 2
	h := newTestHost(t, cfg, WithSnapshots(snapshot.NewManager(store)))
	require.NoError(t, h.Open("doc", ""))

	contents := []string{""}
	for i, op := range typing("doc", "alice", "hello") {
		applied, err := h.Submit(ctx, op)
		require.NoError(t, err)
		contents = append(contents, applied.State.Content)
		if (i+1)%2 == 0 {
			require.NotNil(t, applied.Snapshot)
			assert.Equal(t, uint64(i+1), applied.Snapshot.OperationCount)
		} else {
			assert.Nil(t, applied.Snapshot)
		}
	}
	assert.Equal(t, "hello", contents[5])
	assert.Equal(t, 2, store.Count("doc"))

	for n := uint64(0); n <= 5; n++ {
		s, err := h.Reconstruct(ctx, "doc", n)
		require.NoError(t, err, "count %d", n)
		assert.Equal(t, contents[n], s.Content, "count %d", n)
		assert.True(t, s.Verify())
	}

	_, err := h.Reconstruct(ctx, "doc", 6)
	assert.ErrorIs(t, err, ErrFutureOperation)
}

func TestHost_OpenDropsSnapshotsFromEarlierSession(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "snapshots.db")

	session := func(interval uint64, initial, text string) (*Host, *snapshot.SQLiteStore) {
		codec, err := snapshot.NewCodec(snapshot.CompressionNone)
		require.NoError(t, err)
		t.Cleanup(codec.Close)
		store, err := snapshot.NewSQLiteStore(path, codec)
		require.NoError(t, err)

		cfg := DefaultConfig()
		cfg.SnapshotInterval = interval
		h := NewHost(cfg, WithSnapshots(snapshot.NewManager(store, snapshot.WithCodec(codec))))
		require.NoError(t, h.Open("doc", initial))
		for _, op := range typing("doc", "alice", text) {
			_, err := h.Submit(ctx, op)
			require.NoError(t, err)
		}
		return h, store
	}

	first, firstStore := session(2, "", "abcd")
	require.NoError(t, first.Close())
	require.NoError(t, firstStore.Close())

	second, secondStore := session(3, "zzz", "qrs")
	defer secondStore.Close()
	defer second.Close()

	snaps, err := secondStore.List(ctx, "doc")
	require.NoError(t, err)
	require.Len(t, snaps, 1)
	assert.Equal(t, uint64(3), snaps[0].OperationCount)

	for n, want := range []string{"zzz", "qzzz", "qrzzz", "qrszzz"} {
		s, err := second.Reconstruct(ctx, "doc", uint64(n))
		require.NoError(t, err, "count %d", n)
		assert.Equal(t, want, s.Content, "count %d", n)
	}
}

func TestHost_CancelledSubmitIsNotApplied(t *testing.T) {
	h := newTestHost(t, DefaultConfig())
	require.NoError(t, h.Open("doc", ""))

	started := make(chan struct{})
	release := make(chan struct{})
	busy := make(chan error, 1)
	go func() {
		busy <- h.do(context.Background(), "doc", false, func(*actor) error {
			close(started)
			<-release
			return nil
		})
	}()
	<-started

	value, ok := h.docs.Load("doc")
	require.True(t, ok)
	a := value.(*actor)

	ctx, cancel := context.WithCancel(context.Background())
	submitted := make(chan error, 1)
	go func() {
		_, err := h.Submit(ctx, ot.NewInsert("doc", "alice", 0, "X", ot.VectorClock{"alice": 1}))
		submitted <- err
	}()
	assert.Eventually(t, func() bool { return len(a.tasks) == 1 }, time.Second, time.Millisecond)

	cancel()
	close(release)
	require.NoError(t, <-busy)
	assert.ErrorIs(t, <-submitted, context.Canceled)

	s, count, err := h.State(context.Background(), "doc")
	require.NoError(t, err)
	assert.Empty(t, s.Content)
	assert.Zero(t, count)
}

func TestHost_ReconstructWithoutSnapshots(t *testing.T) {
	ctx := context.Background()
	h := newTestHost(t, DefaultConfig())
	require.NoError(t, h.Open("doc", ">"))

	for _, op := range typing("doc", "alice", "ab") {
		op.Position++
		_, err := h.Submit(ctx, op)
		require.NoError(t, err)
	}

	s, err := h.Reconstruct(ctx, "doc", 1)
	require.NoError(t, err)
	assert.Equal(t, ">a", s.Content)
}

func TestHost_ForcedSnapshot(t *testing.T) {
	ctx := context.Background()
	h := newTestHost(t, DefaultConfig(), WithSnapshots(snapshot.NewManager(snapshot.NewMemoryStore())))
	require.NoError(t, h.Open("doc", "abc"))

	snap, err := h.Snapshot(ctx, "doc")
	require.NoError(t, err)
	assert.Equal(t, "abc", snap.State.Content)
	assert.Zero(t, snap.OperationCount)

	bare := newTestHost(t, DefaultConfig())
	require.NoError(t, bare.Open("doc", "abc"))
	_, err = bare.Snapshot(ctx, "doc")
	assert.Error(t, err)
}

func TestHost_RecordsMetrics(t *testing.T) {
	ctx := context.Background()
	collector, err := metrics.NewCollector()
	require.NoError(t, err)
	h := newTestHost(t, DefaultConfig(), WithMetrics(collector))

	for _, op := range typing("doc", "alice", "abc") {
		_, err := h.Submit(ctx, op)
		require.NoError(t, err)
	}

	m, ok := collector.Get("doc")
	require.True(t, ok)
	assert.Equal(t, int64(3), m.TotalTransformations)
	assert.Zero(t, m.TotalConflicts)
}

func TestHost_CachedOperation(t *testing.T) {
	ctx := context.Background()
	h := newTestHost(t, DefaultConfig())

	op := ot.NewInsert("doc", "alice", 0, "x", ot.VectorClock{"alice": 1})
	_, err := h.Submit(ctx, op)
	require.NoError(t, err)

	cached, ok, err := h.CachedOperation(ctx, "doc", op.ID)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, op.ID, cached.ID)
}

func TestHost_DocumentsRunInParallel(t *testing.T) {
	ctx := context.Background()
	h := newTestHost(t, DefaultConfig())

	var wg sync.WaitGroup
	for d := 0; d < 8; d++ {
		doc := fmt.Sprintf("doc-%d", d)
		wg.Add(1)
		go func() {
			defer wg.Done()
			for _, op := range typing(doc, "alice", "parallel") {
				_, err := h.Submit(ctx, op)
				assert.NoError(t, err)
			}
		}()
	}
	wg.Wait()

	require.Len(t, h.Documents(), 8)
	for _, doc := range h.Documents() {
		s, count, err := h.State(ctx, doc)
		require.NoError(t, err)
		assert.Equal(t, "parallel", s.Content)
		assert.Equal(t, uint64(8), count)
	}
}

func TestHost_SubmitBatch(t *testing.T) {
	ctx := context.Background()
	h := newTestHost(t, DefaultConfig())

	var ops []ot.Operation
	left, right := typing("left", "alice", "abc"), typing("right", "bob", "xyz")
	for i := range left {
		ops = append(ops, left[i], right[i])
	}

	results, err := h.SubmitBatch(ctx, ops)
	require.NoError(t, err)
	require.Len(t, results, len(ops))
	for i, r := range results {
		require.NotNil(t, r)
		assert.Equal(t, ops[i].ID, r.Operation.ID)
	}

	s, _, err := h.State(ctx, "left")
	require.NoError(t, err)
	assert.Equal(t, "abc", s.Content)
	s, _, err = h.State(ctx, "right")
	require.NoError(t, err)
	assert.Equal(t, "xyz", s.Content)
}

func TestHost_SubmitBatchStopsDocumentOnError(t *testing.T) {
	ctx := context.Background()
	h := newTestHost(t, DefaultConfig())

	typed := typing("doc", "alice", "ab")
	ops := []ot.Operation{
		typed[0],
		ot.NewDelete("doc", "alice", 0, -1, ot.VectorClock{"alice": 2}),
		typed[1],
	}

	results, err := h.SubmitBatch(ctx, ops)
	require.Error(t, err)
	assert.ErrorIs(t, err, ot.ErrValidation)
	require.Len(t, results, 3)
	assert.NotNil(t, results[0])
	assert.Nil(t, results[1])
	assert.Nil(t, results[2])
}

func TestHost_Closed(t *testing.T) {
	h := NewHost(DefaultConfig())
	require.NoError(t, h.Open("doc", "abc"))
	require.NoError(t, h.Close())
	require.NoError(t, h.Close())

	_, err := h.Submit(context.Background(), ot.NewInsert("doc", "alice", 0, "x", nil))
	assert.ErrorIs(t, err, ErrHostClosed)
	assert.ErrorIs(t, h.Open("other", ""), ErrHostClosed)
}
