package snapshot

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/dgraph-io/ristretto"
	_ "modernc.org/sqlite"

	"github.com/adalundhe/weft/core/state"
)

// =============================================================================
// Configuration
// =============================================================================

const (
	defaultCacheCounters = 1e5
	defaultCacheMaxCost  = 64 << 20
	defaultCacheBuffer   = 64
)

const schema = `
CREATE TABLE IF NOT EXISTS snapshots (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	document_id TEXT NOT NULL,
	operation_count INTEGER NOT NULL,
	checksum TEXT NOT NULL,
	created_at INTEGER NOT NULL,
	compression TEXT NOT NULL,
	compression_ratio REAL NOT NULL DEFAULT 0,
	payload BLOB NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_snapshots_document ON snapshots(document_id, id);
`

// =============================================================================
// SQLiteStore
// =============================================================================

// SQLiteStore persists snapshots in a SQLite database. Decoded states are
// kept in a Ristretto cache keyed by row id, so repeated lookups skip
// decompression.
type SQLiteStore struct {
	db    *sql.DB
	codec *Codec
	cache *ristretto.Cache

	mu     sync.RWMutex
	closed bool
}

func NewSQLiteStore(path string, codec *Codec) (*SQLiteStore, error) {
	if codec == nil {
		return nil, ErrMissingCodec
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create schema: %w", err)
	}

	cache, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: defaultCacheCounters,
		MaxCost:     defaultCacheMaxCost,
		BufferItems: defaultCacheBuffer,
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize Ristretto cache: %w", err)
	}

	return &SQLiteStore{db: db, codec: codec, cache: cache}, nil
}

func (s *SQLiteStore) checkOpen() error {
	if s.closed {
		return ErrStoreClosed
	}
	return nil
}

func (s *SQLiteStore) Append(ctx context.Context, snap StateSnapshot) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.checkOpen(); err != nil {
		return err
	}

	payload, compression, ratio := snap.Payload, snap.Compression, snap.CompressionRatio
	if len(payload) == 0 {
		encoded, r, err := s.codec.Encode(snap.State)
		if err != nil {
			return err
		}
		payload, compression, ratio = encoded, s.codec.Compression(), r
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO snapshots (document_id, operation_count, checksum, created_at, compression, compression_ratio, payload)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		snap.DocumentID, int64(snap.OperationCount), snap.Checksum,
		snap.Timestamp.UnixNano(), string(compression), ratio, payload)
	if err != nil {
		return fmt.Errorf("insert snapshot: %w", err)
	}
	return nil
}

func (s *SQLiteStore) List(ctx context.Context, documentID string) ([]StateSnapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.checkOpen(); err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, operation_count, checksum, created_at, compression, compression_ratio, payload
		FROM snapshots WHERE document_id = ? ORDER BY id ASC`, documentID)
	if err != nil {
		return nil, fmt.Errorf("query snapshots: %w", err)
	}
	defer rows.Close()

	var result []StateSnapshot
	for rows.Next() {
		snap, err := s.scan(rows, documentID)
		if err != nil {
			return nil, err
		}
		result = append(result, snap)
	}
	return result, rows.Err()
}

func (s *SQLiteStore) scan(rows *sql.Rows, documentID string) (StateSnapshot, error) {
	var (
		id          int64
		opCount     int64
		checksum    string
		createdAt   int64
		compression string
		ratio       float64
		payload     []byte
	)
	if err := rows.Scan(&id, &opCount, &checksum, &createdAt, &compression, &ratio, &payload); err != nil {
		return StateSnapshot{}, fmt.Errorf("scan snapshot: %w", err)
	}

	decoded, err := s.decode(id, payload, Compression(compression))
	if err != nil {
		return StateSnapshot{}, fmt.Errorf("snapshot %d: %w", id, err)
	}

	return StateSnapshot{
		DocumentID:       documentID,
		State:            decoded,
		Timestamp:        time.Unix(0, createdAt),
		OperationCount:   uint64(opCount),
		Checksum:         checksum,
		CompressionRatio: ratio,
		Payload:          payload,
		Compression:      Compression(compression),
	}, nil
}

func (s *SQLiteStore) decode(id int64, payload []byte, compression Compression) (state.DocumentState, error) {
	key := fmt.Sprintf("snapshot:%d", id)
	if cached, ok := s.cache.Get(key); ok {
		return cached.(state.DocumentState).Clone(), nil
	}

	decoded, err := s.codec.Decode(payload, compression)
	if err != nil {
		return state.DocumentState{}, err
	}
	s.cache.Set(key, decoded.Clone(), int64(len(decoded.Content))+1)
	return decoded, nil
}

func (s *SQLiteStore) Prune(ctx context.Context, documentID string, keep int) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.checkOpen(); err != nil {
		return err
	}

	_, err := s.db.ExecContext(ctx, `
		DELETE FROM snapshots
		WHERE document_id = ? AND id NOT IN (
			SELECT id FROM snapshots WHERE document_id = ? ORDER BY id DESC LIMIT ?
		)`, documentID, documentID, keep)
	if err != nil {
		return fmt.Errorf("prune snapshots: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Delete(ctx context.Context, documentID string) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.checkOpen(); err != nil {
		return err
	}

	if _, err := s.db.ExecContext(ctx, `DELETE FROM snapshots WHERE document_id = ?`, documentID); err != nil {
		return fmt.Errorf("delete snapshots: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	s.cache.Close()
	return s.db.Close()
}
