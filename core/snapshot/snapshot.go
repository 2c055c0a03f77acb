// Package snapshot checkpoints document state so that reconstruction only has
// to replay the operations recorded after the chosen checkpoint.
package snapshot

import (
	"context"
	"errors"
	"time"

	"github.com/adalundhe/weft/core/state"
)

var (
	ErrStoreClosed      = errors.New("snapshot store is closed")
	ErrEmptyDocument    = errors.New("snapshot requires a document id")
	ErrChecksumMismatch = errors.New("snapshot checksum does not match its content")
	ErrMissingCodec     = errors.New("snapshot store requires a codec")
)

// StateSnapshot is an immutable copy of a document's state at a known
// operation count.
type StateSnapshot struct {
	DocumentID       string              `json:"documentId"`
	State            state.DocumentState `json:"state"`
	Timestamp        time.Time           `json:"timestamp"`
	OperationCount   uint64              `json:"operationCount"`
	Checksum         string              `json:"checksum"`
	CompressionRatio float64             `json:"compressionRatio,omitempty"`

	// Encoded form of State, filled by the Manager. Stores that persist
	// snapshots write this instead of re-encoding.
	Payload     []byte      `json:"-"`
	Compression Compression `json:"-"`
}

// Clone returns a deep copy.
func (s StateSnapshot) Clone() StateSnapshot {
	result := s
	result.State = s.State.Clone()
	if s.Payload != nil {
		result.Payload = append([]byte(nil), s.Payload...)
	}
	return result
}

// Store persists snapshots for the Manager. List returns a document's
// snapshots oldest first.
type Store interface {
	Append(ctx context.Context, snap StateSnapshot) error
	List(ctx context.Context, documentID string) ([]StateSnapshot, error)
	Prune(ctx context.Context, documentID string, keep int) error
	Delete(ctx context.Context, documentID string) error
}
