// Package state applies transformed operations to document content and keeps
// the bookkeeping (vector clock, bounded history, checksum) that travels with it.
package state

import (
	"fmt"

	"github.com/cespare/xxhash/v2"

	"github.com/adalundhe/weft/core/ot"
)

// DocumentState is a value snapshot of a document. Checksum is always the
// hash of Content.
type DocumentState struct {
	Content             string         `json:"content"`
	VectorClock         ot.VectorClock `json:"vectorClock"`
	OperationHistory    []string       `json:"operationHistory"`
	LastSyncedOperation string         `json:"lastSyncedOperation"`
	Checksum            string         `json:"checksum"`
}

// New returns the initial state for content with an empty clock and history.
func New(content string) DocumentState {
	return DocumentState{
		Content:          content,
		VectorClock:      ot.NewVectorClock(),
		OperationHistory: []string{},
		Checksum:         Checksum(content),
	}
}

// Clone returns a deep copy.
func (s DocumentState) Clone() DocumentState {
	result := s
	result.VectorClock = s.VectorClock.Clone()
	if s.OperationHistory != nil {
		result.OperationHistory = append([]string(nil), s.OperationHistory...)
	}
	return result
}

// Verify reports whether the stored checksum still matches the content.
func (s DocumentState) Verify() bool {
	return s.Checksum == Checksum(s.Content)
}

// Checksum is a 64-bit xxHash of content, hex encoded. It is used for change
// detection only.
func Checksum(content string) string {
	return fmt.Sprintf("%016x", xxhash.Sum64String(content))
}
