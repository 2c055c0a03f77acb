package document

import (
	"encoding/json"
	"errors"
	"fmt"
	"hash/crc32"
	"sync"
	"time"

	"github.com/adalundhe/weft/core/ot"
)

var (
	ErrJournalCorrupted = errors.New("journal entry corrupted")
	ErrJournalClosed    = errors.New("journal is closed")
	ErrJournalTruncated = errors.New("journal no longer holds the requested range")
)

const DefaultJournalSize = 10000

// JournalEntry is one applied operation in the order it was applied.
type JournalEntry struct {
	Sequence  uint64
	Timestamp time.Time
	Data      []byte
	Checksum  uint32
}

// Journal is a bounded in-memory log of the operations applied to one
// document. Entries are numbered from 1 so a sequence doubles as the
// document's operation count.
type Journal struct {
	mu         sync.RWMutex
	entries    []JournalEntry
	sequence   uint64
	maxEntries int
	closed     bool
}

type JournalOption func(*Journal)

func WithMaxEntries(max int) JournalOption {
	return func(j *Journal) {
		j.maxEntries = max
	}
}

func NewJournal(opts ...JournalOption) *Journal {
	j := &Journal{
		entries:    make([]JournalEntry, 0),
		maxEntries: DefaultJournalSize,
	}
	for _, opt := range opts {
		opt(j)
	}
	return j
}

func (j *Journal) Append(op ot.Operation) (uint64, error) {
	data, err := json.Marshal(op)
	if err != nil {
		return 0, fmt.Errorf("encode operation: %w", err)
	}

	j.mu.Lock()
	defer j.mu.Unlock()

	if j.closed {
		return 0, ErrJournalClosed
	}

	j.sequence++
	j.entries = append(j.entries, JournalEntry{
		Sequence:  j.sequence,
		Timestamp: time.Now(),
		Data:      data,
		Checksum:  crc32.ChecksumIEEE(data),
	})
	j.maybeAutoTruncate()

	return j.sequence, nil
}

func (j *Journal) maybeAutoTruncate() {
	if j.maxEntries > 0 && len(j.entries) > j.maxEntries*2 {
		cutoff := len(j.entries) - j.maxEntries
		j.entries = append([]JournalEntry(nil), j.entries[cutoff:]...)
	}
}

// Range decodes the operations with sequence in (after, through].
func (j *Journal) Range(after, through uint64) ([]ot.Operation, error) {
	j.mu.RLock()
	defer j.mu.RUnlock()

	if j.closed {
		return nil, ErrJournalClosed
	}
	if through <= after {
		return []ot.Operation{}, nil
	}
	if through > j.sequence {
		return nil, fmt.Errorf("%w: sequence %d not yet written", ErrJournalTruncated, through)
	}
	if first := j.firstSequence(); first == 0 || first > after+1 {
		return nil, fmt.Errorf("%w: need %d, oldest is %d", ErrJournalTruncated, after+1, first)
	}

	ops := make([]ot.Operation, 0, through-after)
	for i := range j.entries {
		entry := &j.entries[i]
		if entry.Sequence <= after || entry.Sequence > through {
			continue
		}
		op, err := decodeEntry(entry)
		if err != nil {
			return nil, err
		}
		ops = append(ops, op)
	}
	return ops, nil
}

func decodeEntry(entry *JournalEntry) (ot.Operation, error) {
	if !ValidateChecksum(entry) {
		return ot.Operation{}, fmt.Errorf("%w: sequence %d", ErrJournalCorrupted, entry.Sequence)
	}
	var op ot.Operation
	if err := json.Unmarshal(entry.Data, &op); err != nil {
		return ot.Operation{}, fmt.Errorf("%w: sequence %d: %v", ErrJournalCorrupted, entry.Sequence, err)
	}
	return op, nil
}

func (j *Journal) firstSequence() uint64 {
	if len(j.entries) == 0 {
		return 0
	}
	return j.entries[0].Sequence
}

func (j *Journal) FirstSequence() uint64 {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return j.firstSequence()
}

func (j *Journal) LastSequence() uint64 {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return j.sequence
}

func (j *Journal) Count() int {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return len(j.entries)
}

func (j *Journal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.closed = true
	return nil
}

func ValidateChecksum(entry *JournalEntry) bool {
	return entry.Checksum == crc32.ChecksumIEEE(entry.Data)
}
