package ot

import (
	"fmt"
	"unicode/utf8"

	"github.com/google/uuid"
)

type OpType int

const (
	OpInsert OpType = iota
	OpDelete
	OpRetain
	OpFormat
	OpAttribute

	opTypeCount
)

var opTypeNames = [opTypeCount]string{
	OpInsert:    "insert",
	OpDelete:    "delete",
	OpRetain:    "retain",
	OpFormat:    "format",
	OpAttribute: "attribute",
}

func (o OpType) String() string {
	if o.Valid() {
		return opTypeNames[o]
	}
	return "unknown"
}

func (o OpType) Valid() bool {
	return o >= 0 && o < opTypeCount
}

// PositionOnly reports whether the type never changes document content.
func (o OpType) PositionOnly() bool {
	return o == OpRetain || o == OpFormat || o == OpAttribute
}

func ParseOpType(s string) (OpType, error) {
	for i, name := range opTypeNames {
		if name == s {
			return OpType(i), nil
		}
	}
	return 0, fmt.Errorf("unknown operation type %q", s)
}

func (o OpType) MarshalText() ([]byte, error) {
	if !o.Valid() {
		return nil, fmt.Errorf("unknown operation type %d", int(o))
	}
	return []byte(o.String()), nil
}

func (o *OpType) UnmarshalText(text []byte) error {
	parsed, err := ParseOpType(string(text))
	if err != nil {
		return err
	}
	*o = parsed
	return nil
}

type Priority string

const (
	PriorityCritical Priority = "critical"
	PriorityHigh     Priority = "high"
	PriorityNormal   Priority = "normal"
	PriorityLow      Priority = "low"
)

// Weight orders priorities; anything unrecognised ranks as normal.
func (p Priority) Weight() int {
	switch p {
	case PriorityCritical:
		return 4
	case PriorityHigh:
		return 3
	case PriorityLow:
		return 1
	default:
		return 2
	}
}

type Metadata struct {
	Priority Priority `json:"priority,omitempty" yaml:"priority,omitempty"`
}

// Operation is a single edit against a document. Values are never mutated in
// place; transforming one yields a new Operation.
type Operation struct {
	ID         string      `json:"id" yaml:"id"`
	DocumentID string      `json:"documentId" yaml:"documentId"`
	UserID     UserID      `json:"userId" yaml:"userId"`
	Type       OpType      `json:"type" yaml:"type"`
	Position   int         `json:"position" yaml:"position"`
	Length     int         `json:"length,omitempty" yaml:"length,omitempty"`
	Content    string      `json:"content,omitempty" yaml:"content,omitempty"`
	Clock      VectorClock `json:"vectorClock" yaml:"vectorClock"`
	Metadata   Metadata    `json:"metadata" yaml:"metadata"`
}

func NewOperation(documentID string, user UserID, opType OpType, position int, clock VectorClock) Operation {
	return Operation{
		ID:         uuid.NewString(),
		DocumentID: documentID,
		UserID:     user,
		Type:       opType,
		Position:   position,
		Clock:      clock.Clone(),
		Metadata:   Metadata{Priority: PriorityNormal},
	}
}

func NewInsert(documentID string, user UserID, position int, content string, clock VectorClock) Operation {
	op := NewOperation(documentID, user, OpInsert, position, clock)
	op.Content = content
	return op
}

func NewDelete(documentID string, user UserID, position, length int, clock VectorClock) Operation {
	op := NewOperation(documentID, user, OpDelete, position, clock)
	op.Length = length
	return op
}

func (o Operation) Clone() Operation {
	result := o
	result.Clock = o.Clock.Clone()
	return result
}

func (o Operation) WithPosition(position int) Operation {
	result := o.Clone()
	result.Position = position
	return result
}

func (o Operation) WithLength(length int) Operation {
	result := o.Clone()
	result.Length = length
	return result
}

func (o Operation) WithPriority(p Priority) Operation {
	result := o.Clone()
	result.Metadata.Priority = p
	return result
}

// ContentLength is the inserted length in runes.
func (o Operation) ContentLength() int {
	return utf8.RuneCountInString(o.Content)
}

// End is the exclusive end of the range a delete covers.
func (o Operation) End() int {
	return o.Position + o.Length
}

// Size is the operation's footprint used for impact scoring, never below 1.
func (o Operation) Size() int {
	size := o.ContentLength()
	if o.Type == OpDelete {
		size = o.Length
	}
	return max(size, 1)
}

func (o Operation) IsNoop() bool {
	switch o.Type {
	case OpInsert:
		return o.Content == ""
	case OpDelete:
		return o.Length == 0
	default:
		return true
	}
}

func (o Operation) String() string {
	switch o.Type {
	case OpInsert:
		return fmt.Sprintf("insert(%d,%q)", o.Position, o.Content)
	case OpDelete:
		return fmt.Sprintf("delete(%d,%d)", o.Position, o.Length)
	default:
		return fmt.Sprintf("%s(%d,%d)", o.Type, o.Position, o.Length)
	}
}

// precedes is the canonical tie-break between operations that share a
// position and priority: smaller id, then smaller user id.
func precedes(a, b Operation) bool {
	if a.ID != b.ID {
		return a.ID < b.ID
	}
	if a.UserID != b.UserID {
		return a.UserID < b.UserID
	}
	return true
}

// outranks reports whether a wins over b at an identical position.
func outranks(a, b Operation) bool {
	wa, wb := a.Metadata.Priority.Weight(), b.Metadata.Priority.Weight()
	if wa != wb {
		return wa > wb
	}
	return precedes(a, b)
}
