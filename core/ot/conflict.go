package ot

import (
	"math"
	"time"

	"github.com/google/uuid"
)

type ConflictStatus string

const (
	ConflictUnresolved ConflictStatus = "unresolved"
	ConflictResolved   ConflictStatus = "resolved"
)

type ResolutionStrategy string

const (
	ResolutionAutomatic  ResolutionStrategy = "automatic"
	ResolutionManual     ResolutionStrategy = "manual"
	ResolutionAIAssisted ResolutionStrategy = "ai-assisted"
)

func (s ResolutionStrategy) Valid() bool {
	switch s {
	case ResolutionAutomatic, ResolutionManual, ResolutionAIAssisted:
		return true
	}
	return false
}

const ConflictTypeContent = "content"

type ConflictPosition struct {
	Line   int `json:"line"`
	Column int `json:"column"`
	Offset int `json:"offset"`
}

type ConflictMetadata struct {
	Confidence         float64            `json:"confidence"`
	ResolutionStrategy ResolutionStrategy `json:"resolutionStrategy"`
	ImpactScore        int                `json:"impactScore"`
}

// DocumentConflict records a transformation that materially changed an
// operation. The engine only reports it; resolution belongs to the caller.
type DocumentConflict struct {
	ID                 string           `json:"id"`
	DocumentID         string           `json:"documentId"`
	Type               string           `json:"type"`
	Position           ConflictPosition `json:"position"`
	SourceContent      string           `json:"sourceContent"`
	TargetContent      string           `json:"targetContent"`
	Status             ConflictStatus   `json:"status"`
	Metadata           ConflictMetadata `json:"metadata"`
	OperationID        string           `json:"operationId"`
	AgainstOperationID string           `json:"againstOperationId"`
	DetectedAt         time.Time        `json:"detectedAt"`
}

var typeWeights = [opTypeCount]float64{
	OpDelete:    3,
	OpInsert:    2,
	OpFormat:    1.5,
	OpAttribute: 1,
	OpRetain:    0.5,
}

// IsSignificant reports whether transforming changed position, length or content.
func IsSignificant(original, transformed Operation) bool {
	return original.Position != transformed.Position ||
		original.Length != transformed.Length ||
		original.Content != transformed.Content
}

func Confidence(positionShift int, source, target string) float64 {
	shift := math.Min(0.3, math.Abs(float64(positionShift))/100)
	c := 0.9 - shift - (1-Similarity(source, target))*0.2
	return clampFloat(c, 0.1, 1.0)
}

func ImpactScore(op1, op2 Operation) int {
	weighted := float64(op1.Size())*weightOf(op1.Type) + float64(op2.Size())*weightOf(op2.Type)
	score := int(math.Round(weighted / 2))
	return min(max(score, 1), 100)
}

func weightOf(t OpType) float64 {
	if !t.Valid() {
		return 1
	}
	return typeWeights[t]
}

func clampFloat(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}

type ConflictDetector struct {
	strategy ResolutionStrategy
	now      func() time.Time
}

func NewConflictDetector(strategy ResolutionStrategy, now func() time.Time) *ConflictDetector {
	if !strategy.Valid() {
		strategy = ResolutionAutomatic
	}
	if now == nil {
		now = time.Now
	}
	return &ConflictDetector{strategy: strategy, now: now}
}

// Detect returns nil unless the step from original to transformed is
// significant. content, when non-empty, is used to place the conflict on a
// line and column.
func (d *ConflictDetector) Detect(original, transformed, against Operation, content string) *DocumentConflict {
	if !IsSignificant(original, transformed) {
		return nil
	}

	return &DocumentConflict{
		ID:            uuid.NewString(),
		DocumentID:    original.DocumentID,
		Type:          ConflictTypeContent,
		Position:      locate(content, transformed.Position),
		SourceContent: original.Content,
		TargetContent: against.Content,
		Status:        ConflictUnresolved,
		Metadata: ConflictMetadata{
			Confidence:         Confidence(transformed.Position-original.Position, original.Content, against.Content),
			ResolutionStrategy: d.strategy,
			ImpactScore:        ImpactScore(original, against),
		},
		OperationID:        original.ID,
		AgainstOperationID: against.ID,
		DetectedAt:         d.now(),
	}
}

// locate converts a rune offset into a 0-based line and column.
func locate(content string, offset int) ConflictPosition {
	pos := ConflictPosition{Offset: offset, Column: offset}
	if content == "" {
		return pos
	}

	line, column, seen := 0, 0, 0
	for _, r := range content {
		if seen == offset {
			break
		}
		seen++
		if r == '\n' {
			line++
			column = 0
			continue
		}
		column++
	}
	pos.Line, pos.Column = line, column
	return pos
}
