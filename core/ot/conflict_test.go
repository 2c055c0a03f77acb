package ot

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLevenshtein(t *testing.T) {
	assert.Equal(t, 3, Levenshtein("kitten", "sitting"))
	assert.Equal(t, 0, Levenshtein("same", "same"))
	assert.Equal(t, 4, Levenshtein("", "four"))
	assert.Equal(t, 1, Levenshtein("héllo", "hello"))
}

func TestSimilarity(t *testing.T) {
	assert.Equal(t, 1.0, Similarity("", ""))
	assert.Equal(t, 1.0, Similarity("abc", "abc"))
	assert.Equal(t, 0.0, Similarity("abc", "xyz"))
	assert.InDelta(t, 4.0/7.0, Similarity("kitten", "sitting"), 1e-9)
}

func TestConfidence(t *testing.T) {
	assert.InDelta(t, 0.85, Confidence(5, "abc", "abc"), 1e-9)
	assert.InDelta(t, 0.85, Confidence(-5, "abc", "abc"), 1e-9)
	assert.InDelta(t, 0.4, Confidence(50, "abc", "xyz"), 1e-9)
	assert.InDelta(t, 0.9-0.2-(3.0/7.0)*0.2, Confidence(-20, "kitten", "sitting"), 1e-9)
	assert.InDelta(t, 0.9, Confidence(0, "", ""), 1e-9)
}

func TestImpactScore(t *testing.T) {
	assert.Equal(t, 9, ImpactScore(ins("a", 0, "abc"), del("b", 0, 4)))
	assert.Equal(t, 1, ImpactScore(posOp("a", OpRetain, 0), posOp("b", OpRetain, 0)))
	assert.Equal(t, 5, ImpactScore(posOp("a", OpFormat, 0), ins("b", 0, "abcd")))
	assert.Equal(t, 100, ImpactScore(del("a", 0, 100), del("b", 0, 100)))
}

func TestIsSignificant(t *testing.T) {
	op := del("a", 2, 3)
	assert.False(t, IsSignificant(op, op.Clone()))
	assert.True(t, IsSignificant(op, op.WithPosition(3)))
	assert.True(t, IsSignificant(op, op.WithLength(4)))
}

func TestConflictDetector(t *testing.T) {
	fixed := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	d := NewConflictDetector("bogus", func() time.Time { return fixed })

	original := ins("a", 10, "hello")
	against := ins("b", 2, "hello")
	assert.Nil(t, d.Detect(original, original, against, ""))

	c := d.Detect(original, original.WithPosition(15), against, "")
	require.NotNil(t, c)
	assert.NotEmpty(t, c.ID)
	assert.Equal(t, ResolutionAutomatic, c.Metadata.ResolutionStrategy)
	assert.InDelta(t, 0.85, c.Metadata.Confidence, 1e-9)
	assert.Equal(t, 10, c.Metadata.ImpactScore)
	assert.Equal(t, ConflictPosition{Line: 0, Column: 15, Offset: 15}, c.Position)
	assert.Equal(t, fixed, c.DetectedAt)
	assert.Equal(t, "hello", c.SourceContent)
	assert.Equal(t, "hello", c.TargetContent)
}

func TestOpType_Text(t *testing.T) {
	for _, typ := range allTypes {
		text, err := typ.MarshalText()
		require.NoError(t, err)

		var parsed OpType
		require.NoError(t, parsed.UnmarshalText(text))
		assert.Equal(t, typ, parsed)
	}

	var bad OpType
	assert.Error(t, bad.UnmarshalText([]byte("replace")))
	assert.Equal(t, "unknown", OpType(99).String())
}

func TestPriority_Weight(t *testing.T) {
	assert.Equal(t, 4, PriorityCritical.Weight())
	assert.Equal(t, 3, PriorityHigh.Weight())
	assert.Equal(t, 2, PriorityNormal.Weight())
	assert.Equal(t, 2, Priority("").Weight())
	assert.Equal(t, 1, PriorityLow.Weight())
}
