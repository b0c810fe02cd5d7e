package privacy

import (
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func span(start, end int, conf float64, src Source) Match {
	return Match{Category: PIIOther, Start: start, End: end, Confidence: conf, Source: src}
}

func TestAggregate(t *testing.T) {
	t.Run("OverlapKeepsOne", func(t *testing.T) {
		got := Aggregate([]Match{span(0, 10, 0.95, SourcePattern)}, []Match{span(5, 15, 0.95, SourceModel)}, DefaultThreshold)
		require.Len(t, got, 1)
		assert.Equal(t, SourcePattern, got[0].Source)

		got = Aggregate(nil, []Match{span(0, 10, 0.8, SourceModel), span(5, 15, 0.9, SourceModel)}, DefaultThreshold)
		require.Len(t, got, 1)
		assert.Equal(t, 0, got[0].Start)
	})

	t.Run("PatternWinsOverHigherModelScore", func(t *testing.T) {
		got := Aggregate([]Match{span(3, 8, 0.75, SourcePattern)}, []Match{span(0, 10, 1.0, SourceModel)}, DefaultThreshold)
		require.Len(t, got, 1)
		assert.Equal(t, SourcePattern, got[0].Source)
	})

	t.Run("Threshold", func(t *testing.T) {
		got := Aggregate(
			[]Match{span(0, 2, 0.69, SourcePattern), span(3, 5, 0.7, SourcePattern)},
			[]Match{span(6, 8, 0.5, SourceModel)},
			0.7,
		)
		require.Len(t, got, 1)
		assert.Equal(t, 3, got[0].Start)

		assert.Len(t, Aggregate(nil, []Match{span(6, 8, 0.5, SourceModel)}, 0), 1)
	})

	t.Run("BelowThresholdDoesNotBlock", func(t *testing.T) {
		got := Aggregate([]Match{span(0, 10, 0.1, SourcePattern)}, []Match{span(2, 4, 0.9, SourceModel)}, DefaultThreshold)
		require.Len(t, got, 1)
		assert.Equal(t, SourceModel, got[0].Source)
	})

	t.Run("AdjacentSpansBothKept", func(t *testing.T) {
		got := Aggregate([]Match{span(0, 5, 0.9, SourcePattern), span(5, 9, 0.9, SourcePattern)}, nil, DefaultThreshold)
		assert.Len(t, got, 2)
	})

	t.Run("MalformedRangesDropped", func(t *testing.T) {
		got := Aggregate([]Match{span(-1, 3, 0.9, SourcePattern), span(4, 4, 0.9, SourcePattern), span(6, 2, 0.9, SourcePattern)}, nil, 0)
		assert.Empty(t, got)
	})

	t.Run("SortedNonOverlappingOutput", func(t *testing.T) {
		patterns := []Match{span(40, 45, 0.95, SourcePattern), span(10, 20, 0.95, SourcePattern)}
		model := []Match{span(0, 5, 0.8, SourceModel), span(18, 30, 0.99, SourceModel), span(31, 35, 0.71, SourceModel), span(2, 3, 0.9, SourceModel)}

		got := Aggregate(patterns, model, DefaultThreshold)
		require.Len(t, got, 4)
		assert.True(t, sort.SliceIsSorted(got, func(i, j int) bool { return got[i].Start < got[j].Start }))
		for i := range got {
			assert.GreaterOrEqual(t, got[i].Confidence, DefaultThreshold)
			for j := i + 1; j < len(got); j++ {
				assert.False(t, got[i].Overlaps(got[j]), "%v overlaps %v", got[i], got[j])
			}
		}
	})

	t.Run("Empty", func(t *testing.T) {
		got := Aggregate(nil, nil, DefaultThreshold)
		assert.NotNil(t, got)
		assert.Empty(t, got)
	})
}

func TestSummarize(t *testing.T) {
	matches := []Match{
		{Category: PIIEmail, Confidence: 0.95},
		{Category: PIIEmail, Confidence: 0.9},
		{Category: PIIName, Confidence: 0.75},
	}

	s := Summarize(matches)
	assert.Equal(t, 3, s.Total)
	assert.Equal(t, 2, s.ByCategory[PIIEmail])
	assert.Equal(t, 1, s.ByCategory[PIIName])
	assert.Equal(t, 2, s.HighConfidenceCount)
	assert.Equal(t, matches, s.Matches)

	reversed := []Match{matches[2], matches[1], matches[0]}
	r := Summarize(reversed)
	assert.Equal(t, s.ByCategory, r.ByCategory)
	assert.Equal(t, s.HighConfidenceCount, r.HighConfidenceCount)

	// the summary owns its copy
	matches[0].Category = PIIPhone
	assert.Equal(t, PIIEmail, s.Matches[0].Category)

	empty := Summarize(nil)
	assert.Equal(t, 0, empty.Total)
	assert.NotNil(t, empty.ByCategory)
}

func TestPIITypeValid(t *testing.T) {
	for _, tt := range AllTypes {
		assert.True(t, tt.Valid(), tt)
	}
	assert.False(t, PIIType("nric").Valid())
	assert.False(t, PIIType("").Valid())
}
