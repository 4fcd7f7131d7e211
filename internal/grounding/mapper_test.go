package grounding

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/docsight/reader-engine/internal/storage"
)

func intp(v int) *int { return &v }

func element(page int, y float64, spanStart, spanEnd int) *storage.LayoutElement {
	return &storage.LayoutElement{
		ID:         uuid.New(),
		DocumentID: "doc-1",
		Page:       page,
		Y:          y,
		Label:      storage.LabelFigure,
		SpanStart:  intp(spanStart),
		SpanEnd:    intp(spanEnd),
	}
}

func citation(page, start, end int) *storage.Citation {
	return &storage.Citation{
		ID:          uuid.New(),
		InsightID:   uuid.New(),
		DocumentID:  "doc-1",
		Page:        page,
		OffsetStart: start,
		OffsetEnd:   end,
	}
}

func TestResolve_PicksLargestOverlap(t *testing.T) {
	m := NewMapper(0.1)

	small := element(0, 10, 0, 60)    // covers half of the span
	large := element(0, 20, 40, 200)  // covers most of the span
	cit := citation(0, 50, 150)

	res := m.Resolve([]*storage.Citation{cit}, []*storage.LayoutElement{small, large})
	require.Len(t, res, 1)
	require.NotNil(t, res[0].Target)
	assert.Equal(t, large.ID, *res[0].Target)
}

func TestResolve_BelowThresholdStaysUnresolved(t *testing.T) {
	m := NewMapper(0.5)

	el := element(0, 10, 0, 20) // only 20% of the span
	cit := citation(0, 0, 100)

	res := m.Resolve([]*storage.Citation{cit}, []*storage.LayoutElement{el})
	require.Len(t, res, 1)
	assert.Nil(t, res[0].Target)
}

func TestResolve_PageMismatchNeverMatches(t *testing.T) {
	m := NewMapper(0.1)

	el := element(1, 10, 0, 100)
	cit := citation(0, 0, 100)

	res := m.Resolve([]*storage.Citation{cit}, []*storage.LayoutElement{el})
	require.Len(t, res, 1)
	assert.Nil(t, res[0].Target)
}

func TestResolve_ElementWithoutSpanNeverMatches(t *testing.T) {
	m := NewMapper(0.1)

	el := &storage.LayoutElement{ID: uuid.New(), Page: 0, Label: storage.LabelTable}
	cit := citation(0, 0, 100)

	res := m.Resolve([]*storage.Citation{cit}, []*storage.LayoutElement{el})
	require.Len(t, res, 1)
	assert.Nil(t, res[0].Target)
}

func TestResolve_EmptySpanCitation(t *testing.T) {
	m := NewMapper(0.1)

	el := element(0, 10, 0, 100)
	cit := citation(0, 50, 50)

	res := m.Resolve([]*storage.Citation{cit}, []*storage.LayoutElement{el})
	require.Len(t, res, 1)
	assert.Nil(t, res[0].Target)
}

func TestResolve_Deterministic(t *testing.T) {
	m := NewMapper(0.1)

	elements := []*storage.LayoutElement{
		element(0, 30, 0, 100),
		element(0, 10, 0, 100),
		element(0, 20, 0, 100),
	}
	cit := citation(0, 0, 100)

	first := m.Resolve([]*storage.Citation{cit}, elements)
	require.NotNil(t, first[0].Target)

	// Shuffled input must produce the same assignment.
	shuffled := []*storage.LayoutElement{elements[2], elements[0], elements[1]}
	second := m.Resolve([]*storage.Citation{cit}, shuffled)
	require.NotNil(t, second[0].Target)
	assert.Equal(t, *first[0].Target, *second[0].Target)
}

func TestResolve_DoesNotMutateInputs(t *testing.T) {
	m := NewMapper(0.1)

	el := element(0, 10, 0, 100)
	cit := citation(0, 0, 100)
	targetBefore := cit.TargetElementID

	m.Resolve([]*storage.Citation{cit}, []*storage.LayoutElement{el})

	assert.Equal(t, targetBefore, cit.TargetElementID)
	assert.Equal(t, 0, *el.SpanStart)
	assert.Equal(t, 100, *el.SpanEnd)
}

func TestOverlapRatio(t *testing.T) {
	tests := []struct {
		name       string
		spanStart  int
		spanEnd    int
		elStart    *int
		elEnd      *int
		want       float64
	}{
		{"full cover", 0, 100, intp(0), intp(100), 1.0},
		{"half cover", 0, 100, intp(50), intp(200), 0.5},
		{"no overlap", 0, 100, intp(100), intp(200), 0},
		{"nil range", 0, 100, nil, nil, 0},
		{"inverted span", 100, 0, intp(0), intp(100), 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := overlapRatio(tt.spanStart, tt.spanEnd, tt.elStart, tt.elEnd)
			assert.InDelta(t, tt.want, got, 1e-9)
		})
	}
}
