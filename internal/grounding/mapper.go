// Package grounding resolves AI-citation text spans to the layout
// elements they visually correspond to. Resolution is a pure function of
// (citations, layout): the same inputs always yield the same assignments,
// and layout rows are never mutated.
package grounding

import (
	"sort"

	"github.com/google/uuid"

	"github.com/docsight/reader-engine/internal/storage"
)

// DefaultMinOverlap is the default minimum overlap ratio required to
// accept a citation/element match. Tunable because the right value
// depends on how tight the layout detector's text ranges are.
const DefaultMinOverlap = 0.1

// Mapper resolves citations against layout elements.
type Mapper struct {
	minOverlap float64
}

// NewMapper creates a mapper. minOverlap <= 0 selects the default.
func NewMapper(minOverlap float64) *Mapper {
	if minOverlap <= 0 {
		minOverlap = DefaultMinOverlap
	}
	return &Mapper{minOverlap: minOverlap}
}

// Resolution is the grounding outcome for one citation. Target is nil
// when no element overlapped the span above the threshold; that is a
// valid terminal outcome, not an error.
type Resolution struct {
	CitationID uuid.UUID
	Target     *uuid.UUID
}

// Resolve computes the target element for every citation. For each
// citation, candidates are the same-page elements whose associated text
// range overlaps the span; the largest overlap ratio wins, with element
// position as a deterministic tie-break.
func (m *Mapper) Resolve(citations []*storage.Citation, elements []*storage.LayoutElement) []Resolution {
	byPage := make(map[int][]*storage.LayoutElement)
	for _, el := range elements {
		byPage[el.Page] = append(byPage[el.Page], el)
	}
	for _, els := range byPage {
		sort.Slice(els, func(i, j int) bool {
			if els[i].Y != els[j].Y {
				return els[i].Y < els[j].Y
			}
			if els[i].X != els[j].X {
				return els[i].X < els[j].X
			}
			return els[i].ID.String() < els[j].ID.String()
		})
	}

	resolutions := make([]Resolution, 0, len(citations))
	for _, c := range citations {
		res := Resolution{CitationID: c.ID}

		var best *storage.LayoutElement
		bestRatio := 0.0
		for _, el := range byPage[c.Page] {
			ratio := overlapRatio(c.OffsetStart, c.OffsetEnd, el.SpanStart, el.SpanEnd)
			if ratio >= m.minOverlap && ratio > bestRatio {
				best = el
				bestRatio = ratio
			}
		}

		if best != nil {
			id := best.ID
			res.Target = &id
		}
		resolutions = append(resolutions, res)
	}

	return resolutions
}

// overlapRatio returns the fraction of the citation span covered by the
// element's text range. Elements without a text range never match.
func overlapRatio(spanStart, spanEnd int, elStart, elEnd *int) float64 {
	if elStart == nil || elEnd == nil {
		return 0
	}
	if spanEnd <= spanStart {
		return 0
	}

	lo := spanStart
	if *elStart > lo {
		lo = *elStart
	}
	hi := spanEnd
	if *elEnd < hi {
		hi = *elEnd
	}
	if hi <= lo {
		return 0
	}

	return float64(hi-lo) / float64(spanEnd-spanStart)
}
