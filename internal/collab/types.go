package collab

// Region is one detected layout region on a page, in page coordinates.
// SpanStart/SpanEnd, when present, give the character range of the text
// associated with the region within the page's full text.
type Region struct {
	X          float64 `json:"x"`
	Y          float64 `json:"y"`
	W          float64 `json:"w"`
	H          float64 `json:"h"`
	Label      string  `json:"label"` // figure, table, citation, formula
	Confidence float64 `json:"confidence"`
	SpanStart  *int    `json:"span_start,omitempty"`
	SpanEnd    *int    `json:"span_end,omitempty"`
}

// ValidRegionLabel reports whether the collaborator returned a label the
// engine knows about.
func ValidRegionLabel(label string) bool {
	switch label {
	case "figure", "table", "citation", "formula":
		return true
	}
	return false
}

// Span is a citation's text range within one page.
type Span struct {
	Page        int `json:"page"`
	OffsetStart int `json:"offset_start"`
	OffsetEnd   int `json:"offset_end"`
}

// InsightDraft is the structured output of one LLM insight call, before
// persistence and grounding.
type InsightDraft struct {
	Body      string `json:"body"`
	Citations []Span `json:"citations"`
}
