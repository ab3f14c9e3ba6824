package domain

// HypothesisKind is one explanation category in the reflection taxonomy.
type HypothesisKind string

const (
	HypothesisAddedFriction      HypothesisKind = "added-friction"
	HypothesisQualityFilter      HypothesisKind = "quality-filter"
	HypothesisSegmentShift       HypothesisKind = "segment-shift"
	HypothesisPopulationMismatch HypothesisKind = "metric-population-mismatch"
	HypothesisDataQuality        HypothesisKind = "data-quality"
	HypothesisTemporalEffect     HypothesisKind = "temporal-effect"
	HypothesisChannelMixShift    HypothesisKind = "channel-mix-shift"
)

// HypothesisOrder is the prior ordering used to break confidence ties.
var HypothesisOrder = []HypothesisKind{
	HypothesisAddedFriction,
	HypothesisQualityFilter,
	HypothesisSegmentShift,
	HypothesisPopulationMismatch,
	HypothesisDataQuality,
	HypothesisTemporalEffect,
	HypothesisChannelMixShift,
}

// Rank returns the prior position of the kind; unknown kinds sort last.
func (k HypothesisKind) Rank() int {
	for i, h := range HypothesisOrder {
		if h == k {
			return i
		}
	}
	return len(HypothesisOrder)
}

// Evidence is one queried result and whether it supports the hypothesis.
type Evidence struct {
	Query    string       `json:"query"`
	Result   MetricResult `json:"result"`
	Supports bool         `json:"supports"`
}

// Hypothesis is a candidate causal explanation. It lives for one run only.
type Hypothesis struct {
	Kind           HypothesisKind `json:"kind"`
	Description    string         `json:"description"`
	Confidence     float64        `json:"confidence"`
	Evidence       []Evidence     `json:"evidence"`
	Neutral        int            `json:"neutral"`
	ContextStarved bool           `json:"context_starved,omitempty"`
}

// Supporting counts supporting evidence items.
func (h Hypothesis) Supporting() int {
	n := 0
	for _, e := range h.Evidence {
		if e.Supports {
			n++
		}
	}
	return n
}

// Contradicting counts contradicting evidence items.
func (h Hypothesis) Contradicting() int { return len(h.Evidence) - h.Supporting() }

// ConfidenceLabel buckets a confidence for display.
func ConfidenceLabel(c float64) string {
	switch {
	case c >= 0.7:
		return "high"
	case c >= 0.4:
		return "medium"
	default:
		return "low"
	}
}
