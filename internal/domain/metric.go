package domain

import (
	"math"
	"strings"
)

// MetricType is the priority tier of a metric.
type MetricType string

const (
	MetricPrimary   MetricType = "primary"
	MetricSecondary MetricType = "secondary"
	MetricGuardrail MetricType = "guardrail"
)

// TierOrder is the fixed evaluation and reporting order.
var TierOrder = []MetricType{MetricPrimary, MetricSecondary, MetricGuardrail}

// ParseMetricType returns the tier for a stored value, or false when unknown.
func ParseMetricType(s string) (MetricType, bool) {
	switch MetricType(strings.ToLower(strings.TrimSpace(s))) {
	case MetricPrimary:
		return MetricPrimary, true
	case MetricSecondary:
		return MetricSecondary, true
	case MetricGuardrail:
		return MetricGuardrail, true
	}
	return "", false
}

// Significance is the statistical label attached upstream.
type Significance string

const (
	SignificantPositive Significance = "significant-positive"
	SignificantNegative Significance = "significant-negative"
	Directional         Significance = "directional"
	NotSignificant      Significance = "not-significant"
)

// ParseSignificance normalizes warehouse labels such as "significant positive".
func ParseSignificance(raw string) Significance {
	s := strings.ToLower(strings.TrimSpace(raw))
	s = strings.NewReplacer("_", " ", "-", " ").Replace(s)
	switch {
	case strings.HasPrefix(s, "not"), strings.HasPrefix(s, "insignificant"), strings.HasPrefix(s, "neutral"):
		return NotSignificant
	case s == "significant positive" || s == "stat sig positive":
		return SignificantPositive
	case s == "significant negative" || s == "stat sig negative":
		return SignificantNegative
	case strings.HasPrefix(s, "directional"):
		return Directional
	default:
		return NotSignificant
	}
}

// IsSignificant reports whether the label is one of the two significant labels.
func (s Significance) IsSignificant() bool {
	return s == SignificantPositive || s == SignificantNegative
}

// Direction is the movement a metric owner wants to see.
type Direction string

const (
	DirectionIncrease Direction = "increase"
	DirectionDecrease Direction = "decrease"
	DirectionUnknown  Direction = "unknown"
)

// ParseDirection accepts "INCREASE", "METRIC_DESIRED_DIRECTION_DECREASE", "up", etc.
func ParseDirection(raw string) Direction {
	s := strings.ToLower(raw)
	switch {
	case strings.Contains(s, "increase"), s == "up", s == "higher":
		return DirectionIncrease
	case strings.Contains(s, "decrease"), s == "down", s == "lower":
		return DirectionDecrease
	default:
		return DirectionUnknown
	}
}

// OverallCut is the dimension cut covering the whole experiment population.
const OverallCut = "overall"

// TrendDirection summarizes how an impact has evolved across the days an
// experiment has been running.
type TrendDirection string

const (
	TrendNew       TrendDirection = "new"
	TrendStable    TrendDirection = "stable"
	TrendImproving TrendDirection = "improving"
	TrendDeclining TrendDirection = "declining"
)

// trendStableDelta is the absolute impact change below which a trend is stable.
const trendStableDelta = 0.001

// Trend is the daily impact history of one metric result.
type Trend struct {
	DaysRunning int            `json:"days_running"`
	Direction   TrendDirection `json:"direction"`
	FirstImpact float64        `json:"first_impact"`
	LastImpact  float64        `json:"last_impact"`
}

// NewTrend derives a trend from an ordered daily impact series.
func NewTrend(impacts []float64) *Trend {
	if len(impacts) == 0 {
		return nil
	}
	t := &Trend{DaysRunning: len(impacts), FirstImpact: impacts[0], LastImpact: impacts[len(impacts)-1]}
	if len(impacts) < 2 {
		t.Direction = TrendNew
		return t
	}
	delta := t.LastImpact - t.FirstImpact
	switch {
	case math.Abs(delta) < trendStableDelta:
		t.Direction = TrendStable
	case delta > 0:
		t.Direction = TrendImproving
	default:
		t.Direction = TrendDeclining
	}
	return t
}

// MetricResult is one statistical-test row for an (analysis, arm, metric, cut).
// RelativeImpact is a signed fraction: -0.2163 is a 21.63% decrease.
// PValue is nil when the upstream row carried none.
type MetricResult struct {
	AnalysisID       string       `json:"analysis_id"`
	Arm              string       `json:"arm"`
	MetricName       string       `json:"metric_name"`
	MetricType       MetricType   `json:"metric_type"`
	DimensionName    string       `json:"dimension_name,omitempty"`
	DimensionCut     string       `json:"dimension_cut"`
	Significance     Significance `json:"significance"`
	MetricValue      *float64     `json:"metric_value,omitempty"`
	RelativeImpact   float64      `json:"relative_impact"`
	PValue           *float64     `json:"p_value,omitempty"`
	DesiredDirection Direction    `json:"desired_direction"`
	Description      string       `json:"description,omitempty"`
	Spec             MetricSpec   `json:"-"`
	SpecError        string       `json:"spec_error,omitempty"`
	Trend            *Trend       `json:"trend,omitempty"`
}

// IsOverall reports whether the row covers the overall population.
func (m MetricResult) IsOverall() bool {
	return strings.EqualFold(strings.TrimSpace(m.DimensionCut), OverallCut)
}

// AbsImpact returns |RelativeImpact|.
func (m MetricResult) AbsImpact() float64 { return math.Abs(m.RelativeImpact) }

// P returns the p-value and whether one was present.
func (m MetricResult) P() (float64, bool) {
	if m.PValue == nil {
		return 0, false
	}
	return *m.PValue, true
}

// MovedUp reports whether the impact is strictly positive.
func (m MetricResult) MovedUp() bool { return m.RelativeImpact > 0 }

// LabelAgreesWithSign reports whether a significant label matches the sign of
// the impact. Non-significant labels always agree.
func (m MetricResult) LabelAgreesWithSign() bool {
	switch m.Significance {
	case SignificantPositive:
		return m.RelativeImpact > 0
	case SignificantNegative:
		return m.RelativeImpact < 0
	}
	return true
}

// PValueInRange reports whether a present p-value lies in [0,1].
func (m MetricResult) PValueInRange() bool {
	p, ok := m.P()
	return !ok || (p >= 0 && p <= 1 && !math.IsNaN(p))
}

// MovesAgainstDesired reports whether the impact opposes a known desired direction.
func (m MetricResult) MovesAgainstDesired() bool {
	switch m.DesiredDirection {
	case DirectionIncrease:
		return m.RelativeImpact < 0
	case DirectionDecrease:
		return m.RelativeImpact > 0
	}
	return false
}

// MovesWithDesired reports whether the impact matches a known desired direction.
func (m MetricResult) MovesWithDesired() bool {
	switch m.DesiredDirection {
	case DirectionIncrease:
		return m.RelativeImpact > 0
	case DirectionDecrease:
		return m.RelativeImpact < 0
	}
	return false
}

// DimensionFamily groups cuts of the same breakdown. The dimension name is used
// when present; otherwise the cut prefix before the first "_", ":" or " ".
func (m MetricResult) DimensionFamily() string {
	if m.IsOverall() {
		return OverallCut
	}
	if m.DimensionName != "" {
		return strings.ToLower(m.DimensionName)
	}
	cut := strings.ToLower(m.DimensionCut)
	if i := strings.IndexAny(cut, "_: "); i > 0 {
		return cut[:i]
	}
	return cut
}

// Key identifies a result within one analysis.
func (m MetricResult) Key() string {
	return m.Arm + "|" + m.MetricName + "|" + m.DimensionCut
}

// MetricDefinition is a catalog entry for a metric.
type MetricDefinition struct {
	Name             string     `json:"name"`
	Description      string     `json:"description"`
	Spec             MetricSpec `json:"-"`
	SpecError        string     `json:"spec_error,omitempty"`
	RawSpec          string     `json:"raw_spec,omitempty"`
	DesiredDirection Direction  `json:"desired_direction"`
}

// SourceDefinition is a catalog entry for a measure's source data.
type SourceDefinition struct {
	ID           string `json:"id"`
	Name         string `json:"name"`
	Description  string `json:"description"`
	SQL          string `json:"sql"`
	LookbackSize string `json:"lookback_size,omitempty"`
	LookbackUnit string `json:"lookback_unit,omitempty"`
	URL          string `json:"url,omitempty"`
}

// Lookback renders the lookback window, e.g. "28 days".
func (s SourceDefinition) Lookback() string {
	if s.LookbackSize == "" {
		return ""
	}
	unit := strings.ToLower(strings.TrimPrefix(s.LookbackUnit, "LOOK_BACK_UNIT_"))
	return strings.TrimSpace(s.LookbackSize + " " + unit)
}
