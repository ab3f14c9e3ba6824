package reflection

import (
	"fmt"
	"strings"

	"github.com/ignite/experiment-callouts/internal/domain"
)

// stance is the verdict of one evidence result against a hypothesis.
type stance int

const (
	neutral stance = iota
	supports
	contradicts
)

// scope selects which rows an evidence query reads.
type scope int

const (
	// overall rows of the subject's arm, excluding the subject itself
	scopeLandscape scope = iota
	// non-overall cuts of the subject metric in the subject's arm
	scopeSubjectCuts
	// the subject row only
	scopeSubject
	// every row of the analysis, including inconsistent ones
	scopeAll
)

// prediction is the movement a hypothesis expects of matched rows.
type prediction int

const (
	predictUp prediction = iota
	predictDown
	predictSame     // same sign as the subject
	predictOpposite // opposite sign to the subject
)

type query struct {
	desc   string
	scope  scope
	match  func(r, subject domain.MetricResult) bool
	expect prediction
	// judge overrides the default significant-and-directional verdict
	judge func(r, subject domain.MetricResult) stance
}

type candidate struct {
	kind     domain.HypothesisKind
	describe func(subject domain.MetricResult) string
	queries  []query
}

func nameHas(parts ...string) func(r, subject domain.MetricResult) bool {
	return func(r, _ domain.MetricResult) bool {
		n := strings.ToLower(r.MetricName)
		for _, p := range parts {
			if strings.Contains(n, p) {
				return true
			}
		}
		return false
	}
}

func isPlatformCut(r domain.MetricResult) bool {
	s := strings.ToLower(r.DimensionFamily() + " " + r.DimensionCut)
	for _, p := range []string{"platform", "channel", "ios", "android", "web", "desktop", "device", "source"} {
		if strings.Contains(s, p) {
			return true
		}
	}
	return false
}

// taxonomy returns the ordered candidate explanations. Order is the prior and
// breaks confidence ties.
func (e *Engine) taxonomy() []candidate {
	related := func(r, subject domain.MetricResult) bool { return e.Related(r, subject) }

	return []candidate{
		{
			kind: domain.HypothesisAddedFriction,
			describe: func(s domain.MetricResult) string {
				return fmt.Sprintf("The change adds a step or friction to the flow, suppressing %s.", s.MetricName)
			},
			queries: []query{
				{desc: "conversion and checkout metrics fall", scope: scopeLandscape,
					match: nameHas("conversion", "checkout", "cart", "order_rate"), expect: predictDown},
				{desc: "latency and responsiveness guardrails rise", scope: scopeLandscape,
					match: nameHas("latency", "hitch", "tbt", "inp_"), expect: predictUp},
			},
		},
		{
			kind: domain.HypothesisQualityFilter,
			describe: func(s domain.MetricResult) string {
				return fmt.Sprintf("The change filters out low-intent users: %s falls in volume while per-user quality improves.", s.MetricName)
			},
			queries: []query{
				{desc: "per-user and per-order quality metrics rise", scope: scopeLandscape,
					match: nameHas("per_active_user", "per_user", "per_order", "frequency", "aov"), expect: predictUp},
				{desc: "reach and volume metrics fall", scope: scopeLandscape,
					match: nameHas("mau", "signup", "consumers", "visitors"), expect: predictDown},
				{desc: "cancellation and lateness fall", scope: scopeLandscape,
					match: nameHas("cancellation", "late20", "mto"), expect: predictDown},
			},
		},
		{
			kind: domain.HypothesisSegmentShift,
			describe: func(s domain.MetricResult) string {
				return fmt.Sprintf("The movement of %s is concentrated in a user segment rather than spread evenly.", s.MetricName)
			},
			queries: []query{
				{desc: "segment cuts of the subject move with it", scope: scopeSubjectCuts,
					match: func(r, _ domain.MetricResult) bool { return !isPlatformCut(r) }, expect: predictSame},
			},
		},
		{
			kind: domain.HypothesisPopulationMismatch,
			describe: func(s domain.MetricResult) string {
				return fmt.Sprintf("%s is measured on a different population than the metrics it is compared with.", s.MetricName)
			},
			queries: []query{
				{desc: "related metrics move the opposite way", scope: scopeLandscape,
					match: related, expect: predictOpposite},
				{desc: "web-only metrics disagree with the subject", scope: scopeLandscape,
					match: func(r, s domain.MetricResult) bool {
						return strings.HasPrefix(r.MetricName, "webx_") != strings.HasPrefix(s.MetricName, "webx_")
					}, expect: predictOpposite},
			},
		},
		{
			kind: domain.HypothesisDataQuality,
			describe: func(s domain.MetricResult) string {
				return fmt.Sprintf("A tracking or logging problem distorts %s rather than a real behavior change.", s.MetricName)
			},
			queries: []query{
				{desc: "rows whose label contradicts their impact", scope: scopeAll,
					match: func(r, _ domain.MetricResult) bool { return !r.LabelAgreesWithSign() || !r.PValueInRange() },
					judge: func(domain.MetricResult, domain.MetricResult) stance { return supports }},
				{desc: "crash and error guardrails rise", scope: scopeLandscape,
					match: nameHas("crash", "page_load_error", "page_action_error"), expect: predictUp},
				{desc: "related metrics confirm the movement", scope: scopeLandscape,
					match: related,
					judge: func(r, s domain.MetricResult) stance {
						if sameSignificantDirection(r, s) {
							return contradicts
						}
						return neutral
					}},
			},
		},
		{
			kind: domain.HypothesisTemporalEffect,
			describe: func(s domain.MetricResult) string {
				return fmt.Sprintf("Novelty or seasonality: %s reflects the experiment's early days rather than a steady state.", s.MetricName)
			},
			queries: []query{
				{desc: "subject trend history", scope: scopeSubject,
					match: func(r, _ domain.MetricResult) bool { return r.Trend != nil },
					judge: func(r, _ domain.MetricResult) stance {
						switch {
						case r.Trend.Direction == domain.TrendNew || r.Trend.DaysRunning < 7:
							return supports
						case r.Trend.Direction == domain.TrendStable && r.Trend.DaysRunning >= 14:
							return contradicts
						case r.Trend.Direction == domain.TrendImproving && r.RelativeImpact < 0,
							r.Trend.Direction == domain.TrendDeclining && r.RelativeImpact > 0:
							// the effect is fading toward zero
							return supports
						}
						return neutral
					}},
			},
		},
		{
			kind: domain.HypothesisChannelMixShift,
			describe: func(s domain.MetricResult) string {
				return fmt.Sprintf("A shift in platform or channel mix drives %s.", s.MetricName)
			},
			queries: []query{
				{desc: "platform and channel cuts of the subject move with it", scope: scopeSubjectCuts,
					match: func(r, _ domain.MetricResult) bool { return isPlatformCut(r) }, expect: predictSame},
			},
		},
	}
}

func sameSignificantDirection(r, s domain.MetricResult) bool {
	return r.Significance.IsSignificant() && r.LabelAgreesWithSign() &&
		(r.RelativeImpact > 0) == (s.RelativeImpact > 0) && r.RelativeImpact != 0
}

// verdict applies the default rule: significant movement in the predicted
// direction supports, significant movement against it contradicts, anything
// else is neutral.
func (q query) verdict(r, subject domain.MetricResult) stance {
	if q.judge != nil {
		return q.judge(r, subject)
	}
	if !r.Significance.IsSignificant() || !r.LabelAgreesWithSign() || r.RelativeImpact == 0 {
		return neutral
	}
	up := r.RelativeImpact > 0
	var wantUp bool
	switch q.expect {
	case predictUp:
		wantUp = true
	case predictDown:
		wantUp = false
	case predictSame:
		wantUp = subject.RelativeImpact > 0
	case predictOpposite:
		wantUp = subject.RelativeImpact <= 0
	}
	if up == wantUp {
		return supports
	}
	return contradicts
}
