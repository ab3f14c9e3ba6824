package reflection

import (
	"fmt"
	"sort"
	"strings"

	"github.com/ignite/experiment-callouts/internal/domain"
)

// TriggerKind names a pattern that warrants reflection.
type TriggerKind string

const (
	TriggerUnexpected  TriggerKind = "unexpected"
	TriggerConflicting TriggerKind = "conflicting"
	TriggerLarge       TriggerKind = "large-movement"
)

var triggerRank = map[TriggerKind]int{TriggerUnexpected: 0, TriggerConflicting: 1, TriggerLarge: 2}

// Level grades a large movement.
type Level string

const (
	LevelDeepDive   Level = "deep-dive"
	LevelEscalation Level = "escalation"
)

// Trigger is one detected anomaly. Conflicting triggers carry two metrics.
type Trigger struct {
	Kind    TriggerKind           `json:"kind"`
	Level   Level                 `json:"level,omitempty"`
	Metrics []domain.MetricResult `json:"metrics"`
	Detail  string                `json:"detail"`
}

// Detect scans the overall, significant, internally consistent rows for
// reflection triggers. It does no I/O and is deterministic.
func (e *Engine) Detect(results []domain.MetricResult) []Trigger {
	rows := eligible(results)
	var out []Trigger

	for _, r := range rows {
		if r.MovesAgainstDesired() {
			out = append(out, Trigger{
				Kind:    TriggerUnexpected,
				Metrics: []domain.MetricResult{r},
				Detail: fmt.Sprintf("%s moved %+.2f%% against its desired direction (%s)",
					r.MetricName, r.RelativeImpact*100, r.DesiredDirection),
			})
		}
		if t, ok := e.largeMovement(r); ok {
			out = append(out, t)
		}
	}

	for i := 0; i < len(rows); i++ {
		for j := i + 1; j < len(rows); j++ {
			a, b := rows[i], rows[j]
			if a.Arm != b.Arm || a.MetricName == b.MetricName {
				continue
			}
			if (a.RelativeImpact > 0) == (b.RelativeImpact > 0) || !e.Related(a, b) {
				continue
			}
			if b.MetricName < a.MetricName {
				a, b = b, a
			}
			out = append(out, Trigger{
				Kind:    TriggerConflicting,
				Metrics: []domain.MetricResult{a, b},
				Detail: fmt.Sprintf("%s (%+.2f%%) and %s (%+.2f%%) moved in opposite directions",
					a.MetricName, a.RelativeImpact*100, b.MetricName, b.RelativeImpact*100),
			})
		}
	}

	sort.SliceStable(out, func(i, j int) bool {
		if triggerRank[out[i].Kind] != triggerRank[out[j].Kind] {
			return triggerRank[out[i].Kind] < triggerRank[out[j].Kind]
		}
		a, b := out[i].Metrics[0], out[j].Metrics[0]
		if a.AbsImpact() != b.AbsImpact() {
			return a.AbsImpact() > b.AbsImpact()
		}
		return a.Key() < b.Key()
	})
	return out
}

func (e *Engine) largeMovement(r domain.MetricResult) (Trigger, bool) {
	abs := r.AbsImpact()
	p, hasP := r.P()
	extreme := hasP && p < e.cfg.ExtremeP

	var level Level
	switch {
	case abs > e.cfg.EscalationImpact:
		level = LevelEscalation
	case abs > e.cfg.DeepDiveImpact:
		level = LevelDeepDive
	case extreme:
		level = LevelDeepDive
	default:
		return Trigger{}, false
	}

	detail := fmt.Sprintf("%s moved %+.2f%%", r.MetricName, r.RelativeImpact*100)
	if extreme {
		detail += fmt.Sprintf(" with p=%.4f", p)
	}
	return Trigger{Kind: TriggerLarge, Level: level, Metrics: []domain.MetricResult{r}, Detail: detail}, true
}

// Related reports whether two metrics are expected to move together: both
// primary, sharing a measure, one name prefixing the other, or listed together
// in the configured relation groups.
func (e *Engine) Related(a, b domain.MetricResult) bool {
	if a.MetricName == b.MetricName {
		return false
	}
	if a.MetricType == domain.MetricPrimary && b.MetricType == domain.MetricPrimary {
		return true
	}
	na, nb := strings.ToLower(a.MetricName), strings.ToLower(b.MetricName)
	if strings.HasPrefix(na, nb+"_") || strings.HasPrefix(nb, na+"_") {
		return true
	}
	if shareMeasure(a.Spec, b.Spec) {
		return true
	}
	return e.configuredRelation(na, nb)
}

func (e *Engine) configuredRelation(a, b string) bool {
	for _, group := range e.cfg.RelatedMetrics {
		var hasA, hasB bool
		for _, n := range group {
			n = strings.ToLower(n)
			hasA = hasA || n == a
			hasB = hasB || n == b
		}
		if hasA && hasB {
			return true
		}
	}
	return false
}

func shareMeasure(a, b domain.MetricSpec) bool {
	ids := map[string]bool{}
	for _, id := range domain.MeasureIDs(a) {
		ids[id] = true
	}
	for _, id := range domain.MeasureIDs(b) {
		if ids[id] {
			return true
		}
	}
	return false
}

func eligible(results []domain.MetricResult) []domain.MetricResult {
	var out []domain.MetricResult
	for _, r := range results {
		if r.IsOverall() && r.Significance.IsSignificant() && r.LabelAgreesWithSign() && r.PValueInRange() {
			out = append(out, r)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Key() < out[j].Key() })
	return out
}
