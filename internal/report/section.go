package report

import (
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/ignite/experiment-callouts/internal/classify"
	"github.com/ignite/experiment-callouts/internal/domain"
	"github.com/ignite/experiment-callouts/internal/reflection"
)

// Section is everything known about one flagged experiment.
type Section struct {
	Experiment     domain.Experiment
	Results        []domain.MetricResult
	Classification classify.Classification
	Reflection     *reflection.Reflection
}

var tierTitles = map[domain.MetricType]string{
	domain.MetricPrimary:   "Primary Metrics",
	domain.MetricSecondary: "Secondary Metrics",
}

// Fallback renders a section without the model. It lists every flag and
// every data issue, and uses no emoji.
func (r *Renderer) Fallback(s Section) (string, error) {
	exp := s.Experiment
	arms := exp.ArmNames()
	if len(arms) == 0 {
		arms = armNames(domain.ArmsFromResults(s.Results))
	}
	cls := s.Classification

	var tiers []map[string]interface{}
	for _, t := range []domain.MetricType{domain.MetricPrimary, domain.MetricSecondary} {
		var lines []map[string]interface{}
		for _, f := range cls.ByTier(t) {
			lines = append(lines, map[string]interface{}{
				"text":      flagLine(f),
				"breakdown": breakdownLine(f),
			})
		}
		if len(lines) == 0 {
			lines = append(lines, map[string]interface{}{
				"text":      fmt.Sprintf("No significant %s movement.", strings.ToLower(strings.TrimSuffix(tierTitles[t], " Metrics"))),
				"breakdown": "",
			})
		}
		tiers = append(tiers, map[string]interface{}{"title": tierTitles[t], "lines": lines})
	}

	var guardrails []string
	for _, f := range cls.ByTier(domain.MetricGuardrail) {
		guardrails = append(guardrails, fmt.Sprintf("ALERT: %s (%s): %s - %s", f.Result.MetricName, location(f.Result), Movement(f.Result), f.Result.Significance))
	}
	var issues []string
	for _, is := range cls.Issues {
		issues = append(issues, fmt.Sprintf("%s (%s): %s - %s", is.Result.MetricName, location(is.Result), is.Kind, is.Detail))
	}

	winner := "No clear winner yet"
	if w, ok := WinningArm(arms, s.Results); ok {
		winner = w
	}

	causes := causeLines(s.Reflection)
	bindings := map[string]interface{}{
		"name":           exp.ProjectName,
		"link":           exp.AnalysisLink,
		"feature":        featureLine(exp, s.Reflection),
		"status":         statusText(exp),
		"rollout":        exp.Rollout,
		"arms":           strings.Join(arms, ", "),
		"multi_arm":      len(arms) > 1,
		"comparison":     ArmComparison(arms, s.Results),
		"winner":         winner,
		"tiers":          tiers,
		"guardrails":     guardrails,
		"has_guardrails": len(guardrails) > 0,
		"issues":         issues,
		"has_issues":     len(issues) > 0,
		"analysis":       analysis(cls, s.Reflection),
		"causes":         causes,
		"has_causes":     len(causes) > 0,
		"recommendation": Recommendation(cls, winner),
	}
	return r.render("section", bindings)
}

func flagLine(f domain.Flag) string {
	res := f.Result
	line := fmt.Sprintf("[%s] %s (%s): %s - %s", f.Severity, res.MetricName, location(res), Movement(res), res.Significance)
	if res.DesiredDirection != "" && res.DesiredDirection != domain.DirectionUnknown {
		line += ", desired " + string(res.DesiredDirection)
	}
	if res.Trend != nil && res.Trend.DaysRunning > 1 {
		line += fmt.Sprintf(", %s over %d days", res.Trend.Direction, res.Trend.DaysRunning)
	}
	return line
}

func breakdownLine(f domain.Flag) string {
	var parts []string
	for _, b := range f.Breakdown {
		if b.Key() == f.Result.Key() {
			continue
		}
		parts = append(parts, b.DimensionCut+" "+Movement(b))
	}
	if len(parts) == 0 {
		return ""
	}
	return "by cut: " + strings.Join(parts, "; ")
}

func causeLines(refl *reflection.Reflection) []string {
	if refl == nil {
		return nil
	}
	out := make([]string, 0, len(refl.Hypotheses))
	for _, h := range refl.Hypotheses {
		line := fmt.Sprintf("%s (confidence: %s, %.2f): %s",
			strings.ReplaceAll(string(h.Kind), "-", " "), domain.ConfidenceLabel(h.Confidence), h.Confidence, h.Description)
		if h.ContextStarved {
			line += " Limited context was available."
		}
		out = append(out, line)
	}
	return out
}

func analysis(cls classify.Classification, refl *reflection.Reflection) string {
	crit := len(cls.BySeverity(domain.SeverityCritical))
	mon := len(cls.BySeverity(domain.SeverityMonitor))
	ok := len(cls.BySeverity(domain.SeverityOnTrack))
	text := fmt.Sprintf("%d flagged movements across %d evaluated rows: %d critical, %d monitor, %d on-track.",
		len(cls.Flags), cls.Evaluated, crit, mon, ok)
	if refl == nil {
		return text
	}
	var details []string
	for _, t := range refl.Triggers {
		details = append(details, t.Detail)
	}
	text += fmt.Sprintf(" The largest concern is %s (%s, %s).", refl.Subject.MetricName, location(refl.Subject), Movement(refl.Subject))
	if len(details) > 0 {
		text += " Patterns found: " + strings.Join(details, "; ") + "."
	}
	if len(refl.Context.Gaps) > 0 {
		text += " Context gaps: " + strings.Join(refl.Context.Gaps, "; ") + "."
	}
	return text
}

// Recommendation derives an actionable recommendation from the flags.
func Recommendation(cls classify.Classification, winner string) string {
	var guardCrit, primCrit []string
	for _, f := range cls.BySeverity(domain.SeverityCritical) {
		if f.Tier() == domain.MetricGuardrail {
			guardCrit = appendName(guardCrit, f.Result.MetricName)
		} else {
			primCrit = appendName(primCrit, f.Result.MetricName)
		}
	}
	primary := cls.ByTier(domain.MetricPrimary)
	switch {
	case len(guardCrit) > 0:
		return fmt.Sprintf("Pause any further rollout and investigate the guardrail regression in %s before expanding.", strings.Join(guardCrit, ", "))
	case len(primCrit) > 0:
		return fmt.Sprintf("Hold the rollout: %s is moving against its desired direction. Review the likely causes before deciding.", strings.Join(primCrit, ", "))
	case winner != "" && winner != "No clear winner yet":
		return fmt.Sprintf("Continue the test with %s as the leading arm and confirm the result holds before shipping.", winner)
	case len(primary) > 0 && allOnTrack(primary):
		return "Primary metrics are moving in the desired direction. Continue the rollout and keep monitoring secondary metrics."
	default:
		return "Keep monitoring: there is no decisive primary movement yet."
	}
}

func allOnTrack(flags []domain.Flag) bool {
	for _, f := range flags {
		if f.Severity != domain.SeverityOnTrack {
			return false
		}
	}
	return true
}

func appendName(list []string, name string) []string {
	for _, n := range list {
		if n == name {
			return list
		}
	}
	return append(list, name)
}

func featureLine(exp domain.Experiment, refl *reflection.Reflection) string {
	summary := exp.BriefSummary
	if summary == "" && refl != nil && refl.Context.Brief != nil {
		summary = refl.Context.Brief.Summary
	}
	return firstSentence(summary, 200)
}

func firstSentence(s string, max int) string {
	s = strings.Join(strings.Fields(s), " ")
	if i := strings.Index(s, ". "); i >= 0 {
		s = s[:i+1]
	}
	if utf8.RuneCountInString(s) > max {
		runes := []rune(s)
		s = string(runes[:max-3]) + "..."
	}
	return s
}

func statusText(exp domain.Experiment) string {
	if exp.RawStatus != "" {
		return exp.RawStatus
	}
	return string(exp.Status)
}

func armNames(arms []domain.Arm) []string {
	out := make([]string, 0, len(arms))
	for _, a := range arms {
		out = append(out, a.Name)
	}
	return out
}
