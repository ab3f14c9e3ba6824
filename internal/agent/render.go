package agent

import (
	"fmt"
	"strings"

	"github.com/ignite/experiment-callouts/internal/classify"
	"github.com/ignite/experiment-callouts/internal/domain"
	"github.com/ignite/experiment-callouts/internal/reflection"
	"github.com/ignite/experiment-callouts/internal/report"
)

// renderClassification lists flags in classification order, then issues.
func renderClassification(exp domain.Experiment, cls classify.Classification) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Classification for %s (%s): %d rows evaluated, %d flagged.\n", exp.ProjectName, exp.AnalysisID, cls.Evaluated, len(cls.Flags))
	for _, tier := range domain.TierOrder {
		flags := cls.ByTier(tier)
		if len(flags) == 0 {
			continue
		}
		fmt.Fprintf(&b, "\n%s:\n", strings.ToUpper(string(tier)))
		for _, f := range flags {
			r := f.Result
			fmt.Fprintf(&b, "- [%s] %s arm=%s cut=%s %s %s desired=%s rule=%s\n",
				f.Severity, r.MetricName, r.Arm, r.DimensionCut, report.Movement(r), r.Significance, r.DesiredDirection, f.Rule)
			for _, bd := range f.Breakdown {
				fmt.Fprintf(&b, "    %s=%s %s\n", bd.DimensionName, bd.DimensionCut, report.Movement(bd))
			}
		}
	}
	if len(cls.Issues) > 0 {
		b.WriteString("\nDATA ISSUES:\n")
		for _, is := range cls.Issues {
			fmt.Fprintf(&b, "- %s arm=%s cut=%s: %s (%s)\n", is.Result.MetricName, is.Result.Arm, is.Result.DimensionCut, is.Kind, is.Detail)
		}
	}
	return b.String()
}

// renderReflection summarizes triggers, context gaps and ranked hypotheses.
func renderReflection(refl *reflection.Reflection) string {
	if refl == nil {
		return "No reflection triggers: nothing conflicting, unexpected or unusually large."
	}
	var b strings.Builder
	fmt.Fprintf(&b, "Reflection subject: %s (arm=%s cut=%s) %s\n", refl.Subject.MetricName, refl.Subject.Arm, refl.Subject.DimensionCut, report.Movement(refl.Subject))
	b.WriteString("\nTriggers:\n")
	for _, t := range refl.Triggers {
		level := ""
		if t.Level != "" {
			level = " [" + string(t.Level) + "]"
		}
		fmt.Fprintf(&b, "- %s%s: %s\n", t.Kind, level, t.Detail)
	}
	if len(refl.Correlated) > 0 {
		b.WriteString("\nCorrelated metrics:\n")
		for _, r := range refl.Correlated {
			fmt.Fprintf(&b, "- %s arm=%s %s %s\n", r.MetricName, r.Arm, report.Movement(r), r.Significance)
		}
	}
	if len(refl.Context.Gaps) > 0 {
		b.WriteString("\nContext gaps:\n")
		for _, g := range refl.Context.Gaps {
			fmt.Fprintf(&b, "- %s\n", g)
		}
	}
	b.WriteString("\nHypotheses (ranked):\n")
	if len(refl.Hypotheses) == 0 {
		b.WriteString("- none with supporting or contradicting evidence\n")
	}
	for i, h := range refl.Hypotheses {
		starved := ""
		if h.ContextStarved {
			starved = ", context-starved"
		}
		fmt.Fprintf(&b, "%d. %s confidence=%.2f (%s%s) supporting=%d contradicting=%d neutral=%d: %s\n",
			i+1, h.Kind, h.Confidence, domain.ConfidenceLabel(h.Confidence), starved,
			h.Supporting(), h.Contradicting(), h.Neutral, h.Description)
	}
	return b.String()
}

func renderDefinition(def *domain.MetricDefinition) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Metric: %s\nDescription: %s\nDesired direction: %s\n", def.Name, orNA(def.Description), def.DesiredDirection)
	if def.Spec == nil {
		fmt.Fprintf(&b, "Spec: unavailable (%s)\n", orNA(def.SpecError))
		return b.String()
	}
	b.WriteString(renderSpec(def.Spec))
	return b.String()
}

func renderSpec(spec domain.MetricSpec) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Spec kind: %s\nMeasures:\n", spec.Kind())
	for _, m := range spec.Measures() {
		fmt.Fprintf(&b, "- %s: %s (id=%s source=%s aggregation=%s)\n", m.Role, m.Name, m.ID, orNA(m.SourceRef()), orNA(m.Aggregation))
	}
	return b.String()
}

func renderSource(src *domain.SourceDefinition) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Source: %s (%s)\nDescription: %s\nLookback: %s\nURL: %s\n", src.Name, src.ID, orNA(src.Description), orNA(src.Lookback()), orNA(src.URL))
	if src.SQL != "" {
		fmt.Fprintf(&b, "\n```sql\n%s\n```\n", strings.TrimSpace(src.SQL))
	}
	return b.String()
}

func renderBrief(brief *domain.Brief) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Project: %s\nStatus: %s\nRollout: %s\nBrief: %s\n", brief.ProjectName, orNA(brief.Status), orNA(brief.Rollout), orNA(brief.BriefLink))
	if text := brief.Text(); text != "" {
		fmt.Fprintf(&b, "\n%s\n", text)
	}
	return b.String()
}

func orNA(s string) string {
	if strings.TrimSpace(s) == "" {
		return "n/a"
	}
	return s
}
