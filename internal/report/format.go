package report

import (
	"fmt"
	"sort"
	"strings"

	"github.com/jedib0t/go-pretty/v6/table"

	"github.com/ignite/experiment-callouts/internal/domain"
)

// Impact renders a signed fraction as a signed percentage: -0.2163 is "-21.63%".
func Impact(v float64) string {
	return fmt.Sprintf("%+.2f%%", v*100)
}

// PValue renders "p=0.0012", or "p=n/a" when the row carried no p-value.
func PValue(p *float64) string {
	if p == nil {
		return "p=n/a"
	}
	return fmt.Sprintf("p=%.4f", *p)
}

// Movement is the "+2.10% (p=0.0010)" pair used throughout reports.
func Movement(r domain.MetricResult) string {
	return Impact(r.RelativeImpact) + " (" + PValue(r.PValue) + ")"
}

func location(r domain.MetricResult) string {
	cut := r.DimensionCut
	if cut == "" {
		cut = domain.OverallCut
	}
	if r.Arm == "" {
		return cut
	}
	return r.Arm + ", " + cut
}

// Table renders an ad-hoc query result as a markdown table.
func Table(t domain.Table) string {
	if len(t.Columns) == 0 {
		return "(no columns)"
	}
	w := table.NewWriter()
	w.AppendHeader(toRow(t.Columns))
	for _, r := range t.Rows {
		w.AppendRow(toRow(r))
	}
	out := w.RenderMarkdown()
	if len(t.Rows) == 0 {
		out += "\n(no rows)"
	}
	if t.Truncated {
		out += fmt.Sprintf("\n(truncated to %d rows)", len(t.Rows))
	}
	return out
}

// ResultsTable renders metric results as a markdown table.
func ResultsTable(results []domain.MetricResult) string {
	if len(results) == 0 {
		return "No metric results found."
	}
	w := table.NewWriter()
	w.AppendHeader(table.Row{"metric", "type", "arm", "cut", "impact", "p", "significance", "desired", "trend"})
	for _, r := range results {
		p := strings.TrimPrefix(PValue(r.PValue), "p=")
		trend := "-"
		if r.Trend != nil {
			trend = fmt.Sprintf("%s (%dd)", r.Trend.Direction, r.Trend.DaysRunning)
		}
		w.AppendRow(table.Row{r.MetricName, r.MetricType, r.Arm, r.DimensionCut, Impact(r.RelativeImpact), p, r.Significance, r.DesiredDirection, trend})
	}
	return w.RenderMarkdown()
}

// ExperimentsTable renders the registry entries given to the model.
func ExperimentsTable(exps []domain.Experiment) string {
	if len(exps) == 0 {
		return "No active experiments found."
	}
	w := table.NewWriter()
	w.AppendHeader(table.Row{"project", "analysis_id", "status", "rollout", "arms", "analysis_link"})
	for _, e := range exps {
		w.AppendRow(table.Row{e.ProjectName, e.AnalysisID, e.Status, e.Rollout, strings.Join(e.ArmNames(), ", "), e.AnalysisLink})
	}
	return w.RenderMarkdown()
}

// ArmComparison renders overall primary metrics side by side per arm, with
// the arm that moved most in the desired direction as winner.
func ArmComparison(arms []string, results []domain.MetricResult) string {
	byMetric := make(map[string]map[string]domain.MetricResult)
	for _, r := range results {
		if r.MetricType != domain.MetricPrimary || !r.IsOverall() {
			continue
		}
		if byMetric[r.MetricName] == nil {
			byMetric[r.MetricName] = make(map[string]domain.MetricResult)
		}
		byMetric[r.MetricName][r.Arm] = r
	}
	names := make([]string, 0, len(byMetric))
	for n := range byMetric {
		names = append(names, n)
	}
	sort.Strings(names)

	w := table.NewWriter()
	header := table.Row{"Metric"}
	for _, a := range arms {
		header = append(header, a)
	}
	w.AppendHeader(append(header, "Winner"))
	for _, n := range names {
		row := table.Row{n}
		for _, a := range arms {
			if r, ok := byMetric[n][a]; ok {
				row = append(row, Movement(r))
			} else {
				row = append(row, "-")
			}
		}
		row = append(row, metricWinner(arms, byMetric[n]))
		w.AppendRow(row)
	}
	return w.RenderMarkdown()
}

func metricWinner(arms []string, byArm map[string]domain.MetricResult) string {
	best, bestAbs := "-", 0.0
	for _, a := range arms {
		r, ok := byArm[a]
		if !ok || !r.Significance.IsSignificant() || !r.MovesWithDesired() {
			continue
		}
		if r.AbsImpact() > bestAbs {
			best, bestAbs = a, r.AbsImpact()
		}
	}
	return best
}

// WinningArm scores each arm by significant overall primary movements with
// (+1) or against (-1) the desired direction. A tie at the top means no winner.
func WinningArm(arms []string, results []domain.MetricResult) (string, bool) {
	score := make(map[string]int, len(arms))
	for _, r := range results {
		if r.MetricType != domain.MetricPrimary || !r.IsOverall() || !r.Significance.IsSignificant() {
			continue
		}
		switch {
		case r.MovesWithDesired():
			score[r.Arm]++
		case r.MovesAgainstDesired():
			score[r.Arm]--
		}
	}
	best, bestScore, tied := "", 0, false
	for _, a := range arms {
		s := score[a]
		switch {
		case best == "" || s > bestScore:
			best, bestScore, tied = a, s, false
		case s == bestScore:
			tied = true
		}
	}
	if best == "" || tied || bestScore <= 0 {
		return "", false
	}
	return best, true
}

func toRow(cells []string) table.Row {
	row := make(table.Row, len(cells))
	for i, c := range cells {
		row[i] = c
	}
	return row
}
