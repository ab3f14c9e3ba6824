package batch

import (
	"context"
	"errors"
	"fmt"

	"github.com/ignite/experiment-callouts/internal/agent"
	"github.com/ignite/experiment-callouts/internal/domain"
)

// ErrNoAnalysis is returned by Analyze without an analysis id.
var ErrNoAnalysis = errors.New("analysis id is required")

// Target names one experiment to analyze outside the daily run.
type Target struct {
	Date        string
	AnalysisID  string
	ProjectName string
}

// Analyze runs one orchestrator for a single experiment. The registry row for
// the analysis id supplies status and arms when the experiment is listed on
// the date; otherwise the run proceeds with the id and name alone. Nothing is
// saved, persisted or delivered.
func (d *Driver) Analyze(ctx context.Context, t Target) (*agent.Outcome, error) {
	if t.AnalysisID == "" {
		return nil, ErrNoAnalysis
	}
	date := t.Date
	if date == "" {
		latest, err := d.deps.Store.LatestExperimentDate(ctx)
		if err != nil {
			return nil, fmt.Errorf("resolve latest date: %w", err)
		}
		date = latest
	}

	exp := domain.Experiment{ProjectName: t.ProjectName, AnalysisID: t.AnalysisID}
	exps, err := d.deps.Store.ListActiveExperiments(ctx, date)
	if err != nil {
		d.log.Warn("registry unavailable, analyzing without it", "date", date, "error", err)
	}
	for _, e := range exps {
		if e.AnalysisID == t.AnalysisID {
			exp = e
			break
		}
	}
	if exp.ProjectName == "" {
		exp.ProjectName = t.AnalysisID
	}

	deps := d.deps.Agent
	deps.Log = d.log
	o, err := agent.NewOrchestrator(deps)
	if err != nil {
		return nil, err
	}
	d.log.Info("analyzing experiment", "date", date, "experiment", exp.ProjectName, "analysis_id", exp.AnalysisID)
	return o.Run(ctx, agent.Task{Date: date, Experiment: exp})
}
