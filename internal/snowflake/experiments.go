package snowflake

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/ignite/experiment-callouts/internal/domain"
)

const liveView = "Live Experiments"

// LatestExperimentDate returns the most recent registry snapshot date.
func (c *Client) LatestExperimentDate(ctx context.Context) (string, error) {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	query := fmt.Sprintf(`SELECT MAX(DATE(fetched_at)) FROM %s WHERE view_name = ?`, c.config.Tables.Experiments)
	var latest sql.NullTime
	if err := c.db.QueryRowContext(ctx, query, liveView).Scan(&latest); err != nil {
		return "", unavailable("latest_experiment_date", c.config.Tables.Experiments,
			fmt.Errorf("failed to get latest date: %w", err))
	}
	if !latest.Valid {
		return "", unavailable("latest_experiment_date", c.config.Tables.Experiments, nil)
	}
	return latest.Time.Format("2006-01-02"), nil
}

// ListActiveExperiments returns the registry's in-experiment and ramping
// entries for date. Arms are filled in later from the results.
func (c *Client) ListActiveExperiments(ctx context.Context, date string) ([]domain.Experiment, error) {
	if _, err := time.Parse("2006-01-02", date); err != nil {
		return nil, fmt.Errorf("invalid date %q: %w", date, err)
	}
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	query := fmt.Sprintf(`
		SELECT project_name, brief_summary, details, status_notes, brief, curie_ios,
		       curie_android, project_status, rollout_pct
		FROM %s
		WHERE view_name = ? AND DATE(fetched_at) = ?
		ORDER BY project_name`, c.config.Tables.Experiments)

	rows, err := c.db.QueryContext(ctx, query, liveView, date)
	if err != nil {
		return nil, unavailable("list_active_experiments", date, fmt.Errorf("failed to query experiments: %w", err))
	}
	defer rows.Close()

	var out []domain.Experiment
	for rows.Next() {
		var (
			name                                 string
			summary, details, notes, brief       sql.NullString
			curieIOS, curieAndroid, status, roll sql.NullString
		)
		if err := rows.Scan(&name, &summary, &details, &notes, &brief, &curieIOS, &curieAndroid, &status, &roll); err != nil {
			return nil, unavailable("list_active_experiments", date, fmt.Errorf("failed to scan experiment: %w", err))
		}
		link := curieIOS.String
		id := domain.ExtractAnalysisID(link)
		if id == "" {
			link = curieAndroid.String
			id = domain.ExtractAnalysisID(link)
		}
		exp := domain.Experiment{
			ProjectName:  name,
			AnalysisID:   id,
			RawStatus:    status.String,
			Status:       domain.ParseExperimentStatus(status.String),
			Rollout:      roll.String,
			BriefLink:    brief.String,
			AnalysisLink: link,
			BriefSummary: summary.String,
			Details:      details.String,
			StatusNotes:  notes.String,
		}
		if !exp.Status.IsActive() {
			continue
		}
		out = append(out, exp)
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable("list_active_experiments", date, err)
	}
	return out, nil
}

// GetExperimentBrief returns the most recent registry entry for a project.
func (c *Client) GetExperimentBrief(ctx context.Context, projectName string) (*domain.Brief, error) {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	query := fmt.Sprintf(`
		SELECT project_name, brief_summary, details, status_notes, brief, project_status, rollout_pct
		FROM %s
		WHERE project_name = ? AND view_name = ?
		ORDER BY fetched_at DESC
		LIMIT 1`, c.config.Tables.Experiments)

	var (
		b                             domain.Brief
		summary, details, notes, link sql.NullString
		status, rollout               sql.NullString
	)
	err := c.db.QueryRowContext(ctx, query, projectName, liveView).
		Scan(&b.ProjectName, &summary, &details, &notes, &link, &status, &rollout)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, unavailable("get_experiment_brief", projectName, nil)
	}
	if err != nil {
		return nil, unavailable("get_experiment_brief", projectName, fmt.Errorf("failed to query brief: %w", err))
	}
	b.Summary, b.Details, b.StatusNotes = summary.String, details.String, notes.String
	b.BriefLink, b.Status, b.Rollout = link.String, status.String, rollout.String
	return &b, nil
}
