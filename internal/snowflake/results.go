package snowflake

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/ignite/experiment-callouts/internal/domain"
)

const resultColumns = `analysis_id, metric_name, dimension_name, dimension_cut_name, variant_name,
		       metric_value, metric_impact_relative, p_value, stat_sig, metric_definition,
		       TO_VARCHAR(metric_spec), metric_desired_direction, TO_VARCHAR(metric_trend_history)`

// GetAllMetricResults returns every non-control row of the latest snapshot
// of an analysis. An empty dimensionCut returns all cuts.
func (c *Client) GetAllMetricResults(ctx context.Context, analysisID, dimensionCut string) ([]domain.MetricResult, error) {
	var filter string
	args := []interface{}{analysisID, analysisID}
	if dimensionCut != "" {
		filter = "AND LOWER(dimension_cut_name) = LOWER(?)"
		args = append(args, dimensionCut)
	}
	results, err := c.queryResults(ctx, filter, args)
	if err != nil {
		return nil, unavailable("get_all_metric_results", analysisID, err)
	}
	return results, nil
}

// GetMetricResults returns the significant rows of an analysis, optionally
// restricted to one tier. Guardrail rows are only returned when negative.
// Rows are ordered by tier, overall cut first, then |impact| descending.
func (c *Client) GetMetricResults(ctx context.Context, analysisID string, tier domain.MetricType) ([]domain.MetricResult, error) {
	filter := "AND stat_sig IN ('significant positive', 'significant negative')"
	results, err := c.queryResults(ctx, filter, []interface{}{analysisID, analysisID})
	if err != nil {
		return nil, unavailable("get_metric_results", analysisID, err)
	}

	var out []domain.MetricResult
	for _, r := range results {
		if tier != "" && r.MetricType != tier {
			continue
		}
		if r.MetricType == domain.MetricGuardrail && r.Significance != domain.SignificantNegative {
			continue
		}
		out = append(out, r)
	}
	sort.SliceStable(out, func(i, j int) bool {
		ti, tj := tierIndex(out[i].MetricType), tierIndex(out[j].MetricType)
		if ti != tj {
			return ti < tj
		}
		if out[i].IsOverall() != out[j].IsOverall() {
			return out[i].IsOverall()
		}
		return out[i].AbsImpact() > out[j].AbsImpact()
	})
	if len(out) > c.config.MaxRows {
		out = out[:c.config.MaxRows]
	}
	return out, nil
}

func tierIndex(t domain.MetricType) int {
	for i, tt := range domain.TierOrder {
		if tt == t {
			return i
		}
	}
	return len(domain.TierOrder)
}

func (c *Client) queryResults(ctx context.Context, filter string, args []interface{}) ([]domain.MetricResult, error) {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	t := c.config.Tables.Results
	query := fmt.Sprintf(`
		SELECT %s
		FROM %s
		WHERE analysis_id = ?
		  AND LOWER(variant_name) <> 'control'
		  AND fetched_at = (SELECT MAX(fetched_at) FROM %s WHERE analysis_id = ?)
		  %s
		ORDER BY metric_name, variant_name, dimension_cut_name`, resultColumns, t, t, filter)

	rows, err := c.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query metric results: %w", err)
	}
	defer rows.Close()

	var out []domain.MetricResult
	for rows.Next() {
		r, err := c.scanResult(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read metric results: %w", err)
	}
	return out, nil
}

func (c *Client) scanResult(rows *sql.Rows) (domain.MetricResult, error) {
	var (
		r                       domain.MetricResult
		dimName, cut, sig, desc sql.NullString
		spec, direction, trend  sql.NullString
		value, impact, p        sql.NullFloat64
	)
	if err := rows.Scan(&r.AnalysisID, &r.MetricName, &dimName, &cut, &r.Arm,
		&value, &impact, &p, &sig, &desc, &spec, &direction, &trend); err != nil {
		return r, fmt.Errorf("failed to scan metric result: %w", err)
	}

	r.MetricType = c.catalog.TypeOf(r.MetricName)
	r.DimensionName = dimName.String
	r.DimensionCut = cut.String
	if r.DimensionCut == "" {
		r.DimensionCut = domain.OverallCut
	}
	r.Significance = domain.ParseSignificance(sig.String)
	if value.Valid {
		v := value.Float64
		r.MetricValue = &v
	}
	r.RelativeImpact = impact.Float64
	if p.Valid {
		pv := p.Float64
		r.PValue = &pv
	}
	r.DesiredDirection = domain.ParseDirection(direction.String)
	r.Description = desc.String
	if s := strings.TrimSpace(spec.String); s != "" {
		parsed, err := domain.ParseMetricSpec([]byte(s))
		if err != nil {
			r.SpecError = err.Error()
		} else {
			r.Spec = parsed
		}
	}
	r.Trend = parseTrendHistory(trend.String)
	return r, nil
}

type trendHistory struct {
	Values []struct {
		Impact *float64 `json:"impact"`
	} `json:"values"`
	DaysRunning int `json:"days_running"`
}

// parseTrendHistory reads the crawler's per-row trend JSON. Malformed or
// empty history yields nil.
func parseTrendHistory(raw string) *domain.Trend {
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	var h trendHistory
	if err := json.Unmarshal([]byte(raw), &h); err != nil {
		return nil
	}
	impacts := make([]float64, 0, len(h.Values))
	for _, v := range h.Values {
		if v.Impact != nil {
			impacts = append(impacts, *v.Impact)
		}
	}
	t := domain.NewTrend(impacts)
	if t != nil && h.DaysRunning > t.DaysRunning {
		t.DaysRunning = h.DaysRunning
	}
	return t
}
