package snowflake

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/ignite/experiment-callouts/internal/domain"
)

// GetMetricDefinition returns the catalog entry for a metric.
func (c *Client) GetMetricDefinition(ctx context.Context, metricName string) (*domain.MetricDefinition, error) {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	query := fmt.Sprintf(`
		SELECT name, description, TO_VARCHAR(metric_spec), desired_direction
		FROM %s
		WHERE name = ?
		LIMIT 1`, c.config.Tables.Metrics)

	var (
		def                   domain.MetricDefinition
		desc, spec, direction sql.NullString
	)
	err := c.db.QueryRowContext(ctx, query, metricName).Scan(&def.Name, &desc, &spec, &direction)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, unavailable("get_metric_definition", metricName, nil)
	}
	if err != nil {
		return nil, unavailable("get_metric_definition", metricName, fmt.Errorf("failed to query metric definition: %w", err))
	}

	def.Description = desc.String
	def.DesiredDirection = domain.ParseDirection(direction.String)
	def.RawSpec = strings.TrimSpace(spec.String)
	if def.RawSpec != "" {
		parsed, err := domain.ParseMetricSpec([]byte(def.RawSpec))
		if err != nil {
			def.SpecError = err.Error()
			c.log.Warn("unrecognized metric spec", "metric", metricName, "error", err)
		} else {
			def.Spec = parsed
		}
	}
	return &def, nil
}

// GetSourceDefinition returns the source SQL and lookback for a measure's source.
func (c *Client) GetSourceDefinition(ctx context.Context, measureID string) (*domain.SourceDefinition, error) {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	query := fmt.Sprintf(`
		SELECT id, name, description,
		       compute_spec:lookBackPeriod::string,
		       compute_spec:lookBackUnit::string,
		       compute_spec:snowflakeSpec:sql::string
		FROM %s
		WHERE id = ?
		LIMIT 1`, c.config.Tables.Sources)

	var (
		src                         domain.SourceDefinition
		desc, period, unit, sqlText sql.NullString
	)
	err := c.db.QueryRowContext(ctx, query, measureID).Scan(&src.ID, &src.Name, &desc, &period, &unit, &sqlText)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, unavailable("get_source_definition", measureID, nil)
	}
	if err != nil {
		return nil, unavailable("get_source_definition", measureID, fmt.Errorf("failed to query source definition: %w", err))
	}
	src.Description = desc.String
	src.LookbackSize = period.String
	src.LookbackUnit = unit.String
	src.SQL = sqlText.String
	if base := strings.TrimRight(c.config.SourceURLBase, "/"); base != "" {
		src.URL = base + "/" + src.ID
	}
	return &src, nil
}
