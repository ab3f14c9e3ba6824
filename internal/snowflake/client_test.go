package snowflake

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ignite/experiment-callouts/internal/domain"
)

func setupTestDB(t *testing.T) (*Client, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return newClient(db, Config{MaxRows: 3}, nil), mock
}

var resultCols = []string{
	"analysis_id", "metric_name", "dimension_name", "dimension_cut_name", "variant_name",
	"metric_value", "metric_impact_relative", "p_value", "stat_sig", "metric_definition",
	"metric_spec", "metric_desired_direction", "metric_trend_history",
}

// =============================================================================
// Configuration
// =============================================================================

func TestParseConnectionString(t *testing.T) {
	cfg := ParseConnectionString("scheme=https;ACCOUNT=HZDABLB-WLB56571;port=443;USER=testuser;PASSWORD=testpass;DB=PRODDB.PUBLIC;WAREHOUSE=ADHOC;role=ANALYST;")

	assert.Equal(t, "HZDABLB-WLB56571", cfg.Account)
	assert.Equal(t, "testuser", cfg.User)
	assert.Equal(t, "testpass", cfg.Password)
	assert.Equal(t, "PRODDB", cfg.Database)
	assert.Equal(t, "PUBLIC", cfg.Schema)
	assert.Equal(t, "ADHOC", cfg.Warehouse)
	assert.Equal(t, "ANALYST", cfg.Role)
}

func TestParseConnectionStringNoTrailingSemicolon(t *testing.T) {
	cfg := ParseConnectionString("ACCOUNT=test;USER=user;PASSWORD=pass;DB=mydb")
	assert.Equal(t, "test", cfg.Account)
	assert.Equal(t, "mydb", cfg.Database)
	assert.Equal(t, "", cfg.Schema)
}

func TestConfigValidate(t *testing.T) {
	assert.NoError(t, Config{}.WithDefaults().Validate())

	bad := Config{}.WithDefaults()
	bad.Tables.Results = "results; DROP TABLE x"
	assert.Error(t, bad.Validate())
}

// =============================================================================
// Registry
// =============================================================================

func TestLatestExperimentDate(t *testing.T) {
	c, mock := setupTestDB(t)
	mock.ExpectQuery(`SELECT MAX\(DATE\(fetched_at\)\)`).
		WithArgs("Live Experiments").
		WillReturnRows(sqlmock.NewRows([]string{"d"}).AddRow(time.Date(2025, 11, 3, 0, 0, 0, 0, time.UTC)))

	got, err := c.LatestExperimentDate(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "2025-11-03", got)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestListActiveExperiments(t *testing.T) {
	c, mock := setupTestDB(t)
	rows := sqlmock.NewRows([]string{"project_name", "brief_summary", "details", "status_notes", "brief",
		"curie_ios", "curie_android", "project_status", "rollout_pct"}).
		AddRow("Block bad address", "Blocks checkout", nil, nil, "https://docs/brief",
			"https://curie/results?analysisId=ab12-cd34", nil, "8. In experiment", "50%").
		AddRow("Android only", nil, nil, nil, nil,
			nil, "https://curie/analysis/ef56", "8. Ramping", "10%").
		AddRow("Old test", nil, nil, nil, nil, nil, nil, "9. Launched", "100%")
	mock.ExpectQuery(`FROM proddb\.fionafan\.coda_experiments_focused`).
		WithArgs("Live Experiments", "2025-11-03").
		WillReturnRows(rows)

	got, err := c.ListActiveExperiments(context.Background(), "2025-11-03")
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "ab12-cd34", got[0].AnalysisID)
	assert.Equal(t, domain.StatusInExperiment, got[0].Status)
	assert.Equal(t, "ef56", got[1].AnalysisID)
	assert.Equal(t, domain.StatusRamping, got[1].Status)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestListActiveExperiments_InvalidDate(t *testing.T) {
	c, _ := setupTestDB(t)
	_, err := c.ListActiveExperiments(context.Background(), "11/03/2025")
	assert.Error(t, err)
}

func TestGetExperimentBrief_NotFound(t *testing.T) {
	c, mock := setupTestDB(t)
	mock.ExpectQuery(`SELECT project_name, brief_summary`).
		WithArgs("missing", "Live Experiments").
		WillReturnRows(sqlmock.NewRows([]string{"project_name"}))

	_, err := c.GetExperimentBrief(context.Background(), "missing")
	assert.True(t, errors.Is(err, domain.ErrEvidenceUnavailable))
}

// =============================================================================
// Results
// =============================================================================

func TestGetAllMetricResults(t *testing.T) {
	c, mock := setupTestDB(t)
	spec := `{"type":"METRIC_TYPE_SIMPLE","simpleParam":{"measure":{"id":"m1","name":"orders","sourceId":"s1"},"aggregation":"SUM"}}`
	trend := `{"values":[{"impact":-0.10},{"impact":null},{"impact":-0.2163}],"days_running":3,"trend_direction":"declining"}`
	rows := sqlmock.NewRows(resultCols).
		AddRow("a-1", "order_rate_per_entity", nil, "overall", "treatment",
			0.12, -0.2163, 0.0001, "significant negative", "orders per entity",
			spec, "INCREASE", trend).
		AddRow("a-1", "orders_per_active_user", "tenure", "new", "treatment",
			nil, 0.04, nil, "significant positive", nil,
			`{"type":"WINDOW"}`, nil, nil)
	mock.ExpectQuery(`FROM proddb\.fionafan\.nux_curie_result_daily`).
		WithArgs("a-1", "a-1").
		WillReturnRows(rows)

	got, err := c.GetAllMetricResults(context.Background(), "a-1", "")
	require.NoError(t, err)
	require.Len(t, got, 2)

	first := got[0]
	assert.Equal(t, domain.MetricPrimary, first.MetricType)
	assert.Equal(t, domain.SignificantNegative, first.Significance)
	assert.Equal(t, domain.DirectionIncrease, first.DesiredDirection)
	assert.True(t, first.IsOverall())
	require.NotNil(t, first.Spec)
	assert.Equal(t, domain.SpecSimple, first.Spec.Kind())
	require.NotNil(t, first.Trend)
	assert.Equal(t, domain.TrendDeclining, first.Trend.Direction)
	assert.Equal(t, 3, first.Trend.DaysRunning)

	second := got[1]
	assert.Equal(t, domain.MetricSecondary, second.MetricType)
	assert.Nil(t, second.PValue)
	assert.Nil(t, second.Spec)
	assert.NotEmpty(t, second.SpecError)
	assert.Equal(t, "tenure", second.DimensionFamily())
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGetAllMetricResults_CutFilterAndFailure(t *testing.T) {
	c, mock := setupTestDB(t)
	mock.ExpectQuery(`LOWER\(dimension_cut_name\) = LOWER\(\?\)`).
		WithArgs("a-1", "a-1", "overall").
		WillReturnError(errors.New("warehouse suspended"))

	_, err := c.GetAllMetricResults(context.Background(), "a-1", "overall")
	require.Error(t, err)
	assert.True(t, errors.Is(err, domain.ErrEvidenceUnavailable))
	assert.Contains(t, err.Error(), "warehouse suspended")
}

func TestGetMetricResults_FiltersAndOrders(t *testing.T) {
	c, mock := setupTestDB(t)
	rows := sqlmock.NewRows(resultCols).
		AddRow("a-1", "ads_revenue", nil, "overall", "t", nil, 0.05, 0.01, "significant positive", nil, nil, nil, nil).
		AddRow("a-1", "core_quality_late20", nil, "overall", "t", nil, -0.02, 0.01, "significant negative", nil, nil, nil, nil).
		AddRow("a-1", "checkout_rate", nil, "ios", "t", nil, -0.30, 0.01, "significant negative", nil, nil, nil, nil).
		AddRow("a-1", "checkout_rate", nil, "overall", "t", nil, -0.05, 0.01, "significant negative", nil, nil, nil, nil).
		AddRow("a-1", "consumers_mau", nil, "overall", "t", nil, 0.01, 0.04, "significant positive", nil, nil, nil, nil)
	mock.ExpectQuery(`stat_sig IN`).WithArgs("a-1", "a-1").WillReturnRows(rows)

	got, err := c.GetMetricResults(context.Background(), "a-1", "")
	require.NoError(t, err)
	// MaxRows is 3 and the positive guardrail is dropped
	require.Len(t, got, 3)
	assert.Equal(t, "consumers_mau", got[0].MetricName)
	assert.Equal(t, "checkout_rate", got[1].MetricName)
	assert.True(t, got[1].IsOverall())
	assert.Equal(t, "ios", got[2].DimensionCut)
}

// =============================================================================
// Catalog
// =============================================================================

func TestGetMetricDefinition(t *testing.T) {
	c, mock := setupTestDB(t)
	mock.ExpectQuery(`FROM CONFIGURATOR_PROD\.PUBLIC\.TALLEYRAND_METRICS`).
		WithArgs("order_rate_per_entity").
		WillReturnRows(sqlmock.NewRows([]string{"name", "description", "metric_spec", "desired_direction"}).
			AddRow("order_rate_per_entity", "orders per entity",
				`{"type":"METRIC_TYPE_RATIO","ratioParam":{"numeratorMeasure":{"id":"n","name":"orders"},"denominatorMeasure":{"id":"d","name":"entities"},"numeratorAggregation":"SUM","denominatorAggregation":"COUNT"}}`,
				"METRIC_DESIRED_DIRECTION_INCREASE"))

	def, err := c.GetMetricDefinition(context.Background(), "order_rate_per_entity")
	require.NoError(t, err)
	assert.Equal(t, domain.DirectionIncrease, def.DesiredDirection)
	require.NotNil(t, def.Spec)
	assert.Equal(t, []string{"n", "d"}, domain.MeasureIDs(def.Spec))
}

func TestGetMetricDefinition_NotFound(t *testing.T) {
	c, mock := setupTestDB(t)
	mock.ExpectQuery(`TALLEYRAND_METRICS`).WithArgs("nope").
		WillReturnRows(sqlmock.NewRows([]string{"name", "description", "metric_spec", "desired_direction"}))

	def, err := c.GetMetricDefinition(context.Background(), "nope")
	assert.Nil(t, def)
	assert.True(t, errors.Is(err, domain.ErrEvidenceUnavailable))
}

func TestGetSourceDefinition(t *testing.T) {
	c, mock := setupTestDB(t)
	c.config.SourceURLBase = "https://metrics.example/sources/"
	mock.ExpectQuery(`TALLEYRAND_SOURCE`).WithArgs("s1").
		WillReturnRows(sqlmock.NewRows([]string{"id", "name", "description", "period", "unit", "sql"}).
			AddRow("s1", "orders", nil, "28", "LOOK_BACK_UNIT_DAYS", "select * from orders"))

	src, err := c.GetSourceDefinition(context.Background(), "s1")
	require.NoError(t, err)
	assert.Equal(t, "28 days", src.Lookback())
	assert.Equal(t, "https://metrics.example/sources/s1", src.URL)
	assert.Equal(t, "select * from orders", src.SQL)
}

// =============================================================================
// Ad-hoc queries and persistence
// =============================================================================

func TestCheckReadOnly(t *testing.T) {
	ok := []string{
		"SELECT 1",
		"with x as (select 1) select * from x;",
		"select created_at, user_count from t where status = 'deleted_by_user'",
	}
	for _, q := range ok {
		assert.NoError(t, CheckReadOnly(q), q)
	}
	bad := []string{
		"",
		"DELETE FROM t",
		"select 1; drop table t",
		"WITH x AS (DELETE FROM t) SELECT 1",
	}
	for _, q := range bad {
		assert.ErrorIs(t, CheckReadOnly(q), ErrNotReadOnly, q)
	}
}

func TestRunQuery_Truncates(t *testing.T) {
	c, mock := setupTestDB(t)
	rows := sqlmock.NewRows([]string{"metric", "n"}).
		AddRow("a", "1").AddRow("b", nil).AddRow("c", "3").AddRow("d", "4")
	mock.ExpectQuery(`SELECT metric, n FROM t`).WillReturnRows(rows)

	table, err := c.RunQuery(context.Background(), "SELECT metric, n FROM t;")
	require.NoError(t, err)
	assert.Equal(t, []string{"metric", "n"}, table.Columns)
	require.Len(t, table.Rows, 3)
	assert.Equal(t, "", table.Rows[1][1])
	assert.True(t, table.Truncated)
}

func TestPersistCallout(t *testing.T) {
	c, mock := setupTestDB(t)
	mock.ExpectExec(`CREATE TABLE IF NOT EXISTS proddb\.fionafan\.nux_experiment_callouts`).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectBegin()
	mock.ExpectExec(`DELETE FROM proddb\.fionafan\.nux_experiment_callouts`).
		WithArgs("2025-11-03").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`INSERT INTO proddb\.fionafan\.nux_experiment_callouts`).
		WithArgs("cid-1", "2025-11-03", "# md", "*slack*", "gpt-4o", 12.5, 7).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	err := c.PersistCallout(context.Background(), domain.Callout{
		ID: "cid-1", Date: "2025-11-03", Markdown: "# md", Slack: "*slack*",
		Model: "gpt-4o", GenerationSeconds: 12.5, ToolCalls: 7,
	})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPersistCallout_RollsBackOnInsertFailure(t *testing.T) {
	c, mock := setupTestDB(t)
	mock.ExpectExec(`CREATE TABLE`).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectBegin()
	mock.ExpectExec(`DELETE FROM`).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(`INSERT INTO`).WillReturnError(errors.New("boom"))
	mock.ExpectRollback()

	err := c.PersistCallout(context.Background(), domain.Callout{Date: "2025-11-03"})
	require.Error(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}
