package domain

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseMetricSpec_Simple(t *testing.T) {
	spec, err := ParseMetricSpec([]byte(`{
		"type": "METRIC_TYPE_SIMPLE",
		"simpleParam": {
			"measure": {"id": "m-1", "name": "orders", "sourceId": "s-1"},
			"aggregation": "AGGREGATION_SUM"
		}
	}`))
	require.NoError(t, err)

	simple, ok := spec.(SimpleSpec)
	require.True(t, ok)
	assert.Equal(t, SpecSimple, spec.Kind())
	assert.Equal(t, "m-1", simple.Measure.ID)
	assert.Equal(t, "s-1", simple.Measure.SourceRef())
	assert.Equal(t, "AGGREGATION_SUM", simple.Measure.Aggregation)
	assert.Equal(t, []string{"m-1"}, MeasureIDs(spec))
}

func TestParseMetricSpec_Ratio(t *testing.T) {
	spec, err := ParseMetricSpec([]byte(`{
		"type": "METRIC_TYPE_RATIO",
		"ratioParam": {
			"numeratorMeasure": {"id": "n", "name": "orders"},
			"denominatorMeasure": {"id": "d", "name": "exposures"},
			"numeratorAggregation": "SUM",
			"denominatorAggregation": "COUNT_DISTINCT"
		}
	}`))
	require.NoError(t, err)

	roles := spec.Measures()
	require.Len(t, roles, 2)
	assert.Equal(t, "numerator", roles[0].Role)
	assert.Equal(t, "d", roles[1].ID)
	assert.Equal(t, "d", roles[1].SourceRef())
	assert.Equal(t, "COUNT_DISTINCT", roles[1].Aggregation)
}

func TestParseMetricSpec_Funnel(t *testing.T) {
	spec, err := ParseMetricSpec([]byte(`{
		"type": "METRIC_TYPE_FUNNEL",
		"funnelParam": {"steps": [
			{"measure": {"id": "a", "name": "visit"}},
			{"measure": {"id": "b", "name": "checkout"}}
		]}
	}`))
	require.NoError(t, err)

	roles := spec.Measures()
	require.Len(t, roles, 2)
	assert.Equal(t, "step_2", roles[1].Role)
	assert.Equal(t, SpecFunnel, spec.Kind())
}

// =============================================================================
// Fail-closed decoding
// =============================================================================

func TestParseMetricSpec_Rejects(t *testing.T) {
	tests := []struct {
		name string
		doc  string
	}{
		{"empty", ``},
		{"not json", `{"type":`},
		{"unknown type", `{"type": "METRIC_TYPE_WINDOW", "simpleParam": {}}`},
		{"missing param", `{"type": "METRIC_TYPE_SIMPLE"}`},
		{"null param", `{"type": "METRIC_TYPE_SIMPLE", "simpleParam": null}`},
		{"unknown envelope field", `{"type": "METRIC_TYPE_SIMPLE", "extra": 1, "simpleParam": {"measure": {"id": "a", "name": "b"}, "aggregation": "SUM"}}`},
		{"unknown param field", `{"type": "METRIC_TYPE_SIMPLE", "simpleParam": {"measure": {"id": "a", "name": "b"}, "aggregation": "SUM", "filter": "x"}}`},
		{"measure without id", `{"type": "METRIC_TYPE_SIMPLE", "simpleParam": {"measure": {"name": "b"}, "aggregation": "SUM"}}`},
		{"simple without aggregation", `{"type": "METRIC_TYPE_SIMPLE", "simpleParam": {"measure": {"id": "a", "name": "b"}}}`},
		{"ratio missing denominator", `{"type": "METRIC_TYPE_RATIO", "ratioParam": {"numeratorMeasure": {"id": "a", "name": "b"}, "numeratorAggregation": "SUM", "denominatorAggregation": "SUM"}}`},
		{"foreign params", `{"type": "METRIC_TYPE_SIMPLE", "simpleParam": {"measure": {"id": "a", "name": "b"}, "aggregation": "SUM"}, "funnelParam": {"steps": []}}`},
		{"funnel without steps", `{"type": "METRIC_TYPE_FUNNEL", "funnelParam": {"steps": []}}`},
		{"trailing data", `{"type": "METRIC_TYPE_SIMPLE", "simpleParam": {"measure": {"id": "a", "name": "b"}, "aggregation": "SUM"}} {}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			spec, err := ParseMetricSpec([]byte(tt.doc))
			require.Error(t, err)
			assert.Nil(t, spec)
			assert.True(t, errors.Is(err, ErrUnrecognizedSpec))
		})
	}
}
