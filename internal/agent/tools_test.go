package agent

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ignite/experiment-callouts/internal/classify"
	"github.com/ignite/experiment-callouts/internal/domain"
	"github.com/ignite/experiment-callouts/internal/reflection"
)

func newTestToolbox(store *fakeStore) *Toolbox {
	return NewToolbox(store, classify.New(classify.DefaultConfig()), reflection.New(store, reflection.DefaultConfig(), nil))
}

func dispatch(t *testing.T, tb *Toolbox, name, args string) (string, error) {
	t.Helper()
	return tb.Dispatch(context.Background(), ToolCall{ID: "x", Name: name, Arguments: json.RawMessage(args)})
}

func TestToolbox_Specs(t *testing.T) {
	specs := newTestToolbox(flaggedStore()).Specs()
	require.Len(t, specs, 10)
	assert.Equal(t, ToolListExperiments, specs[0].Name)
	for _, s := range specs {
		assert.NotEmpty(t, s.Description, s.Name)
		assert.Equal(t, false, s.Parameters["additionalProperties"], s.Name)
	}
}

func TestToolbox_StrictArguments(t *testing.T) {
	tb := newTestToolbox(flaggedStore())
	tests := []struct {
		name string
		tool string
		args string
		want string
	}{
		{"unknown tool", "delete_everything", `{}`, "unknown tool"},
		{"not an object", ToolDefinition, `["x"]`, "not a JSON object"},
		{"missing required", ToolDefinition, `{}`, "missing required argument metric_name"},
		{"blank required", ToolBrief, `{"project_name":""}`, "missing required argument project_name"},
		{"null required", ToolSource, `{"measure_id":null}`, "missing required argument measure_id"},
		{"unknown field", ToolClassify, `{"analysis_id":"a-1","verbose":true}`, "invalid arguments"},
		{"wrong type", ToolAllResults, `{"analysis_id":42}`, "invalid arguments"},
		{"bad enum", ToolMetricResults, `{"analysis_id":"a-1","metric_type":"tertiary"}`, "unknown metric_type"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := dispatch(t, tb, tt.tool, tt.args)
			require.Error(t, err)
			var de *domain.ToolDispatchError
			require.True(t, errors.As(err, &de))
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestToolbox_EmptyArgumentsTreatedAsObject(t *testing.T) {
	_, err := dispatch(t, newTestToolbox(flaggedStore()), ToolListExperiments, ``)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "missing required argument date")
}

func TestToolbox_ListExperimentsRemembersForClassify(t *testing.T) {
	store := flaggedStore()
	store.exps = []domain.Experiment{testExperiment()}
	tb := newTestToolbox(store)

	out, err := dispatch(t, tb, ToolListExperiments, `{"date":"2026-10-18"}`)
	require.NoError(t, err)
	assert.Contains(t, out, "Block bad address at checkout")

	out, err = dispatch(t, tb, ToolClassify, `{"analysis_id":"a-1"}`)
	require.NoError(t, err)
	assert.Contains(t, out, "Classification for Block bad address at checkout (a-1)")
	assert.Contains(t, out, "[critical] order_rate_per_entity")
}

func TestToolbox_MetricResultsByTier(t *testing.T) {
	store := flaggedStore()
	out, err := dispatch(t, newTestToolbox(store), ToolMetricResults, `{"analysis_id":"a-1","metric_type":"primary"}`)
	require.NoError(t, err)
	assert.Contains(t, out, "order_rate_per_entity")
	assert.Equal(t, 1, store.callCount("results:a-1:primary"))
}

func TestToolbox_EvidenceErrorsPropagate(t *testing.T) {
	_, err := dispatch(t, newTestToolbox(flaggedStore()), ToolDefinition, `{"metric_name":"nope"}`)
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrEvidenceUnavailable)
	assert.Contains(t, observationText(ToolDefinition, err), "Evidence unavailable for get_metric_definition")
}

func TestToolbox_ReflectWithoutTriggers(t *testing.T) {
	out, err := dispatch(t, newTestToolbox(quietStore()), ToolReflect, `{"analysis_id":"a-1"}`)
	require.NoError(t, err)
	assert.Contains(t, out, "No reflection triggers")
}

func TestToolbox_ParseSpec(t *testing.T) {
	tb := newTestToolbox(flaggedStore())

	out, err := dispatch(t, tb, ToolParseSpec, `{"spec_json":"{\"type\":\"mystery\"}"}`)
	require.NoError(t, err)
	assert.Contains(t, out, "Unrecognized metric spec")

	out, err = dispatch(t, tb, ToolParseSpec, `{"spec_json":""}`)
	require.Error(t, err)
	assert.Empty(t, out)
}

func TestToolbox_CustomQuery(t *testing.T) {
	store := flaggedStore()
	out, err := dispatch(t, newTestToolbox(store), ToolCustomQuery, `{"query":"select 1 as n"}`)
	require.NoError(t, err)
	assert.Contains(t, out, "| n")
	assert.Equal(t, 1, store.callCount("query"))
}
