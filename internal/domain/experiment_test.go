package domain

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParseExperimentStatus(t *testing.T) {
	tests := []struct {
		raw  string
		want ExperimentStatus
	}{
		{"8. In experiment", StatusInExperiment},
		{"8. Ramping", StatusRamping},
		{"9. Launched", StatusConcluded},
		{"", StatusUnknown},
		{"3. Design review", StatusUnknown},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, ParseExperimentStatus(tt.raw), tt.raw)
	}
	assert.True(t, StatusRamping.IsActive())
	assert.False(t, StatusConcluded.IsActive())
}

func TestExtractAnalysisID(t *testing.T) {
	assert.Equal(t, "ab12-cd34", ExtractAnalysisID("https://curie.example/results?analysisId=ab12-cd34&tab=1"))
	assert.Equal(t, "ef56", ExtractAnalysisID("https://curie.example/analysis/ef56"))
	assert.Equal(t, "", ExtractAnalysisID("https://docs.example/brief"))
	assert.Equal(t, "", ExtractAnalysisID(""))
}

func TestExperiment_Arms(t *testing.T) {
	e := Experiment{Arms: []Arm{{Name: "treatment_a"}, {Name: "treatment_b"}}}
	assert.True(t, e.IsMultiArm())
	assert.Equal(t, []string{"treatment_a", "treatment_b"}, e.ArmNames())
	assert.False(t, e.HasAnalysis())
}

func TestErrorTaxonomy(t *testing.T) {
	ev := &EvidenceError{Op: "get_metric_definition", Target: "orders", Err: errors.New("timeout")}
	assert.True(t, errors.Is(ev, ErrEvidenceUnavailable))
	assert.Contains(t, ev.Error(), "timeout")

	mse := &ModelServiceError{Provider: "openai", StatusCode: 503, Transient: true, Err: errors.New("unavailable")}
	assert.True(t, IsTransientModelError(mse))
	assert.False(t, IsTransientModelError(errors.New("plain")))

	assert.True(t, IsConfigurationError(&ConfigurationError{Problems: []string{"model.api_key is required"}}))
}

func TestArmsFromResults(t *testing.T) {
	results := []MetricResult{
		{Arm: "treatment_b"}, {Arm: "control"}, {Arm: "treatment_a"}, {Arm: "treatment_b"}, {Arm: ""},
	}
	assert.Equal(t, []Arm{{Name: "treatment_b"}, {Name: "treatment_a"}}, ArmsFromResults(results))
	assert.Nil(t, ArmsFromResults(nil))
}
