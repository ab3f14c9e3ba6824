package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/ignite/experiment-callouts/internal/classify"
	"github.com/ignite/experiment-callouts/internal/domain"
	"github.com/ignite/experiment-callouts/internal/reflection"
	"github.com/ignite/experiment-callouts/internal/report"
)

// EvidenceStore is the warehouse surface the tools read.
type EvidenceStore interface {
	reflection.Store
	ListActiveExperiments(ctx context.Context, date string) ([]domain.Experiment, error)
	GetMetricResults(ctx context.Context, analysisID string, tier domain.MetricType) ([]domain.MetricResult, error)
	RunQuery(ctx context.Context, query string) (*domain.Table, error)
}

// Tool names.
const (
	ToolListExperiments = "list_active_experiments"
	ToolMetricResults   = "get_metric_results"
	ToolAllResults      = "get_all_metric_results"
	ToolDefinition      = "get_metric_definition"
	ToolSource          = "get_source_definition"
	ToolBrief           = "get_experiment_brief"
	ToolCustomQuery     = "run_custom_query"
	ToolClassify        = "classify_metrics"
	ToolReflect         = "reflect_on_experiment"
	ToolParseSpec       = "parse_metric_spec"
)

type handler func(ctx context.Context, args json.RawMessage) (string, error)

type tool struct {
	spec ToolSpec
	run  handler
}

// Toolbox is the closed dispatch table for one run. Calls outside the table
// and malformed arguments fail with *domain.ToolDispatchError.
type Toolbox struct {
	store      EvidenceStore
	classifier *classify.Classifier
	reflector  *reflection.Engine

	tools map[string]tool
	order []string

	mu    sync.RWMutex
	known map[string]domain.Experiment // by analysis id
}

// NewToolbox builds the table. known seeds the experiments the reflection
// tool can resolve by analysis id.
func NewToolbox(store EvidenceStore, classifier *classify.Classifier, reflector *reflection.Engine, known ...domain.Experiment) *Toolbox {
	t := &Toolbox{
		store:      store,
		classifier: classifier,
		reflector:  reflector,
		tools:      make(map[string]tool),
		known:      make(map[string]domain.Experiment),
	}
	t.remember(known...)

	t.register(ToolListExperiments, "List experiments that are running or ramping on a date, with analysis ids, status, rollout and arms.",
		schema(props{"date": str("Date in YYYY-MM-DD format")}, "date"), t.listExperiments)
	t.register(ToolMetricResults, "Get significant metric results for an analysis, ordered by tier. Guardrails are only returned when significantly negative.",
		schema(props{
			"analysis_id": str("Analysis id"),
			"metric_type": enum("Restrict to one tier", "primary", "secondary", "guardrail"),
		}, "analysis_id"), t.metricResults)
	t.register(ToolAllResults, "Get every metric result for an analysis, including non-significant rows, optionally for one dimension cut.",
		schema(props{
			"analysis_id":   str("Analysis id"),
			"dimension_cut": str("Dimension cut such as overall or ios; empty for all cuts"),
		}, "analysis_id"), t.allResults)
	t.register(ToolDefinition, "Get a metric's description, desired direction and composition (measures and aggregations).",
		schema(props{"metric_name": str("Metric name")}, "metric_name"), t.definition)
	t.register(ToolSource, "Get the source definition behind a measure: SQL, lookback window and catalog URL.",
		schema(props{"measure_id": str("Measure id or source id from a metric spec")}, "measure_id"), t.source)
	t.register(ToolBrief, "Get the experiment brief: feature summary, details, status notes and links.",
		schema(props{"project_name": str("Experiment project name")}, "project_name"), t.brief)
	t.register(ToolCustomQuery, "Run a read-only SELECT against the warehouse. Results are capped.",
		schema(props{"query": str("A single SELECT or WITH statement")}, "query"), t.customQuery)
	t.register(ToolClassify, "Classify an analysis' results into critical, monitor and on-track flags per tier, with data-quality issues.",
		schema(props{"analysis_id": str("Analysis id")}, "analysis_id"), t.classify)
	t.register(ToolReflect, "Detect conflicting, unexpected or large movements and rank likely causes with evidence.",
		schema(props{"analysis_id": str("Analysis id")}, "analysis_id"), t.reflect)
	t.register(ToolParseSpec, "Parse a metric spec JSON document and list its measures.",
		schema(props{"spec_json": str("Metric spec JSON")}, "spec_json"), t.parseSpec)
	return t
}

func (t *Toolbox) register(name, description string, params map[string]interface{}, run handler) {
	t.tools[name] = tool{spec: ToolSpec{Name: name, Description: description, Parameters: params}, run: run}
	t.order = append(t.order, name)
}

func (t *Toolbox) remember(exps ...domain.Experiment) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, e := range exps {
		if e.AnalysisID != "" {
			t.known[e.AnalysisID] = e
		}
	}
}

func (t *Toolbox) experiment(analysisID string) domain.Experiment {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if e, ok := t.known[analysisID]; ok {
		return e
	}
	return domain.Experiment{AnalysisID: analysisID}
}

// Specs returns the tool declarations in registration order.
func (t *Toolbox) Specs() []ToolSpec {
	out := make([]ToolSpec, 0, len(t.order))
	for _, name := range t.order {
		out = append(out, t.tools[name].spec)
	}
	return out
}

// Dispatch runs one tool call.
func (t *Toolbox) Dispatch(ctx context.Context, call ToolCall) (string, error) {
	tl, ok := t.tools[call.Name]
	if !ok {
		return "", &domain.ToolDispatchError{Tool: call.Name, Reason: "unknown tool"}
	}
	return tl.run(ctx, call.Arguments)
}

type (
	analysisArgs struct {
		AnalysisID string `json:"analysis_id"`
	}
	dateArgs struct {
		Date string `json:"date"`
	}
	resultsArgs struct {
		AnalysisID string `json:"analysis_id"`
		MetricType string `json:"metric_type"`
	}
	allResultsArgs struct {
		AnalysisID   string `json:"analysis_id"`
		DimensionCut string `json:"dimension_cut"`
	}
	metricArgs struct {
		MetricName string `json:"metric_name"`
	}
	measureArgs struct {
		MeasureID string `json:"measure_id"`
	}
	projectArgs struct {
		ProjectName string `json:"project_name"`
	}
	queryArgs struct {
		Query string `json:"query"`
	}
	specArgs struct {
		SpecJSON string `json:"spec_json"`
	}
)

// decodeArgs decodes strictly: unknown fields and missing or blank required
// fields are dispatch errors.
func decodeArgs(toolName string, raw json.RawMessage, dst interface{}, required ...string) error {
	if len(bytes.TrimSpace(raw)) == 0 {
		raw = json.RawMessage("{}")
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		return &domain.ToolDispatchError{Tool: toolName, Reason: "arguments are not a JSON object: " + err.Error()}
	}
	for _, name := range required {
		v, ok := fields[name]
		if !ok || string(v) == "null" || string(v) == `""` {
			return &domain.ToolDispatchError{Tool: toolName, Reason: "missing required argument " + name}
		}
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return &domain.ToolDispatchError{Tool: toolName, Reason: "invalid arguments: " + err.Error()}
	}
	return nil
}

func (t *Toolbox) listExperiments(ctx context.Context, raw json.RawMessage) (string, error) {
	var a dateArgs
	if err := decodeArgs(ToolListExperiments, raw, &a, "date"); err != nil {
		return "", err
	}
	exps, err := t.store.ListActiveExperiments(ctx, a.Date)
	if err != nil {
		return "", err
	}
	t.remember(exps...)
	return report.ExperimentsTable(exps), nil
}

func (t *Toolbox) metricResults(ctx context.Context, raw json.RawMessage) (string, error) {
	var a resultsArgs
	if err := decodeArgs(ToolMetricResults, raw, &a, "analysis_id"); err != nil {
		return "", err
	}
	var tier domain.MetricType
	if a.MetricType != "" {
		mt, ok := domain.ParseMetricType(a.MetricType)
		if !ok {
			return "", &domain.ToolDispatchError{Tool: ToolMetricResults, Reason: fmt.Sprintf("unknown metric_type %q", a.MetricType)}
		}
		tier = mt
	}
	results, err := t.store.GetMetricResults(ctx, a.AnalysisID, tier)
	if err != nil {
		return "", err
	}
	return report.ResultsTable(results), nil
}

func (t *Toolbox) allResults(ctx context.Context, raw json.RawMessage) (string, error) {
	var a allResultsArgs
	if err := decodeArgs(ToolAllResults, raw, &a, "analysis_id"); err != nil {
		return "", err
	}
	results, err := t.store.GetAllMetricResults(ctx, a.AnalysisID, a.DimensionCut)
	if err != nil {
		return "", err
	}
	return report.ResultsTable(results), nil
}

func (t *Toolbox) definition(ctx context.Context, raw json.RawMessage) (string, error) {
	var a metricArgs
	if err := decodeArgs(ToolDefinition, raw, &a, "metric_name"); err != nil {
		return "", err
	}
	def, err := t.store.GetMetricDefinition(ctx, a.MetricName)
	if err != nil {
		return "", err
	}
	return renderDefinition(def), nil
}

func (t *Toolbox) source(ctx context.Context, raw json.RawMessage) (string, error) {
	var a measureArgs
	if err := decodeArgs(ToolSource, raw, &a, "measure_id"); err != nil {
		return "", err
	}
	src, err := t.store.GetSourceDefinition(ctx, a.MeasureID)
	if err != nil {
		return "", err
	}
	return renderSource(src), nil
}

func (t *Toolbox) brief(ctx context.Context, raw json.RawMessage) (string, error) {
	var a projectArgs
	if err := decodeArgs(ToolBrief, raw, &a, "project_name"); err != nil {
		return "", err
	}
	brief, err := t.store.GetExperimentBrief(ctx, a.ProjectName)
	if err != nil {
		return "", err
	}
	return renderBrief(brief), nil
}

func (t *Toolbox) customQuery(ctx context.Context, raw json.RawMessage) (string, error) {
	var a queryArgs
	if err := decodeArgs(ToolCustomQuery, raw, &a, "query"); err != nil {
		return "", err
	}
	table, err := t.store.RunQuery(ctx, a.Query)
	if err != nil {
		return "", err
	}
	return report.Table(*table), nil
}

func (t *Toolbox) classify(ctx context.Context, raw json.RawMessage) (string, error) {
	var a analysisArgs
	if err := decodeArgs(ToolClassify, raw, &a, "analysis_id"); err != nil {
		return "", err
	}
	results, err := t.store.GetAllMetricResults(ctx, a.AnalysisID, "")
	if err != nil {
		return "", err
	}
	return renderClassification(t.experiment(a.AnalysisID), t.classifier.Classify(results)), nil
}

func (t *Toolbox) reflect(ctx context.Context, raw json.RawMessage) (string, error) {
	var a analysisArgs
	if err := decodeArgs(ToolReflect, raw, &a, "analysis_id"); err != nil {
		return "", err
	}
	results, err := t.store.GetAllMetricResults(ctx, a.AnalysisID, "")
	if err != nil {
		return "", err
	}
	refl, err := t.reflector.Reflect(ctx, reflection.Input{Experiment: t.experiment(a.AnalysisID), Results: results})
	if err != nil {
		return "", err
	}
	return renderReflection(refl), nil
}

func (t *Toolbox) parseSpec(_ context.Context, raw json.RawMessage) (string, error) {
	var a specArgs
	if err := decodeArgs(ToolParseSpec, raw, &a, "spec_json"); err != nil {
		return "", err
	}
	spec, err := domain.ParseMetricSpec([]byte(a.SpecJSON))
	if err != nil {
		if errors.Is(err, domain.ErrUnrecognizedSpec) {
			return "Unrecognized metric spec: " + err.Error(), nil
		}
		return "", err
	}
	return renderSpec(spec), nil
}

type props map[string]interface{}

func schema(p props, required ...string) map[string]interface{} {
	if required == nil {
		required = []string{}
	}
	return map[string]interface{}{
		"type":                 "object",
		"properties":           map[string]interface{}(p),
		"required":             required,
		"additionalProperties": false,
	}
}

func str(description string) map[string]interface{} {
	return map[string]interface{}{"type": "string", "description": description}
}

func enum(description string, values ...string) map[string]interface{} {
	return map[string]interface{}{"type": "string", "description": description, "enum": values}
}

// observationText renders a tool failure as an observation the model can read.
func observationText(name string, err error) string {
	var de *domain.ToolDispatchError
	if errors.As(err, &de) {
		return "Tool error: " + de.Error()
	}
	if errors.Is(err, domain.ErrEvidenceUnavailable) {
		return fmt.Sprintf("Evidence unavailable for %s: %s", name, err.Error())
	}
	return fmt.Sprintf("Error running %s: %s", name, strings.TrimSpace(err.Error()))
}
