package domain

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// SpecKind discriminates the MetricSpec variants.
type SpecKind string

const (
	SpecSimple SpecKind = "METRIC_TYPE_SIMPLE"
	SpecRatio  SpecKind = "METRIC_TYPE_RATIO"
	SpecFunnel SpecKind = "METRIC_TYPE_FUNNEL"
)

// ErrUnrecognizedSpec is returned for metric specs whose shape is not one of
// the known variants.
var ErrUnrecognizedSpec = errors.New("unrecognized metric spec")

// Measure is one measure referenced by a metric spec.
type Measure struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	SourceID    string `json:"sourceId,omitempty"`
	Aggregation string `json:"aggregation,omitempty"`
}

// SourceRef returns the identifier to look up in the source catalog.
func (m Measure) SourceRef() string {
	if m.SourceID != "" {
		return m.SourceID
	}
	return m.ID
}

// MeasureRole labels a measure inside a spec ("value", "numerator", "step_2").
type MeasureRole struct {
	Role string
	Measure
}

// MetricSpec is the sealed tagged union of metric compositions.
// Implementations: SimpleSpec, RatioSpec, FunnelSpec.
type MetricSpec interface {
	Kind() SpecKind
	Measures() []MeasureRole
	isMetricSpec()
}

// SimpleSpec aggregates a single measure.
type SimpleSpec struct {
	Measure Measure
}

// RatioSpec divides two aggregated measures.
type RatioSpec struct {
	Numerator   Measure
	Denominator Measure
}

// FunnelSpec is an ordered list of step measures.
type FunnelSpec struct {
	Steps []Measure
}

func (SimpleSpec) Kind() SpecKind { return SpecSimple }
func (RatioSpec) Kind() SpecKind  { return SpecRatio }
func (FunnelSpec) Kind() SpecKind { return SpecFunnel }

func (SimpleSpec) isMetricSpec() {}
func (RatioSpec) isMetricSpec()  {}
func (FunnelSpec) isMetricSpec() {}

func (s SimpleSpec) Measures() []MeasureRole {
	return []MeasureRole{{Role: "value", Measure: s.Measure}}
}

func (s RatioSpec) Measures() []MeasureRole {
	return []MeasureRole{
		{Role: "numerator", Measure: s.Numerator},
		{Role: "denominator", Measure: s.Denominator},
	}
}

func (s FunnelSpec) Measures() []MeasureRole {
	out := make([]MeasureRole, 0, len(s.Steps))
	for i, m := range s.Steps {
		out = append(out, MeasureRole{Role: fmt.Sprintf("step_%d", i+1), Measure: m})
	}
	return out
}

// MeasureIDs returns the ids of all measures in a spec. Nil spec yields nil.
func MeasureIDs(spec MetricSpec) []string {
	if spec == nil {
		return nil
	}
	var ids []string
	for _, m := range spec.Measures() {
		ids = append(ids, m.ID)
	}
	return ids
}

// wire shapes

type specEnvelope struct {
	Type        string          `json:"type"`
	SimpleParam json.RawMessage `json:"simpleParam,omitempty"`
	RatioParam  json.RawMessage `json:"ratioParam,omitempty"`
	FunnelParam json.RawMessage `json:"funnelParam,omitempty"`
}

type wireMeasure struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	SourceID string `json:"sourceId"`
}

type simpleParam struct {
	Measure     *wireMeasure `json:"measure"`
	Aggregation string       `json:"aggregation"`
}

type ratioParam struct {
	NumeratorMeasure       *wireMeasure `json:"numeratorMeasure"`
	DenominatorMeasure     *wireMeasure `json:"denominatorMeasure"`
	NumeratorAggregation   string       `json:"numeratorAggregation"`
	DenominatorAggregation string       `json:"denominatorAggregation"`
}

type funnelStep struct {
	Measure     *wireMeasure `json:"measure"`
	Aggregation string       `json:"aggregation"`
}

type funnelParam struct {
	Steps []funnelStep `json:"steps"`
}

// ParseMetricSpec decodes a metric spec document. Unknown variant tags,
// unknown fields, missing parameters and measures without id or name are all
// rejected with an error wrapping ErrUnrecognizedSpec.
func ParseMetricSpec(data []byte) (MetricSpec, error) {
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, fmt.Errorf("%w: empty document", ErrUnrecognizedSpec)
	}
	var env specEnvelope
	if err := strictDecode(data, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnrecognizedSpec, err)
	}

	switch SpecKind(env.Type) {
	case SpecSimple:
		if env.RatioParam != nil || env.FunnelParam != nil {
			return nil, fmt.Errorf("%w: %s carries foreign parameters", ErrUnrecognizedSpec, env.Type)
		}
		var p simpleParam
		if err := decodeParam(env.SimpleParam, "simpleParam", &p); err != nil {
			return nil, err
		}
		m, err := toMeasure(p.Measure, p.Aggregation, "measure", true)
		if err != nil {
			return nil, err
		}
		return SimpleSpec{Measure: m}, nil

	case SpecRatio:
		if env.SimpleParam != nil || env.FunnelParam != nil {
			return nil, fmt.Errorf("%w: %s carries foreign parameters", ErrUnrecognizedSpec, env.Type)
		}
		var p ratioParam
		if err := decodeParam(env.RatioParam, "ratioParam", &p); err != nil {
			return nil, err
		}
		num, err := toMeasure(p.NumeratorMeasure, p.NumeratorAggregation, "numeratorMeasure", true)
		if err != nil {
			return nil, err
		}
		den, err := toMeasure(p.DenominatorMeasure, p.DenominatorAggregation, "denominatorMeasure", true)
		if err != nil {
			return nil, err
		}
		return RatioSpec{Numerator: num, Denominator: den}, nil

	case SpecFunnel:
		if env.SimpleParam != nil || env.RatioParam != nil {
			return nil, fmt.Errorf("%w: %s carries foreign parameters", ErrUnrecognizedSpec, env.Type)
		}
		var p funnelParam
		if err := decodeParam(env.FunnelParam, "funnelParam", &p); err != nil {
			return nil, err
		}
		if len(p.Steps) == 0 {
			return nil, fmt.Errorf("%w: funnel without steps", ErrUnrecognizedSpec)
		}
		steps := make([]Measure, 0, len(p.Steps))
		for i, s := range p.Steps {
			m, err := toMeasure(s.Measure, s.Aggregation, fmt.Sprintf("steps[%d].measure", i), false)
			if err != nil {
				return nil, err
			}
			steps = append(steps, m)
		}
		return FunnelSpec{Steps: steps}, nil

	default:
		return nil, fmt.Errorf("%w: type %q", ErrUnrecognizedSpec, env.Type)
	}
}

func decodeParam(raw json.RawMessage, field string, dst interface{}) error {
	if len(raw) == 0 || string(raw) == "null" {
		return fmt.Errorf("%w: missing %s", ErrUnrecognizedSpec, field)
	}
	if err := strictDecode(raw, dst); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrUnrecognizedSpec, field, err)
	}
	return nil
}

func toMeasure(w *wireMeasure, aggregation, field string, needAggregation bool) (Measure, error) {
	if w == nil {
		return Measure{}, fmt.Errorf("%w: missing %s", ErrUnrecognizedSpec, field)
	}
	if strings.TrimSpace(w.ID) == "" || strings.TrimSpace(w.Name) == "" {
		return Measure{}, fmt.Errorf("%w: %s requires id and name", ErrUnrecognizedSpec, field)
	}
	if needAggregation && strings.TrimSpace(aggregation) == "" {
		return Measure{}, fmt.Errorf("%w: %s requires an aggregation", ErrUnrecognizedSpec, field)
	}
	return Measure{ID: w.ID, Name: w.Name, SourceID: w.SourceID, Aggregation: aggregation}, nil
}

func strictDecode(data []byte, dst interface{}) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return err
	}
	if dec.More() {
		return errors.New("trailing data")
	}
	return nil
}
