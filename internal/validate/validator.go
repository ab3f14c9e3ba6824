// Package validate checks a candidate report against the output rules before
// it is released. The validator only reports; it never edits the text.
package validate

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/ignite/experiment-callouts/internal/domain"
)

// Limits are the emoji marker ceilings.
type Limits struct {
	MaxMarkers  int `yaml:"max_markers"`
	MaxCritical int `yaml:"max_critical"`
	MaxWarning  int `yaml:"max_warning"`
	MaxSuccess  int `yaml:"max_success"`
}

// DefaultLimits allows three markers: one critical, two warning, one success.
func DefaultLimits() Limits {
	return Limits{MaxMarkers: 3, MaxCritical: 1, MaxWarning: 2, MaxSuccess: 1}
}

// Rule names a validation rule.
type Rule string

const (
	RuleMarkerCeiling    Rule = "marker-ceiling"
	RuleRecommendation   Rule = "recommendation-section"
	RuleExperimentNamed  Rule = "experiment-named"
	RuleTierStatement    Rule = "tier-statement"
	RuleCriticalReported Rule = "critical-metric-reported"
	RuleEmpty            Rule = "empty-output"
)

// Violation is one broken rule.
type Violation struct {
	Rule   Rule   `json:"rule"`
	Detail string `json:"detail"`
}

func (v Violation) String() string { return fmt.Sprintf("%s: %s", v.Rule, v.Detail) }

// ExperimentExpectation describes what the report must say about one experiment.
type ExperimentExpectation struct {
	Name     string
	Tiers    map[domain.MetricType][]string // flagged metric names per tier
	Critical []string                       // metrics flagged critical
}

// Expectations lists the experiments a report discusses.
type Expectations struct {
	Experiments []ExperimentExpectation
}

// Result is the outcome of one validation.
type Result struct {
	Violations []Violation `json:"violations,omitempty"`
	Markers    MarkerCount `json:"markers"`
}

// OK reports whether no rule was violated.
func (r Result) OK() bool { return len(r.Violations) == 0 }

// Err returns a *domain.ValidationFailure, or nil when OK.
func (r Result) Err() error {
	if r.OK() {
		return nil
	}
	msgs := make([]string, 0, len(r.Violations))
	for _, v := range r.Violations {
		msgs = append(msgs, v.String())
	}
	return &domain.ValidationFailure{Violations: msgs}
}

// Validator applies the output rules.
type Validator struct {
	limits Limits
}

// New creates a Validator. Zero limits take the defaults.
func New(limits Limits) *Validator {
	def := DefaultLimits()
	if limits.MaxMarkers <= 0 {
		limits.MaxMarkers = def.MaxMarkers
	}
	if limits.MaxCritical <= 0 {
		limits.MaxCritical = def.MaxCritical
	}
	if limits.MaxWarning <= 0 {
		limits.MaxWarning = def.MaxWarning
	}
	if limits.MaxSuccess <= 0 {
		limits.MaxSuccess = def.MaxSuccess
	}
	return &Validator{limits: limits}
}

var recommendationHeading = regexp.MustCompile(`(?im)^[\s>#*_\-]*(recommendation|recommended action)s?\b`)

var tierWords = map[domain.MetricType]string{
	domain.MetricPrimary:   "primary",
	domain.MetricSecondary: "secondary",
	domain.MetricGuardrail: "guardrail",
}

// Validate checks text against the marker ceilings and the content expectations.
func (v *Validator) Validate(text string, exp Expectations) Result {
	res := Result{Markers: CountMarkers(text)}
	add := func(rule Rule, format string, args ...interface{}) {
		res.Violations = append(res.Violations, Violation{Rule: rule, Detail: fmt.Sprintf(format, args...)})
	}

	if strings.TrimSpace(text) == "" {
		add(RuleEmpty, "report is empty")
		return res
	}

	m := res.Markers
	if m.Total() > v.limits.MaxMarkers {
		add(RuleMarkerCeiling, "%d markers used, at most %d allowed", m.Total(), v.limits.MaxMarkers)
	}
	if m.Critical > v.limits.MaxCritical {
		add(RuleMarkerCeiling, "%d critical markers used, at most %d allowed", m.Critical, v.limits.MaxCritical)
	}
	if m.Warning > v.limits.MaxWarning {
		add(RuleMarkerCeiling, "%d warning markers used, at most %d allowed", m.Warning, v.limits.MaxWarning)
	}
	if m.Success > v.limits.MaxSuccess {
		add(RuleMarkerCeiling, "%d success markers used, at most %d allowed", m.Success, v.limits.MaxSuccess)
	}

	if n, want := len(recommendationHeading.FindAllStringIndex(text, -1)), len(exp.Experiments); n < want {
		add(RuleRecommendation, "%d recommendation sections for %d experiments", n, want)
	}

	lower := strings.ToLower(text)
	for _, e := range exp.Experiments {
		if e.Name != "" && !strings.Contains(lower, strings.ToLower(e.Name)) {
			add(RuleExperimentNamed, "experiment %q is not named", e.Name)
		}
		for _, tier := range domain.TierOrder {
			names := e.Tiers[tier]
			if len(names) == 0 {
				continue
			}
			if !strings.Contains(lower, tierWords[tier]) || !mentionsAny(lower, names) {
				add(RuleTierStatement, "%s: no statement about flagged %s metrics", e.Name, tierWords[tier])
			}
		}
		for _, name := range e.Critical {
			if !strings.Contains(lower, strings.ToLower(name)) {
				add(RuleCriticalReported, "%s: critical metric %s is missing", e.Name, name)
			}
		}
	}
	return res
}

func mentionsAny(lower string, names []string) bool {
	for _, n := range names {
		if strings.Contains(lower, strings.ToLower(n)) {
			return true
		}
	}
	return false
}
