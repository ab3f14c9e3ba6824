package domain

// Severity is the attention level of a flagged movement.
type Severity string

const (
	SeverityCritical Severity = "critical"
	SeverityMonitor  Severity = "monitor"
	SeverityOnTrack  Severity = "on-track"
)

// Rule names the classification rule that produced a flag.
type Rule string

const (
	RulePrimarySignificant   Rule = "primary-significant-overall"
	RulePrimaryDirectional   Rule = "primary-directional-overall"
	RuleSecondarySignificant Rule = "secondary-significant"
	RuleGuardrailNegative    Rule = "guardrail-significant-negative"
)

// Flag marks a MetricResult as worth a human's attention.
// Breakdown holds sibling dimension cuts of the same family, for display only.
type Flag struct {
	Severity  Severity       `json:"severity"`
	Result    MetricResult   `json:"result"`
	Rule      Rule           `json:"rule"`
	Breakdown []MetricResult `json:"breakdown,omitempty"`
}

// Tier returns the metric tier of the flagged result.
func (f Flag) Tier() MetricType { return f.Result.MetricType }

// IssueKind classifies a data-quality problem found while classifying.
type IssueKind string

const (
	IssueInconsistent IssueKind = "inconsistent"
	IssueMissingP     IssueKind = "missing-p-value"
	IssueBadSpec      IssueKind = "unrecognized-spec"
)

// Issue is a data-quality problem with a specific row. Issues are reported,
// never flagged.
type Issue struct {
	Kind   IssueKind    `json:"kind"`
	Result MetricResult `json:"result"`
	Detail string       `json:"detail"`
}
