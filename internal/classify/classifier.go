// Package classify decides which metric movements of an experiment deserve
// attention. Classification is deterministic: the same rows always produce
// the same flags in the same order.
package classify

import (
	"fmt"
	"math"
	"sort"
	"strings"

	"github.com/ignite/experiment-callouts/internal/domain"
)

// Config holds the classifier thresholds.
type Config struct {
	// Overall primary rows labelled directional are flagged as monitor when
	// DirectionalPMin < p < DirectionalPMax. Both zero disables the rule.
	DirectionalPMin float64 `yaml:"directional_p_min"`
	DirectionalPMax float64 `yaml:"directional_p_max"`
}

// DefaultConfig returns the production thresholds.
func DefaultConfig() Config {
	return Config{DirectionalPMin: 0.05, DirectionalPMax: 0.25}
}

// Classification is the ordered flag list for one experiment plus the rows
// that could not be trusted.
type Classification struct {
	Flags     []domain.Flag  `json:"flags"`
	Issues    []domain.Issue `json:"issues,omitempty"`
	Evaluated int            `json:"evaluated"`
}

// HasFlags reports whether anything was flagged.
func (c Classification) HasFlags() bool { return len(c.Flags) > 0 }

// ByTier returns the flags of one tier in classification order.
func (c Classification) ByTier(t domain.MetricType) []domain.Flag {
	var out []domain.Flag
	for _, f := range c.Flags {
		if f.Tier() == t {
			out = append(out, f)
		}
	}
	return out
}

// BySeverity returns the flags with the given severity in classification order.
func (c Classification) BySeverity(s domain.Severity) []domain.Flag {
	var out []domain.Flag
	for _, f := range c.Flags {
		if f.Severity == s {
			out = append(out, f)
		}
	}
	return out
}

// FlaggedTiers returns the tiers that carry at least one flag, in tier order.
func (c Classification) FlaggedTiers() []domain.MetricType {
	var out []domain.MetricType
	for _, t := range domain.TierOrder {
		if len(c.ByTier(t)) > 0 {
			out = append(out, t)
		}
	}
	return out
}

// Classifier applies the tier rules.
type Classifier struct {
	cfg Config
}

// New creates a Classifier.
func New(cfg Config) *Classifier {
	return &Classifier{cfg: cfg}
}

// Classify evaluates all rows of one experiment on one date. Empty input
// yields an empty classification.
func (c *Classifier) Classify(results []domain.MetricResult) Classification {
	out := Classification{Evaluated: len(results)}
	tiers := make(map[domain.MetricType][]domain.Flag, len(domain.TierOrder))

	for _, r := range results {
		if issue, ok := inconsistency(r); ok {
			out.Issues = append(out.Issues, issue)
			continue
		}
		if r.SpecError != "" {
			out.Issues = append(out.Issues, domain.Issue{
				Kind: domain.IssueBadSpec, Result: r, Detail: r.SpecError,
			})
		}

		flag, ok := c.evaluate(r)
		if !ok {
			continue
		}
		if _, hasP := r.P(); !hasP {
			out.Issues = append(out.Issues, domain.Issue{
				Kind: domain.IssueMissingP, Result: r,
				Detail: "significant result without a p-value",
			})
		}
		flag.Breakdown = breakdown(r, results)
		tiers[flag.Tier()] = append(tiers[flag.Tier()], flag)
	}

	for _, t := range domain.TierOrder {
		flags := tiers[t]
		sort.SliceStable(flags, func(i, j int) bool { return less(flags[i].Result, flags[j].Result) })
		out.Flags = append(out.Flags, flags...)
	}
	return out
}

func (c *Classifier) evaluate(r domain.MetricResult) (domain.Flag, bool) {
	switch tierOf(r) {
	case domain.MetricPrimary:
		if !r.IsOverall() {
			return domain.Flag{}, false
		}
		if r.Significance.IsSignificant() {
			return domain.Flag{Severity: primarySeverity(r), Result: r, Rule: domain.RulePrimarySignificant}, true
		}
		if r.Significance == domain.Directional && c.inDirectionalBand(r) {
			return domain.Flag{Severity: domain.SeverityMonitor, Result: r, Rule: domain.RulePrimaryDirectional}, true
		}
	case domain.MetricSecondary:
		if r.Significance.IsSignificant() {
			return domain.Flag{Severity: domain.SeverityMonitor, Result: r, Rule: domain.RuleSecondarySignificant}, true
		}
	case domain.MetricGuardrail:
		if r.Significance == domain.SignificantNegative {
			return domain.Flag{Severity: domain.SeverityCritical, Result: r, Rule: domain.RuleGuardrailNegative}, true
		}
	}
	return domain.Flag{}, false
}

func (c *Classifier) inDirectionalBand(r domain.MetricResult) bool {
	p, ok := r.P()
	if !ok || c.cfg.DirectionalPMax <= c.cfg.DirectionalPMin {
		return false
	}
	return p > c.cfg.DirectionalPMin && p < c.cfg.DirectionalPMax
}

func primarySeverity(r domain.MetricResult) domain.Severity {
	switch {
	case r.MovesAgainstDesired():
		return domain.SeverityCritical
	case r.MovesWithDesired():
		return domain.SeverityOnTrack
	default:
		return domain.SeverityMonitor
	}
}

func tierOf(r domain.MetricResult) domain.MetricType {
	if t, ok := domain.ParseMetricType(string(r.MetricType)); ok {
		return t
	}
	return domain.MetricSecondary
}

// inconsistency rejects rows whose label contradicts their impact sign or
// whose p-value is out of range.
func inconsistency(r domain.MetricResult) (domain.Issue, bool) {
	if !r.LabelAgreesWithSign() {
		return domain.Issue{
			Kind:   domain.IssueInconsistent,
			Result: r,
			Detail: fmt.Sprintf("labelled %s with relative impact %+.4f", r.Significance, r.RelativeImpact),
		}, true
	}
	if !r.PValueInRange() || math.IsNaN(r.RelativeImpact) || math.IsInf(r.RelativeImpact, 0) {
		return domain.Issue{
			Kind:   domain.IssueInconsistent,
			Result: r,
			Detail: "p-value or impact outside the valid range",
		}, true
	}
	return domain.Issue{}, false
}

// less orders flags within a tier: larger |impact| first, then smaller
// p-value (missing last), then metric name, arm and dimension cut.
func less(a, b domain.MetricResult) bool {
	if a.AbsImpact() != b.AbsImpact() {
		return a.AbsImpact() > b.AbsImpact()
	}
	pa, okA := a.P()
	pb, okB := b.P()
	if okA != okB {
		return okA
	}
	if okA && pa != pb {
		return pa < pb
	}
	if a.MetricName != b.MetricName {
		return a.MetricName < b.MetricName
	}
	if a.Arm != b.Arm {
		return a.Arm < b.Arm
	}
	return a.DimensionCut < b.DimensionCut
}

// breakdown collects sibling cuts of a flagged row. An overall row is broken
// down by every cut of the same metric and arm; any other row by the cuts of
// its own dimension family.
func breakdown(flagged domain.MetricResult, all []domain.MetricResult) []domain.MetricResult {
	family := flagged.DimensionFamily()
	var out []domain.MetricResult
	for _, r := range all {
		if r.MetricName != flagged.MetricName || r.Arm != flagged.Arm || r.Key() == flagged.Key() {
			continue
		}
		if r.IsOverall() {
			continue
		}
		if flagged.IsOverall() || r.DimensionFamily() == family {
			out = append(out, r)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].DimensionFamily() != out[j].DimensionFamily() {
			return out[i].DimensionFamily() < out[j].DimensionFamily()
		}
		return strings.ToLower(out[i].DimensionCut) < strings.ToLower(out[j].DimensionCut)
	})
	return out
}
