// Package reflection explains surprising experiment results. It detects
// anomaly triggers, gathers the experiment's context, and ranks candidate
// causal hypotheses by the evidence the warehouse returns for them.
package reflection

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"

	"github.com/ignite/experiment-callouts/internal/domain"
	"github.com/ignite/experiment-callouts/internal/pkg/logger"
)

// Config holds the trigger thresholds and output limits.
type Config struct {
	DeepDiveImpact   float64    `yaml:"deep_dive_impact"`
	EscalationImpact float64    `yaml:"escalation_impact"`
	ExtremeP         float64    `yaml:"extreme_p"`
	MaxHypotheses    int        `yaml:"max_hypotheses"`
	StarvedCap       float64    `yaml:"starved_confidence_cap"`
	RelatedMetrics   [][]string `yaml:"related_metrics"`
}

// DefaultConfig returns the production thresholds.
func DefaultConfig() Config {
	return Config{
		DeepDiveImpact:   0.05,
		EscalationImpact: 0.10,
		ExtremeP:         0.001,
		MaxHypotheses:    6,
		StarvedCap:       0.49,
	}
}

// Store is the subset of the evidence store the engine queries.
type Store interface {
	GetAllMetricResults(ctx context.Context, analysisID, dimensionCut string) ([]domain.MetricResult, error)
	GetMetricDefinition(ctx context.Context, metricName string) (*domain.MetricDefinition, error)
	GetSourceDefinition(ctx context.Context, measureID string) (*domain.SourceDefinition, error)
	GetExperimentBrief(ctx context.Context, projectName string) (*domain.Brief, error)
}

// Engine runs reflection for one experiment at a time. It holds no per-run state.
type Engine struct {
	store Store
	cfg   Config
	log   *logger.Logger
}

// New creates an Engine. A nil logger uses the default logger.
func New(store Store, cfg Config, log *logger.Logger) *Engine {
	def := DefaultConfig()
	if cfg.DeepDiveImpact <= 0 {
		cfg.DeepDiveImpact = def.DeepDiveImpact
	}
	if cfg.EscalationImpact <= 0 {
		cfg.EscalationImpact = def.EscalationImpact
	}
	if cfg.ExtremeP <= 0 {
		cfg.ExtremeP = def.ExtremeP
	}
	if cfg.MaxHypotheses <= 0 {
		cfg.MaxHypotheses = def.MaxHypotheses
	}
	if cfg.StarvedCap <= 0 || cfg.StarvedCap >= 0.5 {
		cfg.StarvedCap = def.StarvedCap
	}
	if log == nil {
		log = logger.Default()
	}
	return &Engine{store: store, cfg: cfg, log: log.With("component", "reflection")}
}

// Input is one experiment's classified rows.
type Input struct {
	Experiment domain.Experiment
	Results    []domain.MetricResult
}

// Context is what the engine learned about the experiment before reasoning.
type Context struct {
	Brief       *domain.Brief                      `json:"brief,omitempty"`
	Definitions map[string]domain.MetricDefinition `json:"definitions,omitempty"`
	Sources     map[string]domain.SourceDefinition `json:"sources,omitempty"`
	Gaps        []string                           `json:"gaps,omitempty"`
}

// Reflection is the engine's output for one experiment.
type Reflection struct {
	Subject        domain.MetricResult   `json:"subject"`
	Triggers       []Trigger             `json:"triggers"`
	Correlated     []domain.MetricResult `json:"correlated,omitempty"`
	Context        Context               `json:"context"`
	Hypotheses     []domain.Hypothesis   `json:"hypotheses"`
	ContextStarved bool                  `json:"context_starved,omitempty"`
}

// Reflect runs the full procedure. It returns (nil, nil) when no trigger
// holds. Evidence failures degrade the output; only context cancellation is
// returned as an error.
func (e *Engine) Reflect(ctx context.Context, in Input) (*Reflection, error) {
	triggers := e.Detect(in.Results)
	if len(triggers) == 0 {
		return nil, nil
	}
	subject := pickSubject(triggers)
	log := e.log.With("analysis_id", in.Experiment.AnalysisID, "subject", subject.MetricName)

	ref := &Reflection{Subject: subject, Triggers: triggers}
	ref.Correlated = e.correlated(subject, in.Results)

	rc := e.gatherContext(ctx, in.Experiment, subject, ref.Correlated)
	ref.Context = rc.Context
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	land := newLandscape(e.store, in.Experiment.AnalysisID, in.Results)
	var hyps []domain.Hypothesis
	for _, c := range e.taxonomy() {
		h, ok := e.evaluate(ctx, c, subject, land)
		if !ok {
			continue
		}
		if rc.starvedAll || citesMissing(h, rc.missingDefs) {
			h.ContextStarved = true
			h.Confidence = math.Min(h.Confidence, e.cfg.StarvedCap)
		}
		hyps = append(hyps, h)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	ref.Context.Gaps = append(ref.Context.Gaps, land.gaps...)
	ref.ContextStarved = rc.starvedAll

	sort.SliceStable(hyps, func(i, j int) bool {
		if hyps[i].Confidence != hyps[j].Confidence {
			return hyps[i].Confidence > hyps[j].Confidence
		}
		return hyps[i].Kind.Rank() < hyps[j].Kind.Rank()
	})
	if len(hyps) > e.cfg.MaxHypotheses {
		hyps = hyps[:e.cfg.MaxHypotheses]
	}
	ref.Hypotheses = hyps

	log.Info("reflection complete", "triggers", len(triggers), "hypotheses", len(hyps),
		"context_starved", ref.ContextStarved, "gaps", len(ref.Context.Gaps))
	return ref, nil
}

// pickSubject chooses the anomaly to explain: highest tier first, then the
// largest movement.
func pickSubject(triggers []Trigger) domain.MetricResult {
	var best domain.MetricResult
	found := false
	for _, t := range triggers {
		for _, m := range t.Metrics {
			if !found || better(m, best) {
				best, found = m, true
			}
		}
	}
	return best
}

func better(a, b domain.MetricResult) bool {
	ta, tb := tierRank(a.MetricType), tierRank(b.MetricType)
	if ta != tb {
		return ta < tb
	}
	if a.AbsImpact() != b.AbsImpact() {
		return a.AbsImpact() > b.AbsImpact()
	}
	return a.Key() < b.Key()
}

func tierRank(t domain.MetricType) int {
	for i, tt := range domain.TierOrder {
		if tt == t {
			return i
		}
	}
	return len(domain.TierOrder)
}

func (e *Engine) correlated(subject domain.MetricResult, results []domain.MetricResult) []domain.MetricResult {
	var out []domain.MetricResult
	for _, r := range results {
		if r.IsOverall() && r.Arm == subject.Arm && e.Related(r, subject) {
			out = append(out, r)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].MetricName < out[j].MetricName })
	return out
}

type gathered struct {
	Context
	starvedAll  bool
	missingDefs map[string]bool
}

func (e *Engine) gatherContext(ctx context.Context, exp domain.Experiment, subject domain.MetricResult, correlated []domain.MetricResult) gathered {
	g := gathered{
		Context: Context{
			Definitions: map[string]domain.MetricDefinition{},
			Sources:     map[string]domain.SourceDefinition{},
		},
		missingDefs: map[string]bool{},
	}

	brief, err := e.store.GetExperimentBrief(ctx, exp.ProjectName)
	if err != nil || brief == nil || brief.Text() == "" {
		g.starvedAll = true
		g.Gaps = append(g.Gaps, gapText("brief", exp.ProjectName, err))
	} else {
		g.Brief = brief
	}

	names := []string{subject.MetricName}
	for _, r := range correlated {
		names = append(names, r.MetricName)
	}
	for _, name := range names {
		if _, seen := g.Definitions[name]; seen || g.missingDefs[name] {
			continue
		}
		def, err := e.store.GetMetricDefinition(ctx, name)
		if err != nil || def == nil {
			g.missingDefs[name] = true
			g.Gaps = append(g.Gaps, gapText("definition", name, err))
			if name == subject.MetricName {
				g.starvedAll = true
			}
			continue
		}
		g.Definitions[name] = *def
	}

	spec := subject.Spec
	if def, ok := g.Definitions[subject.MetricName]; ok && def.Spec != nil {
		spec = def.Spec
	}
	if spec != nil {
		for _, m := range spec.Measures() {
			ref := m.SourceRef()
			if _, seen := g.Sources[ref]; seen {
				continue
			}
			src, err := e.store.GetSourceDefinition(ctx, ref)
			if err != nil || src == nil {
				g.Gaps = append(g.Gaps, gapText("source", ref, err))
				continue
			}
			g.Sources[ref] = *src
		}
	}
	return g
}

func gapText(what, target string, err error) string {
	if err == nil {
		return fmt.Sprintf("%s %s: not found", what, target)
	}
	return fmt.Sprintf("%s %s: %v", what, target, err)
}

func (e *Engine) evaluate(ctx context.Context, c candidate, subject domain.MetricResult, land *landscape) (domain.Hypothesis, bool) {
	h := domain.Hypothesis{Kind: c.kind, Description: c.describe(subject)}
	for _, q := range c.queries {
		for _, r := range land.rows(ctx, q.scope, subject) {
			if !q.match(r, subject) {
				continue
			}
			switch q.verdict(r, subject) {
			case supports:
				h.Evidence = append(h.Evidence, domain.Evidence{Query: q.desc, Result: r, Supports: true})
			case contradicts:
				h.Evidence = append(h.Evidence, domain.Evidence{Query: q.desc, Result: r, Supports: false})
			default:
				h.Neutral++
			}
		}
	}
	if len(h.Evidence) == 0 {
		return domain.Hypothesis{}, false
	}
	h.Confidence = confidence(h.Supporting(), h.Contradicting(), h.Neutral)
	return h, true
}

// confidence is net support over all resolved evidence, floored at zero.
func confidence(sup, con, neu int) float64 {
	total := sup + con + neu
	if total == 0 || sup <= con {
		return 0
	}
	return float64(sup-con) / float64(total)
}

func citesMissing(h domain.Hypothesis, missing map[string]bool) bool {
	for _, ev := range h.Evidence {
		if missing[ev.Result.MetricName] {
			return true
		}
	}
	return false
}

// landscape resolves evidence scopes, querying the store at most once per
// scope when the seeded rows do not already cover it.
type landscape struct {
	store      Store
	analysisID string
	seed       []domain.MetricResult

	overall, all     []domain.MetricResult
	overallOK, allOK bool
	gaps             []string
}

func newLandscape(store Store, analysisID string, seed []domain.MetricResult) *landscape {
	return &landscape{store: store, analysisID: analysisID, seed: seed}
}

func (l *landscape) loadOverall(ctx context.Context) []domain.MetricResult {
	if l.overallOK {
		return l.overall
	}
	l.overallOK = true
	for _, r := range l.seed {
		if r.IsOverall() {
			l.overall = append(l.overall, r)
		}
	}
	if len(l.overall) > 0 {
		return l.overall
	}
	rows, err := l.store.GetAllMetricResults(ctx, l.analysisID, domain.OverallCut)
	if err != nil {
		l.gaps = append(l.gaps, gapText("results", "overall", wrapEvidence(err, "get_all_metric_results", l.analysisID)))
		return nil
	}
	l.overall = rows
	return l.overall
}

func (l *landscape) loadAll(ctx context.Context) []domain.MetricResult {
	if l.allOK {
		return l.all
	}
	l.allOK = true
	for _, r := range l.seed {
		if !r.IsOverall() {
			l.all = l.seed
			return l.all
		}
	}
	rows, err := l.store.GetAllMetricResults(ctx, l.analysisID, "")
	if err != nil {
		l.gaps = append(l.gaps, gapText("results", "all cuts", wrapEvidence(err, "get_all_metric_results", l.analysisID)))
		l.all = l.seed
		return l.all
	}
	l.all = rows
	return l.all
}

func (l *landscape) rows(ctx context.Context, s scope, subject domain.MetricResult) []domain.MetricResult {
	switch s {
	case scopeSubject:
		return []domain.MetricResult{subject}
	case scopeLandscape:
		var out []domain.MetricResult
		for _, r := range l.loadOverall(ctx) {
			if r.Arm == subject.Arm && r.MetricName != subject.MetricName {
				out = append(out, r)
			}
		}
		return out
	case scopeSubjectCuts:
		var out []domain.MetricResult
		for _, r := range l.loadAll(ctx) {
			if r.Arm == subject.Arm && r.MetricName == subject.MetricName && !r.IsOverall() {
				out = append(out, r)
			}
		}
		return out
	case scopeAll:
		var out []domain.MetricResult
		for _, r := range l.loadAll(ctx) {
			if r.Arm == subject.Arm {
				out = append(out, r)
			}
		}
		return out
	}
	return nil
}

func wrapEvidence(err error, op, target string) error {
	if errors.Is(err, domain.ErrEvidenceUnavailable) {
		return err
	}
	return &domain.EvidenceError{Op: op, Target: target, Err: err}
}
