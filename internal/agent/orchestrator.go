// Package agent drives the tool-using reasoning loop that turns one
// experiment's classified results into a validated callout section.
package agent

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/ignite/experiment-callouts/internal/classify"
	"github.com/ignite/experiment-callouts/internal/domain"
	"github.com/ignite/experiment-callouts/internal/pkg/backoff"
	"github.com/ignite/experiment-callouts/internal/pkg/logger"
	"github.com/ignite/experiment-callouts/internal/reflection"
	"github.com/ignite/experiment-callouts/internal/report"
	"github.com/ignite/experiment-callouts/internal/validate"
)

// ErrAlreadyRun is returned by a second Run on the same Orchestrator.
var ErrAlreadyRun = errors.New("orchestrator already ran")

// SalvagePrompt asks for a final answer without further tool use.
const SalvagePrompt = "Please provide your final callout based on the information gathered so far."

// minSalvageTime is the least remaining run time worth a final model call.
const minSalvageTime = 5 * time.Second

// Task is one experiment to report on for one date.
type Task struct {
	Date       string
	Experiment domain.Experiment
}

// Deps wires an Orchestrator.
type Deps struct {
	Model       Model
	Store       EvidenceStore
	Classifier  *classify.Classifier
	Reflector   *reflection.Engine
	Validator   *validate.Validator
	Renderer    *report.Renderer
	Policy      Policy
	Budget      Budget
	Retry       backoff.Policy
	Temperature float64
	MaxTokens   int
	Log         *logger.Logger
	Now         func() time.Time
}

// Outcome is the result of one run.
type Outcome struct {
	Experiment     domain.Experiment
	State          State
	Transitions    []State
	Skipped        bool
	SkipReason     string
	Section        string
	Fallback       bool
	Results        []domain.MetricResult
	Classification classify.Classification
	Reflection     *reflection.Reflection
	Validation     validate.Result
	Iterations     int
	ToolCalls      int
	Elapsed        time.Duration
	Err            error
	History        RunState
}

// Orchestrator runs exactly one Task.
type Orchestrator struct {
	deps  Deps
	tools *Toolbox
	log   *logger.Logger
	used  atomic.Bool

	mu          sync.Mutex
	transitions []State
}

// NewOrchestrator validates deps. Missing collaborators, an invalid budget or
// an unusable policy are fatal *domain.ConfigurationError values.
func NewOrchestrator(deps Deps) (*Orchestrator, error) {
	var problems []string
	if deps.Model == nil {
		problems = append(problems, "model is not configured")
	}
	if deps.Store == nil {
		problems = append(problems, "evidence store is not configured")
	}
	if deps.Renderer == nil {
		problems = append(problems, "report renderer is not configured")
	}
	problems = append(problems, deps.Budget.Validate()...)
	problems = append(problems, deps.Policy.Validate()...)
	if len(problems) > 0 {
		return nil, &domain.ConfigurationError{Problems: problems}
	}

	if deps.Classifier == nil {
		deps.Classifier = classify.New(classify.DefaultConfig())
	}
	if deps.Log == nil {
		deps.Log = logger.Default()
	}
	if deps.Reflector == nil {
		deps.Reflector = reflection.New(deps.Store, reflection.DefaultConfig(), deps.Log)
	}
	if deps.Validator == nil {
		deps.Validator = validate.New(validate.DefaultLimits())
	}
	if deps.Retry.Attempts <= 0 {
		deps.Retry = backoff.Default()
	}
	if deps.MaxTokens <= 0 {
		deps.MaxTokens = 4000
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	return &Orchestrator{
		deps:  deps,
		tools: NewToolbox(deps.Store, deps.Classifier, deps.Reflector),
		log:   deps.Log.With("component", "orchestrator"),
	}, nil
}

func (o *Orchestrator) enter(s State) {
	o.mu.Lock()
	o.transitions = append(o.transitions, s)
	o.mu.Unlock()
	o.log.Debug("state transition", "state", string(s))
}

func (o *Orchestrator) history() []State {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]State(nil), o.transitions...)
}

// run carries the per-run values through the state functions.
type run struct {
	task   Task
	out    *Outcome
	expect validate.Expectations
	st     RunState
	best   string
	bestN  int
}

// Run executes the task. It returns an error only when the run could not
// start; model and evidence failures are reported on the Outcome, which
// always carries a section for a flagged experiment.
func (o *Orchestrator) Run(ctx context.Context, task Task) (*Outcome, error) {
	if !o.used.CompareAndSwap(false, true) {
		return nil, ErrAlreadyRun
	}
	start := o.deps.Now()
	ctx, cancel := context.WithTimeout(ctx, o.deps.Budget.MaxDuration)
	defer cancel()

	o.log = o.log.With("experiment", task.Experiment.ProjectName, "analysis_id", task.Experiment.AnalysisID)
	o.tools.remember(task.Experiment)

	r := &run{task: task, out: &Outcome{Experiment: task.Experiment}, st: newRunState(start), bestN: -1}
	state := o.prime(ctx, r)
	for !state.Terminal() {
		switch state {
		case StateDeciding:
			state = o.decideStep(ctx, r)
		case StateValidating:
			state = o.validateStep(ctx, r)
		default:
			state = o.fail(r, fmt.Errorf("unexpected state %s", state))
		}
	}

	r.out.State = state
	r.out.Transitions = o.history()
	r.out.History = r.st
	r.out.Iterations = r.st.Iterations
	r.out.ToolCalls = r.st.ToolCalls
	r.out.Elapsed = o.deps.Now().Sub(start)
	o.log.Info("run finished",
		"state", string(state), "iterations", r.st.Iterations, "tool_calls", r.st.ToolCalls,
		"fallback", r.out.Fallback, "skipped", r.out.Skipped, "elapsed", r.out.Elapsed.String())
	return r.out, nil
}

// prime gathers results, classification and reflection as recorded tool
// observations before the model is consulted.
func (o *Orchestrator) prime(ctx context.Context, r *run) State {
	o.enter(StateInit)
	exp := r.task.Experiment
	if !exp.HasAnalysis() {
		return o.skip(r, "no analysis id")
	}

	results, err := o.deps.Store.GetAllMetricResults(ctx, exp.AnalysisID, "")
	if err != nil {
		r.out.Err = err
		return o.skip(r, "metric results unavailable: "+err.Error())
	}
	if len(exp.Arms) == 0 {
		exp.Arms = domain.ArmsFromResults(results)
		r.task.Experiment = exp
		r.out.Experiment = exp
		o.tools.remember(exp)
	}
	r.out.Results = results

	cls := o.deps.Classifier.Classify(results)
	r.out.Classification = cls
	if !cls.HasFlags() {
		return o.skip(r, "no significant movements")
	}
	r.expect = validate.Expectations{Experiments: []validate.ExperimentExpectation{validate.ExpectFor(exp, cls)}}

	primed := []Observation{
		{Tool: ToolAllResults, Output: report.ResultsTable(results)},
		{Tool: ToolClassify, Output: renderClassification(exp, cls)},
	}
	if len(o.deps.Reflector.Detect(results)) > 0 {
		refl, err := o.deps.Reflector.Reflect(ctx, reflection.Input{Experiment: exp, Results: results})
		obs := Observation{Tool: ToolReflect}
		if err != nil {
			o.log.Warn("reflection failed", "error", err)
			obs.Err = err.Error()
			obs.Output = observationText(ToolReflect, err)
		} else {
			r.out.Reflection = refl
			obs.Output = renderReflection(refl)
		}
		primed = append(primed, obs)
	}

	args := fmt.Sprintf(`{"analysis_id":%q}`, exp.AnalysisID)
	calls := make([]ToolCall, len(primed))
	msgs := make([]Message, len(primed))
	for i := range primed {
		primed[i].CallID = fmt.Sprintf("primed-%s-%d", exp.AnalysisID, i)
		primed[i].Primed = true
		calls[i] = ToolCall{ID: primed[i].CallID, Name: primed[i].Tool, Arguments: []byte(args)}
		msgs[i] = Message{Role: RoleTool, ToolCallID: primed[i].CallID, Name: primed[i].Tool, Content: primed[i].Output}
	}

	r.st = r.st.WithMessages(
		Message{Role: RoleSystem, Content: o.deps.Policy.Text},
		Message{Role: RoleUser, Content: taskPrompt(r.task)},
		Message{Role: RoleAssistant, ToolCalls: calls},
	).WithMessages(msgs...).WithObservations(primed...)
	return StateDeciding
}

func (o *Orchestrator) skip(r *run, reason string) State {
	r.out.Skipped = true
	r.out.SkipReason = reason
	r.st = r.st.Terminate(TerminationStop)
	o.enter(StateDone)
	return StateDone
}

func taskPrompt(t Task) string {
	e := t.Experiment
	var b strings.Builder
	fmt.Fprintf(&b, "Write the callout section for this experiment.\n\nDate: %s\nExperiment: %s\nAnalysis id: %s\n", t.Date, e.ProjectName, e.AnalysisID)
	fmt.Fprintf(&b, "Status: %s\nRollout: %s\nArms: %s\nAnalysis link: %s\n", orNA(e.RawStatus), orNA(e.Rollout), orNA(strings.Join(e.ArmNames(), ", ")), orNA(e.AnalysisLink))
	if e.BriefSummary != "" {
		fmt.Fprintf(&b, "Brief summary: %s\n", e.BriefSummary)
	}
	b.WriteString("\nThe metric results, their classification and the reflection analysis are already gathered below. Investigate further only where it helps explain a movement, then answer in the output format.")
	return b.String()
}

// decideStep asks the model for the next action and runs any tool calls.
func (o *Orchestrator) decideStep(ctx context.Context, r *run) State {
	if which, over := o.deps.Budget.exceeded(r.st, o.deps.Now()); over {
		o.log.Warn("budget exceeded", "budget", which)
		return o.salvage(ctx, r)
	}
	o.enter(StateDeciding)
	r.st = r.st.NextIteration()

	resp, err := o.decide(ctx, r.st.Messages, o.tools.Specs())
	if err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			o.log.Warn("run deadline reached while deciding", "error", err)
			return o.salvage(ctx, r)
		}
		if domain.IsTransientModelError(err) && ctx.Err() == nil {
			return o.exhausted(r, err)
		}
		return o.fail(r, err)
	}

	if !resp.WantsTools() {
		r.st = r.st.WithMessages(resp.Message)
		return StateValidating
	}

	o.enter(StateActing)
	// IDs derive from the position so identical runs send identical requests.
	calls := append([]ToolCall(nil), resp.Message.ToolCalls...)
	for i := range calls {
		if calls[i].ID == "" {
			calls[i].ID = fmt.Sprintf("call-%d-%d", r.st.Iterations, i)
		}
	}
	resp.Message.ToolCalls = calls
	r.st = r.st.WithMessages(resp.Message)

	obs := o.act(ctx, calls, o.deps.Budget.MaxToolCalls-r.st.ToolCalls)

	o.enter(StateObserving)
	msgs := make([]Message, len(obs))
	for i, ob := range obs {
		msgs[i] = Message{Role: RoleTool, ToolCallID: ob.CallID, Name: ob.Tool, Content: ob.Output}
	}
	r.st = r.st.WithMessages(msgs...).WithObservations(obs...)
	return StateDeciding
}

// decide makes one model call with a per-call timeout, retrying transient
// failures with backoff.
func (o *Orchestrator) decide(ctx context.Context, msgs []Message, tools []ToolSpec) (*Response, error) {
	req := Request{Messages: msgs, Tools: tools, Temperature: o.deps.Temperature, MaxTokens: o.deps.MaxTokens}
	var resp *Response
	err := backoff.Retry(ctx, o.deps.Retry, domain.IsTransientModelError, func(ctx context.Context, attempt int) error {
		callCtx, cancel := context.WithTimeout(ctx, o.deps.Budget.CallTimeout)
		defer cancel()
		out, err := o.deps.Model.Complete(callCtx, req)
		if err != nil {
			o.log.Warn("model call failed", "attempt", attempt, "error", err)
			return err
		}
		resp = out
		return nil
	})
	if err != nil {
		return nil, err
	}
	return resp, nil
}

// act runs up to allowed calls concurrently. Calls past the allowance are
// recorded as skipped. Observations keep invocation order.
func (o *Orchestrator) act(ctx context.Context, calls []ToolCall, allowed int) []Observation {
	obs := make([]Observation, len(calls))
	g := new(errgroup.Group)
	g.SetLimit(o.deps.Budget.MaxParallelTools)
	for i, call := range calls {
		if i >= allowed {
			obs[i] = Observation{CallID: call.ID, Tool: call.Name, Skipped: true,
				Output: "Skipped: the tool-call budget for this run is used up."}
			continue
		}
		i, call := i, call
		g.Go(func() error {
			started := time.Now()
			out, err := o.tools.Dispatch(ctx, call)
			ob := Observation{CallID: call.ID, Tool: call.Name, Output: out, Elapsed: time.Since(started)}
			if err != nil {
				ob.Err = err.Error()
				ob.Output = observationText(call.Name, err)
				o.log.Warn("tool call failed", "tool", call.Name, "error", err)
			}
			obs[i] = ob
			return nil
		})
	}
	_ = g.Wait()
	return obs
}

// validateStep checks the latest candidate and sends it back with the
// complaint while retries remain.
func (o *Orchestrator) validateStep(ctx context.Context, r *run) State {
	o.enter(StateValidating)
	candidate := r.st.Messages[len(r.st.Messages)-1].Content
	res := o.deps.Validator.Validate(candidate, r.expect)
	o.consider(r, candidate, res)

	if res.OK() {
		return o.finish(r, candidate, res)
	}
	retries := countValidationRetries(r.st)
	if retries < o.deps.Budget.MaxValidationRetries {
		if _, over := o.deps.Budget.exceeded(r.st, o.deps.Now()); !over {
			o.log.Info("report rejected by validator", "violations", len(res.Violations), "retry", retries+1)
			r.st = r.st.WithMessages(Message{Role: RoleUser, Content: complaint(res)})
			return StateDeciding
		}
	}
	return o.acceptBest(r)
}

const complaintPrefix = "Your callout breaks these rules:"

func complaint(res validate.Result) string {
	var b strings.Builder
	b.WriteString(complaintPrefix + "\n")
	for _, v := range res.Violations {
		fmt.Fprintf(&b, "- %s\n", v.String())
	}
	b.WriteString("Rewrite the complete callout so that it follows every rule.")
	return b.String()
}

func countValidationRetries(st RunState) int {
	n := 0
	for _, m := range st.Messages {
		if m.Role == RoleUser && strings.HasPrefix(m.Content, complaintPrefix) {
			n++
		}
	}
	return n
}

// consider keeps the candidate with the fewest violations; later wins ties.
func (o *Orchestrator) consider(r *run, candidate string, res validate.Result) {
	if r.bestN < 0 || len(res.Violations) <= r.bestN {
		r.best = candidate
		r.bestN = len(res.Violations)
		r.out.Validation = res
	}
}

// acceptBest releases the best candidate unless it drops a critical metric
// or is empty, in which case the deterministic rendering is used.
func (o *Orchestrator) acceptBest(r *run) State {
	res := r.out.Validation
	for _, v := range res.Violations {
		if v.Rule == validate.RuleCriticalReported || v.Rule == validate.RuleEmpty {
			o.log.Warn("best candidate unusable, using fallback", "rule", string(v.Rule))
			o.useFallback(r)
			return o.done(r, StateDone)
		}
	}
	o.log.Warn("accepting report with violations", "violations", len(res.Violations))
	r.out.Section = r.best
	return o.done(r, StateDone)
}

func (o *Orchestrator) finish(r *run, section string, res validate.Result) State {
	r.out.Section = section
	r.out.Validation = res
	return o.done(r, StateDone)
}

// salvage asks once more for a final answer when time remains; otherwise, or
// when that answer is unusable, the deterministic rendering is used.
func (o *Orchestrator) salvage(ctx context.Context, r *run) State {
	r.st = r.st.Terminate(TerminationBudgetExceeded)
	deadline, ok := ctx.Deadline()
	if ctx.Err() == nil && (!ok || time.Until(deadline) > minSalvageTime) {
		r.st = r.st.WithMessages(Message{Role: RoleUser, Content: SalvagePrompt})
		// the history holds tool calls, so the tools stay declared
		resp, err := o.decide(ctx, r.st.Messages, o.tools.Specs())
		if err == nil && strings.TrimSpace(resp.Message.Content) != "" {
			r.st = r.st.WithMessages(resp.Message)
			res := o.deps.Validator.Validate(resp.Message.Content, r.expect)
			if res.OK() {
				r.out.Section = resp.Message.Content
				r.out.Validation = res
				return o.done(r, StateBudgetExceeded)
			}
			o.log.Warn("salvaged report rejected by validator", "violations", len(res.Violations))
		} else if err != nil {
			o.log.Warn("salvage call failed", "error", err)
		}
	}
	o.useFallback(r)
	return o.done(r, StateBudgetExceeded)
}

// exhausted ends a run whose model calls kept failing transiently. The
// provider is not asked again; the deterministic rendering is used.
func (o *Orchestrator) exhausted(r *run, err error) State {
	o.log.Warn("model retries exhausted, using fallback", "error", err)
	r.out.Err = err
	r.st = r.st.Terminate(TerminationBudgetExceeded)
	o.useFallback(r)
	return o.done(r, StateBudgetExceeded)
}

func (o *Orchestrator) fail(r *run, err error) State {
	o.log.Error("run failed", "error", err)
	r.out.Err = err
	r.st = r.st.Terminate(TerminationFailed)
	o.useFallback(r)
	return o.done(r, StateFailed)
}

func (o *Orchestrator) useFallback(r *run) {
	section, err := o.deps.Renderer.Fallback(report.Section{
		Experiment:     r.task.Experiment,
		Results:        r.out.Results,
		Classification: r.out.Classification,
		Reflection:     r.out.Reflection,
	})
	if err != nil {
		o.log.Error("fallback rendering failed", "error", err)
		if r.out.Err == nil {
			r.out.Err = err
		}
		return
	}
	r.out.Section = section
	r.out.Fallback = true
	r.out.Validation = o.deps.Validator.Validate(section, r.expect)
}

func (o *Orchestrator) done(r *run, s State) State {
	if r.st.Termination == TerminationContinue {
		r.st = r.st.Terminate(TerminationStop)
	}
	o.enter(s)
	return s
}
