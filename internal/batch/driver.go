// Package batch produces the callout for one date: it fans out one agent run
// per active experiment, assembles the document and hands it to storage,
// the warehouse and the notifiers.
package batch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/ignite/experiment-callouts/internal/agent"
	"github.com/ignite/experiment-callouts/internal/delivery"
	"github.com/ignite/experiment-callouts/internal/domain"
	"github.com/ignite/experiment-callouts/internal/pkg/distlock"
	"github.com/ignite/experiment-callouts/internal/pkg/logger"
	"github.com/ignite/experiment-callouts/internal/report"
	"github.com/ignite/experiment-callouts/internal/storage"
)

// ErrRunInProgress is returned when another driver holds the date's lock.
var ErrRunInProgress = errors.New("a callout run for this date is already in progress")

// Store is the warehouse as the driver sees it.
type Store interface {
	agent.EvidenceStore
	LatestExperimentDate(ctx context.Context) (string, error)
	PersistCallout(ctx context.Context, callout domain.Callout) error
}

// Deps wires a Driver. Agent is the template for every per-experiment
// orchestrator; its Store is replaced by Store.
type Deps struct {
	Agent       agent.Deps
	Store       Store
	Archive     storage.Store
	Notifier    delivery.Notifier
	Redis       *redis.Client
	LockTTL     time.Duration
	Concurrency int
	Log         *logger.Logger
	Now         func() time.Time
}

// Options control one run.
type Options struct {
	Date      string
	NoSave    bool
	NoPersist bool
	NoNotify  bool
}

// Result is what one run produced.
type Result struct {
	RunID     string
	Date      string
	Document  report.Document
	Markdown  string
	Slack     string
	Outcomes  []*agent.Outcome
	Location  string
	Persisted bool
	Notified  bool
	Elapsed   time.Duration
}

// ToolCalls sums tool calls over every experiment.
func (r *Result) ToolCalls() int {
	n := 0
	for _, o := range r.Outcomes {
		if o != nil {
			n += o.ToolCalls
		}
	}
	return n
}

// Driver runs the daily callout.
type Driver struct {
	deps Deps
	log  *logger.Logger
}

// NewDriver checks the wiring. Archive and Notifier are optional.
func NewDriver(deps Deps) (*Driver, error) {
	var problems []string
	if deps.Store == nil {
		problems = append(problems, "batch: warehouse store is not configured")
	}
	if deps.Agent.Model == nil {
		problems = append(problems, "batch: model is not configured")
	}
	if deps.Agent.Renderer == nil {
		problems = append(problems, "batch: renderer is not configured")
	}
	if len(problems) > 0 {
		return nil, &domain.ConfigurationError{Problems: problems}
	}
	if deps.Concurrency <= 0 {
		deps.Concurrency = 4
	}
	if deps.LockTTL <= 0 {
		deps.LockTTL = time.Hour
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	if deps.Log == nil {
		deps.Log = logger.Default()
	}
	deps.Agent.Store = deps.Store
	return &Driver{deps: deps, log: deps.Log.With("component", "batch")}, nil
}

// Run produces, saves, persists and delivers the callout for opts.Date, or
// for the latest registry date when none is given. Delivery failures are
// returned alongside a complete Result.
func (d *Driver) Run(ctx context.Context, opts Options) (*Result, error) {
	start := d.deps.Now()
	date := opts.Date
	if date == "" {
		latest, err := d.deps.Store.LatestExperimentDate(ctx)
		if err != nil {
			return nil, fmt.Errorf("resolve latest date: %w", err)
		}
		date = latest
	}
	log := d.log.With("date", date)

	lock := distlock.NewLock(d.deps.Redis, distlock.RunKey(date), d.deps.LockTTL)
	ok, err := lock.Acquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("acquire run lock: %w", err)
	}
	if !ok {
		return nil, ErrRunInProgress
	}
	defer func() {
		// The run context may already be cancelled.
		if err := lock.Release(context.Background()); err != nil && !errors.Is(err, distlock.ErrNotHeld) {
			log.Warn("release run lock", "error", err)
		}
	}()

	exps, err := d.deps.Store.ListActiveExperiments(ctx, date)
	if err != nil {
		return nil, fmt.Errorf("list active experiments: %w", err)
	}
	log.Info("callout run started", "experiments", len(exps))

	outcomes, err := d.runAll(ctx, date, exps)
	if err != nil {
		return nil, err
	}

	doc := assemble(date, exps, outcomes)
	body, err := d.deps.Agent.Renderer.Render(doc)
	if err != nil {
		return nil, fmt.Errorf("render callout: %w", err)
	}

	generated := d.deps.Now()
	res := &Result{
		RunID:    uuid.NewString(),
		Date:     date,
		Document: doc,
		Markdown: body,
		Slack:    report.Slack(body, date),
		Outcomes: outcomes,
	}
	res.Elapsed = generated.Sub(start)
	callout := domain.Callout{
		ID:                res.RunID,
		Date:              date,
		Markdown:          body,
		Slack:             res.Slack,
		Model:             d.deps.Agent.Model.Name(),
		GenerationSeconds: res.Elapsed.Seconds(),
		ToolCalls:         res.ToolCalls(),
	}

	var errs []error
	if !opts.NoSave && d.deps.Archive != nil {
		rec := storage.Record{Callout: callout, GeneratedAt: generated, Entries: entries(outcomes)}
		rec.Markdown = report.FileHeader(date, generated) + body
		loc, err := d.deps.Archive.Save(ctx, rec)
		if err != nil {
			errs = append(errs, fmt.Errorf("save callout: %w", err))
		} else {
			res.Location = loc
		}
	}
	if !opts.NoPersist {
		if err := d.deps.Store.PersistCallout(ctx, callout); err != nil {
			errs = append(errs, fmt.Errorf("persist callout: %w", err))
		} else {
			res.Persisted = true
		}
	}
	if !opts.NoNotify && d.deps.Notifier != nil {
		msg := delivery.Message{Date: date, Markdown: body, Slack: res.Slack}
		if err := d.deps.Notifier.Notify(ctx, msg); err != nil {
			errs = append(errs, fmt.Errorf("notify: %w", err))
		} else {
			res.Notified = true
		}
	}

	log.Info("callout run finished",
		"run_id", res.RunID, "sections", len(doc.Sections), "skipped", len(doc.Skipped),
		"tool_calls", callout.ToolCalls, "location", res.Location,
		"persisted", res.Persisted, "notified", res.Notified, "elapsed", res.Elapsed.String())
	return res, errors.Join(errs...)
}

// runAll runs one orchestrator per experiment, at most Concurrency at once.
// Outcomes keep registry order.
func (d *Driver) runAll(ctx context.Context, date string, exps []domain.Experiment) ([]*agent.Outcome, error) {
	outcomes := make([]*agent.Outcome, len(exps))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(d.deps.Concurrency)
	for i, exp := range exps {
		i, exp := i, exp
		g.Go(func() error {
			deps := d.deps.Agent
			deps.Log = d.log
			o, err := agent.NewOrchestrator(deps)
			if err != nil {
				return err
			}
			out, err := o.Run(gctx, agent.Task{Date: date, Experiment: exp})
			if err != nil {
				return fmt.Errorf("%s: %w", exp.ProjectName, err)
			}
			outcomes[i] = out
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return outcomes, nil
}

// assemble builds the document in registry order. A flagged experiment whose
// section could not be produced is listed as skipped with the error.
func assemble(date string, exps []domain.Experiment, outcomes []*agent.Outcome) report.Document {
	doc := report.Document{Date: date}
	for i, out := range outcomes {
		name := exps[i].ProjectName
		switch {
		case out.Skipped:
			doc.Skipped = append(doc.Skipped, report.Skipped{Name: name, Reason: out.SkipReason})
		case out.Section != "":
			doc.Sections = append(doc.Sections, out.Section)
		default:
			reason := "callout could not be generated"
			if out.Err != nil {
				reason += ": " + out.Err.Error()
			}
			doc.Skipped = append(doc.Skipped, report.Skipped{Name: name, Reason: reason})
		}
	}
	return doc
}

func entries(outcomes []*agent.Outcome) []storage.Entry {
	out := make([]storage.Entry, 0, len(outcomes))
	for _, o := range outcomes {
		out = append(out, storage.Entry{
			Experiment: o.Experiment.ProjectName,
			AnalysisID: o.Experiment.AnalysisID,
			State:      string(o.State),
			Skipped:    o.Skipped,
			Reason:     o.SkipReason,
			Fallback:   o.Fallback,
			ToolCalls:  o.ToolCalls,
			Iterations: o.Iterations,
		})
	}
	return out
}
