package batch

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ignite/experiment-callouts/internal/agent"
	"github.com/ignite/experiment-callouts/internal/delivery"
	"github.com/ignite/experiment-callouts/internal/domain"
	"github.com/ignite/experiment-callouts/internal/pkg/backoff"
	"github.com/ignite/experiment-callouts/internal/pkg/distlock"
	"github.com/ignite/experiment-callouts/internal/report"
	"github.com/ignite/experiment-callouts/internal/storage"
)

// =============================================================================
// Fakes
// =============================================================================

type fakeWarehouse struct {
	mu         sync.Mutex
	latest     string
	exps       []domain.Experiment
	results    map[string][]domain.MetricResult
	persisted  []domain.Callout
	persistErr error
	listedFor  string
}

func (f *fakeWarehouse) LatestExperimentDate(context.Context) (string, error) { return f.latest, nil }

func (f *fakeWarehouse) PersistCallout(_ context.Context, c domain.Callout) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.persistErr != nil {
		return f.persistErr
	}
	f.persisted = append(f.persisted, c)
	return nil
}

func (f *fakeWarehouse) ListActiveExperiments(_ context.Context, date string) ([]domain.Experiment, error) {
	f.mu.Lock()
	f.listedFor = date
	f.mu.Unlock()
	return f.exps, nil
}

func (f *fakeWarehouse) GetAllMetricResults(_ context.Context, id, _ string) ([]domain.MetricResult, error) {
	return f.results[id], nil
}

func (f *fakeWarehouse) GetMetricResults(_ context.Context, id string, tier domain.MetricType) ([]domain.MetricResult, error) {
	var out []domain.MetricResult
	for _, r := range f.results[id] {
		if tier == "" || r.MetricType == tier {
			out = append(out, r)
		}
	}
	return out, nil
}

func (f *fakeWarehouse) GetMetricDefinition(_ context.Context, name string) (*domain.MetricDefinition, error) {
	return nil, &domain.EvidenceError{Op: "get_metric_definition", Target: name, Err: errors.New("not found")}
}

func (f *fakeWarehouse) GetSourceDefinition(_ context.Context, id string) (*domain.SourceDefinition, error) {
	return nil, &domain.EvidenceError{Op: "get_source_definition", Target: id, Err: errors.New("not found")}
}

func (f *fakeWarehouse) GetExperimentBrief(_ context.Context, name string) (*domain.Brief, error) {
	return &domain.Brief{ProjectName: name}, nil
}

func (f *fakeWarehouse) RunQuery(context.Context, string) (*domain.Table, error) {
	return &domain.Table{}, nil
}

// calloutModel answers every task with a section headed by the experiment
// named in the task prompt.
type calloutModel struct {
	mu    sync.Mutex
	calls int
}

func (m *calloutModel) Name() string { return "callout-model" }

func (m *calloutModel) Complete(_ context.Context, req agent.Request) (*agent.Response, error) {
	m.mu.Lock()
	m.calls++
	m.mu.Unlock()
	name := "unknown"
	for _, msg := range req.Messages {
		if msg.Role != agent.RoleUser {
			continue
		}
		for _, line := range strings.Split(msg.Content, "\n") {
			if strings.HasPrefix(line, "Experiment: ") {
				name = strings.TrimPrefix(line, "Experiment: ")
			}
		}
	}
	text := "### " + name + "\n\n**Primary:** order_rate_per_entity fell 21.63% (p=0.0001), against the desired direction.\n\n**Recommendation:** Hold the rollout until the checkout drop is understood.\n"
	return &agent.Response{Message: agent.Message{Role: agent.RoleAssistant, Content: text}, FinishReason: "stop"}, nil
}

type fakeArchive struct {
	saved []storage.Record
	err   error
}

func (a *fakeArchive) Save(_ context.Context, rec storage.Record) (string, error) {
	if a.err != nil {
		return "", a.err
	}
	a.saved = append(a.saved, rec)
	return "mem://" + rec.Date, nil
}

func (a *fakeArchive) Load(context.Context, string) (*storage.Record, error) {
	return nil, storage.ErrNotFound
}

type fakeNotifier struct {
	msgs []delivery.Message
	err  error
}

func (n *fakeNotifier) Name() string { return "fake" }

func (n *fakeNotifier) Notify(_ context.Context, msg delivery.Message) error {
	n.msgs = append(n.msgs, msg)
	return n.err
}

// =============================================================================
// Fixtures
// =============================================================================

func pv(v float64) *float64 { return &v }

func registry() []domain.Experiment {
	return []domain.Experiment{
		{ProjectName: "Block bad address at checkout", AnalysisID: "a-1", Status: domain.StatusInExperiment, RawStatus: "8. In experiment", Rollout: "50%"},
		{ProjectName: "New onboarding carousel", AnalysisID: "a-2", Status: domain.StatusRamping, RawStatus: "8. Ramping"},
		{ProjectName: "Pricing page refresh", Status: domain.StatusInExperiment, RawStatus: "8. In experiment"},
	}
}

func warehouse() *fakeWarehouse {
	return &fakeWarehouse{
		latest: "2026-10-18",
		exps:   registry(),
		results: map[string][]domain.MetricResult{
			"a-1": {
				{AnalysisID: "a-1", Arm: "treatment", MetricName: "order_rate_per_entity", MetricType: domain.MetricPrimary,
					DimensionCut: domain.OverallCut, Significance: domain.SignificantNegative, RelativeImpact: -0.2163,
					PValue: pv(0.0001), DesiredDirection: domain.DirectionIncrease},
			},
			"a-2": {
				{AnalysisID: "a-2", Arm: "treatment", MetricName: "consumers_mau", MetricType: domain.MetricPrimary,
					DimensionCut: domain.OverallCut, Significance: domain.NotSignificant, RelativeImpact: -0.01,
					PValue: pv(0.4), DesiredDirection: domain.DirectionIncrease},
			},
		},
	}
}

type fixture struct {
	store    *fakeWarehouse
	model    *calloutModel
	archive  *fakeArchive
	notifier *fakeNotifier
	driver   *Driver
}

func newFixture(t *testing.T, mutate ...func(*Deps)) *fixture {
	t.Helper()
	renderer, err := report.NewRenderer()
	require.NoError(t, err)
	f := &fixture{store: warehouse(), model: &calloutModel{}, archive: &fakeArchive{}, notifier: &fakeNotifier{}}
	deps := Deps{
		Agent: agent.Deps{
			Model:    f.model,
			Renderer: renderer,
			Policy:   agent.DefaultPolicy(),
			Budget:   agent.DefaultBudget(),
			Retry:    backoff.Policy{Attempts: 1, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond},
		},
		Store:       f.store,
		Archive:     f.archive,
		Notifier:    f.notifier,
		Concurrency: 2,
		Now:         func() time.Time { return time.Date(2026, 10, 19, 7, 30, 0, 0, time.UTC) },
	}
	for _, m := range mutate {
		m(&deps)
	}
	f.driver, err = NewDriver(deps)
	require.NoError(t, err)
	return f
}

// =============================================================================
// Driver
// =============================================================================

func TestNewDriver_ConfigurationErrors(t *testing.T) {
	_, err := NewDriver(Deps{})
	require.Error(t, err)
	assert.True(t, domain.IsConfigurationError(err))
	assert.Contains(t, err.Error(), "warehouse store is not configured")
}

func TestRun_AssemblesInRegistryOrder(t *testing.T) {
	f := newFixture(t)
	res, err := f.driver.Run(context.Background(), Options{Date: "2026-10-17"})
	require.NoError(t, err)

	assert.Equal(t, "2026-10-17", res.Date)
	assert.Equal(t, "2026-10-17", f.store.listedFor)
	require.Len(t, res.Outcomes, 3)
	require.Len(t, res.Document.Sections, 1)
	assert.Contains(t, res.Document.Sections[0], "### Block bad address at checkout")
	assert.Equal(t, []report.Skipped{
		{Name: "New onboarding carousel", Reason: "no significant movements"},
		{Name: "Pricing page refresh", Reason: "no analysis id"},
	}, res.Document.Skipped)
	assert.Equal(t, 1, f.model.calls)

	assert.Contains(t, res.Markdown, "### Skipped")
	assert.Contains(t, res.Markdown, "- New onboarding carousel: no significant movements")
	assert.NotEmpty(t, res.RunID)
}

func TestRun_SavesPersistsAndNotifies(t *testing.T) {
	f := newFixture(t)
	res, err := f.driver.Run(context.Background(), Options{Date: "2026-10-17"})
	require.NoError(t, err)

	assert.Equal(t, "mem://2026-10-17", res.Location)
	assert.True(t, res.Persisted)
	assert.True(t, res.Notified)

	require.Len(t, f.archive.saved, 1)
	rec := f.archive.saved[0]
	assert.True(t, strings.HasPrefix(rec.Markdown, "# Experiment Callout - 2026-10-17"))
	assert.True(t, strings.HasSuffix(rec.Markdown, res.Markdown))
	require.Len(t, rec.Entries, 3)
	assert.True(t, rec.Entries[1].Skipped)
	assert.Equal(t, "a-1", rec.Entries[0].AnalysisID)

	require.Len(t, f.store.persisted, 1)
	c := f.store.persisted[0]
	assert.Equal(t, res.RunID, c.ID)
	assert.Equal(t, res.Markdown, c.Markdown)
	assert.Equal(t, "callout-model", c.Model)
	assert.Equal(t, res.Slack, c.Slack)

	require.Len(t, f.notifier.msgs, 1)
	assert.Equal(t, res.Slack, f.notifier.msgs[0].Slack)
}

func TestRun_ResolvesLatestDate(t *testing.T) {
	f := newFixture(t)
	res, err := f.driver.Run(context.Background(), Options{NoSave: true, NoPersist: true, NoNotify: true})
	require.NoError(t, err)
	assert.Equal(t, "2026-10-18", res.Date)
	assert.Equal(t, "2026-10-18", f.store.listedFor)
}

func TestRun_OptionsSuppressOutputs(t *testing.T) {
	f := newFixture(t)
	res, err := f.driver.Run(context.Background(), Options{Date: "2026-10-17", NoSave: true, NoPersist: true, NoNotify: true})
	require.NoError(t, err)
	assert.Empty(t, f.archive.saved)
	assert.Empty(t, f.store.persisted)
	assert.Empty(t, f.notifier.msgs)
	assert.False(t, res.Persisted)
	assert.Empty(t, res.Location)
}

func TestRun_OutputFailuresAreJoined(t *testing.T) {
	f := newFixture(t)
	f.archive.err = errors.New("disk full")
	f.store.persistErr = errors.New("warehouse down")
	f.notifier.err = errors.New("webhook 500")

	res, err := f.driver.Run(context.Background(), Options{Date: "2026-10-17"})
	require.Error(t, err)
	require.NotNil(t, res)
	assert.Contains(t, err.Error(), "save callout: disk full")
	assert.Contains(t, err.Error(), "persist callout: warehouse down")
	assert.Contains(t, err.Error(), "notify: webhook 500")
	assert.NotEmpty(t, res.Markdown)
	assert.False(t, res.Notified)
}

func TestRun_LockHeldByAnotherDriver(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	other := distlock.NewLock(client, distlock.RunKey("2026-10-17"), time.Minute)
	ok, err := other.Acquire(context.Background())
	require.NoError(t, err)
	require.True(t, ok)

	f := newFixture(t, func(d *Deps) { d.Redis = client })
	_, err = f.driver.Run(context.Background(), Options{Date: "2026-10-17"})
	assert.ErrorIs(t, err, ErrRunInProgress)
	assert.Equal(t, 0, f.model.calls)

	require.NoError(t, other.Release(context.Background()))
	_, err = f.driver.Run(context.Background(), Options{Date: "2026-10-17", NoNotify: true})
	require.NoError(t, err)
	assert.False(t, mr.Exists(distlock.RunKey("2026-10-17")))
}

func TestAssemble_MissingSectionListedWithError(t *testing.T) {
	exps := registry()[:1]
	outs := []*agent.Outcome{{Experiment: exps[0], State: agent.StateFailed, Err: errors.New("renderer broke")}}
	doc := assemble("2026-10-17", exps, outs)
	assert.Empty(t, doc.Sections)
	require.Len(t, doc.Skipped, 1)
	assert.Equal(t, "callout could not be generated: renderer broke", doc.Skipped[0].Reason)
}

// =============================================================================
// Scheduler
// =============================================================================

func TestNextRun(t *testing.T) {
	tests := []struct {
		name string
		now  time.Time
		want time.Time
	}{
		{"later today", time.Date(2026, 10, 19, 5, 0, 0, 0, time.UTC), time.Date(2026, 10, 19, 7, 30, 0, 0, time.UTC)},
		{"exactly now rolls over", time.Date(2026, 10, 19, 7, 30, 0, 0, time.UTC), time.Date(2026, 10, 20, 7, 30, 0, 0, time.UTC)},
		{"already passed", time.Date(2026, 10, 19, 9, 0, 0, 0, time.UTC), time.Date(2026, 10, 20, 7, 30, 0, 0, time.UTC)},
		{"month end", time.Date(2026, 10, 31, 23, 0, 0, 0, time.UTC), time.Date(2026, 11, 1, 7, 30, 0, 0, time.UTC)},
		{"non-UTC input", time.Date(2026, 10, 19, 1, 0, 0, 0, time.FixedZone("PDT", -7*3600)), time.Date(2026, 10, 19, 7, 30, 0, 0, time.UTC)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, nextRun(tt.now, 7, 30))
		})
	}
}

func TestParseClock(t *testing.T) {
	h, m, err := ParseClock("06:45")
	require.NoError(t, err)
	assert.Equal(t, 6, h)
	assert.Equal(t, 45, m)

	for _, bad := range []string{"", "6", "25:00", "07:60", "7am"} {
		_, _, err := ParseClock(bad)
		assert.Error(t, err, bad)
	}
}

type countingRunner struct {
	ran  chan Options
	err  error
	date string
}

func (r *countingRunner) Run(_ context.Context, opts Options) (*Result, error) {
	r.ran <- opts
	if r.err != nil {
		return nil, r.err
	}
	return &Result{Date: r.date, RunID: "run-1"}, nil
}

func TestScheduler_RunsOnTick(t *testing.T) {
	runner := &countingRunner{ran: make(chan Options, 1), date: "2026-10-18"}
	s, err := NewScheduler(runner, "07:30", Options{Date: "2026-01-01", NoNotify: true}, nil)
	require.NoError(t, err)

	tick := make(chan time.Time)
	s.after = func(time.Duration) <-chan time.Time { return tick }

	require.NoError(t, s.Start(context.Background()))
	assert.Error(t, s.Start(context.Background()))

	tick <- time.Now()
	select {
	case opts := <-runner.ran:
		assert.Empty(t, opts.Date)
		assert.True(t, opts.NoNotify)
	case <-time.After(2 * time.Second):
		t.Fatal("scheduled run did not happen")
	}
	s.Stop()
	s.Stop()
}

func TestScheduler_LockContentionIsNotFatal(t *testing.T) {
	runner := &countingRunner{ran: make(chan Options, 2), err: ErrRunInProgress}
	s, err := NewScheduler(runner, "00:00", Options{}, nil)
	require.NoError(t, err)
	tick := make(chan time.Time)
	s.after = func(time.Duration) <-chan time.Time { return tick }

	require.NoError(t, s.Start(context.Background()))
	tick <- time.Now()
	<-runner.ran
	tick <- time.Now()
	<-runner.ran
	s.Stop()
}

func TestNewScheduler_InvalidClock(t *testing.T) {
	_, err := NewScheduler(&countingRunner{}, "noon", Options{}, nil)
	assert.Error(t, err)
}

// =============================================================================
// Analyze
// =============================================================================

func TestAnalyze_UsesRegistryRow(t *testing.T) {
	f := newFixture(t)
	out, err := f.driver.Analyze(context.Background(), Target{AnalysisID: "a-1"})
	require.NoError(t, err)

	assert.Equal(t, "2026-10-18", f.store.listedFor)
	assert.Equal(t, "Block bad address at checkout", out.Experiment.ProjectName)
	assert.Equal(t, "50%", out.Experiment.Rollout)
	assert.True(t, strings.HasPrefix(out.Section, "### Block bad address at checkout"))
	assert.Empty(t, f.archive.saved)
	assert.Empty(t, f.store.persisted)
	assert.Empty(t, f.notifier.msgs)
}

func TestAnalyze_UnlistedExperiment(t *testing.T) {
	f := newFixture(t)
	f.store.exps = nil

	out, err := f.driver.Analyze(context.Background(), Target{Date: "2026-10-17", AnalysisID: "a-1", ProjectName: "Checkout address check"})
	require.NoError(t, err)
	assert.Equal(t, "2026-10-17", f.store.listedFor)
	assert.Equal(t, "Checkout address check", out.Experiment.ProjectName)
	assert.True(t, strings.HasPrefix(out.Section, "### Checkout address check"))

	out, err = f.driver.Analyze(context.Background(), Target{AnalysisID: "a-2"})
	require.NoError(t, err)
	assert.Equal(t, "a-2", out.Experiment.ProjectName)
	assert.True(t, out.Skipped)
}

func TestAnalyze_RequiresAnalysisID(t *testing.T) {
	f := newFixture(t)
	_, err := f.driver.Analyze(context.Background(), Target{ProjectName: "Pricing page refresh"})
	assert.ErrorIs(t, err, ErrNoAnalysis)
	assert.Zero(t, f.model.calls)
}
