// Command callout produces the daily experiment callout.
//
//	callout run     [-date YYYY-MM-DD] [-config path] [-model name] [-no-save] [-no-persist] [-no-notify]
//	callout analyze -analysis-id id [-project name] [-date YYYY-MM-DD] [-config path] [-model name]
//	callout serve   [-config path]
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"

	"github.com/ignite/experiment-callouts/internal/agent"
	"github.com/ignite/experiment-callouts/internal/api"
	"github.com/ignite/experiment-callouts/internal/batch"
	"github.com/ignite/experiment-callouts/internal/pkg/logger"
)

const usage = `usage:
  callout run     [-date YYYY-MM-DD] [-config path] [-model name] [-no-save] [-no-persist] [-no-notify]
  callout analyze -analysis-id id [-project name] [-date YYYY-MM-DD] [-config path] [-model name]
  callout serve   [-config path]
`

// runArgs are the flags of the run subcommand.
type runArgs struct {
	config string
	model  string
	opts   batch.Options
}

func parseRunArgs(args []string, stderr io.Writer) (runArgs, error) {
	var ra runArgs
	fs := flag.NewFlagSet("run", flag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.StringVar(&ra.config, "config", "", "path to the YAML config file")
	fs.StringVar(&ra.model, "model", "", "model name; overrides model.name from the config")
	fs.StringVar(&ra.opts.Date, "date", "", "callout date (YYYY-MM-DD); defaults to the latest registry date")
	fs.BoolVar(&ra.opts.NoSave, "no-save", false, "do not write the callout to local or S3 storage")
	fs.BoolVar(&ra.opts.NoPersist, "no-persist", false, "do not write the callout to the warehouse")
	fs.BoolVar(&ra.opts.NoNotify, "no-notify", false, "do not post to Slack or send email")
	if err := fs.Parse(args); err != nil {
		return ra, err
	}
	if fs.NArg() > 0 {
		return ra, fmt.Errorf("unexpected arguments: %v", fs.Args())
	}
	return ra, checkDate(ra.opts.Date)
}

// analyzeArgs are the flags of the analyze subcommand.
type analyzeArgs struct {
	config string
	model  string
	target batch.Target
}

func parseAnalyzeArgs(args []string, stderr io.Writer) (analyzeArgs, error) {
	var aa analyzeArgs
	fs := flag.NewFlagSet("analyze", flag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.StringVar(&aa.config, "config", "", "path to the YAML config file")
	fs.StringVar(&aa.model, "model", "", "model name; overrides model.name from the config")
	fs.StringVar(&aa.target.AnalysisID, "analysis-id", "", "analysis id of the experiment (required)")
	fs.StringVar(&aa.target.ProjectName, "project", "", "experiment name when it is not in the registry")
	fs.StringVar(&aa.target.Date, "date", "", "registry date (YYYY-MM-DD); defaults to the latest registry date")
	if err := fs.Parse(args); err != nil {
		return aa, err
	}
	if fs.NArg() > 0 {
		return aa, fmt.Errorf("unexpected arguments: %v", fs.Args())
	}
	if aa.target.AnalysisID == "" {
		return aa, errors.New("-analysis-id is required")
	}
	return aa, checkDate(aa.target.Date)
}

func checkDate(date string) error {
	if date == "" {
		return nil
	}
	if _, err := time.Parse("2006-01-02", date); err != nil {
		return fmt.Errorf("-date must be YYYY-MM-DD, got %q", date)
	}
	return nil
}

func parseServeArgs(args []string, stderr io.Writer) (string, error) {
	var path string
	fs := flag.NewFlagSet("serve", flag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.StringVar(&path, "config", "", "path to the YAML config file")
	if err := fs.Parse(args); err != nil {
		return "", err
	}
	if fs.NArg() > 0 {
		return "", fmt.Errorf("unexpected arguments: %v", fs.Args())
	}
	return path, nil
}

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr io.Writer) int {
	if len(args) == 0 {
		fmt.Fprint(stderr, usage)
		return 2
	}
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var err error
	switch args[0] {
	case "run":
		var ra runArgs
		if ra, err = parseRunArgs(args[1:], stderr); err == nil {
			err = runOnce(ctx, ra, stdout)
		}
	case "analyze":
		var aa analyzeArgs
		if aa, err = parseAnalyzeArgs(args[1:], stderr); err == nil {
			err = analyze(ctx, aa, stdout)
		}
	case "serve":
		var path string
		if path, err = parseServeArgs(args[1:], stderr); err == nil {
			err = serve(ctx, path)
		}
	case "-h", "-help", "--help", "help":
		fmt.Fprint(stdout, usage)
		return 0
	default:
		fmt.Fprintf(stderr, "unknown command %q\n%s", args[0], usage)
		return 2
	}
	if errors.Is(err, flag.ErrHelp) {
		return 0
	}
	if err != nil {
		logger.Error("callout failed", "error", err)
		return 1
	}
	return 0
}

func runOnce(ctx context.Context, ra runArgs, stdout io.Writer) error {
	a, err := build(ctx, ra.config, ra.model)
	if err != nil {
		return err
	}
	defer a.Close()

	res, err := a.driver.Run(ctx, ra.opts)
	if res == nil {
		return err
	}
	fmt.Fprintln(stdout, res.Markdown)
	fmt.Fprintln(stdout)
	fmt.Fprintln(stdout, summary(res))
	return err
}

func analyze(ctx context.Context, aa analyzeArgs, stdout io.Writer) error {
	a, err := build(ctx, aa.config, aa.model)
	if err != nil {
		return err
	}
	defer a.Close()

	out, err := a.driver.Analyze(ctx, aa.target)
	if err != nil {
		return err
	}
	fmt.Fprintln(stdout, section(out))
	return nil
}

// section is what analyze prints for one outcome.
func section(out *agent.Outcome) string {
	if out.Skipped {
		return fmt.Sprintf("%s: skipped (%s)", out.Experiment.ProjectName, out.SkipReason)
	}
	if out.Section == "" && out.Err != nil {
		return fmt.Sprintf("%s: no callout could be generated: %v", out.Experiment.ProjectName, out.Err)
	}
	return out.Section
}

// summary is the per-experiment outcome table printed after a run.
func summary(res *batch.Result) string {
	w := table.NewWriter()
	w.SetTitle(fmt.Sprintf("Callout %s (run %s)", res.Date, res.RunID))
	w.AppendHeader(table.Row{"experiment", "state", "section", "iterations", "tool calls", "note"})
	for _, o := range res.Outcomes {
		section := "model"
		note := ""
		switch {
		case o.Skipped:
			section, note = "skipped", o.SkipReason
		case o.Fallback:
			section = "fallback"
		}
		if o.Err != nil && note == "" {
			note = o.Err.Error()
		}
		w.AppendRow(table.Row{o.Experiment.ProjectName, o.State, section, o.Iterations, o.ToolCalls, note})
	}
	w.AppendFooter(table.Row{"", "", "", "", res.ToolCalls(), res.Elapsed.Round(time.Second).String()})
	return w.Render()
}

func serve(ctx context.Context, path string) error {
	a, err := build(ctx, path, "")
	if err != nil {
		return err
	}
	defer a.Close()
	log := a.log

	srv := api.NewServer(a.driver, a.archive, a.cfg.Redis.LockTTL(), log)
	srv.AddCheck(api.CriticalCheck, a.store)
	if a.redis != nil {
		srv.AddCheck("redis", api.PingFunc(func(ctx context.Context) error { return a.redis.Ping(ctx).Err() }))
	}

	if a.cfg.Batch.DailyAt != "" {
		sched, err := batch.NewScheduler(a.driver, a.cfg.Batch.DailyAt, batch.Options{}, log)
		if err != nil {
			return err
		}
		if err := sched.Start(ctx); err != nil {
			return err
		}
		defer sched.Stop()
	}

	server := &http.Server{
		Addr:              a.cfg.Server.Addr(),
		Handler:           srv.Routes(a.cfg.Server.AllowedOrigins),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errc := make(chan error, 1)
	go func() {
		log.Info("server listening", "addr", server.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errc <- err
		}
		close(errc)
	}()

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}
	log.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}
	log.Info("server stopped")
	return nil
}
