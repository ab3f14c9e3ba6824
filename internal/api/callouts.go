package api

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/ignite/experiment-callouts/internal/batch"
	"github.com/ignite/experiment-callouts/internal/pkg/httputil"
	"github.com/ignite/experiment-callouts/internal/pkg/logger"
	"github.com/ignite/experiment-callouts/internal/storage"
)

// Runner produces a callout run.
type Runner interface {
	Run(ctx context.Context, opts batch.Options) (*batch.Result, error)
}

// Pinger is a dependency the health probe checks.
type Pinger interface {
	Ping(ctx context.Context) error
}

// PingFunc adapts a function to Pinger.
type PingFunc func(ctx context.Context) error

// Ping calls f.
func (f PingFunc) Ping(ctx context.Context) error { return f(ctx) }

// Server holds the handlers' dependencies.
type Server struct {
	runner     Runner
	archive    storage.Store
	log        *logger.Logger
	started    time.Time
	runTimeout time.Duration

	checkNames []string
	checks     map[string]Pinger

	mu      sync.Mutex
	running map[string]bool
}

// NewServer creates a server. archive may be nil, in which case stored
// callouts are not served.
func NewServer(runner Runner, archive storage.Store, runTimeout time.Duration, log *logger.Logger) *Server {
	if log == nil {
		log = logger.Default()
	}
	if runTimeout <= 0 {
		runTimeout = time.Hour
	}
	return &Server{
		runner:     runner,
		archive:    archive,
		log:        log.With("component", "api"),
		started:    time.Now(),
		runTimeout: runTimeout,
		checks:     make(map[string]Pinger),
		running:    make(map[string]bool),
	}
}

// AddCheck registers a dependency for /healthz.
func (s *Server) AddCheck(name string, p Pinger) {
	if _, ok := s.checks[name]; !ok {
		s.checkNames = append(s.checkNames, name)
	}
	s.checks[name] = p
}

// RunRequest is the body of POST /api/callouts. An empty date means the
// latest registry date.
type RunRequest struct {
	Date      string `json:"date"`
	NoSave    bool   `json:"no_save"`
	NoPersist bool   `json:"no_persist"`
	NoNotify  bool   `json:"no_notify"`
	Async     bool   `json:"async"`
}

// RunResponse summarizes a finished run.
type RunResponse struct {
	RunID          string   `json:"run_id"`
	Date           string   `json:"date"`
	Sections       int      `json:"sections"`
	Skipped        int      `json:"skipped"`
	ToolCalls      int      `json:"tool_calls"`
	Location       string   `json:"location,omitempty"`
	Persisted      bool     `json:"persisted"`
	Notified       bool     `json:"notified"`
	ElapsedSeconds float64  `json:"elapsed_seconds"`
	Warnings       []string `json:"warnings,omitempty"`
	Markdown       string   `json:"markdown"`
}

// HandleRun triggers a run.
//
//	POST /api/callouts
func (s *Server) HandleRun(w http.ResponseWriter, r *http.Request) {
	var req RunRequest
	if !httputil.Decode(w, r, &req) {
		return
	}
	if req.Date != "" {
		if _, err := time.Parse("2006-01-02", req.Date); err != nil {
			httputil.BadRequest(w, "date must be YYYY-MM-DD")
			return
		}
	}
	key := req.Date
	if key == "" {
		key = "latest"
	}
	if !s.claim(key) {
		httputil.Conflict(w, batch.ErrRunInProgress.Error())
		return
	}
	opts := batch.Options{Date: req.Date, NoSave: req.NoSave, NoPersist: req.NoPersist, NoNotify: req.NoNotify}

	if req.Async {
		go func() {
			defer s.release(key)
			ctx, cancel := context.WithTimeout(context.Background(), s.runTimeout)
			defer cancel()
			res, err := s.runner.Run(ctx, opts)
			if err != nil {
				s.log.Error("async run failed", "date", key, "error", err)
				return
			}
			s.log.Info("async run finished", "date", res.Date, "run_id", res.RunID)
		}()
		httputil.Accepted(w, map[string]string{"date": key, "status": "started"})
		return
	}

	defer s.release(key)
	res, err := s.runner.Run(r.Context(), opts)
	switch {
	case errors.Is(err, batch.ErrRunInProgress):
		httputil.Conflict(w, err.Error())
		return
	case res == nil:
		httputil.InternalError(w, err)
		return
	}
	out := RunResponse{
		RunID:          res.RunID,
		Date:           res.Date,
		Sections:       len(res.Document.Sections),
		Skipped:        len(res.Document.Skipped),
		ToolCalls:      res.ToolCalls(),
		Location:       res.Location,
		Persisted:      res.Persisted,
		Notified:       res.Notified,
		ElapsedSeconds: res.Elapsed.Seconds(),
		Markdown:       res.Markdown,
	}
	if err != nil {
		out.Warnings = []string{err.Error()}
	}
	httputil.OK(w, out)
}

// HandleGet returns the stored callout for a date, as JSON or, with
// ?format=markdown, as the markdown file.
//
//	GET /api/callouts/{date}
func (s *Server) HandleGet(w http.ResponseWriter, r *http.Request) {
	date := chi.URLParam(r, "date")
	if _, err := time.Parse("2006-01-02", date); err != nil {
		httputil.BadRequest(w, "date must be YYYY-MM-DD")
		return
	}
	if s.archive == nil {
		httputil.NotFound(w, "callout storage is not configured")
		return
	}
	rec, err := s.archive.Load(r.Context(), date)
	if errors.Is(err, storage.ErrNotFound) {
		httputil.NotFound(w, "no callout for "+date)
		return
	}
	if err != nil {
		httputil.InternalError(w, err)
		return
	}
	if r.URL.Query().Get("format") == "markdown" {
		w.Header().Set("Content-Type", "text/markdown; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(rec.Markdown))
		return
	}
	httputil.OK(w, rec)
}

// claim marks a date as running in this process.
func (s *Server) claim(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running[key] {
		return false
	}
	s.running[key] = true
	return true
}

func (s *Server) release(key string) {
	s.mu.Lock()
	delete(s.running, key)
	s.mu.Unlock()
}
