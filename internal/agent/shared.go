package agent

import (
	"context"
	"fmt"
	"sync/atomic"

	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"

	"github.com/ignite/experiment-callouts/internal/pkg/logger"
)

// SharedConfig bounds use of one model service across all runs of a process.
type SharedConfig struct {
	MaxConcurrent     int64   `yaml:"max_concurrent"`
	RequestsPerSecond float64 `yaml:"requests_per_second"`
	Burst             int     `yaml:"burst"`
}

// DefaultSharedConfig allows four calls in flight at two requests per second.
func DefaultSharedConfig() SharedConfig {
	return SharedConfig{MaxConcurrent: 4, RequestsPerSecond: 2, Burst: 4}
}

// SharedModel wraps a Model with a concurrency bound, request pacing and a
// response cache. It is safe for concurrent use by many orchestrators.
type SharedModel struct {
	model   Model
	sem     *semaphore.Weighted
	limiter *rate.Limiter
	cache   ResponseCache
	log     *logger.Logger

	calls atomic.Int64
	hits  atomic.Int64
}

// NewSharedModel wraps model. A nil cache disables caching.
func NewSharedModel(model Model, cfg SharedConfig, cache ResponseCache, log *logger.Logger) *SharedModel {
	def := DefaultSharedConfig()
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = def.MaxConcurrent
	}
	if cfg.RequestsPerSecond <= 0 {
		cfg.RequestsPerSecond = def.RequestsPerSecond
	}
	if cfg.Burst <= 0 {
		cfg.Burst = def.Burst
	}
	if log == nil {
		log = logger.Default()
	}
	return &SharedModel{
		model:   model,
		sem:     semaphore.NewWeighted(cfg.MaxConcurrent),
		limiter: rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), cfg.Burst),
		cache:   cache,
		log:     log.With("component", "model", "model", model.Name()),
	}
}

// Name returns the wrapped model's name.
func (s *SharedModel) Name() string { return s.model.Name() }

// Stats returns the number of live calls and cache hits so far.
func (s *SharedModel) Stats() (calls, hits int64) { return s.calls.Load(), s.hits.Load() }

// Complete serves req from the cache or makes one live call.
func (s *SharedModel) Complete(ctx context.Context, req Request) (*Response, error) {
	if req.Model == "" {
		req.Model = s.model.Name()
	}

	var key string
	if s.cache != nil {
		k, err := CacheKey(req)
		if err != nil {
			return nil, err
		}
		key = k
		resp, ok, err := s.cache.Get(ctx, key)
		if err != nil {
			s.log.Warn("model cache read failed", "error", err)
		}
		if ok {
			s.hits.Add(1)
			resp.Cached = true
			return resp, nil
		}
	}

	if err := s.sem.Acquire(ctx, 1); err != nil {
		return nil, fmt.Errorf("waiting for model slot: %w", err)
	}
	defer s.sem.Release(1)
	if err := s.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("rate limiter: %w", err)
	}

	s.calls.Add(1)
	resp, err := s.model.Complete(ctx, req)
	if err != nil {
		return nil, err
	}
	s.log.Debug("model call completed", "input_tokens", resp.Usage.InputTokens, "output_tokens", resp.Usage.OutputTokens)

	if s.cache != nil {
		if err := s.cache.Set(ctx, key, resp); err != nil {
			s.log.Warn("model cache write failed", "error", err)
		}
	}
	return resp, nil
}
