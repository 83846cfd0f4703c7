// Package warmup runs one short synthetic generation on a freshly loaded
// instance so the first user request does not pay for kernel compilation
// and cache population.
package warmup

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"lifecycled/internal/backend"
)

// Prompt is the fixed neutral warmup prompt. Its output is discarded.
const Prompt = "The quick brown fox jumps over the lazy dog."

// Target is the part of a loaded handle warmup needs.
type Target interface {
	Generate(ctx context.Context, prompt string, params backend.Params, kv *backend.KVState) (backend.TokenStream, error)
}

// Config tunes warmup.
type Config struct {
	// Tokens is the synthetic generation length (default 8).
	Tokens int
	// Timeout bounds one warmup generation (default 60s).
	Timeout time.Duration
}

// Result records one completed warmup.
type Result struct {
	Warm bool `json:"warm"`
	// ColdFirstToken is the latency to the first synthetic token.
	ColdFirstToken time.Duration `json:"cold_first_token_ns"`
	// MeanWarmToken is the mean inter-token latency after the first token.
	MeanWarmToken time.Duration `json:"mean_warm_token_ns"`
	// Delta is ColdFirstToken minus MeanWarmToken.
	Delta  time.Duration `json:"delta_ns"`
	Tokens int           `json:"tokens"`
	At     time.Time     `json:"at"`
}

// TimeoutError is returned when a warmup outlives Config.Timeout.
type TimeoutError struct{ After time.Duration }

func (e *TimeoutError) Error() string { return fmt.Sprintf("warmup timed out after %s", e.After) }

// IsTimeout reports whether err is a warmup timeout.
func IsTimeout(err error) bool {
	var e *TimeoutError
	return errors.As(err, &e)
}

// Scheduler is safe for concurrent use.
type Scheduler struct {
	cfg     Config
	sf      singleflight.Group
	mu      sync.Mutex
	results map[string]Result
	log     zerolog.Logger
}

// New returns a scheduler.
func New(cfg Config, log zerolog.Logger) *Scheduler {
	if cfg.Tokens <= 0 {
		cfg.Tokens = 8
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 60 * time.Second
	}
	return &Scheduler{cfg: cfg, results: map[string]Result{}, log: log.With().Str("component", "warmup").Logger()}
}

// Result returns the recorded warmup for an instance.
func (s *Scheduler) Result(instanceID string) (Result, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.results[instanceID]
	return r, ok
}

// Forget drops an instance's record, typically after it unloads.
func (s *Scheduler) Forget(instanceID string) {
	s.mu.Lock()
	delete(s.results, instanceID)
	s.mu.Unlock()
	s.sf.Forget(instanceID)
}

// Warm warms instanceID once. A recorded result is returned without
// generating; concurrent calls share one generation. ctx bounds only this
// caller's wait: the shared generation is cancelled by target, not by any
// single waiter.
func (s *Scheduler) Warm(ctx context.Context, instanceID string, target Target) (Result, error) {
	if r, ok := s.Result(instanceID); ok {
		return r, nil
	}
	ch := s.sf.DoChan(instanceID, func() (any, error) {
		if r, ok := s.Result(instanceID); ok {
			return r, nil
		}
		gctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.cfg.Timeout)
		defer cancel()
		r, err := s.generate(gctx, target)
		if err != nil {
			if errors.Is(gctx.Err(), context.DeadlineExceeded) {
				err = &TimeoutError{After: s.cfg.Timeout}
			}
			warmupsTotal.WithLabelValues("error").Inc()
			return Result{}, err
		}
		s.mu.Lock()
		s.results[instanceID] = r
		s.mu.Unlock()
		warmupsTotal.WithLabelValues("ok").Inc()
		warmupDelta.Observe(max(0, r.Delta.Seconds()))
		s.log.Info().Str("event", "warmup_done").Str("instance", instanceID).
			Dur("cold_first_token", r.ColdFirstToken).Dur("mean_warm_token", r.MeanWarmToken).
			Dur("delta", r.Delta).Msg("warmup")
		return r, nil
	})
	select {
	case res := <-ch:
		if res.Err != nil {
			return Result{}, res.Err
		}
		return res.Val.(Result), nil
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
}

// WarmAsync warms in the background. Failures are logged, never returned;
// done, when set, observes the outcome.
func (s *Scheduler) WarmAsync(ctx context.Context, instanceID string, target Target, done func(Result, error)) {
	go func() {
		r, err := s.Warm(ctx, instanceID, target)
		if err != nil {
			s.log.Warn().Str("event", "warmup_failed").Str("instance", instanceID).Err(err).Msg("warmup")
		}
		if done != nil {
			done(r, err)
		}
	}()
}

func (s *Scheduler) generate(ctx context.Context, target Target) (Result, error) {
	start := time.Now()
	stream, err := target.Generate(ctx, Prompt, backend.Params{MaxTokens: s.cfg.Tokens, Seed: 1}, nil)
	if err != nil {
		return Result{}, err
	}
	defer stream.Close()
	var first time.Duration
	var last time.Time
	var gaps time.Duration
	n := 0
	for {
		if _, err := stream.Next(); err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return Result{}, err
		}
		now := time.Now()
		if n == 0 {
			first = now.Sub(start)
		} else {
			gaps += now.Sub(last)
		}
		last = now
		n++
	}
	if n == 0 {
		return Result{}, errors.New("warmup produced no tokens")
	}
	r := Result{Warm: true, ColdFirstToken: first, Tokens: n, At: time.Now()}
	if n > 1 {
		r.MeanWarmToken = gaps / time.Duration(n-1)
	}
	r.Delta = r.ColdFirstToken - r.MeanWarmToken
	return r, nil
}
