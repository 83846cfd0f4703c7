// Package guard watches host memory and temperature and sheds load in tiers:
// trim the conversation cache, unload an idle model, and finally refuse new
// work until pressure clears.
package guard

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"lifecycled/internal/backend"
	"lifecycled/internal/telemetry"
)

// Cache is the part of the KV cache the guard trims.
type Cache interface {
	EvictToBudget(target int64) int
	Budget() int64
}

// Controller is the part of the orchestrator the guard drives.
type Controller interface {
	// UnloadLRUIdle unloads the least recently used instance with no
	// in-flight work and returns its model id, or "" when none qualifies.
	UnloadLRUIdle(ctx context.Context, cause string) (string, error)
	// SetExhausted enters ResourceExhausted with reason; "" clears it.
	SetExhausted(reason string)
	SetPowerProfile(p backend.PowerProfile)
	ObserveTelemetry(s telemetry.Sample)
	// GuardEvent publishes a guard action for subscribers.
	GuardEvent(action, cause string)
}

// Config tunes the guard.
type Config struct {
	Interval time.Duration
	// LowWatermarkBytes is the free-memory floor that counts as pressure.
	LowWatermarkBytes uint64
	// ReduceFraction of the cache budget is kept when trimming (default 0.5).
	ReduceFraction float64
	// ActionTimeout bounds one unload triggered by the guard (default 30s).
	ActionTimeout time.Duration
}

// Guard is the periodic pressure monitor.
type Guard struct {
	cfg     Config
	sampler telemetry.Sampler
	cache   Cache
	ctrl    Controller
	log     zerolog.Logger

	mu        sync.Mutex
	exhausted bool
	profile   backend.PowerProfile
}

// New wires a guard. None of the collaborators may be nil.
func New(cfg Config, sampler telemetry.Sampler, cache Cache, ctrl Controller, log zerolog.Logger) *Guard {
	if cfg.Interval <= 0 {
		cfg.Interval = 5 * time.Second
	}
	if cfg.ReduceFraction <= 0 || cfg.ReduceFraction >= 1 {
		cfg.ReduceFraction = 0.5
	}
	if cfg.ActionTimeout <= 0 {
		cfg.ActionTimeout = 30 * time.Second
	}
	return &Guard{
		cfg:     cfg,
		sampler: sampler,
		cache:   cache,
		ctrl:    ctrl,
		profile: backend.PowerNormal,
		log:     log.With().Str("component", "guard").Logger(),
	}
}

// Run checks immediately and then every Interval until ctx ends.
func (g *Guard) Run(ctx context.Context) error {
	g.log.Info().Str("event", "guard_start").Dur("interval", g.cfg.Interval).
		Uint64("low_watermark", g.cfg.LowWatermarkBytes).Msg("guard")
	t := time.NewTicker(g.cfg.Interval)
	defer t.Stop()
	for {
		if err := g.Check(ctx); err != nil && ctx.Err() == nil {
			g.log.Warn().Str("event", "guard_check_failed").Err(err).Msg("guard")
		}
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
		}
	}
}

// Check runs one tier evaluation.
func (g *Guard) Check(ctx context.Context) error {
	s, err := g.sampler.Sample(ctx)
	if err != nil {
		return fmt.Errorf("sample: %w", err)
	}
	g.ctrl.ObserveTelemetry(s)
	freeBytes.Set(float64(s.FreeMemoryBytes))
	g.applyThermal(s.Thermal)

	pressure := g.underPressure(s)
	critical := s.Thermal == telemetry.ThermalCritical
	if !pressure && !critical {
		g.setExhausted("")
		return nil
	}

	if pressure {
		target := int64(float64(g.cache.Budget()) * g.cfg.ReduceFraction)
		cause := fmt.Sprintf("memory_pressure free=%d low_watermark=%d", s.FreeMemoryBytes, g.cfg.LowWatermarkBytes)
		if n := g.cache.EvictToBudget(target); n > 0 {
			g.act("cache_evict", cause, zerolog.Dict().Int("entries", n).Int64("target_bytes", target))
		}
		if s2, err := g.sampler.Sample(ctx); err == nil {
			g.ctrl.ObserveTelemetry(s2)
			pressure = g.underPressure(s2)
			critical = critical || s2.Thermal == telemetry.ThermalCritical
		}
	}
	if !pressure && !critical {
		g.setExhausted("")
		return nil
	}

	cause := "thermal_critical"
	if pressure {
		cause = fmt.Sprintf("memory_pressure free=%d low_watermark=%d", s.FreeMemoryBytes, g.cfg.LowWatermarkBytes)
	}
	uctx, cancel := context.WithTimeout(ctx, g.cfg.ActionTimeout)
	defer cancel()
	id, err := g.ctrl.UnloadLRUIdle(uctx, cause)
	if err != nil {
		g.log.Warn().Str("event", "guard_unload_failed").Str("cause", cause).Err(err).Msg("guard")
	}
	if id != "" {
		g.act("unload", cause, zerolog.Dict().Str("model", id))
		return nil
	}
	g.setExhausted(cause)
	return nil
}

// Exhausted reports whether the guard currently holds the orchestrator in
// ResourceExhausted.
func (g *Guard) Exhausted() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.exhausted
}

func (g *Guard) underPressure(s telemetry.Sample) bool {
	return g.cfg.LowWatermarkBytes > 0 && s.FreeMemoryBytes < g.cfg.LowWatermarkBytes
}

func (g *Guard) applyThermal(t telemetry.ThermalState) {
	want := backend.PowerNormal
	if t == telemetry.ThermalElevated || t == telemetry.ThermalCritical {
		want = backend.PowerLow
	}
	g.mu.Lock()
	changed := want != g.profile
	g.profile = want
	g.mu.Unlock()
	if changed {
		g.ctrl.SetPowerProfile(want)
		g.act("power_profile", "thermal_"+string(t), zerolog.Dict().Str("profile", string(want)))
	}
}

func (g *Guard) setExhausted(reason string) {
	g.mu.Lock()
	was := g.exhausted
	g.exhausted = reason != ""
	g.mu.Unlock()
	switch {
	case reason != "" && !was:
		exhaustedGauge.Set(1)
		g.ctrl.SetExhausted(reason)
		g.act("exhausted", reason, nil)
	case reason == "" && was:
		exhaustedGauge.Set(0)
		g.ctrl.SetExhausted("")
		g.act("relief", "pressure_cleared", nil)
	}
}

func (g *Guard) act(action, cause string, fields *zerolog.Event) {
	actionsTotal.WithLabelValues(action).Inc()
	ev := g.log.Info().Str("event", "guard_"+action).Str("cause", cause)
	if fields != nil {
		ev = ev.Dict("detail", fields)
	}
	ev.Msg("guard")
	g.ctrl.GuardEvent(action, cause)
}
