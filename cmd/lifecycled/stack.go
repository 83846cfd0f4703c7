package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"lifecycled/internal/backend"
	"lifecycled/internal/bench"
	"lifecycled/internal/common/fsutil"
	"lifecycled/internal/config"
	"lifecycled/internal/guard"
	"lifecycled/internal/manager"
	"lifecycled/internal/registry"
	"lifecycled/internal/telemetry"
)

const mib = 1 << 20

// stack is every long-lived component built from one Config.
type stack struct {
	reg      *registry.Registry
	recorder *bench.Recorder
	mgr      *manager.Manager
	guard    *guard.Guard
}

// backendsFor returns one backend per format, picking the gguf engine from
// cfg.GGUFEngine.
func backendsFor(cfg config.Config, log zerolog.Logger) []backend.Backend {
	var gguf backend.Backend
	switch cfg.GGUFEngine {
	case "inproc":
		gguf = backend.NewLlama(backend.LlamaConfig{
			CtxSize:         cfg.CtxSize,
			Threads:         cfg.Threads,
			GPULayers:       cfg.GPULayers,
			KVBytesPerToken: cfg.KVBytesPerToken,
		}, log)
	default:
		gguf = backend.NewLlamaServer(backend.LlamaServerConfig{
			Bin:             cfg.LlamaServerBin,
			Host:            cfg.EngineHost,
			PortStart:       cfg.PortStart,
			PortEnd:         cfg.PortEnd,
			CtxSize:         cfg.CtxSize,
			Threads:         cfg.Threads,
			GPULayers:       cfg.GPULayers,
			Parallel:        cfg.MaxParallel,
			ExtraArgs:       cfg.EngineArgs,
			KVBytesPerToken: cfg.KVBytesPerToken,
		}, log)
	}
	mlx := backend.NewMLXServer(backend.MLXServerConfig{
		Bin:             cfg.MLXServerBin,
		Host:            cfg.EngineHost,
		PortStart:       cfg.PortStart,
		PortEnd:         cfg.PortEnd,
		KVBytesPerToken: cfg.KVBytesPerToken,
	}, log)
	return []backend.Backend{gguf, mlx}
}

// openStore opens the sqlite history when configured, memory otherwise.
func openStore(cfg config.Config) (bench.Store, error) {
	if cfg.BenchDB == "" {
		return bench.NewMemoryStore(), nil
	}
	p, err := fsutil.ExpandHome(cfg.BenchDB)
	if err != nil {
		return nil, err
	}
	return bench.OpenSQLite(p)
}

// samplerFor prefers real host telemetry; a pinned thermal state in config
// layers over it.
func samplerFor(cfg config.Config) (telemetry.Sampler, error) {
	if cfg.Guard.Thermal == "" {
		return telemetry.SysinfoSampler{}, nil
	}
	th, err := telemetry.ParseThermal(cfg.Guard.Thermal)
	if err != nil {
		return nil, err
	}
	base := telemetry.SysinfoSampler{}
	return telemetry.Func(func(ctx context.Context) (telemetry.Sample, error) {
		s, err := base.Sample(ctx)
		s.Thermal = th
		return s, err
	}), nil
}

// buildStack wires registry, engines, recorder, manager and guard. Callers
// own shutdown through stack.close.
func buildStack(cfg config.Config, log zerolog.Logger, backends ...backend.Backend) (*stack, error) {
	mode, err := manager.ParseWarmupMode(cfg.WarmupMode)
	if err != nil {
		return nil, err
	}
	sampler, err := samplerFor(cfg)
	if err != nil {
		return nil, err
	}
	if len(backends) == 0 {
		backends = backendsFor(cfg, log)
	}
	disp, err := backend.NewDispatcher(backends...)
	if err != nil {
		return nil, err
	}
	reg := registry.New(cfg.ModelsDir, log)
	if _, _, err := reg.Rescan(); err != nil {
		return nil, fmt.Errorf("scan %s: %w", cfg.ModelsDir, err)
	}
	store, err := openStore(cfg)
	if err != nil {
		return nil, fmt.Errorf("bench store: %w", err)
	}
	rec := bench.NewRecorder(store, bench.Config{}, log)

	mgr, err := manager.NewWithConfig(manager.ManagerConfig{
		Registry:         reg,
		Dispatcher:       disp,
		Bench:            rec,
		Logger:           log,
		DefaultModel:     cfg.DefaultModel,
		BudgetBytes:      int64(cfg.ModelBudgetMB) * mib,
		CacheBudgetBytes: int64(cfg.CacheBudgetMB) * mib,
		WarmupMode:       mode,
		WarmupTokens:     cfg.WarmupTokens,
		LoadTimeout:      cfg.Timeouts.Load.Std(),
		WarmupTimeout:    cfg.Timeouts.Warmup.Std(),
		DrainTimeout:     cfg.Timeouts.Drain.Std(),
		MaxWait:          cfg.Timeouts.QueueWait.Std(),
		MaxQueueDepth:    cfg.MaxQueueDepth,
		MaxParallel:      cfg.MaxParallel,
	})
	if err != nil {
		_ = rec.Close()
		return nil, err
	}
	mgr.SetEventPublisher(manager.NewLogPublisher(log))
	g := guard.New(guard.Config{
		Interval:          cfg.Guard.Interval.Std(),
		LowWatermarkBytes: uint64(cfg.Guard.LowWatermarkMB) * mib,
		ReduceFraction:    cfg.Guard.ReduceFraction,
	}, sampler, mgr.Cache(), mgr, log)
	return &stack{reg: reg, recorder: rec, mgr: mgr, guard: g}, nil
}

// close unloads every model, then flushes and closes the benchmark store.
func (s *stack) close(ctx context.Context) error {
	return errors.Join(s.mgr.Close(ctx), s.recorder.Close())
}
