package main

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"lifecycled/internal/httpapi"
)

func newServeCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API, the memory guard and the benchmark recorder",
		Example: "  lifecycled serve --models-dir ~/models/llm --model-budget-mb 16384\n" +
			"  lifecycled serve -c lifecycled.yaml --warmup sync",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return a.serve(ctx)
		},
	}
	f := cmd.Flags()
	f.String("addr", "", "HTTP listen address (default :8080)")
	f.String("default-model", "", "Model used when a request omits one")
	f.Int("model-budget-mb", 0, "Memory budget for loaded models in MB (0 = unlimited)")
	f.Int("cache-budget-mb", 0, "KV cache budget in MB (default 256)")
	f.String("gguf-engine", "", "gguf engine: server (llama-server) or inproc (go-llama.cpp)")
	f.String("llama-server-bin", "", "Path to llama-server (default: search PATH)")
	f.String("mlx-server-bin", "", "Path to the mlx_lm server launcher (default: search PATH)")
	f.Int("ctx-size", 0, "Context window in tokens (default 4096)")
	f.Int("threads", 0, "Engine threads (0 = engine default)")
	f.Int("gpu-layers", 0, "Layers offloaded to the GPU")
	f.String("warmup", "", "Warmup mode: sync|async|off (default async)")
	f.Int("max-queue-depth", 0, "Queued requests per model before 429 (default 32)")
	f.Int("max-parallel", 0, "Concurrent generations on thread-safe engines (default 4)")
	f.Duration("drain-timeout", 0, "How long an unload waits for in-flight work (default 5s)")
	f.Duration("queue-wait", 0, "How long a request waits for a slot (default 30s)")
	f.Duration("infer-timeout", 0, "Deadline for one /infer request (0 disables)")
	f.Int("low-watermark-mb", 0, "Free-memory floor that triggers the guard (0 disables)")
	f.String("thermal", "", "Pin the thermal state: nominal|elevated|critical")
	f.String("cors-origins", "", "Comma-separated allowed CORS origins (enables CORS)")
	return cmd
}

// serve runs the HTTP server and guard until ctx ends, then shuts down in
// order: stop accepting requests, unload models, flush benchmarks.
func (a *app) serve(ctx context.Context) error {
	cfg, log := a.cfg, a.log
	st, err := buildStack(cfg, log, a.backends...)
	if err != nil {
		return err
	}
	for _, r := range st.mgr.SanityCheck().Engines {
		if !r.OK {
			log.Warn().Str("event", "engine_unavailable").Str("engine", r.Engine).Str("format", string(r.Format)).Str("error", r.Error).Msg("serve")
		}
	}

	httpapi.SetLogger(log)
	httpapi.SetBaseContext(ctx)
	hopts := httpapi.Options{
		MaxBodyBytes:    cfg.MaxBodyBytes,
		InferTimeout:    cfg.Timeouts.Infer.Std(),
		RequestLogLevel: cfg.LogLevel,
	}
	if cfg.CORS.Enabled {
		hopts.CORSOrigins = cfg.CORS.AllowedOrigins
		hopts.CORSMethods = cfg.CORS.AllowedMethods
		hopts.CORSHeaders = cfg.CORS.AllowedHeaders
	}
	httpapi.Configure(hopts)

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           httpapi.NewMux(httpapi.FromManager(st.mgr)),
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info().Str("event", "listen").Str("addr", cfg.Addr).Str("models_dir", cfg.ModelsDir).
			Int("models", st.reg.Len()).Msg("serve")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error { return st.guard.Run(gctx) })
	g.Go(func() error {
		<-gctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), cfg.Timeouts.Shutdown.Std())
		defer cancel()
		herr := srv.Shutdown(sctx)
		if herr != nil {
			log.Warn().Str("event", "http_shutdown").Err(herr).Msg("serve")
		}
		return errors.Join(herr, st.close(sctx))
	})
	err = g.Wait()
	log.Info().Str("event", "stopped").Msg("serve")
	return err
}
