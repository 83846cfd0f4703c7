package main

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"lifecycled/internal/backend"
	"lifecycled/internal/config"
)

// app carries the resolved configuration and logger to subcommands.
type app struct {
	configPath string
	cfg        config.Config
	log        zerolog.Logger
	out        io.Writer
	// backends replaces the configured engines when set.
	backends []backend.Backend
}

func newRootCmd() *cobra.Command { return newRootCmdWith(&app{}) }

// newRootCmdWith builds the command tree around a, which tests pre-populate.
func newRootCmdWith(a *app) *cobra.Command {
	root := &cobra.Command{
		Use:           "lifecycled",
		Short:         "Local model lifecycle manager with KV-cached inference",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	pf := root.PersistentFlags()
	pf.StringVarP(&a.configPath, "config", "c", os.Getenv("LIFECYCLED_CONFIG"), "Config file (.yaml, .yml, .json, .toml)")
	pf.String("models-dir", "", "Directory scanned for models (default ~/models/llm)")
	pf.String("log-level", "", "Log level: debug|info|warn|error")
	pf.String("log-format", "", "Log format: console|json")
	pf.String("bench-db", "", "SQLite file for benchmark history (empty keeps it in memory)")
	root.PersistentPreRunE = func(cmd *cobra.Command, args []string) error {
		cfg, err := a.loadConfig(cmd)
		if err != nil {
			return err
		}
		a.cfg = cfg
		a.log = newLogger(cmd.ErrOrStderr(), cfg.LogLevel, cfg.LogFormat)
		a.out = cmd.OutOrStdout()
		return nil
	}

	root.AddCommand(newServeCmd(a), newModelsCmd(a), newBenchCmd(a))
	return root
}

// loadConfig reads the config file when given, lets explicitly set flags
// override it, then applies defaults.
func (a *app) loadConfig(cmd *cobra.Command) (config.Config, error) {
	var cfg config.Config
	if a.configPath != "" {
		c, err := config.Load(a.configPath)
		if err != nil {
			return cfg, fmt.Errorf("config: %w", err)
		}
		cfg = c
	}
	if err := applyFlags(cmd, &cfg); err != nil {
		return cfg, err
	}
	cfg = cfg.WithDefaults()
	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("config: %w", err)
	}
	return cfg, nil
}

// applyFlags copies every flag the user set onto cfg.
func applyFlags(cmd *cobra.Command, cfg *config.Config) error {
	flags := cmd.Flags()
	str := map[string]*string{
		"addr":             &cfg.Addr,
		"models-dir":       &cfg.ModelsDir,
		"default-model":    &cfg.DefaultModel,
		"gguf-engine":      &cfg.GGUFEngine,
		"llama-server-bin": &cfg.LlamaServerBin,
		"mlx-server-bin":   &cfg.MLXServerBin,
		"warmup":           &cfg.WarmupMode,
		"bench-db":         &cfg.BenchDB,
		"log-level":        &cfg.LogLevel,
		"log-format":       &cfg.LogFormat,
		"thermal":          &cfg.Guard.Thermal,
	}
	for name, dst := range str {
		if flags.Changed(name) {
			v, err := flags.GetString(name)
			if err != nil {
				return err
			}
			*dst = v
		}
	}
	ints := map[string]*int{
		"model-budget-mb":  &cfg.ModelBudgetMB,
		"cache-budget-mb":  &cfg.CacheBudgetMB,
		"ctx-size":         &cfg.CtxSize,
		"threads":          &cfg.Threads,
		"gpu-layers":       &cfg.GPULayers,
		"max-queue-depth":  &cfg.MaxQueueDepth,
		"max-parallel":     &cfg.MaxParallel,
		"low-watermark-mb": &cfg.Guard.LowWatermarkMB,
	}
	for name, dst := range ints {
		if flags.Changed(name) {
			v, err := flags.GetInt(name)
			if err != nil {
				return err
			}
			*dst = v
		}
	}
	durs := map[string]*config.Duration{
		"drain-timeout": &cfg.Timeouts.Drain,
		"queue-wait":    &cfg.Timeouts.QueueWait,
		"infer-timeout": &cfg.Timeouts.Infer,
	}
	for name, dst := range durs {
		if flags.Changed(name) {
			v, err := flags.GetDuration(name)
			if err != nil {
				return err
			}
			*dst = config.Duration(v)
		}
	}
	if flags.Changed("cors-origins") {
		v, _ := flags.GetString("cors-origins")
		cfg.CORS.AllowedOrigins = splitCSV(v)
		cfg.CORS.Enabled = len(cfg.CORS.AllowedOrigins) > 0
	}
	return nil
}

// newLogger builds the process logger. Unknown levels fall back to info.
func newLogger(w io.Writer, level, format string) zerolog.Logger {
	lvl, err := zerolog.ParseLevel(strings.ToLower(level))
	if err != nil || level == "" {
		lvl = zerolog.InfoLevel
	}
	if format != "json" {
		w = zerolog.ConsoleWriter{Out: w, TimeFormat: time.RFC3339}
	}
	return zerolog.New(w).Level(lvl).With().Timestamp().Logger()
}

// splitCSV splits a comma-separated list, trimming blanks.
func splitCSV(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
