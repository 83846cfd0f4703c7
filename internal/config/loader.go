package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	toml "github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"
)

// Duration is a time.Duration written as a Go duration string ("30s", "5m")
// in every supported file format.
type Duration time.Duration

func (d Duration) MarshalText() ([]byte, error) { return []byte(time.Duration(d).String()), nil }

func (d *Duration) UnmarshalText(b []byte) error {
	v, err := time.ParseDuration(strings.TrimSpace(string(b)))
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

// Std returns the value as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Timeouts bounds the slow lifecycle operations.
type Timeouts struct {
	Load      Duration `json:"load" yaml:"load" toml:"load"`
	Warmup    Duration `json:"warmup" yaml:"warmup" toml:"warmup"`
	Drain     Duration `json:"drain" yaml:"drain" toml:"drain"`
	QueueWait Duration `json:"queue_wait" yaml:"queue_wait" toml:"queue_wait"`
	Shutdown  Duration `json:"shutdown" yaml:"shutdown" toml:"shutdown"`
	// Infer bounds one HTTP /infer request end to end. Zero disables it.
	Infer Duration `json:"infer" yaml:"infer" toml:"infer"`
}

// Guard configures the memory and thermal guard.
type Guard struct {
	Interval       Duration `json:"interval" yaml:"interval" toml:"interval"`
	LowWatermarkMB int      `json:"low_watermark_mb" yaml:"low_watermark_mb" toml:"low_watermark_mb"`
	ReduceFraction float64  `json:"reduce_fraction" yaml:"reduce_fraction" toml:"reduce_fraction"`
	// Thermal pins the reported thermal state on hosts without a sensor.
	Thermal string `json:"thermal" yaml:"thermal" toml:"thermal"`
}

// CORS is opt-in; nothing is added to responses unless Enabled.
type CORS struct {
	Enabled        bool     `json:"enabled" yaml:"enabled" toml:"enabled"`
	AllowedOrigins []string `json:"allowed_origins" yaml:"allowed_origins" toml:"allowed_origins"`
	AllowedMethods []string `json:"allowed_methods" yaml:"allowed_methods" toml:"allowed_methods"`
	AllowedHeaders []string `json:"allowed_headers" yaml:"allowed_headers" toml:"allowed_headers"`
}

// Config holds runtime parameters for the service.
// Zero values mean "unspecified" and are replaced by WithDefaults.
type Config struct {
	Addr          string `json:"addr" yaml:"addr" toml:"addr"`
	ModelsDir     string `json:"models_dir" yaml:"models_dir" toml:"models_dir"`
	DefaultModel  string `json:"default_model" yaml:"default_model" toml:"default_model"`
	ModelBudgetMB int    `json:"model_budget_mb" yaml:"model_budget_mb" toml:"model_budget_mb"`
	CacheBudgetMB int    `json:"cache_budget_mb" yaml:"cache_budget_mb" toml:"cache_budget_mb"`

	// GGUFEngine selects the gguf backend: "server" (llama-server
	// subprocesses) or "inproc" (go-llama.cpp, needs the llama build tag).
	GGUFEngine      string   `json:"gguf_engine" yaml:"gguf_engine" toml:"gguf_engine"`
	LlamaServerBin  string   `json:"llama_server_bin" yaml:"llama_server_bin" toml:"llama_server_bin"`
	MLXServerBin    string   `json:"mlx_server_bin" yaml:"mlx_server_bin" toml:"mlx_server_bin"`
	EngineHost      string   `json:"engine_host" yaml:"engine_host" toml:"engine_host"`
	PortStart       int      `json:"port_start" yaml:"port_start" toml:"port_start"`
	PortEnd         int      `json:"port_end" yaml:"port_end" toml:"port_end"`
	CtxSize         int      `json:"ctx_size" yaml:"ctx_size" toml:"ctx_size"`
	Threads         int      `json:"threads" yaml:"threads" toml:"threads"`
	GPULayers       int      `json:"gpu_layers" yaml:"gpu_layers" toml:"gpu_layers"`
	KVBytesPerToken int64    `json:"kv_bytes_per_token" yaml:"kv_bytes_per_token" toml:"kv_bytes_per_token"`
	EngineArgs      []string `json:"engine_args" yaml:"engine_args" toml:"engine_args"`

	WarmupMode    string   `json:"warmup_mode" yaml:"warmup_mode" toml:"warmup_mode"`
	WarmupTokens  int      `json:"warmup_tokens" yaml:"warmup_tokens" toml:"warmup_tokens"`
	Timeouts      Timeouts `json:"timeouts" yaml:"timeouts" toml:"timeouts"`
	MaxQueueDepth int      `json:"max_queue_depth" yaml:"max_queue_depth" toml:"max_queue_depth"`
	MaxParallel   int      `json:"max_parallel" yaml:"max_parallel" toml:"max_parallel"`
	Guard         Guard    `json:"guard" yaml:"guard" toml:"guard"`

	BenchDB      string `json:"bench_db" yaml:"bench_db" toml:"bench_db"`
	LogLevel     string `json:"log_level" yaml:"log_level" toml:"log_level"`
	LogFormat    string `json:"log_format" yaml:"log_format" toml:"log_format"`
	MaxBodyBytes int64  `json:"max_body_bytes" yaml:"max_body_bytes" toml:"max_body_bytes"`
	CORS         CORS   `json:"cors" yaml:"cors" toml:"cors"`
}

// Load reads a configuration file based on its extension.
// Supports: .yaml/.yml, .json, .toml
func Load(path string) (Config, error) {
	var cfg Config
	if path == "" {
		return cfg, fmt.Errorf("empty config path")
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return cfg, err
	}
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(b, &cfg); err != nil {
			return cfg, fmt.Errorf("parse %s: %w", path, err)
		}
	case ".json":
		if err := json.Unmarshal(b, &cfg); err != nil {
			return cfg, fmt.Errorf("parse %s: %w", path, err)
		}
	case ".toml":
		if err := toml.Unmarshal(b, &cfg); err != nil {
			return cfg, fmt.Errorf("parse %s: %w", path, err)
		}
	default:
		return cfg, fmt.Errorf("unsupported config extension: %s", ext)
	}
	return cfg, nil
}

// WithDefaults fills every unset field.
func (c Config) WithDefaults() Config {
	if c.Addr == "" {
		c.Addr = ":8080"
	}
	if c.ModelsDir == "" {
		c.ModelsDir = "~/models/llm"
	}
	if c.CacheBudgetMB <= 0 {
		c.CacheBudgetMB = 256
	}
	if c.GGUFEngine == "" {
		c.GGUFEngine = "server"
	}
	if c.EngineHost == "" {
		c.EngineHost = "127.0.0.1"
	}
	if c.PortStart <= 0 {
		c.PortStart = 31000
	}
	if c.PortEnd < c.PortStart {
		c.PortEnd = c.PortStart + 999
	}
	if c.CtxSize <= 0 {
		c.CtxSize = 4096
	}
	if c.KVBytesPerToken <= 0 {
		c.KVBytesPerToken = 128 << 10
	}
	if c.WarmupMode == "" {
		c.WarmupMode = "async"
	}
	if c.WarmupTokens <= 0 {
		c.WarmupTokens = 8
	}
	if c.Timeouts.Load <= 0 {
		c.Timeouts.Load = Duration(5 * time.Minute)
	}
	if c.Timeouts.Warmup <= 0 {
		c.Timeouts.Warmup = Duration(60 * time.Second)
	}
	if c.Timeouts.Drain <= 0 {
		c.Timeouts.Drain = Duration(5 * time.Second)
	}
	if c.Timeouts.QueueWait <= 0 {
		c.Timeouts.QueueWait = Duration(30 * time.Second)
	}
	if c.Timeouts.Shutdown <= 0 {
		c.Timeouts.Shutdown = Duration(10 * time.Second)
	}
	if c.MaxQueueDepth <= 0 {
		c.MaxQueueDepth = 32
	}
	if c.MaxParallel <= 0 {
		c.MaxParallel = 4
	}
	if c.Guard.Interval <= 0 {
		c.Guard.Interval = Duration(5 * time.Second)
	}
	if c.Guard.ReduceFraction <= 0 || c.Guard.ReduceFraction >= 1 {
		c.Guard.ReduceFraction = 0.5
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.LogFormat == "" {
		c.LogFormat = "console"
	}
	if c.MaxBodyBytes <= 0 {
		c.MaxBodyBytes = 1 << 20
	}
	return c
}

// Validate rejects values WithDefaults cannot repair.
func (c Config) Validate() error {
	switch c.GGUFEngine {
	case "server", "inproc":
	default:
		return fmt.Errorf("gguf_engine must be server or inproc, got %q", c.GGUFEngine)
	}
	switch c.WarmupMode {
	case "sync", "async", "off":
	default:
		return fmt.Errorf("warmup_mode must be sync, async or off, got %q", c.WarmupMode)
	}
	switch c.LogFormat {
	case "console", "json":
	default:
		return fmt.Errorf("log_format must be console or json, got %q", c.LogFormat)
	}
	if c.ModelBudgetMB < 0 || c.Guard.LowWatermarkMB < 0 {
		return fmt.Errorf("budgets must not be negative")
	}
	return nil
}
