package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

func writeTempFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	p := filepath.Join(dir, name)
	if err := os.WriteFile(p, []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	return p
}

// want is the configuration every format fixture below describes.
var want = Config{
	Addr:          ":9999",
	ModelsDir:     "/models",
	DefaultModel:  "m1",
	ModelBudgetMB: 8192,
	GGUFEngine:    "inproc",
	WarmupMode:    "sync",
	Timeouts:      Timeouts{Load: Duration(2 * time.Minute), Drain: Duration(1500 * time.Millisecond)},
	Guard:         Guard{LowWatermarkMB: 512, ReduceFraction: 0.25},
	CORS:          CORS{Enabled: true, AllowedOrigins: []string{"http://localhost:5173"}},
}

func TestLoadYAML(t *testing.T) {
	p := writeTempFile(t, t.TempDir(), "cfg.yaml", `addr: ":9999"
models_dir: /models
default_model: m1
model_budget_mb: 8192
gguf_engine: inproc
warmup_mode: sync
timeouts:
  load: 2m
  drain: 1.5s
guard:
  low_watermark_mb: 512
  reduce_fraction: 0.25
cors:
  enabled: true
  allowed_origins: ["http://localhost:5173"]
`)
	cfg, err := Load(p)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if diff := cmp.Diff(want, cfg); diff != "" {
		t.Fatalf("config mismatch (-want +got):\n%s", diff)
	}
}

func TestLoadJSON(t *testing.T) {
	p := writeTempFile(t, t.TempDir(), "cfg.json", `{"addr":":9999","models_dir":"/models","default_model":"m1",
"model_budget_mb":8192,"gguf_engine":"inproc","warmup_mode":"sync",
"timeouts":{"load":"2m","drain":"1.5s"},
"guard":{"low_watermark_mb":512,"reduce_fraction":0.25},
"cors":{"enabled":true,"allowed_origins":["http://localhost:5173"]}}`)
	cfg, err := Load(p)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if diff := cmp.Diff(want, cfg); diff != "" {
		t.Fatalf("config mismatch (-want +got):\n%s", diff)
	}
}

func TestLoadTOML(t *testing.T) {
	p := writeTempFile(t, t.TempDir(), "cfg.toml", `addr = ":9999"
models_dir = "/models"
default_model = "m1"
model_budget_mb = 8192
gguf_engine = "inproc"
warmup_mode = "sync"

[timeouts]
load = "2m"
drain = "1.5s"

[guard]
low_watermark_mb = 512
reduce_fraction = 0.25

[cors]
enabled = true
allowed_origins = ["http://localhost:5173"]
`)
	cfg, err := Load(p)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if diff := cmp.Diff(want, cfg); diff != "" {
		t.Fatalf("config mismatch (-want +got):\n%s", diff)
	}
}

func TestLoadErrors(t *testing.T) {
	d := t.TempDir()
	cases := map[string]string{
		"empty path":       "",
		"missing file":     filepath.Join(d, "nope.yaml"),
		"unsupported ext":  writeTempFile(t, d, "cfg.txt", "not supported"),
		"invalid yaml":     writeTempFile(t, d, "bad.yaml", "addr: :8080\n: broken\n"),
		"invalid json":     writeTempFile(t, d, "bad.json", `{ "addr": ":8080", "models_dir": }`),
		"invalid toml":     writeTempFile(t, d, "bad.toml", "addr=:8080\nmodels_dir\n"),
		"invalid duration": writeTempFile(t, d, "dur.yaml", "timeouts:\n  load: soon\n"),
	}
	for name, p := range cases {
		if _, err := Load(p); err == nil {
			t.Fatalf("%s: expected error", name)
		}
	}
}

func TestWithDefaults(t *testing.T) {
	c := Config{}.WithDefaults()
	if err := c.Validate(); err != nil {
		t.Fatalf("defaults do not validate: %v", err)
	}
	if c.Addr != ":8080" || c.GGUFEngine != "server" || c.WarmupMode != "async" || c.CacheBudgetMB != 256 {
		t.Fatalf("unexpected defaults: %+v", c)
	}
	if c.Timeouts.Drain.Std() != 5*time.Second || c.Guard.ReduceFraction != 0.5 {
		t.Fatalf("unexpected nested defaults: %+v %+v", c.Timeouts, c.Guard)
	}
	if c.PortEnd <= c.PortStart {
		t.Fatalf("port range %d-%d", c.PortStart, c.PortEnd)
	}

	// Explicit values survive.
	c = Config{Addr: ":1", Timeouts: Timeouts{Drain: Duration(time.Second)}}.WithDefaults()
	if c.Addr != ":1" || c.Timeouts.Drain.Std() != time.Second {
		t.Fatalf("explicit values overwritten: %+v", c)
	}
}

func TestValidate(t *testing.T) {
	base := Config{}.WithDefaults()
	bad := []func(*Config){
		func(c *Config) { c.GGUFEngine = "cuda" },
		func(c *Config) { c.WarmupMode = "lazy" },
		func(c *Config) { c.LogFormat = "xml" },
		func(c *Config) { c.ModelBudgetMB = -1 },
	}
	for i, mutate := range bad {
		c := base
		mutate(&c)
		if err := c.Validate(); err == nil {
			t.Fatalf("case %d: expected validation error", i)
		}
	}
}

func TestDurationText(t *testing.T) {
	var d Duration
	if err := d.UnmarshalText([]byte(" 90s ")); err != nil || d.Std() != 90*time.Second {
		t.Fatalf("UnmarshalText = %v, %v", d, err)
	}
	b, _ := d.MarshalText()
	if string(b) != "1m30s" {
		t.Fatalf("MarshalText = %s", b)
	}
}
