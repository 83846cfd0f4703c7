package manager

import (
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"lifecycled/internal/backend"
	"lifecycled/internal/bench"
	"lifecycled/internal/registry"
)

// WarmupMode selects when instances are warmed after loading.
type WarmupMode string

const (
	WarmupSync  WarmupMode = "sync"
	WarmupAsync WarmupMode = "async"
	WarmupOff   WarmupMode = "off"
)

// ParseWarmupMode accepts sync, async or off; empty means async.
func ParseWarmupMode(s string) (WarmupMode, error) {
	switch m := WarmupMode(strings.ToLower(strings.TrimSpace(s))); m {
	case "":
		return WarmupAsync, nil
	case WarmupSync, WarmupAsync, WarmupOff:
		return m, nil
	default:
		return "", fmt.Errorf("unknown warmup mode %q", s)
	}
}

// Defaults applied when corresponding ManagerConfig fields are unset.
const (
	defaultMaxQueueDepth    = 32
	defaultMaxWait          = 30 * time.Second
	defaultDrainTimeout     = 5 * time.Second
	defaultLoadTimeout      = 5 * time.Minute
	defaultWarmupTimeout    = 60 * time.Second
	defaultMaxParallel      = 4
	defaultCacheBudgetBytes = 256 << 20
)

// ManagerConfig encapsulates all tunables and collaborators for Manager
// construction. Registry and Dispatcher are required.
type ManagerConfig struct {
	Registry   *registry.Registry
	Dispatcher *backend.Dispatcher
	// Bench receives one sample per generation. Nil uses an in-memory store.
	Bench  *bench.Recorder
	Logger zerolog.Logger

	DefaultModel string
	// BudgetBytes caps the sum of loaded model footprints (0 = unlimited).
	BudgetBytes      int64
	CacheBudgetBytes int64
	WarmupMode       WarmupMode
	WarmupTokens     int

	LoadTimeout   time.Duration
	WarmupTimeout time.Duration
	DrainTimeout  time.Duration
	// MaxWait bounds how long a request waits for a queue or in-flight slot.
	MaxWait       time.Duration
	MaxQueueDepth int
	// MaxParallel bounds concurrent generations on a thread-safe handle.
	MaxParallel int
}

func (c ManagerConfig) withDefaults() ManagerConfig {
	if c.MaxQueueDepth <= 0 {
		c.MaxQueueDepth = defaultMaxQueueDepth
	}
	if c.MaxWait <= 0 {
		c.MaxWait = defaultMaxWait
	}
	if c.DrainTimeout <= 0 {
		c.DrainTimeout = defaultDrainTimeout
	}
	if c.LoadTimeout <= 0 {
		c.LoadTimeout = defaultLoadTimeout
	}
	if c.WarmupTimeout <= 0 {
		c.WarmupTimeout = defaultWarmupTimeout
	}
	if c.MaxParallel <= 0 {
		c.MaxParallel = defaultMaxParallel
	}
	if c.CacheBudgetBytes <= 0 {
		c.CacheBudgetBytes = defaultCacheBudgetBytes
	}
	if c.WarmupMode == "" {
		c.WarmupMode = WarmupAsync
	}
	return c
}
