package manager

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"lifecycled/internal/backend"
	"lifecycled/internal/bench"
	"lifecycled/internal/kvcache"
	"lifecycled/internal/registry"
	"lifecycled/internal/telemetry"
	"lifecycled/internal/warmup"
	"lifecycled/pkg/types"
)

type Manager struct {
	mu  sync.RWMutex
	cfg ManagerConfig
	log zerolog.Logger

	reg    *registry.Registry
	disp   *backend.Dispatcher
	cache  *kvcache.Manager
	warm   *warmup.Scheduler
	bench  *bench.Recorder
	loads  singleflight.Group
	closed bool

	// instances is keyed by model id.
	instances map[string]*Instance
	usedBytes int64
	// reservedBytes covers loads that passed the budget check but have not
	// reported a footprint yet.
	reservedBytes int64

	exhausted    string
	profile      backend.PowerProfile
	lastSample   telemetry.Sample
	hasTelemetry bool

	publisher EventPublisher
	bus       *Broadcaster

	loadsTotal     atomic.Uint64
	evictionsTotal atomic.Uint64
	opSeq          atomic.Uint64
	startTime      time.Time
}

// NewWithConfig constructs a Manager from ManagerConfig.
func NewWithConfig(cfg ManagerConfig) (*Manager, error) {
	if cfg.Registry == nil || cfg.Dispatcher == nil {
		return nil, errors.New("manager: registry and dispatcher are required")
	}
	cfg = cfg.withDefaults()
	m := &Manager{
		cfg:       cfg,
		log:       cfg.Logger.With().Str("component", "manager").Logger(),
		reg:       cfg.Registry,
		disp:      cfg.Dispatcher,
		bench:     cfg.Bench,
		instances: make(map[string]*Instance),
		profile:   backend.PowerNormal,
		publisher: noopPublisher{},
		bus:       NewBroadcaster(),
		startTime: time.Now(),
	}
	if m.bench == nil {
		m.bench = bench.NewRecorder(bench.NewMemoryStore(), bench.Config{}, cfg.Logger)
	}
	m.cache = kvcache.New(kvcache.Config{BudgetBytes: cfg.CacheBudgetBytes, Alive: m.alive}, cfg.Logger)
	m.warm = warmup.New(warmup.Config{Tokens: cfg.WarmupTokens, Timeout: cfg.WarmupTimeout}, cfg.Logger)
	return m, nil
}

// SetEventPublisher installs an additional event sink next to Subscribe.
func (m *Manager) SetEventPublisher(p EventPublisher) {
	if p == nil {
		p = noopPublisher{}
	}
	m.mu.Lock()
	m.publisher = p
	m.mu.Unlock()
}

// Cache exposes the KV cache for the guard.
func (m *Manager) Cache() *kvcache.Manager { return m.cache }

// Registry returns the descriptor registry.
func (m *Manager) Registry() *registry.Registry { return m.reg }

// Ready reports whether the manager can serve: not exhausted and at least one
// instance loaded.
func (m *Manager) Ready() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed || m.exhausted != "" {
		return false
	}
	for _, inst := range m.instances {
		if serving(inst.State) {
			return true
		}
	}
	return false
}

// ListModels returns registered descriptors sorted by id.
func (m *Manager) ListModels() []types.ModelDescriptor {
	return m.reg.List()
}

// alive is the cache's liveness check: an instance id is live while it is
// the current instance of its model and still serving.
func (m *Manager) alive(instanceID string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, inst := range m.instances {
		if inst.ID == instanceID {
			return serving(inst.State)
		}
	}
	return false
}

func newInstanceID() string { return uuid.NewString() }
