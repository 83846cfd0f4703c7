// Package kvcache keeps per-conversation attention state across turns under a
// global byte budget. Entries are ordered by last access; the least recently
// used entry is evicted first.
package kvcache

import (
	"container/list"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"lifecycled/internal/backend"
)

// Config configures a Manager.
type Config struct {
	// BudgetBytes bounds the sum of accounted entry sizes. Zero disables caching
	// of any non-empty state.
	BudgetBytes int64
	// Alive reports whether an instance id still refers to a loaded instance.
	// Nil treats every instance as alive.
	Alive func(instanceID string) bool
	// Now overrides the clock in tests.
	Now func() time.Time
}

// Stats is a point-in-time view of the cache.
type Stats struct {
	Entries   int
	Bytes     int64
	Budget    int64
	Evictions uint64
}

type entry struct {
	convID     string
	instanceID string
	blob       []byte
	size       int64
	lastAccess time.Time
	createdAt  time.Time
	inUse      int
	// detached entries were evicted while held; their state is discarded on
	// release.
	detached bool
	elem     *list.Element
}

// Handle is a caller's claim on a conversation entry, obtained from
// GetOrCreate and returned with Release.
type Handle struct {
	e        *entry
	released bool
}

// ConversationID returns the conversation this handle belongs to.
func (h *Handle) ConversationID() string { return h.e.convID }

// InstanceID returns the owning instance.
func (h *Handle) InstanceID() string { return h.e.instanceID }

// Manager is safe for concurrent use.
type Manager struct {
	mu        sync.Mutex
	cfg       Config
	byConv    map[string]*entry
	lru       *list.List // front = most recently used
	bytes     int64
	evictions uint64
	log       zerolog.Logger
}

// New returns an empty cache.
func New(cfg Config, log zerolog.Logger) *Manager {
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.BudgetBytes < 0 {
		cfg.BudgetBytes = 0
	}
	m := &Manager{
		cfg:    cfg,
		byConv: map[string]*entry{},
		lru:    list.New(),
		log:    log.With().Str("component", "kvcache").Logger(),
	}
	budgetBytes.Set(float64(cfg.BudgetBytes))
	return m
}

// GetOrCreate returns the entry for conversationID when it is owned by
// instanceID and that instance is alive, otherwise a fresh empty entry.
// The entry is marked in use until Release.
func (m *Manager) GetOrCreate(instanceID, conversationID string) *Handle {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.cfg.Now()
	if e, ok := m.byConv[conversationID]; ok {
		switch {
		case m.cfg.Alive != nil && !m.cfg.Alive(e.instanceID):
			m.log.Warn().Str("event", "cache_inconsistency").Str("conversation", conversationID).
				Str("instance", e.instanceID).Msg("kvcache: owner no longer loaded; treating as miss")
			m.removeLocked(e, "stale")
		case e.instanceID != instanceID:
			m.log.Debug().Str("event", "cache_reassign").Str("conversation", conversationID).
				Str("from", e.instanceID).Str("to", instanceID).Msg("kvcache")
			m.removeLocked(e, "reassigned")
		default:
			e.inUse++
			e.lastAccess = now
			m.lru.MoveToFront(e.elem)
			hits.Inc()
			return &Handle{e: e}
		}
	}
	misses.Inc()
	e := &entry{convID: conversationID, instanceID: instanceID, lastAccess: now, createdAt: now, inUse: 1}
	e.elem = m.lru.PushFront(e)
	m.byConv[conversationID] = e
	m.publishLocked()
	return &Handle{e: e}
}

// State returns a copy of the entry's state for handing to an engine.
func (m *Manager) State(h *Handle) *backend.KVState {
	m.mu.Lock()
	defer m.mu.Unlock()
	if h.e.detached || len(h.e.blob) == 0 {
		return &backend.KVState{}
	}
	return &backend.KVState{Blob: append([]byte(nil), h.e.blob...), Size: h.e.size}
}

// Touch marks the entry as just used.
func (m *Manager) Touch(h *Handle) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if h.e.detached {
		return
	}
	h.e.lastAccess = m.cfg.Now()
	m.lru.MoveToFront(h.e.elem)
}

// Update replaces the entry's state and trims the cache back to budget. It
// reports false when the entry was evicted while held and the state was
// discarded.
func (m *Manager) Update(h *Handle, blob []byte, size int64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	e := h.e
	if e.detached {
		return false
	}
	if size <= 0 {
		size = int64(len(blob))
	}
	m.bytes += size - e.size
	e.blob = blob
	e.size = size
	e.lastAccess = m.cfg.Now()
	m.lru.MoveToFront(e.elem)
	m.evictLocked(m.cfg.BudgetBytes, "budget")
	m.publishLocked()
	return !e.detached
}

// Release clears the in-use mark. It never evicts. Releasing twice is a no-op.
func (m *Manager) Release(h *Handle) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if h.released {
		return
	}
	h.released = true
	h.e.inUse--
	if h.e.detached && h.e.inUse <= 0 {
		h.e.blob = nil
	}
}

// EvictToBudget removes least-recently-used entries until the accounted
// bytes are at most target and returns how many were removed. Held entries
// are not exempt.
func (m *Manager) EvictToBudget(target int64) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := m.evictLocked(max(0, target), "pressure")
	if n > 0 {
		m.publishLocked()
	}
	return n
}

// DropInstance removes every entry owned by instanceID.
func (m *Manager) DropInstance(instanceID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, e := range m.byConv {
		if e.instanceID == instanceID {
			m.removeLocked(e, "unload")
			n++
		}
	}
	if n > 0 {
		m.log.Info().Str("event", "cache_drop_instance").Str("instance", instanceID).Int("entries", n).Msg("kvcache")
		m.publishLocked()
	}
	return n
}

// Count returns the number of entries owned by instanceID.
func (m *Manager) Count(instanceID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, e := range m.byConv {
		if e.instanceID == instanceID {
			n++
		}
	}
	return n
}

// Budget returns the configured byte budget.
func (m *Manager) Budget() int64 { return m.cfg.BudgetBytes }

// Stats snapshots the cache counters.
func (m *Manager) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	return Stats{Entries: len(m.byConv), Bytes: m.bytes, Budget: m.cfg.BudgetBytes, Evictions: m.evictions}
}

func (m *Manager) evictLocked(target int64, reason string) int {
	n := 0
	for m.bytes > target && m.lru.Len() > 0 {
		victim := m.oldestLocked()
		m.log.Info().Str("event", "cache_evict").Str("reason", reason).Str("conversation", victim.convID).
			Int64("bytes", victim.size).Bool("in_use", victim.inUse > 0).Msg("kvcache")
		m.removeLocked(victim, reason)
		m.evictions++
		n++
	}
	return n
}

// oldestLocked picks the back of the list; among entries sharing its
// last-access time the earliest created wins.
func (m *Manager) oldestLocked() *entry {
	back := m.lru.Back()
	victim := back.Value.(*entry)
	for el := back.Prev(); el != nil; el = el.Prev() {
		e := el.Value.(*entry)
		if !e.lastAccess.Equal(victim.lastAccess) {
			break
		}
		if e.createdAt.Before(victim.createdAt) {
			victim = e
		}
	}
	return victim
}

func (m *Manager) removeLocked(e *entry, reason string) {
	m.lru.Remove(e.elem)
	delete(m.byConv, e.convID)
	m.bytes -= e.size
	e.size = 0
	if e.inUse > 0 {
		e.detached = true
	} else {
		e.blob = nil
	}
	evictionsTotal.WithLabelValues(reason).Inc()
}

func (m *Manager) publishLocked() {
	entriesGauge.Set(float64(len(m.byConv)))
	bytesGauge.Set(float64(m.bytes))
}
