package manager

import (
	"context"
	"sort"
	"time"

	"lifecycled/pkg/types"
)

// Status returns one model's lifecycle status. Registered models without an
// instance report state unloaded.
func (m *Manager) Status(modelID string) (types.InstanceStatus, error) {
	modelID, err := m.resolveModelID(modelID)
	if err != nil {
		return types.InstanceStatus{}, err
	}
	m.mu.RLock()
	inst := m.instances[modelID]
	m.mu.RUnlock()
	if inst != nil {
		return m.instanceStatus(inst), nil
	}
	if _, err := m.getDescriptor(modelID); err != nil {
		return types.InstanceStatus{}, err
	}
	return m.unloadedStatus(modelID), nil
}

// StatusAll builds the detailed status response for /status.
func (m *Manager) StatusAll() types.StatusResponse {
	descs := m.reg.List()
	m.mu.RLock()
	insts := make(map[string]*Instance, len(m.instances))
	for id, inst := range m.instances {
		insts[id] = inst
	}
	resp := types.StatusResponse{
		BudgetBytes:       m.cfg.BudgetBytes,
		UsedBytes:         m.usedBytes,
		ResourceExhausted: m.exhausted != "",
		ExhaustedReason:   m.exhausted,
		Telemetry:         types.TelemetryStatus{PowerProfile: string(m.profile)},
	}
	if m.hasTelemetry {
		resp.Telemetry.FreeMemoryBytes = m.lastSample.FreeMemoryBytes
		resp.Telemetry.ThermalState = string(m.lastSample.Thermal)
		resp.Telemetry.SampledAt = m.lastSample.At.Unix()
	}
	m.mu.RUnlock()

	// cache.Count and friends run outside m.mu.
	resp.Instances = make([]types.InstanceStatus, 0, len(descs))
	for _, d := range descs {
		inst := insts[d.ID]
		delete(insts, d.ID)
		if inst == nil {
			resp.Instances = append(resp.Instances, m.unloadedStatus(d.ID))
			continue
		}
		resp.Instances = append(resp.Instances, m.instanceStatus(inst))
	}
	// Instances whose descriptor vanished in a rescan are still listed.
	for _, inst := range insts {
		resp.Instances = append(resp.Instances, m.instanceStatus(inst))
	}
	sort.Slice(resp.Instances, func(i, j int) bool { return resp.Instances[i].ModelID < resp.Instances[j].ModelID })
	for _, st := range resp.Instances {
		switch State(st.State) {
		case StateWarming:
			resp.WarmupsInProgress++
		case StateUnloading:
			resp.UnloadingCount++
		}
	}
	cs := m.cache.Stats()
	resp.Cache = types.CacheStats{Entries: cs.Entries, Bytes: cs.Bytes, BudgetBytes: cs.Budget, Evictions: cs.Evictions}
	now := time.Now()
	resp.UptimeSeconds = int64(now.Sub(m.startTime).Seconds())
	resp.ServerTimeUnix = now.Unix()
	resp.LoadsTotal = m.loadsTotal.Load()
	resp.EvictionsTotal = m.evictionsTotal.Load()
	return resp
}

func (m *Manager) instanceStatus(inst *Instance) types.InstanceStatus {
	m.mu.RLock()
	st := types.InstanceStatus{
		ModelID:       inst.ModelID,
		InstanceID:    inst.ID,
		State:         string(inst.State),
		Warm:          string(inst.Warm),
		LastUsed:      inst.LastUsed.Unix(),
		MemoryBytes:   inst.MemoryBytes,
		QueueLen:      len(inst.queueCh),
		Inflight:      len(inst.genCh),
		MaxQueueDepth: cap(inst.queueCh),
		WarmupDeltaMS: inst.WarmDelta.Milliseconds(),
		Error:         inst.Err,
	}
	if !inst.LoadedAt.IsZero() {
		st.LoadedAt = inst.LoadedAt.Unix()
	}
	m.mu.RUnlock()
	st.CachedConversations = m.cache.Count(inst.ID)
	return st
}

func (m *Manager) unloadedStatus(modelID string) types.InstanceStatus {
	return types.InstanceStatus{
		ModelID:       modelID,
		State:         string(StateUnloaded),
		Warm:          string(WarmCold),
		MaxQueueDepth: m.cfg.MaxQueueDepth,
	}
}

// ListBenchmarks returns up to limit records for a model, most recent first.
// History outlives the instance and the registry entry.
func (m *Manager) ListBenchmarks(ctx context.Context, modelID string, limit int) ([]types.BenchmarkRecord, error) {
	modelID, err := m.resolveModelID(modelID)
	if err != nil {
		return nil, err
	}
	return m.bench.History(ctx, modelID, limit)
}

// Subscribe returns lifecycle events until ctx ends. Slow subscribers miss
// events instead of blocking the manager.
func (m *Manager) Subscribe(ctx context.Context) <-chan Event {
	return m.bus.Subscribe(ctx)
}
