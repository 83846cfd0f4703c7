package manager

import (
	"context"
	"time"

	"lifecycled/internal/backend"
)

// UnloadModel drains and unloads a model's instance. Unloading a registered
// model that is not loaded is a no-op.
func (m *Manager) UnloadModel(ctx context.Context, modelID string) error {
	modelID, err := m.resolveModelID(modelID)
	if err != nil {
		return err
	}
	m.mu.Lock()
	inst := m.instances[modelID]
	if inst == nil {
		m.mu.Unlock()
		if _, err := m.getDescriptor(modelID); err != nil {
			return err
		}
		return nil
	}
	switch inst.State {
	case StateLoading:
		m.mu.Unlock()
		return &InvalidStateError{ModelID: modelID, State: StateLoading, Op: "unload"}
	case StateUnloading:
		m.mu.Unlock()
		return m.awaitGone(ctx, modelID, inst)
	case StateError:
		delete(m.instances, modelID)
		instancesByState.WithLabelValues(string(StateError)).Dec()
		m.mu.Unlock()
		m.publish(Event{Name: "unload_done", ModelID: modelID, InstanceID: inst.ID, Fields: map[string]any{"cause": "api"}})
		return nil
	}
	m.mu.Unlock()
	return m.unloadInstance(ctx, inst, "api")
}

// awaitGone waits for a concurrent unload of inst to finish.
func (m *Manager) awaitGone(ctx context.Context, modelID string, inst *Instance) error {
	t := time.NewTicker(10 * time.Millisecond)
	defer t.Stop()
	for {
		m.mu.RLock()
		cur := m.instances[modelID]
		m.mu.RUnlock()
		if cur != inst {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
		}
	}
}

// unloadInstance moves inst to unloading, waits up to DrainTimeout for queued
// and in-flight work, force-aborts what is left, then releases the handle and
// every cache entry the instance owns.
func (m *Manager) unloadInstance(ctx context.Context, inst *Instance, cause string) error {
	m.mu.Lock()
	if !CanTransition(inst.State, StateUnloading) {
		st := inst.State
		m.mu.Unlock()
		if st == StateUnloading {
			return m.awaitGone(ctx, inst.ModelID, inst)
		}
		return &InvalidStateError{ModelID: inst.ModelID, State: st, Op: "unload"}
	}
	_ = m.transitionLocked(inst, StateUnloading, cause)
	m.mu.Unlock()
	m.log.Info().Str("event", "unload_start").Str("model", inst.ModelID).Str("instance", inst.ID).Str("cause", cause).Msg("manager")
	m.publish(Event{Name: "unload_start", ModelID: inst.ModelID, InstanceID: inst.ID, Fields: map[string]any{"cause": cause}})

	deadline := time.Now().Add(m.cfg.DrainTimeout)
	for {
		qlen, inflight := len(inst.queueCh), len(inst.genCh)
		if inflight == 0 && qlen == 0 {
			break
		}
		if time.Now().After(deadline) || ctx.Err() != nil {
			m.log.Warn().Str("event", "unload_timeout").Str("model", inst.ModelID).Int("inflight", inflight).Int("queue", qlen).Msg("manager")
			m.publish(Event{Name: "unload_timeout", ModelID: inst.ModelID, InstanceID: inst.ID, Fields: map[string]any{"inflight": inflight, "queue": qlen}})
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	// Anything still running fails with an aborted BackendError.
	inst.cancel(backend.ErrAborted)

	if err := inst.handle.Unload(); err != nil {
		m.log.Warn().Str("event", "unload_error").Str("model", inst.ModelID).Err(err).Msg("manager")
	}
	dropped := m.cache.DropInstance(inst.ID)
	m.warm.Forget(inst.ID)

	m.mu.Lock()
	m.usedBytes -= inst.MemoryBytes
	if m.usedBytes < 0 {
		m.usedBytes = 0
	}
	_ = m.transitionLocked(inst, StateUnloaded, cause)
	if m.instances[inst.ModelID] == inst {
		delete(m.instances, inst.ModelID)
	}
	instancesByState.WithLabelValues(string(StateUnloaded)).Dec()
	m.mu.Unlock()

	unloadsTotal.WithLabelValues(cause).Inc()
	m.log.Info().Str("event", "unload_done").Str("model", inst.ModelID).Str("instance", inst.ID).
		Str("cause", cause).Int("cache_dropped", dropped).Msg("manager")
	m.publish(Event{Name: "unload_done", ModelID: inst.ModelID, InstanceID: inst.ID, Fields: map[string]any{"cause": cause, "cache_dropped": dropped}})
	return nil
}

// failInstance handles a fatal backend error. Warming or ready instances
// move to error and stay visible until unloaded or reloaded; a loaded
// instance, which has no error edge, is unloaded.
func (m *Manager) failInstance(inst *Instance, err error) {
	m.mu.Lock()
	switch inst.State {
	case StateWarming, StateReady:
		inst.Err = err.Error()
		inst.Warm = WarmCold
		_ = m.transitionLocked(inst, StateError, err.Error())
		m.usedBytes -= inst.MemoryBytes
		if m.usedBytes < 0 {
			m.usedBytes = 0
		}
		m.mu.Unlock()
		inst.cancel(err)
		_ = inst.handle.Unload()
		m.cache.DropInstance(inst.ID)
		m.warm.Forget(inst.ID)
		m.log.Error().Str("event", "instance_failed").Str("model", inst.ModelID).Str("instance", inst.ID).Err(err).Msg("manager")
		m.publish(Event{Name: "instance_failed", ModelID: inst.ModelID, InstanceID: inst.ID, Fields: map[string]any{"error": err.Error()}})
	case StateLoaded:
		m.mu.Unlock()
		m.log.Error().Str("event", "instance_failed").Str("model", inst.ModelID).Str("instance", inst.ID).Err(err).Msg("manager")
		go func() { _ = m.unloadInstance(context.Background(), inst, "backend_fatal") }()
	default:
		m.mu.Unlock()
	}
}

// Close rejects new work and unloads every instance.
func (m *Manager) Close(ctx context.Context) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	insts := make([]*Instance, 0, len(m.instances))
	for _, inst := range m.instances {
		insts = append(insts, inst)
	}
	m.mu.Unlock()
	for _, inst := range insts {
		m.mu.RLock()
		st := inst.State
		m.mu.RUnlock()
		switch {
		case st == StateError:
			m.mu.Lock()
			delete(m.instances, inst.ModelID)
			instancesByState.WithLabelValues(string(StateError)).Dec()
			m.mu.Unlock()
		case st == StateLoading:
			// The load sees closed only before registering; wait for it.
			if _, err, _ := m.loads.Do(inst.ModelID, func() (any, error) { return nil, nil }); err == nil {
				_ = m.unloadInstance(ctx, inst, "shutdown")
			}
		default:
			_ = m.unloadInstance(ctx, inst, "shutdown")
		}
	}
	m.log.Info().Str("event", "closed").Msg("manager")
	return nil
}
