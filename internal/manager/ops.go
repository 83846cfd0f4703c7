package manager

import (
	"context"
)

// Switch kicks off an async load and returns an operation id. Completion is
// reported through events "switch_done" or "switch_failed" carrying the id.
func (m *Manager) Switch(ctx context.Context, modelID string) (string, error) {
	modelID, err := m.resolveModelID(modelID)
	if err != nil {
		return "", err
	}
	if _, err := m.getDescriptor(modelID); err != nil {
		return "", err
	}
	if err := m.admitNewWork(); err != nil {
		return "", err
	}
	op := m.nextOpID()
	m.publish(Event{Name: "switch_start", ModelID: modelID, Fields: map[string]any{"op": op}})
	go func(opID string) {
		// Detached: the operation outlives the request that started it.
		if _, err := m.ensureInstance(context.Background(), modelID); err != nil {
			m.log.Warn().Str("event", "switch_failed").Str("model", modelID).Str("op", opID).Err(err).Msg("manager")
			m.publish(Event{Name: "switch_failed", ModelID: modelID, Fields: map[string]any{"op": opID, "error": err.Error()}})
			return
		}
		m.publish(Event{Name: "switch_done", ModelID: modelID, Fields: map[string]any{"op": opID}})
	}(op)
	return op, nil
}

// Rescan re-reads the models directory and unloads instances of models that
// disappeared.
func (m *Manager) Rescan(ctx context.Context) (added, removed []string, err error) {
	added, removed, err = m.reg.Rescan()
	if err != nil {
		return nil, nil, err
	}
	for _, id := range removed {
		m.mu.RLock()
		inst := m.instances[id]
		m.mu.RUnlock()
		if inst == nil {
			continue
		}
		if uerr := m.unloadInstance(ctx, inst, "removed"); uerr != nil && !IsInvalidState(uerr) {
			m.log.Warn().Str("event", "rescan_unload_failed").Str("model", id).Err(uerr).Msg("manager")
		}
	}
	m.log.Info().Str("event", "rescan").Strs("added", added).Strs("removed", removed).Msg("manager")
	m.publish(Event{Name: "rescan", Fields: map[string]any{"added": added, "removed": removed}})
	return added, removed, nil
}
