package manager

import "context"

// evictUntilFits unloads LRU idle instances until need fits the model budget,
// then reserves need. The caller releases the reservation once the load
// reports its real footprint.
func (m *Manager) evictUntilFits(ctx context.Context, modelID string, need int64) error {
	for {
		m.mu.Lock()
		budget := m.cfg.BudgetBytes
		if budget <= 0 || m.usedBytes+m.reservedBytes+need <= budget {
			m.reservedBytes += need
			m.mu.Unlock()
			return nil
		}
		if need > budget {
			m.mu.Unlock()
			return budgetExceededError{modelID: modelID, need: need, budget: budget}
		}
		lru := m.pickLRUIdleLocked(modelID)
		m.mu.Unlock()
		if lru == nil {
			return budgetExceededError{modelID: modelID, need: need, budget: budget}
		}
		if err := m.unloadInstance(ctx, lru, "budget"); err != nil {
			return err
		}
		m.evictionsTotal.Add(1)
		m.publish(Event{Name: "evict", ModelID: lru.ModelID, InstanceID: lru.ID, Fields: map[string]any{"cause": "budget", "for": modelID}})
		// loop to re-check
	}
}

// pickLRUIdleLocked returns the least recently used instance that is loaded
// or ready and has no in-flight or queued work. skip excludes one model id.
func (m *Manager) pickLRUIdleLocked(skip string) *Instance {
	var lru *Instance
	for id, inst := range m.instances {
		if id == skip || (inst.State != StateLoaded && inst.State != StateReady) || !inst.idle() {
			continue
		}
		if lru == nil || inst.LastUsed.Before(lru.LastUsed) {
			lru = inst
		}
	}
	return lru
}
