package manager

import (
	"context"

	"lifecycled/internal/backend"
	"lifecycled/internal/telemetry"
)

// The methods below let the guard drive the manager.

// UnloadLRUIdle unloads the least recently used idle instance and returns its
// model id, or "" when every instance is busy or not loaded.
func (m *Manager) UnloadLRUIdle(ctx context.Context, cause string) (string, error) {
	m.mu.RLock()
	lru := m.pickLRUIdleLocked("")
	m.mu.RUnlock()
	if lru == nil {
		return "", nil
	}
	if err := m.unloadInstance(ctx, lru, cause); err != nil {
		return "", err
	}
	m.evictionsTotal.Add(1)
	return lru.ModelID, nil
}

// SetExhausted enters or, with an empty reason, leaves the resource-exhausted
// condition in which new loads and generations are rejected.
func (m *Manager) SetExhausted(reason string) {
	m.mu.Lock()
	prev := m.exhausted
	m.exhausted = reason
	m.mu.Unlock()
	if prev == reason {
		return
	}
	if reason != "" {
		m.log.Warn().Str("event", "resource_exhausted").Str("reason", reason).Msg("manager")
		m.publish(Event{Name: "resource_exhausted", Fields: map[string]any{"reason": reason}})
		return
	}
	m.log.Info().Str("event", "resource_recovered").Msg("manager")
	m.publish(Event{Name: "resource_recovered"})
}

// SetPowerProfile records p and forwards it to every power-aware handle.
func (m *Manager) SetPowerProfile(p backend.PowerProfile) {
	m.mu.Lock()
	m.profile = p
	var handles []backend.PowerAware
	for _, inst := range m.instances {
		if pa, ok := inst.handle.(backend.PowerAware); ok && serving(inst.State) {
			handles = append(handles, pa)
		}
	}
	m.mu.Unlock()
	for _, pa := range handles {
		pa.SetPowerProfile(p)
	}
	m.publish(Event{Name: "power_profile", Fields: map[string]any{"profile": string(p)}})
}

// ObserveTelemetry keeps the last sample for status and benchmark records.
func (m *Manager) ObserveTelemetry(s telemetry.Sample) {
	m.mu.Lock()
	m.lastSample = s
	m.hasTelemetry = true
	m.mu.Unlock()
}

// GuardEvent publishes a guard action to subscribers.
func (m *Manager) GuardEvent(action, cause string) {
	m.publish(Event{Name: "guard_" + action, Fields: map[string]any{"cause": cause}})
}
