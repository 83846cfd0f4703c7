package manager

import (
	"fmt"
	"runtime"
	"strconv"
	"time"

	"lifecycled/pkg/types"
)

// resolveModelID applies the default model to an empty id.
func (m *Manager) resolveModelID(id string) (string, error) {
	if id == "" {
		id = m.cfg.DefaultModel
		if id == "" {
			return "", ErrModelNotFound("(unspecified)")
		}
	}
	return id, nil
}

// getDescriptor finds a model in the registry by id.
func (m *Manager) getDescriptor(id string) (types.ModelDescriptor, error) {
	d, ok := m.reg.Get(id)
	if !ok {
		return types.ModelDescriptor{}, ErrModelNotFound(id)
	}
	return d, nil
}

// publish stamps e and hands it to the configured publisher and subscribers.
func (m *Manager) publish(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	m.mu.RLock()
	p := m.publisher
	m.mu.RUnlock()
	p.Publish(e)
	m.bus.Publish(e)
}

// publishLocked is publish for callers already holding m.mu.
func (m *Manager) publishLocked(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	m.publisher.Publish(e)
	m.bus.Publish(e)
}

// transitionLocked moves inst along an allowed edge and publishes it.
// Callers hold m.mu.
func (m *Manager) transitionLocked(inst *Instance, to State, cause string) error {
	from := inst.State
	if !CanTransition(from, to) {
		return fmt.Errorf("illegal transition %s -> %s for %q", from, to, inst.ModelID)
	}
	inst.State = to
	instancesByState.WithLabelValues(string(from)).Dec()
	instancesByState.WithLabelValues(string(to)).Inc()
	ev := m.log.Info()
	if to == StateError {
		ev = m.log.Warn()
	}
	ev.Str("event", "state").Str("model", inst.ModelID).Str("instance", inst.ID).
		Str("from", string(from)).Str("to", string(to)).Str("cause", cause).Msg("manager")
	fields := map[string]any{}
	if cause != "" {
		fields["cause"] = cause
	}
	m.publishLocked(Event{Name: "state", ModelID: inst.ModelID, InstanceID: inst.ID, From: from, To: to, Fields: fields})
	return nil
}

// hardwareSnapshot describes the host for a benchmark record.
func (m *Manager) hardwareSnapshot(inst *Instance) map[string]string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	hw := map[string]string{
		"os":            runtime.GOOS,
		"arch":          runtime.GOARCH,
		"cpus":          strconv.Itoa(runtime.NumCPU()),
		"power_profile": string(m.profile),
		"format":        string(inst.desc.Format),
		"warm":          string(inst.Warm),
	}
	if m.hasTelemetry {
		hw["free_memory_bytes"] = strconv.FormatUint(m.lastSample.FreeMemoryBytes, 10)
		hw["thermal"] = string(m.lastSample.Thermal)
	}
	return hw
}

func (m *Manager) nextOpID() string {
	return "op-" + strconv.FormatUint(m.opSeq.Add(1), 10)
}
