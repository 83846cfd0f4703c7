package manager

import (
	"context"
	"time"
)

// beginGeneration reserves a queue slot and then an in-flight slot on inst.
// Returns a release func to be called exactly once.
func (m *Manager) beginGeneration(ctx context.Context, inst *Instance) (func(), error) {
	if err := m.checkServing(inst, "generate"); err != nil {
		return nil, err
	}
	// Fast path: respect an already-canceled context
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	timer := time.NewTimer(m.cfg.MaxWait)
	defer timer.Stop()
	select {
	case inst.queueCh <- struct{}{}:
		// reserved queue slot
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-timer.C:
		rejectionsTotal.WithLabelValues("queue_full").Inc()
		return nil, tooBusyError{modelID: inst.ModelID, reason: "queue_full"}
	}

	// Wait to acquire an in-flight slot
	acquired := false
	defer func() {
		if !acquired {
			<-inst.queueCh
		}
	}()
	select {
	case inst.genCh <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-inst.ctx.Done():
		return nil, &InvalidStateError{ModelID: inst.ModelID, State: StateUnloading, Op: "generate"}
	case <-timer.C:
		rejectionsTotal.WithLabelValues("queue_wait").Inc()
		return nil, tooBusyError{modelID: inst.ModelID, reason: "queue_wait"}
	}
	// The instance may have started unloading while this request queued.
	if err := m.checkServing(inst, "generate"); err != nil {
		<-inst.genCh
		return nil, err
	}
	acquired = true
	m.mu.Lock()
	inst.LastUsed = time.Now()
	m.mu.Unlock()
	return func() { <-inst.genCh; <-inst.queueCh }, nil
}

func (m *Manager) checkServing(inst *Instance, op string) error {
	m.mu.RLock()
	st := inst.State
	m.mu.RUnlock()
	if !serving(st) {
		return &InvalidStateError{ModelID: inst.ModelID, State: st, Op: op}
	}
	return nil
}
