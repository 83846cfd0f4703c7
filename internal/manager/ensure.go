package manager

import (
	"context"
	"errors"
	"time"

	"lifecycled/internal/backend"
	"lifecycled/internal/warmup"
	"lifecycled/pkg/types"
)

// LoadModel ensures modelID has a live instance and returns its status.
// Concurrent loads of the same model collapse into one backend load; every
// caller waits with its own ctx.
func (m *Manager) LoadModel(ctx context.Context, modelID string) (types.InstanceStatus, error) {
	inst, err := m.ensureInstance(ctx, modelID)
	if err != nil {
		return types.InstanceStatus{}, err
	}
	return m.instanceStatus(inst), nil
}

// ensureInstance returns the model's serving instance, loading it if needed.
func (m *Manager) ensureInstance(ctx context.Context, modelID string) (*Instance, error) {
	modelID, err := m.resolveModelID(modelID)
	if err != nil {
		return nil, err
	}
	if err := m.admitNewWork(); err != nil {
		return nil, err
	}
	desc, err := m.getDescriptor(modelID)
	if err != nil {
		m.log.Debug().Str("event", "ensure_model_not_found").Str("model", modelID).Msg("manager")
		m.publish(Event{Name: "ensure_model_not_found", ModelID: modelID})
		return nil, err
	}

	m.mu.Lock()
	if inst := m.instances[modelID]; inst != nil {
		switch {
		case serving(inst.State):
			inst.LastUsed = time.Now()
			m.mu.Unlock()
			return inst, nil
		case inst.State == StateUnloading:
			m.mu.Unlock()
			return nil, &InvalidStateError{ModelID: modelID, State: StateUnloading, Op: "load"}
		}
		// loading joins the flight below; error is replaced by a new instance.
	}
	m.mu.Unlock()

	ch := m.loads.DoChan(modelID, func() (any, error) {
		return m.load(desc)
	})
	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*Instance), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// admitNewWork rejects loads and generations while exhausted or closed.
func (m *Manager) admitNewWork() error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return ErrClosed
	}
	if m.exhausted != "" {
		rejectionsTotal.WithLabelValues("resource_exhausted").Inc()
		return &ResourceExhaustedError{Reason: m.exhausted}
	}
	return nil
}

// load performs one backend load. It runs detached from any caller so a
// disconnecting client does not abort a load others are waiting on.
func (m *Manager) load(desc types.ModelDescriptor) (*Instance, error) {
	// A caller that missed the previous flight starts a new one after that
	// flight already registered its instance.
	if inst, err := m.loadedInstance(desc.ID); inst != nil || err != nil {
		return inst, err
	}
	start := time.Now()
	be, err := m.disp.Resolve(desc)
	if err != nil {
		loadsTotal.WithLabelValues("unsupported_format").Inc()
		m.log.Warn().Str("event", "load_unsupported").Str("model", desc.ID).Str("format", string(desc.Format)).Msg("manager")
		m.publish(Event{Name: "load_error", ModelID: desc.ID, Fields: map[string]any{"error": err.Error()}})
		return nil, err
	}

	lctx, cancel := context.WithTimeout(context.Background(), m.cfg.LoadTimeout)
	defer cancel()

	need := desc.EstimatedBytes
	if err := m.evictUntilFits(lctx, desc.ID, need); err != nil {
		loadsTotal.WithLabelValues("budget").Inc()
		m.log.Warn().Str("event", "ensure_budget_fail").Str("model", desc.ID).Err(err).Msg("manager")
		m.publish(Event{Name: "ensure_budget_fail", ModelID: desc.ID, Fields: map[string]any{"error": err.Error()}})
		return nil, err
	}

	ictx, icancel := context.WithCancelCause(context.Background())
	parallel := 1
	inst := &Instance{
		ID:       newInstanceID(),
		ModelID:  desc.ID,
		State:    StateUnloaded,
		Warm:     WarmCold,
		LastUsed: time.Now(),
		desc:     desc,
		ctx:      ictx,
		cancel:   icancel,
		queueCh:  make(chan struct{}, m.cfg.MaxQueueDepth),
	}
	m.mu.Lock()
	if m.closed {
		m.reservedBytes -= need
		m.mu.Unlock()
		icancel(ErrClosed)
		return nil, ErrClosed
	}
	if prev := m.instances[desc.ID]; prev != nil {
		if prev.State != StateError {
			m.reservedBytes -= need
			m.mu.Unlock()
			icancel(context.Canceled)
			if serving(prev.State) {
				return prev, nil
			}
			return nil, &InvalidStateError{ModelID: desc.ID, State: prev.State, Op: "load"}
		}
		instancesByState.WithLabelValues(string(StateError)).Dec()
	}
	m.instances[desc.ID] = inst
	instancesByState.WithLabelValues(string(StateUnloaded)).Inc()
	_ = m.transitionLocked(inst, StateLoading, "load")
	m.mu.Unlock()
	m.log.Info().Str("event", "load_start").Str("model", desc.ID).Str("instance", inst.ID).Str("engine", be.Name()).Msg("manager")
	m.publish(Event{Name: "load_start", ModelID: desc.ID, InstanceID: inst.ID, Fields: map[string]any{"engine": be.Name()}})

	h, err := be.Load(lctx, desc)
	if err != nil {
		if errors.Is(lctx.Err(), context.DeadlineExceeded) {
			err = &TimeoutError{Op: "load", After: m.cfg.LoadTimeout}
		}
		m.mu.Lock()
		m.reservedBytes -= need
		inst.Err = err.Error()
		_ = m.transitionLocked(inst, StateError, err.Error())
		m.mu.Unlock()
		icancel(err)
		loadsTotal.WithLabelValues("error").Inc()
		m.log.Error().Str("event", "load_error").Str("model", desc.ID).Err(err).Msg("manager")
		m.publish(Event{Name: "load_error", ModelID: desc.ID, InstanceID: inst.ID, Fields: map[string]any{"error": err.Error()}})
		return nil, err
	}
	if h.ThreadSafe() {
		parallel = m.cfg.MaxParallel
	}
	footprint := h.MemoryFootprint()
	if footprint <= 0 {
		footprint = need
	}

	m.mu.Lock()
	m.reservedBytes -= need
	m.usedBytes += footprint
	inst.handle = h
	inst.genCh = make(chan struct{}, parallel)
	inst.MemoryBytes = footprint
	inst.LoadedAt = time.Now()
	inst.LastUsed = inst.LoadedAt
	if pa, ok := h.(backend.PowerAware); ok && m.profile != backend.PowerNormal {
		pa.SetPowerProfile(m.profile)
	}
	_ = m.transitionLocked(inst, StateLoaded, "load")
	m.mu.Unlock()
	m.loadsTotal.Add(1)
	loadsTotal.WithLabelValues("ok").Inc()
	loadDuration.Observe(time.Since(start).Seconds())
	m.log.Info().Str("event", "load_ready").Str("model", desc.ID).Str("instance", inst.ID).
		Int64("memory_bytes", footprint).Dur("dur", time.Since(start)).Msg("manager")
	m.publish(Event{Name: "load_ready", ModelID: desc.ID, InstanceID: inst.ID, Fields: map[string]any{"dur_ms": time.Since(start).Milliseconds()}})

	switch m.cfg.WarmupMode {
	case WarmupSync:
		// The scheduler bounds the generation with WarmupTimeout.
		if _, err := m.warmInstance(context.Background(), inst); err != nil {
			m.log.Warn().Str("event", "warmup_failed").Str("model", desc.ID).Err(err).Msg("manager")
		}
	case WarmupAsync:
		if m.beginWarm(inst) {
			m.warm.WarmAsync(context.Background(), inst.ID, instanceTarget{m: m, inst: inst}, func(r warmup.Result, err error) {
				m.finishWarm(inst, r, m.warmErr(err))
			})
		}
	}
	return inst, nil
}

// loadedInstance returns modelID's instance when it is already serving, an
// InvalidStateError while it unloads, and nil otherwise.
func (m *Manager) loadedInstance(modelID string) (*Instance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	inst := m.instances[modelID]
	switch {
	case inst == nil:
		return nil, nil
	case serving(inst.State):
		inst.LastUsed = time.Now()
		return inst, nil
	case inst.State == StateUnloading:
		return nil, &InvalidStateError{ModelID: modelID, State: StateUnloading, Op: "load"}
	}
	return nil, nil
}

// Warm warms a loaded model and returns the recorded result. It is
// idempotent; failures are returned to the caller and leave the model cold.
func (m *Manager) Warm(ctx context.Context, modelID string) (warmup.Result, error) {
	modelID, err := m.resolveModelID(modelID)
	if err != nil {
		return warmup.Result{}, err
	}
	m.mu.RLock()
	inst := m.instances[modelID]
	m.mu.RUnlock()
	if inst == nil {
		if _, err := m.getDescriptor(modelID); err != nil {
			return warmup.Result{}, err
		}
		return warmup.Result{}, &InvalidStateError{ModelID: modelID, State: StateUnloaded, Op: "warm"}
	}
	return m.warmInstance(ctx, inst)
}

// warmInstance drives loaded→warming→ready (or back to loaded on failure).
// Only the caller that makes the loaded→warming transition applies the
// outcome; others join the same warmup.
func (m *Manager) warmInstance(ctx context.Context, inst *Instance) (warmup.Result, error) {
	m.mu.Lock()
	switch inst.State {
	case StateReady:
		m.mu.Unlock()
		r, _ := m.warm.Result(inst.ID)
		return r, nil
	case StateLoaded, StateWarming:
	default:
		st := inst.State
		m.mu.Unlock()
		return warmup.Result{}, &InvalidStateError{ModelID: inst.ModelID, State: st, Op: "warm"}
	}
	m.mu.Unlock()
	owner := m.beginWarm(inst)

	r, err := m.warm.Warm(ctx, inst.ID, instanceTarget{m: m, inst: inst})
	err = m.warmErr(err)
	if !owner {
		return r, err
	}
	return r, m.finishWarm(inst, r, err)
}

// beginWarm moves a loaded instance to warming and reports whether this
// caller made the transition.
func (m *Manager) beginWarm(inst *Instance) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if inst.State != StateLoaded {
		return false
	}
	inst.Warm = WarmWarming
	_ = m.transitionLocked(inst, StateWarming, "warmup")
	return true
}

// warmErr types a scheduler or caller deadline as a warmup TimeoutError.
func (m *Manager) warmErr(err error) error {
	if warmup.IsTimeout(err) || errors.Is(err, context.DeadlineExceeded) {
		return &TimeoutError{Op: "warmup", After: m.cfg.WarmupTimeout}
	}
	return err
}

// finishWarm applies a warmup outcome to an instance still warming.
func (m *Manager) finishWarm(inst *Instance, r warmup.Result, err error) error {
	m.mu.Lock()
	if inst.State != StateWarming {
		// Unloaded or failed while warming; the outcome no longer applies.
		m.mu.Unlock()
		return err
	}
	switch {
	case err == nil:
		inst.Warm = WarmWarm
		inst.WarmDelta = r.Delta
		_ = m.transitionLocked(inst, StateReady, "warmup")
		m.mu.Unlock()
		m.publish(Event{Name: "warmup_done", ModelID: inst.ModelID, InstanceID: inst.ID,
			Fields: map[string]any{"delta_ms": r.Delta.Milliseconds(), "cold_first_token_ms": r.ColdFirstToken.Milliseconds()}})
		return nil
	case backend.IsFatal(err):
		m.mu.Unlock()
		m.failInstance(inst, err)
		return err
	default:
		inst.Warm = WarmCold
		_ = m.transitionLocked(inst, StateLoaded, "warmup failed: "+err.Error())
		m.mu.Unlock()
		m.publish(Event{Name: "warmup_failed", ModelID: inst.ModelID, InstanceID: inst.ID, Fields: map[string]any{"error": err.Error()}})
		return err
	}
}

// instanceTarget runs warmup generations through the instance's admission
// queue and lifetime, like any other request.
type instanceTarget struct {
	m    *Manager
	inst *Instance
}

func (t instanceTarget) Generate(ctx context.Context, prompt string, params backend.Params, kv *backend.KVState) (backend.TokenStream, error) {
	release, err := t.m.beginGeneration(ctx, t.inst)
	if err != nil {
		return nil, err
	}
	gctx, stop := t.m.instanceContext(ctx, t.inst)
	ts, err := t.inst.handle.Generate(gctx, prompt, params, kv)
	if err != nil {
		stop()
		release()
		return nil, err
	}
	return &releasingStream{TokenStream: ts, release: func() { stop(); release() }}, nil
}

// releasingStream runs release once the stream ends or is closed.
type releasingStream struct {
	backend.TokenStream
	release func()
	done    bool
}

func (s *releasingStream) Next() (backend.Token, error) {
	t, err := s.TokenStream.Next()
	if err != nil && !s.done {
		s.done = true
		s.release()
	}
	return t, err
}

func (s *releasingStream) Close() error {
	err := s.TokenStream.Close()
	if !s.done {
		s.done = true
		s.release()
	}
	return err
}
