package manager

import (
	"context"
	"time"

	"lifecycled/internal/backend"
	"lifecycled/pkg/types"
)

// State is an instance's lifecycle state.
type State string

const (
	StateUnloaded  State = "unloaded"
	StateLoading   State = "loading"
	StateLoaded    State = "loaded"
	StateWarming   State = "warming"
	StateReady     State = "ready"
	StateUnloading State = "unloading"
	StateError     State = "error"
)

// WarmState tracks kernel warmup separately from load state.
type WarmState string

const (
	WarmCold    WarmState = "cold"
	WarmWarming WarmState = "warming"
	WarmWarm    WarmState = "warm"
)

// transitions lists every allowed edge. error is terminal; a new load creates
// a new instance.
var transitions = map[State][]State{
	StateUnloaded:  {StateLoading},
	StateLoading:   {StateLoaded, StateError},
	StateLoaded:    {StateWarming, StateUnloading},
	StateWarming:   {StateReady, StateLoaded, StateError, StateUnloading},
	StateReady:     {StateUnloading, StateError},
	StateUnloading: {StateUnloaded},
}

// CanTransition reports whether from→to is an allowed edge.
func CanTransition(from, to State) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// serving reports whether an instance in s accepts generations.
func serving(s State) bool {
	return s == StateLoaded || s == StateWarming || s == StateReady
}

// Instance is one loaded model. At most one live instance exists per model id.
type Instance struct {
	ID          string
	ModelID     string
	State       State
	Warm        WarmState
	LoadedAt    time.Time
	LastUsed    time.Time
	MemoryBytes int64
	Err         string
	WarmDelta   time.Duration

	desc   types.ModelDescriptor
	handle backend.Handle
	// ctx lives as long as the instance; cancelling it with cause
	// backend.ErrAborted cuts off in-flight streams.
	ctx    context.Context
	cancel context.CancelCauseFunc
	// Queueing primitives
	genCh   chan struct{} // in-flight slots: 1, or max_parallel for thread-safe handles
	queueCh chan struct{} // buffered: queue slots
}

func (i *Instance) idle() bool {
	return len(i.genCh) == 0 && len(i.queueCh) == 0
}
