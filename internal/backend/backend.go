// Package backend is the seam between the lifecycle core and native inference
// engines. Every engine is wrapped behind Backend/Handle; nothing above this
// package touches foreign calls, subprocesses or engine-specific options.
package backend

import (
	"context"

	"lifecycled/pkg/types"
)

// Backend loads models of exactly one format into engine handles.
type Backend interface {
	// Name identifies the engine (e.g. "llama.cpp", "llama-server", "mlx-lm").
	Name() string
	// Format is the descriptor format this backend serves.
	Format() types.Format
	// Load opens the model. Failures are returned as *LoadError.
	Load(ctx context.Context, desc types.ModelDescriptor) (Handle, error)
	// Check reports whether the engine's runtime dependency is available.
	Check() error
}

// Handle is one loaded model inside an engine.
type Handle interface {
	// Generate starts a lazy token stream. kv may be nil; when set, the engine
	// reads the previous turn's state from it and stores the new state back
	// before the stream reports io.EOF.
	Generate(ctx context.Context, prompt string, params Params, kv *KVState) (TokenStream, error)
	// MemoryFootprint is a best-effort size of the loaded model in bytes.
	MemoryFootprint() int64
	// ThreadSafe reports whether Generate may run concurrently on this handle.
	ThreadSafe() bool
	// Unload releases all engine resources. Calling it again is a no-op.
	Unload() error
}

// PowerAware is implemented by handles that can trade throughput for power.
type PowerAware interface {
	SetPowerProfile(PowerProfile)
}

// PowerProfile is an advisory generation profile.
type PowerProfile string

const (
	PowerNormal PowerProfile = "normal"
	PowerLow    PowerProfile = "low"
)

// TokenStream yields generated tokens. It is finite and cannot be restarted.
type TokenStream interface {
	// Next blocks until the next token is ready. It returns io.EOF after the
	// last token and a *BackendError on failure; both end the stream.
	Next() (Token, error)
	// Close stops generation early and releases the stream.
	Close() error
}

// Token is one generated fragment.
type Token struct {
	Text  string
	Index int
	// FinishReason is set on the last token when the engine reports one.
	FinishReason string
}

// Params captures generation parameters passed to the engine.
type Params struct {
	Temperature   float32
	TopP          float32
	TopK          int
	MaxTokens     int
	Stop          []string
	Seed          int
	RepeatPenalty float32
}

// KVState is the opaque per-conversation attention state. Engines define the
// meaning of Blob; Size is the number of bytes the cache should account for
// (it may be larger than len(Blob) when the real state lives in the engine).
type KVState struct {
	Blob []byte
	Size int64
}

// AccountedSize returns Size, or len(Blob) when Size is unset.
func (s *KVState) AccountedSize() int64 {
	if s == nil {
		return 0
	}
	if s.Size > 0 {
		return s.Size
	}
	return int64(len(s.Blob))
}
