// Package backendtest provides an in-memory Backend for exercising the
// lifecycle core without a native engine.
package backendtest

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"lifecycled/internal/backend"
	"lifecycled/pkg/types"
)

// Fake serves one format. Each generation emits Reply split into words,
// waiting TokenDelay before every token. The zero value is not usable; call
// New.
type Fake struct {
	format types.Format

	mu         sync.Mutex
	LoadDelay  time.Duration
	LoadErr    error
	CheckErr   error
	Footprint  int64
	TokenDelay time.Duration
	Reply      string
	GenErr     error
	// GenFatal marks GenErr as invalidating the handle.
	GenFatal   bool
	// Block makes every generation wait for a token on the channel (or ctx).
	Block      chan struct{}

	loads   atomic.Int64
	unloads atomic.Int64
	handles []*Handle
}

// New returns a fake for format with a 1 MiB footprint.
func New(format types.Format) *Fake {
	return &Fake{format: format, Footprint: 1 << 20, Reply: "hello world from fake"}
}

func (f *Fake) Name() string         { return "fake-" + string(f.format) }
func (f *Fake) Format() types.Format { return f.format }

func (f *Fake) Check() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.CheckErr
}

// Loads returns how many times Load succeeded.
func (f *Fake) Loads() int64 { return f.loads.Load() }

// Unloads returns how many handles have been unloaded.
func (f *Fake) Unloads() int64 { return f.unloads.Load() }

// Handles returns every handle created so far.
func (f *Fake) Handles() []*Handle {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*Handle(nil), f.handles...)
}

// Set mutates the fake's knobs under its lock.
func (f *Fake) Set(fn func(f *Fake)) {
	f.mu.Lock()
	fn(f)
	f.mu.Unlock()
}

func (f *Fake) Load(ctx context.Context, desc types.ModelDescriptor) (backend.Handle, error) {
	f.mu.Lock()
	delay, lerr, fp := f.LoadDelay, f.LoadErr, f.Footprint
	f.mu.Unlock()
	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, &backend.LoadError{ModelID: desc.ID, Cause: ctx.Err()}
		}
	}
	if lerr != nil {
		return nil, &backend.LoadError{ModelID: desc.ID, Cause: lerr}
	}
	if desc.EstimatedBytes > 0 {
		fp = desc.EstimatedBytes
	}
	h := &Handle{fake: f, ModelID: desc.ID, footprint: fp}
	f.loads.Add(1)
	f.mu.Lock()
	f.handles = append(f.handles, h)
	f.mu.Unlock()
	return h, nil
}

// Handle is a fake loaded model.
type Handle struct {
	fake      *Fake
	ModelID   string
	footprint int64
	unloaded  atomic.Bool

	mu      sync.Mutex
	Prompts []string
	// SeenKV records the blob passed in with each generation.
	SeenKV  [][]byte
	Profile backend.PowerProfile
	closes  int
}

func (h *Handle) MemoryFootprint() int64 { return h.footprint }
func (h *Handle) ThreadSafe() bool       { return false }

// Unloaded reports whether Unload was called.
func (h *Handle) Unloaded() bool { return h.unloaded.Load() }

// Generations returns how many times Generate started a stream.
func (h *Handle) Generations() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.Prompts)
}

// SeenState returns the kv blobs passed to each generation.
func (h *Handle) SeenState() [][]byte {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([][]byte(nil), h.SeenKV...)
}

// StreamsClosed returns how many of the handle's streams were closed.
func (h *Handle) StreamsClosed() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.closes
}

// PowerProfile returns the last profile pushed to the handle.
func (h *Handle) PowerProfile() backend.PowerProfile {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.Profile
}

func (h *Handle) Unload() error {
	if h.unloaded.CompareAndSwap(false, true) {
		h.fake.unloads.Add(1)
	}
	return nil
}

func (h *Handle) SetPowerProfile(p backend.PowerProfile) {
	h.mu.Lock()
	h.Profile = p
	h.mu.Unlock()
}

func (h *Handle) Generate(ctx context.Context, prompt string, params backend.Params, kv *backend.KVState) (backend.TokenStream, error) {
	if h.unloaded.Load() {
		return nil, &backend.BackendError{Cause: errors.New("handle unloaded"), Fatal: true}
	}
	h.fake.mu.Lock()
	reply, delay, gerr, fatal, block := h.fake.Reply, h.fake.TokenDelay, h.fake.GenErr, h.fake.GenFatal, h.fake.Block
	h.fake.mu.Unlock()
	if gerr != nil {
		return nil, &backend.BackendError{Cause: gerr, Fatal: fatal}
	}
	h.mu.Lock()
	h.Prompts = append(h.Prompts, prompt)
	if kv != nil {
		h.SeenKV = append(h.SeenKV, append([]byte(nil), kv.Blob...))
	}
	h.mu.Unlock()
	words := strings.Fields(reply)
	if params.MaxTokens > 0 && len(words) > params.MaxTokens {
		words = words[:params.MaxTokens]
	}
	for i := range words[:max(0, len(words)-1)] {
		words[i] += " "
	}
	return &stream{h: h, ctx: ctx, words: words, delay: delay, block: block, kv: kv, prompt: prompt}, nil
}

type stream struct {
	h      *Handle
	ctx    context.Context
	words  []string
	idx    int
	delay  time.Duration
	block  chan struct{}
	kv     *backend.KVState
	prompt string
	out    strings.Builder
	closed atomic.Bool
	shut   atomic.Bool
}

func (s *stream) Next() (backend.Token, error) {
	if s.closed.Load() {
		return backend.Token{}, io.EOF
	}
	if s.block != nil && s.idx == 0 {
		select {
		case <-s.block:
		case <-s.ctx.Done():
			return backend.Token{}, &backend.BackendError{Cause: context.Cause(s.ctx)}
		}
	}
	if s.idx >= len(s.words) {
		if s.kv != nil {
			evaluated := s.prompt + s.out.String()
			s.kv.Blob = []byte(evaluated)
			s.kv.Size = int64(len(evaluated))
		}
		s.closed.Store(true)
		return backend.Token{}, io.EOF
	}
	if s.delay > 0 {
		select {
		case <-time.After(s.delay):
		case <-s.ctx.Done():
		}
	}
	if err := s.ctx.Err(); err != nil {
		return backend.Token{}, &backend.BackendError{Cause: context.Cause(s.ctx)}
	}
	w := s.words[s.idx]
	s.out.WriteString(w)
	t := backend.Token{Text: w, Index: s.idx}
	s.idx++
	if s.idx == len(s.words) {
		t.FinishReason = "stop"
	}
	return t, nil
}

func (s *stream) Close() error {
	s.closed.Store(true)
	if s.shut.CompareAndSwap(false, true) {
		s.h.mu.Lock()
		s.h.closes++
		s.h.mu.Unlock()
	}
	return nil
}

// Descriptor returns a descriptor for id in format f at a throwaway path.
func Descriptor(id string, f types.Format) types.ModelDescriptor {
	return types.ModelDescriptor{
		ID:           id,
		Path:         fmt.Sprintf("/models/%s.%s", id, f),
		Format:       f,
		Capabilities: []types.Capability{types.CapCompletion, types.CapChat},
	}
}
