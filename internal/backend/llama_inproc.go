//go:build llama

package backend

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"

	llama "github.com/go-skynet/go-llama.cpp"
	"github.com/rs/zerolog"

	"lifecycled/internal/common/fsutil"
	"lifecycled/pkg/types"
)

// llamaBuilt indicates this binary was compiled with real llama support.
const llamaBuilt = true

type llamaBackend struct {
	cfg LlamaConfig
	log zerolog.Logger
}

// NewLlama returns the in-process gguf backend.
func NewLlama(cfg LlamaConfig, log zerolog.Logger) Backend {
	return &llamaBackend{cfg: cfg, log: log.With().Str("component", "backend").Logger()}
}

func (b *llamaBackend) Name() string         { return "llama.cpp" }
func (b *llamaBackend) Format() types.Format { return types.FormatGGUF }
func (b *llamaBackend) Check() error         { return nil }

func (b *llamaBackend) Load(ctx context.Context, desc types.ModelDescriptor) (Handle, error) {
	if strings.TrimSpace(desc.Path) == "" {
		return nil, loadErr(desc.ID, errors.New("model path is empty"))
	}
	opts := []llama.ModelOption{llama.SetContext(zn(b.cfg.CtxSize, 2048))}
	if b.cfg.GPULayers > 0 {
		opts = append(opts, llama.SetGPULayers(b.cfg.GPULayers))
	}
	type result struct {
		m   *llama.LLama
		err error
	}
	// llama.New cannot be interrupted; a load that outlives ctx frees the model
	// as soon as it completes.
	ch := make(chan result, 1)
	go func() {
		m, err := llama.New(desc.Path, opts...)
		ch <- result{m, err}
	}()
	select {
	case r := <-ch:
		if r.err != nil {
			return nil, loadErr(desc.ID, r.err)
		}
		b.log.Info().Str("event", "load").Str("model", desc.ID).Msg("backend")
		return &llamaHandle{
			id:              desc.ID,
			model:           r.m,
			threads:         zn(b.cfg.Threads, 4),
			footprint:       fsutil.Size(desc.Path),
			kvBytesPerToken: b.cfg.KVBytesPerToken,
			log:             b.log,
		}, nil
	case <-ctx.Done():
		go func() {
			if r := <-ch; r.m != nil {
				r.m.Free()
			}
		}()
		return nil, loadErr(desc.ID, ctx.Err())
	}
}

// llamaHandle owns one loaded go-llama.cpp model. The model's token callback
// is process-global per model, so generations are serialized by mu.
type llamaHandle struct {
	id              string
	mu              sync.Mutex
	model           *llama.LLama
	threads         int
	footprint       int64
	kvBytesPerToken int64
	lowPower        atomic.Bool
	log             zerolog.Logger
}

func (h *llamaHandle) ThreadSafe() bool       { return false }
func (h *llamaHandle) MemoryFootprint() int64 { return h.footprint }

func (h *llamaHandle) SetPowerProfile(p PowerProfile) { h.lowPower.Store(p == PowerLow) }

func (h *llamaHandle) Generate(ctx context.Context, prompt string, params Params, kv *KVState) (TokenStream, error) {
	h.mu.Lock()
	if h.model == nil {
		h.mu.Unlock()
		return nil, &BackendError{Cause: errors.New("llama model not loaded"), Fatal: true}
	}
	threads := h.threads
	if h.lowPower.Load() {
		threads = max(1, threads/2)
	}
	po := predictOptions(params, threads)
	return newPushStream(ctx, func(ctx context.Context, emit func(string) bool) error {
		defer h.mu.Unlock()
		h.model.SetTokenCallback(func(tok string) bool {
			return emit(tok)
		})
		text, err := h.model.Predict(prompt, po...)
		if err != nil {
			return err
		}
		if kv != nil {
			evaluated := prompt + text
			kv.Blob = []byte(evaluated)
			kv.Size = int64(estimateTokens(evaluated)) * h.kvBytesPerToken
		}
		return nil
	}), nil
}

func (h *llamaHandle) Unload() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.model != nil {
		h.model.Free()
		h.model = nil
		h.log.Info().Str("event", "unload").Str("model", h.id).Msg("backend")
	}
	return nil
}

// predictOptions converts Params into go-llama.cpp options.
func predictOptions(params Params, threads int) []llama.PredictOption {
	po := []llama.PredictOption{
		llama.SetTokens(max(1, params.MaxTokens)),
		llama.SetThreads(max(1, threads)),
		llama.SetTopP(zf(params.TopP, llama.DefaultOptions.TopP)),
		llama.SetTopK(zn(params.TopK, llama.DefaultOptions.TopK)),
		llama.SetTemperature(zf(params.Temperature, llama.DefaultOptions.Temperature)),
		llama.SetPenalty(zf(params.RepeatPenalty, llama.DefaultOptions.Penalty)),
	}
	if params.Seed != 0 {
		po = append(po, llama.SetSeed(params.Seed))
	}
	if len(params.Stop) > 0 {
		po = append(po, llama.SetStopWords(params.Stop...))
	}
	return po
}
