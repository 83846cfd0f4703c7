//go:build !llama

package backend

// This file provides a no-CGO stub for the in-process llama engine. It is
// compiled when the 'llama' build tag is NOT set, keeping default builds and
// CI CGO-free for the engine. The real engine lives in llama_inproc.go.

import (
	"context"

	"github.com/rs/zerolog"

	"lifecycled/pkg/types"
)

const llamaBuilt = false

const llamaMissing = "llama support not built (missing 'llama' build tag)"

type llamaBackend struct{}

// NewLlama returns a gguf backend that refuses to load without the 'llama'
// build tag.
func NewLlama(cfg LlamaConfig, log zerolog.Logger) Backend { return llamaBackend{} }

func (llamaBackend) Name() string         { return "llama.cpp" }
func (llamaBackend) Format() types.Format { return types.FormatGGUF }
func (llamaBackend) Check() error         { return ErrDependencyUnavailable(llamaMissing) }

func (llamaBackend) Load(ctx context.Context, desc types.ModelDescriptor) (Handle, error) {
	return nil, loadErr(desc.ID, ErrDependencyUnavailable(llamaMissing))
}
