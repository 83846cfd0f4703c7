package backend

import (
	"context"
	"net/http"
	"strconv"

	"github.com/rs/zerolog"

	"lifecycled/internal/common/fsutil"
	"lifecycled/pkg/types"
)

// LlamaServerConfig configures the llama.cpp server engine.
type LlamaServerConfig struct {
	Bin             string
	Host            string
	PortStart       int
	PortEnd         int
	CtxSize         int
	Threads         int
	GPULayers       int
	Parallel        int
	ExtraArgs       []string
	KVBytesPerToken int64
}

// llamaServerBackend serves gguf models by spawning one llama-server per model.
type llamaServerBackend struct {
	cfg    LlamaServerConfig
	client *http.Client
	log    zerolog.Logger
}

// NewLlamaServer returns a gguf backend backed by llama-server subprocesses.
func NewLlamaServer(cfg LlamaServerConfig, log zerolog.Logger) Backend {
	// Timeout=0: every request carries its own context deadline.
	return &llamaServerBackend{cfg: cfg, client: &http.Client{Timeout: 0}, log: log.With().Str("component", "backend").Logger()}
}

func (b *llamaServerBackend) Name() string         { return "llama-server" }
func (b *llamaServerBackend) Format() types.Format { return types.FormatGGUF }

func (b *llamaServerBackend) Check() error {
	_, err := lookupBin(b.cfg.Bin, "llama-server")
	return err
}

func (b *llamaServerBackend) Load(ctx context.Context, desc types.ModelDescriptor) (Handle, error) {
	bin, err := lookupBin(b.cfg.Bin, "llama-server")
	if err != nil {
		return nil, loadErr(desc.ID, err)
	}
	cfg := b.cfg
	pc := procConfig{
		Engine:     b.Name(),
		Bin:        bin,
		Host:       cfg.Host,
		PortStart:  cfg.PortStart,
		PortEnd:    cfg.PortEnd,
		HealthPath: "/health",
		Args: func(host string, port int) []string {
			args := []string{"-m", desc.Path, "--host", host, "--port", strconv.Itoa(port)}
			if cfg.CtxSize > 0 {
				args = append(args, "-c", strconv.Itoa(cfg.CtxSize))
			}
			if cfg.GPULayers > 0 {
				args = append(args, "-ngl", strconv.Itoa(cfg.GPULayers))
			}
			if cfg.Threads > 0 {
				args = append(args, "-t", strconv.Itoa(cfg.Threads))
			}
			if cfg.Parallel > 1 {
				args = append(args, "-np", strconv.Itoa(cfg.Parallel))
			}
			return append(args, cfg.ExtraArgs...)
		},
	}
	p, err := spawnProc(ctx, pc, b.client, b.log)
	if err != nil {
		return nil, loadErr(desc.ID, err)
	}
	est := desc.EstimatedBytes
	if est <= 0 {
		est = fsutil.Size(desc.Path)
	}
	return &serverHandle{
		engine:          b.Name(),
		modelID:         desc.ID,
		proc:            p,
		client:          b.client,
		estimate:        est,
		kvBytesPerToken: cfg.KVBytesPerToken,
		threadSafe:      cfg.Parallel > 1,
		cachePrompt:     true,
		log:             b.log,
	}, nil
}
