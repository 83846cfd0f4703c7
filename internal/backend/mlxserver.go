package backend

import (
	"context"
	"net/http"
	"strconv"

	"github.com/rs/zerolog"

	"lifecycled/internal/common/fsutil"
	"lifecycled/pkg/types"
)

// MLXServerConfig configures the Apple MLX engine (mlx_lm.server).
type MLXServerConfig struct {
	Bin             string
	Host            string
	PortStart       int
	PortEnd         int
	ExtraArgs       []string
	KVBytesPerToken int64
}

// mlxServerBackend serves mlx model directories through mlx_lm.server, which
// speaks the same OpenAI completion protocol as llama-server.
type mlxServerBackend struct {
	cfg    MLXServerConfig
	client *http.Client
	log    zerolog.Logger
}

// NewMLXServer returns an mlx backend.
func NewMLXServer(cfg MLXServerConfig, log zerolog.Logger) Backend {
	return &mlxServerBackend{cfg: cfg, client: &http.Client{Timeout: 0}, log: log.With().Str("component", "backend").Logger()}
}

func (b *mlxServerBackend) Name() string         { return "mlx-lm" }
func (b *mlxServerBackend) Format() types.Format { return types.FormatMLX }

func (b *mlxServerBackend) Check() error {
	_, err := lookupBin(b.cfg.Bin, "mlx_lm.server")
	return err
}

func (b *mlxServerBackend) Load(ctx context.Context, desc types.ModelDescriptor) (Handle, error) {
	bin, err := lookupBin(b.cfg.Bin, "mlx_lm.server")
	if err != nil {
		return nil, loadErr(desc.ID, err)
	}
	extra := b.cfg.ExtraArgs
	pc := procConfig{
		Engine:     b.Name(),
		Bin:        bin,
		Host:       b.cfg.Host,
		PortStart:  b.cfg.PortStart,
		PortEnd:    b.cfg.PortEnd,
		HealthPath: "/v1/models",
		Args: func(host string, port int) []string {
			args := []string{"--model", desc.Path, "--host", host, "--port", strconv.Itoa(port)}
			return append(args, extra...)
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
		modelField:      desc.Path,
		proc:            p,
		client:          b.client,
		estimate:        est,
		kvBytesPerToken: b.cfg.KVBytesPerToken,
		// mlx_lm.server handles one request at a time.
		threadSafe: false,
		log:        b.log,
	}, nil
}
