package types

import (
	"strings"
	"time"
)

// Format tags the native engine family a model's weights are meant for.
type Format string

const (
	// FormatGGUF is a single-file llama.cpp model.
	FormatGGUF Format = "gguf"
	// FormatMLX is an Apple MLX model directory (config.json + *.safetensors).
	FormatMLX Format = "mlx"
)

// ParseFormat normalizes a declared format tag. Unknown tags are kept as-is so
// that the dispatcher can reject them with a typed error.
func ParseFormat(s string) Format {
	return Format(strings.ToLower(strings.TrimSpace(s)))
}

// Capability is something a model can be asked to do.
type Capability string

const (
	CapChat       Capability = "chat"
	CapCompletion Capability = "completion"
	CapEmbedding  Capability = "embedding"
)

// ModelDescriptor is the static, immutable metadata of a discoverable model.
type ModelDescriptor struct {
	// Stable identifier for the model.
	// example: tinyllama-q4.gguf
	ID string `json:"id" yaml:"id" toml:"id" example:"tinyllama-q4.gguf"`
	// Absolute path to the model file or directory on disk.
	// example: /home/user/models/TinyLlama.Q4_K_M.gguf
	Path string `json:"path" yaml:"path" toml:"path" example:"/home/user/models/TinyLlama.Q4_K_M.gguf"`
	// Declared weight format; selects the backend.
	// example: gguf
	Format Format `json:"format" yaml:"format" toml:"format" example:"gguf"`
	// What the model can serve.
	// example: ["chat","completion"]
	Capabilities []Capability `json:"capabilities" yaml:"capabilities" toml:"capabilities"`
	// Declared memory footprint estimate in bytes.
	// example: 668000000
	EstimatedBytes int64 `json:"estimated_bytes" yaml:"estimated_bytes" toml:"estimated_bytes" example:"668000000"`
}

// Has reports whether the descriptor declares capability c.
func (d ModelDescriptor) Has(c Capability) bool {
	for _, x := range d.Capabilities {
		if x == c {
			return true
		}
	}
	return false
}

// CanGenerate reports whether the model serves text generation.
func (d ModelDescriptor) CanGenerate() bool {
	return d.Has(CapChat) || d.Has(CapCompletion)
}

// BenchmarkRecord is one measured generation. Records are append-only.
type BenchmarkRecord struct {
	// example: tinyllama-q4.gguf
	ModelID string `json:"model_id" example:"tinyllama-q4.gguf"`
	// Hardware state at measurement time (free memory, thermal state, power profile).
	Hardware map[string]string `json:"hardware"`
	// example: 128
	TokensGenerated int `json:"tokens_generated" example:"128"`
	// Wall-clock duration of the generation.
	Duration time.Duration `json:"duration_ns"`
	// Latency from request start to the first token.
	FirstTokenLatency time.Duration `json:"first_token_latency_ns"`
	// When the generation finished.
	Timestamp time.Time `json:"timestamp"`
}

// TokensPerSecond derives throughput; zero when no time elapsed.
func (r BenchmarkRecord) TokensPerSecond() float64 {
	if r.Duration <= 0 {
		return 0
	}
	return float64(r.TokensGenerated) / r.Duration.Seconds()
}
