package backend

// LlamaConfig configures the in-process llama.cpp engine.
type LlamaConfig struct {
	CtxSize         int
	Threads         int
	GPULayers       int
	KVBytesPerToken int64
}

func zn(v, def int) int {
	if v > 0 {
		return v
	}
	return def
}

func zf(v, def float32) float32 {
	if v > 0 {
		return v
	}
	return def
}
