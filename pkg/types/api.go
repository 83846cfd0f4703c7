package types

// GenerateRequest represents an inference request payload.
type GenerateRequest struct {
	// Optional model identifier. If empty, the server default is used.
	// example: tinyllama-q4.gguf
	Model string `json:"model,omitempty" example:"tinyllama-q4.gguf"`
	// Optional conversation identifier. Reusing it lets the server reuse cached attention state.
	// When empty, the server generates one and reports it back.
	// example: 3f2b9c1e-2d1a-4a55-9a0e-6f1d8f7f2b10
	ConversationID string `json:"conversation_id,omitempty" example:"3f2b9c1e-2d1a-4a55-9a0e-6f1d8f7f2b10"`
	// Required prompt text to generate a completion for.
	// example: Write a haiku about the ocean.
	Prompt string `json:"prompt" example:"Write a haiku about the ocean."`
	// If true, stream results as NDJSON tokens; otherwise return a single JSON completion.
	// example: true
	Stream bool `json:"stream,omitempty" example:"true"`
	// Maximum number of new tokens to generate.
	// example: 128
	MaxTokens int `json:"max_tokens,omitempty" example:"128"`
	// Sampling temperature (higher = more random).
	// example: 0.7
	Temperature float64 `json:"temperature,omitempty" example:"0.7"`
	// Nucleus sampling probability.
	// example: 0.9
	TopP float64 `json:"top_p,omitempty" example:"0.9"`
	// Top-K sampling: limit candidates to top K tokens.
	// example: 40
	TopK int `json:"top_k,omitempty" example:"40"`
	// Optional stop sequences. Generation stops when any sequence is matched.
	// example: ["\n\n","END"]
	Stop []string `json:"stop,omitempty" example:"[\"\\n\\n\",\"END\"]"`
	// Random seed for reproducibility; 0 or omitted lets the server choose.
	// example: 42
	Seed int64 `json:"seed,omitempty" example:"42"`
	// Repeat penalty applied by llama engines.
	// example: 1.1
	RepeatPenalty float64 `json:"repeat_penalty,omitempty" example:"1.1"`
}

// Completion is the buffered result of a non-streaming generation.
type Completion struct {
	// example: tinyllama-q4.gguf
	Model string `json:"model" example:"tinyllama-q4.gguf"`
	// example: 3f2b9c1e-2d1a-4a55-9a0e-6f1d8f7f2b10
	ConversationID string `json:"conversation_id" example:"3f2b9c1e-2d1a-4a55-9a0e-6f1d8f7f2b10"`
	// example: The sea breathes slow
	Content string `json:"content" example:"The sea breathes slow"`
	// example: 12
	Tokens int `json:"tokens" example:"12"`
	// example: stop
	FinishReason string `json:"finish_reason" example:"stop"`
}

// ModelsResponse wraps the list of models returned by GET /models.
type ModelsResponse struct {
	// List of registered models.
	Models []ModelDescriptor `json:"models"`
}

// BenchmarksResponse wraps GET /benchmarks/{model}.
type BenchmarksResponse struct {
	ModelID string            `json:"model_id"`
	Records []BenchmarkRecord `json:"records"`
}

// ErrorResponse is a consistent JSON error payload.
type ErrorResponse struct {
	// Error message.
	// example: invalid JSON body
	Error string `json:"error" example:"invalid JSON body"`
	// HTTP status code.
	// example: 400
	Code int `json:"code" example:"400"`
}

// InstanceStatus summarizes one model's lifecycle for /status.
type InstanceStatus struct {
	// ID of the model this instance serves.
	// example: tinyllama-q4.gguf
	ModelID string `json:"model_id" example:"tinyllama-q4.gguf"`
	// Instance identifier; empty when the model is not loaded.
	// example: 0d3c0b9e-3a8d-4f0e-9d6f-0e7c1a2b3c4d
	InstanceID string `json:"instance_id,omitempty"`
	// Current lifecycle state (unloaded, loading, loaded, warming, ready, unloading, error).
	// example: ready
	State string `json:"state" example:"ready"`
	// Warm state (cold, warming, warm).
	// example: warm
	Warm string `json:"warm" example:"warm"`
	// When the backend finished loading (unix seconds).
	// example: 1700000000
	LoadedAt int64 `json:"loaded_at_unix,omitempty" example:"1700000000"`
	// Last time this instance served a request (unix seconds).
	// example: 1700000000
	LastUsed int64 `json:"last_used_unix,omitempty" example:"1700000000"`
	// Measured (or estimated) memory footprint in bytes.
	// example: 700000000
	MemoryBytes int64 `json:"memory_bytes" example:"700000000"`
	// Current queue length for incoming requests.
	// example: 0
	QueueLen int `json:"queue_len" example:"0"`
	// Number of in-flight generations.
	// example: 1
	Inflight int `json:"inflight" example:"1"`
	// Maximum queued requests allowed before backpressure triggers.
	// example: 32
	MaxQueueDepth int `json:"max_queue_depth" example:"32"`
	// Number of cached conversations owned by this instance.
	// example: 3
	CachedConversations int `json:"cached_conversations" example:"3"`
	// Cold-vs-warm first token latency delta recorded by warmup, in milliseconds.
	// example: 850
	WarmupDeltaMS int64 `json:"warmup_delta_ms,omitempty" example:"850"`
	// Error that moved the instance to the error state.
	Error string `json:"error,omitempty"`
}

// CacheStats summarizes the KV cache.
type CacheStats struct {
	// example: 4
	Entries int `json:"entries" example:"4"`
	// example: 1048576
	Bytes int64 `json:"bytes" example:"1048576"`
	// example: 268435456
	BudgetBytes int64 `json:"budget_bytes" example:"268435456"`
	// example: 2
	Evictions uint64 `json:"evictions" example:"2"`
}

// TelemetryStatus is the last sample seen by the memory and thermal guard.
type TelemetryStatus struct {
	// example: 4294967296
	FreeMemoryBytes uint64 `json:"free_memory_bytes" example:"4294967296"`
	// example: nominal
	ThermalState string `json:"thermal_state" example:"nominal"`
	// example: normal
	PowerProfile string `json:"power_profile" example:"normal"`
	// example: 1700000000
	SampledAt int64 `json:"sampled_at_unix,omitempty" example:"1700000000"`
}

// StatusResponse is returned by GET /status.
type StatusResponse struct {
	// All registered models with their lifecycle state.
	Instances []InstanceStatus `json:"instances"`
	// Model memory budget in bytes (0 = unlimited).
	// example: 17179869184
	BudgetBytes int64 `json:"budget_bytes" example:"17179869184"`
	// Sum of loaded instance footprints in bytes.
	// example: 2147483648
	UsedBytes int64 `json:"used_bytes" example:"2147483648"`
	// KV cache statistics.
	Cache CacheStats `json:"cache"`
	// Last telemetry sample.
	Telemetry TelemetryStatus `json:"telemetry"`
	// True while the guard rejects new loads and generations.
	// example: false
	ResourceExhausted bool `json:"resource_exhausted" example:"false"`
	// Why the guard entered the exhausted condition.
	ExhaustedReason string `json:"exhausted_reason,omitempty"`
	// Uptime of the server in seconds.
	// example: 3600
	UptimeSeconds int64 `json:"uptime_seconds" example:"3600"`
	// Server time in unix seconds.
	// example: 1700000000
	ServerTimeUnix int64 `json:"server_time_unix" example:"1700000000"`
	// Total number of instances unloaded by eviction (budget or guard).
	// example: 5
	EvictionsTotal uint64 `json:"evictions_total" example:"5"`
	// Total number of successful model loads.
	// example: 12
	LoadsTotal uint64 `json:"loads_total" example:"12"`
	// Number of instances currently warming up.
	// example: 1
	WarmupsInProgress int `json:"warmups_in_progress" example:"1"`
	// Number of instances currently unloading.
	// example: 0
	UnloadingCount int `json:"unloading_count" example:"0"`
}

// StreamChunk is one NDJSON line of a streamed /infer response. The last
// line carries Done, and Error when the generation failed midway.
type StreamChunk struct {
	// example: tinyllama-q4.gguf
	Model string `json:"model,omitempty" example:"tinyllama-q4.gguf"`
	// example: 3f2b9c1e-2d1a-4a55-9a0e-6f1d8f7f2b10
	ConversationID string `json:"conversation_id,omitempty"`
	// example: The
	Delta string `json:"delta,omitempty" example:"The"`
	// example: 0
	Index int `json:"index"`
	// example: false
	Done bool `json:"done,omitempty" example:"false"`
	// Total tokens generated; set on the final line.
	Tokens int `json:"tokens,omitempty"`
	// example: stop
	FinishReason string `json:"finish_reason,omitempty"`
	Error        string `json:"error,omitempty"`
}

// SwitchResponse is returned by an asynchronous load.
type SwitchResponse struct {
	// example: tinyllama-q4.gguf
	ModelID string `json:"model_id" example:"tinyllama-q4.gguf"`
	// Operation id echoed by the switch_done/switch_failed events.
	// example: op-7
	OpID string `json:"op_id" example:"op-7"`
}

// RescanResponse lists descriptors added and removed by a registry rescan.
type RescanResponse struct {
	Added   []string `json:"added"`
	Removed []string `json:"removed"`
}
