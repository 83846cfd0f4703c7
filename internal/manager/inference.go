package manager

import (
	"context"
	"errors"
	"io"
	"strings"

	"github.com/google/uuid"

	"lifecycled/internal/backend"
	"lifecycled/internal/bench"
	"lifecycled/internal/kvcache"
	"lifecycled/pkg/types"
)

// Generate starts a streaming generation. It loads the model when needed,
// waits for an admission slot and hands the engine the conversation's cached
// state. The caller must drain the stream to io.EOF or Close it.
func (m *Manager) Generate(ctx context.Context, req types.GenerateRequest) (*Stream, error) {
	inst, err := m.ensureInstance(ctx, req.Model)
	if err != nil {
		return nil, err
	}
	if !inst.desc.CanGenerate() {
		return nil, &UnsupportedCapabilityError{ModelID: inst.ModelID, Capability: string(types.CapCompletion)}
	}
	release, err := m.beginGeneration(ctx, inst)
	if err != nil {
		return nil, err
	}

	convID := req.ConversationID
	if convID == "" {
		convID = uuid.NewString()
	}
	ch := m.cache.GetOrCreate(inst.ID, convID)
	kv := m.cache.State(ch)
	sample := m.bench.Start(inst.ModelID, m.hardwareSnapshot(inst))

	gctx, stop := m.instanceContext(ctx, inst)
	ts, err := inst.handle.Generate(gctx, req.Prompt, paramsFrom(req), kv)
	if err != nil {
		stop()
		m.cache.Release(ch)
		release()
		generationsTotal.WithLabelValues("error").Inc()
		if backend.IsFatal(err) {
			m.failInstance(inst, err)
		}
		return nil, err
	}
	m.log.Debug().Str("event", "generate_start").Str("model", inst.ModelID).Str("instance", inst.ID).
		Str("conversation", convID).Bool("kv_hit", len(kv.Blob) > 0).Msg("manager")
	return &Stream{
		m:       m,
		inst:    inst,
		convID:  convID,
		ts:      ts,
		cacheH:  ch,
		kv:      kv,
		sample:  sample,
		release: func() { stop(); release() },
	}, nil
}

// instanceContext derives a generation context that also ends, with the
// instance's cancel cause, when the instance is force-unloaded.
func (m *Manager) instanceContext(parent context.Context, inst *Instance) (context.Context, func()) {
	ctx, cancel := context.WithCancelCause(parent)
	stopAfter := context.AfterFunc(inst.ctx, func() { cancel(context.Cause(inst.ctx)) })
	return ctx, func() {
		stopAfter()
		cancel(context.Canceled)
	}
}

// Complete runs a generation to completion and returns the buffered text.
func (m *Manager) Complete(ctx context.Context, req types.GenerateRequest) (types.Completion, error) {
	s, err := m.Generate(ctx, req)
	if err != nil {
		return types.Completion{}, err
	}
	defer s.Close()
	var b strings.Builder
	finish := ""
	for {
		tok, err := s.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return types.Completion{}, err
		}
		b.WriteString(tok.Text)
		if tok.FinishReason != "" {
			finish = tok.FinishReason
		}
	}
	if finish == "" {
		finish = "stop"
		if req.MaxTokens > 0 && s.Tokens() >= req.MaxTokens {
			finish = "length"
		}
	}
	return types.Completion{
		Model:          s.ModelID(),
		ConversationID: s.ConversationID(),
		Content:        b.String(),
		Tokens:         s.Tokens(),
		FinishReason:   finish,
	}, nil
}

// Stream is one in-progress generation. It is not safe for concurrent use.
type Stream struct {
	m       *Manager
	inst    *Instance
	convID  string
	ts      backend.TokenStream
	cacheH  *kvcache.Handle
	kv      *backend.KVState
	sample  *bench.Sample
	release func()
	tokens  int
	done    bool
}

// ModelID returns the model serving the stream.
func (s *Stream) ModelID() string { return s.inst.ModelID }

// InstanceID returns the instance serving the stream.
func (s *Stream) InstanceID() string { return s.inst.ID }

// ConversationID returns the conversation id, generated when the request
// carried none.
func (s *Stream) ConversationID() string { return s.convID }

// Tokens returns how many tokens were yielded so far.
func (s *Stream) Tokens() int { return s.tokens }

// Next returns the next token, io.EOF after the last one, or the error that
// ended the stream.
func (s *Stream) Next() (backend.Token, error) {
	if s.done {
		return backend.Token{}, io.EOF
	}
	tok, err := s.ts.Next()
	if err == nil {
		if s.tokens == 0 {
			s.sample.FirstToken()
		}
		s.tokens++
		tokensTotal.Inc()
		s.m.cache.Touch(s.cacheH)
		return tok, nil
	}
	if errors.Is(err, io.EOF) {
		// The engine wrote the new state into kv before reporting EOF.
		if !s.m.cache.Update(s.cacheH, s.kv.Blob, s.kv.AccountedSize()) {
			s.m.log.Debug().Str("event", "cache_update_discarded").Str("conversation", s.convID).Msg("manager")
		}
		s.sample.Finish(s.tokens)
		s.end("ok")
		return backend.Token{}, io.EOF
	}
	s.end("error")
	if backend.IsFatal(err) {
		s.m.failInstance(s.inst, err)
	}
	return backend.Token{}, err
}

// Close stops the generation early. The cached entry is kept; only its
// in-use mark is cleared. Closing a finished stream is a no-op.
func (s *Stream) Close() error {
	if s.done {
		return nil
	}
	return s.end("canceled")
}

// end closes the engine stream so its connection can be reused, then frees
// the cache entry and the generation slot.
func (s *Stream) end(outcome string) error {
	s.done = true
	err := s.ts.Close()
	s.m.cache.Release(s.cacheH)
	s.release()
	generationsTotal.WithLabelValues(outcome).Inc()
	return err
}

// paramsFrom converts request sampling fields into engine params.
func paramsFrom(req types.GenerateRequest) backend.Params {
	return backend.Params{
		Temperature:   float32(req.Temperature),
		TopP:          float32(req.TopP),
		TopK:          req.TopK,
		MaxTokens:     req.MaxTokens,
		Stop:          req.Stop,
		Seed:          int(req.Seed),
		RepeatPenalty: float32(req.RepeatPenalty),
	}
}
