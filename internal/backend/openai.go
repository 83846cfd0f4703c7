package backend

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// completionRequest is the OpenAI-compatible /v1/completions payload spoken by
// both llama-server and mlx_lm.server.
type completionRequest struct {
	Model         string   `json:"model,omitempty"`
	Prompt        string   `json:"prompt"`
	MaxTokens     int      `json:"max_tokens,omitempty"`
	Temperature   float32  `json:"temperature,omitempty"`
	TopP          float32  `json:"top_p,omitempty"`
	TopK          int      `json:"top_k,omitempty"`
	Stop          []string `json:"stop,omitempty"`
	Seed          int      `json:"seed,omitempty"`
	Stream        bool     `json:"stream"`
	RepeatPenalty float32  `json:"repeat_penalty,omitempty"`
	CachePrompt   bool     `json:"cache_prompt,omitempty"`
}

type streamChunk struct {
	Choices []struct {
		Text  string `json:"text"`
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
}

// serverHandle is a model served by a supervised engine process over HTTP.
type serverHandle struct {
	engine          string
	modelID         string
	modelField      string
	proc            *proc
	client          *http.Client
	estimate        int64
	kvBytesPerToken int64
	threadSafe      bool
	cachePrompt     bool
	unloadOnce      sync.Once
	log             zerolog.Logger
}

func (h *serverHandle) ThreadSafe() bool { return h.threadSafe }

func (h *serverHandle) MemoryFootprint() int64 {
	if rss, ok := residentBytes(h.proc.pid); ok && rss > 0 {
		return rss
	}
	return h.estimate
}

func (h *serverHandle) Unload() error {
	h.unloadOnce.Do(func() {
		h.proc.stop(2 * time.Second)
		h.log.Info().Str("event", "unload").Str("model", h.modelID).Msg("backend")
	})
	return nil
}

func (h *serverHandle) Generate(ctx context.Context, prompt string, params Params, kv *KVState) (TokenStream, error) {
	if !h.proc.alive() {
		return nil, &BackendError{Cause: fmt.Errorf("%s process exited", h.engine), Fatal: true}
	}
	payload := completionRequest{
		Model:         h.modelField,
		Prompt:        prompt,
		MaxTokens:     params.MaxTokens,
		Temperature:   params.Temperature,
		TopP:          params.TopP,
		TopK:          params.TopK,
		Stop:          params.Stop,
		Seed:          params.Seed,
		Stream:        true,
		RepeatPenalty: params.RepeatPenalty,
		CachePrompt:   h.cachePrompt && kv != nil,
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, &BackendError{Cause: err}
	}
	sctx, cancel := context.WithCancel(ctx)
	req, err := http.NewRequestWithContext(sctx, http.MethodPost, h.proc.baseURL+"/v1/completions", bytes.NewReader(body))
	if err != nil {
		cancel()
		return nil, &BackendError{Cause: err}
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := h.client.Do(req)
	if err != nil {
		cancel()
		if ctx.Err() != nil {
			return nil, streamErr(ctx, err)
		}
		return nil, &BackendError{Cause: err, Fatal: !h.proc.alive()}
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		_ = resp.Body.Close()
		cancel()
		return nil, &BackendError{Cause: fmt.Errorf("%s http error: %s: %s", h.engine, resp.Status, strings.TrimSpace(string(b)))}
	}
	return &sseStream{
		ctx:             sctx,
		cancel:          cancel,
		body:            resp.Body,
		r:               bufio.NewReader(resp.Body),
		h:               h,
		prompt:          prompt,
		kv:              kv,
		kvBytesPerToken: h.kvBytesPerToken,
	}, nil
}

// sseStream reads an OpenAI server-sent-events completion one token at a time.
type sseStream struct {
	ctx             context.Context
	cancel          context.CancelFunc
	body            io.ReadCloser
	r               *bufio.Reader
	h               *serverHandle
	prompt          string
	kv              *KVState
	kvBytesPerToken int64
	out             strings.Builder
	idx             int
	finish          string
	ended           bool
	closeOnce       sync.Once
}

func (s *sseStream) Next() (Token, error) {
	if s.ended {
		return Token{}, io.EOF
	}
	for {
		line, err := s.r.ReadString('\n')
		if l := strings.TrimSpace(line); l != "" && strings.HasPrefix(strings.ToLower(l), "data:") {
			data := strings.TrimSpace(l[len("data:"):])
			if data == "[DONE]" {
				return s.end()
			}
			var msg streamChunk
			if e := json.Unmarshal([]byte(data), &msg); e == nil && len(msg.Choices) > 0 {
				c := msg.Choices[0]
				if c.FinishReason != "" {
					s.finish = c.FinishReason
				}
				frag := c.Text
				if frag == "" {
					frag = c.Delta.Content
				}
				if frag != "" {
					s.out.WriteString(frag)
					t := Token{Text: frag, Index: s.idx, FinishReason: c.FinishReason}
					s.idx++
					return t, nil
				}
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) && s.ctx.Err() == nil {
				return s.end()
			}
			s.ended = true
			if s.ctx.Err() != nil {
				return Token{}, streamErr(s.ctx, err)
			}
			return Token{}, &BackendError{Cause: err, Fatal: !s.h.proc.alive()}
		}
	}
}

// end records the evaluated prefix into the conversation state. The engine
// keeps the real attention state; the blob lets the next turn's prompt share
// a prefix that cache_prompt can reuse.
func (s *sseStream) end() (Token, error) {
	s.ended = true
	if s.kv != nil {
		evaluated := s.prompt + s.out.String()
		s.kv.Blob = []byte(evaluated)
		s.kv.Size = int64(estimateTokens(evaluated)) * s.kvBytesPerToken
	}
	return Token{}, io.EOF
}

func (s *sseStream) Close() error {
	s.closeOnce.Do(func() {
		s.cancel()
		_ = s.body.Close()
	})
	return nil
}
