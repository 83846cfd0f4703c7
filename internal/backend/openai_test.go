package backend

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

// newTestServerHandle wires a serverHandle to an in-process fake engine.
func newTestServerHandle(t *testing.T, h http.HandlerFunc) (*serverHandle, *completionRequest) {
	t.Helper()
	var last completionRequest
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/completions", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewDecoder(r.Body).Decode(&last)
		h(w, r)
	})
	ts := httptest.NewServer(mux)
	t.Cleanup(ts.Close)
	p := &proc{baseURL: ts.URL, exited: make(chan struct{}), log: zerolog.Nop()}
	return &serverHandle{
		engine:          "fake",
		modelID:         "m",
		proc:            p,
		client:          &http.Client{},
		estimate:        1 << 20,
		kvBytesPerToken: 10,
		cachePrompt:     true,
		log:             zerolog.Nop(),
	}, &last
}

func sse(w http.ResponseWriter, frags ...string) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.WriteHeader(http.StatusOK)
	for i, f := range frags {
		finish := ""
		if i == len(frags)-1 {
			finish = "stop"
		}
		fmt.Fprintf(w, "data: {\"choices\":[{\"text\":%q,\"finish_reason\":%q}]}\n\n", f, finish)
		if fl, ok := w.(http.Flusher); ok {
			fl.Flush()
		}
	}
	fmt.Fprint(w, "data: [DONE]\n\n")
}

func TestServerHandleStreamsTokensAndStoresKV(t *testing.T) {
	h, last := newTestServerHandle(t, func(w http.ResponseWriter, r *http.Request) {
		sse(w, "Hel", "lo")
	})
	kv := &KVState{}
	s, err := h.Generate(context.Background(), "hi ", Params{MaxTokens: 4}, kv)
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	defer s.Close()
	out, err := collect(t, s)
	if !errors.Is(err, io.EOF) {
		t.Fatalf("expected EOF, got %v", err)
	}
	if out != "Hello" {
		t.Fatalf("content: %q", out)
	}
	if !last.Stream || !last.CachePrompt || last.MaxTokens != 4 {
		t.Fatalf("unexpected request: %+v", *last)
	}
	if string(kv.Blob) != "hi Hello" {
		t.Fatalf("kv blob: %q", kv.Blob)
	}
	if kv.Size != int64(estimateTokens("hi Hello"))*10 {
		t.Fatalf("kv size: %d", kv.Size)
	}
}

func TestServerHandleDeltaContent(t *testing.T) {
	h, _ := newTestServerHandle(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "data: {\"choices\":[{\"delta\":{\"content\":\"A\"}}]}\n")
		fmt.Fprint(w, ": keepalive\n")
		fmt.Fprint(w, "data: {\"choices\":[{\"delta\":{\"content\":\"B\"}}]}\n")
	})
	s, err := h.Generate(context.Background(), "p", Params{}, nil)
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	defer s.Close()
	out, err := collect(t, s)
	if !errors.Is(err, io.EOF) || out != "AB" {
		t.Fatalf("got %q %v", out, err)
	}
}

func TestServerHandleHTTPError(t *testing.T) {
	h, _ := newTestServerHandle(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "context full", http.StatusBadRequest)
	})
	_, err := h.Generate(context.Background(), "p", Params{}, nil)
	if !IsBackendError(err) || IsFatal(err) {
		t.Fatalf("expected non-fatal backend error, got %v", err)
	}
}

func TestServerHandleDeadProcessIsFatal(t *testing.T) {
	h, _ := newTestServerHandle(t, func(w http.ResponseWriter, r *http.Request) {})
	close(h.proc.exited)
	_, err := h.Generate(context.Background(), "p", Params{}, nil)
	if !IsFatal(err) {
		t.Fatalf("expected fatal backend error, got %v", err)
	}
}

func TestServerHandleAbortMidStream(t *testing.T) {
	release := make(chan struct{})
	h, _ := newTestServerHandle(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "data: {\"choices\":[{\"text\":\"x\"}]}\n")
		w.(http.Flusher).Flush()
		select {
		case <-r.Context().Done():
		case <-release:
		}
	})
	defer close(release)
	ctx, cancel := context.WithCancelCause(context.Background())
	kv := &KVState{}
	s, err := h.Generate(ctx, "p", Params{}, kv)
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	defer s.Close()
	if tok, err := s.Next(); err != nil || tok.Text != "x" {
		t.Fatalf("first token: %v %v", tok, err)
	}
	time.AfterFunc(20*time.Millisecond, func() { cancel(ErrAborted) })
	_, err = s.Next()
	if !IsAborted(err) {
		t.Fatalf("expected aborted, got %v", err)
	}
	if kv.Blob != nil {
		t.Fatalf("aborted generation must not store kv state")
	}
}

func TestServerHandleFootprintFallsBackToEstimate(t *testing.T) {
	h, _ := newTestServerHandle(t, func(w http.ResponseWriter, r *http.Request) {})
	h.proc.pid = -1
	if got := h.MemoryFootprint(); got != 1<<20 {
		t.Fatalf("footprint: %d", got)
	}
}
