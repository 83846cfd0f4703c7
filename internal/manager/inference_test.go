package manager

import (
	"context"
	"errors"
	"testing"
	"time"

	"lifecycled/internal/backend"
	"lifecycled/internal/backend/backendtest"
	"lifecycled/pkg/types"
)

func TestGenerateLoadsOnDemandAndStreams(t *testing.T) {
	h := newHarness(t, nil, gguf("a"))
	s, err := h.m.Generate(context.Background(), types.GenerateRequest{Model: "a", Prompt: "hi"})
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if got := drain(t, s); got != "hello world from fake" {
		t.Fatalf("text = %q", got)
	}
	if s.ConversationID() == "" {
		t.Fatalf("no conversation id assigned")
	}
	if s.Tokens() != 4 {
		t.Fatalf("tokens = %d, want 4", s.Tokens())
	}
	if st := mustStatus(t, h.m, "a"); st.Inflight != 0 || st.QueueLen != 0 {
		t.Fatalf("slots not released: %+v", st)
	}
}

func TestCompleteBuffersText(t *testing.T) {
	h := newHarness(t, nil, gguf("a"))
	c, err := h.m.Complete(context.Background(), types.GenerateRequest{Model: "a", Prompt: "hi", MaxTokens: 2})
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if c.Content != "hello world" || c.Tokens != 2 || c.FinishReason != "stop" {
		t.Fatalf("completion = %+v", c)
	}
	c, err = h.m.Complete(context.Background(), types.GenerateRequest{Model: "a", Prompt: "hi", MaxTokens: 10})
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if c.Tokens != 4 || c.FinishReason != "stop" {
		t.Fatalf("completion = %+v", c)
	}
}

func TestConversationReusesCachedState(t *testing.T) {
	h := newHarness(t, nil, gguf("a"))
	ctx := context.Background()
	for _, p := range []string{"first ", "second "} {
		s, err := h.m.Generate(ctx, types.GenerateRequest{Model: "a", ConversationID: "c1", Prompt: p})
		if err != nil {
			t.Fatalf("Generate: %v", err)
		}
		drain(t, s)
	}
	seen := h.fake.Handles()[0].SeenState()
	if len(seen) != 2 {
		t.Fatalf("generations = %d, want 2", len(seen))
	}
	if len(seen[0]) != 0 {
		t.Fatalf("first turn saw state %q, want none", seen[0])
	}
	if got, want := string(seen[1]), "first hello world from fake"; got != want {
		t.Fatalf("second turn state = %q, want %q", got, want)
	}
	if st := mustStatus(t, h.m, "a"); st.CachedConversations != 1 {
		t.Fatalf("cached conversations = %d, want 1", st.CachedConversations)
	}
}

func TestUnloadDropsCacheAndReloadMisses(t *testing.T) {
	h := newHarness(t, nil, gguf("a"))
	ctx := context.Background()
	s, err := h.m.Generate(ctx, types.GenerateRequest{Model: "a", ConversationID: "c1", Prompt: "p"})
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	drain(t, s)
	first := s.InstanceID()
	if n := h.m.Cache().Stats().Entries; n != 1 {
		t.Fatalf("entries = %d, want 1", n)
	}
	if err := h.m.UnloadModel(ctx, "a"); err != nil {
		t.Fatalf("UnloadModel: %v", err)
	}
	if n := h.m.Cache().Stats().Entries; n != 0 {
		t.Fatalf("entries after unload = %d, want 0", n)
	}

	s, err = h.m.Generate(ctx, types.GenerateRequest{Model: "a", ConversationID: "c1", Prompt: "q"})
	if err != nil {
		t.Fatalf("Generate after reload: %v", err)
	}
	drain(t, s)
	if s.InstanceID() == first {
		t.Fatalf("reload reused instance id")
	}
	hs := h.fake.Handles()
	if seen := hs[len(hs)-1].SeenState(); len(seen) != 1 || len(seen[0]) != 0 {
		t.Fatalf("new instance saw stale state: %q", seen)
	}
}

func TestCloseKeepsEntryAndReleasesSlot(t *testing.T) {
	h := newHarness(t, nil, gguf("a"))
	ctx := context.Background()
	s, err := h.m.Generate(ctx, types.GenerateRequest{Model: "a", ConversationID: "c1", Prompt: "p"})
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if _, err := s.Next(); err != nil {
		t.Fatalf("Next: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
	if got := h.fake.Handles()[0].StreamsClosed(); got != 1 {
		t.Fatalf("engine streams closed = %d, want 1", got)
	}
	if n := h.m.Cache().Stats().Entries; n != 1 {
		t.Fatalf("entries = %d, want 1", n)
	}
	if st := mustStatus(t, h.m, "a"); st.Inflight != 0 || st.QueueLen != 0 {
		t.Fatalf("slots not released: %+v", st)
	}
	// The conversation is usable again.
	s, err = h.m.Generate(ctx, types.GenerateRequest{Model: "a", ConversationID: "c1", Prompt: "p"})
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	drain(t, s)
}

func TestGenerateRejectsEmbeddingOnlyModel(t *testing.T) {
	d := gguf("emb")
	d.Capabilities = []types.Capability{types.CapEmbedding}
	h := newHarness(t, nil, d)
	_, err := h.m.Generate(context.Background(), types.GenerateRequest{Model: "emb", Prompt: "p"})
	if !IsUnsupportedCapability(err) {
		t.Fatalf("err = %v, want UnsupportedCapability", err)
	}
}

func TestQueueFullIsTooBusy(t *testing.T) {
	h := newHarness(t, func(c *ManagerConfig) {
		c.MaxQueueDepth = 1
		c.MaxWait = 50 * time.Millisecond
	}, gguf("a"))
	block := make(chan struct{})
	h.fake.Set(func(f *backendtest.Fake) { f.Block = block })
	ctx := context.Background()
	s, err := h.m.Generate(ctx, types.GenerateRequest{Model: "a", Prompt: "p"})
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	_, err = h.m.Generate(ctx, types.GenerateRequest{Model: "a", Prompt: "p"})
	if !IsTooBusy(err) || TooBusyReason(err) != "queue_full" {
		t.Fatalf("err = %v, want queue_full TooBusy", err)
	}
	close(block)
	drain(t, s)
}

func TestQueuedRequestTimesOutWaitingForSlot(t *testing.T) {
	h := newHarness(t, func(c *ManagerConfig) {
		c.MaxQueueDepth = 4
		c.MaxWait = 50 * time.Millisecond
	}, gguf("a"))
	block := make(chan struct{})
	h.fake.Set(func(f *backendtest.Fake) { f.Block = block })
	ctx := context.Background()
	s, err := h.m.Generate(ctx, types.GenerateRequest{Model: "a", Prompt: "p"})
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	_, err = h.m.Generate(ctx, types.GenerateRequest{Model: "a", Prompt: "p"})
	if !IsTooBusy(err) || TooBusyReason(err) != "queue_wait" {
		t.Fatalf("err = %v, want queue_wait TooBusy", err)
	}
	close(block)
	drain(t, s)
	if st := mustStatus(t, h.m, "a"); st.QueueLen != 0 {
		t.Fatalf("queue slot leaked: %+v", st)
	}
}

func TestSameInstanceGenerationsSerialize(t *testing.T) {
	h := newHarness(t, nil, gguf("a"))
	block := make(chan struct{})
	h.fake.Set(func(f *backendtest.Fake) { f.Block = block })
	ctx := context.Background()
	s1, err := h.m.Generate(ctx, types.GenerateRequest{Model: "a", Prompt: "1"})
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	started := make(chan *Stream, 1)
	go func() {
		s2, err := h.m.Generate(ctx, types.GenerateRequest{Model: "a", Prompt: "2"})
		if err != nil {
			t.Errorf("second Generate: %v", err)
			started <- nil
			return
		}
		started <- s2
	}()
	select {
	case <-started:
		t.Fatalf("second generation admitted while first in flight")
	case <-time.After(50 * time.Millisecond):
	}
	close(block)
	drain(t, s1)
	s2 := <-started
	if s2 == nil {
		return
	}
	drain(t, s2)
}

func TestForcedUnloadAbortsInFlightStream(t *testing.T) {
	h := newHarness(t, func(c *ManagerConfig) { c.DrainTimeout = 50 * time.Millisecond }, gguf("a"))
	h.fake.Set(func(f *backendtest.Fake) { f.Block = make(chan struct{}) })
	ctx := context.Background()
	s, err := h.m.Generate(ctx, types.GenerateRequest{Model: "a", Prompt: "p"})
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	errCh := make(chan error, 1)
	go func() {
		_, err := s.Next()
		errCh <- err
	}()
	if err := h.m.UnloadModel(ctx, "a"); err != nil {
		t.Fatalf("UnloadModel: %v", err)
	}
	select {
	case err := <-errCh:
		if !backend.IsAborted(err) {
			t.Fatalf("stream err = %v, want aborted BackendError", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("stream not aborted")
	}
	var timedOut bool
	for _, n := range h.pub.Names() {
		if n == "unload_timeout" {
			timedOut = true
		}
	}
	if !timedOut {
		t.Fatalf("missing unload_timeout event")
	}
}

func TestUnloadWaitsForInFlightWork(t *testing.T) {
	h := newHarness(t, func(c *ManagerConfig) { c.DrainTimeout = 2 * time.Second }, gguf("a"))
	h.fake.Set(func(f *backendtest.Fake) { f.TokenDelay = 5 * time.Millisecond })
	ctx := context.Background()
	s, err := h.m.Generate(ctx, types.GenerateRequest{Model: "a", Prompt: "p"})
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	type result struct {
		text string
		err  error
	}
	done := make(chan result, 1)
	go func() {
		text, err := readAll(s)
		done <- result{text, err}
	}()
	if err := h.m.UnloadModel(ctx, "a"); err != nil {
		t.Fatalf("UnloadModel: %v", err)
	}
	if r := <-done; r.err != nil || r.text != "hello world from fake" {
		t.Fatalf("drained stream = %q, %v", r.text, r.err)
	}
}

func TestGenerationsAreBenchmarked(t *testing.T) {
	h := newHarness(t, nil, gguf("a"))
	ctx := context.Background()
	if _, err := h.m.Complete(ctx, types.GenerateRequest{Model: "a", Prompt: "p"}); err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if err := h.m.UnloadModel(ctx, "a"); err != nil {
		t.Fatalf("UnloadModel: %v", err)
	}
	recs, err := h.m.ListBenchmarks(ctx, "a", 10)
	if err != nil {
		t.Fatalf("ListBenchmarks: %v", err)
	}
	if len(recs) != 1 {
		t.Fatalf("records = %d, want 1", len(recs))
	}
	r := recs[0]
	if r.TokensGenerated != 4 || r.Duration < r.FirstTokenLatency || r.Hardware["format"] != "gguf" {
		t.Fatalf("record = %+v", r)
	}
}

func TestFatalErrorMovesReadyInstanceToError(t *testing.T) {
	h := newHarness(t, func(c *ManagerConfig) { c.WarmupMode = WarmupSync }, gguf("a"))
	mustLoad(t, h.m, "a")
	h.fake.Set(func(f *backendtest.Fake) {
		f.GenErr = errors.New("engine crashed")
		f.GenFatal = true
	})
	_, err := h.m.Generate(context.Background(), types.GenerateRequest{Model: "a", Prompt: "p"})
	if !backend.IsFatal(err) {
		t.Fatalf("err = %v, want fatal BackendError", err)
	}
	st := mustStatus(t, h.m, "a")
	if st.State != string(StateError) {
		t.Fatalf("state = %s, want error", st.State)
	}
	if !h.fake.Handles()[0].Unloaded() {
		t.Fatalf("failed handle not released")
	}
	h.fake.Set(func(f *backendtest.Fake) { f.GenErr = nil })
	if st := mustLoad(t, h.m, "a"); st.State != string(StateReady) {
		t.Fatalf("reload state = %s", st.State)
	}
}

func TestFinishedStreamClosesEngineStream(t *testing.T) {
	h := newHarness(t, nil, gguf("a"))
	s, err := h.m.Generate(context.Background(), types.GenerateRequest{Model: "a", Prompt: "p"})
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	drain(t, s)
	hd := h.fake.Handles()[0]
	if got := hd.StreamsClosed(); got != 1 {
		t.Fatalf("engine streams closed after EOF = %d, want 1", got)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close after EOF: %v", err)
	}
	if got := hd.StreamsClosed(); got != 1 {
		t.Fatalf("engine streams closed after Close = %d, want 1", got)
	}
}
