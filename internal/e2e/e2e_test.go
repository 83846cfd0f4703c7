package e2e

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"testing"
	"time"

	"lifecycled/internal/backend/backendtest"
	"lifecycled/internal/manager"
	"lifecycled/pkg/types"
)

// TestE2E_Backpressure429 verifies 429 when the per-instance queue is full
// and the wait timeout elapses.
func TestE2E_Backpressure429(t *testing.T) {
	dir, models := createTempModelsDir(t, "alpha.gguf")
	srv, mgr, fake := newServer(t, dir, func(c *manager.ManagerConfig) {
		c.DefaultModel = models[0]
		c.MaxQueueDepth = 1
		c.MaxWait = 50 * time.Millisecond
	})
	block := make(chan struct{})
	fake.Set(func(f *backendtest.Fake) { f.Block = block })

	// The first request holds the only queue slot until block closes.
	first := make(chan int, 1)
	go func() {
		req, _ := http.NewRequestWithContext(context.Background(), http.MethodPost, srv.URL+"/infer", strings.NewReader(`{"prompt":"hello","stream":true}`))
		req.Header.Set("Content-Type", "application/json")
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			first <- 0
			return
		}
		_, _ = io.Copy(io.Discard, resp.Body)
		_ = resp.Body.Close()
		first <- resp.StatusCode
	}()
	waitFor(t, "first generation in flight", func() bool {
		st, err := mgr.Status(models[0])
		return err == nil && st.Inflight == 1
	})

	resp, body := httpPostJSON(t, srv.URL+"/infer", []byte(`{"prompt":"hello"}`))
	if resp.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("second request status=%d body=%s", resp.StatusCode, body)
	}
	var e types.ErrorResponse
	if err := json.Unmarshal(body, &e); err != nil || e.Code != http.StatusTooManyRequests {
		t.Fatalf("error body=%s (%v)", body, err)
	}

	close(block)
	if code := <-first; code != http.StatusOK {
		t.Fatalf("first request status=%d", code)
	}
}

func TestE2E_Models_Load_Infer_Status(t *testing.T) {
	dir, models := createTempModelsDir(t, "alpha.gguf", "beta.gguf")
	srv, _, fake := newServer(t, dir, nil)
	id := models[0]

	resp, body := httpGet(t, srv.URL+"/models")
	var mr types.ModelsResponse
	if resp.StatusCode != http.StatusOK || json.Unmarshal(body, &mr) != nil || len(mr.Models) != 2 {
		t.Fatalf("/models status=%d body=%s", resp.StatusCode, body)
	}

	resp, body = httpPostJSON(t, srv.URL+"/models/"+id+"/load", nil)
	var st types.InstanceStatus
	if resp.StatusCode != http.StatusOK || json.Unmarshal(body, &st) != nil || st.State != string(manager.StateLoaded) {
		t.Fatalf("load status=%d body=%s", resp.StatusCode, body)
	}

	// Two turns of one conversation: the second must see the first's state.
	for turn := 0; turn < 2; turn++ {
		payload := []byte(`{"model":"` + id + `","conversation_id":"c1","prompt":"turn","stream":true}`)
		resp, body = httpPostJSON(t, srv.URL+"/infer", payload)
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("turn %d status=%d body=%s", turn, resp.StatusCode, body)
		}
		if ct := resp.Header.Get("Content-Type"); ct != "application/x-ndjson" {
			t.Fatalf("content-type=%s", ct)
		}
		var text strings.Builder
		var last types.StreamChunk
		sc := bufio.NewScanner(bytes.NewReader(body))
		for sc.Scan() {
			last = types.StreamChunk{}
			if err := json.Unmarshal(sc.Bytes(), &last); err != nil {
				t.Fatalf("line %q: %v", sc.Text(), err)
			}
			text.WriteString(last.Delta)
		}
		if !last.Done || last.Error != "" || last.ConversationID != "c1" {
			t.Fatalf("final line = %+v", last)
		}
		if text.String() != "hello world from fake" {
			t.Fatalf("text = %q", text.String())
		}
	}
	seen := fake.Handles()[0].SeenState()
	if len(seen) != 2 || len(seen[0]) != 0 || !strings.HasPrefix(string(seen[1]), "turn") {
		t.Fatalf("cached state not reused: %q", seen)
	}

	resp, body = httpGet(t, srv.URL+"/status/"+id)
	if err := json.Unmarshal(body, &st); err != nil || st.CachedConversations != 1 {
		t.Fatalf("status=%d body=%s", resp.StatusCode, body)
	}

	resp, body = httpGet(t, srv.URL+"/benchmarks/"+id)
	var br types.BenchmarksResponse
	if err := json.Unmarshal(body, &br); err != nil || len(br.Records) != 2 {
		t.Fatalf("benchmarks status=%d body=%s", resp.StatusCode, body)
	}
	if br.Records[0].TokensGenerated != 4 || br.Records[0].Duration < br.Records[0].FirstTokenLatency {
		t.Fatalf("record = %+v", br.Records[0])
	}

	resp, body = httpPostJSON(t, srv.URL+"/models/"+id+"/unload", nil)
	if err := json.Unmarshal(body, &st); err != nil || st.State != string(manager.StateUnloaded) {
		t.Fatalf("unload status=%d body=%s", resp.StatusCode, body)
	}

	resp, body = httpGet(t, srv.URL+"/status")
	var all types.StatusResponse
	if err := json.Unmarshal(body, &all); err != nil || len(all.Instances) != 2 || all.LoadsTotal != 1 {
		t.Fatalf("/status status=%d body=%s", resp.StatusCode, body)
	}
	if resp, _ := httpGet(t, srv.URL+"/readyz"); resp.StatusCode != http.StatusOK {
		t.Fatalf("/readyz status=%d", resp.StatusCode)
	}
}

func TestE2E_CompleteAndErrors(t *testing.T) {
	dir, models := createTempModelsDir(t, "alpha.gguf")
	srv, _, _ := newServer(t, dir, nil)

	resp, body := httpPostJSON(t, srv.URL+"/infer", []byte(`{"model":"`+models[0]+`","prompt":"hi","max_tokens":2}`))
	var c types.Completion
	if resp.StatusCode != http.StatusOK || json.Unmarshal(body, &c) != nil {
		t.Fatalf("status=%d body=%s", resp.StatusCode, body)
	}
	if c.Content != "hello world" || c.Tokens != 2 || c.ConversationID == "" {
		t.Fatalf("completion = %+v", c)
	}

	if resp, body := httpPostJSON(t, srv.URL+"/infer", []byte(`{"model":"nope.gguf","prompt":"hi"}`)); resp.StatusCode != http.StatusNotFound {
		t.Fatalf("unknown model status=%d body=%s", resp.StatusCode, body)
	}
	if resp, body := httpPostJSON(t, srv.URL+"/infer", []byte(`{"prompt":"hi"}`)); resp.StatusCode != http.StatusNotFound {
		t.Fatalf("no model and no default status=%d body=%s", resp.StatusCode, body)
	}
}

func TestE2E_EventsStream(t *testing.T) {
	dir, models := createTempModelsDir(t, "alpha.gguf")
	srv, _, _ := newServer(t, dir, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/events", nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("events: %v", err)
	}
	defer resp.Body.Close()

	names := make(chan string, 32)
	go func() {
		defer close(names)
		sc := bufio.NewScanner(resp.Body)
		for sc.Scan() {
			var ev manager.Event
			if json.Unmarshal(sc.Bytes(), &ev) == nil {
				names <- ev.Name
			}
		}
	}()

	if resp, body := httpPostJSON(t, srv.URL+"/models/"+models[0]+"/load?async=1", nil); resp.StatusCode != http.StatusAccepted {
		t.Fatalf("async load status=%d body=%s", resp.StatusCode, body)
	}
	timeout := time.After(3 * time.Second)
	for {
		select {
		case n, ok := <-names:
			if !ok {
				t.Fatalf("event stream ended early")
			}
			if n == "switch_done" {
				return
			}
		case <-timeout:
			t.Fatalf("no switch_done event")
		}
	}
}
