package e2e

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"lifecycled/internal/backend"
	"lifecycled/internal/backend/backendtest"
	"lifecycled/internal/httpapi"
	"lifecycled/internal/manager"
	"lifecycled/internal/registry"
	"lifecycled/pkg/types"
)

// createTempModelsDir creates a temporary directory populated with small .gguf
// files and returns the directory path and the model IDs (filenames).
func createTempModelsDir(t *testing.T, names ...string) (string, []string) {
	t.Helper()
	dir := t.TempDir()
	for _, n := range names {
		p := filepath.Join(dir, n)
		if err := os.WriteFile(p, []byte("GGUF"), 0o644); err != nil {
			t.Fatalf("write temp model %s: %v", p, err)
		}
	}
	return dir, names
}

// newServer serves a scanned models dir through the real router, manager and
// registry, with an in-memory gguf engine.
func newServer(t *testing.T, modelsDir string, mutate func(*manager.ManagerConfig)) (*httptest.Server, *manager.Manager, *backendtest.Fake) {
	t.Helper()
	reg := registry.New(modelsDir, zerolog.Nop())
	if _, _, err := reg.Rescan(); err != nil {
		t.Fatalf("scan models: %v", err)
	}
	fake := backendtest.New(types.FormatGGUF)
	disp, err := backend.NewDispatcher(fake)
	if err != nil {
		t.Fatalf("dispatcher: %v", err)
	}
	cfg := manager.ManagerConfig{
		Registry:     reg,
		Dispatcher:   disp,
		Logger:       zerolog.Nop(),
		WarmupMode:   manager.WarmupOff,
		DrainTimeout: time.Second,
	}
	if mutate != nil {
		mutate(&cfg)
	}
	mgr, err := manager.NewWithConfig(cfg)
	if err != nil {
		t.Fatalf("manager: %v", err)
	}
	srv := httptest.NewServer(httpapi.NewMux(httpapi.FromManager(mgr)))
	t.Cleanup(func() {
		srv.Close()
		_ = mgr.Close(context.Background())
	})
	return srv, mgr, fake
}

func httpGet(t *testing.T, url string) (*http.Response, []byte) {
	t.Helper()
	req, err := http.NewRequestWithContext(context.Background(), http.MethodGet, url, nil)
	if err != nil {
		t.Fatalf("new req: %v", err)
	}
	return doRequest(t, req)
}

func httpPostJSON(t *testing.T, url string, payload []byte) (*http.Response, []byte) {
	t.Helper()
	req, err := http.NewRequestWithContext(context.Background(), http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		t.Fatalf("new req: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	return doRequest(t, req)
}

func doRequest(t *testing.T, req *http.Request) (*http.Response, []byte) {
	t.Helper()
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("do req: %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	return resp, body
}

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}
