package manager

import (
	"context"
	"errors"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"lifecycled/internal/backend"
	"lifecycled/internal/backend/backendtest"
	"lifecycled/internal/registry"
	"lifecycled/pkg/types"
)

// harness wires a Manager to an in-memory gguf backend.
type harness struct {
	m    *Manager
	fake *backendtest.Fake
	reg  *registry.Registry
	pub  *MemoryPublisher
}

func newHarness(t *testing.T, mutate func(*ManagerConfig), descs ...types.ModelDescriptor) *harness {
	t.Helper()
	fake := backendtest.New(types.FormatGGUF)
	disp, err := backend.NewDispatcher(fake)
	if err != nil {
		t.Fatalf("NewDispatcher: %v", err)
	}
	reg := registry.New("", zerolog.Nop())
	for _, d := range descs {
		if err := reg.Register(d); err != nil {
			t.Fatalf("Register(%s): %v", d.ID, err)
		}
	}
	cfg := ManagerConfig{
		Registry:     reg,
		Dispatcher:   disp,
		Logger:       zerolog.Nop(),
		WarmupMode:   WarmupOff,
		DrainTimeout: 500 * time.Millisecond,
		MaxWait:      2 * time.Second,
	}
	if mutate != nil {
		mutate(&cfg)
	}
	m, err := NewWithConfig(cfg)
	if err != nil {
		t.Fatalf("NewWithConfig: %v", err)
	}
	pub := NewMemoryPublisher()
	m.SetEventPublisher(pub)
	t.Cleanup(func() { _ = m.Close(context.Background()) })
	return &harness{m: m, fake: fake, reg: cfg.Registry, pub: pub}
}

func gguf(id string) types.ModelDescriptor {
	return backendtest.Descriptor(id, types.FormatGGUF)
}

func sized(d types.ModelDescriptor, bytes int64) types.ModelDescriptor {
	d.EstimatedBytes = bytes
	return d
}

// drain reads s to the end and returns the concatenated text.
func drain(t *testing.T, s *Stream) string {
	t.Helper()
	text, err := readAll(s)
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	return text
}

func readAll(s *Stream) (string, error) {
	var b strings.Builder
	for {
		tok, err := s.Next()
		if errors.Is(err, io.EOF) {
			return b.String(), nil
		}
		if err != nil {
			return b.String(), err
		}
		b.WriteString(tok.Text)
	}
}

func mustLoad(t *testing.T, m *Manager, id string) types.InstanceStatus {
	t.Helper()
	st, err := m.LoadModel(context.Background(), id)
	if err != nil {
		t.Fatalf("LoadModel(%s): %v", id, err)
	}
	return st
}

func mustStatus(t *testing.T, m *Manager, id string) types.InstanceStatus {
	t.Helper()
	st, err := m.Status(id)
	if err != nil {
		t.Fatalf("Status(%s): %v", id, err)
	}
	return st
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

type edge struct{ From, To State }

// stateEdges returns the published transitions for model id in order.
func stateEdges(p *MemoryPublisher, id string) []edge {
	var out []edge
	for _, e := range p.Events() {
		if e.Name == "state" && e.ModelID == id {
			out = append(out, edge{e.From, e.To})
		}
	}
	return out
}
