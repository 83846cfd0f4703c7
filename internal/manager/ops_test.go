package manager

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/rs/zerolog"

	"lifecycled/internal/backend/backendtest"
	"lifecycled/internal/registry"
	"lifecycled/pkg/types"
)

func TestSwitchLoadsInBackground(t *testing.T) {
	h := newHarness(t, nil, gguf("a"))
	ctx, cancel := context.WithCancel(context.Background())
	events := h.m.Subscribe(ctx)
	defer cancel()

	op, err := h.m.Switch(context.Background(), "a")
	if err != nil {
		t.Fatalf("Switch: %v", err)
	}
	if op == "" {
		t.Fatalf("empty op id")
	}
	timeout := time.After(3 * time.Second)
	for {
		select {
		case e := <-events:
			if e.Name == "switch_done" {
				if e.Fields["op"] != op {
					t.Fatalf("switch_done op = %v, want %s", e.Fields["op"], op)
				}
				if st := mustStatus(t, h.m, "a"); st.State != string(StateLoaded) {
					t.Fatalf("state = %s", st.State)
				}
				return
			}
		case <-timeout:
			t.Fatalf("no switch_done event")
		}
	}
}

func TestSwitchReportsFailureAsEvent(t *testing.T) {
	h := newHarness(t, nil, gguf("a"))
	h.fake.Set(func(f *backendtest.Fake) { f.LoadErr = errors.New("corrupt") })
	if _, err := h.m.Switch(context.Background(), "a"); err != nil {
		t.Fatalf("Switch: %v", err)
	}
	waitFor(t, "switch_failed", func() bool {
		for _, n := range h.pub.Names() {
			if n == "switch_failed" {
				return true
			}
		}
		return false
	})
	if _, err := h.m.Switch(context.Background(), "missing"); !IsModelNotFound(err) {
		t.Fatalf("Switch(missing) = %v", err)
	}
}

func TestSubscribeClosesWithContext(t *testing.T) {
	h := newHarness(t, nil, gguf("a"))
	ctx, cancel := context.WithCancel(context.Background())
	ch := h.m.Subscribe(ctx)
	mustLoad(t, h.m, "a")
	var names []string
	for len(names) < 4 {
		select {
		case e := <-ch:
			names = append(names, e.Name)
		case <-time.After(time.Second):
			t.Fatalf("events so far: %v", names)
		}
	}
	want := []string{"state", "load_start", "state", "load_ready"}
	if diff := cmp.Diff(want, names); diff != "" {
		t.Fatalf("events mismatch (-want +got):\n%s", diff)
	}
	cancel()
	waitFor(t, "subscription closed", func() bool {
		select {
		case _, ok := <-ch:
			return !ok
		default:
			return false
		}
	})
}

func TestRescanUnloadsVanishedModels(t *testing.T) {
	dir := t.TempDir()
	for _, n := range []string{"a.gguf", "b.gguf"} {
		if err := os.WriteFile(filepath.Join(dir, n), []byte("GGUF"), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	reg := registry.New(dir, zerolog.Nop())
	if _, _, err := reg.Rescan(); err != nil {
		t.Fatalf("Rescan: %v", err)
	}
	h := newHarness(t, func(c *ManagerConfig) { c.Registry = reg })
	mustLoad(t, h.m, "a.gguf")
	mustLoad(t, h.m, "b.gguf")

	if err := os.Remove(filepath.Join(dir, "a.gguf")); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "c.gguf"), []byte("GGUF"), 0o644); err != nil {
		t.Fatal(err)
	}
	added, removed, err := h.m.Rescan(context.Background())
	if err != nil {
		t.Fatalf("Rescan: %v", err)
	}
	if diff := cmp.Diff([]string{"c.gguf"}, added); diff != "" {
		t.Fatalf("added (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]string{"a.gguf"}, removed); diff != "" {
		t.Fatalf("removed (-want +got):\n%s", diff)
	}
	if _, err := h.m.Status("a.gguf"); !IsModelNotFound(err) {
		t.Fatalf("vanished model still known: %v", err)
	}
	if st := mustStatus(t, h.m, "b.gguf"); st.State != string(StateLoaded) {
		t.Fatalf("b state = %s", st.State)
	}
	if got := h.fake.Unloads(); got != 1 {
		t.Fatalf("unloads = %d, want 1", got)
	}
}

func TestStatusAllListsEveryRegisteredModel(t *testing.T) {
	h := newHarness(t, nil, gguf("b"), gguf("a"), gguf("c"))
	mustLoad(t, h.m, "b")
	all := h.m.StatusAll()
	var got []string
	for _, st := range all.Instances {
		got = append(got, st.ModelID+"="+st.State)
	}
	want := []string{"a=unloaded", "b=loaded", "c=unloaded"}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("instances (-want +got):\n%s", diff)
	}
	if all.LoadsTotal != 1 || all.UsedBytes != 1<<20 {
		t.Fatalf("counters = loads %d used %d", all.LoadsTotal, all.UsedBytes)
	}
	if all.Cache.BudgetBytes != defaultCacheBudgetBytes {
		t.Fatalf("cache budget = %d", all.Cache.BudgetBytes)
	}
}

func TestSanityCheckReportsEngines(t *testing.T) {
	h := newHarness(t, nil)
	r := h.m.SanityCheck()
	if !r.OK || len(r.Engines) != 1 || r.Engines[0].Format != types.FormatGGUF {
		t.Fatalf("report = %+v", r)
	}
	h.fake.Set(func(f *backendtest.Fake) { f.CheckErr = errors.New("llama-server not found") })
	if r := h.m.SanityCheck(); r.OK || r.Engines[0].Error == "" {
		t.Fatalf("report = %+v", r)
	}
}

func TestNewWithConfigRequiresCollaborators(t *testing.T) {
	if _, err := NewWithConfig(ManagerConfig{}); err == nil {
		t.Fatalf("expected error without registry and dispatcher")
	}
}

func TestParseWarmupMode(t *testing.T) {
	for in, want := range map[string]WarmupMode{"": WarmupAsync, "SYNC": WarmupSync, " off ": WarmupOff} {
		got, err := ParseWarmupMode(in)
		if err != nil || got != want {
			t.Fatalf("ParseWarmupMode(%q) = %q, %v", in, got, err)
		}
	}
	if _, err := ParseWarmupMode("lazy"); err == nil {
		t.Fatalf("expected error")
	}
}
