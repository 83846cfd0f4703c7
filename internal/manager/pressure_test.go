package manager

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"lifecycled/internal/backend"
	"lifecycled/internal/guard"
	"lifecycled/internal/telemetry"
	"lifecycled/pkg/types"
)

func TestGuardUnloadsLRUIdleInstanceAndKeepsBenchmarks(t *testing.T) {
	h := newHarness(t, nil, gguf("a"), gguf("b"))
	ctx := context.Background()
	for _, id := range []string{"a", "b"} {
		if _, err := h.m.Complete(ctx, types.GenerateRequest{Model: id, Prompt: "p"}); err != nil {
			t.Fatalf("Complete(%s): %v", id, err)
		}
		time.Sleep(2 * time.Millisecond)
	}

	var free atomic.Uint64
	free.Store(100)
	sampler := telemetry.Func(func(context.Context) (telemetry.Sample, error) {
		return telemetry.Sample{FreeMemoryBytes: free.Load(), Thermal: telemetry.ThermalNominal, At: time.Now()}, nil
	})
	g := guard.New(guard.Config{LowWatermarkBytes: 1000}, sampler, h.m.Cache(), h.m, zerolog.Nop())
	if err := g.Check(ctx); err != nil {
		t.Fatalf("Check: %v", err)
	}

	if st := mustStatus(t, h.m, "a"); st.State != string(StateUnloaded) {
		t.Fatalf("a state = %s, want unloaded", st.State)
	}
	if st := mustStatus(t, h.m, "b"); st.State != string(StateLoaded) {
		t.Fatalf("b state = %s, want loaded", st.State)
	}
	recs, err := h.m.ListBenchmarks(ctx, "a", 10)
	if err != nil || len(recs) != 1 {
		t.Fatalf("benchmarks for a = %v, %v", recs, err)
	}
	all := h.m.StatusAll()
	if all.Telemetry.FreeMemoryBytes != 100 || all.EvictionsTotal != 1 {
		t.Fatalf("status = %+v", all)
	}

	// Pressure persists: b goes too, then nothing is left and new work is refused.
	if err := g.Check(ctx); err != nil {
		t.Fatalf("Check: %v", err)
	}
	if err := g.Check(ctx); err != nil {
		t.Fatalf("Check: %v", err)
	}
	if _, err := h.m.LoadModel(ctx, "a"); !IsResourceExhausted(err) {
		t.Fatalf("load under exhaustion: %v", err)
	}
	if _, err := h.m.Generate(ctx, types.GenerateRequest{Model: "b", Prompt: "p"}); !IsResourceExhausted(err) {
		t.Fatalf("generate under exhaustion: %v", err)
	}
	if !h.m.StatusAll().ResourceExhausted {
		t.Fatalf("status does not report exhaustion")
	}

	free.Store(1 << 30)
	if err := g.Check(ctx); err != nil {
		t.Fatalf("Check: %v", err)
	}
	mustLoad(t, h.m, "a")
}

func TestExhaustionRejectsNewWork(t *testing.T) {
	h := newHarness(t, nil, gguf("a"))
	mustLoad(t, h.m, "a")
	if !h.m.Ready() {
		t.Fatalf("not ready with a loaded instance")
	}
	h.m.SetExhausted("memory")
	if h.m.Ready() {
		t.Fatalf("ready while exhausted")
	}
	if _, err := h.m.Complete(context.Background(), types.GenerateRequest{Model: "a", Prompt: "p"}); !IsResourceExhausted(err) {
		t.Fatalf("err = %v", err)
	}
	h.m.SetExhausted("")
	if _, err := h.m.Complete(context.Background(), types.GenerateRequest{Model: "a", Prompt: "p"}); err != nil {
		t.Fatalf("after relief: %v", err)
	}
	names := h.pub.Names()
	var exhausted, recovered bool
	for _, n := range names {
		exhausted = exhausted || n == "resource_exhausted"
		recovered = recovered || n == "resource_recovered"
	}
	if !exhausted || !recovered {
		t.Fatalf("events = %v", names)
	}
}

func TestPowerProfileReachesHandles(t *testing.T) {
	h := newHarness(t, nil, gguf("a"), gguf("b"))
	mustLoad(t, h.m, "a")
	h.m.SetPowerProfile(backend.PowerLow)
	if got := h.fake.Handles()[0].PowerProfile(); got != backend.PowerLow {
		t.Fatalf("loaded handle profile = %q", got)
	}
	// Instances loaded later start in the current profile.
	mustLoad(t, h.m, "b")
	if got := h.fake.Handles()[1].PowerProfile(); got != backend.PowerLow {
		t.Fatalf("new handle profile = %q", got)
	}
	if p := h.m.StatusAll().Telemetry.PowerProfile; p != string(backend.PowerLow) {
		t.Fatalf("status profile = %q", p)
	}
}
