//go:build linux

package telemetry

import (
	"context"
	"os"
	"path/filepath"
	"testing"
)

func writeMeminfo(t *testing.T, body string) string {
	t.Helper()
	root := t.TempDir()
	if err := os.WriteFile(filepath.Join(root, "meminfo"), []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	return root
}

func TestSysinfoSamplerCountsPageCacheAsFree(t *testing.T) {
	root := writeMeminfo(t, "MemTotal:       16384000 kB\nMemFree:          204800 kB\nMemAvailable:    8192000 kB\nBuffers:           10240 kB\nCached:          7000000 kB\n")
	s, err := SysinfoSampler{ProcRoot: root}.Sample(context.Background())
	if err != nil {
		t.Fatalf("Sample: %v", err)
	}
	if want := uint64(8192000) * 1024; s.FreeMemoryBytes != want {
		t.Fatalf("free = %d, want MemAvailable %d", s.FreeMemoryBytes, want)
	}
}

func TestSysinfoSamplerFallsBackWithoutMemAvailable(t *testing.T) {
	root := writeMeminfo(t, "MemTotal:       16384000 kB\nMemFree:          204800 kB\n")
	s, err := SysinfoSampler{ProcRoot: root}.Sample(context.Background())
	if err != nil {
		t.Fatalf("Sample: %v", err)
	}
	if s.FreeMemoryBytes == 0 || s.Thermal != ThermalNominal {
		t.Fatalf("fallback sample: %+v", s)
	}
}
