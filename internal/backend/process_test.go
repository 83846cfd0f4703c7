package backend

import (
	"strings"
	"testing"
)

func TestLookupBinMissingIsDependencyUnavailable(t *testing.T) {
	_, err := lookupBin("/nonexistent/engine-binary", "llama-server")
	if !IsDependencyUnavailable(err) {
		t.Fatalf("expected dependency unavailable, got %v", err)
	}
}

func TestTailBufferKeepsSuffix(t *testing.T) {
	tb := &tailBuffer{max: 8}
	_, _ = tb.Write([]byte("0123456789"))
	_, _ = tb.Write([]byte("ab"))
	if got := tb.String(); got != "456789ab" {
		t.Fatalf("tail: %q", got)
	}
}

func TestPickPortInRange(t *testing.T) {
	p, err := pickFreePort("127.0.0.1")
	if err != nil {
		t.Fatalf("pickFreePort: %v", err)
	}
	got, err := pickPortInRange("127.0.0.1", p, p)
	if err != nil || got != p {
		t.Fatalf("pickPortInRange: %d %v", got, err)
	}
	if _, err := pickPortInRange("127.0.0.1", 10, 5); err == nil || !strings.Contains(err.Error(), "no free port") {
		t.Fatalf("expected empty range error, got %v", err)
	}
}
