package httpapi

import (
	"bytes"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func TestParseRequestLevel(t *testing.T) {
	cases := map[string]zerolog.Level{
		"":        zerolog.WarnLevel,
		"off":     zerolog.Disabled,
		"OFF":     zerolog.Disabled,
		"1":       zerolog.DebugLevel,
		"error":   zerolog.ErrorLevel,
		" info ":  zerolog.InfoLevel,
		"debug":   zerolog.DebugLevel,
		"verbose": zerolog.WarnLevel,
	}
	for in, want := range cases {
		if got := parseRequestLevel(in, zerolog.WarnLevel); got != want {
			t.Fatalf("parseRequestLevel(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestRequestLogLevelOverrides(t *testing.T) {
	if got := requestLogLevel(httptest.NewRequest("GET", "/x?log=1", nil)); got != zerolog.DebugLevel {
		t.Fatalf("query shorthand = %v", got)
	}
	r := httptest.NewRequest("GET", "/x", nil)
	r.Header.Set("X-Log-Level", "error")
	if got := requestLogLevel(r); got != zerolog.ErrorLevel {
		t.Fatalf("header override = %v", got)
	}
	// The query wins over the header.
	r = httptest.NewRequest("GET", "/x?log=off", nil)
	r.Header.Set("X-Log-Level", "debug")
	if got := requestLogLevel(r); got != zerolog.Disabled {
		t.Fatalf("query over header = %v", got)
	}
	Configure(Options{RequestLogLevel: "off"})
	defer Configure(Options{})
	if got := requestLogLevel(httptest.NewRequest("GET", "/x", nil)); got != zerolog.Disabled {
		t.Fatalf("default level = %v", got)
	}
}

func captureLogs(t *testing.T) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	SetLogger(zerolog.New(&buf).Level(zerolog.DebugLevel))
	t.Cleanup(func() { SetLogger(zerolog.Nop()) })
	return &buf
}

func TestLogRequestEndThresholds(t *testing.T) {
	buf := captureLogs(t)
	r := httptest.NewRequest("POST", "/infer", nil)
	start := time.Now()

	logRequestEnd(r, zerolog.ErrorLevel, http.StatusOK, start, nil)
	if buf.Len() != 0 {
		t.Fatalf("success logged above info threshold: %s", buf.String())
	}
	logRequestEnd(r, zerolog.ErrorLevel, http.StatusBadGateway, start, errors.New("engine gone"))
	if !strings.Contains(buf.String(), `"error":"engine gone"`) || !strings.Contains(buf.String(), `"status":502`) {
		t.Fatalf("failure not logged: %s", buf.String())
	}
	buf.Reset()
	logRequestEnd(r, zerolog.Disabled, http.StatusBadGateway, start, errors.New("x"))
	if buf.Len() != 0 {
		t.Fatalf("logged while disabled: %s", buf.String())
	}
	logRequestEnd(r, zerolog.InfoLevel, http.StatusOK, start, nil)
	if !strings.Contains(buf.String(), `"event":"request_end"`) || !strings.Contains(buf.String(), `"route":"/infer"`) {
		t.Fatalf("success not logged at info: %s", buf.String())
	}
}

func TestNDJSONWriterFlushesAndEchoesAtDebug(t *testing.T) {
	buf := captureLogs(t)
	rr := httptest.NewRecorder()
	nw := newNDJSONWriter(rr, httptest.NewRequest("GET", "/events", nil), zerolog.DebugLevel)
	if err := nw.write(map[string]int{"a": 1}); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := nw.write(map[string]int{"b": 2}); err != nil {
		t.Fatalf("write: %v", err)
	}
	if got := rr.Body.String(); got != "{\"a\":1}\n{\"b\":2}\n" {
		t.Fatalf("body = %q", got)
	}
	if !rr.Flushed || rr.Header().Get("Content-Type") != "application/x-ndjson" {
		t.Fatalf("flushed=%v content-type=%q", rr.Flushed, rr.Header().Get("Content-Type"))
	}
	if n := strings.Count(buf.String(), `"event":"stream_line"`); n != 2 || !strings.Contains(buf.String(), `"line":{"b":2}`) {
		t.Fatalf("debug echo: %s", buf.String())
	}

	buf.Reset()
	quiet := newNDJSONWriter(httptest.NewRecorder(), httptest.NewRequest("GET", "/events", nil), zerolog.InfoLevel)
	_ = quiet.write(map[string]int{"c": 3})
	if buf.Len() != 0 {
		t.Fatalf("lines echoed above debug: %s", buf.String())
	}
}

func TestWriteJSONLogsEncodeFailure(t *testing.T) {
	buf := captureLogs(t)
	rr := httptest.NewRecorder()
	writeJSON(rr, http.StatusOK, map[string]any{"n": 1})
	if rr.Code != http.StatusOK || rr.Body.String() != "{\"n\":1}\n" || buf.Len() != 0 {
		t.Fatalf("code=%d body=%q log=%s", rr.Code, rr.Body.String(), buf.String())
	}
	writeJSON(httptest.NewRecorder(), http.StatusOK, map[string]any{"f": func() {}})
	if !strings.Contains(buf.String(), `"event":"encode_failed"`) || !strings.Contains(buf.String(), `"level":"warn"`) {
		t.Fatalf("encode failure not logged: %s", buf.String())
	}
}
