package httpapi

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"
)

// zlog is the structured logger for the HTTP layer; Nop until SetLogger.
var zlog = zerolog.Nop()

// SetLogger installs a structured logger used by the HTTP layer.
func SetLogger(l zerolog.Logger) { zlog = l.With().Str("component", "httpapi").Logger() }

// requestLevel is the default threshold for request lifecycle lines, set by
// Configure. A request may override it with ?log= or the X-Log-Level header.
var requestLevel = zerolog.InfoLevel

func parseRequestLevel(s string, fallback zerolog.Level) zerolog.Level {
	switch s = strings.ToLower(strings.TrimSpace(s)); s {
	case "":
		return fallback
	case "off", "disabled":
		return zerolog.Disabled
	case "1":
		return zerolog.DebugLevel
	}
	if l, err := zerolog.ParseLevel(s); err == nil {
		return l
	}
	return fallback
}

func requestLogLevel(r *http.Request) zerolog.Level {
	if v := r.URL.Query().Get("log"); v != "" {
		return parseRequestLevel(v, requestLevel)
	}
	if v := r.Header.Get("X-Log-Level"); v != "" {
		return parseRequestLevel(v, requestLevel)
	}
	return requestLevel
}

// reqEvent starts a log line tagged with the request id, or nil when lvl
// filters it out.
func reqEvent(r *http.Request, threshold, lvl zerolog.Level) *zerolog.Event {
	if threshold == zerolog.Disabled || lvl < threshold {
		return nil
	}
	ev := zlog.WithLevel(lvl)
	if rid := middleware.GetReqID(r.Context()); rid != "" {
		ev = ev.Str("request_id", rid)
	}
	return ev
}

// logRequestEnd records one finished request. Failures log at warn and pass
// any threshold up to error; successes need info or lower.
func logRequestEnd(r *http.Request, threshold zerolog.Level, status int, start time.Time, err error) {
	lvl := zerolog.InfoLevel
	if err != nil {
		lvl = zerolog.ErrorLevel
	}
	ev := reqEvent(r, threshold, lvl)
	if ev == nil {
		return
	}
	if err != nil {
		ev = ev.Err(err)
	}
	ev.Str("event", "request_end").Str("method", r.Method).Str("route", routePatternOrPath(r)).
		Int("status", status).Dur("dur", time.Since(start)).Msg("httpapi")
}

// ndjsonWriter writes one JSON value per line and flushes after each, so a
// client sees every token as it is produced. Lines are counted per route and
// echoed to the log when the request asked for debug.
type ndjsonWriter struct {
	w     http.ResponseWriter
	rc    *http.ResponseController
	r     *http.Request
	route string
	debug bool
	lines int
}

func newNDJSONWriter(w http.ResponseWriter, r *http.Request, threshold zerolog.Level) *ndjsonWriter {
	w.Header().Set("Content-Type", "application/x-ndjson")
	return &ndjsonWriter{
		w:     w,
		rc:    http.NewResponseController(w),
		r:     r,
		route: routePatternOrPath(r),
		debug: threshold != zerolog.Disabled && threshold <= zerolog.DebugLevel,
	}
}

// start commits the status line so subscribers see headers before the
// first value.
func (nw *ndjsonWriter) start() {
	nw.w.WriteHeader(http.StatusOK)
	_ = nw.rc.Flush()
}

func (nw *ndjsonWriter) write(v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	if _, err := nw.w.Write(append(b, '\n')); err != nil {
		return err
	}
	_ = nw.rc.Flush()
	nw.lines++
	streamLinesTotal.WithLabelValues(nw.route).Inc()
	if nw.debug {
		ev := zlog.Debug().Str("event", "stream_line").Int("n", nw.lines)
		if rid := middleware.GetReqID(nw.r.Context()); rid != "" {
			ev = ev.Str("request_id", rid)
		}
		ev.RawJSON("line", b).Msg("httpapi")
	}
	return nil
}
