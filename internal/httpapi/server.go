package httpapi

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"lifecycled/pkg/types"
)

// defaultBenchLimit caps GET /benchmarks/{id} when no limit is given.
const defaultBenchLimit = 50

// NewMux builds the router for svc.
func NewMux(svc Service) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(MetricsMiddleware)
	// Compression applies to JSON only; NDJSON streams pass through untouched.
	r.Use(middleware.Compress(5))
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("X-Content-Type-Options", "nosniff")
			next.ServeHTTP(w, r)
		})
	})
	if opts.corsEnabled() {
		r.Use(cors.Handler(opts.cors()))
	}

	h := &handlers{svc: svc}
	r.Get("/models", h.listModels)
	r.Post("/models/rescan", h.rescan)
	r.Post("/models/{id}/load", h.load)
	r.Post("/models/{id}/unload", h.unload)
	r.Post("/models/{id}/warm", h.warm)
	r.Get("/status", h.statusAll)
	r.Get("/status/{id}", h.status)
	r.Get("/benchmarks/{id}", h.benchmarks)
	r.Get("/events", h.events)
	r.Post("/infer", h.infer)
	r.Get("/sanity", h.sanity)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Get("/readyz", func(w http.ResponseWriter, r *http.Request) {
		if svc.Ready() {
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte("ready"))
			return
		}
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("loading"))
	})
	r.Get("/metrics", promhttp.Handler().ServeHTTP)

	MountSwagger(r)
	return r
}

type handlers struct {
	svc Service
}

func (h *handlers) listModels(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, types.ModelsResponse{Models: h.svc.ListModels()})
}

func (h *handlers) rescan(w http.ResponseWriter, r *http.Request) {
	added, removed, err := h.svc.Rescan(r.Context())
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, types.RescanResponse{Added: nonNil(added), Removed: nonNil(removed)})
}

// load blocks until the model serves, or with ?async=1 starts a switch and
// returns its operation id.
func (h *handlers) load(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	start, lvl := time.Now(), requestLogLevel(r)
	if async, _ := strconv.ParseBool(r.URL.Query().Get("async")); async {
		op, err := h.svc.Switch(r.Context(), id)
		if err != nil {
			logRequestEnd(r, lvl, writeServiceError(w, err), start, err)
			return
		}
		writeJSON(w, http.StatusAccepted, types.SwitchResponse{ModelID: id, OpID: op})
		logRequestEnd(r, lvl, http.StatusAccepted, start, nil)
		return
	}
	st, err := h.svc.LoadModel(r.Context(), id)
	if err != nil {
		logRequestEnd(r, lvl, writeServiceError(w, err), start, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
	logRequestEnd(r, lvl, http.StatusOK, start, nil)
}

func (h *handlers) unload(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	start, lvl := time.Now(), requestLogLevel(r)
	if err := h.svc.UnloadModel(r.Context(), id); err != nil {
		logRequestEnd(r, lvl, writeServiceError(w, err), start, err)
		return
	}
	st, err := h.svc.Status(id)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
	logRequestEnd(r, lvl, http.StatusOK, start, nil)
}

func (h *handlers) warm(w http.ResponseWriter, r *http.Request) {
	res, err := h.svc.Warm(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (h *handlers) statusAll(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.svc.StatusAll())
}

func (h *handlers) status(w http.ResponseWriter, r *http.Request) {
	st, err := h.svc.Status(chi.URLParam(r, "id"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (h *handlers) benchmarks(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	limit := defaultBenchLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeJSONError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = n
	}
	recs, err := h.svc.ListBenchmarks(r.Context(), id, limit)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	if recs == nil {
		recs = []types.BenchmarkRecord{}
	}
	writeJSON(w, http.StatusOK, types.BenchmarksResponse{ModelID: id, Records: recs})
}

func (h *handlers) sanity(w http.ResponseWriter, r *http.Request) {
	rep := h.svc.SanityCheck()
	status := http.StatusOK
	if !rep.OK {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, rep)
}

// events streams lifecycle events as NDJSON until the client goes away or
// the server shuts down.
func (h *handlers) events(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := joinContexts(serverBaseCtx, r.Context())
	defer cancel()
	sub := h.svc.Subscribe(ctx)
	nw := newNDJSONWriter(w, r, requestLogLevel(r))
	nw.start()
	for ev := range sub {
		if err := nw.write(ev); err != nil {
			return
		}
	}
}

func (h *handlers) infer(w http.ResponseWriter, r *http.Request) {
	ct := r.Header.Get("Content-Type")
	if ct == "" || !strings.HasPrefix(strings.ToLower(ct), "application/json") {
		writeJSONError(w, http.StatusUnsupportedMediaType, "Content-Type must be application/json")
		return
	}
	r.Body = http.MaxBytesReader(w, r.Body, opts.MaxBodyBytes)
	var req types.GenerateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		// Oversized bodies also land here; the size limit is not disclosed.
		writeJSONError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if strings.TrimSpace(req.Prompt) == "" {
		writeJSONError(w, http.StatusBadRequest, "prompt is required")
		return
	}
	if req.MaxTokens < 0 {
		writeJSONError(w, http.StatusBadRequest, "max_tokens must not be negative")
		return
	}

	start, lvl := time.Now(), requestLogLevel(r)
	if ev := reqEvent(r, lvl, zerolog.InfoLevel); ev != nil {
		ev.Str("event", "infer_start").Str("model", req.Model).Bool("stream", req.Stream).Msg("httpapi")
	}
	// Shutdown cancels in-flight generations along with client disconnects.
	ctx, cancel := joinContexts(serverBaseCtx, r.Context())
	defer cancel()
	if opts.InferTimeout > 0 {
		var tcancel func()
		ctx, tcancel = contextWithTimeout(ctx, opts.InferTimeout)
		defer tcancel()
	}

	if !req.Stream {
		c, err := h.svc.Complete(ctx, req)
		if err != nil {
			if r.Context().Err() != nil {
				return
			}
			logRequestEnd(r, lvl, writeServiceError(w, err), start, err)
			return
		}
		writeJSON(w, http.StatusOK, c)
		logRequestEnd(r, lvl, http.StatusOK, start, nil)
		return
	}

	gen, err := h.svc.Generate(ctx, req)
	if err != nil {
		if r.Context().Err() != nil {
			return
		}
		logRequestEnd(r, lvl, writeServiceError(w, err), start, err)
		return
	}
	defer gen.Close()

	w.Header().Set("X-Conversation-Id", gen.ConversationID())
	nw := newNDJSONWriter(w, r, lvl)
	final := types.StreamChunk{Model: gen.ModelID(), ConversationID: gen.ConversationID(), Done: true}
	for {
		tok, err := gen.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			// Headers are gone; the failure travels in the final line.
			final.Error = err.Error()
			break
		}
		if nw.lines == 0 {
			firstChunkSeconds.Observe(time.Since(start).Seconds())
		}
		if tok.FinishReason != "" {
			final.FinishReason = tok.FinishReason
		}
		if err := nw.write(types.StreamChunk{Model: gen.ModelID(), ConversationID: gen.ConversationID(), Delta: tok.Text, Index: tok.Index}); err != nil {
			logRequestEnd(r, lvl, http.StatusOK, start, err)
			return
		}
	}
	final.Tokens = gen.Tokens()
	final.Index = gen.Tokens()
	if final.FinishReason == "" && final.Error == "" {
		final.FinishReason = "stop"
		if req.MaxTokens > 0 && final.Tokens >= req.MaxTokens {
			final.FinishReason = "length"
		}
	}
	_ = nw.write(final)
	var streamErr error
	if final.Error != "" {
		streamErr = errors.New(final.Error)
	}
	logRequestEnd(r, lvl, http.StatusOK, start, streamErr)
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
