// Package bench measures every real generation and keeps an append-only
// history per model. The hot path only takes timestamps and enqueues; a
// background flusher batches writes to the Store.
package bench

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"lifecycled/pkg/types"
)

// Config tunes the recorder.
type Config struct {
	// QueueSize bounds records waiting for the flusher (default 1024).
	QueueSize int
	// BatchSize triggers a flush once that many records are pending (default 64).
	BatchSize int
	// FlushInterval flushes pending records periodically (default 2s).
	FlushInterval time.Duration
}

// Recorder is safe for concurrent use.
type Recorder struct {
	cfg   Config
	store Store
	log   zerolog.Logger

	// flushMu serializes store writes against History, so History never
	// runs while a batch is between pending and the store.
	flushMu sync.Mutex
	// mu guards pending and is only held for slice operations.
	mu      sync.Mutex
	pending []types.BenchmarkRecord

	kick    chan struct{}
	dropped atomic.Uint64
	closed  atomic.Bool
	stop    chan struct{}
	done    chan struct{}
	once    sync.Once
}

// NewRecorder starts the flusher.
func NewRecorder(store Store, cfg Config, log zerolog.Logger) *Recorder {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 1024
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 64
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = 2 * time.Second
	}
	r := &Recorder{
		cfg:   cfg,
		store: store,
		log:   log.With().Str("component", "bench").Logger(),
		kick:  make(chan struct{}, 1),
		stop:  make(chan struct{}),
		done:  make(chan struct{}),
	}
	go r.run()
	return r
}

// Sample measures one generation.
type Sample struct {
	r        *Recorder
	modelID  string
	hardware map[string]string
	start    time.Time
	first    time.Time
	once     sync.Once
}

// Start begins a measurement. hw is the hardware snapshot at start.
func (r *Recorder) Start(modelID string, hw map[string]string) *Sample {
	return &Sample{r: r, modelID: modelID, hardware: hw, start: time.Now()}
}

// FirstToken marks the arrival of the first token. Later calls are ignored.
func (s *Sample) FirstToken() {
	if s.first.IsZero() {
		s.first = time.Now()
	}
}

// Finish completes the measurement and enqueues it without blocking. Only the
// first call records.
func (s *Sample) Finish(tokens int) {
	s.once.Do(func() {
		end := time.Now()
		rec := types.BenchmarkRecord{
			ModelID:         s.modelID,
			Hardware:        s.hardware,
			TokensGenerated: tokens,
			Duration:        end.Sub(s.start),
			Timestamp:       end,
		}
		if !s.first.IsZero() {
			rec.FirstTokenLatency = s.first.Sub(s.start)
		}
		s.r.enqueue(rec)
	})
}

// enqueue appends rec to pending. A full backlog drops rec instead of
// waiting on the store.
func (r *Recorder) enqueue(rec types.BenchmarkRecord) {
	if r.closed.Load() {
		r.drop(rec, "closed")
		return
	}
	r.mu.Lock()
	if len(r.pending) >= r.cfg.QueueSize {
		r.mu.Unlock()
		r.drop(rec, "queue_full")
		return
	}
	r.pending = append(r.pending, rec)
	full := len(r.pending) >= r.cfg.BatchSize
	r.mu.Unlock()
	recordedTotal.Inc()
	if full {
		select {
		case r.kick <- struct{}{}:
		default:
		}
	}
}

func (r *Recorder) drop(rec types.BenchmarkRecord, reason string) {
	r.dropped.Add(1)
	droppedTotal.WithLabelValues(reason).Inc()
	r.log.Debug().Str("event", "bench_drop").Str("model", rec.ModelID).Str("reason", reason).Msg("bench")
}

// Dropped returns how many records were discarded because the queue was
// full or the recorder closed.
func (r *Recorder) Dropped() uint64 { return r.dropped.Load() }

// History returns up to limit records for modelID, most recent first,
// including records not yet flushed.
func (r *Recorder) History(ctx context.Context, modelID string, limit int) ([]types.BenchmarkRecord, error) {
	r.flushMu.Lock()
	defer r.flushMu.Unlock()
	var out []types.BenchmarkRecord
	r.mu.Lock()
	for _, rec := range r.pending {
		if rec.ModelID == modelID {
			out = append(out, rec)
		}
	}
	r.mu.Unlock()
	stored, err := r.store.List(ctx, modelID, limit)
	if err != nil {
		return nil, err
	}
	out = append(out, stored...)
	sortRecent(out)
	return truncate(out, limit), nil
}

// Flush persists everything recorded so far.
func (r *Recorder) Flush(ctx context.Context) error {
	r.flushMu.Lock()
	defer r.flushMu.Unlock()
	return r.flushLocked(ctx)
}

// Close flushes pending records and closes the store.
func (r *Recorder) Close() error {
	var err error
	r.once.Do(func() {
		r.closed.Store(true)
		close(r.stop)
		<-r.done
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if ferr := r.Flush(ctx); ferr != nil {
			err = ferr
		}
		if cerr := r.store.Close(); cerr != nil && err == nil {
			err = cerr
		}
	})
	return err
}

func (r *Recorder) run() {
	defer close(r.done)
	t := time.NewTicker(r.cfg.FlushInterval)
	defer t.Stop()
	for {
		select {
		case <-r.stop:
			return
		case <-r.kick:
		case <-t.C:
		}
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := r.Flush(ctx); err != nil {
			r.mu.Lock()
			n := len(r.pending)
			r.mu.Unlock()
			r.log.Warn().Str("event", "bench_flush_failed").Int("pending", n).Err(err).Msg("bench")
		}
		cancel()
	}
}

// flushLocked writes the pending batch with flushMu held. Records the store
// rejects go back to the front of pending so a later flush retries them.
func (r *Recorder) flushLocked(ctx context.Context) error {
	r.mu.Lock()
	batch := r.pending
	r.pending = nil
	r.mu.Unlock()
	if len(batch) == 0 {
		return nil
	}
	if err := r.store.Append(ctx, batch); err != nil {
		r.mu.Lock()
		r.pending = append(batch, r.pending...)
		r.mu.Unlock()
		return err
	}
	flushedTotal.Add(float64(len(batch)))
	return nil
}
