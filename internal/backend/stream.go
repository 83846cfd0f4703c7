package backend

import (
	"context"
	"errors"
	"io"
	"sync"
)

// pushStream adapts a blocking, callback-driven engine call into a pull-based
// TokenStream. The producer blocks on every token until the consumer asks for
// it, so generation never runs ahead of the reader and cancellation takes
// effect at the next token boundary.
type pushStream struct {
	ctx    context.Context
	cancel context.CancelFunc
	tokens chan Token
	done   chan struct{}
	err    error // written by the producer before done is closed
	idx    int
	once   sync.Once
}

// newPushStream runs fn in its own goroutine. fn must call emit for each
// token and stop as soon as emit returns false.
func newPushStream(parent context.Context, fn func(ctx context.Context, emit func(string) bool) error) *pushStream {
	ctx, cancel := context.WithCancel(parent)
	s := &pushStream{ctx: ctx, cancel: cancel, tokens: make(chan Token), done: make(chan struct{})}
	go func() {
		defer close(s.done)
		s.err = fn(ctx, s.emit)
	}()
	return s
}

func (s *pushStream) emit(text string) bool {
	select {
	case s.tokens <- Token{Text: text}:
		return true
	case <-s.ctx.Done():
		return false
	}
}

func (s *pushStream) Next() (Token, error) {
	select {
	case t := <-s.tokens:
		t.Index = s.idx
		s.idx++
		return t, nil
	case <-s.done:
		if s.ctx.Err() != nil || s.err != nil {
			return Token{}, streamErr(s.ctx, s.err)
		}
		return Token{}, io.EOF
	}
}

func (s *pushStream) Close() error {
	s.once.Do(func() {
		s.cancel()
		<-s.done
	})
	return nil
}

// streamErr normalizes a generation failure into a *BackendError. When ctx
// ended the stream, its cause wins so that a forced unload surfaces as
// ErrAborted rather than a generic cancellation.
func streamErr(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return &BackendError{Cause: context.Cause(ctx)}
	}
	var be *BackendError
	if errors.As(err, &be) {
		return be
	}
	return &BackendError{Cause: err}
}

// estimateTokens approximates a token count for text when the engine does not
// report one. Four bytes per token is the usual llama tokenizer average.
func estimateTokens(text string) int {
	n := (len(text) + 3) / 4
	if n == 0 && text != "" {
		n = 1
	}
	return n
}
