package syncx

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

// Signal is a one-shot broadcast. Fire may be called any number of times;
// only the first closes Done.
type Signal struct {
	once sync.Once
	ch   chan struct{}
}

// NewSignal returns an unfired signal.
func NewSignal() *Signal {
	return &Signal{ch: make(chan struct{})}
}

// Fired returns a signal that has already fired.
func Fired() *Signal {
	s := NewSignal()
	s.Fire()
	return s
}

// Fire closes Done. Safe to call concurrently and repeatedly.
func (s *Signal) Fire() {
	s.once.Do(func() { close(s.ch) })
}

// Done is closed once the signal fires.
func (s *Signal) Done() <-chan struct{} {
	return s.ch
}

// IsFired reports whether Fire has been called.
func (s *Signal) IsFired() bool {
	select {
	case <-s.ch:
		return true
	default:
		return false
	}
}

// Future is the eventual result of a goroutine started with Go.
type Future[T any] struct {
	done chan struct{}
	v    T
	err  error
}

// Go runs fn in a new goroutine and returns its Future.
func Go[T any](ctx context.Context, fn func(context.Context) (T, error)) *Future[T] {
	f := &Future[T]{done: make(chan struct{})}
	go func() {
		defer close(f.done)
		f.v, f.err = fn(ctx)
	}()
	return f
}

// Resolved returns a Future that is already complete.
func Resolved[T any](v T, err error) *Future[T] {
	f := &Future[T]{done: make(chan struct{}), v: v, err: err}
	close(f.done)
	return f
}

// Done is closed when the result is available.
func (f *Future[T]) Done() <-chan struct{} {
	return f.done
}

// Await waits for the result, bounded by d when d > 0.
func (f *Future[T]) Await(ctx context.Context, d time.Duration) (T, error) {
	if err := Await(ctx, f.done, d, "future"); err != nil {
		var zero T
		return zero, err
	}
	return f.v, f.err
}

// Generation is a monotonic counter used to invalidate stale async work.
//
// Each play, open or session takes a Token from Next. Work that resumes
// after an await checks Token.Valid before touching shared state; a newer
// Next or an Invalidate makes every older token stale.
//
// Thread-safety: Generation is safe for concurrent use (atomic operations).
type Generation struct {
	n atomic.Uint64
}

// Next advances the generation and returns a token for it.
func (g *Generation) Next() Token {
	return Token{g: g, v: g.n.Add(1)}
}

// Current returns a token for the current generation without advancing.
func (g *Generation) Current() Token {
	return Token{g: g, v: g.n.Load()}
}

// Invalidate makes every outstanding token stale.
func (g *Generation) Invalidate() {
	g.n.Add(1)
}

// Token identifies one generation.
type Token struct {
	g *Generation
	v uint64
}

// Valid reports whether no newer generation has started.
func (t Token) Valid() bool {
	return t.g != nil && t.g.n.Load() == t.v
}

// Value returns the generation number, for logging.
func (t Token) Value() uint64 {
	return t.v
}
