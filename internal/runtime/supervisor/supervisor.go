// Package supervisor manages named goroutines tied to a shared context:
// panic recovery, first-error capture, and timeout-aware waiting on stop.
package supervisor

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"

	"livebot/pkg/logx"
)

type Supervisor struct {
	ctx    context.Context
	cancel context.CancelFunc

	log logx.Logger

	wg       sync.WaitGroup
	firstErr atomic.Value // stores error
	errOnce  sync.Once
}

type Option func(*Supervisor)

func WithLogger(log logx.Logger) Option {
	return func(s *Supervisor) { s.log = log }
}

func New(parent context.Context, opts ...Option) *Supervisor {
	if parent == nil {
		parent = context.Background()
	}
	ctx, cancel := context.WithCancel(parent)
	s := &Supervisor{ctx: ctx, cancel: cancel, log: logx.Nop()}
	for _, o := range opts {
		o(s)
	}
	return s
}

func (s *Supervisor) Context() context.Context { return s.ctx }

// Cancel cancels the supervisor context without waiting for goroutines to exit.
func (s *Supervisor) Cancel() { s.cancel() }

func (s *Supervisor) Err() error {
	if err, ok := s.firstErr.Load().(error); ok {
		return err
	}
	return nil
}

// Go runs fn under the supervisor context. Panics are recovered, logged and
// recorded as errors; they never take the process down.
func (s *Supervisor) Go(name string, fn func(ctx context.Context) error) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer func() {
			if p := recover(); p != nil {
				err := fmt.Errorf("goroutine %s panicked: %v", name, p)
				s.log.Error("goroutine panic",
					logx.String("goroutine", name),
					logx.Any("panic", p),
					logx.String("stack", string(debug.Stack())))
				s.recordErr(err)
			}
		}()
		if err := fn(s.ctx); err != nil && err != context.Canceled {
			s.log.Error("goroutine exited with error", logx.String("goroutine", name), logx.Err(err))
			s.recordErr(err)
		}
	}()
}

func (s *Supervisor) recordErr(err error) {
	s.errOnce.Do(func() { s.firstErr.Store(err) })
}

// Wait blocks until every goroutine has exited or ctx expires, whichever
// comes first. The grace period for shutdown lives in the caller's ctx.
func (s *Supervisor) Wait(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return s.Err()
	case <-ctx.Done():
		return ctx.Err()
	}
}
