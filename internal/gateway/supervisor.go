package gateway

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// taskGroup runs named background loops under a shared context and waits for
// them on shutdown. A panicking task is logged and does not take down the
// process.
type taskGroup struct {
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	logger *slog.Logger
}

func newTaskGroup(parent context.Context, logger *slog.Logger) *taskGroup {
	ctx, cancel := context.WithCancel(parent)
	return &taskGroup{ctx: ctx, cancel: cancel, logger: logger}
}

// Go starts fn as a supervised task. fn must return when its context is done.
func (g *taskGroup) Go(name string, fn func(ctx context.Context)) {
	g.wg.Add(1)
	go func() {
		defer g.wg.Done()
		defer func() {
			if r := recover(); r != nil {
				g.logger.Error("task panicked", "task", name, "panic", r)
			}
		}()
		fn(g.ctx)
	}()
}

// Shutdown cancels all tasks and waits up to timeout for them to exit. It
// reports whether every task finished in time.
func (g *taskGroup) Shutdown(timeout time.Duration) bool {
	g.cancel()
	done := make(chan struct{})
	go func() {
		g.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return true
	case <-time.After(timeout):
		return false
	}
}
