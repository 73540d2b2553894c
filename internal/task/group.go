// Package task implements a minimal cancellable named-goroutine group:
// Queue a named function, Wait for all of them, cancel the shared
// Context to signal shutdown.
package task

import (
	"context"
	"sync"

	log "github.com/sirupsen/logrus"
)

// Group runs a set of named goroutines sharing one cancellable Context,
// and collects the first non-nil error any of them returns.
type Group struct {
	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	wg      sync.WaitGroup
	firstErr error
}

// NewGroup returns a Group deriving its Context from ctx.
func NewGroup(ctx context.Context) *Group {
	var g = &Group{}
	g.ctx, g.cancel = context.WithCancel(ctx)
	return g
}

// Context returns the Group's shared Context, cancelled on Cancel or
// when any queued task first returns an error.
func (g *Group) Context() context.Context { return g.ctx }

// Queue runs fn in a new goroutine under name. If fn returns a non-nil
// error, the Group's Context is cancelled and the error is recorded
// (the first one wins), mirroring tasks.Queue("service.Watch", ...).
func (g *Group) Queue(name string, fn func() error) {
	g.wg.Add(1)
	go func() {
		defer g.wg.Done()
		if err := fn(); err != nil {
			log.WithFields(log.Fields{"task": name, "err": err}).Error("task exited with error")
			g.mu.Lock()
			if g.firstErr == nil {
				g.firstErr = err
			}
			g.mu.Unlock()
			g.cancel()
		}
	}()
}

// Cancel signals every queued task to stop.
func (g *Group) Cancel() { g.cancel() }

// Wait blocks until every queued task has returned, then returns the
// first error encountered (if any).
func (g *Group) Wait() error {
	g.wg.Wait()
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.firstErr
}
