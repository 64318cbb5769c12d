// Package scheduler runs named recurring maintenance tasks.
package scheduler

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Task is one recurring unit of work. The context is cancelled when the
// scheduler stops; long-running tasks should honor it.
type Task func(ctx context.Context)

// Scheduler runs tasks on fixed intervals until stopped.
type Scheduler struct {
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a stopped-on-demand scheduler.
func New() *Scheduler {
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{ctx: ctx, cancel: cancel}
}

// Every runs task on the interval until Stop. The first run happens one
// interval after registration, not immediately.
func (s *Scheduler) Every(interval time.Duration, name string, task Task) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()

		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		slog.Info("scheduler task started", "task", name, "interval", interval)
		for {
			select {
			case <-ticker.C:
				task(s.ctx)
			case <-s.ctx.Done():
				slog.Info("scheduler task stopped", "task", name)
				return
			}
		}
	}()
}

// Stop cancels all tasks and waits for them to return.
func (s *Scheduler) Stop() {
	s.cancel()
	s.wg.Wait()
}
