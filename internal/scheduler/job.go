// Package scheduler implements the delayed/coalesced background job
// primitive (C8) used by the downloader, importer, and subscription
// manager. Grounded on core/node.go's runBlockGeneration
// goroutine-plus-ctx.Done() loop, generalized from a fixed-interval ticker
// into a retriggerable, coalescing one-shot timer per §4.8.
package scheduler

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Job is a delayed background job: triggerExecution(delay) and
// triggerExecution() (delay 0) schedule a run of Run; multiple triggers
// within the pending window coalesce into one execution at the earliest
// requested deadline; a second trigger arriving while Run is already
// executing schedules exactly one follow-up, never a concurrent second
// execution.
type Job struct {
	name string
	run  func(ctx context.Context)
	log  *slog.Logger

	mu              sync.Mutex
	timer           *time.Timer
	pendingDeadline time.Time // zero when timer == nil
	running         bool
	followupDue     bool
	terminated      bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New builds a Job that calls run on every triggered execution. The job is
// inert until first triggered.
func New(name string, run func(ctx context.Context), log *slog.Logger) *Job {
	ctx, cancel := context.WithCancel(context.Background())
	return &Job{
		name:   name,
		run:    run,
		log:    log,
		ctx:    ctx,
		cancel: cancel,
	}
}

// TriggerExecution schedules a run after delay, coalescing with any
// already-pending trigger to the earliest requested deadline.
func (j *Job) TriggerExecution(delay time.Duration) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.terminated {
		return
	}
	if j.running {
		j.followupDue = true
		return
	}
	deadline := time.Now().Add(delay)
	if j.timer != nil {
		if !deadline.Before(j.pendingDeadline) {
			// Existing timer already fires at or before this request's
			// deadline; nothing to do.
			return
		}
		// The new request's deadline is earlier: replace the pending timer.
		j.timer.Stop()
		j.timer = nil
	}
	if delay <= 0 {
		j.startLocked()
		return
	}
	j.pendingDeadline = deadline
	j.timer = time.AfterFunc(delay, func() {
		j.mu.Lock()
		j.timer = nil
		j.pendingDeadline = time.Time{}
		if j.terminated {
			j.mu.Unlock()
			return
		}
		j.startLocked()
		j.mu.Unlock()
	})
}

// startLocked must be called with mu held; it launches exactly one
// execution in the background.
func (j *Job) startLocked() {
	j.running = true
	j.wg.Add(1)
	go j.execute()
}

func (j *Job) execute() {
	defer j.wg.Done()
	j.run(j.ctx)

	j.mu.Lock()
	j.running = false
	again := j.followupDue
	j.followupDue = false
	terminated := j.terminated
	j.mu.Unlock()

	if again && !terminated {
		j.TriggerExecution(0)
	}
}

// TriggerExecutionSync is the synchronous variant from §4.8: it schedules
// an immediate run and blocks until it (and, if one was already in
// flight, its coalesced follow-up) has completed. Used in tests.
func (j *Job) TriggerExecutionSync() {
	j.mu.Lock()
	if j.terminated {
		j.mu.Unlock()
		return
	}
	if j.running {
		j.followupDue = true
		j.mu.Unlock()
		j.wg.Wait() // current execution
		j.wg.Wait() // its coalesced follow-up, if execute() just started one
		return
	}
	j.startLocked()
	j.mu.Unlock()
	j.wg.Wait()
}

// Terminate interrupts a running execution (by cancelling its context) and
// prevents further scheduling.
func (j *Job) Terminate() {
	j.mu.Lock()
	if j.terminated {
		j.mu.Unlock()
		return
	}
	j.terminated = true
	if j.timer != nil {
		j.timer.Stop()
		j.timer = nil
		j.pendingDeadline = time.Time{}
	}
	j.mu.Unlock()
	j.cancel()
}

// WaitForTermination blocks until the running task, if any, completes, or
// timeout elapses. Returns false on timeout.
func (j *Job) WaitForTermination(timeout time.Duration) bool {
	done := make(chan struct{})
	go func() {
		j.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return true
	case <-time.After(timeout):
		return false
	}
}
