package archive

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
)

// ErrBusy is returned when a run or reset is already in progress.
var ErrBusy = errors.New("archive run already in progress")

// Runner serializes runs and resets of a Job that may be swapped after a
// configuration reload. At most one call executes at a time; callers that
// find it busy get ErrBusy.
type Runner struct {
	mu  sync.Mutex
	job atomic.Pointer[Job]
}

func NewRunner(job *Job) *Runner {
	r := &Runner{}
	r.job.Store(job)
	return r
}

// Swap replaces the job used by subsequent calls and returns the previous
// one. A call already running keeps the job it started with.
func (r *Runner) Swap(job *Job) *Job {
	return r.job.Swap(job)
}

// WaitIdle blocks until no run or reset is in progress.
func (r *Runner) WaitIdle() {
	r.mu.Lock() //nolint:staticcheck
	r.mu.Unlock()
}

func (r *Runner) ProcessNextMonth(ctx context.Context) (Outcome, error) {
	if !r.mu.TryLock() {
		return Outcome{}, ErrBusy
	}
	defer r.mu.Unlock()
	return r.job.Load().ProcessNextMonth(ctx)
}

func (r *Runner) ResetProcessedMonth(ctx context.Context) error {
	if !r.mu.TryLock() {
		return ErrBusy
	}
	defer r.mu.Unlock()
	return r.job.Load().ResetProcessedMonth(ctx)
}
