// Package scheduler runs DiffTasks across three bounded-concurrency
// queues (large, small, local) with retry and cancellation, per spec
// §4.7.
package scheduler

import (
	"context"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/kachina-project/kachina/internal/planner"
)

// Queue identifies which of the three bounded pools a task runs in.
type Queue int

const (
	QueueLarge Queue = iota
	QueueSmall
	QueueLocal
)

// Slot counts per queue, fixed by spec §4.7.
const (
	largeSlots = 4
	smallSlots = 6
	localSlots = 16
)

const maxRetries = 3

// Executor performs the actual work for one task: fetch/decompress/patch/
// hash/finalize. It must respect ctx cancellation at its I/O boundaries.
type Executor func(ctx context.Context, task *planner.DiffTask) error

// Result is the outcome the scheduler reports for one task once it stops
// retrying.
type Result struct {
	Task *planner.DiffTask
	Err  error
}

// Scheduler dispatches DiffTasks across the three queues.
type Scheduler struct {
	Exec Executor

	large chan struct{}
	small chan struct{}
	local chan struct{}
}

// New builds a Scheduler ready to run tasks with exec.
func New(exec Executor) *Scheduler {
	return &Scheduler{
		Exec:  exec,
		large: make(chan struct{}, largeSlots),
		small: make(chan struct{}, smallSlots),
		local: make(chan struct{}, localSlots),
	}
}

// Threshold computes the large/small size boundary: 80% of the size of
// the N-th largest task, where N = min(4, max(2, files*0.3)) (spec §4.7).
func Threshold(tasks []*planner.DiffTask) uint64 {
	n := len(tasks)
	if n == 0 {
		return 0
	}
	N := int(math.Round(float64(n) * 0.3))
	if N < 2 {
		N = 2
	}
	if N > 4 {
		N = 4
	}
	if N > n {
		N = n
	}

	sizes := make([]uint64, n)
	for i, t := range tasks {
		sizes[i] = t.Size()
	}
	sort.Slice(sizes, func(i, j int) bool { return sizes[i] > sizes[j] })
	return uint64(float64(sizes[N-1]) * 0.8)
}

// Classify assigns each task to a queue: Local-mode tasks (no network) go
// to the local queue regardless of size; everything else is large or
// small relative to threshold.
func Classify(task *planner.DiffTask, threshold uint64) Queue {
	if task.Mode == planner.ModeLocal {
		return QueueLocal
	}
	if task.Size() >= threshold {
		return QueueLarge
	}
	return QueueSmall
}

func (s *Scheduler) semaphore(q Queue) chan struct{} {
	switch q {
	case QueueLarge:
		return s.large
	case QueueLocal:
		return s.local
	default:
		return s.small
	}
}

// Run dispatches every task to its queue, running each task at most
// maxRetries times in all (every retry disables Local and Patch, forcing
// Direct), and returns
// once every task has either succeeded or exhausted its retries or ctx was
// canceled. Results are reported in completion order, not input order.
func (s *Scheduler) Run(ctx context.Context, tasks []*planner.DiffTask) []Result {
	threshold := Threshold(tasks)

	results := make(chan Result, len(tasks))
	var wg sync.WaitGroup

	for _, t := range tasks {
		t := t
		q := Classify(t, threshold)
		wg.Add(1)
		go func() {
			defer wg.Done()
			sem := s.semaphore(q)
			select {
			case sem <- struct{}{}:
			case <-ctx.Done():
				results <- Result{Task: t, Err: ctx.Err()}
				return
			}
			defer func() { <-sem }()
			results <- Result{Task: t, Err: s.runWithRetry(ctx, t)}
		}()
	}

	go func() {
		wg.Wait()
		close(results)
	}()

	var out []Result
	for r := range results {
		out = append(out, r)
	}
	return out
}

func (s *Scheduler) runWithRetry(ctx context.Context, task *planner.DiffTask) error {
	var lastErr error
	for attempt := 0; attempt < maxRetries; attempt++ {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		task.State = planner.Running
		err := s.Exec(ctx, task)
		if err == nil {
			task.State = planner.Succeeded
			return nil
		}
		lastErr = err
		task.State = planner.Failed

		if attempt < maxRetries-1 {
			planner.Retry(task, nil)
			select {
			case <-time.After(backoff(attempt)):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
	return fmt.Errorf("scheduler: task %s failed after %d attempts: %w", task.Target.FileName, maxRetries, lastErr)
}

func backoff(attempt int) time.Duration {
	return time.Duration(200*(1<<attempt)) * time.Millisecond
}
