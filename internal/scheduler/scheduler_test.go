package scheduler_test

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	. "gopkg.in/check.v1"

	"github.com/kachina-project/kachina/internal/manifest"
	"github.com/kachina-project/kachina/internal/planner"
	"github.com/kachina-project/kachina/internal/scheduler"
)

func Test(t *testing.T) { TestingT(t) }

type S struct{}

var _ = Suite(&S{})

func (s *S) TestThresholdPicksNthLargest(c *C) {
	tasks := make([]*planner.DiffTask, 10)
	for i := range tasks {
		tasks[i] = &planner.DiffTask{Target: manifestHashedFile(uint64((i + 1) * 100))}
	}
	// 10 files -> N = min(4, max(2, 3)) = 3; sizes descending: 1000,900,800,...
	// 3rd largest is 800; threshold = 640.
	got := scheduler.Threshold(tasks)
	c.Assert(got, Equals, uint64(640))
}

func (s *S) TestClassifyLocalModeAlwaysLocalQueue(c *C) {
	task := &planner.DiffTask{Mode: planner.ModeLocal, Target: manifestHashedFile(1_000_000)}
	c.Assert(scheduler.Classify(task, 10), Equals, scheduler.QueueLocal)
}

func (s *S) TestClassifyBySize(c *C) {
	big := &planner.DiffTask{Mode: planner.ModeDirect, Target: manifestHashedFile(1000)}
	small := &planner.DiffTask{Mode: planner.ModeDirect, Target: manifestHashedFile(10)}
	c.Assert(scheduler.Classify(big, 500), Equals, scheduler.QueueLarge)
	c.Assert(scheduler.Classify(small, 500), Equals, scheduler.QueueSmall)
}

func (s *S) TestRunSucceedsAllTasks(c *C) {
	var calls int32
	sched := scheduler.New(func(ctx context.Context, t *planner.DiffTask) error {
		atomic.AddInt32(&calls, 1)
		return nil
	})
	tasks := []*planner.DiffTask{
		{Target: manifestHashedFile(10), Mode: planner.ModeDirect},
		{Target: manifestHashedFile(20), Mode: planner.ModeLocal},
	}
	results := sched.Run(context.Background(), tasks)
	c.Assert(results, HasLen, 2)
	for _, r := range results {
		c.Assert(r.Err, IsNil)
	}
	c.Assert(atomic.LoadInt32(&calls), Equals, int32(2))
}

func (s *S) TestRunRetriesThenFails(c *C) {
	var calls int32
	sched := scheduler.New(func(ctx context.Context, t *planner.DiffTask) error {
		atomic.AddInt32(&calls, 1)
		return errors.New("boom")
	})
	tasks := []*planner.DiffTask{{Target: manifestHashedFile(10), Mode: planner.ModeDirect, LocalAllowed: true, PatchAllowed: true}}

	start := time.Now()
	results := sched.Run(context.Background(), tasks)
	elapsed := time.Since(start)

	c.Assert(results, HasLen, 1)
	c.Assert(results[0].Err, NotNil)
	c.Assert(atomic.LoadInt32(&calls), Equals, int32(3))
	c.Assert(elapsed > 0, Equals, true)
}

func (s *S) TestRunRespectsCancellation(c *C) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	sched := scheduler.New(func(ctx context.Context, t *planner.DiffTask) error {
		return nil
	})
	tasks := []*planner.DiffTask{{Target: manifestHashedFile(10), Mode: planner.ModeDirect}}
	results := sched.Run(ctx, tasks)
	c.Assert(results, HasLen, 1)
}

func manifestHashedFile(size uint64) manifest.HashedFile {
	return manifest.HashedFile{Size: size}
}
