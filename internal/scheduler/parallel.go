package scheduler

import (
	"context"
	"sync/atomic"

	"golang.org/x/sync/errgroup"
)

// RunParallel claims and runs queued jobs with up to maxConcurrent
// jobs in flight at once, sharing this Scheduler's host policy (mutex
// guarded) and connection budget across every running job. It returns
// once the queue is drained and every in-flight job has finished, along
// with the number of jobs it ran and the first error encountered (a
// later job's error does not stop earlier ones from finishing: the
// errgroup here is not derived from ctx, so one job failing never
// cancels its siblings).
func (s *Scheduler) RunParallel(ctx context.Context, maxConcurrent int, opts RunOptions) (int, error) {
	if maxConcurrent < 1 {
		maxConcurrent = 1
	}

	var g errgroup.Group
	g.SetLimit(maxConcurrent)

	var runCount atomic.Int64
	for ctx.Err() == nil {
		id, ok, err := s.Store.ClaimNextQueued(ctx)
		if err != nil {
			_ = g.Wait()
			return int(runCount.Load()), err
		}
		if !ok {
			break
		}
		g.Go(func() error {
			runCount.Add(1)
			if jobErr := s.RunJob(ctx, id, opts); jobErr != nil {
				s.Log.Error("job %d failed: %v", id, jobErr)
				return jobErr
			}
			return nil
		})
	}

	err := g.Wait()
	return int(runCount.Load()), err
}
