package reconcile

import (
	"context"
	"time"

	"github.com/openlms/engage/logger"
)

// DefaultInterval is how often the scheduler runs its jobs.
const DefaultInterval = 30 * time.Minute

// Scheduler runs a set of reconciliation jobs on a fixed interval. Jobs
// within a pass run sequentially, so a slow pass delays the next tick
// rather than overlapping it.
type Scheduler struct {
	interval time.Duration
	jobs     []*Job
	log      logger.Logger
}

// NewScheduler returns a scheduler running jobs every interval. A zero
// or negative interval falls back to DefaultInterval.
func NewScheduler(interval time.Duration, log logger.Logger, jobs ...*Job) *Scheduler {
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Scheduler{
		interval: interval,
		jobs:     jobs,
		log:      log.WithPrefix("reconcile"),
	}
}

// RunOnce executes a single pass over all jobs and returns the
// aggregated metrics. Job-level scan failures are logged and do not
// abort the remaining jobs.
func (s *Scheduler) RunOnce(ctx context.Context) Metrics {
	var total Metrics
	for _, job := range s.jobs {
		if ctx.Err() != nil {
			return total
		}
		start := time.Now()
		m, err := job.Run(ctx)
		total.Add(m)
		if err != nil {
			s.log.Error("%s pass failed: %v", job.Name(), err)
			continue
		}
		s.log.With(map[string]interface{}{
			"scanned":  m.Scanned,
			"flushed":  m.Flushed,
			"pruned":   m.Pruned,
			"orphaned": m.Orphaned,
			"failed":   m.Failed,
			"duration": time.Since(start).String(),
		}).Info("%s pass complete", job.Name())
	}
	return total
}

// Start runs an initial pass, then one per interval until ctx is
// cancelled. It always returns ctx.Err().
func (s *Scheduler) Start(ctx context.Context) error {
	s.RunOnce(ctx)
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			s.RunOnce(ctx)
		}
	}
}
