package jobs

import (
	"context"
	"fmt"
	"time"

	"github.com/zulandar/roundhouse/internal/metrics"
	"github.com/zulandar/roundhouse/internal/models"
	"github.com/zulandar/roundhouse/internal/store"
)

// RecoverResult counts how orphaned jobs were closed.
type RecoverResult struct {
	Reattached int
	Failed     int
	Lost       int
}

// Recover closes every job row left running by a previous daemon process.
// Watchdog jobs are closed with the outcome of reattach for their instance;
// anything else lost its in-memory continuation and is closed with
// JobLostOnRestart. Jobs running in this process are left alone.
func (s *Scheduler) Recover(ctx context.Context, reattach func(context.Context, models.Job) bool) (RecoverResult, error) {
	var res RecoverResult
	orphans, err := s.store.RunningJobs(ctx)
	if err != nil {
		return res, fmt.Errorf("jobs: recover: %w", err)
	}

	for _, job := range orphans {
		if s.lookup(job.ID) != nil {
			continue
		}
		c := store.Completion{StoppedAt: time.Now().UTC()}
		outcome := "succeeded"
		switch {
		case job.JobCode.IsWatchdog() && reattach != nil && reattach(ctx, job):
			res.Reattached++
		case job.JobCode.IsWatchdog():
			code := models.ErrorCodeReattachFailed
			c.ErrorCode = &code
			c.ExceptionDetails = "server process could not be reattached after restart"
			outcome = "failed"
			res.Failed++
		default:
			code := models.ErrorCodeJobLostOnRestart
			c.ErrorCode = &code
			c.ExceptionDetails = "daemon restarted while the job was running"
			outcome = "failed"
			res.Lost++
		}

		final, updated, err := s.store.CompleteJob(ctx, job.ID, c)
		if err != nil {
			return res, fmt.Errorf("jobs: recover job %d: %w", job.ID, err)
		}
		if !updated {
			continue
		}
		s.log.Warn().Uint("job", job.ID).Uint("instance", job.InstanceID).
			Str("code", job.JobCode.String()).Str("outcome", outcome).Msg("recovered orphaned job")
		metrics.JobsCompleted.WithLabelValues(job.JobCode.String(), outcome).Inc()

		s.mu.Lock()
		listeners := append([]func(models.Job){}, s.listeners...)
		s.mu.Unlock()
		for _, fn := range listeners {
			fn(final)
		}
	}
	return res, nil
}
