package store

import (
	"context"
	"fmt"
	"time"

	"github.com/zulandar/roundhouse/internal/models"
)

// Completion is the terminal state written to a running job.
type Completion struct {
	StoppedAt        time.Time
	Cancelled        bool
	CancelledBy      string
	ErrorCode        *models.ErrorCode
	ExceptionDetails string
}

// JobFilter narrows ListJobs. Zero values match everything.
type JobFilter struct {
	InstanceID  uint
	RunningOnly bool
	Code        *models.JobCode
	Limit       int
}

// CreateJob inserts a new running job and returns the stored row.
func (s *Store) CreateJob(ctx context.Context, job models.Job) (models.Job, error) {
	if job.StoppedAt != nil {
		return models.Job{}, fmt.Errorf("store: create job: new jobs must be running")
	}
	if job.StartedAt.IsZero() {
		job.StartedAt = time.Now().UTC()
	}
	if err := s.db.WithContext(ctx).Create(&job).Error; err != nil {
		return models.Job{}, fmt.Errorf("store: create job %q: %w", job.Description, err)
	}
	return job, nil
}

// GetJob loads a job by id.
func (s *Store) GetJob(ctx context.Context, id uint) (models.Job, error) {
	var job models.Job
	if err := s.db.WithContext(ctx).First(&job, id).Error; err != nil {
		return models.Job{}, notFound(err, "store: get job %d", id)
	}
	return job, nil
}

// CompleteJob stops a running job. The update only applies while the row is
// still running, so a completed job is never rewritten. It returns the row
// as stored afterwards and whether this call was the one that stopped it.
// StoppedAt is clamped so it never precedes StartedAt.
func (s *Store) CompleteJob(ctx context.Context, id uint, c Completion) (models.Job, bool, error) {
	current, err := s.GetJob(ctx, id)
	if err != nil {
		return models.Job{}, false, err
	}
	if !current.Running() {
		return current, false, nil
	}
	stopped := c.StoppedAt
	if stopped.IsZero() {
		stopped = time.Now().UTC()
	}
	if stopped.Before(current.StartedAt) {
		stopped = current.StartedAt
	}

	updates := map[string]interface{}{
		"stopped_at":        stopped,
		"cancelled":         c.Cancelled,
		"cancelled_by":      c.CancelledBy,
		"error_code":        c.ErrorCode,
		"exception_details": c.ExceptionDetails,
	}
	result := s.db.WithContext(ctx).Model(&models.Job{}).
		Where("id = ? AND stopped_at IS NULL", id).
		Updates(updates)
	if result.Error != nil {
		return models.Job{}, false, fmt.Errorf("store: complete job %d: %w", id, result.Error)
	}
	job, err := s.GetJob(ctx, id)
	if err != nil {
		return models.Job{}, false, err
	}
	return job, result.RowsAffected == 1, nil
}

// ListJobs returns jobs newest first.
func (s *Store) ListJobs(ctx context.Context, f JobFilter) ([]models.Job, error) {
	q := s.db.WithContext(ctx).Order("id DESC")
	if f.InstanceID != 0 {
		q = q.Where("instance_id = ?", f.InstanceID)
	}
	if f.RunningOnly {
		q = q.Where("stopped_at IS NULL")
	}
	if f.Code != nil {
		q = q.Where("job_code = ?", *f.Code)
	}
	if f.Limit > 0 {
		q = q.Limit(f.Limit)
	}
	var jobs []models.Job
	if err := q.Find(&jobs).Error; err != nil {
		return nil, fmt.Errorf("store: list jobs: %w", err)
	}
	return jobs, nil
}

// RunningJobs returns every job without a StoppedAt, oldest first.
func (s *Store) RunningJobs(ctx context.Context) ([]models.Job, error) {
	var jobs []models.Job
	if err := s.db.WithContext(ctx).Where("stopped_at IS NULL").Order("id ASC").Find(&jobs).Error; err != nil {
		return nil, fmt.Errorf("store: running jobs: %w", err)
	}
	return jobs, nil
}
