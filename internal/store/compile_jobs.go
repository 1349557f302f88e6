package store

import (
	"context"
	"fmt"

	"github.com/zulandar/roundhouse/internal/models"
	"gorm.io/gorm/clause"
)

// CreateCompileJob inserts a finished build. The job and revision it
// references must already exist.
func (s *Store) CreateCompileJob(ctx context.Context, cj models.CompileJob) (models.CompileJob, error) {
	cj.Job = models.Job{}
	cj.RevisionInformation = models.RevisionInformation{}
	if err := s.db.WithContext(ctx).Omit(clause.Associations).Create(&cj).Error; err != nil {
		return models.CompileJob{}, fmt.Errorf("store: create compile job for job %d: %w", cj.JobID, err)
	}
	return cj, nil
}

// GetCompileJob loads a build by id, with its job and revision.
func (s *Store) GetCompileJob(ctx context.Context, id uint) (models.CompileJob, error) {
	var cj models.CompileJob
	if err := s.db.WithContext(ctx).Preload("Job").Preload("RevisionInformation").First(&cj, id).Error; err != nil {
		return models.CompileJob{}, notFound(err, "store: get compile job %d", id)
	}
	return cj, nil
}

// LatestCompileJob returns the newest successful build for an instance.
func (s *Store) LatestCompileJob(ctx context.Context, instanceID uint) (models.CompileJob, error) {
	var cj models.CompileJob
	err := s.db.WithContext(ctx).
		Joins("JOIN jobs ON jobs.id = compile_jobs.job_id").
		Where("jobs.instance_id = ?", instanceID).
		Order("compile_jobs.id DESC").
		Preload("Job").Preload("RevisionInformation").
		First(&cj).Error
	if err != nil {
		return models.CompileJob{}, notFound(err, "store: latest compile job for instance %d", instanceID)
	}
	return cj, nil
}

// ListCompileJobs returns an instance's builds, newest first.
func (s *Store) ListCompileJobs(ctx context.Context, instanceID uint, limit int) ([]models.CompileJob, error) {
	q := s.db.WithContext(ctx).
		Joins("JOIN jobs ON jobs.id = compile_jobs.job_id").
		Where("jobs.instance_id = ?", instanceID).
		Order("compile_jobs.id DESC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	var out []models.CompileJob
	if err := q.Find(&out).Error; err != nil {
		return nil, fmt.Errorf("store: list compile jobs for instance %d: %w", instanceID, err)
	}
	return out, nil
}
