package store

import (
	"context"
	"fmt"

	"github.com/zulandar/roundhouse/internal/models"
	"gorm.io/gorm/clause"
)

// GetReattach loads the reattach row for an instance.
func (s *Store) GetReattach(ctx context.Context, instanceID uint) (models.ReattachInformation, error) {
	var r models.ReattachInformation
	if err := s.db.WithContext(ctx).Where("instance_id = ?", instanceID).First(&r).Error; err != nil {
		return models.ReattachInformation{}, notFound(err, "store: reattach info for instance %d", instanceID)
	}
	return r, nil
}

// ListReattach returns every persisted reattach row.
func (s *Store) ListReattach(ctx context.Context) ([]models.ReattachInformation, error) {
	var out []models.ReattachInformation
	if err := s.db.WithContext(ctx).Order("instance_id ASC").Find(&out).Error; err != nil {
		return nil, fmt.Errorf("store: list reattach info: %w", err)
	}
	return out, nil
}

// SaveReattach writes the reattach row for r.InstanceID, replacing any
// previous row for that instance.
func (s *Store) SaveReattach(ctx context.Context, r models.ReattachInformation) (models.ReattachInformation, error) {
	r.ID = 0
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "instance_id"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"access_identifier", "process_id", "port", "topic_port", "reboot_state",
			"launch_security_level", "launch_visibility", "compile_job_id",
			"initial_compile_job_id", "updated_at",
		}),
	}).Create(&r).Error
	if err != nil {
		return models.ReattachInformation{}, fmt.Errorf("store: save reattach info for instance %d: %w", r.InstanceID, err)
	}
	return s.GetReattach(ctx, r.InstanceID)
}

// DeleteReattach removes the reattach row for an instance. Deleting a
// missing row is not an error.
func (s *Store) DeleteReattach(ctx context.Context, instanceID uint) error {
	if err := s.db.WithContext(ctx).Where("instance_id = ?", instanceID).Delete(&models.ReattachInformation{}).Error; err != nil {
		return fmt.Errorf("store: delete reattach info for instance %d: %w", instanceID, err)
	}
	return nil
}
