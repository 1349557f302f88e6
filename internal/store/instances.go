package store

import (
	"context"
	"fmt"

	"github.com/zulandar/roundhouse/internal/db"
	"github.com/zulandar/roundhouse/internal/models"
	"gorm.io/gorm"
)

// Settings bundles the per-instance configuration rows.
type Settings struct {
	DreamDaemon models.DreamDaemonSettings
	DreamMaker  models.DreamMakerSettings
	Repository  models.RepositorySettings
}

// CreateInstance inserts an instance and its settings. Name and path must
// be unused.
func (s *Store) CreateInstance(ctx context.Context, rows db.InstanceRows) (models.Instance, error) {
	var inst models.Instance
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var count int64
		if err := tx.Model(&models.Instance{}).
			Where("name = ? OR path = ?", rows.Instance.Name, rows.Instance.Path).
			Count(&count).Error; err != nil {
			return err
		}
		if count > 0 {
			return fmt.Errorf("instance name %q or path %q already in use", rows.Instance.Name, rows.Instance.Path)
		}
		inst = rows.Instance
		if err := tx.Create(&inst).Error; err != nil {
			return err
		}
		rows.DreamDaemon.InstanceID = inst.ID
		rows.DreamMaker.InstanceID = inst.ID
		rows.Repository.InstanceID = inst.ID
		for _, row := range []interface{}{&rows.DreamDaemon, &rows.DreamMaker, &rows.Repository} {
			if err := tx.Create(row).Error; err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return models.Instance{}, fmt.Errorf("store: create instance %q: %w", rows.Instance.Name, err)
	}
	return inst, nil
}

// GetInstance loads an instance by id.
func (s *Store) GetInstance(ctx context.Context, id uint) (models.Instance, error) {
	var inst models.Instance
	if err := s.db.WithContext(ctx).First(&inst, id).Error; err != nil {
		return models.Instance{}, notFound(err, "store: get instance %d", id)
	}
	return inst, nil
}

// GetInstanceByName loads an instance by its unique name.
func (s *Store) GetInstanceByName(ctx context.Context, name string) (models.Instance, error) {
	var inst models.Instance
	if err := s.db.WithContext(ctx).Where("name = ?", name).First(&inst).Error; err != nil {
		return models.Instance{}, notFound(err, "store: get instance %q", name)
	}
	return inst, nil
}

// ListInstances returns all instances ordered by id.
func (s *Store) ListInstances(ctx context.Context) ([]models.Instance, error) {
	var out []models.Instance
	if err := s.db.WithContext(ctx).Order("id ASC").Find(&out).Error; err != nil {
		return nil, fmt.Errorf("store: list instances: %w", err)
	}
	return out, nil
}

// SetOnline toggles the instance's online flag.
func (s *Store) SetOnline(ctx context.Context, id uint, online bool) error {
	return s.updateInstance(ctx, id, "online", online)
}

// SetCurrentRevision points the instance at a captured revision.
func (s *Store) SetCurrentRevision(ctx context.Context, id, revisionID uint) error {
	return s.updateInstance(ctx, id, "current_revision_id", revisionID)
}

func (s *Store) updateInstance(ctx context.Context, id uint, column string, value interface{}) error {
	result := s.db.WithContext(ctx).Model(&models.Instance{}).Where("id = ?", id).Update(column, value)
	if result.Error != nil {
		return fmt.Errorf("store: update instance %d %s: %w", id, column, result.Error)
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("store: update instance %d %s: %w", id, column, ErrNotFound)
	}
	return nil
}

// DeleteInstance removes an instance, its settings and any reattach row.
// Jobs, revisions and builds are kept as history.
func (s *Store) DeleteInstance(ctx context.Context, id uint) error {
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for _, m := range []interface{}{
			&models.DreamDaemonSettings{}, &models.DreamMakerSettings{},
			&models.RepositorySettings{}, &models.ReattachInformation{},
		} {
			if err := tx.Where("instance_id = ?", id).Delete(m).Error; err != nil {
				return err
			}
		}
		result := tx.Delete(&models.Instance{}, id)
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			return ErrNotFound
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("store: delete instance %d: %w", id, err)
	}
	return nil
}

// Settings loads all settings rows for an instance.
func (s *Store) Settings(ctx context.Context, instanceID uint) (Settings, error) {
	var out Settings
	q := s.db.WithContext(ctx)
	if err := q.Where("instance_id = ?", instanceID).First(&out.DreamDaemon).Error; err != nil {
		return Settings{}, notFound(err, "store: dream daemon settings for instance %d", instanceID)
	}
	if err := q.Where("instance_id = ?", instanceID).First(&out.DreamMaker).Error; err != nil {
		return Settings{}, notFound(err, "store: dream maker settings for instance %d", instanceID)
	}
	if err := q.Where("instance_id = ?", instanceID).First(&out.Repository).Error; err != nil {
		return Settings{}, notFound(err, "store: repository settings for instance %d", instanceID)
	}
	return out, nil
}

// SetPinnedCompileJob sets or clears the build the watchdog launches
// instead of the latest deployment.
func (s *Store) SetPinnedCompileJob(ctx context.Context, instanceID uint, compileJobID *uint) error {
	result := s.db.WithContext(ctx).Model(&models.DreamDaemonSettings{}).
		Where("instance_id = ?", instanceID).
		Update("pinned_compile_job_id", compileJobID)
	if result.Error != nil {
		return fmt.Errorf("store: pin compile job for instance %d: %w", instanceID, result.Error)
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("store: pin compile job for instance %d: %w", instanceID, ErrNotFound)
	}
	return nil
}
