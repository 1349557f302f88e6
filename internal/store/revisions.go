package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/zulandar/roundhouse/internal/models"
	"gorm.io/gorm"
)

// MergeStep is one test merge applied on top of the base commit, together
// with the commit that resulted from applying it.
type MergeStep struct {
	CommitSha string
	Merge     models.TestMerge
}

// Capture describes a checkout: a base commit plus test merges in the
// order they were applied.
type Capture struct {
	InstanceID      uint
	OriginCommitSha string
	Timestamp       time.Time
	Steps           []MergeStep
}

// CaptureRevision records the base commit and every merge step of c and
// returns the revision for the final commit.
//
// Revisions are keyed by (instance, commit sha). A step whose commit was
// already captured reuses that row untouched, along with its primary test
// merge. A new step creates its revision, a test merge whose primary
// revision is that new row, and join rows for every merge applied so far.
func (s *Store) CaptureRevision(ctx context.Context, c Capture) (models.RevisionInformation, error) {
	if c.OriginCommitSha == "" {
		return models.RevisionInformation{}, fmt.Errorf("store: capture revision: origin commit is required")
	}
	if c.Timestamp.IsZero() {
		c.Timestamp = time.Now().UTC()
	}

	var finalID uint
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		base, _, err := findOrCreateRevision(tx, models.RevisionInformation{
			InstanceID:      c.InstanceID,
			CommitSha:       c.OriginCommitSha,
			OriginCommitSha: c.OriginCommitSha,
			Timestamp:       c.Timestamp,
		})
		if err != nil {
			return err
		}
		finalID = base.ID

		var applied []uint
		for i, step := range c.Steps {
			if step.CommitSha == "" {
				return fmt.Errorf("step %d (#%d): commit sha is required", i, step.Merge.Number)
			}
			rev, created, err := findOrCreateRevision(tx, models.RevisionInformation{
				InstanceID:      c.InstanceID,
				CommitSha:       step.CommitSha,
				OriginCommitSha: c.OriginCommitSha,
				Timestamp:       c.Timestamp,
			})
			if err != nil {
				return err
			}
			if rev.ID == finalID {
				// Merge was a no-op (already contained in the previous commit).
				continue
			}
			finalID = rev.ID

			if !created {
				var primary models.TestMerge
				err := tx.Where("primary_revision_information_id = ?", rev.ID).First(&primary).Error
				switch {
				case err == nil:
					applied = append(applied, primary.ID)
				case errors.Is(err, gorm.ErrRecordNotFound):
				default:
					return fmt.Errorf("load primary merge of revision %d: %w", rev.ID, err)
				}
				continue
			}

			tm := step.Merge
			tm.ID = 0
			tm.InstanceID = c.InstanceID
			tm.PrimaryRevisionInformationID = rev.ID
			if tm.MergedAt.IsZero() {
				tm.MergedAt = c.Timestamp
			}
			if err := tx.Create(&tm).Error; err != nil {
				return fmt.Errorf("create test merge #%d: %w", tm.Number, err)
			}
			applied = append(applied, tm.ID)

			links := make([]models.RevInfoTestMerge, 0, len(applied))
			for _, id := range applied {
				links = append(links, models.RevInfoTestMerge{RevisionInformationID: rev.ID, TestMergeID: id})
			}
			if err := tx.Omit("TestMerge").Create(&links).Error; err != nil {
				return fmt.Errorf("link test merges to revision %d: %w", rev.ID, err)
			}
		}
		return nil
	})
	if err != nil {
		return models.RevisionInformation{}, fmt.Errorf("store: capture revision for instance %d: %w", c.InstanceID, err)
	}
	return s.GetRevision(ctx, finalID)
}

func findOrCreateRevision(tx *gorm.DB, want models.RevisionInformation) (models.RevisionInformation, bool, error) {
	var rev models.RevisionInformation
	err := tx.Where("instance_id = ? AND commit_sha = ?", want.InstanceID, want.CommitSha).First(&rev).Error
	if err == nil {
		return rev, false, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return rev, false, fmt.Errorf("find revision %s: %w", want.CommitSha, err)
	}
	if err := tx.Omit("PrimaryTestMerge", "ActiveTestMerges").Create(&want).Error; err != nil {
		return rev, false, fmt.Errorf("create revision %s: %w", want.CommitSha, err)
	}
	return want, true, nil
}

// GetRevision loads a revision with its primary and active test merges.
func (s *Store) GetRevision(ctx context.Context, id uint) (models.RevisionInformation, error) {
	var rev models.RevisionInformation
	err := s.db.WithContext(ctx).
		Preload("PrimaryTestMerge").
		Preload("ActiveTestMerges", func(db *gorm.DB) *gorm.DB {
			return db.Order("test_merge_id ASC")
		}).
		Preload("ActiveTestMerges.TestMerge").
		First(&rev, id).Error
	if err != nil {
		return models.RevisionInformation{}, notFound(err, "store: get revision %d", id)
	}
	return rev, nil
}

// ListRevisions returns an instance's captured revisions, newest first.
func (s *Store) ListRevisions(ctx context.Context, instanceID uint) ([]models.RevisionInformation, error) {
	var out []models.RevisionInformation
	if err := s.db.WithContext(ctx).Where("instance_id = ?", instanceID).Order("id DESC").Find(&out).Error; err != nil {
		return nil, fmt.Errorf("store: list revisions for instance %d: %w", instanceID, err)
	}
	return out, nil
}
