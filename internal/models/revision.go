package models

import "time"

// RevisionInformation records a source commit captured for an instance,
// optionally produced by overlaying test merges on OriginCommitSha.
type RevisionInformation struct {
	ID              uint      `gorm:"primaryKey;autoIncrement"`
	InstanceID      uint      `gorm:"not null;uniqueIndex:idx_revision_instance_commit"`
	CommitSha       string    `gorm:"size:40;not null;uniqueIndex:idx_revision_instance_commit"`
	OriginCommitSha string    `gorm:"size:40;not null"`
	Timestamp       time.Time `gorm:"not null"`

	PrimaryTestMerge *TestMerge         `gorm:"foreignKey:PrimaryRevisionInformationID"`
	ActiveTestMerges []RevInfoTestMerge `gorm:"foreignKey:RevisionInformationID"`
}

// TestMerge is a pull request overlaid on the tracked base commit, as it
// looked when it was merged. Rows are never updated.
type TestMerge struct {
	ID                           uint      `gorm:"primaryKey;autoIncrement"`
	InstanceID                   uint      `gorm:"not null;index"`
	Number                       int       `gorm:"not null"`
	TargetCommitSha              string    `gorm:"size:40;not null"`
	SourceRepository             string    `gorm:"size:256"`
	MergedAt                     time.Time `gorm:"not null"`
	MergedBy                     string    `gorm:"size:64"`
	TitleAtMerge                 string    `gorm:"size:256"`
	BodyAtMerge                  string    `gorm:"type:text"`
	Author                       string    `gorm:"size:128"`
	URL                          string    `gorm:"size:512"`
	Comment                      string    `gorm:"type:text"`
	PrimaryRevisionInformationID uint      `gorm:"not null;uniqueIndex"`
}

// RevInfoTestMerge links a RevisionInformation to each test merge active in it.
type RevInfoTestMerge struct {
	RevisionInformationID uint `gorm:"primaryKey"`
	TestMergeID           uint `gorm:"primaryKey"`

	TestMerge TestMerge `gorm:"foreignKey:TestMergeID"`
}
