package models

// CompileJob is an immutable build produced by a successful deployment.
type CompileJob struct {
	ID                    uint          `gorm:"primaryKey;autoIncrement"`
	JobID                 uint          `gorm:"not null;uniqueIndex"`
	RevisionInformationID uint          `gorm:"not null;index"`
	DirectoryName         string        `gorm:"size:36;not null;uniqueIndex"`
	DMApiVersion          *string       `gorm:"size:32"`
	MinimumSecurityLevel  SecurityLevel `gorm:"not null"`
	EngineVersion         string        `gorm:"size:64;not null"`
	ProjectName           string        `gorm:"size:256"`
	Output                string        `gorm:"type:text"`
	RepositoryOrigin      string        `gorm:"size:512"`
	GitHubDeploymentID    *int64
	GitHubRepoID          *int64

	Job                 Job                 `gorm:"foreignKey:JobID"`
	RevisionInformation RevisionInformation `gorm:"foreignKey:RevisionInformationID"`
}
