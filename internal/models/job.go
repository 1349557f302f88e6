package models

import "time"

// Job is the durable record of one long-running operation. A Job with a nil
// StoppedAt is still running; once StoppedAt is set the row never changes.
type Job struct {
	ID               uint       `gorm:"primaryKey;autoIncrement"`
	Description      string     `gorm:"size:512;not null"`
	JobCode          JobCode    `gorm:"not null;index"`
	StartedAt        time.Time  `gorm:"not null"`
	StoppedAt        *time.Time `gorm:"index"`
	Cancelled        bool       `gorm:"default:false"`
	CancelRightsType *uint64
	CancelRight      *uint64
	ErrorCode        *ErrorCode
	ExceptionDetails string `gorm:"type:text"`
	InstanceID       uint   `gorm:"index"`
	StartedBy        string `gorm:"size:64"`
	CancelledBy      string `gorm:"size:64"`
}

// Running reports whether the job has not stopped yet.
func (j Job) Running() bool {
	return j.StoppedAt == nil
}

// Succeeded reports whether the job stopped without error or cancellation.
func (j Job) Succeeded() bool {
	return j.StoppedAt != nil && !j.Cancelled && j.ErrorCode == nil
}
