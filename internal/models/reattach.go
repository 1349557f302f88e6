package models

import "time"

// ReattachInformation is everything needed to reconnect to a live server
// process after the daemon restarts. There is at most one row per instance.
type ReattachInformation struct {
	ID                  uint   `gorm:"primaryKey;autoIncrement"`
	InstanceID          uint   `gorm:"not null;uniqueIndex"`
	AccessIdentifier    string `gorm:"size:64;not null"`
	ProcessID           int    `gorm:"not null"`
	Port                uint16 `gorm:"not null"`
	TopicPort           *uint16
	RebootState         RebootState   `gorm:"not null;default:0"`
	LaunchSecurityLevel SecurityLevel `gorm:"not null"`
	LaunchVisibility    Visibility    `gorm:"not null"`
	CompileJobID        uint          `gorm:"not null"`
	InitialCompileJobID uint          `gorm:"not null"`
	CreatedAt           time.Time
	UpdatedAt           time.Time
}

// ControlPort returns the port topic requests are sent to.
func (r ReattachInformation) ControlPort() uint16 {
	if r.TopicPort != nil {
		return *r.TopicPort
	}
	return r.Port
}
