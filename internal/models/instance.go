package models

import "time"

// Instance is one managed game server deployment rooted at Path.
type Instance struct {
	ID                uint   `gorm:"primaryKey;autoIncrement"`
	Name              string `gorm:"size:100;not null;uniqueIndex"`
	Path              string `gorm:"size:512;not null;uniqueIndex"`
	Online            bool   `gorm:"default:false"`
	AutoUpdateCron    string `gorm:"size:64"`
	AutoStartCron     string `gorm:"size:64"`
	AutoStopCron      string `gorm:"size:64"`
	ChatBotLimit      uint16 `gorm:"default:10"`
	ChannelLimit      uint16 `gorm:"default:100"`
	CurrentRevisionID *uint
	CreatedAt         time.Time
	UpdatedAt         time.Time
}
