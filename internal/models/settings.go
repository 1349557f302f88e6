package models

// DreamDaemonSettings configures how the watchdog launches and supervises
// an instance's server process. Fields whose zero value is meaningful
// (ultrasafe, public, health checks off) carry no column default.
type DreamDaemonSettings struct {
	ID                       uint   `gorm:"primaryKey;autoIncrement"`
	InstanceID               uint   `gorm:"not null;uniqueIndex"`
	Port                     uint16 `gorm:"not null;default:1337"`
	TopicPort                *uint16
	SecurityLevel            SecurityLevel `gorm:"not null"`
	Visibility               Visibility    `gorm:"not null"`
	AutoStart                bool          `gorm:"default:false"`
	HealthCheckSeconds       uint32
	HealthCheckMisses        uint32 `gorm:"default:3"`
	DumpOnHealthCheckRestart bool   `gorm:"default:false"`
	TopicRequestTimeoutMs    uint32 `gorm:"default:5000"`
	StartupTimeoutSeconds    uint32 `gorm:"default:60"`
	AdditionalParameters     string `gorm:"size:512"`
	MapThreads               uint32 `gorm:"default:0"`
	StartProfiler            bool   `gorm:"default:false"`
	Minidumps                bool
	LogOutput                bool
	PinnedCompileJobID       *uint
}

// ControlPort returns the port topic requests are sent to.
func (s DreamDaemonSettings) ControlPort() uint16 {
	if s.TopicPort != nil {
		return *s.TopicPort
	}
	return s.Port
}

// DreamMakerSettings configures how the deployment pipeline compiles and
// validates builds.
type DreamMakerSettings struct {
	ID                          uint           `gorm:"primaryKey;autoIncrement"`
	InstanceID                  uint           `gorm:"not null;uniqueIndex"`
	ProjectName                 string         `gorm:"size:256"`
	ApiValidationPort           uint16         `gorm:"not null;default:1339"`
	ApiValidationSecurityLevel  SecurityLevel  `gorm:"not null"`
	ApiValidationMode           ValidationMode `gorm:"not null;default:0"`
	TimeoutSeconds              uint32         `gorm:"default:3600"`
	CompilerAdditionalArguments string         `gorm:"size:512"`
}

// RepositorySettings describes where an instance's sources come from.
type RepositorySettings struct {
	ID                      uint   `gorm:"primaryKey;autoIncrement"`
	InstanceID              uint   `gorm:"not null;uniqueIndex"`
	OriginURL               string `gorm:"size:512"`
	Reference               string `gorm:"size:128"`
	CommitterName           string `gorm:"size:128"`
	CommitterEmail          string `gorm:"size:256"`
	GitHubOwner             string `gorm:"size:128"`
	GitHubRepo              string `gorm:"size:128"`
	CreateGitHubDeployments bool   `gorm:"default:false"`
}
