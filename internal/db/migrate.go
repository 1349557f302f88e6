package db

import (
	"fmt"

	"github.com/zulandar/roundhouse/internal/config"
	"github.com/zulandar/roundhouse/internal/models"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// AllModels returns every GORM model for migration, parents before children.
func AllModels() []interface{} {
	return []interface{}{
		&models.Instance{},
		&models.Job{},
		&models.RevisionInformation{},
		&models.TestMerge{},
		&models.RevInfoTestMerge{},
		&models.CompileJob{},
		&models.ReattachInformation{},
		&models.DreamDaemonSettings{},
		&models.DreamMakerSettings{},
		&models.RepositorySettings{},
	}
}

// AutoMigrate creates or updates all tables.
func AutoMigrate(db *gorm.DB) error {
	if err := db.AutoMigrate(AllModels()...); err != nil {
		return fmt.Errorf("db: auto-migrate: %w", err)
	}
	return nil
}

// InstanceRows is an instance and its settings rows as derived from
// configuration. InstanceID fields are filled in when the rows are written.
type InstanceRows struct {
	Instance    models.Instance
	DreamDaemon models.DreamDaemonSettings
	DreamMaker  models.DreamMakerSettings
	Repository  models.RepositorySettings
}

// RowsFromConfig converts one configured instance into its rows. The config
// is expected to have passed validation and defaulting.
func RowsFromConfig(ic config.InstanceConfig) (InstanceRows, error) {
	security, err := models.ParseSecurityLevel(ic.DreamDaemon.SecurityLevel)
	if err != nil {
		return InstanceRows{}, fmt.Errorf("db: instance %q: %w", ic.Name, err)
	}
	visibility, err := models.ParseVisibility(ic.DreamDaemon.Visibility)
	if err != nil {
		return InstanceRows{}, fmt.Errorf("db: instance %q: %w", ic.Name, err)
	}
	validationSecurity, err := models.ParseSecurityLevel(ic.DreamMaker.ApiValidationSecurityLevel)
	if err != nil {
		return InstanceRows{}, fmt.Errorf("db: instance %q: %w", ic.Name, err)
	}
	mode, err := models.ParseValidationMode(ic.DreamMaker.ApiValidationMode)
	if err != nil {
		return InstanceRows{}, fmt.Errorf("db: instance %q: %w", ic.Name, err)
	}

	dd := ic.DreamDaemon
	rows := InstanceRows{
		Instance: models.Instance{
			Name:           ic.Name,
			Path:           ic.Path,
			Online:         ic.Online,
			AutoUpdateCron: ic.AutoUpdateCron,
			AutoStartCron:  ic.AutoStartCron,
			AutoStopCron:   ic.AutoStopCron,
			ChatBotLimit:   ic.ChatBotLimit,
			ChannelLimit:   ic.ChannelLimit,
		},
		DreamDaemon: models.DreamDaemonSettings{
			Port:                     dd.Port,
			TopicPort:                dd.TopicPort,
			SecurityLevel:            security,
			Visibility:               visibility,
			AutoStart:                dd.AutoStart,
			HealthCheckMisses:        dd.HealthCheckMisses,
			DumpOnHealthCheckRestart: dd.DumpOnHealthCheckRestart,
			TopicRequestTimeoutMs:    dd.TopicRequestTimeoutMs,
			StartupTimeoutSeconds:    dd.StartupTimeoutSeconds,
			AdditionalParameters:     dd.AdditionalParameters,
			MapThreads:               dd.MapThreads,
			StartProfiler:            dd.StartProfiler,
		},
		DreamMaker: models.DreamMakerSettings{
			ProjectName:                 ic.DreamMaker.ProjectName,
			ApiValidationPort:           ic.DreamMaker.ApiValidationPort,
			ApiValidationSecurityLevel:  validationSecurity,
			ApiValidationMode:           mode,
			TimeoutSeconds:              ic.DreamMaker.TimeoutSeconds,
			CompilerAdditionalArguments: ic.DreamMaker.CompilerAdditionalArguments,
		},
		Repository: models.RepositorySettings{
			OriginURL:               ic.Repository.Origin,
			Reference:               ic.Repository.Reference,
			CommitterName:           ic.Repository.CommitterName,
			CommitterEmail:          ic.Repository.CommitterEmail,
			GitHubOwner:             ic.Repository.GitHubOwner,
			GitHubRepo:              ic.Repository.GitHubRepo,
			CreateGitHubDeployments: ic.Repository.CreateGitHubDeployments,
		},
	}
	if dd.HealthCheckSeconds != nil {
		rows.DreamDaemon.HealthCheckSeconds = *dd.HealthCheckSeconds
	}
	if dd.Minidumps != nil {
		rows.DreamDaemon.Minidumps = *dd.Minidumps
	}
	if dd.LogOutput != nil {
		rows.DreamDaemon.LogOutput = *dd.LogOutput
	}
	return rows, nil
}

// dreamDaemonColumns are overwritten on reseed. pinned_compile_job_id is
// managed at runtime and is left alone.
var dreamDaemonColumns = []string{
	"port", "topic_port", "security_level", "visibility", "auto_start",
	"health_check_seconds", "health_check_misses", "dump_on_health_check_restart",
	"topic_request_timeout_ms", "startup_timeout_seconds", "additional_parameters",
	"map_threads", "start_profiler", "minidumps", "log_output",
}

// SeedInstances upserts Instance rows and their settings from configuration.
// The online flag is only applied on first insert so runtime changes survive
// a restart.
func SeedInstances(db *gorm.DB, instances []config.InstanceConfig) error {
	for _, ic := range instances {
		rows, err := RowsFromConfig(ic)
		if err != nil {
			return err
		}
		if _, err := SeedInstance(db, rows); err != nil {
			return err
		}
	}
	return nil
}

// SeedInstance upserts a single instance keyed by name and returns the stored row.
func SeedInstance(db *gorm.DB, rows InstanceRows) (models.Instance, error) {
	var stored models.Instance
	err := db.Transaction(func(tx *gorm.DB) error {
		inst := rows.Instance
		result := tx.Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "name"}},
			DoUpdates: clause.AssignmentColumns([]string{
				"path", "auto_update_cron", "auto_start_cron", "auto_stop_cron",
				"chat_bot_limit", "channel_limit", "updated_at",
			}),
		}).Create(&inst)
		if result.Error != nil {
			return fmt.Errorf("db: seed instance %q: %w", inst.Name, result.Error)
		}
		if err := tx.Where("name = ?", inst.Name).First(&stored).Error; err != nil {
			return fmt.Errorf("db: reload instance %q: %w", inst.Name, err)
		}

		onInstance := []clause.Column{{Name: "instance_id"}}

		dd := rows.DreamDaemon
		dd.InstanceID = stored.ID
		if err := tx.Clauses(clause.OnConflict{
			Columns:   onInstance,
			DoUpdates: clause.AssignmentColumns(dreamDaemonColumns),
		}).Create(&dd).Error; err != nil {
			return fmt.Errorf("db: seed dream daemon settings for %q: %w", stored.Name, err)
		}

		dm := rows.DreamMaker
		dm.InstanceID = stored.ID
		if err := tx.Clauses(clause.OnConflict{
			Columns:   onInstance,
			UpdateAll: true,
		}).Create(&dm).Error; err != nil {
			return fmt.Errorf("db: seed dream maker settings for %q: %w", stored.Name, err)
		}

		repo := rows.Repository
		repo.InstanceID = stored.ID
		if err := tx.Clauses(clause.OnConflict{
			Columns:   onInstance,
			UpdateAll: true,
		}).Create(&repo).Error; err != nil {
			return fmt.Errorf("db: seed repository settings for %q: %w", stored.Name, err)
		}
		return nil
	})
	return stored, err
}
