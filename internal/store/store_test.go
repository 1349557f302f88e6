package store

import (
	"context"
	"errors"
	"testing"

	"github.com/zulandar/roundhouse/internal/db"
	"github.com/zulandar/roundhouse/internal/models"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func testDB(t *testing.T) *gorm.DB {
	t.Helper()
	gormDB, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("open test db: %v", err)
	}
	sqlDB, err := gormDB.DB()
	if err != nil {
		t.Fatalf("sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	if err := db.AutoMigrate(gormDB); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	t.Cleanup(func() { sqlDB.Close() })
	return gormDB
}

func testStore(t *testing.T) *Store {
	t.Helper()
	return New(testDB(t))
}

func createInstance(t *testing.T, s *Store, name string) models.Instance {
	t.Helper()
	inst, err := s.CreateInstance(context.Background(), db.InstanceRows{
		Instance:    models.Instance{Name: name, Path: "/srv/" + name, ChatBotLimit: 10, ChannelLimit: 100},
		DreamDaemon: models.DreamDaemonSettings{Port: 1337, HealthCheckSeconds: 60, HealthCheckMisses: 3},
		DreamMaker:  models.DreamMakerSettings{ProjectName: "game", ApiValidationPort: 1339},
		Repository:  models.RepositorySettings{OriginURL: "https://github.com/org/game.git", Reference: "master"},
	})
	if err != nil {
		t.Fatalf("CreateInstance: %v", err)
	}
	return inst
}

func TestCreateInstance_And_Settings(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	inst := createInstance(t, s, "main")

	if inst.ID == 0 {
		t.Fatal("instance ID not assigned")
	}
	set, err := s.Settings(ctx, inst.ID)
	if err != nil {
		t.Fatalf("Settings: %v", err)
	}
	if set.DreamDaemon.Port != 1337 || set.DreamMaker.ProjectName != "game" || set.Repository.Reference != "master" {
		t.Errorf("Settings = %+v", set)
	}

	_, err = s.CreateInstance(ctx, db.InstanceRows{Instance: models.Instance{Name: "other", Path: "/srv/main"}})
	if err == nil {
		t.Fatal("expected duplicate path to be rejected")
	}
}

func TestGetInstance_NotFound(t *testing.T) {
	s := testStore(t)
	_, err := s.GetInstance(context.Background(), 99)
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
	_, err = s.GetInstanceByName(context.Background(), "nope")
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestSetOnline_And_CurrentRevision(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	inst := createInstance(t, s, "main")

	if err := s.SetOnline(ctx, inst.ID, true); err != nil {
		t.Fatalf("SetOnline: %v", err)
	}
	if err := s.SetCurrentRevision(ctx, inst.ID, 5); err != nil {
		t.Fatalf("SetCurrentRevision: %v", err)
	}
	got, _ := s.GetInstance(ctx, inst.ID)
	if !got.Online {
		t.Error("Online = false, want true")
	}
	if got.CurrentRevisionID == nil || *got.CurrentRevisionID != 5 {
		t.Errorf("CurrentRevisionID = %v, want 5", got.CurrentRevisionID)
	}
	if err := s.SetOnline(ctx, 999, true); !errors.Is(err, ErrNotFound) {
		t.Errorf("SetOnline(missing) = %v, want ErrNotFound", err)
	}
}

func TestDeleteInstance(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	inst := createInstance(t, s, "main")

	if err := s.DeleteInstance(ctx, inst.ID); err != nil {
		t.Fatalf("DeleteInstance: %v", err)
	}
	if _, err := s.GetInstance(ctx, inst.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("GetInstance after delete = %v, want ErrNotFound", err)
	}
	if _, err := s.Settings(ctx, inst.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("Settings after delete = %v, want ErrNotFound", err)
	}
	if err := s.DeleteInstance(ctx, inst.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("second delete = %v, want ErrNotFound", err)
	}
}

func TestSetPinnedCompileJob(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	inst := createInstance(t, s, "main")

	id := uint(3)
	if err := s.SetPinnedCompileJob(ctx, inst.ID, &id); err != nil {
		t.Fatalf("SetPinnedCompileJob: %v", err)
	}
	set, _ := s.Settings(ctx, inst.ID)
	if set.DreamDaemon.PinnedCompileJobID == nil || *set.DreamDaemon.PinnedCompileJobID != 3 {
		t.Errorf("PinnedCompileJobID = %v, want 3", set.DreamDaemon.PinnedCompileJobID)
	}
	if err := s.SetPinnedCompileJob(ctx, inst.ID, nil); err != nil {
		t.Fatalf("clear pin: %v", err)
	}
	set, _ = s.Settings(ctx, inst.ID)
	if set.DreamDaemon.PinnedCompileJobID != nil {
		t.Errorf("PinnedCompileJobID = %v, want nil", *set.DreamDaemon.PinnedCompileJobID)
	}
}
