package db

import (
	"strings"
	"testing"

	"github.com/zulandar/roundhouse/internal/config"
	"github.com/zulandar/roundhouse/internal/models"
	"gorm.io/gorm"
)

func memoryDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := Connect(config.DatabaseConfig{Type: "sqlite", Path: ":memory:"})
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if err := AutoMigrate(db); err != nil {
		t.Fatalf("AutoMigrate: %v", err)
	}
	t.Cleanup(func() { Close(db) })
	return db
}

func TestDSN(t *testing.T) {
	tests := []struct {
		name string
		cfg  config.DatabaseConfig
		want string
	}{
		{
			name: "sqlite file",
			cfg:  config.DatabaseConfig{Type: "sqlite", Path: "/var/lib/rh/roundhouse.db"},
			want: "/var/lib/rh/roundhouse.db?_busy_timeout=5000",
		},
		{
			name: "sqlite memory",
			cfg:  config.DatabaseConfig{Type: "sqlite", Path: ":memory:"},
			want: ":memory:",
		},
		{
			name: "mysql default port",
			cfg:  config.DatabaseConfig{Type: "mysql", Host: "10.0.0.5", User: "rh", Password: "pw", Name: "roundhouse"},
			want: "rh:pw@tcp(10.0.0.5:3306)/roundhouse?",
		},
		{
			name: "postgres",
			cfg:  config.DatabaseConfig{Type: "postgres", Host: "db", Port: 5433, User: "rh", Password: "pw", Name: "roundhouse"},
			want: "host=db port=5433 user=rh password=pw dbname=roundhouse sslmode=disable TimeZone=UTC",
		},
		{
			name: "sqlserver",
			cfg:  config.DatabaseConfig{Type: "sqlserver", Host: "mssql", User: "sa", Password: "pw", Name: "roundhouse"},
			want: "sqlserver://sa:pw@mssql:1433?database=roundhouse",
		},
		{
			name: "explicit dsn wins",
			cfg:  config.DatabaseConfig{Type: "postgres", DSN: "postgres://x", Host: "ignored"},
			want: "postgres://x",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := DSN(tt.cfg)
			if err != nil {
				t.Fatalf("DSN() error: %v", err)
			}
			if !strings.HasPrefix(got, tt.want) {
				t.Errorf("DSN() = %q, want prefix %q", got, tt.want)
			}
		})
	}
}

func TestDSN_MySQLParseTime(t *testing.T) {
	dsn, err := DSN(config.DatabaseConfig{Type: "mysql", Host: "localhost", Name: "test"})
	if err != nil {
		t.Fatalf("DSN() error: %v", err)
	}
	if !strings.Contains(dsn, "parseTime=true") {
		t.Errorf("DSN missing parseTime=true: %s", dsn)
	}
}

func TestDSN_UnknownType(t *testing.T) {
	_, err := DSN(config.DatabaseConfig{Type: "oracle"})
	if err == nil {
		t.Fatal("expected error for unknown dialect")
	}
	if !strings.Contains(err.Error(), "unsupported database type") {
		t.Errorf("error = %q", err.Error())
	}
}

func TestDialector_Names(t *testing.T) {
	for _, typ := range []string{"sqlite", "mysql", "postgres", "sqlserver"} {
		d, err := Dialector(config.DatabaseConfig{Type: typ, Host: "h", Path: "x.db", Name: "n"})
		if err != nil {
			t.Fatalf("Dialector(%s): %v", typ, err)
		}
		if d.Name() != typ {
			t.Errorf("Dialector(%s).Name() = %q", typ, d.Name())
		}
	}
}

func TestConnect_Error(t *testing.T) {
	// Port 1 is unlikely to have a MySQL server; expect connection error.
	_, err := Connect(config.DatabaseConfig{Type: "mysql", Host: "127.0.0.1", Port: 1, Name: "nonexistent"})
	if err == nil {
		t.Fatal("expected error connecting to invalid port")
	}
	if !strings.Contains(err.Error(), "db: connect to") {
		t.Errorf("error = %q, want to contain %q", err.Error(), "db: connect to")
	}
}

func TestCreateDatabase_NonMySQLIsNoop(t *testing.T) {
	if err := CreateDatabase(config.DatabaseConfig{Type: "sqlite", Path: ":memory:"}); err != nil {
		t.Errorf("CreateDatabase(sqlite) = %v, want nil", err)
	}
}

func TestAllModels_Count(t *testing.T) {
	if n := len(AllModels()); n != 10 {
		t.Errorf("AllModels() returned %d models, want 10", n)
	}
}

func TestAutoMigrate_SQLite(t *testing.T) {
	db := memoryDB(t)
	for _, m := range AllModels() {
		if !db.Migrator().HasTable(m) {
			t.Errorf("table for %T missing after AutoMigrate", m)
		}
	}
	// Idempotent.
	if err := AutoMigrate(db); err != nil {
		t.Fatalf("AutoMigrate (2nd): %v", err)
	}
}

func seedConfig(t *testing.T) []config.InstanceConfig {
	t.Helper()
	cfg, err := config.Parse([]byte(`
instances:
  - name: main
    path: /srv/main
    online: true
    repository:
      origin: https://github.com/org/game.git
    dream_daemon:
      security_level: ultrasafe
      visibility: public
      health_check_seconds: 0
      minidumps: false
    dream_maker:
      api_validation_mode: skipped
`))
	if err != nil {
		t.Fatalf("config.Parse: %v", err)
	}
	return cfg.Instances
}

func TestRowsFromConfig(t *testing.T) {
	rows, err := RowsFromConfig(seedConfig(t)[0])
	if err != nil {
		t.Fatalf("RowsFromConfig: %v", err)
	}
	if rows.Instance.Name != "main" || !rows.Instance.Online {
		t.Errorf("Instance = %+v", rows.Instance)
	}
	if rows.DreamDaemon.SecurityLevel != models.SecurityUltrasafe {
		t.Errorf("SecurityLevel = %v, want ultrasafe", rows.DreamDaemon.SecurityLevel)
	}
	if rows.DreamDaemon.Visibility != models.VisibilityPublic {
		t.Errorf("Visibility = %v, want public", rows.DreamDaemon.Visibility)
	}
	if rows.DreamDaemon.HealthCheckSeconds != 0 {
		t.Errorf("HealthCheckSeconds = %d, want 0", rows.DreamDaemon.HealthCheckSeconds)
	}
	if rows.DreamMaker.ApiValidationMode != models.ValidationSkipped {
		t.Errorf("ApiValidationMode = %v, want skipped", rows.DreamMaker.ApiValidationMode)
	}
	if rows.Repository.GitHubOwner != "org" || rows.Repository.GitHubRepo != "game" {
		t.Errorf("GitHub = %s/%s", rows.Repository.GitHubOwner, rows.Repository.GitHubRepo)
	}
}

func TestRowsFromConfig_BadSecurityLevel(t *testing.T) {
	_, err := RowsFromConfig(config.InstanceConfig{Name: "x", DreamDaemon: config.DreamDaemonConfig{SecurityLevel: "nope"}})
	if err == nil {
		t.Fatal("expected error")
	}
	if !strings.Contains(err.Error(), `db: instance "x"`) {
		t.Errorf("error = %q", err.Error())
	}
}

func TestSeedInstances_ZeroValuesPersist(t *testing.T) {
	db := memoryDB(t)
	if err := SeedInstances(db, seedConfig(t)); err != nil {
		t.Fatalf("SeedInstances: %v", err)
	}

	var inst models.Instance
	if err := db.Where("name = ?", "main").First(&inst).Error; err != nil {
		t.Fatalf("load instance: %v", err)
	}
	var dd models.DreamDaemonSettings
	if err := db.Where("instance_id = ?", inst.ID).First(&dd).Error; err != nil {
		t.Fatalf("load dream daemon settings: %v", err)
	}
	if dd.SecurityLevel != models.SecurityUltrasafe {
		t.Errorf("SecurityLevel = %v, want ultrasafe", dd.SecurityLevel)
	}
	if dd.Visibility != models.VisibilityPublic {
		t.Errorf("Visibility = %v, want public", dd.Visibility)
	}
	if dd.HealthCheckSeconds != 0 {
		t.Errorf("HealthCheckSeconds = %d, want 0", dd.HealthCheckSeconds)
	}
	if dd.Minidumps {
		t.Error("Minidumps = true, want false")
	}
	if dd.HealthCheckMisses != 3 {
		t.Errorf("HealthCheckMisses = %d, want 3", dd.HealthCheckMisses)
	}
}

func TestSeedInstances_Idempotent(t *testing.T) {
	db := memoryDB(t)
	ics := seedConfig(t)
	if err := SeedInstances(db, ics); err != nil {
		t.Fatalf("SeedInstances (1st): %v", err)
	}

	var inst models.Instance
	db.Where("name = ?", "main").First(&inst)
	pinned := uint(42)
	db.Model(&models.DreamDaemonSettings{}).Where("instance_id = ?", inst.ID).Update("pinned_compile_job_id", pinned)
	db.Model(&models.Instance{}).Where("id = ?", inst.ID).Update("online", false)

	ics[0].Path = "/srv/moved"
	ics[0].DreamDaemon.Port = 2000
	if err := SeedInstances(db, ics); err != nil {
		t.Fatalf("SeedInstances (2nd): %v", err)
	}

	for _, m := range []interface{}{&models.Instance{}, &models.DreamDaemonSettings{}, &models.DreamMakerSettings{}, &models.RepositorySettings{}} {
		var count int64
		db.Model(m).Count(&count)
		if count != 1 {
			t.Errorf("%T count = %d after double seed, want 1", m, count)
		}
	}

	var reloaded models.Instance
	db.First(&reloaded, inst.ID)
	if reloaded.Path != "/srv/moved" {
		t.Errorf("Path = %q, want /srv/moved", reloaded.Path)
	}
	if reloaded.Online {
		t.Error("Online was reset by reseed, want runtime value kept")
	}

	var dd models.DreamDaemonSettings
	db.Where("instance_id = ?", inst.ID).First(&dd)
	if dd.Port != 2000 {
		t.Errorf("Port = %d, want 2000", dd.Port)
	}
	if dd.PinnedCompileJobID == nil || *dd.PinnedCompileJobID != pinned {
		t.Errorf("PinnedCompileJobID = %v, want %d kept", dd.PinnedCompileJobID, pinned)
	}
}

func TestSeedInstances_Empty(t *testing.T) {
	// An empty slice is a no-op and never touches the handle.
	if err := SeedInstances(nil, nil); err != nil {
		t.Errorf("SeedInstances(nil, nil) = %v, want nil", err)
	}
}
