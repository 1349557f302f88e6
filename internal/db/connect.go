package db

import (
	"fmt"
	"net"
	"net/url"
	"strconv"
	"time"

	gomysql "github.com/go-sql-driver/mysql"
	"github.com/zulandar/roundhouse/internal/config"
	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/driver/sqlserver"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// Default ports per dialect, used when database.port is unset.
var defaultPorts = map[string]int{
	"mysql":     3306,
	"postgres":  5432,
	"sqlserver": 1433,
}

// DSN builds the driver-specific connection string for cfg. A configured
// database.dsn is returned verbatim.
func DSN(cfg config.DatabaseConfig) (string, error) {
	if cfg.DSN != "" {
		return cfg.DSN, nil
	}
	port := cfg.Port
	if port == 0 {
		port = defaultPorts[cfg.Type]
	}
	addr := net.JoinHostPort(cfg.Host, strconv.Itoa(port))

	switch cfg.Type {
	case "sqlite":
		if cfg.Path == ":memory:" {
			return cfg.Path, nil
		}
		return cfg.Path + "?_busy_timeout=5000", nil
	case "mysql":
		mc := gomysql.NewConfig()
		mc.User = cfg.User
		mc.Passwd = cfg.Password
		mc.Net = "tcp"
		mc.Addr = addr
		mc.DBName = cfg.Name
		mc.ParseTime = true
		mc.Loc = time.UTC
		return mc.FormatDSN(), nil
	case "postgres":
		return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=disable TimeZone=UTC",
			cfg.Host, port, cfg.User, cfg.Password, cfg.Name), nil
	case "sqlserver":
		u := url.URL{
			Scheme:   "sqlserver",
			User:     url.UserPassword(cfg.User, cfg.Password),
			Host:     addr,
			RawQuery: url.Values{"database": {cfg.Name}}.Encode(),
		}
		return u.String(), nil
	}
	return "", fmt.Errorf("db: unsupported database type %q", cfg.Type)
}

// Dialector returns the gorm dialector for cfg.
func Dialector(cfg config.DatabaseConfig) (gorm.Dialector, error) {
	dsn, err := DSN(cfg)
	if err != nil {
		return nil, err
	}
	switch cfg.Type {
	case "sqlite":
		return sqlite.Open(dsn), nil
	case "mysql":
		return mysql.Open(dsn), nil
	case "postgres":
		return postgres.Open(dsn), nil
	case "sqlserver":
		return sqlserver.Open(dsn), nil
	}
	return nil, fmt.Errorf("db: unsupported database type %q", cfg.Type)
}

// Connect opens a GORM connection for the configured dialect. SQLite is
// limited to one open connection so concurrent writers serialize instead of
// failing with "database is locked".
func Connect(cfg config.DatabaseConfig) (*gorm.DB, error) {
	dialector, err := Dialector(cfg)
	if err != nil {
		return nil, err
	}
	level := logger.Silent
	if cfg.Debug {
		level = logger.Info
	}
	db, err := gorm.Open(dialector, &gorm.Config{
		Logger: logger.Default.LogMode(level),
	})
	if err != nil {
		return nil, fmt.Errorf("db: connect to %s: %w", describe(cfg), err)
	}
	if cfg.Type == "sqlite" {
		sqlDB, err := db.DB()
		if err != nil {
			return nil, fmt.Errorf("db: connect to %s: %w", describe(cfg), err)
		}
		sqlDB.SetMaxOpenConns(1)
	}
	return db, nil
}

// CreateDatabase creates the configured MySQL database if it doesn't already
// exist. Other dialects expect the database to be provisioned beforehand.
func CreateDatabase(cfg config.DatabaseConfig) error {
	if cfg.Type != "mysql" || cfg.DSN != "" {
		return nil
	}
	admin := cfg
	admin.Name = ""
	dsn, err := DSN(admin)
	if err != nil {
		return err
	}
	adminDB, err := gorm.Open(mysql.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return fmt.Errorf("db: admin connect to %s: %w", describe(admin), err)
	}
	sql := fmt.Sprintf("CREATE DATABASE IF NOT EXISTS `%s`", cfg.Name)
	if err := adminDB.Exec(sql).Error; err != nil {
		return fmt.Errorf("db: create database %s: %w", cfg.Name, err)
	}
	return nil
}

// Close releases the underlying connection pool.
func Close(db *gorm.DB) error {
	sqlDB, err := db.DB()
	if err != nil {
		return fmt.Errorf("db: close: %w", err)
	}
	return sqlDB.Close()
}

func describe(cfg config.DatabaseConfig) string {
	if cfg.Type == "sqlite" {
		return "sqlite " + cfg.Path
	}
	if cfg.DSN != "" {
		return cfg.Type
	}
	return fmt.Sprintf("%s %s/%s", cfg.Type, cfg.Host, cfg.Name)
}
