// Package config provides YAML-based configuration loading for Roundhouse.
package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/robfig/cron/v3"
	"github.com/zulandar/roundhouse/internal/models"
	"gopkg.in/yaml.v3"
)

// Config is the top-level Roundhouse configuration, loaded from roundhouse.yaml.
type Config struct {
	Database  DatabaseConfig   `yaml:"database"`
	API       APIConfig        `yaml:"api"`
	Logging   LoggingConfig    `yaml:"logging"`
	Jobs      JobsConfig       `yaml:"jobs"`
	Engine    EngineConfig     `yaml:"engine"`
	GitHub    GitHubConfig     `yaml:"github"`
	NATS      NATSConfig       `yaml:"nats"`
	Dump      DumpConfig       `yaml:"dump"`
	Instances []InstanceConfig `yaml:"instances"`
}

// DatabaseConfig selects the persistence dialect and how to reach it.
type DatabaseConfig struct {
	Type     string `yaml:"type"` // sqlite, mysql, postgres, sqlserver
	DSN      string `yaml:"dsn"`  // used verbatim when set
	Path     string `yaml:"path"` // sqlite file
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	Name     string `yaml:"name"`
	Debug    bool   `yaml:"debug"`
}

// APIConfig holds the REST listener settings and the callers allowed to use it.
type APIConfig struct {
	Port  int          `yaml:"port"`
	Users []UserConfig `yaml:"users"`
}

// UserConfig maps a bearer token to a caller and its rights. Rights are
// keyed by rights type ("dream_daemon") with a list of right names
// ("start", "shutdown"). Admin grants every right.
type UserConfig struct {
	Name   string              `yaml:"name"`
	Token  string              `yaml:"token"`
	Admin  bool                `yaml:"admin"`
	Rights map[string][]string `yaml:"rights"`
}

// LoggingConfig controls zerolog output.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // console or json
}

// JobsConfig sizes the job scheduler.
type JobsConfig struct {
	Workers   int `yaml:"workers"`
	QueueSize int `yaml:"queue_size"`
}

// EngineConfig locates the engine binaries shared by every instance.
type EngineConfig struct {
	Version      string `yaml:"version"`
	CompilerPath string `yaml:"compiler_path"`
	ServerPath   string `yaml:"server_path"`
}

// GitHubConfig authenticates pull request lookups and deployment statuses.
type GitHubConfig struct {
	Token   string `yaml:"token"`
	BaseURL string `yaml:"base_url"`
}

// NATSConfig enables lifecycle event publishing when URL is set.
type NATSConfig struct {
	URL           string `yaml:"url"`
	SubjectPrefix string `yaml:"subject_prefix"`
}

// DumpConfig names the command used to capture process dumps. The output
// path and process id are appended as arguments.
type DumpConfig struct {
	Command []string `yaml:"command"`
}

// InstanceConfig seeds one instance and its settings rows.
type InstanceConfig struct {
	Name           string            `yaml:"name"`
	Path           string            `yaml:"path"`
	Online         bool              `yaml:"online"`
	AutoUpdateCron string            `yaml:"auto_update_cron"`
	AutoStartCron  string            `yaml:"auto_start_cron"`
	AutoStopCron   string            `yaml:"auto_stop_cron"`
	ChatBotLimit   uint16            `yaml:"chat_bot_limit"`
	ChannelLimit   uint16            `yaml:"channel_limit"`
	Repository     RepositoryConfig  `yaml:"repository"`
	DreamDaemon    DreamDaemonConfig `yaml:"dream_daemon"`
	DreamMaker     DreamMakerConfig  `yaml:"dream_maker"`
}

// RepositoryConfig describes an instance's source repository.
type RepositoryConfig struct {
	Origin                  string `yaml:"origin"`
	Reference               string `yaml:"reference"`
	CommitterName           string `yaml:"committer_name"`
	CommitterEmail          string `yaml:"committer_email"`
	GitHubOwner             string `yaml:"github_owner"`
	GitHubRepo              string `yaml:"github_repo"`
	CreateGitHubDeployments bool   `yaml:"create_github_deployments"`
}

// DreamDaemonConfig holds launch and supervision settings.
type DreamDaemonConfig struct {
	Port                     uint16  `yaml:"port"`
	TopicPort                *uint16 `yaml:"topic_port"`
	SecurityLevel            string  `yaml:"security_level"`
	Visibility               string  `yaml:"visibility"`
	AutoStart                bool    `yaml:"auto_start"`
	HealthCheckSeconds       *uint32 `yaml:"health_check_seconds"`
	HealthCheckMisses        uint32  `yaml:"health_check_misses"`
	DumpOnHealthCheckRestart bool    `yaml:"dump_on_health_check_restart"`
	TopicRequestTimeoutMs    uint32  `yaml:"topic_request_timeout_ms"`
	StartupTimeoutSeconds    uint32  `yaml:"startup_timeout_seconds"`
	AdditionalParameters     string  `yaml:"additional_parameters"`
	MapThreads               uint32  `yaml:"map_threads"`
	StartProfiler            bool    `yaml:"start_profiler"`
	Minidumps                *bool   `yaml:"minidumps"`
	LogOutput                *bool   `yaml:"log_output"`
}

// DreamMakerConfig holds compile and validation settings.
type DreamMakerConfig struct {
	ProjectName                 string `yaml:"project_name"`
	ApiValidationPort           uint16 `yaml:"api_validation_port"`
	ApiValidationSecurityLevel  string `yaml:"api_validation_security_level"`
	ApiValidationMode           string `yaml:"api_validation_mode"`
	TimeoutSeconds              uint32 `yaml:"timeout_seconds"`
	CompilerAdditionalArguments string `yaml:"compiler_additional_arguments"`
}

// Load reads a YAML config file from path and returns a validated Config.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	return Parse(data)
}

// Parse unmarshals YAML bytes into a validated Config.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: parse: %w", err)
	}
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// applyDefaults fills in derived and default values.
func (c *Config) applyDefaults() {
	if c.Database.Type == "" {
		c.Database.Type = "sqlite"
	}
	if c.Database.Type == "sqlite" && c.Database.Path == "" && c.Database.DSN == "" {
		c.Database.Path = "roundhouse.db"
	}
	if c.Database.Name == "" {
		c.Database.Name = "roundhouse"
	}
	if c.API.Port == 0 {
		c.API.Port = 5000
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "console"
	}
	if c.Jobs.Workers == 0 {
		c.Jobs.Workers = 4
	}
	if c.Jobs.QueueSize == 0 {
		c.Jobs.QueueSize = 256
	}
	if c.Engine.CompilerPath == "" {
		c.Engine.CompilerPath = "DreamMaker"
	}
	if c.Engine.ServerPath == "" {
		c.Engine.ServerPath = "DreamDaemon"
	}
	if c.NATS.SubjectPrefix == "" {
		c.NATS.SubjectPrefix = "roundhouse"
	}
	if len(c.Dump.Command) == 0 {
		c.Dump.Command = []string{"gcore", "-o"}
	}
	for i := range c.Instances {
		c.Instances[i].ApplyDefaults()
	}
}

// ApplyDefaults fills in the defaults for one instance.
func (ic *InstanceConfig) ApplyDefaults() {
	if ic.ChatBotLimit == 0 {
		ic.ChatBotLimit = 10
	}
	if ic.ChannelLimit == 0 {
		ic.ChannelLimit = 100
	}
	if ic.Repository.Reference == "" {
		ic.Repository.Reference = "master"
	}
	if ic.Repository.CommitterName == "" {
		ic.Repository.CommitterName = "Roundhouse"
	}
	if ic.Repository.CommitterEmail == "" {
		ic.Repository.CommitterEmail = "roundhouse@localhost"
	}
	if ic.Repository.GitHubOwner == "" && ic.Repository.GitHubRepo == "" {
		ic.Repository.GitHubOwner, ic.Repository.GitHubRepo = parseGitHubOrigin(ic.Repository.Origin)
	}

	dd := &ic.DreamDaemon
	if dd.Port == 0 {
		dd.Port = 1337
	}
	if dd.HealthCheckSeconds == nil {
		v := uint32(60)
		dd.HealthCheckSeconds = &v
	}
	if dd.HealthCheckMisses == 0 {
		dd.HealthCheckMisses = 3
	}
	if dd.TopicRequestTimeoutMs == 0 {
		dd.TopicRequestTimeoutMs = 5000
	}
	if dd.StartupTimeoutSeconds == 0 {
		dd.StartupTimeoutSeconds = 60
	}
	if dd.Minidumps == nil {
		v := true
		dd.Minidumps = &v
	}
	if dd.LogOutput == nil {
		v := true
		dd.LogOutput = &v
	}

	dm := &ic.DreamMaker
	if dm.ApiValidationPort == 0 {
		dm.ApiValidationPort = 1339
	}
	if dm.TimeoutSeconds == 0 {
		dm.TimeoutSeconds = 3600
	}
}

// validate checks that all required fields are present and consistent.
func (c *Config) validate() error {
	var errs []string
	switch c.Database.Type {
	case "sqlite", "mysql", "postgres", "sqlserver":
	default:
		errs = append(errs, fmt.Sprintf("database.type %q is not one of sqlite, mysql, postgres, sqlserver", c.Database.Type))
	}
	if c.Database.Type != "sqlite" && c.Database.DSN == "" && c.Database.Host == "" {
		errs = append(errs, "database.host is required unless database.dsn is set")
	}
	switch c.Logging.Format {
	case "console", "json":
	default:
		errs = append(errs, fmt.Sprintf("logging.format %q must be console or json", c.Logging.Format))
	}
	if c.Jobs.Workers < 0 {
		errs = append(errs, "jobs.workers must not be negative")
	}
	for i, u := range c.API.Users {
		if u.Name == "" {
			errs = append(errs, fmt.Sprintf("api.users[%d].name is required", i))
		}
		if u.Token == "" {
			errs = append(errs, fmt.Sprintf("api.users[%d].token is required", i))
		}
	}

	names := make(map[string]bool)
	paths := make(map[string]bool)
	for i, ic := range c.Instances {
		if ic.Name == "" {
			errs = append(errs, fmt.Sprintf("instances[%d].name is required", i))
		} else if names[ic.Name] {
			errs = append(errs, fmt.Sprintf("instances[%d].name %q is duplicated", i, ic.Name))
		}
		names[ic.Name] = true
		if ic.Path == "" {
			errs = append(errs, fmt.Sprintf("instances[%d].path is required", i))
		} else if paths[ic.Path] {
			errs = append(errs, fmt.Sprintf("instances[%d].path %q is duplicated", i, ic.Path))
		}
		paths[ic.Path] = true
		for _, p := range ic.problems() {
			errs = append(errs, fmt.Sprintf("instances[%d].%s", i, p))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("config: validation failed: %s", strings.Join(errs, "; "))
	}
	return nil
}

// Validate checks one defaulted instance on its own, without the
// uniqueness checks Load applies across instances.
func (ic InstanceConfig) Validate() error {
	errs := ic.problems()
	if ic.Name == "" {
		errs = append(errs, "name is required")
	}
	if ic.Path == "" {
		errs = append(errs, "path is required")
	}
	if len(errs) > 0 {
		return fmt.Errorf("config: instance %q: %s", ic.Name, strings.Join(errs, "; "))
	}
	return nil
}

func (ic InstanceConfig) problems() []string {
	var errs []string
	for _, field := range []struct{ name, expr string }{
		{"auto_update_cron", ic.AutoUpdateCron},
		{"auto_start_cron", ic.AutoStartCron},
		{"auto_stop_cron", ic.AutoStopCron},
	} {
		if field.expr == "" {
			continue
		}
		if _, err := CronParser.Parse(field.expr); err != nil {
			errs = append(errs, fmt.Sprintf("%s: %v", field.name, err))
		}
	}
	if _, err := models.ParseSecurityLevel(ic.DreamDaemon.SecurityLevel); err != nil {
		errs = append(errs, fmt.Sprintf("dream_daemon.security_level: %q is not ultrasafe, safe or trusted", ic.DreamDaemon.SecurityLevel))
	}
	if _, err := models.ParseVisibility(ic.DreamDaemon.Visibility); err != nil {
		errs = append(errs, fmt.Sprintf("dream_daemon.visibility: %q is not public, private or invisible", ic.DreamDaemon.Visibility))
	}
	if _, err := models.ParseSecurityLevel(ic.DreamMaker.ApiValidationSecurityLevel); err != nil {
		errs = append(errs, fmt.Sprintf("dream_maker.api_validation_security_level: %q is not ultrasafe, safe or trusted", ic.DreamMaker.ApiValidationSecurityLevel))
	}
	if _, err := models.ParseValidationMode(ic.DreamMaker.ApiValidationMode); err != nil {
		errs = append(errs, fmt.Sprintf("dream_maker.api_validation_mode: %q is not required, optional or skipped", ic.DreamMaker.ApiValidationMode))
	}
	if ic.DreamDaemon.Port == ic.DreamMaker.ApiValidationPort {
		errs = append(errs, "dream_maker.api_validation_port must differ from dream_daemon.port")
	}
	return errs
}

// CronParser uses standard 5-field cron expressions (minute, hour, dom, month, dow).
var CronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// parseGitHubOrigin extracts owner/repo from a GitHub clone URL. It returns
// empty strings for anything that is not a github.com remote.
func parseGitHubOrigin(origin string) (owner, repo string) {
	s := strings.TrimSpace(origin)
	switch {
	case strings.HasPrefix(s, "git@github.com:"):
		s = strings.TrimPrefix(s, "git@github.com:")
	case strings.HasPrefix(s, "https://github.com/"):
		s = strings.TrimPrefix(s, "https://github.com/")
	case strings.HasPrefix(s, "http://github.com/"):
		s = strings.TrimPrefix(s, "http://github.com/")
	default:
		return "", ""
	}
	s = strings.TrimSuffix(strings.TrimSuffix(s, "/"), ".git")
	parts := strings.Split(s, "/")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", ""
	}
	return parts[0], parts[1]
}
