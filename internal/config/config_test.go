package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

const fullYAML = `
database:
  type: postgres
  host: 10.0.0.5
  port: 5433
  user: rh
  password: secret
  name: roundhouse_prod

api:
  port: 8080
  users:
    - name: alice
      token: alice-token
      admin: true
    - name: bob
      token: bob-token
      rights:
        dream_daemon: [start, shutdown]
        dream_maker: [compile, cancel_compile]

logging:
  level: debug
  format: json

jobs:
  workers: 8
  queue_size: 64

engine:
  version: "515.1633"

nats:
  url: nats://127.0.0.1:4222

instances:
  - name: main
    path: /srv/byond/main
    online: true
    auto_update_cron: "0 4 * * *"
    repository:
      origin: git@github.com:tgstation/tgstation.git
      reference: master
      create_github_deployments: true
    dream_daemon:
      port: 1337
      topic_port: 1338
      security_level: trusted
      visibility: public
      auto_start: true
      health_check_seconds: 30
      health_check_misses: 5
      dump_on_health_check_restart: true
      additional_parameters: "fps=20"
    dream_maker:
      project_name: tgstation
      api_validation_port: 1400
      api_validation_security_level: safe
      api_validation_mode: optional
`

const minimalYAML = `
instances:
  - name: test
    path: /srv/byond/test
    repository:
      origin: https://github.com/org/game.git
`

func TestParse_FullConfig(t *testing.T) {
	cfg, err := Parse([]byte(fullYAML))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Database.Type != "postgres" {
		t.Errorf("Database.Type = %q, want %q", cfg.Database.Type, "postgres")
	}
	if cfg.Database.Host != "10.0.0.5" {
		t.Errorf("Database.Host = %q, want %q", cfg.Database.Host, "10.0.0.5")
	}
	if cfg.Database.Port != 5433 {
		t.Errorf("Database.Port = %d, want %d", cfg.Database.Port, 5433)
	}
	if cfg.Database.Name != "roundhouse_prod" {
		t.Errorf("Database.Name = %q, want %q", cfg.Database.Name, "roundhouse_prod")
	}
	if cfg.API.Port != 8080 {
		t.Errorf("API.Port = %d, want %d", cfg.API.Port, 8080)
	}
	if len(cfg.API.Users) != 2 {
		t.Fatalf("len(API.Users) = %d, want 2", len(cfg.API.Users))
	}
	if !cfg.API.Users[0].Admin {
		t.Error("API.Users[0].Admin = false, want true")
	}
	if got := cfg.API.Users[1].Rights["dream_daemon"]; len(got) != 2 || got[0] != "start" {
		t.Errorf("API.Users[1].Rights[dream_daemon] = %v, want [start shutdown]", got)
	}
	if cfg.Logging.Format != "json" {
		t.Errorf("Logging.Format = %q, want %q", cfg.Logging.Format, "json")
	}
	if cfg.Jobs.Workers != 8 {
		t.Errorf("Jobs.Workers = %d, want 8", cfg.Jobs.Workers)
	}
	if cfg.NATS.URL != "nats://127.0.0.1:4222" {
		t.Errorf("NATS.URL = %q", cfg.NATS.URL)
	}
	if len(cfg.Instances) != 1 {
		t.Fatalf("len(Instances) = %d, want 1", len(cfg.Instances))
	}

	ic := cfg.Instances[0]
	if ic.Name != "main" {
		t.Errorf("Instances[0].Name = %q, want %q", ic.Name, "main")
	}
	if ic.Repository.GitHubOwner != "tgstation" || ic.Repository.GitHubRepo != "tgstation" {
		t.Errorf("GitHub owner/repo = %q/%q, want tgstation/tgstation", ic.Repository.GitHubOwner, ic.Repository.GitHubRepo)
	}
	if ic.DreamDaemon.TopicPort == nil || *ic.DreamDaemon.TopicPort != 1338 {
		t.Errorf("DreamDaemon.TopicPort = %v, want 1338", ic.DreamDaemon.TopicPort)
	}
	if *ic.DreamDaemon.HealthCheckSeconds != 30 {
		t.Errorf("DreamDaemon.HealthCheckSeconds = %d, want 30", *ic.DreamDaemon.HealthCheckSeconds)
	}
	if ic.DreamDaemon.HealthCheckMisses != 5 {
		t.Errorf("DreamDaemon.HealthCheckMisses = %d, want 5", ic.DreamDaemon.HealthCheckMisses)
	}
	if ic.DreamMaker.ApiValidationPort != 1400 {
		t.Errorf("DreamMaker.ApiValidationPort = %d, want 1400", ic.DreamMaker.ApiValidationPort)
	}
	if ic.DreamMaker.ApiValidationMode != "optional" {
		t.Errorf("DreamMaker.ApiValidationMode = %q, want optional", ic.DreamMaker.ApiValidationMode)
	}
}

func TestParse_MinimalConfig_AppliesDefaults(t *testing.T) {
	cfg, err := Parse([]byte(minimalYAML))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Database.Type != "sqlite" {
		t.Errorf("Database.Type = %q, want %q (default)", cfg.Database.Type, "sqlite")
	}
	if cfg.Database.Path != "roundhouse.db" {
		t.Errorf("Database.Path = %q, want %q (default)", cfg.Database.Path, "roundhouse.db")
	}
	if cfg.API.Port != 5000 {
		t.Errorf("API.Port = %d, want %d (default)", cfg.API.Port, 5000)
	}
	if cfg.Logging.Level != "info" || cfg.Logging.Format != "console" {
		t.Errorf("Logging = %+v, want info/console (default)", cfg.Logging)
	}
	if cfg.Jobs.Workers != 4 || cfg.Jobs.QueueSize != 256 {
		t.Errorf("Jobs = %+v, want 4 workers / 256 queue (default)", cfg.Jobs)
	}
	if cfg.NATS.SubjectPrefix != "roundhouse" {
		t.Errorf("NATS.SubjectPrefix = %q, want %q (default)", cfg.NATS.SubjectPrefix, "roundhouse")
	}
	if len(cfg.Dump.Command) == 0 || cfg.Dump.Command[0] != "gcore" {
		t.Errorf("Dump.Command = %v, want gcore (default)", cfg.Dump.Command)
	}

	ic := cfg.Instances[0]
	if ic.ChatBotLimit != 10 || ic.ChannelLimit != 100 {
		t.Errorf("limits = %d/%d, want 10/100 (default)", ic.ChatBotLimit, ic.ChannelLimit)
	}
	if ic.Repository.Reference != "master" {
		t.Errorf("Repository.Reference = %q, want master (default)", ic.Repository.Reference)
	}
	if ic.Repository.GitHubOwner != "org" || ic.Repository.GitHubRepo != "game" {
		t.Errorf("GitHub owner/repo = %q/%q, want org/game (derived from origin)", ic.Repository.GitHubOwner, ic.Repository.GitHubRepo)
	}
	dd := ic.DreamDaemon
	if dd.Port != 1337 {
		t.Errorf("DreamDaemon.Port = %d, want 1337 (default)", dd.Port)
	}
	if dd.HealthCheckSeconds == nil || *dd.HealthCheckSeconds != 60 {
		t.Errorf("DreamDaemon.HealthCheckSeconds = %v, want 60 (default)", dd.HealthCheckSeconds)
	}
	if dd.HealthCheckMisses != 3 {
		t.Errorf("DreamDaemon.HealthCheckMisses = %d, want 3 (default)", dd.HealthCheckMisses)
	}
	if dd.TopicRequestTimeoutMs != 5000 {
		t.Errorf("DreamDaemon.TopicRequestTimeoutMs = %d, want 5000 (default)", dd.TopicRequestTimeoutMs)
	}
	if dd.Minidumps == nil || !*dd.Minidumps {
		t.Error("DreamDaemon.Minidumps should default to true")
	}
	if dd.LogOutput == nil || !*dd.LogOutput {
		t.Error("DreamDaemon.LogOutput should default to true")
	}
	if ic.DreamMaker.ApiValidationPort != 1339 {
		t.Errorf("DreamMaker.ApiValidationPort = %d, want 1339 (default)", ic.DreamMaker.ApiValidationPort)
	}
	if ic.DreamMaker.TimeoutSeconds != 3600 {
		t.Errorf("DreamMaker.TimeoutSeconds = %d, want 3600 (default)", ic.DreamMaker.TimeoutSeconds)
	}
}

func TestParse_ExplicitZeroHealthCheck_NotOverridden(t *testing.T) {
	yaml := `
instances:
  - name: a
    path: /a
    dream_daemon:
      health_check_seconds: 0
      minidumps: false
`
	cfg, err := Parse([]byte(yaml))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	dd := cfg.Instances[0].DreamDaemon
	if *dd.HealthCheckSeconds != 0 {
		t.Errorf("HealthCheckSeconds = %d, want 0 (explicitly disabled)", *dd.HealthCheckSeconds)
	}
	if *dd.Minidumps {
		t.Error("Minidumps = true, want false (explicit)")
	}
}

func TestParse_NoInstances(t *testing.T) {
	cfg, err := Parse([]byte("logging:\n  level: warn\n"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(cfg.Instances) != 0 {
		t.Errorf("len(Instances) = %d, want 0", len(cfg.Instances))
	}
}

func TestParse_ValidationErrors(t *testing.T) {
	tests := []struct {
		name string
		yaml string
		want string
	}{
		{
			name: "unknown database type",
			yaml: "database:\n  type: oracle\n",
			want: "database.type",
		},
		{
			name: "mysql without host",
			yaml: "database:\n  type: mysql\n",
			want: "database.host is required",
		},
		{
			name: "bad log format",
			yaml: "logging:\n  format: xml\n",
			want: "logging.format",
		},
		{
			name: "user without token",
			yaml: "api:\n  users:\n    - name: alice\n",
			want: "api.users[0].token is required",
		},
		{
			name: "instance missing name",
			yaml: "instances:\n  - path: /a\n",
			want: "instances[0].name is required",
		},
		{
			name: "instance missing path",
			yaml: "instances:\n  - name: a\n",
			want: "instances[0].path is required",
		},
		{
			name: "duplicate name",
			yaml: "instances:\n  - name: a\n    path: /a\n  - name: a\n    path: /b\n",
			want: `instances[1].name "a" is duplicated`,
		},
		{
			name: "duplicate path",
			yaml: "instances:\n  - name: a\n    path: /a\n  - name: b\n    path: /a\n",
			want: `instances[1].path "/a" is duplicated`,
		},
		{
			name: "invalid cron",
			yaml: "instances:\n  - name: a\n    path: /a\n    auto_update_cron: \"every day\"\n",
			want: "instances[0].auto_update_cron",
		},
		{
			name: "bad security level",
			yaml: "instances:\n  - name: a\n    path: /a\n    dream_daemon:\n      security_level: paranoid\n",
			want: "dream_daemon.security_level",
		},
		{
			name: "bad visibility",
			yaml: "instances:\n  - name: a\n    path: /a\n    dream_daemon:\n      visibility: hidden\n",
			want: "dream_daemon.visibility",
		},
		{
			name: "bad validation mode",
			yaml: "instances:\n  - name: a\n    path: /a\n    dream_maker:\n      api_validation_mode: sometimes\n",
			want: "dream_maker.api_validation_mode",
		},
		{
			name: "validation port collides with game port",
			yaml: "instances:\n  - name: a\n    path: /a\n    dream_daemon:\n      port: 2000\n    dream_maker:\n      api_validation_port: 2000\n",
			want: "api_validation_port must differ",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.yaml))
			if err == nil {
				t.Fatal("expected error")
			}
			if !strings.Contains(err.Error(), "config: validation failed") {
				t.Errorf("error = %q, want validation failure", err.Error())
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("error = %q, want to contain %q", err.Error(), tt.want)
			}
		})
	}
}

func TestParse_MultipleValidationErrors(t *testing.T) {
	yaml := `
logging:
  format: xml
instances:
  - dream_daemon:
      visibility: hidden
`
	_, err := Parse([]byte(yaml))
	if err == nil {
		t.Fatal("expected error")
	}
	msg := err.Error()
	for _, want := range []string{"logging.format", "name is required", "path is required", "visibility"} {
		if !strings.Contains(msg, want) {
			t.Errorf("error = %q, want to contain %q", msg, want)
		}
	}
	if strings.Count(msg, "; ") < 3 {
		t.Errorf("error = %q, want errors joined by \"; \"", msg)
	}
}

func TestParse_InvalidYAML(t *testing.T) {
	_, err := Parse([]byte(":\t:bad yaml{{"))
	if err == nil {
		t.Fatal("expected error for invalid YAML")
	}
	if !strings.Contains(err.Error(), "config: parse") {
		t.Errorf("error = %q, want to contain %q", err.Error(), "config: parse")
	}
}

func TestLoad_ValidFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "roundhouse.yaml")
	if err := os.WriteFile(path, []byte(minimalYAML), 0644); err != nil {
		t.Fatal(err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Instances[0].Name != "test" {
		t.Errorf("Instances[0].Name = %q, want %q", cfg.Instances[0].Name, "test")
	}
}

func TestLoad_FileNotFound(t *testing.T) {
	_, err := Load("/nonexistent/roundhouse.yaml")
	if err == nil {
		t.Fatal("expected error for missing file")
	}
	if !strings.Contains(err.Error(), "config: read") {
		t.Errorf("error = %q, want to contain %q", err.Error(), "config: read")
	}
}

func TestParseGitHubOrigin(t *testing.T) {
	tests := []struct {
		origin, owner, repo string
	}{
		{"git@github.com:org/repo.git", "org", "repo"},
		{"https://github.com/org/repo", "org", "repo"},
		{"https://github.com/org/repo.git/", "org", "repo"},
		{"http://github.com/org/repo.git", "org", "repo"},
		{"https://gitlab.com/org/repo.git", "", ""},
		{"https://github.com/org", "", ""},
		{"", "", ""},
	}
	for _, tt := range tests {
		owner, repo := parseGitHubOrigin(tt.origin)
		if owner != tt.owner || repo != tt.repo {
			t.Errorf("parseGitHubOrigin(%q) = %q/%q, want %q/%q", tt.origin, owner, repo, tt.owner, tt.repo)
		}
	}
}

func TestCronParser_RejectsSecondsField(t *testing.T) {
	if _, err := CronParser.Parse("0 0 4 * * *"); err == nil {
		t.Error("expected 6-field expression to be rejected")
	}
	if _, err := CronParser.Parse("30 4 * * 1"); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestInstanceConfig_Validate(t *testing.T) {
	ic := InstanceConfig{Name: "extra", Path: "/srv/extra"}
	ic.ApplyDefaults()
	if err := ic.Validate(); err != nil {
		t.Fatalf("defaulted instance: %v", err)
	}
	if ic.DreamDaemon.Port != 1337 || ic.Repository.Reference != "master" {
		t.Errorf("defaults not applied: port=%d ref=%q", ic.DreamDaemon.Port, ic.Repository.Reference)
	}

	bad := InstanceConfig{AutoStopCron: "soon"}
	bad.ApplyDefaults()
	bad.DreamDaemon.Visibility = "hidden"
	err := bad.Validate()
	if err == nil {
		t.Fatal("expected validation error")
	}
	for _, want := range []string{"name is required", "path is required", "auto_stop_cron", `visibility: "hidden"`} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("error %q does not mention %q", err, want)
		}
	}
}
