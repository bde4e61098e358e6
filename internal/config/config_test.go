package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func minimalConfig(t *testing.T) string {
	dir := t.TempDir()
	return writeConfig(t, `
storage:
  local_path: `+filepath.Join(dir, "usage.bolt")+`
token:
  api_key: test-key
  api_secret: test-secret
auth:
  jwt_secret: test-jwt-secret
`)
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load(minimalConfig(t))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Server.APIPort != 8080 {
		t.Errorf("api_port = %d, want 8080", cfg.Server.APIPort)
	}
	if cfg.Server.MetricsPort != 9090 {
		t.Errorf("metrics_port = %d, want 9090", cfg.Server.MetricsPort)
	}
	if cfg.Storage.Redis.Host != "127.0.0.1" || cfg.Storage.Redis.Port != 6379 {
		t.Errorf("redis = %s:%d, want 127.0.0.1:6379", cfg.Storage.Redis.Host, cfg.Storage.Redis.Port)
	}
	if cfg.Quota.DailyFreeMinutes != 10 {
		t.Errorf("daily_free_minutes = %d, want 10", cfg.Quota.DailyFreeMinutes)
	}
	if cfg.Usage.RetentionDays != 90 {
		t.Errorf("retention_days = %d, want 90", cfg.Usage.RetentionDays)
	}
	if cfg.Token.TTL != "10m" {
		t.Errorf("token ttl = %q, want 10m", cfg.Token.TTL)
	}
	if cfg.Logging.Level != "info" || cfg.Logging.Format != "json" {
		t.Errorf("logging = %s/%s, want info/json", cfg.Logging.Level, cfg.Logging.Format)
	}
}

func TestLoad_FileValues(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, `
server:
  api_port: 8181
  metrics_port: 9191
storage:
  local_path: `+filepath.Join(dir, "usage.bolt")+`
  redis:
    host: redis.internal
    port: 6380
voice:
  server_url: wss://voice.example.com
token:
  api_key: test-key
  api_secret: test-secret
auth:
  jwt_secret: test-jwt-secret
quota:
  daily_free_minutes: 25
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Server.APIPort != 8181 {
		t.Errorf("api_port = %d, want 8181", cfg.Server.APIPort)
	}
	if cfg.Storage.Redis.Host != "redis.internal" || cfg.Storage.Redis.Port != 6380 {
		t.Errorf("redis = %s:%d, want redis.internal:6380", cfg.Storage.Redis.Host, cfg.Storage.Redis.Port)
	}
	if cfg.Voice.ServerURL != "wss://voice.example.com" {
		t.Errorf("voice url = %q", cfg.Voice.ServerURL)
	}
	if cfg.Quota.DailyFreeMinutes != 25 {
		t.Errorf("daily_free_minutes = %d, want 25", cfg.Quota.DailyFreeMinutes)
	}
}

func TestLoad_MissingFileUsesDefaultsAndEnv(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("TALKTIME_STORAGE_LOCAL_PATH", filepath.Join(dir, "usage.bolt"))
	t.Setenv("TALKTIME_TOKEN_API_KEY", "env-key")
	t.Setenv("TALKTIME_TOKEN_API_SECRET", "env-secret")
	t.Setenv("TALKTIME_AUTH_JWT_SECRET", "env-jwt-secret")

	cfg, err := Load(filepath.Join(dir, "nonexistent.yaml"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Token.APIKey != "env-key" {
		t.Errorf("api_key = %q, want env-key", cfg.Token.APIKey)
	}
	if cfg.Server.APIPort != 8080 {
		t.Errorf("api_port = %d, want default 8080", cfg.Server.APIPort)
	}
}

func TestLoad_ValidationFailures(t *testing.T) {
	dir := t.TempDir()
	localPath := filepath.Join(dir, "usage.bolt")

	tests := []struct {
		name    string
		content string
		wantErr string
	}{
		{
			name: "missing token credentials",
			content: `
storage:
  local_path: ` + localPath + `
auth:
  jwt_secret: s
`,
			wantErr: "api_key and api_secret",
		},
		{
			name: "missing jwt secret",
			content: `
storage:
  local_path: ` + localPath + `
token:
  api_key: k
  api_secret: s
`,
			wantErr: "jwt_secret",
		},
		{
			name: "bad api port",
			content: `
server:
  api_port: 70000
storage:
  local_path: ` + localPath + `
token:
  api_key: k
  api_secret: s
auth:
  jwt_secret: s
`,
			wantErr: "invalid API port",
		},
		{
			name: "non-positive quota",
			content: `
storage:
  local_path: ` + localPath + `
token:
  api_key: k
  api_secret: s
auth:
  jwt_secret: s
quota:
  daily_free_minutes: 0
`,
			wantErr: "daily free minutes",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.content))
			if err == nil {
				t.Fatal("Load succeeded, want error")
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("err = %v, want containing %q", err, tt.wantErr)
			}
		})
	}
}

func TestLoad_CreatesStorageDirectory(t *testing.T) {
	dir := t.TempDir()
	localPath := filepath.Join(dir, "nested", "usage.bolt")
	path := writeConfig(t, `
storage:
  local_path: `+localPath+`
token:
  api_key: k
  api_secret: s
auth:
  jwt_secret: s
`)

	if _, err := Load(path); err != nil {
		t.Fatalf("Load: %v", err)
	}
	if _, err := os.Stat(filepath.Dir(localPath)); err != nil {
		t.Errorf("storage dir not created: %v", err)
	}
}
