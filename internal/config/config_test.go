package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfigFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(writeConfigFile(t, ""))
	require.NoError(t, err)

	assert.Equal(t, "localhost", cfg.Database.Host)
	assert.Equal(t, 5432, cfg.Database.Port)
	assert.Equal(t, "pgtrail", cfg.Database.Name)
	assert.Equal(t, 25, cfg.Database.MaxConnections)
	assert.Equal(t, "info", cfg.Logging.Level)
	assert.Equal(t, "json", cfg.Logging.Format)
	assert.True(t, cfg.Telemetry.Enabled)
	assert.False(t, cfg.Export.Enabled)
	assert.Equal(t, []string{"POST", "PUT", "PATCH", "DELETE"}, cfg.History.Middleware.Methods)
}

func TestLoadFromYAML(t *testing.T) {
	path := writeConfigFile(t, `
database:
  host: db.internal
  port: 5433
  name: app
  user: app
  max_connections: 50
logging:
  level: debug
  format: text
export:
  enabled: true
  destinations:
    - file
  file:
    path: /var/log/pgtrail/events.jsonl
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "db.internal", cfg.Database.Host)
	assert.Equal(t, 5433, cfg.Database.Port)
	assert.Equal(t, 50, cfg.Database.MaxConnections)
	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.True(t, cfg.Export.Enabled)
	assert.Equal(t, []string{"file"}, cfg.Export.Destinations)
	assert.Equal(t, "/var/log/pgtrail/events.jsonl", cfg.Export.File.Path)
}

func TestLoadEnvOverridesFile(t *testing.T) {
	path := writeConfigFile(t, `
database:
  host: from-file
`)
	t.Setenv("PGTRAIL_DATABASE_HOST", "from-env")
	t.Setenv("PGTRAIL_LOGGING_LEVEL", "warn")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "from-env", cfg.Database.Host)
	assert.Equal(t, "warn", cfg.Logging.Level)
}

func TestLoadExpandsPasswordEnvReference(t *testing.T) {
	path := writeConfigFile(t, `
database:
  password: ${PGTRAIL_TEST_SECRET}
`)
	t.Setenv("PGTRAIL_TEST_SECRET", "s3cret")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "s3cret", cfg.Database.Password)
}

func TestLoadValidation(t *testing.T) {
	tests := []struct {
		name    string
		yaml    string
		wantErr string
	}{
		{
			"bad logging level",
			"logging:\n  level: verbose\n",
			"invalid logging level",
		},
		{
			"file destination without path",
			"export:\n  destinations:\n    - file\n",
			"export.file.path is required",
		},
		{
			"webhook destination without url",
			"export:\n  destinations:\n    - webhook\n",
			"export.webhook.url is required",
		},
		{
			"unknown destination",
			"export:\n  destinations:\n    - kafka\n",
			"invalid export destination",
		},
		{
			"zero max connections",
			"database:\n  max_connections: 0\n",
			"database.max_connections",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfigFile(t, tt.yaml))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestGetDSN(t *testing.T) {
	c := DatabaseConfig{
		Host: "db", Port: 5432, User: "u", Password: "p", Name: "pgtrail", SSLMode: "disable",
	}
	assert.Equal(t, "host=db port=5432 user=u password=p dbname=pgtrail sslmode=disable", c.GetDSN())
}

func TestTracksMethod(t *testing.T) {
	m := MiddlewareConfig{Methods: []string{"POST", "DELETE"}}
	assert.True(t, m.TracksMethod("POST"))
	assert.True(t, m.TracksMethod("post"))
	assert.False(t, m.TracksMethod("GET"))
}
