package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(body), 0o644))
	return dir
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := LoadWithPath(t.TempDir())
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, []string{"logger", "reader", "writer"}, cfg.Roles())
	assert.True(t, cfg.Engines["writer"].IsDefault)
	assert.True(t, cfg.Engines["reader"].ReadOnly)
	assert.True(t, cfg.Engines["reader"].Scoped())
	assert.False(t, cfg.Engines["logger"].Scoped())
	assert.Equal(t, []string{"reader", "writer"}, cfg.Broker.Preferences)
}

func TestLoadFromFile(t *testing.T) {
	dir := writeConfig(t, `
server:
  port: 9001
engines:
  primary:
    driver: pgx
    dsn: postgres://localhost/app
    isDefault: true
    maxConns: 10
broker:
  preferences: [primary]
logging:
  level: debug
  format: json
`)
	cfg, err := LoadWithPath(dir)
	require.NoError(t, err)

	assert.Equal(t, 9001, cfg.Server.Port)
	require.Contains(t, cfg.Engines, "primary")
	assert.Equal(t, "pgx", cfg.Engines["primary"].Driver)
	assert.Equal(t, 10, cfg.Engines["primary"].MaxConns)
	assert.Equal(t, []string{"primary"}, cfg.Broker.Preferences)
}

func TestValidateRejectsBadEngines(t *testing.T) {
	cfg := &Config{
		Server: ServerConfig{Port: 8080},
		Engines: map[string]EngineConfig{
			"a": {Driver: "mysql"},
			"b": {Driver: "sqlite3", IsDefault: true},
			"c": {Driver: "pgx", IsDefault: true},
		},
		Logging: LoggingConfig{Level: "info", Format: "json"},
	}
	err := validate(cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "engines.a.driver")
	assert.Contains(t, err.Error(), "engines.b.path")
	assert.Contains(t, err.Error(), "engines.c.dsn")
	assert.Contains(t, err.Error(), "only one engine may set isDefault")
}

func TestValidateRejectsBadPathExcludes(t *testing.T) {
	cfg := &Config{
		Server:  ServerConfig{Port: 8080},
		Engines: map[string]EngineConfig{"w": {Driver: "sqlite3", Path: "x.db"}},
		Broker:  BrokerConfig{PathExcludes: "(["},
		Logging: LoggingConfig{Level: "info", Format: "text"},
	}
	err := validate(cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "broker.pathExcludes")
}

func TestValidateRejectsExternalTx(t *testing.T) {
	dir := writeConfig(t, `
engines:
  writer:
    driver: sqlite3
    path: app.db
    externalTx: true
`)

	_, err := LoadWithPath(dir)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "engines.writer.externalTx requires a transaction coordinator")
}

func TestRedactDSN(t *testing.T) {
	tests := []struct {
		dsn  string
		want string
	}{
		{"postgres://app:s3cret@db:5432/app?sslmode=disable", "postgres://app:xxxxx@db:5432/app?sslmode=disable"},
		{"host=db user=app password=s3cret dbname=app", "host=db user=app password=xxxxx dbname=app"},
		{"host=db password='with space' dbname=app", "host=db password=xxxxx dbname=app"},
		{"postgres://db/app", "postgres://db/app"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, RedactDSN(tt.dsn))
	}
}
