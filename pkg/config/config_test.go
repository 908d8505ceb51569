package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/velotrace/collector/internal/bytesize"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "collector.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoadDefaultsWithoutFile(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "INFO", cfg.Logging.Level)
	assert.Equal(t, uint16(8080), cfg.Server.Port)
	assert.Equal(t, "/api/v4", cfg.Server.Endpoint)
	assert.Equal(t, 100*bytesize.MB, cfg.Upload.PayloadLimit)
	assert.Equal(t, 7*24*time.Hour, cfg.Upload.Expiration)
	assert.Equal(t, "gridfs", cfg.Storage.Type)
	assert.Equal(t, "measurements.meta", cfg.Mongo.Collection)
	assert.False(t, cfg.Metrics.Enabled)
}

func TestLoadParsesHumanReadableValues(t *testing.T) {
	path := writeConfig(t, `
server:
  port: 9000
  endpoint: /api/v5
upload:
  payload_limit: 250MB
  expiration: 48h
storage:
  type: local
  local:
    folder: /var/lib/collector/data
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, uint16(9000), cfg.Server.Port)
	assert.Equal(t, "/api/v5", cfg.Server.Endpoint)
	assert.Equal(t, 250*bytesize.MB, cfg.Upload.PayloadLimit)
	assert.Equal(t, 48*time.Hour, cfg.Upload.Expiration)
	assert.Equal(t, "local", cfg.Storage.Type)
	assert.Equal(t, "/var/lib/collector/data", cfg.Storage.Local.Folder)
}

func TestLoadRejectsUnknownStorageType(t *testing.T) {
	path := writeConfig(t, `
storage:
  type: tape
`)
	_, err := Load(path)
	assert.Error(t, err)
}

func TestLoadRejectsS3WithoutBucket(t *testing.T) {
	path := writeConfig(t, `
storage:
  type: s3
  s3:
    region: eu-central-1
`)
	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "storage.s3.bucket")
}

func TestLoadRejectsLocalWithoutFolder(t *testing.T) {
	path := writeConfig(t, `
storage:
  type: local
`)
	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "storage.local.folder")
}

func TestLoadRejectsBadEndpoint(t *testing.T) {
	path := writeConfig(t, `
server:
  endpoint: api/v4
`)
	_, err := Load(path)
	assert.Error(t, err)
}

func TestLoadRejectsMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}
