package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfigFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "reportclient.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

const validYAML = `
service:
  name: echo.example.com
  config_id: 2024-01-01r0
control:
  url: https://sc.example.com/v1/services
  destination: service_control_cluster
token:
  static: fixed-token
`

func TestLoadAppliesDefaults(t *testing.T) {
	cfg, err := Load(writeConfigFile(t, validYAML))
	require.NoError(t, err)

	assert.Equal(t, "echo.example.com", cfg.Service.Name)
	assert.Equal(t, "2024-01-01r0", cfg.Service.ConfigID)
	assert.Equal(t, 5*time.Second, cfg.Control.CheckTimeout)
	assert.Equal(t, 15*time.Second, cfg.Control.ReportTimeout)
	assert.Equal(t, 3, cfg.Control.Retries)
	assert.True(t, cfg.Control.NetworkFailOpen)
	assert.Equal(t, "info", cfg.Log.Level)
}

func TestLoadFileOverridesDefaults(t *testing.T) {
	cfg, err := Load(writeConfigFile(t, `
service:
  name: echo.example.com
control:
  url: https://sc.example.com/v1/services
  check_timeout: 2s
  retries: 7
token:
  static: fixed-token
log:
  level: debug
`))
	require.NoError(t, err)
	assert.Equal(t, 2*time.Second, cfg.Control.CheckTimeout)
	assert.Equal(t, 7, cfg.Control.Retries)
	assert.Equal(t, "debug", cfg.Log.Level)
}

func TestLoadEnvOverridesFile(t *testing.T) {
	t.Setenv("REPORTCLIENT_SERVICE__NAME", "other.example.com")
	t.Setenv("REPORTCLIENT_CONTROL__CHECK_TIMEOUT", "1s")
	t.Setenv("REPORTCLIENT_LOG__LEVEL", "warn")

	cfg, err := Load(writeConfigFile(t, validYAML))
	require.NoError(t, err)
	assert.Equal(t, "other.example.com", cfg.Service.Name)
	assert.Equal(t, time.Second, cfg.Control.CheckTimeout)
	assert.Equal(t, "warn", cfg.Log.Level)
}

func TestLoadWithoutFile(t *testing.T) {
	t.Setenv("REPORTCLIENT_SERVICE__NAME", "env.example.com")
	t.Setenv("REPORTCLIENT_CONTROL__URL", "https://sc.example.com/v1/services")
	t.Setenv("REPORTCLIENT_TOKEN__STATIC", "tok")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "env.example.com", cfg.Service.Name)
}

func TestLoadMissingFileFails(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestValidation(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{
			name: "missing service name",
			yaml: `
control:
  url: https://sc.example.com/v1/services
token:
  static: tok
`,
		},
		{
			name: "missing control url",
			yaml: `
service:
  name: echo.example.com
token:
  static: tok
`,
		},
		{
			name: "no token source",
			yaml: `
service:
  name: echo.example.com
control:
  url: https://sc.example.com/v1/services
`,
		},
		{
			name: "both token sources",
			yaml: `
service:
  name: echo.example.com
control:
  url: https://sc.example.com/v1/services
token:
  static: tok
  url: https://metadata.example.com/token
`,
		},
		{
			name: "bad log level",
			yaml: validYAML + `
log:
  level: loud
`,
		},
		{
			name: "negative retries",
			yaml: `
service:
  name: echo.example.com
control:
  url: https://sc.example.com/v1/services
  retries: -1
token:
  static: tok
`,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfigFile(t, tt.yaml))
			assert.Error(t, err)
		})
	}
}

func TestValidateRemoteTokenConfig(t *testing.T) {
	cfg, err := Load(writeConfigFile(t, `
service:
  name: echo.example.com
control:
  url: https://sc.example.com/v1/services
token:
  url: https://metadata.example.com/computeMetadata/v1/token
  destination: metadata_cluster
`))
	require.NoError(t, err)
	assert.Empty(t, cfg.Token.Static)
	assert.Equal(t, "metadata_cluster", cfg.Token.Destination)
}
