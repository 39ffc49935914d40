package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	return path
}

func TestLoad_EnvVarOverrides(t *testing.T) {
	configPath := writeConfig(t, `
global:
  log_level: info
relay:
  listen_host: 0.0.0.0
  port: 7777
  stack_filter:
    patterns:
      - com.acme.testing.
storage:
  results_dir: ./original-builds
  fsync: false
bus:
  nats:
    url: nats://original:4222
`)

	tests := []struct {
		name     string
		envVars  map[string]string
		validate func(t *testing.T, cfg *Config)
	}{
		{
			name:    "no env vars uses yaml values",
			envVars: map[string]string{},
			validate: func(t *testing.T, cfg *Config) {
				assert.Equal(t, "info", cfg.Global.LogLevel)
				assert.Equal(t, "0.0.0.0", cfg.Relay.ListenHost)
				assert.Equal(t, 7777, cfg.Relay.Port)
				assert.Equal(t, []string{"com.acme.testing."}, cfg.Relay.StackFilter.Patterns)
				assert.Equal(t, "./original-builds", cfg.Storage.ResultsDir)
				assert.False(t, cfg.Storage.Fsync)
			},
		},
		{
			name: "string override - log_level",
			envVars: map[string]string{
				"TESTRELAY_GLOBAL_LOG_LEVEL": "debug",
			},
			validate: func(t *testing.T, cfg *Config) {
				assert.Equal(t, "debug", cfg.Global.LogLevel)
			},
		},
		{
			name: "int override - relay port",
			envVars: map[string]string{
				"TESTRELAY_RELAY_PORT": "9999",
			},
			validate: func(t *testing.T, cfg *Config) {
				assert.Equal(t, 9999, cfg.Relay.Port)
			},
		},
		{
			name: "boolean override - fsync true",
			envVars: map[string]string{
				"TESTRELAY_STORAGE_FSYNC": "true",
			},
			validate: func(t *testing.T, cfg *Config) {
				assert.True(t, cfg.Storage.Fsync)
			},
		},
		{
			name: "nested override - nats url",
			envVars: map[string]string{
				"TESTRELAY_BUS_NATS_URL": "nats://override:4222",
			},
			validate: func(t *testing.T, cfg *Config) {
				assert.Equal(t, "nats://override:4222", cfg.Bus.NATS.URL)
			},
		},
		{
			name: "override of key absent from file",
			envVars: map[string]string{
				"TESTRELAY_UPLOAD_S3_BUCKET": "ci-artifacts",
			},
			validate: func(t *testing.T, cfg *Config) {
				assert.Equal(t, "ci-artifacts", cfg.Upload.S3.Bucket)
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for k, v := range tt.envVars {
				t.Setenv(k, v)
			}

			cfg, err := Load(configPath)
			require.NoError(t, err)
			tt.validate(t, cfg)
		})
	}
}

func TestLoad_DefaultsAppliedWhenEmpty(t *testing.T) {
	cfg, err := Load(writeConfig(t, "global: {}\n"))
	require.NoError(t, err)

	assert.Equal(t, DefaultLogLevel, cfg.Global.LogLevel)
	assert.Equal(t, DefaultListenHost, cfg.Relay.ListenHost)
	assert.Equal(t, 0, cfg.Relay.Port)
	assert.Equal(t, DefaultPortEnv, cfg.Relay.PortEnv)
	assert.Equal(t, DefaultMaxFrameSize, cfg.Relay.MaxFrameSize)
	assert.Equal(t, DefaultResultsDir, cfg.Storage.ResultsDir)
	assert.Equal(t, DefaultEventsDir, cfg.Storage.EventsDir)
	assert.True(t, cfg.Storage.Fsync)
	assert.Equal(t, DefaultSubjectPrefix, cfg.Bus.NATS.SubjectPrefix)
	assert.Equal(t, DefaultUploadConcurrency, cfg.Upload.S3.Concurrency)
	assert.Equal(t, DefaultAPIListen, cfg.API.Listen)

	timeout, err := cfg.Relay.ShutdownTimeoutDuration()
	require.NoError(t, err)
	assert.Equal(t, 10*time.Second, timeout)

	require.NoError(t, cfg.Validate())
}

func TestLoad_NoFiles(t *testing.T) {
	t.Setenv("TESTRELAY_RELAY_PORT_ENV", "MY_PORT")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "MY_PORT", cfg.Relay.PortEnv)
	assert.Equal(t, "127.0.0.1:0", cfg.Relay.Addr())
}

func TestLoad_MergesFilesInOrder(t *testing.T) {
	base := writeConfig(t, `
relay:
  port: 1000
storage:
  results_dir: /srv/builds
`)
	override := writeConfig(t, `
relay:
  port: 2000
`)

	cfg, err := Load(base, override)
	require.NoError(t, err)
	assert.Equal(t, 2000, cfg.Relay.Port)
	assert.Equal(t, "/srv/builds", cfg.Storage.ResultsDir)
}

func TestLoad_FileNotFound(t *testing.T) {
	_, err := Load("/nonexistent/config.yaml")
	assert.Error(t, err)
}

func TestLoad_InvalidYAML(t *testing.T) {
	_, err := Load(writeConfig(t, "relay: [unclosed"))
	assert.Error(t, err)
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(cfg *Config)
		wantErr string
	}{
		{name: "defaults are valid", mutate: func(*Config) {}},
		{
			name:    "bad log level",
			mutate:  func(c *Config) { c.Global.LogLevel = "loud" },
			wantErr: "global.log_level",
		},
		{
			name:    "port out of range",
			mutate:  func(c *Config) { c.Relay.Port = 70000 },
			wantErr: "relay.port",
		},
		{
			name:    "bad shutdown timeout",
			mutate:  func(c *Config) { c.Relay.ShutdownTimeout = "soon" },
			wantErr: "relay.shutdown_timeout",
		},
		{
			name:    "absolute events dir",
			mutate:  func(c *Config) { c.Storage.EventsDir = "/tmp/events" },
			wantErr: "storage.events_dir",
		},
		{
			name:    "bad owner",
			mutate:  func(c *Config) { c.Storage.Owner = "root" },
			wantErr: "storage.owner",
		},
		{
			name: "sqlite index without path",
			mutate: func(c *Config) {
				c.Index.Enabled = true
				c.Index.Driver = "sqlite"
			},
			wantErr: "index.sqlite.path",
		},
		{
			name: "unknown index driver",
			mutate: func(c *Config) {
				c.Index.Enabled = true
				c.Index.Driver = "mysql"
			},
			wantErr: "index.driver",
		},
		{
			name:    "s3 without bucket",
			mutate:  func(c *Config) { c.Upload.S3.Enabled = true },
			wantErr: "upload.s3.bucket",
		},
		{
			name:    "nats without url",
			mutate:  func(c *Config) { c.Bus.NATS.Enabled = true },
			wantErr: "bus.nats.url",
		},
		{
			name: "rate limit without budget",
			mutate: func(c *Config) {
				c.API.RateLimit.Enabled = true
				c.API.RateLimit.RequestsPerMinute = 0
			},
			wantErr: "requests_per_minute",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := Load()
			require.NoError(t, err)

			tt.mutate(cfg)

			err = cfg.Validate()
			if tt.wantErr == "" {
				require.NoError(t, err)

				return
			}

			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestConfig_DumpRedactsSecrets(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	cfg.Upload.S3.SecretAccessKey = "hunter2"
	cfg.Index.Postgres.Password = "s3cret"

	out, err := cfg.Dump()
	require.NoError(t, err)
	assert.NotContains(t, string(out), "hunter2")
	assert.NotContains(t, string(out), "s3cret")
	assert.Contains(t, string(out), "port_env: TEST_IN_PROGRESS_PORT")

	assert.Equal(t, "hunter2", cfg.Upload.S3.SecretAccessKey)
}
