package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad(t *testing.T) {
	t.Setenv("BULKDL_TEST_DEST", "/srv/mirror")

	tests := []struct {
		name      string
		filePath  string
		wantErr   bool
		errString string
	}{
		{
			name:     "valid config file",
			filePath: "testdata/valid_config.yaml",
			wantErr:  false,
		},
		{
			name:      "non-existent file",
			filePath:  "testdata/nonexistent.yaml",
			wantErr:   true,
			errString: "failed to read config file",
		},
		{
			name:      "malformed yaml",
			filePath:  "testdata/malformed.yaml",
			wantErr:   true,
			errString: "failed to parse config file",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := Load(tt.filePath)

			if tt.wantErr {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.errString)
				assert.Nil(t, cfg)
			} else {
				require.NoError(t, err)
				require.NotNil(t, cfg)

				assert.Equal(t, "/srv/mirror", cfg.Download.Destination)
				assert.Equal(t, 3, cfg.Download.MaxRetries)
				assert.True(t, cfg.Download.HTTP2)
				assert.Equal(t, 8, cfg.Download.Concurrency)
				assert.Equal(t, 30*time.Second, cfg.Download.FetchTimeout)
				assert.Equal(t, ModeProcess, cfg.Dispatch.Mode)
				assert.Equal(t, []int{0, 1}, cfg.Dispatch.CPUs)
				assert.Equal(t, "abort", cfg.Dispatch.FaultPolicy)
				assert.Equal(t, "coordinator.local", cfg.Coordinator.Host)
				assert.Equal(t, 6000, cfg.Coordinator.Port)
				assert.True(t, cfg.RabbitMQ.Enabled)
				assert.Equal(t, "bulkdl_events", cfg.RabbitMQ.Exchange.Name)
				assert.Equal(t, 8091, cfg.Status.Port)
				assert.NoError(t, cfg.Validate())
			}
		})
	}
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load("testdata/minimal_config.yaml")
	require.NoError(t, err)

	assert.Equal(t, "bulkdl", cfg.App.Name)
	assert.Equal(t, "info", cfg.Logging.Level)
	assert.Equal(t, "console", cfg.Logging.Format)
	assert.Equal(t, 5, cfg.Download.MaxRetries)
	assert.Equal(t, 5, cfg.Download.Concurrency)
	assert.Equal(t, 120*time.Second, cfg.Download.FetchTimeout)
	assert.Equal(t, ModeThread, cfg.Dispatch.Mode)
	assert.Equal(t, "requeue", cfg.Dispatch.FaultPolicy)
	assert.True(t, cfg.Coordinator.IsEnabled())
	assert.Equal(t, "127.0.0.1", cfg.Coordinator.Host)
	assert.Equal(t, 5050, cfg.Coordinator.Port)
	assert.Equal(t, 64, cfg.Coordinator.HeaderSize)
	assert.False(t, cfg.RabbitMQ.Enabled)
	assert.False(t, cfg.Status.Enabled)
	assert.NoError(t, cfg.Validate())
}

func TestPath(t *testing.T) {
	t.Setenv("BULKDL_CONFIG_PATH", "")
	assert.Equal(t, DefaultPath, Path(""))

	t.Setenv("BULKDL_CONFIG_PATH", "/etc/bulkdl.yaml")
	assert.Equal(t, "/etc/bulkdl.yaml", Path(""))
	assert.Equal(t, "custom.yaml", Path("custom.yaml"))
}

func validConfig() *Config {
	cfg := &Config{Download: DownloadConfig{Destination: "/tmp/out"}}
	cfg.applyDefaults()
	return cfg
}

func TestConfig_Validate(t *testing.T) {
	disabled := false

	tests := []struct {
		name      string
		mutate    func(*Config)
		wantErr   bool
		errString string
	}{
		{
			name:   "valid config",
			mutate: func(*Config) {},
		},
		{
			name:      "missing destination",
			mutate:    func(c *Config) { c.Download.Destination = "" },
			wantErr:   true,
			errString: "download destination is required",
		},
		{
			name:      "zero retries",
			mutate:    func(c *Config) { c.Download.MaxRetries = -1 },
			wantErr:   true,
			errString: "max_retries must be at least 1",
		},
		{
			name:      "invalid mode",
			mutate:    func(c *Config) { c.Dispatch.Mode = "fiber" },
			wantErr:   true,
			errString: "invalid dispatch mode",
		},
		{
			name:      "invalid fault policy",
			mutate:    func(c *Config) { c.Dispatch.FaultPolicy = "ignore" },
			wantErr:   true,
			errString: "invalid fault policy",
		},
		{
			name:      "negative cpu",
			mutate:    func(c *Config) { c.Dispatch.CPUs = []int{0, -2} },
			wantErr:   true,
			errString: "cpus must not be negative",
		},
		{
			name:      "invalid coordinator port",
			mutate:    func(c *Config) { c.Coordinator.Port = 70000 },
			wantErr:   true,
			errString: "invalid coordinator port",
		},
		{
			name: "disabled coordinator skips port check",
			mutate: func(c *Config) {
				c.Coordinator.Enabled = &disabled
				c.Coordinator.Port = 70000
			},
		},
		{
			name:      "header too small",
			mutate:    func(c *Config) { c.Coordinator.HeaderSize = 8 },
			wantErr:   true,
			errString: "header_size must be at least",
		},
		{
			name:      "rabbitmq without exchange",
			mutate:    func(c *Config) { c.RabbitMQ = RabbitMQConfig{Enabled: true, Host: "localhost", Port: 5672} },
			wantErr:   true,
			errString: "rabbitmq exchange name is required",
		},
		{
			name: "status with bad port",
			mutate: func(c *Config) {
				c.Status.Enabled = true
				c.Status.Port = -1
			},
			wantErr:   true,
			errString: "invalid status port",
		},
		{
			name:      "invalid logging format",
			mutate:    func(c *Config) { c.Logging.Format = "xml" },
			wantErr:   true,
			errString: "invalid logging format",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(cfg)

			err := cfg.Validate()
			if tt.wantErr {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.errString)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}
