package main

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tankwise/tanksync/internal/record"
)

func defaults(c Config) Config {
	if c.StorageDSN == "" {
		c.StorageDSN = "bolt:///var/lib/tanksync/prefs.db"
	}
	if c.Listen == "" {
		c.Listen = ":80"
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	c.TelemetryInterval = 30 * time.Second
	c.ConfigInterval = 30 * time.Second
	c.ControlInterval = 5 * time.Minute
	return c
}

func TestCLIParsing(t *testing.T) {
	tests := []struct {
		name     string
		args     []string
		wantErr  bool
		errMsg   string
		expected Config
	}{
		{
			name: "cloud url and device id",
			args: []string{
				"--cloud-url", "https://api.example.com",
				"--device-id", "tank-1",
			},
			expected: defaults(Config{
				CloudURL: "https://api.example.com",
				DeviceID: "tank-1",
			}),
		},
		{
			name: "storage and listen address",
			args: []string{
				"--storage-dsn", "etcd://localhost:2379/tanksync",
				"--listen", "127.0.0.1:8080",
			},
			expected: defaults(Config{
				StorageDSN: "etcd://localhost:2379/tanksync",
				Listen:     "127.0.0.1:8080",
			}),
		},
		{
			name:     "version flag",
			args:     []string{"--version"},
			expected: defaults(Config{Version: true}),
		},
		{
			name: "short flag aliases",
			args: []string{
				"-c", "https://api.example.com",
				"-d", "tank-2",
				"-l", "warn",
				"-u", "operator",
			},
			expected: defaults(Config{
				CloudURL: "https://api.example.com",
				DeviceID: "tank-2",
				LogLevel: "warn",
				Username: "operator",
			}),
		},
		{
			name:    "unknown flag",
			args:    []string{"--dry-run"},
			wantErr: true,
		},
		{
			name:    "bad interval",
			args:    []string{"--config-interval", "soon"},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			config, err := ParseCLI(tt.args)
			if tt.wantErr {
				require.Error(t, err)
				if tt.errMsg != "" {
					assert.Contains(t, err.Error(), tt.errMsg)
				}
				return
			}
			require.NoError(t, err)
			require.NotNil(t, config)
			assert.Equal(t, tt.expected, *config)
		})
	}
}

func TestCLIIntervals(t *testing.T) {
	config, err := ParseCLI([]string{"--telemetry-interval", "10s", "--control-interval", "1m"})
	require.NoError(t, err)
	assert.Equal(t, 10*time.Second, config.TelemetryInterval)
	assert.Equal(t, time.Minute, config.ControlInterval)
}

func TestCLIEnvironmentVariables(t *testing.T) {
	t.Setenv("TANKSYNC_CLOUD_URL", "https://env.example.com")
	t.Setenv("TANKSYNC_STORAGE_DSN", "memory://")
	t.Setenv("TANKSYNC_LOG_JSON", "true")

	config, err := ParseCLI([]string{})
	require.NoError(t, err)
	assert.Equal(t, "https://env.example.com", config.CloudURL)
	assert.Equal(t, "memory://", config.StorageDSN)
	assert.True(t, config.LogJSON)
}

func TestCLIFlagPrecedence(t *testing.T) {
	t.Setenv("TANKSYNC_CLOUD_URL", "https://env.example.com")
	t.Setenv("TANKSYNC_DEVICE_ID", "env-tank")

	config, err := ParseCLI([]string{"--cloud-url", "https://flag.example.com", "--device-id", "flag-tank"})
	require.NoError(t, err)
	assert.Equal(t, "https://flag.example.com", config.CloudURL)
	assert.Equal(t, "flag-tank", config.DeviceID)
}

const sampleProfile = `
cloudUrl: https://profile.example.com
device:
  id: tank-7
  name: Basement tank
account:
  username: operator
  password: secret
defaults:
  upperThreshold: 90
  tankShape: Rectangular
  sensorFilter: false
`

func TestParseProfile(t *testing.T) {
	p, err := ParseProfile([]byte(sampleProfile))
	require.NoError(t, err)

	c := p.ApplyDefaults()
	assert.Equal(t, 90.0, c.UpperThreshold)
	assert.Equal(t, record.ShapeRectangular, c.TankShape)
	assert.False(t, c.SensorFilter)
	assert.Equal(t, record.DefaultConfig().LowerThreshold, c.LowerThreshold)

	creds := p.Credentials()
	require.NotNil(t, creds)
	assert.Equal(t, "operator", creds.Username)
	assert.Equal(t, "tank-7", creds.DeviceID)
	assert.Equal(t, "Basement tank", creds.DeviceName)

	_, err = ParseProfile([]byte("defaults:\n  tankShape: Spherical\n"))
	assert.Error(t, err)
	_, err = ParseProfile([]byte("unknown: 1\n"))
	assert.Error(t, err)

	var none *Profile
	assert.Nil(t, none.Credentials())
}

func TestBuildOptions(t *testing.T) {
	path := filepath.Join(t.TempDir(), "profile.yaml")
	require.NoError(t, os.WriteFile(path, []byte(sampleProfile), 0o600))
	profile, err := LoadProfile(path)
	require.NoError(t, err)

	t.Run("profile only", func(t *testing.T) {
		opts, err := BuildOptions(&Config{}, profile)
		require.NoError(t, err)
		assert.Equal(t, "https://profile.example.com", opts.CloudURL)
		assert.Equal(t, "tank-7", opts.DeviceID)
		require.NotNil(t, opts.Defaults)
		assert.Equal(t, 90.0, opts.Defaults.UpperThreshold)
		require.NotNil(t, opts.Credentials)
		assert.Equal(t, "secret", opts.Credentials.Password)
	})

	t.Run("command line wins", func(t *testing.T) {
		opts, err := BuildOptions(&Config{DeviceID: "tank-8", Username: "admin", Password: "pw"}, profile)
		require.NoError(t, err)
		assert.Equal(t, "tank-8", opts.DeviceID)
		assert.Equal(t, "tank-8", opts.Credentials.DeviceID)
		assert.Equal(t, "admin", opts.Credentials.Username)
	})

	t.Run("no profile", func(t *testing.T) {
		opts, err := BuildOptions(&Config{CloudURL: "https://x", DeviceID: "t"}, nil)
		require.NoError(t, err)
		assert.Nil(t, opts.Credentials)
		assert.Nil(t, opts.Defaults)

		_, err = BuildOptions(&Config{DeviceID: "t"}, nil)
		assert.Error(t, err)
		_, err = BuildOptions(&Config{CloudURL: "https://x"}, nil)
		assert.Error(t, err)
	})
}

func TestSetupLogging(t *testing.T) {
	require.NoError(t, SetupLogging("debug", true))
	require.Error(t, SetupLogging("loud", false))
}
