package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func clearEnv(t *testing.T) {
	for _, k := range []string{
		"TWITCH_OAUTH", "TWITCH_LOGIN", "CHATWATCH_STATE", "HEALTH_ADDR", "S3_BUCKET",
		"AWS_ROLE_ARN", "AWS_WEB_IDENTITY_TOKEN_FILE", "S3_ACCESS_KEY_ID", "S3_SECRET_ACCESS_KEY",
		"ARCHIVE_INTERVAL_MINUTES",
	} {
		t.Setenv(k, "")
	}
}

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	clearEnv(t)
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.NoError(t, err)

	assert.Equal(t, "", cfg.Twitch.OAuth)
	assert.Equal(t, "chatwatch.yaml", cfg.StateFile)
	assert.Equal(t, ":8080", cfg.HealthAddr)
	assert.Equal(t, 880.0, cfg.Alert.Frequency)
	assert.Equal(t, 300, cfg.Alert.DurationMS)
	assert.False(t, cfg.Archive.Enabled())
	assert.Equal(t, 60, cfg.Archive.IntervalMinutes)
}

func TestLoadFile(t *testing.T) {
	clearEnv(t)
	path := writeConfig(t, `
twitch:
  login: watcher
  oauth: abc
  channels: [alice, bob]
state_file: /var/lib/chatwatch/state.yaml
health_addr: 127.0.0.1:9000
alert:
  enabled: true
  frequency: 440
archive:
  bucket: logs
  region: us-east-1
  access_key_id: key
  secret_access_key: secret
  interval_minutes: 15
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "watcher", cfg.Twitch.Login)
	assert.Equal(t, "abc", cfg.Twitch.OAuth)
	assert.Equal(t, []string{"alice", "bob"}, cfg.Twitch.Channels)
	assert.Equal(t, "/var/lib/chatwatch/state.yaml", cfg.StateFile)
	assert.Equal(t, "127.0.0.1:9000", cfg.HealthAddr)
	assert.True(t, cfg.Alert.Enabled)
	assert.Equal(t, 440.0, cfg.Alert.Frequency)
	assert.True(t, cfg.Archive.Enabled())
	assert.Equal(t, 15, cfg.Archive.IntervalMinutes)
	assert.Equal(t, 3, cfg.Archive.MaxRetries)
}

func TestEnvOverrides(t *testing.T) {
	clearEnv(t)
	path := writeConfig(t, "twitch:\n  oauth: from-file\n")
	t.Setenv("TWITCH_OAUTH", "from-env")
	t.Setenv("TWITCH_LOGIN", "envlogin")
	t.Setenv("CHATWATCH_STATE", "/tmp/state.yaml")
	t.Setenv("S3_BUCKET", "bucket")
	t.Setenv("AWS_ROLE_ARN", "arn:aws:iam::1:role/x")
	t.Setenv("ARCHIVE_INTERVAL_MINUTES", "5")

	_, err := Load(path)
	require.Error(t, err, "bucket without region")

	path = writeConfig(t, "archive:\n  region: eu-west-1\n")
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "from-env", cfg.Twitch.OAuth)
	assert.Equal(t, "envlogin", cfg.Twitch.Login)
	assert.Equal(t, "/tmp/state.yaml", cfg.StateFile)
	assert.Equal(t, "bucket", cfg.Archive.Bucket)
	assert.Equal(t, "arn:aws:iam::1:role/x", cfg.Archive.RoleARN)
	assert.Equal(t, 5, cfg.Archive.IntervalMinutes)
}

func TestValidate(t *testing.T) {
	clearEnv(t)
	tests := []struct {
		name string
		body string
	}{
		{"bad yaml", "twitch: ["},
		{"negative frequency", "alert:\n  frequency: -1\n"},
		{"key without secret", "archive:\n  bucket: b\n  region: r\n  access_key_id: k\n"},
		{"token file without role", "archive:\n  bucket: b\n  region: r\n  web_identity_token_file: /t\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.body))
			assert.Error(t, err)
		})
	}
}
