package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"

	"gopkg.in/yaml.v3"
)

// Config holds the daemon configuration
type Config struct {
	Twitch     TwitchConfig  `yaml:"twitch"`
	StateFile  string        `yaml:"state_file"`
	HealthAddr string        `yaml:"health_addr"`
	Alert      AlertConfig   `yaml:"alert"`
	Archive    ArchiveConfig `yaml:"archive"`
}

// TwitchConfig holds chat credentials. An empty OAuth token connects
// anonymously (read-only). Channels are added to the watch list on startup
// when the state file does not have them yet.
type TwitchConfig struct {
	Login    string   `yaml:"login"`
	OAuth    string   `yaml:"oauth"`
	Addr     string   `yaml:"addr"`
	Channels []string `yaml:"channels"`
}

// AlertConfig selects the audible cue played for filtered messages
type AlertConfig struct {
	Enabled    bool    `yaml:"enabled"`
	Frequency  float64 `yaml:"frequency"`
	DurationMS int     `yaml:"duration_ms"`
}

// ArchiveConfig holds S3 transcript archive configuration. Archiving is
// off when Bucket is empty.
type ArchiveConfig struct {
	Bucket               string `yaml:"bucket"`
	Region               string `yaml:"region"`
	Prefix               string `yaml:"prefix"`
	RoleARN              string `yaml:"role_arn"`                // assumed with the default credential chain
	WebIdentityTokenFile string `yaml:"web_identity_token_file"` // OIDC token for role_arn
	AccessKeyID          string `yaml:"access_key_id"`           // static credentials
	SecretAccessKey      string `yaml:"secret_access_key"`
	Endpoint             string `yaml:"endpoint"` // For S3-compatible services
	IntervalMinutes      int    `yaml:"interval_minutes"`
	MaxRetries           int    `yaml:"max_retries"`
}

// Enabled reports whether transcripts are archived.
func (a ArchiveConfig) Enabled() bool { return a.Bucket != "" }

// Load loads configuration from a file. A missing file is not an error:
// the daemon can run from defaults and environment alone.
func Load(path string) (*Config, error) {
	var cfg Config
	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, os.ErrNotExist):
	case err != nil:
		return nil, fmt.Errorf("read config file: %w", err)
	default:
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parse config file: %w", err)
		}
	}

	cfg.applyEnv()
	cfg.setDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyEnv() {
	if oauth := os.Getenv("TWITCH_OAUTH"); oauth != "" {
		c.Twitch.OAuth = oauth
	}
	if login := os.Getenv("TWITCH_LOGIN"); login != "" {
		c.Twitch.Login = login
	}
	if state := os.Getenv("CHATWATCH_STATE"); state != "" {
		c.StateFile = state
	}
	if addr := os.Getenv("HEALTH_ADDR"); addr != "" {
		c.HealthAddr = addr
	}
	if bucket := os.Getenv("S3_BUCKET"); bucket != "" {
		c.Archive.Bucket = bucket
	}
	if roleARN := os.Getenv("AWS_ROLE_ARN"); roleARN != "" {
		c.Archive.RoleARN = roleARN
	}
	if tokenFile := os.Getenv("AWS_WEB_IDENTITY_TOKEN_FILE"); tokenFile != "" {
		c.Archive.WebIdentityTokenFile = tokenFile
	}
	if keyID := os.Getenv("S3_ACCESS_KEY_ID"); keyID != "" {
		c.Archive.AccessKeyID = keyID
	}
	if secretKey := os.Getenv("S3_SECRET_ACCESS_KEY"); secretKey != "" {
		c.Archive.SecretAccessKey = secretKey
	}
	if minutes, err := strconv.Atoi(os.Getenv("ARCHIVE_INTERVAL_MINUTES")); err == nil && minutes > 0 {
		c.Archive.IntervalMinutes = minutes
	}
}

func (c *Config) setDefaults() {
	if c.StateFile == "" {
		c.StateFile = "chatwatch.yaml"
	}
	if c.HealthAddr == "" {
		c.HealthAddr = ":8080"
	}
	if c.Alert.Frequency == 0 {
		c.Alert.Frequency = 880
	}
	if c.Alert.DurationMS == 0 {
		c.Alert.DurationMS = 300
	}
	if c.Archive.IntervalMinutes == 0 {
		c.Archive.IntervalMinutes = 60
	}
	if c.Archive.MaxRetries == 0 {
		c.Archive.MaxRetries = 3
	}
}

// Validate checks field combinations that cannot work.
func (c *Config) Validate() error {
	if c.Alert.Frequency < 0 || c.Alert.DurationMS < 0 {
		return fmt.Errorf("alert.frequency and alert.duration_ms must not be negative")
	}
	if !c.Archive.Enabled() {
		return nil
	}
	if c.Archive.Region == "" {
		return fmt.Errorf("archive.region is required when archive.bucket is set")
	}
	if c.Archive.AccessKeyID != "" && c.Archive.SecretAccessKey == "" {
		return fmt.Errorf("archive.secret_access_key is required when using access_key_id")
	}
	if c.Archive.WebIdentityTokenFile != "" && c.Archive.RoleARN == "" {
		return fmt.Errorf("archive.role_arn is required when using web_identity_token_file")
	}
	if c.Archive.MaxRetries < 0 {
		return fmt.Errorf("archive.max_retries must not be negative")
	}
	return nil
}
