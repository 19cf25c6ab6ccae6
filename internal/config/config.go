package config

import (
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all application configuration
type Config struct {
	// Device identity
	Device         string   `mapstructure:"device"`
	CurrentVersion string   `mapstructure:"current-version"`
	AndroidVersion string   `mapstructure:"android-version"`
	OfficialTags   []string `mapstructure:"official-tags"`
	ImageExtension string   `mapstructure:"image-extension"`

	// Paths
	PathBase    string `mapstructure:"path-base"`
	StateDBPath string `mapstructure:"state-db-path"`
	FSMDBPath   string `mapstructure:"fsm-db-path"`

	// Server layout
	URLBaseDelta  string `mapstructure:"url-base-delta"`
	URLBaseUpdate string `mapstructure:"url-base-update"`
	URLBaseFull   string `mapstructure:"url-base-full"`
	URLBaseJSON   string `mapstructure:"url-base-json"`
	S3Region      string `mapstructure:"s3-region"`

	// Transfer
	HTTPConnectTimeout time.Duration `mapstructure:"http-connect-timeout"`
	HTTPReadTimeout    time.Duration `mapstructure:"http-read-timeout"`

	// Security limits
	MaxChainLength  int   `mapstructure:"max-chain-length"`
	MaxManifestSize int64 `mapstructure:"max-manifest-size"`
	MaxArtifactSize int64 `mapstructure:"max-artifact-size"`

	// Pass behaviour
	Mode                   string `mapstructure:"mode"`
	ApplySignature         bool   `mapstructure:"apply-signature"`
	Unattended             bool   `mapstructure:"unattended"`
	FailureNotifyThreshold int    `mapstructure:"failure-notify-threshold"`
	FSMMaxRetries          int    `mapstructure:"fsm-max-retries"`

	// External tools
	PatchCommand     string `mapstructure:"patch-command"`
	NormalizeCommand string `mapstructure:"normalize-command"`
	InstallCommand   string `mapstructure:"install-command"`

	// Observability
	MetricsTextfile string `mapstructure:"metrics-textfile"`
	LogLevel        string `mapstructure:"log-level"`
}

// Load reads configuration from environment, config file, and defaults
func Load() (*Config, error) {
	// Set defaults
	viper.SetDefault("device", "")
	viper.SetDefault("current-version", "")
	viper.SetDefault("android-version", "")
	viper.SetDefault("official-tags", []string{"NIGHTLY", "WEEKLY", "OFFICIAL"})
	viper.SetDefault("image-extension", ".zip")
	viper.SetDefault("path-base", "/data/deltaota")
	viper.SetDefault("state-db-path", "")
	viper.SetDefault("fsm-db-path", "")
	viper.SetDefault("url-base-delta", "")
	viper.SetDefault("url-base-update", "")
	viper.SetDefault("url-base-full", "")
	viper.SetDefault("url-base-json", "")
	viper.SetDefault("s3-region", "us-east-1")
	viper.SetDefault("http-connect-timeout", 15*time.Second)
	viper.SetDefault("http-read-timeout", 60*time.Second)
	viper.SetDefault("max-chain-length", 256)
	viper.SetDefault("max-manifest-size", 1024*1024)
	viper.SetDefault("max-artifact-size", 4*1024*1024*1024)
	viper.SetDefault("mode", "delta")
	viper.SetDefault("apply-signature", true)
	viper.SetDefault("unattended", false)
	viper.SetDefault("failure-notify-threshold", 4)
	viper.SetDefault("fsm-max-retries", 3)
	viper.SetDefault("patch-command", "xdelta3")
	viper.SetDefault("normalize-command", "")
	viper.SetDefault("install-command", "")
	viper.SetDefault("metrics-textfile", "")
	viper.SetDefault("log-level", "info")

	// Environment variables (will be DELTAOTA_PATH_BASE, etc.)
	viper.SetEnvPrefix("DELTAOTA")
	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))

	// Config file (optional)
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(".")
	viper.AddConfigPath("$HOME/.deltaota")

	// Read config file (ignore if not found)
	_ = viper.ReadInConfig()

	// Unmarshal into config struct
	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	cfg.applyStateDefaults()

	return &cfg, nil
}

// StateDir is the directory under path-base that holds the state and FSM
// databases when their paths are not set explicitly.
const StateDir = ".state"

// applyStateDefaults places unset database paths under path-base, so every
// invocation against one artifact directory shares the same state and lock.
func (c *Config) applyStateDefaults() {
	if c.PathBase == "" {
		return
	}
	if c.StateDBPath == "" {
		c.StateDBPath = filepath.Join(c.PathBase, StateDir, "state.db")
	}
	if c.FSMDBPath == "" {
		c.FSMDBPath = filepath.Join(c.PathBase, StateDir, "fsm")
	}
}

// Validate checks configuration for errors
func (c *Config) Validate() error {
	if c.PathBase == "" {
		return fmt.Errorf("path-base cannot be empty")
	}
	if c.StateDBPath == "" {
		return fmt.Errorf("state-db-path cannot be empty")
	}
	if c.FSMDBPath == "" {
		return fmt.Errorf("fsm-db-path cannot be empty")
	}
	if c.ImageExtension == "" {
		return fmt.Errorf("image-extension cannot be empty")
	}
	switch c.Mode {
	case "check", "delta", "full":
	default:
		return fmt.Errorf("mode must be one of check, delta, full")
	}
	if c.MaxChainLength <= 0 {
		return fmt.Errorf("max-chain-length must be positive")
	}
	if c.MaxManifestSize <= 0 {
		return fmt.Errorf("max-manifest-size must be positive")
	}
	if c.MaxArtifactSize <= 0 {
		return fmt.Errorf("max-artifact-size must be positive")
	}
	if c.HTTPConnectTimeout <= 0 || c.HTTPReadTimeout <= 0 {
		return fmt.Errorf("http timeouts must be positive")
	}
	if c.FailureNotifyThreshold <= 0 {
		return fmt.Errorf("failure-notify-threshold must be positive")
	}
	if c.FSMMaxRetries < 0 {
		return fmt.Errorf("fsm-max-retries must be non-negative")
	}
	return nil
}

// ValidatePass checks the settings a resolution pass needs on top of Validate.
func (c *Config) ValidatePass() error {
	if err := c.Validate(); err != nil {
		return err
	}
	required := []struct{ key, value string }{
		{"device", c.Device},
		{"current-version", c.CurrentVersion},
		{"android-version", c.AndroidVersion},
		{"url-base-delta", c.URLBaseDelta},
		{"url-base-update", c.URLBaseUpdate},
		{"url-base-full", c.URLBaseFull},
		{"url-base-json", c.URLBaseJSON},
		{"patch-command", c.PatchCommand},
	}
	for _, r := range required {
		if r.value == "" {
			return fmt.Errorf("%s cannot be empty", r.key)
		}
	}
	return nil
}

// SlogLevel maps log-level to a slog level, defaulting to info.
func (c *Config) SlogLevel() slog.Level {
	switch strings.ToLower(c.LogLevel) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	}
	return slog.LevelInfo
}
