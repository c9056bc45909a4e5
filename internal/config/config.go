// Package config loads the host's application-level configuration (as
// opposed to the hot-reloadable Databases/Queries/Endpoints) via
// spf13/viper: defaults are registered first, then a YAML file and
// environment variables are layered on top.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the full set of application-level knobs the host binary
// consumes, grouped by the subsystem they configure.
type Config struct {
	Log            LogConfig            `mapstructure:"log"`
	HotReload      HotReloadConfig      `mapstructure:"hotReload"`
	SnapshotStore  SnapshotStoreConfig  `mapstructure:"snapshotStore"`
	AuditLog       AuditLogConfig       `mapstructure:"auditLog"`
	ControlSurface ControlSurfaceConfig `mapstructure:"controlSurface"`
}

// LogConfig configures pkg/logger.
type LogConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	Output     string `mapstructure:"output"`
	Filename   string `mapstructure:"filename"`
	MaxSize    int    `mapstructure:"max_size"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAge     int    `mapstructure:"max_age"`
	Compress   bool   `mapstructure:"compress"`
}

// HotReloadConfig holds the `hotReload.*` knobs.
type HotReloadConfig struct {
	Enabled             bool     `mapstructure:"enabled"`
	WatchDirectories    []string `mapstructure:"watchDirectories"`
	GlobPatterns        []string `mapstructure:"globPatterns"`
	DebounceMs          int      `mapstructure:"debounceMs"`
	MaxAttempts         int      `mapstructure:"maxAttempts"`
	RollbackOnFailure   bool     `mapstructure:"rollbackOnFailure"`
	ValidateBeforeApply bool     `mapstructure:"validateBeforeApply"`
}

// SnapshotStoreConfig holds the `snapshotStore.*` knob.
type SnapshotStoreConfig struct {
	MaxHistory int `mapstructure:"maxHistory"`
}

// AuditLogConfig holds the `auditLog.*` knob. An empty
// Path disables the audit trail.
type AuditLogConfig struct {
	Path string `mapstructure:"path"`
}

// ControlSurfaceConfig holds the `controlSurface.*` knobs.
type ControlSurfaceConfig struct {
	Addr               string        `mapstructure:"addr"`
	RateLimitPerMinute int           `mapstructure:"rateLimitPerMinute"`
	RateLimitBurst     int           `mapstructure:"rateLimitBurst"`
	ShutdownTimeout    time.Duration `mapstructure:"shutdownTimeout"`
}

// Load reads configuration from configPath (if non-empty and present) and
// layers environment variables on top of the registered defaults.
func Load(configPath string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	if configPath != "" {
		v.SetConfigFile(configPath)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok && !errors.Is(err, fs.ErrNotExist) {
				return nil, fmt.Errorf("failed to read config file: %w", err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("log.output", "stdout")

	v.SetDefault("hotReload.enabled", true)
	v.SetDefault("hotReload.watchDirectories", []string{"./config"})
	v.SetDefault("hotReload.globPatterns", []string{"*-databases.yml", "*-queries.yml", "*-endpoints.yml"})
	v.SetDefault("hotReload.debounceMs", 300)
	v.SetDefault("hotReload.maxAttempts", 5)
	v.SetDefault("hotReload.rollbackOnFailure", true)
	v.SetDefault("hotReload.validateBeforeApply", true)

	v.SetDefault("snapshotStore.maxHistory", 10)

	v.SetDefault("auditLog.path", "")

	v.SetDefault("controlSurface.addr", ":8081")
	v.SetDefault("controlSurface.rateLimitPerMinute", 100)
	v.SetDefault("controlSurface.rateLimitBurst", 20)
	v.SetDefault("controlSurface.shutdownTimeout", 30*time.Second)
}
