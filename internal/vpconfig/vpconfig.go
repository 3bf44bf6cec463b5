// Package vpconfig loads the supervisor's static bootstrap
// configuration from an optional TOML file. This is a one-shot load at
// process start, never a watched file: configuration file
// watching/hot-reload is an explicit Non-goal of this system.
package vpconfig

import (
	"errors"
	"fmt"
	"io/fs"

	"github.com/spf13/viper"
)

// ResourceTypeSeed mirrors registry.ResourceType for TOML decoding
// without importing internal/registry here (keeps this package
// dependency-light, matching the teacher's config package which
// decodes into its own plain structs rather than importing the
// process package's types).
type ResourceTypeSeed struct {
	Name    string `mapstructure:"name"`
	Check   string `mapstructure:"check"`
	Counter bool   `mapstructure:"counter"`
	Start   int    `mapstructure:"start"`
	End     int    `mapstructure:"end"`
}

// TemplateSeed mirrors pkg/template.Template for TOML decoding.
type TemplateSeed struct {
	ID        string            `mapstructure:"id"`
	Label     string            `mapstructure:"label"`
	Command   string            `mapstructure:"command"`
	Resources []string          `mapstructure:"resources"`
	Vars      map[string]string `mapstructure:"vars"`
	Action    string            `mapstructure:"action"`
}

// Config is the supervisor's static bootstrap configuration.
type Config struct {
	// StateDir overrides the default $HOME/.vibeprocess directory.
	StateDir string `mapstructure:"state_dir"`
	// LogLevel is one of debug|info|warn|error.
	LogLevel string `mapstructure:"log_level"`
	// LogFormat is text|json.
	LogFormat string `mapstructure:"log_format"`
	// LogFile, if set, rotates the operational log through lumberjack.
	LogFile string `mapstructure:"log_file"`
	// HistoryFile, if set, appends lifecycle events to a SQLite database
	// at this path. Optional; the supervisor runs fine without it.
	HistoryFile string `mapstructure:"history_file"`
	// ReconcileIntervalSeconds is the daemon's reconcile sweep period.
	ReconcileIntervalSeconds int `mapstructure:"reconcile_interval_seconds"`
	// ExtraResourceTypes and ExtraTemplates are merged on top of the
	// built-in defaults at store initialization.
	ExtraResourceTypes []ResourceTypeSeed `mapstructure:"resource_types"`
	ExtraTemplates     []TemplateSeed     `mapstructure:"templates"`
}

// Defaults returns the configuration used when no file is present.
func Defaults() Config {
	return Config{
		LogLevel:                 "info",
		LogFormat:                "text",
		ReconcileIntervalSeconds: 5,
	}
}

// Load reads path (TOML) into a Config seeded with Defaults(). A
// missing path is not an error: Defaults() is returned unchanged. A
// present-but-unparsable file is an error, since the caller explicitly
// asked to load it.
func Load(path string) (Config, error) {
	cfg := Defaults()
	if path == "" {
		return cfg, nil
	}

	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("toml")
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok || errors.Is(err, fs.ErrNotExist) {
			return cfg, nil
		}
		return cfg, fmt.Errorf("reading config %s: %w", path, err)
	}
	if err := v.Unmarshal(&cfg); err != nil {
		return cfg, fmt.Errorf("decoding config %s: %w", path, err)
	}
	return cfg, nil
}
