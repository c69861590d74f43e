package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/kelseyhightower/envconfig"
)

// EnvPrefix prefixes every environment override, e.g. COWFORK_LOG_LEVEL.
const EnvPrefix = "COWFORK"

// envOverrides are the settings that may be replaced from the environment.
// Empty or zero values leave the file value alone.
type envOverrides struct {
	LogLevel      string `envconfig:"LOG_LEVEL"`
	LogFormat     string `envconfig:"LOG_FORMAT"`
	MachineFrames int    `envconfig:"MACHINE_FRAMES"`
}

// Load reads a TOML config file, applies environment overrides and
// defaults, validates, and returns the config along with any warnings
// (e.g. unknown fields).
func Load(path string) (*Config, []string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, nil, fmt.Errorf("cannot read config: %s: %w", path, err)
	}

	return LoadBytes(data, path)
}

// LoadBytes parses TOML from raw bytes. The path argument is used only for
// error messages.
func LoadBytes(data []byte, path string) (*Config, []string, error) {
	var cfg Config
	md, err := toml.Decode(string(data), &cfg)
	if err != nil {
		return nil, nil, fmt.Errorf("config parse error in %s: %w", path, err)
	}

	// Collect warnings for unknown fields.
	var warnings []string
	for _, key := range md.Undecoded() {
		warnings = append(warnings, fmt.Sprintf("unknown config key: %s", strings.Join(key, ".")))
	}

	if err := ApplyEnv(&cfg); err != nil {
		return nil, warnings, err
	}
	ApplyDefaults(&cfg)

	if errs := Validate(&cfg); len(errs) > 0 {
		msgs := make([]string, len(errs))
		for i, e := range errs {
			msgs[i] = e.Error()
		}
		return nil, warnings, fmt.Errorf("config validation failed in %s:\n  %s",
			path, strings.Join(msgs, "\n  "))
	}

	return &cfg, warnings, nil
}

// ApplyEnv overlays the COWFORK_* environment variables onto cfg.
func ApplyEnv(cfg *Config) error {
	var env envOverrides
	if err := envconfig.Process(EnvPrefix, &env); err != nil {
		return fmt.Errorf("environment overrides: %w", err)
	}
	if env.LogLevel != "" {
		cfg.Log.Level = env.LogLevel
	}
	if env.LogFormat != "" {
		cfg.Log.Format = env.LogFormat
	}
	if env.MachineFrames != 0 {
		cfg.Machine.Frames = env.MachineFrames
	}
	return nil
}
