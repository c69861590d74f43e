// Package config handles loading and validating cowfork configuration.
package config

// Config is the top-level cowfork configuration.
type Config struct {
	Log      LogConfig      `toml:"log"`
	Machine  MachineConfig  `toml:"machine"`
	Fork     ForkConfig     `toml:"fork"`
	Scenario ScenarioConfig `toml:"scenario"`
	Metrics  MetricsConfig  `toml:"metrics"`
}

// LogConfig holds logging settings.
type LogConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
}

// MachineConfig sizes the simulated kernel.
type MachineConfig struct {
	Frames      int `toml:"frames"`
	MaxEnvs     int `toml:"max_envs"`
	ConsoleSize int `toml:"console_size"`
}

// ForkConfig holds fork library settings.
type ForkConfig struct {
	Rollback *bool `toml:"rollback"`
}

// ScenarioConfig describes the copy-on-write demonstration run by
// `cowfork run` and `cowfork stress`.
type ScenarioConfig struct {
	Pages       int `toml:"pages"`
	Children    int `toml:"children"`
	WriteOffset int `toml:"write_offset"`
}

// MetricsConfig holds metrics output settings.
type MetricsConfig struct {
	Dump bool `toml:"dump"`
}
