package config

// ApplyDefaults fills in zero-value fields with their default values.
func ApplyDefaults(cfg *Config) {
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = "json"
	}

	if cfg.Machine.Frames == 0 {
		cfg.Machine.Frames = 1024
	}
	if cfg.Machine.MaxEnvs == 0 {
		cfg.Machine.MaxEnvs = 64
	}
	if cfg.Machine.ConsoleSize == 0 {
		cfg.Machine.ConsoleSize = 16 << 10
	}

	if cfg.Fork.Rollback == nil {
		t := true
		cfg.Fork.Rollback = &t
	}

	if cfg.Scenario.Pages == 0 {
		cfg.Scenario.Pages = 4
	}
	if cfg.Scenario.Children == 0 {
		cfg.Scenario.Children = 1
	}
}
