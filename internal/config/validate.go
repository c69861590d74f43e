package config

import (
	"fmt"

	"github.com/kahiteam/cowfork/internal/abi"
	"github.com/kahiteam/cowfork/internal/kernel"
	"github.com/kahiteam/cowfork/internal/logging"
)

// maxFrames caps simulated physical memory at 256 MiB.
const maxFrames = 1 << 16

// validFormats lists the supported log formats.
var validFormats = map[string]bool{
	"json": true, "text": true,
}

// Validate checks the config for semantic errors and returns all of them.
func Validate(cfg *Config) []error {
	var errs []error

	if !logging.ValidLevel(cfg.Log.Level) {
		errs = append(errs, fmt.Errorf("log.level must be debug, info, warn, or error, got %q", cfg.Log.Level))
	}
	if !validFormats[cfg.Log.Format] {
		errs = append(errs, fmt.Errorf("log.format must be json or text, got %q", cfg.Log.Format))
	}

	m := cfg.Machine
	if m.Frames < 2 || m.Frames > maxFrames {
		errs = append(errs, fmt.Errorf("machine.frames must be between 2 and %d, got %d", maxFrames, m.Frames))
	}
	if m.MaxEnvs < 1 || m.MaxEnvs > kernel.NEnv {
		errs = append(errs, fmt.Errorf("machine.max_envs must be between 1 and %d, got %d", kernel.NEnv, m.MaxEnvs))
	}
	if m.ConsoleSize < 0 {
		errs = append(errs, fmt.Errorf("machine.console_size must be >= 0, got %d", m.ConsoleSize))
	}

	s := cfg.Scenario
	maxPages := int((abi.UStackTop - abi.UText) / abi.PageSize)
	if s.Pages < 1 || s.Pages > maxPages {
		errs = append(errs, fmt.Errorf("scenario.pages must be between 1 and %d, got %d", maxPages, s.Pages))
	}
	if s.Children < 1 || s.Children >= m.MaxEnvs {
		errs = append(errs, fmt.Errorf("scenario.children must be between 1 and machine.max_envs-1, got %d", s.Children))
	}
	if s.WriteOffset < 0 || s.WriteOffset >= s.Pages*abi.PageSize {
		errs = append(errs, fmt.Errorf("scenario.write_offset must fall inside the %d scenario pages, got %d", s.Pages, s.WriteOffset))
	}

	return errs
}
