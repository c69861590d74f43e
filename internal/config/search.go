package config

import (
	"errors"
	"fmt"
	"os"
)

// DefaultSearchPaths is the ordered list of config file paths to try.
var DefaultSearchPaths = []string{
	"./cowfork.toml",
	"/etc/cowfork/cowfork.toml",
}

// ErrNotFound is returned by Resolve when no file was named and none of the
// search paths exist.
var ErrNotFound = errors.New("no config file found")

// Resolve finds the config file path by checking, in order:
//  1. Explicit path from -c flag (if non-empty)
//  2. COWFORK_CONFIG environment variable
//  3. DefaultSearchPaths
//
// Returns the resolved path or an error.
func Resolve(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("cannot read config: %s: %w", explicit, err)
		}
		return explicit, nil
	}

	if env := os.Getenv("COWFORK_CONFIG"); env != "" {
		if _, err := os.Stat(env); err != nil {
			return "", fmt.Errorf("cannot read config: %s: %w", env, err)
		}
		return env, nil
	}

	for _, p := range DefaultSearchPaths {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}

	return "", fmt.Errorf("%w; searched %v", ErrNotFound, DefaultSearchPaths)
}

// LoadOrDefault resolves and loads the config file. When no file is named
// and none is found, it returns the built-in defaults with environment
// overrides applied, and an empty path.
func LoadOrDefault(explicit string) (*Config, string, []string, error) {
	path, err := Resolve(explicit)
	if errors.Is(err, ErrNotFound) {
		cfg, warnings, err := LoadBytes(nil, "defaults")
		return cfg, "", warnings, err
	}
	if err != nil {
		return nil, "", nil, err
	}
	cfg, warnings, err := Load(path)
	return cfg, path, warnings, err
}
