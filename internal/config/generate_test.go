package config

import (
	"strings"
	"testing"
)

func TestDefaultConfigIsValidTOML(t *testing.T) {
	cfg, warnings, err := LoadBytes([]byte(DefaultConfigTOML), "generated")
	if err != nil {
		t.Fatalf("generated config is invalid TOML: %v", err)
	}
	if len(warnings) != 0 {
		t.Errorf("unexpected warnings: %v", warnings)
	}
	if cfg.Machine.Frames != 1024 {
		t.Errorf("frames = %d, want default", cfg.Machine.Frames)
	}
}

func TestDefaultConfigContainsAllSections(t *testing.T) {
	for _, section := range []string{
		"[log]",
		"[machine]",
		"[fork]",
		"[scenario]",
		"[metrics]",
	} {
		if !strings.Contains(DefaultConfigTOML, section) {
			t.Errorf("missing section %q in generated config", section)
		}
	}
}

// The commented sample must agree with ApplyDefaults.
func TestDefaultConfigUncommentedMatchesDefaults(t *testing.T) {
	var lines []string
	for _, line := range strings.Split(DefaultConfigTOML, "\n") {
		if v, ok := strings.CutPrefix(line, "# "); ok && strings.Contains(v, " = ") {
			line = v
		}
		lines = append(lines, line)
	}
	explicit, _, err := LoadBytes([]byte(strings.Join(lines, "\n")), "uncommented")
	if err != nil {
		t.Fatal(err)
	}
	implicit, _, err := LoadBytes(nil, "empty")
	if err != nil {
		t.Fatal(err)
	}
	if explicit.Machine != implicit.Machine || explicit.Scenario != implicit.Scenario || explicit.Log != implicit.Log {
		t.Fatalf("sample %+v disagrees with defaults %+v", explicit, implicit)
	}
}
