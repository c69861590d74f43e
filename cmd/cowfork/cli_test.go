package main

import (
	"bytes"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/kahiteam/cowfork/internal/testutil"
)

// execute runs the root command with args and returns what it printed.
// Flag values left over from earlier calls are reset first.
func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	t.Setenv("COWFORK_CONFIG", "")
	t.Chdir(t.TempDir())

	reset := func(c *cobra.Command) {
		for _, fs := range []*pflag.FlagSet{c.Flags(), c.PersistentFlags()} {
			fs.VisitAll(func(f *pflag.Flag) {
				_ = f.Value.Set(f.DefValue)
				f.Changed = false
			})
		}
	}
	reset(rootCmd)
	for _, c := range rootCmd.Commands() {
		reset(c)
	}

	buf := new(bytes.Buffer)
	rootCmd.SetOut(buf)
	rootCmd.SetErr(io.Discard)
	rootCmd.SetArgs(args)
	err := rootCmd.Execute()
	return buf.String(), err
}

func TestRootCommandHelp(t *testing.T) {
	out, err := execute(t, "--help")
	if err != nil {
		t.Fatal(err)
	}
	for _, sub := range []string{"run", "stress", "showmappings", "init", "version", "completion"} {
		if !strings.Contains(out, sub) {
			t.Errorf("help output missing subcommand %q", sub)
		}
	}
}

func TestVersionCommand(t *testing.T) {
	out, err := execute(t, "version")
	if err != nil {
		t.Fatal(err)
	}
	for _, want := range []string{"cowfork", "commit:", "built:", "go:", "os/arch:"} {
		if !strings.Contains(out, want) {
			t.Errorf("version output missing %q", want)
		}
	}
}

func TestUnknownSubcommand(t *testing.T) {
	if _, err := execute(t, "nonexistent"); err == nil {
		t.Fatal("expected error for unknown subcommand")
	}
}

func TestRunCommand(t *testing.T) {
	out, err := execute(t, "run", "--pages", "2", "--children", "2", "--console", "--metrics")
	if err != nil {
		t.Fatal(err)
	}
	for _, want := range []string{
		"parent 00001000, children [00001001 00001002]",
		"before write",
		"after write",
		"child 00001002: ok",
		"check: ok",
		"console:",
		"[00001000] new env 00001002",
		"cowfork_cow_faults_total 1",
		`cowfork_forks_total{result="ok"} 2`,
	} {
		if !strings.Contains(out, want) {
			t.Errorf("run output missing %q:\n%s", want, out)
		}
	}
}

func TestRunTrace(t *testing.T) {
	out, err := execute(t, "run", "--pages", "1", "--trace")
	if err != nil {
		t.Fatal(err)
	}
	for _, want := range []string{"event ENV_CREATED", "event PAGE_FAULT_DELIVERED", "event ENV_DESTROYED"} {
		if !strings.Contains(out, want) {
			t.Errorf("trace output missing %q", want)
		}
	}
	if strings.Contains(out, "cowfork_forks_total") {
		t.Error("metrics printed without --metrics")
	}
}

func TestRunRejectsBadFlags(t *testing.T) {
	tests := [][]string{
		{"run", "--pages", "0"},
		{"run", "--pages", "1", "--offset", "4096"},
		{"run", "--log-level", "loud"},
		{"run", "--log-format", "xml"},
		{"run", "extra"},
	}
	for _, args := range tests {
		t.Run(strings.Join(args, " "), func(t *testing.T) {
			if _, err := execute(t, args...); err == nil {
				t.Fatal("expected error")
			}
		})
	}
}

func TestRunOutOfMemory(t *testing.T) {
	t.Setenv("COWFORK_MACHINE_FRAMES", "8")
	if _, err := execute(t, "run"); err == nil || !strings.Contains(err.Error(), "out of memory") {
		t.Fatalf("err = %v, want out of memory", err)
	}
}

func TestRunConfigFile(t *testing.T) {
	path := testutil.WriteFile(t, t.TempDir(), "cowfork.toml", "[scenario]\npages = 2\nchildren = 3\n")
	out, err := execute(t, "run", "--config", path)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out, "children [00001001 00001002 00001003]") {
		t.Errorf("config file not applied:\n%s", out)
	}

	// Flags win over the file.
	out, err = execute(t, "run", "--config", path, "--children", "1")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out, "children [00001001]") {
		t.Errorf("--children not applied:\n%s", out)
	}
}

func TestStressCommand(t *testing.T) {
	out, err := execute(t, "stress", "--runs", "3", "--parallel", "2", "--pages", "2")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out, "3 runs, 0 failed") {
		t.Errorf("stress output = %q", out)
	}
	if _, err := execute(t, "stress", "--runs", "0"); err == nil {
		t.Fatal("expected error for --runs 0")
	}
}

func TestStressMetricsAddr(t *testing.T) {
	out, err := execute(t, "stress", "--runs", "2", "--pages", "1", "--metrics-addr", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out, "2 runs, 0 failed") {
		t.Errorf("stress output = %q", out)
	}
	if _, err := execute(t, "stress", "--runs", "1", "--metrics-addr", "256.0.0.1:bad"); err == nil {
		t.Fatal("expected bind error")
	}
}

func TestShowMappingsCommand(t *testing.T) {
	out, err := execute(t, "showmappings", "--pages", "2", "--phase", "forked", "--color", "never", "--dump", "16")
	if err != nil {
		t.Fatal(err)
	}
	for _, want := range []string{
		"== forked ==",
		"env 00001000",
		"env 00001001",
		"VA",
		"0x00800000",
		"0x00801000",
		"|AAAAAAAAAAAAAAAA|",
		"digest ",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("showmappings output missing %q:\n%s", want, out)
		}
	}
	if strings.Contains(out, "== written ==") {
		t.Error("written phase printed with --phase forked")
	}
	if strings.Contains(out, "\033[") {
		t.Error("colour codes printed with --color never")
	}
}

func TestShowMappingsRange(t *testing.T) {
	out, err := execute(t, "showmappings", "--pages", "3", "--phase", "written", "--start", "0x801000", "--end", "802000")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out, "0x00801000") {
		t.Errorf("missing page in range:\n%s", out)
	}
	for _, va := range []string{"0x00800000", "0x00802000"} {
		if strings.Contains(out, va) {
			t.Errorf("page %s outside range printed", va)
		}
	}
}

func TestShowMappingsRejectsBadFlags(t *testing.T) {
	tests := [][]string{
		{"showmappings", "--phase", "later"},
		{"showmappings", "--color", "sometimes"},
		{"showmappings", "--start", "zz"},
		{"showmappings", "--start", "0x900000", "--end", "0x800000"},
	}
	for _, args := range tests {
		t.Run(strings.Join(args, " "), func(t *testing.T) {
			if _, err := execute(t, args...); err == nil {
				t.Fatal("expected error")
			}
		})
	}
}

func TestParseAddr(t *testing.T) {
	tests := []struct {
		in   string
		want uintptr
		ok   bool
	}{
		{"0x800000", 0x800000, true},
		{"0X7ff000", 0x7ff000, true},
		{"eebfe000", 0xeebfe000, true},
		{"", 0, false},
		{"0x", 0, false},
		{"100000000", 0, false},
	}
	for _, tt := range tests {
		got, err := parseAddr(tt.in)
		if (err == nil) != tt.ok || got != tt.want {
			t.Errorf("parseAddr(%q) = %x, %v", tt.in, got, err)
		}
	}
}

func TestInitCommand(t *testing.T) {
	out, err := execute(t, "init", "--stdout")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out, "[scenario]") {
		t.Errorf("sample config missing [scenario]:\n%s", out)
	}

	path := filepath.Join(t.TempDir(), "cowfork.toml")
	if _, err := execute(t, "init", "-o", path); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(path); err != nil {
		t.Fatal(err)
	}
	if _, err := execute(t, "init", "-o", path); err == nil {
		t.Fatal("expected error for existing file")
	}
	if _, err := execute(t, "init", "-o", path, "--force"); err != nil {
		t.Fatal(err)
	}
}
