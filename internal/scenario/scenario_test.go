package scenario

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/kahiteam/cowfork/internal/abi"
	"github.com/kahiteam/cowfork/internal/events"
	"github.com/kahiteam/cowfork/internal/kernel"
	"github.com/kahiteam/cowfork/internal/metrics"
	"github.com/kahiteam/cowfork/internal/monitor"
)

func defaultConfig() Config {
	return Config{Pages: 4, Children: 1, Frames: 256, MaxEnvs: 16, Rollback: true}
}

func TestRunSingleChild(t *testing.T) {
	rep, err := Run(context.Background(), Config{Pages: 1, Children: 1, Rollback: true}, Deps{})
	if err != nil {
		t.Fatal(err)
	}
	if err := rep.Check(); err != nil {
		t.Fatal(err)
	}

	// One page full of 'A'; the parent writes at offset 0.
	aaaa := monitor.Digest(bytes.Repeat([]byte{'A'}, abi.PageSize))
	parent, child := rep.After[0].Pages[0], rep.After[1].Pages[0]
	if child.Digest != aaaa {
		t.Errorf("child page digest changed")
	}
	if parent.Digest == aaaa {
		t.Errorf("parent page should differ after its write")
	}
	if !parent.Perm.Has(abi.PermWrite) || parent.Perm.Has(abi.PermCOW) {
		t.Errorf("parent perm = %s", parent.Perm)
	}
	if child.Perm != abi.PermPresent|abi.PermUser|abi.PermCOW {
		t.Errorf("child perm = %s, want copy-on-write", child.Perm)
	}
	if diff := cmp.Diff(rep.Before[1], rep.After[1], cmpopts.IgnoreFields(PageState{}, "Refs")); diff != "" {
		t.Errorf("child snapshot changed across the parent's write (-before +after):\n%s", diff)
	}
	if rep.NewDataFrames != 1 {
		t.Errorf("new data frames = %d, want 1", rep.NewDataFrames)
	}
	if want := []ChildResult{{Env: rep.Children[0], OK: true}}; !cmp.Equal(want, rep.Results) {
		t.Errorf("results = %+v", rep.Results)
	}
}

func TestRunBeforeWriteIdentical(t *testing.T) {
	rep, err := Run(context.Background(), defaultConfig(), Deps{})
	if err != nil {
		t.Fatal(err)
	}
	// Parent and child see the same frames, permissions and bytes.
	ignore := cmpopts.IgnoreFields(Snapshot{}, "Env")
	if diff := cmp.Diff(rep.Before[0], rep.Before[1], ignore); diff != "" {
		t.Fatalf("parent and child differ before any write (-parent +child):\n%s", diff)
	}
	for _, p := range rep.Before[0].Pages {
		if p.Refs != 2 {
			t.Errorf("page %08x refs = %d, want 2", p.VA, p.Refs)
		}
	}
}

func TestRunWriteOffsetInLaterPage(t *testing.T) {
	cfg := defaultConfig()
	cfg.WriteOffset = 2*abi.PageSize + 17
	rep, err := Run(context.Background(), cfg, Deps{})
	if err != nil {
		t.Fatal(err)
	}
	if err := rep.Check(); err != nil {
		t.Fatal(err)
	}
	if rep.WriteVA != abi.UText+2*abi.PageSize+17 {
		t.Fatalf("write va = %08x", rep.WriteVA)
	}
	for i, p := range rep.After[0].Pages {
		private := p.Perm.Has(abi.PermWrite)
		if private != (i == 2) {
			t.Errorf("parent page %d perm %s", i, p.Perm)
		}
	}
}

func TestRunManyChildren(t *testing.T) {
	cfg := defaultConfig()
	cfg.Children = 5
	rep, err := Run(context.Background(), cfg, Deps{})
	if err != nil {
		t.Fatal(err)
	}
	if err := rep.Check(); err != nil {
		t.Fatal(err)
	}
	if len(rep.Children) != 5 || len(rep.Results) != 5 {
		t.Fatalf("children = %v, results = %v", rep.Children, rep.Results)
	}
	// The original frame is still shared by all five children.
	for _, s := range rep.After[1:] {
		if s.Pages[0].Refs != 5 {
			t.Errorf("%s page refs = %d, want 5", s.Env, s.Pages[0].Refs)
		}
	}
}

func TestRunRecordsMetricsAndEvents(t *testing.T) {
	m := metrics.New()
	bus := events.NewBus(nil)
	m.Observe(bus)

	cfg := defaultConfig()
	cfg.Children = 2
	if _, err := Run(context.Background(), cfg, Deps{Metrics: m, Bus: bus}); err != nil {
		t.Fatal(err)
	}

	checks := []struct {
		name string
		got  float64
		want float64
	}{
		{"forks ok", testutil.ToFloat64(m.ForkTotal.WithLabelValues("ok")), 2},
		{"cow pages", testutil.ToFloat64(m.PagesDuplicatedTotal.WithLabelValues("cow")), 8},
		{"cow faults", testutil.ToFloat64(m.COWFaultTotal), 1},
		{"envs created", testutil.ToFloat64(m.EnvCreatedTotal), 3},
		{"envs destroyed cleanly", testutil.ToFloat64(m.EnvDestroyedTotal.WithLabelValues("false")), 2},
		{"faults delivered", testutil.ToFloat64(m.FaultsDelivered), 1},
		{"fatal faults", testutil.ToFloat64(m.FatalFaultTotal), 0},
	}
	for _, c := range checks {
		if c.got != c.want {
			t.Errorf("%s = %v, want %v", c.name, c.got, c.want)
		}
	}
}

func TestRunConsole(t *testing.T) {
	rep, err := Run(context.Background(), defaultConfig(), Deps{})
	if err != nil {
		t.Fatal(err)
	}
	want := []string{
		"[00000000] new env 00001000",
		"[00001000] new env 00001001",
		"[00001001] free env 00001001",
	}
	if diff := cmp.Diff(want, rep.Console); diff != "" {
		t.Fatalf("console mismatch (-want +got):\n%s", diff)
	}
}

func TestRunOutOfMemory(t *testing.T) {
	// Enough for the parent (one table, four pages, exception stack and its
	// table) but not the child's first page table.
	cfg := defaultConfig()
	cfg.Frames = 1 + 1 + 4 + 2

	rep, err := Run(context.Background(), cfg, Deps{})
	if !errors.Is(err, abi.ErrNoMem) {
		t.Fatalf("err = %v, want ErrNoMem", err)
	}
	if rep == nil || len(rep.Children) != 0 {
		t.Fatalf("no child should be reported: %+v", rep)
	}
}

func TestRunCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := Run(ctx, defaultConfig(), Deps{}); !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
}

func TestRunRejectsBadConfig(t *testing.T) {
	tests := []struct {
		name string
		cfg  Config
	}{
		{"no pages", Config{Children: 1}},
		{"no children", Config{Pages: 1}},
		{"offset past end", Config{Pages: 1, Children: 1, WriteOffset: abi.PageSize}},
		{"negative offset", Config{Pages: 1, Children: 1, WriteOffset: -1}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := Run(context.Background(), tt.cfg, Deps{}); err == nil {
				t.Fatal("expected error")
			}
		})
	}
}

func TestCheckReportsViolations(t *testing.T) {
	rep, err := Run(context.Background(), defaultConfig(), Deps{})
	if err != nil {
		t.Fatal(err)
	}
	rep.NewDataFrames = 2
	rep.Results[0] = ChildResult{Env: rep.Children[0], Err: "page 00800000 changed at offset 0"}
	rep.After[1].Pages[3].Digest = "tampered"

	err = rep.Check()
	if err == nil {
		t.Fatal("expected violations")
	}
	for _, want := range []string{"2 data frames", "changed at offset 0", "page 00803000 changed"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("missing %q in %v", want, err)
		}
	}
}

func TestCheckIncomplete(t *testing.T) {
	if err := (&Report{}).Check(); err == nil {
		t.Fatal("empty report must fail its check")
	}
}

func TestWriteText(t *testing.T) {
	rep, err := Run(context.Background(), defaultConfig(), Deps{})
	if err != nil {
		t.Fatal(err)
	}
	var buf bytes.Buffer
	if err := rep.WriteText(&buf); err != nil {
		t.Fatal(err)
	}
	out := buf.String()
	for _, want := range []string{
		"run " + rep.RunID,
		"before write",
		"after write",
		`parent wrote '!' at 0x00800000`,
		"child 00001001: ok",
		"check: ok",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("missing %q in:\n%s", want, out)
		}
	}
}

func TestPattern(t *testing.T) {
	if Pattern(0) != 'A' || Pattern(25) != 'Z' || Pattern(26) != 'A' {
		t.Fatal("pattern should cycle through A-Z")
	}
}

func TestRunInspect(t *testing.T) {
	var phases []string
	var seen []abi.EnvID
	deps := Deps{Inspect: func(phase string, k *kernel.Kernel, envs []abi.EnvID) error {
		phases = append(phases, phase)
		seen = envs
		for _, env := range envs {
			if k.Status(env) == abi.EnvFree {
				t.Errorf("%s: env %s already gone", phase, env)
			}
		}
		return nil
	}}
	rep, err := Run(context.Background(), defaultConfig(), deps)
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]string{PhaseForked, PhaseWritten}, phases); diff != "" {
		t.Fatalf("phases mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff(append([]abi.EnvID{rep.Parent}, rep.Children...), seen); diff != "" {
		t.Fatalf("envs mismatch (-want +got):\n%s", diff)
	}
}

func TestRunInspectError(t *testing.T) {
	boom := errors.New("boom")
	deps := Deps{Inspect: func(string, *kernel.Kernel, []abi.EnvID) error { return boom }}
	if _, err := Run(context.Background(), defaultConfig(), deps); !errors.Is(err, boom) {
		t.Fatalf("err = %v, want boom", err)
	}
}
