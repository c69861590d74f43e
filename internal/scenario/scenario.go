// Package scenario runs the copy-on-write demonstration: one process fills
// pages, forks, writes, and the report shows what each process sees before
// and after the write.
package scenario

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/kahiteam/cowfork/internal/abi"
	"github.com/kahiteam/cowfork/internal/events"
	"github.com/kahiteam/cowfork/internal/fork"
	"github.com/kahiteam/cowfork/internal/kernel"
	"github.com/kahiteam/cowfork/internal/logging"
	"github.com/kahiteam/cowfork/internal/metrics"
	"github.com/kahiteam/cowfork/internal/monitor"
)

// Mark is the byte the parent writes after forking.
const Mark = '!'

// Config describes one run.
type Config struct {
	Pages       int
	Children    int
	WriteOffset int
	Frames      int
	MaxEnvs     int
	ConsoleSize int
	Rollback    bool
}

// Phases at which Deps.Inspect is called.
const (
	PhaseForked  = "forked"
	PhaseWritten = "written"
)

// Deps are the shared services a run reports to. All are optional.
type Deps struct {
	Logger  *slog.Logger
	Metrics *metrics.Collector
	Bus     *events.Bus

	// Inspect, when set, is called with the live kernel right after the
	// forks and again right after the parent's write. envs lists the
	// parent first. An error ends the run.
	Inspect func(phase string, k *kernel.Kernel, envs []abi.EnvID) error
}

// PageState is one page as a process sees it.
type PageState struct {
	VA     uintptr
	Frame  int
	Perm   abi.Perm
	Refs   int
	Digest string
}

// Snapshot is the scenario pages of one process.
type Snapshot struct {
	Env   abi.EnvID
	Pages []PageState
}

// ChildResult is what a child found when it checked its pages.
type ChildResult struct {
	Env abi.EnvID
	OK  bool
	Err string
}

// Report is the outcome of one run.
type Report struct {
	RunID    string
	Parent   abi.EnvID
	Children []abi.EnvID

	// Before is taken right after forking, After right after the parent's
	// write. Each lists the parent first.
	Before []Snapshot
	After  []Snapshot

	WriteVA       uintptr
	FramesBefore  int
	FramesAfter   int
	NewDataFrames int

	Results []ChildResult
	Console []string
}

// Pattern returns the byte page i is filled with.
func Pattern(i int) byte { return byte('A' + i%26) }

// Run boots a fresh kernel and plays the scenario on it.
func Run(ctx context.Context, cfg Config, deps Deps) (*Report, error) {
	if cfg.Pages < 1 || cfg.Children < 1 {
		return nil, fmt.Errorf("scenario: need at least one page and one child, got %d and %d", cfg.Pages, cfg.Children)
	}
	if cfg.WriteOffset < 0 || cfg.WriteOffset >= cfg.Pages*abi.PageSize {
		return nil, fmt.Errorf("scenario: write offset %d outside %d pages", cfg.WriteOffset, cfg.Pages)
	}

	rep := &Report{RunID: uuid.NewString()}
	logger := logging.WithFields(logging.OrNop(deps.Logger), "run", rep.RunID)

	k := kernel.New(kernel.Config{
		Frames:      cfg.Frames,
		MaxEnvs:     cfg.MaxEnvs,
		ConsoleSize: cfg.ConsoleSize,
		Logger:      logger,
		Bus:         deps.Bus,
	})
	sys := k.Sys()
	f := fork.New(sys,
		fork.WithLogger(logger),
		fork.WithMetrics(deps.Metrics),
		fork.WithRollback(cfg.Rollback),
	)

	parent, err := k.CreateEnv(nil)
	if err != nil {
		return nil, fmt.Errorf("scenario: create parent: %w", err)
	}
	rep.Parent = parent

	results := make(map[abi.EnvID]*ChildResult)
	check := func(self abi.EnvID) {
		res := &ChildResult{Env: self, OK: true}
		results[self] = res
		if err := verify(sys, cfg.Pages); err != nil {
			res.OK, res.Err = false, err.Error()
		}
	}

	var setupErr error
	err = k.Enter(parent, func() {
		setupErr = fill(sys, cfg.Pages)
		for i := 0; setupErr == nil && i < cfg.Children; i++ {
			if setupErr = ctx.Err(); setupErr != nil {
				break
			}
			var child abi.EnvID
			if child, setupErr = f.Fork(check); setupErr == nil {
				rep.Children = append(rep.Children, child)
			}
		}
	})
	if err = errors.Join(err, setupErr); err != nil {
		return rep, fmt.Errorf("scenario: setup: %w", err)
	}

	envs := append([]abi.EnvID{parent}, rep.Children...)
	if rep.Before, err = snapshotAll(k, envs, cfg.Pages); err != nil {
		return rep, err
	}
	if err := inspect(deps, PhaseForked, k, envs); err != nil {
		return rep, err
	}

	rep.WriteVA = abi.UText + uintptr(cfg.WriteOffset)
	rep.FramesBefore = k.FramesInUse()
	var writeErr error
	err = k.Enter(parent, func() {
		writeErr = sys.Store(rep.WriteVA, []byte{Mark})
	})
	if err = errors.Join(err, writeErr); err != nil {
		return rep, fmt.Errorf("scenario: parent write at %08x: %w", rep.WriteVA, err)
	}
	rep.FramesAfter = k.FramesInUse()
	if rep.After, err = snapshotAll(k, envs, cfg.Pages); err != nil {
		return rep, err
	}
	rep.NewDataFrames = len(frames(rep.After)) - len(frames(rep.Before))
	if err := inspect(deps, PhaseWritten, k, envs); err != nil {
		return rep, err
	}

	if err := ctx.Err(); err != nil {
		return rep, fmt.Errorf("scenario: %w", err)
	}
	k.Run()

	for _, c := range rep.Children {
		res, ok := results[c]
		if !ok {
			res = &ChildResult{Env: c, Err: "child never ran"}
			if cause, exited := k.ExitErr(c); exited && cause != nil {
				res.Err = cause.Error()
			}
		}
		rep.Results = append(rep.Results, *res)
	}
	rep.Console = k.Console()
	deps.Metrics.SetFramesInUse(k.FramesInUse())

	logger.Info("scenario complete",
		"parent", parent.String(),
		"children", len(rep.Children),
		"new_data_frames", rep.NewDataFrames)
	return rep, nil
}

func inspect(deps Deps, phase string, k *kernel.Kernel, envs []abi.EnvID) error {
	if deps.Inspect == nil {
		return nil
	}
	if err := deps.Inspect(phase, k, envs); err != nil {
		return fmt.Errorf("scenario: inspect %s: %w", phase, err)
	}
	return nil
}

// fill maps pages writable pages at UText, page i holding Pattern(i).
func fill(sys *kernel.Sys, pages int) error {
	const perm = abi.PermPresent | abi.PermUser | abi.PermWrite
	for i := range pages {
		va := abi.UText + uintptr(i)*abi.PageSize
		if err := sys.PageAlloc(0, va, perm); err != nil {
			return fmt.Errorf("fill page %08x: %w", va, err)
		}
		if err := sys.Store(va, bytes.Repeat([]byte{Pattern(i)}, abi.PageSize)); err != nil {
			return fmt.Errorf("fill page %08x: %w", va, err)
		}
	}
	return nil
}

// verify reads the scenario pages in the current process and checks they
// still hold the fill pattern.
func verify(sys *kernel.Sys, pages int) error {
	for i := range pages {
		va := abi.UText + uintptr(i)*abi.PageSize
		got, err := sys.Load(va, abi.PageSize)
		if err != nil {
			return fmt.Errorf("read %08x: %w", va, err)
		}
		for off, b := range got {
			if b != Pattern(i) {
				return fmt.Errorf("page %08x changed at offset %d", va, off)
			}
		}
	}
	return nil
}

func snapshotAll(k *kernel.Kernel, envs []abi.EnvID, pages int) ([]Snapshot, error) {
	out := make([]Snapshot, 0, len(envs))
	for _, env := range envs {
		snap, err := snapshot(k, env, pages)
		if err != nil {
			return nil, err
		}
		out = append(out, snap)
	}
	return out, nil
}

func snapshot(k *kernel.Kernel, env abi.EnvID, pages int) (Snapshot, error) {
	end := abi.UText + uintptr(pages)*abi.PageSize
	maps, err := k.Mappings(env, abi.UText, end)
	if err != nil {
		return Snapshot{}, fmt.Errorf("snapshot %s: %w", env, err)
	}
	snap := Snapshot{Env: env}
	for _, m := range maps {
		page, err := k.ReadPage(env, m.VA)
		if err != nil {
			return Snapshot{}, fmt.Errorf("snapshot %s: %w", env, err)
		}
		snap.Pages = append(snap.Pages, PageState{
			VA:     m.VA,
			Frame:  m.PTE.Frame(),
			Perm:   m.PTE.Perm(),
			Refs:   m.Refs,
			Digest: monitor.Digest(page),
		})
	}
	return snap, nil
}

// frames returns the distinct frames backing the snapshots.
func frames(snaps []Snapshot) map[int]struct{} {
	set := make(map[int]struct{})
	for _, s := range snaps {
		for _, p := range s.Pages {
			set[p.Frame] = struct{}{}
		}
	}
	return set
}
