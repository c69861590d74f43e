package scenario

import (
	"errors"
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/kahiteam/cowfork/internal/abi"
)

// Check verifies the copy-on-write guarantees against the snapshots and
// returns every violation found.
func (r *Report) Check() error {
	if len(r.Before) == 0 || len(r.After) != len(r.Before) {
		return errors.New("report: incomplete snapshots")
	}
	var errs []error
	parent := r.Before[0]

	// Right after fork every process shares every frame read-only.
	for _, s := range r.Before {
		if len(s.Pages) != len(parent.Pages) {
			errs = append(errs, fmt.Errorf("before write: %s maps %d pages, parent maps %d", s.Env, len(s.Pages), len(parent.Pages)))
			continue
		}
		for i, p := range s.Pages {
			if p.Perm.Has(abi.PermWrite) || !p.Perm.Has(abi.PermCOW) {
				errs = append(errs, fmt.Errorf("before write: %s page %08x is %s, want copy-on-write", s.Env, p.VA, p.Perm))
			}
			if want := parent.Pages[i]; p.Frame != want.Frame || p.Digest != want.Digest {
				errs = append(errs, fmt.Errorf("before write: %s page %08x does not share the parent's frame", s.Env, p.VA))
			}
		}
	}
	if len(errs) > 0 {
		return errors.Join(errs...)
	}

	written := abi.RoundDown(r.WriteVA)
	for i, s := range r.After {
		before := r.Before[i]
		if len(s.Pages) != len(before.Pages) {
			errs = append(errs, fmt.Errorf("after write: %s maps %d pages, had %d", s.Env, len(s.Pages), len(before.Pages)))
			continue
		}
		for j, p := range s.Pages {
			b := before.Pages[j]
			if i == 0 && p.VA == written {
				if !p.Perm.Has(abi.PermWrite) || p.Perm.Has(abi.PermCOW) {
					errs = append(errs, fmt.Errorf("after write: parent page %08x is %s, want private and writable", p.VA, p.Perm))
				}
				if p.Frame == b.Frame || p.Digest == b.Digest {
					errs = append(errs, fmt.Errorf("after write: parent page %08x was not privatized", p.VA))
				}
				continue
			}
			if p.Frame != b.Frame || p.Perm != b.Perm || p.Digest != b.Digest {
				errs = append(errs, fmt.Errorf("after write: %s page %08x changed", s.Env, p.VA))
			}
		}
	}

	if r.NewDataFrames != 1 {
		errs = append(errs, fmt.Errorf("write allocated %d data frames, want 1", r.NewDataFrames))
	}
	if len(r.Results) != len(r.Children) {
		errs = append(errs, fmt.Errorf("%d of %d children reported", len(r.Results), len(r.Children)))
	}
	for _, res := range r.Results {
		if !res.OK {
			errs = append(errs, fmt.Errorf("child %s: %s", res.Env, res.Err))
		}
	}
	return errors.Join(errs...)
}

// WriteText writes a human-readable account of the run.
func (r *Report) WriteText(w io.Writer) error {
	fmt.Fprintf(w, "run %s: parent %s, children %v\n", r.RunID, r.Parent, r.Children)

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	for _, phase := range []struct {
		name  string
		snaps []Snapshot
	}{
		{"before write", r.Before},
		{"after write", r.After},
	} {
		fmt.Fprintf(tw, "\n%s\n", phase.name)
		fmt.Fprintf(tw, "ENV\tVA\tFRAME\tPERM\tREFS\tDIGEST\n")
		for _, s := range phase.snaps {
			for _, p := range s.Pages {
				fmt.Fprintf(tw, "%s\t0x%08x\t%x\t%s\t%d\t%s\n", s.Env, p.VA, p.Frame, p.Perm, p.Refs, p.Digest)
			}
		}
	}
	if err := tw.Flush(); err != nil {
		return err
	}

	fmt.Fprintf(w, "\nparent wrote %q at 0x%08x: frames in use %d -> %d, %d new data frame(s)\n",
		Mark, r.WriteVA, r.FramesBefore, r.FramesAfter, r.NewDataFrames)
	for _, res := range r.Results {
		if res.OK {
			fmt.Fprintf(w, "child %s: ok\n", res.Env)
		} else {
			fmt.Fprintf(w, "child %s: FAILED: %s\n", res.Env, res.Err)
		}
	}

	if err := r.Check(); err != nil {
		_, werr := fmt.Fprintf(w, "check: FAILED\n%v\n", err)
		return werr
	}
	_, err := fmt.Fprintln(w, "check: ok")
	return err
}
