package fork

import (
	"errors"
	"fmt"

	"github.com/kahiteam/cowfork/internal/abi"
)

// Fork duplicates the calling process and returns the child's id.
//
// The child starts when the kernel first schedules it, at the point where
// Fork returns zero in the child: it re-resolves its own id and runs child
// with it. Everything mapped below abi.UStackTop is shared copy-on-write;
// the child gets a fresh exception stack of its own.
//
// On error the child is destroyed before returning unless rollback was
// disabled, in which case it may be left holding a prefix of the pages.
// The caller's own mappings stay valid either way.
func (f *Forker) Fork(child func(self abi.EnvID)) (abi.EnvID, error) {
	if err := f.SetPgfaultHandler(); err != nil {
		f.metrics.IncFork(false)
		return 0, fmt.Errorf("fork: %w", err)
	}

	id, err := f.proc.Exofork(func() { f.childReturn(child) })
	if err != nil {
		f.metrics.IncFork(false)
		return 0, fmt.Errorf("fork: sys_exofork: %w", err)
	}

	pages, err := f.setupChild(id)
	if err != nil {
		err = fmt.Errorf("fork: child %s: %w", id, err)
		if f.rollback {
			if derr := f.proc.EnvDestroy(id); derr != nil {
				err = errors.Join(err, fmt.Errorf("fork: destroy child %s: %w", id, derr))
			}
		}
		f.metrics.IncFork(false)
		f.logger.Warn("fork failed", "child", id.String(), "pages", pages, "rollback", f.rollback, "error", err)
		return 0, err
	}

	f.metrics.IncFork(true)
	f.logger.Info("fork complete", "parent", f.proc.GetEnvID().String(), "child", id.String(), "pages", pages)
	return id, nil
}

// MustFork is Fork for callers that do not handle errors: it panics with
// the error, ending the calling process.
func (f *Forker) MustFork(child func(self abi.EnvID)) abi.EnvID {
	id, err := f.Fork(child)
	if err != nil {
		panic(err)
	}
	return id
}

// SFork would share all memory except the stack with the child. It is not
// implemented and always returns ErrUnsupported.
func (f *Forker) SFork(child func(self abi.EnvID)) (abi.EnvID, error) {
	return 0, fmt.Errorf("sfork: %w", ErrUnsupported)
}

// childReturn runs in the child.
func (f *Forker) childReturn(child func(self abi.EnvID)) {
	self := f.proc.GetEnvID()
	f.installed[self] = true
	if child != nil {
		child(self)
	}
}

// setupChild copies the address space into child, gives it an exception
// stack and fault upcall, and releases it. It returns the number of pages
// duplicated.
func (f *Forker) setupChild(child abi.EnvID) (int, error) {
	pages, err := f.duplicateSpace(child)
	if err != nil {
		return pages, err
	}
	err = f.proc.PageAlloc(child, abi.UXStackBottom, abi.PermPresent|abi.PermUser|abi.PermWrite)
	if err != nil {
		return pages, fmt.Errorf("allocate exception stack at %08x: %w", abi.UXStackBottom, err)
	}
	if err := f.proc.EnvSetPgfaultUpcall(child, f.upcall); err != nil {
		return pages, fmt.Errorf("set pgfault upcall: %w", err)
	}
	if err := f.proc.EnvSetStatus(child, abi.EnvRunnable); err != nil {
		return pages, fmt.Errorf("set status: %w", err)
	}
	return pages, nil
}

// duplicateSpace calls DupPage for every present page below UStackTop in
// increasing address order. Absent second-level tables are skipped whole, so
// the cost follows the number of mapped pages rather than the size of the
// address space.
func (f *Forker) duplicateSpace(child abi.EnvID) (int, error) {
	end := abi.PageNum(abi.UStackTop)
	pages := 0
	for pdx := range abi.NPDEntries {
		base := pdx * abi.NPTEntries
		if base >= end {
			break
		}
		if !f.proc.PDE(pdx).Present() {
			continue
		}
		for pn := base; pn < base+abi.NPTEntries && pn < end; pn++ {
			if !f.proc.PTE(pn).Present() || abi.Reserved(abi.PageAddr(pn)) {
				continue
			}
			if err := f.DupPage(child, pn); err != nil {
				return pages, err
			}
			pages++
		}
	}
	return pages, nil
}
