package fork

import (
	"fmt"

	"github.com/kahiteam/cowfork/internal/abi"
)

// HandleFault resolves a write fault on a copy-on-write page by giving the
// caller a private, writable copy of it. Any other fault is returned as an
// *Abort. Exactly one frame is allocated per resolved fault; afterwards the
// page is writable so the same page cannot fault this way again.
func (f *Forker) HandleFault(tf abi.UTrapframe) error {
	va := tf.FaultVA
	access := tf.Err.Access()
	page := abi.RoundDown(va)

	perm := f.proc.PTE(abi.PageNum(va)).Perm()
	if tf.Err&abi.FECWrite == 0 || perm&abi.PermCOW == 0 {
		return &Abort{Op: "pgfault", Addr: va, Access: access, Err: ErrNotCopyOnWrite}
	}
	if abi.Reserved(page) {
		return &Abort{Op: "pgfault", Addr: va, Access: access, Err: ErrReservedPage}
	}

	const private = abi.PermPresent | abi.PermUser | abi.PermWrite
	if err := f.proc.PageAlloc(0, abi.PFTemp, private); err != nil {
		return &Abort{Op: fmt.Sprintf("pgfault: page alloc at %08x", abi.PFTemp), Addr: va, Access: access, Err: err}
	}
	if err := f.proc.Copy(abi.PFTemp, page, abi.PageSize); err != nil {
		return &Abort{Op: "pgfault: copy to scratch", Addr: va, Access: access, Err: err}
	}
	if err := f.proc.PageMap(0, abi.PFTemp, 0, page, private); err != nil {
		return &Abort{Op: fmt.Sprintf("pgfault: page map %08x -> %08x", abi.PFTemp, page), Addr: va, Access: access, Err: err}
	}
	if err := f.proc.PageUnmap(0, abi.PFTemp); err != nil {
		return &Abort{Op: fmt.Sprintf("pgfault: page unmap at %08x", abi.PFTemp), Addr: va, Access: access, Err: err}
	}

	f.metrics.IncCOWFault()
	f.logger.Debug("copy-on-write page privatized", "va", fmt.Sprintf("%08x", page))
	return nil
}

// upcall is the entry point registered with the kernel. It runs on the
// exception stack of the faulting process; an unresolvable fault aborts the
// process.
func (f *Forker) upcall(tf abi.UTrapframe) {
	if err := f.HandleFault(tf); err != nil {
		f.logger.Error("fatal page fault", "va", fmt.Sprintf("%08x", tf.FaultVA), "access", tf.Err.Access(), "error", err)
		panic(err)
	}
}

// SetPgfaultHandler installs the copy-on-write fault handler for the
// calling process. On first use it also allocates the caller's exception
// stack if none is mapped. Calling it again is a no-op.
func (f *Forker) SetPgfaultHandler() error {
	self := f.proc.GetEnvID()
	if f.installed[self] {
		return nil
	}
	if !f.proc.PTE(abi.PageNum(abi.UXStackBottom)).Present() {
		err := f.proc.PageAlloc(0, abi.UXStackBottom, abi.PermPresent|abi.PermUser|abi.PermWrite)
		if err != nil {
			return fmt.Errorf("allocate exception stack: %w", err)
		}
	}
	if err := f.proc.EnvSetPgfaultUpcall(0, f.upcall); err != nil {
		return fmt.Errorf("set pgfault upcall: %w", err)
	}
	f.installed[self] = true
	return nil
}
