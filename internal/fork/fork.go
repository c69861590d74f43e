// Package fork implements user-level copy-on-write process duplication.
//
// A Forker runs inside one process and talks to the kernel only through the
// Process interface: system calls, a read-only view of the caller's own page
// tables, and copies within the caller's own memory. Fork shares every
// mapped page below the normal stack top with the child read-only and
// copy-on-write; the first write by either side traps into HandleFault,
// which gives the writer a private copy.
//
// A Forker is not safe for concurrent use. The fault handler depends on the
// single scratch slot at abi.PFTemp and is not re-entrant.
package fork

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/kahiteam/cowfork/internal/abi"
	"github.com/kahiteam/cowfork/internal/logging"
	"github.com/kahiteam/cowfork/internal/metrics"
)

// AddressSpaceView is a read-only reflection of the calling process's own
// page tables. A zero entry means not present.
type AddressSpaceView interface {
	PDE(pdx int) abi.PTE
	PTE(pn int) abi.PTE
}

// Syscalls is the kernel boundary. Environment id zero means the caller.
type Syscalls interface {
	GetEnvID() abi.EnvID
	Exofork(resume func()) (abi.EnvID, error)
	PageAlloc(env abi.EnvID, va uintptr, perm abi.Perm) error
	PageMap(srcenv abi.EnvID, srcva uintptr, dstenv abi.EnvID, dstva uintptr, perm abi.Perm) error
	PageUnmap(env abi.EnvID, va uintptr) error
	EnvSetStatus(env abi.EnvID, status abi.EnvStatus) error
	EnvSetPgfaultUpcall(env abi.EnvID, upcall abi.Upcall) error
	EnvDestroy(env abi.EnvID) error
}

// Memory copies bytes within the caller's own address space.
type Memory interface {
	Copy(dst, src uintptr, n int) error
}

// Process is everything the library needs from the process it runs in.
type Process interface {
	Syscalls
	AddressSpaceView
	Memory
}

var (
	// ErrNotCopyOnWrite is the cause of an abort for a fault that is not a
	// write to a copy-on-write page.
	ErrNotCopyOnWrite = errors.New("not a write to a copy-on-write page")

	// ErrReservedPage is returned when a reserved page (the fault scratch
	// slot or the exception stack) would enter the copy-on-write pool.
	ErrReservedPage = errors.New("reserved page")

	// ErrUnsupported is returned by SFork.
	ErrUnsupported = fmt.Errorf("shared-memory fork: %w", errors.ErrUnsupported)
)

// Abort describes an unrecoverable failure inside the fault handler.
type Abort struct {
	Op     string
	Addr   uintptr
	Access string
	Err    error
}

func (a *Abort) Error() string {
	return fmt.Sprintf("%s: %s fault at va %08x: %v", a.Op, a.Access, a.Addr, a.Err)
}

func (a *Abort) Unwrap() error { return a.Err }

// Forker duplicates the process it runs in.
type Forker struct {
	proc      Process
	logger    *slog.Logger
	metrics   *metrics.Collector
	rollback  bool
	installed map[abi.EnvID]bool
}

// Option configures a Forker.
type Option func(*Forker)

// WithLogger sets the logger. The default discards.
func WithLogger(logger *slog.Logger) Option {
	return func(f *Forker) { f.logger = logger }
}

// WithMetrics records fork and fault counts on c.
func WithMetrics(c *metrics.Collector) Option {
	return func(f *Forker) { f.metrics = c }
}

// WithRollback controls whether a child that fails part way through setup
// is destroyed before Fork returns. The default is true.
func WithRollback(on bool) Option {
	return func(f *Forker) { f.rollback = on }
}

// New returns a Forker for proc.
func New(proc Process, opts ...Option) *Forker {
	f := &Forker{
		proc:      proc,
		rollback:  true,
		installed: make(map[abi.EnvID]bool),
	}
	for _, opt := range opts {
		opt(f)
	}
	f.logger = logging.WithFields(logging.OrNop(f.logger), "component", "fork")
	return f
}
