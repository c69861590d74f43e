package kernel

import (
	"github.com/kahiteam/cowfork/internal/abi"
)

// Sys is the user-side system call interface of one kernel. Every call acts
// on behalf of the current environment. Besides the system calls it exposes
// the read-only page table views and user memory access, so a *Sys is
// everything a user-level library needs.
type Sys struct {
	k *Kernel
}

// checkVA rejects addresses at or above UTop and unaligned addresses.
func checkVA(va uintptr) error {
	if va >= abi.UTop || !abi.Aligned(va) {
		return abi.ErrInval
	}
	return nil
}

// checkPerm requires present and user, and nothing outside PermSyscall.
func checkPerm(perm abi.Perm) error {
	if !perm.Has(abi.PermPresent|abi.PermUser) || perm&^abi.PermSyscall != 0 {
		return abi.ErrInval
	}
	return nil
}

// GetEnvID returns the current environment's id.
func (s *Sys) GetEnvID() abi.EnvID {
	s.k.mu.Lock()
	defer s.k.unlock()
	return s.k.curID()
}

// Exofork creates a child environment with an empty address space, not yet
// runnable. When the scheduler first runs the child it calls resume with the
// child current; that is the child's return from Exofork with result zero.
func (s *Sys) Exofork(resume func()) (abi.EnvID, error) {
	k := s.k
	k.mu.Lock()
	defer k.unlock()

	parent, err := k.envLocked(0, false)
	if err != nil {
		return 0, err
	}
	e, err := k.allocEnvLocked(parent.id, abi.EnvNotRunnable)
	if err != nil {
		k.logger.Debug("sys_exofork failed", "env", parent.id.String(), "error", err)
		return 0, err
	}
	e.resume = resume
	k.logger.Debug("sys_exofork", "env", parent.id.String(), "child", e.id.String())
	return e.id, nil
}

// PageAlloc allocates a zeroed frame and maps it at va in env with perm,
// replacing any existing mapping.
func (s *Sys) PageAlloc(env abi.EnvID, va uintptr, perm abi.Perm) error {
	k := s.k
	k.mu.Lock()
	defer k.unlock()

	if err := checkVA(va); err != nil {
		return err
	}
	if err := checkPerm(perm); err != nil {
		return err
	}
	e, err := k.envLocked(env, true)
	if err != nil {
		return err
	}
	f, err := k.mem.alloc()
	if err != nil {
		k.logger.Debug("sys_page_alloc failed", "env", e.id.String(), "va", hexVA(va), "error", err)
		return err
	}
	if err := k.insert(e.space, f, va, perm); err != nil {
		k.mem.release(f)
		k.logger.Debug("sys_page_alloc failed", "env", e.id.String(), "va", hexVA(va), "error", err)
		return err
	}
	k.logger.Debug("sys_page_alloc", "env", e.id.String(), "va", hexVA(va), "perm", perm.String(), "frame", f)
	return nil
}

// PageMap maps the frame at srcva in srcenv into dstenv at dstva with perm.
// Granting write access to a page that is read-only in the source is
// rejected.
func (s *Sys) PageMap(srcenv abi.EnvID, srcva uintptr, dstenv abi.EnvID, dstva uintptr, perm abi.Perm) error {
	k := s.k
	k.mu.Lock()
	defer k.unlock()

	if err := checkVA(srcva); err != nil {
		return err
	}
	if err := checkVA(dstva); err != nil {
		return err
	}
	if err := checkPerm(perm); err != nil {
		return err
	}
	src, err := k.envLocked(srcenv, true)
	if err != nil {
		return err
	}
	dst, err := k.envLocked(dstenv, true)
	if err != nil {
		return err
	}
	pte, ok := k.lookup(src.space, srcva)
	if !ok {
		return abi.ErrInval
	}
	if perm&abi.PermWrite != 0 && pte.Perm()&abi.PermWrite == 0 {
		return abi.ErrInval
	}
	if err := k.insert(dst.space, pte.Frame(), dstva, perm); err != nil {
		k.logger.Debug("sys_page_map failed",
			"src", src.id.String(), "srcva", hexVA(srcva),
			"dst", dst.id.String(), "dstva", hexVA(dstva), "error", err)
		return err
	}
	k.logger.Debug("sys_page_map",
		"src", src.id.String(), "srcva", hexVA(srcva),
		"dst", dst.id.String(), "dstva", hexVA(dstva),
		"perm", perm.String(), "frame", pte.Frame())
	return nil
}

// PageUnmap removes the mapping at va in env, if any.
func (s *Sys) PageUnmap(env abi.EnvID, va uintptr) error {
	k := s.k
	k.mu.Lock()
	defer k.unlock()

	if err := checkVA(va); err != nil {
		return err
	}
	e, err := k.envLocked(env, true)
	if err != nil {
		return err
	}
	k.remove(e.space, va)
	k.logger.Debug("sys_page_unmap", "env", e.id.String(), "va", hexVA(va))
	return nil
}

// EnvSetStatus sets env to runnable or not runnable.
func (s *Sys) EnvSetStatus(env abi.EnvID, status abi.EnvStatus) error {
	k := s.k
	k.mu.Lock()
	defer k.unlock()

	if status != abi.EnvRunnable && status != abi.EnvNotRunnable {
		return abi.ErrInval
	}
	e, err := k.envLocked(env, true)
	if err != nil {
		return err
	}
	if e.status == abi.EnvRunning && status == abi.EnvRunnable {
		return nil
	}
	if err := k.setStatusLocked(e, status); err != nil {
		return abi.ErrInval
	}
	k.logger.Debug("sys_env_set_status", "env", e.id.String(), "status", status.String())
	return nil
}

// EnvSetPgfaultUpcall registers the user-level page fault entry point of env.
func (s *Sys) EnvSetPgfaultUpcall(env abi.EnvID, upcall abi.Upcall) error {
	k := s.k
	k.mu.Lock()
	defer k.unlock()

	e, err := k.envLocked(env, true)
	if err != nil {
		return err
	}
	e.upcall = upcall
	k.logger.Debug("sys_env_set_pgfault_upcall", "env", e.id.String())
	return nil
}

// EnvDestroy tears env down and releases every frame it references.
func (s *Sys) EnvDestroy(env abi.EnvID) error {
	k := s.k
	k.mu.Lock()
	defer k.unlock()

	e, err := k.envLocked(env, true)
	if err != nil {
		return err
	}
	k.destroyLocked(e, nil)
	return nil
}

// PDE returns the current environment's page directory entry pdx.
func (s *Sys) PDE(pdx int) abi.PTE {
	k := s.k
	k.mu.Lock()
	defer k.unlock()
	e, err := k.envLocked(0, false)
	if err != nil {
		return 0
	}
	return e.space.pde(pdx)
}

// PTE returns the current environment's page table entry for page pn.
func (s *Sys) PTE(pn int) abi.PTE {
	k := s.k
	k.mu.Lock()
	defer k.unlock()
	e, err := k.envLocked(0, false)
	if err != nil {
		return 0
	}
	return e.space.pte(pn)
}
