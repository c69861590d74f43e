package kernel

import (
	"github.com/kahiteam/cowfork/internal/abi"
)

// Mapping is one present user mapping as seen by kernel introspection.
type Mapping struct {
	VA   uintptr
	PTE  abi.PTE
	Refs int
}

// Lookup returns the entry mapping va in env, bypassing permission checks.
func (k *Kernel) Lookup(env abi.EnvID, va uintptr) (abi.PTE, bool) {
	k.mu.Lock()
	defer k.unlock()
	e, err := k.envLocked(env, false)
	if err != nil || env == 0 {
		return 0, false
	}
	return k.lookup(e.space, va)
}

// Mappings lists env's present mappings in [start, end) in address order.
func (k *Kernel) Mappings(env abi.EnvID, start, end uintptr) ([]Mapping, error) {
	k.mu.Lock()
	defer k.unlock()
	e, err := k.envLocked(env, false)
	if err != nil || env == 0 {
		return nil, abi.ErrBadEnv
	}
	var out []Mapping
	for pdx, pt := range e.space.pgdir {
		if pt == nil {
			continue
		}
		for ptx, pte := range pt.entries {
			if !pte.Present() {
				continue
			}
			va := abi.PageAddr(pdx*abi.NPTEntries + ptx)
			if va < start || va >= end {
				continue
			}
			out = append(out, Mapping{VA: va, PTE: pte, Refs: k.mem.refs[pte.Frame()]})
		}
	}
	return out, nil
}

// ReadPage returns a copy of the page mapped at va in env.
func (k *Kernel) ReadPage(env abi.EnvID, va uintptr) ([]byte, error) {
	k.mu.Lock()
	defer k.unlock()
	e, err := k.envLocked(env, false)
	if err != nil || env == 0 {
		return nil, abi.ErrBadEnv
	}
	pte, ok := k.lookup(e.space, abi.RoundDown(va))
	if !ok {
		return nil, abi.ErrFault
	}
	return append([]byte(nil), k.mem.page(pte.Frame())...), nil
}

// FrameRef returns the reference count of a physical frame.
func (k *Kernel) FrameRef(frame int) int {
	k.mu.Lock()
	defer k.unlock()
	if frame <= 0 || frame >= k.mem.frames() {
		return 0
	}
	return k.mem.refs[frame]
}

// FramesInUse returns the number of allocated frames, page tables included.
func (k *Kernel) FramesInUse() int {
	k.mu.Lock()
	defer k.unlock()
	return k.mem.inUse
}

// FramesFree returns the number of frames left to allocate.
func (k *Kernel) FramesFree() int {
	k.mu.Lock()
	defer k.unlock()
	return len(k.mem.free)
}

// Status returns env's status, EnvFree for unknown or destroyed ids.
func (k *Kernel) Status(env abi.EnvID) abi.EnvStatus {
	k.mu.Lock()
	defer k.unlock()
	e, err := k.envLocked(env, false)
	if err != nil || env == 0 {
		return abi.EnvFree
	}
	return e.status
}

// Parent returns the id of env's parent, zero for top-level environments.
func (k *Kernel) Parent(env abi.EnvID) abi.EnvID {
	k.mu.Lock()
	defer k.unlock()
	e, err := k.envLocked(env, false)
	if err != nil || env == 0 {
		return 0
	}
	return e.parent
}

// Envs lists live environment ids in table order.
func (k *Kernel) Envs() []abi.EnvID {
	k.mu.Lock()
	defer k.unlock()
	var ids []abi.EnvID
	for _, e := range k.envs {
		if e != nil {
			ids = append(ids, e.id)
		}
	}
	return ids
}

// Console returns the lines currently held by the kernel console.
func (k *Kernel) Console() []string { return k.console.Lines() }
