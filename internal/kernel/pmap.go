package kernel

import (
	"github.com/kahiteam/cowfork/internal/abi"
)

// pageTable is a second-level table. It occupies one physical frame.
type pageTable struct {
	frame   int
	entries [abi.NPTEntries]abi.PTE
}

// addrSpace is one environment's two-level page table.
type addrSpace struct {
	pgdir [abi.NPDEntries]*pageTable
}

// walk returns the entry slot for va, creating the second-level table when
// create is set. It returns nil without error when the table is absent and
// create is false.
func (k *Kernel) walk(as *addrSpace, va uintptr, create bool) (*abi.PTE, error) {
	pdx := abi.PDX(va)
	pt := as.pgdir[pdx]
	if pt == nil {
		if !create {
			return nil, nil
		}
		f, err := k.mem.alloc()
		if err != nil {
			return nil, err
		}
		k.mem.incref(f)
		pt = &pageTable{frame: f}
		as.pgdir[pdx] = pt
	}
	return &pt.entries[abi.PTX(va)], nil
}

// insert maps frame at va with perm, replacing whatever was there. Mapping
// the frame already present at va only updates the permissions.
func (k *Kernel) insert(as *addrSpace, frame int, va uintptr, perm abi.Perm) error {
	pte, err := k.walk(as, va, true)
	if err != nil {
		return err
	}
	// Take the new reference before dropping the old one so re-inserting
	// the same frame never frees it.
	k.mem.incref(frame)
	if pte.Present() {
		k.mem.decref(pte.Frame())
	}
	*pte = abi.MakePTE(frame, perm|abi.PermPresent)
	return nil
}

// remove unmaps va. Removing an absent mapping is a no-op.
func (k *Kernel) remove(as *addrSpace, va uintptr) {
	pte, _ := k.walk(as, va, false)
	if pte == nil || !pte.Present() {
		return
	}
	k.mem.decref(pte.Frame())
	*pte = 0
}

// lookup returns the entry mapping va, if any.
func (k *Kernel) lookup(as *addrSpace, va uintptr) (abi.PTE, bool) {
	pte, _ := k.walk(as, va, false)
	if pte == nil || !pte.Present() {
		return 0, false
	}
	return *pte, true
}

// pde returns the directory entry for pdx as the hardware would show it.
func (as *addrSpace) pde(pdx int) abi.PTE {
	if pdx < 0 || pdx >= abi.NPDEntries {
		return 0
	}
	pt := as.pgdir[pdx]
	if pt == nil {
		return 0
	}
	return abi.MakePTE(pt.frame, abi.PermPresent|abi.PermWrite|abi.PermUser)
}

// pte returns the entry for page number pn, or zero when its table is absent.
func (as *addrSpace) pte(pn int) abi.PTE {
	if pn < 0 || pn >= abi.NPDEntries*abi.NPTEntries {
		return 0
	}
	pt := as.pgdir[pn/abi.NPTEntries]
	if pt == nil {
		return 0
	}
	return pt.entries[pn%abi.NPTEntries]
}

// freeSpace drops every mapping and page table frame held by the space.
func (k *Kernel) freeSpace(as *addrSpace) {
	for pdx, pt := range as.pgdir {
		if pt == nil {
			continue
		}
		for i, pte := range pt.entries {
			if pte.Present() {
				k.mem.decref(pte.Frame())
				pt.entries[i] = 0
			}
		}
		k.mem.decref(pt.frame)
		as.pgdir[pdx] = nil
	}
}
