package abi

import "strings"

// Perm is the set of permission and status bits held in the low 12 bits of a
// page table entry.
type Perm uint32

const (
	// PermPresent is set when the page is mapped.
	PermPresent Perm = 1 << iota

	// PermWrite is set if the page can be written to.
	PermWrite

	// PermUser is set if user environments can access the page.
	PermUser

	// PermWriteThrough selects write-through caching.
	PermWriteThrough

	// PermNoCache disables caching for the page.
	PermNoCache

	// PermAccessed is set by the MMU when the page is accessed.
	PermAccessed

	// PermDirty is set by the MMU when the page is written.
	PermDirty

	// PermHuge marks a large page in a page directory entry.
	PermHuge

	// PermGlobal keeps the translation across address space switches.
	PermGlobal
)

const (
	// PermAvail covers the three bits the hardware leaves to software.
	PermAvail Perm = 0xE00

	// PermCOW marks a copy-on-write mapping. It is one of the avail bits.
	PermCOW Perm = 0x800

	// PermSyscall is the set of bits a user may pass to a mapping call.
	PermSyscall = PermAvail | PermPresent | PermWrite | PermUser

	// PermFlags masks every flag bit of an entry.
	PermFlags Perm = 0xFFF
)

// Has reports whether all bits of want are set.
func (p Perm) Has(want Perm) bool { return p&want == want }

// String renders the flags the way the kernel monitor prints them: one
// column per bit, highest first, dash when clear.
func (p Perm) String() string {
	var b strings.Builder
	cols := []struct {
		bit Perm
		c   byte
	}{
		{PermCOW, 'C'},
		{PermGlobal, 'G'},
		{PermHuge, 'S'},
		{PermDirty, 'D'},
		{PermAccessed, 'A'},
		{PermNoCache, 'N'},
		{PermWriteThrough, 'T'},
		{PermUser, 'U'},
		{PermWrite, 'W'},
		{PermPresent, 'P'},
	}
	for _, col := range cols {
		if p&col.bit != 0 {
			b.WriteByte(col.c)
		} else {
			b.WriteByte('-')
		}
	}
	return b.String()
}

// PTE is a raw page table entry: frame number in the upper 20 bits, flags
// in the lower 12.
type PTE uint32

// MakePTE builds an entry pointing at frame with the given flags.
func MakePTE(frame int, perm Perm) PTE {
	return PTE(uint32(frame)<<PageShift | uint32(perm&PermFlags))
}

// Perm returns the flag bits of the entry.
func (e PTE) Perm() Perm { return Perm(e) & PermFlags }

// Frame returns the physical frame number the entry points at.
func (e PTE) Frame() int { return int(uint32(e) >> PageShift) }

// Present reports whether the entry maps a page.
func (e PTE) Present() bool { return Perm(e)&PermPresent != 0 }
