// Package abi holds the fixed contract between the user-level fork library
// and the paging kernel: the virtual memory layout, page table entry bits,
// fault records, environment identifiers and error codes.
package abi

const (
	// PageShift is log2(PageSize).
	PageShift = 12

	// PageSize is the size of one virtual page and one physical frame.
	PageSize = 1 << PageShift

	// NPDEntries is the number of entries in a page directory.
	NPDEntries = 1024

	// NPTEntries is the number of entries in a second-level page table.
	NPTEntries = 1024

	// PTSize is the number of bytes mapped by one second-level table.
	PTSize = PageSize * NPTEntries

	pdxShift = PageShift + 10
)

// Virtual memory layout seen by user environments. Everything at or above
// UTop belongs to the kernel and is never scanned or duplicated.
const (
	// UTop is the top of user-mappable memory.
	UTop uintptr = 0xEEC00000

	// UXStackTop is the top of the one-page user exception stack.
	UXStackTop uintptr = UTop

	// UStackTop is the top of the normal user stack. The page between
	// UStackTop and the exception stack is an unmapped guard.
	UStackTop uintptr = UTop - 2*PageSize

	// UText is where program text conventionally starts.
	UText uintptr = 0x00800000

	// UTemp is a region user programs may use for temporary mappings.
	UTemp uintptr = 0x00400000

	// PFTemp is the scratch slot used by the user-level page fault handler
	// while it builds a private copy of a page.
	PFTemp uintptr = UTemp + PTSize - PageSize
)

// UXStackBottom is the lowest address of the exception stack page.
const UXStackBottom = UXStackTop - PageSize

// PageNum returns the virtual page number containing va.
func PageNum(va uintptr) int { return int(va >> PageShift) }

// PageAddr returns the virtual address of page number pn.
func PageAddr(pn int) uintptr { return uintptr(pn) << PageShift }

// PDX returns the page directory index of va.
func PDX(va uintptr) int { return int(va>>pdxShift) & (NPDEntries - 1) }

// PTX returns the page table index of va.
func PTX(va uintptr) int { return int(va>>PageShift) & (NPTEntries - 1) }

// RoundDown rounds va down to its page boundary.
func RoundDown(va uintptr) uintptr { return va &^ (PageSize - 1) }

// RoundUp rounds va up to the next page boundary.
func RoundUp(va uintptr) uintptr { return RoundDown(va + PageSize - 1) }

// Aligned reports whether va sits on a page boundary.
func Aligned(va uintptr) bool { return va&(PageSize-1) == 0 }

// Reserved reports whether the page containing va is one of the statically
// reserved user pages that never join the copy-on-write pool.
func Reserved(va uintptr) bool {
	page := RoundDown(va)
	return page == PFTemp || page == UXStackBottom
}
