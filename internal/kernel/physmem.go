package kernel

import (
	"fmt"

	"github.com/kahiteam/cowfork/internal/abi"
)

// physMem is the physical frame pool. Frame 0 is never handed out so a zero
// entry can never alias a real mapping.
type physMem struct {
	data  [][]byte
	refs  []int
	used  []bool
	free  []int
	inUse int
}

func newPhysMem(frames int) *physMem {
	if frames < 2 {
		frames = 2
	}
	pm := &physMem{
		data: make([][]byte, frames),
		refs: make([]int, frames),
		used: make([]bool, frames),
		free: make([]int, 0, frames-1),
	}
	pm.used[0] = true
	// Hand out low frames first.
	for f := frames - 1; f >= 1; f-- {
		pm.free = append(pm.free, f)
	}
	return pm
}

// alloc takes a zeroed frame off the free list. The frame starts with no
// references; the caller must either reference it or give it back with
// release.
func (pm *physMem) alloc() (int, error) {
	if len(pm.free) == 0 {
		return 0, abi.ErrNoMem
	}
	f := pm.free[len(pm.free)-1]
	pm.free = pm.free[:len(pm.free)-1]
	if pm.data[f] == nil {
		pm.data[f] = make([]byte, abi.PageSize)
	} else {
		clear(pm.data[f])
	}
	pm.used[f] = true
	pm.inUse++
	return f, nil
}

// release returns an unreferenced frame to the free list.
func (pm *physMem) release(f int) {
	if !pm.used[f] || pm.refs[f] != 0 {
		panic(fmt.Sprintf("physmem: release of frame %#x with %d refs", f, pm.refs[f]))
	}
	pm.used[f] = false
	pm.inUse--
	pm.free = append(pm.free, f)
}

func (pm *physMem) incref(f int) {
	if !pm.used[f] {
		panic(fmt.Sprintf("physmem: incref of free frame %#x", f))
	}
	pm.refs[f]++
}

// decref drops one reference and frees the frame when none remain.
func (pm *physMem) decref(f int) {
	if pm.refs[f] <= 0 {
		panic(fmt.Sprintf("physmem: decref of frame %#x with %d refs", f, pm.refs[f]))
	}
	pm.refs[f]--
	if pm.refs[f] == 0 {
		pm.release(f)
	}
}

func (pm *physMem) page(f int) []byte { return pm.data[f] }

func (pm *physMem) frames() int { return len(pm.data) }
