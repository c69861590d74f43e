package abi

import (
	"encoding/binary"
	"fmt"
)

// FaultErr holds the error flags the MMU reports with a page fault.
type FaultErr uint32

const (
	// FECPresent is set for a protection violation on a present page and
	// clear for an access to a missing page.
	FECPresent FaultErr = 1 << iota

	// FECWrite is set when the faulting access was a write.
	FECWrite

	// FECUser is set when the fault happened in user mode.
	FECUser
)

// Access names the kind of access that faulted.
func (e FaultErr) Access() string {
	if e&FECWrite != 0 {
		return "write"
	}
	return "read"
}

func (e FaultErr) String() string {
	cause := "not-present"
	if e&FECPresent != 0 {
		cause = "protection"
	}
	mode := "kernel"
	if e&FECUser != 0 {
		mode = "user"
	}
	return fmt.Sprintf("%s %s %s", mode, e.Access(), cause)
}

// UTrapframe is the fault record pushed onto the exception stack before the
// user-level handler runs. It lives for exactly one trap.
type UTrapframe struct {
	FaultVA uintptr
	Err     FaultErr
}

// UTrapframeSize is the encoded size of a UTrapframe on the exception
// stack: a 64-bit fault address followed by the 32-bit error flags. The
// address is stored at full width so a fault outside the user range never
// aliases a user page.
const UTrapframeSize = 12

// Encode writes the frame into b in the exception stack layout.
func (tf UTrapframe) Encode(b []byte) {
	binary.LittleEndian.PutUint64(b[0:8], uint64(tf.FaultVA))
	binary.LittleEndian.PutUint32(b[8:12], uint32(tf.Err))
}

// DecodeUTrapframe reads a frame written by Encode.
func DecodeUTrapframe(b []byte) UTrapframe {
	return UTrapframe{
		FaultVA: uintptr(binary.LittleEndian.Uint64(b[0:8])),
		Err:     FaultErr(binary.LittleEndian.Uint32(b[8:12])),
	}
}

// Upcall is a user-level fault entry point registered with the kernel. It
// runs synchronously in the faulting environment.
type Upcall func(tf UTrapframe)
