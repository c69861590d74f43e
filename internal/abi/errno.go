package abi

import "fmt"

// Errno is a negative error code returned across the system call boundary.
type Errno int

const (
	ErrUnspecified Errno = -1 // unspecified or unknown problem
	ErrBadEnv      Errno = -2 // environment doesn't exist or otherwise cannot be used
	ErrInval       Errno = -3 // invalid parameter
	ErrNoMem       Errno = -4 // request failed due to memory shortage
	ErrNoFreeEnv   Errno = -5 // attempt to create a new environment beyond the limit
	ErrFault       Errno = -6 // memory fault
)

var errnoText = map[Errno]string{
	ErrUnspecified: "unspecified error",
	ErrBadEnv:      "bad environment",
	ErrInval:       "invalid parameter",
	ErrNoMem:       "out of memory",
	ErrNoFreeEnv:   "out of environments",
	ErrFault:       "segmentation fault",
}

func (e Errno) Error() string {
	if s, ok := errnoText[e]; ok {
		return s
	}
	return fmt.Sprintf("error %d", int(e))
}

// Code returns the raw negative code.
func (e Errno) Code() int { return int(e) }
