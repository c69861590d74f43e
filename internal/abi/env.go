package abi

import "fmt"

// EnvID identifies an environment (process). Zero in a system call argument
// means the calling environment.
type EnvID int32

func (id EnvID) String() string { return fmt.Sprintf("%08x", int32(id)) }

// EnvStatus is the scheduling status of an environment. Transitions are
// owned by the kernel.
type EnvStatus int

const (
	EnvFree        EnvStatus = iota // FREE: slot unused
	EnvDying                        // DYING: being torn down
	EnvRunnable                     // RUNNABLE: eligible to run
	EnvRunning                      // RUNNING: currently on the CPU
	EnvNotRunnable                  // NOT_RUNNABLE: created but not released
)

var envStatusNames = [...]string{
	"FREE", "DYING", "RUNNABLE", "RUNNING", "NOT_RUNNABLE",
}

func (s EnvStatus) String() string {
	if int(s) >= 0 && int(s) < len(envStatusNames) {
		return envStatusNames[s]
	}
	return fmt.Sprintf("UNKNOWN(%d)", s)
}
