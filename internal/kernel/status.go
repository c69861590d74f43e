package kernel

import (
	"fmt"

	"github.com/kahiteam/cowfork/internal/abi"
)

// validTransitions defines the allowed environment status transitions.
// Setting an environment to the status it already has is always allowed.
var validTransitions = map[abi.EnvStatus][]abi.EnvStatus{
	abi.EnvFree:        {abi.EnvNotRunnable, abi.EnvRunnable},
	abi.EnvNotRunnable: {abi.EnvRunnable, abi.EnvDying, abi.EnvFree},
	abi.EnvRunnable:    {abi.EnvRunning, abi.EnvNotRunnable, abi.EnvDying, abi.EnvFree},
	abi.EnvRunning:     {abi.EnvRunnable, abi.EnvNotRunnable, abi.EnvDying, abi.EnvFree},
	abi.EnvDying:       {abi.EnvFree},
}

func canTransition(from, to abi.EnvStatus) bool {
	if from == to {
		return true
	}
	for _, a := range validTransitions[from] {
		if a == to {
			return true
		}
	}
	return false
}

// setStatusLocked moves e to target or reports why it cannot.
func (k *Kernel) setStatusLocked(e *Env, target abi.EnvStatus) error {
	if !canTransition(e.status, target) {
		return fmt.Errorf("env %s: cannot transition from %s to %s", e.id, e.status, target)
	}
	if e.status == target {
		return nil
	}
	from := e.status
	e.status = target
	k.queue(envStatusEvent(e.id, from, target))
	return nil
}
