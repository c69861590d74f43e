package kernel

import (
	"fmt"

	"github.com/kahiteam/cowfork/internal/abi"
	"github.com/kahiteam/cowfork/internal/events"
)

const (
	// NEnv is the largest supported environment table.
	NEnv = 1 << logNEnv

	logNEnv     = 10
	envGenShift = 12
)

// Env is one environment: an address space, a status and the user-level
// fault upcall it registered.
type Env struct {
	id       abi.EnvID
	parent   abi.EnvID
	status   abi.EnvStatus
	space    *addrSpace
	upcall   abi.Upcall
	resume   func()
	inUpcall bool
}

// envSlot returns the table index encoded in id.
func envSlot(id abi.EnvID) int { return int(id) & (NEnv - 1) }

// allocEnvLocked takes a free slot and builds an environment with an empty
// address space. Ids carry a generation so a recycled slot never reuses an
// id.
func (k *Kernel) allocEnvLocked(parent abi.EnvID, status abi.EnvStatus) (*Env, error) {
	slot := -1
	for i, e := range k.envs {
		if e == nil {
			slot = i
			break
		}
	}
	if slot < 0 {
		return nil, abi.ErrNoFreeEnv
	}

	gen := (k.lastID[slot] + (1 << envGenShift)) &^ (NEnv - 1)
	if gen <= 0 {
		gen = 1 << envGenShift
	}
	e := &Env{
		id:     gen | abi.EnvID(slot),
		parent: parent,
		status: abi.EnvFree,
		space:  &addrSpace{},
	}
	k.lastID[slot] = e.id
	k.envs[slot] = e
	if err := k.setStatusLocked(e, status); err != nil {
		k.envs[slot] = nil
		return nil, err
	}

	k.cprintf("[%s] new env %s", parent, e.id)
	k.logger.Debug("env created", "env", e.id.String(), "parent", parent.String(), "status", status.String())
	k.queue(events.Event{
		Type: events.EnvCreated,
		Data: map[string]string{"env": e.id.String(), "parent": parent.String()},
	})
	return e, nil
}

// envLocked resolves id to a live environment. Zero means the current one.
// With checkPerm set, the target must be the current environment or one of
// its immediate children.
func (k *Kernel) envLocked(id abi.EnvID, checkPerm bool) (*Env, error) {
	if id == 0 {
		if k.cur == nil || k.cur.status == abi.EnvFree {
			return nil, abi.ErrBadEnv
		}
		return k.cur, nil
	}
	slot := envSlot(id)
	if id < 0 || slot >= len(k.envs) {
		return nil, abi.ErrBadEnv
	}
	e := k.envs[slot]
	if e == nil || e.id != id || e.status == abi.EnvFree {
		return nil, abi.ErrBadEnv
	}
	if checkPerm && e != k.cur && (k.cur == nil || e.parent != k.cur.id) {
		return nil, abi.ErrBadEnv
	}
	return e, nil
}

// destroyLocked frees e's address space and its table slot. cause is
// recorded as the exit status (nil for a clean exit).
func (k *Kernel) destroyLocked(e *Env, cause error) {
	if e.status == abi.EnvFree {
		return
	}
	_ = k.setStatusLocked(e, abi.EnvDying)
	k.freeSpace(e.space)
	e.upcall = nil
	e.resume = nil
	_ = k.setStatusLocked(e, abi.EnvFree)
	k.envs[envSlot(e.id)] = nil
	k.exits[e.id] = cause

	k.cprintf("[%s] free env %s", k.curID(), e.id)
	data := map[string]string{"env": e.id.String()}
	if cause != nil {
		data["error"] = cause.Error()
		k.logger.Warn("env destroyed", "env", e.id.String(), "error", cause)
	} else {
		k.logger.Debug("env destroyed", "env", e.id.String())
	}
	k.queue(events.Event{Type: events.EnvDestroyed, Data: data})
}

// ExitErr returns the recorded exit cause of a destroyed environment and
// whether it has exited at all.
func (k *Kernel) ExitErr(id abi.EnvID) (error, bool) {
	k.mu.Lock()
	defer k.mu.Unlock()
	err, ok := k.exits[id]
	return err, ok
}

// FaultError reports a page fault that killed an environment.
type FaultError struct {
	Env    abi.EnvID
	Frame  abi.UTrapframe
	Reason string
	Err    error
}

func (e *FaultError) Error() string {
	return fmt.Sprintf("env %s: %s at va %08x (%s): %v",
		e.Env, e.Reason, e.Frame.FaultVA, e.Frame.Err, e.Err)
}

func (e *FaultError) Unwrap() error { return e.Err }
