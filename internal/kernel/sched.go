package kernel

import (
	"fmt"

	"github.com/kahiteam/cowfork/internal/abi"
)

// CreateEnv creates a runnable top-level environment with an empty address
// space whose program is entry. entry runs the first time the scheduler
// picks the environment.
func (k *Kernel) CreateEnv(entry func()) (abi.EnvID, error) {
	k.mu.Lock()
	defer k.unlock()
	e, err := k.allocEnvLocked(0, abi.EnvRunnable)
	if err != nil {
		return 0, err
	}
	e.resume = entry
	return e.id, nil
}

// Enter runs fn with id as the current environment, then restores the
// previous one. A panic in fn kills the environment and is returned as an
// error. Enter does not consume the environment's pending program.
func (k *Kernel) Enter(id abi.EnvID, fn func()) (err error) {
	k.mu.Lock()
	e, lerr := k.envLocked(id, false)
	if id == 0 || lerr != nil {
		k.unlock()
		return fmt.Errorf("enter env %s: %w", id, abi.ErrBadEnv)
	}
	prev := k.cur
	k.cur = e
	wasRunnable := e.status == abi.EnvRunnable
	if wasRunnable {
		_ = k.setStatusLocked(e, abi.EnvRunning)
	}
	k.unlock()

	defer func() {
		r := recover()
		k.mu.Lock()
		if r != nil {
			if rerr, ok := r.(error); ok {
				err = fmt.Errorf("env %s: user panic: %w", e.id, rerr)
			} else {
				err = fmt.Errorf("env %s: user panic: %v", e.id, r)
			}
			k.cprintf("[%s] user panic: %v", e.id, r)
			k.destroyLocked(e, err)
		} else if wasRunnable && e.status == abi.EnvRunning {
			_ = k.setStatusLocked(e, abi.EnvRunnable)
		}
		k.cur = prev
		k.unlock()
	}()

	fn()
	return nil
}

// Run schedules runnable environments round-robin until none has a pending
// program. An environment whose program returns exits. Errors from
// environments that died are returned by ExitErr, not by Run.
func (k *Kernel) Run() {
	next := 0
	for {
		k.mu.Lock()
		var e *Env
		for i := range len(k.envs) {
			cand := k.envs[(next+i)%len(k.envs)]
			if cand != nil && cand.status == abi.EnvRunnable && cand.resume != nil {
				e = cand
				next = envSlot(cand.id) + 1
				break
			}
		}
		if e == nil {
			k.unlock()
			return
		}
		program := e.resume
		e.resume = nil
		id := e.id
		k.unlock()

		if err := k.Enter(id, program); err != nil {
			k.logger.Debug("env exited with error", "env", id.String(), "error", err)
			continue
		}

		k.mu.Lock()
		if live, err := k.envLocked(id, false); err == nil && live.resume == nil {
			// The environment exits itself.
			prev := k.cur
			k.cur = live
			k.destroyLocked(live, nil)
			k.cur = prev
		}
		k.unlock()
	}
}
