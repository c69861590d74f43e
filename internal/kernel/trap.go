package kernel

import (
	"fmt"

	"github.com/kahiteam/cowfork/internal/abi"
	"github.com/kahiteam/cowfork/internal/events"
)

func hexVA(va uintptr) string { return fmt.Sprintf("%08x", va) }

// mmuLocked translates va for e the way the hardware would. On success it
// sets the accessed (and for writes, dirty) bit and returns the backing
// frame contents. On failure it returns the fault error flags.
func (k *Kernel) mmuLocked(e *Env, va uintptr, write bool) ([]byte, abi.FaultErr, bool) {
	fe := abi.FECUser
	if write {
		fe |= abi.FECWrite
	}
	if va >= abi.UTop {
		return nil, fe | abi.FECPresent, false
	}
	pte, _ := k.walk(e.space, va, false)
	if pte == nil || !pte.Present() {
		return nil, fe, false
	}
	perm := pte.Perm()
	if perm&abi.PermUser == 0 || (write && perm&abi.PermWrite == 0) {
		return nil, fe | abi.FECPresent, false
	}
	set := abi.PermAccessed
	if write {
		set |= abi.PermDirty
	}
	*pte = abi.MakePTE(pte.Frame(), perm|set)
	return k.mem.page(pte.Frame()), 0, true
}

// translate returns the page backing va for the current environment,
// delivering a page fault to the environment's upcall when the access
// violates its mapping. A fault that the upcall leaves unresolved kills the
// environment.
func (k *Kernel) translate(va uintptr, write bool) ([]byte, error) {
	for attempt := 0; ; attempt++ {
		k.mu.Lock()
		e, err := k.envLocked(0, false)
		if err != nil {
			k.unlock()
			return nil, err
		}
		page, fe, ok := k.mmuLocked(e, va, write)
		if ok {
			k.unlock()
			return page, nil
		}
		tf := abi.UTrapframe{FaultVA: va, Err: fe}
		if attempt > 0 {
			ferr := &FaultError{Env: e.id, Frame: tf, Reason: "fault not resolved by handler", Err: abi.ErrFault}
			k.killLocked(e, ferr)
			k.unlock()
			return nil, ferr
		}
		k.unlock()

		if err := k.pageFault(e, tf); err != nil {
			return nil, err
		}
	}
}

// pageFault pushes tf onto e's exception stack and runs its upcall. The
// upcall is not re-entrant: a fault raised while it runs kills e.
func (k *Kernel) pageFault(e *Env, tf abi.UTrapframe) error {
	k.mu.Lock()
	fatal := func(reason string, cause error) error {
		ferr := &FaultError{Env: e.id, Frame: tf, Reason: reason, Err: cause}
		k.killLocked(e, ferr)
		k.unlock()
		return ferr
	}
	if e.upcall == nil {
		return fatal("unhandled page fault", abi.ErrFault)
	}
	if e.inUpcall {
		return fatal("page fault in fault handler", abi.ErrFault)
	}
	stack, _, ok := k.mmuLocked(e, abi.UXStackBottom, true)
	if !ok {
		return fatal("exception stack not mapped", abi.ErrFault)
	}
	slot := stack[abi.PageSize-abi.UTrapframeSize:]
	tf.Encode(slot)
	delivered := abi.DecodeUTrapframe(slot)
	upcall := e.upcall
	e.inUpcall = true

	k.logger.Debug("page fault delivered", "env", e.id.String(), "va", hexVA(tf.FaultVA), "err", tf.Err.String())
	k.queue(events.Event{
		Type: events.PageFaultDelivered,
		Data: map[string]string{"env": e.id.String(), "va": hexVA(tf.FaultVA), "access": tf.Err.Access()},
	})
	k.unlock()

	err := runUpcall(upcall, delivered)

	k.mu.Lock()
	e.inUpcall = false
	if err != nil {
		return fatal("user fault handler aborted", err)
	}
	k.unlock()
	return nil
}

// killLocked destroys e after a fatal fault.
func (k *Kernel) killLocked(e *Env, ferr *FaultError) {
	if e.status == abi.EnvFree {
		return
	}
	k.cprintf("[%s] user fault va %08x ip 00000000 (%s)", e.id, ferr.Frame.FaultVA, ferr.Frame.Err)
	k.queue(events.Event{
		Type: events.PageFaultFatal,
		Data: map[string]string{
			"env":    e.id.String(),
			"va":     hexVA(ferr.Frame.FaultVA),
			"access": ferr.Frame.Err.Access(),
			"reason": ferr.Reason,
		},
	})
	k.destroyLocked(e, ferr)
}

// runUpcall calls the user handler, turning a panic inside it into an
// error the way a user-level abort ends the environment.
func runUpcall(upcall abi.Upcall, tf abi.UTrapframe) (err error) {
	defer func() {
		if r := recover(); r != nil {
			if e, ok := r.(error); ok {
				err = e
			} else {
				err = fmt.Errorf("panic: %v", r)
			}
		}
	}()
	upcall(tf)
	return nil
}

// Load reads n bytes at va in the current environment's address space.
func (s *Sys) Load(va uintptr, n int) ([]byte, error) {
	out := make([]byte, 0, n)
	for n > 0 {
		page, err := s.k.translate(va, false)
		if err != nil {
			return nil, err
		}
		off := int(va - abi.RoundDown(va))
		chunk := min(n, abi.PageSize-off)
		s.k.mu.Lock()
		out = append(out, page[off:off+chunk]...)
		s.k.mu.Unlock()
		va += uintptr(chunk)
		n -= chunk
	}
	return out, nil
}

// Store writes data at va in the current environment's address space.
func (s *Sys) Store(va uintptr, data []byte) error {
	for len(data) > 0 {
		page, err := s.k.translate(va, true)
		if err != nil {
			return err
		}
		off := int(va - abi.RoundDown(va))
		s.k.mu.Lock()
		chunk := copy(page[off:], data)
		s.k.mu.Unlock()
		va += uintptr(chunk)
		data = data[chunk:]
	}
	return nil
}

// Copy moves n bytes from src to dst within the current environment's
// address space. Overlapping ranges behave like memmove.
func (s *Sys) Copy(dst, src uintptr, n int) error {
	buf, err := s.Load(src, n)
	if err != nil {
		return err
	}
	return s.Store(dst, buf)
}
