package fork

import (
	"fmt"

	"github.com/kahiteam/cowfork/internal/abi"
)

// DupPage maps the caller's page pn into env at the same address. A
// writable or copy-on-write page is mapped copy-on-write in env and then
// remapped copy-on-write in the caller too, even if it already was: the
// frame has gained an owner and every mapping of it must agree that it is
// shared and read-only. A read-only page is shared as is.
//
// Only the bits in abi.PermSyscall are carried over. Errors are returned,
// never retried.
func (f *Forker) DupPage(env abi.EnvID, pn int) error {
	va := abi.PageAddr(pn)
	if abi.Reserved(va) {
		return fmt.Errorf("duppage %08x: %w", va, ErrReservedPage)
	}

	perm := f.proc.PTE(pn).Perm() & abi.PermSyscall
	if perm&(abi.PermWrite|abi.PermCOW) == 0 {
		if err := f.proc.PageMap(0, va, env, va, perm); err != nil {
			return fmt.Errorf("duppage %08x into %s: %w", va, env, err)
		}
		f.metrics.IncPagesDuplicated("shared")
		return nil
	}

	perm = perm&^abi.PermWrite | abi.PermCOW
	if err := f.proc.PageMap(0, va, env, va, perm); err != nil {
		return fmt.Errorf("duppage %08x into %s: %w", va, env, err)
	}
	if err := f.proc.PageMap(0, va, 0, va, perm); err != nil {
		return fmt.Errorf("duppage %08x remap self: %w", va, err)
	}
	f.metrics.IncPagesDuplicated("cow")
	return nil
}
