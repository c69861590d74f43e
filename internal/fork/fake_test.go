package fork

import (
	"github.com/kahiteam/cowfork/internal/abi"
)

// call records one request a Forker made of its process.
type call struct {
	Op     string
	Env    abi.EnvID
	VA     uintptr
	DstEnv abi.EnvID
	DstVA  uintptr
	Perm   abi.Perm
	Status abi.EnvStatus
}

// fakeProc is a scripted Process. Page tables are maps; every mutating call
// is appended to calls, and ops named in fail return the mapped error.
type fakeProc struct {
	self     abi.EnvID
	child    abi.EnvID
	pde      map[int]abi.PTE
	pte      map[int]abi.PTE
	fail     map[string]error
	calls    []call
	pteReads []int
	resume   func()
}

func newFakeProc() *fakeProc {
	return &fakeProc{
		self:  0x1000,
		child: 0x1001,
		pde:   make(map[int]abi.PTE),
		pte:   make(map[int]abi.PTE),
		fail:  make(map[string]error),
	}
}

// mapPage marks pn present with perm, and its table present too.
func (p *fakeProc) mapPage(pn int, perm abi.Perm) {
	p.pde[pn/abi.NPTEntries] = abi.MakePTE(1, abi.PermPresent|abi.PermUser|abi.PermWrite)
	p.pte[pn] = abi.MakePTE(100+pn, perm)
}

func (p *fakeProc) record(c call) error {
	p.calls = append(p.calls, c)
	return p.fail[c.Op]
}

func (p *fakeProc) GetEnvID() abi.EnvID { return p.self }

func (p *fakeProc) Exofork(resume func()) (abi.EnvID, error) {
	if err := p.record(call{Op: "exofork"}); err != nil {
		return 0, err
	}
	p.resume = resume
	return p.child, nil
}

func (p *fakeProc) PageAlloc(env abi.EnvID, va uintptr, perm abi.Perm) error {
	return p.record(call{Op: "alloc", Env: env, VA: va, Perm: perm})
}

func (p *fakeProc) PageMap(srcenv abi.EnvID, srcva uintptr, dstenv abi.EnvID, dstva uintptr, perm abi.Perm) error {
	return p.record(call{Op: "map", Env: srcenv, VA: srcva, DstEnv: dstenv, DstVA: dstva, Perm: perm})
}

func (p *fakeProc) PageUnmap(env abi.EnvID, va uintptr) error {
	return p.record(call{Op: "unmap", Env: env, VA: va})
}

func (p *fakeProc) EnvSetStatus(env abi.EnvID, status abi.EnvStatus) error {
	return p.record(call{Op: "status", Env: env, Status: status})
}

func (p *fakeProc) EnvSetPgfaultUpcall(env abi.EnvID, upcall abi.Upcall) error {
	return p.record(call{Op: "upcall", Env: env})
}

func (p *fakeProc) EnvDestroy(env abi.EnvID) error {
	return p.record(call{Op: "destroy", Env: env})
}

func (p *fakeProc) PDE(pdx int) abi.PTE { return p.pde[pdx] }

func (p *fakeProc) PTE(pn int) abi.PTE {
	p.pteReads = append(p.pteReads, pn)
	return p.pte[pn]
}

func (p *fakeProc) Copy(dst, src uintptr, n int) error {
	return p.record(call{Op: "copy", VA: src, DstVA: dst, Perm: abi.Perm(n)})
}
