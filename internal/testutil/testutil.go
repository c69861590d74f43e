// Package testutil provides shared test helpers for the cowfork test suite.
package testutil

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/kahiteam/cowfork/internal/abi"
	"github.com/kahiteam/cowfork/internal/config"
	"github.com/kahiteam/cowfork/internal/kernel"
)

// Machine is a booted kernel with one running environment.
type Machine struct {
	K      *kernel.Kernel
	Sys    *kernel.Sys
	Parent abi.EnvID
}

// Boot creates a kernel with the given number of physical frames and a
// first environment to run programs in.
func Boot(t *testing.T, frames int) *Machine {
	t.Helper()
	k := kernel.New(kernel.Config{Frames: frames, MaxEnvs: 16})
	id, err := k.CreateEnv(nil)
	if err != nil {
		t.Fatalf("Boot: %v", err)
	}
	return &Machine{K: k, Sys: k.Sys(), Parent: id}
}

// In runs fn as environment id.
func (m *Machine) In(t *testing.T, id abi.EnvID, fn func()) {
	t.Helper()
	if err := m.K.Enter(id, fn); err != nil {
		t.Fatal(err)
	}
}

// Fill maps n writable pages in the current environment, stride bytes
// apart starting at va. Page i is filled with byte 'a'+i.
func (m *Machine) Fill(t *testing.T, va uintptr, stride uintptr, n int) {
	t.Helper()
	const perm = abi.PermPresent | abi.PermUser | abi.PermWrite
	for i := range n {
		addr := va + uintptr(i)*stride
		if err := m.Sys.PageAlloc(0, addr, perm); err != nil {
			t.Fatal(err)
		}
		if err := m.Sys.Store(addr, bytes.Repeat([]byte{byte('a' + i)}, abi.PageSize)); err != nil {
			t.Fatal(err)
		}
	}
}

// PTE returns the entry mapping va in env, failing the test when there is
// none.
func (m *Machine) PTE(t *testing.T, env abi.EnvID, va uintptr) abi.PTE {
	t.Helper()
	pte, ok := m.K.Lookup(env, va)
	if !ok {
		t.Fatalf("%08x not mapped in %s", va, env)
	}
	return pte
}

// MustParseConfig parses a TOML string into a Config struct, failing the
// test on error. Intended for concise test setup.
func MustParseConfig(t *testing.T, toml string) *config.Config {
	t.Helper()
	cfg, warnings, err := config.LoadBytes([]byte(toml), "test.toml")
	if err != nil {
		t.Fatalf("MustParseConfig: %v", err)
	}
	for _, w := range warnings {
		t.Logf("config warning: %s", w)
	}
	return cfg
}

// WriteFile writes content to a file in the given directory.
func WriteFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("cannot write %s: %v", path, err)
	}
	return path
}
