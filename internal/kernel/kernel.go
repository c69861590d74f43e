// Package kernel is a single-CPU simulated paging kernel. It owns physical
// frames, two-level page tables and environments, exposes the system calls
// the user-level fork library consumes, and raises page faults that are
// delivered synchronously to a user-registered upcall on the faulting
// environment's exception stack.
//
// All system calls act on the current environment, the one the scheduler
// (or Enter) is running. The kernel lock is never held while user code runs.
package kernel

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/kahiteam/cowfork/internal/abi"
	"github.com/kahiteam/cowfork/internal/events"
	"github.com/kahiteam/cowfork/internal/logging"
)

// Config configures a kernel.
type Config struct {
	Frames      int          // physical frames, including those used for page tables
	MaxEnvs     int          // environment table size (at most NEnv)
	ConsoleSize int          // console ring buffer size in bytes
	Logger      *slog.Logger // nil discards
	Bus         *events.Bus  // nil drops events
}

const (
	// DefaultFrames is the physical memory size used when Config.Frames is 0.
	DefaultFrames = 1024

	// DefaultMaxEnvs is the environment table size used when Config.MaxEnvs is 0.
	DefaultMaxEnvs = 64

	defaultConsoleSize = 16 << 10
)

// Kernel is a simulated paging kernel.
type Kernel struct {
	mu      sync.Mutex
	mem     *physMem
	envs    []*Env
	lastID  []abi.EnvID
	cur     *Env
	exits   map[abi.EnvID]error
	pending []events.Event

	logger  *slog.Logger
	bus     *events.Bus
	console *logging.RingBuffer
}

// New boots a kernel with empty memory and no environments.
func New(cfg Config) *Kernel {
	frames := cfg.Frames
	if frames <= 0 {
		frames = DefaultFrames
	}
	maxEnvs := cfg.MaxEnvs
	if maxEnvs <= 0 {
		maxEnvs = DefaultMaxEnvs
	}
	if maxEnvs > NEnv {
		maxEnvs = NEnv
	}
	consoleSize := cfg.ConsoleSize
	if consoleSize <= 0 {
		consoleSize = defaultConsoleSize
	}
	return &Kernel{
		mem:     newPhysMem(frames),
		envs:    make([]*Env, maxEnvs),
		lastID:  make([]abi.EnvID, maxEnvs),
		exits:   make(map[abi.EnvID]error),
		logger:  logging.WithFields(logging.OrNop(cfg.Logger), "component", "kernel"),
		bus:     cfg.Bus,
		console: logging.NewRingBuffer(consoleSize),
	}
}

// Sys returns the user-side system call interface. It always acts on behalf
// of whichever environment is current when a method is called.
func (k *Kernel) Sys() *Sys { return &Sys{k: k} }

// unlock releases the kernel lock and then publishes the events queued
// while it was held, so subscribers may call back into the kernel.
func (k *Kernel) unlock() {
	pending := k.pending
	k.pending = nil
	k.mu.Unlock()
	for _, ev := range pending {
		k.bus.Publish(ev)
	}
}

func (k *Kernel) queue(ev events.Event) {
	if k.bus == nil {
		return
	}
	k.pending = append(k.pending, ev)
}

// cprintf writes a line to the kernel console.
func (k *Kernel) cprintf(format string, args ...any) {
	fmt.Fprintf(k.console, format+"\n", args...)
}

func (k *Kernel) curID() abi.EnvID {
	if k.cur == nil {
		return 0
	}
	return k.cur.id
}

func envStatusEvent(id abi.EnvID, from, to abi.EnvStatus) events.Event {
	return events.Event{
		Type: events.EnvStatusChanged,
		Data: map[string]string{"env": id.String(), "from": from.String(), "to": to.String()},
	}
}
