// Package kernel is a preemptive, priority-based thread scheduler for one or
// more CPUs. Threads are scheduled strictly by priority and round robin within
// a priority, with time slicing driven by the timer tick.
package kernel

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"ember/arch"
	"ember/spinlock"
)

const (
	defaultQuantum    = 5
	defaultMaxThreads = 64
	maxThreadsLimit   = 0xffff
)

// Logger receives kernel diagnostics one line at a time.
type Logger interface {
	WriteLineString(s string)
}

// SwitchEvent describes one context switch.
type SwitchEvent struct {
	CPU       int
	Time      arch.Time
	From      ThreadID
	FromName  string
	FromState State
	To        ThreadID
	ToName    string
	Priority  int
}

// SwitchObserver is told about every context switch. It is called with the
// scheduler lock held and interrupts masked, and must not block or call back
// into the kernel.
type SwitchObserver interface {
	ObserveSwitch(ev SwitchEvent)
}

// Config configures a Kernel.
type Config struct {
	Arch   arch.Arch
	Logger Logger

	// Quantum is the time slice in ticks. Defaults to 5.
	Quantum int
	// MaxThreads bounds the thread table, idle threads included.
	MaxThreads int
	// DefaultStackSize is the stack size used when none is requested.
	DefaultStackSize int
	// StackPoolBytes bounds kernel-allocated stacks; 0 is unbounded.
	StackPoolBytes int64
	// StackBoundsCheck adds a guard region below every kernel-allocated stack
	// that is verified whenever its thread is switched out.
	StackBoundsCheck bool

	Verbose  bool
	Observer SwitchObserver

	// OnPanic is called once, on the first fatal condition, before the
	// machine halts. It must not panic.
	OnPanic func(PanicInfo)
}

type cpuState struct {
	num     int
	arch    arch.CPU
	current *Thread
	idle    *Thread
	timers  *Timer

	stats cpuStats
}

// Kernel is one scheduler instance driving one machine.
type Kernel struct {
	cfg  Config
	arch arch.Arch

	threadLock spinlock.SpinLock
	timerLock  spinlock.SpinLock
	foreign    chan struct{}

	threads  []*Thread
	gens     []uint16
	nthreads int

	runQueue runQueue
	cpus     []*cpuState
	mp       mpState
	stacks   stackPool

	started  atomic.Bool
	mainID   ThreadID
	mainRet  int
	mainDone chan struct{}
	mainOnce sync.Once

	panicOnce   sync.Once
	panicActive atomic.Bool
	fatal       atomic.Pointer[FatalError]
}

// New creates a kernel for cfg.Arch. Nothing runs until Run is called.
func New(cfg Config) (*Kernel, error) {
	if cfg.Arch == nil {
		return nil, fmt.Errorf("kernel: no arch: %w", ErrInvalidArgs)
	}
	if cfg.Quantum <= 0 {
		cfg.Quantum = defaultQuantum
	}
	if cfg.MaxThreads <= 0 {
		cfg.MaxThreads = defaultMaxThreads
	}
	if cfg.MaxThreads > maxThreadsLimit {
		return nil, fmt.Errorf("kernel: max threads %d over %d: %w", cfg.MaxThreads, maxThreadsLimit, ErrInvalidArgs)
	}
	if cfg.DefaultStackSize <= 0 {
		cfg.DefaultStackSize = DefaultStackSize
	}

	ncpu := cfg.Arch.NumCPUs()
	if ncpu <= 0 || ncpu > arch.MaxCPUs {
		return nil, fmt.Errorf("kernel: %d cpus: %w", ncpu, ErrInvalidArgs)
	}
	if cfg.MaxThreads <= ncpu {
		return nil, fmt.Errorf("kernel: max threads %d leaves no room beside %d idle threads: %w",
			cfg.MaxThreads, ncpu, ErrInvalidArgs)
	}

	k := &Kernel{
		cfg:      cfg,
		arch:     cfg.Arch,
		threads:  make([]*Thread, cfg.MaxThreads),
		gens:     make([]uint16, cfg.MaxThreads),
		cpus:     make([]*cpuState, ncpu),
		mainDone: make(chan struct{}),
		foreign:  make(chan struct{}, 1),
	}
	k.stacks.limit = cfg.StackPoolBytes
	for i := range k.cpus {
		k.cpus[i] = &cpuState{num: i, arch: cfg.Arch.CPU(i)}
	}
	return k, nil
}

func (k *Kernel) NumCPUs() int   { return len(k.cpus) }
func (k *Kernel) Quantum() int   { return k.cfg.Quantum }
func (k *Kernel) Now() arch.Time { return k.arch.Now() }

func (k *Kernel) logf(format string, args ...any) {
	if k.cfg.Logger == nil {
		return
	}
	k.cfg.Logger.WriteLineString(fmt.Sprintf(format, args...))
}

// boot installs interrupt handlers and turns every CPU's boot context into
// its idle thread. Each idle thread is the current thread of its CPU.
func (k *Kernel) boot() {
	k.installHandlers()
	for _, cs := range k.cpus {
		t := &Thread{
			magic:     threadMagic,
			name:      fmt.Sprintf("idle %d", cs.num),
			priority:  IdlePriority,
			state:     StateRunning,
			flags:     FlagIdle | FlagDetached,
			currCPU:   cs.num,
			pinnedCPU: cs.num,
		}
		t.ctx = Context{k: k, t: t}
		k.initWaitQueue(&t.retcodeWaitQueue)
		t.arch = k.arch.InitializeThread(k.idleStart(t))

		k.threadLock.Lock(externalHolder)
		ok := k.insertLocked(t)
		k.threadLock.Unlock()
		k.assertf(ok, "no thread slot for idle thread %d", cs.num)

		cs.idle = t
		cs.current = t
		k.mp.setIdle(cs.num, true)
	}
}

// idleStart is the body of a CPU's idle thread.
func (k *Kernel) idleStart(t *Thread) func(arch.CPU) {
	return func(cpu arch.CPU) {
		defer k.recoverThread(t)

		k.mp.setActive(cpu.Num(), true)
		k.logf("cpu %d: up", cpu.Num())
		cpu.EnableInts()

		c := &t.ctx
		for {
			c.Yield()
			cpu = c.CPU()
			cpu.Idle()
		}
	}
}

// Run boots every CPU and runs main in a thread at DefaultPriority. It
// returns main's exit code once main exits, halting the machine. It returns
// a *FatalError if the kernel panicked, or ctx.Err() if ctx ends first.
func (k *Kernel) Run(ctx context.Context, main Entry, arg any) (int, error) {
	if !k.started.CompareAndSwap(false, true) {
		return 0, ErrAlreadyStarted
	}

	k.boot()
	id, err := k.CreateThread("main", main, arg, DefaultPriority, 0)
	if err != nil {
		return 0, fmt.Errorf("kernel: create main thread: %w", err)
	}
	k.mainID = id
	if err := k.Resume(id); err != nil {
		return 0, fmt.Errorf("kernel: resume main thread: %w", err)
	}

	k.logf("kernel: %d cpus, quantum %d ticks, %d thread slots", len(k.cpus), k.cfg.Quantum, len(k.threads))
	for _, cs := range k.cpus {
		k.arch.StartCPU(cs.num, cs.idle.arch)
	}

	select {
	case <-k.mainDone:
		k.arch.Halt()
		return k.mainRet, nil
	case <-k.arch.Halted():
		if fe := k.fatal.Load(); fe != nil {
			return 0, fe
		}
		select {
		case <-k.mainDone:
			return k.mainRet, nil
		default:
			return 0, ErrHalted
		}
	case <-ctx.Done():
		k.arch.Halt()
		return 0, ctx.Err()
	}
}

// mainExited records main's exit code. Called with the thread lock held.
func (k *Kernel) mainExited(retcode int) {
	k.mainOnce.Do(func() {
		k.mainRet = retcode
		close(k.mainDone)
	})
}

// Halt stops the machine. Run returns ErrHalted.
func (k *Kernel) Halt() {
	k.arch.Halt()
}
