package kernel

import (
	"fmt"

	"ember/arch"
)

// Priorities. Higher numbers run first.
const (
	NumPriorities   = 32
	LowestPriority  = 0
	HighestPriority = NumPriorities - 1
	DPCPriority     = NumPriorities - 2
	IdlePriority    = LowestPriority
	LowPriority     = NumPriorities / 4
	DefaultPriority = NumPriorities / 2
	HighPriority    = (NumPriorities / 4) * 3
)

const (
	// DefaultStackSize is used when CreateThread is given no stack size.
	DefaultStackSize = 8192

	// InfiniteTime is a timeout that never expires.
	InfiniteTime = ^arch.Time(0)

	threadMagic = 0x74687264 // 'thrd'
	maxNameLen  = 31

	stackGuardSize = 256
	stackFill      = 0x99
)

// State is the lifecycle state of a thread.
type State uint8

const (
	StateSuspended State = iota
	StateReady
	StateRunning
	StateBlocked
	StateSleeping
	StateDeath
)

func (s State) String() string {
	switch s {
	case StateSuspended:
		return "susp"
	case StateReady:
		return "rdy"
	case StateRunning:
		return "run"
	case StateBlocked:
		return "blok"
	case StateSleeping:
		return "slep"
	case StateDeath:
		return "deth"
	default:
		return fmt.Sprintf("state(%d)", uint8(s))
	}
}

// Flags are thread attribute bits.
type Flags uint32

const (
	FlagDetached Flags = 1 << iota
	FlagFreeStack
	FlagFreeStruct
	FlagRealTime
	FlagIdle
	FlagStackBoundsCheck
)

// TLS slots. New threads inherit every slot from their creator.
const (
	TLSConsole = iota
	TLSUThread
	TLSErrno
	NumTLSEntries
)

// ThreadID is a stable handle to a thread. The zero ThreadID is never valid,
// and a handle goes stale once its thread has been reaped.
type ThreadID uint32

func makeThreadID(slot int, gen uint16) ThreadID {
	return ThreadID(uint32(gen)<<16 | uint32(slot+1))
}

func (id ThreadID) slot() int { return int(id&0xffff) - 1 }

func (id ThreadID) String() string {
	if id == 0 {
		return "t-"
	}
	return fmt.Sprintf("t%d.%d", id.slot(), uint32(id)>>16)
}

// Entry is a thread body. Its return value becomes the thread's exit code.
type Entry func(c *Context, arg any) int

// link records which list a thread's next/prev fields currently belong to.
type link uint8

const (
	linkNone link = iota
	linkRunQueue
	linkWaitQueue
	linkTimer
)

// slotRef is a 1-based arena index; zero means no thread.
type slotRef uint32

// Thread is a schedulable thread of execution. A Thread may be allocated by
// the kernel or supplied by the caller of CreateThreadEtc; in both cases all
// fields are owned by the kernel until the thread is reaped.
type Thread struct {
	magic uint32
	id    ThreadID
	name  string

	priority         int
	state            State
	remainingQuantum int
	flags            Flags
	currCPU          int
	pinnedCPU        int

	link       link
	next, prev slotRef

	blockingWaitQueue *WaitQueue
	waitQueueBlockRet error
	timer             *Timer

	arch  arch.Context
	stack []byte

	entry   Entry
	arg     any
	retcode int

	retcodeWaitQueue WaitQueue

	tls [NumTLSEntries]uintptr

	ctx Context

	totalRunTime     arch.Time
	lastRunTimestamp arch.Time
	schedules        uint64
}

func (t *Thread) isIdle() bool { return t.flags&FlagIdle != 0 }

// isRealTimeOrIdle threads are never time sliced.
func (t *Thread) isRealTimeOrIdle() bool {
	return t.flags&(FlagRealTime|FlagIdle) != 0
}

// isRealTime threads keep their CPU out of reschedule broadcasts.
func (t *Thread) isRealTime() bool {
	return t.flags&FlagRealTime != 0 && t.priority > DefaultPriority
}

func truncateName(name string) string {
	if len(name) > maxNameLen {
		return name[:maxNameLen]
	}
	return name
}

// lookupLocked resolves id, returning nil for stale or invalid handles.
func (k *Kernel) lookupLocked(id ThreadID) *Thread {
	slot := id.slot()
	if slot < 0 || slot >= len(k.threads) {
		return nil
	}
	t := k.threads[slot]
	if t == nil || t.id != id || t.magic != threadMagic {
		return nil
	}
	return t
}

func (k *Kernel) mustLookupLocked(id ThreadID, op string) *Thread {
	t := k.lookupLocked(id)
	if t == nil {
		k.fatalf("%s: invalid thread %v", op, id)
	}
	return t
}

// at follows a list link.
func (k *Kernel) at(r slotRef) *Thread {
	if r == 0 {
		return nil
	}
	return k.threads[r-1]
}

func (t *Thread) ref() slotRef { return slotRef(t.id.slot() + 1) }

// insertLocked publishes t in the global thread table.
func (k *Kernel) insertLocked(t *Thread) bool {
	for slot, cur := range k.threads {
		if cur != nil {
			continue
		}
		k.gens[slot]++
		t.id = makeThreadID(slot, k.gens[slot])
		k.threads[slot] = t
		k.nthreads++
		return true
	}
	return false
}

// reapLocked removes t from the global table and releases what the kernel
// allocated for it. The caller-visible struct is left with a cleared magic.
func (k *Kernel) reapLocked(t *Thread) {
	k.assertf(t.link == linkNone, "reaping thread %q still on a list", t.name)
	slot := t.id.slot()
	k.assertf(k.threads[slot] == t, "reaping thread %q not in the thread table", t.name)
	k.threads[slot] = nil
	k.nthreads--

	t.magic = 0
	if t.flags&FlagFreeStack != 0 {
		k.stacks.release(len(t.stack))
		t.stack = nil
	}
	t.entry = nil
	t.arg = nil
	t.retcodeWaitQueue.magic = 0
}

// checkStackGuard verifies the guard region at the base of t's stack.
func (k *Kernel) checkStackGuard(t *Thread) {
	if t.flags&FlagStackBoundsCheck == 0 {
		return
	}
	for i := 0; i < stackGuardSize && i < len(t.stack); i++ {
		if t.stack[i] != stackFill {
			k.fatalf("stack overrun at %d bytes from base of thread %q", i, t.name)
		}
	}
}

// stackUsed estimates the high-water mark of t's stack by scanning for the
// first byte that no longer holds the fill pattern.
func stackUsed(t *Thread) int {
	base := 0
	if t.flags&FlagStackBoundsCheck != 0 {
		base = stackGuardSize
	}
	if base > len(t.stack) {
		return 0
	}
	for i := base; i < len(t.stack); i++ {
		if t.stack[i] != stackFill {
			return len(t.stack) - i
		}
	}
	return 0
}

// CreateThread allocates and initializes a new suspended thread.
func (k *Kernel) CreateThread(name string, entry Entry, arg any, priority int, stackSize int) (ThreadID, error) {
	return k.createThread(nil, nil, name, entry, arg, priority, nil, stackSize)
}

// CreateThreadEtc is CreateThread with optional caller-owned storage. A nil t
// or stack is allocated by the kernel and freed when the thread is reaped.
func (k *Kernel) CreateThreadEtc(t *Thread, name string, entry Entry, arg any, priority int, stack []byte, stackSize int) (ThreadID, error) {
	return k.createThread(nil, t, name, entry, arg, priority, stack, stackSize)
}

func (k *Kernel) createThread(parent *Context, t *Thread, name string, entry Entry, arg any, priority int, stack []byte, stackSize int) (ThreadID, error) {
	if entry == nil || priority < LowestPriority || priority > HighestPriority {
		return 0, ErrInvalidArgs
	}

	var flags Flags
	if t == nil {
		t = new(Thread)
		flags |= FlagFreeStruct
	} else if t.magic == threadMagic {
		k.fatalf("create: thread struct %q already in use", t.name)
	}

	if stack == nil {
		if stackSize <= 0 {
			stackSize = k.cfg.DefaultStackSize
		}
		if k.cfg.StackBoundsCheck {
			stackSize += stackGuardSize
			flags |= FlagStackBoundsCheck
		}
		buf, err := k.stacks.alloc(stackSize)
		if err != nil {
			return 0, err
		}
		stack = buf
		flags |= FlagFreeStack
	}
	for i := range stack {
		stack[i] = stackFill
	}

	*t = Thread{
		magic:            threadMagic,
		name:             truncateName(name),
		priority:         priority,
		state:            StateSuspended,
		remainingQuantum: 0,
		flags:            flags,
		currCPU:          -1,
		pinnedCPU:        -1,
		stack:            stack,
		entry:            entry,
		arg:              arg,
	}
	t.ctx = Context{k: k, t: t}
	k.initWaitQueue(&t.retcodeWaitQueue)
	if parent != nil {
		t.tls = parent.t.tls
	}
	t.arch = k.arch.InitializeThread(k.threadStart(t))

	ls, err := k.lockFrom(parent)
	if err != nil {
		k.abandonThread(t)
		return 0, err
	}
	ok := k.insertLocked(t)
	id := t.id
	k.unlockFrom(ls)
	if !ok {
		k.abandonThread(t)
		return 0, ErrNoMemory
	}

	if k.cfg.Verbose {
		k.logf("thread: created %v %q prio %d stack %d", id, t.name, priority, len(stack))
	}
	return id, nil
}

// abandonThread undoes a create that never made it into the table.
func (k *Kernel) abandonThread(t *Thread) {
	if t.flags&FlagFreeStack != 0 {
		k.stacks.release(len(t.stack))
	}
	k.arch.RetireContext(t.arch)
	t.magic = 0
}

// threadStart is the first code a new thread runs once switched to.
func (k *Kernel) threadStart(t *Thread) func(arch.CPU) {
	return func(cpu arch.CPU) {
		defer k.recoverThread(t)

		// The lock taken by whoever switched to us is released here.
		k.threadLock.Unlock()
		cpu.EnableInts()

		ret := t.entry(&t.ctx, t.arg)
		t.ctx.Exit(ret)
	}
}

// Resume makes a suspended thread ready to run. It is called from outside any
// thread context, so it never preempts the caller.
func (k *Kernel) Resume(id ThreadID) error {
	return k.resume(nil, id)
}

func (k *Kernel) resume(c *Context, id ThreadID) error {
	ls, err := k.lockFrom(c)
	if err != nil {
		return err
	}
	t := k.mustLookupLocked(id, "resume")
	if t.state == StateDeath {
		k.unlockFrom(ls)
		k.fatalf("resume: thread %q is dead", t.name)
	}
	if t.state != StateSuspended {
		k.unlockFrom(ls)
		return ErrNotSuspended
	}
	t.state = StateReady
	k.runQueue.insertTail(k, t)
	local := -1
	if c != nil {
		local = c.t.currCPU
	}
	k.wakeupCPUsFor(t, local)
	if c != nil {
		k.preemptForLocked(k.cpus[local], t.priority)
	}
	k.unlockFrom(ls)
	return nil
}

// Detach makes id unjoinable. A thread that has already exited is reaped
// immediately; one still running is reaped when it exits. Threads blocked in
// Join on id are released with ErrThreadDetached.
func (k *Kernel) Detach(id ThreadID) {
	k.detach(nil, id)
}

func (k *Kernel) detach(c *Context, id ThreadID) {
	ls, err := k.lockFrom(c)
	if err != nil {
		return
	}
	t := k.mustLookupLocked(id, "detach")
	k.wakeAllLocked(c, &t.retcodeWaitQueue, false, ErrThreadDetached)
	if t.state == StateDeath {
		k.reapLocked(t)
	} else {
		t.flags |= FlagDetached
	}
	k.unlockFrom(ls)
}

// DetachAndResume detaches id and then resumes it.
func (k *Kernel) DetachAndResume(id ThreadID) error {
	k.Detach(id)
	return k.Resume(id)
}

// SetRealTime marks id as real time: it is never time sliced, and while it
// runs above DefaultPriority its CPU ignores reschedule broadcasts.
func (k *Kernel) SetRealTime(id ThreadID) {
	k.setRealTime(nil, id)
}

func (k *Kernel) setRealTime(c *Context, id ThreadID) {
	ls, err := k.lockFrom(c)
	if err != nil {
		return
	}
	t := k.mustLookupLocked(id, "set real time")
	t.flags |= FlagRealTime
	if t.state == StateRunning && t.currCPU >= 0 {
		k.mp.setRealtime(t.currCPU, t.isRealTime())
	}
	k.unlockFrom(ls)
}

// SetPinnedCPU restricts id to run only on cpu, or anywhere when cpu is -1.
func (k *Kernel) SetPinnedCPU(id ThreadID, cpu int) error {
	if cpu < -1 || cpu >= len(k.cpus) {
		return ErrInvalidArgs
	}
	ls, err := k.lockFrom(nil)
	if err != nil {
		return err
	}
	t := k.mustLookupLocked(id, "set pinned cpu")
	t.pinnedCPU = cpu
	k.unlockFrom(ls)
	return nil
}

// SetPriority changes the base priority of a thread that is not running. The
// running thread changes its own priority through Context.SetPriority.
func (k *Kernel) SetPriority(id ThreadID, priority int) error {
	if priority < LowestPriority || priority > HighestPriority {
		return ErrInvalidArgs
	}
	ls, err := k.lockFrom(nil)
	if err != nil {
		return err
	}
	defer k.unlockFrom(ls)
	t := k.mustLookupLocked(id, "set priority")
	switch t.state {
	case StateRunning:
		return ErrInvalidArgs
	case StateReady:
		if !t.isIdle() {
			k.runQueue.remove(k, t)
			t.priority = priority
			k.runQueue.insertTail(k, t)
			return nil
		}
	}
	t.priority = priority
	return nil
}

// SetTLS sets a TLS slot of a thread that has not started yet.
func (k *Kernel) SetTLS(id ThreadID, entry int, v uintptr) error {
	if entry < 0 || entry >= NumTLSEntries {
		return ErrInvalidArgs
	}
	ls, err := k.lockFrom(nil)
	if err != nil {
		return err
	}
	defer k.unlockFrom(ls)
	t := k.mustLookupLocked(id, "set tls")
	t.tls[entry] = v
	return nil
}
