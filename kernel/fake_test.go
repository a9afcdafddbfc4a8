package kernel

import (
	"errors"
	"testing"

	"ember/arch"
)

// fakeArch records context switches instead of performing them. After a
// switch the test continues as the incoming thread.
type fakeArch struct {
	cpus     []*fakeCPU
	now      arch.Time
	switches []fakeSwitch
	ipis     []arch.CPUMask
	halt     chan struct{}
	halted   bool
}

type fakeSwitch struct {
	cpu      int
	from, to *fakeContext
}

type fakeContext struct {
	entry func(arch.CPU)
}

type fakeCPU struct {
	num      int
	disabled bool
	inIRQ    bool
	preempts int
}

func newFakeArch(n int) *fakeArch {
	f := &fakeArch{halt: make(chan struct{})}
	for i := 0; i < n; i++ {
		f.cpus = append(f.cpus, &fakeCPU{num: i})
	}
	return f
}

func (f *fakeArch) NumCPUs() int               { return len(f.cpus) }
func (f *fakeArch) CPU(n int) arch.CPU         { return f.cpus[n] }
func (f *fakeArch) Now() arch.Time             { return f.now }
func (f *fakeArch) RetireContext(arch.Context) {}
func (f *fakeArch) StartCPU(int, arch.Context) {}

func (f *fakeArch) SetIRQHandler(arch.Vector, arch.Handler) {}
func (f *fakeArch) SetPreemptHandler(func(arch.CPU))        {}

func (f *fakeArch) InitializeThread(entry func(arch.CPU)) arch.Context {
	return &fakeContext{entry: entry}
}

func (f *fakeArch) ContextSwitch(cpu arch.CPU, old, new arch.Context) {
	f.switches = append(f.switches, fakeSwitch{cpu: cpu.Num(), from: old.(*fakeContext), to: new.(*fakeContext)})
}

func (f *fakeArch) SendIPI(mask arch.CPUMask, v arch.Vector) {
	f.ipis = append(f.ipis, mask)
}

func (f *fakeArch) Halt() {
	if !f.halted {
		f.halted = true
		close(f.halt)
	}
}

func (f *fakeArch) Halted() <-chan struct{} { return f.halt }

func (c *fakeCPU) Num() int { return c.num }

func (c *fakeCPU) DisableInts() bool {
	was := !c.disabled
	c.disabled = true
	return was
}

func (c *fakeCPU) RestoreInts(enabled bool) {
	if enabled {
		c.disabled = false
	}
}

func (c *fakeCPU) EnableInts()        { c.disabled = false }
func (c *fakeCPU) IntsDisabled() bool { return c.disabled }
func (c *fakeCPU) InIRQ() bool        { return c.inIRQ }
func (c *fakeCPU) Raise(arch.Vector)  {}
func (c *fakeCPU) TriggerPreempt()    { c.preempts++ }
func (c *fakeCPU) Idle()              {}
func (c *fakeCPU) Poll()              {}

// irq runs fn the way the interrupt entry path would on cpu n.
func (f *fakeArch) irq(n int, fn func(cpu arch.CPU)) {
	c := f.cpus[n]
	c.disabled = true
	c.inIRQ = true
	fn(c)
	c.inIRQ = false
}

// newTestKernel boots a kernel on a fake machine with every CPU active and
// running its idle thread.
func newTestKernel(t *testing.T, ncpu int, cfg Config) (*Kernel, *fakeArch) {
	t.Helper()
	f := newFakeArch(ncpu)
	cfg.Arch = f
	k, err := New(cfg)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	k.boot()
	for i := 0; i < ncpu; i++ {
		k.mp.setActive(i, true)
	}
	return k, f
}

func (k *Kernel) threadByID(t *testing.T, id ThreadID) *Thread {
	t.Helper()
	th := k.lookupLocked(id)
	if th == nil {
		t.Fatalf("thread %v not found", id)
	}
	return th
}

// spawn creates and resumes a thread from outside thread context.
func spawn(t *testing.T, k *Kernel, name string, prio int) *Thread {
	t.Helper()
	id, err := k.CreateThread(name, func(*Context, any) int { return 0 }, nil, prio, 0)
	if err != nil {
		t.Fatalf("CreateThread(%q) error = %v", name, err)
	}
	if err := k.Resume(id); err != nil {
		t.Fatalf("Resume(%q) error = %v", name, err)
	}
	return k.threadByID(t, id)
}

func current(k *Kernel, cpu int) *Thread { return k.cpus[cpu].current }

func checkInvariants(t *testing.T, k *Kernel) {
	t.Helper()
	if err := k.CheckInvariants(); err != nil {
		t.Fatalf("CheckInvariants() = %v", err)
	}
}

func expectFatal(t *testing.T, fn func()) *FatalError {
	t.Helper()
	var fe *FatalError
	func() {
		defer func() {
			r := recover()
			err, _ := r.(error)
			if !errors.As(err, &fe) {
				t.Fatalf("recover() = %v, want *FatalError", r)
			}
		}()
		fn()
	}()
	return fe
}

// queueOrder lists the run queue at priority p, head first.
func queueOrder(k *Kernel, p int) []string {
	var names []string
	for th := k.at(k.runQueue.heads[p]); th != nil; th = k.at(th.next) {
		names = append(names, th.name)
	}
	return names
}

func equalStrings(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// pendingTimers returns the number of timers queued on cpu.
func (k *Kernel) pendingTimers(cpu int) int {
	k.timerLock.Lock(externalHolder)
	defer k.timerLock.Unlock()
	n := 0
	for tm := k.cpus[cpu].timers; tm != nil; tm = tm.next {
		n++
	}
	return n
}
