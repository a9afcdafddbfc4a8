package arch

import (
	"context"
	"fmt"
	"math/bits"
	"runtime"
	"sync"
	"sync/atomic"
	"time"
)

// Host is an Arch that runs on top of the Go runtime.
//
// Every thread context is a goroutine. Only the goroutine whose context is
// current on a CPU executes; all others are parked on their wake channel.
// Interrupts are delivered at interrupt-enable transitions, at Poll, and while
// a CPU idles, always on the goroutine currently running on that CPU.
type Host struct {
	cpus []*hostCPU
	now  atomic.Uint64

	handlers [NumVectors]atomic.Pointer[Handler]
	preempt  atomic.Pointer[func(CPU)]

	halt     chan struct{}
	haltOnce sync.Once
}

var _ Arch = (*Host)(nil)

// NewHost creates a host machine with n logical CPUs.
func NewHost(n int) *Host {
	if n <= 0 {
		n = 1
	}
	if n > MaxCPUs {
		n = MaxCPUs
	}
	h := &Host{halt: make(chan struct{})}
	h.cpus = make([]*hostCPU, n)
	for i := range h.cpus {
		h.cpus[i] = &hostCPU{h: h, num: i, signal: make(chan struct{}, 1)}
		// CPUs come out of reset with interrupts masked.
		h.cpus[i].disabled.Store(true)
	}
	return h
}

func (h *Host) NumCPUs() int  { return len(h.cpus) }
func (h *Host) CPU(n int) CPU { return h.cpus[n] }
func (h *Host) Now() Time     { return Time(h.now.Load()) }

func (h *Host) Halted() <-chan struct{} { return h.halt }

// Tick advances the clock by one tick and raises the timer on every CPU.
func (h *Host) Tick() {
	h.now.Add(1)
	for _, c := range h.cpus {
		c.Raise(VectorTimer)
	}
}

// RunTicker calls Tick every d until ctx is done or the machine halts.
func (h *Host) RunTicker(ctx context.Context, d time.Duration) {
	t := time.NewTicker(d)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-h.halt:
			return
		case <-t.C:
			h.Tick()
		}
	}
}

func (h *Host) SetIRQHandler(v Vector, fn Handler) {
	if fn == nil {
		h.handlers[v].Store(nil)
		return
	}
	h.handlers[v].Store(&fn)
}

func (h *Host) SetPreemptHandler(fn func(CPU)) {
	h.preempt.Store(&fn)
}

func (h *Host) SendIPI(mask CPUMask, v Vector) {
	for _, c := range h.cpus {
		if mask.Has(c.num) {
			c.Raise(v)
		}
	}
}

func (h *Host) Halt() {
	h.haltOnce.Do(func() { close(h.halt) })
}

func (h *Host) halted() bool {
	select {
	case <-h.halt:
		return true
	default:
		return false
	}
}

// hostContext is the saved state of one thread: its goroutine, parked or not.
type hostContext struct {
	entry   func(CPU)
	started atomic.Bool
	retired atomic.Bool
	wake    chan *hostCPU
	cpu     atomic.Pointer[hostCPU]
}

func (h *Host) InitializeThread(entry func(CPU)) Context {
	return &hostContext{entry: entry, wake: make(chan *hostCPU, 1)}
}

func (h *Host) RetireContext(ctx Context) {
	ctx.(*hostContext).retired.Store(true)
}

func (h *Host) StartCPU(n int, ctx Context) {
	x := ctx.(*hostContext)
	c := h.cpus[n]
	if !x.started.CompareAndSwap(false, true) {
		panic(&ProtocolError{CPU: n, Reason: "boot context already running"})
	}
	c.cur.Store(x)
	x.cpu.Store(c)
	go x.run(c)
}

func (h *Host) ContextSwitch(cpu CPU, old, new Context) {
	c := cpu.(*hostCPU)
	o := old.(*hostContext)
	n := new.(*hostContext)

	if !c.disabled.Load() {
		panic(&ProtocolError{CPU: c.num, Reason: "context switch with interrupts enabled"})
	}
	if o == n {
		panic(&ProtocolError{CPU: c.num, Reason: "context switch to self"})
	}
	if !c.prev.CompareAndSwap(nil, o) {
		panic(&ProtocolError{CPU: c.num, Reason: "context switch while a previous switch is unfinished"})
	}

	c.cur.Store(n)
	n.cpu.Store(c)
	if n.started.CompareAndSwap(false, true) {
		go n.run(c)
	} else {
		n.wake <- c
	}

	o.park(h)
}

// run is the body of a context's goroutine.
func (x *hostContext) run(c *hostCPU) {
	c.prev.Store(nil)
	x.entry(c)
	panic(&ProtocolError{CPU: c.num, Reason: "thread entry returned"})
}

// park blocks until the context is switched to again.
func (x *hostContext) park(h *Host) {
	if x.retired.Load() {
		runtime.Goexit()
	}
	select {
	case c := <-x.wake:
		if c.prev.Swap(nil) == nil {
			panic(&ProtocolError{CPU: c.num, Reason: "resumed without an outgoing context"})
		}
	case <-h.halt:
		runtime.Goexit()
	}
}

type hostCPU struct {
	h   *Host
	num int

	disabled       atomic.Bool
	irqDepth       atomic.Int32
	pending        atomic.Uint32
	preemptPending atomic.Bool
	signal         chan struct{}

	// cur is the context executing on this CPU; prev is the outgoing context
	// of an in-flight switch, cleared by the incoming one.
	cur  atomic.Pointer[hostContext]
	prev atomic.Pointer[hostContext]
}

func (c *hostCPU) Num() int { return c.num }

func (c *hostCPU) String() string { return fmt.Sprintf("cpu%d", c.num) }

func (c *hostCPU) DisableInts() bool {
	return !c.disabled.Swap(true)
}

func (c *hostCPU) RestoreInts(enabled bool) {
	if enabled {
		c.EnableInts()
	}
}

func (c *hostCPU) EnableInts() {
	if c.irqDepth.Load() > 0 {
		panic(&ProtocolError{CPU: c.num, Reason: "interrupts enabled inside a handler"})
	}
	c.disabled.Store(false)
	c.Poll()
}

func (c *hostCPU) IntsDisabled() bool { return c.disabled.Load() }
func (c *hostCPU) InIRQ() bool        { return c.irqDepth.Load() > 0 }

func (c *hostCPU) Raise(v Vector) {
	bit := uint32(1) << v
	for {
		old := c.pending.Load()
		if old&bit != 0 || c.pending.CompareAndSwap(old, old|bit) {
			break
		}
	}
	select {
	case c.signal <- struct{}{}:
	default:
	}
}

func (c *hostCPU) TriggerPreempt() {
	c.preemptPending.Store(true)
	if !c.InIRQ() && !c.disabled.Load() {
		c.Poll()
	}
}

func (c *hostCPU) Idle() {
	if c.pending.Load() == 0 && !c.preemptPending.Load() {
		select {
		case <-c.signal:
		case <-c.h.halt:
			runtime.Goexit()
		}
	}
	c.Poll()
}

func (c *hostCPU) Poll() {
	for !c.disabled.Load() && (c.pending.Load() != 0 || c.preemptPending.Load()) {
		c = c.dispatch()
	}
}

// dispatch services pending vectors, then any deferred preemption, and
// returns the CPU the calling context runs on afterwards with interrupts
// enabled again.
func (c *hostCPU) dispatch() *hostCPU {
	if c.h.halted() {
		runtime.Goexit()
	}
	self := c.cur.Load()

	c.disabled.Store(true)
	c.irqDepth.Add(1)
	for {
		p := c.pending.Swap(0)
		if p == 0 {
			break
		}
		for p != 0 {
			v := Vector(bits.TrailingZeros32(p))
			p &^= 1 << v
			fn := c.h.handlers[v].Load()
			if fn != nil && (*fn)(c, v) == IntReschedule {
				c.preemptPending.Store(true)
			}
		}
	}
	c.irqDepth.Add(-1)

	if c.preemptPending.Swap(false) {
		if fn := c.h.preempt.Load(); fn != nil {
			(*fn)(c)
		}
		// The preemption may have switched us out; we can resume elsewhere.
		if self != nil {
			c = self.cpu.Load()
		}
	}

	c.disabled.Store(false)
	return c
}
