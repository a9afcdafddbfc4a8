package kernel

import (
	"runtime"

	"ember/arch"
	"ember/spinlock"
)

const timerMagic = 0x74696d72 // 'timr'

// TimerCallback runs in interrupt context on the CPU the timer was queued on,
// with the arg the timer was armed with. It may reset or cancel its own timer.
type TimerCallback func(cpu arch.CPU, tm *Timer, now arch.Time, arg any) arch.HandlerReturn

// Timer is a one-shot or periodic callback driven by the system tick. A Timer
// must be initialized with Kernel.InitTimer before use.
type Timer struct {
	magic     uint32
	scheduled arch.Time
	period    arch.Time
	callback  TimerCallback
	arg       any

	cpu  int // queue the timer is on, -1 if none
	next *Timer
}

// InitTimer prepares caller-owned timer storage.
func (k *Kernel) InitTimer(tm *Timer) {
	*tm = Timer{magic: timerMagic, cpu: -1}
}

func (k *Kernel) lockTimers(cs *cpuState) spinlock.State {
	s, ok := spinlock.LockIRQSaveAbortable(&k.timerLock, cs.arch, k.arch.Halted())
	if !ok {
		runtime.Goexit()
	}
	return s
}

func (k *Kernel) unlockTimers(cs *cpuState, s spinlock.State) {
	spinlock.UnlockIRQRestore(&k.timerLock, cs.arch, s)
}

// enqueueTimerLocked inserts tm into cs's queue after every timer due at or
// before it.
func (k *Kernel) enqueueTimerLocked(cs *cpuState, tm *Timer) {
	tm.cpu = cs.num
	pp := &cs.timers
	for *pp != nil && (*pp).scheduled <= tm.scheduled {
		pp = &(*pp).next
	}
	tm.next = *pp
	*pp = tm
}

func (k *Kernel) dequeueTimerLocked(tm *Timer) {
	if tm.cpu < 0 {
		return
	}
	for pp := &k.cpus[tm.cpu].timers; *pp != nil; pp = &(*pp).next {
		if *pp == tm {
			*pp = tm.next
			break
		}
	}
	tm.next = nil
	tm.cpu = -1
}

// timerSet arms tm on cs to fire delay ticks from now, then every period
// ticks if period is non-zero. A zero delay fires on the next tick.
func (k *Kernel) timerSet(cs *cpuState, tm *Timer, delay, period arch.Time, cb TimerCallback, arg any) {
	k.assertf(tm.magic == timerMagic, "timer used uninitialized")
	k.assertf(cb != nil, "timer set without a callback")
	if delay == 0 {
		delay = 1
	}

	s := k.lockTimers(cs)
	k.assertf(tm.cpu < 0, "timer set while already queued")
	tm.scheduled = k.arch.Now() + delay
	tm.period = period
	tm.callback = cb
	tm.arg = arg
	k.enqueueTimerLocked(cs, tm)
	k.unlockTimers(cs, s)
}

// timerCancel removes tm from whatever queue it is on. Cancelling an idle
// timer is a no-op.
func (k *Kernel) timerCancel(cs *cpuState, tm *Timer) {
	k.assertf(tm.magic == timerMagic, "timer used uninitialized")
	s := k.lockTimers(cs)
	k.dequeueTimerLocked(tm)
	tm.period = 0
	tm.callback = nil
	tm.arg = nil
	k.unlockTimers(cs, s)
}

// SetOneshot arms tm to call cb once, delay ticks from now, on the calling
// thread's CPU.
func (c *Context) SetOneshot(tm *Timer, delay arch.Time, cb TimerCallback, arg any) {
	c.k.timerSet(c.k.cpus[c.t.currCPU], tm, delay, 0, cb, arg)
}

// SetPeriodic arms tm to call cb every period ticks, starting period ticks
// from now.
func (c *Context) SetPeriodic(tm *Timer, period arch.Time, cb TimerCallback, arg any) {
	if period == 0 {
		period = 1
	}
	c.k.timerSet(c.k.cpus[c.t.currCPU], tm, period, period, cb, arg)
}

// CancelTimer stops tm.
func (c *Context) CancelTimer(tm *Timer) {
	c.k.timerCancel(c.k.cpus[c.t.currCPU], tm)
}

// timerInterrupt runs every due timer on cpu, then charges the running
// thread for the tick.
func (k *Kernel) timerInterrupt(cpu arch.CPU) arch.HandlerReturn {
	cs := k.cpus[cpu.Num()]
	cs.stats.timerInts.Add(1)
	now := k.arch.Now()
	ret := arch.IntNoReschedule

	lockTimersIRQ := func() {
		if !k.timerLock.LockAbortable(cs.num, k.arch.Halted()) {
			runtime.Goexit()
		}
	}

	lockTimersIRQ()
	for {
		tm := cs.timers
		if tm == nil || tm.scheduled > now {
			break
		}
		cs.timers = tm.next
		tm.next = nil
		tm.cpu = -1
		// A thread cancelling tm from another CPU clears these once the
		// lock is dropped.
		cb, arg := tm.callback, tm.arg
		periodic := tm.period > 0
		k.timerLock.Unlock()

		cs.stats.timers.Add(1)
		if cb(cpu, tm, now, arg) == arch.IntReschedule {
			ret = arch.IntReschedule
		}

		lockTimersIRQ()
		// The callback may have cancelled or re-armed the timer.
		if periodic && tm.cpu < 0 && tm.period > 0 && tm.callback != nil {
			tm.scheduled += tm.period
			if tm.scheduled <= now {
				tm.scheduled = now + tm.period
			}
			k.enqueueTimerLocked(cs, tm)
		}
	}
	k.timerLock.Unlock()

	if k.threadTimerTick(cs) == arch.IntReschedule {
		ret = arch.IntReschedule
	}
	return ret
}
