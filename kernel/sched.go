package kernel

import (
	"runtime"

	"ember/arch"
	"ember/spinlock"
)

// externalHolder is the lock holder id used by callers outside thread context.
// They take the k.foreign token first, so at most one of them spins under
// this id.
const externalHolder = arch.MaxCPUs

// lockState is what a lock helper hands back to its matching unlock.
type lockState struct {
	s       spinlock.State
	foreign bool
}

// lockFrom takes the thread lock on behalf of c, or of an outside goroutine
// when c is nil. An outside caller gets ErrHalted if the machine halted while
// someone held the lock.
func (k *Kernel) lockFrom(c *Context) (lockState, error) {
	if c != nil {
		return lockState{s: c.lock()}, nil
	}
	select {
	case k.foreign <- struct{}{}:
	default:
		// A caller that died in a fatal error keeps the token.
		select {
		case k.foreign <- struct{}{}:
		case <-k.arch.Halted():
			return lockState{}, ErrHalted
		}
	}
	if !k.threadLock.LockAbortable(externalHolder, k.arch.Halted()) {
		<-k.foreign
		return lockState{}, ErrHalted
	}
	return lockState{foreign: true}, nil
}

func (k *Kernel) unlockFrom(ls lockState) {
	k.unlockThreads(ls.s)
	if ls.foreign {
		<-k.foreign
	}
}

// lock takes the thread lock from thread context with interrupts masked.
func (c *Context) lock() spinlock.State {
	k := c.k
	cpu := k.cpus[c.t.currCPU].arch
	s, ok := spinlock.LockIRQSaveAbortable(&k.threadLock, cpu, k.arch.Halted())
	if !ok {
		runtime.Goexit()
	}
	return s
}

func (c *Context) unlock(s spinlock.State) {
	c.k.unlockThreads(s)
}

// LockScheduler takes the scheduler lock so that a synchronization
// primitive can test its condition and block or wake atomically with the
// *Locked wait queue calls. Pair it with UnlockScheduler.
func (c *Context) LockScheduler() spinlock.State {
	c.checkRunning("lock scheduler")
	return c.lock()
}

// UnlockScheduler releases a lock taken by LockScheduler.
func (c *Context) UnlockScheduler(s spinlock.State) {
	c.unlock(s)
}

// unlockThreads releases the thread lock on the CPU that holds it, which is
// the CPU the caller runs on now even if it was switched out and resumed
// elsewhere while holding it.
func (k *Kernel) unlockThreads(s spinlock.State) {
	h := k.threadLock.Holder()
	if h < 0 || h >= len(k.cpus) {
		k.threadLock.Unlock()
		return
	}
	spinlock.UnlockIRQRestore(&k.threadLock, k.cpus[h].arch, s)
}

// lockIRQ takes the thread lock from interrupt context, where interrupts are
// already masked.
func (k *Kernel) lockIRQ(cpu arch.CPU) {
	if !k.threadLock.LockAbortable(cpu.Num(), k.arch.Halted()) {
		runtime.Goexit()
	}
}

// resched switches cs to the best runnable thread. The caller holds the
// thread lock with interrupts masked and has already moved the current thread
// out of RUNNING, queueing it again if it is still runnable.
func (k *Kernel) resched(cs *cpuState) {
	old := cs.current
	k.assertf(k.threadLock.HeldBy(cs.num), "resched on cpu %d without the thread lock", cs.num)
	k.assertf(cs.arch.IntsDisabled(), "resched on cpu %d with interrupts enabled", cs.num)
	k.assertf(old.state != StateRunning, "resched with thread %q still running", old.name)

	cs.stats.reschedules.Add(1)

	next := k.runQueue.popTop(k, cs.num)
	if next == nil {
		next = cs.idle
	}
	k.assertf(next.state == StateReady, "resched picked thread %q in state %v", next.name, next.state)
	k.assertf(next.magic == threadMagic, "resched picked a corrupt thread")

	next.state = StateRunning
	if next.remainingQuantum <= 0 {
		next.remainingQuantum = k.cfg.Quantum
	}
	if next == old {
		return
	}

	now := k.arch.Now()
	if old.isIdle() {
		cs.stats.idleTime.Add(uint64(now - arch.Time(cs.stats.lastIdleTimestamp.Load())))
	}
	if next.isIdle() {
		cs.stats.lastIdleTimestamp.Store(uint64(now))
	}
	old.totalRunTime += now - old.lastRunTimestamp
	next.lastRunTimestamp = now
	next.schedules++
	cs.stats.contextSwitches.Add(1)

	k.mp.setIdle(cs.num, next.isIdle())
	k.mp.setRealtime(cs.num, next.isRealTime())

	k.checkStackGuard(old)

	if obs := k.cfg.Observer; obs != nil {
		obs.ObserveSwitch(SwitchEvent{
			CPU:       cs.num,
			Time:      now,
			From:      old.id,
			FromName:  old.name,
			FromState: old.state,
			To:        next.id,
			ToName:    next.name,
			Priority:  next.priority,
		})
	}

	old.currCPU = -1
	next.currCPU = cs.num
	cs.current = next
	k.arch.ContextSwitch(cs.arch, old.arch, next.arch)
}

// preemptLocked puts the running thread back on the run queue and
// reschedules. A thread with quantum left goes to the head of its priority,
// otherwise to the tail.
func (k *Kernel) preemptLocked(cs *cpuState) {
	cur := cs.current
	k.assertf(cur.state == StateRunning, "preempt of thread %q in state %v", cur.name, cur.state)

	cur.state = StateReady
	if !cur.isIdle() {
		cs.stats.preempts.Add(1)
		if cur.remainingQuantum > 0 {
			k.runQueue.insertHead(k, cur)
		} else {
			k.runQueue.insertTail(k, cur)
		}
	}
	k.resched(cs)
}

// preemptForLocked preempts the thread running on cs if a thread of priority
// prio was just made ready and may run ahead of it. From interrupt context
// the preemption is deferred to interrupt exit.
func (k *Kernel) preemptForLocked(cs *cpuState, prio int) {
	cur := cs.current
	if !cur.isIdle() && prio < cur.priority {
		return
	}
	if cs.arch.InIRQ() {
		cs.arch.TriggerPreempt()
		return
	}
	k.preemptLocked(cs)
}

// blockLocked switches away from a current thread that has already been put
// into BLOCKED or SLEEPING and linked onto whatever will wake it.
func (k *Kernel) blockLocked(cs *cpuState) {
	cur := cs.current
	k.assertf(cur.state == StateBlocked || cur.state == StateSleeping,
		"block of thread %q in state %v", cur.name, cur.state)
	k.assertf(!cur.isIdle(), "idle thread %q cannot block", cur.name)
	k.assertf(!cs.arch.InIRQ(), "blocking in interrupt context on cpu %d", cs.num)
	k.resched(cs)
}

// readyLocked moves a woken thread to the tail of its run queue and tells
// other CPUs about it. local is the CPU doing the waking, or -1.
func (k *Kernel) readyLocked(t *Thread, local int) {
	t.state = StateReady
	k.runQueue.insertTail(k, t)
	k.wakeupCPUsFor(t, local)
}

// wakeupCPUsFor nudges the CPUs that could run t.
func (k *Kernel) wakeupCPUsFor(t *Thread, local int) {
	mask := arch.CPUMaskAll
	if t.pinnedCPU >= 0 {
		mask = 1 << uint(t.pinnedCPU)
	}
	k.mpReschedule(mask, local, false)
}

// threadTimerTick charges the running thread one tick of its quantum.
func (k *Kernel) threadTimerTick(cs *cpuState) arch.HandlerReturn {
	k.lockIRQ(cs.arch)
	defer k.threadLock.Unlock()

	cur := cs.current
	if cur.isRealTimeOrIdle() {
		return arch.IntNoReschedule
	}
	cur.remainingQuantum--
	if cur.remainingQuantum <= 0 {
		return arch.IntReschedule
	}
	return arch.IntNoReschedule
}

// handlePreempt is the deferred preemption run at interrupt exit.
func (k *Kernel) handlePreempt(cpu arch.CPU) {
	cs := k.cpus[cpu.Num()]
	k.lockIRQ(cpu)
	k.preemptLocked(cs)
	k.threadLock.Unlock()
}

func (k *Kernel) handleRescheduleIPI(cpu arch.CPU, _ arch.Vector) arch.HandlerReturn {
	cs := k.cpus[cpu.Num()]
	cs.stats.rescheduleIPIs.Add(1)
	if !k.mp.isActive(cs.num) {
		return arch.IntNoReschedule
	}
	return arch.IntReschedule
}

// IRQHandler services a device interrupt. c is the context of the thread the
// interrupt arrived on; handlers may wake threads through it but never block.
type IRQHandler func(c *Context, v arch.Vector) arch.HandlerReturn

// SetIRQHandler installs h for vector v on every CPU.
func (k *Kernel) SetIRQHandler(v arch.Vector, h IRQHandler) error {
	if v < arch.VectorDevice || v >= arch.NumVectors {
		return ErrInvalidArgs
	}
	if h == nil {
		k.arch.SetIRQHandler(v, nil)
		return nil
	}
	k.arch.SetIRQHandler(v, func(cpu arch.CPU, v arch.Vector) arch.HandlerReturn {
		cs := k.cpus[cpu.Num()]
		cs.stats.interrupts.Add(1)
		return h(&cs.current.ctx, v)
	})
	return nil
}

func (k *Kernel) installHandlers() {
	k.arch.SetIRQHandler(arch.VectorTimer, func(cpu arch.CPU, v arch.Vector) arch.HandlerReturn {
		k.cpus[cpu.Num()].stats.interrupts.Add(1)
		return k.timerInterrupt(cpu)
	})
	k.arch.SetIRQHandler(arch.VectorReschedule, func(cpu arch.CPU, v arch.Vector) arch.HandlerReturn {
		k.cpus[cpu.Num()].stats.interrupts.Add(1)
		return k.handleRescheduleIPI(cpu, v)
	})
	k.arch.SetPreemptHandler(k.handlePreempt)
}
