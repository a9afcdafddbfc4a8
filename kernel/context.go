package kernel

import (
	"ember/arch"
)

// Context is the view a running thread has of itself and of the kernel. The
// kernel passes one to every thread entry; it must only be used by the thread
// it was given to, and by interrupt handlers running on that thread's CPU.
type Context struct {
	k *Kernel
	t *Thread
}

func (c *Context) Kernel() *Kernel { return c.k }
func (c *Context) ID() ThreadID    { return c.t.id }
func (c *Context) Name() string    { return c.t.name }
func (c *Context) Priority() int   { return c.t.priority }

// CPU returns the CPU the thread is running on right now.
func (c *Context) CPU() arch.CPU { return c.k.cpus[c.t.currCPU].arch }

// Now returns the current system time.
func (c *Context) Now() arch.Time { return c.k.arch.Now() }

// Stack returns the usable region of the thread's stack. The kernel fills it
// with a known pattern at creation to track the high-water mark.
func (c *Context) Stack() []byte {
	if c.t.flags&FlagStackBoundsCheck != 0 {
		return c.t.stack[stackGuardSize:]
	}
	return c.t.stack
}

// TLS returns a thread-local slot.
func (c *Context) TLS(entry int) uintptr {
	return c.t.tls[entry]
}

// SetTLS sets a thread-local slot and returns its previous value.
func (c *Context) SetTLS(entry int, v uintptr) uintptr {
	old := c.t.tls[entry]
	c.t.tls[entry] = v
	return old
}

// Checkpoint gives pending interrupts a chance to run. A thread computing for
// a long time without calling into the kernel must call it periodically to
// stay preemptible.
func (c *Context) Checkpoint() {
	c.CPU().Poll()
}

func (c *Context) checkRunning(op string) *cpuState {
	k, t := c.k, c.t
	k.assertf(t.magic == threadMagic, "%s: corrupt thread", op)
	k.assertf(t.state == StateRunning, "%s: thread %q in state %v", op, t.name, t.state)
	k.assertf(t.currCPU >= 0, "%s: thread %q not on a cpu", op, t.name)
	cs := k.cpus[t.currCPU]
	k.assertf(cs.current == t, "%s: thread %q is not current on cpu %d", op, t.name, cs.num)
	return cs
}

// Yield gives up the CPU to the other ready threads of the same or higher
// priority. The caller goes to the tail of its run queue.
func (c *Context) Yield() {
	k, t := c.k, c.t
	cs := c.checkRunning("yield")
	k.assertf(!cs.arch.InIRQ(), "yield in interrupt context")

	s := c.lock()
	cs.stats.yields.Add(1)
	t.state = StateReady
	t.remainingQuantum = 0
	if !t.isIdle() {
		k.runQueue.insertTail(k, t)
	}
	k.resched(cs)
	c.unlock(s)
}

// Preempt puts the thread back on the run queue, at the head if its time
// slice is not used up, and reschedules.
func (c *Context) Preempt() {
	k := c.k
	cs := c.checkRunning("preempt")
	k.assertf(!cs.arch.InIRQ(), "preempt in interrupt context")

	s := c.lock()
	k.preemptLocked(cs)
	c.unlock(s)
}

// Sleep puts the thread to sleep for at least delay ticks.
func (c *Context) Sleep(delay arch.Time) {
	k, t := c.k, c.t
	cs := c.checkRunning("sleep")
	k.assertf(!t.isIdle(), "idle thread %q cannot sleep", t.name)
	k.assertf(!cs.arch.InIRQ(), "sleep in interrupt context")

	var tm Timer
	k.InitTimer(&tm)

	s := c.lock()
	k.timerSet(cs, &tm, delay, 0, k.sleepExpired, t)
	t.state = StateSleeping
	t.link = linkTimer
	t.timer = &tm
	k.blockLocked(cs)
	c.unlock(s)
}

// sleepExpired wakes a sleeping thread from its timer.
func (k *Kernel) sleepExpired(cpu arch.CPU, tm *Timer, now arch.Time, arg any) arch.HandlerReturn {
	t := arg.(*Thread)
	k.lockIRQ(cpu)
	k.assertf(t.state == StateSleeping, "sleep timer fired for thread %q in state %v", t.name, t.state)
	t.link = linkNone
	t.timer = nil
	k.readyLocked(t, cpu.Num())
	k.threadLock.Unlock()
	return arch.IntReschedule
}

// Exit terminates the calling thread with retcode. It never returns.
func (c *Context) Exit(retcode int) {
	k, t := c.k, c.t
	cs := c.checkRunning("exit")
	k.assertf(!t.isIdle(), "idle thread %q cannot exit", t.name)
	k.assertf(!cs.arch.InIRQ(), "exit in interrupt context")

	if k.cfg.Verbose {
		k.logf("thread: %v %q exited with %d", t.id, t.name, retcode)
	}

	c.lock()
	t.state = StateDeath
	t.retcode = retcode
	if t.id == k.mainID {
		k.mainExited(retcode)
	}
	if t.flags&FlagDetached != 0 {
		k.reapLocked(t)
	} else {
		k.wakeAllLocked(c, &t.retcodeWaitQueue, false, nil)
	}
	k.arch.RetireContext(t.arch)
	k.resched(cs)

	k.fatalf("thread %q resumed after exit", t.name)
}

// SetPriority changes the calling thread's priority and reschedules. The
// priority is clamped to the range above the idle priority.
func (c *Context) SetPriority(priority int) {
	k, t := c.k, c.t
	cs := c.checkRunning("set priority")
	if priority <= IdlePriority {
		priority = IdlePriority + 1
	}
	if priority > HighestPriority {
		priority = HighestPriority
	}

	s := c.lock()
	t.priority = priority
	t.state = StateReady
	k.runQueue.insertHead(k, t)
	k.resched(cs)
	c.unlock(s)
}

// SetName renames the calling thread.
func (c *Context) SetName(name string) {
	s := c.lock()
	c.t.name = truncateName(name)
	c.unlock(s)
}

// CreateThread creates a suspended thread that inherits the caller's TLS.
func (c *Context) CreateThread(name string, entry Entry, arg any, priority int, stackSize int) (ThreadID, error) {
	return c.k.createThread(c, nil, name, entry, arg, priority, nil, stackSize)
}

// CreateThreadEtc is CreateThread with optional caller-owned storage.
func (c *Context) CreateThreadEtc(t *Thread, name string, entry Entry, arg any, priority int, stack []byte, stackSize int) (ThreadID, error) {
	return c.k.createThread(c, t, name, entry, arg, priority, stack, stackSize)
}

// Resume makes a suspended thread ready, preempting the caller right away if
// the resumed thread's priority is at least as high.
func (c *Context) Resume(id ThreadID) error {
	return c.k.resume(c, id)
}

// Detach is Kernel.Detach from thread context.
func (c *Context) Detach(id ThreadID) {
	c.k.detach(c, id)
}

// SetRealTime is Kernel.SetRealTime from thread context.
func (c *Context) SetRealTime(id ThreadID) {
	c.k.setRealTime(c, id)
}

// DetachAndResume detaches id and then resumes it.
func (c *Context) DetachAndResume(id ThreadID) error {
	c.Detach(id)
	return c.Resume(id)
}

// Join waits up to timeout ticks for id to exit, reaps it and returns its
// exit code. It fails with ErrTimedOut, or with ErrThreadDetached if id is
// detached while the caller waits.
func (c *Context) Join(id ThreadID, timeout arch.Time) (int, error) {
	k := c.k
	c.checkRunning("join")

	s := c.lock()
	t := k.lookupLocked(id)
	switch {
	case t == nil:
		c.unlock(s)
		k.fatalf("join: invalid thread %v", id)
	case t == c.t:
		c.unlock(s)
		k.fatalf("join: thread %q joining itself", t.name)
	case t.flags&FlagDetached != 0:
		c.unlock(s)
		k.fatalf("join: thread %q is detached", t.name)
	}

	if t.state != StateDeath {
		if err := t.retcodeWaitQueue.blockLocked(c, timeout); err != nil {
			c.unlock(s)
			return 0, err
		}
		if t.magic != threadMagic || t.id != id {
			c.unlock(s)
			k.fatalf("join: thread %v reaped by another joiner", id)
		}
	}
	k.assertf(t.state == StateDeath, "join: thread %q woke joiner in state %v", t.name, t.state)

	ret := t.retcode
	k.reapLocked(t)
	c.unlock(s)
	return ret, nil
}

// Unblock wakes id out of the wait queue it is blocked on, making the wait
// return err. It returns ErrNotBlocked if id is not blocked.
func (c *Context) Unblock(id ThreadID, err error) error {
	k := c.k
	s := c.lock()
	defer c.unlock(s)
	t := k.mustLookupLocked(id, "unblock")
	return k.unblockFromWaitQueueLocked(t, err, c.t.currCPU)
}
