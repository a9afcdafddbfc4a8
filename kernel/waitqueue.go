package kernel

import (
	"ember/arch"
)

const waitQueueMagic = 0x77616974 // 'wait'

// WaitQueue is a FIFO of threads blocked on some condition. A WaitQueue must
// be initialized by Kernel.InitWaitQueue or created by Kernel.NewWaitQueue.
type WaitQueue struct {
	magic      uint32
	k          *Kernel
	head, tail slotRef
	count      int
}

// NewWaitQueue returns an initialized wait queue.
func (k *Kernel) NewWaitQueue() *WaitQueue {
	wq := new(WaitQueue)
	k.initWaitQueue(wq)
	return wq
}

// InitWaitQueue initializes caller-owned wait queue storage.
func (k *Kernel) InitWaitQueue(wq *WaitQueue) {
	k.initWaitQueue(wq)
}

func (k *Kernel) initWaitQueue(wq *WaitQueue) {
	*wq = WaitQueue{magic: waitQueueMagic, k: k}
}

// Len returns the number of threads blocked on wq, or 0 once the machine
// has halted with the scheduler lock held.
func (wq *WaitQueue) Len() int {
	ls, err := wq.k.lockFrom(nil)
	if err != nil {
		return 0
	}
	defer wq.k.unlockFrom(ls)
	return wq.count
}

func (wq *WaitQueue) check(k *Kernel) {
	if wq.magic != waitQueueMagic || wq.k != k {
		k.fatalf("wait queue %p used uninitialized or after destroy", wq)
	}
}

func (wq *WaitQueue) pushTail(k *Kernel, t *Thread) {
	k.assertf(t.link == linkNone, "thread %q blocking while on another list", t.name)
	r := t.ref()
	t.link = linkWaitQueue
	t.next = 0
	t.prev = wq.tail
	if tl := k.at(wq.tail); tl != nil {
		tl.next = r
	} else {
		wq.head = r
	}
	wq.tail = r
	wq.count++
}

func (wq *WaitQueue) remove(k *Kernel, t *Thread) {
	k.assertf(t.link == linkWaitQueue && t.blockingWaitQueue == wq,
		"thread %q not on wait queue %p", t.name, wq)
	if prev := k.at(t.prev); prev != nil {
		prev.next = t.next
	} else {
		wq.head = t.next
	}
	if next := k.at(t.next); next != nil {
		next.prev = t.prev
	} else {
		wq.tail = t.prev
	}
	t.next, t.prev = 0, 0
	t.link = linkNone
	t.blockingWaitQueue = nil
	wq.count--
}

// Block puts the calling thread to sleep on wq for up to timeout ticks. A
// timeout of zero fails immediately with ErrTimedOut and InfiniteTime never
// expires. It returns the status passed to the wake that released the
// thread.
func (wq *WaitQueue) Block(c *Context, timeout arch.Time) error {
	s := c.lock()
	err := wq.blockLocked(c, timeout)
	c.unlock(s)
	return err
}

// BlockLocked is Block for a caller that already holds the scheduler lock
// through Context.LockScheduler. The lock is still held on return.
func (wq *WaitQueue) BlockLocked(c *Context, timeout arch.Time) error {
	return wq.blockLocked(c, timeout)
}

func (wq *WaitQueue) blockLocked(c *Context, timeout arch.Time) error {
	k, t := c.k, c.t
	wq.check(k)
	cs := c.checkRunning("wait queue block")
	k.assertf(k.threadLock.HeldBy(cs.num), "wait queue block without the thread lock")

	if timeout == 0 {
		return ErrTimedOut
	}

	wq.pushTail(k, t)
	t.state = StateBlocked
	t.blockingWaitQueue = wq
	t.waitQueueBlockRet = nil

	var tm Timer
	if timeout != InfiniteTime {
		k.InitTimer(&tm)
		k.timerSet(cs, &tm, timeout, 0, k.waitQueueTimeout, t)
		t.timer = &tm
	}

	k.blockLocked(cs)

	if timeout != InfiniteTime {
		t.timer = nil
		k.timerCancel(k.cpus[t.currCPU], &tm)
	}
	return t.waitQueueBlockRet
}

// waitQueueTimeout releases a thread whose wait timed out.
func (k *Kernel) waitQueueTimeout(cpu arch.CPU, tm *Timer, now arch.Time, arg any) arch.HandlerReturn {
	t := arg.(*Thread)
	k.lockIRQ(cpu)
	defer k.threadLock.Unlock()
	// A wake may have raced the timeout; the thread has moved on since.
	if t.timer != tm {
		return arch.IntNoReschedule
	}
	if k.unblockFromWaitQueueLocked(t, ErrTimedOut, cpu.Num()) != nil {
		return arch.IntNoReschedule
	}
	return arch.IntReschedule
}

// unblockFromWaitQueueLocked pulls t off the queue it is blocked on.
func (k *Kernel) unblockFromWaitQueueLocked(t *Thread, err error, local int) error {
	k.assertf(t.magic == threadMagic, "unblock of a corrupt thread")
	if t.state != StateBlocked {
		return ErrNotBlocked
	}
	wq := t.blockingWaitQueue
	wq.check(k)
	wq.remove(k, t)
	t.waitQueueBlockRet = err
	k.readyLocked(t, local)
	return nil
}

// WakeOne releases the longest waiting thread, which sees err as the result
// of its Block. With resched set, the caller is preempted right away when the
// woken thread's priority is at least as high. c is nil when called from
// outside thread context. It returns the number of threads woken.
func (wq *WaitQueue) WakeOne(c *Context, resched bool, err error) int {
	k := wq.k
	ls, err := k.lockFrom(c)
	if err != nil {
		return 0
	}
	n := k.wakeOneLocked(c, wq, resched, err)
	k.unlockFrom(ls)
	return n
}

// WakeAll releases every waiting thread in FIFO order.
func (wq *WaitQueue) WakeAll(c *Context, resched bool, err error) int {
	k := wq.k
	ls, err := k.lockFrom(c)
	if err != nil {
		return 0
	}
	n := k.wakeAllLocked(c, wq, resched, err)
	k.unlockFrom(ls)
	return n
}

// Destroy wakes every waiter with ErrObjectDestroyed and invalidates wq.
func (wq *WaitQueue) Destroy(c *Context, resched bool) {
	k := wq.k
	ls, err := k.lockFrom(c)
	if err != nil {
		return
	}
	k.wakeAllLocked(c, wq, resched, ErrObjectDestroyed)
	wq.magic = 0
	k.unlockFrom(ls)
}

// WakeOneLocked is WakeOne under a scheduler lock taken with
// Context.LockScheduler.
func (wq *WaitQueue) WakeOneLocked(c *Context, resched bool, err error) int {
	wq.k.assertf(wq.k.threadLock.Held(), "wait queue wake without the thread lock")
	return wq.k.wakeOneLocked(c, wq, resched, err)
}

// WakeAllLocked is WakeAll under a scheduler lock taken with
// Context.LockScheduler.
func (wq *WaitQueue) WakeAllLocked(c *Context, resched bool, err error) int {
	wq.k.assertf(wq.k.threadLock.Held(), "wait queue wake without the thread lock")
	return wq.k.wakeAllLocked(c, wq, resched, err)
}

// LenLocked returns the number of waiters under a held scheduler lock.
func (wq *WaitQueue) LenLocked() int { return wq.count }

func localCPU(c *Context) int {
	if c == nil {
		return -1
	}
	return c.t.currCPU
}

func (k *Kernel) wakeOneLocked(c *Context, wq *WaitQueue, resched bool, err error) int {
	wq.check(k)
	t := k.at(wq.head)
	if t == nil {
		return 0
	}
	wq.remove(k, t)
	t.waitQueueBlockRet = err
	k.readyLocked(t, localCPU(c))
	if resched && c != nil {
		k.preemptForLocked(k.cpus[c.t.currCPU], t.priority)
	}
	return 1
}

func (k *Kernel) wakeAllLocked(c *Context, wq *WaitQueue, resched bool, err error) int {
	wq.check(k)
	n := 0
	top := -1
	for t := k.at(wq.head); t != nil; t = k.at(wq.head) {
		wq.remove(k, t)
		t.waitQueueBlockRet = err
		k.readyLocked(t, localCPU(c))
		if t.priority > top {
			top = t.priority
		}
		n++
	}
	if n > 0 && resched && c != nil {
		k.preemptForLocked(k.cpus[c.t.currCPU], top)
	}
	return n
}
