package app

import (
	"ember/kernel"
)

const mailboxSlots = 8

// message is one unit of demo work.
type message struct {
	From kernel.ThreadID
	Seq  uint32
	Data uint64
}

// mailbox is a bounded FIFO between kernel threads. Senders block while it
// is full and receivers while it is empty. Its state is guarded by the
// scheduler lock, which also makes the check-then-block step atomic.
type mailbox struct {
	head, count int
	slots       [mailboxSlots]message
	closed      bool

	notFull  *kernel.WaitQueue
	notEmpty *kernel.WaitQueue
}

func newMailbox(k *kernel.Kernel) *mailbox {
	return &mailbox{notFull: k.NewWaitQueue(), notEmpty: k.NewWaitQueue()}
}

func (mb *mailbox) pushLocked(msg message) {
	mb.slots[(mb.head+mb.count)%mailboxSlots] = msg
	mb.count++
}

func (mb *mailbox) popLocked() message {
	msg := mb.slots[mb.head]
	mb.head = (mb.head + 1) % mailboxSlots
	mb.count--
	return msg
}

// TrySend enqueues msg unless the mailbox is full or closed.
func (mb *mailbox) TrySend(c *kernel.Context, msg message) bool {
	s := c.LockScheduler()
	defer c.UnlockScheduler(s)
	if mb.closed || mb.count == mailboxSlots {
		return false
	}
	mb.pushLocked(msg)
	mb.notEmpty.WakeOneLocked(c, false, nil)
	return true
}

// Send enqueues msg, blocking while the mailbox is full. It fails with
// kernel.ErrObjectDestroyed once the mailbox is closed.
func (mb *mailbox) Send(c *kernel.Context, msg message) error {
	s := c.LockScheduler()
	defer c.UnlockScheduler(s)
	for !mb.closed && mb.count == mailboxSlots {
		if err := mb.notFull.BlockLocked(c, kernel.InfiniteTime); err != nil {
			return err
		}
	}
	if mb.closed {
		return kernel.ErrObjectDestroyed
	}
	mb.pushLocked(msg)
	mb.notEmpty.WakeOneLocked(c, false, nil)
	return nil
}

// TryRecv dequeues one message if there is one.
func (mb *mailbox) TryRecv(c *kernel.Context) (message, bool) {
	s := c.LockScheduler()
	defer c.UnlockScheduler(s)
	if mb.count == 0 {
		return message{}, false
	}
	msg := mb.popLocked()
	mb.notFull.WakeOneLocked(c, false, nil)
	return msg, true
}

// Recv dequeues one message, blocking while the mailbox is empty. Messages
// queued before Close are still delivered; after that it fails with
// kernel.ErrObjectDestroyed.
func (mb *mailbox) Recv(c *kernel.Context) (message, error) {
	s := c.LockScheduler()
	defer c.UnlockScheduler(s)
	for mb.count == 0 {
		if mb.closed {
			return message{}, kernel.ErrObjectDestroyed
		}
		if err := mb.notEmpty.BlockLocked(c, kernel.InfiniteTime); err != nil && mb.count == 0 {
			return message{}, err
		}
	}
	msg := mb.popLocked()
	mb.notFull.WakeOneLocked(c, false, nil)
	return msg, nil
}

// Close wakes every blocked sender and receiver. Both queues stay usable for
// the wakeups; later operations see the closed flag instead.
func (mb *mailbox) Close(c *kernel.Context) {
	s := c.LockScheduler()
	defer c.UnlockScheduler(s)
	if mb.closed {
		return
	}
	mb.closed = true
	mb.notFull.WakeAllLocked(c, false, kernel.ErrObjectDestroyed)
	mb.notEmpty.WakeAllLocked(c, false, kernel.ErrObjectDestroyed)
}

// Len returns the number of queued messages.
func (mb *mailbox) Len(c *kernel.Context) int {
	s := c.LockScheduler()
	defer c.UnlockScheduler(s)
	return mb.count
}
