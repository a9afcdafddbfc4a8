package kernel

import "math/bits"

// runQueue holds every READY thread except idle threads: one FIFO list per
// priority plus a bitmap of the non-empty lists.
type runQueue struct {
	heads, tails [NumPriorities]slotRef
	bitmap       uint32
	count        int
}

func (q *runQueue) checkInsert(k *Kernel, t *Thread) {
	k.assertf(k.threadLock.Held(), "run queue insert without the thread lock")
	k.assertf(t.state == StateReady, "run queue insert of thread %q in state %v", t.name, t.state)
	k.assertf(t.link == linkNone, "run queue insert of thread %q already on a list", t.name)
	k.assertf(!t.isIdle(), "run queue insert of idle thread %q", t.name)
}

// insertHead queues t to run before every other thread of its priority.
func (q *runQueue) insertHead(k *Kernel, t *Thread) {
	q.checkInsert(k, t)
	p := t.priority
	r := t.ref()
	t.link = linkRunQueue
	t.prev = 0
	t.next = q.heads[p]
	if h := k.at(q.heads[p]); h != nil {
		h.prev = r
	} else {
		q.tails[p] = r
	}
	q.heads[p] = r
	q.bitmap |= 1 << uint(p)
	q.count++
}

// insertTail queues t to run after every other thread of its priority.
func (q *runQueue) insertTail(k *Kernel, t *Thread) {
	q.checkInsert(k, t)
	p := t.priority
	r := t.ref()
	t.link = linkRunQueue
	t.next = 0
	t.prev = q.tails[p]
	if tl := k.at(q.tails[p]); tl != nil {
		tl.next = r
	} else {
		q.heads[p] = r
	}
	q.tails[p] = r
	q.bitmap |= 1 << uint(p)
	q.count++
}

func (q *runQueue) remove(k *Kernel, t *Thread) {
	k.assertf(t.link == linkRunQueue, "run queue remove of thread %q not queued", t.name)
	p := t.priority
	if prev := k.at(t.prev); prev != nil {
		prev.next = t.next
	} else {
		q.heads[p] = t.next
	}
	if next := k.at(t.next); next != nil {
		next.prev = t.prev
	} else {
		q.tails[p] = t.prev
	}
	t.next, t.prev = 0, 0
	t.link = linkNone
	if q.heads[p] == 0 {
		q.bitmap &^= 1 << uint(p)
	}
	q.count--
}

// popTop removes and returns the first runnable thread of the highest
// non-empty priority that may run on cpu, or nil.
func (q *runQueue) popTop(k *Kernel, cpu int) *Thread {
	for m := q.bitmap; m != 0; {
		p := bits.Len32(m) - 1
		m &^= 1 << uint(p)
		for t := k.at(q.heads[p]); t != nil; t = k.at(t.next) {
			if t.pinnedCPU < 0 || t.pinnedCPU == cpu {
				q.remove(k, t)
				return t
			}
		}
	}
	return nil
}

// highest returns the highest priority with a queued thread, or -1.
func (q *runQueue) highest() int {
	return bits.Len32(q.bitmap) - 1
}

// each calls fn on every queued thread, highest priority first.
func (q *runQueue) each(k *Kernel, fn func(p int, t *Thread)) {
	for p := NumPriorities - 1; p >= 0; p-- {
		for t := k.at(q.heads[p]); t != nil; t = k.at(t.next) {
			fn(p, t)
		}
	}
}
