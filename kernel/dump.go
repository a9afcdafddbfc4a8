package kernel

import (
	"fmt"
	"io"

	"ember/arch"
)

// ThreadInfo is a snapshot of one thread.
type ThreadInfo struct {
	ID               ThreadID
	Name             string
	State            State
	Priority         int
	RemainingQuantum int
	Flags            Flags
	CurrCPU          int
	PinnedCPU        int
	StackSize        int
	StackUsed        int
	RunTime          arch.Time
	LastRun          arch.Time
	Schedules        uint64
	TLS              [NumTLSEntries]uintptr
}

func (t *Thread) info() ThreadInfo {
	return ThreadInfo{
		ID:               t.id,
		Name:             t.name,
		State:            t.state,
		Priority:         t.priority,
		RemainingQuantum: t.remainingQuantum,
		Flags:            t.flags,
		CurrCPU:          t.currCPU,
		PinnedCPU:        t.pinnedCPU,
		StackSize:        len(t.stack),
		StackUsed:        stackUsed(t),
		RunTime:          t.totalRunTime,
		LastRun:          t.lastRunTimestamp,
		Schedules:        t.schedules,
		TLS:              t.tls,
	}
}

// Threads returns a snapshot of every live thread in table order. It is
// called from outside thread context; threads use Context.Threads. It returns
// nil once the machine has halted with the scheduler lock held.
func (k *Kernel) Threads() []ThreadInfo {
	out, _ := k.threadsFrom(nil)
	return out
}

// Threads is Kernel.Threads for the running thread.
func (c *Context) Threads() []ThreadInfo {
	out, _ := c.k.threadsFrom(c)
	return out
}

func (k *Kernel) threadsFrom(c *Context) ([]ThreadInfo, error) {
	ls, err := k.lockFrom(c)
	if err != nil {
		return nil, err
	}
	defer k.unlockFrom(ls)

	out := make([]ThreadInfo, 0, k.nthreads)
	for _, t := range k.threads {
		if t != nil {
			out = append(out, t.info())
		}
	}
	return out, nil
}

// Thread returns a snapshot of one thread.
func (k *Kernel) Thread(id ThreadID) (ThreadInfo, bool) {
	ls, err := k.lockFrom(nil)
	if err != nil {
		return ThreadInfo{}, false
	}
	defer k.unlockFrom(ls)
	t := k.lookupLocked(id)
	if t == nil {
		return ThreadInfo{}, false
	}
	return t.info(), true
}

func (f Flags) String() string {
	const letters = "DSTRIB"
	b := []byte("------")
	for i := range letters {
		if f&(1<<uint(i)) != 0 {
			b[i] = letters[i]
		}
	}
	return string(b)
}

// Dump writes a human-readable listing of every thread to w.
func (k *Kernel) Dump(w io.Writer) error {
	threads, err := k.threadsFrom(nil)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(w, "%-8s %-16s %-4s %4s %3s %3s %3s %6s %13s %10s %8s\n",
		"id", "name", "st", "prio", "cpu", "pin", "qnt", "flags", "stack", "runtime", "sched"); err != nil {
		return err
	}
	for _, ti := range threads {
		cpu, pin := "-", "-"
		if ti.CurrCPU >= 0 {
			cpu = fmt.Sprint(ti.CurrCPU)
		}
		if ti.PinnedCPU >= 0 {
			pin = fmt.Sprint(ti.PinnedCPU)
		}
		_, err := fmt.Fprintf(w, "%-8v %-16s %-4v %4d %3s %3s %3d %6v %6d/%-6d %10d %8d\n",
			ti.ID, ti.Name, ti.State, ti.Priority, cpu, pin, ti.RemainingQuantum, ti.Flags,
			ti.StackUsed, ti.StackSize, ti.RunTime, ti.Schedules)
		if err != nil {
			return err
		}
	}
	return nil
}

// CheckInvariants verifies the scheduler's structural invariants and returns
// the first violation found.
func (k *Kernel) CheckInvariants() error {
	return k.checkInvariantsFrom(nil)
}

// CheckInvariants is Kernel.CheckInvariants for the running thread.
func (c *Context) CheckInvariants() error {
	return c.k.checkInvariantsFrom(c)
}

func (k *Kernel) checkInvariantsFrom(c *Context) error {
	ls, err := k.lockFrom(c)
	if err != nil {
		return err
	}
	defer k.unlockFrom(ls)

	running := make(map[*Thread]int)
	for _, cs := range k.cpus {
		cur := cs.current
		if cur == nil {
			continue
		}
		if cur.state != StateRunning {
			return fmt.Errorf("cpu %d current thread %q in state %v", cs.num, cur.name, cur.state)
		}
		if cur.currCPU != cs.num {
			return fmt.Errorf("cpu %d current thread %q has curr cpu %d", cs.num, cur.name, cur.currCPU)
		}
		if _, dup := running[cur]; dup {
			return fmt.Errorf("thread %q current on two cpus", cur.name)
		}
		running[cur] = cs.num
	}

	queued := make(map[*Thread]bool)
	var bitmap uint32
	count := 0
	k.runQueue.each(k, func(p int, t *Thread) {
		if err != nil {
			return
		}
		switch {
		case queued[t]:
			err = fmt.Errorf("thread %q on the run queue twice", t.name)
		case t.state != StateReady:
			err = fmt.Errorf("thread %q on the run queue in state %v", t.name, t.state)
		case t.priority != p:
			err = fmt.Errorf("thread %q priority %d queued at %d", t.name, t.priority, p)
		case t.link != linkRunQueue:
			err = fmt.Errorf("thread %q queued with link %d", t.name, t.link)
		}
		queued[t] = true
		bitmap |= 1 << uint(p)
		count++
	})
	if err != nil {
		return err
	}
	if bitmap != k.runQueue.bitmap {
		return fmt.Errorf("run queue bitmap %#x, lists say %#x", k.runQueue.bitmap, bitmap)
	}
	if count != k.runQueue.count {
		return fmt.Errorf("run queue count %d, lists hold %d", k.runQueue.count, count)
	}

	for _, t := range k.threads {
		if t == nil {
			continue
		}
		if t.magic != threadMagic {
			return fmt.Errorf("thread %v has bad magic %#x", t.id, t.magic)
		}
		_, isRunning := running[t]
		if t.state == StateRunning && !isRunning {
			return fmt.Errorf("thread %q running but current on no cpu", t.name)
		}
		switch t.state {
		case StateReady:
			if !t.isIdle() && !queued[t] {
				return fmt.Errorf("ready thread %q not on the run queue", t.name)
			}
		case StateBlocked:
			if t.link != linkWaitQueue || t.blockingWaitQueue == nil {
				return fmt.Errorf("blocked thread %q on no wait queue", t.name)
			}
			if t.blockingWaitQueue.magic != waitQueueMagic {
				return fmt.Errorf("blocked thread %q on a destroyed wait queue", t.name)
			}
		case StateSleeping:
			if t.link != linkTimer || t.timer == nil {
				return fmt.Errorf("sleeping thread %q has no pending timer", t.name)
			}
		default:
			if t.link != linkNone {
				return fmt.Errorf("thread %q in state %v still linked (%d)", t.name, t.state, t.link)
			}
		}
		if t.state != StateReady && queued[t] {
			return fmt.Errorf("thread %q in state %v on the run queue", t.name, t.state)
		}
	}
	return nil
}
