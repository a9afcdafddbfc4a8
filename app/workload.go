package app

import (
	"errors"
	"sync/atomic"

	"ember/arch"
	"ember/kernel"
)

// workload is the demo the monitor shows: producers feeding consumers
// through a mailbox, a real-time sleeper and a CPU-bound cruncher.
type workload struct {
	mb     *mailbox
	rounds int
	stop   atomic.Bool

	produced atomic.Uint64
	consumed atomic.Uint64
	sent     atomic.Uint64
	received atomic.Uint64
	wakeups  atomic.Uint64
	primes   atomic.Uint64
}

func newWorkload(k *kernel.Kernel, rounds int) *workload {
	return &workload{mb: newMailbox(k), rounds: rounds}
}

// producer sends rounds messages (forever when rounds is zero), napping
// every few sends so that the consumers drain the mailbox.
func (w *workload) producer(c *kernel.Context, _ any) int {
	for i := 0; w.rounds == 0 || i < w.rounds; i++ {
		if w.stop.Load() {
			break
		}
		msg := message{From: c.ID(), Seq: uint32(i), Data: uint64(i) + 1}
		if err := w.mb.Send(c, msg); err != nil {
			if errors.Is(err, kernel.ErrObjectDestroyed) {
				break
			}
			return 1
		}
		w.produced.Add(1)
		w.sent.Add(msg.Data)
		if i%8 == 7 {
			c.Sleep(2)
		}
	}
	return 0
}

// consumer drains the mailbox until it is closed and empty.
func (w *workload) consumer(c *kernel.Context, _ any) int {
	for {
		msg, err := w.mb.Recv(c)
		if errors.Is(err, kernel.ErrObjectDestroyed) {
			return 0
		}
		if err != nil {
			return 1
		}
		w.consumed.Add(1)
		w.received.Add(msg.Data)
	}
}

// sleeper wakes up every period ticks.
func (w *workload) sleeper(c *kernel.Context, arg any) int {
	period := arg.(arch.Time)
	for !w.stop.Load() {
		c.Sleep(period)
		w.wakeups.Add(1)
	}
	return 0
}

// cruncher counts primes by trial division, staying preemptible through
// checkpoints.
func (w *workload) cruncher(c *kernel.Context, _ any) int {
	for n := uint64(2); !w.stop.Load(); n++ {
		prime := true
		for d := uint64(2); d*d <= n; d++ {
			if n%d == 0 {
				prime = false
				break
			}
		}
		if prime {
			w.primes.Add(1)
		}
		c.Checkpoint()
	}
	return 0
}

// balanced reports whether every produced message was consumed intact.
func (w *workload) balanced() bool {
	return w.produced.Load() == w.consumed.Load() && w.sent.Load() == w.received.Load()
}
