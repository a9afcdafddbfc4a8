package app

import (
	"ember/arch"
	"ember/kernel"
)

const sleeperPeriod arch.Time = 25

// main is the kernel's first thread. It starts the workload and the monitor,
// waits for the producers and then shuts the workload down.
func (s *System) main(c *kernel.Context, _ any) int {
	k := c.Kernel()
	w := newWorkload(k, s.cfg.Rounds)
	s.w = w

	if s.scr != nil {
		mon, err := c.CreateThread("monitor", s.monitor, nil, kernel.HighPriority, 0)
		if err != nil {
			s.logf("monitor: %v", err)
		} else {
			c.DetachAndResume(mon)
		}
	}

	var producers, others []kernel.ThreadID
	spawn := func(list *[]kernel.ThreadID, name string, entry kernel.Entry, arg any, prio int) bool {
		id, err := c.CreateThread(name, entry, arg, prio, 0)
		if err != nil {
			s.logf("create %s: %v", name, err)
			return false
		}
		*list = append(*list, id)
		return true
	}

	ok := true
	for i := 0; i < s.cfg.Workers; i++ {
		ok = ok && spawn(&others, "consumer", w.consumer, nil, kernel.DefaultPriority)
		ok = ok && spawn(&producers, "producer", w.producer, nil, kernel.DefaultPriority)
	}
	ok = ok && spawn(&others, "sleeper", w.sleeper, sleeperPeriod, kernel.HighPriority+2)
	ok = ok && spawn(&others, "cruncher", w.cruncher, nil, kernel.LowPriority)
	if !ok {
		return 1
	}
	c.SetRealTime(others[len(others)-2])
	for _, id := range append(others, producers...) {
		c.Resume(id)
	}

	for _, id := range producers {
		if ret, err := c.Join(id, kernel.InfiniteTime); err != nil || ret != 0 {
			s.logf("producer %v: ret %d, %v", id, ret, err)
		}
	}
	w.mb.Close(c)
	w.stop.Store(true)
	for _, id := range others {
		c.Join(id, kernel.InfiniteTime)
	}

	s.logf("demo: produced %d, consumed %d, %d sleeper wakeups, %d primes",
		w.produced.Load(), w.consumed.Load(), w.wakeups.Load(), w.primes.Load())
	if err := c.CheckInvariants(); err != nil {
		s.logf("invariants: %v", err)
		return 2
	}
	if !w.balanced() {
		return 3
	}
	return 0
}

// monitor redraws the thread table every MonitorEvery ticks.
func (s *System) monitor(c *kernel.Context, _ any) int {
	k := c.Kernel()
	for {
		if err := s.scr.Threads(c.Now(), c.Threads(), k.Stats()); err != nil {
			s.logf("monitor: %v", err)
			return 1
		}
		c.Sleep(s.cfg.MonitorEvery)
	}
}
