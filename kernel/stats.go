package kernel

import (
	"fmt"
	"io"
	"sync/atomic"

	"golang.org/x/sys/cpu"

	"ember/arch"
)

// cpuStats are the per-CPU scheduler counters. Each CPU writes only its own
// block, so blocks are padded apart to keep them off shared cache lines.
type cpuStats struct {
	_ cpu.CacheLinePad

	idleTime          atomic.Uint64
	lastIdleTimestamp atomic.Uint64

	reschedules        atomic.Uint64
	contextSwitches    atomic.Uint64
	preempts           atomic.Uint64
	yields             atomic.Uint64
	interrupts         atomic.Uint64
	timerInts          atomic.Uint64
	timers             atomic.Uint64
	rescheduleIPIs     atomic.Uint64
	rescheduleIPIsSent atomic.Uint64

	_ cpu.CacheLinePad
}

// CPUStats is a snapshot of one CPU's scheduler counters.
type CPUStats struct {
	CPU    int
	Active bool
	Idle   bool

	IdleTime        arch.Time
	Reschedules     uint64
	ContextSwitches uint64
	Preempts        uint64
	Yields          uint64
	Interrupts      uint64
	TimerInts       uint64
	Timers          uint64
	RescheduleIPIs  uint64
	IPIsSent        uint64
}

// Stats returns a snapshot of every CPU's counters.
func (k *Kernel) Stats() []CPUStats {
	now := k.arch.Now()
	active := k.ActiveCPUs()
	idle := k.IdleCPUs()
	out := make([]CPUStats, len(k.cpus))
	for i, cs := range k.cpus {
		st := &cs.stats
		idleTime := arch.Time(st.idleTime.Load())
		if idle.Has(i) {
			// Charge the idle stretch still in progress.
			idleTime += now - arch.Time(st.lastIdleTimestamp.Load())
		}
		out[i] = CPUStats{
			CPU:             i,
			Active:          active.Has(i),
			Idle:            idle.Has(i),
			IdleTime:        idleTime,
			Reschedules:     st.reschedules.Load(),
			ContextSwitches: st.contextSwitches.Load(),
			Preempts:        st.preempts.Load(),
			Yields:          st.yields.Load(),
			Interrupts:      st.interrupts.Load(),
			TimerInts:       st.timerInts.Load(),
			Timers:          st.timers.Load(),
			RescheduleIPIs:  st.rescheduleIPIs.Load(),
			IPIsSent:        st.rescheduleIPIsSent.Load(),
		}
	}
	return out
}

// DumpStats writes one line of counters per CPU to w.
func (k *Kernel) DumpStats(w io.Writer) error {
	for _, st := range k.Stats() {
		state := "offline"
		switch {
		case st.Active && st.Idle:
			state = "idle"
		case st.Active:
			state = "busy"
		}
		_, err := fmt.Fprintf(w, "cpu %d %-7s idle %d ticks, %d resched, %d switches, %d preempts, %d yields, %d ints, %d timer ints, %d timers, %d ipis (%d sent)\n",
			st.CPU, state, st.IdleTime, st.Reschedules, st.ContextSwitches, st.Preempts, st.Yields,
			st.Interrupts, st.TimerInts, st.Timers, st.RescheduleIPIs, st.IPIsSent)
		if err != nil {
			return err
		}
	}
	return nil
}
