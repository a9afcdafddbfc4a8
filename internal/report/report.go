// Package report builds machine-readable snapshots of kernel state.
package report

import (
	"fmt"
	"io"

	"github.com/sugawarayuuta/sonnet"

	"ember/internal/buildinfo"
	"ember/kernel"
)

// Snapshot is the JSON document produced by Take.
type Snapshot struct {
	Version string   `json:"version"`
	Time    uint64   `json:"time"`
	Panic   bool     `json:"panic"`
	CPUs    []CPU    `json:"cpus"`
	Threads []Thread `json:"threads"`
}

// CPU is one CPU's counters.
type CPU struct {
	CPU             int    `json:"cpu"`
	Active          bool   `json:"active"`
	Idle            bool   `json:"idle"`
	IdleTime        uint64 `json:"idle_time"`
	Reschedules     uint64 `json:"reschedules"`
	ContextSwitches uint64 `json:"context_switches"`
	Preempts        uint64 `json:"preempts"`
	Yields          uint64 `json:"yields"`
	Interrupts      uint64 `json:"interrupts"`
	TimerInts       uint64 `json:"timer_ints"`
	Timers          uint64 `json:"timers"`
	RescheduleIPIs  uint64 `json:"reschedule_ipis"`
	IPIsSent        uint64 `json:"ipis_sent"`
}

// Thread is one thread's row.
type Thread struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	State     string `json:"state"`
	Priority  int    `json:"priority"`
	Quantum   int    `json:"quantum"`
	Flags     string `json:"flags"`
	CPU       int    `json:"cpu"`
	Pinned    int    `json:"pinned"`
	StackSize int    `json:"stack_size"`
	StackUsed int    `json:"stack_used"`
	RunTime   uint64 `json:"run_time"`
	Schedules uint64 `json:"schedules"`
}

// Take captures the current state of k.
func Take(k *kernel.Kernel) Snapshot {
	return Build(uint64(k.Now()), k.InPanicMode(), k.Stats(), k.Threads())
}

// Build assembles a snapshot from already captured kernel data.
func Build(now uint64, panicked bool, stats []kernel.CPUStats, threads []kernel.ThreadInfo) Snapshot {
	s := Snapshot{
		Version: buildinfo.Short(),
		Time:    now,
		Panic:   panicked,
		CPUs:    make([]CPU, 0, len(stats)),
		Threads: make([]Thread, 0, len(threads)),
	}
	for _, st := range stats {
		s.CPUs = append(s.CPUs, CPU{
			CPU:             st.CPU,
			Active:          st.Active,
			Idle:            st.Idle,
			IdleTime:        uint64(st.IdleTime),
			Reschedules:     st.Reschedules,
			ContextSwitches: st.ContextSwitches,
			Preempts:        st.Preempts,
			Yields:          st.Yields,
			Interrupts:      st.Interrupts,
			TimerInts:       st.TimerInts,
			Timers:          st.Timers,
			RescheduleIPIs:  st.RescheduleIPIs,
			IPIsSent:        st.IPIsSent,
		})
	}
	for _, ti := range threads {
		s.Threads = append(s.Threads, Thread{
			ID:        ti.ID.String(),
			Name:      ti.Name,
			State:     ti.State.String(),
			Priority:  ti.Priority,
			Quantum:   ti.RemainingQuantum,
			Flags:     ti.Flags.String(),
			CPU:       ti.CurrCPU,
			Pinned:    ti.PinnedCPU,
			StackSize: ti.StackSize,
			StackUsed: ti.StackUsed,
			RunTime:   uint64(ti.RunTime),
			Schedules: ti.Schedules,
		})
	}
	return s
}

// Write encodes s to w as one JSON line.
func Write(w io.Writer, s Snapshot) error {
	b, err := sonnet.Marshal(s)
	if err != nil {
		return fmt.Errorf("report: encode: %w", err)
	}
	b = append(b, '\n')
	if _, err := w.Write(b); err != nil {
		return fmt.Errorf("report: write: %w", err)
	}
	return nil
}

// Read decodes a snapshot written by Write.
func Read(b []byte) (Snapshot, error) {
	var s Snapshot
	if err := sonnet.Unmarshal(b, &s); err != nil {
		return Snapshot{}, fmt.Errorf("report: decode: %w", err)
	}
	return s, nil
}
