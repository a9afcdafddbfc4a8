package kernel

import (
	"sync/atomic"

	"ember/arch"
)

// mpState tracks which CPUs are up, idle or running a real-time thread. The
// masks are written under the thread lock and read without it.
type mpState struct {
	active   atomic.Uint32
	idle     atomic.Uint32
	realtime atomic.Uint32
}

func setBit(m *atomic.Uint32, cpu int, on bool) {
	bit := uint32(1) << uint(cpu)
	for {
		old := m.Load()
		v := old &^ bit
		if on {
			v = old | bit
		}
		if v == old || m.CompareAndSwap(old, v) {
			return
		}
	}
}

func (m *mpState) setActive(cpu int, on bool)   { setBit(&m.active, cpu, on) }
func (m *mpState) setIdle(cpu int, on bool)     { setBit(&m.idle, cpu, on) }
func (m *mpState) setRealtime(cpu int, on bool) { setBit(&m.realtime, cpu, on) }

func (m *mpState) isActive(cpu int) bool {
	return arch.CPUMask(m.active.Load()).Has(cpu)
}

// ActiveCPUs returns the set of CPUs that have finished booting.
func (k *Kernel) ActiveCPUs() arch.CPUMask { return arch.CPUMask(k.mp.active.Load()) }

// IdleCPUs returns the set of CPUs running their idle thread.
func (k *Kernel) IdleCPUs() arch.CPUMask { return arch.CPUMask(k.mp.idle.Load()) }

// RealtimeCPUs returns the set of CPUs running a real-time thread.
func (k *Kernel) RealtimeCPUs() arch.CPUMask { return arch.CPUMask(k.mp.realtime.Load()) }

// mpReschedule asks the CPUs in target, other than local, to reschedule.
// CPUs running real-time threads are left alone unless realtime is set.
func (k *Kernel) mpReschedule(target arch.CPUMask, local int, realtime bool) {
	target &= arch.CPUMask(k.mp.active.Load())
	if !realtime {
		target &^= arch.CPUMask(k.mp.realtime.Load())
	}
	if local >= 0 {
		target &^= 1 << uint(local)
		if target != 0 {
			k.cpus[local].stats.rescheduleIPIsSent.Add(1)
		}
	}
	if target != 0 {
		k.arch.SendIPI(target, arch.VectorReschedule)
	}
}
