// Package spinlock provides the interrupt-aware test-and-set lock used to guard
// scheduler state.
package spinlock

import (
	"fmt"
	"runtime"
	"sync/atomic"
)

// spinsBeforeYield bounds busy-waiting before handing the host thread back to
// the Go scheduler.
const spinsBeforeYield = 64

// SpinLock is a single-holder lock. The zero value is unlocked.
//
// A holder is identified by a small non-negative integer, normally the number
// of the CPU that took the lock.
type SpinLock struct {
	_     [0]func() // prevent accidental copying.
	state atomic.Uint32
}

// MisuseError reports a lock contract violation such as recursive acquisition.
type MisuseError struct {
	Op     string
	Holder int
}

func (e *MisuseError) Error() string {
	return fmt.Sprintf("spinlock: %s (holder %d)", e.Op, e.Holder)
}

// Lock spins until the lock is free, then claims it for holder.
//
// Acquiring a lock already held by the same holder panics: on a real core the
// caller would spin forever.
func (l *SpinLock) Lock(holder int) {
	tag := uint32(holder) + 1
	for spins := 0; ; spins++ {
		if l.state.CompareAndSwap(0, tag) {
			return
		}
		if l.state.Load() == tag {
			panic(&MisuseError{Op: "recursive acquire", Holder: holder})
		}
		if spins >= spinsBeforeYield {
			runtime.Gosched()
			spins = 0
		}
	}
}

// LockAbortable is Lock that gives up, returning false, once abort is closed.
func (l *SpinLock) LockAbortable(holder int, abort <-chan struct{}) bool {
	tag := uint32(holder) + 1
	for spins := 0; ; spins++ {
		if l.state.CompareAndSwap(0, tag) {
			return true
		}
		if l.state.Load() == tag {
			panic(&MisuseError{Op: "recursive acquire", Holder: holder})
		}
		if spins >= spinsBeforeYield {
			select {
			case <-abort:
				return false
			default:
			}
			runtime.Gosched()
			spins = 0
		}
	}
}

// TryLock attempts to claim the lock without spinning.
func (l *SpinLock) TryLock(holder int) bool {
	return l.state.CompareAndSwap(0, uint32(holder)+1)
}

// Unlock releases the lock. Releasing a free lock panics.
func (l *SpinLock) Unlock() {
	if l.state.Swap(0) == 0 {
		panic(&MisuseError{Op: "release of unheld lock", Holder: -1})
	}
}

// Held reports whether anyone holds the lock.
func (l *SpinLock) Held() bool {
	return l.state.Load() != 0
}

// HeldBy reports whether holder owns the lock.
func (l *SpinLock) HeldBy(holder int) bool {
	return l.state.Load() == uint32(holder)+1
}

// Holder returns the current holder, or -1 when the lock is free.
func (l *SpinLock) Holder() int {
	return int(l.state.Load()) - 1
}

// Interrupts is the per-CPU interrupt mask a lock can be paired with.
type Interrupts interface {
	Num() int
	// DisableInts masks interrupts and reports whether they were enabled.
	DisableInts() bool
	// RestoreInts re-enables interrupts if enabled is true.
	RestoreInts(enabled bool)
}

// State is the interrupt state saved by LockIRQSave.
type State struct {
	enabled bool
}

// LockIRQSave masks interrupts on cpu, then acquires l on its behalf.
func LockIRQSave(l *SpinLock, cpu Interrupts) State {
	s := State{enabled: cpu.DisableInts()}
	l.Lock(cpu.Num())
	return s
}

// LockIRQSaveAbortable is LockIRQSave that gives up once abort is closed. On
// failure the interrupt state is restored before returning.
func LockIRQSaveAbortable(l *SpinLock, cpu Interrupts, abort <-chan struct{}) (State, bool) {
	s := State{enabled: cpu.DisableInts()}
	if !l.LockAbortable(cpu.Num(), abort) {
		cpu.RestoreInts(s.enabled)
		return State{}, false
	}
	return s, true
}

// UnlockIRQRestore releases l and restores the interrupt state saved in s on
// cpu. cpu must be the CPU the caller runs on now, which may differ from the
// one that took the lock if the caller was switched out in between.
func UnlockIRQRestore(l *SpinLock, cpu Interrupts, s State) {
	l.Unlock()
	cpu.RestoreInts(s.enabled)
}
