// Package arch defines the contract between the scheduler core and the code that
// actually owns the machine: interrupt masking, interrupt delivery, and swapping
// one thread's execution context for another's.
package arch

import "fmt"

// Time is the monotonic system time in ticks.
type Time uint64

// Vector identifies an interrupt source.
type Vector uint8

const (
	// VectorTimer is the periodic system tick.
	VectorTimer Vector = iota
	// VectorReschedule is the inter-processor reschedule request.
	VectorReschedule
	// VectorDevice is the first vector free for drivers.
	VectorDevice

	// NumVectors is the number of distinct vectors per CPU.
	NumVectors = 32
)

// MaxCPUs bounds the number of logical CPUs a CPUMask can address.
const MaxCPUs = 32

// CPUMask is a set of CPU numbers.
type CPUMask uint32

// CPUMaskAll addresses every CPU.
const CPUMaskAll CPUMask = ^CPUMask(0)

// Has reports whether cpu is in the mask.
func (m CPUMask) Has(cpu int) bool { return m&(1<<uint(cpu)) != 0 }

// HandlerReturn tells the interrupt exit path whether to reschedule.
type HandlerReturn uint8

const (
	IntNoReschedule HandlerReturn = iota
	IntReschedule
)

// Handler services one interrupt. It runs with interrupts masked on cpu.
type Handler func(cpu CPU, v Vector) HandlerReturn

// Context is the saved execution context of one thread. It is owned by the
// architecture layer; the scheduler stores it but never looks inside.
type Context interface{}

// CPU is one logical processor as seen from code running on it.
type CPU interface {
	Num() int

	// DisableInts masks interrupts and reports whether they were enabled.
	DisableInts() bool
	// RestoreInts re-enables interrupts when enabled is true.
	RestoreInts(enabled bool)
	// EnableInts unmasks interrupts, taking any that are pending.
	EnableInts()
	IntsDisabled() bool
	// InIRQ reports whether the caller runs inside an interrupt handler.
	InIRQ() bool

	// Raise marks v pending on this CPU. Safe from any goroutine.
	Raise(v Vector)
	// TriggerPreempt requests a deferred preemption that runs once the
	// outermost interrupt handler returns. Repeated requests coalesce.
	TriggerPreempt()
	// Idle waits for an interrupt and services it.
	Idle()
	// Poll takes pending interrupts if they are enabled.
	Poll()
}

// Arch is the per-target implementation the scheduler is built on.
type Arch interface {
	NumCPUs() int
	CPU(n int) CPU
	Now() Time

	// InitializeThread builds a context that, the first time it is switched to,
	// calls entry on the CPU it was switched to. entry must never return.
	InitializeThread(entry func(cpu CPU)) Context
	// ContextSwitch saves the running context old and resumes new on cpu. It is
	// called with the scheduler lock held and interrupts masked, and returns
	// when old is next switched to.
	ContextSwitch(cpu CPU, old, new Context)
	// RetireContext marks ctx as never resuming again. The next switch away
	// from it releases its resources instead of saving it.
	RetireContext(ctx Context)
	// StartCPU begins executing ctx on CPU n without a switch.
	StartCPU(n int, ctx Context)

	SetIRQHandler(v Vector, h Handler)
	// SetPreemptHandler installs the routine run for deferred preemption
	// requests at interrupt exit.
	SetPreemptHandler(h func(cpu CPU))
	SendIPI(mask CPUMask, v Vector)

	// Halt stops every CPU. Parked contexts never resume.
	Halt()
	Halted() <-chan struct{}
}

// ProtocolError reports a broken context-switch contract. It is fatal.
type ProtocolError struct {
	CPU    int
	Reason string
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("arch: cpu %d: %s", e.CPU, e.Reason)
}
