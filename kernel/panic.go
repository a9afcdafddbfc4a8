package kernel

import (
	"fmt"
	"runtime"
	"runtime/debug"
	"strings"
)

// PanicInfo describes a fatal kernel condition.
type PanicInfo struct {
	CPU        int
	Thread     ThreadID
	ThreadName string
	Value      any
	Stack      []byte
}

// FatalError is returned by Run when the kernel halted on a violated invariant.
type FatalError struct {
	Info PanicInfo
}

func (e *FatalError) Error() string {
	if e.Info.ThreadName != "" {
		return fmt.Sprintf("kernel panic: cpu %d thread %q: %v", e.Info.CPU, e.Info.ThreadName, e.Info.Value)
	}
	return fmt.Sprintf("kernel panic: cpu %d: %v", e.Info.CPU, e.Info.Value)
}

// InPanicMode reports whether the kernel has halted on a fatal condition.
func (k *Kernel) InPanicMode() bool {
	return k.panicActive.Load()
}

// fatalf reports a violated invariant and never returns.
func (k *Kernel) fatalf(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	err := &FatalError{Info: k.panicInfo(msg)}
	k.enterPanic(err)
	panic(err)
}

// assertf treats a false condition as fatal.
func (k *Kernel) assertf(ok bool, format string, args ...any) {
	if !ok {
		k.fatalf(format, args...)
	}
}

func (k *Kernel) panicInfo(v any) PanicInfo {
	info := PanicInfo{CPU: -1, Value: v}
	if h := k.threadLock.Holder(); h >= 0 && h < len(k.cpus) {
		info.CPU = h
		if cur := k.cpus[h].current; cur != nil {
			info.Thread = cur.id
			info.ThreadName = cur.name
		}
	}
	return info
}

// enterPanic records the first fatal condition, runs the panic handler and
// halts every CPU. Later calls are ignored.
func (k *Kernel) enterPanic(err *FatalError) {
	k.panicOnce.Do(func() {
		k.panicActive.Store(true)
		if len(err.Info.Stack) == 0 {
			err.Info.Stack = debug.Stack()
		}
		k.fatal.Store(err)

		k.logf("PANIC: %v", err)
		for _, line := range strings.Split(string(err.Info.Stack), "\n") {
			if line != "" {
				k.logf("  %s", line)
			}
		}
		if fn := k.cfg.OnPanic; fn != nil {
			fn(err.Info)
		}
		k.arch.Halt()
	})
}

// recoverThread is deferred by every thread trampoline. A panic escaping a
// thread body is fatal to the whole system.
func (k *Kernel) recoverThread(t *Thread) {
	r := recover()
	if r == nil {
		return
	}
	err, ok := r.(*FatalError)
	if !ok {
		info := PanicInfo{CPU: t.currCPU, Thread: t.id, ThreadName: t.name, Value: r, Stack: debug.Stack()}
		err = &FatalError{Info: info}
	}
	k.enterPanic(err)
	runtime.Goexit()
}
