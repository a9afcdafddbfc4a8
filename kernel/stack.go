package kernel

import "sync/atomic"

// stackPool bounds the memory handed out for kernel-allocated thread stacks.
type stackPool struct {
	limit int64 // 0 means unbounded
	used  atomic.Int64
}

func (p *stackPool) alloc(n int) ([]byte, error) {
	if n <= 0 {
		return nil, ErrInvalidArgs
	}
	for {
		used := p.used.Load()
		if p.limit > 0 && used+int64(n) > p.limit {
			return nil, ErrNoMemory
		}
		if p.used.CompareAndSwap(used, used+int64(n)) {
			return make([]byte, n), nil
		}
	}
}

func (p *stackPool) release(n int) {
	p.used.Add(-int64(n))
}

// StackBytesInUse returns the bytes of kernel-allocated stack outstanding.
func (k *Kernel) StackBytesInUse() int64 {
	return k.stacks.used.Load()
}
