package kernel

import (
	"context"
	"errors"
	"io"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"ember/arch"
)

// runHost boots a kernel on a host machine with a 1ms tick and runs main to
// completion.
func runHost(t *testing.T, ncpu int, cfg Config, main Entry) (int, error) {
	t.Helper()
	h := arch.NewHost(ncpu)
	cfg.Arch = h
	k, err := New(cfg)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	go h.RunTicker(ctx, time.Millisecond)

	ret, err := k.Run(ctx, main, nil)
	if errors.Is(err, context.DeadlineExceeded) {
		t.Fatal("kernel did not finish in time")
	}
	return ret, err
}

func TestRunReturnsMainExitCode(t *testing.T) {
	ret, err := runHost(t, 1, Config{}, func(c *Context, _ any) int {
		return 7
	})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if ret != 7 {
		t.Fatalf("Run() = %d, want 7", ret)
	}
}

func TestRunResumeHigherPriorityRunsFirst(t *testing.T) {
	var order []string
	_, err := runHost(t, 1, Config{}, func(c *Context, _ any) int {
		id, err := c.CreateThread("high", func(c *Context, _ any) int {
			order = append(order, "high")
			return 0
		}, nil, 20, 0)
		if err != nil {
			t.Errorf("CreateThread() error = %v", err)
			return 1
		}
		if err := c.Resume(id); err != nil {
			t.Errorf("Resume() error = %v", err)
		}
		order = append(order, "main")
		if _, err := c.Join(id, InfiniteTime); err != nil {
			t.Errorf("Join() error = %v", err)
		}
		return 0
	})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if !equalStrings(order, []string{"high", "main"}) {
		t.Fatalf("order = %v, want [high main]", order)
	}
}

func TestRunWakeWithReschedRunsWaiterFirst(t *testing.T) {
	var order []string
	_, err := runHost(t, 1, Config{}, func(c *Context, _ any) int {
		wq := c.Kernel().NewWaitQueue()
		id, _ := c.CreateThread("waiter", func(c *Context, _ any) int {
			order = append(order, "block")
			if err := wq.Block(c, InfiniteTime); err != nil {
				return 1
			}
			order = append(order, "woken")
			return 0
		}, nil, 20, 0)
		c.Resume(id)
		order = append(order, "wake")
		wq.WakeOne(c, true, nil)
		order = append(order, "main")
		ret, err := c.Join(id, InfiniteTime)
		if err != nil || ret != 0 {
			t.Errorf("Join() = %d, %v; want 0, nil", ret, err)
		}
		return 0
	})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	want := []string{"block", "wake", "woken", "main"}
	if !equalStrings(order, want) {
		t.Fatalf("order = %v, want %v", order, want)
	}
}

func TestRunBlockTimesOut(t *testing.T) {
	_, err := runHost(t, 1, Config{}, func(c *Context, _ any) int {
		wq := c.Kernel().NewWaitQueue()
		start := c.Now()
		if err := wq.Block(c, 3); !errors.Is(err, ErrTimedOut) {
			t.Errorf("Block(3) = %v, want %v", err, ErrTimedOut)
		}
		if waited := c.Now() - start; waited < 3 {
			t.Errorf("waited %d ticks, want at least 3", waited)
		}
		if n := wq.Len(); n != 0 {
			t.Errorf("wq.Len() = %d after timeout, want 0", n)
		}
		if err := wq.Block(c, 0); !errors.Is(err, ErrTimedOut) {
			t.Errorf("Block(0) = %v, want %v", err, ErrTimedOut)
		}
		if err := c.CheckInvariants(); err != nil {
			t.Errorf("CheckInvariants() = %v", err)
		}
		return 0
	})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
}

func TestRunSleep(t *testing.T) {
	_, err := runHost(t, 1, Config{}, func(c *Context, _ any) int {
		start := c.Now()
		c.Sleep(5)
		if slept := c.Now() - start; slept < 5 {
			t.Errorf("slept %d ticks, want at least 5", slept)
		}
		return 0
	})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
}

func TestRunJoinAndDetach(t *testing.T) {
	_, err := runHost(t, 1, Config{}, func(c *Context, _ any) int {
		k := c.Kernel()

		child, _ := c.CreateThread("child", func(*Context, any) int { return 42 }, nil, DefaultPriority, 0)
		c.Resume(child)
		ret, err := c.Join(child, InfiniteTime)
		if err != nil || ret != 42 {
			t.Errorf("Join() = %d, %v; want 42, nil", ret, err)
		}
		if _, ok := k.Thread(child); ok {
			t.Error("joined thread still in the table")
		}

		stuck := k.NewWaitQueue()
		victim, _ := c.CreateThread("victim", func(c *Context, _ any) int {
			stuck.Block(c, InfiniteTime)
			return 0
		}, nil, DefaultPriority, 0)
		c.Resume(victim)

		if _, err := c.Join(victim, 2); !errors.Is(err, ErrTimedOut) {
			t.Errorf("Join(timeout) = %v, want %v", err, ErrTimedOut)
		}

		detacher, _ := c.CreateThread("detacher", func(c *Context, _ any) int {
			c.Sleep(2)
			c.Detach(victim)
			return 0
		}, nil, DefaultPriority, 0)
		c.DetachAndResume(detacher)

		if _, err := c.Join(victim, InfiniteTime); !errors.Is(err, ErrThreadDetached) {
			t.Errorf("Join() = %v, want %v", err, ErrThreadDetached)
		}
		stuck.WakeAll(c, false, nil)
		c.Sleep(2)
		if _, ok := k.Thread(victim); ok {
			t.Error("detached thread not reaped after exit")
		}
		return 0
	})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
}

func TestRunDestroyWakesWaiters(t *testing.T) {
	_, err := runHost(t, 1, Config{}, func(c *Context, _ any) int {
		wq := c.Kernel().NewWaitQueue()
		var ids []ThreadID
		for i := 0; i < 3; i++ {
			id, _ := c.CreateThread("waiter", func(c *Context, _ any) int {
				if err := wq.Block(c, InfiniteTime); errors.Is(err, ErrObjectDestroyed) {
					return 1
				}
				return 0
			}, nil, HighPriority, 0)
			c.Resume(id)
			ids = append(ids, id)
		}
		wq.Destroy(c, true)
		for _, id := range ids {
			if ret, err := c.Join(id, InfiniteTime); err != nil || ret != 1 {
				t.Errorf("Join() = %d, %v; want 1, nil", ret, err)
			}
		}
		return 0
	})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
}

func TestRunTimeSlicesEqualPriority(t *testing.T) {
	var stop atomic.Bool
	var counts [2]atomic.Int64
	_, err := runHost(t, 1, Config{Quantum: 2}, func(c *Context, _ any) int {
		var ids []ThreadID
		for i := range counts {
			n := &counts[i]
			id, _ := c.CreateThread("spinner", func(c *Context, _ any) int {
				for !stop.Load() {
					n.Add(1)
					c.Checkpoint()
				}
				return 0
			}, nil, LowPriority, 0)
			c.Resume(id)
			ids = append(ids, id)
		}
		c.Sleep(40)
		stop.Store(true)
		for _, id := range ids {
			c.Join(id, InfiniteTime)
		}
		if st := c.Kernel().Stats()[0]; st.Preempts == 0 {
			t.Error("no preemptions recorded")
		}
		return 0
	})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	for i := range counts {
		if counts[i].Load() == 0 {
			t.Fatalf("spinner %d never ran", i)
		}
	}
}

func TestRunMultiCPU(t *testing.T) {
	const workers = 8
	var sum atomic.Int64
	_, err := runHost(t, 4, Config{}, func(c *Context, _ any) int {
		var ids []ThreadID
		for i := 0; i < workers; i++ {
			id, err := c.CreateThread("worker", func(c *Context, _ any) int {
				for j := 0; j < 100; j++ {
					sum.Add(1)
					c.Yield()
				}
				return 0
			}, nil, DefaultPriority, 0)
			if err != nil {
				t.Errorf("CreateThread() error = %v", err)
				return 1
			}
			c.Resume(id)
			ids = append(ids, id)
		}
		for _, id := range ids {
			if _, err := c.Join(id, InfiniteTime); err != nil {
				t.Errorf("Join() error = %v", err)
			}
		}
		return 0
	})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if got := sum.Load(); got != workers*100 {
		t.Fatalf("sum = %d, want %d", got, workers*100)
	}
}

func TestRunThreadPanicIsFatal(t *testing.T) {
	var calls atomic.Int32
	var info PanicInfo
	_, err := runHost(t, 1, Config{OnPanic: func(pi PanicInfo) {
		calls.Add(1)
		info = pi
	}}, func(c *Context, _ any) int {
		id, _ := c.CreateThread("crasher", func(*Context, any) int {
			panic("boom")
		}, nil, HighPriority, 0)
		c.Resume(id)
		c.Join(id, InfiniteTime)
		return 0
	})

	var fe *FatalError
	if !errors.As(err, &fe) {
		t.Fatalf("Run() error = %v, want *FatalError", err)
	}
	if fe.Info.ThreadName != "crasher" || fe.Info.Value != "boom" {
		t.Fatalf("panic info = %+v, want crasher/boom", fe.Info)
	}
	if calls.Load() != 1 || info.ThreadName != "crasher" {
		t.Fatalf("OnPanic calls = %d (%q), want 1 (crasher)", calls.Load(), info.ThreadName)
	}
}

func TestRunTwice(t *testing.T) {
	k, err := New(Config{Arch: arch.NewHost(1)})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	k.started.Store(true)
	if _, err := k.Run(context.Background(), func(*Context, any) int { return 0 }, nil); !errors.Is(err, ErrAlreadyStarted) {
		t.Fatalf("Run() = %v, want %v", err, ErrAlreadyStarted)
	}
}

func TestRunEqualPriorityThreadsRunInCreationOrder(t *testing.T) {
	var order []string
	_, err := runHost(t, 1, Config{}, func(c *Context, _ any) int {
		var ids []ThreadID
		for _, name := range []string{"a", "b", "c"} {
			name := name
			id, _ := c.CreateThread(name, func(*Context, any) int {
				order = append(order, name)
				return 0
			}, nil, 10, 0)
			c.Resume(id)
			ids = append(ids, id)
		}
		for _, id := range ids {
			c.Join(id, InfiniteTime)
		}
		return 0
	})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if !equalStrings(order, []string{"a", "b", "c"}) {
		t.Fatalf("order = %v, want [a b c]", order)
	}
}

func TestRunYieldPreservesThreadState(t *testing.T) {
	_, err := runHost(t, 1, Config{}, func(c *Context, _ any) int {
		peer, _ := c.CreateThread("peer", func(c *Context, _ any) int {
			stack := c.Stack()
			for i := range stack {
				stack[i] = 0x11
			}
			c.Yield()
			return 0
		}, nil, DefaultPriority, 0)
		c.Resume(peer)

		sentinel := uint64(0xfeedface)
		stack := c.Stack()
		stack[len(stack)-1] = 0xab
		c.Yield()
		if sentinel != 0xfeedface || stack[len(stack)-1] != 0xab {
			t.Errorf("state after yield = %#x/%#x, want 0xfeedface/0xab", sentinel, stack[len(stack)-1])
		}
		c.Join(peer, InfiniteTime)
		return 0
	})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
}

func TestRunWakeAfterTimeoutIsNoop(t *testing.T) {
	_, err := runHost(t, 1, Config{}, func(c *Context, _ any) int {
		wq := c.Kernel().NewWaitQueue()
		if err := wq.Block(c, 2); !errors.Is(err, ErrTimedOut) {
			t.Errorf("Block(2) = %v, want %v", err, ErrTimedOut)
		}
		if n := wq.WakeOne(c, true, nil); n != 0 {
			t.Errorf("WakeOne() = %d after timeout, want 0", n)
		}

		var got error
		id, _ := c.CreateThread("waiter", func(c *Context, _ any) int {
			got = wq.Block(c, InfiniteTime)
			return 0
		}, nil, DefaultPriority, 0)
		c.Resume(id)
		for wq.Len() == 0 {
			c.Yield()
		}
		if n := wq.WakeOne(c, false, nil); n != 1 {
			t.Errorf("WakeOne() = %d, want 1", n)
		}
		c.Join(id, InfiniteTime)
		if got != nil {
			t.Errorf("Block() = %v after wake, want nil", got)
		}
		if err := c.CheckInvariants(); err != nil {
			t.Errorf("CheckInvariants() = %v", err)
		}
		return 0
	})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
}

func TestRunWakeRacesTimeoutAcrossCPUs(t *testing.T) {
	const waiters, rounds = 6, 100
	var woken, timedOut, bad atomic.Int64
	_, err := runHost(t, 4, Config{}, func(c *Context, _ any) int {
		wq := c.Kernel().NewWaitQueue()
		var done atomic.Int64
		var ids []ThreadID
		for i := 0; i < waiters; i++ {
			id, _ := c.CreateThread("waiter", func(c *Context, _ any) int {
				defer done.Add(1)
				for r := 0; r < rounds; r++ {
					switch err := wq.Block(c, 1); {
					case err == nil:
						woken.Add(1)
					case errors.Is(err, ErrTimedOut):
						timedOut.Add(1)
					default:
						bad.Add(1)
					}
				}
				return 0
			}, nil, DefaultPriority, 0)
			c.Resume(id)
			ids = append(ids, id)
		}
		for done.Load() < waiters {
			wq.WakeAll(c, false, nil)
			c.Yield()
		}
		for _, id := range ids {
			c.Join(id, InfiniteTime)
		}
		if err := c.CheckInvariants(); err != nil {
			t.Errorf("CheckInvariants() = %v", err)
		}
		return 0
	})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if bad.Load() != 0 {
		t.Fatalf("%d blocks failed with an unexpected error", bad.Load())
	}
	if got := woken.Load() + timedOut.Load(); got != waiters*rounds {
		t.Fatalf("blocks finished = %d, want %d", got, waiters*rounds)
	}
}

func TestRunConcurrentSnapshots(t *testing.T) {
	for _, ncpu := range []int{1, 2} {
		var failed atomic.Value
		_, err := runHost(t, ncpu, Config{}, func(c *Context, _ any) int {
			k := c.Kernel()
			stop := make(chan struct{})
			var wg sync.WaitGroup
			for i := 0; i < 2; i++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					for {
						select {
						case <-stop:
							return
						default:
						}
						if len(k.Threads()) == 0 {
							failed.Store("Threads() returned no threads")
						}
						if err := k.Dump(io.Discard); err != nil {
							failed.Store("Dump() = " + err.Error())
						}
						if err := k.CheckInvariants(); err != nil {
							failed.Store("CheckInvariants() = " + err.Error())
						}
					}
				}()
			}

			peer, _ := c.CreateThread("peer", func(c *Context, _ any) int {
				for i := 0; i < 200; i++ {
					c.Threads()
					c.Yield()
				}
				return 0
			}, nil, DefaultPriority, 0)
			c.Resume(peer)
			for i := 0; i < 200; i++ {
				if len(c.Threads()) == 0 {
					t.Error("Context.Threads() returned no threads")
				}
				if err := c.CheckInvariants(); err != nil {
					t.Errorf("Context.CheckInvariants() = %v", err)
				}
				if i%50 == 0 {
					c.Sleep(1)
				}
				c.Yield()
			}
			c.Join(peer, InfiniteTime)
			close(stop)
			wg.Wait()
			return 0
		})
		if err != nil {
			t.Fatalf("Run(%d cpus) error = %v", ncpu, err)
		}
		if msg := failed.Load(); msg != nil {
			t.Fatalf("%d cpus: %v", ncpu, msg)
		}
	}
}
