package app

import (
	"bytes"
	"context"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"ember/hal"
	"ember/internal/screen"
	"ember/internal/tracedb"
	"ember/kernel"
)

type testLogger struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (l *testLogger) WriteLineString(s string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.buf.WriteString(s)
	l.buf.WriteByte('\n')
}

func (l *testLogger) WriteLineBytes(b []byte) { l.WriteLineString(string(b)) }

func (l *testLogger) String() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.buf.String()
}

type testFB struct {
	mu       sync.Mutex
	buf      []byte
	presents int
}

func (f *testFB) Width() int              { return 160 }
func (f *testFB) Height() int             { return 120 }
func (f *testFB) Format() hal.PixelFormat { return hal.PixelFormatRGB565 }
func (f *testFB) StrideBytes() int        { return 320 }
func (f *testFB) Buffer() []byte          { return f.buf }
func (f *testFB) ClearRGB(r, g, b uint8)  {}

func (f *testFB) Present() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.presents++
	return nil
}

func (f *testFB) Presents() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.presents
}

type testTime struct{ ch chan uint64 }

func (t testTime) Ticks() <-chan uint64  { return t.ch }
func (t testTime) Period() time.Duration { return time.Millisecond }

type testKeyboard struct{ ch chan hal.KeyEvent }

func (k testKeyboard) Events() <-chan hal.KeyEvent { return k.ch }

type testHAL struct {
	log  *testLogger
	fb   *testFB
	t    testTime
	keys testKeyboard
}

func newTestHAL() *testHAL {
	return &testHAL{
		log:  &testLogger{},
		fb:   &testFB{buf: make([]byte, 320*120)},
		t:    testTime{ch: make(chan uint64, 16)},
		keys: testKeyboard{ch: make(chan hal.KeyEvent, 8)},
	}
}

func (h *testHAL) Logger() hal.Logger           { return h.log }
func (h *testHAL) Display() hal.Display         { return h }
func (h *testHAL) Framebuffer() hal.Framebuffer { return h.fb }
func (h *testHAL) Input() hal.Input             { return h }
func (h *testHAL) Keyboard() hal.Keyboard       { return h.keys }
func (h *testHAL) Time() hal.Time               { return h.t }
func (h *testHAL) Serial() hal.Serial           { return nil }

// tick feeds the HAL tick stream every millisecond until ctx ends.
func (h *testHAL) tick(ctx context.Context) {
	tk := time.NewTicker(time.Millisecond)
	defer tk.Stop()
	var seq uint64
	for {
		select {
		case <-ctx.Done():
			return
		case <-tk.C:
			seq++
			select {
			case h.t.ch <- seq:
			default:
			}
		}
	}
}

func bootTestSystem(t *testing.T, h *testHAL, cfg Config) *System {
	t.Helper()
	s, err := New(h, cfg)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	t.Cleanup(cancel)
	go h.tick(ctx)
	s.Start(ctx)
	return s
}

func TestDemoRunsToCompletion(t *testing.T) {
	h := newTestHAL()
	s := bootTestSystem(t, h, Config{CPUs: 2, Workers: 2, Rounds: 40, MonitorEvery: 5})

	ret, err := s.Wait()
	if err != nil {
		t.Fatalf("Wait() error = %v", err)
	}
	if ret != 0 {
		t.Fatalf("main exit code = %d, want 0\n%s", ret, h.log.String())
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if err := s.Step(); err != hal.ErrDone {
		t.Fatalf("Step() after exit = %v, want %v", err, hal.ErrDone)
	}
	if !strings.Contains(h.log.String(), "demo: produced 80, consumed 80") {
		t.Fatalf("log missing the demo summary:\n%s", h.log.String())
	}
	if h.fb.Presents() == 0 {
		t.Fatal("monitor never drew the thread table")
	}
}

func TestDemoRecordsTrace(t *testing.T) {
	path := filepath.Join(t.TempDir(), "trace.db")
	h := newTestHAL()
	s := bootTestSystem(t, h, Config{Workers: 1, Rounds: 20, TracePath: path})
	if ret, err := s.Wait(); err != nil || ret != 0 {
		t.Fatalf("Wait() = %d, %v; want 0, nil", ret, err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	rd, err := tracedb.OpenReader(path)
	if err != nil {
		t.Fatalf("OpenReader() error = %v", err)
	}
	defer rd.Close()
	n, err := rd.Count()
	if err != nil || n == 0 {
		t.Fatalf("Count() = %d, %v; want switches recorded", n, err)
	}
}

func TestEscapeHalts(t *testing.T) {
	h := newTestHAL()
	s := bootTestSystem(t, h, Config{Workers: 1})
	for deadline := time.Now().Add(5 * time.Second); len(s.Kernel().Threads()) < 5; {
		if time.Now().After(deadline) {
			t.Fatal("workload never started")
		}
		time.Sleep(time.Millisecond)
	}

	h.keys.ch <- hal.KeyEvent{Code: hal.KeyF2, Press: true}
	h.keys.ch <- hal.KeyEvent{Code: hal.KeyEscape, Press: true}
	if err := s.Step(); err != nil {
		t.Fatalf("Step() error = %v", err)
	}
	if _, err := s.Wait(); err == nil {
		t.Fatal("Wait() error = nil after halt, want ErrHalted")
	}
	if err := s.Err(); err != nil {
		t.Fatalf("Err() = %v, want nil for a clean halt", err)
	}
	if !strings.Contains(h.log.String(), "resched,") {
		t.Fatalf("F2 did not log stats:\n%s", h.log.String())
	}
	s.Close()
}

func TestPanicHandler(t *testing.T) {
	h := newTestHAL()
	handler := panicHandler(h, screen.New(h.fb))
	handler(kernel.PanicInfo{CPU: 0, ThreadName: "crasher", Value: "boom", Stack: []byte("goroutine 1\n")})

	out := h.log.String()
	if !strings.Contains(out, "thread=") || !strings.Contains(out, "(crasher) panic=boom") || !strings.Contains(out, "goroutine 1") {
		t.Fatalf("panic log = %q", out)
	}
	if h.fb.Presents() != 1 {
		t.Fatalf("presents = %d, want 1", h.fb.Presents())
	}
}
