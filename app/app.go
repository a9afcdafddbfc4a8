// Package app boots the kernel on a HAL, runs the demo workload and keeps the
// monitor screen up to date.
package app

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"

	"ember/arch"
	"ember/hal"
	"ember/internal/buildinfo"
	"ember/internal/report"
	"ember/internal/screen"
	"ember/internal/shell"
	"ember/internal/tracedb"
	"ember/kernel"
)

// Config selects the machine shape and the optional tooling.
type Config struct {
	CPUs       int
	Quantum    int
	MaxThreads int
	Verbose    bool

	// Workers is the number of producer/consumer pairs. Defaults to 2.
	Workers int
	// Rounds is the number of messages each producer sends before main
	// exits. Zero runs until the machine is stopped.
	Rounds int
	// MonitorEvery is the redraw period of the thread table in ticks.
	// Defaults to 100.
	MonitorEvery arch.Time

	// TracePath records every context switch to this SQLite file.
	TracePath string
	// Shell starts the debug shell on the controlling terminal.
	Shell bool
}

// System is one booted machine.
type System struct {
	h    hal.HAL
	cfg  Config
	host *arch.Host
	k    *kernel.Kernel
	scr  *screen.Screen
	rec  *tracedb.Recorder
	w    *workload

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
	ret    int
	err    error

	closeOnce sync.Once
	closeErr  error
}

// New builds the machine and the kernel; Start boots it.
func New(h hal.HAL, cfg Config) (*System, error) {
	if cfg.CPUs <= 0 {
		cfg.CPUs = 1
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 2
	}
	if cfg.MonitorEvery == 0 {
		cfg.MonitorEvery = 100
	}

	s := &System{h: h, cfg: cfg, done: make(chan struct{})}
	if d := h.Display(); d != nil {
		if fb := d.Framebuffer(); fb != nil {
			s.scr = screen.New(fb)
		}
	}

	kcfg := kernel.Config{
		Logger:     h.Logger(),
		Quantum:    cfg.Quantum,
		MaxThreads: cfg.MaxThreads,
		Verbose:    cfg.Verbose,
		OnPanic:    panicHandler(h, s.scr),
	}
	if cfg.TracePath != "" {
		rec, err := tracedb.Open(cfg.TracePath)
		if err != nil {
			return nil, fmt.Errorf("app: %w", err)
		}
		s.rec = rec
		kcfg.Observer = rec
	}

	s.host = arch.NewHost(cfg.CPUs)
	kcfg.Arch = s.host
	k, err := kernel.New(kcfg)
	if err != nil {
		if s.rec != nil {
			s.rec.Close()
		}
		return nil, fmt.Errorf("app: %w", err)
	}
	s.k = k
	return s, nil
}

// Kernel returns the booted kernel.
func (s *System) Kernel() *kernel.Kernel { return s.k }

// Start boots the kernel and begins feeding it ticks from the HAL.
func (s *System) Start(ctx context.Context) {
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.logf("ember %s: %d cpus", buildinfo.Long(), s.cfg.CPUs)

	go func() {
		defer close(s.done)
		s.ret, s.err = s.k.Run(s.ctx, s.main, nil)
	}()
	if t := s.h.Time(); t != nil {
		go s.pumpTicks(t.Ticks())
	}
	if s.cfg.Shell {
		go s.serveShell()
	}
}

// pumpTicks turns HAL ticks into timer interrupts.
func (s *System) pumpTicks(ticks <-chan uint64) {
	for {
		select {
		case <-s.ctx.Done():
			return
		case <-s.host.Halted():
			return
		case _, ok := <-ticks:
			if !ok {
				return
			}
			s.host.Tick()
		}
	}
}

func (s *System) serveShell() {
	sh := shell.New(s.k, nil, shell.Config{
		Snapshot:  func() report.Snapshot { return report.Take(s.k) },
		TracePath: s.cfg.TracePath,
	})
	var serial io.ReadWriter
	if ser := s.h.Serial(); ser != nil {
		serial = ser
	}
	if err := sh.ServeConsole(s.ctx, serial); err != nil {
		s.logf("shell: %v", err)
	}
}

// Step is called by the HAL runner once per frame. It handles keys and
// returns hal.ErrDone once the kernel has stopped.
func (s *System) Step() error {
	select {
	case <-s.done:
		return hal.ErrDone
	default:
	}
	if in := s.h.Input(); in != nil {
		if kb := in.Keyboard(); kb != nil {
			for drained := false; !drained; {
				select {
				case ev := <-kb.Events():
					s.handleKey(ev)
				default:
					drained = true
				}
			}
		}
	}
	return nil
}

func (s *System) handleKey(ev hal.KeyEvent) {
	if !ev.Press {
		return
	}
	switch ev.Code {
	case hal.KeyF1:
		s.logDump(s.k.Dump)
	case hal.KeyF2:
		s.logDump(s.k.DumpStats)
	case hal.KeyF3:
		s.logDump(func(w io.Writer) error { return report.Write(w, report.Take(s.k)) })
	case hal.KeyEscape:
		s.k.Halt()
	}
}

func (s *System) logDump(dump func(w io.Writer) error) {
	var buf bytes.Buffer
	if err := dump(&buf); err != nil {
		s.logf("dump: %v", err)
		return
	}
	for _, line := range strings.Split(strings.TrimRight(buf.String(), "\n"), "\n") {
		s.logf("%s", line)
	}
}

// Wait blocks until the kernel stops and returns main's exit code.
func (s *System) Wait() (int, error) {
	<-s.done
	return s.ret, s.err
}

// Close stops the machine if it is still running and flushes the trace.
func (s *System) Close() error {
	s.closeOnce.Do(func() {
		if s.cancel != nil {
			s.cancel()
			<-s.done
		}
		if s.rec != nil {
			if err := s.rec.Close(); err != nil {
				s.closeErr = fmt.Errorf("app: %w", err)
			}
			if n := s.rec.Dropped(); n > 0 {
				s.logf("trace: %d switches dropped", n)
			}
		}
	})
	return s.closeErr
}

// Err reports why the kernel stopped, with a clean halt treated as success.
func (s *System) Err() error {
	if errors.Is(s.err, kernel.ErrHalted) || errors.Is(s.err, context.Canceled) {
		return nil
	}
	return s.err
}

func (s *System) logf(format string, args ...any) {
	if l := s.h.Logger(); l != nil {
		l.WriteLineString(fmt.Sprintf(format, args...))
	}
}
