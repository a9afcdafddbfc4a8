// Package shell is the interactive debug console of the kernel monitor.
package shell

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"

	"github.com/google/shlex"
	"github.com/mattn/go-tty"

	"ember/internal/report"
	"ember/internal/tracedb"
)

// ErrQuit is returned by Exec after the halt command.
var ErrQuit = errors.New("shell: quit")

// ErrNoTTY is returned by ServeTTY when there is no controlling terminal.
var ErrNoTTY = errors.New("shell: no terminal")

var openTTY = tty.Open

// Target is the kernel the shell inspects.
type Target interface {
	Dump(w io.Writer) error
	DumpStats(w io.Writer) error
	CheckInvariants() error
	Halt()
}

// Config wires optional data sources.
type Config struct {
	// Snapshot returns the state printed by the json command.
	Snapshot func() report.Snapshot
	// TracePath is the switch trace database, if recording.
	TracePath string
}

type command struct {
	help string
	run  func(s *Shell, args []string) error
}

// Shell executes one command line at a time.
type Shell struct {
	k    Target
	out  io.Writer
	cfg  Config
	cmds map[string]command
}

// New returns a shell writing to out.
func New(k Target, out io.Writer, cfg Config) *Shell {
	s := &Shell{k: k, out: out, cfg: cfg}
	s.cmds = map[string]command{
		"help":    {"list commands", (*Shell).help},
		"threads": {"dump the thread table", (*Shell).threads},
		"stats":   {"dump per-cpu counters", (*Shell).stats},
		"check":   {"verify scheduler invariants", (*Shell).check},
		"json":    {"print a JSON snapshot", (*Shell).json},
		"trace":   {"trace [n]: top threads and last n switches", (*Shell).trace},
		"halt":    {"halt the machine", (*Shell).halt},
	}
	return s
}

// Exec parses and runs one command line.
func (s *Shell) Exec(line string) error {
	args, err := shlex.Split(line)
	if err != nil {
		return fmt.Errorf("shell: %w", err)
	}
	if len(args) == 0 {
		return nil
	}
	cmd, ok := s.cmds[args[0]]
	if !ok {
		return fmt.Errorf("shell: unknown command %q (try help)", args[0])
	}
	return cmd.run(s, args[1:])
}

func (s *Shell) help(_ []string) error {
	names := make([]string, 0, len(s.cmds))
	for name := range s.cmds {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		fmt.Fprintf(s.out, "  %-8s %s\n", name, s.cmds[name].help)
	}
	return nil
}

func (s *Shell) threads(_ []string) error { return s.k.Dump(s.out) }
func (s *Shell) stats(_ []string) error   { return s.k.DumpStats(s.out) }

func (s *Shell) check(_ []string) error {
	if err := s.k.CheckInvariants(); err != nil {
		fmt.Fprintf(s.out, "invariant violated: %v\n", err)
		return nil
	}
	fmt.Fprintln(s.out, "ok")
	return nil
}

func (s *Shell) json(_ []string) error {
	if s.cfg.Snapshot == nil {
		return errors.New("shell: no snapshot source")
	}
	return report.Write(s.out, s.cfg.Snapshot())
}

func (s *Shell) trace(args []string) error {
	if s.cfg.TracePath == "" {
		return errors.New("shell: tracing is off (start with -trace)")
	}
	n := 10
	if len(args) > 0 {
		v, err := strconv.Atoi(args[0])
		if err != nil || v <= 0 {
			return fmt.Errorf("shell: bad count %q", args[0])
		}
		n = v
	}

	rd, err := tracedb.OpenReader(s.cfg.TracePath)
	if err != nil {
		return err
	}
	defer rd.Close()

	total, err := rd.Count()
	if err != nil {
		return err
	}
	top, err := rd.TopThreads(5)
	if err != nil {
		return err
	}
	recent, err := rd.Recent(n)
	if err != nil {
		return err
	}
	fmt.Fprintf(s.out, "%d switches recorded\n", total)
	for _, tc := range top {
		fmt.Fprintf(s.out, "  %-16s %d\n", tc.Name, tc.Switches)
	}
	for _, sw := range recent {
		fmt.Fprintf(s.out, "  #%d t=%d cpu%d %s(%s) -> %s[%d]\n", sw.Seq, sw.Time, sw.CPU, sw.FromName, sw.FromSt, sw.ToName, sw.Priority)
	}
	return nil
}

func (s *Shell) halt(_ []string) error {
	s.k.Halt()
	return ErrQuit
}

// LineReader yields one command line per call.
type LineReader interface {
	ReadString() (string, error)
}

// Serve reads and runs commands until ctx is done, the input ends, or the
// halt command runs. Command errors are printed, not returned.
func (s *Shell) Serve(ctx context.Context, in LineReader) error {
	for {
		if err := ctx.Err(); err != nil {
			return nil
		}
		fmt.Fprint(s.out, "ember> ")
		line, err := in.ReadString()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return fmt.Errorf("shell: read: %w", err)
		}
		if err := s.Exec(strings.TrimSpace(line)); err != nil {
			if errors.Is(err, ErrQuit) {
				return nil
			}
			fmt.Fprintln(s.out, err)
		}
	}
}

// ServeTTY runs the shell on the controlling terminal.
func (s *Shell) ServeTTY(ctx context.Context) error {
	t, err := openTTY()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrNoTTY, err)
	}
	defer t.Close()
	s.out = t.Output()
	return s.Serve(ctx, t)
}

// ServeStream runs the shell over a byte stream such as a serial port.
func (s *Shell) ServeStream(ctx context.Context, rw io.ReadWriter) error {
	s.out = rw
	return s.Serve(ctx, streamLines{bufio.NewReader(rw)})
}

// ServeConsole prefers the terminal and falls back to serial when there is
// none. serial may be nil.
func (s *Shell) ServeConsole(ctx context.Context, serial io.ReadWriter) error {
	err := s.ServeTTY(ctx)
	if errors.Is(err, ErrNoTTY) && serial != nil {
		return s.ServeStream(ctx, serial)
	}
	return err
}

type streamLines struct {
	r *bufio.Reader
}

func (l streamLines) ReadString() (string, error) {
	line, err := l.r.ReadString('\n')
	if errors.Is(err, io.EOF) && line != "" {
		return line, nil
	}
	return line, err
}
