// Package screen renders the kernel monitor onto a framebuffer: a live thread
// table while the kernel runs and a panic report once it halts.
package screen

import (
	"fmt"
	"image/color"
	"strings"
	"unicode/utf8"

	"ember/arch"
	"ember/hal"
	"ember/kernel"

	"tinygo.org/x/tinyfont"
	"tinygo.org/x/tinyfont/proggy"
)

var (
	fgNormal = color.RGBA{R: 0xd0, G: 0xd0, B: 0xd0, A: 0xff}
	fgHeader = color.RGBA{R: 0xff, G: 0xc0, B: 0x40, A: 0xff}
	bgNormal = color.RGBA{R: 0x10, G: 0x10, B: 0x18, A: 0xff}
	fgPanic  = color.RGBA{R: 0xff, G: 0xff, B: 0xff, A: 0xff}
	bgPanic  = color.RGBA{R: 0x80, G: 0x00, B: 0x00, A: 0xff}
)

const (
	lineHeight = 10
	fontOffset = 7
)

// Screen draws text lines in a fixed-width font.
type Screen struct {
	d     fbDisplay
	font  tinyfont.Fonter
	cellW int16
}

// New returns a Screen drawing on fb.
func New(fb hal.Framebuffer) *Screen {
	font := &proggy.TinySZ8pt7b
	_, w := tinyfont.LineWidth(font, "0")
	if w == 0 {
		w = 6
	}
	return &Screen{d: fbDisplay{fb: fb}, font: font, cellW: int16(w)}
}

// Cols is the number of character cells per line.
func (s *Screen) Cols() int {
	w, _ := s.d.Size()
	if s.cellW <= 0 {
		return 0
	}
	return int(w / s.cellW)
}

// Rows is the number of text lines that fit.
func (s *Screen) Rows() int {
	_, h := s.d.Size()
	return int(h) / lineHeight
}

// Lines clears the screen to bg, draws lines from the top (wrapping long ones
// and stopping at the bottom edge) and presents the frame.
func (s *Screen) Lines(lines []string, fg, bg color.RGBA) error {
	if s.d.fb == nil {
		return nil
	}
	s.d.fillRows(0, s.d.fb.Height(), bg)
	row := 0
	for i, line := range wrap(lines, s.Cols()) {
		if row >= s.Rows() {
			break
		}
		c := fg
		if i == 0 {
			c = fgHeader
		}
		s.drawLine(row, line, c)
		row++
	}
	return s.d.Display()
}

func (s *Screen) drawLine(row int, text string, c color.RGBA) {
	x := int16(0)
	y := int16(row*lineHeight) + fontOffset
	for _, r := range text {
		tinyfont.DrawChar(&s.d, s.font, x, y, r, c)
		x += s.cellW
	}
}

// Threads draws the thread table and per-CPU summary.
func (s *Screen) Threads(now arch.Time, threads []kernel.ThreadInfo, stats []kernel.CPUStats) error {
	return s.Lines(ThreadLines(now, threads, stats), fgNormal, bgNormal)
}

// Panic draws the panic report.
func (s *Screen) Panic(info kernel.PanicInfo) error {
	return s.Lines(PanicLines(info), fgPanic, bgPanic)
}

// ThreadLines formats the monitor view.
func ThreadLines(now arch.Time, threads []kernel.ThreadInfo, stats []kernel.CPUStats) []string {
	lines := []string{fmt.Sprintf("ember  t=%d  threads=%d", now, len(threads))}
	for _, st := range stats {
		state := "busy"
		switch {
		case !st.Active:
			state = "off"
		case st.Idle:
			state = "idle"
		}
		lines = append(lines, fmt.Sprintf("cpu%d %-4s sw=%d pre=%d idle=%d", st.CPU, state, st.ContextSwitches, st.Preempts, st.IdleTime))
	}
	lines = append(lines, "", "id       name         st   pr c  run")
	for _, ti := range threads {
		cpu := "-"
		if ti.CurrCPU >= 0 {
			cpu = fmt.Sprint(ti.CurrCPU)
		}
		lines = append(lines, fmt.Sprintf("%-8v %-12.12s %-4v %2d %s %4d", ti.ID, ti.Name, ti.State, ti.Priority, cpu, ti.RunTime))
	}
	return lines
}

// PanicLines formats a panic report.
func PanicLines(info kernel.PanicInfo) []string {
	lines := []string{
		"ember panic",
		fmt.Sprintf("cpu: %d", info.CPU),
		fmt.Sprintf("thread: %v %s", info.Thread, info.ThreadName),
		fmt.Sprintf("panic: %v", info.Value),
	}
	if len(info.Stack) > 0 {
		lines = append(lines, "stack:")
		for _, line := range strings.Split(string(info.Stack), "\n") {
			if line != "" {
				lines = append(lines, line)
			}
		}
	} else {
		lines = append(lines, "stack: unavailable")
	}
	return lines
}

// wrap splits every line into chunks of at most cols runes. Continuation
// chunks lose their leading spaces.
func wrap(lines []string, cols int) []string {
	if cols <= 0 {
		return lines
	}
	var out []string
	for _, line := range lines {
		if line == "" {
			out = append(out, "")
			continue
		}
		for line != "" {
			chunk, rest := takeRunes(line, cols)
			out = append(out, chunk)
			line = strings.TrimLeft(rest, " ")
		}
	}
	return out
}

func takeRunes(s string, n int) (prefix, rest string) {
	if n <= 0 || s == "" {
		return "", s
	}
	if len(s) <= n {
		return s, ""
	}
	i, count := 0, 0
	for i < len(s) && count < n {
		_, size := utf8.DecodeRuneInString(s[i:])
		i += size
		count++
	}
	return s[:i], s[i:]
}
