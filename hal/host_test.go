//go:build !tinygo

package hal

import (
	"bytes"
	"errors"
	"strings"
	"testing"
	"time"
)

func TestHostTimeStepsByPeriod(t *testing.T) {
	ht := newHostTime(time.Millisecond)
	start := time.Unix(100, 0)

	ht.step(start)
	if got := len(ht.ch); got != 1 {
		t.Fatalf("first step ticks = %d, want 1", got)
	}
	ht.step(start.Add(500 * time.Microsecond))
	if got := len(ht.ch); got != 1 {
		t.Fatalf("ticks after half a period = %d, want 1", got)
	}
	ht.step(start.Add(3*time.Millisecond + 200*time.Microsecond))
	if got := len(ht.ch); got != 4 {
		t.Fatalf("ticks after 3.2 periods = %d, want 4", got)
	}
	for want := uint64(1); want <= 4; want++ {
		if got := <-ht.Ticks(); got != want {
			t.Fatalf("tick = %d, want %d", got, want)
		}
	}
}

func TestHostTimeDropsWhenFull(t *testing.T) {
	ht := newHostTime(time.Millisecond)
	ht.stepN(uint64(cap(ht.ch)) + 10)
	if got := len(ht.ch); got != cap(ht.ch) {
		t.Fatalf("queued = %d, want %d", got, cap(ht.ch))
	}
	if ht.seq != uint64(cap(ht.ch))+10 {
		t.Fatalf("seq = %d, want %d", ht.seq, cap(ht.ch)+10)
	}
}

func TestFramebufferPresentPublishes(t *testing.T) {
	fb := newHostFramebuffer(4, 2)
	fb.ClearRGB(255, 255, 255)

	dst := make([]byte, len(fb.buf))
	if frames := fb.snapshotRGB565(dst); frames != 0 {
		t.Fatalf("frames = %d before Present, want 0", frames)
	}
	if dst[0] != 0 {
		t.Fatal("unpresented pixels visible")
	}
	if err := fb.Present(); err != nil {
		t.Fatalf("Present() error = %v", err)
	}
	if frames := fb.snapshotRGB565(dst); frames != 1 {
		t.Fatalf("frames = %d, want 1", frames)
	}
	if got := uint16(dst[0]) | uint16(dst[1])<<8; got != 0xffff {
		t.Fatalf("pixel = %#04x, want 0xffff", got)
	}
}

func TestPixelRoundTrip(t *testing.T) {
	r, g, b := rgb888From565(rgb565(255, 0, 255))
	if r != 255 || g != 0 || b != 255 {
		t.Fatalf("rgb888From565(rgb565(255, 0, 255)) = %d,%d,%d", r, g, b)
	}
}

func TestHostLogger(t *testing.T) {
	var buf bytes.Buffer
	h := New(HostConfig{Log: &buf})
	h.Logger().WriteLineString("hello")
	h.Logger().WriteLineBytes([]byte("world"))
	if got := buf.String(); got != "hello\nworld\n" {
		t.Fatalf("log = %q, want %q", got, "hello\nworld\n")
	}
}

func TestHostSerial(t *testing.T) {
	var out bytes.Buffer
	s := &hostSerial{r: strings.NewReader("threads\n"), w: &out}
	buf := make([]byte, 16)
	n, err := s.Read(buf)
	if err != nil || string(buf[:n]) != "threads\n" {
		t.Fatalf("Read() = %q, %v", buf[:n], err)
	}
	if _, err := s.Write([]byte("ok\n")); err != nil || out.String() != "ok\n" {
		t.Fatalf("Write() = %v, out %q", err, out.String())
	}

	var none hostSerial
	if _, err := none.Read(buf); !errors.Is(err, ErrNotImplemented) {
		t.Fatalf("Read() on a detached line = %v, want %v", err, ErrNotImplemented)
	}
}
