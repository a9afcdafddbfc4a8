package screen

import (
	"image/color"

	"ember/hal"

	"tinygo.org/x/drivers"
)

var _ drivers.Displayer = (*fbDisplay)(nil)

// fbDisplay adapts a hal.Framebuffer to the driver display interface the
// font renderer draws through.
type fbDisplay struct {
	fb hal.Framebuffer
}

func (d *fbDisplay) Size() (x, y int16) {
	if d.fb == nil {
		return 0, 0
	}
	return int16(d.fb.Width()), int16(d.fb.Height())
}

func (d *fbDisplay) SetPixel(x, y int16, c color.RGBA) {
	if d.fb == nil || d.fb.Format() != hal.PixelFormatRGB565 {
		return
	}
	buf := d.fb.Buffer()
	if buf == nil {
		return
	}

	ix, iy := int(x), int(y)
	if ix < 0 || ix >= d.fb.Width() || iy < 0 || iy >= d.fb.Height() {
		return
	}

	pixel := rgb565(c)
	off := iy*d.fb.StrideBytes() + ix*2
	if off < 0 || off+1 >= len(buf) {
		return
	}
	buf[off] = byte(pixel)
	buf[off+1] = byte(pixel >> 8)
}

func (d *fbDisplay) Display() error {
	if d.fb == nil {
		return nil
	}
	return d.fb.Present()
}

// fillRows paints rows [y0, y1) with c.
func (d *fbDisplay) fillRows(y0, y1 int, c color.RGBA) {
	buf := d.fb.Buffer()
	stride := d.fb.StrideBytes()
	pixel := rgb565(c)
	lo, hi := byte(pixel), byte(pixel>>8)
	if y0 < 0 {
		y0 = 0
	}
	if y1 > d.fb.Height() {
		y1 = d.fb.Height()
	}
	for y := y0; y < y1; y++ {
		row := buf[y*stride : y*stride+d.fb.Width()*2]
		for i := 0; i+1 < len(row); i += 2 {
			row[i] = lo
			row[i+1] = hi
		}
	}
}

func rgb565(c color.RGBA) uint16 {
	return uint16(c.R>>3)<<11 | uint16(c.G>>2)<<5 | uint16(c.B>>3)
}
