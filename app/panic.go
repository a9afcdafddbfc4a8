package app

import (
	"fmt"
	"strings"

	"ember/hal"
	"ember/internal/screen"
	"ember/kernel"
)

// panicHandler logs a kernel panic and paints the panic screen. It runs once,
// possibly with the scheduler lock held, so it only touches the HAL.
func panicHandler(h hal.HAL, scr *screen.Screen) func(kernel.PanicInfo) {
	return func(info kernel.PanicInfo) {
		if l := h.Logger(); l != nil {
			l.WriteLineString(fmt.Sprintf("ember panic: cpu=%d thread=%v (%s) panic=%v",
				info.CPU, info.Thread, info.ThreadName, info.Value))
			for _, line := range strings.Split(string(info.Stack), "\n") {
				if line != "" {
					l.WriteLineString(line)
				}
			}
		}
		if scr != nil {
			_ = scr.Panic(info)
		}
	}
}
