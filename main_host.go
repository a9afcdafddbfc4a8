//go:build !tinygo

package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"time"

	"ember/app"
	"ember/arch"
	"ember/hal"
)

func main() {
	var hcfg hal.HeadlessConfig
	var acfg app.Config
	var tick time.Duration
	var monitor uint64
	flag.BoolVar(&hcfg.Enabled, "headless", false, "Run without a window.")
	flag.IntVar(&hcfg.Hz, "hz", 60, "Step rate in headless mode.")
	flag.Uint64Var(&hcfg.Ticks, "ticks", 0, "Stop after N kernel ticks in headless mode (0 = run forever).")
	flag.DurationVar(&tick, "tick", time.Millisecond, "Wall time per kernel tick.")
	flag.IntVar(&acfg.CPUs, "cpus", 1, "Number of logical CPUs.")
	flag.IntVar(&acfg.Quantum, "quantum", 0, "Time slice in ticks (0 = kernel default).")
	flag.IntVar(&acfg.MaxThreads, "max-threads", 0, "Thread table size (0 = kernel default).")
	flag.IntVar(&acfg.Workers, "workers", 2, "Producer/consumer pairs in the demo.")
	flag.IntVar(&acfg.Rounds, "rounds", 0, "Messages per producer before the demo exits (0 = run forever).")
	flag.Uint64Var(&monitor, "monitor", 100, "Thread table redraw period in ticks.")
	flag.StringVar(&acfg.TracePath, "trace", "", "Record context switches to this SQLite file.")
	flag.BoolVar(&acfg.Shell, "shell", false, "Start the debug shell on the terminal.")
	flag.BoolVar(&acfg.Verbose, "verbose", false, "Log thread lifecycle events.")
	flag.Parse()

	acfg.MonitorEvery = arch.Time(monitor)
	host := hal.HostConfig{TickPeriod: tick}

	var sys *app.System
	var bootErr error
	newApp := func(h hal.HAL) func() error {
		sys, bootErr = app.New(h, acfg)
		if bootErr != nil {
			return func() error { return bootErr }
		}
		sys.Start(context.Background())
		return sys.Step
	}

	var err error
	if hcfg.Enabled {
		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
		defer stop()
		hcfg.Host = host
		err = hal.RunHeadless(ctx, newApp, hcfg)
		if errors.Is(err, context.Canceled) {
			err = nil
		}
	} else {
		err = hal.RunWindow(newApp, host)
	}

	code := 0
	if sys != nil {
		if cerr := sys.Close(); cerr != nil && err == nil {
			err = cerr
		}
		ret, _ := sys.Wait()
		if serr := sys.Err(); serr != nil && err == nil {
			err = serr
		}
		code = ret
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	os.Exit(code)
}
