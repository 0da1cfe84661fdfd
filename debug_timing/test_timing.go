package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/fatih/color"

	"unlock-bot/clock"
	"unlock-bot/logger"
	"unlock-bot/schedule"
)

func main() {
	runs := flag.Int("n", 3, "number of wake-ups")
	spin := flag.Duration("spin", 5*time.Millisecond, "busy-wait window")
	tick := flag.Duration("tick", 100*time.Millisecond, "poll interval")
	flag.Parse()

	fmt.Println("Starting Precision Timing Verification...")
	log := logger.NewConsoleLogger(os.Stderr, true)

	for i := 1; i <= *runs; i++ {
		// Anchor so that 23:59:59.000 synthetic is one second from now.
		ref := time.Date(2000, 1, 1, 23, 59, 58, 0, time.UTC)
		anchor := clock.NewAnchor(ref, time.Now(), "local")
		s := schedule.New(anchor, clock.System{}, schedule.Options{Hour: 23, Minute: 59, Tick: *tick, Spin: *spin}, log)

		at, err := s.Arm(schedule.Target{Seconds: 59}, func(context.Context) error { return nil })
		if err != nil {
			fmt.Println(err)
			os.Exit(1)
		}
		fmt.Printf("\n[Test %d] Sleeping until: %s\n", i, at.Format("15:04:05.000000"))

		f, err := s.Run(context.Background())
		if err != nil {
			fmt.Println(err)
			os.Exit(1)
		}
		fmt.Printf("   -> Woke up at: %s\n", f.Before.Format("15:04:05.000000"))

		drift := f.Drift()
		msg := fmt.Sprintf("   Precision Wake: Drift = %d µs", drift.Microseconds())
		if drift > time.Millisecond {
			color.Red("%s", msg)
		} else {
			color.Green("%s", msg)
		}
		if drift > 2*time.Millisecond {
			fmt.Println("   Warning: High drift detected! CPU might be overloaded or GC pause.")
		}
	}
}
