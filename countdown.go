package main

import (
	"fmt"
	"io"
	"sync/atomic"
	"time"

	"github.com/vbauerster/mpb/v8"
	"github.com/vbauerster/mpb/v8/decor"

	"unlock-bot/schedule"
)

// countdown draws one bar per waiting phase from scheduler events. The
// returned channel is closed once the events channel is closed and the bars
// are flushed.
func countdown(w io.Writer, events <-chan schedule.Event) <-chan struct{} {
	done := make(chan struct{})
	p := mpb.New(mpb.WithOutput(w), mpb.WithWidth(64), mpb.WithRefreshRate(100*time.Millisecond))

	go func() {
		defer close(done)
		var (
			bar   *mpb.Bar
			total int64
			left  atomic.Int64 // remaining, read by the render goroutine
		)
		finish := func(abort bool) {
			if bar == nil {
				return
			}
			if abort {
				bar.Abort(false)
			} else {
				bar.SetTotal(-1, true)
			}
			bar = nil
		}

		for e := range events {
			switch e.Kind {
			case schedule.EventState:
				finish(false)
				var name string
				switch e.State {
				case schedule.StateWaitingForProbeWindow:
					name = "Latency check " + e.At.Format("15:04:05")
				case schedule.StateWaitingForTarget:
					name = "Submit at " + e.At.Format("15:04:05.000")
				default:
					continue
				}
				total = 0
				left.Store(0)
				bar = p.New(0,
					mpb.BarStyle().Lbound("╢").Filler("█").Tip("█").Padding("░").Rbound("╟"),
					mpb.PrependDecorators(
						decor.Name(name, decor.WC{W: len(name) + 1, C: decor.DindentRight}),
					),
					mpb.AppendDecorators(
						decor.OnComplete(
							decor.Any(func(decor.Statistics) string {
								return fmt.Sprintf("%.1fs", time.Duration(left.Load()).Seconds())
							}, decor.WC{W: 8}),
							"done",
						),
					),
				)
			case schedule.EventTick:
				if bar == nil {
					continue
				}
				if total == 0 {
					total = e.Remaining.Milliseconds() + 1
					bar.SetTotal(total, false)
				}
				left.Store(int64(e.Remaining))
				bar.SetCurrent(total - e.Remaining.Milliseconds())
			case schedule.EventFired:
				left.Store(0)
				finish(false)
			case schedule.EventCancelled:
				finish(true)
			}
		}
		finish(true)
		p.Wait()
	}()
	return done
}
