// Package clock derives a trusted "current time" in the deadline's timezone.
//
// A single NTP exchange produces an Anchor: the server's reference instant
// paired with the local monotonic reading taken when the reply arrived.
// Every later query is answered from the anchor plus elapsed monotonic time,
// so the schedule is immune to OS clock steps, slews and DST changes that
// happen while the tool is waiting.
package clock

import (
	"context"
	"sync"
	"time"
)

// Clock is the process-local time base. Now must carry a monotonic reading
// (time.Now does); Sleep must return early with ctx.Err() on cancellation.
type Clock interface {
	Now() time.Time
	Sleep(ctx context.Context, d time.Duration) error
}

// System is the real clock.
type System struct{}

func (System) Now() time.Time { return time.Now() }

func (System) Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Fake is a manually driven Clock. Sleep advances the fake time instead of
// blocking, which lets wait loops run to completion instantly in tests.
type Fake struct {
	mu  sync.Mutex
	now time.Time
	// OnSleep, if set, runs after each Sleep has advanced the clock.
	OnSleep func(now time.Time)
}

// NewFake returns a Fake clock reading start.
func NewFake(start time.Time) *Fake {
	return &Fake{now: start}
}

func (f *Fake) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

// Advance moves the fake time forward by d.
func (f *Fake) Advance(d time.Duration) {
	f.mu.Lock()
	f.now = f.now.Add(d)
	f.mu.Unlock()
}

func (f *Fake) Sleep(ctx context.Context, d time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if d > 0 {
		f.Advance(d)
	}
	if f.OnSleep != nil {
		f.OnSleep(f.Now())
	}
	return ctx.Err()
}

var (
	_ Clock = System{}
	_ Clock = (*Fake)(nil)
)
