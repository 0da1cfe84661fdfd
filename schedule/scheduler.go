// Package schedule decides when the submission fires and fires it once.
package schedule

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"unlock-bot/clock"
	"unlock-bot/logger"
)

// ErrCancelled is returned when the wait was aborted before firing.
var ErrCancelled = errors.New("wait cancelled")

// State is the scheduler's phase.
type State string

const (
	StateIdle                  State = "idle"
	StateWaitingForProbeWindow State = "waiting_for_probe_window"
	StateWaitingForTarget      State = "waiting_for_target"
	StateFired                 State = "fired"
	StateCancelled             State = "cancelled"
)

func (s State) terminal() bool { return s == StateFired || s == StateCancelled }

// EventKind tells which Event fields are set: Remaining only on ticks.
type EventKind string

const (
	EventState     EventKind = "state"
	EventTick      EventKind = "tick"
	EventFired     EventKind = "fired"
	EventCancelled EventKind = "cancelled"
)

// Event is a progress notification. Now and At are synthetic times in the
// deadline timezone.
type Event struct {
	Kind      EventKind
	State     State
	Now       time.Time
	At        time.Time
	Remaining time.Duration
}

// Trigger performs the submission. It is called at most once per Scheduler.
type Trigger func(ctx context.Context) error

// Firing records the trigger call in synthetic time.
type Firing struct {
	At     time.Time // scheduled instant
	Before time.Time // immediately before the trigger
	After  time.Time // immediately after it returned
	Err    error     // trigger error; the firing itself still happened
}

// Drift is how late the trigger started relative to the scheduled instant.
func (f Firing) Drift() time.Duration { return f.Before.Sub(f.At) }

// Options configures a Scheduler. Zero Tick means 100ms.
type Options struct {
	Hour, Minute int           // deadline boundary in the anchor's timezone
	Tick         time.Duration // poll interval
	// Spin is the window before the instant in which the loop stops sleeping
	// and busy-polls the clock. Zero disables spinning.
	Spin time.Duration
	// Warm, if set, runs once when the armed target is WarmLead away, e.g.
	// to open the submission connection. It runs on the wait loop with a ctx
	// that expires a tick plus the spin window before the target, and is
	// skipped when less than WarmLead/2 of that budget is left. Warm must
	// return when its ctx is done.
	Warm     func(ctx context.Context)
	WarmLead time.Duration
}

// Scheduler is the state machine of one submission cycle:
// idle -> waiting_for_probe_window (auto) -> waiting_for_target -> fired.
// A Scheduler is single use.
type Scheduler struct {
	anchor clock.Anchor
	clock  clock.Clock
	opts   Options
	log    logger.Logger

	mu      sync.Mutex
	state   State
	at      time.Time
	trigger Trigger
	firing  Firing
	events  chan Event
	warmed  bool
}

// New returns an idle Scheduler that reads synthetic time from anchor and c.
func New(anchor clock.Anchor, c clock.Clock, opts Options, log logger.Logger) *Scheduler {
	if opts.Tick <= 0 {
		opts.Tick = 100 * time.Millisecond
	}
	return &Scheduler{
		anchor: anchor,
		clock:  c,
		opts:   opts,
		log:    log,
		state:  StateIdle,
		events: make(chan Event, 128),
	}
}

// Events delivers progress. A slow reader misses ticks, never the deadline
// or a state change. The channel is closed once the scheduler
// reaches fired or cancelled.
func (s *Scheduler) Events() <-chan Event { return s.events }

// State returns the current phase.
func (s *Scheduler) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Now is the current synthetic time.
func (s *Scheduler) Now() time.Time { return s.anchor.Now(s.clock) }

// Firing returns the recorded trigger call; zero until fired.
func (s *Scheduler) Firing() Firing {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.firing
}

// WaitForProbeWindow blocks until synthetic time reaches at. Valid from idle,
// or again after a previous probe window to measure at a later checkpoint.
func (s *Scheduler) WaitForProbeWindow(ctx context.Context, at time.Time) error {
	s.mu.Lock()
	if s.state != StateIdle && s.state != StateWaitingForProbeWindow {
		st := s.state
		s.mu.Unlock()
		return fmt.Errorf("wait for probe window from state %s", st)
	}
	s.at = at
	s.setStateLocked(StateWaitingForProbeWindow)
	s.mu.Unlock()

	s.log.Info("waiting for %s to measure latency", at.Format("15:04:05"))
	_, err := s.loop(ctx)
	return err
}

// Arm resolves the target to the next occurrence of hour:minute plus the
// target offset and enters waiting_for_target. A target whose instant has
// already passed rolls forward one day.
func (s *Scheduler) Arm(target Target, trigger Trigger) (time.Time, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateIdle && s.state != StateWaitingForProbeWindow {
		return time.Time{}, fmt.Errorf("arm from state %s", s.state)
	}
	now := s.anchor.Now(s.clock)
	s.at = Next(now, s.opts.Hour, s.opts.Minute, target.Offset())
	s.trigger = trigger
	s.setStateLocked(StateWaitingForTarget)
	s.log.Info("waiting until %s", s.at.Format("2006-01-02 15:04:05.000"))
	return s.at, nil
}

// Run polls until the armed target fires or ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) (Firing, error) {
	if st := s.State(); st != StateWaitingForTarget {
		return Firing{}, fmt.Errorf("run from state %s", st)
	}
	st, err := s.loop(ctx)
	if err != nil {
		return Firing{}, err
	}
	if st != StateFired {
		return Firing{}, fmt.Errorf("wait ended in state %s", st)
	}
	return s.Firing(), nil
}

// Poll makes one fire check. Once the scheduler has fired, further polls
// return immediately without calling the trigger again. A cancelled ctx
// moves the scheduler to cancelled before any fire check.
func (s *Scheduler) Poll(ctx context.Context) (time.Duration, State) {
	s.mu.Lock()
	if s.state.terminal() {
		st := s.state
		s.mu.Unlock()
		return 0, st
	}
	if ctx.Err() != nil {
		s.setStateLocked(StateCancelled)
		s.emitLocked(Event{Kind: EventCancelled, State: StateCancelled, At: s.at})
		close(s.events)
		s.mu.Unlock()
		s.log.Warning("wait cancelled")
		return 0, StateCancelled
	}

	now := s.anchor.Now(s.clock)
	remaining := s.at.Sub(now)
	state := s.state
	if remaining > 0 || state != StateWaitingForTarget {
		if remaining > 0 {
			s.emitLocked(Event{Kind: EventTick, State: state, Now: now, At: s.at, Remaining: remaining})
		}
		s.mu.Unlock()
		return remaining, state
	}

	s.setStateLocked(StateFired)
	s.emitLocked(Event{Kind: EventFired, State: StateFired, Now: now, At: s.at, Remaining: remaining})
	at, trigger := s.at, s.trigger
	s.mu.Unlock()

	s.log.Info("target time reached, submitting request")
	f := Firing{At: at, Before: s.anchor.Now(s.clock)}
	if trigger != nil {
		f.Err = trigger(ctx)
	}
	f.After = s.anchor.Now(s.clock)

	s.mu.Lock()
	s.firing = f
	close(s.events)
	s.mu.Unlock()
	return remaining, StateFired
}

// loop polls until the current phase completes. Between polls it sleeps one
// tick, or less when the instant is closer than a tick, and busy-waits the
// final Spin window so OS timer slack does not make the fire late.
func (s *Scheduler) loop(ctx context.Context) (State, error) {
	for {
		remaining, st := s.Poll(ctx)
		switch {
		case st == StateCancelled:
			return st, fmt.Errorf("%w: %w", ErrCancelled, context.Cause(ctx))
		case st == StateFired:
			return st, nil
		case st == StateWaitingForProbeWindow && remaining <= 0:
			return st, nil
		}

		if st == StateWaitingForTarget && s.opts.Warm != nil && !s.warmed && remaining <= s.opts.WarmLead {
			s.warmed = true
			s.warm(ctx, remaining)
			continue
		}

		sleep := s.opts.Tick
		if remaining < sleep+s.opts.Spin {
			sleep = remaining - s.opts.Spin
		}
		if sleep > 0 {
			// Cancellation is picked up by the next Poll.
			_ = s.clock.Sleep(ctx, sleep)
			continue
		}
		s.spinUntil(ctx, s.localFor(s.phaseInstant()))
	}
}

func (s *Scheduler) warm(ctx context.Context, remaining time.Duration) {
	budget := remaining - s.opts.Tick - s.opts.Spin
	if budget < s.opts.WarmLead/2 {
		s.log.Info("%s to the target, skipping warm-up", remaining.Round(time.Millisecond))
		return
	}
	wctx, cancel := context.WithTimeout(ctx, budget)
	defer cancel()
	s.opts.Warm(wctx)
}

func (s *Scheduler) phaseInstant() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.at
}

// localFor converts a synthetic instant into the local clock reading at
// which it occurs.
func (s *Scheduler) localFor(at time.Time) time.Time {
	return s.anchor.Local().Add(at.Sub(s.anchor.Reference()))
}

// stalledReads is how many identical consecutive readings mark a clock that
// only moves when slept on.
const stalledReads = 1000

func (s *Scheduler) spinUntil(ctx context.Context, local time.Time) {
	prev := s.clock.Now()
	same := 0
	for prev.Before(local) {
		if ctx.Err() != nil {
			return
		}
		now := s.clock.Now()
		if !now.Equal(prev) {
			prev, same = now, 0
			continue
		}
		if same++; same >= stalledReads {
			// Clock is not advancing on its own; let Sleep cover the rest.
			_ = s.clock.Sleep(ctx, local.Sub(now))
			return
		}
	}
}

func (s *Scheduler) setStateLocked(st State) {
	old := s.state
	s.state = st
	if old != st {
		s.log.Info("state: %s -> %s", old, st)
		s.emitLocked(Event{Kind: EventState, State: st, At: s.at})
	}
}

// emitLocked never blocks. Ticks only use half the buffer so state changes
// and the final event are not lost to a reader that fell behind.
func (s *Scheduler) emitLocked(e Event) {
	if e.Kind == EventTick && len(s.events) >= cap(s.events)/2 {
		return
	}
	select {
	case s.events <- e:
	default:
	}
}
