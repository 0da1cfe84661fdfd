package schedule

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

// Accepted submission window, seconds into the final minute.
const (
	MinSeconds = 58.5
	MaxSeconds = 59.8
)

// ErrInvalidManualTarget is matched by every manual target rejection.
var ErrInvalidManualTarget = errors.New("invalid manual target")

// InvalidTargetError reports a manual target that did not parse or falls
// outside [MinSeconds, MaxSeconds].
type InvalidTargetError struct {
	Input string
	Value float64 // NaN when Input did not parse
}

func (e *InvalidTargetError) Error() string {
	if math.IsNaN(e.Value) {
		return fmt.Sprintf("invalid manual target %q: not a number (use e.g. 59.1, between %.1f and %.1f)", e.Input, MinSeconds, MaxSeconds)
	}
	return fmt.Sprintf("invalid manual target %.3f: must be between %.1f and %.1f", e.Value, MinSeconds, MaxSeconds)
}

func (e *InvalidTargetError) Is(target error) bool { return target == ErrInvalidManualTarget }

// Calibration holds the linear model fitted to the remote server:
// target = Base + (ReferenceLatencyMs - latencyMs) * Slope.
type Calibration struct {
	Base               float64 // seconds into the minute at the reference latency
	ReferenceLatencyMs float64
	Slope              float64 // seconds per millisecond
}

// DefaultCalibration was tuned against the apply endpoint's observed timing.
var DefaultCalibration = Calibration{
	Base:               59.091,
	ReferenceLatencyMs: 166,
	Slope:              0.006,
}

// Target is a point within the final minute of the deadline hour:minute.
type Target struct {
	Seconds float64
	// Raw is the unclamped formula output; equal to Seconds unless Clamped.
	Raw     float64
	Clamped bool
	Manual  bool
}

// Offset is Seconds as a duration from the start of the minute, rounded to
// the millisecond.
func (t Target) Offset() time.Duration {
	return time.Duration(math.Round(t.Seconds*1000)) * time.Millisecond
}

func (t Target) String() string {
	return fmt.Sprintf("%.3fs", t.Seconds)
}

// Seconds is the raw formula output, unclamped.
func (c Calibration) Seconds(latencyMs float64) float64 {
	return c.Base + (c.ReferenceLatencyMs-latencyMs)*c.Slope
}

// ComputeTarget maps a measured latency to a target, clamped into the
// accepted window. Higher latency yields an earlier target.
func (c Calibration) ComputeTarget(latencyMs float64) Target {
	raw := c.Seconds(latencyMs)
	t := Target{Seconds: raw, Raw: raw}
	switch {
	case raw < MinSeconds:
		t.Seconds, t.Clamped = MinSeconds, true
	case raw > MaxSeconds:
		t.Seconds, t.Clamped = MaxSeconds, true
	}
	return t
}

// ComputeTarget uses DefaultCalibration.
func ComputeTarget(latencyMs float64) Target {
	return DefaultCalibration.ComputeTarget(latencyMs)
}

// ValidateManualTarget accepts v iff MinSeconds <= v <= MaxSeconds.
func ValidateManualTarget(v float64) (Target, error) {
	if math.IsNaN(v) || v < MinSeconds || v > MaxSeconds {
		return Target{}, &InvalidTargetError{Input: strconv.FormatFloat(v, 'f', -1, 64), Value: v}
	}
	return Target{Seconds: v, Raw: v, Manual: true}, nil
}

// ParseManualTarget parses operator text such as "59.1".
func ParseManualTarget(s string) (Target, error) {
	s = strings.TrimSpace(s)
	v, err := strconv.ParseFloat(s, 64)
	if err != nil || math.IsInf(v, 0) {
		return Target{}, &InvalidTargetError{Input: s, Value: math.NaN()}
	}
	t, err := ValidateManualTarget(v)
	if err != nil {
		return Target{}, &InvalidTargetError{Input: s, Value: v}
	}
	return t, nil
}

// Next returns the first instant at hour:minute plus offset, in now's
// location, that is not before now. An instant already passed today rolls to
// the same time-of-day tomorrow.
func Next(now time.Time, hour, minute int, offset time.Duration) time.Time {
	y, mo, d := now.Date()
	at := time.Date(y, mo, d, hour, minute, 0, 0, now.Location()).Add(offset)
	if at.Before(now) {
		at = time.Date(y, mo, d+1, hour, minute, 0, 0, now.Location()).Add(offset)
	}
	return at
}

// ProbeWindow returns when auto mode should measure latency: the checkpoint
// second of the deadline minute if it is still ahead, now if the checkpoint
// has passed but the earliest possible target (MinSeconds) has not, otherwise
// the next day's checkpoint. A measurement is never older than the minute it
// is used in.
func ProbeWindow(now time.Time, hour, minute, checkpointSecond int) time.Time {
	y, mo, d := now.Date()
	loc := now.Location()
	cp := time.Date(y, mo, d, hour, minute, checkpointSecond, 0, loc)
	end := time.Date(y, mo, d, hour, minute, 0, 0, loc).Add(Target{Seconds: MinSeconds}.Offset())
	if !now.Before(cp) && now.Before(end) {
		return now
	}
	return Next(now, hour, minute, time.Duration(checkpointSecond)*time.Second)
}
