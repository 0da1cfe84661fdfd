package schedule

import (
	"errors"
	"math"
	"testing"
	"time"
)

func TestComputeTarget_ReferenceLatency(t *testing.T) {
	got := ComputeTarget(166)
	if math.Abs(got.Seconds-59.091) > 1e-9 {
		t.Errorf("ComputeTarget(166) = %f, want 59.091", got.Seconds)
	}
	if got.Clamped || got.Manual {
		t.Errorf("unexpected flags: %+v", got)
	}
	if got.Offset() != 59091*time.Millisecond {
		t.Errorf("offset = %s", got.Offset())
	}
}

func TestComputeTarget_HigherLatencyIsEarlier(t *testing.T) {
	prev := ComputeTarget(0).Seconds
	for ms := 1; ms <= 500; ms++ {
		cur := ComputeTarget(float64(ms)).Seconds
		if cur > prev {
			t.Fatalf("target rose from %f to %f at %d ms", prev, cur, ms)
		}
		prev = cur
	}
}

func TestComputeTarget_Clamped(t *testing.T) {
	tests := []struct {
		latency float64
		want    float64
		clamped bool
	}{
		{0, MaxSeconds, true},
		{50, 59.787, false},
		{300, MinSeconds, true},
		{500, MinSeconds, true},
	}
	for _, tt := range tests {
		got := ComputeTarget(tt.latency)
		if math.Abs(got.Seconds-tt.want) > 1e-9 || got.Clamped != tt.clamped {
			t.Errorf("ComputeTarget(%v) = %+v, want %.3f clamped=%v", tt.latency, got, tt.want, tt.clamped)
		}
		if got.Seconds < MinSeconds || got.Seconds > MaxSeconds {
			t.Errorf("ComputeTarget(%v) = %f outside window", tt.latency, got.Seconds)
		}
	}
}

func TestValidateManualTarget(t *testing.T) {
	tests := []struct {
		v  float64
		ok bool
	}{
		{58.5, true},
		{59.8, true},
		{59.1, true},
		{58.49, false},
		{59.81, false},
		{60, false},
		{0, false},
		{math.NaN(), false},
	}
	for _, tt := range tests {
		got, err := ValidateManualTarget(tt.v)
		if tt.ok {
			if err != nil {
				t.Errorf("ValidateManualTarget(%v) error: %v", tt.v, err)
			} else if !got.Manual || got.Seconds != tt.v {
				t.Errorf("ValidateManualTarget(%v) = %+v", tt.v, got)
			}
			continue
		}
		if !errors.Is(err, ErrInvalidManualTarget) {
			t.Errorf("ValidateManualTarget(%v) error = %v, want ErrInvalidManualTarget", tt.v, err)
		}
	}
}

func TestParseManualTarget(t *testing.T) {
	if got, err := ParseManualTarget(" 59.1 "); err != nil || got.Seconds != 59.1 {
		t.Errorf("ParseManualTarget(59.1) = %+v, %v", got, err)
	}
	for _, in := range []string{"", "abc", "59,1", "Inf", "61"} {
		_, err := ParseManualTarget(in)
		if !errors.Is(err, ErrInvalidManualTarget) {
			t.Errorf("ParseManualTarget(%q) error = %v", in, err)
		}
		var ite *InvalidTargetError
		if !errors.As(err, &ite) || ite.Input != in {
			t.Errorf("ParseManualTarget(%q) error detail = %#v", in, err)
		}
	}
}

func TestNext(t *testing.T) {
	loc := time.FixedZone("CST", 8*3600)
	day := func(d, h, m, s, ms int) time.Time {
		return time.Date(2026, 3, d, h, m, s, ms*int(time.Millisecond), loc)
	}
	tests := []struct {
		name   string
		now    time.Time
		offset time.Duration
		want   time.Time
	}{
		{"ahead today", day(10, 12, 0, 0, 0), 59500 * time.Millisecond, day(10, 23, 59, 59, 500)},
		{"passed rolls to tomorrow", day(10, 23, 59, 59, 900), 59500 * time.Millisecond, day(11, 23, 59, 59, 500)},
		{"exactly now", day(10, 23, 59, 59, 500), 59500 * time.Millisecond, day(10, 23, 59, 59, 500)},
		{"month end", day(31, 23, 59, 59, 999), 59091 * time.Millisecond, time.Date(2026, 4, 1, 23, 59, 59, 91*int(time.Millisecond), loc)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Next(tt.now, 23, 59, tt.offset)
			if !got.Equal(tt.want) {
				t.Errorf("Next = %s, want %s", got, tt.want)
			}
		})
	}
}

func TestProbeWindow(t *testing.T) {
	loc := time.FixedZone("CST", 8*3600)
	at := func(d, h, m, s int) time.Time { return time.Date(2026, 3, d, h, m, s, 0, loc) }
	tests := []struct {
		name string
		now  time.Time
		want time.Time
	}{
		{"before checkpoint", at(10, 23, 59, 47), at(10, 23, 59, 48)},
		{"morning", at(10, 9, 0, 0), at(10, 23, 59, 48)},
		{"after checkpoint", at(10, 23, 59, 55), at(10, 23, 59, 55)},
		{"just before earliest target", time.Date(2026, 3, 10, 23, 59, 58, 499_000_000, loc), time.Date(2026, 3, 10, 23, 59, 58, 499_000_000, loc)},
		{"at earliest target", time.Date(2026, 3, 10, 23, 59, 58, 500_000_000, loc), at(11, 23, 59, 48)},
		{"inside submission window", time.Date(2026, 3, 10, 23, 59, 59, 900_000_000, loc), at(11, 23, 59, 48)},
		{"after minute", at(11, 0, 0, 1), at(11, 23, 59, 48)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ProbeWindow(tt.now, 23, 59, 48); !got.Equal(tt.want) {
				t.Errorf("ProbeWindow = %s, want %s", got, tt.want)
			}
		})
	}
}
