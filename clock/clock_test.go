package clock

import (
	"context"
	"errors"
	"testing"
	"time"

	"unlock-bot/logger"
)

func shanghai(t *testing.T) *time.Location {
	t.Helper()
	loc, err := time.LoadLocation("Asia/Shanghai")
	if err != nil {
		t.Skipf("no zoneinfo: %v", err)
	}
	return loc
}

func TestAnchor_PureTranslation(t *testing.T) {
	t0 := time.Date(2026, 3, 1, 23, 59, 47, 0, time.UTC)
	m0 := time.Date(2000, 1, 1, 0, 0, 0, 0, time.UTC)
	a := NewAnchor(t0, m0, "test")

	for _, d := range []time.Duration{0, time.Nanosecond, 137 * time.Millisecond, 13 * time.Second, 26 * time.Hour} {
		got := a.At(m0.Add(d))
		if !got.Equal(t0.Add(d)) {
			t.Errorf("At(M0+%s) = %s, want %s", d, got, t0.Add(d))
		}
	}
}

func TestAnchor_UsesMonotonicReading(t *testing.T) {
	// time.Now carries a monotonic reading; At must not drift from it.
	local := time.Now()
	ref := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	a := NewAnchor(ref, local, "mono")

	later := local.Add(250 * time.Millisecond)
	if got := a.At(later); !got.Equal(ref.Add(250 * time.Millisecond)) {
		t.Errorf("got %s", got)
	}
}

func TestFakeClock(t *testing.T) {
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	f := NewFake(start)
	var seen []time.Time
	f.OnSleep = func(now time.Time) { seen = append(seen, now) }

	if err := f.Sleep(context.Background(), time.Second); err != nil {
		t.Fatal(err)
	}
	f.Advance(time.Second)
	if !f.Now().Equal(start.Add(2 * time.Second)) {
		t.Errorf("now = %s", f.Now())
	}
	if len(seen) != 1 || !seen[0].Equal(start.Add(time.Second)) {
		t.Errorf("OnSleep saw %v", seen)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := f.Sleep(ctx, time.Second); !errors.Is(err, context.Canceled) {
		t.Errorf("expected canceled, got %v", err)
	}
	if !f.Now().Equal(start.Add(2 * time.Second)) {
		t.Error("cancelled Sleep must not advance the clock")
	}
}

func TestSystemSleep_Cancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()
	start := time.Now()
	err := System{}.Sleep(ctx, 5*time.Second)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected canceled, got %v", err)
	}
	if time.Since(start) > 2*time.Second {
		t.Error("Sleep did not return promptly on cancel")
	}
}

type fakeQuerier struct {
	replies map[string]Reply
	errs    map[string]error
	calls   []string
}

func (q *fakeQuerier) Query(ctx context.Context, server string) (Reply, error) {
	q.calls = append(q.calls, server)
	if err, ok := q.errs[server]; ok {
		return Reply{}, err
	}
	return q.replies[server], nil
}

func TestSource_FirstSuccessWins(t *testing.T) {
	loc := shanghai(t)
	tx := time.Date(2026, 3, 1, 15, 59, 47, 0, time.UTC)
	q := &fakeQuerier{
		errs: map[string]error{"a": errors.New("i/o timeout")},
		replies: map[string]Reply{
			"b": {Transmit: tx, RTT: 40 * time.Millisecond},
			"c": {Transmit: tx.Add(time.Hour)},
		},
	}
	fc := NewFake(time.Date(2000, 1, 1, 0, 0, 0, 0, time.UTC))
	log := logger.NewMockLogger()

	a, err := NewSource([]string{"a", "b", "c"}, q, fc, loc, log).Synchronize(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(q.calls) != 2 || q.calls[1] != "b" {
		t.Errorf("expected a then b, got %v", q.calls)
	}
	if a.Server() != "b" {
		t.Errorf("server = %s", a.Server())
	}
	want := tx.Add(20 * time.Millisecond)
	if !a.Reference().Equal(want) {
		t.Errorf("reference = %s, want %s", a.Reference(), want)
	}
	if a.Reference().Location() != loc {
		t.Errorf("reference not in target zone: %s", a.Reference().Location())
	}
	if h, m, s := a.Reference().Clock(); h != 23 || m != 59 || s != 47 {
		t.Errorf("wall clock in zone = %02d:%02d:%02d", h, m, s)
	}
	if !a.Local().Equal(fc.Now()) {
		t.Error("local sample should be taken from the injected clock")
	}
	if len(log.Warnings()) != 1 {
		t.Errorf("expected one warning for server a, got %v", log.Warnings())
	}
}

func TestSource_AllFail(t *testing.T) {
	q := &fakeQuerier{errs: map[string]error{
		"a": errors.New("timeout"),
		"b": errors.New("kiss of death"),
	}}
	_, err := NewSource([]string{"a", "b"}, q, NewFake(time.Now()), time.UTC, logger.NewNopLogger()).
		Synchronize(context.Background())
	if !errors.Is(err, ErrSyncFailure) {
		t.Fatalf("expected ErrSyncFailure, got %v", err)
	}
	var se *SyncError
	if !errors.As(err, &se) || len(se.Attempts) != 2 {
		t.Fatalf("expected two attempts, got %#v", err)
	}
	if se.Attempts[1].Server != "b" {
		t.Errorf("attempt order = %+v", se.Attempts)
	}
}

func TestSource_NoServers(t *testing.T) {
	_, err := NewSource(nil, &fakeQuerier{}, NewFake(time.Now()), time.UTC, logger.NewNopLogger()).
		Synchronize(context.Background())
	if !errors.Is(err, ErrSyncFailure) {
		t.Fatalf("expected ErrSyncFailure, got %v", err)
	}
}

func TestSource_Cancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	q := &fakeQuerier{}
	_, err := NewSource([]string{"a"}, q, NewFake(time.Now()), time.UTC, logger.NewNopLogger()).Synchronize(ctx)
	if !errors.Is(err, ErrSyncFailure) {
		t.Fatalf("expected ErrSyncFailure, got %v", err)
	}
	if len(q.calls) != 0 {
		t.Error("no server should be queried after cancellation")
	}
}
