// Package probe measures round-trip latency to the submission endpoints.
package probe

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"unlock-bot/clock"
	"unlock-bot/logger"
)

// ErrUnreachable marks an endpoint that answered none of its probes.
var ErrUnreachable = errors.New("endpoint unreachable")

// Pinger sends one reachability probe and returns its round trip.
type Pinger interface {
	Ping(ctx context.Context, host string, timeout time.Duration) (time.Duration, error)
}

// Options controls how each endpoint is probed.
type Options struct {
	Count    int           // probes per endpoint
	Interval time.Duration // pause between probes to the same endpoint
	Timeout  time.Duration // per probe
}

// EndpointSample is the result for one endpoint. RTT is the mean of the
// successful probes and is meaningful only when Err is nil.
type EndpointSample struct {
	Endpoint string
	RTT      time.Duration
	Sent     int
	Received int
	Err      error
}

func (s EndpointSample) Reachable() bool { return s.Err == nil }

// Measurement is one latency measurement cycle.
type Measurement struct {
	Samples  []EndpointSample
	Latency  time.Duration // representative latency (mean of reachable endpoints or fallback)
	Fallback bool          // true when no endpoint was reachable
}

// LatencyMs is Latency in fractional milliseconds, the unit of the schedule formula.
func (m Measurement) LatencyMs() float64 {
	return float64(m.Latency) / float64(time.Millisecond)
}

// Summarize reduces per-endpoint samples. Unreachable endpoints are left out
// of the mean; if none are reachable the fallback is used.
func Summarize(samples []EndpointSample, fallback time.Duration) Measurement {
	m := Measurement{Samples: samples}
	var sum time.Duration
	n := 0
	for _, s := range samples {
		if !s.Reachable() {
			continue
		}
		sum += s.RTT
		n++
	}
	if n == 0 {
		m.Latency = fallback
		m.Fallback = true
		return m
	}
	m.Latency = sum / time.Duration(n)
	return m
}

// Prober runs a latency measurement across endpoints with a Pinger.
type Prober struct {
	pinger Pinger
	clock  clock.Clock
	opts   Options
	log    logger.Logger
}

// NewProber returns a Prober; a zero Count means one probe per endpoint.
func NewProber(p Pinger, c clock.Clock, opts Options, log logger.Logger) *Prober {
	if opts.Count <= 0 {
		opts.Count = 1
	}
	return &Prober{pinger: p, clock: c, opts: opts, log: log}
}

// Measure probes every endpoint concurrently and summarizes the results.
// It never fails: unreachable endpoints degrade the measurement and, if all
// fail, fallback is reported with Fallback set.
func (p *Prober) Measure(ctx context.Context, endpoints []string, fallback time.Duration) Measurement {
	p.log.Info("starting latency measurement (%d endpoints, %d probes each)", len(endpoints), p.opts.Count)

	samples := make([]EndpointSample, len(endpoints))
	var wg sync.WaitGroup
	for i, ep := range endpoints {
		wg.Add(1)
		go func(i int, ep string) {
			defer wg.Done()
			samples[i] = p.probeEndpoint(ctx, ep)
		}(i, ep)
	}
	wg.Wait()

	for _, s := range samples {
		if s.Reachable() {
			p.log.Info("%s: %.2f ms (%d/%d replies)", s.Endpoint, float64(s.RTT)/float64(time.Millisecond), s.Received, s.Sent)
		} else {
			p.log.Warning("failed to probe %s: %v", s.Endpoint, s.Err)
		}
	}

	m := Summarize(samples, fallback)
	if m.Fallback {
		p.log.Warning("no endpoint reachable, using default latency: %d ms", fallback.Milliseconds())
	} else {
		p.log.Info("average latency: %.2f ms", m.LatencyMs())
	}
	return m
}

func (p *Prober) probeEndpoint(ctx context.Context, ep string) EndpointSample {
	s := EndpointSample{Endpoint: ep}
	var sum time.Duration
	var lastErr error
	for i := 0; i < p.opts.Count; i++ {
		if i > 0 {
			if err := p.clock.Sleep(ctx, p.opts.Interval); err != nil {
				lastErr = err
				break
			}
		}
		s.Sent++
		rtt, err := p.pinger.Ping(ctx, ep, p.opts.Timeout)
		if err != nil {
			lastErr = err
			continue
		}
		s.Received++
		sum += rtt
	}
	if s.Received == 0 {
		if lastErr == nil {
			lastErr = errors.New("no probes sent")
		}
		s.Err = fmt.Errorf("%w: %s: %v", ErrUnreachable, ep, lastErr)
		return s
	}
	s.RTT = sum / time.Duration(s.Received)
	return s
}
