// Package cycle runs one submission cycle: check the account, anchor the
// clock, measure latency, wait for the computed instant and submit once.
package cycle

import (
	"context"
	"errors"
	"fmt"
	"time"

	"unlock-bot/client"
	"unlock-bot/clock"
	"unlock-bot/config"
	"unlock-bot/logger"
	"unlock-bot/probe"
	"unlock-bot/schedule"
)

// warmLead is how long before the target the submission connection is opened.
const warmLead = 5 * time.Second

// TimeSource anchors the clock. *clock.Source implements it.
type TimeSource interface {
	Synchronize(ctx context.Context) (clock.Anchor, error)
}

// LatencyProbe measures endpoint latency. *probe.Prober implements it.
type LatencyProbe interface {
	Measure(ctx context.Context, endpoints []string, fallback time.Duration) probe.Measurement
}

// Dispatcher talks to the account API. *client.Account implements it.
type Dispatcher interface {
	Session() client.Session
	CheckStatus(ctx context.Context) (client.Status, error)
	Prewarm(ctx context.Context) error
	Apply(ctx context.Context) (client.Submission, error)
}

// Deps are the collaborators of one cycle.
type Deps struct {
	Clock      clock.Clock
	Time       TimeSource
	Probe      LatencyProbe // unused in manual mode or with skip_probe
	Dispatcher Dispatcher
	Log        logger.Logger
	// Watch, if set, is handed the scheduler before any waiting starts so the
	// caller can follow its events.
	Watch func(s *schedule.Scheduler)
}

// Result describes a cycle that reached the fired state.
type Result struct {
	Anchor      clock.Anchor
	Measurement probe.Measurement // zero in manual mode
	Target      schedule.Target
	Firing      schedule.Firing
	Submission  client.Submission
	// DispatchErr is the submission failure, if any. The cycle still counts
	// as fired: the request left at the scheduled instant.
	DispatchErr error
	Report      client.Report
}

// Run executes one cycle with cfg frozen for its whole duration. It returns
// an error only when the cycle stopped before firing.
func Run(ctx context.Context, cfg config.Config, deps Deps) (*Result, error) {
	log := deps.Log
	loc, err := cfg.Location()
	if err != nil {
		return nil, err
	}

	var manual schedule.Target
	if cfg.Mode == config.ModeManual {
		manual, err = schedule.ParseManualTarget(cfg.ManualTarget)
		if err != nil {
			log.Error("%v", err)
			return nil, err
		}
		log.Info("manual mode, target second %s", manual)
	}

	if cfg.SkipStatusCheck {
		log.Info("account status check skipped")
	} else {
		if _, err := deps.Dispatcher.CheckStatus(ctx); err != nil {
			if ctx.Err() != nil {
				return nil, cancelled(ctx)
			}
			log.Error("%v", err)
			return nil, err
		}
	}

	anchor, err := deps.Time.Synchronize(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return nil, cancelled(ctx)
		}
		return nil, err
	}

	res := &Result{Anchor: anchor}
	opts := schedule.Options{
		Hour:   cfg.Deadline.Hour,
		Minute: cfg.Deadline.Minute,
		Tick:   cfg.Tick,
		Spin:   cfg.Spin,
	}
	if cfg.Dispatch.Prewarm {
		opts.WarmLead = warmLead
		opts.Warm = func(ctx context.Context) {
			if err := deps.Dispatcher.Prewarm(ctx); err != nil {
				log.Warning("connection prewarm failed: %v", err)
			}
		}
	}
	sched := schedule.New(anchor, deps.Clock, opts, log)
	if deps.Watch != nil {
		deps.Watch(sched)
	}

	target := manual
	if cfg.Mode != config.ModeManual {
		target, err = measureTarget(ctx, cfg, deps, sched, res)
		if err != nil {
			return nil, err
		}
	}
	res.Target = target

	var sub client.Submission
	var dispatchErr error
	if _, err := sched.Arm(target, func(ctx context.Context) error {
		sub, dispatchErr = deps.Dispatcher.Apply(ctx)
		return dispatchErr
	}); err != nil {
		return nil, err
	}

	firing, err := sched.Run(ctx)
	if err != nil {
		return nil, err
	}
	res.Firing = firing
	res.Submission = sub
	res.DispatchErr = dispatchErr

	log.Info("request sent at %s, response at %s",
		firing.Before.Format("15:04:05.000000"), firing.After.Format("15:04:05.000000"))
	logOutcome(log, sub, dispatchErr)

	res.Report = buildReport(cfg, loc, deps.Dispatcher.Session(), res)
	if cfg.Report.LogFile != "" {
		if err := client.WriteStructuredLog(res.Report, cfg.Report.LogFile); err != nil {
			log.Warning("write %s: %v", cfg.Report.LogFile, err)
		}
	}
	return res, nil
}

// measureTarget waits for the probe checkpoint, measures latency and derives
// the target. If the target has passed by the time the measurement is done,
// it measures again at the next checkpoint rather than reuse a day-old sample.
func measureTarget(ctx context.Context, cfg config.Config, deps Deps, sched *schedule.Scheduler, res *Result) (schedule.Target, error) {
	log := deps.Log
	h, m := cfg.Deadline.Hour, cfg.Deadline.Minute
	fallback := time.Duration(cfg.DefaultLatencyMs) * time.Millisecond
	for {
		window := schedule.ProbeWindow(sched.Now(), h, m, cfg.Deadline.CheckpointSecond)
		if err := sched.WaitForProbeWindow(ctx, window); err != nil {
			return schedule.Target{}, err
		}
		if cfg.SkipProbe {
			log.Info("latency probe skipped, using default latency: %d ms", cfg.DefaultLatencyMs)
			res.Measurement = probe.Summarize(nil, fallback)
		} else {
			res.Measurement = deps.Probe.Measure(ctx, cfg.Probe.Endpoints, fallback)
		}
		target := schedule.ComputeTarget(res.Measurement.LatencyMs())
		if target.Clamped {
			log.Warning("computed target %.3f s outside %.1f-%.1f, clamped to %s",
				target.Raw, schedule.MinSeconds, schedule.MaxSeconds, target)
		}
		if at := schedule.Next(sched.Now(), h, m, target.Offset()); at.Sub(window) <= time.Minute {
			log.Info("target second %s for latency %.2f ms", target, res.Measurement.LatencyMs())
			return target, nil
		}
		log.Warning("target %s passed while measuring latency, measuring again at the next checkpoint", target)
	}
}

func cancelled(ctx context.Context) error {
	return fmt.Errorf("%w: %w", schedule.ErrCancelled, context.Cause(ctx))
}

func logOutcome(log logger.Logger, sub client.Submission, err error) {
	if err != nil {
		var de *client.DispatchError
		if errors.As(err, &de) {
			log.Error("request error at %s stage: %v", de.Stage, err)
		} else {
			log.Error("request error: %v", err)
		}
		return
	}
	switch sub.Outcome {
	case client.OutcomeApproved:
		log.Info("request approved!")
	case client.OutcomeLimitReached:
		log.Warning("submission limit reached, try again %s", sub.Deadline)
	case client.OutcomeRejected:
		log.Warning("response code: %d %s", sub.Code, sub.Message)
	default:
		log.Warning("unexpected apply result %d", sub.ApplyResult)
	}
}

func buildReport(cfg config.Config, loc *time.Location, s client.Session, res *Result) client.Report {
	r := client.Report{
		Mode:            cfg.Mode,
		NTPServer:       res.Anchor.Server(),
		Timezone:        loc.String(),
		DeviceID:        s.DeviceID,
		LatencyMs:       res.Measurement.LatencyMs(),
		LatencyFallback: res.Measurement.Fallback,
		TargetSeconds:   res.Target.Seconds,
		TargetClamped:   res.Target.Clamped,
		TargetTime:      res.Firing.At,
		SentAt:          res.Firing.Before,
		ReturnedAt:      res.Firing.After,
		Request:         res.Submission.Request,
		Outcome:         string(res.Submission.Outcome),
		Code:            res.Submission.Code,
		ApplyResult:     res.Submission.ApplyResult,
		Deadline:        res.Submission.Deadline,
		Message:         res.Submission.Message,
	}
	if cfg.Mode == config.ModeManual {
		r.LatencyMs, r.LatencyFallback = 0, false
	}
	for _, smp := range res.Measurement.Samples {
		e := client.EndpointLatency{Endpoint: smp.Endpoint}
		if smp.Err != nil {
			e.Error = smp.Err.Error()
		} else {
			e.RTTMs = float64(smp.RTT) / float64(time.Millisecond)
		}
		r.Endpoints = append(r.Endpoints, e)
	}
	if res.DispatchErr != nil {
		r.Outcome = "failed"
		r.Error = res.DispatchErr.Error()
	}
	return r
}

// Describe summarizes a cycle error for the operator.
func Describe(err error) string {
	switch {
	case errors.Is(err, schedule.ErrInvalidManualTarget):
		return fmt.Sprintf("invalid manual target: %v", err)
	case errors.Is(err, client.ErrStatusCheck):
		return fmt.Sprintf("not submitting: %v", err)
	case errors.Is(err, clock.ErrSyncFailure):
		return fmt.Sprintf("could not get a trusted time: %v", err)
	case errors.Is(err, schedule.ErrCancelled):
		return "cancelled before the submission was sent"
	}
	return err.Error()
}
