package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/urfave/cli"

	"unlock-bot/client"
	"unlock-bot/clock"
	"unlock-bot/config"
	"unlock-bot/cycle"
	"unlock-bot/logger"
	"unlock-bot/probe"
	"unlock-bot/schedule"
)

var version = "dev"

func main() {
	app := cli.App{
		Name:      "unlock-bot",
		HelpName:  "unlock-bot",
		Usage:     "submit the bootloader unlock application at the daily quota reset",
		Version:   version,
		UsageText: "unlock-bot [--config FILE] <command> [arguments...]",
		Flags:     globalFlags,
		Commands: []cli.Command{
			{
				Name:   "run",
				Usage:  "wait for the quota reset and submit once",
				Action: runCmd,
				Flags:  runFlags,
			},
			{
				Name:   "sync",
				Usage:  "query the NTP servers and show the offset of the local clock",
				Action: syncCmd,
			},
			{
				Name:   "probe",
				Usage:  "measure latency to the endpoints and show the resulting target",
				Action: probeCmd,
			},
			{
				Name:      "target",
				Usage:     "show the target second for a latency, or validate a manual target",
				ArgsUsage: "<latency-ms> | manual <seconds>",
				Action:    targetCmd,
			},
			{
				Name:   "init-config",
				Usage:  "write the default settings file",
				Action: initConfigCmd,
				Flags:  initFlags,
			},
		},
	}
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, color.RedString("error: %v", err))
		os.Exit(1)
	}
}

// loadConfig reads the settings file, falling back to defaults when it is
// missing, and applies command line overrides.
func loadConfig(ctx *cli.Context) (*config.Config, error) {
	cfg, err := config.Load(configPath)
	if errors.Is(err, fs.ErrNotExist) {
		cfg, err = config.Default(), nil
	}
	if err != nil {
		return nil, err
	}

	if mode != "" {
		cfg.Mode = mode
	}
	if manualTarget != "" {
		cfg.Mode = config.ModeManual
		cfg.ManualTarget = manualTarget
	}
	if cookie != "" {
		cfg.Dispatch.Cookie = cookie
	}
	if proxyURL != "" {
		cfg.Dispatch.Proxy = proxyURL
	}
	if defaultLatency != 0 {
		cfg.DefaultLatencyMs = defaultLatency
	}
	if skipProbe {
		cfg.SkipProbe = true
	}
	if skipStatusCheck {
		cfg.SkipStatusCheck = true
	}
	if noPrewarm {
		cfg.Dispatch.Prewarm = false
	}
	if noReport {
		cfg.Report.NoReport = true
	}
	if runLog != "" {
		cfg.Report.RunLog = runLog
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", configPath, err)
	}
	return cfg, nil
}

func newLogger(cfg *config.Config) (logger.Logger, error) {
	console := logger.NewConsoleLogger(os.Stderr, quiet)
	if cfg.Report.RunLog == "" {
		return console, nil
	}
	file, err := logger.NewFileLogger(cfg.Report.RunLog)
	if err != nil {
		return nil, err
	}
	return logger.NewMultiLogger(console, file), nil
}

func newTimeSource(cfg *config.Config, log logger.Logger) (*clock.Source, error) {
	loc, err := cfg.Location()
	if err != nil {
		return nil, err
	}
	q := clock.NTPQuerier{Timeout: cfg.NTP.Timeout, Version: cfg.NTP.Version}
	return clock.NewSource(cfg.NTP.Servers, q, clock.System{}, loc, log), nil
}

func newProber(cfg *config.Config, log logger.Logger) *probe.Prober {
	return probe.NewProber(
		&probe.ICMPPinger{Privileged: cfg.Probe.Privileged},
		clock.System{},
		probe.Options{Count: cfg.Probe.Count, Interval: cfg.Probe.Interval, Timeout: cfg.Probe.Timeout},
		log,
	)
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func runCmd(ctx *cli.Context) error {
	cfg, err := loadConfig(ctx)
	if err != nil {
		return err
	}
	if cfg.Dispatch.Cookie == "" {
		return errors.New("no cookie: set dispatch.cookie, --cookie or UNLOCK_BOT_COOKIE")
	}
	log, err := newLogger(cfg)
	if err != nil {
		return err
	}
	defer log.Close()

	deviceID, err := client.NewDeviceID()
	if err != nil {
		return fmt.Errorf("device id: %w", err)
	}
	log.Info("device id %s", deviceID)

	hc, err := client.NewLowLatencyClient(client.Options{
		Proxy:          cfg.Dispatch.Proxy,
		ConnectTimeout: cfg.Dispatch.ConnectTimeout,
		ReadTimeout:    cfg.Dispatch.ReadTimeout,
	})
	if err != nil {
		return err
	}
	defer hc.CloseIdleConnections()
	account := client.NewAccount(hc, client.Session{Token: cfg.Dispatch.Cookie, DeviceID: deviceID},
		cfg.Dispatch.StatusURL, cfg.Dispatch.ApplyURL, log)

	src, err := newTimeSource(cfg, log)
	if err != nil {
		return err
	}

	sctx, stop := signalContext()
	defer stop()

	var bars <-chan struct{}
	deps := cycle.Deps{
		Clock:      clock.System{},
		Time:       src,
		Probe:      newProber(cfg, log),
		Dispatcher: account,
		Log:        log,
	}
	if !noProgress {
		deps.Watch = func(s *schedule.Scheduler) { bars = countdown(os.Stdout, s.Events()) }
	}

	res, err := cycle.Run(sctx, *cfg, deps)
	if bars != nil {
		select {
		case <-bars:
		case <-time.After(time.Second):
		}
	}
	if err != nil {
		return errors.New(cycle.Describe(err))
	}
	if !cfg.Report.NoReport {
		client.PrintExecutionLog(color.Output, res.Report)
	}
	if res.DispatchErr != nil {
		return res.DispatchErr
	}
	return nil
}

func syncCmd(ctx *cli.Context) error {
	cfg, err := loadConfig(ctx)
	if err != nil {
		return err
	}
	log, err := newLogger(cfg)
	if err != nil {
		return err
	}
	defer log.Close()

	src, err := newTimeSource(cfg, log)
	if err != nil {
		return err
	}
	sctx, stop := signalContext()
	defer stop()

	anchor, err := src.Synchronize(sctx)
	if err != nil {
		return err
	}
	offset := anchor.Reference().Sub(anchor.Local())
	fmt.Printf("server     : %s\n", anchor.Server())
	fmt.Printf("trusted    : %s\n", anchor.Reference().Format("2006-01-02 15:04:05.000 MST"))
	fmt.Printf("local      : %s\n", anchor.Local().In(anchor.Reference().Location()).Format("2006-01-02 15:04:05.000 MST"))
	fmt.Printf("offset     : %+d ms\n", offset.Milliseconds())

	next := schedule.Next(anchor.Now(clock.System{}), cfg.Deadline.Hour, cfg.Deadline.Minute, 0)
	fmt.Printf("next reset : %s (in %s)\n", next.Format("2006-01-02 15:04:05 MST"),
		next.Sub(anchor.Now(clock.System{})).Round(time.Second))
	return nil
}

func probeCmd(ctx *cli.Context) error {
	cfg, err := loadConfig(ctx)
	if err != nil {
		return err
	}
	log, err := newLogger(cfg)
	if err != nil {
		return err
	}
	defer log.Close()

	sctx, stop := signalContext()
	defer stop()

	m := newProber(cfg, log).Measure(sctx, cfg.Probe.Endpoints, time.Duration(cfg.DefaultLatencyMs)*time.Millisecond)
	t := schedule.ComputeTarget(m.LatencyMs())
	fmt.Printf("latency : %.2f ms", m.LatencyMs())
	if m.Fallback {
		fmt.Print(" (default)")
	}
	fmt.Println()
	printTarget(t)
	return nil
}

func targetCmd(ctx *cli.Context) error {
	args := ctx.Args()
	if len(args) == 2 && args[0] == "manual" {
		t, err := schedule.ParseManualTarget(args[1])
		if err != nil {
			return err
		}
		printTarget(t)
		return nil
	}
	if len(args) != 1 {
		return cli.ShowCommandHelp(ctx, "target")
	}
	ms, err := strconv.ParseFloat(args[0], 64)
	if err != nil || ms < 0 {
		return fmt.Errorf("latency %q is not a non-negative number of milliseconds", args[0])
	}
	printTarget(schedule.ComputeTarget(ms))
	return nil
}

func printTarget(t schedule.Target) {
	fmt.Printf("target  : %s", t)
	if t.Clamped {
		fmt.Printf(" (formula gave %.3fs, clamped)", t.Raw)
	}
	fmt.Println()
}

func initConfigCmd(ctx *cli.Context) error {
	if _, err := os.Stat(configPath); err == nil && !forceWrite {
		return fmt.Errorf("%s exists, use --force to overwrite", configPath)
	}
	if err := config.Save(configPath, config.Default()); err != nil {
		return err
	}
	fmt.Printf("wrote %s\n", configPath)
	return nil
}
