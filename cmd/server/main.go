package main

import (
	"context"
	"flag"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/arthiv/sessiongate/internal/admission"
	"github.com/arthiv/sessiongate/internal/cfg"
	"github.com/arthiv/sessiongate/internal/flood"
	"github.com/arthiv/sessiongate/internal/gatehttp"
	"github.com/arthiv/sessiongate/internal/health"
	"github.com/arthiv/sessiongate/internal/httpmw"
	"github.com/arthiv/sessiongate/internal/log"
	"github.com/arthiv/sessiongate/internal/metrics"
	"github.com/arthiv/sessiongate/internal/opshttp"
	v "github.com/arthiv/sessiongate/internal/version"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	vi := v.Get()

	var conf cfg.App
	var showVersion bool

	// Parse config from flags and env
	cfg.Register(flag.CommandLine, &conf)
	flag.BoolVar(&showVersion, "V", false, "Print version+build information and exit")
	flag.Parse()

	if showVersion {
		fmt.Printf(
			"%s %s (commit=%s, commit_date=%s, build_id=%s, build_date=%s, go=%s, dirty=%v)\n",
			vi.AppName, vi.Version, vi.Commit, vi.CommitDate, vi.BuildId, vi.BuildDate, vi.GoVersion,
			vi.VCSDirty != nil && *vi.VCSDirty,
		)
		os.Exit(0)
	}

	// Fill in config from environment variables with prefix SESSIONGATE_ and validate
	cfg.FillFromEnv(flag.CommandLine, "SESSIONGATE_", func(format string, args ...any) {
		fmt.Fprintf(os.Stderr, format+"\n", args...)
	})

	if err := cfg.Validate(conf); err != nil {
		fmt.Fprintln(os.Stderr, "config error:", err)
		os.Exit(1)
	}

	// Setup logging
	lvl, err := log.ParseLevel(conf.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid log level %s: %v\n", conf.LogLevel, err)
		os.Exit(1)
	}
	stackLvl, err := log.ParseLevel(conf.StacktraceLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid stacktrace level %s: %v\n", conf.StacktraceLevel, err)
		os.Exit(1)
	}
	lg, err := log.New(log.Options{
		App:               v.AppName,
		Level:             lvl,
		StacktraceLevel:   stackLvl,
		JsonFormat:        conf.LogJSON,
		IncludeErrorLinks: conf.IncludeErrorLinks,
		MaxErrorLinks:     conf.MaxErrorLinks,
	})
	if err != nil {
		fmt.Fprintln(os.Stderr, "logger init error:", err)
		os.Exit(1)
	}
	defer lg.Sync()
	L := lg.With("component", "server")
	ctx = log.WithContext(ctx, L)

	L.Info(ctx, "initializing application",
		"version", vi.Version,
		"commit", vi.Commit,
		"commit_date", vi.CommitDate,
		"build_id", vi.BuildId,
		"build_date", vi.BuildDate,
		"go_version", vi.GoVersion,
		"vcs_dirty", vi.VCSDirty,
		"http_port", conf.HTTPPort,
		"admin_port", conf.AdminPort,
		"enable_pprof", conf.EnablePprof,
		"trusted_hops", conf.TrustedHops,
		"max_sessions_per_device", conf.MaxSessionsPerDevice,
		"rate_limit_requests", conf.RateLimitRequests,
		"rate_limit_window", conf.RateLimitWindow,
		"idle_reclaim_horizon", conf.IdleReclaimHorizon,
		"reclaim_interval", conf.ReclaimInterval,
	)

	// Setup metrics for the admin listener
	m := metrics.New()
	m.SetBuildInfoFromVersion(v.AppName, "server", &vi)

	// Admission core: per-device session registry + sliding request window,
	// composed into the guard that the transport consults.
	registry := admission.NewRegistry(
		admission.WithMaxSessions(conf.MaxSessionsPerDevice),
	)
	window := admission.NewWindow(
		admission.WithWindow(conf.RateLimitWindow),
		admission.WithCapacity(conf.RateLimitRequests),
	)
	guard := admission.NewGuard(registry, window,
		admission.WithSweepEvery(conf.ReclaimInterval),
		admission.WithIdleHorizon(conf.IdleReclaimHorizon),
		admission.WithOnSessionDenied(func(key string, current, max int) {
			m.IncSessionDenied()
			L.Warn(ctx, "session denied by device cap",
				"device_key", key, "current_sessions", current, "max_sessions", max)
		}),
		admission.WithOnRateLimited(func(key string) {
			m.IncRequestRateLimited()
		}),
		admission.WithOnReclaim(func(sessions, devices int) {
			m.AddSessionsReclaimed(sessions)
			L.Info(ctx, "idle reclamation pass",
				"reclaimed_sessions", sessions, "compacted_devices", devices)
		}),
	)

	m.RegisterSessionGauges(
		func() float64 { return float64(guard.Stats().TotalSessions) },
		func() float64 { return float64(guard.Stats().TotalDevices) },
	)

	// Background idle-session sweeper, stops on shutdown signal.
	go guard.Sweep(ctx)

	// Per-IP flood limiter in front of the device guard
	limiter := flood.New(ctx,
		flood.WithRate(conf.FloodRate, conf.FloodBurst),
		flood.WithTTL(conf.FloodTTL),
		flood.WithMaxPeers(conf.FloodMaxPeers),
		flood.WithOnDenied(func(ip string) {
			m.IncFloodDenied()
		}),
		// only log the first time a peer is denied each time it is cleaned from the bucket
		flood.WithOnFirstDenied(func(ip string) {
			L.Warn(ctx, "flood limit triggered", "ip", ip)
		}),
		flood.WithOnCapacity(func() {
			m.IncFloodCapacity()
			L.Warn(ctx, "flood limiter capacity reached, rejecting new peers until some are evicted")
		}),
	)

	// setup toggle for server shutdown
	var gate health.ShutdownGate
	readiness := health.All(gate.Probe())

	// start public listener (websocket sessions + stats API)
	gateHTTPStop, err := gatehttp.Start(ctx, &gatehttp.Options{
		Logger:              L,
		Port:                conf.HTTPPort,
		Guard:               guard,
		UseRecoverMW:        true,
		OnPanic:             m.IncHttpPanic,
		FloodMW:             limiter.Middleware,
		MetricsMW:           m.Middleware,
		ClientIPOpts:        httpmw.ClientIPOptions{TrustedHops: conf.TrustedHops},
		Health:              health.Fixed(true, ""),
		Readiness:           readiness,
		OnSessionRegistered: m.IncSessionRegistered,
		OnSessionReleased:   m.IncSessionReleased,
	})
	if err != nil {
		L.Error(ctx, err, "failed to start public http listener")
		os.Exit(1)
	}
	defer func() { _ = gateHTTPStop(context.Background()) }()

	// start admin/ops listener to serve metrics, health checks, pprof
	opsHTTPStop, err := opshttp.Start(ctx, L, opshttp.Options{
		Port:        conf.AdminPort,
		Metrics:     m.Handler(),
		EnablePprof: conf.EnablePprof,
		Health:      health.Fixed(true, ""),
		Readiness:   readiness,
	})
	if err != nil {
		L.Error(ctx, err, "failed to start ops http listener")
		os.Exit(1)
	}
	defer func() { _ = opsHTTPStop(context.Background()) }()

	// notify systemd that we started successfully if started under systemd
	if err := notifySystemd(); err != nil {
		// log and dont exit, worst case systemd will kill the process after timeout
		L.Warn(ctx, "failed to notify systemd of readiness", "error", err)
	}

	// wait for ctrl+c / sigterm
	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	L.Info(context.Background(), "shutdown signal received")

	// fail health checks so the load balancer stops sending new sessions
	gate.Set("draining")
	L.Info(context.Background(), "shutdown gate closed")

	L.Info(context.Background(), "sleeping 30s for in-flight sessions and load balancer health checks to drain")
	forceCh := make(chan os.Signal, 1)
	signal.Notify(forceCh, os.Interrupt, syscall.SIGTERM)
	select {
	case <-time.After(30 * time.Second):
		L.Info(context.Background(), "drain period complete")
	case <-forceCh:
		L.Warn(context.Background(), "second signal received, skipping drain")
	}
	signal.Stop(forceCh)

	if err := gateHTTPStop(shutdownCtx); err != nil {
		L.Error(context.Background(), err, "public http server shutdown")
	}

	if err := opsHTTPStop(shutdownCtx); err != nil {
		L.Error(context.Background(), err, "ops http server shutdown")
	}

	L.Info(context.Background(), "shutdown complete")
	os.Exit(0)
}

func notifySystemd() error {
	// systemd will set NOTIFY_SOCKET to a unix socket path if we were started under systemd with type=notify
	addr := os.Getenv("NOTIFY_SOCKET")
	if addr == "" {
		return fmt.Errorf("NOTIFY_SOCKET not set, skipping systemd notify")
	}
	conn, err := net.Dial("unixgram", addr)
	if err != nil {
		return fmt.Errorf("systemd notify failed: dial failed: %w", err)
	}
	conn.Write([]byte("READY=1"))
	if err := conn.Close(); err != nil {
		return fmt.Errorf("systemd notify failed: close failed: %w", err)
	}
	return nil
}
