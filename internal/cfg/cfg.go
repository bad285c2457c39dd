// Package cfg holds the server's flag/env configuration surface.
// Precedence: cli flag > env var > default.
package cfg

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/arthiv/sessiongate/internal/log"
)

type App struct {
	LogJSON           bool
	LogLevel          string
	StacktraceLevel   string
	IncludeErrorLinks bool
	MaxErrorLinks     int

	HTTPPort    int
	AdminPort   int
	EnablePprof bool
	TrustedHops int

	MaxSessionsPerDevice int
	RateLimitRequests    int
	RateLimitWindow      time.Duration
	IdleReclaimHorizon   time.Duration
	ReclaimInterval      time.Duration

	FloodRate     float64
	FloodBurst    int
	FloodTTL      time.Duration
	FloodMaxPeers int
}

// Register binds all config fields to the given FlagSet with defaults inline
func Register(fs *flag.FlagSet, c *App) {
	fs.BoolVar(&c.LogJSON, "log-json", true, "JSON logs (true) or logfmt (false)")
	fs.StringVar(&c.LogLevel, "log-level", "info", "debug|info|warn|error")
	fs.StringVar(&c.StacktraceLevel, "stacktrace-level", "error", "debug|info|warn|error")
	fs.BoolVar(&c.IncludeErrorLinks, "include-error-links", true, "Include error links in log messages")
	fs.IntVar(&c.MaxErrorLinks, "max-error-links", 5, "max error chain depth (1..64)")
	fs.IntVar(&c.HTTPPort, "http-port", 8080, "listen TCP port (1..65535)")
	fs.IntVar(&c.AdminPort, "admin-port", 9000, "admin listen TCP port (1..65535)")
	fs.BoolVar(&c.EnablePprof, "enable-pprof", true, "Enable pprof profiling (on admin port only)")
	fs.IntVar(&c.TrustedHops, "trusted-hops", 0, "number of trusted reverse proxies in front of this server (0 = none)")
	fs.IntVar(&c.MaxSessionsPerDevice, "max-sessions-per-device", 8, "maximum concurrent sessions per device fingerprint (1..1024)")
	fs.IntVar(&c.RateLimitRequests, "rate-limit-requests", 60, "requests allowed per device per window (1..100000)")
	fs.DurationVar(&c.RateLimitWindow, "rate-limit-window", time.Minute, "sliding window length for per-device request limiting")
	fs.DurationVar(&c.IdleReclaimHorizon, "idle-reclaim-horizon", time.Hour, "sessions idle longer than this are reclaimed")
	fs.DurationVar(&c.ReclaimInterval, "reclaim-interval", 5*time.Minute, "how often the background sweeper runs")
	fs.Float64Var(&c.FloodRate, "flood-rate", 5, "per-IP token refill rate for the connection flood limiter (req/s)")
	fs.IntVar(&c.FloodBurst, "flood-burst", 20, "per-IP burst ceiling for the connection flood limiter")
	fs.DurationVar(&c.FloodTTL, "flood-ttl", 5*time.Minute, "idle eviction TTL for flood limiter peer entries")
	fs.IntVar(&c.FloodMaxPeers, "flood-max-peers", 100000, "max tracked peers in the flood limiter before fail-closed")
}

// FillFromEnv sets any flag not explicitly passed on the CLI from
// environment variables. Flag "foo-bar" maps to PREFIX_FOO_BAR.
// Precedence: cli flag > env var > default.
func FillFromEnv(fs *flag.FlagSet, prefix string, logf func(string, ...any)) {
	explicit := make(map[string]bool)
	fs.Visit(func(f *flag.Flag) { explicit[f.Name] = true })

	fs.VisitAll(func(f *flag.Flag) {
		key := prefix + strings.ReplaceAll(strings.ToUpper(f.Name), "-", "_")
		envVal, envSet := os.LookupEnv(key)
		if !envSet {
			return
		}
		if explicit[f.Name] {
			if logf != nil {
				logf("flag -%s: cli value %q overrides env %s=%q", f.Name, f.Value.String(), key, envVal)
			}
			return
		}
		prev := f.Value.String()
		if err := fs.Set(f.Name, envVal); err != nil {
			fs.Set(f.Name, prev)
			if logf != nil {
				logf("flag -%s: ignoring invalid env %s=%q: %v", f.Name, key, envVal, err)
			}
		}
	})
}

// Validate checks that config values are within expected ranges and formats.
// Returns an error describing all invalid fields, or nil if all valid.
func Validate(c App) error {
	var errs []error

	// Ports
	if c.HTTPPort < 1 || c.HTTPPort > 65535 {
		errs = append(errs, fmt.Errorf("invalid HTTP_PORT %d (must be 1..65535)", c.HTTPPort))
	}
	if c.AdminPort < 1 || c.AdminPort > 65535 {
		errs = append(errs, fmt.Errorf("invalid ADMIN_PORT %d (must be 1..65535)", c.AdminPort))
	}
	if c.AdminPort == c.HTTPPort {
		errs = append(errs, fmt.Errorf("ADMIN_PORT and HTTP_PORT must differ (both %d)", c.HTTPPort))
	}

	// Log levels
	if _, err := log.ParseLevel(c.LogLevel); err != nil {
		errs = append(errs, fmt.Errorf("invalid LOG_LEVEL %q: %w", c.LogLevel, err))
	}
	if c.StacktraceLevel != "" {
		if _, err := log.ParseLevel(c.StacktraceLevel); err != nil {
			errs = append(errs, fmt.Errorf("invalid STACKTRACE_LEVEL %q: %w", c.StacktraceLevel, err))
		}
	}

	// Error link limits
	if c.IncludeErrorLinks {
		if c.MaxErrorLinks < 1 || c.MaxErrorLinks > 64 {
			errs = append(errs, fmt.Errorf("MAX_ERROR_LINKS must be 1..64 (got %d)", c.MaxErrorLinks))
		}
	}

	if c.TrustedHops < 0 || c.TrustedHops > 8 {
		errs = append(errs, fmt.Errorf("TRUSTED_HOPS must be 0..8 (got %d)", c.TrustedHops))
	}

	// Admission limits
	if c.MaxSessionsPerDevice < 1 || c.MaxSessionsPerDevice > 1024 {
		errs = append(errs, fmt.Errorf("MAX_SESSIONS_PER_DEVICE must be 1..1024 (got %d)", c.MaxSessionsPerDevice))
	}
	if c.RateLimitRequests < 1 || c.RateLimitRequests > 100000 {
		errs = append(errs, fmt.Errorf("RATE_LIMIT_REQUESTS must be 1..100000 (got %d)", c.RateLimitRequests))
	}
	if c.RateLimitWindow < time.Second {
		errs = append(errs, fmt.Errorf("RATE_LIMIT_WINDOW must be at least 1s (got %s)", c.RateLimitWindow))
	}
	if c.IdleReclaimHorizon < time.Minute {
		errs = append(errs, fmt.Errorf("IDLE_RECLAIM_HORIZON must be at least 1m (got %s)", c.IdleReclaimHorizon))
	}
	if c.ReclaimInterval < time.Second {
		errs = append(errs, fmt.Errorf("RECLAIM_INTERVAL must be at least 1s (got %s)", c.ReclaimInterval))
	}

	// Flood limiter
	if c.FloodRate <= 0 {
		errs = append(errs, fmt.Errorf("FLOOD_RATE must be positive (got %g)", c.FloodRate))
	}
	if c.FloodBurst < 1 {
		errs = append(errs, fmt.Errorf("FLOOD_BURST must be at least 1 (got %d)", c.FloodBurst))
	}
	if c.FloodTTL < time.Second {
		errs = append(errs, fmt.Errorf("FLOOD_TTL must be at least 1s (got %s)", c.FloodTTL))
	}
	if c.FloodMaxPeers < 1 {
		errs = append(errs, fmt.Errorf("FLOOD_MAX_PEERS must be at least 1 (got %d)", c.FloodMaxPeers))
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}
