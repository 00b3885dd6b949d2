package cfg

import (
	"errors"
	"flag"
	"fmt"
	"net"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/DollhouseMCP/mcp-server-sub009/internal/log"
)

// EnvPrefix is the environment namespace: flag "a-b-c" maps to DOLLHOUSE_A_B_C.
const EnvPrefix = "DOLLHOUSE_"

type App struct {
	LogJSON           bool
	LogLevel          string
	StacktraceLevel   string
	IncludeErrorLinks bool
	MaxErrorLinks     int

	OpsAddr     string
	EnablePprof bool

	PortfolioRoot   string
	EnableWatcher   bool
	WatchDebounce   time.Duration
	MaxElementBytes int64

	PatternTimeLimit time.Duration
	PatternMaxBytes  int

	CredentialDir string
	CredentialTTL time.Duration
	ChecksPerHour int
	CheckMinGap   time.Duration

	EventDB        string
	EventRetention time.Duration

	EnableTracing bool
	OTLPEndpoint  string
	TraceSample   float64

	EnablePyroscope bool
	PyroServer      string
	PyroTenantID    string
}

// Register binds all config fields to the given FlagSet with defaults inline
func Register(fs *flag.FlagSet, c *App) {
	fs.BoolVar(&c.LogJSON, "log-json", true, "JSON logs (true) or logfmt (false)")
	fs.StringVar(&c.LogLevel, "log-level", "info", "debug|info|warn|error")
	fs.StringVar(&c.StacktraceLevel, "stacktrace-level", "error", "debug|info|warn|error")
	fs.BoolVar(&c.IncludeErrorLinks, "include-error-links", true, "Include error links in log messages")
	fs.IntVar(&c.MaxErrorLinks, "max-error-links", 5, "max error chain depth (1..64)")

	fs.StringVar(&c.OpsAddr, "ops-addr", "127.0.0.1:9090", "ops listener address (host:port) for health, metrics and status")
	fs.BoolVar(&c.EnablePprof, "enable-pprof", false, "Enable pprof profiling on the ops listener")

	fs.StringVar(&c.PortfolioRoot, "portfolio-root", "", "portfolio root directory holding element files (required)")
	fs.BoolVar(&c.EnableWatcher, "enable-watcher", true, "Enable re-screening portfolio files changed out-of-band")
	fs.DurationVar(&c.WatchDebounce, "watch-debounce", 500*time.Millisecond, "settle window for filesystem events before re-screening")
	fs.Int64Var(&c.MaxElementBytes, "max-element-bytes", 1<<20, "max element size in bytes for commits and re-screens")

	fs.DurationVar(&c.PatternTimeLimit, "pattern-time-limit", 100*time.Millisecond, "wall-clock budget per pattern check")
	fs.IntVar(&c.PatternMaxBytes, "pattern-max-bytes", 100_000, "max content bytes per pattern check")

	fs.StringVar(&c.CredentialDir, "credential-dir", "", "encrypted credential store directory (empty disables the store)")
	fs.DurationVar(&c.CredentialTTL, "credential-ttl", time.Hour, "how long a validated credential stays cached")
	fs.IntVar(&c.ChecksPerHour, "credential-checks-per-hour", 10, "provider validation quota (1..3600)")
	fs.DurationVar(&c.CheckMinGap, "credential-check-gap", 5*time.Second, "min spacing between provider validations")

	fs.StringVar(&c.EventDB, "event-db", "security-events.db", "security event store path (empty disables persistence)")
	fs.DurationVar(&c.EventRetention, "event-retention", 720*time.Hour, "purge stored events older than this")

	fs.BoolVar(&c.EnableTracing, "enable-tracing", false, "Enable OTLP tracing and push to otlp-endpoint")
	fs.StringVar(&c.OTLPEndpoint, "otlp-endpoint", "", "OTLP endpoint to push to (gRPC) (host:port)")
	fs.Float64Var(&c.TraceSample, "trace-sample", 0.0, "trace sampling ratio (0..1)")

	fs.BoolVar(&c.EnablePyroscope, "enable-pyroscope", false, "Enable pushing Pyroscope data to server set in -pyro-server")
	fs.StringVar(&c.PyroServer, "pyro-server", "", "pyroscope server url to push to")
	fs.StringVar(&c.PyroTenantID, "pyro-tenant", "", "tenant (x-scope-orgid) to use for pyro-server")
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

	// Ops listener
	if _, port, err := net.SplitHostPort(c.OpsAddr); err != nil {
		errs = append(errs, fmt.Errorf("invalid OPS_ADDR %q (must be host:port): %v", c.OpsAddr, err))
	} else if p, err := strconv.Atoi(port); err != nil || p < 1 || p > 65535 {
		errs = append(errs, fmt.Errorf("invalid OPS_ADDR port %q (must be 1..65535)", port))
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

	// Portfolio
	if c.PortfolioRoot == "" {
		errs = append(errs, fmt.Errorf("PORTFOLIO_ROOT is required"))
	}
	if c.WatchDebounce <= 0 || c.WatchDebounce > time.Minute {
		errs = append(errs, fmt.Errorf("WATCH_DEBOUNCE must be >0 and <=1m (got %v)", c.WatchDebounce))
	}
	if c.MaxElementBytes < 1 || c.MaxElementBytes > 100<<20 {
		errs = append(errs, fmt.Errorf("MAX_ELEMENT_BYTES must be 1..%d (got %d)", 100<<20, c.MaxElementBytes))
	}

	// Pattern budgets
	if c.PatternTimeLimit <= 0 || c.PatternTimeLimit > 10*time.Second {
		errs = append(errs, fmt.Errorf("PATTERN_TIME_LIMIT must be >0 and <=10s (got %v)", c.PatternTimeLimit))
	}
	if c.PatternMaxBytes < 1 {
		errs = append(errs, fmt.Errorf("PATTERN_MAX_BYTES must be positive (got %d)", c.PatternMaxBytes))
	}

	// Credential gate
	if c.CredentialTTL <= 0 {
		errs = append(errs, fmt.Errorf("CREDENTIAL_TTL must be positive (got %v)", c.CredentialTTL))
	}
	if c.ChecksPerHour < 1 || c.ChecksPerHour > 3600 {
		errs = append(errs, fmt.Errorf("CREDENTIAL_CHECKS_PER_HOUR must be 1..3600 (got %d)", c.ChecksPerHour))
	}
	if c.CheckMinGap < 0 || c.CheckMinGap > 10*time.Minute {
		errs = append(errs, fmt.Errorf("CREDENTIAL_CHECK_GAP must be 0..10m (got %v)", c.CheckMinGap))
	}

	// Event store
	if c.EventDB != "" {
		if c.EventRetention < time.Hour {
			errs = append(errs, fmt.Errorf("EVENT_RETENTION must be >=1h (got %v)", c.EventRetention))
		}
	}

	// OTLP tracing (grpc exporter wants host:port, no scheme)
	if c.EnableTracing {
		if c.OTLPEndpoint == "" {
			errs = append(errs, fmt.Errorf("OTLP_ENDPOINT required when ENABLE_TRACING=true"))
		} else if _, _, err := net.SplitHostPort(c.OTLPEndpoint); err != nil {
			errs = append(errs, fmt.Errorf("OTLP_ENDPOINT must be host:port (got %q): %v", c.OTLPEndpoint, err))
		}
	}

	// Tracing sample
	if c.TraceSample < 0 || c.TraceSample > 1 {
		errs = append(errs, fmt.Errorf("invalid TRACE_SAMPLE %.3f (must be 0..1)", c.TraceSample))
	}

	// Pyroscope (URL and scheme)
	if c.EnablePyroscope {
		if c.PyroServer == "" {
			errs = append(errs, fmt.Errorf("PYRO_SERVER required when ENABLE_PYROSCOPE=true"))
		} else if u, err := url.Parse(c.PyroServer); err != nil || u.Scheme == "" || u.Host == "" {
			errs = append(errs, fmt.Errorf("PYRO_SERVER must be a URL (got %q)", c.PyroServer))
		}
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}
