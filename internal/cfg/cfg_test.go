package cfg

import (
	"flag"
	"fmt"
	"os"
	"strings"
	"testing"
	"time"
)

func wantErrContains(t *testing.T, err error, sub string) {
	t.Helper()
	if err == nil {
		t.Fatalf("expected error containing %q, got <nil>", sub)
	}
	if !strings.Contains(err.Error(), sub) {
		t.Fatalf("error %q does not contain %q", err.Error(), sub)
	}
}

// newTestConfig registers flags on a fresh FlagSet, parses the given args,
// and returns the resulting App. This isolates each test from flag.CommandLine.
func newTestConfig(t *testing.T, args []string) App {
	t.Helper()
	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	var c App
	Register(fs, &c)
	if err := fs.Parse(args); err != nil {
		t.Fatalf("flag parse: %v", err)
	}
	return c
}

func TestRegister_Defaults(t *testing.T) {
	c := newTestConfig(t, nil)

	if !c.LogJSON {
		t.Error("LogJSON: want true")
	}
	if c.LogLevel != "info" {
		t.Errorf("LogLevel: want %q, got %q", "info", c.LogLevel)
	}
	if c.StacktraceLevel != "error" {
		t.Errorf("StacktraceLevel: want %q, got %q", "error", c.StacktraceLevel)
	}
	if c.OpsAddr != "127.0.0.1:9090" {
		t.Errorf("OpsAddr: want %q, got %q", "127.0.0.1:9090", c.OpsAddr)
	}
	if c.EnablePprof {
		t.Error("EnablePprof: want false")
	}
	if c.PortfolioRoot != "" {
		t.Errorf("PortfolioRoot: want empty, got %q", c.PortfolioRoot)
	}
	if !c.EnableWatcher {
		t.Error("EnableWatcher: want true")
	}
	if c.WatchDebounce != 500*time.Millisecond {
		t.Errorf("WatchDebounce: want 500ms, got %v", c.WatchDebounce)
	}
	if c.MaxElementBytes != 1<<20 {
		t.Errorf("MaxElementBytes: want %d, got %d", 1<<20, c.MaxElementBytes)
	}
	if c.PatternTimeLimit != 100*time.Millisecond {
		t.Errorf("PatternTimeLimit: want 100ms, got %v", c.PatternTimeLimit)
	}
	if c.PatternMaxBytes != 100_000 {
		t.Errorf("PatternMaxBytes: want 100000, got %d", c.PatternMaxBytes)
	}
	if c.CredentialDir != "" {
		t.Errorf("CredentialDir: want empty, got %q", c.CredentialDir)
	}
	if c.CredentialTTL != time.Hour {
		t.Errorf("CredentialTTL: want 1h, got %v", c.CredentialTTL)
	}
	if c.ChecksPerHour != 10 {
		t.Errorf("ChecksPerHour: want 10, got %d", c.ChecksPerHour)
	}
	if c.CheckMinGap != 5*time.Second {
		t.Errorf("CheckMinGap: want 5s, got %v", c.CheckMinGap)
	}
	if c.EventDB != "security-events.db" {
		t.Errorf("EventDB: want %q, got %q", "security-events.db", c.EventDB)
	}
	if c.EventRetention != 720*time.Hour {
		t.Errorf("EventRetention: want 720h, got %v", c.EventRetention)
	}
	if c.EnableTracing {
		t.Error("EnableTracing: want false")
	}
	if c.EnablePyroscope {
		t.Error("EnablePyroscope: want false")
	}
	if !c.IncludeErrorLinks {
		t.Error("IncludeErrorLinks: want true")
	}
	if c.MaxErrorLinks != 5 {
		t.Errorf("MaxErrorLinks: want 5, got %d", c.MaxErrorLinks)
	}
}

func TestRegister_CLIOverrides(t *testing.T) {
	c := newTestConfig(t, []string{
		"-log-json=false",
		"-log-level=debug",
		"-stacktrace-level=warn",
		"-ops-addr=0.0.0.0:9130",
		"-enable-pprof=true",
		"-portfolio-root=/srv/portfolio",
		"-enable-watcher=false",
		"-watch-debounce=250ms",
		"-max-element-bytes=2097152",
		"-pattern-time-limit=50ms",
		"-pattern-max-bytes=50000",
		"-credential-dir=/srv/creds",
		"-credential-ttl=30m",
		"-credential-checks-per-hour=20",
		"-credential-check-gap=2s",
		"-event-db=/var/lib/dollhouse/events.db",
		"-event-retention=168h",
		"-enable-tracing=true",
		"-otlp-endpoint=otel:4317",
		"-trace-sample=0.5",
		"-enable-pyroscope=true",
		"-pyro-server=https://pyro:4040",
		"-pyro-tenant=test-tenant",
	})

	if c.LogJSON != false {
		t.Error("LogJSON: want false")
	}
	if c.LogLevel != "debug" {
		t.Errorf("LogLevel: want %q, got %q", "debug", c.LogLevel)
	}
	if c.StacktraceLevel != "warn" {
		t.Errorf("StacktraceLevel: want %q, got %q", "warn", c.StacktraceLevel)
	}
	if c.OpsAddr != "0.0.0.0:9130" {
		t.Errorf("OpsAddr: want %q, got %q", "0.0.0.0:9130", c.OpsAddr)
	}
	if c.EnablePprof != true {
		t.Error("EnablePprof: want true")
	}
	if c.PortfolioRoot != "/srv/portfolio" {
		t.Errorf("PortfolioRoot: want %q, got %q", "/srv/portfolio", c.PortfolioRoot)
	}
	if c.EnableWatcher != false {
		t.Error("EnableWatcher: want false")
	}
	if c.WatchDebounce != 250*time.Millisecond {
		t.Errorf("WatchDebounce: want 250ms, got %v", c.WatchDebounce)
	}
	if c.MaxElementBytes != 2097152 {
		t.Errorf("MaxElementBytes: want 2097152, got %d", c.MaxElementBytes)
	}
	if c.PatternTimeLimit != 50*time.Millisecond {
		t.Errorf("PatternTimeLimit: want 50ms, got %v", c.PatternTimeLimit)
	}
	if c.PatternMaxBytes != 50000 {
		t.Errorf("PatternMaxBytes: want 50000, got %d", c.PatternMaxBytes)
	}
	if c.CredentialDir != "/srv/creds" {
		t.Errorf("CredentialDir: want %q, got %q", "/srv/creds", c.CredentialDir)
	}
	if c.CredentialTTL != 30*time.Minute {
		t.Errorf("CredentialTTL: want 30m, got %v", c.CredentialTTL)
	}
	if c.ChecksPerHour != 20 {
		t.Errorf("ChecksPerHour: want 20, got %d", c.ChecksPerHour)
	}
	if c.CheckMinGap != 2*time.Second {
		t.Errorf("CheckMinGap: want 2s, got %v", c.CheckMinGap)
	}
	if c.EventDB != "/var/lib/dollhouse/events.db" {
		t.Errorf("EventDB: want %q, got %q", "/var/lib/dollhouse/events.db", c.EventDB)
	}
	if c.EventRetention != 168*time.Hour {
		t.Errorf("EventRetention: want 168h, got %v", c.EventRetention)
	}
	if c.EnableTracing != true {
		t.Error("EnableTracing: want true")
	}
	if c.OTLPEndpoint != "otel:4317" {
		t.Errorf("OTLPEndpoint: want %q, got %q", "otel:4317", c.OTLPEndpoint)
	}
	if c.TraceSample != 0.5 {
		t.Errorf("TraceSample: want 0.5, got %f", c.TraceSample)
	}
	if c.EnablePyroscope != true {
		t.Error("EnablePyroscope: want true")
	}
	if c.PyroServer != "https://pyro:4040" {
		t.Errorf("PyroServer: want %q, got %q", "https://pyro:4040", c.PyroServer)
	}
	if c.PyroTenantID != "test-tenant" {
		t.Errorf("PyroTenantID: want %q, got %q", "test-tenant", c.PyroTenantID)
	}
}

func TestFillFromEnv(t *testing.T) {
	pfx := "TESTCFG_"
	t.Setenv(pfx+"LOG_JSON", "false")
	t.Setenv(pfx+"LOG_LEVEL", "debug")
	t.Setenv(pfx+"OPS_ADDR", "127.0.0.1:9131")
	t.Setenv(pfx+"PORTFOLIO_ROOT", "/env/portfolio")
	t.Setenv(pfx+"ENABLE_WATCHER", "false")
	t.Setenv(pfx+"WATCH_DEBOUNCE", "1s")
	t.Setenv(pfx+"MAX_ELEMENT_BYTES", "524288")
	t.Setenv(pfx+"PATTERN_TIME_LIMIT", "200ms")
	t.Setenv(pfx+"CREDENTIAL_CHECKS_PER_HOUR", "30")
	t.Setenv(pfx+"EVENT_DB", "/env/events.db")
	t.Setenv(pfx+"ENABLE_TRACING", "true")
	t.Setenv(pfx+"OTLP_ENDPOINT", "otel:4317")
	t.Setenv(pfx+"TRACE_SAMPLE", "0.25")

	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	var c App
	Register(fs, &c)
	if err := fs.Parse(nil); err != nil {
		t.Fatalf("flag parse: %v", err)
	}
	FillFromEnv(fs, pfx, nil)

	if c.LogJSON != false {
		t.Error("LogJSON: want false from env")
	}
	if c.LogLevel != "debug" {
		t.Errorf("LogLevel: want %q, got %q", "debug", c.LogLevel)
	}
	if c.OpsAddr != "127.0.0.1:9131" {
		t.Errorf("OpsAddr: want %q, got %q", "127.0.0.1:9131", c.OpsAddr)
	}
	if c.PortfolioRoot != "/env/portfolio" {
		t.Errorf("PortfolioRoot: want %q, got %q", "/env/portfolio", c.PortfolioRoot)
	}
	if c.EnableWatcher != false {
		t.Error("EnableWatcher: want false from env")
	}
	if c.WatchDebounce != time.Second {
		t.Errorf("WatchDebounce: want 1s, got %v", c.WatchDebounce)
	}
	if c.MaxElementBytes != 524288 {
		t.Errorf("MaxElementBytes: want 524288, got %d", c.MaxElementBytes)
	}
	if c.PatternTimeLimit != 200*time.Millisecond {
		t.Errorf("PatternTimeLimit: want 200ms, got %v", c.PatternTimeLimit)
	}
	if c.ChecksPerHour != 30 {
		t.Errorf("ChecksPerHour: want 30, got %d", c.ChecksPerHour)
	}
	if c.EventDB != "/env/events.db" {
		t.Errorf("EventDB: want %q, got %q", "/env/events.db", c.EventDB)
	}
	if c.EnableTracing != true {
		t.Error("EnableTracing: want true from env")
	}
	if c.OTLPEndpoint != "otel:4317" {
		t.Errorf("OTLPEndpoint: want %q, got %q", "otel:4317", c.OTLPEndpoint)
	}
	if c.TraceSample != 0.25 {
		t.Errorf("TraceSample: want 0.25, got %f", c.TraceSample)
	}
}

func TestFillFromEnv_CLITakesPrecedence(t *testing.T) {
	pfx := "TESTCFG2_"
	t.Setenv(pfx+"OPS_ADDR", "127.0.0.1:7777")
	t.Setenv(pfx+"LOG_LEVEL", "warn")
	t.Setenv(pfx+"ENABLE_WATCHER", "false")

	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	var c App
	Register(fs, &c)
	if err := fs.Parse([]string{"-ops-addr=127.0.0.1:9090", "-log-level=debug", "-enable-watcher=true"}); err != nil {
		t.Fatalf("flag parse: %v", err)
	}

	var overrideMessages []string
	FillFromEnv(fs, pfx, func(format string, args ...any) {
		overrideMessages = append(overrideMessages, fmt.Sprintf(format, args...))
	})

	// CLI wins
	if c.OpsAddr != "127.0.0.1:9090" {
		t.Errorf("OpsAddr: want %q (cli), got %q", "127.0.0.1:9090", c.OpsAddr)
	}
	if c.LogLevel != "debug" {
		t.Errorf("LogLevel: want %q (cli), got %q", "debug", c.LogLevel)
	}
	if c.EnableWatcher != true {
		t.Error("EnableWatcher: want true (cli)")
	}

	// Should have logged override messages for all three
	if len(overrideMessages) != 3 {
		t.Errorf("expected 3 override messages, got %d: %v", len(overrideMessages), overrideMessages)
	}
	for _, msg := range overrideMessages {
		if !strings.Contains(msg, "overrides env") {
			t.Errorf("unexpected override message format: %s", msg)
		}
	}
}

func TestFillFromEnv_InvalidEnvIgnored(t *testing.T) {
	pfx := "TESTCFG3_"
	t.Setenv(pfx+"WATCH_DEBOUNCE", "not-a-duration")

	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	var c App
	Register(fs, &c)
	if err := fs.Parse(nil); err != nil {
		t.Fatalf("flag parse: %v", err)
	}

	var logMessages []string
	FillFromEnv(fs, pfx, func(format string, args ...any) {
		logMessages = append(logMessages, fmt.Sprintf(format, args...))
	})

	// Should keep default, not crash
	if c.WatchDebounce != 500*time.Millisecond {
		t.Errorf("WatchDebounce: want 500ms (default), got %v", c.WatchDebounce)
	}
	// Should have logged the error
	if len(logMessages) != 1 {
		t.Fatalf("expected 1 log message, got %d: %v", len(logMessages), logMessages)
	}
	if !strings.Contains(logMessages[0], "ignoring invalid env") {
		t.Errorf("unexpected log message: %s", logMessages[0])
	}
}

func TestValidate_OK(t *testing.T) {
	c := newTestConfig(t, []string{
		"-portfolio-root=/srv/portfolio",
		"-enable-tracing=true",
		"-otlp-endpoint=otel:4317",
		"-trace-sample=0.2",
		"-enable-pyroscope=true",
		"-pyro-server=https://pyro:4040",
	})
	if err := Validate(c); err != nil {
		t.Fatalf("Validate() unexpected error: %v", err)
	}
}

func TestValidate_RequiresPortfolioRoot(t *testing.T) {
	c := newTestConfig(t, nil)
	wantErrContains(t, Validate(c), "PORTFOLIO_ROOT is required")
}

func TestValidate_InvalidCombined(t *testing.T) {
	c := newTestConfig(t, []string{
		"-ops-addr=no-port-here",
		"-log-level=nope",
		"-stacktrace-level=alsonope",
		"-watch-debounce=0s",
		"-max-element-bytes=0",
		"-pattern-time-limit=0s",
		"-pattern-max-bytes=0",
		"-credential-ttl=0s",
		"-credential-checks-per-hour=0",
		"-event-retention=1m",
		"-enable-tracing=true",
		"-otlp-endpoint=otel",
		"-trace-sample=2.0",
		"-enable-pyroscope=true",
		"-pyro-server=not-a-url",
		"-include-error-links=true",
		"-max-error-links=0",
	})

	err := Validate(c)
	if err == nil {
		t.Fatal("Validate() expected errors, got <nil>")
	}

	wantErrContains(t, err, "invalid OPS_ADDR")
	wantErrContains(t, err, "invalid LOG_LEVEL")
	wantErrContains(t, err, "invalid STACKTRACE_LEVEL")
	wantErrContains(t, err, "PORTFOLIO_ROOT is required")
	wantErrContains(t, err, "WATCH_DEBOUNCE")
	wantErrContains(t, err, "MAX_ELEMENT_BYTES")
	wantErrContains(t, err, "PATTERN_TIME_LIMIT")
	wantErrContains(t, err, "PATTERN_MAX_BYTES")
	wantErrContains(t, err, "CREDENTIAL_TTL")
	wantErrContains(t, err, "CREDENTIAL_CHECKS_PER_HOUR")
	wantErrContains(t, err, "EVENT_RETENTION")
	wantErrContains(t, err, "OTLP_ENDPOINT must be host:port")
	wantErrContains(t, err, "invalid TRACE_SAMPLE")
	wantErrContains(t, err, "PYRO_SERVER must be a URL")
	wantErrContains(t, err, "MAX_ERROR_LINKS")
}

func TestValidate_PortRange(t *testing.T) {
	c := newTestConfig(t, []string{"-portfolio-root=/p", "-ops-addr=127.0.0.1:70000"})
	wantErrContains(t, Validate(c), "must be 1..65535")
}

func TestMain(m *testing.M) {
	os.Exit(m.Run())
}
