package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/DollhouseMCP/mcp-server-sub009/internal/admit"
	"github.com/DollhouseMCP/mcp-server-sub009/internal/cfg"
	"github.com/DollhouseMCP/mcp-server-sub009/internal/credential"
	"github.com/DollhouseMCP/mcp-server-sub009/internal/events"
	"github.com/DollhouseMCP/mcp-server-sub009/internal/health"
	"github.com/DollhouseMCP/mcp-server-sub009/internal/httpmw"
	"github.com/DollhouseMCP/mcp-server-sub009/internal/opsapi"
	"github.com/DollhouseMCP/mcp-server-sub009/internal/opshttp"
	"github.com/DollhouseMCP/mcp-server-sub009/internal/patterns"
	"github.com/DollhouseMCP/mcp-server-sub009/internal/portfolio"
	"github.com/DollhouseMCP/mcp-server-sub009/internal/ratelimit"
	"github.com/DollhouseMCP/mcp-server-sub009/internal/screen"

	"github.com/DollhouseMCP/mcp-server-sub009/internal/log"
	"github.com/DollhouseMCP/mcp-server-sub009/internal/metrics"
	"github.com/DollhouseMCP/mcp-server-sub009/internal/otelx"
	"github.com/DollhouseMCP/mcp-server-sub009/internal/prof"
	v "github.com/DollhouseMCP/mcp-server-sub009/internal/version"
)

const appName = "elementsd"

// purgeInterval is how often the event retention sweep runs.
const purgeInterval = time.Hour

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Get build/version info
	vi := v.Get()

	var conf cfg.App
	var showVersion bool
	var admitSrc, admitDest string

	// Parse config from flags and env
	cfg.Register(flag.CommandLine, &conf)
	flag.BoolVar(&showVersion, "V", false, "Print version+build information and exit")
	flag.StringVar(&admitSrc, "admit-source", "", "One-shot mode: commit this URL or file into the portfolio, then exit")
	flag.StringVar(&admitDest, "admit-dest", "", "Destination element path for -admit-source, relative to portfolio root")
	flag.Parse()

	if showVersion {
		fmt.Printf(
			"%s %s (commit=%s, commit_date=%s, build_id=%s, build_date=%s, go=%s, dirty=%v)\n",
			appName, vi.Version, vi.Commit, vi.CommitDate, vi.BuildId, vi.BuildDate, vi.GoVersion,
			vi.VCSDirty != nil && *vi.VCSDirty,
		)
		os.Exit(0)
	}

	// Fill in config from environment variables with prefix DOLLHOUSE_ and validate
	cfg.FillFromEnv(flag.CommandLine, cfg.EnvPrefix, func(format string, args ...any) {
		fmt.Fprintf(os.Stderr, format+"\n", args...)
	})

	// validate config
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
	stLvl, err := log.ParseLevel(conf.StacktraceLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid stacktrace level %s: %v\n", conf.StacktraceLevel, err)
		os.Exit(1)
	}
	lg, err := log.New(log.Options{
		App:               appName,
		Version:           vi.Version,
		Level:             lvl,
		StacktraceLevel:   stLvl,
		JsonFormat:        conf.LogJSON,
		MaxErrorLinks:     conf.MaxErrorLinks,
		IncludeErrorLinks: conf.IncludeErrorLinks,
	})
	if err != nil {
		fmt.Fprintln(os.Stderr, "logger init error:", err)
		os.Exit(1)
	}
	// no-op for slog/stderr, but here if we swap backends in the future to ensure any buffered logs are flushed on shutdown
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
		"ops_addr", conf.OpsAddr,
		"portfolio_root", conf.PortfolioRoot,
		"enable_watcher", conf.EnableWatcher,
		"enable_pprof", conf.EnablePprof,
		"enable_pyroscope", conf.EnablePyroscope,
		"enable_tracing", conf.EnableTracing,
		"otlp_endpoint", conf.OTLPEndpoint,
		"pyro_server", conf.PyroServer,
		"pyro_tenant", conf.PyroTenantID,
		"trace_sample", conf.TraceSample,
		"event_db", conf.EventDB,
		"event_retention", conf.EventRetention,
		"credential_dir", conf.CredentialDir,
		"max_element_bytes", conf.MaxElementBytes,
		"pattern_time_limit", conf.PatternTimeLimit,
		"pattern_max_bytes", conf.PatternMaxBytes,
		"watch_debounce", conf.WatchDebounce,
	)

	// Setup pyroscope profiling
	stopProf, profErr := prof.Start(ctx, prof.Options{
		Enabled:       conf.EnablePyroscope,
		AppName:       appName,
		ServerAddress: conf.PyroServer,
		TenantID:      conf.PyroTenantID,
		Tags: map[string]string{
			"app":       appName,
			"component": "server",
			"version":   vi.Version,
			"commit":    vi.Commit,
			"build_id":  vi.BuildId,
			"source":    "go-agent",
		},
	})
	if profErr != nil {
		L.Error(ctx, profErr, "pyroscope start failed", "pyro_server", conf.PyroServer)
	}
	defer func() { stopProf() }()

	// Setup otel for tracing
	// Insecure is true because we are only writing to a collector on localhost
	shutdownOTEL, err := otelx.Init(ctx, otelx.Options{
		Enabled:   conf.EnableTracing,
		Endpoint:  conf.OTLPEndpoint,
		Insecure:  true,
		Sample:    conf.TraceSample,
		Service:   appName,
		Component: "server",
		Version:   vi.Version,
	})
	if err != nil {
		L.Error(ctx, err, "otel init failed")
		shutdownOTEL = func(context.Context) error { return nil }
	}
	defer func() { _ = shutdownOTEL(context.Background()) }()

	// Setup metrics
	m := metrics.New()
	m.SetBuildInfoFromVersion(appName, "server", &vi)
	m.SetProfilingActive(conf.EnablePyroscope && profErr == nil)

	// Security event fan-out: producers emit once, the sinks split it into
	// log lines, counters, and the audit store.
	sinks := []events.Sink{events.NewLogSink(L), events.NewMetricsSink(m)}

	var store *events.Store
	if conf.EventDB != "" {
		store, err = events.OpenStore(conf.EventDB, events.WithStoreLogger(L))
		if err != nil {
			L.Error(ctx, err, "failed to open event store, audit persistence disabled", "path", conf.EventDB)
			store = nil
		} else {
			sinks = append(sinks, store)
			m.RegisterEventDropped(func() float64 { return float64(store.Dropped()) })
		}
	} else {
		L.Info(ctx, "event persistence disabled (empty event-db)")
	}
	sink := events.Multi(sinks...)

	// Pattern checker with per-check budgets
	checker := patterns.NewChecker(
		patterns.WithLimits(patterns.Limits{
			TimeLimit: conf.PatternTimeLimit,
			SizeLimit: conf.PatternMaxBytes,
		}),
		patterns.WithEvents(sink),
		patterns.WithLogger(L),
		patterns.WithMetrics(m),
	)

	// Content screener backed by the shared checker
	screener := screen.NewScreener(
		screen.WithChecker(checker),
		screen.WithEvents(sink),
		screen.WithLogger(L),
		screen.WithMetrics(m),
	)

	// Credential manager. The encrypted store is optional; environment
	// resolution always works.
	credOpts := []credential.ManagerOption{
		credential.WithTTL(conf.CredentialTTL),
		credential.WithQuota(conf.ChecksPerHour, conf.CheckMinGap),
		credential.WithLogger(L),
		credential.WithEvents(sink),
		credential.WithMetrics(m),
	}
	if conf.CredentialDir != "" {
		credOpts = append(credOpts, credential.WithStore(credential.NewStore(conf.CredentialDir,
			credential.WithStoreLogger(L),
			credential.WithStoreEvents(sink),
		)))
	}
	credMgr := credential.NewManager(credOpts...)

	// Admission pipeline, the only write path into the portfolio
	pipeline, err := admit.NewPipeline(conf.PortfolioRoot,
		admit.WithMaxBytes(conf.MaxElementBytes),
		admit.WithValidators(admit.DefaultValidators(screener, conf.MaxElementBytes)...),
		admit.WithEvents(sink),
		admit.WithLogger(L),
		admit.WithMetrics(m),
	)
	if err != nil {
		L.Error(ctx, err, "failed to create admission pipeline")
		os.Exit(1)
	}

	// One-shot mode: run a single validated commit and exit
	if admitSrc != "" || admitDest != "" {
		if admitSrc == "" || admitDest == "" {
			fmt.Fprintln(os.Stderr, "-admit-source and -admit-dest must be set together")
			os.Exit(2)
		}
		code := runAdmit(ctx, L, pipeline, store, admitSrc, admitDest)
		_ = shutdownOTEL(context.Background())
		stopProf()
		os.Exit(code)
	}

	// Portfolio watcher rescreens elements changed behind the pipeline's back
	var watcher *portfolio.Watcher
	if conf.EnableWatcher {
		watcher, err = portfolio.NewWatcher(conf.PortfolioRoot, &portfolio.Options{
			Logger:       L,
			Events:       sink,
			Metrics:      m,
			Screener:     screener,
			Debounce:     conf.WatchDebounce,
			MaxFileBytes: conf.MaxElementBytes,
		})
		if err != nil {
			L.Error(ctx, err, "failed to create portfolio watcher")
			os.Exit(1)
		}
	} else {
		L.Info(ctx, "portfolio watcher disabled")
	}

	watcherDone := make(chan error, 1)
	if watcher != nil {
		go func() { watcherDone <- watcher.Run(ctx) }()
	} else {
		close(watcherDone)
	}

	// Event retention sweep
	if store != nil {
		go func() {
			ticker := time.NewTicker(purgeInterval)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
					n, err := store.PurgeOlderThan(ctx, conf.EventRetention)
					if err != nil {
						L.Warn(ctx, "event retention purge failed", "err_msg", err.Error())
					} else if n > 0 {
						L.Info(ctx, "purged expired events", "removed", n, "retention", conf.EventRetention)
					}
				}
			}
		}()
	}

	// setup toggle for server shutdown
	var gate health.ShutdownGate

	// Readiness: the shutdown gate plus the watch session when enabled.
	readyProbes := []health.Probe{gate.Probe()}
	if watcher != nil {
		readyProbes = append(readyProbes, health.CheckFunc(func(context.Context) error {
			return watcher.ReadyErr()
		}))
	}
	readiness := health.All(readyProbes...)

	// Setup rate limiter middleware for the ops listener
	limiter := ratelimit.New(ctx,
		// increment prometheus counter on each denied request
		ratelimit.WithOnDenied(func(ip string) {
			m.IncRateLimitDenied()
		}),
		// only log the first time an ip is denied each time it is cleaned from the bucket
		ratelimit.WithOnFirstDenied(func(ip string) {
			L.Warn(ctx, "rate limit triggered", "ip", ip)
		}),
		ratelimit.WithOnCapacity(func() {
			m.IncRateLimitCapacity()
			L.Warn(ctx, "rate limit capacity reached, rejecting new visitors until some are evicted")
		}),
	)

	// Ops API sources. Assigned through locals so a disabled subsystem
	// stays a nil interface rather than a non-nil interface to a nil value.
	var eventSource opsapi.EventSource
	if store != nil {
		eventSource = store
	}
	var portfolioSource opsapi.PortfolioSource
	var portfolioInfo httpmw.PortfolioInfo
	if watcher != nil {
		portfolioSource = watcher
		portfolioInfo = watcher
	}
	api := opsapi.NewAPI(eventSource, portfolioSource, credMgr, L)

	// Binds loopback by default; middleware rejects public peers outright
	// in case the address is ever widened by config.
	opsStop, err := opshttp.Start(ctx, L, &opshttp.Options{
		Addr:         conf.OpsAddr,
		Metrics:      m.Handler(),
		MetricsMW:    m.Middleware,
		EnablePprof:  conf.EnablePprof,
		Health:       health.Fixed(true, ""),
		Readiness:    readiness,
		APIRoutes:    api.RegisterRoutes,
		Portfolio:    portfolioInfo,
		RateLimitMW:  limiter.Middleware,
		UseRecoverMW: true,
		OnPanic:      m.IncHttpPanic,
	})
	if err != nil {
		L.Error(ctx, err, "failed to start ops http listener")
		os.Exit(1)
	}
	defer func() { _ = opsStop(context.Background()) }()

	// notify systemd that we started successfully if started under systemd
	if err := notifySystemd(); err != nil {
		// log and dont exit, worst case systemd will kill the process after timeout
		L.Warn(ctx, "failed to notify systemd of readiness", "error", err)
	}

	L.Info(ctx, "startup complete")

	// block until ctrl+c / sigterm
	<-ctx.Done()

	L.Info(context.Background(), "shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	// fail readiness first so probes see the drain
	gate.Set("draining")
	L.Info(context.Background(), "shutdown gate closed")

	if err := opsStop(shutdownCtx); err != nil {
		L.Error(context.Background(), err, "ops http server shutdown")
	}

	// wait for the watcher to stop emitting before the store closes
	if err := <-watcherDone; err != nil && !errors.Is(err, context.Canceled) {
		L.Error(context.Background(), err, "portfolio watcher exit")
	}

	if store != nil {
		if err := store.Close(); err != nil {
			L.Error(context.Background(), err, "event store close")
		}
	}

	if err := shutdownOTEL(shutdownCtx); err != nil {
		L.Error(context.Background(), err, "otel shutdown")
	}

	stopProf()

	L.Info(context.Background(), "shutdown complete")
	os.Exit(0)
}

// runAdmit performs one validated commit for -admit-source/-admit-dest,
// flushes the audit trail, and returns the process exit code.
func runAdmit(ctx context.Context, L log.Logger, pipeline *admit.Pipeline, store *events.Store, rawSrc, dest string) int {
	defer func() {
		if store != nil {
			if err := store.Close(); err != nil {
				L.Error(ctx, err, "event store close")
			}
		}
	}()

	src, err := admit.ParseSource(rawSrc)
	if err != nil {
		L.Error(ctx, err, "admit: source rejected")
		return 1
	}
	if err := pipeline.Commit(ctx, src, dest); err != nil {
		L.Error(ctx, err, "admit failed", "dest", dest)
		return 1
	}
	L.Info(ctx, "admit complete", "source", src.String(), "dest", dest)
	return 0
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
