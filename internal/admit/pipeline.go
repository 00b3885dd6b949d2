package admit

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/DollhouseMCP/mcp-server-sub009/internal/events"
	"github.com/DollhouseMCP/mcp-server-sub009/internal/log"
	"github.com/DollhouseMCP/mcp-server-sub009/internal/pathutil"
	"github.com/DollhouseMCP/mcp-server-sub009/internal/xerrors"
)

// DefaultMaxBytes caps a fetched payload.
const DefaultMaxBytes int64 = 1 << 20 // 1 MiB

// defaultExtensions is the destination allow-list: the element formats
// the portfolio stores.
var defaultExtensions = map[string]struct{}{
	".md":   {},
	".yaml": {},
	".yml":  {},
	".json": {},
}

// Metrics is the instrumentation surface the pipeline needs.
type Metrics interface {
	IncCommit(outcome string)
	ObserveCommitBytes(n int)
}

// Pipeline admits content into the portfolio root. Construct once and
// share; it holds no per-commit state.
type Pipeline struct {
	root       string
	client     *http.Client
	maxBytes   int64
	validators []Validator
	exts       map[string]struct{}
	resolver   resolver
	sink       events.Sink
	logger     log.Logger
	metrics    Metrics
}

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithHTTPClient substitutes the outbound client.
func WithHTTPClient(c *http.Client) Option {
	return func(p *Pipeline) {
		if c != nil {
			p.client = c
		}
	}
}

// WithMaxBytes sets the fetch ceiling.
func WithMaxBytes(n int64) Option {
	return func(p *Pipeline) {
		if n > 0 {
			p.maxBytes = n
		}
	}
}

// WithValidators replaces the validator chain. Order is the run order.
func WithValidators(vs ...Validator) Option {
	return func(p *Pipeline) { p.validators = vs }
}

// WithExtensions replaces the destination extension allow-list.
func WithExtensions(exts ...string) Option {
	return func(p *Pipeline) {
		m := make(map[string]struct{}, len(exts))
		for _, e := range exts {
			if !strings.HasPrefix(e, ".") {
				e = "." + e
			}
			m[strings.ToLower(e)] = struct{}{}
		}
		p.exts = m
	}
}

// WithResolver substitutes the DNS resolver used by the source guard.
func WithResolver(r *net.Resolver) Option {
	return func(p *Pipeline) {
		if r != nil {
			p.resolver = r
		}
	}
}

// WithEvents attaches a security event sink.
func WithEvents(sink events.Sink) Option {
	return func(p *Pipeline) {
		if sink != nil {
			p.sink = sink
		}
	}
}

// WithLogger attaches a logger.
func WithLogger(l log.Logger) Option {
	return func(p *Pipeline) {
		if l != nil {
			p.logger = l
		}
	}
}

// WithMetrics attaches pipeline metrics.
func WithMetrics(m Metrics) Option { return func(p *Pipeline) { p.metrics = m } }

// NewPipeline builds a pipeline rooted at the portfolio directory. The
// root is made absolute so destination checks are unambiguous.
func NewPipeline(root string, opts ...Option) (*Pipeline, error) {
	if root == "" {
		return nil, xerrors.New("pipeline: root is required")
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, xerrors.Wrapf(err, "pipeline: resolve root %s", root)
	}

	p := &Pipeline{
		root: abs,
		client: &http.Client{
			Timeout:   30 * time.Second,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
		maxBytes: DefaultMaxBytes,
		exts:     defaultExtensions,
		resolver: net.DefaultResolver,
		sink:     events.Nop(),
		logger:   log.Nop(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

// Commit fetches src, runs the validator chain over the in-memory
// payload, and atomically replaces dest inside the portfolio root.
// On any failure after the temp file exists, the temp file is removed
// and the original failure is returned unchanged in kind.
func (p *Pipeline) Commit(ctx context.Context, src Source, dest string) error {
	destPath, err := p.checkDest(dest)
	if err != nil {
		p.inc("bad_path")
		p.sink.Emit(ctx, events.New(events.TypeCommitFailed, events.SeverityMedium, "admit",
			"destination refused by path validation",
			"stage", "path",
		))
		return err
	}

	payload, err := p.fetch(ctx, src)
	if err != nil {
		switch {
		case errors.Is(err, ErrSourceDenied):
			p.inc("source_denied")
		case errors.Is(err, ErrTooLarge):
			p.inc("too_large")
		default:
			p.inc("fetch_error")
			p.sink.Emit(ctx, events.New(events.TypeCommitFailed, events.SeverityMedium, "admit",
				"payload fetch failed",
				"stage", "fetch",
				"source", src.String(),
			))
		}
		return err
	}

	for _, v := range p.validators {
		if err := v.Check(ctx, payload); err != nil {
			p.inc("veto")
			p.logger.Warn(ctx, "validator vetoed commit",
				"validator", v.Name,
				"dest", dest,
			)
			p.sink.Emit(ctx, events.New(events.TypeCommitValidatorVeto, events.SeverityHigh, "admit",
				"validator refused payload",
				"validator", v.Name,
			))
			return xerrors.Wrapf(err, "validator %s", v.Name)
		}
	}

	if err := p.writeAtomic(ctx, destPath, payload); err != nil {
		p.inc("error")
		p.sink.Emit(ctx, events.New(events.TypeCommitFailed, events.SeverityHigh, "admit",
			"commit write failed",
			"stage", "write",
		))
		return err
	}

	p.inc("committed")
	if p.metrics != nil {
		p.metrics.ObserveCommitBytes(len(payload))
	}
	p.logger.Info(ctx, "content committed",
		"source", src.String(),
		"dest", destPath,
		"bytes", len(payload),
	)
	return nil
}

// DestinationExists reports whether dest already holds a file, under
// the same path validation as Commit. Advisory only: commit itself is
// last-writer-wins.
func (p *Pipeline) DestinationExists(dest string) (bool, error) {
	destPath, err := p.checkDest(dest)
	if err != nil {
		return false, err
	}
	_, err = os.Stat(destPath)
	switch {
	case err == nil:
		return true, nil
	case os.IsNotExist(err):
		return false, nil
	default:
		return false, xerrors.Wrapf(err, "stat %s", destPath)
	}
}

// checkDest validates dest and returns its absolute path inside root.
// Dot segments are rejected before cleaning so "a/../b" fails even
// though it would resolve inside the root.
func (p *Pipeline) checkDest(dest string) (string, error) {
	if dest == "" {
		return "", xerrors.Wrap(ErrBadPath, "empty destination")
	}
	if pathutil.HasNUL(dest) {
		return "", xerrors.Wrap(ErrBadPath, "destination contains NUL")
	}
	if pathutil.HasDotSegments(dest) {
		return "", xerrors.Wrap(ErrBadPath, "destination contains dot segments")
	}
	abs, ok := pathutil.ResolveWithin(p.root, dest)
	if !ok {
		return "", xerrors.Wrap(ErrBadPath, "destination escapes portfolio root")
	}
	ext := strings.ToLower(filepath.Ext(abs))
	if _, ok := p.exts[ext]; !ok {
		return "", xerrors.Wrapf(ErrBadPath, "extension %q not allowed", ext)
	}
	return abs, nil
}

// writeAtomic lands payload at destPath through a temp sibling and one
// rename. The rename is the only point where the destination changes.
func (p *Pipeline) writeAtomic(ctx context.Context, destPath string, payload []byte) error {
	dir := filepath.Dir(destPath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return xerrors.Wrapf(err, "create %s", dir)
	}

	tmp, err := os.CreateTemp(dir, "."+filepath.Base(destPath)+".tmp-*")
	if err != nil {
		return xerrors.Wrap(err, "create temp file")
	}
	tmpPath := tmp.Name()

	if _, err := tmp.Write(payload); err != nil {
		tmp.Close()
		p.cleanupTemp(ctx, tmpPath)
		return xerrors.Wrapf(err, "write %s", tmpPath)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		p.cleanupTemp(ctx, tmpPath)
		return xerrors.Wrapf(err, "sync %s", tmpPath)
	}
	if err := tmp.Close(); err != nil {
		p.cleanupTemp(ctx, tmpPath)
		return xerrors.Wrapf(err, "close %s", tmpPath)
	}

	if err := os.Rename(tmpPath, destPath); err != nil {
		p.cleanupTemp(ctx, tmpPath)
		return xerrors.Wrapf(err, "rename to %s", destPath)
	}
	return nil
}

// cleanupTemp removes a failed commit's temp file. A cleanup failure is
// logged and evented but never replaces the error that triggered it.
func (p *Pipeline) cleanupTemp(ctx context.Context, tmpPath string) {
	err := os.Remove(tmpPath)
	if err == nil || os.IsNotExist(err) {
		return
	}
	p.logger.Error(ctx, err, "temp file cleanup failed", "path", tmpPath)
	p.sink.Emit(ctx, events.New(events.TypeCommitCleanupFailed, events.SeverityHigh, "admit",
		"temp file left behind after failed commit",
		"path", tmpPath,
	))
}

func (p *Pipeline) inc(outcome string) {
	if p.metrics != nil {
		p.metrics.IncCommit(outcome)
	}
}
