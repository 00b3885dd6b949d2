// Package portfolio re-screens element files that change outside the
// commit pipeline: editors, git pulls, sync tools. A filesystem watcher
// covers the portfolio root and its element-type subdirectories, change
// bursts are debounced, and every changed element runs back through the
// stock validator chain. Findings surface as security events and in the
// report served by the ops API; nothing is quarantined or rewritten.
package portfolio

import (
	"context"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/DollhouseMCP/mcp-server-sub009/internal/admit"
	"github.com/DollhouseMCP/mcp-server-sub009/internal/cryptoutil"
	"github.com/DollhouseMCP/mcp-server-sub009/internal/events"
	"github.com/DollhouseMCP/mcp-server-sub009/internal/log"
	"github.com/DollhouseMCP/mcp-server-sub009/internal/screen"
	"github.com/DollhouseMCP/mcp-server-sub009/internal/xerrors"
)

const (
	// DefaultDebounce batches rapid-fire writes to one rescreen.
	DefaultDebounce = 500 * time.Millisecond

	// maxRestartBackoff caps exponential backoff between watch sessions.
	maxRestartBackoff = time.Minute
)

// elementExts are the file types the portfolio stores.
var elementExts = map[string]struct{}{
	".md":   {},
	".yaml": {},
	".yml":  {},
	".json": {},
}

// Report is the sweep snapshot served by the ops API.
type Report struct {
	ScannedFiles int       `json:"scanned_files"`
	FlaggedFiles []string  `json:"flagged_files,omitempty"`
	LastSweep    time.Time `json:"last_sweep,omitempty"`
	Watching     bool      `json:"watching"`
}

// Metrics is implemented by the metrics package to observe watcher behavior.
type Metrics interface {
	IncSweeps()
	IncFlagged()
	IncWatcherError(kind string)
	SetLastSweep(unixSeconds float64)
}

// Options configures the portfolio watcher.
type Options struct {
	Logger   log.Logger
	Events   events.Sink
	Metrics  Metrics

	// Screener backs the validator chain. Nil gets a default screener.
	Screener *screen.Screener

	// Debounce is the quiet period after a change burst before files are
	// rescreened. Zero uses DefaultDebounce.
	Debounce time.Duration

	// MaxFileBytes caps how much of an element is read. Zero uses the
	// commit pipeline's ceiling.
	MaxFileBytes int64
}

// Watcher re-screens changed elements. All mutable state is owned by the
// Run goroutine; Report is the only concurrent read surface.
type Watcher struct {
	root       string
	validators []admit.Validator
	logger     log.Logger
	sink       events.Sink
	metrics    Metrics
	debounce   time.Duration
	maxBytes   int64

	report atomic.Pointer[Report]

	// change detection and flag state, run-goroutine only
	hashes  map[string]string
	flagged map[string]struct{}
	scanned int
	sweepAt time.Time
	alive   bool

	consecutiveErrs int
	sweepCount      int64
	eventCount      int64
}

// NewWatcher creates a watcher over the portfolio root. Call Run to start.
func NewWatcher(root string, opts *Options) (*Watcher, error) {
	if root == "" {
		return nil, xerrors.New("portfolio: root is required")
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, xerrors.Wrapf(err, "portfolio: resolve root %s", root)
	}
	if opts == nil {
		opts = &Options{}
	}
	logger := opts.Logger
	if logger == nil {
		logger = log.Nop()
	}
	sink := opts.Events
	if sink == nil {
		sink = events.Nop()
	}
	scr := opts.Screener
	if scr == nil {
		scr = screen.NewScreener()
	}
	debounce := opts.Debounce
	if debounce <= 0 {
		debounce = DefaultDebounce
	}
	maxBytes := opts.MaxFileBytes
	if maxBytes <= 0 {
		maxBytes = admit.DefaultMaxBytes
	}

	return &Watcher{
		root:       abs,
		validators: admit.DefaultValidators(scr, maxBytes),
		logger:     logger,
		sink:       sink,
		metrics:    opts.Metrics,
		debounce:   debounce,
		maxBytes:   maxBytes,
		hashes:     make(map[string]string),
		flagged:    make(map[string]struct{}),
	}, nil
}

// Report returns the latest published snapshot.
func (w *Watcher) Report() Report {
	if r := w.report.Load(); r != nil {
		return *r
	}
	return Report{}
}

// LastSweep returns when the latest sweep finished, zero before the first.
func (w *Watcher) LastSweep() time.Time {
	return w.Report().LastSweep
}

// FlaggedCount returns how many elements the latest sweep left flagged.
func (w *Watcher) FlaggedCount() int {
	return len(w.Report().FlaggedFiles)
}

// ReadyErr reports whether the watch session is live, for readiness
// probes. Non-nil until the first sweep publishes and between watch
// session restarts.
func (w *Watcher) ReadyErr() error {
	if !w.Report().Watching {
		return xerrors.New("portfolio: watch session not established")
	}
	return nil
}

// Run sweeps once, then watches for changes until ctx is cancelled.
// Lost watch sessions restart with capped exponential backoff, with a
// fresh sweep after each restart to cover missed events.
func (w *Watcher) Run(ctx context.Context) error {
	w.logger.Info(ctx, "portfolio watcher starting",
		"root", w.root,
		"debounce", w.debounce.String(),
	)
	w.sweep(ctx)

	for {
		err := w.session(ctx)
		if ctx.Err() != nil {
			w.logger.Info(ctx, "portfolio watcher stopping",
				"reason", ctx.Err(),
				"sweeps", w.sweepCount,
				"events", w.eventCount,
			)
			return ctx.Err()
		}

		w.consecutiveErrs++
		if w.metrics != nil {
			w.metrics.IncWatcherError("session")
		}
		backoff := w.backoffDuration()
		w.logger.Warn(ctx, "portfolio watch session lost, restarting",
			"error", err,
			"consecutive_errors", w.consecutiveErrs,
			"restart_in", backoff.String(),
		)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		// events were missed while the session was down
		w.sweep(ctx)
	}
}

// session runs one fsnotify watch until ctx is cancelled or a channel
// fails. Returns nil only on cancellation.
func (w *Watcher) session(ctx context.Context) error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return xerrors.Wrap(err, "create watch session")
	}
	defer fsw.Close()

	if err := w.addWatches(fsw); err != nil {
		return err
	}
	w.consecutiveErrs = 0
	w.setAlive(true)
	defer w.setAlive(false)

	pending := make(map[string]struct{})
	var timer *time.Timer
	var timerC <-chan time.Time
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil

		case ev, ok := <-fsw.Events:
			if !ok {
				return xerrors.New("watch session: event channel closed")
			}
			w.eventCount++
			if w.handleEvent(ctx, fsw, ev, pending) {
				if timer == nil {
					timer = time.NewTimer(w.debounce)
					timerC = timer.C
				} else {
					timer.Reset(w.debounce)
				}
			}

		case <-timerC:
			batch := pending
			pending = make(map[string]struct{})
			timer = nil
			timerC = nil
			for path := range batch {
				w.screenFile(ctx, path)
			}
			w.publish()

		case err, ok := <-fsw.Errors:
			if !ok {
				return xerrors.New("watch session: error channel closed")
			}
			w.logger.Warn(ctx, "portfolio watch error", "error", err)
			if w.metrics != nil {
				w.metrics.IncWatcherError("notify")
			}
		}
	}
}

// addWatches covers the root and its immediate subdirectories. fsnotify
// watches directories, not trees.
func (w *Watcher) addWatches(fsw *fsnotify.Watcher) error {
	if err := fsw.Add(w.root); err != nil {
		return xerrors.Wrapf(err, "watch %s", w.root)
	}
	entries, err := os.ReadDir(w.root)
	if err != nil {
		return xerrors.Wrapf(err, "read %s", w.root)
	}
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		if err := fsw.Add(filepath.Join(w.root, e.Name())); err != nil {
			return xerrors.Wrapf(err, "watch %s", e.Name())
		}
	}
	return nil
}

// handleEvent updates watch and flag state for one event. Reports
// whether a rescreen was queued.
func (w *Watcher) handleEvent(ctx context.Context, fsw *fsnotify.Watcher, ev fsnotify.Event, pending map[string]struct{}) bool {
	if ev.Has(fsnotify.Create) {
		if fi, err := os.Stat(ev.Name); err == nil && fi.IsDir() {
			// a new element-type directory
			if filepath.Dir(ev.Name) == w.root {
				if err := fsw.Add(ev.Name); err != nil {
					w.logger.Warn(ctx, "cannot watch new directory", "path", ev.Name, "error", err)
				}
			}
			return false
		}
	}

	if !isElement(ev.Name) {
		return false
	}

	if ev.Has(fsnotify.Remove) || ev.Has(fsnotify.Rename) {
		delete(w.hashes, ev.Name)
		if rel := w.relPath(ev.Name); rel != "" {
			delete(w.flagged, rel)
		}
		w.publish()
		return false
	}

	if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) {
		return false
	}
	pending[ev.Name] = struct{}{}
	return true
}

// sweep rescreens every element under the root and publishes a report.
func (w *Watcher) sweep(ctx context.Context) {
	start := time.Now()
	scanned := 0
	err := filepath.WalkDir(w.root, func(path string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if d.IsDir() {
			// the root and one level of element-type directories
			if path != w.root && filepath.Dir(path) != w.root {
				return fs.SkipDir
			}
			return nil
		}
		if !isElement(path) {
			return nil
		}
		scanned++
		w.screenFile(ctx, path)
		return nil
	})

	w.sweepCount++
	if w.metrics != nil {
		w.metrics.IncSweeps()
		w.metrics.SetLastSweep(float64(time.Now().Unix()))
	}
	if err != nil {
		w.logger.Error(ctx, err, "portfolio sweep failed", "root", w.root)
		if w.metrics != nil {
			w.metrics.IncWatcherError("sweep")
		}
		w.sink.Emit(ctx, events.New(events.TypePortfolioSweepFailure, events.SeverityMedium, "portfolio",
			"portfolio sweep did not complete",
		))
		return
	}

	w.scanned = scanned
	w.sweepAt = time.Now()
	w.publish()
	w.logger.Info(ctx, "portfolio sweep complete",
		"scanned", scanned,
		"flagged", len(w.flagged),
		"duration", time.Since(start).String(),
	)
}

// screenFile reads one element under the byte cap and runs the validator
// chain. Unchanged content, by hash, is skipped.
func (w *Watcher) screenFile(ctx context.Context, path string) {
	rel := w.relPath(path)
	if rel == "" {
		return
	}

	data, oversize, err := w.readCapped(path)
	if err != nil {
		if os.IsNotExist(err) {
			delete(w.hashes, path)
			delete(w.flagged, rel)
			return
		}
		w.logger.Warn(ctx, "cannot read element", "path", rel, "error", err)
		if w.metrics != nil {
			w.metrics.IncWatcherError("read")
		}
		return
	}

	sum := cryptoutil.SHA256Hex(data)
	if prev, ok := w.hashes[path]; ok && cryptoutil.HashEqual(prev, sum) {
		return
	}
	w.hashes[path] = sum

	if oversize {
		w.flag(ctx, rel, "size")
		return
	}
	for _, v := range w.validators {
		if err := v.Check(ctx, data); err != nil {
			w.flag(ctx, rel, v.Name)
			return
		}
	}
	delete(w.flagged, rel)
}

// flag records a finding. Event detail carries the path and the vetoing
// validator, never the content.
func (w *Watcher) flag(ctx context.Context, rel, validator string) {
	w.flagged[rel] = struct{}{}
	if w.metrics != nil {
		w.metrics.IncFlagged()
	}
	w.logger.Warn(ctx, "element flagged by rescreen",
		"path", rel,
		"validator", validator,
	)
	w.sink.Emit(ctx, events.New(events.TypePortfolioFinding, events.SeverityHigh, "portfolio",
		"element failed revalidation",
		"path", rel,
		"validator", validator,
	))
}

// publish snapshots flag state into the report pointer.
func (w *Watcher) publish() {
	flagged := make([]string, 0, len(w.flagged))
	for rel := range w.flagged {
		flagged = append(flagged, rel)
	}
	sort.Strings(flagged)
	w.report.Store(&Report{
		ScannedFiles: w.scanned,
		FlaggedFiles: flagged,
		LastSweep:    w.sweepAt,
		Watching:     w.alive,
	})
}

func (w *Watcher) setAlive(alive bool) {
	w.alive = alive
	w.publish()
}

// readCapped reads at most maxBytes+1 bytes. oversize reports a crossed
// ceiling; data still holds the prefix so change detection works.
func (w *Watcher) readCapped(path string) (data []byte, oversize bool, err error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, false, err
	}
	defer f.Close()

	data, err = io.ReadAll(io.LimitReader(f, w.maxBytes+1))
	if err != nil {
		return nil, false, err
	}
	return data, int64(len(data)) > w.maxBytes, nil
}

func (w *Watcher) relPath(path string) string {
	rel, err := filepath.Rel(w.root, path)
	if err != nil || strings.HasPrefix(rel, "..") {
		return ""
	}
	return rel
}

// backoffDuration doubles per consecutive failure, capped.
func (w *Watcher) backoffDuration() time.Duration {
	d := time.Second << (w.consecutiveErrs - 1)
	if d > maxRestartBackoff || d <= 0 {
		d = maxRestartBackoff
	}
	return d
}

// isElement reports whether path looks like a stored element. Dotfiles,
// including the commit pipeline's temp siblings, are not elements.
func isElement(path string) bool {
	base := filepath.Base(path)
	if strings.HasPrefix(base, ".") {
		return false
	}
	_, ok := elementExts[strings.ToLower(filepath.Ext(base))]
	return ok
}
