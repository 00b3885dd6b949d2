package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	_ "modernc.org/sqlite"

	"github.com/DollhouseMCP/mcp-server-sub009/internal/log"
	"github.com/DollhouseMCP/mcp-server-sub009/internal/xerrors"
)

const defaultQueueDepth = 256

// Store persists events to a local SQLite file so the audit trail survives
// restarts and can be queried from the ops listener. Writes go through a
// bounded queue drained by one goroutine; when the queue is full the event
// is dropped and counted rather than stalling the producer.
type Store struct {
	db      *sql.DB
	queue   chan Event
	dropped atomic.Uint64
	logger  log.Logger

	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}
}

// StoreOption configures OpenStore.
type StoreOption func(*Store)

// WithStoreLogger sets the logger for writer-side failures.
func WithStoreLogger(l log.Logger) StoreOption {
	return func(s *Store) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithQueueDepth overrides the emit queue depth.
func WithQueueDepth(n int) StoreOption {
	return func(s *Store) {
		if n > 0 {
			s.queue = make(chan Event, n)
		}
	}
}

// OpenStore opens (creating if needed) the audit database at path and
// starts the writer goroutine.
func OpenStore(path string, opts ...StoreOption) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, xerrors.Wrap(err, "create event store directory")
	}

	// single connection: sqlite allows one writer, and the WAL busy
	// timeout covers readers racing the writer goroutine
	db, err := sql.Open("sqlite", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, xerrors.Wrap(err, "open event store")
	}
	db.SetMaxOpenConns(1)

	s := &Store{
		db:     db,
		queue:  make(chan Event, defaultQueueDepth),
		logger: log.Nop(),
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}

	if err := s.migrate(); err != nil {
		db.Close()
		return nil, xerrors.Wrap(err, "migrate event store")
	}

	go s.writeLoop()
	return s, nil
}

func (s *Store) migrate() error {
	_, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS security_events (
		id       TEXT PRIMARY KEY,
		at       INTEGER NOT NULL,
		type     TEXT NOT NULL,
		severity TEXT NOT NULL,
		source   TEXT NOT NULL,
		detail   TEXT NOT NULL,
		meta     TEXT
	)`)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(`CREATE INDEX IF NOT EXISTS idx_security_events_at ON security_events(at)`)
	return err
}

// Emit queues the event. Never blocks; full queue drops and counts.
func (s *Store) Emit(_ context.Context, ev Event) {
	select {
	case s.queue <- ev:
	case <-s.stop:
		s.dropped.Add(1)
	default:
		s.dropped.Add(1)
	}
}

// Dropped reports how many events were lost to a full queue.
func (s *Store) Dropped() uint64 { return s.dropped.Load() }

func (s *Store) writeLoop() {
	defer close(s.done)
	for {
		select {
		case ev := <-s.queue:
			s.insert(ev)
		case <-s.stop:
			// drain what is already queued, then exit
			for {
				select {
				case ev := <-s.queue:
					s.insert(ev)
				default:
					return
				}
			}
		}
	}
}

func (s *Store) insert(ev Event) {
	var meta []byte
	if len(ev.Meta) > 0 {
		meta, _ = json.Marshal(ev.Meta)
	}
	_, err := s.db.Exec(
		`INSERT OR IGNORE INTO security_events (id, at, type, severity, source, detail, meta) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		ev.ID, ev.At.UnixNano(), string(ev.Type), string(ev.Severity), ev.Source, ev.Detail, string(meta),
	)
	if err != nil {
		s.logger.Warn(context.Background(), "event store insert failed", "err_msg", err.Error(), "event_type", string(ev.Type))
	}
}

// Recent returns up to limit events, newest first.
func (s *Store) Recent(ctx context.Context, limit int) ([]Event, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, at, type, severity, source, detail, meta FROM security_events ORDER BY at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, xerrors.Wrap(err, "query recent events")
	}
	defer rows.Close()

	var out []Event
	for rows.Next() {
		var (
			ev   Event
			at   int64
			meta sql.NullString
		)
		if err := rows.Scan(&ev.ID, &at, &ev.Type, &ev.Severity, &ev.Source, &ev.Detail, &meta); err != nil {
			return nil, xerrors.Wrap(err, "scan event row")
		}
		ev.At = time.Unix(0, at).UTC()
		if meta.Valid && meta.String != "" {
			_ = json.Unmarshal([]byte(meta.String), &ev.Meta)
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

// PurgeOlderThan deletes events older than age and reports how many went.
func (s *Store) PurgeOlderThan(ctx context.Context, age time.Duration) (int64, error) {
	cutoff := time.Now().Add(-age).UnixNano()
	res, err := s.db.ExecContext(ctx, `DELETE FROM security_events WHERE at < ?`, cutoff)
	if err != nil {
		return 0, xerrors.Wrap(err, "purge events")
	}
	return res.RowsAffected()
}

// Close stops the writer, drains the queue, and closes the database.
func (s *Store) Close() error {
	s.stopOnce.Do(func() { close(s.stop) })
	<-s.done
	return s.db.Close()
}
