// Package awaylog records screen-off intervals per content kind in SQLite.
//
// The session controller reports to a Store from its scheduling loop, so
// every tracker call only queues work; a single writer goroutine owns the
// database writes.
package awaylog

import (
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"pipcast/internal/types"
)

const defaultQueue = 256

var ErrClosed = errors.New("awaylog: store closed")

const schema = `
CREATE TABLE IF NOT EXISTS sessions (
    id INTEGER PRIMARY KEY,
    kind TEXT NOT NULL,
    started_at INTEGER NOT NULL,   -- UnixNano, wall clock
    ended_at INTEGER               -- NULL while tracking
);

CREATE TABLE IF NOT EXISTS away (
    id INTEGER PRIMARY KEY,
    session_id INTEGER NOT NULL REFERENCES sessions(id),
    kind TEXT NOT NULL,
    start_ns INTEGER NOT NULL,     -- media time
    end_ns INTEGER NOT NULL,
    recorded_at INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_away_kind ON away(kind);
`

type Config struct {
	// Path is the database file, or ":memory:".
	Path string
	// Queue bounds pending writes; tracker calls beyond it are dropped.
	Queue int
	Now   func() time.Time
	Log   *slog.Logger
}

type op int

const (
	opStart op = iota
	opStop
	opAway
	opFlush
)

type event struct {
	op       op
	kind     string
	interval types.AwayInterval
	at       time.Time
	done     chan error
}

// Store implements types.AwayTracker.
type Store struct {
	db  *sql.DB
	now func() time.Time
	log *slog.Logger

	events chan event
	doneCh chan struct{}

	mu       sync.Mutex
	closed   bool
	awaySeen time.Time
}

// Totals summarizes away time for one content kind.
type Totals struct {
	Kind      string        `json:"kind"`
	Sessions  int           `json:"sessions"`
	Intervals int           `json:"intervals"`
	Away      time.Duration `json:"away_ns"`
	Longest   time.Duration `json:"longest_ns"`
}

// Record is one stored away interval.
type Record struct {
	Kind       string
	Interval   types.AwayInterval
	RecordedAt time.Time
}

func Open(cfg Config) (*Store, error) {
	if cfg.Log == nil {
		cfg.Log = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Queue <= 0 {
		cfg.Queue = defaultQueue
	}

	memory := cfg.Path == "" || cfg.Path == ":memory:"
	dsn := ":memory:"
	if !memory {
		if err := os.MkdirAll(filepath.Dir(cfg.Path), 0755); err != nil {
			return nil, fmt.Errorf("create directory: %w", err)
		}
		dsn = cfg.Path +
			"?_pragma=journal_mode(WAL)" +
			"&_pragma=synchronous(NORMAL)" +
			"&_pragma=busy_timeout(5000)"
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if memory {
		// Each connection to :memory: is a separate database.
		db.SetMaxOpenConns(1)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("connect to database: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}

	s := &Store{
		db:     db,
		now:    cfg.Now,
		log:    cfg.Log.With("component", "awaylog"),
		events: make(chan event, cfg.Queue),
		doneCh: make(chan struct{}),
	}
	go s.writer()
	return s, nil
}

func (s *Store) StartTracking(kind string) {
	s.enqueue(event{op: opStart, kind: kind, at: s.now()})
}

func (s *Store) StopTracking() {
	s.enqueue(event{op: opStop, at: s.now()})
}

// ScreenOff only notes the wall time; the interval arrives with ScreenOn.
func (s *Store) ScreenOff() {
	s.mu.Lock()
	s.awaySeen = s.now()
	s.mu.Unlock()
	s.log.Debug("screen off")
}

func (s *Store) ScreenOn(interval types.AwayInterval) {
	s.mu.Lock()
	s.awaySeen = time.Time{}
	s.mu.Unlock()
	s.enqueue(event{op: opAway, interval: interval, at: s.now()})
}

// Away reports whether a screen-off is open and since when.
func (s *Store) Away() (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.awaySeen, !s.awaySeen.IsZero()
}

func (s *Store) enqueue(ev event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	select {
	case s.events <- ev:
	default:
		s.log.Warn("queue full, dropping event", "op", ev.op)
	}
}

// Flush blocks until every queued event is written.
func (s *Store) Flush() error {
	done := make(chan error, 1)
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	// Sent under the lock so Close cannot close the channel mid-send.
	s.events <- event{op: opFlush, done: done}
	s.mu.Unlock()
	return <-done
}

func (s *Store) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	close(s.events)
	s.mu.Unlock()

	<-s.doneCh
	return s.db.Close()
}

func (s *Store) writer() {
	defer close(s.doneCh)

	var (
		session int64
		kind    string
		err     error
	)
	for ev := range s.events {
		switch ev.op {
		case opStart:
			if session != 0 {
				if err := s.endSession(session, ev.at); err != nil {
					s.log.Error("write failed", "error", err)
				}
			}
			session, err = s.beginSession(ev.kind, ev.at)
			kind = ev.kind
		case opStop:
			if session != 0 {
				err = s.endSession(session, ev.at)
				session, kind = 0, ""
			}
		case opAway:
			if session == 0 {
				s.log.Debug("away interval outside a session", "duration", ev.interval.Duration())
				continue
			}
			_, err = s.db.Exec(
				"INSERT INTO away (session_id, kind, start_ns, end_ns, recorded_at) VALUES (?, ?, ?, ?, ?)",
				session, kind, int64(ev.interval.Start), int64(ev.interval.End), ev.at.UnixNano())
			if err == nil {
				s.log.Info("away interval", "kind", kind, "duration", ev.interval.Duration())
			}
		case opFlush:
			ev.done <- nil
			continue
		}
		if err != nil {
			s.log.Error("write failed", "error", err)
			err = nil
		}
	}
}

func (s *Store) beginSession(kind string, at time.Time) (int64, error) {
	res, err := s.db.Exec("INSERT INTO sessions (kind, started_at) VALUES (?, ?)", kind, at.UnixNano())
	if err != nil {
		return 0, fmt.Errorf("insert session: %w", err)
	}
	return res.LastInsertId()
}

func (s *Store) endSession(id int64, at time.Time) error {
	if _, err := s.db.Exec("UPDATE sessions SET ended_at = ? WHERE id = ?", at.UnixNano(), id); err != nil {
		return fmt.Errorf("end session: %w", err)
	}
	return nil
}

// Totals returns the away summary for kind.
func (s *Store) Totals(kind string) (Totals, error) {
	t := Totals{Kind: kind}
	if err := s.db.QueryRow("SELECT COUNT(*) FROM sessions WHERE kind = ?", kind).Scan(&t.Sessions); err != nil {
		return t, fmt.Errorf("count sessions: %w", err)
	}
	var total, longest int64
	err := s.db.QueryRow(
		"SELECT COUNT(*), COALESCE(SUM(end_ns - start_ns), 0), COALESCE(MAX(end_ns - start_ns), 0) FROM away WHERE kind = ?",
		kind).Scan(&t.Intervals, &total, &longest)
	if err != nil {
		return t, fmt.Errorf("sum away: %w", err)
	}
	t.Away = time.Duration(total)
	t.Longest = time.Duration(longest)
	return t, nil
}

// Recent returns up to limit intervals for kind, newest first.
func (s *Store) Recent(kind string, limit int) ([]Record, error) {
	rows, err := s.db.Query(
		"SELECT start_ns, end_ns, recorded_at FROM away WHERE kind = ? ORDER BY id DESC LIMIT ?",
		kind, limit)
	if err != nil {
		return nil, fmt.Errorf("query away: %w", err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var start, end, at int64
		if err := rows.Scan(&start, &end, &at); err != nil {
			return nil, fmt.Errorf("scan away: %w", err)
		}
		out = append(out, Record{
			Kind:       kind,
			Interval:   types.AwayInterval{Start: time.Duration(start), End: time.Duration(end)},
			RecordedAt: time.Unix(0, at),
		})
	}
	return out, rows.Err()
}
