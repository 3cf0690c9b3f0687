// Copyright 2026 The zoomgrid Authors
// SPDX-License-Identifier: MIT

// Package eventdb persists telemetry events to SQLite for offline
// analysis of zoom sessions.
//
// The store buffers events in memory and flushes them in batches, so it
// can sit behind an engine sink without stalling the render path. Write
// errors are logged and never propagated to the emitter; when a flush
// fails its batch is lost, which is within the telemetry contract of
// best-effort delivery.
package eventdb

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/zoomgrid/zoomgrid/telemetry"
)

// Defaults for a store constructed without options.
const (
	DefaultBufferSize    = 256
	DefaultFlushInterval = 2 * time.Second
)

// Store buffers telemetry events and flushes them to SQLite in batches.
// It implements telemetry.Sink.
type Store struct {
	db            *sql.DB
	ownsDB        bool
	bufferSize    int
	flushInterval time.Duration
	log           *slog.Logger

	mu     sync.Mutex
	tiles  []telemetry.TileEvent
	phases []telemetry.PhaseEvent

	closeOnce sync.Once
	stop      chan struct{}
	done      chan struct{}
}

// Option configures a Store.
type Option func(*Store)

// WithBufferSize sets how many events accumulate before an inline
// flush. Values below 1 are ignored.
func WithBufferSize(n int) Option {
	return func(s *Store) {
		if n >= 1 {
			s.bufferSize = n
		}
	}
}

// WithFlushInterval sets the periodic flush cadence. Values of zero or
// below are ignored.
func WithFlushInterval(d time.Duration) Option {
	return func(s *Store) {
		if d > 0 {
			s.flushInterval = d
		}
	}
}

// WithLogger sets the logger for flush errors. Defaults to slog.Default.
func WithLogger(l *slog.Logger) Option {
	return func(s *Store) { s.log = l }
}

// Open opens (creating if needed) a SQLite event database at path and
// returns a running store that owns the connection.
func Open(path string, opts ...Option) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open event db %s: %w", path, err)
	}
	db.Exec("PRAGMA journal_mode=WAL")
	db.Exec("PRAGMA busy_timeout=5000")
	s, err := NewStore(db, opts...)
	if err != nil {
		db.Close()
		return nil, err
	}
	s.ownsDB = true
	return s, nil
}

// NewStore applies the event schema to db and returns a running store.
// The caller keeps ownership of db and must close it after the store.
func NewStore(db *sql.DB, opts ...Option) (*Store, error) {
	s := &Store{
		db:            db,
		bufferSize:    DefaultBufferSize,
		flushInterval: DefaultFlushInterval,
		stop:          make(chan struct{}),
		done:          make(chan struct{}),
	}
	for _, o := range opts {
		o(s)
	}
	if err := Init(db); err != nil {
		return nil, fmt.Errorf("apply event schema: %w", err)
	}
	s.tiles = make([]telemetry.TileEvent, 0, s.bufferSize)
	s.phases = make([]telemetry.PhaseEvent, 0, s.bufferSize)
	go s.flushLoop()
	return s, nil
}

func (s *Store) logger() *slog.Logger {
	if s.log != nil {
		return s.log
	}
	return slog.Default()
}

// TileEvent implements telemetry.Sink. Queues the event for async
// persistence; a full buffer flushes inline.
func (s *Store) TileEvent(ev telemetry.TileEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tiles = append(s.tiles, ev)
	if len(s.tiles)+len(s.phases) >= s.bufferSize {
		s.flushLocked()
	}
}

// PhaseEvent implements telemetry.Sink.
func (s *Store) PhaseEvent(ev telemetry.PhaseEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.phases = append(s.phases, ev)
	if len(s.tiles)+len(s.phases) >= s.bufferSize {
		s.flushLocked()
	}
}

// Flush writes all buffered events immediately.
func (s *Store) Flush() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.flushLocked()
}

func (s *Store) flushLoop() {
	defer close(s.done)
	ticker := time.NewTicker(s.flushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stop:
			s.Flush()
			return
		case <-ticker.C:
			s.Flush()
		}
	}
}

func (s *Store) flushLocked() {
	if len(s.tiles) == 0 && len(s.phases) == 0 {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		s.logger().Error("eventdb: begin tx", "error", err)
		s.tiles, s.phases = s.tiles[:0], s.phases[:0]
		return
	}

	if len(s.tiles) > 0 {
		stmt, err := tx.PrepareContext(ctx,
			`INSERT INTO tile_events
			 (at_ms, kind, tile_key, job, page, x, y, scale, size, epoch,
			  reason, level, bytes_freed, count, duration_ms, err)
			 VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`)
		if err != nil {
			tx.Rollback()
			s.logger().Error("eventdb: prepare tile insert", "error", err)
			s.tiles, s.phases = s.tiles[:0], s.phases[:0]
			return
		}
		for _, ev := range s.tiles {
			if _, err := stmt.ExecContext(ctx,
				ev.Time.UnixMilli(), string(ev.Kind), ev.TileKey, ev.Job,
				ev.Page, ev.X, ev.Y, ev.Scale, ev.Size, ev.Epoch,
				ev.Reason, ev.Level, ev.BytesFreed, ev.Count,
				ev.DurationMS, ev.Err); err != nil {
				s.logger().Error("eventdb: insert tile event", "error", err, "kind", string(ev.Kind))
			}
		}
		stmt.Close()
	}

	if len(s.phases) > 0 {
		stmt, err := tx.PrepareContext(ctx,
			`INSERT INTO phase_events
			 (at_ms, from_phase, to_phase, duration_ms, trigger_type, epoch)
			 VALUES (?,?,?,?,?,?)`)
		if err != nil {
			tx.Rollback()
			s.logger().Error("eventdb: prepare phase insert", "error", err)
			s.tiles, s.phases = s.tiles[:0], s.phases[:0]
			return
		}
		for _, ev := range s.phases {
			if _, err := stmt.ExecContext(ctx,
				ev.Time.UnixMilli(), ev.From, ev.To,
				float64(ev.Duration)/float64(time.Millisecond),
				ev.Trigger, ev.Epoch); err != nil {
				s.logger().Error("eventdb: insert phase event", "error", err)
			}
		}
		stmt.Close()
	}

	if err := tx.Commit(); err != nil {
		s.logger().Error("eventdb: commit", "error", err)
	}
	s.tiles, s.phases = s.tiles[:0], s.phases[:0]
}

// RecentTileEvents returns stored tile events newest first, filtered by
// kind unless kind is empty. A non-positive limit means 100.
func (s *Store) RecentTileEvents(kind telemetry.Kind, limit int) ([]telemetry.TileEvent, error) {
	if limit <= 0 {
		limit = 100
	}
	q := `SELECT at_ms, kind, tile_key, job, page, x, y, scale, size, epoch,
	             reason, level, bytes_freed, count, duration_ms, err
	      FROM tile_events WHERE 1=1`
	args := make([]any, 0, 2)
	if kind != "" {
		q += " AND kind = ?"
		args = append(args, string(kind))
	}
	q += " ORDER BY at_ms DESC, event_id DESC LIMIT ?"
	args = append(args, limit)

	rows, err := s.db.Query(q, args...)
	if err != nil {
		return nil, fmt.Errorf("query tile events: %w", err)
	}
	defer rows.Close()

	var out []telemetry.TileEvent
	for rows.Next() {
		var ev telemetry.TileEvent
		var atMS int64
		var kindStr string
		if err := rows.Scan(&atMS, &kindStr, &ev.TileKey, &ev.Job,
			&ev.Page, &ev.X, &ev.Y, &ev.Scale, &ev.Size, &ev.Epoch,
			&ev.Reason, &ev.Level, &ev.BytesFreed, &ev.Count,
			&ev.DurationMS, &ev.Err); err != nil {
			return nil, fmt.Errorf("scan tile event: %w", err)
		}
		ev.Time = time.UnixMilli(atMS)
		ev.Kind = telemetry.Kind(kindStr)
		out = append(out, ev)
	}
	return out, rows.Err()
}

// RecentPhaseEvents returns stored phase transitions newest first. A
// non-positive limit means 100.
func (s *Store) RecentPhaseEvents(limit int) ([]telemetry.PhaseEvent, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.Query(
		`SELECT at_ms, from_phase, to_phase, duration_ms, trigger_type, epoch
		 FROM phase_events ORDER BY at_ms DESC, event_id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query phase events: %w", err)
	}
	defer rows.Close()

	var out []telemetry.PhaseEvent
	for rows.Next() {
		var ev telemetry.PhaseEvent
		var atMS int64
		var durMS float64
		if err := rows.Scan(&atMS, &ev.From, &ev.To, &durMS, &ev.Trigger, &ev.Epoch); err != nil {
			return nil, fmt.Errorf("scan phase event: %w", err)
		}
		ev.Time = time.UnixMilli(atMS)
		ev.Duration = time.Duration(durMS * float64(time.Millisecond))
		out = append(out, ev)
	}
	return out, rows.Err()
}

// KindCounts returns the number of stored tile events per kind.
func (s *Store) KindCounts() (map[telemetry.Kind]int64, error) {
	rows, err := s.db.Query(`SELECT kind, COUNT(*) FROM tile_events GROUP BY kind`)
	if err != nil {
		return nil, fmt.Errorf("count tile events: %w", err)
	}
	defer rows.Close()

	out := make(map[telemetry.Kind]int64)
	for rows.Next() {
		var kind string
		var n int64
		if err := rows.Scan(&kind, &n); err != nil {
			return nil, fmt.Errorf("scan kind count: %w", err)
		}
		out[telemetry.Kind(kind)] = n
	}
	return out, rows.Err()
}

// Cleanup deletes events older than retention from both tables and
// returns the number of rows removed.
func (s *Store) Cleanup(ctx context.Context, retention time.Duration) (int64, error) {
	threshold := time.Now().Add(-retention).UnixMilli()
	var removed int64
	for _, table := range []string{"tile_events", "phase_events"} {
		res, err := s.db.ExecContext(ctx,
			fmt.Sprintf("DELETE FROM %s WHERE at_ms < ?", table), threshold)
		if err != nil {
			return removed, fmt.Errorf("cleanup %s: %w", table, err)
		}
		n, _ := res.RowsAffected()
		removed += n
	}
	return removed, nil
}

// Close flushes remaining events, stops the background goroutine, and
// closes the database connection when the store opened it. Safe to call
// multiple times.
func (s *Store) Close() error {
	s.closeOnce.Do(func() {
		close(s.stop)
	})
	<-s.done
	if s.ownsDB {
		return s.db.Close()
	}
	return nil
}

var _ telemetry.Sink = (*Store)(nil)
