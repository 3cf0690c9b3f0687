// Copyright 2026 The zoomgrid Authors
// SPDX-License-Identifier: MIT

package eventdb

import (
	"context"
	"database/sql"
	"os"
	"testing"
	"time"

	_ "modernc.org/sqlite"

	"github.com/zoomgrid/zoomgrid/telemetry"
)

func setupStore(t *testing.T, opts ...Option) *Store {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatal(err)
	}
	// One pooled connection, or each conn would get its own empty
	// in-memory database.
	db.SetMaxOpenConns(1)
	s, err := NewStore(db, opts...)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() {
		s.Close()
		db.Close()
	})
	return s
}

func TestInitCreatesTables(t *testing.T) {
	s := setupStore(t)
	for _, table := range []string{"tile_events", "phase_events", "_eventdb_metadata"} {
		var count int
		s.db.QueryRow("SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name=?", table).Scan(&count)
		if count != 1 {
			t.Fatalf("table %s not found", table)
		}
	}
}

func TestStoreRoundTrip(t *testing.T) {
	s := setupStore(t)

	base := time.Now()
	s.TileEvent(telemetry.TileEvent{
		Kind:    telemetry.KindRenderComplete,
		Time:    base,
		TileKey: "0/1/2@4.0s256",
		Job:     "job-1",
		Page:    0, X: 1, Y: 2,
		Scale: 4, Size: 256, Epoch: 7,
		DurationMS: 12.5,
	})
	s.TileEvent(telemetry.TileEvent{
		Kind:    telemetry.KindDrop,
		Time:    base.Add(time.Millisecond),
		TileKey: "0/1/2@4.0s256",
		Reason:  "stale-epoch",
		Err:     "result superseded",
	})
	s.PhaseEvent(telemetry.PhaseEvent{
		Time:     base,
		From:     "idle",
		To:       "active",
		Duration: 30 * time.Millisecond,
		Trigger:  "zoom-gesture",
		Epoch:    1,
	})
	s.Flush()

	tiles, err := s.RecentTileEvents("", 10)
	if err != nil {
		t.Fatalf("RecentTileEvents: %v", err)
	}
	if len(tiles) != 2 {
		t.Fatalf("tile events = %d, want 2", len(tiles))
	}
	// Newest first.
	if tiles[0].Kind != telemetry.KindDrop || tiles[1].Kind != telemetry.KindRenderComplete {
		t.Errorf("order = %v, %v", tiles[0].Kind, tiles[1].Kind)
	}
	got := tiles[1]
	if got.TileKey != "0/1/2@4.0s256" || got.Job != "job-1" || got.Epoch != 7 {
		t.Errorf("event = %+v", got)
	}
	if got.Scale != 4 || got.Size != 256 || got.DurationMS != 12.5 {
		t.Errorf("event numeric fields = %+v", got)
	}
	if got.Time.UnixMilli() != base.UnixMilli() {
		t.Errorf("Time = %v, want %v at millisecond precision", got.Time, base)
	}
	if tiles[0].Reason != "stale-epoch" || tiles[0].Err != "result superseded" {
		t.Errorf("drop event = %+v", tiles[0])
	}

	phases, err := s.RecentPhaseEvents(10)
	if err != nil {
		t.Fatalf("RecentPhaseEvents: %v", err)
	}
	if len(phases) != 1 {
		t.Fatalf("phase events = %d, want 1", len(phases))
	}
	if phases[0].From != "idle" || phases[0].To != "active" || phases[0].Trigger != "zoom-gesture" {
		t.Errorf("phase event = %+v", phases[0])
	}
	if phases[0].Duration != 30*time.Millisecond {
		t.Errorf("Duration = %v, want 30ms", phases[0].Duration)
	}
}

func TestStoreKindFilter(t *testing.T) {
	s := setupStore(t)
	now := time.Now()
	for i, kind := range []telemetry.Kind{telemetry.KindRequest, telemetry.KindDrop, telemetry.KindRequest} {
		s.TileEvent(telemetry.TileEvent{Kind: kind, Time: now.Add(time.Duration(i) * time.Millisecond), TileKey: "k"})
	}
	s.Flush()

	drops, err := s.RecentTileEvents(telemetry.KindDrop, 10)
	if err != nil {
		t.Fatalf("RecentTileEvents: %v", err)
	}
	if len(drops) != 1 || drops[0].Kind != telemetry.KindDrop {
		t.Errorf("filtered events = %+v, want one drop", drops)
	}
}

func TestStoreKindCounts(t *testing.T) {
	s := setupStore(t)
	now := time.Now()
	for _, kind := range []telemetry.Kind{
		telemetry.KindRequest, telemetry.KindRequest, telemetry.KindCacheHit,
	} {
		s.TileEvent(telemetry.TileEvent{Kind: kind, Time: now, TileKey: "k"})
	}
	s.Flush()

	counts, err := s.KindCounts()
	if err != nil {
		t.Fatalf("KindCounts: %v", err)
	}
	if counts[telemetry.KindRequest] != 2 || counts[telemetry.KindCacheHit] != 1 {
		t.Errorf("counts = %v", counts)
	}
}

func TestStoreFlushesWhenBufferFull(t *testing.T) {
	s := setupStore(t, WithBufferSize(2), WithFlushInterval(time.Hour))
	now := time.Now()
	s.TileEvent(telemetry.TileEvent{Kind: telemetry.KindRequest, Time: now, TileKey: "a"})
	s.TileEvent(telemetry.TileEvent{Kind: telemetry.KindRequest, Time: now, TileKey: "b"})

	// The second event crossed the buffer threshold, so both rows are
	// already persisted without an explicit Flush.
	tiles, err := s.RecentTileEvents("", 10)
	if err != nil {
		t.Fatalf("RecentTileEvents: %v", err)
	}
	if len(tiles) != 2 {
		t.Errorf("tile events = %d, want 2 after inline flush", len(tiles))
	}
}

func TestStoreCleanup(t *testing.T) {
	s := setupStore(t)
	now := time.Now()
	s.TileEvent(telemetry.TileEvent{Kind: telemetry.KindRequest, Time: now.Add(-2 * time.Hour), TileKey: "old"})
	s.TileEvent(telemetry.TileEvent{Kind: telemetry.KindRequest, Time: now, TileKey: "fresh"})
	s.PhaseEvent(telemetry.PhaseEvent{Time: now.Add(-2 * time.Hour), From: "idle", To: "active"})
	s.Flush()

	removed, err := s.Cleanup(context.Background(), time.Hour)
	if err != nil {
		t.Fatalf("Cleanup: %v", err)
	}
	if removed != 2 {
		t.Errorf("removed = %d, want 2", removed)
	}
	tiles, err := s.RecentTileEvents("", 10)
	if err != nil {
		t.Fatalf("RecentTileEvents: %v", err)
	}
	if len(tiles) != 1 || tiles[0].TileKey != "fresh" {
		t.Errorf("surviving events = %+v", tiles)
	}
}

func TestStoreCloseFlushes(t *testing.T) {
	s := setupStore(t, WithFlushInterval(time.Hour))
	s.TileEvent(telemetry.TileEvent{Kind: telemetry.KindRequest, Time: time.Now(), TileKey: "k"})

	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	tiles, err := s.RecentTileEvents("", 10)
	if err != nil {
		t.Fatalf("RecentTileEvents: %v", err)
	}
	if len(tiles) != 1 {
		t.Errorf("tile events = %d, want the buffered event flushed on close", len(tiles))
	}
}

func TestOpenCreatesFile(t *testing.T) {
	path := t.TempDir() + "/events.db"
	s, err := Open(path, WithFlushInterval(time.Hour))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	s.TileEvent(telemetry.TileEvent{Kind: telemetry.KindRequest, Time: time.Now(), TileKey: "k"})
	s.Flush()

	tiles, err := s.RecentTileEvents("", 10)
	if err != nil {
		t.Fatalf("RecentTileEvents: %v", err)
	}
	if len(tiles) != 1 {
		t.Errorf("tile events = %d, want 1", len(tiles))
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if _, err := os.Stat(path); err != nil {
		t.Errorf("database file missing: %v", err)
	}
}
