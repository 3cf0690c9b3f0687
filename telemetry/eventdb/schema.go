// Copyright 2026 The zoomgrid Authors
// SPDX-License-Identifier: MIT

package eventdb

import "database/sql"

// Schema contains the complete DDL for the event tables. Call Init(db)
// to apply it, or use this constant to embed in your own schema
// management.
const Schema = `
-- Tile lifecycle events
CREATE TABLE IF NOT EXISTS tile_events (
    event_id INTEGER PRIMARY KEY AUTOINCREMENT,
    at_ms INTEGER NOT NULL,
    kind TEXT NOT NULL,
    tile_key TEXT NOT NULL,
    job TEXT NOT NULL DEFAULT '',
    page INTEGER NOT NULL,
    x INTEGER NOT NULL,
    y INTEGER NOT NULL,
    scale REAL NOT NULL,
    size INTEGER NOT NULL,
    epoch INTEGER NOT NULL,
    reason TEXT NOT NULL DEFAULT '',
    level TEXT NOT NULL DEFAULT '',
    bytes_freed INTEGER NOT NULL DEFAULT 0,
    count INTEGER NOT NULL DEFAULT 0,
    duration_ms REAL NOT NULL DEFAULT 0,
    err TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_tile_events_kind_time
    ON tile_events(kind, at_ms DESC);
CREATE INDEX IF NOT EXISTS idx_tile_events_key_time
    ON tile_events(tile_key, at_ms DESC);

-- Gesture phase transitions
CREATE TABLE IF NOT EXISTS phase_events (
    event_id INTEGER PRIMARY KEY AUTOINCREMENT,
    at_ms INTEGER NOT NULL,
    from_phase TEXT NOT NULL,
    to_phase TEXT NOT NULL,
    duration_ms REAL NOT NULL DEFAULT 0,
    trigger_type TEXT NOT NULL DEFAULT '',
    epoch INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_phase_events_time
    ON phase_events(at_ms DESC);

-- Metadata registry
CREATE TABLE IF NOT EXISTS _eventdb_metadata (
    table_name TEXT PRIMARY KEY,
    created_at INTEGER NOT NULL DEFAULT (strftime('%s', 'now')),
    description TEXT
);
INSERT OR IGNORE INTO _eventdb_metadata (table_name, description) VALUES
    ('tile_events', 'Tile lifecycle events'),
    ('phase_events', 'Gesture phase transitions');
`

// Init applies the event schema to the given database.
func Init(db *sql.DB) error {
	_, err := db.Exec(Schema)
	return err
}
