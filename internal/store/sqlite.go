// SPDX-FileCopyrightText: 2025 The NEMB Authors
// SPDX-License-Identifier: Apache-2.0

package store

import (
	"database/sql"
	"fmt"

	_ "modernc.org/sqlite"
)

const sessionSchema = `
CREATE TABLE IF NOT EXISTS sessions (
	id TEXT PRIMARY KEY,
	label TEXT NOT NULL,
	start_ns INTEGER NOT NULL,
	end_ns INTEGER NOT NULL,
	energy_joules REAL NOT NULL,
	average_power_watts REAL NOT NULL,
	duration_seconds REAL NOT NULL,
	per_component_json TEXT NOT NULL DEFAULT '{}',
	valid INTEGER NOT NULL DEFAULT 0,
	created_at TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_sessions_created_at ON sessions(created_at);
`

// SQLiteStore implements Store on an embedded sqlite database.
type SQLiteStore struct {
	db *sql.DB
}

var _ Store = (*SQLiteStore)(nil)

// NewSQLiteStore opens (and if needed creates) the database at path.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open session store %s: %w", path, err)
	}

	// the session writer is single-threaded; one connection avoids
	// SQLITE_BUSY on concurrent reads
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(sessionSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to create session schema: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) SaveSession(rec SessionRecord) error {
	_, err := s.db.Exec(`
		INSERT INTO sessions (id, label, start_ns, end_ns, energy_joules,
			average_power_watts, duration_seconds, per_component_json, valid, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.Label, int64(rec.StartNs), int64(rec.EndNs), rec.EnergyJoules,
		rec.AveragePowerWatts, rec.DurationSeconds, rec.PerComponentJSON, rec.Valid, rec.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to save session %s: %w", rec.ID, err)
	}
	return nil
}

func (s *SQLiteStore) ListSessions(limit int) ([]SessionRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.Query(`
		SELECT id, label, start_ns, end_ns, energy_joules, average_power_watts,
			duration_seconds, per_component_json, valid, created_at
		FROM sessions ORDER BY created_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}
	defer rows.Close()

	var records []SessionRecord
	for rows.Next() {
		var rec SessionRecord
		var startNs, endNs int64
		if err := rows.Scan(&rec.ID, &rec.Label, &startNs, &endNs, &rec.EnergyJoules,
			&rec.AveragePowerWatts, &rec.DurationSeconds, &rec.PerComponentJSON,
			&rec.Valid, &rec.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan session row: %w", err)
		}
		rec.StartNs = uint64(startNs)
		rec.EndNs = uint64(endNs)
		records = append(records, rec)
	}
	return records, rows.Err()
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
