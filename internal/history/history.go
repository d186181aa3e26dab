// Package history is an append-only audit ledger of room sessions,
// backed by sqlite. It records when a room was created and destroyed
// and its peak occupancy; it never holds live room state (member
// maps, pending audio, mixer state), which stays in memory and dies
// with the process.
package history

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// DB wraps a sql.DB connection opened against the room history
// database, WAL-mode and single-writer, mirroring the teacher's own
// sqlite setup.
type DB struct {
	*sql.DB
}

// Open creates (if necessary) the parent directory and sqlite file at
// path, and ensures the sessions table exists.
func Open(path string) (*DB, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0750); err != nil {
			return nil, fmt.Errorf("creating history data directory: %w", err)
		}
	}

	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(wal)&_pragma=busy_timeout(5000)", path)
	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening history database: %w", err)
	}
	if err := sqlDB.Ping(); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("pinging history database: %w", err)
	}
	sqlDB.SetMaxOpenConns(1)

	db := &DB{DB: sqlDB}
	if err := db.createSchema(); err != nil {
		sqlDB.Close()
		return nil, err
	}
	return db, nil
}

func (db *DB) createSchema() error {
	_, err := db.Exec(`CREATE TABLE IF NOT EXISTS room_sessions (
		room_id INTEGER PRIMARY KEY,
		name TEXT NOT NULL,
		owner_id TEXT NOT NULL,
		created_at DATETIME NOT NULL,
		destroyed_at DATETIME,
		peak_members INTEGER NOT NULL DEFAULT 0
	)`)
	if err != nil {
		return fmt.Errorf("creating room_sessions table: %w", err)
	}
	return nil
}

// RecordCreated inserts a new session row when a room is created.
func (db *DB) RecordCreated(ctx context.Context, roomID int, name, ownerID string, createdAt time.Time) error {
	_, err := db.ExecContext(ctx,
		`INSERT INTO room_sessions (room_id, name, owner_id, created_at, peak_members) VALUES (?, ?, ?, ?, 0)`,
		roomID, name, ownerID, createdAt)
	if err != nil {
		return fmt.Errorf("recording room session creation: %w", err)
	}
	return nil
}

// UpdatePeakMembers raises the recorded peak occupancy for roomID if
// current exceeds the stored value.
func (db *DB) UpdatePeakMembers(ctx context.Context, roomID, current int) error {
	_, err := db.ExecContext(ctx,
		`UPDATE room_sessions SET peak_members = ? WHERE room_id = ? AND peak_members < ?`,
		current, roomID, current)
	if err != nil {
		return fmt.Errorf("updating peak members for room %d: %w", roomID, err)
	}
	return nil
}

// RecordDestroyed stamps a session row's destroyed_at time.
func (db *DB) RecordDestroyed(ctx context.Context, roomID int, destroyedAt time.Time) error {
	_, err := db.ExecContext(ctx,
		`UPDATE room_sessions SET destroyed_at = ? WHERE room_id = ?`,
		destroyedAt, roomID)
	if err != nil {
		return fmt.Errorf("recording room session destruction: %w", err)
	}
	return nil
}

// Session is one row of the room history ledger.
type Session struct {
	RoomID      int
	Name        string
	OwnerID     string
	CreatedAt   time.Time
	DestroyedAt sql.NullTime
	PeakMembers int
}

// ListRecent returns up to limit session rows, most recently created first.
func (db *DB) ListRecent(ctx context.Context, limit int) ([]Session, error) {
	rows, err := db.QueryContext(ctx,
		`SELECT room_id, name, owner_id, created_at, destroyed_at, peak_members
		 FROM room_sessions ORDER BY created_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("listing room sessions: %w", err)
	}
	defer rows.Close()

	var out []Session
	for rows.Next() {
		var s Session
		if err := rows.Scan(&s.RoomID, &s.Name, &s.OwnerID, &s.CreatedAt, &s.DestroyedAt, &s.PeakMembers); err != nil {
			return nil, fmt.Errorf("scanning room session row: %w", err)
		}
		out = append(out, s)
	}
	return out, rows.Err()
}
