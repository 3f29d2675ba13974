// Package store persists relay state in SQLite: the latest snapshot per
// identity and the member lists behind share links.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"wtsync.dev/internal/protocol"
)

type SQLiteStore struct {
	db   *sql.DB
	once sync.Once
	now  func() time.Time
}

func OpenSQLite(path string) (*SQLiteStore, error) {
	if path == "" {
		return nil, fmt.Errorf("empty db path")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if err := initPragmas(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := initSchema(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &SQLiteStore{db: db, now: time.Now}, nil
}

func initPragmas(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
		"PRAGMA busy_timeout=5000;",
		"PRAGMA temp_store=MEMORY;",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			return err
		}
	}
	return nil
}

func initSchema(db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS meta (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS snapshots (
			id TEXT PRIMARY KEY,
			anonymous INTEGER NOT NULL,
			expires TEXT NOT NULL,
			status TEXT NOT NULL,
			updated_at TEXT NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS snapshots_expires ON snapshots(expires);`,
		`CREATE TABLE IF NOT EXISTS shares (
			token TEXT PRIMARY KEY,
			members TEXT NOT NULL,
			created_at TEXT NOT NULL
		);`,
		`INSERT OR IGNORE INTO meta(key, value) VALUES('schema_version', '1');`,
	}
	for _, s := range stmts {
		if _, err := db.Exec(s); err != nil {
			return err
		}
	}
	return nil
}

func (s *SQLiteStore) Close() error {
	var err error
	s.once.Do(func() {
		err = s.db.Close()
	})
	return err
}

// PutSnapshot stores snap as the latest state of id. A nil snapshot erases it.
func (s *SQLiteStore) PutSnapshot(ctx context.Context, id protocol.Identity, anonymous bool, snap *protocol.Snapshot) error {
	if !id.Valid() {
		return fmt.Errorf("invalid identity")
	}
	if snap == nil {
		_, err := s.db.ExecContext(ctx, `DELETE FROM snapshots WHERE id = ?`, string(id))
		return err
	}
	b, err := json.Marshal(snap)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO snapshots(id, anonymous, expires, status, updated_at) VALUES(?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			anonymous = excluded.anonymous,
			expires = excluded.expires,
			status = excluded.status,
			updated_at = excluded.updated_at`,
		string(id), boolInt(anonymous), formatTime(snap.Expires), string(b), formatTime(s.now()))
	return err
}

func (s *SQLiteStore) GetSnapshot(ctx context.Context, id protocol.Identity) (*protocol.Snapshot, bool, error) {
	var raw string
	err := s.db.QueryRowContext(ctx, `SELECT status FROM snapshots WHERE id = ?`, string(id)).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	var snap protocol.Snapshot
	if err := json.Unmarshal([]byte(raw), &snap); err != nil {
		return nil, false, fmt.Errorf("snapshot %s: %w", id, err)
	}
	return &snap, true, nil
}

// GetSnapshots returns the stored snapshots among ids. Missing ids are absent
// from the result.
func (s *SQLiteStore) GetSnapshots(ctx context.Context, ids []protocol.Identity) (map[protocol.Identity]*protocol.Snapshot, error) {
	out := make(map[protocol.Identity]*protocol.Snapshot, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	args := make([]any, 0, len(ids))
	for _, id := range ids {
		args = append(args, string(id))
	}
	q := `SELECT id, status FROM snapshots WHERE id IN (?` + strings.Repeat(",?", len(ids)-1) + `)`
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var id, raw string
		if err := rows.Scan(&id, &raw); err != nil {
			return nil, err
		}
		var snap protocol.Snapshot
		if err := json.Unmarshal([]byte(raw), &snap); err != nil {
			return nil, fmt.Errorf("snapshot %s: %w", id, err)
		}
		out[protocol.Identity(id)] = &snap
	}
	return out, rows.Err()
}

// PruneExpired removes snapshots that expired before now and returns their
// identities.
func (s *SQLiteStore) PruneExpired(ctx context.Context, now time.Time) ([]protocol.Identity, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id FROM snapshots WHERE expires != '' AND expires < ?`, formatTime(now))
	if err != nil {
		return nil, err
	}
	var ids []protocol.Identity
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, err
		}
		ids = append(ids, protocol.Identity(id))
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for _, id := range ids {
		if _, err := s.db.ExecContext(ctx, `DELETE FROM snapshots WHERE id = ?`, string(id)); err != nil {
			return nil, err
		}
	}
	return ids, nil
}

func (s *SQLiteStore) PutShare(ctx context.Context, token string, members []protocol.ShareMember) error {
	if token == "" {
		return fmt.Errorf("empty share token")
	}
	b, err := json.Marshal(members)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `INSERT INTO shares(token, members, created_at) VALUES(?, ?, ?)`,
		token, string(b), formatTime(s.now()))
	return err
}

func (s *SQLiteStore) GetShare(ctx context.Context, token string) ([]protocol.ShareMember, bool, error) {
	var raw string
	err := s.db.QueryRowContext(ctx, `SELECT members FROM shares WHERE token = ?`, token).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	var members []protocol.ShareMember
	if err := json.Unmarshal([]byte(raw), &members); err != nil {
		return nil, false, fmt.Errorf("share %s: %w", token, err)
	}
	return members, true, nil
}

// Counts reports the number of stored snapshots and share links.
func (s *SQLiteStore) Counts(ctx context.Context) (snapshots, shares int, err error) {
	if err = s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM snapshots`).Scan(&snapshots); err != nil {
		return 0, 0, err
	}
	if err = s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM shares`).Scan(&shares); err != nil {
		return 0, 0, err
	}
	return snapshots, shares, nil
}

// timeLayout has fixed width so stored timestamps compare as strings.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(timeLayout)
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
