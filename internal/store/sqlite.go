package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

const schemaVersion = 1

const schema = `
CREATE TABLE IF NOT EXISTS artifacts (
	filename     TEXT PRIMARY KEY,
	local_path   TEXT NOT NULL,
	remote_key   TEXT NOT NULL,
	camera       TEXT NOT NULL,
	resolution   TEXT NOT NULL DEFAULT '',
	captured_at  INTEGER NOT NULL,
	duration_ms  INTEGER NOT NULL DEFAULT 0,
	size_bytes   INTEGER NOT NULL DEFAULT 0,
	status       TEXT NOT NULL,
	attempts     INTEGER NOT NULL DEFAULT 0,
	last_error   TEXT NOT NULL DEFAULT '',
	last_attempt INTEGER NOT NULL DEFAULT 0,
	remote_url   TEXT NOT NULL DEFAULT '',
	lease_until  INTEGER NOT NULL DEFAULT 0,
	created_at   INTEGER NOT NULL,
	updated_at   INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_artifacts_status ON artifacts(status, captured_at);
`

const columns = `filename, local_path, remote_key, camera, resolution, captured_at, duration_ms,
	size_bytes, status, attempts, last_error, last_attempt, remote_url, created_at, updated_at`

// SQLiteStore is shared by separate processes on one host, so it relies on
// WAL mode and a busy timeout rather than an in-process lock.
type SQLiteStore struct {
	db  *sql.DB
	now func() time.Time
}

var _ Repository = (*SQLiteStore)(nil)

// Open opens (and creates if needed) the tracking database at path.
func Open(path string) (*SQLiteStore, error) {
	if path == "" {
		return nil, errors.New("tracking db path is empty")
	}
	if path != ":memory:" {
		if dir := filepath.Dir(path); dir != "." {
			if err := os.MkdirAll(dir, 0o750); err != nil {
				return nil, fmt.Errorf("create tracking db dir: %w", err)
			}
		}
	}
	dsn := "file:" + path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	s := &SQLiteStore{db: db, now: time.Now}
	if err := s.ensureSchema(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// SetClock replaces the time source used for leases and timestamps.
func (s *SQLiteStore) SetClock(now func() time.Time) { s.now = now }

func (s *SQLiteStore) Close() error { return s.db.Close() }

func (s *SQLiteStore) ensureSchema(ctx context.Context) error {
	var v int
	if err := s.db.QueryRowContext(ctx, `PRAGMA user_version`).Scan(&v); err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}
	if v > schemaVersion {
		return fmt.Errorf("tracking db schema version %d is newer than supported %d", v, schemaVersion)
	}
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	_, err := s.db.ExecContext(ctx, fmt.Sprintf(`PRAGMA user_version = %d`, schemaVersion))
	return err
}

func (s *SQLiteStore) transaction(ctx context.Context, fn func(*sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

func ms(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func fromMS(v int64) time.Time {
	if v == 0 {
		return time.Time{}
	}
	return time.UnixMilli(v)
}

func (s *SQLiteStore) MarkPending(ctx context.Context, a Artifact) error {
	if a.Filename == "" {
		return errors.New("artifact filename is empty")
	}
	now := ms(s.now())
	res, err := s.db.ExecContext(ctx, `INSERT INTO artifacts
		(filename, local_path, remote_key, camera, resolution, captured_at, duration_ms,
		 size_bytes, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(filename) DO NOTHING`,
		a.Filename, a.LocalPath, a.RemoteKey, a.Camera, a.Resolution, ms(a.CapturedAt),
		a.Duration.Milliseconds(), a.Size, string(StatusPending), now, now)
	if err != nil {
		return fmt.Errorf("mark pending %s: %w", a.Filename, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrExists
	}
	return nil
}

func (s *SQLiteStore) Claim(ctx context.Context, filename string, lease time.Duration) (Artifact, bool, error) {
	var (
		a  Artifact
		ok bool
	)
	err := s.transaction(ctx, func(tx *sql.Tx) error {
		now := s.now()
		res, err := tx.ExecContext(ctx, `UPDATE artifacts SET lease_until = ?, last_attempt = ?, updated_at = ?
			WHERE filename = ? AND status = ? AND lease_until <= ?`,
			ms(now.Add(lease)), ms(now), ms(now), filename, string(StatusPending), ms(now))
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return nil
		}
		ok = true
		a, err = scanOne(tx.QueryRowContext(ctx, `SELECT `+columns+` FROM artifacts WHERE filename = ?`, filename))
		return err
	})
	if err != nil {
		return Artifact{}, false, fmt.Errorf("claim %s: %w", filename, err)
	}
	return a, ok, nil
}

func (s *SQLiteStore) update(ctx context.Context, filename, query string, args ...any) error {
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%s: %w", filename, ErrNotFound)
	}
	return nil
}

func (s *SQLiteStore) MarkUploaded(ctx context.Context, filename, url string) error {
	return s.update(ctx, filename, `UPDATE artifacts SET remote_url = ?, updated_at = ? WHERE filename = ?`,
		url, ms(s.now()), filename)
}

func (s *SQLiteStore) MarkSuccess(ctx context.Context, filename string) error {
	return s.update(ctx, filename, `UPDATE artifacts SET status = ?, lease_until = 0, last_error = '', updated_at = ?
		WHERE filename = ?`, string(StatusSuccess), ms(s.now()), filename)
}

func (s *SQLiteStore) MarkFailed(ctx context.Context, filename, errMsg string) error {
	now := ms(s.now())
	return s.update(ctx, filename, `UPDATE artifacts SET status = ?, attempts = attempts + 1, last_error = ?,
		last_attempt = ?, lease_until = 0, updated_at = ? WHERE filename = ?`,
		string(StatusFailedPermanent), errMsg, now, now, filename)
}

func (s *SQLiteStore) MarkAttemptFailed(ctx context.Context, filename, errMsg string, maxAttempts int) (Status, error) {
	var st Status
	err := s.transaction(ctx, func(tx *sql.Tx) error {
		var attempts int
		var cur string
		err := tx.QueryRowContext(ctx, `SELECT attempts, status FROM artifacts WHERE filename = ?`, filename).
			Scan(&attempts, &cur)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("%s: %w", filename, ErrNotFound)
		}
		if err != nil {
			return err
		}
		st = Status(cur)
		if st != StatusPending {
			return nil
		}
		attempts++
		if maxAttempts > 0 && attempts >= maxAttempts {
			st = StatusFailedPermanent
		}
		now := ms(s.now())
		_, err = tx.ExecContext(ctx, `UPDATE artifacts SET attempts = ?, status = ?, last_error = ?,
			last_attempt = ?, lease_until = 0, updated_at = ? WHERE filename = ?`,
			attempts, string(st), errMsg, now, now, filename)
		return err
	})
	if err != nil {
		return "", fmt.Errorf("record attempt %s: %w", filename, err)
	}
	return st, nil
}

func (s *SQLiteStore) ListPendingForRetry(ctx context.Context, limit, maxAttempts int) ([]Artifact, error) {
	if limit <= 0 {
		limit = -1
	}
	q := `SELECT ` + columns + ` FROM artifacts WHERE status = ? AND lease_until <= ?`
	args := []any{string(StatusPending), ms(s.now())}
	if maxAttempts > 0 {
		q += ` AND attempts < ?`
		args = append(args, maxAttempts)
	}
	q += ` ORDER BY captured_at, created_at LIMIT ?`
	args = append(args, limit)
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("list pending: %w", err)
	}
	defer func() { _ = rows.Close() }()
	var out []Artifact
	for rows.Next() {
		a, err := scanOne(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) Get(ctx context.Context, filename string) (Artifact, error) {
	a, err := scanOne(s.db.QueryRowContext(ctx, `SELECT `+columns+` FROM artifacts WHERE filename = ?`, filename))
	if errors.Is(err, sql.ErrNoRows) {
		return Artifact{}, fmt.Errorf("%s: %w", filename, ErrNotFound)
	}
	return a, err
}

// Find lists tracked artifacts, optionally filtered by status, newest first.
func (s *SQLiteStore) Find(ctx context.Context, status Status, limit int) ([]Artifact, error) {
	if limit <= 0 {
		limit = -1
	}
	q := `SELECT ` + columns + ` FROM artifacts`
	var args []any
	if status != "" {
		q += ` WHERE status = ?`
		args = append(args, strings.ToUpper(string(status)))
	}
	q += ` ORDER BY captured_at DESC LIMIT ?`
	args = append(args, limit)
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	var out []Artifact
	for rows.Next() {
		a, err := scanOne(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) Counts(ctx context.Context) (map[Status]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM artifacts GROUP BY status`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	out := map[Status]int{StatusPending: 0, StatusSuccess: 0, StatusFailedPermanent: 0}
	for rows.Next() {
		var st string
		var n int
		if err := rows.Scan(&st, &n); err != nil {
			return nil, err
		}
		out[Status(st)] = n
	}
	return out, rows.Err()
}

func (s *SQLiteStore) ResetFailed(ctx context.Context) (int, error) {
	res, err := s.db.ExecContext(ctx, `UPDATE artifacts SET status = ?, attempts = 0, lease_until = 0, updated_at = ?
		WHERE status = ?`, string(StatusPending), ms(s.now()), string(StatusFailedPermanent))
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func (s *SQLiteStore) PruneSuccess(ctx context.Context, olderThan time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM artifacts WHERE status = ? AND updated_at < ?`,
		string(StatusSuccess), ms(olderThan))
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanOne(r scanner) (Artifact, error) {
	var (
		a                                 Artifact
		st                                string
		captured, dur, last, created, upd int64
	)
	if err := r.Scan(&a.Filename, &a.LocalPath, &a.RemoteKey, &a.Camera, &a.Resolution, &captured, &dur,
		&a.Size, &st, &a.Attempts, &a.LastError, &last, &a.RemoteURL, &created, &upd); err != nil {
		return Artifact{}, err
	}
	a.Status = Status(st)
	a.CapturedAt = fromMS(captured)
	a.Duration = time.Duration(dur) * time.Millisecond
	a.LastAttempt = fromMS(last)
	a.CreatedAt = fromMS(created)
	a.UpdatedAt = fromMS(upd)
	return a, nil
}
