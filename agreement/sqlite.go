package agreement

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS agreements (
    id          TEXT PRIMARY KEY,
    code        TEXT NOT NULL UNIQUE,
    status      TEXT NOT NULL CHECK (status IN ('draft','pending_signatures','signed','completed','cancelled')),
    item_type   TEXT NOT NULL CHECK (item_type IN ('object','food')),
    owner_id    TEXT NOT NULL,
    receiver_id TEXT NOT NULL,
    fingerprint TEXT NOT NULL,
    expires_at  INTEGER,
    version     INTEGER NOT NULL DEFAULT 1,
    document    TEXT NOT NULL,
    created_at  INTEGER NOT NULL,
    updated_at  INTEGER NOT NULL,
    CHECK (owner_id <> receiver_id)
);
CREATE INDEX IF NOT EXISTS agreements_owner_idx ON agreements (owner_id, status);
CREATE INDEX IF NOT EXISTS agreements_receiver_idx ON agreements (receiver_id, status);
CREATE INDEX IF NOT EXISTS agreements_expiry_idx ON agreements (status, expires_at);
CREATE TRIGGER IF NOT EXISTS agreements_immutable
BEFORE UPDATE OF code, owner_id, receiver_id, item_type, fingerprint, created_at ON agreements
BEGIN
    SELECT RAISE(ABORT, 'immutable column modified');
END;
`

// SQLiteStore persists agreements in a local SQLite file. Timestamps used for
// ordering and expiry are stored as unix nanoseconds.
type SQLiteStore struct {
	db   *sql.DB
	opts storeOptions
}

// NewSQLiteStore creates the schema if needed and returns the store.
func NewSQLiteStore(ctx context.Context, db *sql.DB, opts ...Option) (*SQLiteStore, error) {
	if _, err := db.ExecContext(ctx, sqliteSchema); err != nil {
		return nil, fmt.Errorf("agreement: sqlite schema: %w", err)
	}
	return &SQLiteStore{db: db, opts: applyOptions(opts)}, nil
}

func (s *SQLiteStore) Create(ctx context.Context, a Agreement) (string, error) {
	if err := Validate(a); err != nil {
		return "", err
	}
	a.Version = 1

	doc, err := encodeDocument(a)
	if err != nil {
		return "", err
	}

	const insertSQL = `
INSERT INTO agreements (id, code, status, item_type, owner_id, receiver_id, fingerprint, expires_at, version, document, created_at, updated_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	_, err = s.db.ExecContext(ctx, insertSQL,
		a.ID,
		strings.ToUpper(a.Code),
		string(a.Status),
		string(a.Subject.ItemType),
		a.Owner().IdentityID,
		a.Receiver().IdentityID,
		a.Fingerprint,
		unixNanoPtr(a.Dates.ExpiresAt),
		a.Version,
		string(doc),
		a.Dates.Created.UnixNano(),
		updatedAt(a).UnixNano(),
	)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return "", fmt.Errorf("%w: %v", ErrDuplicate, err)
		}
		return "", fmt.Errorf("agreement: sqlite insert: %w", err)
	}
	return a.ID, nil
}

func (s *SQLiteStore) Get(ctx context.Context, id string) (Agreement, error) {
	return s.getOne(ctx, `SELECT document, version FROM agreements WHERE id = ?`, id)
}

func (s *SQLiteStore) GetByCode(ctx context.Context, code string) (Agreement, error) {
	return s.getOne(ctx, `SELECT document, version FROM agreements WHERE code = ?`, strings.ToUpper(code))
}

func (s *SQLiteStore) getOne(ctx context.Context, query, arg string) (Agreement, error) {
	var (
		doc     string
		version int64
	)
	if err := s.db.QueryRowContext(ctx, query, arg).Scan(&doc, &version); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Agreement{}, ErrNotFound
		}
		return Agreement{}, fmt.Errorf("agreement: sqlite fetch: %w", err)
	}
	return decodeDocument([]byte(doc), version)
}

func (s *SQLiteStore) Update(ctx context.Context, id string, mutate Mutation) (Agreement, error) {
	return updateWithRetry(ctx, s.opts.maxAttempts, id, s.Get, s.swap, mutate)
}

func (s *SQLiteStore) swap(ctx context.Context, prev, next Agreement) error {
	doc, err := encodeDocument(next)
	if err != nil {
		return err
	}

	const updateSQL = `
UPDATE agreements
SET status = ?, expires_at = ?, version = ?, document = ?, updated_at = ?
WHERE id = ? AND version = ?`
	res, err := s.db.ExecContext(ctx, updateSQL,
		string(next.Status),
		unixNanoPtr(next.Dates.ExpiresAt),
		next.Version,
		string(doc),
		updatedAt(next).UnixNano(),
		next.ID,
		prev.Version,
	)
	if err != nil {
		return fmt.Errorf("agreement: sqlite update: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("agreement: sqlite rows affected: %w", err)
	}
	if n == 0 {
		return errStaleVersion
	}
	return nil
}

func (s *SQLiteStore) ListByParticipant(ctx context.Context, identityID string, filter ListFilter) ([]Agreement, int, error) {
	filter = filter.Normalize()

	const where = `
WHERE (owner_id = ? OR receiver_id = ?)
  AND (? = '' OR status = ?)
  AND (? = '' OR item_type = ?)`
	args := []any{identityID, identityID, string(filter.Status), string(filter.Status), string(filter.ItemType), string(filter.ItemType)}

	rows, err := s.db.QueryContext(ctx, `SELECT document, version FROM agreements`+where+` ORDER BY created_at DESC, id DESC LIMIT ? OFFSET ?`,
		append(args, filter.PageSize, filter.offset())...)
	if err != nil {
		return nil, 0, fmt.Errorf("agreement: sqlite list: %w", err)
	}
	out, err := collectSQLRows(rows)
	if err != nil {
		return nil, 0, err
	}

	var total int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM agreements`+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("agreement: sqlite count: %w", err)
	}
	return out, total, nil
}

func (s *SQLiteStore) ListExpired(ctx context.Context, now time.Time, limit int) ([]Agreement, error) {
	if limit <= 0 {
		limit = 100
	}
	const query = `
SELECT document, version
FROM agreements
WHERE status IN ('draft','pending_signatures')
  AND expires_at IS NOT NULL
  AND expires_at <= ?
ORDER BY expires_at ASC
LIMIT ?`
	rows, err := s.db.QueryContext(ctx, query, now.UnixNano(), limit)
	if err != nil {
		return nil, fmt.Errorf("agreement: sqlite list expired: %w", err)
	}
	return collectSQLRows(rows)
}

func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func collectSQLRows(rows *sql.Rows) ([]Agreement, error) {
	defer rows.Close()

	out := make([]Agreement, 0, 8)
	for rows.Next() {
		var (
			doc     string
			version int64
		)
		if err := rows.Scan(&doc, &version); err != nil {
			return nil, fmt.Errorf("agreement: sqlite scan: %w", err)
		}
		a, err := decodeDocument([]byte(doc), version)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("agreement: sqlite iterate: %w", err)
	}
	return out, nil
}

func unixNanoPtr(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UnixNano()
}
