package agreement

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

const (
	pgUniqueViolation = "23505"
	pgCheckViolation  = "23514"
)

// PGStore persists agreements in PostgreSQL. The full record lives in a JSONB
// document; the columns next to it are the indexed projection plus the
// version used for conditional writes. Audit events are mirrored into
// agreement_events in the same transaction as the state write.
type PGStore struct {
	pool *pgxpool.Pool
	opts storeOptions
}

// NewPGStore wires a pgxpool-backed store.
func NewPGStore(pool *pgxpool.Pool, opts ...Option) *PGStore {
	return &PGStore{pool: pool, opts: applyOptions(opts)}
}

func (s *PGStore) Create(ctx context.Context, a Agreement) (string, error) {
	if err := Validate(a); err != nil {
		return "", err
	}
	if _, err := uuid.Parse(a.ID); err != nil {
		return "", fmt.Errorf("%w: id must be a uuid", ErrInvalidInput)
	}
	a.Version = 1

	doc, err := encodeDocument(a)
	if err != nil {
		return "", err
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return "", fmt.Errorf("agreement: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	const insertSQL = `
INSERT INTO agreements (id, code, status, item_type, item_id, owner_id, receiver_id, fingerprint, expires_at, version, document, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13);
`
	_, err = tx.Exec(ctx, insertSQL,
		a.ID,
		a.Code,
		a.Status,
		a.Subject.ItemType,
		a.Subject.ItemID,
		a.Owner().IdentityID,
		a.Receiver().IdentityID,
		a.Fingerprint,
		a.Dates.ExpiresAt,
		a.Version,
		doc,
		a.Dates.Created,
		updatedAt(a),
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) {
			switch pgErr.Code {
			case pgUniqueViolation:
				return "", fmt.Errorf("%w: %s", ErrDuplicate, pgErr.ConstraintName)
			case pgCheckViolation:
				return "", fmt.Errorf("%w: %s", ErrInvalidInput, pgErr.Message)
			}
		}
		return "", fmt.Errorf("agreement: insert: %w", err)
	}

	if err := appendEvents(ctx, tx, a.ID, 0, a.History); err != nil {
		return "", err
	}

	if err := tx.Commit(ctx); err != nil {
		return "", fmt.Errorf("agreement: commit insert: %w", err)
	}
	return a.ID, nil
}

func (s *PGStore) Get(ctx context.Context, id string) (Agreement, error) {
	if _, err := uuid.Parse(id); err != nil {
		return Agreement{}, ErrNotFound
	}
	return s.getOne(ctx, `SELECT document, version FROM agreements WHERE id = $1`, id)
}

func (s *PGStore) GetByCode(ctx context.Context, code string) (Agreement, error) {
	return s.getOne(ctx, `SELECT document, version FROM agreements WHERE upper(code) = upper($1)`, code)
}

func (s *PGStore) getOne(ctx context.Context, query string, arg string) (Agreement, error) {
	var (
		doc     []byte
		version int64
	)
	if err := s.pool.QueryRow(ctx, query, arg).Scan(&doc, &version); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Agreement{}, ErrNotFound
		}
		return Agreement{}, fmt.Errorf("agreement: fetch: %w", err)
	}
	return decodeDocument(doc, version)
}

func (s *PGStore) Update(ctx context.Context, id string, mutate Mutation) (Agreement, error) {
	return updateWithRetry(ctx, s.opts.maxAttempts, id, s.Get, s.swap, mutate)
}

func (s *PGStore) swap(ctx context.Context, prev, next Agreement) error {
	doc, err := encodeDocument(next)
	if err != nil {
		return err
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("agreement: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	const updateSQL = `
UPDATE agreements
SET status = $1,
    expires_at = $2,
    version = $3,
    document = $4,
    updated_at = $5
WHERE id = $6 AND version = $7;
`
	tag, err := tx.Exec(ctx, updateSQL, next.Status, next.Dates.ExpiresAt, next.Version, doc, updatedAt(next), next.ID, prev.Version)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgCheckViolation {
			return fmt.Errorf("%w: %s", ErrInvalidState, pgErr.Message)
		}
		return fmt.Errorf("agreement: update: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return errStaleVersion
	}

	if err := appendEvents(ctx, tx, next.ID, len(prev.History), next.History[len(prev.History):]); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("agreement: commit update: %w", err)
	}
	return nil
}

func appendEvents(ctx context.Context, tx pgx.Tx, agreementID string, firstSeq int, events []Event) error {
	const insertSQL = `
INSERT INTO agreement_events (id, agreement_id, seq, type, actor_id, detail, created_at)
VALUES ($1, $2, $3, $4, NULLIF($5, ''), NULLIF($6, ''), $7);
`
	for i, e := range events {
		if _, err := tx.Exec(ctx, insertSQL, e.ID, agreementID, firstSeq+i+1, e.Type, e.ActorID, e.Detail, e.At); err != nil {
			return fmt.Errorf("agreement: insert event: %w", err)
		}
	}
	return nil
}

func (s *PGStore) ListByParticipant(ctx context.Context, identityID string, filter ListFilter) ([]Agreement, int, error) {
	filter = filter.Normalize()

	const query = `
SELECT document, version
FROM agreements
WHERE (owner_id = $1 OR receiver_id = $1)
  AND ($2 = '' OR status = $2)
  AND ($3 = '' OR item_type = $3)
ORDER BY created_at DESC, id DESC
LIMIT $4 OFFSET $5
`
	rows, err := s.pool.Query(ctx, query, identityID, string(filter.Status), string(filter.ItemType), filter.PageSize, filter.offset())
	if err != nil {
		return nil, 0, fmt.Errorf("agreement: list: %w", err)
	}
	out, err := collectDocuments(rows)
	if err != nil {
		return nil, 0, err
	}

	const countQuery = `
SELECT COUNT(*)
FROM agreements
WHERE (owner_id = $1 OR receiver_id = $1)
  AND ($2 = '' OR status = $2)
  AND ($3 = '' OR item_type = $3)
`
	var total int
	if err := s.pool.QueryRow(ctx, countQuery, identityID, string(filter.Status), string(filter.ItemType)).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("agreement: count: %w", err)
	}
	return out, total, nil
}

func (s *PGStore) ListExpired(ctx context.Context, now time.Time, limit int) ([]Agreement, error) {
	if limit <= 0 {
		limit = 100
	}
	const query = `
SELECT document, version
FROM agreements
WHERE status IN ('draft','pending_signatures')
  AND expires_at IS NOT NULL
  AND expires_at <= $1
ORDER BY expires_at ASC
LIMIT $2
`
	rows, err := s.pool.Query(ctx, query, now, limit)
	if err != nil {
		return nil, fmt.Errorf("agreement: list expired: %w", err)
	}
	return collectDocuments(rows)
}

func (s *PGStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

func collectDocuments(rows pgx.Rows) ([]Agreement, error) {
	defer rows.Close()

	out := make([]Agreement, 0, 8)
	for rows.Next() {
		var (
			doc     []byte
			version int64
		)
		if err := rows.Scan(&doc, &version); err != nil {
			return nil, fmt.Errorf("agreement: scan: %w", err)
		}
		a, err := decodeDocument(doc, version)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("agreement: iterate: %w", err)
	}
	return out, nil
}

func updatedAt(a Agreement) time.Time {
	if a.Dates.Updated.IsZero() {
		return a.Dates.Created
	}
	return a.Dates.Updated
}
