package oracles

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

type Oracle struct {
	Name string
	SQL  string
}

// All lists the invariants checked against the live tables. Each query
// returns the offending rows, so an empty result means the invariant holds.
func All() []Oracle {
	return []Oracle{
		{
			Name: "O1_status_column_mirrors_document",
			SQL:  `SELECT id, status, document->>'status' FROM agreements WHERE status <> document->>'status'`,
		},
		{
			Name: "O2_fully_signed_iff_both_signed",
			SQL: `SELECT id FROM agreements
                  WHERE ((document->'participants'->0->>'signed')::boolean
                         AND (document->'participants'->1->>'signed')::boolean)
                        <> (document->'dates'->>'fullySigned' IS NOT NULL)`,
		},
		{
			Name: "O3_status_matches_signatures",
			SQL: `SELECT id, status FROM agreements
                  WHERE (status IN ('signed','completed') AND document->'dates'->>'fullySigned' IS NULL)
                     OR (status = 'completed' AND document->'dates'->>'completedAt' IS NULL)
                     OR (status = 'cancelled' AND document->'dates'->>'cancelledAt' IS NULL)
                     OR (status <> 'cancelled' AND COALESCE(document->>'cancellationReason','') <> '')`,
		},
		{
			Name: "O4_no_signature_after_deadline",
			SQL: `SELECT a.id, p->>'signedAt', a.expires_at FROM agreements a,
                       jsonb_array_elements(a.document->'participants') p
                  WHERE a.expires_at IS NOT NULL
                    AND p->>'signedAt' IS NOT NULL
                    AND (p->>'signedAt')::timestamptz >= a.expires_at`,
		},
		{
			Name: "O5_completed_only_after_signed",
			SQL: `SELECT a.id FROM agreements a
                  WHERE a.status = 'completed'
                    AND NOT EXISTS (
                        SELECT 1 FROM agreement_events f
                        JOIN agreement_events c ON c.agreement_id = f.agreement_id
                        WHERE f.agreement_id = a.id AND f.type = 'fully_signed'
                          AND c.type = 'completed' AND f.seq < c.seq)`,
		},
		{
			Name: "O6_event_seq_contiguous",
			SQL: `SELECT agreement_id, COUNT(*), MAX(seq) FROM agreement_events
                  GROUP BY agreement_id HAVING MAX(seq) <> COUNT(*)`,
		},
		{
			Name: "O7_events_mirror_history",
			SQL: `SELECT a.id FROM agreements a
                  LEFT JOIN (SELECT agreement_id, COUNT(*) AS n FROM agreement_events GROUP BY agreement_id) e
                         ON e.agreement_id = a.id
                  WHERE COALESCE(e.n, 0) <> jsonb_array_length(a.document->'history')`,
		},
		{
			Name: "O8_fully_signed_once",
			SQL: `SELECT agreement_id FROM agreement_events
                  WHERE type = 'fully_signed'
                  GROUP BY agreement_id HAVING COUNT(*) > 1`,
		},
		{
			Name: "O9_agreement_delete_guard",
			SQL: `SELECT 'missing_no_delete_trigger' AS detail
                  WHERE NOT EXISTS (SELECT 1 FROM pg_trigger WHERE tgname='no_delete_agreements')`,
		},
	}
}

// Run executes all oracles and returns the first failure (name and sample row text) or empty name if all pass.
func Run(ctx context.Context, pool *pgxpool.Pool) (string, string, error) {
	for _, o := range All() {
		rows, err := pool.Query(ctx, o.SQL)
		if err != nil {
			return o.Name, "", fmt.Errorf("oracle %s: %w", o.Name, err)
		}
		has := rows.Next()
		if has {
			vals, err := rows.Values()
			rows.Close()
			if err != nil {
				return o.Name, "", err
			}
			return o.Name, fmt.Sprintf("%v", vals), nil
		}
		rows.Close()
	}
	return "", "", nil
}
