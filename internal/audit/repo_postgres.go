package audit

import (
	"context"
	"database/sql"

	"concierge/pkg/utils"
)

// PostgresRepo stores entries in interaction_logs.
type PostgresRepo struct {
	db *sql.DB
}

func NewPostgresRepo(db *sql.DB) *PostgresRepo { return &PostgresRepo{db: db} }

func (r *PostgresRepo) Append(ctx context.Context, e Entry) (bool, error) {
	return InsertTx(ctx, r.db, e)
}

// InsertTx appends e using q, which may be a transaction. It reports false when
// an entry with the same dedupe key already exists.
func InsertTx(ctx context.Context, q utils.Execer, e Entry) (bool, error) {
	const stmt = `
INSERT INTO interaction_logs (
  id, service_request_id, provider_id, step, detail, status, transcript, dedupe_key, created_at
) VALUES (
  $1,$2,$3,$4,$5,$6,$7,$8,$9
)
ON CONFLICT (dedupe_key) DO NOTHING
`
	res, err := q.ExecContext(ctx, stmt,
		e.ID,
		e.ServiceRequestID,
		utils.NullString(e.ProviderID),
		e.Step,
		e.Detail,
		e.Status,
		utils.NullString(e.Transcript),
		utils.NullString(e.DedupeKey),
		e.CreatedAt,
	)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (r *PostgresRepo) ListByRequest(ctx context.Context, serviceRequestID string) ([]Entry, error) {
	const q = `
SELECT id, service_request_id, provider_id, step, detail, status, transcript, created_at
FROM interaction_logs
WHERE service_request_id = $1
ORDER BY created_at ASC, id ASC
`
	rows, err := r.db.QueryContext(ctx, q, serviceRequestID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var (
			e          Entry
			providerID sql.NullString
			transcript sql.NullString
		)
		if err := rows.Scan(
			&e.ID,
			&e.ServiceRequestID,
			&providerID,
			&e.Step,
			&e.Detail,
			&e.Status,
			&transcript,
			&e.CreatedAt,
		); err != nil {
			return nil, err
		}
		e.ProviderID = providerID.String
		e.Transcript = transcript.String
		out = append(out, e)
	}
	return out, rows.Err()
}
