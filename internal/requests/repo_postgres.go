package requests

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"sort"
	"time"

	"concierge/internal/audit"
	"concierge/internal/calls"
	"concierge/pkg/utils"
)

// PostgresRepo implements Repository on database/sql with the pgx driver.
//
// NOTE: provider mutations lock the provider row (SELECT ... FOR UPDATE) so the webhook
// enrichment path and the polling path serialize on the same call.
type PostgresRepo struct {
	db    *sql.DB
	clock func() time.Time
}

func NewPostgresRepo(db *sql.DB) *PostgresRepo {
	return &PostgresRepo{db: db, clock: time.Now}
}

const requestCols = `
id, user_id, type, title, description, criteria, location, urgency, status,
selected_provider_id, final_outcome, recommendations, user_phone, preferred_contact,
direct_contact_name, direct_contact_phone, notification_sent_at, notification_method,
created_at, updated_at`

const providerCols = `
id, service_request_id, position, name, phone, rating, review_count, address, source_id,
call_status, call_result, call_transcript, call_summary, call_duration_sec, call_cost,
call_id, called_at, booking_confirmed, booking_date, booking_time, confirmation_code,
created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRequest(s rowScanner) (ServiceRequest, error) {
	var (
		r                              ServiceRequest
		selected, outcome, contactName sql.NullString
		contactPhone, notifyMethod     sql.NullString
		recommendations                []byte
		notifiedAt                     sql.NullTime
	)
	if err := s.Scan(
		&r.ID,
		&r.UserID,
		&r.Type,
		&r.Title,
		&r.Description,
		&r.Criteria,
		&r.Location,
		&r.Urgency,
		&r.Status,
		&selected,
		&outcome,
		&recommendations,
		&r.UserPhone,
		&r.PreferredContact,
		&contactName,
		&contactPhone,
		&notifiedAt,
		&notifyMethod,
		&r.CreatedAt,
		&r.UpdatedAt,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ServiceRequest{}, ErrNotFound
		}
		return ServiceRequest{}, err
	}
	r.SelectedProviderID = selected.String
	r.FinalOutcome = outcome.String
	if len(recommendations) > 0 {
		r.Recommendations = json.RawMessage(recommendations)
	}
	r.DirectContactName = contactName.String
	r.DirectContactPhone = contactPhone.String
	r.NotificationSentAt = utils.TimePtr(notifiedAt)
	r.NotificationMethod = notifyMethod.String
	return r, nil
}

func scanProvider(s rowScanner) (Provider, error) {
	var (
		p                                      Provider
		sourceID, transcript, summary, callID  sql.NullString
		bookingDate, bookingTime, confirmation sql.NullString
		result                                 []byte
		calledAt                               sql.NullTime
	)
	if err := s.Scan(
		&p.ID,
		&p.ServiceRequestID,
		&p.Position,
		&p.Name,
		&p.Phone,
		&p.Rating,
		&p.ReviewCount,
		&p.Address,
		&sourceID,
		&p.CallStatus,
		&result,
		&transcript,
		&summary,
		&p.DurationSeconds,
		&p.Cost,
		&callID,
		&calledAt,
		&p.BookingConfirmed,
		&bookingDate,
		&bookingTime,
		&confirmation,
		&p.CreatedAt,
		&p.UpdatedAt,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Provider{}, ErrNotFound
		}
		return Provider{}, err
	}
	if len(result) > 0 {
		var cr calls.CallResult
		if err := json.Unmarshal(result, &cr); err != nil {
			return Provider{}, err
		}
		p.CallResult = &cr
	}
	p.SourceID = sourceID.String
	p.Transcript = transcript.String
	p.Summary = summary.String
	p.CallID = callID.String
	p.CalledAt = utils.TimePtr(calledAt)
	p.BookingDate = bookingDate.String
	p.BookingTime = bookingTime.String
	p.ConfirmationCode = confirmation.String
	return p, nil
}

func nullJSON(b json.RawMessage) any {
	if len(b) == 0 {
		return nil
	}
	return string(b)
}

func (r *PostgresRepo) CreateRequest(ctx context.Context, sr ServiceRequest) error {
	const q = `
INSERT INTO service_requests (
  id, user_id, type, title, description, criteria, location, urgency, status,
  user_phone, preferred_contact, direct_contact_name, direct_contact_phone, created_at, updated_at
) VALUES (
  $1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15
)
`
	_, err := r.db.ExecContext(ctx, q,
		sr.ID,
		sr.UserID,
		sr.Type,
		sr.Title,
		sr.Description,
		sr.Criteria,
		sr.Location,
		sr.Urgency,
		sr.Status,
		sr.UserPhone,
		sr.PreferredContact,
		utils.NullString(sr.DirectContactName),
		utils.NullString(sr.DirectContactPhone),
		sr.CreatedAt,
		sr.UpdatedAt,
	)
	return err
}

func (r *PostgresRepo) GetRequest(ctx context.Context, id string) (ServiceRequest, error) {
	q := `SELECT ` + requestCols + ` FROM service_requests WHERE id = $1`
	return scanRequest(r.db.QueryRowContext(ctx, q, id))
}

func (r *PostgresRepo) ListRequestsByUser(ctx context.Context, userID string, limit int) ([]ServiceRequest, error) {
	if limit <= 0 {
		limit = 50
	}
	q := `SELECT ` + requestCols + ` FROM service_requests WHERE user_id = $1 ORDER BY created_at DESC LIMIT $2`
	rows, err := r.db.QueryContext(ctx, q, userID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []ServiceRequest
	for rows.Next() {
		sr, err := scanRequest(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sr)
	}
	return out, rows.Err()
}

func (r *PostgresRepo) FindLatestByPhone(ctx context.Context, phone string, status Status) (ServiceRequest, error) {
	q := `SELECT ` + requestCols + `
FROM service_requests
WHERE user_phone = $1 AND status = $2
ORDER BY updated_at DESC
LIMIT 1`
	return scanRequest(r.db.QueryRowContext(ctx, q, phone, status))
}

func (r *PostgresRepo) TransitionRequest(ctx context.Context, id string, from, to Status, patch RequestPatch) (ServiceRequest, error) {
	var (
		setSelected, setOutcome bool
		selected, outcome       string
	)
	if patch.SelectedProviderID != nil {
		setSelected, selected = true, *patch.SelectedProviderID
	}
	if patch.FinalOutcome != nil {
		setOutcome, outcome = true, *patch.FinalOutcome
	}

	q := `
UPDATE service_requests SET
  status = $3,
  selected_provider_id = CASE WHEN $4 THEN $5::uuid ELSE selected_provider_id END,
  final_outcome = CASE WHEN $6 THEN $7 ELSE final_outcome END,
  recommendations = COALESCE($8::jsonb, recommendations),
  updated_at = $9
WHERE id = $1 AND status = $2
RETURNING ` + requestCols

	sr, err := scanRequest(r.db.QueryRowContext(ctx, q,
		id,
		from,
		to,
		setSelected,
		utils.NullString(selected),
		setOutcome,
		utils.NullString(outcome),
		nullJSON(patch.Recommendations),
		r.clock().UTC(),
	))
	if errors.Is(err, ErrNotFound) {
		current, getErr := r.GetRequest(ctx, id)
		if getErr != nil {
			return ServiceRequest{}, getErr
		}
		return current, ErrStaleState
	}
	return sr, err
}

func (r *PostgresRepo) MarkNotified(ctx context.Context, id, method string, at time.Time) (bool, error) {
	const q = `
UPDATE service_requests
SET notification_sent_at = $2, notification_method = $3, updated_at = $2
WHERE id = $1 AND notification_sent_at IS NULL
`
	res, err := r.db.ExecContext(ctx, q, id, at.UTC(), method)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if n == 0 {
		if _, err := r.GetRequest(ctx, id); err != nil {
			return false, err
		}
	}
	return n == 1, nil
}

func (r *PostgresRepo) CreateProviders(ctx context.Context, ps []Provider) error {
	const q = `
INSERT INTO providers (
  id, service_request_id, position, name, phone, rating, review_count, address, source_id,
  call_status, created_at, updated_at
) VALUES (
  $1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12
)
`
	return utils.WithTx(ctx, r.db, nil, func(ctx context.Context, tx *sql.Tx) error {
		for _, p := range ps {
			if _, err := tx.ExecContext(ctx, q,
				p.ID,
				p.ServiceRequestID,
				p.Position,
				p.Name,
				p.Phone,
				p.Rating,
				p.ReviewCount,
				p.Address,
				utils.NullString(p.SourceID),
				p.CallStatus,
				p.CreatedAt,
				p.UpdatedAt,
			); err != nil {
				return err
			}
		}
		return nil
	})
}

func (r *PostgresRepo) GetProvider(ctx context.Context, id string) (Provider, error) {
	q := `SELECT ` + providerCols + ` FROM providers WHERE id = $1`
	return scanProvider(r.db.QueryRowContext(ctx, q, id))
}

func (r *PostgresRepo) ListProviders(ctx context.Context, serviceRequestID string) ([]Provider, error) {
	q := `SELECT ` + providerCols + ` FROM providers WHERE service_request_id = $1 ORDER BY position ASC`
	return queryProviders(ctx, r.db, q, serviceRequestID)
}

func queryProviders(ctx context.Context, db utils.Execer, q string, args ...any) ([]Provider, error) {
	rows, err := db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Provider
	for rows.Next() {
		p, err := scanProvider(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (r *PostgresRepo) QueueProviders(ctx context.Context, serviceRequestID string) ([]Provider, error) {
	q := `
UPDATE providers SET call_status = 'queued', updated_at = $2
WHERE service_request_id = $1 AND call_status = '' AND phone <> ''
RETURNING ` + providerCols
	out, err := queryProviders(ctx, r.db, q, serviceRequestID, r.clock().UTC())
	if err != nil {
		return nil, err
	}
	sortByPosition(out)
	return out, nil
}

func (r *PostgresRepo) AttachCallID(ctx context.Context, providerID, callID string, status calls.CallStatus, at time.Time) error {
	const q = `
UPDATE providers SET call_id = $2, call_status = $3, called_at = $4, updated_at = $5
WHERE id = $1 AND call_status IN ('', 'queued', 'in_progress', 'booking_in_progress')
`
	res, err := r.db.ExecContext(ctx, q, providerID, callID, status, at.UTC(), r.clock().UTC())
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		if _, err := r.GetProvider(ctx, providerID); err != nil {
			return err
		}
		return ErrStaleState
	}
	return nil
}

func (r *PostgresRepo) ResetForRetry(ctx context.Context, providerID string) (Provider, error) {
	var out Provider
	err := utils.WithTx(ctx, r.db, nil, func(ctx context.Context, tx *sql.Tx) error {
		p, err := lockProvider(ctx, tx, providerID)
		if err != nil {
			return err
		}
		if !p.CallStatus.Terminal() {
			out = p
			return ErrNotRetryable
		}
		p = resetProvider(p)
		p.UpdatedAt = r.clock().UTC()
		if err := writeProvider(ctx, tx, p); err != nil {
			return err
		}
		out = p
		return nil
	})
	return out, err
}

func (r *PostgresRepo) BeginBooking(ctx context.Context, serviceRequestID, providerID string) (ServiceRequest, Provider, error) {
	var (
		sr ServiceRequest
		p  Provider
	)
	err := utils.WithTx(ctx, r.db, nil, func(ctx context.Context, tx *sql.Tx) error {
		var err error
		sr, err = scanRequest(tx.QueryRowContext(ctx, `SELECT `+requestCols+` FROM service_requests WHERE id = $1 FOR UPDATE`, serviceRequestID))
		if err != nil {
			return err
		}
		p, err = lockProvider(ctx, tx, providerID)
		if err != nil {
			return err
		}
		if p.ServiceRequestID != serviceRequestID {
			return ErrNotFound
		}
		if sr.Status != StatusRecommended {
			return ErrStaleState
		}

		now := r.clock().UTC()
		if _, err := tx.ExecContext(ctx, `
UPDATE service_requests SET status = $2, selected_provider_id = $3, updated_at = $4
WHERE id = $1`, serviceRequestID, StatusBooking, providerID, now); err != nil {
			return err
		}
		sr.Status = StatusBooking
		sr.SelectedProviderID = providerID
		sr.UpdatedAt = now

		p = startBooking(p)
		p.UpdatedAt = now
		return writeProvider(ctx, tx, p)
	})
	return sr, p, err
}

func (r *PostgresRepo) UpdateProvider(ctx context.Context, providerID string, fn ProviderUpdate) (Provider, bool, error) {
	var (
		out     Provider
		applied bool
	)
	err := utils.WithTx(ctx, r.db, nil, func(ctx context.Context, tx *sql.Tx) error {
		p, err := lockProvider(ctx, tx, providerID)
		if err != nil {
			return err
		}
		out = p

		next := p
		entry, ok, err := fn(&next)
		if err != nil || !ok {
			return err
		}
		next.UpdatedAt = r.clock().UTC()
		if err := writeProvider(ctx, tx, next); err != nil {
			return err
		}
		if entry != nil {
			if _, err := audit.InsertTx(ctx, tx, *entry); err != nil {
				return err
			}
		}
		out, applied = next, true
		return nil
	})
	if err != nil {
		return out, false, err
	}
	return out, applied, nil
}

func lockProvider(ctx context.Context, tx *sql.Tx, id string) (Provider, error) {
	q := `SELECT ` + providerCols + ` FROM providers WHERE id = $1 FOR UPDATE`
	return scanProvider(tx.QueryRowContext(ctx, q, id))
}

func writeProvider(ctx context.Context, tx *sql.Tx, p Provider) error {
	var result any
	if p.CallResult != nil {
		b, err := json.Marshal(p.CallResult)
		if err != nil {
			return err
		}
		result = string(b)
	}
	const q = `
UPDATE providers SET
  call_status = $2,
  call_result = $3::jsonb,
  call_transcript = $4,
  call_summary = $5,
  call_duration_sec = $6,
  call_cost = $7,
  call_id = $8,
  called_at = $9,
  booking_confirmed = $10,
  booking_date = $11,
  booking_time = $12,
  confirmation_code = $13,
  updated_at = $14
WHERE id = $1
`
	_, err := tx.ExecContext(ctx, q,
		p.ID,
		p.CallStatus,
		result,
		utils.NullString(p.Transcript),
		utils.NullString(p.Summary),
		p.DurationSeconds,
		p.Cost,
		utils.NullString(p.CallID),
		utils.NullTime(p.CalledAt),
		p.BookingConfirmed,
		utils.NullString(p.BookingDate),
		utils.NullString(p.BookingTime),
		utils.NullString(p.ConfirmationCode),
		p.UpdatedAt,
	)
	return err
}

func sortByPosition(ps []Provider) {
	sort.Slice(ps, func(i, j int) bool { return ps[i].Position < ps[j].Position })
}
