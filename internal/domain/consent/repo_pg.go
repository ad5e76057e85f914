package consent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/hdex/consent/internal/platform/db"
)

type queryable interface {
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
}

// =========== Request Repository ===========

type requestRepoPG struct{ pool *pgxpool.Pool }

func NewRequestRepoPG(pool *pgxpool.Pool) RequestRepository { return &requestRepoPG{pool: pool} }

func (r *requestRepoPG) conn(ctx context.Context) queryable {
	if tx := db.TxFromContext(ctx); tx != nil {
		return tx
	}
	return r.pool
}

const requestCols = `request_id, patient_id, status, details, created_at, last_updated`

func scanRequest(row pgx.Row) (*ConsentRequest, error) {
	var cr ConsentRequest
	var details []byte
	err := row.Scan(&cr.RequestID, &cr.PatientID, &cr.Status, &details, &cr.CreatedAt, &cr.LastUpdated)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(details, &cr.Detail); err != nil {
		return nil, fmt.Errorf("decode request detail: %w", err)
	}
	return &cr, nil
}

func (r *requestRepoPG) Insert(ctx context.Context, cr *ConsentRequest) error {
	details, err := json.Marshal(cr.Detail)
	if err != nil {
		return fmt.Errorf("encode request detail: %w", err)
	}
	_, err = r.conn(ctx).Exec(ctx, `
		INSERT INTO consent_request (request_id, patient_id, status, details, created_at, last_updated)
		VALUES ($1, $2, $3, $4, $5, $5)`,
		cr.RequestID, cr.PatientID, cr.Status, details, cr.CreatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return fmt.Errorf("%w: request %s", ErrAlreadyExists, cr.RequestID)
		}
		return err
	}
	return nil
}

func (r *requestRepoPG) Get(ctx context.Context, requestID string) (*ConsentRequest, error) {
	cr, err := scanRequest(r.conn(ctx).QueryRow(ctx,
		`SELECT `+requestCols+` FROM consent_request WHERE request_id = $1`, requestID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: request %s", ErrNotFound, requestID)
	}
	return cr, err
}

func (r *requestRepoPG) GetWithStatus(ctx context.Context, requestID string, expected Status, patientID string) (*ConsentRequest, error) {
	cr, err := scanRequest(r.conn(ctx).QueryRow(ctx, `
		SELECT `+requestCols+` FROM consent_request
		WHERE request_id = $1 AND status = $2 AND patient_id = $3`,
		requestID, expected, patientID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	return cr, err
}

func (r *requestRepoPG) UpdateStatus(ctx context.Context, requestID string, from, to Status) (int64, error) {
	tag, err := r.conn(ctx).Exec(ctx, `
		UPDATE consent_request SET status = $3, last_updated = now()
		WHERE request_id = $1 AND status = $2`,
		requestID, from, to)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

func (r *requestRepoPG) ListOlderThan(ctx context.Context, status Status, cutoff time.Time, limit int) ([]*ConsentRequest, error) {
	rows, err := r.conn(ctx).Query(ctx, `
		SELECT `+requestCols+` FROM consent_request
		WHERE status = $1 AND created_at < $2
		ORDER BY created_at ASC LIMIT $3`,
		status, cutoff, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var items []*ConsentRequest
	for rows.Next() {
		cr, err := scanRequest(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, cr)
	}
	return items, rows.Err()
}

func (r *requestRepoPG) ListForPatient(ctx context.Context, patientID string, status Status, limit, offset int) ([]*ConsentRequest, int, error) {
	where := `WHERE patient_id = $1`
	args := []interface{}{patientID}
	if status != "" {
		where += ` AND status = $2`
		args = append(args, status)
	}

	var total int
	if err := r.conn(ctx).QueryRow(ctx,
		`SELECT COUNT(*) FROM consent_request `+where, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	args = append(args, limit, offset)
	rows, err := r.conn(ctx).Query(ctx, fmt.Sprintf(
		`SELECT %s FROM consent_request %s ORDER BY created_at DESC LIMIT $%d OFFSET $%d`,
		requestCols, where, len(args)-1, len(args)), args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	var items []*ConsentRequest
	for rows.Next() {
		cr, err := scanRequest(rows)
		if err != nil {
			return nil, 0, err
		}
		items = append(items, cr)
	}
	return items, total, rows.Err()
}

// =========== Artefact Repository ===========

type artefactRepoPG struct{ pool *pgxpool.Pool }

func NewArtefactRepoPG(pool *pgxpool.Pool) ArtefactRepository { return &artefactRepoPG{pool: pool} }

func (r *artefactRepoPG) conn(ctx context.Context) queryable {
	if tx := db.TxFromContext(ctx); tx != nil {
		return tx
	}
	return r.pool
}

const artefactCols = `consent_id, consent_request_id, patient_id, artefact, signature, status, created_at, date_modified`

func scanArtefact(row pgx.Row) (*ConsentArtefact, error) {
	var a ConsentArtefact
	var payload []byte
	err := row.Scan(&a.ConsentID, &a.ConsentRequestID, &a.PatientID, &payload,
		&a.Signature, &a.Status, &a.CreatedAt, &a.DateModified)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(payload, &a.Detail); err != nil {
		return nil, fmt.Errorf("decode artefact payload: %w", err)
	}
	return &a, nil
}

func insertArtefact(ctx context.Context, q queryable, table string, a *ConsentArtefact) error {
	payload, err := json.Marshal(a.Detail)
	if err != nil {
		return fmt.Errorf("encode artefact payload: %w", err)
	}
	_, err = q.Exec(ctx, `
		INSERT INTO `+table+` (consent_id, consent_request_id, patient_id, artefact, signature, status, created_at, date_modified)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $7)`,
		a.ConsentID, a.ConsentRequestID, a.PatientID, payload, a.Signature, a.Status, a.CreatedAt)
	return err
}

func (r *artefactRepoPG) CreateArtefactsAndGrant(ctx context.Context, pairs []ArtefactPair, requestID, patientID string) error {
	return db.RunInTx(ctx, r.pool, func(ctx context.Context) error {
		q := r.conn(ctx)
		for i := range pairs {
			if err := insertArtefact(ctx, q, "consent_artefact", &pairs[i].Artefact); err != nil {
				return fmt.Errorf("insert artefact %s: %w", pairs[i].Artefact.ConsentID, err)
			}
			if err := insertArtefact(ctx, q, "hip_consent_artefact", &pairs[i].HIPArtefact); err != nil {
				return fmt.Errorf("insert hip artefact %s: %w", pairs[i].HIPArtefact.ConsentID, err)
			}
		}
		tag, err := q.Exec(ctx, `
			UPDATE consent_request SET status = $3, last_updated = now()
			WHERE request_id = $1 AND status = $2 AND patient_id = $4`,
			requestID, StatusRequested, StatusGranted, patientID)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return fmt.Errorf("%w: request %s is no longer %s for this patient", ErrConflict, requestID, StatusRequested)
		}
		return nil
	})
}

func (r *artefactRepoPG) UpdateStatus(ctx context.Context, consentID, requestID string, to Status) (int64, error) {
	var affected int64
	err := db.RunInTx(ctx, r.pool, func(ctx context.Context) error {
		q := r.conn(ctx)
		tag, err := q.Exec(ctx, `
			UPDATE consent_artefact SET status = $2, date_modified = now()
			WHERE consent_id = $1 AND status = $3`,
			consentID, to, StatusGranted)
		if err != nil {
			return err
		}
		affected = tag.RowsAffected()
		if affected == 0 {
			// A concurrent transition already won; nothing else to touch.
			return nil
		}
		if _, err := q.Exec(ctx, `
			UPDATE hip_consent_artefact SET status = $2, date_modified = now()
			WHERE consent_id = $1 AND status = $3`,
			consentID, to, StatusGranted); err != nil {
			return err
		}
		if _, err := q.Exec(ctx, `
			UPDATE consent_request SET status = $3, last_updated = now()
			WHERE request_id = $1 AND status = $2`,
			requestID, StatusGranted, to); err != nil {
			return err
		}
		return nil
	})
	return affected, err
}

func (r *artefactRepoPG) getFrom(ctx context.Context, table, consentID string) (*ConsentArtefact, error) {
	a, err := scanArtefact(r.conn(ctx).QueryRow(ctx,
		`SELECT `+artefactCols+` FROM `+table+` WHERE consent_id = $1`, consentID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: consent %s", ErrNotFound, consentID)
	}
	return a, err
}

func (r *artefactRepoPG) Get(ctx context.Context, consentID string) (*ConsentArtefact, error) {
	return r.getFrom(ctx, "consent_artefact", consentID)
}

func (r *artefactRepoPG) GetHIP(ctx context.Context, consentID string) (*ConsentArtefact, error) {
	return r.getFrom(ctx, "hip_consent_artefact", consentID)
}

func (r *artefactRepoPG) GetWithRequest(ctx context.Context, consentID string) (*ConsentArtefact, *ConsentRequest, error) {
	a, err := r.Get(ctx, consentID)
	if err != nil {
		return nil, nil, err
	}
	cr, err := scanRequest(r.conn(ctx).QueryRow(ctx,
		`SELECT `+requestCols+` FROM consent_request WHERE request_id = $1`, a.ConsentRequestID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil, fmt.Errorf("%w: request %s for consent %s", ErrNotFound, a.ConsentRequestID, consentID)
	}
	if err != nil {
		return nil, nil, err
	}
	return a, cr, nil
}

func (r *artefactRepoPG) IDsForRequest(ctx context.Context, requestID string) ([]string, error) {
	rows, err := r.conn(ctx).Query(ctx, `
		SELECT consent_id FROM consent_artefact
		WHERE consent_request_id = $1 ORDER BY created_at ASC`, requestID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (r *artefactRepoPG) ListForPatient(ctx context.Context, patientID string, status Status, limit, offset int) ([]*ConsentArtefact, int, error) {
	where := `WHERE patient_id = $1`
	args := []interface{}{patientID}
	if status != "" {
		where += ` AND status = $2`
		args = append(args, status)
	}

	var total int
	if err := r.conn(ctx).QueryRow(ctx,
		`SELECT COUNT(*) FROM consent_artefact `+where, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	args = append(args, limit, offset)
	rows, err := r.conn(ctx).Query(ctx, fmt.Sprintf(
		`SELECT %s FROM consent_artefact %s ORDER BY date_modified DESC LIMIT $%d OFFSET $%d`,
		artefactCols, where, len(args)-1, len(args)), args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	var items []*ConsentArtefact
	for rows.Next() {
		a, err := scanArtefact(rows)
		if err != nil {
			return nil, 0, err
		}
		items = append(items, a)
	}
	return items, total, rows.Err()
}

func (r *artefactRepoPG) ListExpiredGranted(ctx context.Context, asOf time.Time, limit int) ([]*ConsentArtefact, error) {
	rows, err := r.conn(ctx).Query(ctx, `
		SELECT `+artefactCols+` FROM consent_artefact
		WHERE status = $1 AND (artefact -> 'permission' ->> 'dataEraseAt')::timestamptz < $2
		ORDER BY created_at ASC LIMIT $3`,
		StatusGranted, asOf, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var items []*ConsentArtefact
	for rows.Next() {
		a, err := scanArtefact(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, a)
	}
	return items, rows.Err()
}

func (r *artefactRepoPG) UpsertNotification(ctx context.Context, consentID string, receiver Receiver, status NotificationStatus) error {
	_, err := r.conn(ctx).Exec(ctx, `
		INSERT INTO consent_notification (consent_id, receiver, status, updated_at)
		VALUES ($1, $2, $3, now())
		ON CONFLICT (consent_id, receiver) DO UPDATE SET status = $3, updated_at = now()`,
		consentID, receiver, status)
	return err
}

func (r *artefactRepoPG) GetNotification(ctx context.Context, consentID string, receiver Receiver) (NotificationStatus, error) {
	var status NotificationStatus
	err := r.conn(ctx).QueryRow(ctx, `
		SELECT status FROM consent_notification WHERE consent_id = $1 AND receiver = $2`,
		consentID, receiver).Scan(&status)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", fmt.Errorf("%w: notification for consent %s/%s", ErrNotFound, consentID, receiver)
	}
	return status, err
}
