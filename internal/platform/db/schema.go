package db

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Schema is the consent store DDL. Statuses are free-form text guarded by the
// application's expected-prior-state predicates rather than enum types, so a
// status can be added without a migration.
const Schema = `
CREATE TABLE IF NOT EXISTS consent_request (
	request_id    text PRIMARY KEY,
	patient_id    text NOT NULL,
	status        text NOT NULL,
	details       jsonb NOT NULL,
	created_at    timestamptz NOT NULL DEFAULT now(),
	last_updated  timestamptz NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS idx_consent_request_patient ON consent_request (patient_id);
CREATE INDEX IF NOT EXISTS idx_consent_request_status_created ON consent_request (status, created_at);

CREATE TABLE IF NOT EXISTS consent_artefact (
	consent_id          text PRIMARY KEY,
	consent_request_id  text NOT NULL REFERENCES consent_request (request_id),
	patient_id          text NOT NULL,
	artefact            jsonb NOT NULL,
	signature           text NOT NULL,
	status              text NOT NULL,
	created_at          timestamptz NOT NULL DEFAULT now(),
	date_modified       timestamptz NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS idx_consent_artefact_request ON consent_artefact (consent_request_id);
CREATE INDEX IF NOT EXISTS idx_consent_artefact_patient ON consent_artefact (patient_id, status);

CREATE TABLE IF NOT EXISTS hip_consent_artefact (
	consent_id          text PRIMARY KEY,
	consent_request_id  text NOT NULL REFERENCES consent_request (request_id),
	patient_id          text NOT NULL,
	artefact            jsonb NOT NULL,
	signature           text NOT NULL,
	status              text NOT NULL,
	created_at          timestamptz NOT NULL DEFAULT now(),
	date_modified       timestamptz NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS idx_hip_consent_artefact_request ON hip_consent_artefact (consent_request_id);

CREATE TABLE IF NOT EXISTS consent_notification (
	consent_id  text NOT NULL,
	receiver    text NOT NULL,
	status      text NOT NULL,
	updated_at  timestamptz NOT NULL DEFAULT now(),
	PRIMARY KEY (consent_id, receiver)
);
`

// EnsureSchema creates the consent tables when they do not exist yet.
func EnsureSchema(ctx context.Context, pool *pgxpool.Pool) error {
	if _, err := pool.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}
