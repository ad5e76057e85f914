package consent

import (
	"context"
	"time"
)

// RequestRepository persists consent requests. Status-changing methods take
// the expected prior status as part of the predicate and report rows
// affected, so a losing concurrent writer observes zero rows rather than
// clobbering a decision that landed first.
type RequestRepository interface {
	Insert(ctx context.Context, r *ConsentRequest) error
	Get(ctx context.Context, requestID string) (*ConsentRequest, error)

	// GetWithStatus is the optimistic-concurrency read: the expected status
	// and owning patient are part of the lookup, and a row in any other
	// state yields (nil, nil), never a stale row.
	GetWithStatus(ctx context.Context, requestID string, expected Status, patientID string) (*ConsentRequest, error)

	UpdateStatus(ctx context.Context, requestID string, from, to Status) (int64, error)
	ListOlderThan(ctx context.Context, status Status, cutoff time.Time, limit int) ([]*ConsentRequest, error)
	ListForPatient(ctx context.Context, patientID string, status Status, limit, offset int) ([]*ConsentRequest, int, error)
}

// ArtefactPair is the patient-facing artefact and its HIP-facing counterpart
// for one consent id. The two rows are created together or not at all.
type ArtefactPair struct {
	Artefact    ConsentArtefact
	HIPArtefact ConsentArtefact
}

// ArtefactRepository persists consent artefacts with atomic multi-row
// writes spanning the artefact tables and the parent request row.
type ArtefactRepository interface {
	// CreateArtefactsAndGrant inserts every pair and flips the parent
	// request from REQUESTED to GRANTED in a single transaction. A request
	// no longer REQUESTED aborts the whole unit with ErrConflict.
	CreateArtefactsAndGrant(ctx context.Context, pairs []ArtefactPair, requestID, patientID string) error

	// UpdateStatus flips the artefact pair and the parent request to the
	// given status in one transaction, guarded on the artefact still being
	// GRANTED. Returns the artefact rows affected: zero means a concurrent
	// transition already won.
	UpdateStatus(ctx context.Context, consentID, requestID string, to Status) (int64, error)

	Get(ctx context.Context, consentID string) (*ConsentArtefact, error)
	GetHIP(ctx context.Context, consentID string) (*ConsentArtefact, error)
	GetWithRequest(ctx context.Context, consentID string) (*ConsentArtefact, *ConsentRequest, error)
	IDsForRequest(ctx context.Context, requestID string) ([]string, error)
	ListForPatient(ctx context.Context, patientID string, status Status, limit, offset int) ([]*ConsentArtefact, int, error)
	ListExpiredGranted(ctx context.Context, asOf time.Time, limit int) ([]*ConsentArtefact, error)

	UpsertNotification(ctx context.Context, consentID string, receiver Receiver, status NotificationStatus) error
	GetNotification(ctx context.Context, consentID string, receiver Receiver) (NotificationStatus, error)
}
