package consent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// ProviderRegistry answers existence and callback-address questions about
// registered HIUs and HIPs.
type ProviderRegistry interface {
	ProviderExists(ctx context.Context, id string) (bool, error)
	CallbackURL(ctx context.Context, id string) (string, error)
}

// UserRegistry answers questions about patients known to the exchange.
type UserRegistry interface {
	PatientExists(ctx context.Context, id string) (bool, error)
}

// ArtefactSigner produces and checks detached signatures over artefact
// payloads.
type ArtefactSigner interface {
	Sign(payload []byte) (string, error)
	Verify(payload []byte, signature string) error
}

// ServiceConfig carries the manager's tunables.
type ServiceConfig struct {
	DefaultPageSize int
	MaxPageSize     int
	// LookupTimeout bounds each registry round trip made while validating
	// an ask.
	LookupTimeout time.Duration
}

func (c ServiceConfig) withDefaults() ServiceConfig {
	if c.DefaultPageSize <= 0 {
		c.DefaultPageSize = 20
	}
	if c.MaxPageSize <= 0 {
		c.MaxPageSize = 100
	}
	if c.LookupTimeout <= 0 {
		c.LookupTimeout = 5 * time.Second
	}
	return c
}

// Service is the consent manager: it owns the request and artefact
// lifecycles, the atomic grant write, and the fan-out on every state change.
type Service struct {
	requests  RequestRepository
	artefacts ArtefactRepository
	notifier  *Notifier
	providers ProviderRegistry
	users     UserRegistry
	vocab     Vocabulary
	signer    ArtefactSigner
	gateway   GatewayResponder
	cfg       ServiceConfig
	log       zerolog.Logger
	now       func() time.Time
}

func NewService(
	requests RequestRepository,
	artefacts ArtefactRepository,
	notifier *Notifier,
	providers ProviderRegistry,
	users UserRegistry,
	vocab Vocabulary,
	signer ArtefactSigner,
	gateway GatewayResponder,
	cfg ServiceConfig,
	log zerolog.Logger,
) *Service {
	return &Service{
		requests:  requests,
		artefacts: artefacts,
		notifier:  notifier,
		providers: providers,
		users:     users,
		vocab:     vocab,
		signer:    signer,
		gateway:   gateway,
		cfg:       cfg.withDefaults(),
		log:       log.With().Str("component", "consent-service").Logger(),
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// Ask validates and persists a new consent request, then announces it on the
// broker. The returned id is the request's identity everywhere downstream.
func (s *Service) Ask(ctx context.Context, detail RequestedDetail) (string, error) {
	if err := detail.Validate(s.vocab); err != nil {
		return "", err
	}

	lctx, cancel := context.WithTimeout(ctx, s.cfg.LookupTimeout)
	defer cancel()

	ok, err := s.users.PatientExists(lctx, detail.Patient.ID)
	if err != nil {
		return "", fmt.Errorf("patient lookup: %w", err)
	}
	if !ok {
		return "", fmt.Errorf("%w: unknown patient %q", ErrValidation, detail.Patient.ID)
	}

	ok, err = s.providers.ProviderExists(lctx, detail.HIU.ID)
	if err != nil {
		return "", fmt.Errorf("hiu lookup: %w", err)
	}
	if !ok {
		return "", fmt.Errorf("%w: unknown hiu %q", ErrValidation, detail.HIU.ID)
	}

	// An ask without a named HIP spans all of the patient's providers, so
	// the reference is only checked when present.
	if detail.HIP != nil {
		ok, err = s.providers.ProviderExists(lctx, detail.HIP.ID)
		if err != nil {
			return "", fmt.Errorf("hip lookup: %w", err)
		}
		if !ok {
			return "", fmt.Errorf("%w: unknown hip %q", ErrValidation, detail.HIP.ID)
		}
	}

	now := s.now()
	cr := &ConsentRequest{
		RequestID:   uuid.New().String(),
		PatientID:   detail.Patient.ID,
		Status:      StatusRequested,
		Detail:      detail,
		CreatedAt:   now,
		LastUpdated: now,
	}
	if err := s.requests.Insert(ctx, cr); err != nil {
		return "", err
	}

	if err := s.notifier.RequestCreated(ctx, cr); err != nil {
		// The row is committed; the caller still gets the id plus the
		// publish failure so it can decide whether to retry the announce.
		s.log.Error().Err(err).Str("request_id", cr.RequestID).Msg("request persisted but announce failed")
		return cr.RequestID, err
	}

	s.log.Info().Str("request_id", cr.RequestID).Str("patient_id", cr.PatientID).Msg("consent request created")
	return cr.RequestID, nil
}

// Approve turns a REQUESTED consent request into signed artefacts, one pair
// per grant, atomically with the request's flip to GRANTED, then fans the
// grant out. Only the owning patient may approve.
func (s *Service) Approve(ctx context.Context, requestID, patientID string, grants []GrantedConsent) ([]ArtefactReference, error) {
	if len(grants) == 0 {
		return nil, fmt.Errorf("%w: approval needs at least one granted consent", ErrValidation)
	}
	for i := range grants {
		if err := grants[i].Validate(s.vocab); err != nil {
			return nil, err
		}
	}

	cr, err := s.requests.GetWithStatus(ctx, requestID, StatusRequested, patientID)
	if err != nil {
		return nil, err
	}
	if cr == nil {
		// Re-read without the predicate to tell the caller which
		// precondition failed.
		existing, err := s.requests.Get(ctx, requestID)
		if err != nil {
			return nil, err
		}
		if existing.PatientID != patientID {
			return nil, fmt.Errorf("%w: request %s does not belong to patient", ErrForbidden, requestID)
		}
		return nil, fmt.Errorf("%w: request %s is %s", ErrConflict, requestID, existing.Status)
	}

	now := s.now()
	pairs := make([]ArtefactPair, 0, len(grants))
	artefacts := make([]*ConsentArtefact, 0, len(grants))
	for _, g := range grants {
		detail := ArtefactDetail{
			ConsentID:    uuid.New().String(),
			CreatedAt:    now,
			Purpose:      cr.Detail.Purpose,
			Patient:      cr.Detail.Patient,
			HIU:          cr.Detail.HIU,
			HIP:          g.HIP,
			Requester:    cr.Detail.Requester,
			HITypes:      g.HITypes,
			Permission:   g.Permission,
			CareContexts: g.CareContexts,
		}
		payload, err := json.Marshal(detail)
		if err != nil {
			return nil, fmt.Errorf("marshal artefact %s: %w", detail.ConsentID, err)
		}
		sig, err := s.signer.Sign(payload)
		if err != nil {
			return nil, fmt.Errorf("sign artefact %s: %w", detail.ConsentID, err)
		}
		a := ConsentArtefact{
			ConsentID:        detail.ConsentID,
			ConsentRequestID: requestID,
			PatientID:        patientID,
			Detail:           detail,
			Signature:        sig,
			Status:           StatusGranted,
			CreatedAt:        now,
			DateModified:     now,
		}
		pairs = append(pairs, ArtefactPair{Artefact: a, HIPArtefact: a})
		copyA := a
		artefacts = append(artefacts, &copyA)
	}

	if err := s.artefacts.CreateArtefactsAndGrant(ctx, pairs, requestID, patientID); err != nil {
		return nil, err
	}

	refs := make([]ArtefactReference, 0, len(artefacts))
	for _, a := range artefacts {
		refs = append(refs, ArtefactReference{ID: a.ConsentID, Status: StatusGranted})
	}

	if err := s.notifier.StatusChanged(ctx, requestID, StatusGranted, cr.Detail.ConsentNotificationURL, artefacts); err != nil {
		s.log.Error().Err(err).Str("request_id", requestID).Msg("grant committed but fan-out failed")
		return refs, err
	}

	s.log.Info().Str("request_id", requestID).Int("artefacts", len(refs)).Msg("consent request granted")
	return refs, nil
}

// Deny closes a REQUESTED consent request without a grant. The HIU is told
// via an empty artefact list.
func (s *Service) Deny(ctx context.Context, requestID, patientID string) error {
	cr, err := s.requests.Get(ctx, requestID)
	if err != nil {
		return err
	}
	if cr.PatientID != patientID {
		return fmt.Errorf("%w: request %s does not belong to patient", ErrForbidden, requestID)
	}

	affected, err := s.requests.UpdateStatus(ctx, requestID, StatusRequested, StatusDenied)
	if err != nil {
		return err
	}
	if affected == 0 {
		return fmt.Errorf("%w: request %s already decided", ErrConflict, requestID)
	}

	if err := s.notifier.StatusChanged(ctx, requestID, StatusDenied, cr.Detail.ConsentNotificationURL, nil); err != nil {
		s.log.Error().Err(err).Str("request_id", requestID).Msg("deny committed but fan-out failed")
		return err
	}

	s.log.Info().Str("request_id", requestID).Msg("consent request denied")
	return nil
}

// RevokeResult reports the outcome of one consent id inside a revoke batch.
type RevokeResult struct {
	ConsentID string `json:"consentId"`
	Status    Status `json:"status,omitempty"`
	Error     string `json:"error,omitempty"`
}

// Revoke withdraws each listed consent independently: one id failing leaves
// the rest untouched. The PIN token is checked by the transport layer before
// this runs. The error joins the per-id failures, if any.
func (s *Service) Revoke(ctx context.Context, consentIDs []string, patientID string) ([]RevokeResult, error) {
	if len(consentIDs) == 0 {
		return nil, fmt.Errorf("%w: no consent ids to revoke", ErrValidation)
	}

	results := make([]RevokeResult, 0, len(consentIDs))
	var errs []error
	for _, id := range consentIDs {
		if err := s.revokeOne(ctx, id, patientID); err != nil {
			results = append(results, RevokeResult{ConsentID: id, Error: err.Error()})
			errs = append(errs, fmt.Errorf("revoke %s: %w", id, err))
			continue
		}
		results = append(results, RevokeResult{ConsentID: id, Status: StatusRevoked})
	}
	return results, errors.Join(errs...)
}

func (s *Service) revokeOne(ctx context.Context, consentID, patientID string) error {
	a, cr, err := s.artefacts.GetWithRequest(ctx, consentID)
	if err != nil {
		return err
	}
	if a.PatientID != patientID {
		return fmt.Errorf("%w: consent %s does not belong to patient", ErrForbidden, consentID)
	}
	if a.Status != StatusGranted {
		return fmt.Errorf("%w: consent %s is %s", ErrConflict, consentID, a.Status)
	}

	affected, err := s.artefacts.UpdateStatus(ctx, consentID, a.ConsentRequestID, StatusRevoked)
	if err != nil {
		return err
	}
	if affected == 0 {
		// A concurrent revoke or expiry got there first. The transition
		// already happened, so there is nothing further to notify.
		return fmt.Errorf("%w: consent %s already transitioned", ErrConflict, consentID)
	}

	revoked := *a
	revoked.Status = StatusRevoked
	if err := s.notifier.StatusChanged(ctx, a.ConsentRequestID, StatusRevoked, cr.Detail.ConsentNotificationURL, []*ConsentArtefact{&revoked}); err != nil {
		s.log.Error().Err(err).Str("consent_id", consentID).Msg("revoke committed but fan-out failed")
		return err
	}

	s.log.Info().Str("consent_id", consentID).Msg("consent revoked")
	return nil
}

// Fetch answers a gateway-correlated artefact fetch. The result, success or
// failure, travels out through the gateway callback; the returned error only
// reports callback delivery trouble.
func (s *Service) Fetch(ctx context.Context, consentID, requesterID, transactionID string) error {
	a, err := s.artefacts.Get(ctx, consentID)
	switch {
	case errors.Is(err, ErrNotFound):
		return s.gateway.ConsentFetched(ctx, FetchResponse{
			TransactionID: transactionID,
			Error:         &CallbackError{Code: "consent_artefact_not_found", Message: "no consent artefact with id " + consentID},
		})
	case err != nil:
		return s.gateway.ConsentFetched(ctx, FetchResponse{
			TransactionID: transactionID,
			Error:         &CallbackError{Code: "internal_error", Message: "consent artefact lookup failed"},
		})
	}

	// Only the artefact's HIU or its patient may read it through the
	// gateway; the HIP receives its copy over the notification channel.
	if requesterID != a.PatientID && requesterID != a.Detail.HIU.ID {
		return s.gateway.ConsentFetched(ctx, FetchResponse{
			TransactionID: transactionID,
			Error:         &CallbackError{Code: "access_denied", Message: "requester is not a party to this consent"},
		})
	}

	return s.gateway.ConsentFetched(ctx, FetchResponse{TransactionID: transactionID, Artefact: a})
}

// Status answers a gateway-correlated request-status query through the
// gateway callback, attaching artefact references once the request is
// granted.
func (s *Service) Status(ctx context.Context, requestID, transactionID string) error {
	cr, err := s.requests.Get(ctx, requestID)
	switch {
	case errors.Is(err, ErrNotFound):
		return s.gateway.RequestStatus(ctx, StatusResponse{
			TransactionID: transactionID,
			RequestID:     requestID,
			Error:         &CallbackError{Code: "consent_request_not_found", Message: "no consent request with id " + requestID},
		})
	case err != nil:
		return s.gateway.RequestStatus(ctx, StatusResponse{
			TransactionID: transactionID,
			RequestID:     requestID,
			Error:         &CallbackError{Code: "internal_error", Message: "consent request lookup failed"},
		})
	}

	resp := StatusResponse{TransactionID: transactionID, RequestID: requestID, Status: cr.Status}
	if cr.Status == StatusGranted {
		ids, err := s.artefacts.IDsForRequest(ctx, requestID)
		if err != nil {
			return s.gateway.RequestStatus(ctx, StatusResponse{
				TransactionID: transactionID,
				RequestID:     requestID,
				Error:         &CallbackError{Code: "internal_error", Message: "consent artefact lookup failed"},
			})
		}
		for _, id := range ids {
			resp.Artefacts = append(resp.Artefacts, Ref{ID: id})
		}
	}
	return s.gateway.RequestStatus(ctx, resp)
}

// ArtefactPage is one page of a patient's artefacts.
type ArtefactPage struct {
	Artefacts []*ConsentArtefact `json:"consentArtefacts"`
	Total     int                `json:"total"`
	Limit     int                `json:"limit"`
	Offset    int                `json:"offset"`
}

// ListArtefacts pages through a patient's artefacts, optionally filtered by
// status.
func (s *Service) ListArtefacts(ctx context.Context, patientID string, status Status, limit, offset int) (*ArtefactPage, error) {
	if limit <= 0 {
		limit = s.cfg.DefaultPageSize
	}
	if limit > s.cfg.MaxPageSize {
		limit = s.cfg.MaxPageSize
	}
	if offset < 0 {
		offset = 0
	}

	items, total, err := s.artefacts.ListForPatient(ctx, patientID, status, limit, offset)
	if err != nil {
		return nil, err
	}
	return &ArtefactPage{Artefacts: items, Total: total, Limit: limit, Offset: offset}, nil
}

// ArtefactsForRequest returns all artefacts created under one consent
// request.
func (s *Service) ArtefactsForRequest(ctx context.Context, requestID string) ([]*ConsentArtefact, error) {
	if _, err := s.requests.Get(ctx, requestID); err != nil {
		return nil, err
	}
	ids, err := s.artefacts.IDsForRequest(ctx, requestID)
	if err != nil {
		return nil, err
	}
	out := make([]*ConsentArtefact, 0, len(ids))
	for _, id := range ids {
		a, err := s.artefacts.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, nil
}

// RequestPage is one page of a patient's consent requests.
type RequestPage struct {
	Requests []*ConsentRequest `json:"consentRequests"`
	Total    int               `json:"total"`
	Limit    int               `json:"limit"`
	Offset   int               `json:"offset"`
}

// ListRequests pages through a patient's consent requests, optionally
// filtered by status.
func (s *Service) ListRequests(ctx context.Context, patientID string, status Status, limit, offset int) (*RequestPage, error) {
	if limit <= 0 {
		limit = s.cfg.DefaultPageSize
	}
	if limit > s.cfg.MaxPageSize {
		limit = s.cfg.MaxPageSize
	}
	if offset < 0 {
		offset = 0
	}

	items, total, err := s.requests.ListForPatient(ctx, patientID, status, limit, offset)
	if err != nil {
		return nil, err
	}
	return &RequestPage{Requests: items, Total: total, Limit: limit, Offset: offset}, nil
}

// GetRequest returns a consent request by id.
func (s *Service) GetRequest(ctx context.Context, requestID string) (*ConsentRequest, error) {
	return s.requests.Get(ctx, requestID)
}

// GetArtefact returns the patient-facing artefact by consent id.
func (s *Service) GetArtefact(ctx context.Context, consentID string) (*ConsentArtefact, error) {
	return s.artefacts.Get(ctx, consentID)
}

// GetHIPArtefact returns the HIP-facing artefact by consent id.
func (s *Service) GetHIPArtefact(ctx context.Context, consentID string) (*ConsentArtefact, error) {
	return s.artefacts.GetHIP(ctx, consentID)
}

// VerifyArtefact recomputes the artefact's payload and checks its detached
// signature.
func (s *Service) VerifyArtefact(ctx context.Context, consentID string) error {
	a, err := s.artefacts.Get(ctx, consentID)
	if err != nil {
		return err
	}
	payload, err := json.Marshal(a.Detail)
	if err != nil {
		return err
	}
	return s.signer.Verify(payload, a.Signature)
}

// RecordNotification records a delivery acknowledgement for one receiver of
// a consent's notifications.
func (s *Service) RecordNotification(ctx context.Context, consentID string, receiver Receiver, status NotificationStatus) error {
	if receiver != ReceiverHIU && receiver != ReceiverHIP {
		return fmt.Errorf("%w: unknown receiver %q", ErrValidation, receiver)
	}
	if status != NotificationSent && status != NotificationAcknowledged {
		return fmt.Errorf("%w: unknown notification status %q", ErrValidation, status)
	}
	if _, err := s.artefacts.Get(ctx, consentID); err != nil {
		return err
	}
	return s.artefacts.UpsertNotification(ctx, consentID, receiver, status)
}
