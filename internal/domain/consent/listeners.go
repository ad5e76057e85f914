package consent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/rs/zerolog"
)

// WebhookPoster delivers a JSON payload to an absolute callback URL,
// satisfied by gateway.Client.
type WebhookPoster interface {
	Post(ctx context.Context, url string, payload any) error
}

// Approver is the slice of the manager the request-created listener needs.
type Approver interface {
	Approve(ctx context.Context, requestID, patientID string, grants []GrantedConsent) ([]ArtefactReference, error)
}

// NotificationRecorder records per-receiver delivery state after a callback
// lands.
type NotificationRecorder interface {
	RecordNotification(ctx context.Context, consentID string, receiver Receiver, status NotificationStatus) error
}

// LinkSource answers which care contexts a patient has linked at an HIP.
type LinkSource interface {
	LinkedCareContexts(ctx context.Context, patientID, hipID string) ([]string, error)
}

// PatientNotifier tells the patient a request is waiting for a decision.
type PatientNotifier interface {
	ConsentRequested(ctx context.Context, requestID string, detail RequestedDetail) error
}

// LogPatientNotifier is the PatientNotifier used when no patient-facing push
// channel is configured.
type LogPatientNotifier struct {
	Log zerolog.Logger
}

func (n LogPatientNotifier) ConsentRequested(_ context.Context, requestID string, detail RequestedDetail) error {
	n.Log.Info().Str("request_id", requestID).Str("patient_id", detail.Patient.ID).
		Msg("consent request awaiting patient decision")
	return nil
}

// A returned error from any of these handlers makes the listener reject the
// delivery without requeue; a malformed body must never cycle forever.

// NewHIUNotificationHandler consumes HIU-channel lifecycle messages and
// delivers them to the HIU's registered notification URL.
func NewHIUNotificationHandler(poster WebhookPoster, recorder NotificationRecorder, log zerolog.Logger) func(ctx context.Context, body []byte) error {
	log = log.With().Str("listener", "hiu-notification").Logger()
	return func(ctx context.Context, body []byte) error {
		var msg ArtefactsMessage
		if err := json.Unmarshal(body, &msg); err != nil {
			return fmt.Errorf("malformed hiu notification: %w", err)
		}
		if msg.HIUNotificationURL == "" {
			return errors.New("hiu notification without a callback url")
		}

		req := HIUNotificationRequest{
			Status:           msg.Status,
			Timestamp:        msg.Timestamp,
			ConsentRequestID: msg.ConsentRequestID,
			ConsentArtefacts: make([]Ref, 0, len(msg.ConsentArtefacts)),
		}
		for _, ref := range msg.ConsentArtefacts {
			req.ConsentArtefacts = append(req.ConsentArtefacts, Ref{ID: ref.ID})
		}

		if err := poster.Post(ctx, msg.HIUNotificationURL, req); err != nil {
			return fmt.Errorf("deliver to hiu: %w", err)
		}
		for _, ref := range msg.ConsentArtefacts {
			if err := recorder.RecordNotification(ctx, ref.ID, ReceiverHIU, NotificationSent); err != nil {
				log.Error().Err(err).Str("consent_id", ref.ID).Msg("record hiu delivery failed")
			}
		}
		log.Info().Str("request_id", msg.ConsentRequestID).Str("status", string(msg.Status)).
			Int("artefacts", len(msg.ConsentArtefacts)).Msg("hiu notified")
		return nil
	}
}

// NewHIPNotificationHandler consumes HIP-channel lifecycle messages, resolves
// the HIP's callback URL from the provider directory and delivers the share
// of artefacts addressed to it.
func NewHIPNotificationHandler(providers ProviderRegistry, poster WebhookPoster, recorder NotificationRecorder, log zerolog.Logger) func(ctx context.Context, body []byte) error {
	log = log.With().Str("listener", "hip-notification").Logger()
	return func(ctx context.Context, body []byte) error {
		var msg HIPNotificationMessage
		if err := json.Unmarshal(body, &msg); err != nil {
			return fmt.Errorf("malformed hip notification: %w", err)
		}
		if msg.HIPID == "" {
			return errors.New("hip notification without a hip id")
		}

		url, err := providers.CallbackURL(ctx, msg.HIPID)
		if err != nil {
			return fmt.Errorf("resolve hip %s callback: %w", msg.HIPID, err)
		}
		if err := poster.Post(ctx, url, msg); err != nil {
			return fmt.Errorf("deliver to hip %s: %w", msg.HIPID, err)
		}
		for _, ref := range msg.ConsentArtefacts {
			if err := recorder.RecordNotification(ctx, ref.ID, ReceiverHIP, NotificationSent); err != nil {
				log.Error().Err(err).Str("consent_id", ref.ID).Msg("record hip delivery failed")
			}
		}
		log.Info().Str("request_id", msg.ConsentRequestID).Str("hip_id", msg.HIPID).
			Int("artefacts", len(msg.ConsentArtefacts)).Msg("hip notified")
		return nil
	}
}

// NewRequestCreatedHandler consumes freshly announced requests. When the
// asking HIU is trusted, names an HIP, and the patient already has care
// contexts linked there, the request is approved without waiting for the
// patient; otherwise the patient is told a decision is pending.
func NewRequestCreatedHandler(trustedHIUs []string, links LinkSource, approver Approver, patients PatientNotifier, log zerolog.Logger) func(ctx context.Context, body []byte) error {
	log = log.With().Str("listener", "request-created").Logger()
	trusted := make(map[string]bool, len(trustedHIUs))
	for _, id := range trustedHIUs {
		trusted[id] = true
	}
	return func(ctx context.Context, body []byte) error {
		var msg ConsentRequestMessage
		if err := json.Unmarshal(body, &msg); err != nil {
			return fmt.Errorf("malformed request-created message: %w", err)
		}
		d := msg.Detail

		if !trusted[d.HIU.ID] || d.HIP == nil {
			return patients.ConsentRequested(ctx, msg.RequestID, d)
		}

		refs, err := links.LinkedCareContexts(ctx, d.Patient.ID, d.HIP.ID)
		if err != nil {
			return fmt.Errorf("care-context lookup: %w", err)
		}
		if len(refs) == 0 {
			return patients.ConsentRequested(ctx, msg.RequestID, d)
		}

		contexts := make([]CareContext, 0, len(refs))
		for _, ref := range refs {
			contexts = append(contexts, CareContext{
				PatientReference:     d.Patient.ID,
				CareContextReference: ref,
			})
		}
		grant := GrantedConsent{
			HIP:          *d.HIP,
			HITypes:      d.HITypes,
			Permission:   d.Permission,
			CareContexts: contexts,
		}

		_, err = approver.Approve(ctx, msg.RequestID, d.Patient.ID, []GrantedConsent{grant})
		switch {
		case errors.Is(err, ErrConflict):
			// The patient or a concurrent consumer decided first.
			log.Info().Str("request_id", msg.RequestID).Msg("request already decided, skipping auto-approval")
			return nil
		case err != nil:
			return fmt.Errorf("auto-approve %s: %w", msg.RequestID, err)
		}
		log.Info().Str("request_id", msg.RequestID).Str("hiu_id", d.HIU.ID).Msg("request auto-approved for trusted hiu")
		return nil
	}
}
