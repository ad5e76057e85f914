package consent

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"
)

// Logical broker channel names. The routing table built at startup must have
// a destination for each of them.
const (
	ChannelRequestCreated = "consent-request-created"
	ChannelToHIU          = "consent-to-hiu"
	ChannelToHIP          = "consent-to-hip"
)

// Publisher is the broker surface the notifier needs. PublishTo is used for
// per-HIP destinations, routed under the HIP's id.
type Publisher interface {
	Publish(ctx context.Context, channel string, payload any) error
	PublishTo(ctx context.Context, channel, routingKey string, payload any) error
}

// ConsentRequestMessage announces a freshly persisted request.
type ConsentRequestMessage struct {
	RequestID string          `json:"requestId"`
	Detail    RequestedDetail `json:"detail"`
	Timestamp time.Time       `json:"timestamp"`
}

// ArtefactsMessage carries a lifecycle change to the HIU channel with the
// full artefact-reference list. An empty list announces closure without a
// grant (deny or request expiry).
type ArtefactsMessage struct {
	Status             Status              `json:"status"`
	Timestamp          time.Time           `json:"timestamp"`
	ConsentRequestID   string              `json:"consentRequestId"`
	ConsentArtefacts   []ArtefactReference `json:"consentArtefacts"`
	HIUNotificationURL string              `json:"hiuConsentNotificationUrl"`
}

// HIPNotificationMessage carries one HIP's share of a lifecycle change.
type HIPNotificationMessage struct {
	Status           Status              `json:"status"`
	Timestamp        time.Time           `json:"timestamp"`
	ConsentRequestID string              `json:"consentRequestId"`
	HIPID            string              `json:"hipId"`
	ConsentArtefacts []ArtefactReference `json:"consentArtefacts"`
}

// HIUNotificationRequest is the body the HIU listener posts to the HIU's
// registered callback URL.
type HIUNotificationRequest struct {
	Status           Status    `json:"status"`
	Timestamp        time.Time `json:"timestamp"`
	ConsentRequestID string    `json:"consentRequestId"`
	ConsentArtefacts []Ref     `json:"consentArtefacts"`
}

// Notifier fans consent lifecycle events out to the broker. Publishing is
// fire-and-forget relative to the store transaction: the commit has already
// happened by the time any of these run, and a failure here never rolls it
// back.
type Notifier struct {
	pub Publisher
	log zerolog.Logger
}

func NewNotifier(pub Publisher, log zerolog.Logger) *Notifier {
	return &Notifier{pub: pub, log: log.With().Str("component", "notifier").Logger()}
}

// RequestCreated broadcasts a newly persisted consent request.
func (n *Notifier) RequestCreated(ctx context.Context, cr *ConsentRequest) error {
	msg := ConsentRequestMessage{
		RequestID: cr.RequestID,
		Detail:    cr.Detail,
		Timestamp: time.Now().UTC(),
	}
	if err := n.pub.Publish(ctx, ChannelRequestCreated, msg); err != nil {
		return err
	}
	n.log.Info().Str("request_id", cr.RequestID).Msg("request-created event published")
	return nil
}

// StatusChanged publishes exactly one HIU message carrying every artefact
// reference, plus one message per distinct HIP referenced by the artefacts.
// All applicable channels are attempted even when one fails; the joined
// error is returned so a missing routing entry is loud, not lost.
func (n *Notifier) StatusChanged(ctx context.Context, requestID string, status Status, hiuURL string, artefacts []*ConsentArtefact) error {
	now := time.Now().UTC()

	refs := make([]ArtefactReference, 0, len(artefacts))
	byHIP := make(map[string][]ArtefactReference)
	var hipOrder []string
	for _, a := range artefacts {
		ref := ArtefactReference{ID: a.ConsentID, Status: status}
		refs = append(refs, ref)
		hipID := a.Detail.HIP.ID
		if _, seen := byHIP[hipID]; !seen {
			hipOrder = append(hipOrder, hipID)
		}
		byHIP[hipID] = append(byHIP[hipID], ref)
	}

	var errs []error
	hiuMsg := ArtefactsMessage{
		Status:             status,
		Timestamp:          now,
		ConsentRequestID:   requestID,
		ConsentArtefacts:   refs,
		HIUNotificationURL: hiuURL,
	}
	if err := n.pub.Publish(ctx, ChannelToHIU, hiuMsg); err != nil {
		errs = append(errs, err)
	}

	for _, hipID := range hipOrder {
		hipMsg := HIPNotificationMessage{
			Status:           status,
			Timestamp:        now,
			ConsentRequestID: requestID,
			HIPID:            hipID,
			ConsentArtefacts: byHIP[hipID],
		}
		if err := n.pub.PublishTo(ctx, ChannelToHIP, hipID, hipMsg); err != nil {
			errs = append(errs, err)
		}
	}

	if err := errors.Join(errs...); err != nil {
		return err
	}
	n.log.Info().Str("request_id", requestID).Str("status", string(status)).
		Int("artefacts", len(refs)).Int("hips", len(hipOrder)).Msg("status change fanned out")
	return nil
}
