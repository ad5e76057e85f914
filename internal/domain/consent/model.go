package consent

import (
	"fmt"
	"time"
)

// Status is the lifecycle state of a consent request or artefact. A request
// moves one way out of REQUESTED; an artefact starts at GRANTED and moves one
// way to REVOKED or EXPIRED.
type Status string

const (
	StatusRequested Status = "REQUESTED"
	StatusGranted   Status = "GRANTED"
	StatusDenied    Status = "DENIED"
	StatusRevoked   Status = "REVOKED"
	StatusExpired   Status = "EXPIRED"
)

// Receiver identifies which party a delivery record belongs to.
type Receiver string

const (
	ReceiverHIU Receiver = "HIU"
	ReceiverHIP Receiver = "HIP"
)

// NotificationStatus tracks per-receiver delivery state.
type NotificationStatus string

const (
	NotificationSent         NotificationStatus = "SENT"
	NotificationAcknowledged NotificationStatus = "ACKNOWLEDGED"
)

// Ref points at a registered party (patient, HIU or HIP).
type Ref struct {
	ID string `json:"id"`
}

// Identifier carries the requester's professional identifier.
type Identifier struct {
	Type   string `json:"type"`
	Value  string `json:"value"`
	System string `json:"system,omitempty"`
}

// Requester identifies who asked for the consent on the HIU side.
type Requester struct {
	Name       string      `json:"name"`
	Identifier *Identifier `json:"identifier,omitempty"`
}

// Purpose is the coded reason data access is being requested.
type Purpose struct {
	Code string `json:"code"`
	Text string `json:"text,omitempty"`
}

// DateRange bounds the period of data the consent covers.
type DateRange struct {
	From time.Time `json:"from"`
	To   time.Time `json:"to"`
}

// Frequency limits how often data may be fetched under the consent.
type Frequency struct {
	Unit    string `json:"unit"`
	Value   int    `json:"value"`
	Repeats int    `json:"repeats"`
}

// Permission is the granted access window. DataEraseAt is when the HIU must
// erase fetched data; it also serves as the artefact expiry instant.
type Permission struct {
	AccessMode  string    `json:"accessMode"`
	DateRange   DateRange `json:"dateRange"`
	DataEraseAt time.Time `json:"dataEraseAt"`
	Frequency   Frequency `json:"frequency"`
}

// CareContext names one episode of care at an HIP.
type CareContext struct {
	PatientReference     string `json:"patientReference"`
	CareContextReference string `json:"careContextReference"`
}

// RequestedDetail is the HIU's ask, stored as the request's JSON payload.
// HIP is optional: an HIU may ask across all of a patient's providers.
type RequestedDetail struct {
	Patient                Ref        `json:"patient"`
	HIU                    Ref        `json:"hiu"`
	HIP                    *Ref       `json:"hip,omitempty"`
	Purpose                Purpose    `json:"purpose"`
	HITypes                []string   `json:"hiTypes"`
	Permission             Permission `json:"permission"`
	Requester              Requester  `json:"requester"`
	ConsentNotificationURL string     `json:"consentNotificationUrl"`
}

// ConsentRequest is a pending ask and its decision state.
type ConsentRequest struct {
	RequestID   string          `json:"requestId"`
	PatientID   string          `json:"patientId"`
	Status      Status          `json:"status"`
	Detail      RequestedDetail `json:"detail"`
	CreatedAt   time.Time       `json:"createdAt"`
	LastUpdated time.Time       `json:"lastUpdated"`
}

// GrantedConsent is one grant chosen by the patient while approving: the HIP
// it covers and the scope actually granted, which may be narrower than asked.
type GrantedConsent struct {
	HIP          Ref           `json:"hip"`
	HITypes      []string      `json:"hiTypes"`
	Permission   Permission    `json:"permission"`
	CareContexts []CareContext `json:"careContexts"`
}

// ArtefactDetail is the signed artefact payload.
type ArtefactDetail struct {
	ConsentID    string        `json:"consentId"`
	CreatedAt    time.Time     `json:"createdAt"`
	Purpose      Purpose       `json:"purpose"`
	Patient      Ref           `json:"patient"`
	HIU          Ref           `json:"hiu"`
	HIP          Ref           `json:"hip"`
	Requester    Requester     `json:"requester"`
	HITypes      []string      `json:"hiTypes"`
	Permission   Permission    `json:"permission"`
	CareContexts []CareContext `json:"careContexts"`
}

// ConsentArtefact is one granted permission record. The patient-facing and
// HIP-facing rows for a consent id share this shape and lifecycle.
type ConsentArtefact struct {
	ConsentID        string         `json:"consentId"`
	ConsentRequestID string         `json:"consentRequestId"`
	PatientID        string         `json:"patientId"`
	Detail           ArtefactDetail `json:"detail"`
	Signature        string         `json:"signature"`
	Status           Status         `json:"status"`
	CreatedAt        time.Time      `json:"createdAt"`
	DateModified     time.Time      `json:"dateModified"`
}

// ArtefactReference is the id+status pair carried in notifications.
type ArtefactReference struct {
	ID     string `json:"id"`
	Status Status `json:"status"`
}

// Vocabulary validates purpose codes and HI types. The authoritative
// vocabulary service is an external collaborator; StaticVocabulary carries
// the exchange's published code sets for standalone operation.
type Vocabulary interface {
	IsValidPurpose(code string) bool
	IsValidHIType(hiType string) bool
}

// StaticVocabulary is a fixed code-set Vocabulary.
type StaticVocabulary struct {
	purposes map[string]bool
	hiTypes  map[string]bool
}

// DefaultVocabulary returns the exchange's published purpose and HI-type
// code sets.
func DefaultVocabulary() *StaticVocabulary {
	v := &StaticVocabulary{purposes: map[string]bool{}, hiTypes: map[string]bool{}}
	for _, p := range []string{"CAREMGT", "BTG", "PUBHLTH", "HPAYMT", "DSRCH", "PATRQT"} {
		v.purposes[p] = true
	}
	for _, h := range []string{
		"OPConsultation", "Prescription", "DischargeSummary",
		"DiagnosticReport", "ImmunizationRecord", "HealthDocumentRecord", "WellnessRecord",
	} {
		v.hiTypes[h] = true
	}
	return v
}

func (v *StaticVocabulary) IsValidPurpose(code string) bool { return v.purposes[code] }
func (v *StaticVocabulary) IsValidHIType(h string) bool     { return v.hiTypes[h] }

// Validate checks the mandatory fields of an ask before any external lookup.
func (d *RequestedDetail) Validate(vocab Vocabulary) error {
	if d.Patient.ID == "" {
		return fmt.Errorf("%w: patient id is required", ErrValidation)
	}
	if d.HIU.ID == "" {
		return fmt.Errorf("%w: hiu id is required", ErrValidation)
	}
	if d.HIP != nil && d.HIP.ID == "" {
		return fmt.Errorf("%w: hip reference present but empty", ErrValidation)
	}
	if !vocab.IsValidPurpose(d.Purpose.Code) {
		return fmt.Errorf("%w: unknown purpose code %q", ErrValidation, d.Purpose.Code)
	}
	if len(d.HITypes) == 0 {
		return fmt.Errorf("%w: at least one hi type is required", ErrValidation)
	}
	for _, h := range d.HITypes {
		if !vocab.IsValidHIType(h) {
			return fmt.Errorf("%w: unknown hi type %q", ErrValidation, h)
		}
	}
	if d.Permission.DateRange.To.Before(d.Permission.DateRange.From) {
		return fmt.Errorf("%w: permission date range ends before it starts", ErrValidation)
	}
	if d.ConsentNotificationURL == "" {
		return fmt.Errorf("%w: consent notification url is required", ErrValidation)
	}
	return nil
}

// Validate checks one granted consent within an approval.
func (g *GrantedConsent) Validate(vocab Vocabulary) error {
	if g.HIP.ID == "" {
		return fmt.Errorf("%w: granted consent is missing hip id", ErrValidation)
	}
	if len(g.HITypes) == 0 {
		return fmt.Errorf("%w: granted consent has no hi types", ErrValidation)
	}
	for _, h := range g.HITypes {
		if !vocab.IsValidHIType(h) {
			return fmt.Errorf("%w: unknown hi type %q", ErrValidation, h)
		}
	}
	if len(g.CareContexts) == 0 {
		return fmt.Errorf("%w: granted consent has no care contexts", ErrValidation)
	}
	return nil
}
