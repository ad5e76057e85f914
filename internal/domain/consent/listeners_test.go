package consent

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

type postedCall struct {
	url     string
	payload any
}

type fakePoster struct {
	mu    sync.Mutex
	calls []postedCall
	fail  error
}

func (f *fakePoster) Post(_ context.Context, url string, payload any) error {
	if f.fail != nil {
		return f.fail
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, postedCall{url: url, payload: payload})
	return nil
}

type recordedNotification struct {
	consentID string
	receiver  Receiver
	status    NotificationStatus
}

type fakeRecorder struct {
	mu      sync.Mutex
	records []recordedNotification
}

func (f *fakeRecorder) RecordNotification(_ context.Context, consentID string, receiver Receiver, status NotificationStatus) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.records = append(f.records, recordedNotification{consentID, receiver, status})
	return nil
}

type approveCall struct {
	requestID string
	patientID string
	grants    []GrantedConsent
}

type fakeApprover struct {
	mu    sync.Mutex
	calls []approveCall
	err   error
}

func (f *fakeApprover) Approve(_ context.Context, requestID, patientID string, grants []GrantedConsent) ([]ArtefactReference, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, approveCall{requestID, patientID, grants})
	if f.err != nil {
		return nil, f.err
	}
	return []ArtefactReference{{ID: "consent-1", Status: StatusGranted}}, nil
}

type fakePatientNotifier struct {
	mu    sync.Mutex
	asked []string
}

func (f *fakePatientNotifier) ConsentRequested(_ context.Context, requestID string, _ RequestedDetail) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.asked = append(f.asked, requestID)
	return nil
}

func mustJSON(t *testing.T, v any) []byte {
	t.Helper()
	b, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return b
}

func TestHIUNotificationHandler_Delivers(t *testing.T) {
	poster := &fakePoster{}
	recorder := &fakeRecorder{}
	handle := NewHIUNotificationHandler(poster, recorder, zerolog.Nop())

	msg := ArtefactsMessage{
		Status:           StatusGranted,
		Timestamp:        time.Now().UTC(),
		ConsentRequestID: "req-1",
		ConsentArtefacts: []ArtefactReference{{ID: "c-1", Status: StatusGranted}, {ID: "c-2", Status: StatusGranted}},
		HIUNotificationURL: "http://hiu.example/notify",
	}
	if err := handle(context.Background(), mustJSON(t, msg)); err != nil {
		t.Fatalf("handle: %v", err)
	}

	if len(poster.calls) != 1 {
		t.Fatalf("posts = %d, want 1", len(poster.calls))
	}
	if poster.calls[0].url != "http://hiu.example/notify" {
		t.Errorf("url = %s", poster.calls[0].url)
	}
	req := poster.calls[0].payload.(HIUNotificationRequest)
	if len(req.ConsentArtefacts) != 2 {
		t.Errorf("delivered refs = %d, want 2", len(req.ConsentArtefacts))
	}
	if len(recorder.records) != 2 {
		t.Fatalf("recorded deliveries = %d, want 2", len(recorder.records))
	}
	for _, r := range recorder.records {
		if r.receiver != ReceiverHIU || r.status != NotificationSent {
			t.Errorf("record = %+v, want HIU/SENT", r)
		}
	}
}

func TestHIUNotificationHandler_RejectsPoison(t *testing.T) {
	handle := NewHIUNotificationHandler(&fakePoster{}, &fakeRecorder{}, zerolog.Nop())

	if err := handle(context.Background(), []byte("{not json")); err == nil {
		t.Error("malformed body must be rejected")
	}
	msg := ArtefactsMessage{ConsentRequestID: "req-1"}
	if err := handle(context.Background(), mustJSON(t, msg)); err == nil {
		t.Error("missing callback url must be rejected")
	}
}

func TestHIUNotificationHandler_DeliveryFailure(t *testing.T) {
	poster := &fakePoster{fail: errors.New("connection refused")}
	recorder := &fakeRecorder{}
	handle := NewHIUNotificationHandler(poster, recorder, zerolog.Nop())

	msg := ArtefactsMessage{
		ConsentRequestID:   "req-1",
		HIUNotificationURL: "http://hiu.example/notify",
	}
	if err := handle(context.Background(), mustJSON(t, msg)); err == nil {
		t.Error("delivery failure must surface")
	}
	if len(recorder.records) != 0 {
		t.Error("nothing should be recorded for a failed delivery")
	}
}

func TestHIPNotificationHandler_ResolvesCallback(t *testing.T) {
	providers := &fakeProviders{
		known:     map[string]bool{"hip-1": true},
		callbacks: map[string]string{"hip-1": "http://hip-1.example/notify"},
	}
	poster := &fakePoster{}
	recorder := &fakeRecorder{}
	handle := NewHIPNotificationHandler(providers, poster, recorder, zerolog.Nop())

	msg := HIPNotificationMessage{
		Status:           StatusRevoked,
		ConsentRequestID: "req-1",
		HIPID:            "hip-1",
		ConsentArtefacts: []ArtefactReference{{ID: "c-1", Status: StatusRevoked}},
	}
	if err := handle(context.Background(), mustJSON(t, msg)); err != nil {
		t.Fatalf("handle: %v", err)
	}
	if len(poster.calls) != 1 || poster.calls[0].url != "http://hip-1.example/notify" {
		t.Fatalf("posts = %+v", poster.calls)
	}
	if len(recorder.records) != 1 || recorder.records[0].receiver != ReceiverHIP {
		t.Errorf("records = %+v", recorder.records)
	}
}

func TestHIPNotificationHandler_UnknownHIP(t *testing.T) {
	providers := &fakeProviders{known: map[string]bool{}, callbacks: map[string]string{}}
	handle := NewHIPNotificationHandler(providers, &fakePoster{}, &fakeRecorder{}, zerolog.Nop())

	msg := HIPNotificationMessage{ConsentRequestID: "req-1", HIPID: "hip-x"}
	if err := handle(context.Background(), mustJSON(t, msg)); err == nil {
		t.Error("unresolvable hip must be rejected")
	}
}

func TestRequestCreatedHandler_AutoApprovesTrustedHIU(t *testing.T) {
	users := &fakeUsers{links: map[string][]string{"patient-1/hip-1": {"cc-1", "cc-2"}}}
	approver := &fakeApprover{}
	patients := &fakePatientNotifier{}
	handle := NewRequestCreatedHandler([]string{"hiu-1"}, users, approver, patients, zerolog.Nop())

	msg := ConsentRequestMessage{RequestID: "req-1", Detail: validDetail("hip-1")}
	if err := handle(context.Background(), mustJSON(t, msg)); err != nil {
		t.Fatalf("handle: %v", err)
	}

	if len(approver.calls) != 1 {
		t.Fatalf("approve calls = %d, want 1", len(approver.calls))
	}
	call := approver.calls[0]
	if call.requestID != "req-1" || call.patientID != "patient-1" {
		t.Errorf("approve call = %+v", call)
	}
	if len(call.grants) != 1 || len(call.grants[0].CareContexts) != 2 {
		t.Errorf("grants = %+v, want one grant with both linked contexts", call.grants)
	}
	if len(patients.asked) != 0 {
		t.Error("patient should not be asked when auto-approved")
	}
}

func TestRequestCreatedHandler_FallsBackToPatient(t *testing.T) {
	users := &fakeUsers{links: map[string][]string{}}
	approver := &fakeApprover{}
	patients := &fakePatientNotifier{}
	handle := NewRequestCreatedHandler([]string{"hiu-1"}, users, approver, patients, zerolog.Nop())

	cases := map[string]ConsentRequestMessage{
		"untrusted hiu": func() ConsentRequestMessage {
			d := validDetail("hip-1")
			d.HIU.ID = "hiu-other"
			return ConsentRequestMessage{RequestID: "req-a", Detail: d}
		}(),
		"no hip named":  {RequestID: "req-b", Detail: validDetail("")},
		"no linked care context": {RequestID: "req-c", Detail: validDetail("hip-1")},
	}
	for name, msg := range cases {
		t.Run(name, func(t *testing.T) {
			if err := handle(context.Background(), mustJSON(t, msg)); err != nil {
				t.Fatalf("handle: %v", err)
			}
		})
	}
	if len(approver.calls) != 0 {
		t.Errorf("approve calls = %d, want 0", len(approver.calls))
	}
	if len(patients.asked) != 3 {
		t.Errorf("patient notifications = %d, want 3", len(patients.asked))
	}
}

func TestRequestCreatedHandler_ConflictIsAcked(t *testing.T) {
	users := &fakeUsers{links: map[string][]string{"patient-1/hip-1": {"cc-1"}}}
	approver := &fakeApprover{err: ErrConflict}
	handle := NewRequestCreatedHandler([]string{"hiu-1"}, users, approver, &fakePatientNotifier{}, zerolog.Nop())

	msg := ConsentRequestMessage{RequestID: "req-1", Detail: validDetail("hip-1")}
	if err := handle(context.Background(), mustJSON(t, msg)); err != nil {
		t.Errorf("a lost race must not reject the delivery: %v", err)
	}
}

func TestRequestCreatedHandler_RejectsPoison(t *testing.T) {
	handle := NewRequestCreatedHandler(nil, &fakeUsers{}, &fakeApprover{}, &fakePatientNotifier{}, zerolog.Nop())
	if err := handle(context.Background(), []byte("not json")); err == nil {
		t.Error("malformed body must be rejected")
	}
}
