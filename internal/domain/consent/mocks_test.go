package consent

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"
)

// In-memory repositories and collaborator fakes shared by the package tests.

type memRequests struct {
	mu    sync.Mutex
	items map[string]*ConsentRequest
}

func newMemRequests() *memRequests {
	return &memRequests{items: map[string]*ConsentRequest{}}
}

func (m *memRequests) Insert(_ context.Context, r *ConsentRequest) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.items[r.RequestID]; ok {
		return ErrAlreadyExists
	}
	cp := *r
	m.items[r.RequestID] = &cp
	return nil
}

func (m *memRequests) Get(_ context.Context, id string) (*ConsentRequest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.items[id]
	if !ok {
		return nil, fmt.Errorf("%w: consent request %s", ErrNotFound, id)
	}
	cp := *r
	return &cp, nil
}

func (m *memRequests) GetWithStatus(_ context.Context, id string, expected Status, patientID string) (*ConsentRequest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.items[id]
	if !ok || r.Status != expected || r.PatientID != patientID {
		return nil, nil
	}
	cp := *r
	return &cp, nil
}

func (m *memRequests) UpdateStatus(_ context.Context, id string, from, to Status) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.items[id]
	if !ok || r.Status != from {
		return 0, nil
	}
	r.Status = to
	r.LastUpdated = time.Now().UTC()
	return 1, nil
}

func (m *memRequests) ListOlderThan(_ context.Context, status Status, cutoff time.Time, limit int) ([]*ConsentRequest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*ConsentRequest
	for _, r := range m.items {
		if r.Status == status && r.CreatedAt.Before(cutoff) {
			cp := *r
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *memRequests) ListForPatient(_ context.Context, patientID string, status Status, limit, offset int) ([]*ConsentRequest, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var all []*ConsentRequest
	for _, r := range m.items {
		if r.PatientID != patientID {
			continue
		}
		if status != "" && r.Status != status {
			continue
		}
		cp := *r
		all = append(all, &cp)
	}
	sort.Slice(all, func(i, j int) bool { return all[i].RequestID < all[j].RequestID })
	total := len(all)
	if offset >= total {
		return nil, total, nil
	}
	end := offset + limit
	if end > total {
		end = total
	}
	return all[offset:end], total, nil
}

type memArtefacts struct {
	mu            sync.Mutex
	requests      *memRequests
	items         map[string]*ConsentArtefact
	hipItems      map[string]*ConsentArtefact
	notifications map[string]NotificationStatus

	failCreate error
}

func newMemArtefacts(requests *memRequests) *memArtefacts {
	return &memArtefacts{
		requests:      requests,
		items:         map[string]*ConsentArtefact{},
		hipItems:      map[string]*ConsentArtefact{},
		notifications: map[string]NotificationStatus{},
	}
}

func (m *memArtefacts) CreateArtefactsAndGrant(_ context.Context, pairs []ArtefactPair, requestID, patientID string) error {
	if m.failCreate != nil {
		return m.failCreate
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.requests.mu.Lock()
	defer m.requests.mu.Unlock()

	r, ok := m.requests.items[requestID]
	if !ok || r.Status != StatusRequested || r.PatientID != patientID {
		// Nothing written: the whole unit aborts together.
		return fmt.Errorf("%w: request %s not grantable", ErrConflict, requestID)
	}
	for _, p := range pairs {
		a := p.Artefact
		h := p.HIPArtefact
		m.items[a.ConsentID] = &a
		m.hipItems[h.ConsentID] = &h
	}
	r.Status = StatusGranted
	r.LastUpdated = time.Now().UTC()
	return nil
}

func (m *memArtefacts) UpdateStatus(_ context.Context, consentID, requestID string, to Status) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.items[consentID]
	if !ok || a.Status != StatusGranted {
		return 0, nil
	}
	a.Status = to
	a.DateModified = time.Now().UTC()
	if h, ok := m.hipItems[consentID]; ok {
		h.Status = to
		h.DateModified = a.DateModified
	}
	m.requests.mu.Lock()
	if r, ok := m.requests.items[requestID]; ok && r.Status == StatusGranted {
		r.Status = to
		r.LastUpdated = a.DateModified
	}
	m.requests.mu.Unlock()
	return 1, nil
}

func (m *memArtefacts) Get(_ context.Context, consentID string) (*ConsentArtefact, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.items[consentID]
	if !ok {
		return nil, fmt.Errorf("%w: consent artefact %s", ErrNotFound, consentID)
	}
	cp := *a
	return &cp, nil
}

func (m *memArtefacts) GetHIP(_ context.Context, consentID string) (*ConsentArtefact, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.hipItems[consentID]
	if !ok {
		return nil, fmt.Errorf("%w: hip consent artefact %s", ErrNotFound, consentID)
	}
	cp := *a
	return &cp, nil
}

func (m *memArtefacts) GetWithRequest(ctx context.Context, consentID string) (*ConsentArtefact, *ConsentRequest, error) {
	a, err := m.Get(ctx, consentID)
	if err != nil {
		return nil, nil, err
	}
	r, err := m.requests.Get(ctx, a.ConsentRequestID)
	if err != nil {
		return nil, nil, err
	}
	return a, r, nil
}

func (m *memArtefacts) IDsForRequest(_ context.Context, requestID string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var ids []string
	for id, a := range m.items {
		if a.ConsentRequestID == requestID {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids, nil
}

func (m *memArtefacts) ListForPatient(_ context.Context, patientID string, status Status, limit, offset int) ([]*ConsentArtefact, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var all []*ConsentArtefact
	for _, a := range m.items {
		if a.PatientID != patientID {
			continue
		}
		if status != "" && a.Status != status {
			continue
		}
		cp := *a
		all = append(all, &cp)
	}
	sort.Slice(all, func(i, j int) bool { return all[i].ConsentID < all[j].ConsentID })
	total := len(all)
	if offset >= total {
		return nil, total, nil
	}
	end := offset + limit
	if end > total {
		end = total
	}
	return all[offset:end], total, nil
}

func (m *memArtefacts) ListExpiredGranted(_ context.Context, asOf time.Time, limit int) ([]*ConsentArtefact, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*ConsentArtefact
	for _, a := range m.items {
		if a.Status == StatusGranted && a.Detail.Permission.DataEraseAt.Before(asOf) {
			cp := *a
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ConsentID < out[j].ConsentID })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *memArtefacts) UpsertNotification(_ context.Context, consentID string, receiver Receiver, status NotificationStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.notifications[consentID+"/"+string(receiver)] = status
	return nil
}

func (m *memArtefacts) GetNotification(_ context.Context, consentID string, receiver Receiver) (NotificationStatus, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.notifications[consentID+"/"+string(receiver)]
	if !ok {
		return "", fmt.Errorf("%w: notification for %s/%s", ErrNotFound, consentID, receiver)
	}
	return s, nil
}

type published struct {
	channel    string
	routingKey string
	payload    any
}

type fakePublisher struct {
	mu       sync.Mutex
	messages []published
	failOn   map[string]error
}

func newFakePublisher() *fakePublisher {
	return &fakePublisher{failOn: map[string]error{}}
}

func (p *fakePublisher) Publish(_ context.Context, channel string, payload any) error {
	if err := p.failOn[channel]; err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.messages = append(p.messages, published{channel: channel, payload: payload})
	return nil
}

func (p *fakePublisher) PublishTo(_ context.Context, channel, routingKey string, payload any) error {
	if err := p.failOn[channel]; err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.messages = append(p.messages, published{channel: channel, routingKey: routingKey, payload: payload})
	return nil
}

func (p *fakePublisher) onChannel(channel string) []published {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []published
	for _, m := range p.messages {
		if m.channel == channel {
			out = append(out, m)
		}
	}
	return out
}

type fakeProviders struct {
	known     map[string]bool
	callbacks map[string]string
}

func (f *fakeProviders) ProviderExists(_ context.Context, id string) (bool, error) {
	return f.known[id], nil
}

func (f *fakeProviders) CallbackURL(_ context.Context, id string) (string, error) {
	url, ok := f.callbacks[id]
	if !ok {
		return "", fmt.Errorf("provider %q has no callback url", id)
	}
	return url, nil
}

type fakeUsers struct {
	patients map[string]bool
	links    map[string][]string // "patient/hip" -> care context refs
}

func (f *fakeUsers) PatientExists(_ context.Context, id string) (bool, error) {
	return f.patients[id], nil
}

func (f *fakeUsers) LinkedCareContexts(_ context.Context, patientID, hipID string) ([]string, error) {
	return f.links[patientID+"/"+hipID], nil
}

type fakeSigner struct {
	failSign bool
}

func (f *fakeSigner) Sign(payload []byte) (string, error) {
	if f.failSign {
		return "", errors.New("signer unavailable")
	}
	return fmt.Sprintf("sig-%d", len(payload)), nil
}

func (f *fakeSigner) Verify(payload []byte, signature string) error {
	if signature != fmt.Sprintf("sig-%d", len(payload)) {
		return errors.New("signature mismatch")
	}
	return nil
}

type fakeGateway struct {
	mu       sync.Mutex
	fetches  []FetchResponse
	statuses []StatusResponse
}

func (f *fakeGateway) ConsentFetched(_ context.Context, resp FetchResponse) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fetches = append(f.fetches, resp)
	return nil
}

func (f *fakeGateway) RequestStatus(_ context.Context, resp StatusResponse) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.statuses = append(f.statuses, resp)
	return nil
}
