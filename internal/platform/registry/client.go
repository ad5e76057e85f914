// Package registry holds HTTP clients for the external collaborators: the
// provider directory (HIP/HIU records and callback URLs) and the user
// service (patient existence, care-context linkage). Both are consulted with
// an explicit timeout so a slow directory cannot hang the request path.
package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// ErrNotFound reports a provider or patient unknown to the directory.
var ErrNotFound = errors.New("registry: not found")

type provider struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	CallbackURL string `json:"callbackUrl"`
	Active      bool   `json:"active"`
}

// ProviderClient looks up HIP/HIU records in the provider directory.
type ProviderClient struct {
	baseURL    string
	httpClient *http.Client
	timeout    time.Duration
}

// NewProviderClient creates a directory client with a per-call timeout.
func NewProviderClient(baseURL string, timeout time.Duration) *ProviderClient {
	return &ProviderClient{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: timeout},
		timeout:    timeout,
	}
}

func (c *ProviderClient) get(ctx context.Context, path string, out any) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("build registry request: %w", err)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("registry call %s: %w", path, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return ErrNotFound
	case resp.StatusCode != http.StatusOK:
		return fmt.Errorf("registry call %s: status %d", path, resp.StatusCode)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode registry response: %w", err)
	}
	return nil
}

// ProviderExists reports whether the directory knows an active provider id.
func (c *ProviderClient) ProviderExists(ctx context.Context, id string) (bool, error) {
	var p provider
	err := c.get(ctx, "/providers/"+url.PathEscape(id), &p)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return p.Active, nil
}

// CallbackURL resolves the registered callback URL for a provider id.
func (c *ProviderClient) CallbackURL(ctx context.Context, id string) (string, error) {
	var p provider
	if err := c.get(ctx, "/providers/"+url.PathEscape(id), &p); err != nil {
		return "", err
	}
	if p.CallbackURL == "" {
		return "", fmt.Errorf("provider %q has no callback url", id)
	}
	return p.CallbackURL, nil
}

// UserClient answers patient questions against the user service.
type UserClient struct {
	baseURL    string
	httpClient *http.Client
	timeout    time.Duration
}

// NewUserClient creates a user-service client with a per-call timeout.
func NewUserClient(baseURL string, timeout time.Duration) *UserClient {
	return &UserClient{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: timeout},
		timeout:    timeout,
	}
}

func (c *UserClient) get(ctx context.Context, path string, out any) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("build user service request: %w", err)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("user service call %s: %w", path, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return ErrNotFound
	case resp.StatusCode != http.StatusOK:
		return fmt.Errorf("user service call %s: status %d", path, resp.StatusCode)
	}
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("decode user service response: %w", err)
		}
	}
	return nil
}

// PatientExists reports whether the patient id is known to the user service.
func (c *UserClient) PatientExists(ctx context.Context, id string) (bool, error) {
	err := c.get(ctx, "/users/"+url.PathEscape(id), nil)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

type linkage struct {
	Linked       bool     `json:"linked"`
	CareContexts []string `json:"careContextReferences"`
}

// LinkedCareContexts returns the care-context references the patient has
// linked at the given HIP, the precondition for auto-approval. An unknown
// linkage is an empty list, not an error.
func (c *UserClient) LinkedCareContexts(ctx context.Context, patientID, hipID string) ([]string, error) {
	var l linkage
	err := c.get(ctx, "/users/"+url.PathEscape(patientID)+"/links/"+url.PathEscape(hipID), &l)
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if !l.Linked {
		return nil, nil
	}
	return l.CareContexts, nil
}
