package consent

import "context"

// CallbackError travels inside an asynchronous response instead of an HTTP
// status: the original caller is long gone by the time the result exists.
type CallbackError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// FetchResponse is the gateway-correlated answer to a consent fetch.
type FetchResponse struct {
	TransactionID string           `json:"transactionId"`
	Artefact      *ConsentArtefact `json:"consentArtefact,omitempty"`
	Error         *CallbackError   `json:"error,omitempty"`
}

// StatusResponse is the gateway-correlated answer to a request-status query.
type StatusResponse struct {
	TransactionID string         `json:"transactionId"`
	RequestID     string         `json:"consentRequestId"`
	Status        Status         `json:"status,omitempty"`
	Artefacts     []Ref          `json:"consentArtefacts,omitempty"`
	Error         *CallbackError `json:"error,omitempty"`
}

// GatewayResponder delivers asynchronous operation results back through the
// federation gateway. The manager's contract for fetch/status is "fire an
// outbound call", never "return a value".
type GatewayResponder interface {
	ConsentFetched(ctx context.Context, resp FetchResponse) error
	RequestStatus(ctx context.Context, resp StatusResponse) error
}

// Poster is the transport the responder rides on, satisfied by
// gateway.Client.
type Poster interface {
	PostPath(ctx context.Context, path string, payload any) error
}

type gatewayResponder struct{ poster Poster }

// NewGatewayResponder adapts a Poster into the GatewayResponder callbacks.
func NewGatewayResponder(p Poster) GatewayResponder {
	return &gatewayResponder{poster: p}
}

func (g *gatewayResponder) ConsentFetched(ctx context.Context, resp FetchResponse) error {
	return g.poster.PostPath(ctx, "/v1/consents/on-fetch", resp)
}

func (g *gatewayResponder) RequestStatus(ctx context.Context, resp StatusResponse) error {
	return g.poster.PostPath(ctx, "/v1/consent-requests/on-status", resp)
}
