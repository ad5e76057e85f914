package consent

import (
	"context"
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/hdex/consent/pkg/pagination"
)

// Header names used by the consent API. The patient identity arrives from
// the edge proxy after authentication; the PIN token is minted by the user
// service after a successful transaction-PIN entry.
const (
	HeaderPatientID = "X-Patient-ID"
	HeaderPinToken  = "X-Pin-Token"
)

// TokenVerifier validates a PIN token for a patient, satisfied by
// PinVerifier.
type TokenVerifier interface {
	Verify(token, patientID string) error
}

// Handler exposes the consent manager over HTTP.
type Handler struct {
	svc *Service
	pin TokenVerifier
}

func NewHandler(svc *Service, pin TokenVerifier) *Handler {
	return &Handler{svc: svc, pin: pin}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	api.POST("/consent-requests", h.CreateRequest)
	api.GET("/consent-requests", h.ListRequests)
	api.GET("/consent-requests/:id", h.GetRequest)
	api.POST("/consent-requests/:id/approve", h.ApproveRequest)
	api.POST("/consent-requests/:id/deny", h.DenyRequest)
	api.GET("/consent-requests/:id/consent-artefacts", h.ArtefactsForRequest)
	api.POST("/consent-requests/status", h.RequestStatus)

	api.POST("/consents/revoke", h.Revoke)
	api.POST("/consents/fetch", h.Fetch)
	api.GET("/consent-artefacts", h.ListArtefacts)
	api.GET("/consent-artefacts/:id", h.GetArtefact)
	api.GET("/consent-artefacts/:id/hip", h.GetHIPArtefact)
	api.GET("/consent-artefacts/:id/verify", h.VerifyArtefact)

	api.POST("/consents/hiu/on-notify", h.HIUOnNotify)
	api.POST("/consents/hip/on-notify", h.HIPOnNotify)
}

// httpError maps the domain error taxonomy onto HTTP statuses.
func httpError(err error) error {
	switch {
	case errors.Is(err, ErrValidation):
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	case errors.Is(err, ErrPinToken):
		return echo.NewHTTPError(http.StatusUnauthorized, err.Error())
	case errors.Is(err, ErrForbidden):
		return echo.NewHTTPError(http.StatusForbidden, err.Error())
	case errors.Is(err, ErrNotFound):
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	case errors.Is(err, ErrConflict), errors.Is(err, ErrAlreadyExists):
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	default:
		return echo.NewHTTPError(http.StatusInternalServerError, "internal error")
	}
}

func patientID(c echo.Context) (string, error) {
	id := c.Request().Header.Get(HeaderPatientID)
	if id == "" {
		return "", echo.NewHTTPError(http.StatusBadRequest, "missing "+HeaderPatientID+" header")
	}
	return id, nil
}

func (h *Handler) CreateRequest(c echo.Context) error {
	var body struct {
		Consent RequestedDetail `json:"consent"`
	}
	if err := c.Bind(&body); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	id, err := h.svc.Ask(c.Request().Context(), body.Consent)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusCreated, map[string]string{"consentRequestId": id})
}

func (h *Handler) ListRequests(c echo.Context) error {
	pid, err := patientID(c)
	if err != nil {
		return err
	}
	pg := pagination.FromContext(c)
	page, err := h.svc.ListRequests(c.Request().Context(), pid, Status(c.QueryParam("status")), pg.Limit, pg.Offset)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(page.Requests, page.Total, page.Limit, page.Offset))
}

func (h *Handler) GetRequest(c echo.Context) error {
	cr, err := h.svc.GetRequest(c.Request().Context(), c.Param("id"))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, cr)
}

func (h *Handler) ApproveRequest(c echo.Context) error {
	pid, err := patientID(c)
	if err != nil {
		return err
	}
	var body struct {
		Consents []GrantedConsent `json:"consents"`
	}
	if err := c.Bind(&body); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	refs, err := h.svc.Approve(c.Request().Context(), c.Param("id"), pid, body.Consents)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, map[string]any{"consents": refs})
}

func (h *Handler) DenyRequest(c echo.Context) error {
	pid, err := patientID(c)
	if err != nil {
		return err
	}
	if err := h.svc.Deny(c.Request().Context(), c.Param("id"), pid); err != nil {
		return httpError(err)
	}
	return c.NoContent(http.StatusNoContent)
}

// Revoke requires a fresh PIN token; the token is checked before any store
// access so a failed check leaves no trace of the attempt in consent state.
func (h *Handler) Revoke(c echo.Context) error {
	pid, err := patientID(c)
	if err != nil {
		return err
	}
	token := c.Request().Header.Get(HeaderPinToken)
	if token == "" {
		return echo.NewHTTPError(http.StatusUnauthorized, "missing "+HeaderPinToken+" header")
	}
	if err := h.pin.Verify(token, pid); err != nil {
		return httpError(err)
	}

	var body struct {
		Consents []string `json:"consents"`
	}
	if err := c.Bind(&body); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	results, err := h.svc.Revoke(c.Request().Context(), body.Consents, pid)
	if err != nil && results == nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, map[string]any{"results": results})
}

// Fetch accepts a gateway-correlated fetch and answers through the gateway
// callback; the HTTP response only acknowledges acceptance.
func (h *Handler) Fetch(c echo.Context) error {
	var body struct {
		TransactionID string `json:"transactionId"`
		ConsentID     string `json:"consentId"`
		RequesterID   string `json:"requesterId"`
	}
	if err := c.Bind(&body); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if body.TransactionID == "" || body.ConsentID == "" || body.RequesterID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "transactionId, consentId and requesterId are required")
	}
	if err := h.svc.Fetch(c.Request().Context(), body.ConsentID, body.RequesterID, body.TransactionID); err != nil {
		return httpError(err)
	}
	return c.NoContent(http.StatusAccepted)
}

// RequestStatus accepts a gateway-correlated status query, answered through
// the gateway callback.
func (h *Handler) RequestStatus(c echo.Context) error {
	var body struct {
		TransactionID string `json:"transactionId"`
		RequestID     string `json:"consentRequestId"`
	}
	if err := c.Bind(&body); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if body.TransactionID == "" || body.RequestID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "transactionId and consentRequestId are required")
	}
	if err := h.svc.Status(c.Request().Context(), body.RequestID, body.TransactionID); err != nil {
		return httpError(err)
	}
	return c.NoContent(http.StatusAccepted)
}

func (h *Handler) ListArtefacts(c echo.Context) error {
	pid, err := patientID(c)
	if err != nil {
		return err
	}
	pg := pagination.FromContext(c)
	page, err := h.svc.ListArtefacts(c.Request().Context(), pid, Status(c.QueryParam("status")), pg.Limit, pg.Offset)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(page.Artefacts, page.Total, page.Limit, page.Offset))
}

func (h *Handler) ArtefactsForRequest(c echo.Context) error {
	artefacts, err := h.svc.ArtefactsForRequest(c.Request().Context(), c.Param("id"))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, map[string]any{"consentArtefacts": artefacts})
}

// ownedArtefact loads an artefact and checks it belongs to the calling
// patient. Direct reads are patient-scoped; other parties go through the
// gateway fetch.
func (h *Handler) ownedArtefact(c echo.Context, get func(context.Context, string) (*ConsentArtefact, error)) (*ConsentArtefact, error) {
	pid, err := patientID(c)
	if err != nil {
		return nil, err
	}
	a, err := get(c.Request().Context(), c.Param("id"))
	if err != nil {
		return nil, httpError(err)
	}
	if a.PatientID != pid {
		return nil, echo.NewHTTPError(http.StatusForbidden, "consent artefact belongs to another patient")
	}
	return a, nil
}

func (h *Handler) GetArtefact(c echo.Context) error {
	a, err := h.ownedArtefact(c, h.svc.GetArtefact)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, a)
}

func (h *Handler) GetHIPArtefact(c echo.Context) error {
	a, err := h.ownedArtefact(c, h.svc.GetHIPArtefact)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, a)
}

func (h *Handler) VerifyArtefact(c echo.Context) error {
	if _, err := h.ownedArtefact(c, h.svc.GetArtefact); err != nil {
		return err
	}
	if err := h.svc.VerifyArtefact(c.Request().Context(), c.Param("id")); err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, map[string]bool{"valid": true})
}

func (h *Handler) HIUOnNotify(c echo.Context) error {
	return h.onNotify(c, ReceiverHIU)
}

func (h *Handler) HIPOnNotify(c echo.Context) error {
	return h.onNotify(c, ReceiverHIP)
}

func (h *Handler) onNotify(c echo.Context, receiver Receiver) error {
	var body struct {
		ConsentID string             `json:"consentId"`
		Status    NotificationStatus `json:"status"`
	}
	if err := c.Bind(&body); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if body.Status == "" {
		body.Status = NotificationAcknowledged
	}
	if err := h.svc.RecordNotification(c.Request().Context(), body.ConsentID, receiver, body.Status); err != nil {
		return httpError(err)
	}
	return c.NoContent(http.StatusOK)
}
