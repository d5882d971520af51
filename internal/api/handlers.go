/**
 * @description
 * This file contains the HTTP handlers for the fundraising service's API endpoints.
 * Handlers parse incoming requests, call the application service and write the HTTP
 * response. They are the bridge between the web layer and the business logic layer.
 *
 * @dependencies
 * - github.com/go-chi/chi/v5: URL parameters.
 * - go.uber.org/zap: Structured logging.
 * - internal/app, internal/domain, internal/store: Service logic, models and errors.
 */

package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/mshikaki/fundraising-service/internal/app"
	"github.com/mshikaki/fundraising-service/internal/domain"
	"github.com/mshikaki/fundraising-service/internal/store"
	"github.com/mshikaki/fundraising-service/pkg/mpesa"
	"go.uber.org/zap"
)

const (
	maxJSONBody       = 1 << 20
	maxMultipartBody  = 32 << 20
	mediaFormField    = "media"
	sseKeepAlive      = 25 * time.Second
	contributionsHint = "Check your phone and enter your M-Pesa PIN to complete the contribution."
	gatewayRetryHint  = "The payment service did not respond. If no prompt arrives on your phone, please try again."
)

// Handler holds the application service that handlers will use.
type Handler struct {
	service *app.Service
	logger  *zap.Logger
}

// NewHandler creates a new instance of Handler.
func NewHandler(service *app.Service, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{service: service, logger: logger.With(zap.String("component", "api"))}
}

type contributionResponse struct {
	ContributionID    string                    `json:"contribution_id"`
	EventID           string                    `json:"event_id"`
	Status            domain.ContributionStatus `json:"status"`
	Amount            int64                     `json:"amount"`
	Currency          string                    `json:"currency"`
	ProviderRequestID *string                   `json:"provider_request_id,omitempty"`
	FailureReason     *string                   `json:"failure_reason,omitempty"`
	Message           string                    `json:"message"`
	Warning           string                    `json:"warning,omitempty"`
}

func buildContributionResponse(c *domain.Contribution, message string) contributionResponse {
	return contributionResponse{
		ContributionID:    c.ID.String(),
		EventID:           c.EventID.String(),
		Status:            c.Status,
		Amount:            c.Amount,
		Currency:          c.Currency,
		ProviderRequestID: c.ProviderRequestID,
		FailureReason:     c.FailureReason,
		Message:           message,
	}
}

func (h *Handler) createEventHandler(w http.ResponseWriter, r *http.Request) {
	userID, _ := GetUserID(r.Context())

	var req domain.CreateEventRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	event, err := h.service.CreateEvent(r.Context(), userID, req)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, event)
}

func (h *Handler) getEventHandler(w http.ResponseWriter, r *http.Request) {
	eventID, ok := eventIDParam(w, r)
	if !ok {
		return
	}
	event, err := h.service.GetEvent(r.Context(), eventID)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	if userID, ok := GetUserID(r.Context()); ok && userID == event.OwnerID {
		writeJSON(w, http.StatusOK, event)
		return
	}
	writeJSON(w, http.StatusOK, app.PublicEventView(event))
}

func (h *Handler) deleteEventHandler(w http.ResponseWriter, r *http.Request) {
	eventID, ok := eventIDParam(w, r)
	if !ok {
		return
	}
	userID, _ := GetUserID(r.Context())
	if err := h.service.DeleteEvent(r.Context(), userID, eventID); err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) updateVisibilityHandler(w http.ResponseWriter, r *http.Request) {
	eventID, ok := eventIDParam(w, r)
	if !ok {
		return
	}
	userID, _ := GetUserID(r.Context())

	var req domain.UpdateVisibilityRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	event, err := h.service.SetEventVisibility(r.Context(), userID, eventID, req.Visible)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, event)
}

func (h *Handler) uploadMediaHandler(w http.ResponseWriter, r *http.Request) {
	eventID, ok := eventIDParam(w, r)
	if !ok {
		return
	}
	userID, _ := GetUserID(r.Context())

	r.Body = http.MaxBytesReader(w, r.Body, maxMultipartBody)
	if err := r.ParseMultipartForm(maxMultipartBody); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid multipart form")
		return
	}
	defer r.MultipartForm.RemoveAll()

	headers := r.MultipartForm.File[mediaFormField]
	files := make([]io.Reader, 0, len(headers))
	opened := make([]multipart.File, 0, len(headers))
	defer func() {
		for _, f := range opened {
			f.Close()
		}
	}()
	for _, fh := range headers {
		f, err := fh.Open()
		if err != nil {
			writeError(w, http.StatusBadRequest, "Could not read uploaded file")
			return
		}
		opened = append(opened, f)
		files = append(files, f)
	}

	event, err := h.service.AddEventMedia(r.Context(), userID, eventID, files)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, event)
}

func (h *Handler) requestContributionHandler(w http.ResponseWriter, r *http.Request) {
	eventID, ok := eventIDParam(w, r)
	if !ok {
		return
	}

	var req domain.ContributionRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	var contributorUserID *string
	if userID, ok := GetUserID(r.Context()); ok {
		contributorUserID = &userID
	}

	contribution, err := h.service.RequestContribution(r.Context(), eventID, contributorUserID, req)
	if err == nil {
		writeJSON(w, http.StatusCreated, buildContributionResponse(contribution, contributionsHint))
		return
	}

	var cErr *app.ContributionError
	if errors.As(err, &cErr) && cErr.Contribution != nil {
		if errors.Is(err, mpesa.ErrGatewayRejected) {
			writeJSON(w, http.StatusPaymentRequired, buildContributionResponse(cErr.Contribution, "The payment request was declined. Check the phone number and try again."))
			return
		}
		resp := buildContributionResponse(cErr.Contribution, "Your contribution is waiting for confirmation.")
		resp.Warning = gatewayRetryHint
		writeJSON(w, http.StatusAccepted, resp)
		return
	}

	h.writeServiceError(w, r, err)
}

func (h *Handler) listContributionsHandler(w http.ResponseWriter, r *http.Request) {
	eventID, ok := eventIDParam(w, r)
	if !ok {
		return
	}
	contributions, err := h.service.ListContributions(r.Context(), eventID)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"contributions": contributions})
}

func (h *Handler) getProgressHandler(w http.ResponseWriter, r *http.Request) {
	eventID, ok := eventIDParam(w, r)
	if !ok {
		return
	}
	progress, err := h.service.GetProgress(r.Context(), eventID)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, progress)
}

// progressStreamHandler pushes progress updates as Server-Sent Events until the
// client disconnects.
func (h *Handler) progressStreamHandler(w http.ResponseWriter, r *http.Request) {
	eventID, ok := eventIDParam(w, r)
	if !ok {
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "Streaming is not supported")
		return
	}

	updates, cancel, err := h.service.SubscribeProgress(r.Context(), eventID)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	defer cancel()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	keepAlive := time.NewTicker(sseKeepAlive)
	defer keepAlive.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case progress, ok := <-updates:
			if !ok {
				return
			}
			data, err := json.Marshal(progress)
			if err != nil {
				h.logger.Error("failed to encode progress", zap.Error(err))
				continue
			}
			if _, err := fmt.Fprintf(w, "event: progress\ndata: %s\n\n", data); err != nil {
				return
			}
			flusher.Flush()
		case <-keepAlive.C:
			if _, err := io.WriteString(w, ": keep-alive\n\n"); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

func (h *Handler) writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	var vErr *app.ValidationError
	var rlErr *app.RateLimitError
	switch {
	case errors.As(err, &vErr):
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": vErr.Error(), "field": vErr.Field})
	case errors.As(err, &rlErr):
		w.Header().Set("Retry-After", strconv.Itoa(rlErr.RetryAfterSeconds))
		writeError(w, http.StatusTooManyRequests, "Too many contribution attempts. Please wait and try again.")
	case errors.Is(err, store.ErrEventNotFound):
		writeError(w, http.StatusNotFound, "Event not found")
	case errors.Is(err, store.ErrContributionNotFound):
		writeError(w, http.StatusNotFound, "Contribution not found")
	case errors.Is(err, app.ErrForbidden):
		writeError(w, http.StatusForbidden, err.Error())
	case errors.Is(err, app.ErrEventClosed):
		writeError(w, http.StatusConflict, "This event is no longer accepting contributions")
	case errors.Is(err, app.ErrMediaUnavailable):
		writeError(w, http.StatusServiceUnavailable, "Media uploads are not available")
	default:
		h.logger.Error("request failed",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Error(err),
		)
		writeError(w, http.StatusInternalServerError, "Internal server error")
	}
}

func eventIDParam(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	eventID, err := uuid.Parse(chi.URLParam(r, "eventID"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid event ID")
		return uuid.Nil, false
	}
	return eventID, true
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst interface{}) bool {
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxJSONBody)).Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return false
	}
	return true
}

// writeJSON is a helper for writing JSON responses.
func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if data != nil {
		json.NewEncoder(w).Encode(data)
	}
}

// writeError is a helper for writing JSON error responses.
func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
