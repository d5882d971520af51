package api

import (
	"errors"
	"io"
	"net/http"
	"sync"

	"github.com/mshikaki/fundraising-service/internal/app"
	"github.com/mshikaki/fundraising-service/internal/store"
	"github.com/mshikaki/fundraising-service/pkg/mpesa"
	"go.uber.org/zap"
)

const maxCallbackBody = 64 << 10

// MpesaCallbackHandler receives STK push results from Daraja. Every request is
// acknowledged with the body Daraja expects, whatever happened internally, so the
// provider never re-delivers because of our own failures.
type MpesaCallbackHandler struct {
	service *app.Service
	secret  string
	logger  *zap.Logger

	warnOnce sync.Once
}

// NewMpesaCallbackHandler creates the webhook handler. An empty secret disables the
// callback token check.
func NewMpesaCallbackHandler(service *app.Service, secret string, logger *zap.Logger) *MpesaCallbackHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &MpesaCallbackHandler{
		service: service,
		secret:  secret,
		logger:  logger.With(zap.String("component", "mpesa_callback")),
	}
}

// ServeHTTP implements the http.Handler interface.
func (h *MpesaCallbackHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.process(r)
	writeJSON(w, http.StatusOK, mpesa.Accepted)
}

func (h *MpesaCallbackHandler) process(r *http.Request) {
	ref := r.URL.Query().Get(mpesa.CallbackRefParam)
	log := h.logger.With(zap.String("correlation_id", ref), zap.String("remote_addr", r.RemoteAddr))

	body, err := io.ReadAll(io.LimitReader(r.Body, maxCallbackBody))
	if err != nil {
		log.Warn("failed to read callback body", zap.Error(err))
		return
	}

	if h.secret == "" {
		h.warnOnce.Do(func() {
			h.logger.Warn("MPESA_CALLBACK_SECRET not set; callback origin is not verified")
		})
	} else if !mpesa.VerifyCorrelation(h.secret, ref, r.URL.Query().Get(mpesa.CallbackTokenParam)) {
		log.Warn("callback token invalid; ignoring")
		return
	}

	cb, err := mpesa.ParseCallback(body)
	if err != nil {
		log.Warn("unparsable callback body", zap.Error(err))
		return
	}
	log = log.With(
		zap.String("checkout_request_id", cb.CheckoutRequestID),
		zap.Int("result_code", cb.ResultCode),
	)

	result, err := h.service.HandleSettlement(r.Context(), app.SettlementFromCallback(ref, cb))
	switch {
	case errors.Is(err, store.ErrContributionNotFound):
		log.Warn("callback for unknown contribution acknowledged")
	case errors.Is(err, app.ErrAmountMismatch):
		log.Error("callback amount mismatch", zap.Error(err))
	case err != nil:
		log.Error("callback processing failed", zap.Error(err))
	case result.Duplicate:
		log.Info("duplicate callback acknowledged")
	default:
		log.Info("callback applied",
			zap.String("status", string(result.Contribution.Status)),
			zap.Int64("raised", result.Raised),
		)
	}
}
