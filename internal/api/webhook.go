package api

import (
	"errors"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/hngcommerce/payment-service/pkg/gateway"
)

type webhookResponse struct {
	Outcome string `json:"outcome"`
}

// handleWebhook reads the raw notification once and hands it to the service.
// Dropped and rejected notifications still answer 200 so the provider stops
// retrying; only verification failures and provider outages are non-2xx.
func (h *Handler) handleWebhook(w http.ResponseWriter, r *http.Request) {
	gatewayID := chi.URLParam(r, "gateway")

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxRequestBody))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, "Payload too large")
			return
		}
		writeError(w, http.StatusBadRequest, "Failed to read request body")
		return
	}

	outcome, err := h.service.HandleWebhook(r.Context(), gatewayID, r.Header, body)
	if err != nil {
		switch gateway.KindOf(err) {
		case gateway.KindNotConfigured:
			writeError(w, http.StatusNotFound, "Unknown gateway")
		case gateway.KindSignatureInvalid:
			writeError(w, http.StatusUnauthorized, "Invalid signature")
		case gateway.KindAPIError, gateway.KindNetworkError:
			writeError(w, http.StatusBadGateway, "Payment provider unavailable")
		default:
			h.logger.Error("webhook processing failed", "gateway", gatewayID, "error", err)
			writeError(w, http.StatusInternalServerError, "Internal server error")
		}
		return
	}

	writeJSON(w, http.StatusOK, webhookResponse{Outcome: string(outcome)})
}
