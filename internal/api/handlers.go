/**
 * @description
 * HTTP handlers for the payment-service internal and admin APIs.
 */
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/hngcommerce/payment-service/internal/app"
	"github.com/hngcommerce/payment-service/internal/domain"
	"github.com/hngcommerce/payment-service/internal/store"
	"github.com/hngcommerce/payment-service/pkg/gateway"
	"github.com/shopspring/decimal"
)

const maxRequestBody = 1 << 20

// PaymentService is the orchestration surface the handlers call.
type PaymentService interface {
	ProcessPayment(ctx context.Context, orderID, gatewayID string, data domain.PaymentData) (*gateway.Outcome, error)
	QuoteFees(ctx context.Context, merchantID string, gross decimal.Decimal, productType, gatewayID, methodName string) (domain.FeeBreakdown, error)
	ReconcileOrder(ctx context.Context, orderID string) (*app.ReconcileResult, error)
	HandleWebhook(ctx context.Context, gatewayID string, header http.Header, body []byte) (app.Outcome, error)
	AdminTransition(ctx context.Context, orderID string, to domain.OrderStatus, note string) (*domain.Order, error)
	RefundOrder(ctx context.Context, orderID string, amount decimal.Decimal, reason string) (*app.RefundResult, error)
	Balance(ctx context.Context, orderID string) (*domain.LedgerBalance, error)
	StalePending(ctx context.Context, olderThan time.Duration) ([]domain.StaleCharge, error)
	ListGateways() []app.GatewayInfo
}

// SellerConnector exchanges OAuth authorization codes for seller tokens.
type SellerConnector interface {
	Connect(ctx context.Context, gatewayID, sellerID, code, redirectURI string) (*domain.SellerConnection, error)
}

// Handler holds the services the HTTP handlers interact with.
type Handler struct {
	service PaymentService
	sellers SellerConnector
	logger  *slog.Logger
}

// NewHandler creates a new Handler. sellers may be nil when no gateway
// supports seller OAuth.
func NewHandler(service PaymentService, sellers SellerConnector, logger *slog.Logger) *Handler {
	return &Handler{service: service, sellers: sellers, logger: logger}
}

type processPaymentRequest struct {
	Gateway string `json:"gateway"`
	domain.PaymentData
}

func (h *Handler) handleProcessPayment(w http.ResponseWriter, r *http.Request) {
	orderID := chi.URLParam(r, "id")

	var req processPaymentRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.Gateway == "" {
		writeError(w, http.StatusBadRequest, "gateway is required")
		return
	}

	outcome, err := h.service.ProcessPayment(r.Context(), orderID, req.Gateway, req.PaymentData)
	if err != nil {
		h.writePaymentError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, outcome)
}

type quoteRequest struct {
	MerchantID    string          `json:"merchant_id"`
	GrossAmount   decimal.Decimal `json:"gross_amount"`
	ProductType   string          `json:"product_type"`
	Gateway       string          `json:"gateway"`
	PaymentMethod string          `json:"payment_method"`
}

func (h *Handler) handleQuoteFees(w http.ResponseWriter, r *http.Request) {
	var req quoteRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.MerchantID == "" || req.Gateway == "" {
		writeError(w, http.StatusBadRequest, "merchant_id and gateway are required")
		return
	}
	if !req.GrossAmount.IsPositive() {
		writeError(w, http.StatusBadRequest, "gross_amount must be positive")
		return
	}

	breakdown, err := h.service.QuoteFees(r.Context(), req.MerchantID, req.GrossAmount, req.ProductType, req.Gateway, req.PaymentMethod)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, breakdown)
}

func (h *Handler) handleReconcileOrder(w http.ResponseWriter, r *http.Request) {
	result, err := h.service.ReconcileOrder(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

type statusChangeRequest struct {
	Status domain.OrderStatus `json:"status"`
	Note   string             `json:"note"`
}

func (h *Handler) handleAdminStatus(w http.ResponseWriter, r *http.Request) {
	var req statusChangeRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.Status == "" {
		writeError(w, http.StatusBadRequest, "status is required")
		return
	}

	order, err := h.service.AdminTransition(r.Context(), chi.URLParam(r, "id"), req.Status, req.Note)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	if adminID, ok := AdminFromContext(r.Context()); ok {
		h.logger.Info("admin changed order status", "admin_id", adminID, "order_id", order.ID, "status", order.Status)
	}
	writeJSON(w, http.StatusOK, order)
}

type refundRequest struct {
	Amount decimal.Decimal `json:"amount"`
	Reason string          `json:"reason"`
}

func (h *Handler) handleRefund(w http.ResponseWriter, r *http.Request) {
	var req refundRequest
	if !decodeBody(w, r, &req) {
		return
	}

	result, err := h.service.RefundOrder(r.Context(), chi.URLParam(r, "id"), req.Amount, req.Reason)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (h *Handler) handleOrderLedger(w http.ResponseWriter, r *http.Request) {
	balance, err := h.service.Balance(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, balance)
}

func (h *Handler) handleStalePending(w http.ResponseWriter, r *http.Request) {
	var olderThan time.Duration
	if raw := r.URL.Query().Get("older_than_hours"); raw != "" {
		hours, err := strconv.Atoi(raw)
		if err != nil || hours <= 0 {
			writeError(w, http.StatusBadRequest, "older_than_hours must be a positive integer")
			return
		}
		olderThan = time.Duration(hours) * time.Hour
	}

	stale, err := h.service.StalePending(r.Context(), olderThan)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	if stale == nil {
		stale = []domain.StaleCharge{}
	}
	writeJSON(w, http.StatusOK, stale)
}

func (h *Handler) handleListGateways(w http.ResponseWriter, r *http.Request) {
	gateways := h.service.ListGateways()
	if gateways == nil {
		gateways = []app.GatewayInfo{}
	}
	writeJSON(w, http.StatusOK, gateways)
}

type connectSellerRequest struct {
	Code        string `json:"code"`
	RedirectURI string `json:"redirect_uri"`
}

func (h *Handler) handleConnectSeller(w http.ResponseWriter, r *http.Request) {
	if h.sellers == nil {
		writeError(w, http.StatusNotFound, "Seller connections are not enabled")
		return
	}
	var req connectSellerRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.Code == "" {
		writeError(w, http.StatusBadRequest, "code is required")
		return
	}

	conn, err := h.sellers.Connect(r.Context(), chi.URLParam(r, "gateway"), chi.URLParam(r, "sellerID"), req.Code, req.RedirectURI)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, conn)
}

func decodeBody(w http.ResponseWriter, r *http.Request, dst interface{}) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBody)
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return false
	}
	return true
}

type errorResponse struct {
	Error string       `json:"error"`
	Kind  gateway.Kind `json:"kind,omitempty"`
	Field string       `json:"field,omitempty"`
}

// writePaymentError answers checkout with the payer-facing message.
func (h *Handler) writePaymentError(w http.ResponseWriter, err error) {
	status := statusForError(err)
	if status >= http.StatusInternalServerError {
		h.logger.Error("payment request failed", "error", err)
	}
	resp := errorResponse{Error: gateway.CustomerMessage(err), Kind: gateway.KindOf(err)}
	var gwErr *gateway.Error
	if errors.As(err, &gwErr) {
		resp.Field = gwErr.Field
	} else if status != http.StatusInternalServerError {
		resp.Error = err.Error()
	}
	writeJSON(w, status, resp)
}

// writeServiceError answers internal and admin callers with the raw error.
func (h *Handler) writeServiceError(w http.ResponseWriter, err error) {
	status := statusForError(err)
	if status == http.StatusInternalServerError {
		h.logger.Error("request failed", "error", err)
		writeError(w, status, "Internal server error")
		return
	}
	writeJSON(w, status, errorResponse{Error: err.Error(), Kind: gateway.KindOf(err)})
}

func statusForError(err error) int {
	switch gateway.KindOf(err) {
	case gateway.KindNotConfigured:
		return http.StatusServiceUnavailable
	case gateway.KindInvalidPaymentMethod, gateway.KindMissingRequiredField:
		return http.StatusUnprocessableEntity
	case gateway.KindSignatureInvalid:
		return http.StatusUnauthorized
	case gateway.KindAPIError, gateway.KindNetworkError:
		return http.StatusBadGateway
	case gateway.KindAlreadyProcessed:
		return http.StatusConflict
	}

	switch {
	case errors.Is(err, store.ErrOrderNotFound), errors.Is(err, store.ErrSellerNotConnected):
		return http.StatusNotFound
	case errors.Is(err, app.ErrInvalidTransition),
		errors.Is(err, store.ErrStaleTransition),
		errors.Is(err, app.ErrOrderNotPayable),
		errors.Is(err, app.ErrNothingToRefund),
		errors.Is(err, app.ErrNoProviderReference):
		return http.StatusConflict
	case errors.Is(err, app.ErrUseRefundEndpoint),
		errors.Is(err, app.ErrInvalidAmount),
		errors.Is(err, app.ErrInvalidLedgerEntry):
		return http.StatusBadRequest
	}
	return http.StatusInternalServerError
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		http.Error(w, `{"error":"Failed to encode response"}`, http.StatusInternalServerError)
	}
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
