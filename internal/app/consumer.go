/**
 * @description
 * Handler for reconciliation requests delivered over RabbitMQ.
 *
 * @notes
 * - Returning true acknowledges the message. Malformed payloads, unknown
 *   orders and orders without a provider reference are acknowledged since a
 *   retry cannot fix them; transient provider or database failures are not.
 */
package app

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/hngcommerce/payment-service/internal/domain"
	"github.com/hngcommerce/payment-service/internal/store"
	"github.com/hngcommerce/payment-service/pkg/gateway"
)

// Reconciler polls a provider for an order's payment status.
type Reconciler interface {
	ReconcileOrder(ctx context.Context, orderID string) (*ReconcileResult, error)
}

// ReconcileRequestConsumer handles payment.reconcile.requested messages.
type ReconcileRequestConsumer struct {
	reconciler Reconciler
	logger     *slog.Logger
	timeout    time.Duration
}

// NewReconcileRequestConsumer creates the consumer handler.
func NewReconcileRequestConsumer(reconciler Reconciler, logger *slog.Logger) *ReconcileRequestConsumer {
	return &ReconcileRequestConsumer{reconciler: reconciler, logger: logger, timeout: 30 * time.Second}
}

// HandleMessage processes one delivery and reports whether it should be acked.
func (c *ReconcileRequestConsumer) HandleMessage(body []byte) bool {
	var req domain.ReconcileRequest
	if err := json.Unmarshal(body, &req); err != nil || req.OrderID == "" {
		c.logger.Error("discarding malformed reconcile request", "error", err, "body", string(body))
		return true
	}

	ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
	defer cancel()

	result, err := c.reconciler.ReconcileOrder(ctx, req.OrderID)
	switch {
	case err == nil:
		c.logger.Info("reconciled order", "order_id", req.OrderID, "requested_by", req.RequestedBy,
			"status", result.Payment.Status, "outcome", result.Outcome)
		return true
	case errors.Is(err, store.ErrOrderNotFound), errors.Is(err, ErrNoProviderReference),
		gateway.IsKind(err, gateway.KindNotConfigured):
		c.logger.Warn("reconcile request cannot be served", "order_id", req.OrderID, "error", err)
		return true
	default:
		c.logger.Error("reconcile request failed", "order_id", req.OrderID, "error", err)
		return false
	}
}
