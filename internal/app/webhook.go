package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/google/uuid"
	"github.com/hngcommerce/payment-service/internal/domain"
	"github.com/hngcommerce/payment-service/internal/store"
	"github.com/hngcommerce/payment-service/pkg/gateway"
	"github.com/shopspring/decimal"
)

// Outcome describes what a provider notification did to an order.
type Outcome string

const (
	OutcomeApplied            Outcome = "applied"
	OutcomeNoop               Outcome = "noop"
	OutcomeIgnored            Outcome = "ignored"
	OutcomeDropped            Outcome = "dropped"
	OutcomeRejectedTransition Outcome = "rejected_transition"
)

const maxTransitionAttempts = 3

// HandleWebhook verifies a provider notification, re-fetches the canonical
// payment status and applies it to the matching order. A signature failure is
// returned before anything is written.
func (s *Service) HandleWebhook(ctx context.Context, gatewayID string, header http.Header, body []byte) (Outcome, error) {
	adapter, err := s.gateways.Get(gatewayID)
	if err != nil {
		return "", err
	}
	if !adapter.IsConfigured() {
		return "", gateway.NotConfigured(gatewayID)
	}

	notice, err := adapter.ParseWebhook(header, body)
	if err != nil {
		s.logger.Warn("rejected webhook", "gateway", gatewayID, "kind", gateway.KindOf(err), "error", err)
		return "", err
	}
	if notice.PaymentID == "" {
		s.logger.Info("ignoring non-payment webhook", "gateway", gatewayID, "action", notice.Action)
		return OutcomeIgnored, nil
	}

	payment, err := adapter.GetPaymentStatus(s.paymentOwnerContext(ctx, gatewayID, notice.PaymentID), notice.PaymentID)
	if err != nil {
		s.logger.Error("failed to fetch payment status", "gateway", gatewayID, "payment_id", notice.PaymentID, "error", err)
		return "", err
	}

	receipt := domain.WebhookEvent{
		ID:                uuid.NewString(),
		Gateway:           gatewayID,
		ProviderPaymentID: payment.ID,
		ExternalReference: payment.ExternalReference,
		Action:            notice.Action,
		Status:            payment.RawStatus,
		RawBody:           body,
		ReceivedAt:        s.now().UTC(),
	}

	order, err := s.resolveOrder(ctx, gatewayID, payment)
	if errors.Is(err, store.ErrOrderNotFound) {
		s.logger.Warn("dropping webhook for unknown order",
			"gateway", gatewayID, "payment_id", payment.ID, "external_reference", payment.ExternalReference)
		receipt.Outcome = string(OutcomeDropped)
		s.recordReceipt(ctx, receipt)
		return OutcomeDropped, nil
	}
	if err != nil {
		return "", err
	}
	receipt.OrderID = &order.ID

	outcome, err := s.applyProviderStatus(ctx, order, gatewayID, payment, ActorWebhook)
	if err != nil {
		return "", err
	}
	receipt.Outcome = string(outcome)
	if !s.recordReceipt(ctx, receipt) {
		s.logger.Info("webhook receipt already recorded", "gateway", gatewayID, "payment_id", payment.ID, "status", payment.RawStatus)
	}
	return outcome, nil
}

// paymentOwnerContext names the seller holding a known payment so the adapter
// queries it with the right account. Unknown payments use the platform account.
func (s *Service) paymentOwnerContext(ctx context.Context, gatewayID, paymentID string) context.Context {
	order, err := s.repo.FindOrderByProviderReference(ctx, gatewayID, paymentID)
	if err != nil {
		if !errors.Is(err, store.ErrOrderNotFound) {
			s.logger.Warn("failed to look up payment owner", "gateway", gatewayID, "payment_id", paymentID, "error", err)
		}
		return ctx
	}
	return gateway.WithSeller(ctx, order.Seller())
}

func (s *Service) resolveOrder(ctx context.Context, gatewayID string, payment *gateway.Payment) (*domain.Order, error) {
	if payment.ExternalReference != "" {
		order, err := s.repo.GetOrder(ctx, payment.ExternalReference)
		if err == nil {
			return order, nil
		}
		if !errors.Is(err, store.ErrOrderNotFound) {
			return nil, err
		}
	}
	return s.repo.FindOrderByProviderReference(ctx, gatewayID, payment.ID)
}

func (s *Service) recordReceipt(ctx context.Context, receipt domain.WebhookEvent) bool {
	inserted, err := s.repo.RecordWebhookEvent(ctx, receipt)
	if err != nil {
		s.logger.Warn("failed to record webhook receipt", "gateway", receipt.Gateway, "payment_id", receipt.ProviderPaymentID, "error", err)
		return false
	}
	return inserted
}

// applyProviderStatus moves an order to the status implied by a provider
// payment and appends the matching ledger entries. Losing a race to another
// writer re-reads the order; finding it already at the target is a no-op.
func (s *Service) applyProviderStatus(ctx context.Context, order *domain.Order, gatewayID string, payment *gateway.Payment, actor Actor) (Outcome, error) {
	target, ok := providerTarget(payment.Status)
	if !ok {
		s.logger.Info("provider status drives no transition",
			"order_id", order.ID, "gateway", gatewayID, "status", payment.Status)
		return OutcomeNoop, nil
	}

	for attempt := 1; ; attempt++ {
		if order.Status == target {
			return OutcomeNoop, nil
		}
		if err := CheckTransition(order.Status, target, actor); err != nil {
			s.logger.Warn("provider status rejected by state machine",
				"order_id", order.ID, "gateway", gatewayID, "from", order.Status, "to", target, "actor", actor)
			return OutcomeRejectedTransition, nil
		}

		entries, fee, err := s.providerEntries(ctx, order, gatewayID, payment, target)
		if err != nil {
			return "", err
		}
		note := fmt.Sprintf("%s reported payment %s as %s", gatewayID, payment.ID, payment.RawStatus)
		params := store.TransitionParams{
			OrderID:       order.ID,
			From:          order.Status,
			To:            target,
			Actor:         string(actor),
			Note:          note,
			FeeRecord:     fee,
			LedgerEntries: entries,
		}
		if order.Reference() == "" {
			params.GatewayID = &gatewayID
			params.ProviderReference = &payment.ID
		}

		err = s.repo.ApplyTransition(ctx, params)
		if err == nil {
			s.logger.Info("order status updated from provider",
				"order_id", order.ID, "gateway", gatewayID, "from", order.Status, "to", target, "actor", actor)
			s.publishStatusChanged(ctx, order, target, actor, note)
			return OutcomeApplied, nil
		}
		stale := errors.Is(err, store.ErrStaleTransition) || errors.Is(err, store.ErrLedgerEntrySuperseded)
		if !stale || attempt >= maxTransitionAttempts {
			return "", err
		}

		s.logger.Info("order changed concurrently, re-reading", "order_id", order.ID, "attempt", attempt)
		if order, err = s.repo.GetOrder(ctx, order.ID); err != nil {
			return "", err
		}
	}
}

// providerEntries builds the ledger entries that accompany a provider-driven
// transition. A fee record is returned only when none existed for the order.
func (s *Service) providerEntries(ctx context.Context, order *domain.Order, gatewayID string, payment *gateway.Payment, target domain.OrderStatus) ([]domain.LedgerEntry, *domain.FeeRecord, error) {
	if target == domain.OrderStatusRefunded {
		entry, err := s.providerRefundEntry(ctx, order, gatewayID, payment)
		if err != nil || entry == nil {
			return nil, nil, err
		}
		return []domain.LedgerEntry{*entry}, nil, nil
	}

	status := chargeStatus(payment.Status)
	current, err := s.repo.CurrentCharge(ctx, order.ID, payment.ID)
	if err != nil && !errors.Is(err, store.ErrLedgerEntryNotFound) {
		return nil, nil, err
	}

	record, created, err := s.ensureFeeRecord(ctx, order, gatewayID)
	if err != nil {
		return nil, nil, err
	}

	if current != nil && current.Status == status {
		return nil, created, nil
	}

	var supersedes *string
	metadata := map[string]interface{}{}
	if current != nil {
		supersedes = &current.ID
		if len(current.Metadata) > 0 {
			_ = json.Unmarshal(current.Metadata, &metadata)
		}
	} else if order.PaymentMethod != nil {
		metadata["payment_method"] = *order.PaymentMethod
	}
	metadata["provider_status"] = payment.RawStatus

	entries := []domain.LedgerEntry{s.chargeEntry(order.ID, gatewayID, payment.ID, *record, status, supersedes, metadata)}
	if status == domain.LedgerStatusSettled {
		entries = append(entries, s.feeEntry(order.ID, gatewayID, payment.ID, *record))
	}
	return entries, created, nil
}

// ensureFeeRecord returns the order's latest fee record. When none exists one
// is computed from the order and also returned as created, to be written with
// the transition that needs it.
func (s *Service) ensureFeeRecord(ctx context.Context, order *domain.Order, gatewayID string) (*domain.FeeRecord, *domain.FeeRecord, error) {
	record, err := s.repo.LatestFeeRecord(ctx, order.ID)
	if err == nil {
		return record, nil, nil
	}
	if !errors.Is(err, store.ErrFeeRecordNotFound) {
		return nil, nil, err
	}
	method := gateway.MethodPix
	if order.PaymentMethod != nil {
		method = gateway.Method(*order.PaymentMethod)
	}
	tier := s.CurrentTier(ctx, order.MerchantID)
	rec := s.fees.CalculateAllFees(order.Total(), order.ProductType, gatewayID, method, tier).Record(order.ID)
	rec.ID = uuid.NewString()
	return &rec, &rec, nil
}

func (s *Service) providerRefundEntry(ctx context.Context, order *domain.Order, gatewayID string, payment *gateway.Payment) (*domain.LedgerEntry, error) {
	existing, err := s.repo.ListLedgerEntries(ctx, order.ID)
	if err != nil {
		return nil, err
	}
	refunded := payment.RefundedAmount
	if !refunded.IsPositive() {
		refunded = order.Total()
	}
	amount := round2(refunded.Sub(summarizeLedger(order.ID, existing).Refunded))
	if !amount.IsPositive() {
		return nil, nil
	}
	raw, _ := json.Marshal(map[string]interface{}{
		"provider_status":   payment.RawStatus,
		"payment_reference": payment.ID,
	})
	return &domain.LedgerEntry{
		ID:                uuid.NewString(),
		Type:              domain.LedgerEntryRefund,
		OrderID:           order.ID,
		GatewayID:         gatewayID,
		ExternalReference: payment.ID + ":" + payment.RawStatus,
		GrossAmount:       amount,
		FeeAmount:         decimal.Zero,
		NetAmount:         amount,
		Status:            domain.LedgerStatusSettled,
		Metadata:          raw,
	}, nil
}
