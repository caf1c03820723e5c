/**
 * @description
 * Payment orchestration: checkout charges, provider status reconciliation,
 * admin transitions and refunds. Side effects leave the service only as events
 * published after the database transaction commits.
 */
package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/hngcommerce/payment-service/internal/domain"
	"github.com/hngcommerce/payment-service/internal/store"
	"github.com/hngcommerce/payment-service/pkg/gateway"
	"github.com/shopspring/decimal"
)

// Routing keys published on the events exchange.
const (
	RoutingKeyStatusChanged        = "order.status.changed"
	RoutingKeyFeeComputed          = "fee.computed"
	RoutingKeyStaleCharge          = "ledger.pending.stale"
	RoutingKeyFulfillmentRequested = "order.fulfillment.requested"
	RoutingKeyReconcileRequested   = "payment.reconcile.requested"
)

const revenueWindow = 30 * 24 * time.Hour

var (
	ErrOrderNotPayable     = errors.New("order is not awaiting payment")
	ErrNoProviderReference = errors.New("order has no provider payment reference")
	ErrNothingToRefund     = errors.New("order has nothing left to refund")
	ErrUseRefundEndpoint   = errors.New("refunds must go through the refund operation")
	ErrInvalidAmount       = errors.New("amount must be positive")
)

// Gateways resolves adapters by gateway id.
type Gateways interface {
	Get(id string) (gateway.Adapter, error)
	IDs() []string
}

// EventPublisher defines the interface for publishing events.
type EventPublisher interface {
	Publish(ctx context.Context, exchange, routingKey string, body interface{}) error
}

// Cache is the TTL cache used for merchant tiers.
type Cache interface {
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key, value string, ttl time.Duration) error
}

// Config tunes the service.
type Config struct {
	Exchange            string
	NotificationURLBase string
	TierCacheTTL        time.Duration
	StaleAfter          time.Duration
	StaleAfterBoleto    time.Duration
	StaleAfterByGateway map[string]time.Duration
}

// Service provides payment orchestration.
type Service struct {
	repo      store.Repository
	gateways  Gateways
	fees      *FeeCalculator
	cache     Cache
	publisher EventPublisher
	logger    *slog.Logger
	cfg       Config
	now       func() time.Time
}

// NewService creates the orchestration service. cache and publisher may be nil.
func NewService(repo store.Repository, gateways Gateways, fees *FeeCalculator, cache Cache, publisher EventPublisher, logger *slog.Logger, cfg Config) *Service {
	if cfg.TierCacheTTL <= 0 {
		cfg.TierCacheTTL = 15 * time.Minute
	}
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = 24 * time.Hour
	}
	if cfg.StaleAfterBoleto <= 0 {
		cfg.StaleAfterBoleto = 72 * time.Hour
	}
	return &Service{
		repo:      repo,
		gateways:  gateways,
		fees:      fees,
		cache:     cache,
		publisher: publisher,
		logger:    logger,
		cfg:       cfg,
		now:       time.Now,
	}
}

// ProcessPayment charges an order through gatewayID. On success the provider
// reference, fee record and charge entry are stored in one transaction and the
// order moves to pending (or straight to processing/failed when the provider
// answers synchronously).
func (s *Service) ProcessPayment(ctx context.Context, orderID, gatewayID string, data domain.PaymentData) (*gateway.Outcome, error) {
	adapter, err := s.gateways.Get(gatewayID)
	if err != nil {
		return nil, err
	}
	if !adapter.IsConfigured() {
		return nil, gateway.NotConfigured(gatewayID)
	}
	method, err := gateway.ParseMethod(data.Method)
	if err != nil {
		return nil, err
	}

	order, err := s.repo.GetOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if order.Status != domain.OrderStatusAwaitingPayment && order.Status != domain.OrderStatusPending {
		return nil, fmt.Errorf("%w: order %s is %s", ErrOrderNotPayable, order.ID, order.Status)
	}

	previous, err := s.repo.LatestFeeRecord(ctx, order.ID)
	if err != nil && !errors.Is(err, store.ErrFeeRecordNotFound) {
		return nil, err
	}

	tier := s.CurrentTier(ctx, order.MerchantID)
	breakdown := s.fees.CalculateAllFees(order.Total(), order.ProductType, gatewayID, method, tier)

	outcome, err := s.callAdapter(ctx, adapter, s.paymentRequest(order, method, data, breakdown))
	if err != nil {
		s.logger.Error("payment processing failed",
			"order_id", order.ID, "gateway", gatewayID, "method", method,
			"kind", gateway.KindOf(err), "error", err)
		return nil, err
	}

	sameCharge := order.Gateway() == gatewayID && order.Reference() == outcome.ProviderReference
	if sameCharge {
		existing, err := s.repo.CurrentCharge(ctx, order.ID, outcome.ProviderReference)
		if err != nil && !errors.Is(err, store.ErrLedgerEntryNotFound) {
			return nil, err
		}
		if existing != nil {
			s.logger.Info("provider returned an already recorded charge",
				"order_id", order.ID, "gateway", gatewayID, "provider_reference", outcome.ProviderReference, "status", outcome.Status)
			return outcome, nil
		}
	}

	record := breakdown.Record(order.ID)
	record.ID = uuid.NewString()
	if previous != nil {
		record.SupersedesID = &previous.ID
	}

	target := domain.OrderStatusPending
	if t, ok := providerTarget(outcome.Status); ok && t != domain.OrderStatusRefunded {
		target = t
	}
	sellerID := ""
	if outcome.Split {
		sellerID = data.SellerID
	}
	var entries []domain.LedgerEntry
	if order.Reference() != "" && !sameCharge {
		abandoned, err := s.abandonedCharge(ctx, order, outcome.ProviderReference)
		if err != nil {
			return nil, err
		}
		if abandoned != nil {
			entries = append(entries, *abandoned)
		}
	}
	charge := s.chargeEntry(order.ID, gatewayID, outcome.ProviderReference, record, chargeStatus(outcome.Status), nil, map[string]interface{}{
		"payment_method": method,
		"split":          outcome.Split,
		"seller_id":      sellerID,
		"tier_level":     tier.Level,
	})
	entries = append(entries, charge)
	if charge.Status == domain.LedgerStatusSettled {
		entries = append(entries, s.feeEntry(order.ID, gatewayID, outcome.ProviderReference, record))
	}

	if target != order.Status {
		if err := CheckTransition(order.Status, target, ActorCheckout); err != nil {
			return nil, err
		}
	}

	methodName := string(method)
	params := store.TransitionParams{
		OrderID:           order.ID,
		From:              order.Status,
		To:                target,
		Actor:             string(ActorCheckout),
		Note:              fmt.Sprintf("payment %s created on %s via %s (%s)", outcome.ProviderReference, gatewayID, method, outcome.Status),
		GatewayID:         &gatewayID,
		PaymentMethod:     &methodName,
		ProviderReference: &outcome.ProviderReference,
		SellerID:          &sellerID,
		FeeRecord:         &record,
		LedgerEntries:     entries,
	}
	if err := s.repo.ApplyTransition(ctx, params); err != nil {
		s.logger.Error("provider charge created but not persisted",
			"order_id", order.ID, "gateway", gatewayID, "provider_reference", outcome.ProviderReference, "error", err)
		return nil, fmt.Errorf("persist payment for order %s: %w", order.ID, err)
	}

	s.logger.Info("payment created",
		"order_id", order.ID, "gateway", gatewayID, "provider_reference", outcome.ProviderReference,
		"status", outcome.Status, "split", outcome.Split)

	s.publishEvent(ctx, RoutingKeyFeeComputed, domain.FeeComputedEvent{
		OrderID:    order.ID,
		MerchantID: order.MerchantID,
		FeeRecord:  record,
		OccurredAt: s.now().UTC(),
	})
	if target != order.Status {
		s.publishStatusChanged(ctx, order, target, ActorCheckout, params.Note)
	}
	return outcome, nil
}

// callAdapter converts adapter panics and untyped failures into api_error so
// checkout always receives a structured result.
func (s *Service) callAdapter(ctx context.Context, adapter gateway.Adapter, req gateway.PaymentRequest) (outcome *gateway.Outcome, err error) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("gateway adapter panicked", "gateway", adapter.ID(), "order_id", req.OrderID, "panic", fmt.Sprint(r))
			outcome = nil
			err = &gateway.Error{Kind: gateway.KindAPIError, Gateway: adapter.ID(), Message: fmt.Sprintf("unexpected adapter failure: %v", r)}
		}
	}()

	outcome, err = adapter.ProcessPayment(ctx, req)
	if err != nil && gateway.KindOf(err) == "" {
		err = &gateway.Error{Kind: gateway.KindAPIError, Gateway: adapter.ID(), Message: "unexpected adapter failure", Err: err}
	}
	if err == nil && outcome == nil {
		err = &gateway.Error{Kind: gateway.KindAPIError, Gateway: adapter.ID(), Message: "adapter returned no outcome"}
	}
	return outcome, err
}

// abandonedCharge fails the order's previous pending charge when a retry
// created a new provider payment, so only one charge per order stays pending.
func (s *Service) abandonedCharge(ctx context.Context, order *domain.Order, replacement string) (*domain.LedgerEntry, error) {
	prev, err := s.repo.CurrentCharge(ctx, order.ID, order.Reference())
	if errors.Is(err, store.ErrLedgerEntryNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if prev.Status != domain.LedgerStatusPending {
		return nil, nil
	}
	metadata := map[string]interface{}{}
	if len(prev.Metadata) > 0 {
		_ = json.Unmarshal(prev.Metadata, &metadata)
	}
	metadata["replaced_by"] = replacement
	raw, _ := json.Marshal(metadata)

	entry := *prev
	entry.ID = uuid.NewString()
	entry.Status = domain.LedgerStatusFailed
	entry.Metadata = raw
	entry.SupersedesID = &prev.ID
	entry.CreatedAt = time.Time{}
	return &entry, nil
}

func (s *Service) paymentRequest(order *domain.Order, method gateway.Method, data domain.PaymentData, breakdown domain.FeeBreakdown) gateway.PaymentRequest {
	email := data.PayerEmail
	if email == "" {
		email = order.CustomerEmailAddress()
	}
	document := data.Document
	if document == "" {
		document = order.CustomerDocument
	}
	name := data.PayerName
	if name == "" {
		name = order.CustomerName
	}
	key := data.IdempotencyKey
	if key == "" {
		key = uuid.NewString()
	}

	req := gateway.PaymentRequest{
		OrderID:        order.ID,
		Amount:         breakdown.GrossAmount,
		Currency:       order.Currency,
		Description:    "Pedido " + order.ID,
		Customer:       gateway.Customer{Name: name, Email: email, Document: document, Phone: data.PayerPhone},
		Method:         method,
		CardToken:      data.CardToken,
		CardBrand:      data.CardBrand,
		Installments:   data.Installments,
		IssuerID:       data.IssuerID,
		SellerID:       data.SellerID,
		ApplicationFee: breakdown.PlatformFee,
		IdempotencyKey: key,
	}
	if s.cfg.NotificationURLBase != "" {
		req.NotificationURL = s.cfg.NotificationURLBase + "/webhooks/" + breakdown.GatewayID
	}
	for _, item := range order.LineItems() {
		req.Items = append(req.Items, gateway.Item{Name: item.Name, Quantity: item.Quantity, UnitPrice: item.UnitPrice})
	}
	return req
}

func (s *Service) chargeEntry(orderID, gatewayID, reference string, rec domain.FeeRecord, status domain.LedgerEntryStatus, supersedes *string, metadata map[string]interface{}) domain.LedgerEntry {
	raw, _ := json.Marshal(metadata)
	return domain.LedgerEntry{
		ID:                uuid.NewString(),
		Type:              domain.LedgerEntryCharge,
		OrderID:           orderID,
		GatewayID:         gatewayID,
		ExternalReference: reference,
		GrossAmount:       rec.GrossAmount,
		FeeAmount:         rec.PlatformFee.Add(rec.GatewayFee),
		NetAmount:         rec.NetAmount,
		Status:            status,
		Metadata:          raw,
		SupersedesID:      supersedes,
	}
}

func (s *Service) feeEntry(orderID, gatewayID, reference string, rec domain.FeeRecord) domain.LedgerEntry {
	raw, _ := json.Marshal(map[string]interface{}{
		"fee_record_id": rec.ID,
		"platform_fee":  rec.PlatformFee,
		"gateway_fee":   rec.GatewayFee,
		"tier_level":    rec.TierLevel,
	})
	total := rec.PlatformFee.Add(rec.GatewayFee)
	return domain.LedgerEntry{
		ID:                uuid.NewString(),
		Type:              domain.LedgerEntryFee,
		OrderID:           orderID,
		GatewayID:         gatewayID,
		ExternalReference: reference,
		GrossAmount:       total,
		FeeAmount:         decimal.Zero,
		NetAmount:         total,
		Status:            domain.LedgerStatusSettled,
		Metadata:          raw,
	}
}

// QuoteFees previews the fee breakdown checkout will apply.
func (s *Service) QuoteFees(ctx context.Context, merchantID string, gross decimal.Decimal, productType, gatewayID, methodName string) (domain.FeeBreakdown, error) {
	if !gross.IsPositive() {
		return domain.FeeBreakdown{}, ErrInvalidAmount
	}
	method, err := gateway.ParseMethod(methodName)
	if err != nil {
		return domain.FeeBreakdown{}, err
	}
	tier := s.CurrentTier(ctx, merchantID)
	return s.fees.CalculateAllFees(gross, productType, gatewayID, method, tier), nil
}

func tierCacheKey(merchantID string) string {
	return "tier:" + merchantID
}

// CurrentTier resolves a merchant tier from trailing 30-day settled revenue.
// Lookups are cached; any failure falls back to the highest-fee tier.
func (s *Service) CurrentTier(ctx context.Context, merchantID string) domain.Tier {
	fallback := s.fees.Tiers().Fallback()
	if merchantID == "" {
		return fallback
	}

	if s.cache != nil {
		if raw, ok, err := s.cache.Get(ctx, tierCacheKey(merchantID)); err != nil {
			s.logger.Warn("tier cache read failed", "merchant_id", merchantID, "error", err)
		} else if ok {
			var level int
			if _, err := fmt.Sscanf(raw, "%d", &level); err == nil {
				if tier, found := s.fees.Tiers().ByLevel(level); found {
					return tier
				}
			}
		}
	}

	tier, err := s.computeTier(ctx, merchantID)
	if err != nil {
		s.logger.Warn("failed to compute merchant tier, using fallback", "merchant_id", merchantID, "error", err)
		return fallback
	}
	return tier
}

func (s *Service) computeTier(ctx context.Context, merchantID string) (domain.Tier, error) {
	revenue, err := s.repo.TrailingRevenue(ctx, merchantID, s.now().Add(-revenueWindow))
	if err != nil {
		return domain.Tier{}, err
	}
	tier := s.fees.TierForRevenue(revenue)
	if s.cache != nil {
		if err := s.cache.Set(ctx, tierCacheKey(merchantID), fmt.Sprintf("%d", tier.Level), s.cfg.TierCacheTTL); err != nil {
			s.logger.Warn("tier cache write failed", "merchant_id", merchantID, "error", err)
		}
	}
	return tier, nil
}

// RefreshTiers recomputes and caches the tier of every recently active merchant.
func (s *Service) RefreshTiers(ctx context.Context) (int, error) {
	merchants, err := s.repo.ListActiveMerchants(ctx, s.now().Add(-revenueWindow))
	if err != nil {
		return 0, err
	}
	refreshed := 0
	for _, merchantID := range merchants {
		if _, err := s.computeTier(ctx, merchantID); err != nil {
			s.logger.Warn("failed to refresh merchant tier", "merchant_id", merchantID, "error", err)
			continue
		}
		refreshed++
	}
	return refreshed, nil
}

// ReconcileOrder polls the provider for the order's payment and applies the
// same transition logic as webhook ingestion.
func (s *Service) ReconcileOrder(ctx context.Context, orderID string) (*ReconcileResult, error) {
	order, err := s.repo.GetOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if order.Gateway() == "" || order.Reference() == "" {
		return nil, fmt.Errorf("%w: order %s", ErrNoProviderReference, order.ID)
	}
	adapter, err := s.gateways.Get(order.Gateway())
	if err != nil {
		return nil, err
	}
	payment, err := adapter.GetPaymentStatus(gateway.WithSeller(ctx, order.Seller()), order.Reference())
	if err != nil {
		return nil, err
	}

	outcome, err := s.applyProviderStatus(ctx, order, order.Gateway(), payment, ActorReconcile)
	if err != nil {
		return nil, err
	}
	return &ReconcileResult{OrderID: order.ID, Payment: *payment, Outcome: outcome}, nil
}

// ReconcileResult reports what a manual reconciliation did.
type ReconcileResult struct {
	OrderID string          `json:"order_id"`
	Payment gateway.Payment `json:"payment"`
	Outcome Outcome         `json:"outcome"`
}

// AdminTransition applies a manual status change. Moving an order to
// processing attaches a fee record when the order has none yet.
func (s *Service) AdminTransition(ctx context.Context, orderID string, to domain.OrderStatus, note string) (*domain.Order, error) {
	if to == domain.OrderStatusRefunded {
		return nil, ErrUseRefundEndpoint
	}
	order, err := s.repo.GetOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if err := CheckTransition(order.Status, to, ActorAdmin); err != nil {
		if gateway.IsKind(err, gateway.KindAlreadyProcessed) {
			return order, nil
		}
		return nil, err
	}

	if note == "" {
		note = fmt.Sprintf("status changed by admin from %s to %s", order.Status, to)
	}
	params := store.TransitionParams{
		OrderID: order.ID,
		From:    order.Status,
		To:      to,
		Actor:   string(ActorAdmin),
		Note:    note,
	}
	if to == domain.OrderStatusProcessing {
		_, created, err := s.ensureFeeRecord(ctx, order, order.Gateway())
		if err != nil {
			return nil, err
		}
		params.FeeRecord = created
	}
	if err := s.repo.ApplyTransition(ctx, params); err != nil {
		return nil, err
	}

	s.logger.Info("admin status change", "order_id", order.ID, "from", order.Status, "to", to)
	s.publishStatusChanged(ctx, order, to, ActorAdmin, note)
	if to == domain.OrderStatusCompleted {
		s.publishEvent(ctx, RoutingKeyFulfillmentRequested, domain.FulfillmentRequestedEvent{
			OrderID:    order.ID,
			MerchantID: order.MerchantID,
			Items:      order.LineItems(),
			OccurredAt: s.now().UTC(),
		})
	}

	order.Status = to
	return order, nil
}

// RefundResult reports a refund.
type RefundResult struct {
	OrderID         string             `json:"order_id"`
	RefundReference string             `json:"refund_reference"`
	Amount          decimal.Decimal    `json:"amount"`
	Full            bool               `json:"full"`
	Status          domain.OrderStatus `json:"status"`
}

// RefundOrder refunds amount (zero means everything left) through the order's
// gateway, appends a refund entry and moves the order to refunded once
// nothing is left to refund.
func (s *Service) RefundOrder(ctx context.Context, orderID string, amount decimal.Decimal, reason string) (*RefundResult, error) {
	if amount.IsNegative() {
		return nil, ErrInvalidAmount
	}
	order, err := s.repo.GetOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if err := CheckTransition(order.Status, domain.OrderStatusRefunded, ActorAdmin); err != nil {
		return nil, err
	}
	if order.Gateway() == "" || order.Reference() == "" {
		return nil, fmt.Errorf("%w: order %s", ErrNoProviderReference, order.ID)
	}
	adapter, err := s.gateways.Get(order.Gateway())
	if err != nil {
		return nil, err
	}

	entries, err := s.repo.ListLedgerEntries(ctx, order.ID)
	if err != nil {
		return nil, err
	}
	remaining := round2(order.Total().Sub(summarizeLedger(order.ID, entries).Refunded))
	if !remaining.IsPositive() {
		return nil, ErrNothingToRefund
	}
	amount = round2(amount)
	if amount.IsZero() || amount.GreaterThan(remaining) {
		amount = remaining
	}
	full := amount.Equal(remaining)

	providerAmount := amount
	if full && remaining.Equal(round2(order.Total())) {
		providerAmount = decimal.Zero
	}
	refundRef, err := adapter.RefundPayment(gateway.WithSeller(ctx, order.Seller()), order.Reference(), providerAmount)
	if err != nil {
		s.logger.Error("provider refund failed", "order_id", order.ID, "gateway", order.Gateway(), "kind", gateway.KindOf(err), "error", err)
		return nil, err
	}

	target := order.Status
	if full {
		target = domain.OrderStatusRefunded
	}
	raw, _ := json.Marshal(map[string]interface{}{"reason": reason, "payment_reference": order.Reference()})
	entry := domain.LedgerEntry{
		ID:                uuid.NewString(),
		Type:              domain.LedgerEntryRefund,
		OrderID:           order.ID,
		GatewayID:         order.Gateway(),
		ExternalReference: refundRef,
		GrossAmount:       amount,
		FeeAmount:         decimal.Zero,
		NetAmount:         amount,
		Status:            domain.LedgerStatusSettled,
		Metadata:          raw,
	}
	note := fmt.Sprintf("refund %s of %s: %s", refundRef, amount.StringFixed(2), reason)
	params := store.TransitionParams{
		OrderID:       order.ID,
		From:          order.Status,
		To:            target,
		Actor:         string(ActorAdmin),
		Note:          note,
		LedgerEntries: []domain.LedgerEntry{entry},
	}
	if err := s.repo.ApplyTransition(ctx, params); err != nil {
		s.logger.Error("provider refund created but not persisted", "order_id", order.ID, "refund_reference", refundRef, "error", err)
		return nil, err
	}

	if target != order.Status {
		s.publishStatusChanged(ctx, order, target, ActorAdmin, note)
	}
	return &RefundResult{OrderID: order.ID, RefundReference: refundRef, Amount: amount, Full: full, Status: target}, nil
}

// GatewayInfo describes a registered gateway for the admin listing.
type GatewayInfo struct {
	ID         string `json:"id"`
	Configured bool   `json:"configured"`
}

// ListGateways lists registered gateways and whether they have credentials.
func (s *Service) ListGateways() []GatewayInfo {
	var out []GatewayInfo
	for _, id := range s.gateways.IDs() {
		adapter, err := s.gateways.Get(id)
		if err != nil {
			continue
		}
		out = append(out, GatewayInfo{ID: id, Configured: adapter.IsConfigured()})
	}
	return out
}

func (s *Service) publishStatusChanged(ctx context.Context, order *domain.Order, to domain.OrderStatus, actor Actor, note string) {
	s.publishEvent(ctx, RoutingKeyStatusChanged, domain.StatusChangedEvent{
		OrderID:       order.ID,
		MerchantID:    order.MerchantID,
		CustomerEmail: order.CustomerEmailAddress(),
		From:          order.Status,
		To:            to,
		Actor:         string(actor),
		Note:          note,
		OccurredAt:    s.now().UTC(),
	})
}

func (s *Service) publishEvent(ctx context.Context, routingKey string, payload interface{}) {
	if s.publisher == nil {
		return
	}
	if err := s.publisher.Publish(ctx, s.cfg.Exchange, routingKey, payload); err != nil {
		s.logger.Warn("failed to publish event", "routing_key", routingKey, "error", err)
	}
}
