package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/hngcommerce/payment-service/internal/domain"
	"github.com/hngcommerce/payment-service/pkg/gateway"
	"github.com/shopspring/decimal"
)

var ErrInvalidLedgerEntry = errors.New("invalid ledger entry")

// AddEntry appends an entry to the ledger. Entries are never updated.
func (s *Service) AddEntry(ctx context.Context, entry domain.LedgerEntry) (string, error) {
	if err := validateEntry(entry); err != nil {
		return "", err
	}
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	if len(entry.Metadata) == 0 {
		entry.Metadata = json.RawMessage(`{}`)
	}
	return s.repo.InsertLedgerEntry(ctx, entry)
}

func validateEntry(entry domain.LedgerEntry) error {
	switch entry.Type {
	case domain.LedgerEntryCharge, domain.LedgerEntryRefund, domain.LedgerEntryFee:
	default:
		return fmt.Errorf("%w: unknown type %q", ErrInvalidLedgerEntry, entry.Type)
	}
	switch entry.Status {
	case domain.LedgerStatusPending, domain.LedgerStatusSettled, domain.LedgerStatusFailed:
	default:
		return fmt.Errorf("%w: unknown status %q", ErrInvalidLedgerEntry, entry.Status)
	}
	if entry.OrderID == "" {
		return fmt.Errorf("%w: order id is required", ErrInvalidLedgerEntry)
	}
	if entry.GrossAmount.IsNegative() || entry.FeeAmount.IsNegative() {
		return fmt.Errorf("%w: amounts must not be negative", ErrInvalidLedgerEntry)
	}
	if !entry.GrossAmount.Sub(entry.FeeAmount).Equal(entry.NetAmount) {
		return fmt.Errorf("%w: net must equal gross minus fee", ErrInvalidLedgerEntry)
	}
	return nil
}

// Balance returns the reconciliation view of an order's ledger.
func (s *Service) Balance(ctx context.Context, orderID string) (*domain.LedgerBalance, error) {
	if _, err := s.repo.GetOrder(ctx, orderID); err != nil {
		return nil, err
	}
	entries, err := s.repo.ListLedgerEntries(ctx, orderID)
	if err != nil {
		return nil, err
	}
	balance := summarizeLedger(orderID, entries)
	return &balance, nil
}

// currentEntries drops every entry that a later entry supersedes.
func currentEntries(entries []domain.LedgerEntry) []domain.LedgerEntry {
	superseded := make(map[string]bool, len(entries))
	for _, e := range entries {
		if e.SupersedesID != nil {
			superseded[*e.SupersedesID] = true
		}
	}
	current := make([]domain.LedgerEntry, 0, len(entries))
	for _, e := range entries {
		if !superseded[e.ID] {
			current = append(current, e)
		}
	}
	return current
}

// summarizeLedger sums current entries by type. The balance is settled charges
// minus settled refunds minus settled fees.
func summarizeLedger(orderID string, entries []domain.LedgerEntry) domain.LedgerBalance {
	b := domain.LedgerBalance{
		OrderID:        orderID,
		Charged:        decimal.Zero,
		PendingCharges: decimal.Zero,
		FailedCharges:  decimal.Zero,
		Refunded:       decimal.Zero,
		Fees:           decimal.Zero,
		Entries:        entries,
	}
	if b.Entries == nil {
		b.Entries = []domain.LedgerEntry{}
	}

	for _, e := range currentEntries(entries) {
		switch e.Type {
		case domain.LedgerEntryCharge:
			switch e.Status {
			case domain.LedgerStatusSettled:
				b.Charged = b.Charged.Add(e.GrossAmount)
			case domain.LedgerStatusPending:
				b.PendingCharges = b.PendingCharges.Add(e.GrossAmount)
			case domain.LedgerStatusFailed:
				b.FailedCharges = b.FailedCharges.Add(e.GrossAmount)
			}
		case domain.LedgerEntryRefund:
			if e.Status == domain.LedgerStatusSettled {
				b.Refunded = b.Refunded.Add(e.GrossAmount)
			}
		case domain.LedgerEntryFee:
			if e.Status == domain.LedgerStatusSettled {
				b.Fees = b.Fees.Add(e.GrossAmount)
			}
		}
	}
	b.Balance = b.Charged.Sub(b.Refunded).Sub(b.Fees)
	return b
}

// staleThreshold returns how long a charge may stay pending before review.
func (s *Service) staleThreshold(entry domain.LedgerEntry) time.Duration {
	if d, ok := s.cfg.StaleAfterByGateway[entry.GatewayID]; ok && d > 0 {
		return d
	}
	var meta struct {
		PaymentMethod string `json:"payment_method"`
	}
	if len(entry.Metadata) > 0 {
		_ = json.Unmarshal(entry.Metadata, &meta)
	}
	if gateway.Method(meta.PaymentMethod) == gateway.MethodBoleto {
		return s.cfg.StaleAfterBoleto
	}
	return s.cfg.StaleAfter
}

// StalePending lists pending charges that outlived their settlement window.
// A positive olderThan replaces the configured per-gateway thresholds.
func (s *Service) StalePending(ctx context.Context, olderThan time.Duration) ([]domain.StaleCharge, error) {
	minimum := olderThan
	if minimum <= 0 {
		minimum = s.cfg.StaleAfter
		if s.cfg.StaleAfterBoleto < minimum {
			minimum = s.cfg.StaleAfterBoleto
		}
		for _, d := range s.cfg.StaleAfterByGateway {
			if d > 0 && d < minimum {
				minimum = d
			}
		}
	}

	now := s.now()
	pending, err := s.repo.ListPendingCharges(ctx, now.Add(-minimum))
	if err != nil {
		return nil, err
	}

	stale := make([]domain.StaleCharge, 0, len(pending))
	for _, entry := range pending {
		threshold := olderThan
		if threshold <= 0 {
			threshold = s.staleThreshold(entry)
		}
		age := now.Sub(entry.CreatedAt)
		if age < threshold {
			continue
		}
		stale = append(stale, domain.StaleCharge{Entry: entry, Age: age, Threshold: threshold})
	}
	sort.Slice(stale, func(i, j int) bool {
		return stale[i].Entry.CreatedAt.Before(stale[j].Entry.CreatedAt)
	})
	return stale, nil
}

// ReportStalePending publishes one ledger.pending.stale event per stale charge.
// Charges are never failed automatically.
func (s *Service) ReportStalePending(ctx context.Context) (int, error) {
	stale, err := s.StalePending(ctx, 0)
	if err != nil {
		return 0, err
	}
	for _, c := range stale {
		s.logger.Warn("pending charge needs review",
			"entry_id", c.Entry.ID, "order_id", c.Entry.OrderID, "gateway", c.Entry.GatewayID,
			"external_reference", c.Entry.ExternalReference, "age", c.Age.String())
		s.publishEvent(ctx, RoutingKeyStaleCharge, domain.StaleChargeEvent{
			EntryID:           c.Entry.ID,
			OrderID:           c.Entry.OrderID,
			GatewayID:         c.Entry.GatewayID,
			ExternalReference: c.Entry.ExternalReference,
			GrossAmount:       c.Entry.GrossAmount,
			PendingSince:      c.Entry.CreatedAt,
		})
	}
	return len(stale), nil
}
