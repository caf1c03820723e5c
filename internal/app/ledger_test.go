package app

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/hngcommerce/payment-service/internal/domain"
	"github.com/hngcommerce/payment-service/pkg/gateway"
	"github.com/shopspring/decimal"
)

func TestAddEntry_Validation(t *testing.T) {
	svc := newTestService(newMemRepo(), nil)
	valid := domain.LedgerEntry{
		Type:        domain.LedgerEntryCharge,
		OrderID:     "order-1",
		GrossAmount: decimal.RequireFromString("100.00"),
		FeeAmount:   decimal.RequireFromString("4.00"),
		NetAmount:   decimal.RequireFromString("96.00"),
		Status:      domain.LedgerStatusPending,
	}

	tests := []struct {
		name   string
		mutate func(e *domain.LedgerEntry)
	}{
		{"unknown type", func(e *domain.LedgerEntry) { e.Type = "payout" }},
		{"unknown status", func(e *domain.LedgerEntry) { e.Status = "reversed" }},
		{"missing order", func(e *domain.LedgerEntry) { e.OrderID = "" }},
		{"negative gross", func(e *domain.LedgerEntry) { e.GrossAmount = decimal.NewFromInt(-1) }},
		{"net mismatch", func(e *domain.LedgerEntry) { e.NetAmount = decimal.RequireFromString("95.00") }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			entry := valid
			tt.mutate(&entry)
			if _, err := svc.AddEntry(context.Background(), entry); !errors.Is(err, ErrInvalidLedgerEntry) {
				t.Fatalf("expected ErrInvalidLedgerEntry, got %v", err)
			}
		})
	}

	id, err := svc.AddEntry(context.Background(), valid)
	if err != nil || id == "" {
		t.Fatalf("expected entry id, got %q (%v)", id, err)
	}
}

func TestSummarizeLedger_UsesCurrentEntriesOnly(t *testing.T) {
	pendingID := "e-1"
	entries := []domain.LedgerEntry{
		{ID: pendingID, Type: domain.LedgerEntryCharge, Status: domain.LedgerStatusPending, GrossAmount: decimal.NewFromInt(200)},
		{ID: "e-2", Type: domain.LedgerEntryCharge, Status: domain.LedgerStatusSettled, GrossAmount: decimal.NewFromInt(200), SupersedesID: &pendingID},
		{ID: "e-3", Type: domain.LedgerEntryFee, Status: domain.LedgerStatusSettled, GrossAmount: decimal.NewFromInt(8)},
		{ID: "e-4", Type: domain.LedgerEntryRefund, Status: domain.LedgerStatusSettled, GrossAmount: decimal.NewFromInt(50)},
		{ID: "e-5", Type: domain.LedgerEntryCharge, Status: domain.LedgerStatusFailed, GrossAmount: decimal.NewFromInt(30)},
	}

	b := summarizeLedger("order-1", entries)
	if !b.Charged.Equal(decimal.NewFromInt(200)) || !b.PendingCharges.IsZero() {
		t.Fatalf("expected superseded pending charge excluded, got %+v", b)
	}
	if !b.FailedCharges.Equal(decimal.NewFromInt(30)) {
		t.Fatalf("expected failed charges 30, got %s", b.FailedCharges)
	}
	if !b.Balance.Equal(decimal.NewFromInt(142)) {
		t.Fatalf("expected balance 142, got %s", b.Balance)
	}
	if len(b.Entries) != len(entries) {
		t.Fatalf("expected full history in view")
	}
}

func TestBalance_UnknownOrder(t *testing.T) {
	svc := newTestService(newMemRepo(), nil)
	if _, err := svc.Balance(context.Background(), "missing"); err == nil {
		t.Fatalf("expected error for unknown order")
	}
}

func insertCharge(t *testing.T, repo *memRepo, id, gatewayID string, method gateway.Method, createdAt time.Time, supersedes *string, status domain.LedgerEntryStatus) {
	t.Helper()
	meta, _ := json.Marshal(map[string]string{"payment_method": string(method)})
	_, err := repo.InsertLedgerEntry(context.Background(), domain.LedgerEntry{
		ID:                id,
		Type:              domain.LedgerEntryCharge,
		OrderID:           "order-" + id,
		GatewayID:         gatewayID,
		ExternalReference: "ref-" + id,
		GrossAmount:       decimal.NewFromInt(100),
		NetAmount:         decimal.NewFromInt(100),
		Status:            status,
		Metadata:          meta,
		SupersedesID:      supersedes,
		CreatedAt:         createdAt,
	})
	if err != nil {
		t.Fatalf("insert: %v", err)
	}
}

func TestStalePending_PerMethodThresholds(t *testing.T) {
	repo := newMemRepo()
	pub := &recordingPublisher{}
	svc := newTestService(repo, pub)
	now := svc.now()

	insertCharge(t, repo, "pix-old", gateway.MercadoPagoID, gateway.MethodPix, now.Add(-30*time.Hour), nil, domain.LedgerStatusPending)
	insertCharge(t, repo, "pix-new", gateway.MercadoPagoID, gateway.MethodPix, now.Add(-2*time.Hour), nil, domain.LedgerStatusPending)
	insertCharge(t, repo, "boleto-young", gateway.AsaasID, gateway.MethodBoleto, now.Add(-30*time.Hour), nil, domain.LedgerStatusPending)
	insertCharge(t, repo, "boleto-old", gateway.AsaasID, gateway.MethodBoleto, now.Add(-80*time.Hour), nil, domain.LedgerStatusPending)
	insertCharge(t, repo, "settled", gateway.AsaasID, gateway.MethodPix, now.Add(-100*time.Hour), nil, domain.LedgerStatusPending)
	insertCharge(t, repo, "settled-2", gateway.AsaasID, gateway.MethodPix, now.Add(-99*time.Hour), strPtr("settled"), domain.LedgerStatusSettled)

	stale, err := svc.StalePending(context.Background(), 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(stale) != 2 || stale[0].Entry.ID != "boleto-old" || stale[1].Entry.ID != "pix-old" {
		t.Fatalf("unexpected stale charges %+v", stale)
	}
	if stale[0].Threshold != 72*time.Hour || stale[1].Threshold != 24*time.Hour {
		t.Fatalf("unexpected thresholds %s / %s", stale[0].Threshold, stale[1].Threshold)
	}

	explicit, err := svc.StalePending(context.Background(), time.Hour)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(explicit) != 4 {
		t.Fatalf("expected every pending charge older than 1h, got %d", len(explicit))
	}

	count, err := svc.ReportStalePending(context.Background())
	if err != nil || count != 2 {
		t.Fatalf("expected 2 reported, got %d (%v)", count, err)
	}
	for _, key := range pub.keys() {
		if key != RoutingKeyStaleCharge {
			t.Fatalf("unexpected event %s", key)
		}
	}
	if repo.applyCalls != 0 {
		t.Fatalf("stale charges must never be failed automatically")
	}
}

func TestStalePending_GatewayOverride(t *testing.T) {
	repo := newMemRepo()
	svc := newTestService(repo, nil)
	svc.cfg.StaleAfterByGateway = map[string]time.Duration{gateway.PagSeguroID: 6 * time.Hour}
	now := svc.now()

	insertCharge(t, repo, "ps", gateway.PagSeguroID, gateway.MethodBoleto, now.Add(-7*time.Hour), nil, domain.LedgerStatusPending)

	stale, err := svc.StalePending(context.Background(), 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(stale) != 1 || stale[0].Threshold != 6*time.Hour {
		t.Fatalf("expected override threshold to apply, got %+v", stale)
	}
}
