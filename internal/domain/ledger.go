package domain

import (
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"
)

// LedgerEntryType classifies a financial movement.
type LedgerEntryType string

const (
	LedgerEntryCharge LedgerEntryType = "charge"
	LedgerEntryRefund LedgerEntryType = "refund"
	LedgerEntryFee    LedgerEntryType = "fee"
)

// LedgerEntryStatus is the settlement status of an entry.
type LedgerEntryStatus string

const (
	LedgerStatusPending LedgerEntryStatus = "pending"
	LedgerStatusSettled LedgerEntryStatus = "settled"
	LedgerStatusFailed  LedgerEntryStatus = "failed"
)

// LedgerEntry is an append-only financial record. A status change is a new
// entry whose SupersedesID points at the entry it replaces.
type LedgerEntry struct {
	ID                string            `json:"id"`
	Type              LedgerEntryType   `json:"type"`
	OrderID           string            `json:"order_id"`
	GatewayID         string            `json:"gateway_id"`
	ExternalReference string            `json:"external_reference"`
	GrossAmount       decimal.Decimal   `json:"gross_amount"`
	FeeAmount         decimal.Decimal   `json:"fee_amount"`
	NetAmount         decimal.Decimal   `json:"net_amount"`
	Status            LedgerEntryStatus `json:"status"`
	Metadata          json.RawMessage   `json:"metadata,omitempty"`
	SupersedesID      *string           `json:"supersedes_id,omitempty"`
	CreatedAt         time.Time         `json:"created_at"`
}

// LedgerBalance is the reconciliation view of one order's ledger.
type LedgerBalance struct {
	OrderID        string          `json:"order_id"`
	Charged        decimal.Decimal `json:"charged"`
	PendingCharges decimal.Decimal `json:"pending_charges"`
	FailedCharges  decimal.Decimal `json:"failed_charges"`
	Refunded       decimal.Decimal `json:"refunded"`
	Fees           decimal.Decimal `json:"fees"`
	Balance        decimal.Decimal `json:"balance"`
	Entries        []LedgerEntry   `json:"entries"`
}

// StaleCharge is a pending charge that outlived its gateway settlement window.
type StaleCharge struct {
	Entry     LedgerEntry   `json:"entry"`
	Age       time.Duration `json:"age"`
	Threshold time.Duration `json:"threshold"`
}
