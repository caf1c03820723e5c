/**
 * @description
 * Data access contract for payment orchestration: orders, fee records, the
 * append-only ledger, webhook receipts and seller OAuth connections.
 */
package store

import (
	"context"
	"errors"
	"time"

	"github.com/hngcommerce/payment-service/internal/domain"
	"github.com/shopspring/decimal"
)

var (
	ErrOrderNotFound         = errors.New("order not found")
	ErrFeeRecordNotFound     = errors.New("fee record not found")
	ErrLedgerEntryNotFound   = errors.New("ledger entry not found")
	ErrSellerNotConnected    = errors.New("seller not connected")
	ErrStaleTransition       = errors.New("order status changed concurrently")
	ErrLedgerEntrySuperseded = errors.New("ledger entry already superseded")
	ErrFeeRecordSuperseded   = errors.New("fee record already superseded")
)

// TransitionParams describes one atomic order update. When From equals To the
// status is left untouched but the guard still applies, so the attached fee
// record and ledger entries are only written if nobody moved the order.
// A nil SellerID keeps the stored seller; an empty one clears it.
type TransitionParams struct {
	OrderID           string
	From              domain.OrderStatus
	To                domain.OrderStatus
	Actor             string
	Note              string
	GatewayID         *string
	PaymentMethod     *string
	ProviderReference *string
	SellerID          *string
	FeeRecord         *domain.FeeRecord
	LedgerEntries     []domain.LedgerEntry
}

// Repository defines the persistence operations used by the service.
type Repository interface {
	GetOrder(ctx context.Context, orderID string) (*domain.Order, error)
	FindOrderByProviderReference(ctx context.Context, gatewayID, reference string) (*domain.Order, error)
	ApplyTransition(ctx context.Context, params TransitionParams) error
	ListOrderNotes(ctx context.Context, orderID string) ([]domain.OrderNote, error)

	LatestFeeRecord(ctx context.Context, orderID string) (*domain.FeeRecord, error)

	InsertLedgerEntry(ctx context.Context, entry domain.LedgerEntry) (string, error)
	ListLedgerEntries(ctx context.Context, orderID string) ([]domain.LedgerEntry, error)
	CurrentCharge(ctx context.Context, orderID, externalReference string) (*domain.LedgerEntry, error)
	ListPendingCharges(ctx context.Context, createdBefore time.Time) ([]domain.LedgerEntry, error)
	TrailingRevenue(ctx context.Context, merchantID string, since time.Time) (decimal.Decimal, error)
	ListActiveMerchants(ctx context.Context, since time.Time) ([]string, error)

	RecordWebhookEvent(ctx context.Context, event domain.WebhookEvent) (bool, error)

	GetSellerConnection(ctx context.Context, gatewayID, sellerID string) (*domain.SellerConnection, error)
	SaveSellerConnection(ctx context.Context, conn domain.SellerConnection) error
}
