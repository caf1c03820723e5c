package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// StatusChangedEvent is published after an order status transition commits.
type StatusChangedEvent struct {
	OrderID       string      `json:"order_id"`
	MerchantID    string      `json:"merchant_id"`
	CustomerEmail string      `json:"customer_email"`
	From          OrderStatus `json:"from_status"`
	To            OrderStatus `json:"to_status"`
	Actor         string      `json:"actor"`
	Note          string      `json:"note,omitempty"`
	OccurredAt    time.Time   `json:"occurred_at"`
}

// FeeComputedEvent is published when a fee record is stored for a charge.
type FeeComputedEvent struct {
	OrderID    string    `json:"order_id"`
	MerchantID string    `json:"merchant_id"`
	FeeRecord  FeeRecord `json:"fee_record"`
	OccurredAt time.Time `json:"occurred_at"`
}

// FulfillmentRequestedEvent is published when an admin completes an order.
type FulfillmentRequestedEvent struct {
	OrderID    string     `json:"order_id"`
	MerchantID string     `json:"merchant_id"`
	Items      []LineItem `json:"items"`
	OccurredAt time.Time  `json:"occurred_at"`
}

// StaleChargeEvent is published for each pending charge needing admin review.
type StaleChargeEvent struct {
	EntryID           string          `json:"entry_id"`
	OrderID           string          `json:"order_id"`
	GatewayID         string          `json:"gateway_id"`
	ExternalReference string          `json:"external_reference"`
	GrossAmount       decimal.Decimal `json:"gross_amount"`
	PendingSince      time.Time       `json:"pending_since"`
}

// ReconcileRequest is consumed from the broker to trigger a status poll.
type ReconcileRequest struct {
	OrderID     string `json:"order_id"`
	RequestedBy string `json:"requested_by,omitempty"`
}

// WebhookEvent is the audit receipt of an inbound provider notification.
type WebhookEvent struct {
	ID                string    `json:"id"`
	Gateway           string    `json:"gateway"`
	ProviderPaymentID string    `json:"provider_payment_id"`
	ExternalReference string    `json:"external_reference,omitempty"`
	Action            string    `json:"action,omitempty"`
	Status            string    `json:"status"`
	OrderID           *string   `json:"order_id,omitempty"`
	Outcome           string    `json:"outcome"`
	RawBody           []byte    `json:"-"`
	ReceivedAt        time.Time `json:"received_at"`
}

// SellerConnection stores the OAuth tokens of a seller connected for split payments.
type SellerConnection struct {
	GatewayID          string    `json:"gateway_id"`
	SellerID           string    `json:"seller_id"`
	ProviderUserID     string    `json:"provider_user_id"`
	AccessTokenSealed  []byte    `json:"-"`
	RefreshTokenSealed []byte    `json:"-"`
	ExpiresAt          time.Time `json:"expires_at"`
	UpdatedAt          time.Time `json:"updated_at"`
}
