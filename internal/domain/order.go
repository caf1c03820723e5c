/**
 * @description
 * Domain models for orders as seen by payment orchestration.
 */
package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// OrderStatus is the fixed order status vocabulary.
type OrderStatus string

const (
	OrderStatusPendingApproval OrderStatus = "pending-approval"
	OrderStatusAwaitingPayment OrderStatus = "awaiting-payment"
	OrderStatusPending         OrderStatus = "pending"
	OrderStatusProcessing      OrderStatus = "processing"
	OrderStatusOnHold          OrderStatus = "on-hold"
	OrderStatusCompleted       OrderStatus = "completed"
	OrderStatusCancelled       OrderStatus = "cancelled"
	OrderStatusFailed          OrderStatus = "failed"
	OrderStatusRefunded        OrderStatus = "refunded"
)

// Valid reports whether s belongs to the status vocabulary.
func (s OrderStatus) Valid() bool {
	switch s {
	case OrderStatusPendingApproval, OrderStatusAwaitingPayment, OrderStatusPending,
		OrderStatusProcessing, OrderStatusOnHold, OrderStatusCompleted,
		OrderStatusCancelled, OrderStatusFailed, OrderStatusRefunded:
		return true
	}
	return false
}

// Order represents an order row. Content is owned by checkout; status, gateway
// and provider reference are owned by payment orchestration.
type Order struct {
	ID                string          `json:"id"`
	MerchantID        string          `json:"merchant_id"`
	Status            OrderStatus     `json:"status"`
	Currency          string          `json:"currency"`
	Subtotal          decimal.Decimal `json:"subtotal"`
	Shipping          decimal.Decimal `json:"shipping"`
	Discount          decimal.Decimal `json:"discount"`
	Tax               decimal.Decimal `json:"tax"`
	GrandTotal        decimal.Decimal `json:"grand_total"`
	CustomerID        string          `json:"customer_id"`
	CustomerName      string          `json:"customer_name"`
	CustomerEmail     string          `json:"customer_email"`
	CustomerDocument  string          `json:"customer_document,omitempty"`
	ProductType       string          `json:"product_type"`
	PaymentMethod     *string         `json:"payment_method,omitempty"`
	GatewayID         *string         `json:"gateway_id,omitempty"`
	ProviderReference *string         `json:"provider_reference,omitempty"`
	SellerID          *string         `json:"seller_id,omitempty"`
	Items             []LineItem      `json:"items"`
	CreatedAt         time.Time       `json:"created_at"`
	UpdatedAt         time.Time       `json:"updated_at"`
}

// Total returns the amount charged to the customer.
func (o *Order) Total() decimal.Decimal {
	return o.GrandTotal
}

// CustomerEmailAddress returns the email used for payer identification.
func (o *Order) CustomerEmailAddress() string {
	return o.CustomerEmail
}

// LineItems returns the order's items.
func (o *Order) LineItems() []LineItem {
	return o.Items
}

// Gateway returns the gateway attached to the order, or "".
func (o *Order) Gateway() string {
	if o.GatewayID == nil {
		return ""
	}
	return *o.GatewayID
}

// Seller returns the connected seller whose account holds the payment, or ""
// when the platform account charged it.
func (o *Order) Seller() string {
	if o.SellerID == nil {
		return ""
	}
	return *o.SellerID
}

// Reference returns the provider payment reference, or "".
func (o *Order) Reference() string {
	if o.ProviderReference == nil {
		return ""
	}
	return *o.ProviderReference
}

// LineItem is a single product line on an order.
type LineItem struct {
	ProductID        string          `json:"product_id"`
	Name             string          `json:"name"`
	Quantity         int             `json:"quantity"`
	UnitPrice        decimal.Decimal `json:"unit_price"`
	Subtotal         decimal.Decimal `json:"subtotal"`
	CommissionRate   decimal.Decimal `json:"commission_rate"`
	CommissionAmount decimal.Decimal `json:"commission_amount"`
	CostBasis        decimal.Decimal `json:"cost_basis"`
}

// Profit returns the line subtotal minus cost basis and commission.
func (l LineItem) Profit() decimal.Decimal {
	return l.Subtotal.Sub(l.CostBasis).Sub(l.CommissionAmount)
}

// OrderNote is an audit note written alongside every status transition.
type OrderNote struct {
	ID        string      `json:"id"`
	OrderID   string      `json:"order_id"`
	From      OrderStatus `json:"from_status"`
	To        OrderStatus `json:"to_status"`
	Actor     string      `json:"actor"`
	Note      string      `json:"note"`
	CreatedAt time.Time   `json:"created_at"`
}
