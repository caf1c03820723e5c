/**
 * @description
 * This package provides adapters for the Brazilian payment providers the
 * storefront accepts (Mercado Pago, Asaas, PagSeguro). Every provider is exposed
 * through the same Adapter contract so checkout, webhook ingestion and
 * reconciliation stay provider-agnostic.
 *
 * @dependencies
 * - github.com/shopspring/decimal: money amounts.
 * - github.com/sony/gobreaker/v2, otelhttp: shared outbound transport.
 */
package gateway

import (
	"context"
	"net/http"
	"strings"

	"github.com/shopspring/decimal"
)

// Method is a payment method accepted by the storefront.
type Method string

const (
	MethodPix        Method = "pix"
	MethodBoleto     Method = "boleto"
	MethodCreditCard Method = "credit_card"
)

// ParseMethod normalizes a method name coming from checkout.
func ParseMethod(raw string) (Method, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "pix":
		return MethodPix, nil
	case "boleto", "bank_slip", "bolbradesco":
		return MethodBoleto, nil
	case "credit_card", "card", "creditcard":
		return MethodCreditCard, nil
	}
	return "", InvalidMethod(raw)
}

// Status is the normalized provider payment status vocabulary.
type Status string

const (
	StatusPending     Status = "pending"
	StatusApproved    Status = "approved"
	StatusAuthorized  Status = "authorized"
	StatusInProcess   Status = "in_process"
	StatusRejected    Status = "rejected"
	StatusCancelled   Status = "cancelled"
	StatusRefunded    Status = "refunded"
	StatusChargedBack Status = "charged_back"
)

// Customer identifies the payer.
type Customer struct {
	Name     string
	Email    string
	Document string // CPF or CNPJ, digits only
	Phone    string
}

// Item is a line forwarded to providers that itemize charges.
type Item struct {
	Name      string
	Quantity  int
	UnitPrice decimal.Decimal
}

// PaymentRequest is the provider-agnostic charge request built from an order
// and the method-specific payment data sent by checkout.
type PaymentRequest struct {
	OrderID         string
	Amount          decimal.Decimal
	Currency        string
	Description     string
	Customer        Customer
	Items           []Item
	Method          Method
	CardToken       string
	CardBrand       string
	Installments    int
	IssuerID        string
	SellerID        string
	ApplicationFee  decimal.Decimal
	IdempotencyKey  string
	NotificationURL string
}

// Outcome is the normalized result of a payment creation call.
type Outcome struct {
	Success           bool              `json:"success"`
	PaymentMethod     Method            `json:"payment_method"`
	Status            Status            `json:"status"`
	ProviderReference string            `json:"provider_reference"`
	Split             bool              `json:"split"`
	Data              map[string]string `json:"data,omitempty"`
}

// Method-specific keys of Outcome.Data.
const (
	DataPixQRCode       = "qr_code"
	DataPixQRCodeBase64 = "qr_code_base64"
	DataTicketURL       = "ticket_url"
	DataBarcode         = "barcode"
	DataBoletoURL       = "boleto_url"
	DataExpiresAt       = "expires_at"
	DataStatusDetail    = "status_detail"
	DataInstallments    = "installments"
)

// Payment is the authoritative provider view of a payment.
type Payment struct {
	ID                string          `json:"id"`
	ExternalReference string          `json:"external_reference"`
	Status            Status          `json:"status"`
	RawStatus         string          `json:"raw_status"`
	Amount            decimal.Decimal `json:"amount"`
	RefundedAmount    decimal.Decimal `json:"refunded_amount"`
}

// Notice is what a verified webhook tells us: which payment changed. Status
// is never taken from the body.
type Notice struct {
	PaymentID         string
	ExternalReference string
	Action            string
}

// Adapter is the uniform contract every payment provider implements.
type Adapter interface {
	ID() string
	IsConfigured() bool
	ProcessPayment(ctx context.Context, req PaymentRequest) (*Outcome, error)
	GetPaymentStatus(ctx context.Context, paymentID string) (*Payment, error)
	ParseWebhook(header http.Header, body []byte) (*Notice, error)
	RefundPayment(ctx context.Context, paymentID string, amount decimal.Decimal) (string, error)
}

type sellerKey struct{}

// WithSeller marks ctx with the connected seller that owns the payment being
// queried or refunded. Adapters without split payments ignore it.
func WithSeller(ctx context.Context, sellerID string) context.Context {
	if sellerID == "" {
		return ctx
	}
	return context.WithValue(ctx, sellerKey{}, sellerID)
}

// SellerFromContext returns the seller set by WithSeller, or "".
func SellerFromContext(ctx context.Context) string {
	id, _ := ctx.Value(sellerKey{}).(string)
	return id
}

// Successful reports whether a normalized status means the charge went through
// or may still go through.
func (s Status) Successful() bool {
	return s != StatusRejected && s != StatusCancelled
}

func toCents(amount decimal.Decimal) int64 {
	return amount.Round(2).Shift(2).IntPart()
}

func fromCents(cents int64) decimal.Decimal {
	return decimal.New(cents, -2)
}

func digitsOnly(s string) string {
	var b strings.Builder
	for _, r := range s {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}
