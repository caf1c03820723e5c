package domain

// PaymentData is the customer-supplied part of a checkout charge request.
// Payer fields default to the order's customer when empty.
type PaymentData struct {
	Method         string `json:"payment_method"`
	CardToken      string `json:"card_token,omitempty"`
	CardBrand      string `json:"payment_method_id,omitempty"`
	Installments   int    `json:"installments,omitempty"`
	IssuerID       string `json:"issuer_id,omitempty"`
	Document       string `json:"document,omitempty"`
	PayerEmail     string `json:"payer_email,omitempty"`
	PayerName      string `json:"payer_name,omitempty"`
	PayerPhone     string `json:"payer_phone,omitempty"`
	SellerID       string `json:"seller_id,omitempty"`
	IdempotencyKey string `json:"idempotency_key,omitempty"`
}
