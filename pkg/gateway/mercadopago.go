package gateway

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"log"
	"net/http"
	"net/url"
	"strings"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

const (
	MercadoPagoID         = "mercadopago"
	mercadoPagoBaseURL    = "https://api.mercadopago.com"
	mercadoPagoBoletoCode = "bolbradesco"
)

// SellerTokenSource resolves the OAuth access token of a seller connected for
// split payments. It returns "" with a nil error when the seller never connected.
type SellerTokenSource interface {
	SellerAccessToken(ctx context.Context, gatewayID, sellerID string) (string, error)
}

// MercadoPagoConfig holds the platform credentials for Mercado Pago.
type MercadoPagoConfig struct {
	AccessToken   string
	WebhookSecret string
	BaseURL       string
	Transport     TransportConfig
}

// MercadoPago implements Adapter against the Mercado Pago payments API.
type MercadoPago struct {
	cfg     MercadoPagoConfig
	api     *apiClient
	sellers SellerTokenSource
}

// NewMercadoPago creates a Mercado Pago adapter. sellers may be nil when split
// payments are disabled.
func NewMercadoPago(cfg MercadoPagoConfig, sellers SellerTokenSource) *MercadoPago {
	if cfg.BaseURL == "" {
		cfg.BaseURL = mercadoPagoBaseURL
	}
	return &MercadoPago{
		cfg:     cfg,
		api:     newAPIClient(MercadoPagoID, strings.TrimRight(cfg.BaseURL, "/"), cfg.Transport),
		sellers: sellers,
	}
}

func (m *MercadoPago) ID() string { return MercadoPagoID }

func (m *MercadoPago) IsConfigured() bool {
	return strings.TrimSpace(m.cfg.AccessToken) != ""
}

type mpIdentification struct {
	Type   string `json:"type"`
	Number string `json:"number"`
}

type mpPayer struct {
	Email          string            `json:"email"`
	FirstName      string            `json:"first_name,omitempty"`
	LastName       string            `json:"last_name,omitempty"`
	Identification *mpIdentification `json:"identification,omitempty"`
}

type mpItem struct {
	Title     string  `json:"title"`
	Quantity  int     `json:"quantity"`
	UnitPrice float64 `json:"unit_price"`
}

type mpPaymentRequest struct {
	TransactionAmount float64 `json:"transaction_amount"`
	Description       string  `json:"description,omitempty"`
	PaymentMethodID   string  `json:"payment_method_id"`
	ExternalReference string  `json:"external_reference"`
	NotificationURL   string  `json:"notification_url,omitempty"`
	Token             string  `json:"token,omitempty"`
	Installments      int     `json:"installments,omitempty"`
	IssuerID          string  `json:"issuer_id,omitempty"`
	ApplicationFee    float64 `json:"application_fee,omitempty"`
	Payer             mpPayer `json:"payer"`
	AdditionalInfo    *struct {
		Items []mpItem `json:"items"`
	} `json:"additional_info,omitempty"`
}

type mpPayment struct {
	ID                        flexibleID      `json:"id"`
	Status                    string          `json:"status"`
	StatusDetail              string          `json:"status_detail"`
	ExternalReference         string          `json:"external_reference"`
	PaymentMethodID           string          `json:"payment_method_id"`
	TransactionAmount         decimal.Decimal `json:"transaction_amount"`
	TransactionAmountRefunded decimal.Decimal `json:"transaction_amount_refunded"`
	Installments              int             `json:"installments"`
	DateOfExpiration          string          `json:"date_of_expiration"`
	PointOfInteraction        struct {
		TransactionData struct {
			QRCode       string `json:"qr_code"`
			QRCodeBase64 string `json:"qr_code_base64"`
			TicketURL    string `json:"ticket_url"`
		} `json:"transaction_data"`
	} `json:"point_of_interaction"`
	TransactionDetails struct {
		ExternalResourceURL string `json:"external_resource_url"`
	} `json:"transaction_details"`
	Barcode struct {
		Content string `json:"content"`
	} `json:"barcode"`
}

// ProcessPayment creates a payment. When the seller connected through OAuth the
// charge is created on the seller account with the platform fee as
// application_fee.
func (m *MercadoPago) ProcessPayment(ctx context.Context, req PaymentRequest) (*Outcome, error) {
	if !m.IsConfigured() {
		return nil, NotConfigured(MercadoPagoID)
	}

	payload := mpPaymentRequest{
		TransactionAmount: req.Amount.Round(2).InexactFloat64(),
		Description:       req.Description,
		ExternalReference: req.OrderID,
		NotificationURL:   req.NotificationURL,
		Payer:             mpPayer{Email: req.Customer.Email},
	}
	first, last := splitName(req.Customer.Name)
	payload.Payer.FirstName, payload.Payer.LastName = first, last
	if doc := digitsOnly(req.Customer.Document); doc != "" {
		payload.Payer.Identification = &mpIdentification{Type: documentType(doc), Number: doc}
	}

	switch req.Method {
	case MethodPix:
		payload.PaymentMethodID = string(MethodPix)
	case MethodBoleto:
		if payload.Payer.Identification == nil {
			return nil, MissingField(MercadoPagoID, FieldDocument)
		}
		payload.PaymentMethodID = mercadoPagoBoletoCode
	case MethodCreditCard:
		if req.CardToken == "" {
			return nil, MissingField(MercadoPagoID, FieldCardToken)
		}
		if req.CardBrand == "" {
			return nil, MissingField(MercadoPagoID, FieldCardBrand)
		}
		payload.PaymentMethodID = req.CardBrand
		payload.Token = req.CardToken
		payload.Installments = max(req.Installments, 1)
		payload.IssuerID = req.IssuerID
	default:
		return nil, InvalidMethod(string(req.Method))
	}
	if req.Customer.Email == "" {
		return nil, MissingField(MercadoPagoID, FieldPayerEmail)
	}
	if len(req.Items) > 0 {
		payload.AdditionalInfo = &struct {
			Items []mpItem `json:"items"`
		}{}
		for _, item := range req.Items {
			payload.AdditionalInfo.Items = append(payload.AdditionalInfo.Items, mpItem{
				Title:     item.Name,
				Quantity:  item.Quantity,
				UnitPrice: item.UnitPrice.Round(2).InexactFloat64(),
			})
		}
	}

	token, split := m.resolveToken(ctx, req.SellerID)
	if split && req.ApplicationFee.IsPositive() {
		payload.ApplicationFee = req.ApplicationFee.Round(2).InexactFloat64()
	}

	idempotencyKey := req.IdempotencyKey
	if idempotencyKey == "" {
		idempotencyKey = uuid.NewString()
	}

	var resp mpPayment
	headers := map[string]string{
		"Authorization":     "Bearer " + token,
		"X-Idempotency-Key": idempotencyKey,
	}
	if err := m.api.do(ctx, http.MethodPost, "/v1/payments", headers, payload, &resp); err != nil {
		return nil, err
	}

	status := normalizeMercadoPagoStatus(resp.Status)
	outcome := &Outcome{
		Success:           status.Successful(),
		PaymentMethod:     req.Method,
		Status:            status,
		ProviderReference: resp.ID.String(),
		Split:             split,
		Data:              map[string]string{},
	}
	switch req.Method {
	case MethodPix:
		outcome.Data[DataPixQRCode] = resp.PointOfInteraction.TransactionData.QRCode
		outcome.Data[DataPixQRCodeBase64] = resp.PointOfInteraction.TransactionData.QRCodeBase64
		outcome.Data[DataTicketURL] = resp.PointOfInteraction.TransactionData.TicketURL
		outcome.Data[DataExpiresAt] = resp.DateOfExpiration
	case MethodBoleto:
		outcome.Data[DataBarcode] = resp.Barcode.Content
		outcome.Data[DataBoletoURL] = resp.TransactionDetails.ExternalResourceURL
		outcome.Data[DataExpiresAt] = resp.DateOfExpiration
	case MethodCreditCard:
		outcome.Data[DataStatusDetail] = resp.StatusDetail
		outcome.Data[DataInstallments] = itoa(resp.Installments)
	}
	return outcome, nil
}

func (m *MercadoPago) resolveToken(ctx context.Context, sellerID string) (string, bool) {
	if sellerID == "" || m.sellers == nil {
		return m.cfg.AccessToken, false
	}
	token, err := m.sellers.SellerAccessToken(ctx, MercadoPagoID, sellerID)
	if err != nil {
		log.Printf("level=warn component=mercadopago seller_id=%s msg=\"seller token unavailable, charging on platform account\" err=%q", sellerID, err.Error())
		return m.cfg.AccessToken, false
	}
	if token == "" {
		return m.cfg.AccessToken, false
	}
	return token, true
}

// ownerToken picks the token of the account holding an existing payment. A
// split payment lives on the seller account named by WithSeller.
func (m *MercadoPago) ownerToken(ctx context.Context) string {
	token, _ := m.resolveToken(ctx, SellerFromContext(ctx))
	return token
}

// GetPaymentStatus fetches the authoritative payment state.
func (m *MercadoPago) GetPaymentStatus(ctx context.Context, paymentID string) (*Payment, error) {
	if !m.IsConfigured() {
		return nil, NotConfigured(MercadoPagoID)
	}
	var resp mpPayment
	headers := map[string]string{"Authorization": "Bearer " + m.ownerToken(ctx)}
	if err := m.api.do(ctx, http.MethodGet, "/v1/payments/"+url.PathEscape(paymentID), headers, nil, &resp); err != nil {
		return nil, err
	}
	return &Payment{
		ID:                resp.ID.String(),
		ExternalReference: resp.ExternalReference,
		Status:            normalizeMercadoPagoStatus(resp.Status),
		RawStatus:         resp.Status,
		Amount:            resp.TransactionAmount,
		RefundedAmount:    resp.TransactionAmountRefunded,
	}, nil
}

// ParseWebhook verifies the x-signature header and extracts the payment id.
// The signed manifest is id:<data.id>;request-id:<x-request-id>;ts:<ts>;
func (m *MercadoPago) ParseWebhook(header http.Header, body []byte) (*Notice, error) {
	if m.cfg.WebhookSecret == "" {
		return nil, SignatureInvalid(MercadoPagoID, "webhook secret not configured")
	}

	var payload struct {
		Type   string `json:"type"`
		Action string `json:"action"`
		Data   struct {
			ID flexibleID `json:"id"`
		} `json:"data"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, SignatureInvalid(MercadoPagoID, "malformed payload")
	}

	ts, v1 := parseMercadoPagoSignature(header.Get("x-signature"))
	if ts == "" || v1 == "" {
		return nil, SignatureInvalid(MercadoPagoID, "missing x-signature")
	}
	expected := mercadoPagoSignature(m.cfg.WebhookSecret, payload.Data.ID.String(), header.Get("x-request-id"), ts)
	got, err := hex.DecodeString(v1)
	if err != nil || !hmac.Equal(got, expected) {
		return nil, SignatureInvalid(MercadoPagoID, "signature mismatch")
	}

	notice := &Notice{Action: payload.Action}
	if payload.Type == "payment" || strings.HasPrefix(payload.Action, "payment.") {
		notice.PaymentID = payload.Data.ID.String()
	}
	return notice, nil
}

// RefundPayment refunds amount, or the whole payment when amount is zero.
func (m *MercadoPago) RefundPayment(ctx context.Context, paymentID string, amount decimal.Decimal) (string, error) {
	if !m.IsConfigured() {
		return "", NotConfigured(MercadoPagoID)
	}
	var in interface{}
	if amount.IsPositive() {
		in = map[string]float64{"amount": amount.Round(2).InexactFloat64()}
	}
	var resp struct {
		ID flexibleID `json:"id"`
	}
	headers := map[string]string{
		"Authorization":     "Bearer " + m.ownerToken(ctx),
		"X-Idempotency-Key": uuid.NewString(),
	}
	if err := m.api.do(ctx, http.MethodPost, "/v1/payments/"+url.PathEscape(paymentID)+"/refunds", headers, in, &resp); err != nil {
		return "", err
	}
	return resp.ID.String(), nil
}

func normalizeMercadoPagoStatus(raw string) Status {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "approved":
		return StatusApproved
	case "authorized":
		return StatusAuthorized
	case "in_process", "in_mediation":
		return StatusInProcess
	case "rejected":
		return StatusRejected
	case "cancelled":
		return StatusCancelled
	case "refunded":
		return StatusRefunded
	case "charged_back":
		return StatusChargedBack
	default:
		return StatusPending
	}
}

func parseMercadoPagoSignature(header string) (ts, v1 string) {
	for _, part := range strings.Split(header, ",") {
		key, value, ok := strings.Cut(strings.TrimSpace(part), "=")
		if !ok {
			continue
		}
		switch strings.TrimSpace(key) {
		case "ts":
			ts = strings.TrimSpace(value)
		case "v1":
			v1 = strings.TrimSpace(value)
		}
	}
	return ts, v1
}

func mercadoPagoSignature(secret, dataID, requestID, ts string) []byte {
	var manifest bytes.Buffer
	if dataID != "" {
		manifest.WriteString("id:" + strings.ToLower(dataID) + ";")
	}
	if requestID != "" {
		manifest.WriteString("request-id:" + requestID + ";")
	}
	manifest.WriteString("ts:" + ts + ";")

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(manifest.Bytes())
	return mac.Sum(nil)
}
