package gateway

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

const (
	AsaasID             = "asaas"
	asaasBaseURL        = "https://api.asaas.com/v3"
	asaasSandboxBaseURL = "https://api-sandbox.asaas.com/v3"
	asaasTokenHeader    = "asaas-access-token"
)

// AsaasConfig holds the platform credentials for Asaas.
type AsaasConfig struct {
	APIKey        string
	WebhookToken  string
	BaseURL       string
	Sandbox       bool
	BoletoDueDays int
	Transport     TransportConfig
}

// Asaas implements Adapter against the Asaas v3 API.
type Asaas struct {
	cfg AsaasConfig
	api *apiClient
	now func() time.Time
}

// NewAsaas creates an Asaas adapter.
func NewAsaas(cfg AsaasConfig) *Asaas {
	if cfg.BaseURL == "" {
		cfg.BaseURL = asaasBaseURL
		if cfg.Sandbox {
			cfg.BaseURL = asaasSandboxBaseURL
		}
	}
	if cfg.BoletoDueDays <= 0 {
		cfg.BoletoDueDays = 3
	}
	return &Asaas{
		cfg: cfg,
		api: newAPIClient(AsaasID, strings.TrimRight(cfg.BaseURL, "/"), cfg.Transport),
		now: time.Now,
	}
}

func (a *Asaas) ID() string { return AsaasID }

func (a *Asaas) IsConfigured() bool {
	return strings.TrimSpace(a.cfg.APIKey) != ""
}

func (a *Asaas) headers() map[string]string {
	return map[string]string{"access_token": a.cfg.APIKey}
}

type asaasCustomer struct {
	ID                string `json:"id,omitempty"`
	Name              string `json:"name"`
	Email             string `json:"email,omitempty"`
	CpfCnpj           string `json:"cpfCnpj"`
	MobilePhone       string `json:"mobilePhone,omitempty"`
	ExternalReference string `json:"externalReference,omitempty"`
}

type asaasPaymentRequest struct {
	Customer          string  `json:"customer"`
	BillingType       string  `json:"billingType"`
	Value             float64 `json:"value"`
	DueDate           string  `json:"dueDate"`
	Description       string  `json:"description,omitempty"`
	ExternalReference string  `json:"externalReference"`
	CreditCardToken   string  `json:"creditCardToken,omitempty"`
	InstallmentCount  int     `json:"installmentCount,omitempty"`
	TotalValue        float64 `json:"totalValue,omitempty"`
	RemoteIP          string  `json:"remoteIp,omitempty"`
}

type asaasPayment struct {
	ID                string          `json:"id"`
	Status            string          `json:"status"`
	BillingType       string          `json:"billingType"`
	Value             decimal.Decimal `json:"value"`
	ExternalReference string          `json:"externalReference"`
	DueDate           string          `json:"dueDate"`
	InvoiceURL        string          `json:"invoiceUrl"`
	BankSlipURL       string          `json:"bankSlipUrl"`
	Refunds           []struct {
		Value decimal.Decimal `json:"value"`
	} `json:"refunds"`
}

// ProcessPayment resolves the Asaas customer by CPF/CNPJ and creates the charge.
// Split payments are not offered on Asaas, so SellerID is ignored.
func (a *Asaas) ProcessPayment(ctx context.Context, req PaymentRequest) (*Outcome, error) {
	if !a.IsConfigured() {
		return nil, NotConfigured(AsaasID)
	}

	payload := asaasPaymentRequest{
		Value:             req.Amount.Round(2).InexactFloat64(),
		Description:       req.Description,
		ExternalReference: req.OrderID,
		DueDate:           a.now().Format("2006-01-02"),
	}
	switch req.Method {
	case MethodPix:
		payload.BillingType = "PIX"
	case MethodBoleto:
		payload.BillingType = "BOLETO"
		payload.DueDate = a.now().AddDate(0, 0, a.cfg.BoletoDueDays).Format("2006-01-02")
	case MethodCreditCard:
		if req.CardToken == "" {
			return nil, MissingField(AsaasID, FieldCardToken)
		}
		payload.BillingType = "CREDIT_CARD"
		payload.CreditCardToken = req.CardToken
		if req.Installments > 1 {
			payload.InstallmentCount = req.Installments
			payload.TotalValue = payload.Value
		}
	default:
		return nil, InvalidMethod(string(req.Method))
	}
	doc := digitsOnly(req.Customer.Document)
	if doc == "" {
		return nil, MissingField(AsaasID, FieldDocument)
	}

	customerID, err := a.ensureCustomer(ctx, req.Customer, doc)
	if err != nil {
		return nil, err
	}
	payload.Customer = customerID

	idempotencyKey := req.IdempotencyKey
	if idempotencyKey == "" {
		idempotencyKey = uuid.NewString()
	}
	headers := a.headers()
	headers["Idempotency-Key"] = idempotencyKey

	var payment asaasPayment
	if err := a.api.do(ctx, http.MethodPost, "/payments", headers, payload, &payment); err != nil {
		return nil, err
	}

	status := normalizeAsaasStatus(payment.Status)
	outcome := &Outcome{
		Success:           status.Successful(),
		PaymentMethod:     req.Method,
		Status:            status,
		ProviderReference: payment.ID,
		Data:              map[string]string{DataTicketURL: payment.InvoiceURL},
	}

	switch req.Method {
	case MethodPix:
		var qr struct {
			EncodedImage   string `json:"encodedImage"`
			Payload        string `json:"payload"`
			ExpirationDate string `json:"expirationDate"`
		}
		if err := a.api.do(ctx, http.MethodGet, "/payments/"+url.PathEscape(payment.ID)+"/pixQrCode", a.headers(), nil, &qr); err != nil {
			return nil, err
		}
		outcome.Data[DataPixQRCode] = qr.Payload
		outcome.Data[DataPixQRCodeBase64] = qr.EncodedImage
		outcome.Data[DataExpiresAt] = qr.ExpirationDate
	case MethodBoleto:
		var line struct {
			IdentificationField string `json:"identificationField"`
			BarCode             string `json:"barCode"`
		}
		if err := a.api.do(ctx, http.MethodGet, "/payments/"+url.PathEscape(payment.ID)+"/identificationField", a.headers(), nil, &line); err != nil {
			return nil, err
		}
		outcome.Data[DataBarcode] = line.IdentificationField
		outcome.Data[DataBoletoURL] = payment.BankSlipURL
		outcome.Data[DataExpiresAt] = payment.DueDate
	case MethodCreditCard:
		outcome.Data[DataInstallments] = itoa(max(req.Installments, 1))
	}
	return outcome, nil
}

func (a *Asaas) ensureCustomer(ctx context.Context, customer Customer, doc string) (string, error) {
	var list struct {
		Data []asaasCustomer `json:"data"`
	}
	if err := a.api.do(ctx, http.MethodGet, "/customers?cpfCnpj="+url.QueryEscape(doc), a.headers(), nil, &list); err != nil {
		return "", err
	}
	if len(list.Data) > 0 {
		return list.Data[0].ID, nil
	}

	var created asaasCustomer
	in := asaasCustomer{
		Name:        customer.Name,
		Email:       customer.Email,
		CpfCnpj:     doc,
		MobilePhone: digitsOnly(customer.Phone),
	}
	if err := a.api.do(ctx, http.MethodPost, "/customers", a.headers(), in, &created); err != nil {
		return "", err
	}
	return created.ID, nil
}

// GetPaymentStatus fetches the authoritative payment state.
func (a *Asaas) GetPaymentStatus(ctx context.Context, paymentID string) (*Payment, error) {
	if !a.IsConfigured() {
		return nil, NotConfigured(AsaasID)
	}
	var payment asaasPayment
	if err := a.api.do(ctx, http.MethodGet, "/payments/"+url.PathEscape(paymentID), a.headers(), nil, &payment); err != nil {
		return nil, err
	}
	refunded := decimal.Zero
	for _, r := range payment.Refunds {
		refunded = refunded.Add(r.Value)
	}
	return &Payment{
		ID:                payment.ID,
		ExternalReference: payment.ExternalReference,
		Status:            normalizeAsaasStatus(payment.Status),
		RawStatus:         payment.Status,
		Amount:            payment.Value,
		RefundedAmount:    refunded,
	}, nil
}

// ParseWebhook checks the asaas-access-token header against the configured
// token and extracts the payment id.
func (a *Asaas) ParseWebhook(header http.Header, body []byte) (*Notice, error) {
	if a.cfg.WebhookToken == "" {
		return nil, SignatureInvalid(AsaasID, "webhook token not configured")
	}
	got := header.Get(asaasTokenHeader)
	if subtle.ConstantTimeCompare([]byte(got), []byte(a.cfg.WebhookToken)) != 1 {
		return nil, SignatureInvalid(AsaasID, "access token mismatch")
	}

	var payload struct {
		Event   string `json:"event"`
		Payment *struct {
			ID                string `json:"id"`
			ExternalReference string `json:"externalReference"`
		} `json:"payment"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, SignatureInvalid(AsaasID, "malformed payload")
	}

	notice := &Notice{Action: payload.Event}
	if payload.Payment != nil {
		notice.PaymentID = payload.Payment.ID
		notice.ExternalReference = payload.Payment.ExternalReference
	}
	return notice, nil
}

// RefundPayment refunds amount, or the whole payment when amount is zero.
func (a *Asaas) RefundPayment(ctx context.Context, paymentID string, amount decimal.Decimal) (string, error) {
	if !a.IsConfigured() {
		return "", NotConfigured(AsaasID)
	}
	in := map[string]interface{}{}
	if amount.IsPositive() {
		in["value"] = amount.Round(2).InexactFloat64()
	}
	var payment asaasPayment
	if err := a.api.do(ctx, http.MethodPost, "/payments/"+url.PathEscape(paymentID)+"/refund", a.headers(), in, &payment); err != nil {
		return "", err
	}
	return payment.ID, nil
}

func normalizeAsaasStatus(raw string) Status {
	switch strings.ToUpper(strings.TrimSpace(raw)) {
	case "RECEIVED", "CONFIRMED", "RECEIVED_IN_CASH":
		return StatusApproved
	case "AWAITING_RISK_ANALYSIS", "AWAITING_CHARGEBACK_REVERSAL":
		return StatusInProcess
	case "REFUNDED", "REFUND_REQUESTED", "REFUND_IN_PROGRESS":
		return StatusRefunded
	case "CHARGEBACK_REQUESTED", "CHARGEBACK_DISPUTE":
		return StatusChargedBack
	case "DELETED":
		return StatusCancelled
	case "REPROVED_BY_RISK_ANALYSIS":
		return StatusRejected
	default:
		return StatusPending
	}
}
