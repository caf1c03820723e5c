package gateway

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

const (
	PagSeguroID             = "pagseguro"
	pagSeguroBaseURL        = "https://api.pagseguro.com"
	pagSeguroSandboxBaseURL = "https://sandbox.api.pagseguro.com"
	pagSeguroSignatureHdr   = "x-authenticity-token"
)

// PagSeguroConfig holds the platform credentials for PagSeguro.
type PagSeguroConfig struct {
	Token         string
	WebhookSecret string
	BaseURL       string
	Sandbox       bool
	BoletoDueDays int
	PixTTL        time.Duration
	Transport     TransportConfig
}

// PagSeguro implements Adapter against the PagSeguro Orders API.
type PagSeguro struct {
	cfg PagSeguroConfig
	api *apiClient
	now func() time.Time
}

// NewPagSeguro creates a PagSeguro adapter. The webhook secret defaults to the
// API token, which is what PagSeguro signs notifications with.
func NewPagSeguro(cfg PagSeguroConfig) *PagSeguro {
	if cfg.BaseURL == "" {
		cfg.BaseURL = pagSeguroBaseURL
		if cfg.Sandbox {
			cfg.BaseURL = pagSeguroSandboxBaseURL
		}
	}
	if cfg.WebhookSecret == "" {
		cfg.WebhookSecret = cfg.Token
	}
	if cfg.BoletoDueDays <= 0 {
		cfg.BoletoDueDays = 3
	}
	if cfg.PixTTL <= 0 {
		cfg.PixTTL = 24 * time.Hour
	}
	return &PagSeguro{
		cfg: cfg,
		api: newAPIClient(PagSeguroID, strings.TrimRight(cfg.BaseURL, "/"), cfg.Transport),
		now: time.Now,
	}
}

func (p *PagSeguro) ID() string { return PagSeguroID }

func (p *PagSeguro) IsConfigured() bool {
	return strings.TrimSpace(p.cfg.Token) != ""
}

func (p *PagSeguro) headers() map[string]string {
	return map[string]string{"Authorization": "Bearer " + p.cfg.Token}
}

type psAmount struct {
	Value    int64  `json:"value"`
	Currency string `json:"currency,omitempty"`
}

type psCustomer struct {
	Name  string `json:"name"`
	Email string `json:"email"`
	TaxID string `json:"tax_id"`
}

type psItem struct {
	ReferenceID string `json:"reference_id,omitempty"`
	Name        string `json:"name"`
	Quantity    int    `json:"quantity"`
	UnitAmount  int64  `json:"unit_amount"`
}

type psQRCode struct {
	Amount         psAmount `json:"amount"`
	ExpirationDate string   `json:"expiration_date,omitempty"`
}

type psBoleto struct {
	DueDate          string `json:"due_date"`
	InstructionLines struct {
		Line1 string `json:"line_1"`
	} `json:"instruction_lines"`
	Holder struct {
		Name  string `json:"name"`
		TaxID string `json:"tax_id"`
		Email string `json:"email"`
	} `json:"holder"`
}

type psPaymentMethod struct {
	Type         string    `json:"type"`
	Installments int       `json:"installments,omitempty"`
	Capture      bool      `json:"capture"`
	Card         *psCard   `json:"card,omitempty"`
	Boleto       *psBoleto `json:"boleto,omitempty"`
}

type psCard struct {
	Encrypted string `json:"encrypted"`
}

type psChargeRequest struct {
	ReferenceID   string          `json:"reference_id"`
	Description   string          `json:"description,omitempty"`
	Amount        psAmount        `json:"amount"`
	PaymentMethod psPaymentMethod `json:"payment_method"`
}

type psOrderRequest struct {
	ReferenceID      string            `json:"reference_id"`
	Customer         psCustomer        `json:"customer"`
	Items            []psItem          `json:"items,omitempty"`
	QRCodes          []psQRCode        `json:"qr_codes,omitempty"`
	Charges          []psChargeRequest `json:"charges,omitempty"`
	NotificationURLs []string          `json:"notification_urls,omitempty"`
}

type psLink struct {
	Rel   string `json:"rel"`
	Href  string `json:"href"`
	Media string `json:"media"`
}

type psCharge struct {
	ID            string `json:"id"`
	Status        string `json:"status"`
	Amount        struct {
		Value   int64 `json:"value"`
		Summary struct {
			Refunded int64 `json:"refunded"`
		} `json:"summary"`
	} `json:"amount"`
	PaymentMethod struct {
		Boleto struct {
			Barcode          string `json:"barcode"`
			FormattedBarcode string `json:"formatted_barcode"`
			DueDate          string `json:"due_date"`
		} `json:"boleto"`
	} `json:"payment_method"`
	Links []psLink `json:"links"`
}

type psOrder struct {
	ID          string `json:"id"`
	ReferenceID string `json:"reference_id"`
	QRCodes     []struct {
		ID             string   `json:"id"`
		Text           string   `json:"text"`
		ExpirationDate string   `json:"expiration_date"`
		Amount         psAmount `json:"amount"`
		Links          []psLink `json:"links"`
	} `json:"qr_codes"`
	Charges []psCharge `json:"charges"`
}

// ProcessPayment creates an order with a PIX QR code or a single charge. The
// provider reference is the PagSeguro order id.
func (p *PagSeguro) ProcessPayment(ctx context.Context, req PaymentRequest) (*Outcome, error) {
	if !p.IsConfigured() {
		return nil, NotConfigured(PagSeguroID)
	}
	doc := digitsOnly(req.Customer.Document)
	cents := toCents(req.Amount)

	payload := psOrderRequest{
		ReferenceID: req.OrderID,
		Customer:    psCustomer{Name: req.Customer.Name, Email: req.Customer.Email, TaxID: doc},
	}
	if req.NotificationURL != "" {
		payload.NotificationURLs = []string{req.NotificationURL}
	}
	for _, item := range req.Items {
		payload.Items = append(payload.Items, psItem{
			Name:       item.Name,
			Quantity:   item.Quantity,
			UnitAmount: toCents(item.UnitPrice),
		})
	}

	charge := psChargeRequest{
		ReferenceID: req.OrderID,
		Description: req.Description,
		Amount:      psAmount{Value: cents, Currency: "BRL"},
	}
	switch req.Method {
	case MethodPix:
		payload.QRCodes = []psQRCode{{
			Amount:         psAmount{Value: cents},
			ExpirationDate: p.now().Add(p.cfg.PixTTL).Format(time.RFC3339),
		}}
	case MethodBoleto:
		if doc == "" {
			return nil, MissingField(PagSeguroID, FieldDocument)
		}
		boleto := &psBoleto{DueDate: p.now().AddDate(0, 0, p.cfg.BoletoDueDays).Format("2006-01-02")}
		boleto.InstructionLines.Line1 = "Pagamento processado para " + req.OrderID
		boleto.Holder.Name = req.Customer.Name
		boleto.Holder.TaxID = doc
		boleto.Holder.Email = req.Customer.Email
		charge.PaymentMethod = psPaymentMethod{Type: "BOLETO", Boleto: boleto}
		payload.Charges = []psChargeRequest{charge}
	case MethodCreditCard:
		if req.CardToken == "" {
			return nil, MissingField(PagSeguroID, FieldCardToken)
		}
		charge.PaymentMethod = psPaymentMethod{
			Type:         "CREDIT_CARD",
			Installments: max(req.Installments, 1),
			Capture:      true,
			Card:         &psCard{Encrypted: req.CardToken},
		}
		payload.Charges = []psChargeRequest{charge}
	default:
		return nil, InvalidMethod(string(req.Method))
	}

	idempotencyKey := req.IdempotencyKey
	if idempotencyKey == "" {
		idempotencyKey = uuid.NewString()
	}
	headers := p.headers()
	headers["x-idempotency-key"] = idempotencyKey

	var order psOrder
	if err := p.api.do(ctx, http.MethodPost, "/orders", headers, payload, &order); err != nil {
		return nil, err
	}

	status := pagSeguroOrderStatus(order.Charges)
	outcome := &Outcome{
		Success:           status.Successful(),
		PaymentMethod:     req.Method,
		Status:            status,
		ProviderReference: order.ID,
		Data:              map[string]string{},
	}
	switch req.Method {
	case MethodPix:
		if len(order.QRCodes) > 0 {
			qr := order.QRCodes[0]
			outcome.Data[DataPixQRCode] = qr.Text
			outcome.Data[DataTicketURL] = linkHref(qr.Links, "QRCODE.PNG")
			outcome.Data[DataExpiresAt] = qr.ExpirationDate
		}
	case MethodBoleto:
		if len(order.Charges) > 0 {
			c := order.Charges[0]
			outcome.Data[DataBarcode] = c.PaymentMethod.Boleto.FormattedBarcode
			if outcome.Data[DataBarcode] == "" {
				outcome.Data[DataBarcode] = c.PaymentMethod.Boleto.Barcode
			}
			outcome.Data[DataBoletoURL] = linkMedia(c.Links, "application/pdf")
			outcome.Data[DataExpiresAt] = c.PaymentMethod.Boleto.DueDate
		}
	case MethodCreditCard:
		outcome.Data[DataInstallments] = itoa(max(req.Installments, 1))
	}
	return outcome, nil
}

// GetPaymentStatus fetches the order and derives status from its first charge.
// A PIX order without charges has not been paid yet.
func (p *PagSeguro) GetPaymentStatus(ctx context.Context, paymentID string) (*Payment, error) {
	if !p.IsConfigured() {
		return nil, NotConfigured(PagSeguroID)
	}
	order, err := p.getOrder(ctx, paymentID)
	if err != nil {
		return nil, err
	}

	payment := &Payment{
		ID:                order.ID,
		ExternalReference: order.ReferenceID,
		Status:            pagSeguroOrderStatus(order.Charges),
	}
	if len(order.Charges) > 0 {
		c := order.Charges[0]
		payment.RawStatus = c.Status
		payment.Amount = fromCents(c.Amount.Value)
		payment.RefundedAmount = fromCents(c.Amount.Summary.Refunded)
	} else if len(order.QRCodes) > 0 {
		payment.RawStatus = "WAITING"
		payment.Amount = fromCents(order.QRCodes[0].Amount.Value)
	}
	return payment, nil
}

func (p *PagSeguro) getOrder(ctx context.Context, orderID string) (*psOrder, error) {
	var order psOrder
	if err := p.api.do(ctx, http.MethodGet, "/orders/"+url.PathEscape(orderID), p.headers(), nil, &order); err != nil {
		return nil, err
	}
	return &order, nil
}

// ParseWebhook checks x-authenticity-token, the hex SHA-256 of
// "<secret>-<raw body>", and extracts the order id.
func (p *PagSeguro) ParseWebhook(header http.Header, body []byte) (*Notice, error) {
	if p.cfg.WebhookSecret == "" {
		return nil, SignatureInvalid(PagSeguroID, "webhook secret not configured")
	}
	got := strings.ToLower(strings.TrimSpace(header.Get(pagSeguroSignatureHdr)))
	if got == "" {
		return nil, SignatureInvalid(PagSeguroID, "missing x-authenticity-token")
	}
	expected := pagSeguroSignature(p.cfg.WebhookSecret, body)
	if subtle.ConstantTimeCompare([]byte(got), []byte(expected)) != 1 {
		return nil, SignatureInvalid(PagSeguroID, "signature mismatch")
	}

	var payload struct {
		ID          string `json:"id"`
		ReferenceID string `json:"reference_id"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, SignatureInvalid(PagSeguroID, "malformed payload")
	}
	return &Notice{PaymentID: payload.ID, ExternalReference: payload.ReferenceID, Action: "order.updated"}, nil
}

// RefundPayment cancels (fully or partially) the first charge of the order.
func (p *PagSeguro) RefundPayment(ctx context.Context, paymentID string, amount decimal.Decimal) (string, error) {
	if !p.IsConfigured() {
		return "", NotConfigured(PagSeguroID)
	}
	order, err := p.getOrder(ctx, paymentID)
	if err != nil {
		return "", err
	}
	if len(order.Charges) == 0 {
		return "", &Error{Kind: KindAPIError, Gateway: PagSeguroID, Message: "order has no charge to refund"}
	}
	c := order.Charges[0]
	value := c.Amount.Value
	if amount.IsPositive() {
		value = toCents(amount)
	}

	headers := p.headers()
	headers["x-idempotency-key"] = uuid.NewString()
	var refunded psCharge
	in := map[string]psAmount{"amount": {Value: value}}
	if err := p.api.do(ctx, http.MethodPost, "/charges/"+url.PathEscape(c.ID)+"/cancel", headers, in, &refunded); err != nil {
		return "", err
	}
	return refunded.ID, nil
}

func pagSeguroOrderStatus(charges []psCharge) Status {
	if len(charges) == 0 {
		return StatusPending
	}
	return normalizePagSeguroStatus(charges[0].Status)
}

func normalizePagSeguroStatus(raw string) Status {
	switch strings.ToUpper(strings.TrimSpace(raw)) {
	case "PAID":
		return StatusApproved
	case "AUTHORIZED":
		return StatusAuthorized
	case "IN_ANALYSIS":
		return StatusInProcess
	case "DECLINED":
		return StatusRejected
	case "CANCELED":
		return StatusCancelled
	default:
		return StatusPending
	}
}

func pagSeguroSignature(secret string, body []byte) string {
	sum := sha256.Sum256(append([]byte(secret+"-"), body...))
	return hex.EncodeToString(sum[:])
}

func linkHref(links []psLink, rel string) string {
	for _, l := range links {
		if strings.EqualFold(l.Rel, rel) {
			return l.Href
		}
	}
	return ""
}

func linkMedia(links []psLink, media string) string {
	for _, l := range links {
		if strings.EqualFold(l.Media, media) {
			return l.Href
		}
	}
	return ""
}
