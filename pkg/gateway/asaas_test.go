package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

func TestAsaasProcessPayment_PixCreatesCustomerAndFetchesQRCode(t *testing.T) {
	var createdCustomer, createdPayment bool
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("access_token"); got != "asaas-key" {
			t.Fatalf("unexpected access_token header %q", got)
		}
		switch {
		case r.Method == http.MethodGet && r.URL.Path == "/customers":
			if r.URL.Query().Get("cpfCnpj") != "12345678909" {
				t.Fatalf("expected digits-only document, got %q", r.URL.Query().Get("cpfCnpj"))
			}
			_, _ = w.Write([]byte(`{"data": []}`))
		case r.Method == http.MethodPost && r.URL.Path == "/customers":
			createdCustomer = true
			_, _ = w.Write([]byte(`{"id": "cus_1"}`))
		case r.Method == http.MethodPost && r.URL.Path == "/payments":
			createdPayment = true
			var body map[string]interface{}
			_ = json.NewDecoder(r.Body).Decode(&body)
			if body["customer"] != "cus_1" || body["billingType"] != "PIX" || body["externalReference"] != "order-1" {
				t.Fatalf("unexpected payment body %v", body)
			}
			_, _ = w.Write([]byte(`{"id": "pay_1", "status": "PENDING", "value": 1000.0, "invoiceUrl": "https://asaas/i/pay_1"}`))
		case r.Method == http.MethodGet && r.URL.Path == "/payments/pay_1/pixQrCode":
			_, _ = w.Write([]byte(`{"encodedImage": "aW1n", "payload": "000201asaas", "expirationDate": "2026-10-18 23:59:59"}`))
		default:
			t.Fatalf("unexpected request %s %s", r.Method, r.URL.Path)
		}
	}))
	defer server.Close()

	asaas := NewAsaas(AsaasConfig{APIKey: "asaas-key", BaseURL: server.URL})
	asaas.now = func() time.Time { return time.Date(2026, 10, 17, 12, 0, 0, 0, time.UTC) }

	outcome, err := asaas.ProcessPayment(context.Background(), pixRequest())
	if err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}
	if !createdCustomer || !createdPayment {
		t.Fatal("expected customer and payment creation")
	}
	if outcome.ProviderReference != "pay_1" || outcome.Status != StatusPending {
		t.Fatalf("unexpected outcome %+v", outcome)
	}
	if outcome.Data[DataPixQRCode] != "000201asaas" {
		t.Fatalf("expected pix payload, got %+v", outcome.Data)
	}
}

func TestAsaasProcessPayment_RequiresDocument(t *testing.T) {
	asaas := NewAsaas(AsaasConfig{APIKey: "asaas-key", BaseURL: "http://127.0.0.1:1"})
	req := pixRequest()
	req.Customer.Document = ""

	_, err := asaas.ProcessPayment(context.Background(), req)
	if !IsKind(err, KindMissingRequiredField) {
		t.Fatalf("expected missing_required_field, got %v", err)
	}
}

func TestAsaasGetPaymentStatus_SumsRefunds(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"id": "pay_2", "status": "REFUNDED", "value": 200, "externalReference": "order-2", "refunds": [{"value": 50}, {"value": 150}]}`))
	}))
	defer server.Close()

	asaas := NewAsaas(AsaasConfig{APIKey: "asaas-key", BaseURL: server.URL})
	payment, err := asaas.GetPaymentStatus(context.Background(), "pay_2")
	if err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}
	if payment.Status != StatusRefunded {
		t.Fatalf("expected refunded, got %s", payment.Status)
	}
	if !payment.RefundedAmount.Equal(decimal.NewFromInt(200)) {
		t.Fatalf("expected refunded 200, got %s", payment.RefundedAmount)
	}
}

func TestAsaasParseWebhook(t *testing.T) {
	asaas := NewAsaas(AsaasConfig{APIKey: "asaas-key", WebhookToken: "hook-token"})
	body := []byte(`{"event":"PAYMENT_RECEIVED","payment":{"id":"pay_3","externalReference":"order-3","status":"RECEIVED"}}`)

	header := http.Header{}
	header.Set("asaas-access-token", "hook-token")
	notice, err := asaas.ParseWebhook(header, body)
	if err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}
	if notice.PaymentID != "pay_3" || notice.ExternalReference != "order-3" {
		t.Fatalf("unexpected notice %+v", notice)
	}

	header.Set("asaas-access-token", "wrong")
	if _, err := asaas.ParseWebhook(header, body); !IsKind(err, KindSignatureInvalid) {
		t.Fatalf("expected signature_invalid, got %v", err)
	}
}

func TestNormalizeAsaasStatus(t *testing.T) {
	tests := []struct {
		input string
		want  Status
	}{
		{input: "PENDING", want: StatusPending},
		{input: "RECEIVED", want: StatusApproved},
		{input: "CONFIRMED", want: StatusApproved},
		{input: "OVERDUE", want: StatusPending},
		{input: "REFUNDED", want: StatusRefunded},
		{input: "CHARGEBACK_REQUESTED", want: StatusChargedBack},
		{input: "DELETED", want: StatusCancelled},
	}
	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			if got := normalizeAsaasStatus(tt.input); got != tt.want {
				t.Fatalf("expected %q, got %q", tt.want, got)
			}
		})
	}
}
