package main

import (
	"bytes"
	"testing"

	"github.com/hngcommerce/payment-service/internal/app"
	"github.com/hngcommerce/payment-service/pkg/gateway"
	"github.com/shopspring/decimal"
)

func testCalculator(t *testing.T) *app.FeeCalculator {
	t.Helper()
	calc, err := app.LoadFeeCalculator("", "")
	if err != nil {
		t.Fatalf("LoadFeeCalculator returned error: %v", err)
	}
	return calc
}

func TestQuoteFees_TierOnePix(t *testing.T) {
	got, err := quoteFees(testCalculator(t), quoteOptions{
		gross:       "1000.00",
		gatewayID:   gateway.MercadoPagoID,
		method:      "pix",
		productType: "physical",
		tier:        1,
	})
	if err != nil {
		t.Fatalf("quoteFees returned error: %v", err)
	}
	if !got.PlatformFee.Equal(decimal.RequireFromString("30.00")) {
		t.Fatalf("expected platform fee 30.00, got %s", got.PlatformFee)
	}
	if !got.GatewayFee.Equal(decimal.RequireFromString("9.90")) {
		t.Fatalf("expected gateway fee 9.90, got %s", got.GatewayFee)
	}
	if !got.NetAmount.Equal(decimal.RequireFromString("960.10")) {
		t.Fatalf("expected net 960.10, got %s", got.NetAmount)
	}
}

func TestQuoteFees_RejectsBadInput(t *testing.T) {
	calc := testCalculator(t)
	tests := []struct {
		name string
		opts quoteOptions
	}{
		{name: "non numeric gross", opts: quoteOptions{gross: "abc", gatewayID: "asaas", method: "pix", tier: 1}},
		{name: "zero gross", opts: quoteOptions{gross: "0", gatewayID: "asaas", method: "pix", tier: 1}},
		{name: "unknown method", opts: quoteOptions{gross: "10", gatewayID: "asaas", method: "cheque", tier: 1}},
		{name: "unknown tier", opts: quoteOptions{gross: "10", gatewayID: "asaas", method: "pix", tier: 9}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := quoteFees(calc, tt.opts); err == nil {
				t.Fatalf("expected error for %+v", tt.opts)
			}
		})
	}
}

func TestPrintJSON_Indents(t *testing.T) {
	var buf bytes.Buffer
	if err := printJSON(&buf, map[string]int{"count": 2}); err != nil {
		t.Fatalf("printJSON returned error: %v", err)
	}
	if buf.String() != "{\n  \"count\": 2\n}\n" {
		t.Fatalf("unexpected output %q", buf.String())
	}
}
