package app

import (
	"testing"

	"github.com/hngcommerce/payment-service/internal/domain"
	"github.com/hngcommerce/payment-service/pkg/gateway"
	"github.com/shopspring/decimal"
)

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func TestCalculateAllFees_TierOneMercadoPagoPix(t *testing.T) {
	calc := newTestCalculator()
	tier := calc.TierForRevenue(decimal.Zero)

	got := calc.CalculateAllFees(dec("1000.00"), "physical", gateway.MercadoPagoID, gateway.MethodPix, tier)

	if tier.Level != 1 {
		t.Fatalf("expected tier 1, got %d", tier.Level)
	}
	if !got.PlatformFee.Equal(dec("30.00")) {
		t.Fatalf("expected platform fee 30.00, got %s", got.PlatformFee)
	}
	if !got.GatewayFee.Equal(dec("9.90")) {
		t.Fatalf("expected gateway fee 9.90, got %s", got.GatewayFee)
	}
	if !got.NetAmount.Equal(dec("960.10")) {
		t.Fatalf("expected net 960.10, got %s", got.NetAmount)
	}
}

func TestCalculateAllFees_SumInvariant(t *testing.T) {
	calc := newTestCalculator()
	amounts := []string{"0.01", "1.00", "19.99", "133.33", "1000.00", "2599.95", "100000.07"}
	methods := []gateway.Method{gateway.MethodPix, gateway.MethodBoleto, gateway.MethodCreditCard}
	gateways := []string{gateway.MercadoPagoID, gateway.AsaasID, gateway.PagSeguroID, "unknown"}

	for _, tier := range calc.Tiers().Tiers() {
		for _, gw := range gateways {
			for _, method := range methods {
				for _, amount := range amounts {
					b := calc.CalculateAllFees(dec(amount), "digital", gw, method, tier)
					sum := b.PlatformFee.Add(b.GatewayFee).Add(b.NetAmount)
					if !sum.Equal(b.GrossAmount) {
						t.Fatalf("%s/%s tier %d amount %s: fees+net=%s, gross=%s", gw, method, tier.Level, amount, sum, b.GrossAmount)
					}
					if b.PlatformFee.Exponent() < -2 || b.GatewayFee.Exponent() < -2 {
						t.Fatalf("expected amounts rounded to cents, got %s and %s", b.PlatformFee, b.GatewayFee)
					}
				}
			}
		}
	}
}

func TestCalculateAllFees_Deterministic(t *testing.T) {
	calc := newTestCalculator()
	tier, _ := calc.Tiers().ByLevel(3)

	first := calc.CalculateAllFees(dec("457.31"), "subscription", gateway.AsaasID, gateway.MethodCreditCard, tier)
	for i := 0; i < 50; i++ {
		next := calc.CalculateAllFees(dec("457.31"), "subscription", gateway.AsaasID, gateway.MethodCreditCard, tier)
		if !next.PlatformFee.Equal(first.PlatformFee) || !next.GatewayFee.Equal(first.GatewayFee) || !next.NetAmount.Equal(first.NetAmount) {
			t.Fatalf("expected identical breakdowns, got %+v and %+v", first, next)
		}
	}
}

func TestCalculateAllFees_DefaultsProductTypeAndUsesFallbackFee(t *testing.T) {
	calc := newTestCalculator()
	got := calc.CalculateAllFees(dec("100.00"), "", "stripe", gateway.MethodPix, calc.Tiers().Fallback())

	if got.ProductType != "physical" {
		t.Fatalf("expected physical product type, got %q", got.ProductType)
	}
	if !got.GatewayFee.Equal(dec("4.99")) {
		t.Fatalf("expected fallback gateway fee 4.99, got %s", got.GatewayFee)
	}
}

func TestCalculateAllFees_BoletoFixedFee(t *testing.T) {
	calc := newTestCalculator()
	got := calc.CalculateAllFees(dec("250.00"), "physical", gateway.AsaasID, gateway.MethodBoleto, calc.Tiers().Fallback())
	if !got.GatewayFee.Equal(dec("1.99")) {
		t.Fatalf("expected boleto fee 1.99, got %s", got.GatewayFee)
	}
}

func TestTierForRevenue_Monotonic(t *testing.T) {
	calc := newTestCalculator()
	revenues := []string{"-10", "0", "9999.99", "10000", "49999", "50000", "100000", "499999.99", "500000", "9000000"}

	prev := calc.TierForRevenue(dec(revenues[0]))
	for _, r := range revenues[1:] {
		tier := calc.TierForRevenue(dec(r))
		if tier.Percent.GreaterThan(prev.Percent) {
			t.Fatalf("fee increased with revenue %s: %s%% > %s%%", r, tier.Percent, prev.Percent)
		}
		prev = tier
	}

	cases := map[string]int{"0": 1, "10000": 2, "50000": 3, "100000": 4, "500000": 5, "-1": 1}
	for revenue, level := range cases {
		if got := calc.TierForRevenue(dec(revenue)).Level; got != level {
			t.Fatalf("revenue %s: expected tier %d, got %d", revenue, level, got)
		}
	}
}

func TestNewTierTable_Validation(t *testing.T) {
	tests := []struct {
		name  string
		tiers []domain.Tier
	}{
		{name: "empty", tiers: nil},
		{name: "no fallback", tiers: []domain.Tier{{Level: 1, MinRevenue: dec("10"), Percent: dec("3")}}},
		{name: "duplicate level", tiers: []domain.Tier{
			{Level: 1, MinRevenue: dec("0"), Percent: dec("3")},
			{Level: 1, MinRevenue: dec("100"), Percent: dec("2")},
		}},
		{name: "fee not decreasing", tiers: []domain.Tier{
			{Level: 1, MinRevenue: dec("0"), Percent: dec("3")},
			{Level: 2, MinRevenue: dec("100"), Percent: dec("3")},
		}},
		{name: "shared breakpoint", tiers: []domain.Tier{
			{Level: 1, MinRevenue: dec("0"), Percent: dec("3")},
			{Level: 2, MinRevenue: dec("0"), Percent: dec("2")},
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := NewTierTable(tt.tiers); err == nil {
				t.Fatalf("expected validation error")
			}
		})
	}
}

func TestParseTiers(t *testing.T) {
	table, err := ParseTiers(`[{"level":1,"min_revenue":"0","percent":"4"},{"level":2,"min_revenue":"1000","percent":"2"}]`)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := table.ForRevenue(dec("1500")); got.Level != 2 {
		t.Fatalf("expected tier 2, got %d", got.Level)
	}

	defaults, err := ParseTiers("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(defaults.Tiers()) != len(DefaultTiers()) {
		t.Fatalf("expected default tiers, got %d", len(defaults.Tiers()))
	}

	if _, err := ParseTiers(`{"level":1}`); err == nil {
		t.Fatalf("expected error for malformed tier table")
	}
}

func TestParseGatewayFees(t *testing.T) {
	base := DefaultGatewayFees()
	fees, err := ParseGatewayFees(`{"Asaas": {"pix": {"percent": "0.89"}}, "stone": {"credit_card": {"percent": "2.5", "fixed": "0.30"}}}`, base)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !fees[gateway.AsaasID][gateway.MethodPix].Percent.Equal(dec("0.89")) {
		t.Fatalf("expected asaas pix override, got %s", fees[gateway.AsaasID][gateway.MethodPix].Percent)
	}
	if !fees["stone"][gateway.MethodCreditCard].Fixed.Equal(dec("0.30")) {
		t.Fatalf("expected new gateway entry")
	}
	if !base[gateway.AsaasID][gateway.MethodPix].Percent.Equal(dec("0.99")) {
		t.Fatalf("expected base table untouched")
	}

	if _, err := ParseGatewayFees(`{"asaas": {"cash": {"percent": "1"}}}`, base); err == nil {
		t.Fatalf("expected unknown method error")
	}
	if _, err := ParseGatewayFees(`{"asaas": {"pix": {"percent": "-1"}}}`, base); err == nil {
		t.Fatalf("expected negative fee error")
	}
}

func TestLoadFeeCalculator(t *testing.T) {
	calc, err := LoadFeeCalculator("", `{"asaas": {"pix": {"percent": "0.49"}}}`)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(calc.Tiers().Tiers()) != len(DefaultTiers()) {
		t.Fatalf("expected default tiers")
	}
	if fee := calc.GatewayFeeFor(gateway.AsaasID, gateway.MethodPix); !fee.Percent.Equal(dec("0.49")) {
		t.Fatalf("expected asaas pix override, got %s", fee.Percent)
	}

	if _, err := LoadFeeCalculator(`[{"level":1,"min_revenue":"10","percent":"3"}]`, ""); err == nil {
		t.Fatalf("expected error for tier table without fallback")
	}
}
