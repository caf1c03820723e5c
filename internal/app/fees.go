/**
 * @description
 * Fee calculation: merchant revenue tiers and the gateway fee table. Every
 * monetary step is rounded half-up to two decimal places before it feeds the
 * next one.
 */
package app

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/hngcommerce/payment-service/internal/domain"
	"github.com/hngcommerce/payment-service/pkg/gateway"
	"github.com/shopspring/decimal"
)

var hundred = decimal.NewFromInt(100)

func round2(d decimal.Decimal) decimal.Decimal {
	return d.Round(2)
}

// DefaultTiers returns the commission schedule by trailing 30-day revenue.
func DefaultTiers() []domain.Tier {
	return []domain.Tier{
		{Level: 5, MinRevenue: decimal.NewFromInt(500000), Percent: decimal.RequireFromString("1.0")},
		{Level: 4, MinRevenue: decimal.NewFromInt(100000), Percent: decimal.RequireFromString("1.5")},
		{Level: 3, MinRevenue: decimal.NewFromInt(50000), Percent: decimal.RequireFromString("2.0")},
		{Level: 2, MinRevenue: decimal.NewFromInt(10000), Percent: decimal.RequireFromString("2.5")},
		{Level: 1, MinRevenue: decimal.Zero, Percent: decimal.RequireFromString("3.0")},
	}
}

// TierTable is a validated tier list ordered from the highest breakpoint down.
type TierTable struct {
	tiers []domain.Tier
}

// NewTierTable validates tiers: unique levels, one zero breakpoint as fallback,
// and strictly decreasing fees as the breakpoint grows.
func NewTierTable(tiers []domain.Tier) (TierTable, error) {
	if len(tiers) == 0 {
		return TierTable{}, errors.New("tier table is empty")
	}
	sorted := append([]domain.Tier(nil), tiers...)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].MinRevenue.GreaterThan(sorted[j].MinRevenue)
	})

	levels := map[int]bool{}
	for i, t := range sorted {
		if levels[t.Level] {
			return TierTable{}, fmt.Errorf("duplicate tier level %d", t.Level)
		}
		levels[t.Level] = true
		if t.Percent.IsNegative() || t.Percent.GreaterThan(hundred) {
			return TierTable{}, fmt.Errorf("tier %d percent %s out of range", t.Level, t.Percent)
		}
		if i > 0 {
			prev := sorted[i-1]
			if prev.MinRevenue.Equal(t.MinRevenue) {
				return TierTable{}, fmt.Errorf("tiers %d and %d share breakpoint %s", prev.Level, t.Level, t.MinRevenue)
			}
			if !prev.Percent.LessThan(t.Percent) {
				return TierTable{}, fmt.Errorf("tier %d fee %s%% must be lower than tier %d fee %s%%", prev.Level, prev.Percent, t.Level, t.Percent)
			}
		}
	}
	if !sorted[len(sorted)-1].MinRevenue.IsZero() {
		return TierTable{}, errors.New("tier table needs a fallback tier with zero minimum revenue")
	}
	return TierTable{tiers: sorted}, nil
}

// ForRevenue walks the table top-down and returns the first tier whose
// breakpoint the revenue reaches. Negative or unknown revenue lands on the
// fallback tier.
func (t TierTable) ForRevenue(revenue decimal.Decimal) domain.Tier {
	for _, tier := range t.tiers {
		if revenue.GreaterThanOrEqual(tier.MinRevenue) {
			return tier
		}
	}
	return t.Fallback()
}

// Fallback returns the highest-fee tier.
func (t TierTable) Fallback() domain.Tier {
	return t.tiers[len(t.tiers)-1]
}

// ByLevel looks a tier up by its level.
func (t TierTable) ByLevel(level int) (domain.Tier, bool) {
	for _, tier := range t.tiers {
		if tier.Level == level {
			return tier, true
		}
	}
	return domain.Tier{}, false
}

// Tiers returns the table from the highest breakpoint down.
func (t TierTable) Tiers() []domain.Tier {
	return append([]domain.Tier(nil), t.tiers...)
}

// GatewayFee is the provider cost of one gateway/method pair.
type GatewayFee struct {
	Percent decimal.Decimal `json:"percent"`
	Fixed   decimal.Decimal `json:"fixed"`
}

// FeeTable maps gateway id and method to the provider cost.
type FeeTable map[string]map[gateway.Method]GatewayFee

// DefaultGatewayFees is the single provider cost table. PIX is the cheapest
// method everywhere and boleto is a flat fee.
func DefaultGatewayFees() FeeTable {
	pct := decimal.RequireFromString
	return FeeTable{
		gateway.MercadoPagoID: {
			gateway.MethodPix:        {Percent: pct("0.99")},
			gateway.MethodCreditCard: {Percent: pct("4.98")},
			gateway.MethodBoleto:     {Fixed: pct("3.49")},
		},
		gateway.AsaasID: {
			gateway.MethodPix:        {Percent: pct("0.99")},
			gateway.MethodCreditCard: {Percent: pct("2.99"), Fixed: pct("0.49")},
			gateway.MethodBoleto:     {Fixed: pct("1.99")},
		},
		gateway.PagSeguroID: {
			gateway.MethodPix:        {Percent: pct("0.99")},
			gateway.MethodCreditCard: {Percent: pct("3.99")},
			gateway.MethodBoleto:     {Fixed: pct("2.99")},
		},
	}
}

// DefaultFallbackFee applies to gateway/method pairs missing from the table.
func DefaultFallbackFee() GatewayFee {
	return GatewayFee{Percent: decimal.RequireFromString("4.99")}
}

// ParseGatewayFees overlays a JSON document of the form
// {"asaas": {"pix": {"percent": "0.89", "fixed": "0"}}} onto base.
func ParseGatewayFees(raw string, base FeeTable) (FeeTable, error) {
	merged := FeeTable{}
	for gw, methods := range base {
		merged[gw] = map[gateway.Method]GatewayFee{}
		for m, fee := range methods {
			merged[gw][m] = fee
		}
	}
	if strings.TrimSpace(raw) == "" {
		return merged, nil
	}

	var overrides map[string]map[string]GatewayFee
	if err := json.Unmarshal([]byte(raw), &overrides); err != nil {
		return nil, fmt.Errorf("invalid gateway fee table: %w", err)
	}
	for gw, methods := range overrides {
		gw = strings.ToLower(strings.TrimSpace(gw))
		if merged[gw] == nil {
			merged[gw] = map[gateway.Method]GatewayFee{}
		}
		for name, fee := range methods {
			method, err := gateway.ParseMethod(name)
			if err != nil {
				return nil, fmt.Errorf("invalid gateway fee table for %s: %w", gw, err)
			}
			if fee.Percent.IsNegative() || fee.Fixed.IsNegative() {
				return nil, fmt.Errorf("negative fee for %s/%s", gw, method)
			}
			merged[gw][method] = fee
		}
	}
	return merged, nil
}

// ParseTiers reads a JSON tier list such as
// [{"level":1,"min_revenue":"0","percent":"3.0"}]; empty input keeps the defaults.
func ParseTiers(raw string) (TierTable, error) {
	if strings.TrimSpace(raw) == "" {
		return NewTierTable(DefaultTiers())
	}
	var tiers []domain.Tier
	if err := json.Unmarshal([]byte(raw), &tiers); err != nil {
		return TierTable{}, fmt.Errorf("invalid tier table: %w", err)
	}
	return NewTierTable(tiers)
}

// FeeCalculator computes fee breakdowns. It holds no mutable state.
type FeeCalculator struct {
	tiers    TierTable
	fees     FeeTable
	fallback GatewayFee
}

// NewFeeCalculator creates a calculator over validated tables.
func NewFeeCalculator(tiers TierTable, fees FeeTable, fallback GatewayFee) *FeeCalculator {
	return &FeeCalculator{tiers: tiers, fees: fees, fallback: fallback}
}

// Tiers exposes the tier table.
func (c *FeeCalculator) Tiers() TierTable {
	return c.tiers
}

// TierForRevenue maps trailing revenue to a tier.
func (c *FeeCalculator) TierForRevenue(revenue decimal.Decimal) domain.Tier {
	return c.tiers.ForRevenue(revenue)
}

// GatewayFeeFor returns the provider cost of a gateway/method pair.
func (c *FeeCalculator) GatewayFeeFor(gatewayID string, method gateway.Method) GatewayFee {
	if methods, ok := c.fees[gatewayID]; ok {
		if fee, ok := methods[method]; ok {
			return fee
		}
	}
	return c.fallback
}

// CalculateAllFees computes platform fee, gateway fee and net payout. Digital
// and subscription products share the physical schedule; the product type is
// carried on the breakdown.
func (c *FeeCalculator) CalculateAllFees(gross decimal.Decimal, productType, gatewayID string, method gateway.Method, tier domain.Tier) domain.FeeBreakdown {
	gross = round2(gross)
	gwFee := c.GatewayFeeFor(gatewayID, method)

	platform := round2(gross.Mul(tier.Percent).Div(hundred))
	gatewayAmount := round2(gross.Mul(gwFee.Percent).Div(hundred)).Add(round2(gwFee.Fixed))
	net := gross.Sub(platform).Sub(gatewayAmount)

	if productType == "" {
		productType = "physical"
	}

	return domain.FeeBreakdown{
		GrossAmount:    gross,
		PlatformFee:    platform,
		GatewayFee:     gatewayAmount,
		NetAmount:      net,
		TierLevel:      tier.Level,
		TierPercent:    tier.Percent,
		GatewayID:      gatewayID,
		PaymentMethod:  string(method),
		ProductType:    productType,
		GatewayPercent: gwFee.Percent,
		GatewayFixed:   gwFee.Fixed,
	}
}

// LoadFeeCalculator builds a calculator from the JSON tier and gateway fee
// overrides; empty documents keep the defaults.
func LoadFeeCalculator(tierJSON, gatewayFeesJSON string) (*FeeCalculator, error) {
	tiers, err := ParseTiers(tierJSON)
	if err != nil {
		return nil, err
	}
	fees, err := ParseGatewayFees(gatewayFeesJSON, DefaultGatewayFees())
	if err != nil {
		return nil, err
	}
	return NewFeeCalculator(tiers, fees, DefaultFallbackFee()), nil
}
