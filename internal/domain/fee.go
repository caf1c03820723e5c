package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// Tier maps a merchant revenue bracket to a platform commission percentage.
type Tier struct {
	Level      int             `json:"level" mapstructure:"level"`
	MinRevenue decimal.Decimal `json:"min_revenue" mapstructure:"min_revenue"`
	Percent    decimal.Decimal `json:"percent" mapstructure:"percent"`
}

// FeeBreakdown is the pure output of the fee calculator.
type FeeBreakdown struct {
	GrossAmount    decimal.Decimal `json:"gross_amount"`
	PlatformFee    decimal.Decimal `json:"platform_fee"`
	GatewayFee     decimal.Decimal `json:"gateway_fee"`
	NetAmount      decimal.Decimal `json:"net_amount"`
	TierLevel      int             `json:"tier_level"`
	TierPercent    decimal.Decimal `json:"tier_percent"`
	GatewayID      string          `json:"gateway_id"`
	PaymentMethod  string          `json:"payment_method"`
	ProductType    string          `json:"product_type"`
	GatewayPercent decimal.Decimal `json:"gateway_percent"`
	GatewayFixed   decimal.Decimal `json:"gateway_fixed"`
}

// TotalFees returns platform plus gateway fee.
func (b FeeBreakdown) TotalFees() decimal.Decimal {
	return b.PlatformFee.Add(b.GatewayFee)
}

// Record snapshots the breakdown into a fee record for orderID.
func (b FeeBreakdown) Record(orderID string) FeeRecord {
	return FeeRecord{
		OrderID:       orderID,
		GrossAmount:   b.GrossAmount,
		PlatformFee:   b.PlatformFee,
		GatewayFee:    b.GatewayFee,
		NetAmount:     b.NetAmount,
		TierLevel:     b.TierLevel,
		TierPercent:   b.TierPercent,
		GatewayID:     b.GatewayID,
		PaymentMethod: b.PaymentMethod,
	}
}

// FeeRecord is the immutable snapshot of fees for one charge attempt.
type FeeRecord struct {
	ID            string          `json:"id"`
	OrderID       string          `json:"order_id"`
	GrossAmount   decimal.Decimal `json:"gross_amount"`
	PlatformFee   decimal.Decimal `json:"platform_fee"`
	GatewayFee    decimal.Decimal `json:"gateway_fee"`
	NetAmount     decimal.Decimal `json:"net_amount"`
	TierLevel     int             `json:"tier_level"`
	TierPercent   decimal.Decimal `json:"tier_percent"`
	GatewayID     string          `json:"gateway_id"`
	PaymentMethod string          `json:"payment_method"`
	SupersedesID  *string         `json:"supersedes_id,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
}
