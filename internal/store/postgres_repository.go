/**
 * @description
 * PostgreSQL implementation of the Repository interface. Status transitions
 * use the current order status as an optimistic precondition and write the
 * order note, fee record and ledger entries in the same transaction.
 *
 * @dependencies
 * - github.com/jackc/pgx/v5: PostgreSQL driver and pool.
 * - github.com/shopspring/decimal: NUMERIC columns are scanned through its sql.Scanner.
 */
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/hngcommerce/payment-service/internal/domain"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
)

const uniqueViolation = "23505"

const orderColumns = `
	id, merchant_id, status, currency, subtotal, shipping, discount, tax, grand_total,
	customer_id, customer_name, customer_email, customer_document, product_type,
	payment_method, gateway_id, provider_reference, seller_id, created_at, updated_at`

const ledgerColumns = `
	e.id, e.entry_type, e.order_id, e.gateway_id, e.external_reference, e.gross_amount,
	e.fee_amount, e.net_amount, e.status, e.metadata, e.supersedes_id, e.created_at`

// PostgresRepository is the pgx-backed Repository.
type PostgresRepository struct {
	db *pgxpool.Pool
}

// NewPostgresRepository creates a new PostgresRepository.
func NewPostgresRepository(db *pgxpool.Pool) *PostgresRepository {
	return &PostgresRepository{db: db}
}

func scanOrder(row pgx.Row) (*domain.Order, error) {
	var o domain.Order
	var status string
	if err := row.Scan(
		&o.ID,
		&o.MerchantID,
		&status,
		&o.Currency,
		&o.Subtotal,
		&o.Shipping,
		&o.Discount,
		&o.Tax,
		&o.GrandTotal,
		&o.CustomerID,
		&o.CustomerName,
		&o.CustomerEmail,
		&o.CustomerDocument,
		&o.ProductType,
		&o.PaymentMethod,
		&o.GatewayID,
		&o.ProviderReference,
		&o.SellerID,
		&o.CreatedAt,
		&o.UpdatedAt,
	); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrOrderNotFound
		}
		return nil, err
	}
	o.Status = domain.OrderStatus(status)
	return &o, nil
}

// GetOrder loads an order with its line items.
func (r *PostgresRepository) GetOrder(ctx context.Context, orderID string) (*domain.Order, error) {
	order, err := scanOrder(r.db.QueryRow(ctx, "SELECT"+orderColumns+" FROM orders WHERE id = $1", orderID))
	if err != nil {
		return nil, err
	}
	if order.Items, err = r.listItems(ctx, order.ID); err != nil {
		return nil, err
	}
	return order, nil
}

// FindOrderByProviderReference resolves an order from the provider payment id.
func (r *PostgresRepository) FindOrderByProviderReference(ctx context.Context, gatewayID, reference string) (*domain.Order, error) {
	query := "SELECT" + orderColumns + " FROM orders WHERE gateway_id = $1 AND provider_reference = $2 ORDER BY updated_at DESC LIMIT 1"
	order, err := scanOrder(r.db.QueryRow(ctx, query, gatewayID, reference))
	if err != nil {
		return nil, err
	}
	if order.Items, err = r.listItems(ctx, order.ID); err != nil {
		return nil, err
	}
	return order, nil
}

func (r *PostgresRepository) listItems(ctx context.Context, orderID string) ([]domain.LineItem, error) {
	rows, err := r.db.Query(ctx, `
		SELECT product_id, name, quantity, unit_price, subtotal, commission_rate, commission_amount, cost_basis
		FROM order_items
		WHERE order_id = $1
		ORDER BY position
	`, orderID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var items []domain.LineItem
	for rows.Next() {
		var item domain.LineItem
		if err := rows.Scan(
			&item.ProductID,
			&item.Name,
			&item.Quantity,
			&item.UnitPrice,
			&item.Subtotal,
			&item.CommissionRate,
			&item.CommissionAmount,
			&item.CostBasis,
		); err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

// ApplyTransition runs the guarded status update and its attached writes in
// one transaction. Zero updated rows means another writer moved the order
// first and ErrStaleTransition is returned with nothing persisted.
func (r *PostgresRepository) ApplyTransition(ctx context.Context, p TransitionParams) error {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	result, err := tx.Exec(ctx, `
		UPDATE orders
		SET status = $3,
		    gateway_id = COALESCE($4, gateway_id),
		    payment_method = COALESCE($5, payment_method),
		    provider_reference = COALESCE($6, provider_reference),
		    seller_id = CASE WHEN $7::text IS NULL THEN seller_id ELSE NULLIF($7::text, '') END,
		    updated_at = NOW()
		WHERE id = $1 AND status = $2
	`, p.OrderID, string(p.From), string(p.To), p.GatewayID, p.PaymentMethod, p.ProviderReference, p.SellerID)
	if err != nil {
		return err
	}
	if result.RowsAffected() == 0 {
		var exists bool
		if err := tx.QueryRow(ctx, "SELECT EXISTS (SELECT 1 FROM orders WHERE id = $1)", p.OrderID).Scan(&exists); err != nil {
			return err
		}
		if !exists {
			return ErrOrderNotFound
		}
		return ErrStaleTransition
	}

	if p.From != p.To || p.Note != "" {
		if _, err := tx.Exec(ctx, `
			INSERT INTO order_notes (id, order_id, from_status, to_status, actor, note)
			VALUES ($1, $2, $3, $4, $5, $6)
		`, uuid.NewString(), p.OrderID, string(p.From), string(p.To), p.Actor, p.Note); err != nil {
			return err
		}
	}

	if p.FeeRecord != nil {
		if err := insertFeeRecord(ctx, tx, *p.FeeRecord); err != nil {
			return err
		}
	}

	for _, entry := range p.LedgerEntries {
		if _, err := insertLedgerEntry(ctx, tx, entry); err != nil {
			return err
		}
	}

	return tx.Commit(ctx)
}

func insertFeeRecord(ctx context.Context, tx pgx.Tx, rec domain.FeeRecord) error {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	_, err := tx.Exec(ctx, `
		INSERT INTO fee_records (
			id, order_id, gross_amount, platform_fee, gateway_fee, net_amount,
			tier_level, tier_percent, gateway_id, payment_method, supersedes_id
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`,
		rec.ID,
		rec.OrderID,
		rec.GrossAmount,
		rec.PlatformFee,
		rec.GatewayFee,
		rec.NetAmount,
		rec.TierLevel,
		rec.TierPercent,
		rec.GatewayID,
		rec.PaymentMethod,
		rec.SupersedesID,
	)
	if isUniqueViolation(err, "fee_records_supersedes_id_key") {
		return ErrFeeRecordSuperseded
	}
	return err
}

type execer interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
}

func insertLedgerEntry(ctx context.Context, db execer, entry domain.LedgerEntry) (string, error) {
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	metadata := string(entry.Metadata)
	if metadata == "" {
		metadata = "{}"
	}
	_, err := db.Exec(ctx, `
		INSERT INTO ledger_entries (
			id, entry_type, order_id, gateway_id, external_reference, gross_amount,
			fee_amount, net_amount, status, metadata, supersedes_id
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10::jsonb, $11)
	`,
		entry.ID,
		string(entry.Type),
		entry.OrderID,
		entry.GatewayID,
		entry.ExternalReference,
		entry.GrossAmount,
		entry.FeeAmount,
		entry.NetAmount,
		string(entry.Status),
		metadata,
		entry.SupersedesID,
	)
	if isUniqueViolation(err, "ledger_entries_supersedes_id_key") {
		return "", ErrLedgerEntrySuperseded
	}
	if err != nil {
		return "", err
	}
	return entry.ID, nil
}

// ListOrderNotes returns the transition audit trail of an order.
func (r *PostgresRepository) ListOrderNotes(ctx context.Context, orderID string) ([]domain.OrderNote, error) {
	rows, err := r.db.Query(ctx, `
		SELECT id, order_id, from_status, to_status, actor, note, created_at
		FROM order_notes
		WHERE order_id = $1
		ORDER BY created_at
	`, orderID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var notes []domain.OrderNote
	for rows.Next() {
		var n domain.OrderNote
		var from, to string
		if err := rows.Scan(&n.ID, &n.OrderID, &from, &to, &n.Actor, &n.Note, &n.CreatedAt); err != nil {
			return nil, err
		}
		n.From, n.To = domain.OrderStatus(from), domain.OrderStatus(to)
		notes = append(notes, n)
	}
	return notes, rows.Err()
}

// LatestFeeRecord returns the fee record not superseded by a retry.
func (r *PostgresRepository) LatestFeeRecord(ctx context.Context, orderID string) (*domain.FeeRecord, error) {
	var rec domain.FeeRecord
	err := r.db.QueryRow(ctx, `
		SELECT f.id, f.order_id, f.gross_amount, f.platform_fee, f.gateway_fee, f.net_amount,
		       f.tier_level, f.tier_percent, f.gateway_id, f.payment_method, f.supersedes_id, f.created_at
		FROM fee_records f
		WHERE f.order_id = $1
		  AND NOT EXISTS (SELECT 1 FROM fee_records s WHERE s.supersedes_id = f.id)
		ORDER BY f.created_at DESC
		LIMIT 1
	`, orderID).Scan(
		&rec.ID,
		&rec.OrderID,
		&rec.GrossAmount,
		&rec.PlatformFee,
		&rec.GatewayFee,
		&rec.NetAmount,
		&rec.TierLevel,
		&rec.TierPercent,
		&rec.GatewayID,
		&rec.PaymentMethod,
		&rec.SupersedesID,
		&rec.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrFeeRecordNotFound
		}
		return nil, err
	}
	return &rec, nil
}

// InsertLedgerEntry appends a single entry outside of a status transition.
func (r *PostgresRepository) InsertLedgerEntry(ctx context.Context, entry domain.LedgerEntry) (string, error) {
	return insertLedgerEntry(ctx, r.db, entry)
}

func scanLedgerEntries(rows pgx.Rows) ([]domain.LedgerEntry, error) {
	defer rows.Close()

	var entries []domain.LedgerEntry
	for rows.Next() {
		var e domain.LedgerEntry
		var entryType, status string
		var metadata []byte
		if err := rows.Scan(
			&e.ID,
			&entryType,
			&e.OrderID,
			&e.GatewayID,
			&e.ExternalReference,
			&e.GrossAmount,
			&e.FeeAmount,
			&e.NetAmount,
			&status,
			&metadata,
			&e.SupersedesID,
			&e.CreatedAt,
		); err != nil {
			return nil, err
		}
		e.Type = domain.LedgerEntryType(entryType)
		e.Status = domain.LedgerEntryStatus(status)
		if len(metadata) > 0 {
			e.Metadata = json.RawMessage(metadata)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// ListLedgerEntries returns every entry of an order, superseded ones included.
func (r *PostgresRepository) ListLedgerEntries(ctx context.Context, orderID string) ([]domain.LedgerEntry, error) {
	rows, err := r.db.Query(ctx, "SELECT"+ledgerColumns+" FROM ledger_entries e WHERE e.order_id = $1 ORDER BY e.created_at, e.id", orderID)
	if err != nil {
		return nil, err
	}
	return scanLedgerEntries(rows)
}

// CurrentCharge returns the head of the charge chain for a provider reference.
// An empty reference matches any charge of the order.
func (r *PostgresRepository) CurrentCharge(ctx context.Context, orderID, externalReference string) (*domain.LedgerEntry, error) {
	rows, err := r.db.Query(ctx, "SELECT"+ledgerColumns+`
		FROM ledger_entries e
		WHERE e.order_id = $1
		  AND e.entry_type = 'charge'
		  AND ($2 = '' OR e.external_reference = $2)
		  AND NOT EXISTS (SELECT 1 FROM ledger_entries s WHERE s.supersedes_id = e.id)
		ORDER BY e.created_at DESC
		LIMIT 1
	`, orderID, externalReference)
	if err != nil {
		return nil, err
	}
	entries, err := scanLedgerEntries(rows)
	if err != nil {
		return nil, err
	}
	if len(entries) == 0 {
		return nil, ErrLedgerEntryNotFound
	}
	return &entries[0], nil
}

// ListPendingCharges returns unsuperseded pending charges created before the cutoff.
func (r *PostgresRepository) ListPendingCharges(ctx context.Context, createdBefore time.Time) ([]domain.LedgerEntry, error) {
	rows, err := r.db.Query(ctx, "SELECT"+ledgerColumns+`
		FROM ledger_entries e
		WHERE e.entry_type = 'charge'
		  AND e.status = 'pending'
		  AND e.created_at < $1
		  AND NOT EXISTS (SELECT 1 FROM ledger_entries s WHERE s.supersedes_id = e.id)
		ORDER BY e.created_at
	`, createdBefore)
	if err != nil {
		return nil, err
	}
	return scanLedgerEntries(rows)
}

// TrailingRevenue sums settled charges of a merchant since the given time.
func (r *PostgresRepository) TrailingRevenue(ctx context.Context, merchantID string, since time.Time) (decimal.Decimal, error) {
	var revenue decimal.Decimal
	err := r.db.QueryRow(ctx, `
		SELECT COALESCE(SUM(e.gross_amount), 0)
		FROM ledger_entries e
		JOIN orders o ON o.id = e.order_id
		WHERE o.merchant_id = $1
		  AND e.entry_type = 'charge'
		  AND e.status = 'settled'
		  AND e.created_at >= $2
		  AND NOT EXISTS (SELECT 1 FROM ledger_entries s WHERE s.supersedes_id = e.id)
	`, merchantID, since).Scan(&revenue)
	if err != nil {
		return decimal.Zero, err
	}
	return revenue, nil
}

// ListActiveMerchants returns merchants with orders touched since the given time.
func (r *PostgresRepository) ListActiveMerchants(ctx context.Context, since time.Time) ([]string, error) {
	rows, err := r.db.Query(ctx, "SELECT DISTINCT merchant_id FROM orders WHERE updated_at >= $1 ORDER BY merchant_id", since)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var merchants []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		merchants = append(merchants, id)
	}
	return merchants, rows.Err()
}

// RecordWebhookEvent stores an audit receipt. It reports false when the same
// gateway/payment/status receipt already exists.
func (r *PostgresRepository) RecordWebhookEvent(ctx context.Context, event domain.WebhookEvent) (bool, error) {
	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	result, err := r.db.Exec(ctx, `
		INSERT INTO webhook_events (
			id, gateway, provider_payment_id, external_reference, action, status, order_id, outcome, raw_body
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (gateway, provider_payment_id, status) DO NOTHING
	`,
		event.ID,
		event.Gateway,
		event.ProviderPaymentID,
		event.ExternalReference,
		event.Action,
		event.Status,
		event.OrderID,
		event.Outcome,
		string(event.RawBody),
	)
	if err != nil {
		return false, fmt.Errorf("record webhook event: %w", err)
	}
	return result.RowsAffected() == 1, nil
}

// GetSellerConnection loads the sealed OAuth tokens of a seller.
func (r *PostgresRepository) GetSellerConnection(ctx context.Context, gatewayID, sellerID string) (*domain.SellerConnection, error) {
	var conn domain.SellerConnection
	err := r.db.QueryRow(ctx, `
		SELECT gateway_id, seller_id, provider_user_id, access_token_sealed, refresh_token_sealed, expires_at, updated_at
		FROM seller_connections
		WHERE gateway_id = $1 AND seller_id = $2
	`, gatewayID, sellerID).Scan(
		&conn.GatewayID,
		&conn.SellerID,
		&conn.ProviderUserID,
		&conn.AccessTokenSealed,
		&conn.RefreshTokenSealed,
		&conn.ExpiresAt,
		&conn.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrSellerNotConnected
		}
		return nil, err
	}
	return &conn, nil
}

// SaveSellerConnection upserts the sealed OAuth tokens of a seller.
func (r *PostgresRepository) SaveSellerConnection(ctx context.Context, conn domain.SellerConnection) error {
	_, err := r.db.Exec(ctx, `
		INSERT INTO seller_connections (
			gateway_id, seller_id, provider_user_id, access_token_sealed, refresh_token_sealed, expires_at, updated_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, NOW())
		ON CONFLICT (gateway_id, seller_id) DO UPDATE
		SET provider_user_id = EXCLUDED.provider_user_id,
		    access_token_sealed = EXCLUDED.access_token_sealed,
		    refresh_token_sealed = EXCLUDED.refresh_token_sealed,
		    expires_at = EXCLUDED.expires_at,
		    updated_at = NOW()
	`, conn.GatewayID, conn.SellerID, conn.ProviderUserID, conn.AccessTokenSealed, conn.RefreshTokenSealed, conn.ExpiresAt)
	return err
}

func isUniqueViolation(err error, constraint string) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return false
	}
	return pgErr.Code == uniqueViolation && (constraint == "" || pgErr.ConstraintName == constraint)
}
