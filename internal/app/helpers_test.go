package app

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/hngcommerce/payment-service/internal/domain"
	"github.com/hngcommerce/payment-service/internal/store"
	"github.com/hngcommerce/payment-service/pkg/gateway"
	"github.com/shopspring/decimal"
)

// memRepo is an in-memory store.Repository with the same guard semantics as
// the postgres implementation.
type memRepo struct {
	mu          sync.Mutex
	orders      map[string]*domain.Order
	notes       []domain.OrderNote
	feeRecords  []domain.FeeRecord
	ledger      []domain.LedgerEntry
	webhooks    map[string]domain.WebhookEvent
	sellers     map[string]domain.SellerConnection
	revenue     map[string]decimal.Decimal
	revenueErr  error
	beforeApply func(r *memRepo)
	applyCalls  int
	clock       time.Time
}

func newMemRepo(orders ...*domain.Order) *memRepo {
	r := &memRepo{
		orders:   map[string]*domain.Order{},
		webhooks: map[string]domain.WebhookEvent{},
		sellers:  map[string]domain.SellerConnection{},
		revenue:  map[string]decimal.Decimal{},
		clock:    time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}
	for _, o := range orders {
		r.orders[o.ID] = o
	}
	return r
}

func (r *memRepo) tick() time.Time {
	r.clock = r.clock.Add(time.Second)
	return r.clock
}

func (r *memRepo) GetOrder(ctx context.Context, orderID string) (*domain.Order, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	o, ok := r.orders[orderID]
	if !ok {
		return nil, store.ErrOrderNotFound
	}
	cp := *o
	return &cp, nil
}

func (r *memRepo) FindOrderByProviderReference(ctx context.Context, gatewayID, reference string) (*domain.Order, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, o := range r.orders {
		if o.Gateway() == gatewayID && o.Reference() == reference {
			cp := *o
			return &cp, nil
		}
	}
	return nil, store.ErrOrderNotFound
}

func (r *memRepo) ApplyTransition(ctx context.Context, p store.TransitionParams) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.applyCalls++
	if r.beforeApply != nil {
		hook := r.beforeApply
		r.beforeApply = nil
		hook(r)
	}

	o, ok := r.orders[p.OrderID]
	if !ok {
		return store.ErrOrderNotFound
	}
	if o.Status != p.From {
		return store.ErrStaleTransition
	}
	for _, e := range p.LedgerEntries {
		if e.SupersedesID == nil {
			continue
		}
		for _, existing := range r.ledger {
			if existing.SupersedesID != nil && *existing.SupersedesID == *e.SupersedesID {
				return store.ErrLedgerEntrySuperseded
			}
		}
	}

	o.Status = p.To
	if p.GatewayID != nil {
		o.GatewayID = p.GatewayID
	}
	if p.PaymentMethod != nil {
		o.PaymentMethod = p.PaymentMethod
	}
	if p.ProviderReference != nil {
		o.ProviderReference = p.ProviderReference
	}
	if p.SellerID != nil {
		o.SellerID = nil
		if *p.SellerID != "" {
			seller := *p.SellerID
			o.SellerID = &seller
		}
	}
	if p.From != p.To || p.Note != "" {
		r.notes = append(r.notes, domain.OrderNote{OrderID: p.OrderID, From: p.From, To: p.To, Actor: p.Actor, Note: p.Note, CreatedAt: r.tick()})
	}
	if p.FeeRecord != nil {
		rec := *p.FeeRecord
		rec.CreatedAt = r.tick()
		r.feeRecords = append(r.feeRecords, rec)
	}
	for _, e := range p.LedgerEntries {
		e.CreatedAt = r.tick()
		r.ledger = append(r.ledger, e)
	}
	return nil
}

func (r *memRepo) ListOrderNotes(ctx context.Context, orderID string) ([]domain.OrderNote, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []domain.OrderNote
	for _, n := range r.notes {
		if n.OrderID == orderID {
			out = append(out, n)
		}
	}
	return out, nil
}

func (r *memRepo) LatestFeeRecord(ctx context.Context, orderID string) (*domain.FeeRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := len(r.feeRecords) - 1; i >= 0; i-- {
		if r.feeRecords[i].OrderID == orderID {
			rec := r.feeRecords[i]
			return &rec, nil
		}
	}
	return nil, store.ErrFeeRecordNotFound
}

func (r *memRepo) InsertLedgerEntry(ctx context.Context, entry domain.LedgerEntry) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = r.tick()
	}
	r.ledger = append(r.ledger, entry)
	return entry.ID, nil
}

func (r *memRepo) ListLedgerEntries(ctx context.Context, orderID string) ([]domain.LedgerEntry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []domain.LedgerEntry
	for _, e := range r.ledger {
		if e.OrderID == orderID {
			out = append(out, e)
		}
	}
	return out, nil
}

func (r *memRepo) superseded(id string) bool {
	for _, e := range r.ledger {
		if e.SupersedesID != nil && *e.SupersedesID == id {
			return true
		}
	}
	return false
}

func (r *memRepo) CurrentCharge(ctx context.Context, orderID, externalReference string) (*domain.LedgerEntry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := len(r.ledger) - 1; i >= 0; i-- {
		e := r.ledger[i]
		if e.OrderID == orderID && e.ExternalReference == externalReference && e.Type == domain.LedgerEntryCharge && !r.superseded(e.ID) {
			return &e, nil
		}
	}
	return nil, store.ErrLedgerEntryNotFound
}

func (r *memRepo) ListPendingCharges(ctx context.Context, createdBefore time.Time) ([]domain.LedgerEntry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []domain.LedgerEntry
	for _, e := range r.ledger {
		if e.Type == domain.LedgerEntryCharge && e.Status == domain.LedgerStatusPending &&
			e.CreatedAt.Before(createdBefore) && !r.superseded(e.ID) {
			out = append(out, e)
		}
	}
	return out, nil
}

func (r *memRepo) TrailingRevenue(ctx context.Context, merchantID string, since time.Time) (decimal.Decimal, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.revenueErr != nil {
		return decimal.Zero, r.revenueErr
	}
	return r.revenue[merchantID], nil
}

func (r *memRepo) ListActiveMerchants(ctx context.Context, since time.Time) ([]string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []string
	for id := range r.revenue {
		out = append(out, id)
	}
	sort.Strings(out)
	return out, nil
}

func (r *memRepo) RecordWebhookEvent(ctx context.Context, event domain.WebhookEvent) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	key := event.Gateway + "|" + event.ProviderPaymentID + "|" + event.Status
	if _, ok := r.webhooks[key]; ok {
		return false, nil
	}
	r.webhooks[key] = event
	return true, nil
}

func (r *memRepo) GetSellerConnection(ctx context.Context, gatewayID, sellerID string) (*domain.SellerConnection, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.sellers[gatewayID+"|"+sellerID]
	if !ok {
		return nil, store.ErrSellerNotConnected
	}
	return &c, nil
}

func (r *memRepo) SaveSellerConnection(ctx context.Context, conn domain.SellerConnection) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sellers[conn.GatewayID+"|"+conn.SellerID] = conn
	return nil
}

func (r *memRepo) entriesOfType(t domain.LedgerEntryType) []domain.LedgerEntry {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []domain.LedgerEntry
	for _, e := range r.ledger {
		if e.Type == t {
			out = append(out, e)
		}
	}
	return out
}

func (r *memRepo) orderStatus(id string) domain.OrderStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.orders[id].Status
}

type fakeAdapter struct {
	id         string
	configured bool

	outcome    *gateway.Outcome
	processErr error
	panicWith  interface{}
	lastReq    gateway.PaymentRequest

	payment    *gateway.Payment
	paymentErr error

	notice   *gateway.Notice
	parseErr error

	refundRef    string
	refundErr    error
	refundAmount decimal.Decimal

	processCalls int
	statusCalls  int
	refundCalls  int
	statusSeller string
	refundSeller string
}

func (f *fakeAdapter) ID() string         { return f.id }
func (f *fakeAdapter) IsConfigured() bool { return f.configured }

func (f *fakeAdapter) ProcessPayment(ctx context.Context, req gateway.PaymentRequest) (*gateway.Outcome, error) {
	f.processCalls++
	f.lastReq = req
	if f.panicWith != nil {
		panic(f.panicWith)
	}
	return f.outcome, f.processErr
}

func (f *fakeAdapter) GetPaymentStatus(ctx context.Context, paymentID string) (*gateway.Payment, error) {
	f.statusCalls++
	f.statusSeller = gateway.SellerFromContext(ctx)
	if f.paymentErr != nil {
		return nil, f.paymentErr
	}
	p := *f.payment
	return &p, nil
}

func (f *fakeAdapter) ParseWebhook(header http.Header, body []byte) (*gateway.Notice, error) {
	if f.parseErr != nil {
		return nil, f.parseErr
	}
	return f.notice, nil
}

func (f *fakeAdapter) RefundPayment(ctx context.Context, paymentID string, amount decimal.Decimal) (string, error) {
	f.refundCalls++
	f.refundAmount = amount
	f.refundSeller = gateway.SellerFromContext(ctx)
	return f.refundRef, f.refundErr
}

type publishedEvent struct {
	exchange   string
	routingKey string
	body       interface{}
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []publishedEvent
	err    error
}

func (p *recordingPublisher) Publish(ctx context.Context, exchange, routingKey string, body interface{}) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, publishedEvent{exchange: exchange, routingKey: routingKey, body: body})
	return p.err
}

func (p *recordingPublisher) keys() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []string
	for _, e := range p.events {
		out = append(out, e.routingKey)
	}
	return out
}

type mapCache struct {
	values map[string]string
	getErr error
	sets   int
}

func newMapCache() *mapCache {
	return &mapCache{values: map[string]string{}}
}

func (c *mapCache) Get(ctx context.Context, key string) (string, bool, error) {
	if c.getErr != nil {
		return "", false, c.getErr
	}
	v, ok := c.values[key]
	return v, ok, nil
}

func (c *mapCache) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	c.sets++
	c.values[key] = value
	return nil
}

func strPtr(s string) *string { return &s }

func testOrder(id string, status domain.OrderStatus) *domain.Order {
	return &domain.Order{
		ID:            id,
		MerchantID:    "merchant-1",
		Status:        status,
		Currency:      "BRL",
		Subtotal:      decimal.RequireFromString("1000.00"),
		GrandTotal:    decimal.RequireFromString("1000.00"),
		CustomerName:  "Maria Souza",
		CustomerEmail: "maria@example.com",
		ProductType:   "physical",
		Items: []domain.LineItem{{
			ProductID: "p-1", Name: "Camiseta", Quantity: 2,
			UnitPrice: decimal.RequireFromString("500.00"), Subtotal: decimal.RequireFromString("1000.00"),
		}},
	}
}

func newTestCalculator() *FeeCalculator {
	tiers, err := NewTierTable(DefaultTiers())
	if err != nil {
		panic(err)
	}
	return NewFeeCalculator(tiers, DefaultGatewayFees(), DefaultFallbackFee())
}

func newTestService(repo *memRepo, publisher *recordingPublisher, adapters ...gateway.Adapter) *Service {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	var pub EventPublisher
	if publisher != nil {
		pub = publisher
	}
	svc := NewService(repo, gateway.NewRegistry(adapters...), newTestCalculator(), newMapCache(), pub, logger, Config{Exchange: "hng.events"})
	svc.now = func() time.Time { return time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC) }
	return svc
}
