package api

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"io"
	"log/slog"
	"math/big"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/hngcommerce/payment-service/internal/app"
	"github.com/hngcommerce/payment-service/internal/domain"
	"github.com/hngcommerce/payment-service/pkg/gateway"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

const testInternalKey = "internal-test-key"

type stubService struct {
	processPayment func(orderID, gatewayID string, data domain.PaymentData) (*gateway.Outcome, error)
	quoteFees      func(merchantID string, gross decimal.Decimal, productType, gatewayID, method string) (domain.FeeBreakdown, error)
	reconcile      func(orderID string) (*app.ReconcileResult, error)
	webhook        func(gatewayID string, header http.Header, body []byte) (app.Outcome, error)
	transition     func(orderID string, to domain.OrderStatus, note string) (*domain.Order, error)
	refund         func(orderID string, amount decimal.Decimal, reason string) (*app.RefundResult, error)
	balance        func(orderID string) (*domain.LedgerBalance, error)
	stale          func(olderThan time.Duration) ([]domain.StaleCharge, error)
	gateways       []app.GatewayInfo
}

func (s *stubService) ProcessPayment(_ context.Context, orderID, gatewayID string, data domain.PaymentData) (*gateway.Outcome, error) {
	return s.processPayment(orderID, gatewayID, data)
}

func (s *stubService) QuoteFees(_ context.Context, merchantID string, gross decimal.Decimal, productType, gatewayID, methodName string) (domain.FeeBreakdown, error) {
	return s.quoteFees(merchantID, gross, productType, gatewayID, methodName)
}

func (s *stubService) ReconcileOrder(_ context.Context, orderID string) (*app.ReconcileResult, error) {
	return s.reconcile(orderID)
}

func (s *stubService) HandleWebhook(_ context.Context, gatewayID string, header http.Header, body []byte) (app.Outcome, error) {
	return s.webhook(gatewayID, header, body)
}

func (s *stubService) AdminTransition(_ context.Context, orderID string, to domain.OrderStatus, note string) (*domain.Order, error) {
	return s.transition(orderID, to, note)
}

func (s *stubService) RefundOrder(_ context.Context, orderID string, amount decimal.Decimal, reason string) (*app.RefundResult, error) {
	return s.refund(orderID, amount, reason)
}

func (s *stubService) Balance(_ context.Context, orderID string) (*domain.LedgerBalance, error) {
	return s.balance(orderID)
}

func (s *stubService) StalePending(_ context.Context, olderThan time.Duration) ([]domain.StaleCharge, error) {
	return s.stale(olderThan)
}

func (s *stubService) ListGateways() []app.GatewayInfo {
	return s.gateways
}

type stubConnector struct {
	gatewayID, sellerID, code, redirectURI string
}

func (c *stubConnector) Connect(_ context.Context, gatewayID, sellerID, code, redirectURI string) (*domain.SellerConnection, error) {
	c.gatewayID, c.sellerID, c.code, c.redirectURI = gatewayID, sellerID, code, redirectURI
	return &domain.SellerConnection{GatewayID: gatewayID, SellerID: sellerID, ProviderUserID: "mp-user-9"}, nil
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// testIssuer signs admin tokens and serves the matching JWKS.
type testIssuer struct {
	key    *rsa.PrivateKey
	kid    string
	server *httptest.Server
}

func newTestIssuer(t *testing.T) *testIssuer {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	iss := &testIssuer{key: key, kid: "test-kid"}
	iss.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"keys": []map[string]string{{
				"kid": iss.kid,
				"kty": "RSA",
				"use": "sig",
				"n":   base64.RawURLEncoding.EncodeToString(key.PublicKey.N.Bytes()),
				"e":   base64.RawURLEncoding.EncodeToString(big.NewInt(int64(key.PublicKey.E)).Bytes()),
			}},
		})
	}))
	t.Cleanup(iss.server.Close)
	return iss
}

func (i *testIssuer) token(t *testing.T, claims jwt.MapClaims) string {
	t.Helper()
	if _, ok := claims["exp"]; !ok {
		claims["exp"] = time.Now().Add(time.Hour).Unix()
	}
	tok := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	tok.Header["kid"] = i.kid
	signed, err := tok.SignedString(i.key)
	require.NoError(t, err)
	return signed
}

func newTestRouter(t *testing.T, svc *stubService, sellers SellerConnector) (http.Handler, *testIssuer) {
	t.Helper()
	iss := newTestIssuer(t)
	h := NewHandler(svc, sellers, discardLogger())
	router := NewRouter(h, RouterConfig{
		InternalAPIKey: testInternalKey,
		AdminJWKSURL:   iss.server.URL,
		AdminRole:      "payments_admin",
	})
	return router, iss
}

func doRequest(handler http.Handler, method, path, body string, header map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	for k, v := range header {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func decodeJSON(t *testing.T, rec *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var out map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out
}
