package api

import (
	"errors"
	"net/http"
	"strings"
	"testing"

	"github.com/hngcommerce/payment-service/internal/app"
	"github.com/hngcommerce/payment-service/pkg/gateway"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWebhook_PassesRawBodyAndHeaders(t *testing.T) {
	var gotGateway, gotSignature string
	var gotBody []byte
	svc := &stubService{webhook: func(gatewayID string, header http.Header, body []byte) (app.Outcome, error) {
		gotGateway, gotSignature, gotBody = gatewayID, header.Get("x-signature"), body
		return app.OutcomeApplied, nil
	}}
	router, _ := newTestRouter(t, svc, nil)

	payload := `{"type":"payment","data":{"id":"123"}}`
	rec := doRequest(router, http.MethodPost, "/webhooks/mercadopago", payload, map[string]string{"x-signature": "ts=1,v1=abc"})

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "mercadopago", gotGateway)
	assert.Equal(t, "ts=1,v1=abc", gotSignature)
	assert.Equal(t, payload, string(gotBody))
	assert.JSONEq(t, `{"outcome":"applied"}`, rec.Body.String())
}

func TestWebhook_Statuses(t *testing.T) {
	tests := []struct {
		name    string
		outcome app.Outcome
		err     error
		want    int
	}{
		{name: "noop replay", outcome: app.OutcomeNoop, want: http.StatusOK},
		{name: "dropped unknown order", outcome: app.OutcomeDropped, want: http.StatusOK},
		{name: "rejected transition", outcome: app.OutcomeRejectedTransition, want: http.StatusOK},
		{name: "bad signature", err: gateway.SignatureInvalid("asaas", "token mismatch"), want: http.StatusUnauthorized},
		{name: "unknown gateway", err: gateway.NotConfigured("stripe"), want: http.StatusNotFound},
		{name: "provider down", err: &gateway.Error{Kind: gateway.KindNetworkError, Gateway: "asaas"}, want: http.StatusBadGateway},
		{name: "database", err: errors.New("connection reset"), want: http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc := &stubService{webhook: func(string, http.Header, []byte) (app.Outcome, error) {
				return tt.outcome, tt.err
			}}
			router, _ := newTestRouter(t, svc, nil)

			rec := doRequest(router, http.MethodPost, "/webhooks/asaas", `{}`, nil)

			assert.Equal(t, tt.want, rec.Code)
		})
	}
}

func TestWebhook_RejectsOversizedBody(t *testing.T) {
	called := false
	svc := &stubService{webhook: func(string, http.Header, []byte) (app.Outcome, error) {
		called = true
		return app.OutcomeApplied, nil
	}}
	router, _ := newTestRouter(t, svc, nil)

	rec := doRequest(router, http.MethodPost, "/webhooks/asaas", strings.Repeat("a", maxRequestBody+1), nil)

	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
	assert.False(t, called)
}

func TestWebhook_DoesNotRequireInternalKey(t *testing.T) {
	svc := &stubService{webhook: func(string, http.Header, []byte) (app.Outcome, error) {
		return app.OutcomeIgnored, nil
	}}
	router, _ := newTestRouter(t, svc, nil)

	rec := doRequest(router, http.MethodPost, "/webhooks/pagseguro", `{}`, nil)

	assert.Equal(t, http.StatusOK, rec.Code)
}
