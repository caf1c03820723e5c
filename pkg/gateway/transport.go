package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"time"

	"github.com/sony/gobreaker/v2"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

const maxResponseBytes = 4 << 20

var errUpstream = errors.New("provider returned a server error")

// TransportConfig tunes the outbound client shared by an adapter.
type TransportConfig struct {
	Timeout         time.Duration
	BreakerFailures uint32
	BreakerOpenFor  time.Duration
	BreakerHalfOpen uint32
	BaseHTTPClient  *http.Client
}

// DefaultTransportConfig returns the production transport settings.
func DefaultTransportConfig() TransportConfig {
	return TransportConfig{
		Timeout:         20 * time.Second,
		BreakerFailures: 5,
		BreakerOpenFor:  30 * time.Second,
		BreakerHalfOpen: 1,
	}
}

type response struct {
	status int
	body   []byte
}

// apiClient performs JSON calls against one provider through a traced,
// circuit-broken HTTP client. It never retries.
type apiClient struct {
	gatewayID string
	baseURL   string
	http      *http.Client
	breaker   *gobreaker.CircuitBreaker[*response]
}

func newAPIClient(gatewayID, baseURL string, cfg TransportConfig) *apiClient {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTransportConfig().Timeout
	}
	client := cfg.BaseHTTPClient
	if client == nil {
		client = &http.Client{}
	}
	base := client.Transport
	if base == nil {
		base = http.DefaultTransport
	}
	traced := &http.Client{
		Timeout:   cfg.Timeout,
		Transport: otelhttp.NewTransport(base),
	}

	failures := cfg.BreakerFailures
	if failures == 0 {
		failures = DefaultTransportConfig().BreakerFailures
	}
	settings := gobreaker.Settings{
		Name:        gatewayID,
		MaxRequests: cfg.BreakerHalfOpen,
		Timeout:     cfg.BreakerOpenFor,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= failures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Printf("level=warn component=gateway_breaker gateway=%s from=%s to=%s", name, from.String(), to.String())
		},
	}

	return &apiClient{
		gatewayID: gatewayID,
		baseURL:   baseURL,
		http:      traced,
		breaker:   gobreaker.NewCircuitBreaker[*response](settings),
	}
}

// do sends one request and decodes a 2xx JSON body into out. Non-2xx answers
// become api_error with the raw payload preserved; transport failures and an
// open breaker become network_error.
func (c *apiClient) do(ctx context.Context, method, path string, headers map[string]string, in, out interface{}) error {
	var body io.Reader
	if in != nil {
		payload, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("failed to marshal %s request: %w", c.gatewayID, err)
		}
		body = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("failed to create %s request: %w", c.gatewayID, err)
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := c.breaker.Execute(func() (*response, error) {
		httpResp, err := c.http.Do(req)
		if err != nil {
			return nil, err
		}
		defer httpResp.Body.Close()

		raw, err := io.ReadAll(io.LimitReader(httpResp.Body, maxResponseBytes))
		if err != nil {
			return nil, err
		}
		r := &response{status: httpResp.StatusCode, body: raw}
		if httpResp.StatusCode >= 500 {
			return r, errUpstream
		}
		return r, nil
	})
	if err != nil && !errors.Is(err, errUpstream) {
		log.Printf("level=error component=gateway_client gateway=%s op=%s path=%s err=%q", c.gatewayID, method, path, err.Error())
		return &Error{Kind: KindNetworkError, Gateway: c.gatewayID, Message: "provider unreachable", Err: err}
	}

	if resp.status < 200 || resp.status >= 300 {
		log.Printf("level=error component=gateway_client gateway=%s op=%s path=%s status=%d body=%q", c.gatewayID, method, path, resp.status, truncate(resp.body, 2048))
		return &Error{
			Kind:       KindAPIError,
			Gateway:    c.gatewayID,
			StatusCode: resp.status,
			Message:    providerMessage(resp.body),
			Raw:        resp.body,
		}
	}

	if out == nil || len(resp.body) == 0 {
		return nil
	}
	if err := json.Unmarshal(resp.body, out); err != nil {
		return &Error{Kind: KindAPIError, Gateway: c.gatewayID, StatusCode: resp.status, Message: "unparsable provider response", Raw: resp.body, Err: err}
	}
	return nil
}

// providerMessage pulls a human readable message out of the common provider
// error shapes.
func providerMessage(body []byte) string {
	var parsed struct {
		Message string `json:"message"`
		Errors  []struct {
			Description string `json:"description"`
			Message     string `json:"message"`
		} `json:"errors"`
		ErrorMessages []struct {
			Description string `json:"description"`
		} `json:"error_messages"`
	}
	if err := json.Unmarshal(body, &parsed); err != nil {
		return ""
	}
	switch {
	case parsed.Message != "":
		return parsed.Message
	case len(parsed.Errors) > 0 && parsed.Errors[0].Description != "":
		return parsed.Errors[0].Description
	case len(parsed.Errors) > 0:
		return parsed.Errors[0].Message
	case len(parsed.ErrorMessages) > 0:
		return parsed.ErrorMessages[0].Description
	}
	return ""
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
