package gateway

import (
	"context"
	"net/http"
	"strings"
	"time"
)

// OAuthToken is a seller credential issued by the provider's OAuth server.
type OAuthToken struct {
	AccessToken  string
	RefreshToken string
	UserID       string
	ExpiresAt    time.Time
}

// MercadoPagoOAuthConfig holds the marketplace application credentials.
type MercadoPagoOAuthConfig struct {
	ClientID     string
	ClientSecret string
	BaseURL      string
	Transport    TransportConfig
}

// MercadoPagoOAuth exchanges and refreshes seller tokens for split payments.
type MercadoPagoOAuth struct {
	cfg MercadoPagoOAuthConfig
	api *apiClient
	now func() time.Time
}

// NewMercadoPagoOAuth creates the OAuth client.
func NewMercadoPagoOAuth(cfg MercadoPagoOAuthConfig) *MercadoPagoOAuth {
	if cfg.BaseURL == "" {
		cfg.BaseURL = mercadoPagoBaseURL
	}
	return &MercadoPagoOAuth{
		cfg: cfg,
		api: newAPIClient(MercadoPagoID+"-oauth", strings.TrimRight(cfg.BaseURL, "/"), cfg.Transport),
		now: time.Now,
	}
}

// IsConfigured reports whether the marketplace application credentials are set.
func (o *MercadoPagoOAuth) IsConfigured() bool {
	return o.cfg.ClientID != "" && o.cfg.ClientSecret != ""
}

type mpOAuthResponse struct {
	AccessToken  string     `json:"access_token"`
	RefreshToken string     `json:"refresh_token"`
	UserID       flexibleID `json:"user_id"`
	ExpiresIn    int64      `json:"expires_in"`
}

// Exchange trades an authorization code for seller tokens.
func (o *MercadoPagoOAuth) Exchange(ctx context.Context, code, redirectURI string) (*OAuthToken, error) {
	return o.token(ctx, map[string]string{
		"grant_type":   "authorization_code",
		"code":         code,
		"redirect_uri": redirectURI,
	})
}

// Refresh renews an expired seller access token.
func (o *MercadoPagoOAuth) Refresh(ctx context.Context, refreshToken string) (*OAuthToken, error) {
	return o.token(ctx, map[string]string{
		"grant_type":    "refresh_token",
		"refresh_token": refreshToken,
	})
}

func (o *MercadoPagoOAuth) token(ctx context.Context, form map[string]string) (*OAuthToken, error) {
	if !o.IsConfigured() {
		return nil, NotConfigured(MercadoPagoID)
	}
	form["client_id"] = o.cfg.ClientID
	form["client_secret"] = o.cfg.ClientSecret

	var resp mpOAuthResponse
	if err := o.api.do(ctx, http.MethodPost, "/oauth/token", nil, form, &resp); err != nil {
		return nil, err
	}
	return &OAuthToken{
		AccessToken:  resp.AccessToken,
		RefreshToken: resp.RefreshToken,
		UserID:       resp.UserID.String(),
		ExpiresAt:    o.now().Add(time.Duration(resp.ExpiresIn) * time.Second),
	}, nil
}
