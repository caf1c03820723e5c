/**
 * @description
 * Seller OAuth credentials for split payments. Access tokens are cached with a
 * TTL, persisted sealed, and refreshed through the provider when expired.
 */
package credentials

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/hngcommerce/payment-service/internal/domain"
	"github.com/hngcommerce/payment-service/internal/store"
	"github.com/hngcommerce/payment-service/pkg/gateway"
)

// refreshMargin renews tokens slightly before the provider expires them.
const refreshMargin = 5 * time.Minute

// ConnectionStore persists seller connections.
type ConnectionStore interface {
	GetSellerConnection(ctx context.Context, gatewayID, sellerID string) (*domain.SellerConnection, error)
	SaveSellerConnection(ctx context.Context, conn domain.SellerConnection) error
}

// TokenRefresher is the provider OAuth client.
type TokenRefresher interface {
	Exchange(ctx context.Context, code, redirectURI string) (*gateway.OAuthToken, error)
	Refresh(ctx context.Context, refreshToken string) (*gateway.OAuthToken, error)
}

// Store resolves seller access tokens: cache first, then the sealed database
// copy, refreshing it through the provider once it is about to expire.
type Store struct {
	conns      ConnectionStore
	cache      Cache
	sealer     *Sealer
	refreshers map[string]TokenRefresher
	ttl        time.Duration
	logger     *slog.Logger
	now        func() time.Time
}

func NewStore(conns ConnectionStore, cache Cache, sealer *Sealer, refreshers map[string]TokenRefresher, ttl time.Duration, logger *slog.Logger) *Store {
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	return &Store{
		conns:      conns,
		cache:      cache,
		sealer:     sealer,
		refreshers: refreshers,
		ttl:        ttl,
		logger:     logger,
		now:        time.Now,
	}
}

func tokenCacheKey(gatewayID, sellerID string) string {
	return fmt.Sprintf("oauth:%s:%s", gatewayID, sellerID)
}

// SellerAccessToken returns the seller's access token, or "" when the seller
// never connected.
func (s *Store) SellerAccessToken(ctx context.Context, gatewayID, sellerID string) (string, error) {
	key := tokenCacheKey(gatewayID, sellerID)
	if cached, ok, err := s.cache.Get(ctx, key); err != nil {
		s.logger.Warn("oauth token cache read failed", "gateway", gatewayID, "seller_id", sellerID, "error", err)
	} else if ok {
		if token, err := s.openCached(cached); err == nil {
			return token, nil
		}
		s.logger.Warn("discarding unreadable cached oauth token", "gateway", gatewayID, "seller_id", sellerID)
	}

	conn, err := s.conns.GetSellerConnection(ctx, gatewayID, sellerID)
	if errors.Is(err, store.ErrSellerNotConnected) {
		return "", nil
	}
	if err != nil {
		return "", err
	}

	now := s.now()
	if now.Add(refreshMargin).Before(conn.ExpiresAt) {
		token, err := s.sealer.Open(conn.AccessTokenSealed)
		if err != nil {
			return "", fmt.Errorf("open access token for seller %s: %w", sellerID, err)
		}
		s.cacheToken(ctx, key, token, conn.ExpiresAt.Sub(now)-refreshMargin)
		return token, nil
	}

	refresher, ok := s.refreshers[gatewayID]
	if !ok {
		return "", gateway.NotConfigured(gatewayID)
	}
	refreshToken, err := s.sealer.Open(conn.RefreshTokenSealed)
	if err != nil {
		return "", fmt.Errorf("open refresh token for seller %s: %w", sellerID, err)
	}
	fresh, err := refresher.Refresh(ctx, refreshToken)
	if err != nil {
		return "", fmt.Errorf("refresh token for seller %s: %w", sellerID, err)
	}
	if fresh.RefreshToken == "" {
		fresh.RefreshToken = refreshToken
	}
	if fresh.UserID == "" {
		fresh.UserID = conn.ProviderUserID
	}
	if err := s.save(ctx, gatewayID, sellerID, fresh); err != nil {
		return "", err
	}
	s.logger.Info("refreshed seller oauth token", "gateway", gatewayID, "seller_id", sellerID)
	s.cacheToken(ctx, key, fresh.AccessToken, fresh.ExpiresAt.Sub(now)-refreshMargin)
	return fresh.AccessToken, nil
}

// Connect exchanges an OAuth authorization code and stores the seller tokens.
func (s *Store) Connect(ctx context.Context, gatewayID, sellerID, code, redirectURI string) (*domain.SellerConnection, error) {
	refresher, ok := s.refreshers[gatewayID]
	if !ok {
		return nil, gateway.NotConfigured(gatewayID)
	}
	token, err := refresher.Exchange(ctx, code, redirectURI)
	if err != nil {
		return nil, err
	}
	if err := s.save(ctx, gatewayID, sellerID, token); err != nil {
		return nil, err
	}
	if err := s.cache.Delete(ctx, tokenCacheKey(gatewayID, sellerID)); err != nil {
		s.logger.Warn("oauth token cache delete failed", "gateway", gatewayID, "seller_id", sellerID, "error", err)
	}
	return &domain.SellerConnection{
		GatewayID:      gatewayID,
		SellerID:       sellerID,
		ProviderUserID: token.UserID,
		ExpiresAt:      token.ExpiresAt,
		UpdatedAt:      s.now().UTC(),
	}, nil
}

func (s *Store) save(ctx context.Context, gatewayID, sellerID string, token *gateway.OAuthToken) error {
	access, err := s.sealer.Seal(token.AccessToken)
	if err != nil {
		return err
	}
	refresh, err := s.sealer.Seal(token.RefreshToken)
	if err != nil {
		return err
	}
	return s.conns.SaveSellerConnection(ctx, domain.SellerConnection{
		GatewayID:          gatewayID,
		SellerID:           sellerID,
		ProviderUserID:     token.UserID,
		AccessTokenSealed:  access,
		RefreshTokenSealed: refresh,
		ExpiresAt:          token.ExpiresAt,
		UpdatedAt:          s.now().UTC(),
	})
}

// cacheToken stores the token sealed, so the shared cache never holds a
// usable credential.
func (s *Store) cacheToken(ctx context.Context, key, token string, remaining time.Duration) {
	ttl := s.ttl
	if remaining < ttl {
		ttl = remaining
	}
	if ttl <= 0 {
		return
	}
	sealed, err := s.sealer.Seal(token)
	if err != nil {
		s.logger.Warn("oauth token seal failed, not caching", "key", key, "error", err)
		return
	}
	if err := s.cache.Set(ctx, key, base64.StdEncoding.EncodeToString(sealed), ttl); err != nil {
		s.logger.Warn("oauth token cache write failed", "key", key, "error", err)
	}
}

func (s *Store) openCached(value string) (string, error) {
	sealed, err := base64.StdEncoding.DecodeString(value)
	if err != nil {
		return "", err
	}
	return s.sealer.Open(sealed)
}
