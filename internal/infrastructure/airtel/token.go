package airtel

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	domainErrors "github.com/cassiomorais/mobilemoney/internal/domain/errors"
	"github.com/cassiomorais/mobilemoney/internal/infrastructure/cache"
	"github.com/cassiomorais/mobilemoney/internal/infrastructure/config"
	"github.com/cassiomorais/mobilemoney/internal/infrastructure/observability"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"golang.org/x/sync/singleflight"
)

const (
	TokenCacheKey = "AIRTEL_ACCESS_TOKEN"
	TokenLockKey  = "AIRTEL_TOKEN_REFRESH_LOCK"

	// Cached tokens expire this long before the provider says they do.
	tokenExpiryMargin = 60 * time.Second
)

var tracer = otel.Tracer("github.com/cassiomorais/mobilemoney/internal/infrastructure/airtel")

// Locker serializes work on a key across every instance sharing the cache.
type Locker interface {
	WithLock(ctx context.Context, key string, fn func(ctx context.Context) error) error
}

// TokenSource hands out bearer tokens for provider calls.
type TokenSource interface {
	GetAccessToken(ctx context.Context) (string, error)
}

// TokenManager keeps one provider access token in the shared cache and makes
// sure at most one instance refreshes it at a time.
type TokenManager struct {
	cfg     config.AirtelConfig
	cache   cache.Cache
	locker  Locker
	client  *http.Client
	group   singleflight.Group
	logger  zerolog.Logger
	metrics *observability.Metrics
}

func NewTokenManager(
	cfg config.AirtelConfig,
	c cache.Cache,
	locker Locker,
	client *http.Client,
	logger zerolog.Logger,
	metrics *observability.Metrics,
) *TokenManager {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &TokenManager{
		cfg:     cfg,
		cache:   c,
		locker:  locker,
		client:  client,
		logger:  observability.Component(logger, "token-manager"),
		metrics: metrics,
	}
}

// GetAccessToken returns the cached token or refreshes it under the token
// refresh lock. Every failure wraps ErrAuthFailure.
func (m *TokenManager) GetAccessToken(ctx context.Context) (string, error) {
	ctx, span := tracer.Start(ctx, "airtel.token.get")
	defer span.End()

	token, found, err := m.cache.Get(ctx, TokenCacheKey)
	if err != nil {
		span.SetStatus(codes.Error, "cache read failed")
		return "", fmt.Errorf("%w: read token cache: %w", domainErrors.ErrAuthFailure, err)
	}
	if found && token != "" {
		m.countHit("first_read")
		span.SetAttributes(attribute.String("token.source", "cache"))
		return token, nil
	}

	// Concurrent callers in this process share one refresh. Each still
	// honours its own context while waiting.
	ch := m.group.DoChan(TokenLockKey, func() (any, error) {
		return m.refreshUnderLock(context.WithoutCancel(ctx))
	})

	select {
	case <-ctx.Done():
		return "", fmt.Errorf("%w: %w", domainErrors.ErrAuthFailure, ctx.Err())
	case res := <-ch:
		if res.Err != nil {
			span.RecordError(res.Err)
			span.SetStatus(codes.Error, "token refresh failed")
			return "", res.Err
		}
		return res.Val.(string), nil
	}
}

func (m *TokenManager) refreshUnderLock(ctx context.Context) (string, error) {
	var token string

	err := m.locker.WithLock(ctx, TokenLockKey, func(ctx context.Context) error {
		cached, found, err := m.cache.Get(ctx, TokenCacheKey)
		if err != nil {
			return fmt.Errorf("read token cache: %w", err)
		}
		if found && cached != "" {
			m.countHit("after_lock")
			token = cached
			return nil
		}

		resp, err := m.fetchToken(ctx)
		if err != nil {
			m.countRefresh("failure")
			return err
		}
		m.countRefresh("success")

		ttl := time.Duration(resp.ExpiresIn)*time.Second - tokenExpiryMargin
		if err := m.cache.Set(ctx, TokenCacheKey, resp.AccessToken, ttl); err != nil {
			m.logger.Error().Err(err).Msg("Fetched access token but could not cache it")
		}
		token = resp.AccessToken
		return nil
	})
	if err != nil {
		if errors.Is(err, domainErrors.ErrAuthFailure) {
			return "", err
		}
		return "", fmt.Errorf("%w: %w", domainErrors.ErrAuthFailure, err)
	}
	return token, nil
}

func (m *TokenManager) fetchToken(ctx context.Context) (*tokenResponse, error) {
	if err := m.checkConfig(); err != nil {
		m.logger.Error().Err(err).Msg("Provider credentials are not configured")
		return nil, fmt.Errorf("%w: %w", domainErrors.ErrAuthFailure, err)
	}

	body, err := json.Marshal(tokenRequest{
		ClientID:     m.cfg.ClientID,
		ClientSecret: m.cfg.ClientSecret,
		GrantType:    "client_credentials",
	})
	if err != nil {
		return nil, fmt.Errorf("%w: encode token request: %w", domainErrors.ErrAuthFailure, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.cfg.TokenURL, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("%w: build token request: %w", domainErrors.ErrAuthFailure, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	res, err := m.client.Do(req)
	if err != nil {
		m.logger.Error().Err(err).Msg("Token request failed")
		return nil, fmt.Errorf("%w: %w", domainErrors.ErrAuthFailure, err)
	}
	defer res.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(res.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("%w: read token response: %w", domainErrors.ErrAuthFailure, err)
	}
	if res.StatusCode < 200 || res.StatusCode > 299 {
		m.logger.Error().Int("status", res.StatusCode).Msg("Token endpoint rejected the credential grant")
		return nil, fmt.Errorf("%w: token endpoint returned HTTP %d", domainErrors.ErrAuthFailure, res.StatusCode)
	}

	var tr tokenResponse
	if err := json.Unmarshal(raw, &tr); err != nil {
		return nil, fmt.Errorf("%w: decode token response: %w", domainErrors.ErrAuthFailure, err)
	}
	if tr.AccessToken == "" {
		return nil, fmt.Errorf("%w: token response has no access_token", domainErrors.ErrAuthFailure)
	}
	if time.Duration(tr.ExpiresIn)*time.Second <= tokenExpiryMargin {
		m.logger.Error().Int64("expires_in", int64(tr.ExpiresIn)).Msg("Token lifetime too short to cache")
		return nil, fmt.Errorf("%w: expires_in %d leaves no cacheable lifetime", domainErrors.ErrAuthFailure, tr.ExpiresIn)
	}

	m.logger.Info().Int64("expires_in", int64(tr.ExpiresIn)).Msg("Fetched new provider access token")
	return &tr, nil
}

func (m *TokenManager) checkConfig() error {
	var errs []error
	for name, v := range map[string]string{
		"airtel.token_url":     m.cfg.TokenURL,
		"airtel.client_id":     m.cfg.ClientID,
		"airtel.client_secret": m.cfg.ClientSecret,
	} {
		if strings.TrimSpace(v) == "" {
			errs = append(errs, domainErrors.Missing(name))
		}
	}
	return errors.Join(errs...)
}

// Invalidate drops the cached token so the next call refreshes it.
func (m *TokenManager) Invalidate(ctx context.Context) error {
	if err := m.cache.Delete(ctx, TokenCacheKey); err != nil {
		return fmt.Errorf("invalidate token: %w", err)
	}
	m.logger.Info().Msg("Cached access token invalidated")
	return nil
}

func (m *TokenManager) countHit(stage string) {
	if m.metrics != nil {
		m.metrics.TokenCacheHits.WithLabelValues(stage).Inc()
	}
}

func (m *TokenManager) countRefresh(result string) {
	if m.metrics != nil {
		m.metrics.TokenRefreshes.WithLabelValues(result).Inc()
	}
}
