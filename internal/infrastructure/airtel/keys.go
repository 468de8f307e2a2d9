package airtel

import (
	"context"
	"encoding/json"
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
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

const (
	keyCachePrefix = "AIRTEL_RSA_PUBLIC_KEY"
	defaultKeyTTL  = time.Hour
)

var validUptoLayouts = []string{time.RFC3339, "2006-01-02 15:04:05"}

// KeySource returns the provider's public key material for a jurisdiction.
type KeySource interface {
	GetSigningKey(ctx context.Context, country, currency string) (string, error)
}

// KeyManager caches the provider's per-jurisdiction encryption key until the
// provider's stated expiry. Concurrent misses may fetch twice; the key is
// idempotent so no lock is taken.
type KeyManager struct {
	cfg     config.AirtelConfig
	cache   cache.Cache
	tokens  TokenSource
	client  *http.Client
	now     func() time.Time
	logger  zerolog.Logger
	metrics *observability.Metrics
}

func NewKeyManager(
	cfg config.AirtelConfig,
	c cache.Cache,
	tokens TokenSource,
	client *http.Client,
	logger zerolog.Logger,
	metrics *observability.Metrics,
) *KeyManager {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &KeyManager{
		cfg:     cfg,
		cache:   c,
		tokens:  tokens,
		client:  client,
		now:     time.Now,
		logger:  observability.Component(logger, "key-manager"),
		metrics: metrics,
	}
}

func keyCacheKey(country, currency string) string {
	return fmt.Sprintf("%s:%s:%s", keyCachePrefix, strings.ToUpper(country), strings.ToUpper(currency))
}

// GetSigningKey returns the key material for country and currency. Failures wrap ErrKeyFetchFailure.
func (m *KeyManager) GetSigningKey(ctx context.Context, country, currency string) (string, error) {
	ctx, span := tracer.Start(ctx, "airtel.key.get")
	defer span.End()
	span.SetAttributes(attribute.String("country", country), attribute.String("currency", currency))

	cacheKey := keyCacheKey(country, currency)

	if key, found, err := m.cache.Get(ctx, cacheKey); err != nil {
		m.logger.Warn().Err(err).Str("cache_key", cacheKey).Msg("Key cache read failed, fetching from provider")
	} else if found && key != "" {
		m.count("cache", "hit")
		return key, nil
	}

	key, validUpto, err := m.fetchKey(ctx, country, currency)
	if err != nil {
		m.count("provider", "failure")
		span.RecordError(err)
		span.SetStatus(codes.Error, "key fetch failed")
		return "", err
	}
	m.count("provider", "success")

	ttl := m.ttlFor(validUpto)
	if err := m.cache.Set(ctx, cacheKey, key, ttl); err != nil {
		m.logger.Error().Err(err).Str("cache_key", cacheKey).Msg("Could not cache signing key")
	}

	m.logger.Info().
		Str("country", country).
		Str("currency", currency).
		Dur("ttl", ttl).
		Msg("Fetched provider signing key")
	return key, nil
}

// ttlFor derives the cache lifetime from the provider's valid_upto. Missing,
// unparseable or past expiries fall back to one hour.
func (m *KeyManager) ttlFor(validUpto string) time.Duration {
	validUpto = strings.TrimSpace(validUpto)
	if validUpto == "" {
		return defaultKeyTTL
	}
	for _, layout := range validUptoLayouts {
		t, err := time.ParseInLocation(layout, validUpto, time.UTC)
		if err != nil {
			continue
		}
		if ttl := t.Sub(m.now()); ttl > 0 {
			return ttl
		}
		return defaultKeyTTL
	}
	m.logger.Warn().Str("valid_upto", validUpto).Msg("Unrecognized key expiry, using default TTL")
	return defaultKeyTTL
}

func (m *KeyManager) fetchKey(ctx context.Context, country, currency string) (string, string, error) {
	if strings.TrimSpace(m.cfg.EncryptionKeysURL) == "" {
		return "", "", fmt.Errorf("%w: %w", domainErrors.ErrKeyFetchFailure, domainErrors.Missing("airtel.encryption_keys_url"))
	}

	token, err := m.tokens.GetAccessToken(ctx)
	if err != nil {
		return "", "", fmt.Errorf("%w: %w", domainErrors.ErrKeyFetchFailure, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, m.cfg.EncryptionKeysURL, nil)
	if err != nil {
		return "", "", fmt.Errorf("%w: build request: %w", domainErrors.ErrKeyFetchFailure, err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("X-Country", country)
	req.Header.Set("X-Currency", currency)
	req.Header.Set("Accept", "application/json")

	res, err := m.client.Do(req)
	if err != nil {
		return "", "", fmt.Errorf("%w: %w", domainErrors.ErrKeyFetchFailure, err)
	}
	defer res.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(res.Body, 1<<20))
	if err != nil {
		return "", "", fmt.Errorf("%w: read response: %w", domainErrors.ErrKeyFetchFailure, err)
	}
	if res.StatusCode < 200 || res.StatusCode > 299 {
		return "", "", fmt.Errorf("%w: encryption keys endpoint returned HTTP %d", domainErrors.ErrKeyFetchFailure, res.StatusCode)
	}

	var kr encryptionKeysResponse
	if err := json.Unmarshal(raw, &kr); err != nil {
		return "", "", fmt.Errorf("%w: decode response: %w", domainErrors.ErrKeyFetchFailure, err)
	}
	if !kr.Status.Success {
		return "", "", fmt.Errorf("%w: provider reported failure: %s", domainErrors.ErrKeyFetchFailure, kr.Status.Message)
	}
	if strings.TrimSpace(kr.Data.Key) == "" {
		return "", "", fmt.Errorf("%w: response has no key", domainErrors.ErrKeyFetchFailure)
	}

	return kr.Data.Key, kr.Data.ValidUpto, nil
}

func (m *KeyManager) count(source, result string) {
	if m.metrics != nil {
		m.metrics.KeyFetches.WithLabelValues(source, result).Inc()
	}
}
