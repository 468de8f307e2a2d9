package airtel

import (
	"context"
	"crypto/rsa"
	"encoding/json"
	"errors"
	"fmt"

	domainErrors "github.com/cassiomorais/mobilemoney/internal/domain/errors"
	"github.com/cassiomorais/mobilemoney/internal/infrastructure/config"
	"github.com/cassiomorais/mobilemoney/internal/infrastructure/observability"
	"github.com/cassiomorais/mobilemoney/pkg/envelope"
	"github.com/rs/zerolog"
)

// Signer produces the x-signature / x-key pair for outbound requests and
// checks envelopes on inbound ones.
type Signer struct {
	enabled bool
	strict  bool
	keys    KeySource
	private *rsa.PrivateKey
	logger  zerolog.Logger
	metrics *observability.Metrics
}

// NewSigner parses airtel.rsa_private_key when present. Without it Verify
// reports ErrConfigMissing.
func NewSigner(cfg config.AirtelConfig, keys KeySource, logger zerolog.Logger, metrics *observability.Metrics) (*Signer, error) {
	s := &Signer{
		enabled: cfg.SignatureEnabled,
		strict:  cfg.SignatureStrict,
		keys:    keys,
		logger:  observability.Component(logger, "signer"),
		metrics: metrics,
	}
	if cfg.RSAPrivateKey != "" {
		priv, err := envelope.ParsePrivateKey(cfg.RSAPrivateKey)
		if err != nil {
			return nil, fmt.Errorf("parse airtel.rsa_private_key: %w", err)
		}
		s.private = priv
	}
	return s, nil
}

func (s *Signer) Enabled() bool { return s.enabled }

// Sign seals the JSON form of payload for the jurisdiction's key. When signing
// is disabled it returns an empty Signature. Failures degrade to an empty
// Signature unless the signer is strict.
func (s *Signer) Sign(ctx context.Context, payload any, country, currency string) (Signature, error) {
	if !s.enabled {
		return Signature{}, nil
	}

	sig, err := s.sign(ctx, payload, country, currency)
	if err == nil {
		return sig, nil
	}

	if s.strict {
		return Signature{}, err
	}
	s.logger.Error().
		Err(err).
		Str("country", country).
		Str("currency", currency).
		Msg("Signing failed, sending request unsigned")
	if s.metrics != nil {
		reason := "signing"
		if errors.Is(err, domainErrors.ErrKeyFetchFailure) {
			reason = "key_fetch"
		}
		s.metrics.SigningDegraded.WithLabelValues(reason).Inc()
	}
	return Signature{}, nil
}

func (s *Signer) sign(ctx context.Context, payload any, country, currency string) (Signature, error) {
	ctx, span := tracer.Start(ctx, "airtel.sign")
	defer span.End()

	body, err := json.Marshal(payload)
	if err != nil {
		return Signature{}, fmt.Errorf("%w: encode payload: %w", domainErrors.ErrSigningFailure, err)
	}

	material, err := s.keys.GetSigningKey(ctx, country, currency)
	if err != nil {
		return Signature{}, err
	}

	pub, err := envelope.ParsePublicKey(material)
	if err != nil {
		return Signature{}, fmt.Errorf("%w: %w", domainErrors.ErrSigningFailure, err)
	}

	env, err := envelope.Seal(body, pub)
	if err != nil {
		return Signature{}, fmt.Errorf("%w: %w", domainErrors.ErrSigningFailure, err)
	}
	return Signature{Signature: env.Signature, Key: env.WrappedKey}, nil
}

// Verify checks that sig carries exactly body.
func (s *Signer) Verify(sig Signature, body []byte) error {
	if s.private == nil {
		return domainErrors.Missing("airtel.rsa_private_key")
	}
	err := envelope.Verify(envelope.Envelope{Signature: sig.Signature, WrappedKey: sig.Key}, s.private, body)
	if err != nil {
		return fmt.Errorf("%w: %w", domainErrors.ErrSignatureMismatch, err)
	}
	return nil
}
