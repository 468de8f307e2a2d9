package middleware

import (
	"bytes"
	"errors"
	"io"
	"net/http"

	domainErrors "github.com/cassiomorais/mobilemoney/internal/domain/errors"
	"github.com/cassiomorais/mobilemoney/internal/infrastructure/airtel"
	"github.com/rs/zerolog"
)

const maxSignedBodySize = 1 << 20

// SignatureVerifier checks an x-signature/x-key envelope against a body.
type SignatureVerifier interface {
	Verify(sig airtel.Signature, body []byte) error
}

// RequireSignature rejects requests whose body does not match the enveloped
// signature in the x-signature and x-key headers.
func RequireSignature(verifier SignatureVerifier, logger zerolog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			sig := airtel.Signature{
				Signature: r.Header.Get("x-signature"),
				Key:       r.Header.Get("x-key"),
			}
			if sig.Signature == "" || sig.Key == "" {
				writeError(w, http.StatusUnauthorized, "request signature is missing", "signature_required")
				return
			}

			body, err := io.ReadAll(io.LimitReader(r.Body, maxSignedBodySize+1))
			if err != nil || len(body) > maxSignedBodySize {
				writeError(w, http.StatusBadRequest, "could not read request body", "invalid_body")
				return
			}

			if err := verifier.Verify(sig, body); err != nil {
				if errors.Is(err, domainErrors.ErrConfigMissing) {
					logger.Error().Err(err).Msg("Signature verification is required but not configured")
					writeError(w, http.StatusInternalServerError, "internal server error", "internal_error")
					return
				}
				logger.Warn().Err(err).Str("path", r.URL.Path).Msg("Rejected request with invalid signature")
				writeError(w, http.StatusUnauthorized, "invalid request signature", "signature_invalid")
				return
			}

			r.Body = io.NopCloser(bytes.NewReader(body))
			next.ServeHTTP(w, r)
		})
	}
}
