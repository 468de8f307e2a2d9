package controller

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	domainErrors "github.com/cassiomorais/mobilemoney/internal/domain/errors"
	"github.com/cassiomorais/mobilemoney/internal/infrastructure/airtel"
	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog/log"
)

const maxBodySize = 1 << 20

var validate = validator.New()

type errorMapping struct {
	err    error
	status int
	code   string
}

var errorMappings = []errorMapping{
	{domainErrors.ErrInvalidContentType, http.StatusUnauthorized, "invalid_content_type"},
	{domainErrors.ErrUnauthorized, http.StatusUnauthorized, "unauthorized"},
	{domainErrors.ErrSignatureMismatch, http.StatusUnauthorized, "signature_invalid"},
	{domainErrors.ErrAuthFailure, http.StatusUnauthorized, "provider_auth_failed"},
	{domainErrors.ErrForbidden, http.StatusForbidden, "forbidden"},
	{domainErrors.ErrDuplicateIdempotencyKey, http.StatusConflict, "duplicate_request"},
	{domainErrors.ErrKeyFetchFailure, http.StatusBadGateway, "provider_key_unavailable"},
	{domainErrors.ErrSigningFailure, http.StatusBadGateway, "signing_failed"},
	{domainErrors.ErrProviderUnavailable, http.StatusServiceUnavailable, "provider_unavailable"},
	{domainErrors.ErrDeliveryFailure, http.StatusServiceUnavailable, "delivery_unavailable"},
	{domainErrors.ErrLockTimeout, http.StatusServiceUnavailable, "busy"},
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeRaw passes a provider body through untouched.
func writeRaw(w http.ResponseWriter, status int, body json.RawMessage) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if len(body) == 0 {
		body = json.RawMessage("null")
	}
	w.Write(body)
}

func writeError(w http.ResponseWriter, err error) {
	resp := ErrorResponse{Error: err.Error()}

	var validationErr *domainErrors.ValidationError
	if errors.As(err, &validationErr) {
		resp.Code = "validation_error"
		writeJSON(w, http.StatusBadRequest, resp)
		return
	}

	var apiErr *airtel.APIError
	if errors.As(err, &apiErr) {
		resp.Code = "provider_rejected"
		resp.ProviderStatus = apiErr.StatusCode
		resp.Details = apiErr.Body
		writeJSON(w, http.StatusBadGateway, resp)
		return
	}

	for _, m := range errorMappings {
		if errors.Is(err, m.err) {
			resp.Code = m.code
			writeJSON(w, m.status, resp)
			return
		}
	}

	var domainErr *domainErrors.DomainError
	if errors.As(err, &domainErr) {
		resp.Code = domainErr.Code
		writeJSON(w, http.StatusUnprocessableEntity, resp)
		return
	}

	log.Error().Err(err).Msg("unhandled error in handler")
	resp.Code = "internal_error"
	resp.Error = "internal server error"
	writeJSON(w, http.StatusInternalServerError, resp)
}

func decodeAndValidate(r *http.Request, dst any) error {
	if err := json.NewDecoder(http.MaxBytesReader(nil, r.Body, maxBodySize)).Decode(dst); err != nil {
		return domainErrors.NewValidationError("body", "invalid JSON: "+err.Error())
	}
	if err := validate.Struct(dst); err != nil {
		if ve, ok := err.(validator.ValidationErrors); ok && len(ve) > 0 {
			return domainErrors.NewValidationError(fieldPath(ve[0]), ve[0].Tag()+" validation failed")
		}
		return domainErrors.NewValidationError("body", err.Error())
	}
	return nil
}

// fieldPath drops the root struct name, so nested fields read "Subscriber.MSISDN".
func fieldPath(fe validator.FieldError) string {
	if _, rest, ok := strings.Cut(fe.Namespace(), "."); ok {
		return rest
	}
	return fe.Field()
}
