package airtel

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"

	domainErrors "github.com/cassiomorais/mobilemoney/internal/domain/errors"
)

type tokenRequest struct {
	ClientID     string `json:"client_id"`
	ClientSecret string `json:"client_secret"`
	GrantType    string `json:"grant_type"`
}

type tokenResponse struct {
	AccessToken string  `json:"access_token"`
	ExpiresIn   seconds `json:"expires_in"`
	TokenType   string  `json:"token_type"`
}

// seconds decodes a lifetime sent either as a JSON number or a numeric string.
type seconds int64

func (s *seconds) UnmarshalJSON(b []byte) error {
	b = bytes.Trim(b, `"`)
	if len(b) == 0 || string(b) == "null" {
		*s = 0
		return nil
	}
	f, err := strconv.ParseFloat(string(b), 64)
	if err != nil {
		return fmt.Errorf("expires_in: %w", err)
	}
	*s = seconds(f)
	return nil
}

type encryptionKeysResponse struct {
	Data struct {
		KeyID     json.RawMessage `json:"key_id"`
		Key       string          `json:"key"`
		ValidUpto string          `json:"valid_upto"`
	} `json:"data"`
	Status providerStatus `json:"status"`
}

type providerStatus struct {
	Code         string `json:"code"`
	Message      string `json:"message"`
	ResponseCode string `json:"response_code"`
	ResultCode   string `json:"result_code"`
	Success      bool   `json:"success"`
}

// Signature is the pair of headers attached to a signed provider request.
// Both fields are empty when signing is disabled or degraded.
type Signature struct {
	Signature string `json:"signature"`
	Key       string `json:"key"`
}

func (s Signature) IsZero() bool {
	return s.Signature == "" && s.Key == ""
}

// APIError is a non-2xx provider answer that is not a server failure.
type APIError struct {
	StatusCode int
	Body       json.RawMessage
}

func (e *APIError) Error() string {
	return fmt.Sprintf("provider returned HTTP %d", e.StatusCode)
}

func (e *APIError) Unwrap() error {
	return domainErrors.ErrProviderRejected
}
