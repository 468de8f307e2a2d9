package airtel

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	domainErrors "github.com/cassiomorais/mobilemoney/internal/domain/errors"
	"github.com/cassiomorais/mobilemoney/internal/infrastructure/config"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type staticTokens struct {
	token string
	err   error
}

func (s staticTokens) GetAccessToken(context.Context) (string, error) { return s.token, s.err }

type keyServer struct {
	*httptest.Server
	calls   atomic.Int32
	headers atomic.Value
}

func newKeyServer(t *testing.T, respond func(w http.ResponseWriter)) *keyServer {
	ks := &keyServer{}
	ks.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ks.calls.Add(1)
		ks.headers.Store(r.Header.Clone())
		respond(w)
	}))
	t.Cleanup(ks.Close)
	return ks
}

func keysPayload(key, validUpto string, success bool) func(w http.ResponseWriter) {
	return func(w http.ResponseWriter) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"data":   map[string]any{"key_id": 7, "key": key, "valid_upto": validUpto},
			"status": map[string]any{"code": "200", "message": "SUCCESS", "success": success},
		})
	}
}

func newKeyManager(url string, c *recordingCache, tokens TokenSource, now time.Time) *KeyManager {
	m := NewKeyManager(config.AirtelConfig{EncryptionKeysURL: url}, c, tokens, nil, zerolog.Nop(), nil)
	m.now = func() time.Time { return now }
	return m
}

func TestKeyManager_FetchesWithJurisdictionHeaders(t *testing.T) {
	now := time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)
	srv := newKeyServer(t, keysPayload("PUBKEY", now.Add(2*time.Hour).Format(time.RFC3339), true))
	c := newRecordingCache()
	m := newKeyManager(srv.URL, c, staticTokens{token: "tok"}, now)

	key, err := m.GetSigningKey(context.Background(), "KE", "KES")
	require.NoError(t, err)
	assert.Equal(t, "PUBKEY", key)

	h := srv.headers.Load().(http.Header)
	assert.Equal(t, "Bearer tok", h.Get("Authorization"))
	assert.Equal(t, "KE", h.Get("X-Country"))
	assert.Equal(t, "KES", h.Get("X-Currency"))
	assert.Equal(t, "application/json", h.Get("Accept"))

	assert.Equal(t, 2*time.Hour, c.ttl("AIRTEL_RSA_PUBLIC_KEY:KE:KES"))

	_, err = m.GetSigningKey(context.Background(), "KE", "KES")
	require.NoError(t, err)
	assert.Equal(t, int32(1), srv.calls.Load(), "second call served from cache")
}

func TestKeyManager_KeysArePerJurisdiction(t *testing.T) {
	now := time.Now()
	srv := newKeyServer(t, keysPayload("PUBKEY", "", true))
	c := newRecordingCache()
	m := newKeyManager(srv.URL, c, staticTokens{token: "tok"}, now)

	_, err := m.GetSigningKey(context.Background(), "KE", "KES")
	require.NoError(t, err)
	_, err = m.GetSigningKey(context.Background(), "UG", "UGX")
	require.NoError(t, err)

	assert.Equal(t, int32(2), srv.calls.Load())
	assert.Equal(t, time.Hour, c.ttl("AIRTEL_RSA_PUBLIC_KEY:UG:UGX"))
}

func TestKeyManager_TTLFromValidUpto(t *testing.T) {
	now := time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)
	tests := []struct {
		name      string
		validUpto string
		want      time.Duration
	}{
		{"rfc3339 future", now.Add(7200 * time.Second).Format(time.RFC3339), 7200 * time.Second},
		{"space layout", now.Add(90 * time.Minute).Format("2006-01-02 15:04:05"), 90 * time.Minute},
		{"past", now.Add(-time.Minute).Format(time.RFC3339), time.Hour},
		{"now", now.Format(time.RFC3339), time.Hour},
		{"empty", "", time.Hour},
		{"garbage", "next tuesday", time.Hour},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := newKeyManager("http://unused", newRecordingCache(), staticTokens{}, now)
			assert.Equal(t, tt.want, m.ttlFor(tt.validUpto))
		})
	}
}

func TestKeyManager_Failures(t *testing.T) {
	tests := []struct {
		name    string
		respond func(w http.ResponseWriter)
	}{
		{"unsuccessful status", keysPayload("PUBKEY", "", false)},
		{"empty key", keysPayload("", "", true)},
		{"http error", func(w http.ResponseWriter) { w.WriteHeader(http.StatusBadGateway) }},
		{"not json", func(w http.ResponseWriter) { _, _ = w.Write([]byte("<html>")) }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := newKeyServer(t, tt.respond)
			c := newRecordingCache()
			m := newKeyManager(srv.URL, c, staticTokens{token: "tok"}, time.Now())

			_, err := m.GetSigningKey(context.Background(), "KE", "KES")
			assert.ErrorIs(t, err, domainErrors.ErrKeyFetchFailure)

			_, found, _ := c.Get(context.Background(), "AIRTEL_RSA_PUBLIC_KEY:KE:KES")
			assert.False(t, found)
		})
	}
}

func TestKeyManager_TokenFailure(t *testing.T) {
	srv := newKeyServer(t, keysPayload("PUBKEY", "", true))
	m := newKeyManager(srv.URL, newRecordingCache(), staticTokens{err: errors.New("no token")}, time.Now())

	_, err := m.GetSigningKey(context.Background(), "KE", "KES")
	assert.ErrorIs(t, err, domainErrors.ErrKeyFetchFailure)
	assert.Zero(t, srv.calls.Load())
}

func TestKeyManager_MissingURL(t *testing.T) {
	m := newKeyManager("", newRecordingCache(), staticTokens{token: "tok"}, time.Now())

	_, err := m.GetSigningKey(context.Background(), "KE", "KES")
	assert.ErrorIs(t, err, domainErrors.ErrKeyFetchFailure)
	assert.ErrorIs(t, err, domainErrors.ErrConfigMissing)
}
