package airtel

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	domainErrors "github.com/cassiomorais/mobilemoney/internal/domain/errors"
	"github.com/cassiomorais/mobilemoney/internal/infrastructure/config"
	"github.com/cassiomorais/mobilemoney/internal/infrastructure/observability"
	"github.com/rs/zerolog"
	"github.com/sony/gobreaker/v2"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

const breakerName = "airtel"

// Request describes one provider API call.
type Request struct {
	// Operation names the call in logs and metrics.
	Operation string
	Method    string
	// Path is relative to airtel.base_url.
	Path     string
	Body     any
	Country  string
	Currency string
	Sign     bool
	Headers  map[string]string
}

// Invalidator drops a cached credential after the provider rejects it.
type Invalidator interface {
	Invalidate(ctx context.Context) error
}

type response struct {
	status int
	body   []byte
}

// Client calls the provider API with a bearer token, optional request
// signature and a circuit breaker around transport failures.
type Client struct {
	baseURL string
	http    *http.Client
	tokens  TokenSource
	signer  *Signer
	breaker *gobreaker.CircuitBreaker[*response]
	logger  zerolog.Logger
	metrics *observability.Metrics
}

func NewClient(
	cfg config.AirtelConfig,
	httpClient *http.Client,
	tokens TokenSource,
	signer *Signer,
	logger zerolog.Logger,
	metrics *observability.Metrics,
) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	breakerTimeout := cfg.BreakerTimeout
	if breakerTimeout <= 0 {
		breakerTimeout = 30 * time.Second
	}
	log := observability.Component(logger, "airtel-client")

	c := &Client{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		http:    httpClient,
		tokens:  tokens,
		signer:  signer,
		logger:  log,
		metrics: metrics,
	}
	c.breaker = gobreaker.NewCircuitBreaker[*response](gobreaker.Settings{
		Name:        breakerName,
		MaxRequests: 10,
		Interval:    60 * time.Second,
		Timeout:     breakerTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return counts.Requests >= 10 && failureRatio >= 0.6
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn().Str("breaker", name).Str("from", from.String()).Str("to", to.String()).Msg("Circuit breaker state changed")
			if metrics != nil {
				metrics.CircuitBreakerState.WithLabelValues(name).Set(breakerStateValue(to))
			}
		},
	})
	return c
}

func breakerStateValue(s gobreaker.State) float64 {
	switch s {
	case gobreaker.StateHalfOpen:
		return 1
	case gobreaker.StateOpen:
		return 2
	default:
		return 0
	}
}

// Do sends req and returns the provider's JSON body unchanged. A 401 drops the
// cached token and retries once with a fresh one.
func (c *Client) Do(ctx context.Context, req Request) (json.RawMessage, error) {
	ctx, span := tracer.Start(ctx, "airtel."+req.operation())
	defer span.End()
	span.SetAttributes(attribute.String("http.method", req.Method), attribute.String("airtel.path", req.Path))

	body, err := c.encodeBody(req)
	if err != nil {
		return nil, err
	}

	var sig Signature
	if req.Sign && c.signer != nil {
		sig, err = c.signer.Sign(ctx, req.Body, req.Country, req.Currency)
		if err != nil {
			span.SetStatus(codes.Error, "signing failed")
			return nil, err
		}
	}

	res, err := c.send(ctx, req, body, sig)
	if err == nil && res.status == http.StatusUnauthorized {
		if inv, ok := c.tokens.(Invalidator); ok {
			c.logger.Warn().Str("operation", req.operation()).Msg("Provider rejected access token, refreshing")
			if ierr := inv.Invalidate(ctx); ierr != nil {
				c.logger.Error().Err(ierr).Msg("Could not invalidate access token")
			}
			res, err = c.send(ctx, req, body, sig)
		}
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "provider call failed")
		return nil, err
	}

	span.SetAttributes(attribute.Int("http.status_code", res.status))
	if res.status < 200 || res.status > 299 {
		span.SetStatus(codes.Error, "provider rejected request")
		c.logger.Warn().
			Str("operation", req.operation()).
			Int("status", res.status).
			Msg("Provider rejected request")
		return nil, &APIError{StatusCode: res.status, Body: rawOrQuoted(res.body)}
	}

	return rawOrQuoted(res.body), nil
}

func (c *Client) send(ctx context.Context, req Request, body []byte, sig Signature) (*response, error) {
	token, err := c.tokens.GetAccessToken(ctx)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	res, err := c.breaker.Execute(func() (*response, error) {
		return c.roundTrip(ctx, req, body, token, sig)
	})
	if c.metrics != nil {
		c.metrics.ProviderRequestDuration.WithLabelValues(req.operation()).Observe(time.Since(start).Seconds())
	}

	if err != nil {
		c.countRequest(req, "error")
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return nil, fmt.Errorf("%w: circuit breaker %s", domainErrors.ErrProviderUnavailable, err)
		}
		if errors.Is(err, domainErrors.ErrProviderUnavailable) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %w", domainErrors.ErrProviderUnavailable, err)
	}
	c.countRequest(req, strconv.Itoa(res.status))
	return res, nil
}

// roundTrip reports transport errors and 5xx answers as breaker failures.
// Other statuses are returned for the caller to classify.
func (c *Client) roundTrip(ctx context.Context, req Request, body []byte, token string, sig Signature) (*response, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	httpReq, err := http.NewRequestWithContext(ctx, req.method(), c.baseURL+"/"+strings.TrimLeft(req.Path, "/"), reader)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}

	httpReq.Header.Set("Authorization", "Bearer "+token)
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "*/*")
	if req.Country != "" {
		httpReq.Header.Set("X-Country", req.Country)
	}
	if req.Currency != "" {
		httpReq.Header.Set("X-Currency", req.Currency)
	}
	if sig.Signature != "" {
		httpReq.Header.Set("x-signature", sig.Signature)
	}
	if sig.Key != "" {
		httpReq.Header.Set("x-key", sig.Key)
	}
	for k, v := range req.Headers {
		httpReq.Header.Set(k, v)
	}

	res, err := c.http.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer res.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(res.Body, 4<<20))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if res.StatusCode >= 500 {
		return nil, fmt.Errorf("%w: provider returned HTTP %d", domainErrors.ErrProviderUnavailable, res.StatusCode)
	}
	return &response{status: res.StatusCode, body: raw}, nil
}

func (c *Client) encodeBody(req Request) ([]byte, error) {
	if req.method() == http.MethodGet {
		return nil, nil
	}
	if req.Body == nil {
		return []byte("{}"), nil
	}
	b, err := json.Marshal(req.Body)
	if err != nil {
		return nil, fmt.Errorf("encode %s request: %w", req.operation(), err)
	}
	return b, nil
}

func (c *Client) countRequest(req Request, status string) {
	if c.metrics != nil {
		c.metrics.ProviderRequests.WithLabelValues(req.operation(), status).Inc()
	}
}

func (r Request) method() string {
	if r.Method == "" {
		return http.MethodGet
	}
	return r.Method
}

func (r Request) operation() string {
	if r.Operation == "" {
		return "request"
	}
	return r.Operation
}

// rawOrQuoted keeps valid JSON as is and wraps anything else in a JSON string.
func rawOrQuoted(body []byte) json.RawMessage {
	if len(bytes.TrimSpace(body)) == 0 {
		return json.RawMessage("null")
	}
	if json.Valid(body) {
		return json.RawMessage(body)
	}
	quoted, _ := json.Marshal(string(body))
	return quoted
}
