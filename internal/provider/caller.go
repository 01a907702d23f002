package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/nivara-ai/museflow/internal/apierr"
	"github.com/nivara-ai/museflow/internal/logging"
	"github.com/nivara-ai/museflow/internal/monitoring"
	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"
)

const maxErrorBodyBytes = 512

// CallerConfig bounds vendor HTTP calls
type CallerConfig struct {
	// RequestTimeout is the per-call timeout applied when the caller's
	// context carries no earlier deadline
	RequestTimeout time.Duration
	// MaxTimeout caps any requested timeout
	MaxTimeout time.Duration
}

// DefaultCallerConfig returns the default call bounds
func DefaultCallerConfig() CallerConfig {
	return CallerConfig{
		RequestTimeout: 30 * time.Second,
		MaxTimeout:     120 * time.Second,
	}
}

// Caller issues JSON HTTP calls to vendors with a per-vendor circuit
// breaker and uniform timeout/error handling
type Caller struct {
	client   *http.Client
	config   CallerConfig
	log      zerolog.Logger
	mu       sync.RWMutex
	breakers map[string]*gobreaker.CircuitBreaker
}

// NewCaller creates a vendor HTTP caller
func NewCaller(cfg CallerConfig) *Caller {
	if cfg.RequestTimeout <= 0 {
		cfg = DefaultCallerConfig()
	}
	if cfg.MaxTimeout < cfg.RequestTimeout {
		cfg.MaxTimeout = cfg.RequestTimeout
	}
	return &Caller{
		client:   &http.Client{Timeout: cfg.MaxTimeout},
		config:   cfg,
		log:      logging.NewLogger("provider-caller"),
		breakers: make(map[string]*gobreaker.CircuitBreaker),
	}
}

// breaker returns or creates the circuit breaker for a vendor
func (c *Caller) breaker(vendor string) *gobreaker.CircuitBreaker {
	c.mu.RLock()
	cb, exists := c.breakers[vendor]
	c.mu.RUnlock()
	if exists {
		return cb
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if cb, exists = c.breakers[vendor]; exists {
		return cb
	}

	cb = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        vendor,
		MaxRequests: 5,
		Interval:    60 * time.Second,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			c.log.Warn().
				Str("provider", name).
				Str("from", from.String()).
				Str("to", to.String()).
				Msg("Circuit breaker state changed")
			monitoring.SetCircuitBreakerState(name, to.String())
		},
	})
	c.breakers[vendor] = cb
	return cb
}

// PostJSON POSTs a JSON body and decodes the JSON response
func (c *Caller) PostJSON(ctx context.Context, vendor, url string, headers map[string]string, body any) (map[string]any, error) {
	return c.doJSON(ctx, vendor, http.MethodPost, url, headers, body)
}

// GetJSON GETs a URL and decodes the JSON response
func (c *Caller) GetJSON(ctx context.Context, vendor, url string, headers map[string]string) (map[string]any, error) {
	return c.doJSON(ctx, vendor, http.MethodGet, url, headers, nil)
}

func (c *Caller) doJSON(ctx context.Context, vendor, method, url string, headers map[string]string, body any) (map[string]any, error) {
	result, err := c.breaker(vendor).Execute(func() (any, error) {
		return c.doJSONInternal(ctx, vendor, method, url, headers, body)
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return nil, apierr.NewProviderFailed(vendor, "circuit breaker is open")
		}
		return nil, err
	}
	return result.(map[string]any), nil
}

func (c *Caller) doJSONInternal(ctx context.Context, vendor, method, url string, headers map[string]string, body any) (map[string]any, error) {
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.config.RequestTimeout)
		defer cancel()
	}

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal %s request: %w", vendor, err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return nil, fmt.Errorf("failed to create %s request: %w", vendor, err)
	}
	req.Header.Set("Content-Type", "application/json")
	for key, value := range headers {
		req.Header.Set(key, value)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return nil, apierr.NewProviderFailed(vendor, "request timed out")
		}
		return nil, apierr.NewProviderFailed(vendor, err.Error())
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, apierr.NewProviderFailed(vendor, fmt.Sprintf("failed to read response: %v", err))
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		snippet := string(raw)
		if len(snippet) > maxErrorBodyBytes {
			snippet = snippet[:maxErrorBodyBytes]
		}
		c.log.Error().
			Str("provider", vendor).
			Int("status", resp.StatusCode).
			Str("body", snippet).
			Msg("Upstream error")
		return nil, apierr.NewUpstreamHTTPError(vendor, resp.StatusCode, snippet)
	}

	payload := map[string]any{}
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &payload); err != nil {
			snippet := string(raw)
			if len(snippet) > maxErrorBodyBytes {
				snippet = snippet[:maxErrorBodyBytes]
			}
			return nil, apierr.NewProviderFailed(vendor, fmt.Sprintf("unparseable response: %s", snippet))
		}
	}
	return payload, nil
}
