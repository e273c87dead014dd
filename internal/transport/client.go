package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/nexatrade/chain-rpc-router/internal/registry"
)

const (
	defaultTimeout             = 10 * time.Second
	maxResponseSizeBytes       = 10 * 1024 * 1024 // 10MB limit for RPC responses
	defaultMaxIdleConns        = 100
	defaultMaxIdleConnsPerHost = 10
	defaultIdleConnTimeout     = 90 * time.Second
)

// Caller issues one RPC call against one provider. The executor and
// prober depend on this interface so tests can substitute fakes.
type Caller interface {
	Call(ctx context.Context, p registry.Provider, method string, params []any, timeout time.Duration) (json.RawMessage, error)
}

// HTTPClientConfig holds configuration for HTTP client creation.
type HTTPClientConfig struct {
	Timeout             time.Duration
	MaxIdleConns        int
	MaxIdleConnsPerHost int
	IdleConnTimeout     time.Duration
}

// DefaultHTTPClientConfig returns HTTP client configuration with sensible defaults.
func DefaultHTTPClientConfig() *HTTPClientConfig {
	return &HTTPClientConfig{
		Timeout:             defaultTimeout,
		MaxIdleConns:        defaultMaxIdleConns,
		MaxIdleConnsPerHost: defaultMaxIdleConnsPerHost,
		IdleConnTimeout:     defaultIdleConnTimeout,
	}
}

// NewHTTPClient creates an HTTP client with the given configuration.
// The per-call deadline comes from the request context, not a global
// client timeout, so the executor controls timeouts per provider.
func NewHTTPClient(cfg *HTTPClientConfig) *http.Client {
	if cfg == nil {
		cfg = DefaultHTTPClientConfig()
	}

	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = defaultTimeout
	}
	maxIdleConns := cfg.MaxIdleConns
	if maxIdleConns == 0 {
		maxIdleConns = defaultMaxIdleConns
	}
	maxIdleConnsPerHost := cfg.MaxIdleConnsPerHost
	if maxIdleConnsPerHost == 0 {
		maxIdleConnsPerHost = defaultMaxIdleConnsPerHost
	}
	idleConnTimeout := cfg.IdleConnTimeout
	if idleConnTimeout == 0 {
		idleConnTimeout = defaultIdleConnTimeout
	}

	return &http.Client{
		Timeout: 0,
		Transport: &http.Transport{
			Proxy:                 http.ProxyFromEnvironment,
			ResponseHeaderTimeout: timeout,
			MaxIdleConns:          maxIdleConns,
			MaxIdleConnsPerHost:   maxIdleConnsPerHost,
			IdleConnTimeout:       idleConnTimeout,
			DisableKeepAlives:     false,
		},
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}
}

// Client speaks JSON-RPC 2.0 over HTTP POST to providers.
type Client struct {
	http   *http.Client
	logger *slog.Logger
	nextID atomic.Uint64
}

func NewClient(cfg *HTTPClientConfig, logger *slog.Logger) *Client {
	return &Client{
		http:   NewHTTPClient(cfg),
		logger: logger,
	}
}

// Call sends one JSON-RPC request to the provider and returns the raw
// result. Transport failures come back as *TransportError, remote RPC
// errors as *ProviderError.
func (c *Client) Call(ctx context.Context, p registry.Provider, method string, params []any, timeout time.Duration) (json.RawMessage, error) {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if params == nil {
		params = []any{}
	}
	envelope := rpcRequest{
		JSONRPC: "2.0",
		Method:  method,
		Params:  params,
		ID:      c.nextID.Add(1),
	}
	payload, err := json.Marshal(envelope)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(callCtx, http.MethodPost, p.URL, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, &TransportError{Provider: p.ID, Err: err}
	}
	defer func() {
		if closeErr := resp.Body.Close(); closeErr != nil {
			c.logger.Debug("Failed to close response body", "error", closeErr)
		}
	}()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSizeBytes))
	if err != nil {
		return nil, &TransportError{Provider: p.ID, Err: err}
	}

	if resp.StatusCode != http.StatusOK {
		return nil, &TransportError{
			Provider: p.ID,
			Err:      fmt.Errorf("unexpected status %d", resp.StatusCode),
		}
	}

	var decoded rpcResponse
	if err := json.Unmarshal(body, &decoded); err != nil {
		return nil, &TransportError{
			Provider: p.ID,
			Err:      fmt.Errorf("malformed response: %w", err),
		}
	}
	if decoded.Error != nil {
		return nil, &ProviderError{
			Provider: p.ID,
			Code:     decoded.Error.Code,
			Message:  decoded.Error.Message,
		}
	}

	return decoded.Result, nil
}

// Probe issues the canonical health-check call through the caller and
// reports its latency on the supplied clock.
func Probe(ctx context.Context, caller Caller, clk clock.Clock, p registry.Provider, method string) (time.Duration, error) {
	start := clk.Now()
	_, err := caller.Call(ctx, p, method, nil, p.Timeout)
	if err != nil {
		return 0, err
	}
	return clk.Now().Sub(start), nil
}
