// Package jsonrpc implements the JSON-RPC 2.0 HTTP transport used to talk to
// RPC providers. It owns connection pooling, per-call timeouts, and the
// classification of transport-, server-, and protocol-level failures into the
// kit's error taxonomy. It carries no retry or selection policy; that lives
// in the manager.
package jsonrpc

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sync/atomic"
	"time"

	"github.com/cecil-the-coder/rpc-provider-kit/pkg/types"
)

const jsonrpcVersion = "2.0"

// request is a JSON-RPC 2.0 request envelope.
type request struct {
	JSONRPC string `json:"jsonrpc"`
	ID      uint64 `json:"id"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
}

// responseError is the error member of a JSON-RPC 2.0 response.
type responseError struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// response is a JSON-RPC 2.0 response envelope.
type response struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      uint64          `json:"id"`
	Result  json.RawMessage `json:"result"`
	Error   *responseError  `json:"error"`
}

// Transport issues a single JSON-RPC call against one provider endpoint.
// Implementations must return *types.RpcError for every failure so callers
// can classify outcomes without string matching.
type Transport interface {
	Call(ctx context.Context, providerID, endpoint, method string, params any) (json.RawMessage, error)
}

// Config configures the HTTP transport.
type Config struct {
	Timeout             time.Duration // per-call timeout, default 10s
	MaxIdleConns        int           // default 100
	MaxIdleConnsPerHost int           // default 10
	IdleConnTimeout     time.Duration // default 90s
	TLSHandshakeTimeout time.Duration // default 10s
	UserAgent           string        // default "rpc-provider-kit/1.0"
}

func (c Config) withDefaults() Config {
	if c.Timeout == 0 {
		c.Timeout = 10 * time.Second
	}
	if c.MaxIdleConns == 0 {
		c.MaxIdleConns = 100
	}
	if c.MaxIdleConnsPerHost == 0 {
		c.MaxIdleConnsPerHost = 10
	}
	if c.IdleConnTimeout == 0 {
		c.IdleConnTimeout = 90 * time.Second
	}
	if c.TLSHandshakeTimeout == 0 {
		c.TLSHandshakeTimeout = 10 * time.Second
	}
	if c.UserAgent == "" {
		c.UserAgent = "rpc-provider-kit/1.0"
	}
	return c
}

// HTTPTransport is the production Transport over HTTP(S) with a pooled
// http.Transport shared across providers.
type HTTPTransport struct {
	client *http.Client
	cfg    Config
	nextID atomic.Uint64
}

// NewHTTPTransport creates a transport with pooled connections.
func NewHTTPTransport(cfg Config) *HTTPTransport {
	cfg = cfg.withDefaults()
	return &HTTPTransport{
		client: &http.Client{
			Timeout: cfg.Timeout,
			Transport: &http.Transport{
				MaxIdleConns:        cfg.MaxIdleConns,
				MaxIdleConnsPerHost: cfg.MaxIdleConnsPerHost,
				IdleConnTimeout:     cfg.IdleConnTimeout,
				TLSHandshakeTimeout: cfg.TLSHandshakeTimeout,
				ForceAttemptHTTP2:   true,
				Proxy:               http.ProxyFromEnvironment,
			},
		},
		cfg: cfg,
	}
}

// Call issues one JSON-RPC request. The context bounds the whole exchange;
// a context deadline is reported as a timeout failure.
func (t *HTTPTransport) Call(ctx context.Context, providerID, endpoint, method string, params any) (json.RawMessage, error) {
	id := t.nextID.Add(1)
	payload, err := json.Marshal(request{
		JSONRPC: jsonrpcVersion,
		ID:      id,
		Method:  method,
		Params:  params,
	})
	if err != nil {
		return nil, types.NewProtocolError(providerID, fmt.Sprintf("marshal request: %v", err)).WithMethod(method)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, types.NewNetworkError(providerID, "build request").WithMethod(method).WithOriginalErr(err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", t.cfg.UserAgent)

	resp, err := t.client.Do(req)
	if err != nil {
		return nil, classifyTransportError(providerID, method, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode == http.StatusTooManyRequests {
		retryAfter := int(ParseRetryAfter(resp.Header.Get("Retry-After")).Seconds())
		return nil, types.NewRateLimitError(providerID, retryAfter).
			WithMethod(method).
			WithStatusCode(resp.StatusCode)
	}
	if resp.StatusCode != http.StatusOK {
		code := types.ClassifyHTTPError(resp.StatusCode)
		msg := fmt.Sprintf("unexpected HTTP status %d", resp.StatusCode)
		return nil, types.NewRpcError(providerID, code, msg).
			WithMethod(method).
			WithStatusCode(resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, types.NewNetworkError(providerID, "read response body").
			WithMethod(method).
			WithOriginalErr(err)
	}

	var rpcResp response
	if err := json.Unmarshal(body, &rpcResp); err != nil {
		return nil, types.NewProtocolError(providerID, fmt.Sprintf("malformed JSON-RPC response: %v", err)).WithMethod(method)
	}
	if rpcResp.JSONRPC != jsonrpcVersion {
		return nil, types.NewProtocolError(providerID, fmt.Sprintf("unexpected jsonrpc version %q", rpcResp.JSONRPC)).WithMethod(method)
	}
	if rpcResp.Error != nil {
		return nil, types.NewRPCResponseError(providerID, rpcResp.Error.Code, rpcResp.Error.Message).
			WithMethod(method).
			WithStatusCode(resp.StatusCode)
	}
	if rpcResp.ID != id {
		return nil, types.NewProtocolError(providerID, fmt.Sprintf("response id %d does not match request id %d", rpcResp.ID, id)).WithMethod(method)
	}
	if len(rpcResp.Result) == 0 {
		return nil, types.NewProtocolError(providerID, "response carries neither result nor error").WithMethod(method)
	}

	return rpcResp.Result, nil
}

// classifyTransportError maps an http.Client error to the taxonomy. Provider
// URLs carry API keys, so url.Error values are unwrapped before being
// attached: the inner net error names host:port at most, never the full URL.
func classifyTransportError(providerID, method string, err error) *types.RpcError {
	inner := err
	var ue *url.Error
	if errors.As(err, &ue) {
		inner = ue.Err
	}

	if errors.Is(err, context.DeadlineExceeded) || isTimeout(err) {
		return types.NewTimeoutError(providerID, "call timed out").
			WithMethod(method).
			WithOriginalErr(inner)
	}
	if errors.Is(err, context.Canceled) {
		return types.NewNetworkError(providerID, "call canceled").
			WithMethod(method).
			WithOriginalErr(context.Canceled)
	}
	return types.NewNetworkError(providerID, "transport failure").
		WithMethod(method).
		WithOriginalErr(inner)
}

func isTimeout(err error) bool {
	var te interface{ Timeout() bool }
	return errors.As(err, &te) && te.Timeout()
}
