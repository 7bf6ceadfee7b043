// Package transport is the JSON-RPC session between a client and a daemon.
package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"puncture/internal/logging"
)

var (
	ErrUnreachable  = errors.New("daemon unreachable")
	ErrUnauthorized = errors.New("session unauthorized")
)

const maxResponseBytes int64 = 4 << 20

// RPCError is a JSON-RPC error object returned by the daemon.
type RPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      string `json:"id"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
}

type rpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Result  json.RawMessage `json:"result"`
	Error   *RPCError       `json:"error"`
}

// Client issues calls against one daemon address. A zero token is valid for
// unauthenticated methods such as register.
type Client struct {
	endpoint string
	token    string
	http     *http.Client
}

// New creates a client for the daemon at address.
func New(address, token string, timeout time.Duration) *Client {
	return NewWithHTTPClient(address, token, &http.Client{Timeout: timeout})
}

// NewWithHTTPClient creates a client that sends requests through hc.
func NewWithHTTPClient(address, token string, hc *http.Client) *Client {
	return &Client{
		endpoint: strings.TrimRight(address, "/") + "/rpc",
		token:    token,
		http:     hc,
	}
}

// WithToken returns a copy of c that authenticates with token.
func (c *Client) WithToken(token string) *Client {
	cp := *c
	cp.token = token
	return &cp
}

// Call invokes method and decodes the result into result, which may be nil.
// Failures to reach the daemon wrap ErrUnreachable, a revoked or unknown
// session wraps ErrUnauthorized, and anything the daemon refused is an
// *RPCError.
func (c *Client) Call(ctx context.Context, method string, params, result any) error {
	body, err := json.Marshal(rpcRequest{
		JSONRPC: "2.0",
		ID:      uuid.NewString(),
		Method:  method,
		Params:  params,
	})
	if err != nil {
		return fmt.Errorf("encode %s request: %w", method, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnreachable, err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		logging.Transport.Printf("%s to %s failed: %v", method, c.endpoint, err)
		return fmt.Errorf("%w: %v", ErrUnreachable, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnauthorized:
		return ErrUnauthorized
	case resp.StatusCode == http.StatusTooManyRequests:
		return &RPCError{Code: CodeRateLimited, Message: "rate limit exceeded"}
	case resp.StatusCode != http.StatusOK:
		return fmt.Errorf("%w: status %d", ErrUnreachable, resp.StatusCode)
	}

	var decoded rpcResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxResponseBytes)).Decode(&decoded); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		return fmt.Errorf("%w: decode %s response: %v", ErrUnreachable, method, err)
	}
	if decoded.Error != nil {
		if decoded.Error.Code == CodeUnauthorized {
			return fmt.Errorf("%w: %s", ErrUnauthorized, decoded.Error.Message)
		}
		return decoded.Error
	}
	if result == nil || len(decoded.Result) == 0 {
		return nil
	}
	if err := json.Unmarshal(decoded.Result, result); err != nil {
		return fmt.Errorf("%w: decode %s result: %v", ErrUnreachable, method, err)
	}
	return nil
}
