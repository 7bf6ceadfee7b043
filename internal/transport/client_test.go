package transport

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func rpcServer(t *testing.T, handle func(req map[string]any, w http.ResponseWriter, r *http.Request)) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/rpc" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		var req map[string]any
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode request: %v", err)
		}
		handle(req, w, r)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestClient_Call(t *testing.T) {
	srv := rpcServer(t, func(req map[string]any, w http.ResponseWriter, r *http.Request) {
		if req["jsonrpc"] != "2.0" || req["method"] != MethodFees {
			t.Errorf("unexpected request %v", req)
		}
		if id, _ := req["id"].(string); id == "" {
			t.Error("expected a request id")
		}
		if got := r.Header.Get("Authorization"); got != "Bearer tok" {
			t.Errorf("unexpected authorization %q", got)
		}
		json.NewEncoder(w).Encode(map[string]any{
			"jsonrpc": "2.0",
			"id":      req["id"],
			"result":  FeesResult{FeePPM: 1000, BaseFeeMsat: 50},
		})
	})

	c := New(srv.URL+"/", "tok", 5*time.Second)
	var fees FeesResult
	if err := c.Call(context.Background(), MethodFees, nil, &fees); err != nil {
		t.Fatalf("Call failed: %v", err)
	}
	if fees.FeePPM != 1000 || fees.BaseFeeMsat != 50 {
		t.Errorf("unexpected fees %+v", fees)
	}
}

func TestClient_Errors(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   any
		check  func(error) bool
	}{
		{"http 401", http.StatusUnauthorized, nil, func(err error) bool { return errors.Is(err, ErrUnauthorized) }},
		{"rpc unauthorized", http.StatusOK, map[string]any{
			"jsonrpc": "2.0", "error": RPCError{Code: CodeUnauthorized, Message: "revoked"},
		}, func(err error) bool { return errors.Is(err, ErrUnauthorized) }},
		{"rpc rejection", http.StatusOK, map[string]any{
			"jsonrpc": "2.0", "error": RPCError{Code: CodeRejected, Message: "insufficient balance"},
		}, func(err error) bool {
			var rpcErr *RPCError
			return errors.As(err, &rpcErr) && rpcErr.Code == CodeRejected && rpcErr.Message == "insufficient balance"
		}},
		{"rate limited", http.StatusTooManyRequests, nil, func(err error) bool {
			var rpcErr *RPCError
			return errors.As(err, &rpcErr) && rpcErr.Code == CodeRateLimited
		}},
		{"server error", http.StatusBadGateway, nil, func(err error) bool { return errors.Is(err, ErrUnreachable) }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := rpcServer(t, func(_ map[string]any, w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(tt.status)
				if tt.body != nil {
					json.NewEncoder(w).Encode(tt.body)
				}
			})
			err := New(srv.URL, "tok", 5*time.Second).Call(context.Background(), MethodFees, nil, nil)
			if err == nil || !tt.check(err) {
				t.Errorf("unexpected error %v", err)
			}
		})
	}
}

func TestClient_Unreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	addr := srv.URL
	srv.Close()

	err := New(addr, "", time.Second).Call(context.Background(), MethodRegister, RegisterParams{}, nil)
	if !errors.Is(err, ErrUnreachable) {
		t.Errorf("expected ErrUnreachable, got %v", err)
	}
}

func TestClient_ContextCancel(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	err := New(srv.URL, "tok", 5*time.Second).Call(ctx, MethodEvents, EventsParams{WaitMs: 1000}, nil)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("expected deadline exceeded, got %v", err)
	}
}

func TestClient_WithToken(t *testing.T) {
	srv := rpcServer(t, func(req map[string]any, w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "Bearer second" {
			t.Errorf("unexpected authorization %q", got)
		}
		json.NewEncoder(w).Encode(map[string]any{"jsonrpc": "2.0", "id": req["id"], "result": nil})
	})

	base := New(srv.URL, "", time.Second)
	if err := base.WithToken("second").Call(context.Background(), MethodFees, nil, nil); err != nil {
		t.Fatalf("Call failed: %v", err)
	}
	if base.token != "" {
		t.Error("WithToken should not modify the original client")
	}
}

func TestRegisterChallenge(t *testing.T) {
	got := string(RegisterChallenge([]byte("nonce"), "token"))
	if got != "puncture-register"+"nonce"+"token" {
		t.Errorf("unexpected challenge %q", got)
	}
}
