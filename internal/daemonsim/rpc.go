package daemonsim

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"puncture/internal/logging"
	"puncture/internal/transport"
)

type rpcRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params"`
}

type rpcResponse struct {
	JSONRPC string              `json:"jsonrpc"`
	ID      json.RawMessage     `json:"id,omitempty"`
	Result  any                 `json:"result,omitempty"`
	Error   *transport.RPCError `json:"error,omitempty"`
}

const (
	maxRPCBodyBytes int64 = 1 << 20
	maxPollWait           = 60 * time.Second
)

func (d *Daemon) handleRPC(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxRPCBodyBytes)
	var req rpcRequest
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(&req); err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			http.Error(w, "request body too large", http.StatusRequestEntityTooLarge)
			return
		}
		writeRPC(w, rpcResponse{
			JSONRPC: "2.0",
			Error:   &transport.RPCError{Code: transport.CodeParseError, Message: "parse error"},
		})
		return
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		writeRPCInvalidRequest(w, req.ID)
		return
	}
	if req.JSONRPC != "2.0" || req.Method == "" {
		writeRPCInvalidRequest(w, req.ID)
		return
	}

	session := ""
	if req.Method != transport.MethodRegister {
		session = bearerToken(r)
		if session == "" {
			http.Error(w, "missing session token", http.StatusUnauthorized)
			return
		}
		if !d.validSession(session) {
			writeRPC(w, rpcResponse{
				JSONRPC: "2.0",
				ID:      req.ID,
				Error:   &transport.RPCError{Code: transport.CodeUnauthorized, Message: "unknown or revoked session"},
			})
			return
		}
	}

	result, rpcErr := d.dispatchRPC(r, session, req.Method, req.Params)
	if rpcErr != nil {
		logging.Sim.Printf("%s failed: %d %s", req.Method, rpcErr.Code, rpcErr.Message)
	}
	writeRPC(w, rpcResponse{
		JSONRPC: "2.0",
		ID:      req.ID,
		Result:  result,
		Error:   rpcErr,
	})
}

func (d *Daemon) dispatchRPC(r *http.Request, session, method string, raw json.RawMessage) (any, *transport.RPCError) {
	switch method {
	case transport.MethodRegister:
		var p transport.RegisterParams
		if err := decodeParams(raw, &p); err != nil {
			return nil, err
		}
		return d.register(p)
	case transport.MethodFees:
		return d.fees(), nil
	case transport.MethodBolt11Quote:
		var p transport.Bolt11QuoteParams
		if err := decodeParams(raw, &p); err != nil {
			return nil, err
		}
		return d.quote(p)
	case transport.MethodBolt11Send:
		var p transport.Bolt11SendParams
		if err := decodeParams(raw, &p); err != nil {
			return nil, err
		}
		return d.sendBolt11(session, p)
	case transport.MethodBolt12Send:
		var p transport.Bolt12SendParams
		if err := decodeParams(raw, &p); err != nil {
			return nil, err
		}
		return d.sendBolt12(session, p)
	case transport.MethodBolt11Receive:
		var p transport.Bolt11ReceiveParams
		if err := decodeParams(raw, &p); err != nil {
			return nil, err
		}
		return d.receiveBolt11(p)
	case transport.MethodBolt12Receive:
		return d.receiveBolt12()
	case transport.MethodEvents:
		var p transport.EventsParams
		if err := decodeParams(raw, &p); err != nil {
			return nil, err
		}
		wait := time.Duration(p.WaitMs) * time.Millisecond
		if wait > maxPollWait {
			wait = maxPollWait
		}
		events, err := d.hub.poll(r.Context(), p.AfterSeq, wait)
		if err != nil {
			return nil, &transport.RPCError{Code: transport.CodeHistoryGap, Message: err.Error()}
		}
		if events == nil {
			events = []transport.Event{}
		}
		return &transport.EventsResult{Events: events}, nil
	default:
		return nil, &transport.RPCError{Code: transport.CodeMethodNotFound, Message: "method not found"}
	}
}

func decodeParams(raw json.RawMessage, v any) *transport.RPCError {
	if len(raw) == 0 {
		return invalidParams("missing params")
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return invalidParams("%v", err)
	}
	return nil
}

func invalidParams(format string, args ...any) *transport.RPCError {
	return &transport.RPCError{Code: transport.CodeInvalidParams, Message: fmt.Sprintf(format, args...)}
}

func rejected(format string, args ...any) *transport.RPCError {
	return &transport.RPCError{Code: transport.CodeRejected, Message: fmt.Sprintf(format, args...)}
}

func internalError(err error) *transport.RPCError {
	return &transport.RPCError{Code: transport.CodeInternal, Message: err.Error()}
}

func writeRPC(w http.ResponseWriter, resp rpcResponse) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}

func writeRPCInvalidRequest(w http.ResponseWriter, id json.RawMessage) {
	writeRPC(w, rpcResponse{
		JSONRPC: "2.0",
		ID:      id,
		Error:   &transport.RPCError{Code: transport.CodeInvalidRequest, Message: "invalid request"},
	})
}
