// Package mcp exposes the indicator engines over a JSON-RPC tool dispatcher
// (POST /mcp) and an SSE event stream (GET /sse).
package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/shopspring/decimal"

	"orderflow-mcp/internal/binance"
	"orderflow-mcp/internal/book"
	"orderflow-mcp/internal/cache"
	"orderflow-mcp/internal/config"
	"orderflow-mcp/internal/db"
	"orderflow-mcp/internal/engine"
	"orderflow-mcp/internal/logger"
	"orderflow-mcp/internal/market"
)

const (
	protocolVersion = "2024-11-05"
	serverName      = "orderflow-mcp"

	codeMethodNotFound = -32601
	codeInvalidParams  = -32602
	codeInternal       = -32603

	heartbeatInterval = 30 * time.Second
)

// ExchangeData is the REST surface the passthrough tools need.
type ExchangeData interface {
	OpenInterest(ctx context.Context, symbol string) (decimal.Decimal, int64, error)
	OpenInterestHist(ctx context.Context, symbol, period string, limit int) ([]binance.OpenInterestPoint, error)
	FundingRateHistory(ctx context.Context, symbol string, limit int) ([]binance.FundingRatePoint, error)
	PremiumIndex(ctx context.Context, symbol string) (market.MarkPrice, error)
}

// Deps wires the server to the engines. Store and Exchange may be nil; the
// affected tools then serve from memory only.
type Deps struct {
	Config   *config.Config
	Live     *cache.Live
	Books    *book.Manager
	Agg      *engine.Aggregator
	VWAP     *engine.VWAP
	Profile  *engine.VolumeProfile
	Sessions *engine.Sessions
	Delta    *engine.DeltaCVD
	Sampler  *engine.DepthSampler
	Store    *db.Store
	Exchange ExchangeData
}

// Server is the MCP HTTP endpoint.
type Server struct {
	deps    Deps
	version string
}

// NewServer creates the dispatcher over deps.
func NewServer(deps Deps, version string) *Server {
	if version == "" {
		version = "dev"
	}
	return &Server{deps: deps, version: version}
}

// Handler returns the route mux.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /mcp", s.handleRPC)
	mux.HandleFunc("GET /sse", s.handleSSE)
	mux.HandleFunc("GET /health", s.handleHealth)
	return mux
}

type rpcRequest struct {
	Jsonrpc string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type rpcResponse struct {
	Jsonrpc string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Result  interface{}     `json:"result,omitempty"`
	Error   *rpcError       `json:"error,omitempty"`
}

func (s *Server) handleRPC(w http.ResponseWriter, r *http.Request) {
	var req rpcRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeRPC(w, rpcResponse{Jsonrpc: "2.0", Error: &rpcError{Code: -32700, Message: "parse error"}})
		return
	}

	resp := rpcResponse{Jsonrpc: "2.0", ID: req.ID}
	switch req.Method {
	case "initialize":
		resp.Result = s.initializeResult()
	case "tools/list":
		resp.Result = map[string]interface{}{"tools": toolList()}
	case "tools/call":
		result, rpcErr := s.callTool(r.Context(), req.Params)
		if rpcErr != nil {
			resp.Error = rpcErr
		} else {
			resp.Result = result
		}
	default:
		resp.Error = &rpcError{Code: codeMethodNotFound, Message: fmt.Sprintf("method %q not found", req.Method)}
	}
	writeRPC(w, resp)
}

func writeRPC(w http.ResponseWriter, resp rpcResponse) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		logger.Error("MCP", fmt.Sprintf("write response: %v", err))
	}
}

func (s *Server) initializeResult() map[string]interface{} {
	return map[string]interface{}{
		"protocolVersion": protocolVersion,
		"serverInfo": map[string]interface{}{
			"name":    serverName,
			"version": s.version,
		},
		"capabilities": map[string]interface{}{
			"tools": map[string]interface{}{},
		},
	}
}

type callParams struct {
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
}

// callTool dispatches tools/call. Tool failures map to -32603; unknown
// names to -32601; bad arguments to -32602.
func (s *Server) callTool(ctx context.Context, params json.RawMessage) (interface{}, *rpcError) {
	var call callParams
	if err := json.Unmarshal(params, &call); err != nil {
		return nil, &rpcError{Code: codeInvalidParams, Message: "invalid params"}
	}
	handler, ok := s.toolHandlers()[call.Name]
	if !ok {
		return nil, &rpcError{Code: codeMethodNotFound, Message: fmt.Sprintf("tool %q not found", call.Name)}
	}

	doc, err := handler(ctx, call.Arguments)
	if err != nil {
		if ae, ok := err.(*argError); ok {
			return nil, &rpcError{Code: codeInvalidParams, Message: ae.Error()}
		}
		logger.Error("MCP", fmt.Sprintf("%s: %v", call.Name, err))
		return nil, &rpcError{Code: codeInternal, Message: err.Error()}
	}

	text, err := json.Marshal(doc)
	if err != nil {
		return nil, &rpcError{Code: codeInternal, Message: "encode result"}
	}
	return map[string]interface{}{
		"content": []map[string]interface{}{
			{"type": "text", "text": string(text)},
		},
	}, nil
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"status":  "ok",
		"name":    serverName,
		"version": s.version,
	})
}

// handleSSE opens an event stream: one initialization event, then
// heartbeats every 30 seconds until the client disconnects.
func (s *Server) handleSSE(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	init, _ := json.Marshal(map[string]interface{}{
		"name":    serverName,
		"version": s.version,
		"symbols": s.deps.Config.Symbols,
	})
	fmt.Fprintf(w, "event: initialized\ndata: %s\n\n", init)
	flusher.Flush()

	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-r.Context().Done():
			return
		case t := <-ticker.C:
			fmt.Fprintf(w, "event: heartbeat\ndata: {\"time\":%d}\n\n", t.UnixMilli())
			flusher.Flush()
		}
	}
}
