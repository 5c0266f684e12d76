package server

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"

	"github.com/mark3labs/mcp-go/mcp"
	"go.uber.org/zap"
)

// defaultProtocolVersion is only used when the client omits one; a
// client-supplied version is echoed back untouched, whatever it is.
const defaultProtocolVersion = "2025-03-26"

const (
	codeParseError     = -32700
	codeMethodNotFound = -32601
	codeInvalidParams  = -32602
)

// maxLineBytes bounds one JSON-RPC line; tool results stay well under
// this, and a hostile stdin should not allocate unbounded memory.
const maxLineBytes = 10 * 1024 * 1024

type rpcRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type rpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Result  interface{}     `json:"result,omitempty"`
	Error   *rpcError       `json:"error,omitempty"`
}

// isNotification: no id field, or an explicit null id. Notifications
// never produce bytes on stdout.
func (r *rpcRequest) isNotification() bool {
	return len(r.ID) == 0 || string(r.ID) == "null"
}

// Serve runs the line-delimited JSON-RPC loop until stdin closes or the
// context is cancelled. stdout carries only responses; everything else
// goes through the logger (stderr or file).
func (s *Server) Serve(ctx context.Context, in io.Reader, out io.Writer) error {
	if err := s.store.EnsureExists(); err != nil {
		s.logger.Warn("could not seed config file", zap.Error(err))
	}

	var writeMu sync.Mutex
	write := func(resp *rpcResponse) {
		if resp == nil {
			return
		}
		resp.JSONRPC = "2.0"
		if len(resp.ID) == 0 {
			resp.ID = json.RawMessage("null")
		}
		data, err := json.Marshal(resp)
		if err != nil {
			s.logger.Error("marshal response", zap.Error(err))
			return
		}
		writeMu.Lock()
		defer writeMu.Unlock()
		if _, err := out.Write(append(data, '\n')); err != nil {
			s.logger.Error("write response", zap.Error(err))
		}
	}

	scanner := bufio.NewScanner(in)
	scanner.Buffer(make([]byte, 64*1024), maxLineBytes)

	s.logger.Info("serving MCP on stdio", zap.String("version", s.version))
	for scanner.Scan() {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var req rpcRequest
		if err := json.Unmarshal(line, &req); err != nil {
			s.logger.Warn("unparsable request line", zap.Error(err))
			write(&rpcResponse{Error: &rpcError{Code: codeParseError, Message: "parse error"}})
			continue
		}

		resp := s.dispatch(ctx, &req)
		if req.isNotification() {
			// Zero bytes on stdout, even for unknown methods.
			continue
		}
		if resp != nil {
			resp.ID = req.ID
			write(resp)
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("read stdin: %w", err)
	}
	s.logger.Info("stdin closed, shutting down")
	return nil
}

func (s *Server) dispatch(ctx context.Context, req *rpcRequest) *rpcResponse {
	switch req.Method {
	case "initialize":
		return s.handleInitialize(req)
	case "notifications/initialized":
		return nil
	case "tools/list":
		return &rpcResponse{Result: map[string]interface{}{"tools": s.Tools()}}
	case "tools/call":
		return s.handleToolsCall(ctx, req)
	default:
		s.logger.Debug("unknown method", zap.String("method", req.Method))
		return &rpcResponse{Error: &rpcError{Code: codeMethodNotFound, Message: "method not found"}}
	}
}

// handleInitialize echoes the client's protocolVersion opaquely: the
// client may speak a version this server has never seen, and pretending
// otherwise only breaks the handshake.
func (s *Server) handleInitialize(req *rpcRequest) *rpcResponse {
	var params struct {
		ProtocolVersion string `json:"protocolVersion"`
	}
	if len(req.Params) > 0 {
		if err := json.Unmarshal(req.Params, &params); err != nil {
			return &rpcResponse{Error: &rpcError{Code: codeInvalidParams, Message: "invalid initialize params"}}
		}
	}
	version := params.ProtocolVersion
	if version == "" {
		version = defaultProtocolVersion
	}
	return &rpcResponse{Result: map[string]interface{}{
		"protocolVersion": version,
		"capabilities":    map[string]interface{}{"tools": map[string]interface{}{}},
		"serverInfo": map[string]interface{}{
			"name":    ServerName,
			"version": s.version,
		},
	}}
}

func (s *Server) handleToolsCall(ctx context.Context, req *rpcRequest) *rpcResponse {
	var params struct {
		Name      string                 `json:"name"`
		Arguments map[string]interface{} `json:"arguments"`
	}
	if err := json.Unmarshal(req.Params, &params); err != nil {
		return &rpcResponse{Error: &rpcError{Code: codeInvalidParams, Message: "invalid tools/call params"}}
	}

	handler, ok := s.toolIndex[params.Name]
	if !ok {
		// In-band error: the call was well-formed JSON-RPC, the tool
		// name is the user's mistake.
		return &rpcResponse{Result: mcp.NewToolResultError(fmt.Sprintf("unknown tool %q; call tools/list for the catalog", params.Name))}
	}

	request := mcp.CallToolRequest{}
	request.Params.Name = params.Name
	request.Params.Arguments = params.Arguments

	result := s.callTool(ctx, params.Name, handler, request)
	return &rpcResponse{Result: result}
}

// callTool isolates handler panics: one broken tool call must not take
// down the stdio loop.
func (s *Server) callTool(ctx context.Context, name string, handler toolHandler, request mcp.CallToolRequest) (result *mcp.CallToolResult) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("panic in tool handler", zap.String("tool", name), zap.Any("panic", r))
			result = mcp.NewToolResultError(fmt.Sprintf("internal error in %s: %v", name, r))
		}
	}()

	result, err := handler(ctx, request)
	if err != nil {
		s.logger.Error("tool handler failed", zap.String("tool", name), zap.Error(err))
		return mcp.NewToolResultError(fmt.Sprintf("%s failed: %v", name, err))
	}
	if result == nil {
		return mcp.NewToolResultError(fmt.Sprintf("%s produced no result", name))
	}
	return result
}
