package toolrpc

import (
	"encoding/json"
	"os"
	"path/filepath"
)

// JSON-RPC 2.0 method reference
//
//   Method                     Params                                  Result
//   ─────────────────────────  ──────────────────────────────────────  ───────────────────────
//   initialize                 {protocolVersion, clientInfo}           initializeResult
//   ping                       (none)                                  {}
//   tools/list                 (none)                                  {tools: []ToolDescription}
//   tools/call                 {name, arguments, _meta.progressToken}  CallResult
//
// wait_run, and analyze_logs with wait=true, send notifications/progress
// for every run event before the response. Notifications carry no id.
//
// Error codes:
//   -32700  Parse error (malformed JSON)
//   -32600  Invalid request (wrong version, not initialized)
//   -32601  Method or tool not found
//   -32602  Invalid params
//   -32603  Internal error
//   -32000  Application error; data.kind carries the error kind

// ProtocolVersion is answered to every initialize request.
const ProtocolVersion = "2025-06-18"

const (
	CodeParseError     = -32700
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeInternalError  = -32603
	CodeApplication    = -32000
)

// Request is a JSON-RPC 2.0 request, or a notification when ID is empty.
type Request struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// IsNotification reports whether the request expects no response.
func (r *Request) IsNotification() bool { return len(r.ID) == 0 }

// Response is a JSON-RPC 2.0 response.
type Response struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *RPCError       `json:"error,omitempty"`
}

// Notification is a server-to-client message without an id.
type Notification struct {
	JSONRPC string `json:"jsonrpc"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
}

// RPCError represents a JSON-RPC 2.0 error object.
type RPCError struct {
	Code    int        `json:"code"`
	Message string     `json:"message"`
	Data    *ErrorData `json:"data,omitempty"`
}

// ErrorData classifies application errors.
type ErrorData struct {
	Kind string `json:"kind"`
}

func (e *RPCError) Error() string { return e.Message }

type initializeParams struct {
	ProtocolVersion string     `json:"protocolVersion"`
	ClientInfo      clientInfo `json:"clientInfo"`
}

type clientInfo struct {
	Name    string `json:"name"`
	Version string `json:"version,omitempty"`
}

type initializeResult struct {
	ProtocolVersion string             `json:"protocolVersion"`
	Capabilities    serverCapabilities `json:"capabilities"`
	ServerInfo      serverInfo         `json:"serverInfo"`
}

type serverCapabilities struct {
	Tools *struct{} `json:"tools,omitempty"`
}

type serverInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// ToolDescription describes one tool in the tools/list response.
type ToolDescription struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	InputSchema any    `json:"inputSchema"`
}

type toolsListResult struct {
	Tools []ToolDescription `json:"tools"`
}

type callParams struct {
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments,omitempty"`
	Meta      *struct {
		ProgressToken any `json:"progressToken,omitempty"`
	} `json:"_meta,omitempty"`
}

// CallResult is the tools/call result. StructuredContent carries the typed
// value; the same JSON is repeated as a text block.
type CallResult struct {
	Content           []ContentBlock  `json:"content"`
	StructuredContent json.RawMessage `json:"structuredContent,omitempty"`
}

// ContentBlock is a text block within a tool result.
type ContentBlock struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// ProgressParams are the params of notifications/progress.
type ProgressParams struct {
	ProgressToken any     `json:"progressToken"`
	Progress      float64 `json:"progress"`
	Total         float64 `json:"total"`
	Message       string  `json:"message,omitempty"`
	Event         any     `json:"event,omitempty"`
}

// DefaultSocketPath returns the default Unix socket path.
// It prefers $XDG_RUNTIME_DIR/sift/sift.sock, falling back to
// ~/.local/state/sift/sift.sock.
func DefaultSocketPath() string {
	if dir := os.Getenv("XDG_RUNTIME_DIR"); dir != "" {
		return filepath.Join(dir, "sift", "sift.sock")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(os.TempDir(), "sift.sock")
	}
	return filepath.Join(home, ".local", "state", "sift", "sift.sock")
}
