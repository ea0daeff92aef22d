package toolrpc

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"log"
	"sync"
	"sync/atomic"
)

const (
	// scannerInitBufSize is the initial buffer size for a session reader (1 MB).
	scannerInitBufSize = 1024 * 1024
	// scannerMaxTokenSize is the largest request line accepted (10 MB).
	scannerMaxTokenSize = 10 * 1024 * 1024
)

// Session is one client connection. Requests are read in order; tools/call
// requests run concurrently so a client can cancel a run while waiting on
// it. Writes are serialized by the session's writer.
type Session struct {
	srv         *Server
	write       func(v any) error
	initialized atomic.Bool
	wg          sync.WaitGroup
}

// NewSession creates a session that sends responses and notifications
// through write. write must be safe for concurrent use.
func (s *Server) NewSession(write func(v any) error) *Session {
	return &Session{srv: s, write: write}
}

// EncoderWriter returns a concurrency-safe write function over w.
func EncoderWriter(w io.Writer) func(v any) error {
	var mu sync.Mutex
	enc := json.NewEncoder(w)
	return func(v any) error {
		mu.Lock()
		defer mu.Unlock()
		return enc.Encode(v)
	}
}

// Run serves newline-delimited requests from r until EOF or ctx ends, then
// waits for in-flight tool calls.
func (s *Server) Run(ctx context.Context, r io.Reader, w io.Writer) error {
	return s.NewSession(EncoderWriter(w)).Serve(ctx, r)
}

// Serve reads requests from r until EOF or ctx ends. In-flight tool calls
// are allowed to finish.
func (ss *Session) Serve(ctx context.Context, r io.Reader) error {
	return ss.serve(ctx, r, false)
}

// serve reads requests from r. With abandon set, in-flight tool calls are
// cancelled once r is exhausted because nobody is left to read their
// responses.
func (ss *Session) serve(ctx context.Context, r io.Reader, abandon bool) error {
	ctx, cancel := context.WithCancel(ctx)
	defer func() {
		if abandon {
			cancel()
		}
		ss.wg.Wait()
		cancel()
	}()

	lines := make(chan []byte)
	errc := make(chan error, 1)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(r)
		scanner.Buffer(make([]byte, 0, scannerInitBufSize), scannerMaxTokenSize)
		for scanner.Scan() {
			line := append([]byte(nil), scanner.Bytes()...)
			select {
			case lines <- line:
			case <-ctx.Done():
				return
			}
		}
		errc <- scanner.Err()
	}()

	for {
		select {
		case line, ok := <-lines:
			if !ok {
				select {
				case err := <-errc:
					return err
				default:
					return nil
				}
			}
			if err := ss.Handle(ctx, line); err != nil {
				return err
			}
		case <-ctx.Done():
			return nil
		}
	}
}

// Handle processes one raw request. It returns an error only when the
// session can no longer write.
func (ss *Session) Handle(ctx context.Context, line []byte) error {
	if len(line) == 0 {
		return nil
	}
	var req Request
	if err := json.Unmarshal(line, &req); err != nil {
		return ss.writeError(json.RawMessage("null"), &RPCError{Code: CodeParseError, Message: "parse error: " + err.Error()})
	}
	if req.JSONRPC != "2.0" {
		if req.IsNotification() {
			return nil
		}
		return ss.writeError(req.ID, &RPCError{Code: CodeInvalidRequest, Message: "unsupported JSON-RPC version"})
	}
	if req.IsNotification() {
		return nil
	}

	switch req.Method {
	case "initialize":
		return ss.initialize(&req)
	case "ping":
		return ss.writeResult(req.ID, struct{}{})
	case "tools/list":
		if !ss.initialized.Load() {
			return ss.writeError(req.ID, &RPCError{Code: CodeInvalidRequest, Message: "session not initialized (call initialize first)"})
		}
		return ss.writeResult(req.ID, toolsListResult{Tools: ss.srv.Tools()})
	case "tools/call":
		if !ss.initialized.Load() {
			return ss.writeError(req.ID, &RPCError{Code: CodeInvalidRequest, Message: "session not initialized (call initialize first)"})
		}
		var p callParams
		if err := json.Unmarshal(req.Params, &p); err != nil {
			return ss.writeError(req.ID, &RPCError{Code: CodeInvalidParams, Message: "invalid tools/call params: " + err.Error()})
		}
		t, ok := ss.srv.byName[p.Name]
		if !ok {
			return ss.writeError(req.ID, &RPCError{Code: CodeMethodNotFound, Message: "unknown tool: " + p.Name})
		}
		c := &call{args: p.Arguments, notify: func(n Notification) error { return ss.write(n) }}
		if p.Meta != nil {
			c.token = p.Meta.ProgressToken
		}
		ss.wg.Add(1)
		go func() {
			defer ss.wg.Done()
			ss.invoke(ctx, req.ID, t, c)
		}()
		return nil
	default:
		return ss.writeError(req.ID, &RPCError{Code: CodeMethodNotFound, Message: "unknown method: " + req.Method})
	}
}

func (ss *Session) initialize(req *Request) error {
	if len(req.Params) > 0 {
		var p initializeParams
		if err := json.Unmarshal(req.Params, &p); err != nil {
			return ss.writeError(req.ID, &RPCError{Code: CodeInvalidParams, Message: "invalid initialize params: " + err.Error()})
		}
		if p.ClientInfo.Name != "" {
			log.Printf("toolrpc: client %s %s connected", p.ClientInfo.Name, p.ClientInfo.Version)
		}
	}
	ss.initialized.Store(true)
	return ss.writeResult(req.ID, initializeResult{
		ProtocolVersion: ProtocolVersion,
		Capabilities:    serverCapabilities{Tools: &struct{}{}},
		ServerInfo:      serverInfo{Name: ss.srv.name, Version: ss.srv.version},
	})
}

func (ss *Session) invoke(ctx context.Context, id json.RawMessage, t *tool, c *call) {
	v, err := t.call(ctx, c)
	if err != nil {
		if werr := ss.writeError(id, rpcError(err)); werr != nil {
			log.Printf("toolrpc: write %s error: %v", t.desc.Name, werr)
		}
		return
	}
	data, err := json.Marshal(v)
	if err != nil {
		ss.writeError(id, &RPCError{Code: CodeInternalError, Message: err.Error()})
		return
	}
	res := CallResult{
		Content:           []ContentBlock{{Type: "text", Text: string(data)}},
		StructuredContent: data,
	}
	if err := ss.writeResult(id, res); err != nil {
		log.Printf("toolrpc: write %s result: %v", t.desc.Name, err)
	}
}

func (ss *Session) writeResult(id json.RawMessage, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return ss.writeError(id, &RPCError{Code: CodeInternalError, Message: err.Error()})
	}
	return ss.write(Response{JSONRPC: "2.0", ID: id, Result: data})
}

func (ss *Session) writeError(id json.RawMessage, e *RPCError) error {
	return ss.write(Response{JSONRPC: "2.0", ID: id, Error: e})
}

// Wait blocks until the session's in-flight tool calls return.
func (ss *Session) Wait() { ss.wg.Wait() }
