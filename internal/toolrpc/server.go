// Package toolrpc exposes the sift control surface as JSON-RPC 2.0 tools to
// tool-calling assistants. The same tools are served over stdio, a Unix
// socket and a server-push session pair; only the framing differs.
package toolrpc

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/tinytelemetry/sift/internal/apperr"
	"github.com/tinytelemetry/sift/internal/model"
)

// Server holds the tool table. It is stateless; per-connection state lives
// in a Session.
type Server struct {
	ctrl    model.Controller
	name    string
	version string
	tools   []tool
	byName  map[string]*tool
}

type tool struct {
	desc ToolDescription
	call func(ctx context.Context, c *call) (any, error)
}

// call is one tools/call invocation.
type call struct {
	args   json.RawMessage
	token  any
	notify func(Notification) error
}

// decode unmarshals the call's arguments. Missing arguments decode as {}.
func (c *call) decode(v any) error {
	if len(c.args) == 0 || string(c.args) == "null" {
		return nil
	}
	dec := json.NewDecoder(bytes.NewReader(c.args))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return invalidArgs(err)
	}
	return nil
}

// NewServer creates a tool server over ctrl.
func NewServer(ctrl model.Controller, version string) *Server {
	s := &Server{ctrl: ctrl, name: "sift", version: version}
	s.tools = s.buildTools()
	s.byName = make(map[string]*tool, len(s.tools))
	for i := range s.tools {
		s.byName[s.tools[i].desc.Name] = &s.tools[i]
	}
	return s
}

// Tools returns the tool descriptions in listing order.
func (s *Server) Tools() []ToolDescription {
	out := make([]ToolDescription, len(s.tools))
	for i, t := range s.tools {
		out[i] = t.desc
	}
	return out
}

type argError struct{ err error }

func (e *argError) Error() string { return "invalid arguments: " + e.err.Error() }
func (e *argError) Unwrap() error { return e.err }

func invalidArgs(err error) error { return &argError{err: err} }

func invalidArgsf(format string, args ...any) error {
	return invalidArgs(fmt.Errorf(format, args...))
}

// rpcError maps a tool failure onto a JSON-RPC error object.
func rpcError(err error) *RPCError {
	var ae *argError
	if errors.As(err, &ae) {
		return &RPCError{Code: CodeInvalidParams, Message: err.Error()}
	}
	kind := apperr.KindOf(err)
	if kind == apperr.KindInvalid {
		return &RPCError{Code: CodeInvalidParams, Message: err.Error(), Data: &ErrorData{Kind: string(kind)}}
	}
	return &RPCError{Code: CodeApplication, Message: err.Error(), Data: &ErrorData{Kind: string(kind)}}
}
