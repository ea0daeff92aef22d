package toolrpc

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"
)

// Client calls tools on a sift server over its Unix socket.
type Client struct {
	conn    net.Conn
	mu      sync.Mutex
	nextID  int
	scanner *bufio.Scanner
	encoder *json.Encoder
}

// Dial connects to the socket at socketPath and initializes the session.
func Dial(ctx context.Context, socketPath string) (*Client, error) {
	var d net.Dialer
	dctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	conn, err := d.DialContext(dctx, "unix", socketPath)
	if err != nil {
		return nil, fmt.Errorf("toolrpc: dial: %w", err)
	}
	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 0, scannerInitBufSize), scannerMaxTokenSize)
	c := &Client{
		conn:    conn,
		scanner: scanner,
		encoder: json.NewEncoder(conn),
	}
	hello := initializeParams{ProtocolVersion: ProtocolVersion, ClientInfo: clientInfo{Name: "sift-cli"}}
	if err := c.Call(ctx, "initialize", hello, nil, nil); err != nil {
		conn.Close()
		return nil, err
	}
	return c, nil
}

// Close closes the underlying connection.
func (c *Client) Close() error {
	return c.conn.Close()
}

// Call performs a JSON-RPC call and unmarshals the result into dest.
// Notifications received before the response are passed to onNotify.
func (c *Client) Call(ctx context.Context, method string, params any, dest any, onNotify func(method string, params json.RawMessage)) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.nextID++
	id := json.RawMessage(strconv.Itoa(c.nextID))

	paramsData, err := json.Marshal(params)
	if err != nil {
		return fmt.Errorf("toolrpc: marshal params: %w", err)
	}

	if deadline, ok := ctx.Deadline(); ok {
		c.conn.SetDeadline(deadline)
		defer c.conn.SetDeadline(time.Time{})
	}
	stop := context.AfterFunc(ctx, func() { c.conn.SetDeadline(time.Now()) })
	defer stop()

	if err := c.encoder.Encode(Request{JSONRPC: "2.0", ID: id, Method: method, Params: paramsData}); err != nil {
		return fmt.Errorf("toolrpc: send: %w", err)
	}

	for {
		if !c.scanner.Scan() {
			if err := ctx.Err(); err != nil {
				return err
			}
			if err := c.scanner.Err(); err != nil {
				return fmt.Errorf("toolrpc: read: %w", err)
			}
			return fmt.Errorf("toolrpc: connection closed")
		}
		var msg struct {
			Response
			Method string          `json:"method"`
			Params json.RawMessage `json:"params"`
		}
		if err := json.Unmarshal(c.scanner.Bytes(), &msg); err != nil {
			return fmt.Errorf("toolrpc: unmarshal response: %w", err)
		}
		if msg.Method != "" {
			if onNotify != nil {
				onNotify(msg.Method, msg.Params)
			}
			continue
		}
		if string(msg.ID) != string(id) {
			continue
		}
		if msg.Error != nil {
			return msg.Error
		}
		if dest != nil {
			if err := json.Unmarshal(msg.Result, dest); err != nil {
				return fmt.Errorf("toolrpc: unmarshal result: %w", err)
			}
		}
		return nil
	}
}

// CallTool invokes a tool and decodes its structured result into dest.
// onProgress receives each progress notification.
func (c *Client) CallTool(ctx context.Context, name string, args any, dest any, onProgress func(ProgressParams)) error {
	argData, err := json.Marshal(args)
	if err != nil {
		return fmt.Errorf("toolrpc: marshal arguments: %w", err)
	}
	var res CallResult
	err = c.Call(ctx, "tools/call", callParams{Name: name, Arguments: argData}, &res, func(method string, params json.RawMessage) {
		if method != "notifications/progress" || onProgress == nil {
			return
		}
		var p ProgressParams
		if json.Unmarshal(params, &p) == nil {
			onProgress(p)
		}
	})
	if err != nil {
		return err
	}
	if dest != nil && len(res.StructuredContent) > 0 {
		if err := json.Unmarshal(res.StructuredContent, dest); err != nil {
			return fmt.Errorf("toolrpc: unmarshal %s result: %w", name, err)
		}
	}
	return nil
}
