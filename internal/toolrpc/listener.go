package toolrpc

import (
	"context"
	"fmt"
	"log"
	"net"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Listener serves tool sessions over a Unix domain socket, one session per
// connection.
type Listener struct {
	srv        *Server
	socketPath string
	listener   net.Listener
	ctx        context.Context
	cancel     context.CancelFunc
	wg         sync.WaitGroup
	stopOnce   sync.Once

	mu    sync.Mutex
	conns map[net.Conn]struct{}
}

// NewListener creates a socket listener for srv.
func NewListener(srv *Server, socketPath string) *Listener {
	ctx, cancel := context.WithCancel(context.Background())
	return &Listener{
		srv:        srv,
		socketPath: socketPath,
		ctx:        ctx,
		cancel:     cancel,
		conns:      make(map[net.Conn]struct{}),
	}
}

// Start begins listening on the Unix socket and accepting connections.
func (l *Listener) Start() error {
	if err := os.MkdirAll(filepath.Dir(l.socketPath), 0o755); err != nil {
		return fmt.Errorf("toolrpc: mkdir: %w", err)
	}

	// Remove a stale socket left by a crashed server.
	if _, err := os.Stat(l.socketPath); err == nil {
		conn, dialErr := net.DialTimeout("unix", l.socketPath, 500*time.Millisecond)
		if dialErr != nil {
			os.Remove(l.socketPath)
		} else {
			conn.Close()
			return fmt.Errorf("toolrpc: another server is already listening on %s", l.socketPath)
		}
	}

	ln, err := net.Listen("unix", l.socketPath)
	if err != nil {
		return fmt.Errorf("toolrpc: listen: %w", err)
	}
	l.listener = ln

	l.wg.Add(1)
	go l.acceptLoop()

	log.Printf("toolrpc: listening on %s", l.socketPath)
	return nil
}

// Addr returns the socket path.
func (l *Listener) Addr() string { return l.socketPath }

// Stop closes the listener and open connections, waits for sessions to
// drain and removes the socket file.
func (l *Listener) Stop() {
	l.stopOnce.Do(func() {
		l.cancel()
		if l.listener != nil {
			l.listener.Close()
		}
		l.mu.Lock()
		for c := range l.conns {
			c.Close()
		}
		l.mu.Unlock()
		l.wg.Wait()
		os.Remove(l.socketPath)
	})
}

func (l *Listener) acceptLoop() {
	defer l.wg.Done()
	for {
		conn, err := l.listener.Accept()
		if err != nil {
			select {
			case <-l.ctx.Done():
				return
			default:
				log.Printf("toolrpc: accept error: %v", err)
				// Transient errors (fd limit) must not end the loop.
				time.Sleep(10 * time.Millisecond)
				continue
			}
		}
		l.mu.Lock()
		l.conns[conn] = struct{}{}
		l.mu.Unlock()
		l.wg.Add(1)
		go l.handleConn(conn)
	}
}

func (l *Listener) handleConn(conn net.Conn) {
	defer l.wg.Done()
	defer func() {
		l.mu.Lock()
		delete(l.conns, conn)
		l.mu.Unlock()
		conn.Close()
	}()

	ctx, cancel := context.WithCancel(l.ctx)
	defer cancel()
	if err := l.srv.NewSession(EncoderWriter(conn)).serve(ctx, conn, true); err != nil {
		select {
		case <-l.ctx.Done():
		default:
			log.Printf("toolrpc: session ended: %v", err)
		}
	}
}
