package toolrpc

import (
	"context"
	"encoding/json"
	"errors"
	"sync"

	"github.com/google/uuid"

	"github.com/tinytelemetry/sift/internal/apperr"
)

// DefaultPushBuffer is the number of outbound messages buffered per push
// session before writers block.
const DefaultPushBuffer = 256

// ErrSessionClosed is returned when writing to a closed push session.
var ErrSessionClosed = errors.New("toolrpc: session closed")

// PushSessions serves the tool protocol over a long-lived server-push
// stream paired with short-lived request posts. Each stream owns one
// session; posts carry its id.
type PushSessions struct {
	srv *Server

	mu       sync.Mutex
	sessions map[string]*PushSession
}

// NewPushSessions creates an empty session table.
func NewPushSessions(srv *Server) *PushSessions {
	return &PushSessions{srv: srv, sessions: make(map[string]*PushSession)}
}

// PushSession is one server-push stream.
type PushSession struct {
	ID string

	session *Session
	ctx     context.Context
	cancel  context.CancelFunc
	out     chan []byte
	once    sync.Once
}

// Out returns the session's outbound messages, already JSON-encoded.
func (p *PushSession) Out() <-chan []byte { return p.out }

// Done is closed when the session is closed.
func (p *PushSession) Done() <-chan struct{} { return p.ctx.Done() }

func (p *PushSession) write(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	select {
	case p.out <- data:
		return nil
	case <-p.ctx.Done():
		return ErrSessionClosed
	}
}

// Open creates a session. The caller must Close it when its stream ends.
func (ps *PushSessions) Open(parent context.Context) *PushSession {
	ctx, cancel := context.WithCancel(parent)
	p := &PushSession{
		ID:     uuid.NewString(),
		ctx:    ctx,
		cancel: cancel,
		out:    make(chan []byte, DefaultPushBuffer),
	}
	p.session = ps.srv.NewSession(p.write)
	ps.mu.Lock()
	ps.sessions[p.ID] = p
	ps.mu.Unlock()
	return p
}

// Close ends a session and its in-flight tool calls.
func (ps *PushSessions) Close(p *PushSession) {
	ps.mu.Lock()
	delete(ps.sessions, p.ID)
	ps.mu.Unlock()
	p.once.Do(func() {
		p.cancel()
		p.session.Wait()
	})
}

// Post delivers one request to a session. Its response arrives on the
// session's stream.
func (ps *PushSessions) Post(id string, body []byte) error {
	ps.mu.Lock()
	p, ok := ps.sessions[id]
	ps.mu.Unlock()
	if !ok {
		return apperr.Errorf(apperr.KindNotFound, "post message", "unknown session %q", id)
	}
	return p.session.Handle(p.ctx, body)
}

// Len returns the number of open sessions.
func (ps *PushSessions) Len() int {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	return len(ps.sessions)
}
