package logsource

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gin-gonic/gin"
	collogspb "go.opentelemetry.io/proto/otlp/collector/logs/v1"
	logspb "go.opentelemetry.io/proto/otlp/logs/v1"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/proto"

	"github.com/tinytelemetry/sift/internal/model"
)

const (
	// DefaultHTTPEndpoint is the ingest path when none is configured.
	DefaultHTTPEndpoint = "/ingest"

	// DefaultHTTPMaxBody caps a single request body.
	DefaultHTTPMaxBody = 10 * 1024 * 1024
)

// HTTPConfig holds tunable parameters for the HTTP source.
type HTTPConfig struct {
	Name       string
	Endpoint   string
	BufferSize int
	MaxBody    int64
}

// HTTPSource accepts log lines as POST request bodies. Each body is one unit:
// the last line of a body carries EndOfUnit so it is flushed as its own batch.
//
// Bodies are split on newlines, except OTLP requests. An OTLP protobuf
// request (application/x-protobuf) becomes one JSON line per log record.
type HTTPSource struct {
	addr     string
	endpoint string
	name     string
	maxBody  int64
	ch       chan model.IngestEnvelope
	server   *http.Server
	listener net.Listener
	ctx      context.Context
	cancel   context.CancelFunc
	handlers sync.WaitGroup
	peers    atomic.Int64

	// emitMu keeps each body's lines contiguous on ch.
	emitMu sync.Mutex

	mu       sync.Mutex
	err      error
	started  bool
	stopOnce sync.Once
	served   chan struct{}
}

// NewHTTPSource creates an HTTP source bound to addr on Start.
func NewHTTPSource(addr string, conf ...HTTPConfig) *HTTPSource {
	var c HTTPConfig
	if len(conf) > 0 {
		c = conf[0]
	}
	if c.Endpoint == "" {
		c.Endpoint = DefaultHTTPEndpoint
	}
	if !strings.HasPrefix(c.Endpoint, "/") {
		c.Endpoint = "/" + c.Endpoint
	}
	if c.BufferSize <= 0 {
		c.BufferSize = DefaultFileBuffer
	}
	if c.MaxBody <= 0 {
		c.MaxBody = DefaultHTTPMaxBody
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &HTTPSource{
		addr:     addr,
		endpoint: c.Endpoint,
		name:     envelopeName(c.Name, "http"),
		maxBody:  c.MaxBody,
		ch:       make(chan model.IngestEnvelope, c.BufferSize),
		ctx:      ctx,
		cancel:   cancel,
		served:   make(chan struct{}),
	}
}

// Start binds the listener and begins serving.
func (s *HTTPSource) Start(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return errors.New("logsource: http source already started")
	}

	r := gin.New()
	r.Use(gin.Recovery())
	r.POST(s.endpoint, s.handleIngest)

	listener, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("logsource: http listen %s: %w", s.addr, err)
	}
	s.listener = listener
	s.server = &http.Server{
		Handler:           r,
		BaseContext:       func(_ net.Listener) context.Context { return s.ctx },
		ReadHeaderTimeout: 10 * time.Second,
		ConnState:         s.trackConn,
	}
	s.started = true

	go func() {
		defer close(s.served)
		if err := s.server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.setErr(fmt.Errorf("http serve: %w", err))
			go s.Stop()
		}
	}()
	return nil
}

func (s *HTTPSource) trackConn(_ net.Conn, state http.ConnState) {
	switch state {
	case http.StateNew:
		s.peers.Add(1)
	case http.StateClosed, http.StateHijacked:
		s.peers.Add(-1)
	}
}

func (s *HTTPSource) handleIngest(c *gin.Context) {
	s.handlers.Add(1)
	defer s.handlers.Done()
	if s.ctx.Err() != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "source is stopping"})
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(c.Writer, c.Request.Body, s.maxBody))
	if err != nil {
		c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": err.Error()})
		return
	}

	lines, err := splitBody(c.ContentType(), body)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if len(lines) == 0 {
		c.JSON(http.StatusAccepted, gin.H{"accepted": 0})
		return
	}

	s.emitMu.Lock()
	defer s.emitMu.Unlock()
	for i, line := range lines {
		env := model.IngestEnvelope{Source: s.name, Line: line, EndOfUnit: i == len(lines)-1}
		select {
		case s.ch <- env:
		case <-s.ctx.Done():
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "source is stopping", "accepted": i})
			return
		case <-c.Request.Context().Done():
			return
		}
	}
	c.JSON(http.StatusAccepted, gin.H{"accepted": len(lines)})
}

// splitBody turns a request body into raw lines according to its content type.
func splitBody(contentType string, body []byte) ([]string, error) {
	switch contentType {
	case "application/x-protobuf", "application/protobuf":
		return otlpLines(body)
	case "application/json":
		trimmed := bytes.TrimSpace(body)
		if json.Valid(trimmed) {
			var compact bytes.Buffer
			if err := json.Compact(&compact, trimmed); err == nil {
				return []string{compact.String()}, nil
			}
		}
	}
	var lines []string
	for _, l := range strings.Split(string(body), "\n") {
		l = strings.TrimRight(l, "\r")
		if strings.TrimSpace(l) == "" {
			continue
		}
		lines = append(lines, l)
	}
	return lines, nil
}

// otlpLines decodes an OTLP export request into one JSON line per record,
// each wrapped with its resource and scope so service attributes survive.
func otlpLines(body []byte) ([]string, error) {
	var req collogspb.ExportLogsServiceRequest
	if err := proto.Unmarshal(body, &req); err != nil {
		return nil, fmt.Errorf("decode otlp logs: %w", err)
	}
	opts := protojson.MarshalOptions{UseEnumNumbers: true}
	var lines []string
	for _, rl := range req.GetResourceLogs() {
		for _, sl := range rl.GetScopeLogs() {
			for _, rec := range sl.GetLogRecords() {
				single := &logspb.ResourceLogs{
					Resource: rl.GetResource(),
					ScopeLogs: []*logspb.ScopeLogs{{
						Scope:      sl.GetScope(),
						LogRecords: []*logspb.LogRecord{rec},
					}},
				}
				b, err := opts.Marshal(single)
				if err != nil {
					return nil, fmt.Errorf("encode otlp record: %w", err)
				}
				lines = append(lines, string(b))
			}
		}
	}
	return lines, nil
}

func (s *HTTPSource) setErr(err error) {
	s.mu.Lock()
	if s.err == nil {
		s.err = err
	}
	s.mu.Unlock()
}

// Stop shuts the server down, waits for in-flight handlers, then closes
// the line channel.
func (s *HTTPSource) Stop() {
	s.stopOnce.Do(func() {
		s.mu.Lock()
		started := s.started
		s.started = true
		s.mu.Unlock()

		s.cancel()
		if started {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			if err := s.server.Shutdown(ctx); err != nil {
				log.Printf("logsource: http shutdown: %v", err)
				s.server.Close()
			}
			cancel()
			<-s.served
		}
		s.handlers.Wait()
		close(s.ch)
	})
}

// Addr returns the bound address once started.
func (s *HTTPSource) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.addr
}

// Endpoint returns the ingest path.
func (s *HTTPSource) Endpoint() string { return s.endpoint }

func (s *HTTPSource) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *HTTPSource) Lines() <-chan model.IngestEnvelope { return s.ch }
func (s *HTTPSource) Name() string                       { return s.name }
func (s *HTTPSource) Peers() int                         { return int(s.peers.Load()) }
