package logsource

import (
	"context"
	"fmt"

	"github.com/tinytelemetry/sift/internal/model"
	"github.com/tinytelemetry/sift/internal/tcpserver"
)

// TCPConfig holds tunable parameters for the TCP source.
type TCPConfig struct {
	Name        string
	MaxLineSize int
}

// TCPSource accepts newline-delimited lines from any number of TCP clients.
type TCPSource struct {
	server *tcpserver.Server
	name   string
}

// NewTCPSource creates a TCP source bound to addr on Start.
func NewTCPSource(addr string, conf ...TCPConfig) *TCPSource {
	var c TCPConfig
	if len(conf) > 0 {
		c = conf[0]
	}
	name := envelopeName(c.Name, "tcp")
	return &TCPSource{
		name: name,
		server: tcpserver.NewServer(addr, tcpserver.ServerConfig{
			MaxLineSize: c.MaxLineSize,
			SourceName:  name,
		}),
	}
}

// Start binds the listener. The context is unused; Stop ends the source.
func (s *TCPSource) Start(context.Context) error {
	if err := s.server.Start(); err != nil {
		return fmt.Errorf("logsource: tcp listen %s: %w", s.server.Addr(), err)
	}
	return nil
}

func (s *TCPSource) Err() error {
	if err := s.server.Err(); err != nil {
		return fmt.Errorf("tcp accept: %w", err)
	}
	return nil
}

// Addr returns the bound address once started.
func (s *TCPSource) Addr() string { return s.server.Addr() }

func (s *TCPSource) Lines() <-chan model.IngestEnvelope { return s.server.Lines() }
func (s *TCPSource) Stop()                              { _ = s.server.Stop() }
func (s *TCPSource) Name() string                       { return s.name }
func (s *TCPSource) Peers() int                         { return s.server.Peers() }
