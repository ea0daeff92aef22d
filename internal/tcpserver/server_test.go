package tcpserver

import (
	"fmt"
	"net"
	"testing"
	"time"
)

func TestNewServer_DefaultLocalhostAddress(t *testing.T) {
	t.Parallel()

	s := NewServer("")
	if got := s.Addr(); got != "127.0.0.1:4000" {
		t.Fatalf("Addr() = %q, want %q", got, "127.0.0.1:4000")
	}
}

func TestNewServer_UsesConfiguredAddressAndBuffers(t *testing.T) {
	t.Parallel()

	s := NewServer("0.0.0.0:5000", ServerConfig{
		LineChannelSize: 64,
		MaxLineSize:     2048,
	})

	if got := s.Addr(); got != "0.0.0.0:5000" {
		t.Fatalf("Addr() = %q, want %q", got, "0.0.0.0:5000")
	}
	if got := cap(s.lineChan); got != 64 {
		t.Fatalf("line channel cap = %d, want %d", got, 64)
	}
	if got := s.maxLineSize; got != 2048 {
		t.Fatalf("max line size = %d, want %d", got, 2048)
	}
}

func TestServer_ReceivesLinesAndCountsPeers(t *testing.T) {
	t.Parallel()

	s := NewServer("127.0.0.1:0", ServerConfig{SourceName: "edge"})
	if err := s.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer s.Stop()

	a, err := net.Dial("tcp", s.Addr())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	b, err := net.Dial("tcp", s.Addr())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}

	waitEventually(t, func() bool { return s.Peers() == 2 })

	fmt.Fprintf(a, "first\n\nsecond\n")
	got := []string{readLine(t, s), readLine(t, s)}
	if got[0] != "first" || got[1] != "second" {
		t.Fatalf("lines = %v, want [first second]", got)
	}

	a.Close()
	b.Close()
	waitEventually(t, func() bool { return s.Peers() == 0 })
}

func TestServer_StopClosesLinesAndLiveConnections(t *testing.T) {
	t.Parallel()

	s := NewServer("127.0.0.1:0")
	if err := s.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	conn, err := net.Dial("tcp", s.Addr())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	waitEventually(t, func() bool { return s.Peers() == 1 })

	done := make(chan struct{})
	go func() {
		s.Stop()
		s.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Stop did not return with a live client connected")
	}

	if _, ok := <-s.Lines(); ok {
		t.Fatal("expected line channel to be closed")
	}
	if _, err := net.Dial("tcp", s.Addr()); err == nil {
		t.Fatal("listener still accepting after Stop")
	}
}

func readLine(t *testing.T, s *Server) string {
	t.Helper()
	select {
	case env := <-s.Lines():
		if env.Source != "edge" {
			t.Fatalf("source = %q, want edge", env.Source)
		}
		return env.Line
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for line")
	}
	return ""
}

func waitEventually(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}
