package main

import (
	"context"
	"fmt"
	"io"
	"log"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/tinytelemetry/sift/internal/toolrpc"
)

func newMCPCmd(load func() (appConfig, error)) *cobra.Command {
	return &cobra.Command{
		Use:   "mcp",
		Short: "Serve the tool protocol on stdin/stdout",
		Long: `Serve the JSON-RPC tool protocol on stdin/stdout for an assistant.
When a sift server is running, requests are relayed to its socket so the
assistant sees the server's sources and runs. Otherwise an embedded service
is started for the session.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := load()
			if err != nil {
				return err
			}
			return runMCP(cmd.Context(), cfg, os.Stdin, os.Stdout)
		},
	}
}

// runMCP never writes logs to stdout: stdout carries protocol frames.
func runMCP(ctx context.Context, cfg appConfig, stdin io.Reader, stdout io.Writer) error {
	cleanupLogger := configureRuntimeLogger()
	defer cleanupLogger()

	if ctx == nil {
		ctx = context.Background()
	}
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if conn, err := net.DialTimeout("unix", cfg.SocketPath, 500*time.Millisecond); err == nil {
		log.Printf("mcp: relaying to %s", cfg.SocketPath)
		return relay(ctx, conn, stdin, stdout)
	}

	c, err := newCore(cfg)
	if err != nil {
		return err
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		c.close(sctx)
	}()

	log.Printf("mcp: serving an embedded service on stdio")
	return toolrpc.NewServer(c.ctrl, version).Run(ctx, stdin, stdout)
}

// relay copies frames between stdio and a server socket. It returns when
// the server closes the connection or ctx ends; a pending stdin read is
// left behind.
func relay(ctx context.Context, conn net.Conn, stdin io.Reader, stdout io.Writer) error {
	defer conn.Close()
	done := make(chan error, 2)
	go func() {
		_, err := io.Copy(conn, stdin)
		if uc, ok := conn.(*net.UnixConn); ok {
			uc.CloseWrite()
		}
		if err != nil {
			done <- err
		}
	}()
	go func() {
		_, err := io.Copy(stdout, conn)
		done <- err
	}()
	select {
	case err := <-done:
		if err != nil {
			return fmt.Errorf("mcp relay: %w", err)
		}
		return nil
	case <-ctx.Done():
		return nil
	}
}

func newCancelCmd(load func() (appConfig, error)) *cobra.Command {
	return &cobra.Command{
		Use:   "cancel RUN_ID",
		Short: "Cancel a run on the running server",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := load()
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
			defer cancel()
			client, err := toolrpc.Dial(ctx, cfg.SocketPath)
			if err != nil {
				return fmt.Errorf("connect to sift server: %w", err)
			}
			defer client.Close()
			if err := client.CallTool(ctx, "cancel_run", map[string]string{"run_id": args[0]}, nil, nil); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "cancel requested for run %s\n", args[0])
			return nil
		},
	}
}
