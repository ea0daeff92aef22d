package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/tinytelemetry/sift/internal/toolrpc"
)

// Build variables - set by ldflags during build.
var (
	version   = "dev"
	commit    = "unknown"
	buildTime = "unknown"
	goVersion = "unknown"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var configPath string

	load := func() (appConfig, error) {
		cfg, err := loadConfig(configPath)
		if err != nil {
			return cfg, fmt.Errorf("loading config: %w", err)
		}
		return cfg, nil
	}

	serve := &cobra.Command{
		Use:   "serve",
		Short: "Run the ingestion and analysis service",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := load()
			if err != nil {
				return err
			}
			return runServer(cfg)
		},
	}

	root := &cobra.Command{
		Use:   "sift",
		Short: "sift - log ingestion and analysis service",
		Long: `sift supervises live log sources, batches and stores their lines, and
runs staged analyses that end in an inference call. Progress is streamed over
HTTP, WebSocket and a JSON-RPC tool protocol.`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE:          serve.RunE,
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "config file (default is $HOME/.config/sift/config.yml)")

	root.AddCommand(serve, newMCPCmd(load), newAnalyzeCmd(load), newCancelCmd(load), newVersionCmd())
	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "sift - log ingestion and analysis service\n")
			fmt.Fprintf(out, "  Version:    %s\n", version)
			fmt.Fprintf(out, "  Commit:     %s\n", commit)
			fmt.Fprintf(out, "  Built:      %s\n", buildTime)
			fmt.Fprintf(out, "  Go version: %s\n", goVersion)
		},
	}
}

func loadConfig(configPath string) (appConfig, error) {
	var cfg appConfig

	home, err := os.UserHomeDir()
	if err != nil {
		return cfg, fmt.Errorf("finding home directory: %w", err)
	}

	defaultDBPath := filepath.Join(home, ".local", "share", "sift", "sift.duckdb")

	v := viper.New()
	v.SetEnvPrefix("SIFT")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))

	v.SetDefault("db-path", defaultDBPath)
	v.SetDefault("api-enabled", true)
	v.SetDefault("api-addr", defaultAPIAddr)
	v.SetDefault("socket-path", toolrpc.DefaultSocketPath())
	v.SetDefault("sources-file", "")
	v.SetDefault("query-timeout", defaultQueryTimeout)
	v.SetDefault("insert-batch-size", defaultInsertBatchSize)
	v.SetDefault("insert-flush-interval", defaultInsertFlushInterval)
	v.SetDefault("insert-flush-queue-size", defaultInsertFlushQueue)
	v.SetDefault("log-retention", defaultLogRetention)
	v.SetDefault("default-buffer-size", defaultBufferSize)
	v.SetDefault("default-batch-timeout", defaultBatchTimeout)
	v.SetDefault("cache-capacity", defaultCacheCapacity)
	v.SetDefault("cache-ttl", defaultCacheTTL)
	v.SetDefault("cache-sliding", false)
	v.SetDefault("breaker-threshold", defaultBreakerThreshold)
	v.SetDefault("breaker-cooldown", defaultBreakerCooldown)
	v.SetDefault("run-timeout", defaultRunTimeout)
	v.SetDefault("run-retention", defaultRunRetention)
	v.SetDefault("heartbeat-interval", defaultHeartbeatInterval)
	v.SetDefault("slim-threshold", defaultSlimThreshold)
	v.SetDefault("slim-chunks", defaultSlimChunks)
	v.SetDefault("default-provider", "")

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigFile(filepath.Join(home, ".config", "sift", "config.yml"))
	}

	if err := v.ReadInConfig(); err != nil {
		var configFileNotFound viper.ConfigFileNotFoundError
		if !errors.As(err, &configFileNotFound) && !os.IsNotExist(err) {
			return cfg, err
		}
	}

	if err := v.Unmarshal(&cfg); err != nil {
		return cfg, err
	}
	cfg.ConfigPath = v.ConfigFileUsed()
	if _, err := os.Stat(cfg.ConfigPath); err != nil {
		cfg.ConfigPath = ""
	}

	if cfg.LogRetention < 0 {
		return cfg, fmt.Errorf("invalid log-retention: %d", cfg.LogRetention)
	}
	if cfg.SlimChunks <= 0 || cfg.SlimThreshold < cfg.SlimChunks {
		return cfg, fmt.Errorf("invalid slimming: threshold %d, chunks %d", cfg.SlimThreshold, cfg.SlimChunks)
	}

	// Expand ~ in paths
	cfg.DBPath = expandHome(home, cfg.DBPath)
	cfg.SocketPath = expandHome(home, cfg.SocketPath)
	cfg.SourcesFile = expandHome(home, cfg.SourcesFile)

	return cfg, nil
}

func expandHome(home, path string) string {
	if strings.HasPrefix(path, "~/") {
		return filepath.Join(home, path[2:])
	}
	return path
}
