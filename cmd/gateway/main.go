package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/SkynetNext/capi-gateway/internal/config"
	"github.com/SkynetNext/capi-gateway/internal/gateway"
	"github.com/SkynetNext/capi-gateway/internal/logger"
	"github.com/SkynetNext/capi-gateway/internal/tracing"
)

var (
	version   = "dev"
	buildTime = "unknown"
	gitCommit = "unknown"
)

var (
	configPath    string
	listenAddr    string
	debug         bool
	logLevel      string
	logEncoding   string
	chatAPIRemote string
)

var rootCmd = &cobra.Command{
	Use:   "capi-gateway",
	Short: "Bridge legacy binary chat clients onto the WebSocket chat API",
	Long: `capi-gateway accepts legacy chat clients over TCP and gives each one its own
connection to the JSON-over-WebSocket chat API. Clients log on with their chat API
key in place of a CD key or account name.`,
	Version:       fmt.Sprintf("%s (commit: %s, built: %s)", version, gitCommit, buildTime),
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		if err := logger.Init(cfg.Log.Level, cfg.Log.Encoding); err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		defer logger.Sync()
		return serve(cfg)
	},
}

func init() {
	flags := rootCmd.PersistentFlags()
	flags.StringVarP(&configPath, "config", "c", "", "Configuration file path (defaults apply when empty)")
	flags.StringVar(&logLevel, "log-level", "", "Log level: debug, info, warn, error")
	flags.StringVar(&logEncoding, "log-encoding", "", "Log encoding: json or console")

	rootCmd.Flags().StringVarP(&listenAddr, "interface", "i", "", "Legacy listen address host:port")
	rootCmd.Flags().BoolVarP(&debug, "debug", "d", false, "Debug logging; handler faults end the session")
	rootCmd.Flags().StringVar(&chatAPIRemote, "chat-api", "", "Chat API WebSocket endpoint")

	rootCmd.SetVersionTemplate(`{{printf "%s\n" .Version}}`)
	rootCmd.AddCommand(watchCmd)
}

// loadConfig reads the file when one is given and applies flag overrides on top
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	cfg := config.Default()
	if configPath != "" {
		loaded, err := config.Load(configPath)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}

	if cmd.Flags().Changed("interface") {
		cfg.Server.ListenAddr = listenAddr
	}
	if cmd.Flags().Changed("chat-api") {
		cfg.ChatAPI.Endpoint = chatAPIRemote
	}
	if debug {
		cfg.Log.Debug = true
	}
	if cfg.Log.Debug {
		cfg.Log.Level = "debug"
	}
	if logLevel != "" {
		cfg.Log.Level = logLevel
	}
	if logEncoding != "" {
		cfg.Log.Encoding = logEncoding
	}
	if endpoint := os.Getenv("JAEGER_ENDPOINT"); endpoint != "" && cfg.Tracing.JaegerEndpoint == "" {
		cfg.Tracing.JaegerEndpoint = endpoint
	}

	if err := config.Validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func serve(cfg *config.Config) error {
	// Initialize tracing (optional, if Jaeger endpoint is provided)
	if cfg.Tracing.JaegerEndpoint != "" {
		if err := tracing.Init(cfg.Tracing.ServiceName, version, cfg.Tracing.JaegerEndpoint); err != nil {
			logger.L.Warn("Failed to initialize tracing", zap.Error(err))
		} else {
			logger.L.Info("Tracing initialized", zap.String("endpoint", cfg.Tracing.JaegerEndpoint))
		}
	}

	gw, err := gateway.New(cfg)
	if err != nil {
		return fmt.Errorf("failed to create gateway: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := gw.Start(ctx); err != nil {
		return fmt.Errorf("failed to start gateway: %w", err)
	}

	logger.L.Info("Gateway started successfully",
		zap.String("version", version),
		zap.String("build_time", buildTime),
		zap.String("git_commit", gitCommit),
	)

	// Wait for interrupt signal
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	logger.L.Info("Received stop signal, starting graceful shutdown...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.GracefulShutdownTimeout)
	defer shutdownCancel()

	if err := gw.Shutdown(shutdownCtx); err != nil {
		logger.L.Error("Error during gateway shutdown", zap.Error(err))
	}

	if err := tracing.Shutdown(shutdownCtx); err != nil {
		logger.L.Warn("Error during tracing shutdown", zap.Error(err))
	}

	logger.L.Info("Gateway closed")
	return nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
