package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/SkynetNext/capi-gateway/internal/config"
	"github.com/SkynetNext/capi-gateway/internal/redis"
)

var watchRedisAddr string

// watchCmd prints session lifecycle events published by running gateways
var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Print session lifecycle events from Redis",
	Long: `Subscribe to the session event channel that gateways publish on when redis.addr
is configured, and print one line per event until interrupted.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := config.Default()
		if configPath != "" {
			loaded, err := config.Load(configPath)
			if err != nil {
				return err
			}
			cfg = loaded
		}
		if watchRedisAddr != "" {
			cfg.Redis.Addr = watchRedisAddr
		}
		if cfg.Redis.Addr == "" {
			return errors.New("no Redis address: set redis.addr or --redis-addr")
		}

		client := redis.NewClient(&cfg.Redis)
		defer client.Close()

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		if err := client.Ping(ctx); err != nil {
			return fmt.Errorf("failed to connect to Redis: %w", err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Watching %s on %s\n", client.SessionsChannel(), cfg.Redis.Addr)

		err := client.WatchSessions(ctx, func(ev *redis.SessionEvent) {
			fmt.Fprintln(cmd.OutOrStdout(), formatEvent(ev))
		})
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	},
}

func init() {
	watchCmd.Flags().StringVar(&watchRedisAddr, "redis-addr", "", "Redis address (overrides redis.addr)")
}

func formatEvent(ev *redis.SessionEvent) string {
	line := fmt.Sprintf("%s %-9s client=%d conn=%s addr=%s",
		ev.Timestamp.Local().Format(time.DateTime), ev.Event, ev.ClientID, ev.ConnID, ev.RemoteAddr)
	if ev.Username != "" {
		line += fmt.Sprintf(" user=%s", ev.Username)
	}
	if ev.Product != "" {
		line += fmt.Sprintf(" product=%s", ev.Product)
	}
	if ev.Reason != "" {
		line += fmt.Sprintf(" reason=%q", ev.Reason)
	}
	return line
}
