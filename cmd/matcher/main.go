// Command matcher runs the realtime matching client for the data coupon
// marketplace from a terminal.
//
//	matcher buyer  --carrier SKT --data 2 --price 1000-1499 --auto-request
//	matcher seller --carrier KT --data 1.5 --price 2000 --auto-approve
//	matcher watch
//	matcher version
//
// Secrets are read from MATCHER_ACCESS_TOKEN, MATCHER_REFRESH_TOKEN and
// MATCHER_DB_PASSWORD when they are not in the config file.
package main

import (
	"log/slog"
	"os"
)

func main() {
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	if err := buildRootCmd().Execute(); err != nil {
		slog.Error("command failed", "error", err)
		os.Exit(1)
	}
}
