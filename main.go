// OrderPilot's root entry point boots the assistant with environment-driven
// configuration only. The full command-line surface lives in cmd/OrderPilot.
package main

import (
	"log/slog"
	"os"

	"github.com/BakeDesk/OrderPilot/internal/api"
	"github.com/BakeDesk/OrderPilot/internal/util"
)

func main() {
	level := slog.LevelInfo
	if util.ParseBoolEnv("ORDERPILOT_DEBUG", false) {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: level})))

	if err := api.Run(api.DefaultRunConfig()); err != nil {
		slog.Error("OrderPilot failed to run", "error", err)
		os.Exit(1)
	}
}
