package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/forgeml/orchestrator/cmd/orchestrator/cmds"
	"github.com/forgeml/orchestrator/internal/logger"
)

func main() {
	ctx, cancelSignal := signal.NotifyContext(
		context.Background(),
		syscall.SIGTERM,
		syscall.SIGINT,
	)
	defer cancelSignal()

	logger.InitSlog(slog.LevelDebug)

	if err := cmds.Execute(ctx); err != nil {
		logger.Logger.Error(err.Error())
		cancelSignal()
		os.Exit(1)
	}
}
