package main

import (
	"log/slog"
	"os"

	"github.com/clonestick/clonestick/cmd/clonestick/commands"
)

func main() {
	// Commands that write a log file replace this logger with the reporter's.
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelWarn,
	}))
	slog.SetDefault(logger)

	commands.Execute()
}
