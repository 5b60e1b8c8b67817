package main

import (
	"log/slog"

	"github.com/neurastack/ensemble/internal/cmd"
	"github.com/neurastack/ensemble/internal/log"
)

func main() {
	defer log.RecoverPanic("main", func() {
		slog.Error("Application terminated due to unhandled panic")
	})

	cmd.Execute()
}
