package main

import (
	"log"
	"log/slog"
	"os"

	"github.com/joho/godotenv"
	"github.com/urfave/cli/v2"
)

var VERSION = "0.1.0"

func main() {
	// Load .env file if it exists
	_ = godotenv.Load()

	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	app := cli.NewApp()
	app.Name = "bluegreen"
	app.Version = VERSION
	app.Usage = "Run a connector command against its current and candidate versions and collect comparable artifacts"
	app.Commands = []*cli.Command{
		entrypointCmd(logger),
		historyCmd(logger),
	}
	if err := app.Run(os.Args); err != nil {
		log.Fatalf("%v", err)
	}
}
