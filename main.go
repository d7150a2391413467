package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/charmbracelet/log"
	"github.com/urfave/cli/v3"

	"github.com/fchat-tools/profilecache/internal/cmd/flush"
	"github.com/fchat-tools/profilecache/internal/cmd/migrate"
	"github.com/fchat-tools/profilecache/internal/cmd/serve"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	app := &cli.Command{
		Name:  "profilecache",
		Usage: "Character profile cache with a background fetch scheduler",
		Commands: []*cli.Command{
			serve.Command(),
			migrate.Command(),
			flush.Command(),
		},
	}
	if err := app.Run(ctx, os.Args); err != nil {
		log.Fatal(err)
	}
}
