package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	log "github.com/sirupsen/logrus"

	"prism-board/app"
)

const shutdownGrace = 15 * time.Second

func main() {
	cfg, err := app.LoadConfig()
	if err != nil {
		log.Fatal(err)
	}
	if cfg.Debug {
		log.SetLevel(log.DebugLevel)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := app.New(ctx, cfg, log.StandardLogger())
	if err != nil {
		log.Fatalf("startup: %v", err)
	}
	log.WithFields(log.Fields{
		"backend": cfg.Backend,
		"export":  a.Exporter != nil,
	}).Info("prism board starting")
	if err := a.Run(ctx, shutdownGrace); err != nil {
		log.WithError(err).Fatal("server stopped")
	}
	log.Info("prism board stopped")
}
