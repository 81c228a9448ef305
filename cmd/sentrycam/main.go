package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"sentrycam/internal/app"
	"sentrycam/internal/recording"
)

var (
	version = "1.0.0"
	commit  = "dev"
)

func main() {
	var (
		configPath = flag.String("config", "config.json", "Path to config file")
		showVer    = flag.Bool("version", false, "Show version")
	)
	flag.Parse()

	if *showVer {
		fmt.Printf("sentrycam %s (%s)\n", version, commit)
		os.Exit(0)
	}

	a, err := app.New(*configPath, recording.RecordingsRoot)
	if err != nil {
		log.Fatalf("Failed to initialize sentrycam: %v", err)
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- a.Start()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		log.Printf("received signal %s, shutting down", sig)

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if err := a.Shutdown(ctx); err != nil {
			log.Printf("shutdown error: %v", err)
			os.Exit(1)
		}
		os.Exit(0)

	case err := <-errCh:
		if err != nil {
			log.Fatalf("sentrycam failed: %v", err)
		}
	}
}
