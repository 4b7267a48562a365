package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/inklight/inklight-backend/internal/app"
)

func main() {
	a, err := app.New()
	if err != nil {
		fmt.Printf("Failed to init app: %v\n", err)
		os.Exit(1)
	}
	defer a.Close()

	if err := a.Start(); err != nil {
		a.Log.Error("Failed to start engine", "error", err)
		a.Close()
		os.Exit(1)
	}

	go func() {
		sig := make(chan os.Signal, 1)
		signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
		<-sig
		a.Log.Info("Shutting down...")
		a.Close()
		os.Exit(0)
	}()

	a.Log.Info("Starting server", "addr", a.Cfg.HTTPAddr)
	if err := a.Run(a.Cfg.HTTPAddr); err != nil {
		a.Log.Error("Server exited", "error", err)
		a.Close()
		os.Exit(1)
	}
}
