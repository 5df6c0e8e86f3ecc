package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/eidentita/spidbridge/internal/core"
)

func main() {
	app, err := core.Bootstrap()
	if err != nil {
		// Logger may not exist yet; stderr is all we have.
		os.Stderr.WriteString("spidbridge: " + err.Error() + "\n")
		os.Exit(1)
	}
	defer app.Close()

	httpServer := &http.Server{
		Addr:         app.Config.ListenAddr,
		Handler:      app.Server.Router(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Start server in goroutine
	go func() {
		app.Logger.Info("server starting", "addr", app.Config.ListenAddr)
		app.Logger.Info("SP metadata available", "url", app.Config.BaseURL+"/auth/metadata")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			app.Logger.Error("server failed", "error", err)
			os.Exit(1)
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	app.Logger.Info("shutting down")

	// Graceful shutdown with timeout
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		app.Logger.Error("forced shutdown", "error", err)
		os.Exit(1)
	}

	app.Logger.Info("server exited gracefully")
}
