package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"devtunnel-go/internal/config"
	"devtunnel-go/internal/logger"
	"devtunnel-go/internal/relay"
	"devtunnel-go/internal/server"
	"devtunnel-go/internal/settings"
	"devtunnel-go/internal/store"
)

func main() {
	cfg, err := config.Parse(os.Args[1:])
	if err != nil {
		log.Fatal(err)
	}

	logr, logCloser, err := logger.New(logger.Options{Debug: cfg.Debug, Format: cfg.LogFormat, Path: cfg.LogFile})
	if err != nil {
		log.Fatal(err)
	}
	defer logCloser.Close()

	kv, err := store.Open(cfg.StateBackend, cfg.StateDir)
	if err != nil {
		log.Fatal(err)
	}
	defer kv.Close()

	hub, err := server.NewHub(logr)
	if err != nil {
		log.Fatal(err)
	}
	relaySrv := relay.New(relay.Options{
		Host:           cfg.RelayHost,
		PortRange:      cfg.PortRange,
		RequestTimeout: cfg.RequestTimeout,
		Logger:         logr,
		Notifier:       hub,
	})
	gate, err := settings.NewGate(context.Background(), kv, relaySrv, hub, logr, cfg.RelayPort)
	if err != nil {
		log.Fatal(err)
	}
	relaySrv.OnStateChange(gate.RelayStateChanged)
	gate.Subscribe(hub)

	srv := server.New(cfg, hub, relaySrv, gate, logr)
	httpServer := &http.Server{
		Addr:              fmt.Sprintf("%s:%d", cfg.Bind, cfg.Port),
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	if err := gate.Restore(context.Background()); err != nil {
		logr.Warn("relay could not be restored", "err", err)
	}

	allowListNote := ""
	if len(cfg.AllowCIDRs) > 0 {
		allowListNote = fmt.Sprintf(" (allowed CIDRs: %s, plus localhost)", strings.Join(cfg.AllowCIDRs, ", "))
	}
	fmt.Printf("devtunnel control API listening on http://%s:%d%s (state: %s, backend: %s)\n",
		cfg.Bind,
		cfg.Port,
		allowListNote,
		cfg.StateDir,
		cfg.StateBackend,
	)

	errCh := make(chan error, 1)
	go func() {
		errCh <- httpServer.ListenAndServe()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		fmt.Printf("received %s, shutting down...\n", sig)
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			logr.Error("control server failed", "err", err)
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = relaySrv.Shutdown(ctx)
	_ = srv.Shutdown(ctx)
	_ = httpServer.Shutdown(ctx)
}
