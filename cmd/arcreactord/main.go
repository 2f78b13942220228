package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/kstaniek/go-arcreactor/internal/metrics"
	"github.com/kstaniek/go-arcreactor/internal/server"
	"github.com/kstaniek/go-arcreactor/internal/transport"
)

func main() {
	flag.CommandLine.Usage = func() { usage(flag.CommandLine, os.Stderr) }
	cfg, showVersion := parseFlags()
	if showVersion {
		fmt.Printf("arcreactord %s (commit %s, built %s)\n", version, commit, date)
		return
	}
	if cfg == nil {
		os.Exit(2)
	}
	l := setupLogger(cfg.logFormat, cfg.logLevel)
	h := initHub(cfg, l)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	var wg sync.WaitGroup
	startMetricsLogger(ctx, cfg.logMetricsEvery, l, &wg)

	b, berr := initBackend(cfg, l)
	if berr != nil {
		l.Error("backend_init_error", "error", berr)
		return
	}
	publishEvents(b.svc, h)
	queue := transport.NewCommandQueue(ctx, b.svc, cfg.cmdQueue)

	srv := server.NewServer(
		server.WithListenAddr(cfg.listenAddr),
		server.WithHub(h),
		server.WithDevice(b.svc),
		server.WithQueue(queue),
		server.WithConnectTimeout(cfg.connectTO),
		server.WithMaxClients(cfg.maxClients),
		server.WithLogger(l),
	)
	go func() {
		if err := srv.Serve(ctx); err != nil {
			l.Error("http_server_error", "error", err)
			cancel()
		}
	}()

	// Start mDNS advertisement once listener is ready.
	go func() {
		select {
		case <-srv.Ready():
		case <-ctx.Done():
			return
		}
		if !cfg.mdnsEnable {
			return
		}
		port := portOf(srv.Addr())
		cleanupMDNS, err := startMDNS(ctx, cfg, port)
		if err != nil {
			l.Warn("mdns_start_failed", "error", err)
			return
		}
		l.Info("mdns_started", "service", mdnsServiceType, "name", cfg.mdnsName, "port", port)
		go func() { <-ctx.Done(); cleanupMDNS() }()
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		_ = b.connectAtStartup(ctx, cfg, l)
	}()

	// Ready when the API listener is bound and context not cancelled.
	metrics.SetReadinessFunc(func() bool {
		select {
		case <-srv.Ready():
		default:
			return false
		}
		return ctx.Err() == nil
	})
	if cfg.metricsAddr != "" {
		metrics.InitBuildInfo(version, commit, date)
		srvHTTP := metrics.StartHTTP(cfg.metricsAddr)
		defer func() { _ = srvHTTP.Shutdown(context.Background()) }()
	}
	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	select {
	case s := <-sigCh:
		l.Info("shutdown_signal", "signal", s.String())
	case <-ctx.Done():
	}
	cancel()
	sctx, scancel := context.WithTimeout(context.Background(), 5*time.Second)
	if err := srv.Shutdown(sctx); err != nil {
		l.Warn("http_shutdown_error", "error", err)
	}
	scancel()
	queue.Close()
	b.svc.Disconnect()
	b.cleanup()
	wg.Wait()
}
