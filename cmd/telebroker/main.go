package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/shigarus/telebroker/internal/dispatch"
	"github.com/shigarus/telebroker/internal/metrics"
	"github.com/shigarus/telebroker/internal/server"
)

// Helper implementations live in dedicated files: version.go, config.go,
// logger.go, hub_init.go, metrics_logger.go, mdns.go, link_serial.go.

func main() {
	cfg, showVersion := parseFlags()
	if showVersion {
		fmt.Printf("telebroker %s (commit %s, built %s)\n", version, commit, date)
		return
	}
	if cfg == nil {
		os.Exit(2)
	}
	l := setupLogger(cfg.logFormat, cfg.logLevel, cfg.debug)
	h := initHub(cfg, l)
	d := dispatch.New(h, dispatch.WithLogger(l))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	var wg sync.WaitGroup
	startMetricsLogger(ctx, cfg.logMetricsEvery, l, &wg)

	sourcesSrv := server.NewAcceptor(
		server.WithName("sources"),
		server.WithListenAddr(cfg.sourcesAddr),
		server.WithHandler(server.SourceLoop(d)),
		server.WithLogger(l),
	)
	listenersSrv := server.NewAcceptor(
		server.WithName("listeners"),
		server.WithListenAddr(cfg.listenersAddr),
		server.WithHandler(server.ListenerLoop(d)),
		server.WithLogger(l),
		server.WithAcceptGate(func() bool {
			return cfg.maxListeners <= 0 || h.Count() < cfg.maxListeners
		}),
	)
	for _, srv := range []*server.Acceptor{sourcesSrv, listenersSrv} {
		go func(srv *server.Acceptor) {
			if err := srv.Serve(ctx); err != nil {
				l.Error("tcp_server_error", "error", err)
				cancel()
			}
		}(srv)
	}

	cleanupSerial, serr := initSerialLink(ctx, cfg, d, l, &wg)
	if serr != nil {
		l.Error("serial_link_error", "error", serr)
		return
	}

	// Start mDNS advertisement once the listeners acceptor is ready.
	go func() {
		if !cfg.mdnsEnable {
			return
		}
		select {
		case <-listenersSrv.Ready():
		case <-ctx.Done():
			return
		}
		// Extract port from bound address (host:port or :port)
		addr := listenersSrv.Addr()
		var portNum int
		if _, p, err := net.SplitHostPort(addr); err == nil {
			if pn, perr := strconv.Atoi(p); perr == nil {
				portNum = pn
			}
		}
		if portNum == 0 { // fallback attempt if format unexpected
			lastColon := strings.LastIndex(addr, ":")
			if lastColon >= 0 {
				if pn, perr := strconv.Atoi(addr[lastColon+1:]); perr == nil {
					portNum = pn
				}
			}
		}
		cleanupMDNS, err := startMDNS(ctx, cfg, portNum)
		if err != nil {
			l.Warn("mdns_start_failed", "error", err)
			return
		}
		l.Info("mdns_started", "service", mdnsServiceType, "name", cfg.mdnsName, "port", portNum)
		go func() { <-ctx.Done(); cleanupMDNS() }()
	}()

	// Ready when both acceptors are bound and context not cancelled.
	metrics.SetReadinessFunc(func() bool {
		for _, srv := range []*server.Acceptor{sourcesSrv, listenersSrv} {
			select {
			case <-srv.Ready():
			default:
				return false
			}
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
	s := <-sigCh
	l.Info("shutdown_signal", "signal", s.String())
	cancel()
	shCtx, shCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shCancel()
	if err := sourcesSrv.Shutdown(shCtx); err != nil {
		l.Warn("shutdown_error", "acceptor", "sources", "error", err)
	}
	if err := listenersSrv.Shutdown(shCtx); err != nil {
		l.Warn("shutdown_error", "acceptor", "listeners", "error", err)
	}
	cleanupSerial()
	wg.Wait()
}
