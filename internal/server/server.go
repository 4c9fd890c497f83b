package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shigarus/telebroker/internal/logging"
	"github.com/shigarus/telebroker/internal/metrics"
)

// Handler runs the per-connection loop for one accepted connection and
// returns when the connection is finished. The acceptor closes conn after the
// handler returns.
type Handler func(ctx context.Context, conn net.Conn, logger *slog.Logger)

// Acceptor owns one TCP listener and drives per-connection goroutines. The
// broker runs two: one for sources, one for listeners; they differ only in
// handler and accept gate.
type Acceptor struct {
	mu     sync.RWMutex
	addr   string
	name   string
	handle Handler
	gate   func() bool

	readyOnce sync.Once
	readyCh   chan struct{}
	lastErrMu sync.Mutex
	lastErr   error
	errCh     chan error
	listener  net.Listener

	connsMu sync.Mutex
	conns   map[net.Conn]struct{}

	wg         sync.WaitGroup
	logger     *slog.Logger
	nextConnID uint64

	totalAccepted     atomic.Uint64
	totalRejected     atomic.Uint64
	totalConnected    atomic.Uint64
	totalDisconnected atomic.Uint64
}

type AcceptorOption func(*Acceptor)

func NewAcceptor(opts ...AcceptorOption) *Acceptor {
	a := &Acceptor{
		readyCh: make(chan struct{}),
		errCh:   make(chan error, 1),
		conns:   make(map[net.Conn]struct{}),
		logger:  logging.L(),
		name:    "tcp",
	}
	for _, o := range opts {
		o(a)
	}
	if a.addr == "" {
		a.addr = ":0"
	}
	return a
}

func WithListenAddr(addr string) AcceptorOption { return func(a *Acceptor) { a.addr = addr } }
func WithName(name string) AcceptorOption       { return func(a *Acceptor) { a.name = name } }
func WithHandler(h Handler) AcceptorOption      { return func(a *Acceptor) { a.handle = h } }

// WithAcceptGate installs a predicate consulted per accept; a false return
// closes the connection immediately (e.g., max-listeners reached).
func WithAcceptGate(gate func() bool) AcceptorOption { return func(a *Acceptor) { a.gate = gate } }

func WithLogger(l *slog.Logger) AcceptorOption {
	return func(a *Acceptor) {
		if l != nil {
			a.logger = l
		}
	}
}

func (a *Acceptor) Addr() string           { a.mu.RLock(); defer a.mu.RUnlock(); return a.addr }
func (a *Acceptor) setAddr(addr string)    { a.mu.Lock(); a.addr = addr; a.mu.Unlock() }
func (a *Acceptor) SetListenAddr(s string) { a.setAddr(s) }
func (a *Acceptor) Ready() <-chan struct{} { return a.readyCh }
func (a *Acceptor) Errors() <-chan error   { return a.errCh }

func (a *Acceptor) setError(err error) {
	if err == nil {
		return
	}
	a.lastErrMu.Lock()
	a.lastErr = err
	a.lastErrMu.Unlock()
	select {
	case a.errCh <- err:
	default:
	}
}

func (a *Acceptor) LastError() error {
	a.lastErrMu.Lock()
	defer a.lastErrMu.Unlock()
	return a.lastErr
}

// Serve binds the listener and accepts connections until ctx is cancelled.
func (a *Acceptor) Serve(ctx context.Context) error {
	a.mu.Lock()
	addr := a.addr
	if addr == "" {
		addr = ":0"
	}
	a.mu.Unlock()
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		wrap := fmt.Errorf("%w: %v", ErrListen, err)
		metrics.IncError(mapErrToMetric(wrap))
		a.setError(wrap)
		return wrap
	}
	a.setAddr(ln.Addr().String())
	a.mu.Lock()
	a.listener = ln
	a.mu.Unlock()
	a.readyOnce.Do(func() { close(a.readyCh) })
	a.logger.Info("tcp_listen", "acceptor", a.name, "addr", a.Addr())
	go func() { <-ctx.Done(); _ = ln.Close() }()
	for {
		if err := a.acceptOnce(ctx, ln); err != nil {
			if errors.Is(err, context.Canceled) || ctx.Err() != nil {
				return nil
			}
			return err
		}
	}
}

// acceptOnce accepts a single connection, applies the gate, and spawns the
// handler goroutine. Returns nil on success; a wrapped error on fatal
// listener errors.
func (a *Acceptor) acceptOnce(ctx context.Context, ln net.Listener) error {
	conn, err := ln.Accept()
	if err != nil {
		select {
		case <-ctx.Done():
			return context.Canceled
		default:
		}
		if _, ok := err.(net.Error); ok { // transient
			time.Sleep(200 * time.Millisecond)
			return nil
		}
		wrap := fmt.Errorf("%w: %v", ErrAccept, err)
		metrics.IncError(mapErrToMetric(wrap))
		a.setError(wrap)
		return wrap
	}
	a.totalAccepted.Add(1)
	connID := atomic.AddUint64(&a.nextConnID, 1)
	connLogger := a.logger.With("acceptor", a.name, "conn_id", connID, "remote", conn.RemoteAddr().String())
	if tcp, ok := conn.(*net.TCPConn); ok {
		_ = tcp.SetNoDelay(true)
		_ = tcp.SetKeepAlive(true)
		_ = tcp.SetKeepAlivePeriod(30 * time.Second)
	}
	if a.gate != nil && !a.gate() {
		a.totalRejected.Add(1)
		metrics.IncHubReject()
		connLogger.Warn("connection_rejected")
		_ = conn.Close()
		return nil
	}
	a.track(conn)
	a.totalConnected.Add(1)
	connLogger.Info("client_connected")
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		defer func() {
			a.untrack(conn)
			_ = conn.Close()
			a.totalDisconnected.Add(1)
			connLogger.Info("client_disconnected")
		}()
		a.handle(ctx, conn, connLogger)
	}()
	return nil
}

func (a *Acceptor) track(conn net.Conn) {
	a.connsMu.Lock()
	a.conns[conn] = struct{}{}
	a.connsMu.Unlock()
}

func (a *Acceptor) untrack(conn net.Conn) {
	a.connsMu.Lock()
	delete(a.conns, conn)
	a.connsMu.Unlock()
}

// Shutdown gracefully closes the listener and all live connections, then
// waits for handler goroutines to drain or ctx to expire.
func (a *Acceptor) Shutdown(ctx context.Context) error {
	a.mu.Lock()
	ln := a.listener
	a.listener = nil
	a.mu.Unlock()
	if ln != nil {
		_ = ln.Close()
	}
	a.connsMu.Lock()
	for conn := range a.conns {
		_ = conn.Close()
	}
	a.connsMu.Unlock()
	done := make(chan struct{})
	go func() { a.wg.Wait(); close(done) }()
	select {
	case <-ctx.Done():
		return fmt.Errorf("%w: shutdown timeout: %v", ErrContext, ctx.Err())
	case <-done:
		a.logger.Info("shutdown_summary", "acceptor", a.name,
			"accepted", a.totalAccepted.Load(),
			"rejected", a.totalRejected.Load(),
			"connected", a.totalConnected.Load(),
			"disconnected", a.totalDisconnected.Load())
		return nil
	}
}
