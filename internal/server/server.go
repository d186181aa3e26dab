// Package server wires the reactor primitives together into a running
// LightVoice instance: an acceptor on a base loop hands off every new
// connection to a worker loop from a pool, and a connection's decoded
// control-plane packets drive the room registry.
package server

import (
	"fmt"
	"log/slog"
	"net"
	"sync/atomic"
	"time"

	"github.com/flowpbx/lightvoice/internal/conn"
	"github.com/flowpbx/lightvoice/internal/history"
	"github.com/flowpbx/lightvoice/internal/identity"
	"github.com/flowpbx/lightvoice/internal/reactor"
	"github.com/flowpbx/lightvoice/internal/room"
	"golang.org/x/time/rate"
)

// Server owns the base loop, its worker pool, the listening acceptor,
// and the process-wide room registry. It never touches storage or
// HTTP directly: those are separate collaborators wired in by
// cmd/lightvoice.
type Server struct {
	logger *slog.Logger

	baseLoop *reactor.EventLoop
	pool     *reactor.LoopPool
	acceptor *reactor.Acceptor

	registry  *room.Registry
	minter    *identity.Minter
	historyDB *history.DB // nil disables session history recording

	connCfg conn.Config
	connSeq atomic.Int64
}

// Config bundles the tunables Server needs beyond its collaborators.
type Config struct {
	ListenPort   int
	LoopPoolSize int
	RateLimitHz  float64
	RateBurst    int
}

// New constructs a Server bound to cfg.ListenPort, with numLoops worker
// loops distributing accepted connections round-robin. registry and
// minter are required; historyDB may be nil to disable session
// history recording.
func New(cfg Config, registry *room.Registry, minter *identity.Minter, historyDB *history.DB, logger *slog.Logger) (*Server, error) {
	baseLoop, err := reactor.New(logger)
	if err != nil {
		return nil, fmt.Errorf("server: creating base loop: %w", err)
	}

	pool, err := reactor.NewLoopPool(baseLoop, logger, cfg.LoopPoolSize)
	if err != nil {
		baseLoop.Close()
		return nil, fmt.Errorf("server: creating loop pool: %w", err)
	}

	addr := &net.TCPAddr{IP: net.IPv6zero, Port: cfg.ListenPort}
	acceptor, err := reactor.NewAcceptor(baseLoop, addr, logger)
	if err != nil {
		pool.Close()
		baseLoop.Close()
		return nil, fmt.Errorf("server: creating acceptor: %w", err)
	}

	s := &Server{
		logger:    logger,
		baseLoop:  baseLoop,
		pool:      pool,
		acceptor:  acceptor,
		registry:  registry,
		minter:    minter,
		historyDB: historyDB,
		connCfg: conn.Config{
			RateLimit: rate.Limit(cfg.RateLimitHz),
			RateBurst: cfg.RateBurst,
		},
	}
	acceptor.NewConnectionCallback = s.onNewConnection
	return s, nil
}

// Start launches the base loop and every pool worker, then begins
// accepting connections. Returns once the accept loop is live.
func (s *Server) Start() {
	go s.baseLoop.Loop()
	time.Sleep(10 * time.Millisecond)

	s.pool.Start()
	s.baseLoop.RunInLoop(s.acceptor.Listen)

	if s.logger != nil {
		s.logger.Info("server listening", "workers", s.pool.Size())
	}
}

// Addr returns the bound address of the listening socket. Useful in
// tests that request an ephemeral port (port 0 in Config.ListenPort).
func (s *Server) Addr() (net.Addr, error) {
	return s.acceptor.Addr()
}

// Stop quits every worker loop and the base loop, and closes the
// listening socket. It does not wait for in-flight connections to
// drain; callers wanting a grace period should stop accepting new
// work first and sleep before calling Stop.
func (s *Server) Stop() {
	s.baseLoop.RunInLoop(func() {
		if err := s.acceptor.Close(); err != nil && s.logger != nil {
			s.logger.Warn("closing acceptor", "error", err)
		}
	})
	s.pool.Stop()
	s.baseLoop.Quit()
}

// Close releases every loop's kernel descriptors. Call once every
// Loop goroutine (base and pool workers) has returned after Stop.
func (s *Server) Close() error {
	err := s.pool.Close()
	if baseErr := s.baseLoop.Close(); err == nil {
		err = baseErr
	}
	return err
}

// onNewConnection assigns fd to the next worker loop and constructs a
// Connection there. Runs on the base (accept) loop.
func (s *Server) onNewConnection(fd int, peer net.Addr) {
	loop := s.pool.NextLoop()
	id := s.connSeq.Add(1)
	name := fmt.Sprintf("conn-%d", id)

	loop.RunInLoop(func() {
		c := conn.New(loop, name, fd, peer, nil, s.connCfg, s.logger)
		sess := &session{}
		c.Context = sess
		c.StateCallback = s.onConnState
		c.MessageCallback = s.onMessage
		c.Start()
	})
}
