package aggrd

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"

	"pkt.systems/aggrd/internal/clock"
	"pkt.systems/aggrd/internal/lamport"
	"pkt.systems/aggrd/internal/metrics"
	"pkt.systems/aggrd/internal/persist"
	"pkt.systems/aggrd/internal/queue"
	"pkt.systems/aggrd/internal/store"
	"pkt.systems/pslog"
)

// Server aggregates weather observations over a line-based text protocol,
// ordering writes by Lamport clock and persisting state across restarts.
type Server struct {
	cfg     Config
	logger  pslog.Logger
	clock   clock.Clock
	lclk    *lamport.Clock
	store   *store.Store
	queue   *queue.Queue
	persist *persist.Manager
	metrics *metrics.Set

	listener   net.Listener
	socketPath string
	metricsSrv *metrics.Server

	mu       sync.Mutex
	shutdown bool
	conns    map[net.Conn]struct{}
	connWG   sync.WaitGroup

	stopCh      chan struct{}
	procStarted bool
	procDone    chan struct{}

	sweeperStop chan struct{}
	sweeperDone sync.WaitGroup

	readyOnce sync.Once
	readyCh   chan struct{}
}

// Option configures server instances.
type Option func(*options)

type options struct {
	Logger pslog.Logger
	Clock  clock.Clock
}

// WithLogger supplies a custom logger.
func WithLogger(l pslog.Logger) Option {
	return func(o *options) {
		o.Logger = l
	}
}

// WithClock injects a custom wall clock, used by tests to drive expiry and
// persistence deterministically.
func WithClock(c clock.Clock) Option {
	return func(o *options) {
		o.Clock = c
	}
}

// NewServer constructs an aggrd server according to cfg. It creates the
// state directory, restores any previous snapshot, and resumes the Lamport
// clock from its checkpoint.
// Example:
//
//	cfg := aggrd.Config{Listen: ":4567", StateDir: "/var/lib/aggrd"}
//	srv, err := aggrd.NewServer(cfg)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	go srv.Start()
func NewServer(cfg Config, opts ...Option) (*Server, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	logger := o.Logger
	if logger == nil {
		logger = pslog.NoopLogger()
	}
	if cfg.NodeID == "" {
		cfg.NodeID = uuid.NewString()
	}
	logger = logger.With("node", cfg.NodeID)

	wall := o.Clock
	if wall == nil {
		wall = clock.Real{}
	}

	if err := os.MkdirAll(cfg.StateDir, 0o755); err != nil {
		return nil, fmt.Errorf("create state dir %s: %w", cfg.StateDir, err)
	}

	checkpoint, err := lamport.NewFileCheckpoint(cfg.ClockPath())
	if err != nil {
		return nil, err
	}
	lclk, err := lamport.New(checkpoint, logger)
	if err != nil {
		return nil, err
	}

	st := store.New(wall)
	q := queue.New(logger)
	set := metrics.NewSet(q.Len, st.Len)

	mgr, err := persist.NewManager(persist.Config{
		Path:     cfg.SnapshotPath(),
		Interval: cfg.PersistInterval,
		Store:    st,
		Lamport:  lclk,
		Wall:     wall,
		Logger:   logger,
		OnSave:   set.ObserveSnapshot,
	})
	if err != nil {
		return nil, err
	}
	if err := mgr.Load(); err != nil {
		return nil, err
	}

	return &Server{
		cfg:      cfg,
		logger:   logger.With("svc", "server"),
		clock:    wall,
		lclk:     lclk,
		store:    st,
		queue:    q,
		persist:  mgr,
		metrics:  set,
		conns:    make(map[net.Conn]struct{}),
		stopCh:   make(chan struct{}),
		procDone: make(chan struct{}),
		readyCh:  make(chan struct{}),
	}, nil
}

// Start begins serving requests and blocks until the server stops.
func (s *Server) Start() error {
	if s.cfg.ListenProto == "unix" {
		if err := os.Remove(s.cfg.Listen); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("remove stale unix socket: %w", err)
		}
	}
	ln, err := net.Listen(s.cfg.ListenProto, s.cfg.Listen)
	if err != nil {
		return fmt.Errorf("listen (%s %s): %w", s.cfg.ListenProto, s.cfg.Listen, err)
	}
	s.listener = ln
	if s.cfg.ListenProto == "unix" {
		s.socketPath = s.cfg.Listen
	}

	if s.cfg.MetricsListen != "" {
		s.metricsSrv, err = metrics.Serve(s.cfg.MetricsListen, s.metrics, s.logger)
		if err != nil {
			_ = ln.Close()
			return err
		}
	}

	s.mu.Lock()
	s.procStarted = true
	s.mu.Unlock()
	go func() {
		defer close(s.procDone)
		queue.NewProcessor(s.queue, s.store, s.logger).Run(context.Background())
	}()
	s.persist.Start()
	s.startSweeper()
	defer s.stopSweeper()

	s.signalReady()
	s.logger.Info("listening",
		"network", s.cfg.ListenProto,
		"address", ln.Addr().String(),
		"records", s.store.Len(),
		"lamport", s.lclk.Value(),
	)

	for {
		conn, err := ln.Accept()
		if err != nil {
			if s.isShutdown() {
				return nil
			}
			return fmt.Errorf("accept: %w", err)
		}
		if !s.trackConn(conn) {
			_ = conn.Close()
			return nil
		}
		go s.handleConn(conn)
	}
}

// Shutdown gracefully stops the server: no new connections, existing ones
// drained up to ctx, queue closed, and a final snapshot written when dirty.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	if s.shutdown {
		s.mu.Unlock()
		return nil
	}
	s.shutdown = true
	s.mu.Unlock()

	close(s.stopCh)
	if l := s.listener; l != nil {
		_ = l.Close()
	}

	drained := make(chan struct{})
	go func() {
		s.connWG.Wait()
		close(drained)
	}()
	select {
	case <-drained:
	case <-ctx.Done():
		s.closeConns()
		<-drained
	}

	s.queue.Close()
	s.mu.Lock()
	procStarted := s.procStarted
	s.mu.Unlock()
	if procStarted {
		<-s.procDone
	}
	s.stopSweeper()

	var errs []error
	if err := s.persist.Close(); err != nil {
		errs = append(errs, err)
	}
	if s.metricsSrv != nil {
		if err := s.metricsSrv.Shutdown(ctx); err != nil {
			errs = append(errs, err)
		}
		s.metricsSrv = nil
	}
	if s.cfg.ListenProto == "unix" && s.socketPath != "" {
		if err := os.Remove(s.socketPath); err != nil && !errors.Is(err, os.ErrNotExist) {
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	s.logger.Info("shutdown complete")
	return nil
}

// Close gracefully shuts the server down using a background context.
func (s *Server) Close() error {
	return s.Shutdown(context.Background())
}

func (s *Server) signalReady() {
	s.readyOnce.Do(func() {
		close(s.readyCh)
	})
}

// WaitUntilReady blocks until the server listener is initialized or context
// ends.
func (s *Server) WaitUntilReady(ctx context.Context) error {
	select {
	case <-s.readyCh:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ListenerAddr returns the bound listener address once available.
func (s *Server) ListenerAddr() net.Addr {
	if l := s.listener; l != nil {
		return l.Addr()
	}
	return nil
}

// LamportValue exposes the server's logical clock for diagnostics.
func (s *Server) LamportValue() uint64 {
	return s.lclk.Value()
}

// RecordCount reports the number of stations currently stored.
func (s *Server) RecordCount() int {
	return s.store.Len()
}

func (s *Server) isShutdown() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.shutdown
}

func (s *Server) trackConn(conn net.Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.shutdown {
		return false
	}
	s.conns[conn] = struct{}{}
	s.connWG.Add(1)
	s.metrics.ConnOpened()
	return true
}

func (s *Server) untrackConn(conn net.Conn) {
	s.mu.Lock()
	delete(s.conns, conn)
	s.mu.Unlock()
	s.metrics.ConnClosed()
	s.connWG.Done()
}

func (s *Server) closeConns() {
	s.mu.Lock()
	for conn := range s.conns {
		_ = conn.Close()
	}
	s.mu.Unlock()
}

func (s *Server) startSweeper() {
	if s.cfg.SweepInterval <= 0 {
		return
	}
	s.mu.Lock()
	if s.sweeperStop != nil {
		s.mu.Unlock()
		return
	}
	s.sweeperStop = make(chan struct{})
	s.sweeperDone.Add(1)
	stopCh := s.sweeperStop
	interval := s.cfg.SweepInterval
	s.mu.Unlock()
	go func() {
		defer s.sweeperDone.Done()
		for {
			select {
			case <-stopCh:
				return
			case <-s.clock.After(interval):
				s.sweepExpired()
			}
		}
	}()
}

func (s *Server) stopSweeper() {
	s.mu.Lock()
	stopCh := s.sweeperStop
	if stopCh != nil {
		close(stopCh)
		s.sweeperStop = nil
	}
	s.mu.Unlock()
	if stopCh != nil {
		s.sweeperDone.Wait()
	}
}

func (s *Server) sweepExpired() {
	removed := s.store.SweepExpired(s.cfg.ExpireAfter)
	if len(removed) == 0 {
		return
	}
	s.metrics.ObserveExpired(len(removed))
	for _, station := range removed {
		s.logger.Info("sweeper.expired", "station", station, "ttl", s.cfg.ExpireAfter)
	}
}

// StartServer starts an aggrd server in a background goroutine and waits
// until it is ready to accept connections. It returns the running server
// alongside a stop function that gracefully shuts it down.
func StartServer(ctx context.Context, cfg Config, opts ...Option) (*Server, func(context.Context) error, error) {
	srv, err := NewServer(cfg, opts...)
	if err != nil {
		return nil, nil, err
	}
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()
	waitCtx := ctx
	if waitCtx == nil {
		waitCtx = context.Background()
	}
	if err := srv.WaitUntilReady(waitCtx); err != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		<-errCh
		return nil, nil, err
	}
	var (
		stopOnce sync.Once
		stopErr  error
	)
	stop := func(shutdownCtx context.Context) error {
		stopOnce.Do(func() {
			if shutdownCtx == nil {
				shutdownCtx = context.Background()
			}
			if err := srv.Shutdown(shutdownCtx); err != nil {
				stopErr = err
				return
			}
			if err := <-errCh; err != nil {
				stopErr = err
			}
		})
		return stopErr
	}
	if ctx != nil {
		go func() {
			<-ctx.Done()
			_ = stop(context.Background())
		}()
	}
	return srv, stop, nil
}
