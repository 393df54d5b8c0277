package aggrd

import (
	"bytes"
	"context"
	"fmt"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"pkt.systems/aggrd/internal/clock"
	"pkt.systems/pslog"
)

// TestServer wraps a running aggrd.Server with convenient handles for tests.
type TestServer struct {
	Server *Server
	Config Config

	stop func(context.Context) error
}

type testingWriter struct {
	t  testing.TB
	mu sync.Mutex
	// closed guards against writes after the associated test has finished.
	closed bool
}

func (w *testingWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return len(p), nil
	}
	lines := bytes.Split(p, []byte{'\n'})
	for _, line := range lines {
		if len(line) == 0 {
			continue
		}
		w.t.Helper()
		func(entry string) {
			defer func() {
				if r := recover(); r != nil {
					msg := fmt.Sprint(r)
					if strings.Contains(msg, "Log in goroutine after") {
						return
					}
					if strings.Contains(msg, "Log in goroutine during concurrent Cleanups") {
						return
					}
					panic(r)
				}
			}()
			w.t.Log(entry)
		}(string(line))
	}
	w.mu.Unlock()
	return len(p), nil
}

func (w *testingWriter) close() {
	w.mu.Lock()
	w.closed = true
	w.mu.Unlock()
}

// NewTestingLogger creates a pslog logger that writes through testing.TB.
func NewTestingLogger(t testing.TB, level pslog.Level) pslog.Logger {
	writer := &testingWriter{t: t}
	t.Cleanup(writer.close)
	return pslog.NewWithOptions(writer, pslog.Options{
		Mode:             pslog.ModeStructured,
		DisableTimestamp: true,
		NoColor:          true,
		MinLevel:         level,
	}).With("app", "testserver")
}

// Stop shuts down the server using the provided context.
func (ts *TestServer) Stop(ctx context.Context) error {
	if ts == nil || ts.stop == nil {
		return nil
	}
	return ts.stop(ctx)
}

// Addr returns the listener address the server is bound to.
func (ts *TestServer) Addr() net.Addr {
	if ts == nil || ts.Server == nil {
		return nil
	}
	return ts.Server.ListenerAddr()
}

// Dial opens a new client connection to the test server.
func (ts *TestServer) Dial(t testing.TB) net.Conn {
	t.Helper()
	conn, err := net.Dial("tcp", ts.Addr().String())
	if err != nil {
		t.Fatalf("dial test server: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

type testServerOptions struct {
	cfg      Config
	cfgSet   bool
	mutators []func(*Config)
	clock    clock.Clock
	logLevel pslog.Level
}

// TestServerOption customises StartTestServer behaviour.
type TestServerOption func(*testServerOptions)

// WithTestConfig provides an explicit Config. Missing fields are defaulted
// during validation.
func WithTestConfig(cfg Config) TestServerOption {
	return func(o *testServerOptions) {
		o.cfg = cfg
		o.cfgSet = true
	}
}

// WithTestConfigMutator adjusts the config after defaults are applied.
func WithTestConfigMutator(fn func(*Config)) TestServerOption {
	return func(o *testServerOptions) {
		o.mutators = append(o.mutators, fn)
	}
}

// WithTestClock injects a wall clock, typically clock.NewManual.
func WithTestClock(c clock.Clock) TestServerOption {
	return func(o *testServerOptions) {
		o.clock = c
	}
}

// WithTestLogLevel sets the minimum level for the test logger.
func WithTestLogLevel(level pslog.Level) TestServerOption {
	return func(o *testServerOptions) {
		o.logLevel = level
	}
}

// StartTestServer boots a server on a loopback port with state in a
// temporary directory, registering cleanup with t.
func StartTestServer(t testing.TB, opts ...TestServerOption) *TestServer {
	t.Helper()
	o := testServerOptions{logLevel: pslog.DebugLevel}
	for _, opt := range opts {
		opt(&o)
	}
	cfg := o.cfg
	if !o.cfgSet {
		cfg = Config{}
	}
	if cfg.Listen == "" {
		cfg.Listen = "127.0.0.1:0"
	}
	if cfg.StateDir == "" {
		cfg.StateDir = t.TempDir()
	}
	for _, mutate := range o.mutators {
		mutate(&cfg)
	}

	serverOpts := []Option{WithLogger(NewTestingLogger(t, o.logLevel))}
	if o.clock != nil {
		serverOpts = append(serverOpts, WithClock(o.clock))
	}

	srv, stop, err := StartServer(context.Background(), cfg, serverOpts...)
	if err != nil {
		t.Fatalf("start test server: %v", err)
	}
	ts := &TestServer{Server: srv, Config: cfg, stop: stop}
	t.Cleanup(func() {
		stopCtx, stopCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer stopCancel()
		if err := ts.Stop(stopCtx); err != nil {
			t.Logf("test server stop: %v", err)
		}
	})
	return ts
}
