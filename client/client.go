// Package client provides GET/PUT access to an aggrd server. Each client
// maintains its own Lamport clock, ticking before every send and witnessing
// every response, so causal order holds across independent clients.
package client

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"pkt.systems/aggrd/internal/lamport"
	"pkt.systems/aggrd/internal/loggingutil"
	"pkt.systems/aggrd/internal/weather"
	"pkt.systems/aggrd/internal/wire"
	"pkt.systems/pslog"
)

// ErrNotFound is returned by Get when the station has no current record.
var ErrNotFound = errors.New("client: station not found")

// DefaultTimeout bounds a single request round trip.
const DefaultTimeout = 30 * time.Second

// DefaultPutAttempts is how many times Put retries a failed upload.
const DefaultPutAttempts = 3

// Client talks the aggrd wire protocol. A client is safe for concurrent use;
// every request opens its own connection.
type Client struct {
	addr     string
	network  string
	timeout  time.Duration
	attempts int
	logger   pslog.Logger
	lclk     *lamport.Clock
}

// Option configures a Client.
type Option func(*Client)

// WithLogger supplies a custom logger.
func WithLogger(l pslog.Logger) Option {
	return func(c *Client) {
		c.logger = l
	}
}

// WithNetwork overrides the dial network (default "tcp").
func WithNetwork(network string) Option {
	return func(c *Client) {
		if network != "" {
			c.network = network
		}
	}
}

// WithTimeout bounds each request round trip.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.timeout = d
		}
	}
}

// WithPutAttempts sets how many times Put retries before giving up.
func WithPutAttempts(n int) Option {
	return func(c *Client) {
		if n > 0 {
			c.attempts = n
		}
	}
}

// WithClockCheckpoint persists the client's Lamport clock at path so it
// survives restarts. Without it the clock starts at zero.
func WithClockCheckpoint(path string) Option {
	return func(c *Client) {
		cp, err := lamport.NewFileCheckpoint(path)
		if err != nil {
			c.logger.Warn("client.clock.checkpoint_error", "path", path, "error", err)
			return
		}
		if lclk, err := lamport.New(cp, c.logger); err == nil {
			c.lclk = lclk
		}
	}
}

// New builds a client for the server at addr (host:port).
func New(addr string, opts ...Option) (*Client, error) {
	if addr == "" {
		return nil, errors.New("client: address required")
	}
	c := &Client{
		addr:     addr,
		network:  "tcp",
		timeout:  DefaultTimeout,
		attempts: DefaultPutAttempts,
		logger:   pslog.NoopLogger(),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = loggingutil.WithSubsystem(loggingutil.EnsureLogger(c.logger), "client")
	if c.lclk == nil {
		lclk, err := lamport.New(&lamport.MemCheckpoint{}, c.logger)
		if err != nil {
			return nil, err
		}
		c.lclk = lclk
	}
	return c, nil
}

// Clock returns the client's current Lamport value.
func (c *Client) Clock() uint64 {
	return c.lclk.Value()
}

// Get fetches the latest observation for station. ErrNotFound reports an
// absent or expired record.
func (c *Client) Get(ctx context.Context, station string) (weather.Observation, error) {
	if station == "" {
		return weather.Observation{}, errors.New("client: station required")
	}
	clk := c.lclk.Tick()
	req := fmt.Sprintf("GET %s?station-id=%s&lamport-clock=%d HTTP/1.1\r\n", wire.GetPath, station, clk)
	resp, err := c.roundTrip(ctx, []byte(req))
	if err != nil {
		return weather.Observation{}, err
	}
	switch resp.Status {
	case wire.StatusOK:
		obs, err := weather.Decode(resp.Body)
		if err != nil {
			return weather.Observation{}, fmt.Errorf("client: decode response: %w", err)
		}
		return obs, nil
	case wire.StatusNotFound:
		return weather.Observation{}, ErrNotFound
	default:
		return weather.Observation{}, fmt.Errorf("client: get %s: unexpected status %d %s", station, resp.Status, wire.ReasonPhrase(resp.Status))
	}
}

// Put uploads an observation, retrying transient failures. It reports
// whether the server created the station (201) rather than refreshing it.
func (c *Client) Put(ctx context.Context, obs weather.Observation) (created bool, err error) {
	if obs.ID == "" {
		return false, weather.ErrMissingID
	}
	body, err := obs.Encode()
	if err != nil {
		return false, err
	}

	var lastErr error
	for attempt := 1; attempt <= c.attempts; attempt++ {
		clk := c.lclk.Tick()
		req := fmt.Sprintf("PUT %s HTTP/1.1\r\n%s: %s\r\n%s: %d\r\n%s: %d\r\n\r\n",
			wire.PutPath,
			wire.HeaderContentType, wire.ContentTypeJSON,
			wire.HeaderLamportClock, clk,
			wire.HeaderContentLength, len(body),
		)
		resp, err := c.roundTrip(ctx, append([]byte(req), body...))
		if err != nil {
			lastErr = err
			c.logger.Warn("client.put.retry", "station", obs.ID, "attempt", attempt, "error", err)
			continue
		}
		switch resp.Status {
		case wire.StatusCreated:
			return true, nil
		case wire.StatusOK:
			return false, nil
		case wire.StatusRequestTimeout:
			lastErr = fmt.Errorf("client: put %s: server timed out", obs.ID)
			c.logger.Warn("client.put.retry", "station", obs.ID, "attempt", attempt, "error", lastErr)
			continue
		default:
			return false, fmt.Errorf("client: put %s: unexpected status %d %s", obs.ID, resp.Status, wire.ReasonPhrase(resp.Status))
		}
	}
	return false, fmt.Errorf("client: put %s failed after %d attempts: %w", obs.ID, c.attempts, lastErr)
}

func (c *Client) roundTrip(ctx context.Context, payload []byte) (*wire.Response, error) {
	dialer := net.Dialer{Timeout: c.timeout}
	conn, err := dialer.DialContext(ctx, c.network, c.addr)
	if err != nil {
		return nil, fmt.Errorf("client: dial %s: %w", c.addr, err)
	}
	defer conn.Close()

	deadline := time.Now().Add(c.timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	_ = conn.SetDeadline(deadline)

	if _, err := conn.Write(payload); err != nil {
		return nil, fmt.Errorf("client: write request: %w", err)
	}
	resp, err := wire.ReadResponse(bufio.NewReader(conn))
	if err != nil {
		return nil, fmt.Errorf("client: read response: %w", err)
	}
	// Receive rule: local = max(local, received) + 1.
	c.lclk.Witness(resp.Clock)
	return resp, nil
}
