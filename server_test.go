package aggrd_test

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"sync"
	"testing"
	"time"

	"pkt.systems/aggrd"
	"pkt.systems/aggrd/internal/clock"
	"pkt.systems/aggrd/internal/weather"
	"pkt.systems/aggrd/internal/wire"
)

type protoConn struct {
	conn net.Conn
	br   *bufio.Reader
}

func dialProto(t testing.TB, ts *aggrd.TestServer) *protoConn {
	t.Helper()
	return &protoConn{conn: ts.Dial(t), br: nil}
}

func (pc *protoConn) reader() *bufio.Reader {
	if pc.br == nil {
		pc.br = bufio.NewReader(pc.conn)
	}
	return pc.br
}

func (pc *protoConn) get(t testing.TB, station string, clk uint64) *wire.Response {
	t.Helper()
	line := fmt.Sprintf("GET /weather_data.json?station-id=%s&lamport-clock=%d HTTP/1.1\r\n", station, clk)
	if _, err := pc.conn.Write([]byte(line)); err != nil {
		t.Fatalf("write get: %v", err)
	}
	return pc.read(t)
}

func (pc *protoConn) put(t testing.TB, clk uint64, body string) *wire.Response {
	t.Helper()
	raw := fmt.Sprintf("PUT /weather.json HTTP/1.1\r\nContent-Type: application/json\r\nLamport-Clock: %d\r\nContent-Length: %d\r\n\r\n%s", clk, len(body), body)
	if _, err := pc.conn.Write([]byte(raw)); err != nil {
		t.Fatalf("write put: %v", err)
	}
	return pc.read(t)
}

func (pc *protoConn) read(t testing.TB) *wire.Response {
	t.Helper()
	_ = pc.conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	resp, err := wire.ReadResponse(pc.reader())
	if err != nil {
		t.Fatalf("read response: %v", err)
	}
	return resp
}

func obsBody(station string, temp float64) string {
	return fmt.Sprintf(`{"id":%q,"name":"Adelaide (West Terrace)","air_temp":%.1f}`, station, temp)
}

func TestPutThenGetEndToEnd(t *testing.T) {
	t.Parallel()

	ts := aggrd.StartTestServer(t)
	pc := dialProto(t, ts)

	resp := pc.put(t, 1, obsBody("IDS60901", 13.3))
	if resp.Status != wire.StatusCreated {
		t.Fatalf("first put status = %d, want 201", resp.Status)
	}

	resp = pc.put(t, 2, obsBody("IDS60901", 14.0))
	if resp.Status != wire.StatusOK {
		t.Fatalf("second put status = %d, want 200", resp.Status)
	}

	resp = pc.get(t, "IDS60901", 3)
	if resp.Status != wire.StatusOK {
		t.Fatalf("get status = %d, want 200", resp.Status)
	}
	obs, err := weather.Decode(resp.Body)
	if err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if obs.ID != "IDS60901" || obs.AirTemp != 14.0 {
		t.Fatalf("unexpected observation: %+v", obs)
	}

	resp = pc.get(t, "IDS99999", 4)
	if resp.Status != wire.StatusNotFound {
		t.Fatalf("absent get status = %d, want 404", resp.Status)
	}
	if len(resp.Body) != 0 {
		t.Fatalf("absent get body = %q", resp.Body)
	}
}

func TestResponseClocksMonotonic(t *testing.T) {
	t.Parallel()

	ts := aggrd.StartTestServer(t)
	pc := dialProto(t, ts)

	var last uint64
	for i := 1; i <= 5; i++ {
		resp := pc.put(t, uint64(i), obsBody("IDS60901", float64(i)))
		if resp.Clock <= last {
			t.Fatalf("response clock %d not above previous %d", resp.Clock, last)
		}
		last = resp.Clock
	}
}

func TestBadRequestKeepsConnectionOpen(t *testing.T) {
	t.Parallel()

	ts := aggrd.StartTestServer(t)
	pc := dialProto(t, ts)

	if _, err := pc.conn.Write([]byte("DELETE /weather.json HTTP/1.1\r\n")); err != nil {
		t.Fatalf("write bad request: %v", err)
	}
	if resp := pc.read(t); resp.Status != wire.StatusBadRequest {
		t.Fatalf("bad request status = %d, want 400", resp.Status)
	}

	// Malformed JSON also answers 400 without dropping the connection.
	if resp := pc.put(t, 1, `{"broken`); resp.Status != wire.StatusBadRequest {
		t.Fatalf("broken json status = %d, want 400", resp.Status)
	}
	if resp := pc.put(t, 2, `{"name":"no id"}`); resp.Status != wire.StatusBadRequest {
		t.Fatalf("missing id status = %d, want 400", resp.Status)
	}

	if resp := pc.put(t, 3, obsBody("IDS60901", 13.3)); resp.Status != wire.StatusCreated {
		t.Fatalf("put after bad requests status = %d, want 201", resp.Status)
	}
}

func TestPersistenceAcrossRestart(t *testing.T) {
	t.Parallel()

	stateDir := t.TempDir()

	ts := aggrd.StartTestServer(t, aggrd.WithTestConfigMutator(func(cfg *aggrd.Config) {
		cfg.StateDir = stateDir
	}))
	pc := dialProto(t, ts)
	if resp := pc.put(t, 9, obsBody("IDS60901", 13.3)); resp.Status != wire.StatusCreated {
		t.Fatalf("put status = %d", resp.Status)
	}
	preRestart := ts.Server.LamportValue()
	if err := ts.Stop(context.Background()); err != nil {
		t.Fatalf("stop: %v", err)
	}

	ts2 := aggrd.StartTestServer(t, aggrd.WithTestConfigMutator(func(cfg *aggrd.Config) {
		cfg.StateDir = stateDir
	}))
	if ts2.Server.RecordCount() != 1 {
		t.Fatalf("restored %d records, want 1", ts2.Server.RecordCount())
	}
	if ts2.Server.LamportValue() < preRestart {
		t.Fatalf("lamport after restart = %d, want >= %d", ts2.Server.LamportValue(), preRestart)
	}
	pc2 := dialProto(t, ts2)
	resp := pc2.get(t, "IDS60901", 1)
	if resp.Status != wire.StatusOK {
		t.Fatalf("get after restart status = %d, want 200", resp.Status)
	}
}

func TestExpirySweepRemovesStaleStations(t *testing.T) {
	t.Parallel()

	wall := clock.NewManual(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	ts := aggrd.StartTestServer(t,
		aggrd.WithTestClock(wall),
		aggrd.WithTestConfigMutator(func(cfg *aggrd.Config) {
			cfg.ExpireAfter = 30 * time.Second
			cfg.SweepInterval = 30 * time.Second
		}),
	)
	pc := dialProto(t, ts)
	if resp := pc.put(t, 1, obsBody("IDS60901", 13.3)); resp.Status != wire.StatusCreated {
		t.Fatalf("put status = %d", resp.Status)
	}

	deadline := time.Now().Add(5 * time.Second)
	for ts.Server.RecordCount() != 0 {
		wall.Advance(31 * time.Second)
		if time.Now().After(deadline) {
			t.Fatal("sweeper never removed the stale station")
		}
		time.Sleep(5 * time.Millisecond)
	}

	resp := pc.get(t, "IDS60901", 2)
	if resp.Status != wire.StatusNotFound {
		t.Fatalf("get after expiry status = %d, want 404", resp.Status)
	}
}

func TestConcurrentPutsDistinctStations(t *testing.T) {
	t.Parallel()

	ts := aggrd.StartTestServer(t)
	const n = 16

	var wg sync.WaitGroup
	errs := make(chan error, n)
	wg.Add(n)
	for i := 0; i < n; i++ {
		go func(i int) {
			defer wg.Done()
			conn, err := net.Dial("tcp", ts.Addr().String())
			if err != nil {
				errs <- fmt.Errorf("dial: %w", err)
				return
			}
			defer conn.Close()
			station := fmt.Sprintf("IDS%05d", i)
			body := obsBody(station, float64(i))
			raw := fmt.Sprintf("PUT /weather.json HTTP/1.1\r\nLamport-Clock: %d\r\nContent-Length: %d\r\n\r\n%s", i+1, len(body), body)
			if _, err := conn.Write([]byte(raw)); err != nil {
				errs <- fmt.Errorf("write: %w", err)
				return
			}
			_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
			resp, err := wire.ReadResponse(bufio.NewReader(conn))
			if err != nil {
				errs <- fmt.Errorf("read: %w", err)
				return
			}
			if resp.Status != wire.StatusCreated {
				errs <- fmt.Errorf("station %s status = %d, want 201", station, resp.Status)
			}
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Error(err)
	}

	if got := ts.Server.RecordCount(); got != n {
		t.Fatalf("record count = %d, want %d", got, n)
	}
}
