package aggrd

import (
	"errors"
	"io"
	"net"

	"github.com/dustin/go-humanize"
	"github.com/rs/xid"

	"pkt.systems/aggrd/internal/queue"
	"pkt.systems/aggrd/internal/weather"
	"pkt.systems/aggrd/internal/wire"
	"pkt.systems/pslog"
)

// handleConn runs the per-connection request loop. Protocol violations are
// answered with 400 and the connection stays open; I/O errors tear it down.
func (s *Server) handleConn(conn net.Conn) {
	defer s.untrackConn(conn)
	defer conn.Close()

	logger := s.logger.With("conn", xid.New().String(), "remote", conn.RemoteAddr().String())
	logger.Debug("conn.accepted")

	r := wire.NewReader(conn, s.cfg.MaxPayloadBytes)
	for {
		req, err := r.Next()
		if err != nil {
			switch {
			case errors.Is(err, io.EOF):
				logger.Debug("conn.closed")
				return
			case errors.Is(err, wire.ErrBadRequest):
				logger.Debug("conn.bad_request", "error", err)
				if !s.respond(conn, logger, "INVALID", wire.StatusBadRequest, nil) {
					return
				}
				continue
			default:
				if !s.isShutdown() {
					logger.Warn("conn.read_error", "error", err)
				}
				return
			}
		}

		// Receive rule: local = max(local, received) + 1.
		s.lclk.Witness(req.Clock)

		var qreq *queue.Request
		switch req.Op {
		case wire.OpGet:
			qreq = queue.NewRequest(wire.OpGet, req.Station, req.Clock)
		case wire.OpPut:
			obs, err := weather.Decode(req.Payload)
			if err != nil {
				logger.Debug("conn.put.decode_error", "error", err)
				if !s.respond(conn, logger, string(wire.OpPut), wire.StatusBadRequest, nil) {
					return
				}
				continue
			}
			qreq = queue.NewRequest(wire.OpPut, obs.ID, req.Clock)
			qreq.Observation = obs
			// Sampled here, before the request is queued: a concurrent
			// first PUT for the same station may also see absent and both
			// answer 201.
			_, exists := s.store.Get(obs.ID)
			qreq.WasNew = !exists
			logger.Debug("conn.put.accepted",
				"station", obs.ID,
				"clock", req.Clock,
				"size", humanize.Bytes(uint64(len(req.Payload))),
			)
		}

		if err := s.queue.Push(qreq); err != nil {
			s.respond(conn, logger, string(req.Op), wire.StatusInternalError, nil)
			return
		}

		select {
		case res := <-qreq.Done():
			if !s.respond(conn, logger, string(req.Op), res.Status, res.Body) {
				return
			}
		case <-s.clock.After(s.cfg.RequestTimeout):
			// The request stays queued; Resolve is single-assignment so the
			// processor's late completion is discarded.
			logger.Warn("conn.request_timeout",
				"op", string(req.Op),
				"station", qreq.Station,
				"timeout", s.cfg.RequestTimeout,
			)
			qreq.Resolve(queue.Result{Status: wire.StatusRequestTimeout})
			if !s.respond(conn, logger, string(req.Op), wire.StatusRequestTimeout, nil) {
				return
			}
		case <-s.stopCh:
			logger.Debug("conn.server_stopping")
			return
		}
	}
}

// respond sends one response, stamping it with a fresh Lamport tick.
// Returns false when the connection is no longer writable.
func (s *Server) respond(conn net.Conn, logger pslog.Logger, method string, status int, body []byte) bool {
	resp := wire.Response{Status: status, Clock: s.lclk.Tick(), Body: body}
	s.metrics.ObserveRequest(method, status)
	if err := wire.WriteResponse(conn, resp); err != nil {
		if !s.isShutdown() {
			logger.Warn("conn.write_error", "status", status, "error", err)
		}
		return false
	}
	logger.Trace("conn.response", "status", status, "clock", resp.Clock, "bytes", len(body))
	return true
}
