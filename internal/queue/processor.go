package queue

import (
	"context"
	"errors"

	"pkt.systems/aggrd/internal/loggingutil"
	"pkt.systems/aggrd/internal/weather"
	"pkt.systems/aggrd/internal/wire"
	"pkt.systems/pslog"
)

type recordStore interface {
	Get(station string) (weather.Observation, bool)
	Put(station string, obs weather.Observation, lamport uint64) (wasNew bool)
}

// Processor drains a queue one request at a time and applies each to the
// record store. Running a single processor is what serialises mutations.
type Processor struct {
	queue  *Queue
	store  recordStore
	logger pslog.Logger
}

// NewProcessor wires a processor to its queue and store.
func NewProcessor(q *Queue, store recordStore, logger pslog.Logger) *Processor {
	return &Processor{
		queue:  q,
		store:  store,
		logger: loggingutil.WithSubsystem(loggingutil.EnsureLogger(logger), "processor"),
	}
}

// Run applies requests until the context is cancelled or the queue closes.
func (p *Processor) Run(ctx context.Context) {
	for {
		req, err := p.queue.Take(ctx)
		if err != nil {
			if !errors.Is(err, ErrClosed) && !errors.Is(err, context.Canceled) {
				p.logger.Warn("processor.take_error", "error", err)
			}
			p.logger.Debug("processor.stopped")
			return
		}
		res := p.apply(req)
		req.Resolve(res)
		p.logger.Trace("processor.applied", "op", string(req.Op), "station", req.Station, "clock", req.Clock, "status", res.Status)
	}
}

func (p *Processor) apply(req *Request) Result {
	switch req.Op {
	case wire.OpGet:
		obs, ok := p.store.Get(req.Station)
		if !ok {
			return Result{Status: wire.StatusNotFound}
		}
		body, err := obs.Encode()
		if err != nil {
			p.logger.Error("processor.get.encode_error", "station", req.Station, "error", err)
			return Result{Status: wire.StatusInternalError}
		}
		return Result{Status: wire.StatusOK, Body: body}
	case wire.OpPut:
		p.store.Put(req.Station, req.Observation, req.Clock)
		if req.WasNew {
			return Result{Status: wire.StatusCreated}
		}
		return Result{Status: wire.StatusOK}
	default:
		p.logger.Error("processor.unknown_op", "op", string(req.Op))
		return Result{Status: wire.StatusInternalError}
	}
}
