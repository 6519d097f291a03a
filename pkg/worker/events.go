package worker

import (
	"time"

	"github.com/TFMV/sluice/pkg/models"
	"github.com/TFMV/sluice/pkg/services"
)

// event is the result of background work that must be applied by the loop.
// Events tagged with a generation are dropped once the active connection
// has changed since the work started.
type event interface{}

type connectDone struct {
	gen     uint64
	id      string
	profile models.ConnectionProfile
	handle  *services.ConnectionHandle
	err     error
}

type disconnectDone struct {
	gen     uint64
	id      string
	profile string
}

type statusChanged struct {
	gen    uint64
	status models.HealthStatus
}

type schemaDone struct {
	gen    uint64
	id     string
	schema *models.SchemaInfo
	err    error
}

type tableDone struct {
	gen  uint64
	id   string
	name string
	info *models.TableInfo
	err  error
}

type probeRequested struct {
	handle *services.ConnectionHandle
}

func (w *Worker) apply(ev event) {
	switch e := ev.(type) {
	case connectDone:
		w.connected(e)

	case disconnectDone:
		if e.gen != w.generation {
			return
		}
		s := models.Disconnected()
		s.Profile = e.profile
		w.emit(statusResponse(e.id, s))

	case statusChanged:
		if e.gen == w.generation {
			w.emit(statusResponse("", e.status))
		}

	case schemaDone:
		if e.gen != w.generation {
			return
		}
		if e.err != nil {
			w.emit(errorResponse(e.id, e.err))
			return
		}
		w.emit(Response{Kind: ResponseSchemaUpdated, CorrelationID: e.id, Schema: e.schema})

	case tableDone:
		if e.gen != w.generation {
			return
		}
		if e.err != nil {
			w.emit(errorResponse(e.id, e.err))
			return
		}
		w.emit(Response{Kind: ResponseTableUpdated, CorrelationID: e.id, TableName: e.name, Table: e.info})

	case probeRequested:
		h := e.handle
		if h != w.active || h.Status().State != models.StateConnected {
			return
		}
		mon := h.Monitor()
		if mon == nil {
			return
		}
		ctx := w.ctx
		w.spawn(func() { _, _ = mon.Probe(ctx) })

	default:
		w.logger.Warn().Msgf("Unknown worker event %T", ev)
	}
}

// connected installs the handle of a finished connect, or discards it when
// a newer connect or disconnect superseded it.
func (w *Worker) connected(e connectDone) {
	if e.gen != w.generation {
		if e.handle != nil {
			w.logger.Debug().Str("profile", e.profile.Name).Msg("Discarding superseded connection")
			w.retire(e.handle)
		}
		return
	}
	w.connecting = nil

	if e.err != nil {
		w.emit(statusResponse(e.id, models.HealthStatus{
			State:   models.StateFailed,
			Profile: e.profile.Name,
			Reason:  asError(e.err),
			Since:   time.Now(),
		}))
		return
	}

	h := e.handle
	gen := e.gen
	mon := services.NewHealthMonitor(h, w.cfg.Health, w.svcLogger, w.metrics, func(s models.HealthStatus) {
		w.post(statusChanged{gen: gen, status: s})
	})
	h.AttachMonitor(mon)
	w.active = h
	mon.Start(w.ctx)

	w.emit(statusResponse(e.id, h.Status()))
}
