// Package fanout asynchronously builds and emits the audit event and usage
// metric after a dispatched call, both best-effort and non-blocking. It is the gateway's one piece of explicit detached-task lifecycle:
// the channels are owned here and drained by a background consumer tied to
// the server's context.
package fanout

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"

	"github.com/conduithq/conduit/internal/models"
	"github.com/conduithq/conduit/internal/store"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

const commonModelVersion = "v1"

// Sink receives audit events and metrics once built. Production wiring
// sends these to whatever downstream event bus/metrics backend is
// configured; tests and local dev can use a no-op or recording sink.
type Sink interface {
	Event(ctx context.Context, evt models.AuditEvent) error
	Metric(ctx context.Context, m models.Metric) error
}

// Fanout owns the bounded channels and the errgroup running their
// consumers. Wait blocks until both consumers exit, which only happens once
// the owning context is cancelled.
type Fanout struct {
	events  chan models.AuditEvent
	metrics chan models.Metric
	sink    Sink
	group   *errgroup.Group
}

// New creates a Fanout with the given channel capacities and starts its
// consumer goroutines under an errgroup tied to ctx.
func New(ctx context.Context, eventCap, metricCap int, sink Sink) *Fanout {
	group, gctx := errgroup.WithContext(ctx)
	f := &Fanout{
		events:  make(chan models.AuditEvent, eventCap),
		metrics: make(chan models.Metric, metricCap),
		sink:    sink,
		group:   group,
	}
	group.Go(func() error {
		f.consumeEvents(gctx)
		return nil
	})
	group.Go(func() error {
		f.consumeMetrics(gctx)
		return nil
	})
	return f
}

// Wait blocks until both consumer goroutines have exited. Callers use this
// during graceful shutdown after cancelling the context New was built with.
func (f *Fanout) Wait() error {
	return f.group.Wait()
}

func (f *Fanout) consumeEvents(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case evt := <-f.events:
			if err := f.sink.Event(ctx, evt); err != nil {
				log.Warn().Err(err).Str("event", evt.Name).Msg("failed to emit audit event")
			}
		}
	}
}

func (f *Fanout) consumeMetrics(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case m := <-f.metrics:
			if err := f.sink.Metric(ctx, m); err != nil {
				log.Warn().Err(err).Str("kind", m.Kind).Msg("failed to emit usage metric")
			}
		}
	}
}

// Dispatched carries the data the fan-out task needs to build its event and
// metric, gathered by the passthrough handler before it spawns this task.
type Dispatched struct {
	Sparse               models.SparseCMD
	Connection           models.Connection
	AccessKeyHeaderValue string
	EventAccessPassword  string
	StatusCode           int
	Succeeded            bool
	// Headers are the response headers actually sent back to the caller
	// (the rewritten pica-passthrough-* set); nil is sent as an empty map.
	Headers map[string]string
}

// Spawn builds and best-effort-enqueues the audit event and metric for one
// dispatched call. It never blocks: a full channel is logged and dropped.
func (f *Fanout) Spawn(d Dispatched) {
	accessKey := deriveAccessKey(d.AccessKeyHeaderValue, d.EventAccessPassword)

	outcome := "succeeded"
	if !d.Succeeded {
		outcome = "failed"
	}
	name := d.Sparse.ConnectionPlatform + "::" + d.Sparse.PlatformVersion + "::" + d.Sparse.Name + "::" + string(d.Sparse.ActionName) + "::request-" + outcome

	meta := models.EventMetadata{
		Platform:        d.Sparse.ConnectionPlatform,
		PlatformVersion: d.Sparse.PlatformVersion,
		ConnectionKey:   d.Connection.Key,
		Action:          d.Sparse.Title,
		Path:            d.Sparse.Path,
		StatusCode:      d.StatusCode,
		TransactionKey:  uuid.NewString(),
		CommonModelVersion: commonModelVersion,
	}
	body, err := json.Marshal(map[string]any{"META": meta})
	if err != nil {
		log.Warn().Err(err).Msg("failed to serialize audit event metadata")
		body = []byte(`{}`)
	}

	headers := d.Headers
	if headers == nil {
		headers = map[string]string{}
	}
	evt := models.AuditEvent{
		AccessKeyRef: accessKey,
		Name:         name,
		Headers:      headers,
		Body:         string(body),
	}

	select {
	case f.events <- evt:
	default:
		log.Warn().Str("event", name).Msg("audit event channel full, dropping")
	}

	m := models.MetricPassthrough(d.Connection)
	select {
	case f.metrics <- m:
	default:
		log.Warn().Str("connection", d.Connection.Key).Msg("metric channel full, dropping")
	}
}

// deriveAccessKey derives a stable reference for the stripped access-key
// header using a fixed-length password as salt.
func deriveAccessKey(headerValue, password string) string {
	h := sha256.Sum256([]byte(password + headerValue))
	return hex.EncodeToString(h[:])
}

// LogSink is the default Sink: it writes events and metrics to the
// structured logger instead of a downstream event bus. Production
// deployments wiring a real bus should implement Sink directly.
type LogSink struct{}

func (LogSink) Event(ctx context.Context, evt models.AuditEvent) error {
	log.Info().Str("name", evt.Name).Str("accessKeyRef", evt.AccessKeyRef).Msg("audit event")
	return nil
}

func (LogSink) Metric(ctx context.Context, m models.Metric) error {
	log.Info().Str("kind", m.Kind).Str("connectionKey", m.ConnectionKey).Str("buildableId", m.BuildableId).Msg("usage metric")
	return nil
}

// GetSparseCMDForEvent re-fetches the lean CMD projection for the fan-out
// task with the given filter; the passthrough handler passes the id of the
// definition it selected.
func GetSparseCMDForEvent(ctx context.Context, cmds store.CMDStore, filter store.Filter) (*models.SparseCMD, error) {
	return cmds.GetSparseCMD(ctx, filter)
}
