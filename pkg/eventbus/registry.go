// Package eventbus routes inbound domain events to their handlers. The routing
// table is built explicitly at startup; there is no discovery.
package eventbus

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	"github.com/GroomCloudTeam2/e-commerce-v2-sub000/pkg/contracts"
	"github.com/GroomCloudTeam2/e-commerce-v2-sub000/pkg/logging"
	"github.com/GroomCloudTeam2/e-commerce-v2-sub000/pkg/metrics"
)

type Handler func(ctx context.Context, evt contracts.Event) error

type route struct {
	name    string
	handler Handler
}

type Registry struct {
	routes  map[string][]route
	logger  *zap.Logger
	metrics *metrics.Saga
}

func NewRegistry(logger *zap.Logger, m *metrics.Saga) *Registry {
	return &Registry{routes: make(map[string][]route), logger: logger, metrics: m}
}

// On appends a handler for eventType. Handlers run in registration order.
func (r *Registry) On(eventType, name string, h Handler) *Registry {
	r.routes[eventType] = append(r.routes[eventType], route{name: name, handler: h})
	return r
}

// Handlers lists handler names for eventType in dispatch order.
func (r *Registry) Handlers(eventType string) []string {
	names := make([]string, 0, len(r.routes[eventType]))
	for _, rt := range r.routes[eventType] {
		names = append(names, rt.name)
	}
	return names
}

// Dispatch runs every handler registered for evt.Type. A failing handler does
// not stop the ones after it; the joined error is returned so the caller can
// redeliver. Unknown event types are ignored.
func (r *Registry) Dispatch(ctx context.Context, evt contracts.Event) error {
	routes := r.routes[evt.Type]
	if len(routes) == 0 {
		r.logger.Debug("no handlers for event", zap.String("type", evt.Type), logging.EventID(evt.EventID))
		return nil
	}

	tracer := otel.Tracer("eventbus")
	var errs []error
	for _, rt := range routes {
		hctx, span := tracer.Start(ctx, "handle "+evt.Type)
		span.SetAttributes(
			attribute.String("event.id", evt.EventID),
			attribute.String("event.handler", rt.name),
			attribute.String("order.id", evt.OrderID),
		)

		started := time.Now()
		err := rt.handler(hctx, evt)
		fields := logging.Fields{
			OrderID:    evt.OrderID,
			EventID:    evt.EventID,
			Step:       rt.name,
			DurationMS: time.Since(started).Milliseconds(),
		}
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			r.metrics.EventHandled(evt.Type, rt.name, "error")
			fields.Status = "error"
			r.logger.Error("event handler failed", append(fields.Zap(), zap.Error(err))...)
			errs = append(errs, fmt.Errorf("%s: %w", rt.name, err))
		} else {
			r.metrics.EventHandled(evt.Type, rt.name, "ok")
			fields.Status = "ok"
			r.logger.Debug("event handled", fields.Zap()...)
		}
		span.End()
	}
	return errors.Join(errs...)
}
