// Package notification delivers workflow events to interested parties.
// Delivery is fire-and-forget: failures are logged and never block or
// fail the workflow operation that triggered them.
package notification

import (
	"context"

	"github.com/canvastack/stencil/internal/event"
	"go.uber.org/zap"
)

type Dispatcher interface {
	Notify(ctx context.Context, evt event.Event, recipients []string)
}

type logDispatcher struct {
	log *zap.Logger
}

func NewLogDispatcher(log *zap.Logger) Dispatcher {
	return &logDispatcher{log: log.Named("notification")}
}

func (d *logDispatcher) Notify(ctx context.Context, evt event.Event, recipients []string) {
	d.log.Info("notification dispatched",
		zap.String("event", evt.Name),
		zap.String("tenant_id", evt.TenantID.String()),
		zap.String("aggregate_id", evt.AggregateID.String()),
		zap.Strings("recipients", recipients),
	)
}
