// Package event is the explicit domain-event dispatcher. State machine
// operations emit events after their transaction commits; there are no
// implicit persistence hooks.
package event

import (
	"context"
	"sync"

	"github.com/bwmarrin/snowflake"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

const (
	QuoteSent          = "quote.sent"
	QuoteAccepted      = "quote.accepted"
	QuoteRejected      = "quote.rejected"
	QuoteCountered     = "quote.countered"
	QuoteExpired       = "quote.expired"
	RefundOpened       = "refund.opened"
	RefundApproved     = "refund.approved"
	RefundRejected     = "refund.rejected"
	RefundCompleted    = "refund.completed"
	RefundFailed       = "refund.failed"
	RefundDisputed     = "refund.disputed"
	ApprovalEscalated  = "approval.step_escalated"
	FundBalanceLow     = "insurance_fund.balance_low"
	LiabilityRecovered = "vendor_liability.recovered"
)

type Event struct {
	Name        string
	TenantID    snowflake.ID
	AggregateID snowflake.ID
	Payload     map[string]any
}

type Handler func(ctx context.Context, evt Event)

// Dispatcher fans events out to registered handlers. Handlers run
// synchronously in registration order; anything slow or fallible (e.g.
// notification delivery) must degrade to fire-and-forget internally.
type Dispatcher struct {
	mu       sync.RWMutex
	handlers []Handler
	log      *zap.Logger
}

var Module = fx.Module("event",
	fx.Provide(NewDispatcher),
)

func NewDispatcher(log *zap.Logger) *Dispatcher {
	return &Dispatcher{log: log.Named("event.dispatcher")}
}

func (d *Dispatcher) Register(h Handler) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.handlers = append(d.handlers, h)
}

func (d *Dispatcher) Dispatch(ctx context.Context, evt Event) {
	d.mu.RLock()
	handlers := make([]Handler, len(d.handlers))
	copy(handlers, d.handlers)
	d.mu.RUnlock()

	d.log.Debug("dispatching domain event",
		zap.String("event", evt.Name),
		zap.String("aggregate_id", evt.AggregateID.String()),
	)
	for _, h := range handlers {
		h(ctx, evt)
	}
}
