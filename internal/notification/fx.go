package notification

import (
	"context"

	"github.com/canvastack/stencil/internal/event"
	"go.uber.org/fx"
)

var Module = fx.Module("notification",
	fx.Provide(NewLogDispatcher),
	fx.Invoke(Subscribe),
)

// Subscribe routes terminal workflow events to the notification channel.
func Subscribe(d *event.Dispatcher, n Dispatcher) {
	d.Register(func(ctx context.Context, evt event.Event) {
		switch evt.Name {
		case event.QuoteAccepted, event.QuoteRejected, event.QuoteExpired,
			event.RefundApproved, event.RefundRejected, event.RefundCompleted,
			event.RefundFailed, event.ApprovalEscalated, event.FundBalanceLow:
			n.Notify(ctx, evt, recipientsFor(evt))
		}
	})
}

// recipientsFor resolves the notification audience per event kind.
// Recipient resolution by role is delegated to the identity collaborator;
// here we emit the role keys the dispatcher understands.
func recipientsFor(evt event.Event) []string {
	switch evt.Name {
	case event.QuoteAccepted, event.QuoteRejected, event.QuoteExpired:
		return []string{"procurement_admin", "vendor"}
	case event.ApprovalEscalated:
		return []string{"escalation_target"}
	case event.FundBalanceLow:
		return []string{"finance"}
	default:
		return []string{"requester", "finance"}
	}
}
