// Package gateway defines the payment gateway collaborator contract.
// Refund dispatch is asynchronous from the workflow's point of view: the
// case moves to processing, the call runs outside any lock, and the
// outcome is recorded as a separate transition.
package gateway

import (
	"context"

	"go.uber.org/fx"
	"go.uber.org/zap"
)

type Result struct {
	Success    bool
	GatewayRef string
	Failure    string
}

type PaymentGateway interface {
	// Refund pushes a refund for the captured transaction reference.
	// Implementations must honor ctx cancellation; callers apply the
	// configured dispatch timeout.
	Refund(ctx context.Context, transactionRef string, amount int64, currency string) (Result, error)
}

var Module = fx.Module("gateway",
	fx.Provide(NewLogGateway),
)

// logGateway is the default wiring for environments without a real
// gateway integration; it approves every refund and logs the dispatch.
type logGateway struct {
	log *zap.Logger
}

func NewLogGateway(log *zap.Logger) PaymentGateway {
	return &logGateway{log: log.Named("gateway")}
}

func (g *logGateway) Refund(ctx context.Context, transactionRef string, amount int64, currency string) (Result, error) {
	if err := ctx.Err(); err != nil {
		return Result{}, err
	}
	g.log.Info("gateway refund dispatched",
		zap.String("transaction_ref", transactionRef),
		zap.Int64("amount", amount),
		zap.String("currency", currency),
	)
	return Result{Success: true, GatewayRef: "log-" + transactionRef}, nil
}
