package domain

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

type InstantiateRequest struct {
	TenantID        snowflake.ID
	RefundRequestID snowflake.ID

	// Amount is the net refundable amount the chain is approving.
	Amount int64

	// RiskExposure is the company's computed loss if the refund proceeds.
	// Auto-approval rules may gate on either figure.
	RiskExposure int64
}

type DecideRequest struct {
	RefundRequestID snowflake.ID
	StepID          snowflake.ID
	Approve         bool
	Notes           string
}

// Engine materializes and advances approval chains. Instantiate and
// Decide run in the caller's transaction so the refund request and its
// workflow move atomically; the escalation entry points own their
// transactions and are driven by the sweeper.
type Engine interface {
	Instantiate(ctx context.Context, tx *gorm.DB, req InstantiateRequest) (Workflow, error)
	Decide(ctx context.Context, tx *gorm.DB, req DecideRequest) (Workflow, error)

	State(ctx context.Context, refundRequestID snowflake.ID) (Workflow, error)

	// Escalate flips one overdue or stuck step to escalated. Idempotent:
	// already escalated or decided steps are returned unchanged.
	Escalate(ctx context.Context, stepID snowflake.ID) (Step, error)

	// EscalateOverdue sweeps current pending steps past their SLA
	// deadline. Returns the number escalated.
	EscalateOverdue(ctx context.Context, now time.Time, limit int) (int, error)
}
