package domain

import (
	"context"

	"github.com/bwmarrin/snowflake"
	approvaldomain "github.com/canvastack/stencil/internal/approval/domain"
	historydomain "github.com/canvastack/stencil/internal/history/domain"
	"gorm.io/datatypes"
)

type OpenRequest struct {
	OrderID snowflake.ID

	// VendorID attributes a vendor-fault refund's cost-recovery claim.
	VendorID snowflake.ID

	Reason          ReasonCategory
	Type            RefundType
	RequestedAmount int64
	Evidence        datatypes.JSONMap
}

type DecideRequest struct {
	RequestID snowflake.ID
	StepID    snowflake.ID
	Approve   bool
	Notes     string
}

type OpenDisputeRequest struct {
	RequestID        snowflake.ID
	Claim            string
	CustomerEvidence datatypes.JSONMap
	CompanyEvidence  datatypes.JSONMap
}

type ResolveDisputeRequest struct {
	RequestID         snowflake.ID
	Outcome           DisputeOutcome
	FinalRefundAmount *int64
	Notes             string
}

type RecordLiabilityRequest struct {
	RequestID snowflake.ID
	VendorID  snowflake.ID
	Amount    int64
	Reason    string
}

// CaseView is the aggregate read model: the request plus its derived
// workflow.
type CaseView struct {
	Request  Request
	Workflow approvaldomain.Workflow
}

type Service interface {
	// Open validates the requested amount against the order's payment
	// ledger, derives the calculation breakdown server-side, and
	// instantiates the approval workflow atomically.
	Open(ctx context.Context, req OpenRequest) (CaseView, error)

	// Investigate moves a fresh case into manual review.
	Investigate(ctx context.Context, requestID snowflake.ID, notes string) (Request, error)

	// AdvanceApproval lands one step decision and moves the case along
	// the workflow's verdict.
	AdvanceApproval(ctx context.Context, req DecideRequest) (CaseView, error)

	// Dispatch pushes an approved refund to the payment gateway. The
	// case moves to processing inside the lock; the gateway call itself
	// runs outside it and its outcome lands as a second transition.
	Dispatch(ctx context.Context, requestID snowflake.ID) (Request, error)

	// Retry is the explicit operator re-dispatch of a failed case.
	Retry(ctx context.Context, requestID snowflake.ID) (Request, error)

	Cancel(ctx context.Context, requestID snowflake.ID, reason string) (Request, error)

	OpenDispute(ctx context.Context, req OpenDisputeRequest) (Dispute, error)

	// ResolveDispute closes the active dispute. A customer-favor
	// settlement amount supersedes the calculation and re-enters
	// processing for the delta.
	ResolveDispute(ctx context.Context, req ResolveDisputeRequest) (Request, error)

	RecordVendorLiability(ctx context.Context, req RecordLiabilityRequest) (VendorLiability, error)
	ClaimLiability(ctx context.Context, liabilityID snowflake.ID) (VendorLiability, error)
	RecordRecovery(ctx context.Context, liabilityID snowflake.ID, amount int64) (VendorLiability, error)
	WriteOffLiability(ctx context.Context, liabilityID snowflake.ID, reason string) (VendorLiability, error)

	Get(ctx context.Context, requestID snowflake.ID) (CaseView, error)
	History(ctx context.Context, requestID snowflake.ID) ([]historydomain.Transition, error)
	ProcessingLogs(ctx context.Context, requestID snowflake.ID) ([]ProcessingLog, error)
}
