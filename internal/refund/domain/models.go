// Package domain contains the refund case aggregate: a customer refund
// request bound to its money calculation, its approval chain, at most one
// active dispute, and any vendor cost-recovery claims.
package domain

import (
	"errors"
	"fmt"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
)

// Status is the refund request lifecycle state.
type Status string

const (
	StatusPendingReview      Status = "pending_review"
	StatusUnderInvestigation Status = "under_investigation"
	StatusPendingFinance     Status = "pending_finance"
	StatusPendingManager     Status = "pending_manager"
	StatusApproved           Status = "approved"
	StatusProcessing         Status = "processing"
	StatusCompleted          Status = "completed"
	StatusFailed             Status = "failed"
	StatusRejected           Status = "rejected"
	StatusDisputed           Status = "disputed"
	StatusCancelled          Status = "cancelled"
)

// transitions encodes the legal refund state machine. Disputes are the
// only road out of rejected or completed; explicit retry is the only road
// out of failed.
var transitions = map[Status][]Status{
	StatusPendingReview:      {StatusUnderInvestigation, StatusPendingFinance, StatusPendingManager, StatusApproved, StatusRejected, StatusCancelled},
	StatusUnderInvestigation: {StatusPendingFinance, StatusPendingManager, StatusApproved, StatusRejected, StatusCancelled},
	StatusPendingFinance:     {StatusPendingManager, StatusApproved, StatusRejected, StatusCancelled},
	StatusPendingManager:     {StatusPendingFinance, StatusApproved, StatusRejected, StatusCancelled},
	StatusApproved:           {StatusProcessing, StatusCancelled},
	StatusProcessing:         {StatusCompleted, StatusFailed},
	StatusFailed:             {StatusProcessing, StatusCancelled},
	StatusRejected:           {StatusDisputed},
	StatusCompleted:          {StatusDisputed},
	StatusDisputed:           {StatusProcessing, StatusCompleted, StatusRejected, StatusCancelled},
	StatusCancelled:          nil,
}

func (s Status) CanTransitionTo(next Status) bool {
	for _, allowed := range transitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// Cancellable reports whether the case may still be withdrawn. Completed
// money movement is never cancelled, only disputed.
func (s Status) Cancellable() bool {
	return s.CanTransitionTo(StatusCancelled)
}

// ReasonCategory classifies the refund's root cause and decides which
// party bears the cost.
type ReasonCategory string

const (
	ReasonVendorFailure  ReasonCategory = "vendor_failure"
	ReasonQualityIssue   ReasonCategory = "quality_issue"
	ReasonCustomerChange ReasonCategory = "customer_change"
	ReasonShippingDamage ReasonCategory = "shipping_damage"
	ReasonOther          ReasonCategory = "other"
)

// FaultParty is who ultimately bears the refund cost.
type FaultParty string

const (
	FaultVendor   FaultParty = "vendor"
	FaultCustomer FaultParty = "customer"
	FaultCompany  FaultParty = "company"
)

// Fault maps a reason category to the liable party.
func (r ReasonCategory) Fault() FaultParty {
	switch r {
	case ReasonVendorFailure, ReasonQualityIssue:
		return FaultVendor
	case ReasonCustomerChange:
		return FaultCustomer
	}
	return FaultCompany
}

// RefundType is what the customer asked for.
type RefundType string

const (
	TypeFull        RefundType = "full"
	TypePartial     RefundType = "partial"
	TypeReplacement RefundType = "replacement"
	TypeCredit      RefundType = "credit"
)

// Request is the refund case aggregate root. The calculation columns are
// derived server-side from the order's payment ledger and fee rules; the
// customer only supplies the requested amount.
type Request struct {
	ID          snowflake.ID   `gorm:"primaryKey"`
	TenantID    snowflake.ID   `gorm:"not null;index"`
	OrderID     snowflake.ID   `gorm:"not null;index"`
	RequesterID snowflake.ID   `gorm:"not null"`
	Reason      ReasonCategory `gorm:"type:text;not null"`
	Type        RefundType     `gorm:"type:text;not null"`
	Status      Status         `gorm:"type:text;not null;default:'pending_review'"`
	Currency    string         `gorm:"type:text;not null"`

	RequestedAmount   int64      `gorm:"not null"`
	BaseAmount        int64      `gorm:"not null"`
	FeeAmount         int64      `gorm:"not null"`
	TaxAmount         int64      `gorm:"not null"`
	NetAmount         int64      `gorm:"not null"`
	FaultParty        FaultParty `gorm:"type:text;not null"`
	VendorRecoverable int64      `gorm:"not null;default:0"`
	CompanyLoss       int64      `gorm:"not null;default:0"`

	// FinalAmount is set only by dispute resolution and supersedes
	// NetAmount when non-nil.
	FinalAmount *int64 `gorm:""`

	CurrentStepID snowflake.ID      `gorm:""`
	Evidence      datatypes.JSONMap `gorm:"type:jsonb;not null;default:'{}'"`
	GatewayRef    string            `gorm:"type:text"`
	FailureReason string            `gorm:"type:text"`

	CreatedAt time.Time  `gorm:"not null"`
	UpdatedAt time.Time  `gorm:"not null"`
	ClosedAt  *time.Time `gorm:""`
}

// TableName sets the database table name.
func (Request) TableName() string { return "refund_requests" }

// PayableAmount is what the gateway should move: the dispute-settled
// figure when present, the computed net otherwise.
func (r *Request) PayableAmount() int64 {
	if r.FinalAmount != nil {
		return *r.FinalAmount
	}
	return r.NetAmount
}

// DisputeStatus is the lifecycle of a refund dispute.
type DisputeStatus string

const (
	DisputeOpen     DisputeStatus = "open"
	DisputeResolved DisputeStatus = "resolved"
)

// DisputeOutcome records who the resolution favored.
type DisputeOutcome string

const (
	OutcomeCustomerFavor DisputeOutcome = "customer_favor"
	OutcomeCompanyFavor  DisputeOutcome = "company_favor"
)

// Dispute holds competing evidence over a rejected or completed refund.
// At most one open dispute exists per request.
type Dispute struct {
	ID                snowflake.ID      `gorm:"primaryKey"`
	TenantID          snowflake.ID      `gorm:"not null;index"`
	RefundRequestID   snowflake.ID      `gorm:"not null;index"`
	Claim             string            `gorm:"type:text;not null"`
	CustomerEvidence  datatypes.JSONMap `gorm:"type:jsonb;not null;default:'{}'"`
	CompanyEvidence   datatypes.JSONMap `gorm:"type:jsonb;not null;default:'{}'"`
	Status            DisputeStatus     `gorm:"type:text;not null;default:'open'"`
	Outcome           DisputeOutcome    `gorm:"type:text"`
	FinalRefundAmount *int64            `gorm:""`
	ResolutionNotes   string            `gorm:"type:text"`
	ResolvedAt        *time.Time        `gorm:""`
	CreatedAt         time.Time         `gorm:"not null"`
	UpdatedAt         time.Time         `gorm:"not null"`
}

// TableName sets the database table name.
func (Dispute) TableName() string { return "refund_disputes" }

// LiabilityStatus is the vendor cost-recovery claim lifecycle.
type LiabilityStatus string

const (
	LiabilityPendingClaim LiabilityStatus = "pending_claim"
	LiabilityClaimed      LiabilityStatus = "claimed"
	LiabilityRecovered    LiabilityStatus = "recovered"
	LiabilityWrittenOff   LiabilityStatus = "written_off"
)

// VendorLiability tracks cost recovery from a vendor for a refund's root
// cause. Its lifecycle is independent of the refund so claims survive
// case completion.
type VendorLiability struct {
	ID              snowflake.ID    `gorm:"primaryKey"`
	TenantID        snowflake.ID    `gorm:"not null;index"`
	RefundRequestID snowflake.ID    `gorm:"not null;index"`
	VendorID        snowflake.ID    `gorm:"not null;index"`
	Amount          int64           `gorm:"not null"`
	RecoveredAmount int64           `gorm:"not null;default:0"`
	Status          LiabilityStatus `gorm:"type:text;not null;default:'pending_claim'"`
	Reason          string          `gorm:"type:text"`
	CreatedAt       time.Time       `gorm:"not null"`
	UpdatedAt       time.Time       `gorm:"not null"`
}

// TableName sets the database table name.
func (VendorLiability) TableName() string { return "vendor_liabilities" }

// ProcessingLog is one gateway dispatch attempt, kept verbatim for the
// operator audit trail.
type ProcessingLog struct {
	ID              snowflake.ID `gorm:"primaryKey"`
	TenantID        snowflake.ID `gorm:"not null;index"`
	RefundRequestID snowflake.ID `gorm:"not null;index"`
	Attempt         int          `gorm:"not null"`
	Action          string       `gorm:"type:text;not null"`
	Outcome         string       `gorm:"type:text;not null"`
	GatewayRef      string       `gorm:"type:text"`
	FailureReason   string       `gorm:"type:text"`
	CreatedAt       time.Time    `gorm:"not null"`
}

// TableName sets the database table name.
func (ProcessingLog) TableName() string { return "refund_processing_logs" }

const (
	FailureGatewayTimeout = "gateway_timeout"
)

var (
	ErrInvalidTransition   = errors.New("invalid_state_transition")
	ErrNotFound            = errors.New("not_found")
	ErrInvalidArgument     = errors.New("invalid_argument")
	ErrUnauthorized        = errors.New("unauthorized_actor")
	ErrExceedsPaidAmount   = errors.New("requested_amount_exceeds_paid")
	ErrNothingCaptured     = errors.New("order_has_no_captured_payment")
	ErrDisputeAlreadyOpen  = errors.New("dispute_already_open")
	ErrDisputeNotOpen      = errors.New("dispute_not_open")
	ErrDisputeNotAllowed   = errors.New("dispute_not_allowed_from_state")
	ErrOverRecovery        = errors.New("recovered_amount_exceeds_liability")
	ErrLiabilitySettled    = errors.New("liability_already_settled")
	ErrGatewayFailure      = errors.New("gateway_failure")
	ErrGatewayTimeout      = errors.New("gateway_timeout")
	ErrRetryNotFromFailed  = errors.New("retry_requires_failed_state")
	ErrCurrencyOutOfPolicy = errors.New("currency_mismatch_with_ledger")
)

// TransitionErr wraps sentinel with the aggregate's current state.
func TransitionErr(sentinel error, current Status) error {
	return fmt.Errorf("%w: current_status=%s", sentinel, current)
}
