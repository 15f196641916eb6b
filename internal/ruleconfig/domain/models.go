// Package domain defines tenant rule configuration: priority-ordered,
// parameterized rows that drive approval chains, allocation policies and
// negotiation limits. Platform-scoped rows act as defaults; tenant rows
// override them per rule code.
package domain

import (
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/canvastack/stencil/internal/tenantctx"
	"github.com/canvastack/stencil/pkg/money"
	"gorm.io/datatypes"
)

const (
	RuleApprovalStep     = "approval.step"
	RuleAllocationBucket = "allocation.bucket"
	RuleMaxRounds        = "negotiation.max_rounds"
	RuleFundContribution = "insurance_fund.contribution_rate"
	RuleRefundFees       = "refund.fee_rates"
)

// RuleConfiguration is one configured rule row.
type RuleConfiguration struct {
	ID        snowflake.ID        `gorm:"primaryKey"`
	ScopeKind tenantctx.ScopeKind `gorm:"type:text;not null;index:ix_rules_scope_code"`
	TenantID  snowflake.ID        `gorm:"index:ix_rules_scope_code"`
	RuleCode  string              `gorm:"type:text;not null;index:ix_rules_scope_code"`
	Enabled   bool                `gorm:"not null;default:true"`
	Priority  int                 `gorm:"not null;default:0"`
	Params    datatypes.JSONMap   `gorm:"type:jsonb;not null;default:'{}'"`
	CreatedAt time.Time           `gorm:"not null"`
	UpdatedAt time.Time           `gorm:"not null"`
}

// TableName sets the database table name.
func (RuleConfiguration) TableName() string { return "rule_configurations" }

// ApprovalRule parameterizes one step of an approval chain. Exactly one
// of AutoApproveUnder/AutoApproveRiskUnder is typically set; zero means
// the predicate is disabled.
type ApprovalRule struct {
	Name                 string
	RequiredLevel        int
	AssigneeRole         string
	SLAHours             int
	AutoApproveUnder     int64
	AutoApproveRiskUnder int64
	EscalateToRole       string
	Priority             int
}

// BucketPolicy is one typed share of an allocation policy. Percent and
// Fixed are mutually exclusive; a policy mixes only one kind.
type BucketPolicy struct {
	Type    string
	Percent money.BasisPoints
	Fixed   int64
}

// FeeRates are the server-side deduction rates applied when computing a
// refund calculation breakdown.
type FeeRates struct {
	AdminFee       money.BasisPoints
	TaxWithholding money.BasisPoints
}

var (
	ErrInvalidTenant = errors.New("invalid_tenant")
	ErrRuleNotFound  = errors.New("rule_not_found")
)
