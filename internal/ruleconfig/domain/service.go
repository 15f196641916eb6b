package domain

import (
	"context"

	"github.com/bwmarrin/snowflake"
	"github.com/canvastack/stencil/pkg/money"
	"gorm.io/gorm"
)

// Store resolves effective rule configuration for a tenant: tenant-scoped
// rows win, platform-scoped rows are the fallback.
type Store interface {
	ApprovalRules(ctx context.Context, tenantID snowflake.ID) ([]ApprovalRule, error)
	AllocationPolicy(ctx context.Context, tenantID snowflake.ID) ([]BucketPolicy, error)
	MaxNegotiationRounds(ctx context.Context, tenantID snowflake.ID) (int, error)
	FundContributionRate(ctx context.Context, tenantID snowflake.ID) (money.BasisPoints, error)
	RefundFeeRates(ctx context.Context, tenantID snowflake.ID) (FeeRates, error)
}

type Repository interface {
	// ListEffective returns enabled rows for the rule code, tenant scope
	// first; when the tenant has any row for the code the platform rows
	// are omitted. Ordered by priority ascending.
	ListEffective(ctx context.Context, db *gorm.DB, tenantID snowflake.ID, ruleCode string) ([]RuleConfiguration, error)
}
