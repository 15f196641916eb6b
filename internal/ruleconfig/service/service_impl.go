package service

import (
	"context"
	"encoding/json"

	"github.com/bwmarrin/snowflake"
	"github.com/canvastack/stencil/internal/ruleconfig/domain"
	"github.com/canvastack/stencil/pkg/money"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

const (
	defaultMaxRounds        = 5
	defaultContributionRate = money.BasisPoints(250) // 2.5%
	defaultAdminFeeRate     = money.BasisPoints(200) // 2%
	defaultTaxRate          = money.BasisPoints(0)
)

type Params struct {
	fx.In

	DB   *gorm.DB
	Log  *zap.Logger
	Repo domain.Repository
}

type Store struct {
	db   *gorm.DB
	log  *zap.Logger
	repo domain.Repository
}

func New(p Params) domain.Store {
	return &Store{
		db:   p.DB,
		log:  p.Log.Named("ruleconfig.store"),
		repo: p.Repo,
	}
}

func (s *Store) ApprovalRules(ctx context.Context, tenantID snowflake.ID) ([]domain.ApprovalRule, error) {
	if tenantID == 0 {
		return nil, domain.ErrInvalidTenant
	}
	rows, err := s.repo.ListEffective(ctx, s.db, tenantID, domain.RuleApprovalStep)
	if err != nil {
		return nil, err
	}

	rules := make([]domain.ApprovalRule, 0, len(rows))
	for _, row := range rows {
		rules = append(rules, domain.ApprovalRule{
			Name:                 paramString(row.Params, "name"),
			RequiredLevel:        int(paramInt64(row.Params, "required_level")),
			AssigneeRole:         paramString(row.Params, "assignee_role"),
			SLAHours:             int(paramInt64(row.Params, "sla_hours")),
			AutoApproveUnder:     paramInt64(row.Params, "auto_approve_under"),
			AutoApproveRiskUnder: paramInt64(row.Params, "auto_approve_risk_under"),
			EscalateToRole:       paramString(row.Params, "escalate_to_role"),
			Priority:             row.Priority,
		})
	}
	return rules, nil
}

func (s *Store) AllocationPolicy(ctx context.Context, tenantID snowflake.ID) ([]domain.BucketPolicy, error) {
	if tenantID == 0 {
		return nil, domain.ErrInvalidTenant
	}
	rows, err := s.repo.ListEffective(ctx, s.db, tenantID, domain.RuleAllocationBucket)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, domain.ErrRuleNotFound
	}

	policy := make([]domain.BucketPolicy, 0, len(rows))
	for _, row := range rows {
		policy = append(policy, domain.BucketPolicy{
			Type:    paramString(row.Params, "bucket_type"),
			Percent: money.BasisPoints(paramInt64(row.Params, "percent_bp")),
			Fixed:   paramInt64(row.Params, "fixed_amount"),
		})
	}
	return policy, nil
}

func (s *Store) MaxNegotiationRounds(ctx context.Context, tenantID snowflake.ID) (int, error) {
	if tenantID == 0 {
		return 0, domain.ErrInvalidTenant
	}
	rows, err := s.repo.ListEffective(ctx, s.db, tenantID, domain.RuleMaxRounds)
	if err != nil {
		return 0, err
	}
	if len(rows) == 0 {
		return defaultMaxRounds, nil
	}
	if value := paramInt64(rows[0].Params, "max_rounds"); value > 0 {
		return int(value), nil
	}
	return defaultMaxRounds, nil
}

func (s *Store) FundContributionRate(ctx context.Context, tenantID snowflake.ID) (money.BasisPoints, error) {
	if tenantID == 0 {
		return 0, domain.ErrInvalidTenant
	}
	rows, err := s.repo.ListEffective(ctx, s.db, tenantID, domain.RuleFundContribution)
	if err != nil {
		return 0, err
	}
	if len(rows) == 0 {
		return defaultContributionRate, nil
	}
	rate := money.BasisPoints(paramInt64(rows[0].Params, "basis_points"))
	if !rate.Valid() {
		s.log.Warn("configured contribution rate out of range, using default",
			zap.Int64("basis_points", int64(rate)),
		)
		return defaultContributionRate, nil
	}
	return rate, nil
}

func (s *Store) RefundFeeRates(ctx context.Context, tenantID snowflake.ID) (domain.FeeRates, error) {
	if tenantID == 0 {
		return domain.FeeRates{}, domain.ErrInvalidTenant
	}
	rows, err := s.repo.ListEffective(ctx, s.db, tenantID, domain.RuleRefundFees)
	if err != nil {
		return domain.FeeRates{}, err
	}
	rates := domain.FeeRates{
		AdminFee:       defaultAdminFeeRate,
		TaxWithholding: defaultTaxRate,
	}
	if len(rows) > 0 {
		if v := money.BasisPoints(paramInt64(rows[0].Params, "admin_fee_bp")); v.Valid() {
			rates.AdminFee = v
		}
		if v := money.BasisPoints(paramInt64(rows[0].Params, "tax_withholding_bp")); v.Valid() {
			rates.TaxWithholding = v
		}
	}
	return rates, nil
}

// JSONMap decodes stored numbers as json.Number; values set in code
// before the round trip can still be plain ints or float64.
func paramInt64(params datatypes.JSONMap, key string) int64 {
	switch v := params[key].(type) {
	case json.Number:
		n, err := v.Int64()
		if err != nil {
			return 0
		}
		return n
	case float64:
		return int64(v)
	case int64:
		return v
	case int:
		return int64(v)
	}
	return 0
}

func paramString(params datatypes.JSONMap, key string) string {
	if v, ok := params[key].(string); ok {
		return v
	}
	return ""
}
