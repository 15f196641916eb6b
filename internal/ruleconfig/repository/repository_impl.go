package repository

import (
	"context"

	"github.com/bwmarrin/snowflake"
	"github.com/canvastack/stencil/internal/ruleconfig/domain"
	"github.com/canvastack/stencil/internal/tenantctx"
	"gorm.io/gorm"
)

type repo struct{}

func Provide() domain.Repository {
	return &repo{}
}

func (r *repo) ListEffective(ctx context.Context, db *gorm.DB, tenantID snowflake.ID, ruleCode string) ([]domain.RuleConfiguration, error) {
	var rows []domain.RuleConfiguration
	err := db.WithContext(ctx).Raw(
		`SELECT id, scope_kind, tenant_id, rule_code, enabled, priority, params, created_at, updated_at
		 FROM rule_configurations
		 WHERE rule_code = ? AND enabled = ?
		   AND (
			   (scope_kind = ? AND tenant_id = ?)
			   OR scope_kind = ?
		   )
		 ORDER BY priority ASC, id ASC`,
		ruleCode,
		true,
		tenantctx.ScopeTenant,
		tenantID,
		tenantctx.ScopePlatform,
	).Scan(&rows).Error
	if err != nil {
		return nil, err
	}

	// Tenant rows shadow platform rows entirely for the code.
	var tenantRows []domain.RuleConfiguration
	for _, row := range rows {
		if row.ScopeKind == tenantctx.ScopeTenant {
			tenantRows = append(tenantRows, row)
		}
	}
	if len(tenantRows) > 0 {
		return tenantRows, nil
	}
	return rows, nil
}
