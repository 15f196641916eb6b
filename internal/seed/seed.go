// Package seed writes the platform-scoped rule rows a fresh install
// needs so every tenant starts with working defaults.
package seed

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	ruledomain "github.com/canvastack/stencil/internal/ruleconfig/domain"
	"github.com/canvastack/stencil/internal/tenantctx"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type platformRule struct {
	code   string
	params datatypes.JSONMap
}

var defaults = []platformRule{
	{ruledomain.RuleMaxRounds, datatypes.JSONMap{"max_rounds": 5}},
	{ruledomain.RuleFundContribution, datatypes.JSONMap{"basis_points": 250}},
	{ruledomain.RuleRefundFees, datatypes.JSONMap{"admin_fee_bp": 200, "tax_withholding_bp": 0}},
}

// EnsurePlatformRules inserts a platform-scope row per rule code unless
// one already exists. Tenant rows are never touched.
func EnsurePlatformRules(db *gorm.DB) error {
	if db == nil {
		return errors.New("seed database handle is required")
	}

	node, err := snowflake.NewNode(1)
	if err != nil {
		return err
	}

	ctx := context.Background()
	return db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for _, rule := range defaults {
			var count int64
			err := tx.Model(&ruledomain.RuleConfiguration{}).
				Where("scope_kind = ? AND rule_code = ?", tenantctx.ScopePlatform, rule.code).
				Count(&count).Error
			if err != nil {
				return err
			}
			if count > 0 {
				continue
			}

			now := time.Now().UTC()
			row := ruledomain.RuleConfiguration{
				ID:        node.Generate(),
				ScopeKind: tenantctx.ScopePlatform,
				RuleCode:  rule.code,
				Enabled:   true,
				Params:    rule.params,
				CreatedAt: now,
				UpdatedAt: now,
			}
			if err := tx.Create(&row).Error; err != nil {
				return err
			}
		}
		return nil
	})
}
