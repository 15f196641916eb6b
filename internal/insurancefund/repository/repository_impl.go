package repository

import (
	"context"

	"github.com/bwmarrin/snowflake"
	"github.com/canvastack/stencil/internal/insurancefund/domain"
	pkgdb "github.com/canvastack/stencil/pkg/db"
	"gorm.io/gorm"
)

const fundColumns = `id, tenant_id, seq, type, amount, balance_before,
	balance_after, reference, reason, created_at`

type repo struct{}

func Provide() domain.Repository {
	return &repo{}
}

func (r *repo) LastForUpdate(ctx context.Context, tx *gorm.DB, tenantID snowflake.ID) (*domain.FundTransaction, error) {
	var row domain.FundTransaction
	err := tx.WithContext(ctx).Raw(
		`SELECT `+fundColumns+` FROM insurance_fund_transactions
		 WHERE tenant_id = ?
		 ORDER BY seq DESC LIMIT 1`+pkgdb.RowLock(tx),
		tenantID,
	).Scan(&row).Error
	if err != nil {
		return nil, err
	}
	if row.ID == 0 {
		return nil, nil
	}
	return &row, nil
}

func (r *repo) Insert(ctx context.Context, tx *gorm.DB, row *domain.FundTransaction) error {
	return tx.WithContext(ctx).Exec(
		`INSERT INTO insurance_fund_transactions (
			id, tenant_id, seq, type, amount, balance_before,
			balance_after, reference, reason, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		row.ID,
		row.TenantID,
		row.Seq,
		row.Type,
		row.Amount,
		row.BalanceBefore,
		row.BalanceAfter,
		row.Reference,
		row.Reason,
		row.CreatedAt,
	).Error
}

func (r *repo) Last(ctx context.Context, db *gorm.DB, tenantID snowflake.ID) (*domain.FundTransaction, error) {
	var row domain.FundTransaction
	err := db.WithContext(ctx).Raw(
		`SELECT `+fundColumns+` FROM insurance_fund_transactions
		 WHERE tenant_id = ?
		 ORDER BY seq DESC LIMIT 1`,
		tenantID,
	).Scan(&row).Error
	if err != nil {
		return nil, err
	}
	if row.ID == 0 {
		return nil, nil
	}
	return &row, nil
}

func (r *repo) List(ctx context.Context, db *gorm.DB, tenantID snowflake.ID) ([]domain.FundTransaction, error) {
	var rows []domain.FundTransaction
	err := db.WithContext(ctx).Raw(
		`SELECT `+fundColumns+` FROM insurance_fund_transactions
		 WHERE tenant_id = ?
		 ORDER BY seq ASC`,
		tenantID,
	).Scan(&rows).Error
	if err != nil {
		return nil, err
	}
	return rows, nil
}
