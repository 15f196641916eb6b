package repository

import (
	"context"

	"github.com/bwmarrin/snowflake"
	"github.com/canvastack/stencil/internal/allocation/domain"
	"gorm.io/gorm"
)

type repo struct{}

func Provide() domain.Repository {
	return &repo{}
}

func (r *repo) InsertAll(ctx context.Context, tx *gorm.DB, rows []domain.PaymentAllocation) error {
	for i := range rows {
		err := tx.WithContext(ctx).Exec(
			`INSERT INTO payment_allocations (
				id, tenant_id, transaction_id, bucket_type, amount, created_at
			) VALUES (?, ?, ?, ?, ?, ?)`,
			rows[i].ID,
			rows[i].TenantID,
			rows[i].TransactionID,
			rows[i].BucketType,
			rows[i].Amount,
			rows[i].CreatedAt,
		).Error
		if err != nil {
			return err
		}
	}
	return nil
}

func (r *repo) ListByTransaction(ctx context.Context, db *gorm.DB, tenantID, transactionID snowflake.ID) ([]domain.PaymentAllocation, error) {
	var rows []domain.PaymentAllocation
	err := db.WithContext(ctx).Raw(
		`SELECT id, tenant_id, transaction_id, bucket_type, amount, created_at
		 FROM payment_allocations
		 WHERE tenant_id = ? AND transaction_id = ?
		 ORDER BY id ASC`,
		tenantID,
		transactionID,
	).Scan(&rows).Error
	if err != nil {
		return nil, err
	}
	return rows, nil
}

func (r *repo) Exists(ctx context.Context, db *gorm.DB, tenantID, transactionID snowflake.ID) (bool, error) {
	var count int64
	err := db.WithContext(ctx).Raw(
		`SELECT COUNT(1) FROM payment_allocations WHERE tenant_id = ? AND transaction_id = ?`,
		tenantID,
		transactionID,
	).Scan(&count).Error
	if err != nil {
		return false, err
	}
	return count > 0, nil
}
