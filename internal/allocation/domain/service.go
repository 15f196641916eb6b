package domain

import (
	"context"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

type AllocateRequest struct {
	TransactionID snowflake.ID
	Amount        int64
	Reference     snowflake.ID
}

// Engine splits a captured transaction into bucket rows and posts any
// profit-margin contribution to the insurance fund, atomically.
type Engine interface {
	Allocate(ctx context.Context, req AllocateRequest) ([]PaymentAllocation, error)
	List(ctx context.Context, transactionID snowflake.ID) ([]PaymentAllocation, error)
}

type Repository interface {
	InsertAll(ctx context.Context, tx *gorm.DB, rows []PaymentAllocation) error
	ListByTransaction(ctx context.Context, db *gorm.DB, tenantID, transactionID snowflake.ID) ([]PaymentAllocation, error)
	Exists(ctx context.Context, db *gorm.DB, tenantID, transactionID snowflake.ID) (bool, error)
}
