package domain

import (
	"context"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

type Repository interface {
	Insert(ctx context.Context, tx *gorm.DB, req *Request) error

	// FindByIDForUpdate loads the request under its row lock; must run
	// inside a transaction. Returns nil when absent.
	FindByIDForUpdate(ctx context.Context, tx *gorm.DB, tenantID, id snowflake.ID) (*Request, error)

	// FindByID is the lock-free read path.
	FindByID(ctx context.Context, db *gorm.DB, tenantID, id snowflake.ID) (*Request, error)

	Update(ctx context.Context, tx *gorm.DB, req *Request) error

	InsertDispute(ctx context.Context, tx *gorm.DB, dispute *Dispute) error
	FindOpenDispute(ctx context.Context, db *gorm.DB, tenantID, refundRequestID snowflake.ID) (*Dispute, error)
	UpdateDispute(ctx context.Context, tx *gorm.DB, dispute *Dispute) error

	InsertLiability(ctx context.Context, tx *gorm.DB, liability *VendorLiability) error
	FindLiabilityForUpdate(ctx context.Context, tx *gorm.DB, tenantID, liabilityID snowflake.ID) (*VendorLiability, error)
	ListLiabilities(ctx context.Context, db *gorm.DB, tenantID, refundRequestID snowflake.ID) ([]VendorLiability, error)
	UpdateLiability(ctx context.Context, tx *gorm.DB, liability *VendorLiability) error

	InsertProcessingLog(ctx context.Context, db *gorm.DB, entry *ProcessingLog) error
	ListProcessingLogs(ctx context.Context, db *gorm.DB, tenantID, refundRequestID snowflake.ID) ([]ProcessingLog, error)
	CountProcessingAttempts(ctx context.Context, db *gorm.DB, tenantID, refundRequestID snowflake.ID) (int, error)
}
