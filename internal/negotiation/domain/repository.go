package domain

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

type Repository interface {
	Insert(ctx context.Context, db *gorm.DB, quote *Quote) error

	// FindByIDForUpdate loads the quote under its row lock; must run
	// inside a transaction. Returns nil when absent.
	FindByIDForUpdate(ctx context.Context, tx *gorm.DB, tenantID, id snowflake.ID) (*Quote, error)

	// FindByID is the lock-free read path.
	FindByID(ctx context.Context, db *gorm.DB, tenantID, id snowflake.ID) (*Quote, error)

	// ActiveExists reports whether a non-terminal quote exists for the
	// (order, vendor) pair.
	ActiveExists(ctx context.Context, db *gorm.DB, tenantID, orderID, vendorID snowflake.ID) (bool, error)

	Update(ctx context.Context, tx *gorm.DB, quote *Quote) error

	// FetchExpirable claims a batch of non-terminal quotes whose expiry
	// has passed, skipping rows locked by other sweepers.
	FetchExpirable(ctx context.Context, tx *gorm.DB, now time.Time, limit int) ([]Quote, error)

	InsertMessage(ctx context.Context, db *gorm.DB, msg *Message) error
	ListMessages(ctx context.Context, db *gorm.DB, tenantID, quoteID snowflake.ID) ([]Message, error)
	MarkMessageRead(ctx context.Context, db *gorm.DB, tenantID, messageID snowflake.ID, readAt time.Time) (bool, error)
}
