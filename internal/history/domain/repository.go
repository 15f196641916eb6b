package domain

import (
	"context"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

type Repository interface {
	// Append inserts one transition inside the caller's transaction,
	// allocating the next per-aggregate sequence number. The caller must
	// already hold the aggregate's row lock.
	Append(ctx context.Context, tx *gorm.DB, entry *Transition) error

	// List returns the full ordered history for one aggregate. Lock-free.
	List(ctx context.Context, db *gorm.DB, tenantID snowflake.ID, aggregateType AggregateType, aggregateID snowflake.ID) ([]Transition, error)
}
