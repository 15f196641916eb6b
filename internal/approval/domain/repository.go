package domain

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

type Repository interface {
	// InsertSteps writes the full materialized chain in the caller's
	// transaction.
	InsertSteps(ctx context.Context, tx *gorm.DB, steps []Step) error

	// ListByRequest returns all steps for the request ordered by
	// step_order. Lock-free.
	ListByRequest(ctx context.Context, db *gorm.DB, tenantID, refundRequestID snowflake.ID) ([]Step, error)

	FindByID(ctx context.Context, db *gorm.DB, tenantID, stepID snowflake.ID) (*Step, error)

	// Decide applies a decision with a guarded update: it only lands when
	// the step is still the undecided current step, so exactly one of two
	// concurrent deciders wins. Reports whether the row was claimed.
	Decide(ctx context.Context, tx *gorm.DB, step *Step) (bool, error)

	// AdvanceCursor clears is_current on the decided step's order and
	// sets it on the given next order.
	AdvanceCursor(ctx context.Context, tx *gorm.DB, tenantID, refundRequestID snowflake.ID, nextOrder int, now time.Time) error

	// SkipRemaining short-circuits every still-undecided step after a
	// rejection. Returns the skipped steps for history recording.
	SkipRemaining(ctx context.Context, tx *gorm.DB, tenantID, refundRequestID snowflake.ID, now time.Time) ([]Step, error)

	// MarkEscalated flips one pending step to escalated; guarded so a
	// concurrent sweep or decision makes it a no-op.
	MarkEscalated(ctx context.Context, tx *gorm.DB, step *Step) (bool, error)

	// FetchOverdue claims a batch of current pending steps whose SLA
	// deadline has passed, skipping rows locked by other sweepers.
	FetchOverdue(ctx context.Context, tx *gorm.DB, now time.Time, limit int) ([]Step, error)
}
