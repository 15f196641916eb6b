// Package domain defines the shared append-only status history. Every
// state transition across negotiations, refunds and approval steps lands
// here as one immutable row, ordered by a per-aggregate sequence rather
// than wall-clock alone.
package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
)

type AggregateType string

const (
	AggregateQuote         AggregateType = "quote"
	AggregateRefundRequest AggregateType = "refund_request"
	AggregateApprovalStep  AggregateType = "approval_step"
)

type ActorType string

const (
	ActorTypeUser   ActorType = "user"
	ActorTypeSystem ActorType = "system"
)

// Transition is one immutable history entry. Rows are inserted in the
// same database transaction as the state change they record and are never
// updated or deleted.
type Transition struct {
	ID            snowflake.ID  `gorm:"primaryKey"`
	TenantID      snowflake.ID  `gorm:"not null;index"`
	AggregateType AggregateType `gorm:"type:text;not null;uniqueIndex:ux_transitions_aggregate_seq"`
	AggregateID   snowflake.ID  `gorm:"not null;uniqueIndex:ux_transitions_aggregate_seq"`
	Seq           int64         `gorm:"not null;uniqueIndex:ux_transitions_aggregate_seq"`
	FromStatus    string        `gorm:"type:text"`
	ToStatus      string        `gorm:"type:text;not null"`
	ActorType     ActorType     `gorm:"type:text;not null"`
	ActorID       snowflake.ID  `gorm:""`
	Reason        string        `gorm:"type:text"`
	OccurredAt    time.Time     `gorm:"not null"`
}

// TableName sets the database table name.
func (Transition) TableName() string { return "status_transitions" }

// Replay folds ordered transitions into the final status. An empty slice
// yields "", letting callers distinguish "no history" from any real state.
func Replay(entries []Transition) string {
	if len(entries) == 0 {
		return ""
	}
	return entries[len(entries)-1].ToStatus
}
