package repository

import (
	"context"

	"github.com/bwmarrin/snowflake"
	"github.com/canvastack/stencil/internal/history/domain"
	"gorm.io/gorm"
)

type repo struct{}

func Provide() domain.Repository {
	return &repo{}
}

func (r *repo) Append(ctx context.Context, tx *gorm.DB, entry *domain.Transition) error {
	var lastSeq int64
	if err := tx.WithContext(ctx).Raw(
		`SELECT COALESCE(MAX(seq), 0) FROM status_transitions
		 WHERE aggregate_type = ? AND aggregate_id = ?`,
		entry.AggregateType,
		entry.AggregateID,
	).Scan(&lastSeq).Error; err != nil {
		return err
	}
	entry.Seq = lastSeq + 1

	return tx.WithContext(ctx).Exec(
		`INSERT INTO status_transitions (
			id, tenant_id, aggregate_type, aggregate_id, seq,
			from_status, to_status, actor_type, actor_id, reason, occurred_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		entry.ID,
		entry.TenantID,
		entry.AggregateType,
		entry.AggregateID,
		entry.Seq,
		entry.FromStatus,
		entry.ToStatus,
		entry.ActorType,
		entry.ActorID,
		entry.Reason,
		entry.OccurredAt,
	).Error
}

func (r *repo) List(ctx context.Context, db *gorm.DB, tenantID snowflake.ID, aggregateType domain.AggregateType, aggregateID snowflake.ID) ([]domain.Transition, error) {
	var entries []domain.Transition
	err := db.WithContext(ctx).Raw(
		`SELECT id, tenant_id, aggregate_type, aggregate_id, seq,
		        from_status, to_status, actor_type, actor_id, reason, occurred_at
		 FROM status_transitions
		 WHERE tenant_id = ? AND aggregate_type = ? AND aggregate_id = ?
		 ORDER BY seq ASC`,
		tenantID,
		aggregateType,
		aggregateID,
	).Scan(&entries).Error
	if err != nil {
		return nil, err
	}
	return entries, nil
}
