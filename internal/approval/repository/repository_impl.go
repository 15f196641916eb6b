package repository

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/canvastack/stencil/internal/approval/domain"
	pkgdb "github.com/canvastack/stencil/pkg/db"
	"gorm.io/gorm"
)

const stepColumns = `id, tenant_id, refund_request_id, step_order, name,
	required_level, assignee_role, escalate_to_role, status, is_current,
	auto_approved, sla_deadline, sla_breached, decided_by, decided_at,
	decision_notes, created_at, updated_at`

type repo struct{}

func Provide() domain.Repository {
	return &repo{}
}

func (r *repo) InsertSteps(ctx context.Context, tx *gorm.DB, steps []domain.Step) error {
	for i := range steps {
		err := tx.WithContext(ctx).Exec(
			`INSERT INTO approval_steps (
				id, tenant_id, refund_request_id, step_order, name,
				required_level, assignee_role, escalate_to_role, status,
				is_current, auto_approved, sla_deadline, sla_breached,
				decided_by, decided_at, decision_notes, created_at, updated_at
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			steps[i].ID,
			steps[i].TenantID,
			steps[i].RefundRequestID,
			steps[i].StepOrder,
			steps[i].Name,
			steps[i].RequiredLevel,
			steps[i].AssigneeRole,
			steps[i].EscalateToRole,
			steps[i].Status,
			steps[i].IsCurrent,
			steps[i].AutoApproved,
			steps[i].SLADeadline,
			steps[i].SLABreached,
			steps[i].DecidedBy,
			steps[i].DecidedAt,
			steps[i].DecisionNotes,
			steps[i].CreatedAt,
			steps[i].UpdatedAt,
		).Error
		if err != nil {
			return err
		}
	}
	return nil
}

func (r *repo) ListByRequest(ctx context.Context, db *gorm.DB, tenantID, refundRequestID snowflake.ID) ([]domain.Step, error) {
	var steps []domain.Step
	err := db.WithContext(ctx).Raw(
		`SELECT `+stepColumns+` FROM approval_steps
		 WHERE tenant_id = ? AND refund_request_id = ?
		 ORDER BY step_order ASC`,
		tenantID,
		refundRequestID,
	).Scan(&steps).Error
	if err != nil {
		return nil, err
	}
	return steps, nil
}

func (r *repo) FindByID(ctx context.Context, db *gorm.DB, tenantID, stepID snowflake.ID) (*domain.Step, error) {
	var step domain.Step
	err := db.WithContext(ctx).Raw(
		`SELECT `+stepColumns+` FROM approval_steps WHERE tenant_id = ? AND id = ?`,
		tenantID,
		stepID,
	).Scan(&step).Error
	if err != nil {
		return nil, err
	}
	if step.ID == 0 {
		return nil, nil
	}
	return &step, nil
}

// Decide only lands while the step is the undecided current step. Two
// concurrent deciders race on this row; the guard makes one a clean loser
// instead of a double decision.
func (r *repo) Decide(ctx context.Context, tx *gorm.DB, step *domain.Step) (bool, error) {
	result := tx.WithContext(ctx).Exec(
		`UPDATE approval_steps SET
			status = ?, is_current = ?, auto_approved = ?, decided_by = ?,
			decided_at = ?, decision_notes = ?, updated_at = ?
		 WHERE tenant_id = ? AND id = ?
		   AND is_current = ? AND status IN (?, ?)`,
		step.Status,
		step.IsCurrent,
		step.AutoApproved,
		step.DecidedBy,
		step.DecidedAt,
		step.DecisionNotes,
		step.UpdatedAt,
		step.TenantID,
		step.ID,
		true,
		domain.StepPending,
		domain.StepEscalated,
	)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

func (r *repo) AdvanceCursor(ctx context.Context, tx *gorm.DB, tenantID, refundRequestID snowflake.ID, nextOrder int, now time.Time) error {
	return tx.WithContext(ctx).Exec(
		`UPDATE approval_steps SET is_current = ?, updated_at = ?
		 WHERE tenant_id = ? AND refund_request_id = ? AND step_order = ? AND status = ?`,
		true,
		now,
		tenantID,
		refundRequestID,
		nextOrder,
		domain.StepPending,
	).Error
}

func (r *repo) SkipRemaining(ctx context.Context, tx *gorm.DB, tenantID, refundRequestID snowflake.ID, now time.Time) ([]domain.Step, error) {
	var skipped []domain.Step
	err := tx.WithContext(ctx).Raw(
		`SELECT `+stepColumns+` FROM approval_steps
		 WHERE tenant_id = ? AND refund_request_id = ? AND status IN (?, ?)
		 ORDER BY step_order ASC`,
		tenantID,
		refundRequestID,
		domain.StepPending,
		domain.StepEscalated,
	).Scan(&skipped).Error
	if err != nil {
		return nil, err
	}
	if len(skipped) == 0 {
		return nil, nil
	}

	err = tx.WithContext(ctx).Exec(
		`UPDATE approval_steps SET status = ?, is_current = ?, updated_at = ?
		 WHERE tenant_id = ? AND refund_request_id = ? AND status IN (?, ?)`,
		domain.StepSkipped,
		false,
		now,
		tenantID,
		refundRequestID,
		domain.StepPending,
		domain.StepEscalated,
	).Error
	if err != nil {
		return nil, err
	}
	for i := range skipped {
		skipped[i].Status = domain.StepSkipped
		skipped[i].IsCurrent = false
		skipped[i].UpdatedAt = now
	}
	return skipped, nil
}

func (r *repo) MarkEscalated(ctx context.Context, tx *gorm.DB, step *domain.Step) (bool, error) {
	result := tx.WithContext(ctx).Exec(
		`UPDATE approval_steps SET status = ?, sla_breached = ?, assignee_role = ?, sla_deadline = ?, updated_at = ?
		 WHERE tenant_id = ? AND id = ? AND status = ?`,
		domain.StepEscalated,
		true,
		step.AssigneeRole,
		step.SLADeadline,
		step.UpdatedAt,
		step.TenantID,
		step.ID,
		domain.StepPending,
	)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

func (r *repo) FetchOverdue(ctx context.Context, tx *gorm.DB, now time.Time, limit int) ([]domain.Step, error) {
	var steps []domain.Step
	err := tx.WithContext(ctx).Raw(
		`SELECT `+stepColumns+` FROM approval_steps
		 WHERE status = ? AND is_current = ?
		   AND sla_deadline IS NOT NULL AND sla_deadline < ?
		 ORDER BY sla_deadline ASC, id ASC
		 LIMIT ?`+pkgdb.SkipLocked(tx),
		domain.StepPending,
		true,
		now,
		limit,
	).Scan(&steps).Error
	if err != nil {
		return nil, err
	}
	return steps, nil
}
