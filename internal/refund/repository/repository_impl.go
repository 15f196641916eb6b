package repository

import (
	"context"

	"github.com/bwmarrin/snowflake"
	"github.com/canvastack/stencil/internal/refund/domain"
	pkgdb "github.com/canvastack/stencil/pkg/db"
	"gorm.io/gorm"
)

const requestColumns = `id, tenant_id, order_id, requester_id, reason, type, status,
	currency, requested_amount, base_amount, fee_amount, tax_amount, net_amount,
	fault_party, vendor_recoverable, company_loss, final_amount, current_step_id,
	evidence, gateway_ref, failure_reason, created_at, updated_at, closed_at`

type repo struct{}

func Provide() domain.Repository {
	return &repo{}
}

func (r *repo) Insert(ctx context.Context, tx *gorm.DB, req *domain.Request) error {
	return tx.WithContext(ctx).Exec(
		`INSERT INTO refund_requests (
			id, tenant_id, order_id, requester_id, reason, type, status,
			currency, requested_amount, base_amount, fee_amount, tax_amount,
			net_amount, fault_party, vendor_recoverable, company_loss,
			final_amount, current_step_id, evidence, gateway_ref,
			failure_reason, created_at, updated_at, closed_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		req.ID,
		req.TenantID,
		req.OrderID,
		req.RequesterID,
		req.Reason,
		req.Type,
		req.Status,
		req.Currency,
		req.RequestedAmount,
		req.BaseAmount,
		req.FeeAmount,
		req.TaxAmount,
		req.NetAmount,
		req.FaultParty,
		req.VendorRecoverable,
		req.CompanyLoss,
		req.FinalAmount,
		req.CurrentStepID,
		req.Evidence,
		req.GatewayRef,
		req.FailureReason,
		req.CreatedAt,
		req.UpdatedAt,
		req.ClosedAt,
	).Error
}

func (r *repo) FindByIDForUpdate(ctx context.Context, tx *gorm.DB, tenantID, id snowflake.ID) (*domain.Request, error) {
	var req domain.Request
	err := tx.WithContext(ctx).Raw(
		`SELECT `+requestColumns+` FROM refund_requests WHERE tenant_id = ? AND id = ?`+pkgdb.RowLock(tx),
		tenantID,
		id,
	).Scan(&req).Error
	if err != nil {
		return nil, err
	}
	if req.ID == 0 {
		return nil, nil
	}
	return &req, nil
}

func (r *repo) FindByID(ctx context.Context, db *gorm.DB, tenantID, id snowflake.ID) (*domain.Request, error) {
	var req domain.Request
	err := db.WithContext(ctx).Raw(
		`SELECT `+requestColumns+` FROM refund_requests WHERE tenant_id = ? AND id = ?`,
		tenantID,
		id,
	).Scan(&req).Error
	if err != nil {
		return nil, err
	}
	if req.ID == 0 {
		return nil, nil
	}
	return &req, nil
}

func (r *repo) Update(ctx context.Context, tx *gorm.DB, req *domain.Request) error {
	return tx.WithContext(ctx).Exec(
		`UPDATE refund_requests SET
			status = ?, final_amount = ?, current_step_id = ?, gateway_ref = ?,
			failure_reason = ?, updated_at = ?, closed_at = ?
		 WHERE tenant_id = ? AND id = ?`,
		req.Status,
		req.FinalAmount,
		req.CurrentStepID,
		req.GatewayRef,
		req.FailureReason,
		req.UpdatedAt,
		req.ClosedAt,
		req.TenantID,
		req.ID,
	).Error
}

func (r *repo) InsertDispute(ctx context.Context, tx *gorm.DB, dispute *domain.Dispute) error {
	return tx.WithContext(ctx).Exec(
		`INSERT INTO refund_disputes (
			id, tenant_id, refund_request_id, claim, customer_evidence,
			company_evidence, status, outcome, final_refund_amount,
			resolution_notes, resolved_at, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		dispute.ID,
		dispute.TenantID,
		dispute.RefundRequestID,
		dispute.Claim,
		dispute.CustomerEvidence,
		dispute.CompanyEvidence,
		dispute.Status,
		dispute.Outcome,
		dispute.FinalRefundAmount,
		dispute.ResolutionNotes,
		dispute.ResolvedAt,
		dispute.CreatedAt,
		dispute.UpdatedAt,
	).Error
}

func (r *repo) FindOpenDispute(ctx context.Context, db *gorm.DB, tenantID, refundRequestID snowflake.ID) (*domain.Dispute, error) {
	var dispute domain.Dispute
	err := db.WithContext(ctx).Raw(
		`SELECT id, tenant_id, refund_request_id, claim, customer_evidence,
		        company_evidence, status, outcome, final_refund_amount,
		        resolution_notes, resolved_at, created_at, updated_at
		 FROM refund_disputes
		 WHERE tenant_id = ? AND refund_request_id = ? AND status = ?`,
		tenantID,
		refundRequestID,
		domain.DisputeOpen,
	).Scan(&dispute).Error
	if err != nil {
		return nil, err
	}
	if dispute.ID == 0 {
		return nil, nil
	}
	return &dispute, nil
}

func (r *repo) UpdateDispute(ctx context.Context, tx *gorm.DB, dispute *domain.Dispute) error {
	return tx.WithContext(ctx).Exec(
		`UPDATE refund_disputes SET
			status = ?, outcome = ?, final_refund_amount = ?,
			resolution_notes = ?, resolved_at = ?, updated_at = ?
		 WHERE tenant_id = ? AND id = ?`,
		dispute.Status,
		dispute.Outcome,
		dispute.FinalRefundAmount,
		dispute.ResolutionNotes,
		dispute.ResolvedAt,
		dispute.UpdatedAt,
		dispute.TenantID,
		dispute.ID,
	).Error
}

func (r *repo) InsertLiability(ctx context.Context, tx *gorm.DB, liability *domain.VendorLiability) error {
	return tx.WithContext(ctx).Exec(
		`INSERT INTO vendor_liabilities (
			id, tenant_id, refund_request_id, vendor_id, amount,
			recovered_amount, status, reason, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		liability.ID,
		liability.TenantID,
		liability.RefundRequestID,
		liability.VendorID,
		liability.Amount,
		liability.RecoveredAmount,
		liability.Status,
		liability.Reason,
		liability.CreatedAt,
		liability.UpdatedAt,
	).Error
}

func (r *repo) FindLiabilityForUpdate(ctx context.Context, tx *gorm.DB, tenantID, liabilityID snowflake.ID) (*domain.VendorLiability, error) {
	var liability domain.VendorLiability
	err := tx.WithContext(ctx).Raw(
		`SELECT id, tenant_id, refund_request_id, vendor_id, amount,
		        recovered_amount, status, reason, created_at, updated_at
		 FROM vendor_liabilities WHERE tenant_id = ? AND id = ?`+pkgdb.RowLock(tx),
		tenantID,
		liabilityID,
	).Scan(&liability).Error
	if err != nil {
		return nil, err
	}
	if liability.ID == 0 {
		return nil, nil
	}
	return &liability, nil
}

func (r *repo) ListLiabilities(ctx context.Context, db *gorm.DB, tenantID, refundRequestID snowflake.ID) ([]domain.VendorLiability, error) {
	var liabilities []domain.VendorLiability
	err := db.WithContext(ctx).Raw(
		`SELECT id, tenant_id, refund_request_id, vendor_id, amount,
		        recovered_amount, status, reason, created_at, updated_at
		 FROM vendor_liabilities
		 WHERE tenant_id = ? AND refund_request_id = ?
		 ORDER BY created_at ASC, id ASC`,
		tenantID,
		refundRequestID,
	).Scan(&liabilities).Error
	if err != nil {
		return nil, err
	}
	return liabilities, nil
}

func (r *repo) UpdateLiability(ctx context.Context, tx *gorm.DB, liability *domain.VendorLiability) error {
	return tx.WithContext(ctx).Exec(
		`UPDATE vendor_liabilities SET
			recovered_amount = ?, status = ?, reason = ?, updated_at = ?
		 WHERE tenant_id = ? AND id = ?`,
		liability.RecoveredAmount,
		liability.Status,
		liability.Reason,
		liability.UpdatedAt,
		liability.TenantID,
		liability.ID,
	).Error
}

func (r *repo) InsertProcessingLog(ctx context.Context, db *gorm.DB, entry *domain.ProcessingLog) error {
	return db.WithContext(ctx).Exec(
		`INSERT INTO refund_processing_logs (
			id, tenant_id, refund_request_id, attempt, action, outcome,
			gateway_ref, failure_reason, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		entry.ID,
		entry.TenantID,
		entry.RefundRequestID,
		entry.Attempt,
		entry.Action,
		entry.Outcome,
		entry.GatewayRef,
		entry.FailureReason,
		entry.CreatedAt,
	).Error
}

func (r *repo) ListProcessingLogs(ctx context.Context, db *gorm.DB, tenantID, refundRequestID snowflake.ID) ([]domain.ProcessingLog, error) {
	var logs []domain.ProcessingLog
	err := db.WithContext(ctx).Raw(
		`SELECT id, tenant_id, refund_request_id, attempt, action, outcome,
		        gateway_ref, failure_reason, created_at
		 FROM refund_processing_logs
		 WHERE tenant_id = ? AND refund_request_id = ?
		 ORDER BY attempt ASC, id ASC`,
		tenantID,
		refundRequestID,
	).Scan(&logs).Error
	if err != nil {
		return nil, err
	}
	return logs, nil
}

func (r *repo) CountProcessingAttempts(ctx context.Context, db *gorm.DB, tenantID, refundRequestID snowflake.ID) (int, error) {
	var count int
	err := db.WithContext(ctx).Raw(
		`SELECT COUNT(1) FROM refund_processing_logs
		 WHERE tenant_id = ? AND refund_request_id = ? AND action = ?`,
		tenantID,
		refundRequestID,
		"gateway_refund",
	).Scan(&count).Error
	if err != nil {
		return 0, err
	}
	return count, nil
}
