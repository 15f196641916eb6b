package repository

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/canvastack/stencil/internal/negotiation/domain"
	pkgdb "github.com/canvastack/stencil/pkg/db"
	"gorm.io/gorm"
)

const quoteColumns = `id, tenant_id, order_id, vendor_id, product_id, quantity,
	specifications, notes, status, round, initial_offer, latest_offer, currency,
	response_type, response_notes, sent_at, responded_at, expires_at, closed_at,
	created_at, updated_at`

type repo struct{}

func Provide() domain.Repository {
	return &repo{}
}

func (r *repo) Insert(ctx context.Context, db *gorm.DB, quote *domain.Quote) error {
	return db.WithContext(ctx).Exec(
		`INSERT INTO quotes (
			id, tenant_id, order_id, vendor_id, product_id, quantity,
			specifications, notes, status, round, initial_offer, latest_offer,
			currency, response_type, response_notes, sent_at, responded_at,
			expires_at, closed_at, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		quote.ID,
		quote.TenantID,
		quote.OrderID,
		quote.VendorID,
		quote.ProductID,
		quote.Quantity,
		quote.Specifications,
		quote.Notes,
		quote.Status,
		quote.Round,
		quote.InitialOffer,
		quote.LatestOffer,
		quote.Currency,
		quote.ResponseType,
		quote.ResponseNotes,
		quote.SentAt,
		quote.RespondedAt,
		quote.ExpiresAt,
		quote.ClosedAt,
		quote.CreatedAt,
		quote.UpdatedAt,
	).Error
}

func (r *repo) FindByIDForUpdate(ctx context.Context, tx *gorm.DB, tenantID, id snowflake.ID) (*domain.Quote, error) {
	var quote domain.Quote
	err := tx.WithContext(ctx).Raw(
		`SELECT `+quoteColumns+` FROM quotes WHERE tenant_id = ? AND id = ?`+pkgdb.RowLock(tx),
		tenantID,
		id,
	).Scan(&quote).Error
	if err != nil {
		return nil, err
	}
	if quote.ID == 0 {
		return nil, nil
	}
	return &quote, nil
}

func (r *repo) FindByID(ctx context.Context, db *gorm.DB, tenantID, id snowflake.ID) (*domain.Quote, error) {
	var quote domain.Quote
	err := db.WithContext(ctx).Raw(
		`SELECT `+quoteColumns+` FROM quotes WHERE tenant_id = ? AND id = ?`,
		tenantID,
		id,
	).Scan(&quote).Error
	if err != nil {
		return nil, err
	}
	if quote.ID == 0 {
		return nil, nil
	}
	return &quote, nil
}

func (r *repo) ActiveExists(ctx context.Context, db *gorm.DB, tenantID, orderID, vendorID snowflake.ID) (bool, error) {
	var count int64
	err := db.WithContext(ctx).Raw(
		`SELECT COUNT(1) FROM quotes
		 WHERE tenant_id = ? AND order_id = ? AND vendor_id = ?
		   AND status NOT IN (?, ?, ?)`,
		tenantID,
		orderID,
		vendorID,
		domain.StatusAccepted,
		domain.StatusRejected,
		domain.StatusExpired,
	).Scan(&count).Error
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

func (r *repo) Update(ctx context.Context, tx *gorm.DB, quote *domain.Quote) error {
	return tx.WithContext(ctx).Exec(
		`UPDATE quotes SET
			status = ?, round = ?, latest_offer = ?, response_type = ?,
			response_notes = ?, sent_at = ?, responded_at = ?, expires_at = ?,
			closed_at = ?, updated_at = ?
		 WHERE tenant_id = ? AND id = ?`,
		quote.Status,
		quote.Round,
		quote.LatestOffer,
		quote.ResponseType,
		quote.ResponseNotes,
		quote.SentAt,
		quote.RespondedAt,
		quote.ExpiresAt,
		quote.ClosedAt,
		quote.UpdatedAt,
		quote.TenantID,
		quote.ID,
	).Error
}

func (r *repo) FetchExpirable(ctx context.Context, tx *gorm.DB, now time.Time, limit int) ([]domain.Quote, error) {
	var quotes []domain.Quote
	err := tx.WithContext(ctx).Raw(
		`SELECT `+quoteColumns+` FROM quotes
		 WHERE status NOT IN (?, ?, ?)
		   AND expires_at IS NOT NULL AND expires_at < ?
		 ORDER BY expires_at ASC, id ASC
		 LIMIT ?`+pkgdb.SkipLocked(tx),
		domain.StatusAccepted,
		domain.StatusRejected,
		domain.StatusExpired,
		now,
		limit,
	).Scan(&quotes).Error
	if err != nil {
		return nil, err
	}
	return quotes, nil
}

func (r *repo) InsertMessage(ctx context.Context, db *gorm.DB, msg *domain.Message) error {
	return db.WithContext(ctx).Exec(
		`INSERT INTO quote_messages (
			id, tenant_id, quote_id, sender_type, sender_id, body, attachments, read_at, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		msg.ID,
		msg.TenantID,
		msg.QuoteID,
		msg.SenderType,
		msg.SenderID,
		msg.Body,
		msg.Attachments,
		msg.ReadAt,
		msg.CreatedAt,
	).Error
}

func (r *repo) ListMessages(ctx context.Context, db *gorm.DB, tenantID, quoteID snowflake.ID) ([]domain.Message, error) {
	var msgs []domain.Message
	err := db.WithContext(ctx).Raw(
		`SELECT id, tenant_id, quote_id, sender_type, sender_id, body, attachments, read_at, created_at
		 FROM quote_messages
		 WHERE tenant_id = ? AND quote_id = ?
		 ORDER BY created_at ASC, id ASC`,
		tenantID,
		quoteID,
	).Scan(&msgs).Error
	if err != nil {
		return nil, err
	}
	return msgs, nil
}

func (r *repo) MarkMessageRead(ctx context.Context, db *gorm.DB, tenantID, messageID snowflake.ID, readAt time.Time) (bool, error) {
	result := db.WithContext(ctx).Exec(
		`UPDATE quote_messages SET read_at = ?
		 WHERE tenant_id = ? AND id = ? AND read_at IS NULL`,
		readAt,
		tenantID,
		messageID,
	)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}
