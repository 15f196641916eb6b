// Package orderledger exposes the read-only view of an order's captured
// payments. The commerce core that writes these rows is an external
// collaborator; refund validation and allocation only ever read them.
package orderledger

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/canvastack/stencil/pkg/money"
	"go.uber.org/fx"
	"gorm.io/gorm"
)

type TransactionStatus string

const (
	StatusAuthorized TransactionStatus = "authorized"
	StatusCaptured   TransactionStatus = "captured"
	StatusSettled    TransactionStatus = "settled"
	StatusFailed     TransactionStatus = "failed"
)

// Transaction is one captured payment against an order.
type Transaction struct {
	ID         snowflake.ID      `gorm:"primaryKey"`
	TenantID   snowflake.ID      `gorm:"not null;index"`
	OrderID    snowflake.ID      `gorm:"not null;index"`
	Amount     int64             `gorm:"not null"`
	Currency   string            `gorm:"type:text;not null"`
	Status     TransactionStatus `gorm:"type:text;not null"`
	GatewayRef string            `gorm:"type:text"`
	CapturedAt *time.Time        `gorm:""`
	CreatedAt  time.Time         `gorm:"not null"`
}

// TableName sets the database table name.
func (Transaction) TableName() string { return "payment_transactions" }

type OrderLedger interface {
	GetPaidAmount(ctx context.Context, tenantID, orderID snowflake.ID) (money.Money, error)
	GetPaymentTransactions(ctx context.Context, tenantID, orderID snowflake.ID) ([]Transaction, error)
}

var Module = fx.Module("orderledger",
	fx.Provide(New),
)

type ledger struct {
	db *gorm.DB
}

func New(db *gorm.DB) OrderLedger {
	return &ledger{db: db}
}

func (l *ledger) GetPaidAmount(ctx context.Context, tenantID, orderID snowflake.ID) (money.Money, error) {
	var row struct {
		Total    int64
		Currency string
	}
	err := l.db.WithContext(ctx).Raw(
		`SELECT COALESCE(SUM(amount), 0) AS total, COALESCE(MAX(currency), '') AS currency
		 FROM payment_transactions
		 WHERE tenant_id = ? AND order_id = ? AND status IN (?, ?)`,
		tenantID,
		orderID,
		StatusCaptured,
		StatusSettled,
	).Scan(&row).Error
	if err != nil {
		return money.Money{}, err
	}
	return money.New(row.Total, row.Currency), nil
}

func (l *ledger) GetPaymentTransactions(ctx context.Context, tenantID, orderID snowflake.ID) ([]Transaction, error) {
	var txns []Transaction
	err := l.db.WithContext(ctx).Raw(
		`SELECT id, tenant_id, order_id, amount, currency, status, gateway_ref, captured_at, created_at
		 FROM payment_transactions
		 WHERE tenant_id = ? AND order_id = ?
		 ORDER BY created_at ASC, id ASC`,
		tenantID,
		orderID,
	).Scan(&txns).Error
	if err != nil {
		return nil, err
	}
	return txns, nil
}
