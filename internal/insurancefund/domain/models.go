// Package domain contains the insurance fund ledger: a per-tenant
// append-only chain of contributions and withdrawals where every row
// carries the balance before and after, so the chain itself proves the
// running balance.
package domain

import (
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
)

type TransactionType string

const (
	TypeContribution TransactionType = "contribution"
	TypeWithdrawal   TransactionType = "withdrawal"
)

// Signed returns the balance delta for an amount of this type.
func (t TransactionType) Signed(amount int64) int64 {
	if t == TypeWithdrawal {
		return -amount
	}
	return amount
}

// FundTransaction is one immutable ledger row. Rows are appended in
// strict per-tenant sequence; balance_before of row n+1 must equal
// balance_after of row n.
type FundTransaction struct {
	ID            snowflake.ID    `gorm:"primaryKey"`
	TenantID      snowflake.ID    `gorm:"not null;uniqueIndex:ux_fund_tenant_seq"`
	Seq           int64           `gorm:"not null;uniqueIndex:ux_fund_tenant_seq"`
	Type          TransactionType `gorm:"type:text;not null"`
	Amount        int64           `gorm:"not null"`
	BalanceBefore int64           `gorm:"not null"`
	BalanceAfter  int64           `gorm:"not null"`
	Reference     snowflake.ID    `gorm:""`
	Reason        string          `gorm:"type:text"`
	CreatedAt     time.Time       `gorm:"not null"`
}

// TableName sets the database table name.
func (FundTransaction) TableName() string { return "insurance_fund_transactions" }

var (
	ErrInvalidAmount       = errors.New("amount_must_be_positive")
	ErrInsufficientBalance = errors.New("insufficient_fund_balance")
	ErrChainBroken         = errors.New("fund_balance_chain_broken")
)

// VerifyChain checks the balance linkage over an ordered slice of rows.
func VerifyChain(rows []FundTransaction) error {
	for i, row := range rows {
		if row.BalanceAfter != row.BalanceBefore+row.Type.Signed(row.Amount) {
			return ErrChainBroken
		}
		if i > 0 && rows[i-1].BalanceAfter != row.BalanceBefore {
			return ErrChainBroken
		}
	}
	return nil
}
