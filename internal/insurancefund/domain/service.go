package domain

import (
	"context"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

type EntryRequest struct {
	TenantID  snowflake.ID
	Amount    int64
	Reference snowflake.ID
	Reason    string
}

// Ledger appends to and reads the fund chain. Contribute and Withdraw
// own their transaction and serialize per tenant; the InTx variants run
// inside a caller's transaction for callers that must post fund movement
// atomically with their own rows. Those callers must hold the tenant's
// fund lock first (Lock).
type Ledger interface {
	Contribute(ctx context.Context, req EntryRequest) (FundTransaction, error)
	Withdraw(ctx context.Context, req EntryRequest) (FundTransaction, error)

	ContributeInTx(ctx context.Context, tx *gorm.DB, req EntryRequest) (FundTransaction, error)
	WithdrawInTx(ctx context.Context, tx *gorm.DB, req EntryRequest) (FundTransaction, error)

	// Lock serializes fund writes for the tenant across processes.
	// The returned release function is safe to call once.
	Lock(ctx context.Context, tenantID snowflake.ID) (func(), error)

	// Balance is the lock-free read of the latest chain balance.
	Balance(ctx context.Context, tenantID snowflake.ID) (int64, error)

	// List returns the tenant's full ordered chain.
	List(ctx context.Context, tenantID snowflake.ID) ([]FundTransaction, error)
}

type Repository interface {
	// LastForUpdate reads the tenant's newest chain row under a row
	// lock. Returns nil on an empty chain.
	LastForUpdate(ctx context.Context, tx *gorm.DB, tenantID snowflake.ID) (*FundTransaction, error)

	Insert(ctx context.Context, tx *gorm.DB, row *FundTransaction) error

	Last(ctx context.Context, db *gorm.DB, tenantID snowflake.ID) (*FundTransaction, error)
	List(ctx context.Context, db *gorm.DB, tenantID snowflake.ID) ([]FundTransaction, error)
}
