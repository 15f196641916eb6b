package service

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/canvastack/stencil/internal/clock"
	"github.com/canvastack/stencil/internal/event"
	"github.com/canvastack/stencil/internal/insurancefund/domain"
	"github.com/canvastack/stencil/internal/insurancefund/repository"
	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"gorm.io/gorm"
)

func newFundLedger(t *testing.T) (*Ledger, snowflake.ID) {
	t.Helper()

	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	sqlDB.SetMaxIdleConns(1)
	require.NoError(t, db.AutoMigrate(&domain.FundTransaction{}))

	node, err := snowflake.NewNode(5)
	require.NoError(t, err)
	log := zaptest.NewLogger(t)

	ledger := New(Params{
		DB:     db,
		Log:    log,
		GenID:  node,
		Clock:  clock.NewFakeClock(time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC)),
		Repo:   repository.Provide(),
		Events: event.NewDispatcher(log),
	}).(*Ledger)
	return ledger, node.Generate()
}

func TestBalanceChainLinks(t *testing.T) {
	ledger, tenantID := newFundLedger(t)
	ctx := context.Background()

	_, err := ledger.Contribute(ctx, domain.EntryRequest{TenantID: tenantID, Amount: 2_000_000, Reason: "seed"})
	require.NoError(t, err)
	_, err = ledger.Withdraw(ctx, domain.EntryRequest{TenantID: tenantID, Amount: 500_000, Reason: "loss coverage"})
	require.NoError(t, err)
	_, err = ledger.Contribute(ctx, domain.EntryRequest{TenantID: tenantID, Amount: 250_000, Reason: "margin contribution"})
	require.NoError(t, err)

	chain, err := ledger.List(ctx, tenantID)
	require.NoError(t, err)
	require.Len(t, chain, 3)
	require.NoError(t, domain.VerifyChain(chain))

	for i, row := range chain {
		assert.Equal(t, int64(i+1), row.Seq)
	}
	assert.Equal(t, int64(0), chain[0].BalanceBefore)
	assert.Equal(t, int64(2_000_000), chain[0].BalanceAfter)
	assert.Equal(t, int64(1_500_000), chain[1].BalanceAfter)
	assert.Equal(t, int64(1_750_000), chain[2].BalanceAfter)

	balance, err := ledger.Balance(ctx, tenantID)
	require.NoError(t, err)
	assert.Equal(t, int64(1_750_000), balance)
}

func TestWithdrawCannotOverdraw(t *testing.T) {
	ledger, tenantID := newFundLedger(t)
	ctx := context.Background()

	_, err := ledger.Withdraw(ctx, domain.EntryRequest{TenantID: tenantID, Amount: 1})
	assert.ErrorIs(t, err, domain.ErrInsufficientBalance)

	_, err = ledger.Contribute(ctx, domain.EntryRequest{TenantID: tenantID, Amount: 100})
	require.NoError(t, err)
	_, err = ledger.Withdraw(ctx, domain.EntryRequest{TenantID: tenantID, Amount: 101})
	assert.ErrorIs(t, err, domain.ErrInsufficientBalance)

	// A refused withdrawal leaves no row behind.
	chain, err := ledger.List(ctx, tenantID)
	require.NoError(t, err)
	assert.Len(t, chain, 1)
}

func TestRejectsNonPositiveAmounts(t *testing.T) {
	ledger, tenantID := newFundLedger(t)
	ctx := context.Background()

	_, err := ledger.Contribute(ctx, domain.EntryRequest{TenantID: tenantID, Amount: 0})
	assert.ErrorIs(t, err, domain.ErrInvalidAmount)
	_, err = ledger.Withdraw(ctx, domain.EntryRequest{TenantID: tenantID, Amount: -5})
	assert.ErrorIs(t, err, domain.ErrInvalidAmount)
}

func TestTenantsHaveIndependentChains(t *testing.T) {
	ledger, tenantA := newFundLedger(t)
	ctx := context.Background()
	node, err := snowflake.NewNode(6)
	require.NoError(t, err)
	tenantB := node.Generate()

	_, err = ledger.Contribute(ctx, domain.EntryRequest{TenantID: tenantA, Amount: 100})
	require.NoError(t, err)
	_, err = ledger.Contribute(ctx, domain.EntryRequest{TenantID: tenantB, Amount: 999})
	require.NoError(t, err)

	balanceA, err := ledger.Balance(ctx, tenantA)
	require.NoError(t, err)
	balanceB, err := ledger.Balance(ctx, tenantB)
	require.NoError(t, err)
	assert.Equal(t, int64(100), balanceA)
	assert.Equal(t, int64(999), balanceB)

	chainB, err := ledger.List(ctx, tenantB)
	require.NoError(t, err)
	require.Len(t, chainB, 1)
	assert.Equal(t, int64(1), chainB[0].Seq)
}

func TestVerifyChainDetectsBreaks(t *testing.T) {
	rows := []domain.FundTransaction{
		{Type: domain.TypeContribution, Amount: 100, BalanceBefore: 0, BalanceAfter: 100},
		{Type: domain.TypeWithdrawal, Amount: 40, BalanceBefore: 100, BalanceAfter: 60},
	}
	require.NoError(t, domain.VerifyChain(rows))

	rows[1].BalanceBefore = 90
	assert.ErrorIs(t, domain.VerifyChain(rows), domain.ErrChainBroken)
}
