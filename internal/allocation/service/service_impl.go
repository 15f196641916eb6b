package service

import (
	"context"

	"github.com/bwmarrin/snowflake"
	"github.com/canvastack/stencil/internal/allocation/domain"
	"github.com/canvastack/stencil/internal/clock"
	funddomain "github.com/canvastack/stencil/internal/insurancefund/domain"
	ruledomain "github.com/canvastack/stencil/internal/ruleconfig/domain"
	"github.com/canvastack/stencil/internal/tenantctx"
	pkgdb "github.com/canvastack/stencil/pkg/db"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB    *gorm.DB
	Log   *zap.Logger
	GenID *snowflake.Node
	Clock clock.Clock
	Repo  domain.Repository
	Rules ruledomain.Store
	Fund  funddomain.Ledger
}

type Engine struct {
	db    *gorm.DB
	log   *zap.Logger
	genID *snowflake.Node
	clock clock.Clock
	repo  domain.Repository
	rules ruledomain.Store
	fund  funddomain.Ledger
}

func New(p Params) domain.Engine {
	return &Engine{
		db:    p.DB,
		log:   p.Log.Named("allocation.engine"),
		genID: p.GenID,
		clock: p.Clock,
		repo:  p.Repo,
		rules: p.Rules,
		fund:  p.Fund,
	}
}

func (e *Engine) Allocate(ctx context.Context, req domain.AllocateRequest) ([]domain.PaymentAllocation, error) {
	tenantID, ok := tenantctx.TenantIDFromContext(ctx)
	if !ok || tenantID == 0 {
		return nil, domain.ErrUnauthorized
	}

	policy, err := e.rules.AllocationPolicy(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	shares, err := domain.Split(req.Amount, policy)
	if err != nil {
		return nil, err
	}

	contributionRate, err := e.rules.FundContributionRate(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	var profitMargin int64
	for _, s := range shares {
		if s.Type == domain.BucketProfitMargin {
			profitMargin += s.Amount
		}
	}
	contribution := contributionRate.ApplyTo(profitMargin)

	// The fund chain is the one resource shared across concurrent
	// allocations for a tenant; serialize before opening the transaction
	// so the bucket rows and the fund row commit or roll back together.
	var release func()
	if contribution > 0 {
		release, err = e.fund.Lock(ctx, tenantID)
		if err != nil {
			return nil, err
		}
		defer release()
	}

	now := e.clock.Now()
	rows := make([]domain.PaymentAllocation, 0, len(shares))
	for _, s := range shares {
		rows = append(rows, domain.PaymentAllocation{
			ID:            e.genID.Generate(),
			TenantID:      tenantID,
			TransactionID: req.TransactionID,
			BucketType:    s.Type,
			Amount:        s.Amount,
			CreatedAt:     now,
		})
	}

	err = e.db.Transaction(func(tx *gorm.DB) error {
		allocated, err := e.repo.Exists(ctx, tx, tenantID, req.TransactionID)
		if err != nil {
			return err
		}
		if allocated {
			return domain.ErrAlreadyAllocated
		}
		if err := e.repo.InsertAll(ctx, tx, rows); err != nil {
			// A concurrent allocator can slip past the Exists check; the
			// unique index on (transaction_id, bucket_type) breaks the tie.
			if pkgdb.IsDuplicateKeyErr(err) {
				return domain.ErrAlreadyAllocated
			}
			return err
		}
		if contribution > 0 {
			reference := req.Reference
			if reference == 0 {
				reference = req.TransactionID
			}
			_, err := e.fund.ContributeInTx(ctx, tx, funddomain.EntryRequest{
				TenantID:  tenantID,
				Amount:    contribution,
				Reference: reference,
				Reason:    "profit margin contribution",
			})
			return err
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	e.log.Info("transaction allocated",
		zap.String("transaction_id", req.TransactionID.String()),
		zap.Int64("amount", req.Amount),
		zap.Int("buckets", len(rows)),
		zap.Int64("fund_contribution", contribution),
	)
	return rows, nil
}

func (e *Engine) List(ctx context.Context, transactionID snowflake.ID) ([]domain.PaymentAllocation, error) {
	tenantID, ok := tenantctx.TenantIDFromContext(ctx)
	if !ok || tenantID == 0 {
		return nil, domain.ErrUnauthorized
	}
	return e.repo.ListByTransaction(ctx, e.db, tenantID, transactionID)
}
