package service

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/canvastack/stencil/internal/clock"
	"github.com/canvastack/stencil/internal/event"
	"github.com/canvastack/stencil/internal/insurancefund/domain"
	"github.com/canvastack/stencil/pkg/lock"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	lockTTL = 10 * time.Second

	// lowBalanceThreshold triggers an alert event after any movement
	// that leaves the chain below it.
	lowBalanceThreshold = 1_000_000
)

type Params struct {
	fx.In

	DB     *gorm.DB
	Log    *zap.Logger
	GenID  *snowflake.Node
	Clock  clock.Clock
	Repo   domain.Repository
	Locker *lock.Locker `optional:"true"`
	Events *event.Dispatcher
}

type Ledger struct {
	db     *gorm.DB
	log    *zap.Logger
	genID  *snowflake.Node
	clock  clock.Clock
	repo   domain.Repository
	locker *lock.Locker
	events *event.Dispatcher
}

func New(p Params) domain.Ledger {
	return &Ledger{
		db:     p.DB,
		log:    p.Log.Named("insurancefund.ledger"),
		genID:  p.GenID,
		clock:  p.Clock,
		repo:   p.Repo,
		locker: p.Locker,
		events: p.Events,
	}
}

func (l *Ledger) Contribute(ctx context.Context, req domain.EntryRequest) (domain.FundTransaction, error) {
	return l.standalone(ctx, domain.TypeContribution, req)
}

func (l *Ledger) Withdraw(ctx context.Context, req domain.EntryRequest) (domain.FundTransaction, error) {
	return l.standalone(ctx, domain.TypeWithdrawal, req)
}

func (l *Ledger) ContributeInTx(ctx context.Context, tx *gorm.DB, req domain.EntryRequest) (domain.FundTransaction, error) {
	return l.append(ctx, tx, domain.TypeContribution, req)
}

func (l *Ledger) WithdrawInTx(ctx context.Context, tx *gorm.DB, req domain.EntryRequest) (domain.FundTransaction, error) {
	return l.append(ctx, tx, domain.TypeWithdrawal, req)
}

func (l *Ledger) Lock(ctx context.Context, tenantID snowflake.ID) (func(), error) {
	key := "insurance_fund:" + tenantID.String()
	token, err := l.locker.Acquire(ctx, key, lockTTL)
	if err != nil {
		return nil, err
	}
	released := false
	return func() {
		if released {
			return
		}
		released = true
		if err := l.locker.Release(context.Background(), key, token); err != nil {
			l.log.Warn("fund lock release failed", zap.String("key", key), zap.Error(err))
		}
	}, nil
}

func (l *Ledger) Balance(ctx context.Context, tenantID snowflake.ID) (int64, error) {
	last, err := l.repo.Last(ctx, l.db, tenantID)
	if err != nil {
		return 0, err
	}
	if last == nil {
		return 0, nil
	}
	return last.BalanceAfter, nil
}

func (l *Ledger) List(ctx context.Context, tenantID snowflake.ID) ([]domain.FundTransaction, error) {
	return l.repo.List(ctx, l.db, tenantID)
}

func (l *Ledger) standalone(ctx context.Context, kind domain.TransactionType, req domain.EntryRequest) (domain.FundTransaction, error) {
	release, err := l.Lock(ctx, req.TenantID)
	if err != nil {
		return domain.FundTransaction{}, err
	}
	defer release()

	var row domain.FundTransaction
	err = l.db.Transaction(func(tx *gorm.DB) error {
		var err error
		row, err = l.append(ctx, tx, kind, req)
		return err
	})
	if err != nil {
		return domain.FundTransaction{}, err
	}
	return row, nil
}

// append extends the tenant's chain by one row. The previous row is read
// under a row lock so the balance linkage survives concurrent writers in
// the same database; cross-process callers additionally hold the tenant
// fund lock.
func (l *Ledger) append(ctx context.Context, tx *gorm.DB, kind domain.TransactionType, req domain.EntryRequest) (domain.FundTransaction, error) {
	if req.Amount <= 0 {
		return domain.FundTransaction{}, domain.ErrInvalidAmount
	}

	last, err := l.repo.LastForUpdate(ctx, tx, req.TenantID)
	if err != nil {
		return domain.FundTransaction{}, err
	}

	var seq, before int64
	if last != nil {
		seq = last.Seq
		before = last.BalanceAfter
	}

	after := before + kind.Signed(req.Amount)
	if after < 0 {
		return domain.FundTransaction{}, domain.ErrInsufficientBalance
	}

	row := domain.FundTransaction{
		ID:            l.genID.Generate(),
		TenantID:      req.TenantID,
		Seq:           seq + 1,
		Type:          kind,
		Amount:        req.Amount,
		BalanceBefore: before,
		BalanceAfter:  after,
		Reference:     req.Reference,
		Reason:        req.Reason,
		CreatedAt:     l.clock.Now(),
	}
	if err := l.repo.Insert(ctx, tx, &row); err != nil {
		return domain.FundTransaction{}, err
	}

	if after < lowBalanceThreshold {
		l.events.Dispatch(ctx, event.Event{
			Name:        event.FundBalanceLow,
			TenantID:    req.TenantID,
			AggregateID: row.ID,
			Payload:     map[string]any{"balance": after},
		})
	}
	return row, nil
}
