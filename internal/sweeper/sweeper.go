// Package sweeper runs the background jobs that move time-based state:
// expiring quotes past their deadline and escalating approval steps past
// their SLA.
package sweeper

import (
	"context"
	"errors"
	"time"

	approvaldomain "github.com/canvastack/stencil/internal/approval/domain"
	"github.com/canvastack/stencil/internal/clock"
	"github.com/canvastack/stencil/internal/config"
	negotiationdomain "github.com/canvastack/stencil/internal/negotiation/domain"
	obsmetrics "github.com/canvastack/stencil/internal/observability/metrics"
	"github.com/canvastack/stencil/internal/tenantctx"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const jobTimeout = 30 * time.Second

type Params struct {
	fx.In

	DB          *gorm.DB
	Log         *zap.Logger
	Config      config.Config
	Clock       clock.Clock
	Negotiation negotiationdomain.Service
	Quotes      negotiationdomain.Repository
	Approval    approvaldomain.Engine
}

type Sweeper struct {
	db          *gorm.DB
	log         *zap.Logger
	interval    time.Duration
	batchSize   int
	clock       clock.Clock
	negotiation negotiationdomain.Service
	quotes      negotiationdomain.Repository
	approval    approvaldomain.Engine
}

func New(p Params) *Sweeper {
	return &Sweeper{
		db:          p.DB,
		log:         p.Log.Named("sweeper"),
		interval:    p.Config.SweepInterval,
		batchSize:   p.Config.SweepBatchSize,
		clock:       p.Clock,
		negotiation: p.Negotiation,
		quotes:      p.Quotes,
		approval:    p.Approval,
	}
}

// RunForever runs sweeps on a fixed interval until ctx is cancelled.
func (s *Sweeper) RunForever(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		if err := s.RunOnce(ctx); err != nil {
			s.log.Warn("sweep run failed", zap.Error(err))
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// RunOnce executes every job one time. Job failures are joined rather
// than short-circuiting so one broken job cannot starve the others.
func (s *Sweeper) RunOnce(parent context.Context) error {
	return errors.Join(
		s.runJob(parent, "expire_quotes", s.ExpireQuotesJob),
		s.runJob(parent, "escalate_steps", s.EscalateStepsJob),
	)
}

func (s *Sweeper) runJob(parent context.Context, name string, fn func(ctx context.Context) error) error {
	ctx, cancel := context.WithTimeout(parent, jobTimeout)
	defer cancel()

	err := fn(ctx)
	switch {
	case err == nil:
		obsmetrics.IncSweepRun(name, "ok")
		return nil
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		// Soft timeout. The claimed rows stay due and the next tick
		// picks them up again.
		obsmetrics.IncSweepRun(name, "timeout")
		s.log.Warn("sweep job timed out", zap.String("job", name))
		return nil
	default:
		obsmetrics.IncSweepRun(name, "error")
		return err
	}
}

// ExpireQuotesJob claims a batch of quotes past their expiry deadline and
// drives each through the expire transition.
func (s *Sweeper) ExpireQuotesJob(ctx context.Context) error {
	now := s.clock.Now()

	var due []negotiationdomain.Quote
	err := s.db.Transaction(func(tx *gorm.DB) error {
		var err error
		due, err = s.quotes.FetchExpirable(ctx, tx, now, s.batchSize)
		return err
	})
	if err != nil {
		return err
	}

	var expired int
	for _, quote := range due {
		tenantCtx := tenantctx.WithTenantID(ctx, quote.TenantID)
		if _, err := s.negotiation.Expire(tenantCtx, quote.ID, now); err != nil {
			// Keep sweeping; a contended quote is retried next tick.
			s.log.Warn("quote expiry failed",
				zap.String("quote_id", quote.ID.String()),
				zap.Error(err),
			)
			continue
		}
		expired++
	}
	if expired > 0 {
		s.log.Info("quotes expired", zap.Int("count", expired))
	}
	return nil
}

// EscalateStepsJob escalates current approval steps whose SLA deadline
// has passed.
func (s *Sweeper) EscalateStepsJob(ctx context.Context) error {
	count, err := s.approval.EscalateOverdue(ctx, s.clock.Now(), s.batchSize)
	if err != nil {
		return err
	}
	if count > 0 {
		s.log.Info("approval steps escalated", zap.Int("count", count))
	}
	return nil
}
