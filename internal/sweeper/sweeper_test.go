package sweeper

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	approvaldomain "github.com/canvastack/stencil/internal/approval/domain"
	approvalrepo "github.com/canvastack/stencil/internal/approval/repository"
	approvalservice "github.com/canvastack/stencil/internal/approval/service"
	"github.com/canvastack/stencil/internal/clock"
	"github.com/canvastack/stencil/internal/config"
	"github.com/canvastack/stencil/internal/event"
	historydomain "github.com/canvastack/stencil/internal/history/domain"
	historyrepo "github.com/canvastack/stencil/internal/history/repository"
	negotiationdomain "github.com/canvastack/stencil/internal/negotiation/domain"
	negotiationrepo "github.com/canvastack/stencil/internal/negotiation/repository"
	negotiationservice "github.com/canvastack/stencil/internal/negotiation/service"
	ruledomain "github.com/canvastack/stencil/internal/ruleconfig/domain"
	rulerepo "github.com/canvastack/stencil/internal/ruleconfig/repository"
	ruleservice "github.com/canvastack/stencil/internal/ruleconfig/service"
	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type sweeperFixture struct {
	sweeper  *Sweeper
	db       *gorm.DB
	clock    *clock.FakeClock
	node     *snowflake.Node
	tenantID snowflake.ID
}

func newSweeperFixture(t *testing.T) *sweeperFixture {
	t.Helper()

	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	sqlDB.SetMaxIdleConns(1)
	require.NoError(t, db.AutoMigrate(
		&negotiationdomain.Quote{},
		&negotiationdomain.Message{},
		&approvaldomain.Step{},
		&historydomain.Transition{},
		&ruledomain.RuleConfiguration{},
	))

	node, err := snowflake.NewNode(7)
	require.NoError(t, err)

	log := zaptest.NewLogger(t)
	fakeClock := clock.NewFakeClock(time.Date(2024, 5, 1, 8, 0, 0, 0, time.UTC))
	histRepo := historyrepo.Provide()
	quoteRepo := negotiationrepo.Provide()
	rules := ruleservice.New(ruleservice.Params{DB: db, Log: log, Repo: rulerepo.Provide()})
	events := event.NewDispatcher(log)

	negotiation := negotiationservice.New(negotiationservice.Params{
		DB: db, Log: log, GenID: node, Clock: fakeClock,
		Repo: quoteRepo, History: histRepo, Rules: rules, Events: events,
	})
	approval := approvalservice.New(approvalservice.Params{
		DB: db, Log: log, GenID: node, Clock: fakeClock,
		Repo: approvalrepo.Provide(), History: histRepo, Rules: rules, Events: events,
	})

	sw := New(Params{
		DB:  db,
		Log: log,
		Config: config.Config{
			SweepInterval:  time.Minute,
			SweepBatchSize: 10,
		},
		Clock:       fakeClock,
		Negotiation: negotiation,
		Quotes:      quoteRepo,
		Approval:    approval,
	})

	return &sweeperFixture{
		sweeper:  sw,
		db:       db,
		clock:    fakeClock,
		node:     node,
		tenantID: node.Generate(),
	}
}

func (f *sweeperFixture) seedQuote(t *testing.T, status negotiationdomain.Status, expiresAt time.Time) negotiationdomain.Quote {
	t.Helper()
	now := f.clock.Now()
	quote := negotiationdomain.Quote{
		ID:             f.node.Generate(),
		TenantID:       f.tenantID,
		OrderID:        f.node.Generate(),
		VendorID:       f.node.Generate(),
		Quantity:       1,
		Specifications: datatypes.JSONMap{},
		Status:         status,
		Round:          1,
		Currency:       "IDR",
		ExpiresAt:      &expiresAt,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	require.NoError(t, f.db.Create(&quote).Error)
	return quote
}

func (f *sweeperFixture) seedStep(t *testing.T, slaDeadline time.Time) approvaldomain.Step {
	t.Helper()
	now := f.clock.Now()
	step := approvaldomain.Step{
		ID:              f.node.Generate(),
		TenantID:        f.tenantID,
		RefundRequestID: f.node.Generate(),
		StepOrder:       1,
		Name:            "finance review",
		RequiredLevel:   1,
		AssigneeRole:    "finance",
		EscalateToRole:  "manager",
		Status:          approvaldomain.StepPending,
		IsCurrent:       true,
		SLADeadline:     &slaDeadline,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	require.NoError(t, f.db.Create(&step).Error)
	return step
}

func TestSweepExpiresOverdueQuotes(t *testing.T) {
	f := newSweeperFixture(t)
	start := f.clock.Now()

	overdue := f.seedQuote(t, negotiationdomain.StatusPendingResponse, start.Add(24*time.Hour))
	fresh := f.seedQuote(t, negotiationdomain.StatusPendingResponse, start.Add(96*time.Hour))

	f.clock.Advance(48 * time.Hour)
	require.NoError(t, f.sweeper.RunOnce(context.Background()))

	var expired negotiationdomain.Quote
	require.NoError(t, f.db.First(&expired, "id = ?", overdue.ID).Error)
	assert.Equal(t, negotiationdomain.StatusExpired, expired.Status)
	require.NotNil(t, expired.ClosedAt)

	var untouched negotiationdomain.Quote
	require.NoError(t, f.db.First(&untouched, "id = ?", fresh.ID).Error)
	assert.Equal(t, negotiationdomain.StatusPendingResponse, untouched.Status)
}

func TestSweepIsIdempotent(t *testing.T) {
	f := newSweeperFixture(t)
	quote := f.seedQuote(t, negotiationdomain.StatusSent, f.clock.Now().Add(time.Hour))

	f.clock.Advance(2 * time.Hour)
	require.NoError(t, f.sweeper.RunOnce(context.Background()))
	require.NoError(t, f.sweeper.RunOnce(context.Background()))

	var transitions []historydomain.Transition
	require.NoError(t, f.db.
		Where("aggregate_id = ?", quote.ID).
		Order("seq ASC").
		Find(&transitions).Error)
	require.Len(t, transitions, 1)
	assert.Equal(t, string(negotiationdomain.StatusExpired), transitions[0].ToStatus)
}

func TestSweepEscalatesOverdueSteps(t *testing.T) {
	f := newSweeperFixture(t)
	start := f.clock.Now()

	breached := f.seedStep(t, start.Add(24*time.Hour))
	f.clock.Advance(30 * time.Hour)
	require.NoError(t, f.sweeper.RunOnce(context.Background()))

	var got approvaldomain.Step
	require.NoError(t, f.db.First(&got, "id = ?", breached.ID).Error)
	assert.Equal(t, approvaldomain.StepEscalated, got.Status)
	assert.True(t, got.SLABreached)
	assert.True(t, got.IsCurrent)
	assert.Equal(t, "manager", got.AssigneeRole)
	require.NotNil(t, got.SLADeadline)
	assert.True(t, got.SLADeadline.After(f.clock.Now()))

	// A second sweep finds nothing pending and writes no more history.
	require.NoError(t, f.sweeper.RunOnce(context.Background()))
	var count int64
	require.NoError(t, f.db.Model(&historydomain.Transition{}).
		Where("aggregate_id = ?", breached.ID).
		Count(&count).Error)
	assert.Equal(t, int64(1), count)
}

func TestSweepSkipsTerminalQuotes(t *testing.T) {
	f := newSweeperFixture(t)
	accepted := f.seedQuote(t, negotiationdomain.StatusAccepted, f.clock.Now().Add(-time.Hour))

	require.NoError(t, f.sweeper.RunOnce(context.Background()))

	var got negotiationdomain.Quote
	require.NoError(t, f.db.First(&got, "id = ?", accepted.ID).Error)
	assert.Equal(t, negotiationdomain.StatusAccepted, got.Status)
}
