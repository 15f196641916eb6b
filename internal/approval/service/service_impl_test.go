package service

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/canvastack/stencil/internal/approval/domain"
	"github.com/canvastack/stencil/internal/approval/repository"
	"github.com/canvastack/stencil/internal/clock"
	"github.com/canvastack/stencil/internal/event"
	historydomain "github.com/canvastack/stencil/internal/history/domain"
	historyrepo "github.com/canvastack/stencil/internal/history/repository"
	"github.com/canvastack/stencil/internal/identity"
	ruledomain "github.com/canvastack/stencil/internal/ruleconfig/domain"
	rulerepo "github.com/canvastack/stencil/internal/ruleconfig/repository"
	ruleservice "github.com/canvastack/stencil/internal/ruleconfig/service"
	"github.com/canvastack/stencil/internal/tenantctx"
	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type approvalFixture struct {
	engine   *Engine
	db       *gorm.DB
	clock    *clock.FakeClock
	node     *snowflake.Node
	tenantID snowflake.ID
}

func newApprovalFixture(t *testing.T) *approvalFixture {
	t.Helper()

	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	sqlDB.SetMaxIdleConns(1)
	require.NoError(t, db.AutoMigrate(
		&domain.Step{},
		&historydomain.Transition{},
		&ruledomain.RuleConfiguration{},
	))

	node, err := snowflake.NewNode(2)
	require.NoError(t, err)

	log := zaptest.NewLogger(t)
	fakeClock := clock.NewFakeClock(time.Date(2024, 5, 10, 8, 0, 0, 0, time.UTC))

	engine := New(Params{
		DB:      db,
		Log:     log,
		GenID:   node,
		Clock:   fakeClock,
		Repo:    repository.Provide(),
		History: historyrepo.Provide(),
		Rules: ruleservice.New(ruleservice.Params{
			DB:   db,
			Log:  log,
			Repo: rulerepo.Provide(),
		}),
		Events: event.NewDispatcher(log),
	}).(*Engine)

	return &approvalFixture{
		engine:   engine,
		db:       db,
		clock:    fakeClock,
		node:     node,
		tenantID: node.Generate(),
	}
}

func (f *approvalFixture) ctxWithRoles(roles ...string) context.Context {
	ctx := tenantctx.WithTenantID(context.Background(), f.tenantID)
	return identity.WithActor(ctx, identity.Actor{
		Type:     identity.ActorTypeUser,
		ID:       f.node.Generate(),
		TenantID: f.tenantID,
		Roles:    roles,
	})
}

func (f *approvalFixture) addRule(t *testing.T, priority int, params datatypes.JSONMap) {
	t.Helper()
	row := ruledomain.RuleConfiguration{
		ID:        f.node.Generate(),
		ScopeKind: tenantctx.ScopeTenant,
		TenantID:  f.tenantID,
		RuleCode:  ruledomain.RuleApprovalStep,
		Enabled:   true,
		Priority:  priority,
		Params:    params,
		CreatedAt: time.Now().UTC(),
		UpdatedAt: time.Now().UTC(),
	}
	require.NoError(t, f.db.Create(&row).Error)
}

func (f *approvalFixture) instantiate(t *testing.T, ctx context.Context, amount, risk int64) domain.Workflow {
	t.Helper()
	req := domain.InstantiateRequest{
		TenantID:        f.tenantID,
		RefundRequestID: f.node.Generate(),
		Amount:          amount,
		RiskExposure:    risk,
	}
	var wf domain.Workflow
	err := f.db.Transaction(func(tx *gorm.DB) error {
		var err error
		wf, err = f.engine.Instantiate(ctx, tx, req)
		return err
	})
	require.NoError(t, err)
	return wf
}

func (f *approvalFixture) decide(ctx context.Context, req domain.DecideRequest) (domain.Workflow, error) {
	var wf domain.Workflow
	err := f.db.Transaction(func(tx *gorm.DB) error {
		var err error
		wf, err = f.engine.Decide(ctx, tx, req)
		return err
	})
	return wf, err
}

func TestAutoApproveClearsLowRiskStage(t *testing.T) {
	f := newApprovalFixture(t)
	f.addRule(t, 1, datatypes.JSONMap{
		"name": "finance_review", "required_level": 1, "assignee_role": "finance",
		"sla_hours": 24, "auto_approve_risk_under": 200_000, "escalate_to_role": "manager",
	})
	f.addRule(t, 2, datatypes.JSONMap{
		"name": "manager_approval", "required_level": 2, "assignee_role": "manager",
		"sla_hours": 48, "escalate_to_role": "executive",
	})
	ctx := f.ctxWithRoles("finance")

	// A 500k request whose computed exposure stays under the finance
	// threshold: finance clears automatically, manager becomes current.
	wf := f.instantiate(t, ctx, 500_000, 150_000)
	require.Len(t, wf.Steps, 2)
	assert.Equal(t, domain.StepApproved, wf.Steps[0].Status)
	assert.True(t, wf.Steps[0].AutoApproved)
	assert.Equal(t, domain.StepPending, wf.Steps[1].Status)
	assert.True(t, wf.Steps[1].IsCurrent)
	assert.Equal(t, domain.WorkflowPending, wf.State)
	assert.Equal(t, 2, wf.CurrentOrder)

	// Finance cannot decide the manager stage.
	_, err := f.decide(ctx, domain.DecideRequest{
		RefundRequestID: wf.RefundRequestID,
		StepID:          wf.Steps[1].ID,
		Approve:         true,
	})
	assert.ErrorIs(t, err, domain.ErrInsufficientLevel)

	managerCtx := f.ctxWithRoles("manager")
	wf, err = f.decide(managerCtx, domain.DecideRequest{
		RefundRequestID: wf.RefundRequestID,
		StepID:          wf.Steps[1].ID,
		Approve:         true,
		Notes:           "documented loss within policy",
	})
	require.NoError(t, err)
	assert.Equal(t, domain.WorkflowApproved, wf.State)
}

func TestConcurrentDecisionSingleWinner(t *testing.T) {
	f := newApprovalFixture(t)
	ctx := f.ctxWithRoles("executive")

	wf := f.instantiate(t, ctx, 500_000, 500_000)
	require.Len(t, wf.Steps, 1)
	stepID := wf.Steps[0].ID

	// Both deciders read the step as pending; the guarded update lets
	// exactly one land.
	first := wf.Steps[0]
	second := wf.Steps[0]
	now := f.clock.Now()

	var firstWon, secondWon bool
	err := f.db.Transaction(func(tx *gorm.DB) error {
		first.Status = domain.StepApproved
		first.IsCurrent = false
		first.DecidedAt = &now
		first.UpdatedAt = now
		var err error
		firstWon, err = f.engine.repo.Decide(ctx, tx, &first)
		return err
	})
	require.NoError(t, err)
	err = f.db.Transaction(func(tx *gorm.DB) error {
		second.Status = domain.StepRejected
		second.IsCurrent = false
		second.DecidedAt = &now
		second.UpdatedAt = now
		var err error
		secondWon, err = f.engine.repo.Decide(ctx, tx, &second)
		return err
	})
	require.NoError(t, err)

	assert.True(t, firstWon)
	assert.False(t, secondWon)

	// The loser surfaces as already decided at the service level too.
	_, err = f.decide(ctx, domain.DecideRequest{
		RefundRequestID: wf.RefundRequestID,
		StepID:          stepID,
		Approve:         false,
	})
	assert.ErrorIs(t, err, domain.ErrStepAlreadyDecided)
}

func TestRejectionShortCircuitsChain(t *testing.T) {
	f := newApprovalFixture(t)
	ctx := f.ctxWithRoles("finance")

	// 12M lands the full default chain: finance, manager, executive.
	wf := f.instantiate(t, ctx, 12_000_000, 12_000_000)
	require.Len(t, wf.Steps, 3)
	assert.Equal(t, domain.WorkflowPending, wf.State)
	assert.Equal(t, 1, wf.CurrentOrder)

	wf, err := f.decide(ctx, domain.DecideRequest{
		RefundRequestID: wf.RefundRequestID,
		StepID:          wf.Steps[0].ID,
		Approve:         false,
		Notes:           "missing shipment evidence",
	})
	require.NoError(t, err)
	assert.Equal(t, domain.WorkflowRejected, wf.State)
	assert.Equal(t, domain.StepRejected, wf.Steps[0].Status)
	assert.Equal(t, domain.StepSkipped, wf.Steps[1].Status)
	assert.Equal(t, domain.StepSkipped, wf.Steps[2].Status)

	// Nothing left to decide.
	_, err = f.decide(f.ctxWithRoles("executive"), domain.DecideRequest{
		RefundRequestID: wf.RefundRequestID,
		StepID:          wf.Steps[1].ID,
		Approve:         true,
	})
	assert.ErrorIs(t, err, domain.ErrStepAlreadyDecided)
}

func TestDecideOutOfOrderRejected(t *testing.T) {
	f := newApprovalFixture(t)
	ctx := f.ctxWithRoles("executive")

	wf := f.instantiate(t, ctx, 12_000_000, 12_000_000)
	require.Len(t, wf.Steps, 3)

	_, err := f.decide(ctx, domain.DecideRequest{
		RefundRequestID: wf.RefundRequestID,
		StepID:          wf.Steps[2].ID,
		Approve:         true,
	})
	assert.ErrorIs(t, err, domain.ErrNotCurrentStep)
}

func TestEscalationOnSLABreach(t *testing.T) {
	f := newApprovalFixture(t)
	ctx := f.ctxWithRoles("finance")

	wf := f.instantiate(t, ctx, 500_000, 500_000)
	require.Len(t, wf.Steps, 1)
	step := wf.Steps[0]
	require.NotNil(t, step.SLADeadline)

	// Not yet overdue.
	n, err := f.engine.EscalateOverdue(ctx, f.clock.Now(), 10)
	require.NoError(t, err)
	assert.Zero(t, n)

	f.clock.Advance(25 * time.Hour)
	n, err = f.engine.EscalateOverdue(ctx, f.clock.Now(), 10)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	// Sweeping again is a no-op: the breach is sticky and the step is no
	// longer pending.
	n, err = f.engine.EscalateOverdue(ctx, f.clock.Now(), 10)
	require.NoError(t, err)
	assert.Zero(t, n)

	state, err := f.engine.State(ctx, wf.RefundRequestID)
	require.NoError(t, err)
	escalated := state.Steps[0]
	assert.Equal(t, domain.StepEscalated, escalated.Status)
	assert.True(t, escalated.SLABreached)
	assert.True(t, escalated.IsCurrent)

	// The step is reassigned to the escalation target with a fresh window.
	assert.Equal(t, "manager", escalated.AssigneeRole)
	require.NotNil(t, escalated.SLADeadline)
	assert.True(t, escalated.SLADeadline.After(f.clock.Now()))

	// The escalated step now needs the escalation target's level. The
	// finance default escalates to manager.
	_, err = f.decide(ctx, domain.DecideRequest{
		RefundRequestID: wf.RefundRequestID,
		StepID:          escalated.ID,
		Approve:         true,
	})
	assert.ErrorIs(t, err, domain.ErrInsufficientLevel)

	final, err := f.decide(f.ctxWithRoles("manager"), domain.DecideRequest{
		RefundRequestID: wf.RefundRequestID,
		StepID:          escalated.ID,
		Approve:         true,
	})
	require.NoError(t, err)
	assert.Equal(t, domain.WorkflowApproved, final.State)
	assert.True(t, final.Steps[0].SLABreached)
}

func TestManualEscalateIdempotent(t *testing.T) {
	f := newApprovalFixture(t)
	ctx := f.ctxWithRoles("finance")

	wf := f.instantiate(t, ctx, 500_000, 500_000)
	stepID := wf.Steps[0].ID

	step, err := f.engine.Escalate(ctx, stepID)
	require.NoError(t, err)
	assert.Equal(t, domain.StepEscalated, step.Status)

	again, err := f.engine.Escalate(ctx, stepID)
	require.NoError(t, err)
	assert.Equal(t, domain.StepEscalated, again.Status)
}
