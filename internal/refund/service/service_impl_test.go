package service

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	allocdomain "github.com/canvastack/stencil/internal/allocation/domain"
	allocrepo "github.com/canvastack/stencil/internal/allocation/repository"
	allocservice "github.com/canvastack/stencil/internal/allocation/service"
	approvaldomain "github.com/canvastack/stencil/internal/approval/domain"
	approvalrepo "github.com/canvastack/stencil/internal/approval/repository"
	approvalservice "github.com/canvastack/stencil/internal/approval/service"
	"github.com/canvastack/stencil/internal/clock"
	"github.com/canvastack/stencil/internal/config"
	"github.com/canvastack/stencil/internal/event"
	"github.com/canvastack/stencil/internal/gateway"
	historydomain "github.com/canvastack/stencil/internal/history/domain"
	historyrepo "github.com/canvastack/stencil/internal/history/repository"
	"github.com/canvastack/stencil/internal/identity"
	funddomain "github.com/canvastack/stencil/internal/insurancefund/domain"
	fundrepo "github.com/canvastack/stencil/internal/insurancefund/repository"
	fundservice "github.com/canvastack/stencil/internal/insurancefund/service"
	"github.com/canvastack/stencil/internal/orderledger"
	"github.com/canvastack/stencil/internal/refund/domain"
	"github.com/canvastack/stencil/internal/refund/repository"
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

type stubGateway struct {
	fn func(ctx context.Context, ref string, amount int64, currency string) (gateway.Result, error)
}

func (g *stubGateway) Refund(ctx context.Context, ref string, amount int64, currency string) (gateway.Result, error) {
	if g.fn == nil {
		return gateway.Result{Success: true, GatewayRef: "re_" + ref}, nil
	}
	return g.fn(ctx, ref, amount, currency)
}

type refundFixture struct {
	svc      *Service
	db       *gorm.DB
	clock    *clock.FakeClock
	node     *snowflake.Node
	tenantID snowflake.ID
	gateway  *stubGateway
	fund     funddomain.Ledger
}

func newRefundFixture(t *testing.T) *refundFixture {
	t.Helper()

	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	sqlDB.SetMaxIdleConns(1)
	require.NoError(t, db.AutoMigrate(
		&domain.Request{},
		&domain.Dispute{},
		&domain.VendorLiability{},
		&domain.ProcessingLog{},
		&approvaldomain.Step{},
		&historydomain.Transition{},
		&ruledomain.RuleConfiguration{},
		&orderledger.Transaction{},
		&allocdomain.PaymentAllocation{},
		&funddomain.FundTransaction{},
	))

	node, err := snowflake.NewNode(3)
	require.NoError(t, err)

	log := zaptest.NewLogger(t)
	fakeClock := clock.NewFakeClock(time.Date(2024, 7, 1, 10, 0, 0, 0, time.UTC))
	events := event.NewDispatcher(log)
	histRepo := historyrepo.Provide()
	rules := ruleservice.New(ruleservice.Params{DB: db, Log: log, Repo: rulerepo.Provide()})

	fund := fundservice.New(fundservice.Params{
		DB: db, Log: log, GenID: node, Clock: fakeClock,
		Repo: fundrepo.Provide(), Events: events,
	})
	alloc := allocservice.New(allocservice.Params{
		DB: db, Log: log, GenID: node, Clock: fakeClock,
		Repo: allocrepo.Provide(), Rules: rules, Fund: fund,
	})
	approvalEngine := approvalservice.New(approvalservice.Params{
		DB: db, Log: log, GenID: node, Clock: fakeClock,
		Repo: approvalrepo.Provide(), History: histRepo, Rules: rules, Events: events,
	})

	gw := &stubGateway{}
	svc := New(Params{
		Config:     config.Config{GatewayTimeout: time.Second},
		DB:         db,
		Log:        log,
		GenID:      node,
		Clock:      fakeClock,
		Repo:       repository.Provide(),
		History:    histRepo,
		Approval:   approvalEngine,
		Rules:      rules,
		Ledger:     orderledger.New(db),
		Gateway:    gw,
		Fund:       fund,
		Allocation: alloc,
		Events:     events,
	}).(*Service)

	return &refundFixture{
		svc:      svc,
		db:       db,
		clock:    fakeClock,
		node:     node,
		tenantID: node.Generate(),
		gateway:  gw,
		fund:     fund,
	}
}

func (f *refundFixture) ctxWithRoles(roles ...string) context.Context {
	ctx := tenantctx.WithTenantID(context.Background(), f.tenantID)
	return identity.WithActor(ctx, identity.Actor{
		Type:     identity.ActorTypeUser,
		ID:       f.node.Generate(),
		TenantID: f.tenantID,
		Roles:    roles,
	})
}

func (f *refundFixture) seedPayment(t *testing.T, orderID snowflake.ID, amount int64) {
	t.Helper()
	captured := f.clock.Now().Add(-24 * time.Hour)
	row := orderledger.Transaction{
		ID:         f.node.Generate(),
		TenantID:   f.tenantID,
		OrderID:    orderID,
		Amount:     amount,
		Currency:   "IDR",
		Status:     orderledger.StatusCaptured,
		GatewayRef: "ch_" + orderID.String(),
		CapturedAt: &captured,
		CreatedAt:  captured,
	}
	require.NoError(t, f.db.Create(&row).Error)
}

func (f *refundFixture) addRule(t *testing.T, code string, priority int, params datatypes.JSONMap) {
	t.Helper()
	row := ruledomain.RuleConfiguration{
		ID:        f.node.Generate(),
		ScopeKind: tenantctx.ScopeTenant,
		TenantID:  f.tenantID,
		RuleCode:  code,
		Enabled:   true,
		Priority:  priority,
		Params:    params,
		CreatedAt: time.Now().UTC(),
		UpdatedAt: time.Now().UTC(),
	}
	require.NoError(t, f.db.Create(&row).Error)
}

func TestOpenDerivesCalculation(t *testing.T) {
	f := newRefundFixture(t)
	ctx := f.ctxWithRoles("finance")
	orderID := f.node.Generate()
	vendorID := f.node.Generate()
	f.seedPayment(t, orderID, 2_000_000)

	view, err := f.svc.Open(ctx, domain.OpenRequest{
		OrderID:         orderID,
		VendorID:        vendorID,
		Reason:          domain.ReasonVendorFailure,
		Type:            domain.TypePartial,
		RequestedAmount: 500_000,
	})
	require.NoError(t, err)

	req := view.Request
	assert.Equal(t, int64(500_000), req.BaseAmount)
	assert.Equal(t, int64(10_000), req.FeeAmount) // 2% default admin fee
	assert.Equal(t, int64(0), req.TaxAmount)
	assert.Equal(t, int64(490_000), req.NetAmount)
	assert.Equal(t, domain.FaultVendor, req.FaultParty)
	assert.Equal(t, int64(490_000), req.VendorRecoverable)
	assert.Equal(t, int64(0), req.CompanyLoss)
	assert.Equal(t, "IDR", req.Currency)
	assert.Equal(t, domain.StatusPendingFinance, req.Status)
	require.NotZero(t, req.CurrentStepID)

	// Vendor fault records the cost-recovery claim up front.
	liabilities, err := f.svc.repo.ListLiabilities(ctx, f.db, f.tenantID, req.ID)
	require.NoError(t, err)
	require.Len(t, liabilities, 1)
	assert.Equal(t, domain.LiabilityPendingClaim, liabilities[0].Status)
	assert.Equal(t, int64(490_000), liabilities[0].Amount)
	assert.Equal(t, vendorID, liabilities[0].VendorID)
}

func TestOpenValidatesAgainstLedger(t *testing.T) {
	f := newRefundFixture(t)
	ctx := f.ctxWithRoles("finance")
	orderID := f.node.Generate()

	_, err := f.svc.Open(ctx, domain.OpenRequest{
		OrderID:         orderID,
		Reason:          domain.ReasonOther,
		Type:            domain.TypeFull,
		RequestedAmount: 100_000,
	})
	assert.ErrorIs(t, err, domain.ErrNothingCaptured)

	f.seedPayment(t, orderID, 300_000)
	_, err = f.svc.Open(ctx, domain.OpenRequest{
		OrderID:         orderID,
		Reason:          domain.ReasonOther,
		Type:            domain.TypeFull,
		RequestedAmount: 400_000,
	})
	assert.ErrorIs(t, err, domain.ErrExceedsPaidAmount)
}

func TestAutoApprovalSkipsFinanceStage(t *testing.T) {
	f := newRefundFixture(t)
	f.addRule(t, ruledomain.RuleApprovalStep, 1, datatypes.JSONMap{
		"name": "finance_review", "required_level": 1, "assignee_role": "finance",
		"sla_hours": 24, "auto_approve_risk_under": 200_000, "escalate_to_role": "manager",
	})
	f.addRule(t, ruledomain.RuleApprovalStep, 2, datatypes.JSONMap{
		"name": "manager_approval", "required_level": 2, "assignee_role": "manager",
		"sla_hours": 48,
	})
	ctx := f.ctxWithRoles("manager")
	orderID := f.node.Generate()
	f.seedPayment(t, orderID, 2_000_000)

	// Vendor-fault 500k: the company's own exposure is zero, under the
	// finance threshold, so finance clears automatically.
	view, err := f.svc.Open(ctx, domain.OpenRequest{
		OrderID:         orderID,
		VendorID:        f.node.Generate(),
		Reason:          domain.ReasonVendorFailure,
		Type:            domain.TypePartial,
		RequestedAmount: 500_000,
	})
	require.NoError(t, err)

	require.Len(t, view.Workflow.Steps, 2)
	assert.Equal(t, approvaldomain.StepApproved, view.Workflow.Steps[0].Status)
	assert.True(t, view.Workflow.Steps[0].AutoApproved)
	assert.Equal(t, approvaldomain.StepPending, view.Workflow.Steps[1].Status)
	assert.Equal(t, domain.StatusPendingManager, view.Request.Status)
}

func TestApprovalToCompletion(t *testing.T) {
	f := newRefundFixture(t)
	ctx := f.ctxWithRoles("finance")
	orderID := f.node.Generate()
	f.seedPayment(t, orderID, 1_000_000)

	view, err := f.svc.Open(ctx, domain.OpenRequest{
		OrderID:         orderID,
		Reason:          domain.ReasonCustomerChange,
		Type:            domain.TypePartial,
		RequestedAmount: 200_000,
	})
	require.NoError(t, err)
	require.Equal(t, domain.StatusPendingFinance, view.Request.Status)
	require.Len(t, view.Workflow.Steps, 1)

	view, err = f.svc.AdvanceApproval(ctx, domain.DecideRequest{
		RequestID: view.Request.ID,
		StepID:    view.Workflow.Steps[0].ID,
		Approve:   true,
		Notes:     "within policy",
	})
	require.NoError(t, err)
	assert.Equal(t, domain.StatusApproved, view.Request.Status)
	assert.Zero(t, view.Request.CurrentStepID)

	req, err := f.svc.Dispatch(ctx, view.Request.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCompleted, req.Status)
	assert.NotEmpty(t, req.GatewayRef)
	require.NotNil(t, req.ClosedAt)

	logs, err := f.svc.ProcessingLogs(ctx, req.ID)
	require.NoError(t, err)
	require.Len(t, logs, 1)
	assert.Equal(t, 1, logs[0].Attempt)
	assert.Equal(t, "success", logs[0].Outcome)

	entries, err := f.svc.History(ctx, req.ID)
	require.NoError(t, err)
	statuses := make([]string, 0, len(entries))
	for _, e := range entries {
		statuses = append(statuses, e.ToStatus)
	}
	assert.Equal(t, []string{
		string(domain.StatusPendingReview),
		string(domain.StatusPendingFinance),
		string(domain.StatusApproved),
		string(domain.StatusProcessing),
		string(domain.StatusCompleted),
	}, statuses)
}

func TestGatewayFailureThenOperatorRetry(t *testing.T) {
	f := newRefundFixture(t)
	ctx := f.ctxWithRoles("finance")
	orderID := f.node.Generate()
	f.seedPayment(t, orderID, 1_000_000)

	view, err := f.svc.Open(ctx, domain.OpenRequest{
		OrderID:         orderID,
		Reason:          domain.ReasonOther,
		Type:            domain.TypePartial,
		RequestedAmount: 100_000,
	})
	require.NoError(t, err)
	view, err = f.svc.AdvanceApproval(ctx, domain.DecideRequest{
		RequestID: view.Request.ID,
		StepID:    view.Workflow.Steps[0].ID,
		Approve:   true,
	})
	require.NoError(t, err)

	f.gateway.fn = func(ctx context.Context, ref string, amount int64, currency string) (gateway.Result, error) {
		return gateway.Result{Success: false, Failure: "issuer_declined"}, nil
	}
	req, err := f.svc.Dispatch(ctx, view.Request.ID)
	assert.ErrorIs(t, err, domain.ErrGatewayFailure)
	assert.Equal(t, domain.StatusFailed, req.Status)
	assert.Equal(t, "issuer_declined", req.FailureReason)

	// Failures are never retried silently; a second dispatch is an
	// explicit operator action.
	_, err = f.svc.Dispatch(ctx, req.ID)
	assert.ErrorIs(t, err, domain.ErrInvalidTransition)

	f.gateway.fn = nil
	req, err = f.svc.Retry(ctx, req.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCompleted, req.Status)

	logs, err := f.svc.ProcessingLogs(ctx, req.ID)
	require.NoError(t, err)
	require.Len(t, logs, 2)
	assert.Equal(t, "failure", logs[0].Outcome)
	assert.Equal(t, "success", logs[1].Outcome)
	assert.Equal(t, 2, logs[1].Attempt)
}

func TestGatewayTimeoutMarksFailed(t *testing.T) {
	f := newRefundFixture(t)
	f.svc.cfg.GatewayTimeout = 10 * time.Millisecond
	ctx := f.ctxWithRoles("finance")
	orderID := f.node.Generate()
	f.seedPayment(t, orderID, 1_000_000)

	view, err := f.svc.Open(ctx, domain.OpenRequest{
		OrderID:         orderID,
		Reason:          domain.ReasonOther,
		Type:            domain.TypePartial,
		RequestedAmount: 100_000,
	})
	require.NoError(t, err)
	view, err = f.svc.AdvanceApproval(ctx, domain.DecideRequest{
		RequestID: view.Request.ID,
		StepID:    view.Workflow.Steps[0].ID,
		Approve:   true,
	})
	require.NoError(t, err)

	f.gateway.fn = func(ctx context.Context, ref string, amount int64, currency string) (gateway.Result, error) {
		<-ctx.Done()
		return gateway.Result{}, ctx.Err()
	}
	req, err := f.svc.Dispatch(ctx, view.Request.ID)
	assert.ErrorIs(t, err, domain.ErrGatewayTimeout)
	assert.Equal(t, domain.StatusFailed, req.Status)
	assert.Equal(t, domain.FailureGatewayTimeout, req.FailureReason)
}

func TestDisputeLifecycle(t *testing.T) {
	f := newRefundFixture(t)
	f.addRule(t, ruledomain.RuleAllocationBucket, 1, datatypes.JSONMap{"bucket_type": "customer_dp", "percent_bp": 5000})
	f.addRule(t, ruledomain.RuleAllocationBucket, 2, datatypes.JSONMap{"bucket_type": "vendor_dp", "percent_bp": 4000})
	f.addRule(t, ruledomain.RuleAllocationBucket, 3, datatypes.JSONMap{"bucket_type": "profit_margin", "percent_bp": 1000})
	ctx := f.ctxWithRoles("finance")
	orderID := f.node.Generate()
	f.seedPayment(t, orderID, 1_000_000)

	view, err := f.svc.Open(ctx, domain.OpenRequest{
		OrderID:         orderID,
		Reason:          domain.ReasonOther,
		Type:            domain.TypePartial,
		RequestedAmount: 200_000,
	})
	require.NoError(t, err)
	view, err = f.svc.AdvanceApproval(ctx, domain.DecideRequest{
		RequestID: view.Request.ID,
		StepID:    view.Workflow.Steps[0].ID,
		Approve:   true,
	})
	require.NoError(t, err)
	req, err := f.svc.Dispatch(ctx, view.Request.ID)
	require.NoError(t, err)
	require.Equal(t, domain.StatusCompleted, req.Status)

	// No dispute yet: resolution has nothing to act on.
	_, err = f.svc.ResolveDispute(ctx, domain.ResolveDisputeRequest{
		RequestID: req.ID,
		Outcome:   domain.OutcomeCompanyFavor,
	})
	assert.ErrorIs(t, err, domain.ErrInvalidTransition)

	dispute, err := f.svc.OpenDispute(ctx, domain.OpenDisputeRequest{
		RequestID: req.ID,
		Claim:     "received amount lower than settled",
	})
	require.NoError(t, err)
	assert.Equal(t, domain.DisputeOpen, dispute.Status)

	_, err = f.svc.OpenDispute(ctx, domain.OpenDisputeRequest{
		RequestID: req.ID,
		Claim:     "second claim",
	})
	assert.ErrorIs(t, err, domain.ErrDisputeAlreadyOpen)

	// Settle above the original net: the delta re-enters allocation and
	// the buckets conserve it exactly.
	final := req.NetAmount + 50_000
	resolved, err := f.svc.ResolveDispute(ctx, domain.ResolveDisputeRequest{
		RequestID:         req.ID,
		Outcome:           domain.OutcomeCustomerFavor,
		FinalRefundAmount: &final,
		Notes:             "evidence supported the customer",
	})
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCompleted, resolved.Status)
	require.NotNil(t, resolved.FinalAmount)
	assert.Equal(t, final, *resolved.FinalAmount)

	allocations, err := f.svc.allocation.List(ctx, resolved.ID)
	require.NoError(t, err)
	require.NotEmpty(t, allocations)
	var sum int64
	for _, a := range allocations {
		sum += a.Amount
	}
	assert.Equal(t, int64(50_000), sum)
}

func TestVendorLiabilityRecovery(t *testing.T) {
	f := newRefundFixture(t)
	ctx := f.ctxWithRoles("finance")
	orderID := f.node.Generate()
	vendorID := f.node.Generate()
	f.seedPayment(t, orderID, 2_000_000)

	view, err := f.svc.Open(ctx, domain.OpenRequest{
		OrderID:         orderID,
		VendorID:        vendorID,
		Reason:          domain.ReasonQualityIssue,
		Type:            domain.TypePartial,
		RequestedAmount: 500_000,
	})
	require.NoError(t, err)

	liabilities, err := f.svc.repo.ListLiabilities(ctx, f.db, f.tenantID, view.Request.ID)
	require.NoError(t, err)
	require.Len(t, liabilities, 1)
	liability := liabilities[0]

	claimed, err := f.svc.ClaimLiability(ctx, liability.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.LiabilityClaimed, claimed.Status)

	partial, err := f.svc.RecordRecovery(ctx, liability.ID, 200_000)
	require.NoError(t, err)
	assert.Equal(t, domain.LiabilityClaimed, partial.Status)
	assert.Equal(t, int64(200_000), partial.RecoveredAmount)

	_, err = f.svc.RecordRecovery(ctx, liability.ID, liability.Amount)
	assert.ErrorIs(t, err, domain.ErrOverRecovery)

	full, err := f.svc.RecordRecovery(ctx, liability.ID, liability.Amount-200_000)
	require.NoError(t, err)
	assert.Equal(t, domain.LiabilityRecovered, full.Status)
	assert.Equal(t, liability.Amount, full.RecoveredAmount)

	_, err = f.svc.WriteOffLiability(ctx, liability.ID, "")
	assert.ErrorIs(t, err, domain.ErrLiabilitySettled)
}

func TestCancelBeforeCompletion(t *testing.T) {
	f := newRefundFixture(t)
	ctx := f.ctxWithRoles("finance")
	orderID := f.node.Generate()
	f.seedPayment(t, orderID, 1_000_000)

	view, err := f.svc.Open(ctx, domain.OpenRequest{
		OrderID:         orderID,
		Reason:          domain.ReasonOther,
		Type:            domain.TypePartial,
		RequestedAmount: 100_000,
	})
	require.NoError(t, err)

	req, err := f.svc.Cancel(ctx, view.Request.ID, "customer withdrew the request")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCancelled, req.Status)

	_, err = f.svc.Cancel(ctx, req.ID, "")
	assert.ErrorIs(t, err, domain.ErrInvalidTransition)
}

func TestCompletedRefundDrawsFundForCompanyLoss(t *testing.T) {
	f := newRefundFixture(t)
	ctx := f.ctxWithRoles("finance")
	orderID := f.node.Generate()
	f.seedPayment(t, orderID, 1_000_000)

	// Pre-fund the tenant so loss coverage has a balance to draw on.
	_, err := f.fund.Contribute(ctx, funddomain.EntryRequest{
		TenantID: f.tenantID,
		Amount:   5_000_000,
		Reason:   "seed",
	})
	require.NoError(t, err)

	view, err := f.svc.Open(ctx, domain.OpenRequest{
		OrderID:         orderID,
		Reason:          domain.ReasonShippingDamage, // company fault
		Type:            domain.TypePartial,
		RequestedAmount: 100_000,
	})
	require.NoError(t, err)
	require.Equal(t, view.Request.CompanyLoss, view.Request.NetAmount)

	view, err = f.svc.AdvanceApproval(ctx, domain.DecideRequest{
		RequestID: view.Request.ID,
		StepID:    view.Workflow.Steps[0].ID,
		Approve:   true,
	})
	require.NoError(t, err)
	req, err := f.svc.Dispatch(ctx, view.Request.ID)
	require.NoError(t, err)
	require.Equal(t, domain.StatusCompleted, req.Status)

	balance, err := f.fund.Balance(ctx, f.tenantID)
	require.NoError(t, err)
	assert.Equal(t, 5_000_000-req.CompanyLoss, balance)

	chain, err := f.fund.List(ctx, f.tenantID)
	require.NoError(t, err)
	require.NoError(t, funddomain.VerifyChain(chain))
}
