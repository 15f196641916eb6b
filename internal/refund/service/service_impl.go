package service

import (
	"context"
	"errors"

	"github.com/bwmarrin/snowflake"
	allocdomain "github.com/canvastack/stencil/internal/allocation/domain"
	approvaldomain "github.com/canvastack/stencil/internal/approval/domain"
	"github.com/canvastack/stencil/internal/clock"
	"github.com/canvastack/stencil/internal/config"
	"github.com/canvastack/stencil/internal/event"
	"github.com/canvastack/stencil/internal/gateway"
	historydomain "github.com/canvastack/stencil/internal/history/domain"
	"github.com/canvastack/stencil/internal/identity"
	funddomain "github.com/canvastack/stencil/internal/insurancefund/domain"
	obsmetrics "github.com/canvastack/stencil/internal/observability/metrics"
	"github.com/canvastack/stencil/internal/orderledger"
	"github.com/canvastack/stencil/internal/refund/domain"
	ruledomain "github.com/canvastack/stencil/internal/ruleconfig/domain"
	"github.com/canvastack/stencil/internal/tenantctx"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	Config     config.Config
	DB         *gorm.DB
	Log        *zap.Logger
	GenID      *snowflake.Node
	Clock      clock.Clock
	Repo       domain.Repository
	History    historydomain.Repository
	Approval   approvaldomain.Engine
	Rules      ruledomain.Store
	Ledger     orderledger.OrderLedger
	Gateway    gateway.PaymentGateway
	Fund       funddomain.Ledger
	Allocation allocdomain.Engine
	Events     *event.Dispatcher
}

type Service struct {
	cfg        config.Config
	db         *gorm.DB
	log        *zap.Logger
	genID      *snowflake.Node
	clock      clock.Clock
	repo       domain.Repository
	history    historydomain.Repository
	approval   approvaldomain.Engine
	rules      ruledomain.Store
	ledger     orderledger.OrderLedger
	gateway    gateway.PaymentGateway
	fund       funddomain.Ledger
	allocation allocdomain.Engine
	events     *event.Dispatcher
}

func New(p Params) domain.Service {
	return &Service{
		cfg:        p.Config,
		db:         p.DB,
		log:        p.Log.Named("refund.service"),
		genID:      p.GenID,
		clock:      p.Clock,
		repo:       p.Repo,
		history:    p.History,
		approval:   p.Approval,
		rules:      p.Rules,
		ledger:     p.Ledger,
		gateway:    p.Gateway,
		fund:       p.Fund,
		allocation: p.Allocation,
		events:     p.Events,
	}
}

func (s *Service) Open(ctx context.Context, req domain.OpenRequest) (domain.CaseView, error) {
	tenantID, ok := tenantctx.TenantIDFromContext(ctx)
	if !ok || tenantID == 0 {
		return domain.CaseView{}, domain.ErrUnauthorized
	}
	actor, ok := identity.ActorFromContext(ctx)
	if !ok {
		return domain.CaseView{}, domain.ErrUnauthorized
	}
	if req.OrderID == 0 || req.RequestedAmount <= 0 {
		return domain.CaseView{}, domain.ErrInvalidArgument
	}

	paid, err := s.ledger.GetPaidAmount(ctx, tenantID, req.OrderID)
	if err != nil {
		return domain.CaseView{}, err
	}
	if paid.Amount == 0 {
		return domain.CaseView{}, domain.ErrNothingCaptured
	}
	if req.RequestedAmount > paid.Amount {
		return domain.CaseView{}, domain.ErrExceedsPaidAmount
	}

	// The breakdown is derived here, never accepted from the caller.
	fees, err := s.rules.RefundFeeRates(ctx, tenantID)
	if err != nil {
		return domain.CaseView{}, err
	}
	base := req.RequestedAmount
	fee := fees.AdminFee.ApplyTo(base)
	tax := fees.TaxWithholding.ApplyTo(base)
	net := base - fee - tax
	fault := req.Reason.Fault()

	var vendorRecoverable int64
	if fault == domain.FaultVendor {
		vendorRecoverable = net
	}
	companyLoss := net - vendorRecoverable

	now := s.clock.Now()
	evidence := req.Evidence
	if evidence == nil {
		evidence = datatypes.JSONMap{}
	}

	request := domain.Request{
		ID:                s.genID.Generate(),
		TenantID:          tenantID,
		OrderID:           req.OrderID,
		RequesterID:       actor.ID,
		Reason:            req.Reason,
		Type:              req.Type,
		Status:            domain.StatusPendingReview,
		Currency:          paid.Currency,
		RequestedAmount:   base,
		BaseAmount:        base,
		FeeAmount:         fee,
		TaxAmount:         tax,
		NetAmount:         net,
		FaultParty:        fault,
		VendorRecoverable: vendorRecoverable,
		CompanyLoss:       companyLoss,
		Evidence:          evidence,
		CreatedAt:         now,
		UpdatedAt:         now,
	}

	var wf approvaldomain.Workflow
	var pending []event.Event

	err = s.db.Transaction(func(tx *gorm.DB) error {
		if err := s.repo.Insert(ctx, tx, &request); err != nil {
			return err
		}
		if err := s.appendHistory(ctx, tx, &request, "", domain.StatusPendingReview, "refund requested"); err != nil {
			return err
		}

		wf, err = s.approval.Instantiate(ctx, tx, approvaldomain.InstantiateRequest{
			TenantID:        tenantID,
			RefundRequestID: request.ID,
			Amount:          net,
			RiskExposure:    companyLoss,
		})
		if err != nil {
			return err
		}

		if next := statusForWorkflow(wf); next != request.Status {
			if err := s.transition(ctx, tx, &request, next, "approval chain instantiated"); err != nil {
				return err
			}
		}
		s.setCurrentStep(&request, wf)
		if err := s.repo.Update(ctx, tx, &request); err != nil {
			return err
		}

		if fault == domain.FaultVendor && req.VendorID != 0 {
			liability := domain.VendorLiability{
				ID:              s.genID.Generate(),
				TenantID:        tenantID,
				RefundRequestID: request.ID,
				VendorID:        req.VendorID,
				Amount:          vendorRecoverable,
				Status:          domain.LiabilityPendingClaim,
				Reason:          string(req.Reason),
				CreatedAt:       now,
				UpdatedAt:       now,
			}
			if err := s.repo.InsertLiability(ctx, tx, &liability); err != nil {
				return err
			}
		}

		pending = append(pending, event.Event{Name: event.RefundOpened, TenantID: tenantID, AggregateID: request.ID})
		if request.Status == domain.StatusApproved {
			pending = append(pending, event.Event{Name: event.RefundApproved, TenantID: tenantID, AggregateID: request.ID})
		}
		return nil
	})
	if err != nil {
		return domain.CaseView{}, err
	}

	s.emit(ctx, pending)
	return domain.CaseView{Request: request, Workflow: wf}, nil
}

func (s *Service) Investigate(ctx context.Context, requestID snowflake.ID, notes string) (domain.Request, error) {
	var result domain.Request
	err := s.withRequest(ctx, requestID, func(tx *gorm.DB, req *domain.Request) error {
		if err := s.transition(ctx, tx, req, domain.StatusUnderInvestigation, notes); err != nil {
			return err
		}
		if err := s.repo.Update(ctx, tx, req); err != nil {
			return err
		}
		result = *req
		return nil
	})
	if err != nil {
		return domain.Request{}, err
	}
	return result, nil
}

func (s *Service) AdvanceApproval(ctx context.Context, req domain.DecideRequest) (domain.CaseView, error) {
	var result domain.Request
	var wf approvaldomain.Workflow
	var pending []event.Event

	err := s.withRequest(ctx, req.RequestID, func(tx *gorm.DB, request *domain.Request) error {
		var err error
		wf, err = s.approval.Decide(ctx, tx, approvaldomain.DecideRequest{
			RefundRequestID: req.RequestID,
			StepID:          req.StepID,
			Approve:         req.Approve,
			Notes:           req.Notes,
		})
		if err != nil {
			return err
		}

		next := statusForWorkflow(wf)
		if next != request.Status {
			if err := s.transition(ctx, tx, request, next, req.Notes); err != nil {
				return err
			}
		}
		s.setCurrentStep(request, wf)
		if next == domain.StatusRejected {
			now := s.clock.Now()
			request.ClosedAt = &now
		}
		if err := s.repo.Update(ctx, tx, request); err != nil {
			return err
		}

		switch next {
		case domain.StatusApproved:
			pending = append(pending, event.Event{Name: event.RefundApproved, TenantID: request.TenantID, AggregateID: request.ID})
		case domain.StatusRejected:
			pending = append(pending, event.Event{Name: event.RefundRejected, TenantID: request.TenantID, AggregateID: request.ID})
		}
		result = *request
		return nil
	})
	if err != nil {
		return domain.CaseView{}, err
	}

	s.emit(ctx, pending)
	return domain.CaseView{Request: result, Workflow: wf}, nil
}

func (s *Service) Dispatch(ctx context.Context, requestID snowflake.ID) (domain.Request, error) {
	var request domain.Request
	err := s.withRequest(ctx, requestID, func(tx *gorm.DB, req *domain.Request) error {
		if req.Status != domain.StatusApproved {
			return domain.TransitionErr(domain.ErrInvalidTransition, req.Status)
		}
		if err := s.transition(ctx, tx, req, domain.StatusProcessing, "refund dispatched to gateway"); err != nil {
			return err
		}
		if err := s.repo.Update(ctx, tx, req); err != nil {
			return err
		}
		request = *req
		return nil
	})
	if err != nil {
		return domain.Request{}, err
	}

	return s.executeGateway(ctx, request)
}

func (s *Service) Retry(ctx context.Context, requestID snowflake.ID) (domain.Request, error) {
	var request domain.Request
	err := s.withRequest(ctx, requestID, func(tx *gorm.DB, req *domain.Request) error {
		if req.Status != domain.StatusFailed {
			return domain.TransitionErr(domain.ErrRetryNotFromFailed, req.Status)
		}
		req.FailureReason = ""
		if err := s.transition(ctx, tx, req, domain.StatusProcessing, "operator retry"); err != nil {
			return err
		}
		if err := s.repo.Update(ctx, tx, req); err != nil {
			return err
		}
		request = *req
		return nil
	})
	if err != nil {
		return domain.Request{}, err
	}

	return s.executeGateway(ctx, request)
}

// capturedRef picks the gateway reference the refund should be pushed
// against: the earliest captured or settled payment on the order.
func (s *Service) capturedRef(ctx context.Context, tenantID, orderID snowflake.ID) (string, error) {
	txns, err := s.ledger.GetPaymentTransactions(ctx, tenantID, orderID)
	if err != nil {
		return "", err
	}
	for _, txn := range txns {
		if txn.GatewayRef == "" {
			continue
		}
		if txn.Status == orderledger.StatusCaptured || txn.Status == orderledger.StatusSettled {
			return txn.GatewayRef, nil
		}
	}
	return "", domain.ErrNothingCaptured
}

// executeGateway runs the gateway call outside any lock, then records the
// outcome as a second transition. Every attempt lands in the processing
// log regardless of outcome.
func (s *Service) executeGateway(ctx context.Context, request domain.Request) (domain.Request, error) {
	ref, err := s.capturedRef(ctx, request.TenantID, request.OrderID)
	if err != nil {
		return s.recordOutcome(ctx, request, gateway.Result{Failure: err.Error()}, err)
	}

	callCtx, cancel := context.WithTimeout(ctx, s.cfg.GatewayTimeout)
	defer cancel()

	result, err := s.gateway.Refund(callCtx, ref, request.PayableAmount(), request.Currency)
	if errors.Is(err, context.DeadlineExceeded) {
		return s.recordOutcome(ctx, request, gateway.Result{Failure: domain.FailureGatewayTimeout}, domain.ErrGatewayTimeout)
	}
	if err != nil {
		return s.recordOutcome(ctx, request, gateway.Result{Failure: err.Error()}, domain.ErrGatewayFailure)
	}
	if !result.Success {
		if result.Failure == "" {
			result.Failure = "gateway_declined"
		}
		return s.recordOutcome(ctx, request, result, domain.ErrGatewayFailure)
	}
	return s.recordOutcome(ctx, request, result, nil)
}

func (s *Service) recordOutcome(ctx context.Context, request domain.Request, result gateway.Result, cause error) (domain.Request, error) {
	success := cause == nil
	var updated domain.Request
	var pending []event.Event

	err := s.withRequest(ctx, request.ID, func(tx *gorm.DB, req *domain.Request) error {
		now := s.clock.Now()
		if success {
			req.GatewayRef = result.GatewayRef
			req.ClosedAt = &now
			if err := s.transition(ctx, tx, req, domain.StatusCompleted, "gateway confirmed refund"); err != nil {
				return err
			}
			pending = append(pending, event.Event{Name: event.RefundCompleted, TenantID: req.TenantID, AggregateID: req.ID})
		} else {
			req.FailureReason = result.Failure
			if err := s.transition(ctx, tx, req, domain.StatusFailed, result.Failure); err != nil {
				return err
			}
			pending = append(pending, event.Event{Name: event.RefundFailed, TenantID: req.TenantID, AggregateID: req.ID})
		}
		if err := s.repo.Update(ctx, tx, req); err != nil {
			return err
		}
		updated = *req
		return nil
	})
	if err != nil {
		return domain.Request{}, err
	}

	s.logAttempt(ctx, &updated, result, success)
	if success {
		obsmetrics.IncGatewayAttempt("success")
		s.coverCompanyLoss(ctx, &updated)
	} else {
		obsmetrics.IncGatewayAttempt("failure")
	}
	s.emit(ctx, pending)

	if cause != nil {
		return updated, cause
	}
	return updated, nil
}

func (s *Service) logAttempt(ctx context.Context, req *domain.Request, result gateway.Result, success bool) {
	attempt, err := s.repo.CountProcessingAttempts(ctx, s.db, req.TenantID, req.ID)
	if err != nil {
		s.log.Warn("counting gateway attempts failed", zap.Error(err))
	}
	outcome := "failure"
	if success {
		outcome = "success"
	}
	entry := domain.ProcessingLog{
		ID:              s.genID.Generate(),
		TenantID:        req.TenantID,
		RefundRequestID: req.ID,
		Attempt:         attempt + 1,
		Action:          "gateway_refund",
		Outcome:         outcome,
		GatewayRef:      result.GatewayRef,
		FailureReason:   result.Failure,
		CreatedAt:       s.clock.Now(),
	}
	if err := s.repo.InsertProcessingLog(ctx, s.db, &entry); err != nil {
		s.log.Warn("processing log insert failed", zap.Error(err))
	}
}

// coverCompanyLoss draws the unrecoverable share of a completed refund
// from the insurance fund. Best effort: an underfunded chain is logged,
// never fails the completed case.
func (s *Service) coverCompanyLoss(ctx context.Context, req *domain.Request) {
	if req.CompanyLoss <= 0 {
		return
	}
	_, err := s.fund.Withdraw(ctx, funddomain.EntryRequest{
		TenantID:  req.TenantID,
		Amount:    req.CompanyLoss,
		Reference: req.ID,
		Reason:    "refund loss coverage",
	})
	if errors.Is(err, funddomain.ErrInsufficientBalance) {
		s.log.Warn("insurance fund cannot cover refund loss",
			zap.String("refund_request_id", req.ID.String()),
			zap.Int64("company_loss", req.CompanyLoss),
		)
		return
	}
	if err != nil {
		s.log.Error("insurance fund withdrawal failed", zap.Error(err))
	}
}

func (s *Service) Cancel(ctx context.Context, requestID snowflake.ID, reason string) (domain.Request, error) {
	var result domain.Request
	err := s.withRequest(ctx, requestID, func(tx *gorm.DB, req *domain.Request) error {
		if !req.Status.Cancellable() {
			return domain.TransitionErr(domain.ErrInvalidTransition, req.Status)
		}
		now := s.clock.Now()
		req.ClosedAt = &now
		if reason == "" {
			reason = "cancelled by requester"
		}
		if err := s.transition(ctx, tx, req, domain.StatusCancelled, reason); err != nil {
			return err
		}
		if err := s.repo.Update(ctx, tx, req); err != nil {
			return err
		}
		result = *req
		return nil
	})
	if err != nil {
		return domain.Request{}, err
	}
	return result, nil
}

func (s *Service) OpenDispute(ctx context.Context, req domain.OpenDisputeRequest) (domain.Dispute, error) {
	if req.Claim == "" {
		return domain.Dispute{}, domain.ErrInvalidArgument
	}

	var dispute domain.Dispute
	var pending []event.Event

	err := s.withRequest(ctx, req.RequestID, func(tx *gorm.DB, request *domain.Request) error {
		// Check the dispute first: once a case moves to disputed the
		// status gate would mask the duplicate-dispute error.
		existing, err := s.repo.FindOpenDispute(ctx, tx, request.TenantID, request.ID)
		if err != nil {
			return err
		}
		if existing != nil {
			return domain.ErrDisputeAlreadyOpen
		}
		if request.Status != domain.StatusRejected && request.Status != domain.StatusCompleted {
			return domain.TransitionErr(domain.ErrDisputeNotAllowed, request.Status)
		}

		now := s.clock.Now()
		customerEvidence := req.CustomerEvidence
		if customerEvidence == nil {
			customerEvidence = datatypes.JSONMap{}
		}
		companyEvidence := req.CompanyEvidence
		if companyEvidence == nil {
			companyEvidence = datatypes.JSONMap{}
		}
		dispute = domain.Dispute{
			ID:               s.genID.Generate(),
			TenantID:         request.TenantID,
			RefundRequestID:  request.ID,
			Claim:            req.Claim,
			CustomerEvidence: customerEvidence,
			CompanyEvidence:  companyEvidence,
			Status:           domain.DisputeOpen,
			CreatedAt:        now,
			UpdatedAt:        now,
		}
		if err := s.repo.InsertDispute(ctx, tx, &dispute); err != nil {
			return err
		}
		if err := s.transition(ctx, tx, request, domain.StatusDisputed, req.Claim); err != nil {
			return err
		}
		if err := s.repo.Update(ctx, tx, request); err != nil {
			return err
		}
		pending = append(pending, event.Event{Name: event.RefundDisputed, TenantID: request.TenantID, AggregateID: request.ID})
		return nil
	})
	if err != nil {
		return domain.Dispute{}, err
	}

	s.emit(ctx, pending)
	return dispute, nil
}

func (s *Service) ResolveDispute(ctx context.Context, req domain.ResolveDisputeRequest) (domain.Request, error) {
	var result domain.Request
	var settledDelta int64
	var needDispatch bool

	err := s.withRequest(ctx, req.RequestID, func(tx *gorm.DB, request *domain.Request) error {
		if request.Status != domain.StatusDisputed {
			return domain.TransitionErr(domain.ErrInvalidTransition, request.Status)
		}
		dispute, err := s.repo.FindOpenDispute(ctx, tx, request.TenantID, request.ID)
		if err != nil {
			return err
		}
		if dispute == nil {
			return domain.ErrDisputeNotOpen
		}

		now := s.clock.Now()
		dispute.Status = domain.DisputeResolved
		dispute.Outcome = req.Outcome
		dispute.FinalRefundAmount = req.FinalRefundAmount
		dispute.ResolutionNotes = req.Notes
		dispute.ResolvedAt = &now
		dispute.UpdatedAt = now
		if err := s.repo.UpdateDispute(ctx, tx, dispute); err != nil {
			return err
		}

		moved := request.GatewayRef != ""
		next := domain.StatusRejected
		reason := "dispute resolved in company favor"
		if req.Outcome == domain.OutcomeCustomerFavor {
			reason = "dispute settled in customer favor"
			if req.FinalRefundAmount != nil {
				if moved {
					settledDelta = *req.FinalRefundAmount - request.PayableAmount()
				}
				request.FinalAmount = req.FinalRefundAmount
			}
			if moved {
				next = domain.StatusCompleted
			} else {
				// Money never moved; the settlement has to go through
				// the gateway like any other payout.
				next = domain.StatusProcessing
				needDispatch = true
			}
		} else if moved {
			// Money already moved; the original completion stands.
			next = domain.StatusCompleted
		}

		if next != domain.StatusProcessing {
			request.ClosedAt = &now
		}
		if err := s.transition(ctx, tx, request, next, reason); err != nil {
			return err
		}
		if err := s.repo.Update(ctx, tx, request); err != nil {
			return err
		}
		result = *request
		return nil
	})
	if err != nil {
		return domain.Request{}, err
	}

	if needDispatch {
		return s.executeGateway(ctx, result)
	}

	// A positive settlement delta on an already-settled case is new money
	// movement: run it through the allocation engine so the buckets stay
	// conserved.
	if settledDelta > 0 {
		_, err := s.allocation.Allocate(ctx, allocdomain.AllocateRequest{
			TransactionID: result.ID,
			Amount:        settledDelta,
			Reference:     result.OrderID,
		})
		if err != nil && !errors.Is(err, ruledomain.ErrRuleNotFound) && !errors.Is(err, allocdomain.ErrAlreadyAllocated) {
			s.log.Warn("settlement delta allocation failed",
				zap.String("refund_request_id", result.ID.String()),
				zap.Int64("delta", settledDelta),
				zap.Error(err),
			)
		}
	}
	return result, nil
}

func (s *Service) RecordVendorLiability(ctx context.Context, req domain.RecordLiabilityRequest) (domain.VendorLiability, error) {
	if req.VendorID == 0 || req.Amount <= 0 {
		return domain.VendorLiability{}, domain.ErrInvalidArgument
	}

	var liability domain.VendorLiability
	err := s.withRequest(ctx, req.RequestID, func(tx *gorm.DB, request *domain.Request) error {
		now := s.clock.Now()
		liability = domain.VendorLiability{
			ID:              s.genID.Generate(),
			TenantID:        request.TenantID,
			RefundRequestID: request.ID,
			VendorID:        req.VendorID,
			Amount:          req.Amount,
			Status:          domain.LiabilityPendingClaim,
			Reason:          req.Reason,
			CreatedAt:       now,
			UpdatedAt:       now,
		}
		return s.repo.InsertLiability(ctx, tx, &liability)
	})
	if err != nil {
		return domain.VendorLiability{}, err
	}
	return liability, nil
}

func (s *Service) ClaimLiability(ctx context.Context, liabilityID snowflake.ID) (domain.VendorLiability, error) {
	return s.updateLiability(ctx, liabilityID, func(l *domain.VendorLiability) error {
		if l.Status != domain.LiabilityPendingClaim {
			return domain.ErrLiabilitySettled
		}
		l.Status = domain.LiabilityClaimed
		return nil
	})
}

func (s *Service) RecordRecovery(ctx context.Context, liabilityID snowflake.ID, amount int64) (domain.VendorLiability, error) {
	if amount <= 0 {
		return domain.VendorLiability{}, domain.ErrInvalidArgument
	}
	var recovered bool
	result, err := s.updateLiability(ctx, liabilityID, func(l *domain.VendorLiability) error {
		if l.Status != domain.LiabilityClaimed && l.Status != domain.LiabilityPendingClaim {
			return domain.ErrLiabilitySettled
		}
		if l.RecoveredAmount+amount > l.Amount {
			return domain.ErrOverRecovery
		}
		l.RecoveredAmount += amount
		if l.RecoveredAmount == l.Amount {
			l.Status = domain.LiabilityRecovered
			recovered = true
		} else if l.Status == domain.LiabilityPendingClaim {
			l.Status = domain.LiabilityClaimed
		}
		return nil
	})
	if err != nil {
		return domain.VendorLiability{}, err
	}
	if recovered {
		s.events.Dispatch(ctx, event.Event{
			Name:        event.LiabilityRecovered,
			TenantID:    result.TenantID,
			AggregateID: result.ID,
		})
	}
	return result, nil
}

func (s *Service) WriteOffLiability(ctx context.Context, liabilityID snowflake.ID, reason string) (domain.VendorLiability, error) {
	return s.updateLiability(ctx, liabilityID, func(l *domain.VendorLiability) error {
		if l.Status == domain.LiabilityRecovered || l.Status == domain.LiabilityWrittenOff {
			return domain.ErrLiabilitySettled
		}
		l.Status = domain.LiabilityWrittenOff
		if reason != "" {
			l.Reason = reason
		}
		return nil
	})
}

func (s *Service) Get(ctx context.Context, requestID snowflake.ID) (domain.CaseView, error) {
	tenantID, ok := tenantctx.TenantIDFromContext(ctx)
	if !ok || tenantID == 0 {
		return domain.CaseView{}, domain.ErrUnauthorized
	}
	request, err := s.repo.FindByID(ctx, s.db, tenantID, requestID)
	if err != nil {
		return domain.CaseView{}, err
	}
	if request == nil {
		return domain.CaseView{}, domain.ErrNotFound
	}
	wf, err := s.approval.State(ctx, requestID)
	if err != nil && !errors.Is(err, approvaldomain.ErrWorkflowNotFound) {
		return domain.CaseView{}, err
	}
	return domain.CaseView{Request: *request, Workflow: wf}, nil
}

func (s *Service) History(ctx context.Context, requestID snowflake.ID) ([]historydomain.Transition, error) {
	tenantID, ok := tenantctx.TenantIDFromContext(ctx)
	if !ok || tenantID == 0 {
		return nil, domain.ErrUnauthorized
	}
	return s.history.List(ctx, s.db, tenantID, historydomain.AggregateRefundRequest, requestID)
}

func (s *Service) ProcessingLogs(ctx context.Context, requestID snowflake.ID) ([]domain.ProcessingLog, error) {
	tenantID, ok := tenantctx.TenantIDFromContext(ctx)
	if !ok || tenantID == 0 {
		return nil, domain.ErrUnauthorized
	}
	return s.repo.ListProcessingLogs(ctx, s.db, tenantID, requestID)
}

func (s *Service) withRequest(ctx context.Context, requestID snowflake.ID, fn func(tx *gorm.DB, req *domain.Request) error) error {
	tenantID, ok := tenantctx.TenantIDFromContext(ctx)
	if !ok || tenantID == 0 {
		return domain.ErrUnauthorized
	}
	return s.db.Transaction(func(tx *gorm.DB) error {
		req, err := s.repo.FindByIDForUpdate(ctx, tx, tenantID, requestID)
		if err != nil {
			return err
		}
		if req == nil {
			return domain.ErrNotFound
		}
		return fn(tx, req)
	})
}

func (s *Service) updateLiability(ctx context.Context, liabilityID snowflake.ID, mutate func(*domain.VendorLiability) error) (domain.VendorLiability, error) {
	tenantID, ok := tenantctx.TenantIDFromContext(ctx)
	if !ok || tenantID == 0 {
		return domain.VendorLiability{}, domain.ErrUnauthorized
	}

	var result domain.VendorLiability
	err := s.db.Transaction(func(tx *gorm.DB) error {
		liability, err := s.repo.FindLiabilityForUpdate(ctx, tx, tenantID, liabilityID)
		if err != nil {
			return err
		}
		if liability == nil {
			return domain.ErrNotFound
		}
		if err := mutate(liability); err != nil {
			return err
		}
		liability.UpdatedAt = s.clock.Now()
		if err := s.repo.UpdateLiability(ctx, tx, liability); err != nil {
			return err
		}
		result = *liability
		return nil
	})
	if err != nil {
		return domain.VendorLiability{}, err
	}
	return result, nil
}

// transition validates and applies one status change, appending history.
// The caller persists the request afterwards.
func (s *Service) transition(ctx context.Context, tx *gorm.DB, req *domain.Request, next domain.Status, reason string) error {
	if !req.Status.CanTransitionTo(next) {
		return domain.TransitionErr(domain.ErrInvalidTransition, req.Status)
	}
	from := req.Status
	req.Status = next
	req.UpdatedAt = s.clock.Now()
	return s.appendHistory(ctx, tx, req, from, next, reason)
}

func (s *Service) appendHistory(ctx context.Context, tx *gorm.DB, req *domain.Request, from, to domain.Status, reason string) error {
	actorType := historydomain.ActorTypeSystem
	var actorID snowflake.ID
	if actor, ok := identity.ActorFromContext(ctx); ok && !actor.IsSystem() {
		actorType = historydomain.ActorTypeUser
		actorID = actor.ID
	}

	obsmetrics.IncTransition(string(historydomain.AggregateRefundRequest), string(from), string(to))
	return s.history.Append(ctx, tx, &historydomain.Transition{
		ID:            s.genID.Generate(),
		TenantID:      req.TenantID,
		AggregateType: historydomain.AggregateRefundRequest,
		AggregateID:   req.ID,
		FromStatus:    string(from),
		ToStatus:      string(to),
		ActorType:     actorType,
		ActorID:       actorID,
		Reason:        reason,
		OccurredAt:    s.clock.Now(),
	})
}

func (s *Service) setCurrentStep(req *domain.Request, wf approvaldomain.Workflow) {
	req.CurrentStepID = 0
	for _, step := range wf.Steps {
		if step.IsCurrent {
			req.CurrentStepID = step.ID
			return
		}
	}
}

func (s *Service) emit(ctx context.Context, events []event.Event) {
	for _, evt := range events {
		s.events.Dispatch(ctx, evt)
	}
}

// statusForWorkflow maps the derived workflow verdict onto the refund
// status enum. While the chain is in progress the status names the stage
// whose decision is awaited.
func statusForWorkflow(wf approvaldomain.Workflow) domain.Status {
	switch wf.State {
	case approvaldomain.WorkflowApproved:
		return domain.StatusApproved
	case approvaldomain.WorkflowRejected:
		return domain.StatusRejected
	}
	for _, step := range wf.Steps {
		if step.StepOrder == wf.CurrentOrder {
			if step.AssigneeRole == "finance" {
				return domain.StatusPendingFinance
			}
			return domain.StatusPendingManager
		}
	}
	return domain.StatusPendingReview
}
