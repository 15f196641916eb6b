package service

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/canvastack/stencil/internal/approval/domain"
	"github.com/canvastack/stencil/internal/clock"
	"github.com/canvastack/stencil/internal/event"
	historydomain "github.com/canvastack/stencil/internal/history/domain"
	"github.com/canvastack/stencil/internal/identity"
	obsmetrics "github.com/canvastack/stencil/internal/observability/metrics"
	ruledomain "github.com/canvastack/stencil/internal/ruleconfig/domain"
	"github.com/canvastack/stencil/internal/tenantctx"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// defaultRules is the fallback chain when a tenant has no configured
// approval rules. Higher stages only engage above their amount floor.
var defaultRules = []stageTemplate{
	{rule: ruledomain.ApprovalRule{Name: "finance_review", RequiredLevel: 1, AssigneeRole: "finance", SLAHours: 24, EscalateToRole: "manager"}},
	{rule: ruledomain.ApprovalRule{Name: "manager_approval", RequiredLevel: 2, AssigneeRole: "manager", SLAHours: 48, EscalateToRole: "executive"}, amountFloor: 1_000_000},
	{rule: ruledomain.ApprovalRule{Name: "executive_approval", RequiredLevel: 3, AssigneeRole: "executive", SLAHours: 72}, amountFloor: 10_000_000},
}

type stageTemplate struct {
	rule        ruledomain.ApprovalRule
	amountFloor int64
}

// escalationSLA is the fresh window granted to the escalation target
// once a step blows its original deadline.
const escalationSLA = 24 * time.Hour

type Params struct {
	fx.In

	DB      *gorm.DB
	Log     *zap.Logger
	GenID   *snowflake.Node
	Clock   clock.Clock
	Repo    domain.Repository
	History historydomain.Repository
	Rules   ruledomain.Store
	Events  *event.Dispatcher
}

type Engine struct {
	db      *gorm.DB
	log     *zap.Logger
	genID   *snowflake.Node
	clock   clock.Clock
	repo    domain.Repository
	history historydomain.Repository
	rules   ruledomain.Store
	events  *event.Dispatcher
}

func New(p Params) domain.Engine {
	return &Engine{
		db:      p.DB,
		log:     p.Log.Named("approval.engine"),
		genID:   p.GenID,
		clock:   p.Clock,
		repo:    p.Repo,
		history: p.History,
		rules:   p.Rules,
		events:  p.Events,
	}
}

func (e *Engine) Instantiate(ctx context.Context, tx *gorm.DB, req domain.InstantiateRequest) (domain.Workflow, error) {
	rules, err := e.effectiveRules(ctx, req.TenantID, req.Amount)
	if err != nil {
		return domain.Workflow{}, err
	}

	now := e.clock.Now()
	steps := make([]domain.Step, 0, len(rules))
	for i, rule := range rules {
		var deadline *time.Time
		if rule.SLAHours > 0 {
			d := now.Add(time.Duration(rule.SLAHours) * time.Hour)
			deadline = &d
		}
		steps = append(steps, domain.Step{
			ID:              e.genID.Generate(),
			TenantID:        req.TenantID,
			RefundRequestID: req.RefundRequestID,
			StepOrder:       i + 1,
			Name:            rule.Name,
			RequiredLevel:   rule.RequiredLevel,
			AssigneeRole:    rule.AssigneeRole,
			EscalateToRole:  rule.EscalateToRole,
			Status:          domain.StepPending,
			SLADeadline:     deadline,
			CreatedAt:       now,
			UpdatedAt:       now,
		})
	}

	// Auto-approval consumes the chain from the front: each stage whose
	// threshold covers the request clears immediately, and the first
	// stage that does not becomes the current step.
	cursor := len(steps)
	for i := range steps {
		if !autoApproves(rules[i], req.Amount, req.RiskExposure) {
			cursor = i
			break
		}
		steps[i].Status = domain.StepApproved
		steps[i].AutoApproved = true
		decidedAt := now
		steps[i].DecidedAt = &decidedAt
	}
	if cursor < len(steps) {
		steps[cursor].IsCurrent = true
	}

	if err := e.repo.InsertSteps(ctx, tx, steps); err != nil {
		return domain.Workflow{}, err
	}
	for i := range steps {
		if !steps[i].AutoApproved {
			continue
		}
		err := e.appendHistory(ctx, tx, &steps[i], domain.StepPending, domain.StepApproved,
			historydomain.ActorTypeSystem, 0, "auto approved under threshold")
		if err != nil {
			return domain.Workflow{}, err
		}
	}

	state, current := domain.DeriveState(steps)
	return domain.Workflow{
		RefundRequestID: req.RefundRequestID,
		Steps:           steps,
		State:           state,
		CurrentOrder:    current,
	}, nil
}

func (e *Engine) Decide(ctx context.Context, tx *gorm.DB, req domain.DecideRequest) (domain.Workflow, error) {
	tenantID, ok := tenantctx.TenantIDFromContext(ctx)
	if !ok || tenantID == 0 {
		return domain.Workflow{}, domain.ErrWorkflowNotFound
	}
	actor, ok := identity.ActorFromContext(ctx)
	if !ok {
		return domain.Workflow{}, domain.ErrInsufficientLevel
	}

	steps, err := e.repo.ListByRequest(ctx, tx, tenantID, req.RefundRequestID)
	if err != nil {
		return domain.Workflow{}, err
	}
	if len(steps) == 0 {
		return domain.Workflow{}, domain.ErrWorkflowNotFound
	}

	var step *domain.Step
	for i := range steps {
		if steps[i].ID == req.StepID {
			step = &steps[i]
			break
		}
	}
	if step == nil {
		return domain.Workflow{}, domain.ErrStepNotFound
	}
	if step.Status.IsFinal() {
		return domain.Workflow{}, domain.DecisionErr(domain.ErrStepAlreadyDecided, step.Status)
	}
	if !step.IsCurrent {
		return domain.Workflow{}, domain.DecisionErr(domain.ErrNotCurrentStep, step.Status)
	}
	if !actor.HasLevel(step.DecisionLevel(identity.RoleLevel)) {
		return domain.Workflow{}, domain.ErrInsufficientLevel
	}

	now := e.clock.Now()
	from := step.Status
	if req.Approve {
		step.Status = domain.StepApproved
	} else {
		step.Status = domain.StepRejected
	}
	step.IsCurrent = false
	step.DecidedBy = actor.ID
	step.DecidedAt = &now
	step.DecisionNotes = req.Notes
	step.UpdatedAt = now

	won, err := e.repo.Decide(ctx, tx, step)
	if err != nil {
		return domain.Workflow{}, err
	}
	if !won {
		return domain.Workflow{}, domain.DecisionErr(domain.ErrStepAlreadyDecided, from)
	}
	err = e.appendHistory(ctx, tx, step, from, step.Status,
		historydomain.ActorTypeUser, actor.ID, req.Notes)
	if err != nil {
		return domain.Workflow{}, err
	}

	if req.Approve {
		if next := nextPendingOrder(steps, step.StepOrder); next > 0 {
			if err := e.repo.AdvanceCursor(ctx, tx, tenantID, req.RefundRequestID, next, now); err != nil {
				return domain.Workflow{}, err
			}
		}
	} else {
		skipped, err := e.repo.SkipRemaining(ctx, tx, tenantID, req.RefundRequestID, now)
		if err != nil {
			return domain.Workflow{}, err
		}
		for i := range skipped {
			err := e.appendHistory(ctx, tx, &skipped[i], domain.StepPending, domain.StepSkipped,
				historydomain.ActorTypeSystem, 0, "chain short-circuited by rejection")
			if err != nil {
				return domain.Workflow{}, err
			}
		}
	}

	steps, err = e.repo.ListByRequest(ctx, tx, tenantID, req.RefundRequestID)
	if err != nil {
		return domain.Workflow{}, err
	}
	state, current := domain.DeriveState(steps)
	return domain.Workflow{
		RefundRequestID: req.RefundRequestID,
		Steps:           steps,
		State:           state,
		CurrentOrder:    current,
	}, nil
}

func (e *Engine) State(ctx context.Context, refundRequestID snowflake.ID) (domain.Workflow, error) {
	tenantID, ok := tenantctx.TenantIDFromContext(ctx)
	if !ok || tenantID == 0 {
		return domain.Workflow{}, domain.ErrWorkflowNotFound
	}
	steps, err := e.repo.ListByRequest(ctx, e.db, tenantID, refundRequestID)
	if err != nil {
		return domain.Workflow{}, err
	}
	if len(steps) == 0 {
		return domain.Workflow{}, domain.ErrWorkflowNotFound
	}
	state, current := domain.DeriveState(steps)
	return domain.Workflow{
		RefundRequestID: refundRequestID,
		Steps:           steps,
		State:           state,
		CurrentOrder:    current,
	}, nil
}

func (e *Engine) Escalate(ctx context.Context, stepID snowflake.ID) (domain.Step, error) {
	tenantID, ok := tenantctx.TenantIDFromContext(ctx)
	if !ok || tenantID == 0 {
		return domain.Step{}, domain.ErrStepNotFound
	}

	var result domain.Step
	var evt *event.Event

	err := e.db.Transaction(func(tx *gorm.DB) error {
		step, err := e.repo.FindByID(ctx, tx, tenantID, stepID)
		if err != nil {
			return err
		}
		if step == nil {
			return domain.ErrStepNotFound
		}
		if step.Status != domain.StepPending {
			result = *step
			return nil
		}

		step.UpdatedAt = e.clock.Now()
		if step.EscalateToRole != "" {
			step.AssigneeRole = step.EscalateToRole
		}
		deadline := step.UpdatedAt.Add(escalationSLA)
		step.SLADeadline = &deadline
		flipped, err := e.repo.MarkEscalated(ctx, tx, step)
		if err != nil {
			return err
		}
		if !flipped {
			result = *step
			return nil
		}
		step.Status = domain.StepEscalated
		step.SLABreached = true

		err = e.appendHistory(ctx, tx, step, domain.StepPending, domain.StepEscalated,
			historydomain.ActorTypeSystem, 0, "escalated to "+step.EscalateToRole)
		if err != nil {
			return err
		}
		result = *step
		evt = &event.Event{Name: event.ApprovalEscalated, TenantID: step.TenantID, AggregateID: step.ID}
		return nil
	})
	if err != nil {
		return domain.Step{}, err
	}
	if evt != nil {
		e.events.Dispatch(ctx, *evt)
	}
	return result, nil
}

func (e *Engine) EscalateOverdue(ctx context.Context, now time.Time, limit int) (int, error) {
	var escalated []domain.Step

	err := e.db.Transaction(func(tx *gorm.DB) error {
		steps, err := e.repo.FetchOverdue(ctx, tx, now, limit)
		if err != nil {
			return err
		}
		for i := range steps {
			steps[i].UpdatedAt = now
			if steps[i].EscalateToRole != "" {
				steps[i].AssigneeRole = steps[i].EscalateToRole
			}
			deadline := now.Add(escalationSLA)
			steps[i].SLADeadline = &deadline
			flipped, err := e.repo.MarkEscalated(ctx, tx, &steps[i])
			if err != nil {
				return err
			}
			if !flipped {
				continue
			}
			steps[i].Status = domain.StepEscalated
			steps[i].SLABreached = true
			err = e.appendHistory(ctx, tx, &steps[i], domain.StepPending, domain.StepEscalated,
				historydomain.ActorTypeSystem, 0, "sla deadline passed")
			if err != nil {
				return err
			}
			escalated = append(escalated, steps[i])
		}
		return nil
	})
	if err != nil {
		return 0, err
	}

	for _, step := range escalated {
		e.events.Dispatch(ctx, event.Event{
			Name:        event.ApprovalEscalated,
			TenantID:    step.TenantID,
			AggregateID: step.ID,
			Payload:     map[string]any{"escalate_to_role": step.EscalateToRole},
		})
	}
	return len(escalated), nil
}

// effectiveRules returns the tenant's configured chain, or the built-in
// default chain filtered by amount floors.
func (e *Engine) effectiveRules(ctx context.Context, tenantID snowflake.ID, amount int64) ([]ruledomain.ApprovalRule, error) {
	configured, err := e.rules.ApprovalRules(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	if len(configured) > 0 {
		return configured, nil
	}

	rules := make([]ruledomain.ApprovalRule, 0, len(defaultRules))
	for _, stage := range defaultRules {
		if stage.amountFloor > 0 && amount < stage.amountFloor {
			continue
		}
		rules = append(rules, stage.rule)
	}
	if len(rules) == 0 {
		return nil, domain.ErrNoRulesConfigured
	}
	return rules, nil
}

func autoApproves(rule ruledomain.ApprovalRule, amount, risk int64) bool {
	if rule.AutoApproveUnder > 0 && amount < rule.AutoApproveUnder {
		return true
	}
	if rule.AutoApproveRiskUnder > 0 && risk < rule.AutoApproveRiskUnder {
		return true
	}
	return false
}

func nextPendingOrder(steps []domain.Step, decidedOrder int) int {
	for _, step := range steps {
		if step.StepOrder > decidedOrder && step.Status == domain.StepPending {
			return step.StepOrder
		}
	}
	return 0
}

func (e *Engine) appendHistory(ctx context.Context, tx *gorm.DB, step *domain.Step, from, to domain.StepStatus, actorType historydomain.ActorType, actorID snowflake.ID, reason string) error {
	obsmetrics.IncTransition(string(historydomain.AggregateApprovalStep), string(from), string(to))
	return e.history.Append(ctx, tx, &historydomain.Transition{
		ID:            e.genID.Generate(),
		TenantID:      step.TenantID,
		AggregateType: historydomain.AggregateApprovalStep,
		AggregateID:   step.ID,
		FromStatus:    string(from),
		ToStatus:      string(to),
		ActorType:     actorType,
		ActorID:       actorID,
		Reason:        reason,
		OccurredAt:    e.clock.Now(),
	})
}
