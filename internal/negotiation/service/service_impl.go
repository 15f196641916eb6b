package service

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/canvastack/stencil/internal/clock"
	"github.com/canvastack/stencil/internal/event"
	historydomain "github.com/canvastack/stencil/internal/history/domain"
	"github.com/canvastack/stencil/internal/identity"
	"github.com/canvastack/stencil/internal/negotiation/domain"
	obsmetrics "github.com/canvastack/stencil/internal/observability/metrics"
	ruledomain "github.com/canvastack/stencil/internal/ruleconfig/domain"
	"github.com/canvastack/stencil/internal/tenantctx"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// defaultExpiryWindow is applied when a quote is created or re-armed
// without an explicit deadline.
const defaultExpiryWindow = 30 * 24 * time.Hour

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

type Service struct {
	db      *gorm.DB
	log     *zap.Logger
	genID   *snowflake.Node
	clock   clock.Clock
	repo    domain.Repository
	history historydomain.Repository
	rules   ruledomain.Store
	events  *event.Dispatcher
}

func New(p Params) domain.Service {
	return &Service{
		db:      p.DB,
		log:     p.Log.Named("negotiation.service"),
		genID:   p.GenID,
		clock:   p.Clock,
		repo:    p.Repo,
		history: p.History,
		rules:   p.Rules,
		events:  p.Events,
	}
}

func (s *Service) Create(ctx context.Context, req domain.CreateQuoteRequest) (domain.Quote, error) {
	tenantID, ok := tenantctx.TenantIDFromContext(ctx)
	if !ok || tenantID == 0 {
		return domain.Quote{}, domain.ErrUnauthorized
	}
	if req.OrderID == 0 || req.VendorID == 0 || req.Quantity <= 0 || req.Currency == "" {
		return domain.Quote{}, domain.ErrInvalidArgument
	}

	active, err := s.repo.ActiveExists(ctx, s.db, tenantID, req.OrderID, req.VendorID)
	if err != nil {
		return domain.Quote{}, err
	}
	if active {
		return domain.Quote{}, domain.ErrDuplicateQuote
	}

	now := s.clock.Now()
	expiresAt := req.ExpiresAt
	if expiresAt == nil {
		deadline := now.Add(defaultExpiryWindow)
		expiresAt = &deadline
	}

	specs := req.Specifications
	if specs == nil {
		specs = datatypes.JSONMap{}
	}

	quote := domain.Quote{
		ID:             s.genID.Generate(),
		TenantID:       tenantID,
		OrderID:        req.OrderID,
		VendorID:       req.VendorID,
		ProductID:      req.ProductID,
		Quantity:       req.Quantity,
		Specifications: specs,
		Notes:          req.Notes,
		Status:         domain.StatusDraft,
		Round:          1,
		InitialOffer:   req.InitialOffer,
		LatestOffer:    req.InitialOffer,
		Currency:       req.Currency,
		ExpiresAt:      expiresAt,
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	err = s.db.Transaction(func(tx *gorm.DB) error {
		if err := s.repo.Insert(ctx, tx, &quote); err != nil {
			return err
		}
		return s.appendHistory(ctx, tx, &quote, "", domain.StatusDraft, "quote created")
	})
	if err != nil {
		return domain.Quote{}, err
	}
	return quote, nil
}

func (s *Service) Send(ctx context.Context, req domain.SendQuoteRequest) (domain.Quote, error) {
	var result domain.Quote
	var evt *event.Event
	var softErr error

	err := s.withQuote(ctx, req.QuoteID, func(tx *gorm.DB, quote *domain.Quote) error {
		now := s.clock.Now()
		if quote.Status != domain.StatusDraft {
			return domain.TransitionErr(domain.ErrInvalidTransition, quote.Status)
		}
		if quote.IsExpired(now) {
			softErr = domain.ErrNegotiationExpired
			evt = &event.Event{Name: event.QuoteExpired, TenantID: quote.TenantID, AggregateID: quote.ID}
			return s.forceExpire(ctx, tx, quote)
		}

		from := quote.Status
		quote.Status = domain.StatusSent
		quote.SentAt = &now
		if req.Offer > 0 {
			quote.InitialOffer = req.Offer
			quote.LatestOffer = req.Offer
		}
		if req.ExpiresAt != nil {
			quote.ExpiresAt = req.ExpiresAt
		}
		quote.UpdatedAt = now

		if err := s.repo.Update(ctx, tx, quote); err != nil {
			return err
		}
		if err := s.appendHistory(ctx, tx, quote, from, domain.StatusSent, "quote sent to vendor"); err != nil {
			return err
		}
		result = *quote
		evt = &event.Event{Name: event.QuoteSent, TenantID: quote.TenantID, AggregateID: quote.ID}
		return nil
	})
	if err != nil {
		return domain.Quote{}, err
	}
	s.emit(ctx, evt)
	if softErr != nil {
		return domain.Quote{}, softErr
	}
	return result, nil
}

func (s *Service) Respond(ctx context.Context, req domain.RespondRequest) (domain.Quote, error) {
	target, ok := req.Response.TargetStatus()
	if !ok {
		return domain.Quote{}, domain.ErrInvalidArgument
	}

	var result domain.Quote
	var evt *event.Event
	var softErr error

	err := s.withQuote(ctx, req.QuoteID, func(tx *gorm.DB, quote *domain.Quote) error {
		now := s.clock.Now()
		// Vendors can only answer an offer that is in front of them. The
		// transition table alone is too permissive here: it also carries
		// admin paths such as draft to rejected for Cancel.
		if quote.Status != domain.StatusSent && quote.Status != domain.StatusPendingResponse {
			return domain.TransitionErr(domain.ErrInvalidTransition, quote.Status)
		}
		if !quote.Status.CanTransitionTo(target) {
			return domain.TransitionErr(domain.ErrInvalidTransition, quote.Status)
		}
		if quote.IsExpired(now) {
			softErr = domain.ErrNegotiationExpired
			evt = &event.Event{Name: event.QuoteExpired, TenantID: quote.TenantID, AggregateID: quote.ID}
			return s.forceExpire(ctx, tx, quote)
		}

		from := quote.Status
		switch req.Response {
		case domain.ResponseCounter:
			if req.Amount <= 0 {
				return domain.ErrCounterNeedsAmount
			}
			maxRounds, err := s.rules.MaxNegotiationRounds(ctx, quote.TenantID)
			if err != nil {
				return err
			}
			if quote.Round+1 > maxRounds {
				softErr = domain.ErrMaxRoundsExceeded
				evt = &event.Event{Name: event.QuoteExpired, TenantID: quote.TenantID, AggregateID: quote.ID}
				return s.forceExpireWithReason(ctx, tx, quote, "max negotiation rounds exceeded")
			}
			quote.Round++
			quote.LatestOffer = req.Amount
			deadline := now.Add(defaultExpiryWindow)
			quote.ExpiresAt = &deadline
		case domain.ResponseAccept, domain.ResponseReject:
			quote.ClosedAt = &now
		}

		quote.Status = target
		quote.ResponseType = req.Response
		quote.ResponseNotes = req.Notes
		quote.RespondedAt = &now
		quote.UpdatedAt = now

		if err := s.repo.Update(ctx, tx, quote); err != nil {
			return err
		}
		reason := "vendor " + string(req.Response) + " response"
		if err := s.appendHistory(ctx, tx, quote, from, target, reason); err != nil {
			return err
		}

		result = *quote
		switch target {
		case domain.StatusAccepted:
			evt = &event.Event{Name: event.QuoteAccepted, TenantID: quote.TenantID, AggregateID: quote.ID}
		case domain.StatusRejected:
			evt = &event.Event{Name: event.QuoteRejected, TenantID: quote.TenantID, AggregateID: quote.ID}
		case domain.StatusCountered:
			evt = &event.Event{Name: event.QuoteCountered, TenantID: quote.TenantID, AggregateID: quote.ID}
		}
		return nil
	})
	if err != nil {
		return domain.Quote{}, err
	}
	s.emit(ctx, evt)
	if softErr != nil {
		return domain.Quote{}, softErr
	}
	return result, nil
}

func (s *Service) Reoffer(ctx context.Context, quoteID snowflake.ID, notes string) (domain.Quote, error) {
	var result domain.Quote
	var evt *event.Event
	var softErr error

	err := s.withQuote(ctx, quoteID, func(tx *gorm.DB, quote *domain.Quote) error {
		now := s.clock.Now()
		if quote.Status != domain.StatusCountered {
			return domain.TransitionErr(domain.ErrInvalidTransition, quote.Status)
		}
		if quote.IsExpired(now) {
			softErr = domain.ErrNegotiationExpired
			evt = &event.Event{Name: event.QuoteExpired, TenantID: quote.TenantID, AggregateID: quote.ID}
			return s.forceExpire(ctx, tx, quote)
		}

		from := quote.Status
		quote.Status = domain.StatusPendingResponse
		quote.ResponseNotes = notes
		deadline := now.Add(defaultExpiryWindow)
		quote.ExpiresAt = &deadline
		quote.UpdatedAt = now

		if err := s.repo.Update(ctx, tx, quote); err != nil {
			return err
		}
		if err := s.appendHistory(ctx, tx, quote, from, domain.StatusPendingResponse, "returned to vendor for next round"); err != nil {
			return err
		}
		result = *quote
		return nil
	})
	if err != nil {
		return domain.Quote{}, err
	}
	s.emit(ctx, evt)
	if softErr != nil {
		return domain.Quote{}, softErr
	}
	return result, nil
}

func (s *Service) Cancel(ctx context.Context, quoteID snowflake.ID, reason string) (domain.Quote, error) {
	if reason == "" {
		reason = "cancelled_by_admin"
	}

	var result domain.Quote
	var evt *event.Event

	err := s.withQuote(ctx, quoteID, func(tx *gorm.DB, quote *domain.Quote) error {
		now := s.clock.Now()
		if !quote.Status.CanTransitionTo(domain.StatusRejected) {
			return domain.TransitionErr(domain.ErrInvalidTransition, quote.Status)
		}

		from := quote.Status
		quote.Status = domain.StatusRejected
		quote.ClosedAt = &now
		quote.UpdatedAt = now

		if err := s.repo.Update(ctx, tx, quote); err != nil {
			return err
		}
		if err := s.appendHistory(ctx, tx, quote, from, domain.StatusRejected, reason); err != nil {
			return err
		}
		result = *quote
		evt = &event.Event{Name: event.QuoteRejected, TenantID: quote.TenantID, AggregateID: quote.ID}
		return nil
	})
	if err != nil {
		return domain.Quote{}, err
	}
	s.emit(ctx, evt)
	return result, nil
}

func (s *Service) Expire(ctx context.Context, quoteID snowflake.ID, now time.Time) (domain.Quote, error) {
	var result domain.Quote
	var evt *event.Event

	err := s.withQuote(ctx, quoteID, func(tx *gorm.DB, quote *domain.Quote) error {
		// Idempotent: already terminal or not yet due means no new
		// history entry and no error.
		if quote.Status.IsTerminal() || !quote.IsExpired(now) {
			result = *quote
			return nil
		}

		from := quote.Status
		quote.Status = domain.StatusExpired
		quote.ClosedAt = &now
		quote.UpdatedAt = now

		if err := s.repo.Update(ctx, tx, quote); err != nil {
			return err
		}
		if err := s.appendHistory(ctx, tx, quote, from, domain.StatusExpired, "expired without response"); err != nil {
			return err
		}
		result = *quote
		evt = &event.Event{Name: event.QuoteExpired, TenantID: quote.TenantID, AggregateID: quote.ID}
		return nil
	})
	if err != nil {
		return domain.Quote{}, err
	}
	s.emit(ctx, evt)
	return result, nil
}

func (s *Service) ExtendExpiry(ctx context.Context, quoteID snowflake.ID, newExpiry time.Time) (domain.Quote, error) {
	var result domain.Quote

	err := s.withQuote(ctx, quoteID, func(tx *gorm.DB, quote *domain.Quote) error {
		now := s.clock.Now()
		if quote.Status.IsTerminal() {
			return domain.TransitionErr(domain.ErrInvalidTransition, quote.Status)
		}
		if !newExpiry.After(now) {
			return domain.ErrInvalidArgument
		}
		quote.ExpiresAt = &newExpiry
		quote.UpdatedAt = now
		if err := s.repo.Update(ctx, tx, quote); err != nil {
			return err
		}
		result = *quote
		return nil
	})
	if err != nil {
		return domain.Quote{}, err
	}
	return result, nil
}

func (s *Service) Get(ctx context.Context, quoteID snowflake.ID) (domain.Quote, error) {
	tenantID, ok := tenantctx.TenantIDFromContext(ctx)
	if !ok || tenantID == 0 {
		return domain.Quote{}, domain.ErrUnauthorized
	}
	quote, err := s.repo.FindByID(ctx, s.db, tenantID, quoteID)
	if err != nil {
		return domain.Quote{}, err
	}
	if quote == nil {
		return domain.Quote{}, domain.ErrNotFound
	}
	return *quote, nil
}

func (s *Service) History(ctx context.Context, quoteID snowflake.ID) ([]historydomain.Transition, error) {
	tenantID, ok := tenantctx.TenantIDFromContext(ctx)
	if !ok || tenantID == 0 {
		return nil, domain.ErrUnauthorized
	}
	return s.history.List(ctx, s.db, tenantID, historydomain.AggregateQuote, quoteID)
}

func (s *Service) PostMessage(ctx context.Context, req domain.PostMessageRequest) (domain.Message, error) {
	tenantID, ok := tenantctx.TenantIDFromContext(ctx)
	if !ok || tenantID == 0 {
		return domain.Message{}, domain.ErrUnauthorized
	}
	actor, ok := identity.ActorFromContext(ctx)
	if !ok {
		return domain.Message{}, domain.ErrUnauthorized
	}
	if req.Body == "" {
		return domain.Message{}, domain.ErrInvalidArgument
	}

	quote, err := s.repo.FindByID(ctx, s.db, tenantID, req.QuoteID)
	if err != nil {
		return domain.Message{}, err
	}
	if quote == nil {
		return domain.Message{}, domain.ErrNotFound
	}

	msg := domain.Message{
		ID:          s.genID.Generate(),
		TenantID:    tenantID,
		QuoteID:     req.QuoteID,
		SenderType:  string(actor.Type),
		SenderID:    actor.ID,
		Body:        req.Body,
		Attachments: req.Attachments,
		CreatedAt:   s.clock.Now(),
	}
	if err := s.repo.InsertMessage(ctx, s.db, &msg); err != nil {
		return domain.Message{}, err
	}
	return msg, nil
}

func (s *Service) ListMessages(ctx context.Context, quoteID snowflake.ID) ([]domain.Message, error) {
	tenantID, ok := tenantctx.TenantIDFromContext(ctx)
	if !ok || tenantID == 0 {
		return nil, domain.ErrUnauthorized
	}
	return s.repo.ListMessages(ctx, s.db, tenantID, quoteID)
}

func (s *Service) MarkMessageRead(ctx context.Context, messageID snowflake.ID) error {
	tenantID, ok := tenantctx.TenantIDFromContext(ctx)
	if !ok || tenantID == 0 {
		return domain.ErrUnauthorized
	}
	updated, err := s.repo.MarkMessageRead(ctx, s.db, tenantID, messageID, s.clock.Now())
	if err != nil {
		return err
	}
	if !updated {
		s.log.Debug("message already read or missing", zap.String("message_id", messageID.String()))
	}
	return nil
}

// withQuote runs fn with the quote loaded under its row lock inside one
// transaction. The tenant comes from context; repositories enforce it.
func (s *Service) withQuote(ctx context.Context, quoteID snowflake.ID, fn func(tx *gorm.DB, quote *domain.Quote) error) error {
	tenantID, ok := tenantctx.TenantIDFromContext(ctx)
	if !ok || tenantID == 0 {
		return domain.ErrUnauthorized
	}
	return s.db.Transaction(func(tx *gorm.DB) error {
		quote, err := s.repo.FindByIDForUpdate(ctx, tx, tenantID, quoteID)
		if err != nil {
			return err
		}
		if quote == nil {
			return domain.ErrNotFound
		}
		return fn(tx, quote)
	})
}

// forceExpire transitions a past-deadline quote to expired. It returns
// only database errors; callers report the business outcome separately
// so the transaction still commits the terminal state.
func (s *Service) forceExpire(ctx context.Context, tx *gorm.DB, quote *domain.Quote) error {
	return s.forceExpireWithReason(ctx, tx, quote, "expired without response")
}

func (s *Service) forceExpireWithReason(ctx context.Context, tx *gorm.DB, quote *domain.Quote, reason string) error {
	now := s.clock.Now()
	from := quote.Status
	quote.Status = domain.StatusExpired
	quote.ClosedAt = &now
	quote.UpdatedAt = now

	if err := s.repo.Update(ctx, tx, quote); err != nil {
		return err
	}
	return s.appendHistory(ctx, tx, quote, from, domain.StatusExpired, reason)
}

func (s *Service) appendHistory(ctx context.Context, tx *gorm.DB, quote *domain.Quote, from, to domain.Status, reason string) error {
	actorType := historydomain.ActorTypeSystem
	var actorID snowflake.ID
	if actor, ok := identity.ActorFromContext(ctx); ok && !actor.IsSystem() {
		actorType = historydomain.ActorTypeUser
		actorID = actor.ID
	}

	obsmetrics.IncTransition(string(historydomain.AggregateQuote), string(from), string(to))
	return s.history.Append(ctx, tx, &historydomain.Transition{
		ID:            s.genID.Generate(),
		TenantID:      quote.TenantID,
		AggregateType: historydomain.AggregateQuote,
		AggregateID:   quote.ID,
		FromStatus:    string(from),
		ToStatus:      string(to),
		ActorType:     actorType,
		ActorID:       actorID,
		Reason:        reason,
		OccurredAt:    s.clock.Now(),
	})
}

func (s *Service) emit(ctx context.Context, evt *event.Event) {
	if evt == nil {
		return
	}
	s.events.Dispatch(ctx, *evt)
}
